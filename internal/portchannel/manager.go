// Package portchannel implements the port/channel negotiation state
// machine that owns the local/remote endpoint handles and negotiates bus
// channel/speed with the peer, per spec.md §4.4.
package portchannel

import (
	"sync"

	"github.com/openfwa/isochd/internal/buffer"
	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/descriptor"
	"github.com/openfwa/isochd/internal/xerror"
)

// State is one of the manager's lifecycle states, per spec.md §4.4.
type State int

const (
	Uninit State = iota
	Initialized
	Configured
	PortOpen
	ChannelOpen
	Running
	Stopping
	Stopped
	Finalized
)

func (s State) String() string {
	switch s {
	case Uninit:
		return "Uninit"
	case Initialized:
		return "Initialized"
	case Configured:
		return "Configured"
	case PortOpen:
		return "PortOpen"
	case ChannelOpen:
		return "ChannelOpen"
	case Running:
		return "Running"
	case Stopping:
		return "Stopping"
	case Stopped:
		return "Stopped"
	case Finalized:
		return "Finalized"
	default:
		return "Unknown"
	}
}

// Manager is the single-threaded-but-externally-serialized port/channel
// state machine. All public methods take an internal mutex; the bus
// library's peer callbacks also flow through it via the PeerXxx methods.
type Manager struct {
	mu sync.Mutex

	connector busconnector.Connector
	role      busconnector.Role

	state State

	speed         busconnector.Speed
	channel       uint32
	cycleMatchBits uint32

	negotiatedChannel uint32

	port busconnector.LocalPort
	ch   busconnector.Channel

	quarantined bool
}

// New constructs a Manager bound to connector, for the given role.
func New(connector busconnector.Connector, role busconnector.Role) *Manager {
	return &Manager{connector: connector, role: role, state: Uninit}
}

// State returns the manager's current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Initialize attaches the bus library's runloop dispatchers (represented
// here simply as the transition Uninit -> Initialized; the connector
// itself owns any real dispatcher wiring).
func (m *Manager) Initialize() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Uninit {
		return xerror.New(xerror.NotReady, "Manager.Initialize")
	}
	m.state = Initialized
	return nil
}

// Configure records the desired speed, channel (AnyChannel permitted), and
// cycle-match alignment bits. Per spec.md §9's open-question resolution,
// cycleMatchBits defaults to 0 (no cycle-match alignment) unless a caller
// explicitly passes a nonzero value.
func (m *Manager) Configure(speed busconnector.Speed, channel uint32, cycleMatchBits uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Initialized {
		return xerror.New(xerror.NotReady, "Manager.Configure")
	}
	m.speed = speed
	m.channel = channel
	m.cycleMatchBits = cycleMatchBits
	m.state = Configured
	return nil
}

// SetupLocalPortAndChannel creates a local port bound to program and
// bufferRange, creates an isoch channel, and attaches the local port as
// this manager's role (and implicitly the remote proxy as the opposite).
func (m *Manager) SetupLocalPortAndChannel(program *descriptor.Program, bufferRange buffer.Range) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Configured {
		return xerror.New(xerror.NotReady, "Manager.SetupLocalPortAndChannel")
	}

	port, err := m.connector.CreateLocalPort(program, bufferRange)
	if err != nil {
		m.releaseLocked()
		return xerror.Wrap(xerror.BusIO, "Manager.SetupLocalPortAndChannel", err)
	}
	m.port = port
	m.state = PortOpen

	ch, err := m.connector.CreateChannel(m.speed, m.channel)
	if err != nil {
		m.releaseLocked()
		return xerror.Wrap(xerror.BusIO, "Manager.SetupLocalPortAndChannel", err)
	}
	m.ch = ch

	if err := m.connector.AttachPort(ch, port, m.role); err != nil {
		m.releaseLocked()
		return xerror.Wrap(xerror.BusIO, "Manager.SetupLocalPortAndChannel", err)
	}
	m.state = ChannelOpen
	return nil
}

// Start asks the connector to start the channel and, once that succeeds,
// moves straight to Running. PeerStart also sets Running when the peer
// reports the start.
func (m *Manager) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != ChannelOpen {
		return xerror.New(xerror.NotReady, "Manager.Start")
	}
	if err := m.connector.StartChannel(m.ch); err != nil {
		return xerror.Wrap(xerror.BusIO, "Manager.Start", err)
	}
	m.state = Running
	return nil
}

// RequestStop asks the connector to stop the channel and transitions to
// Stopping; PeerFinalize later moves the manager to Finalized. RequestStop
// does not wait for that callback and applies no timeout.
func (m *Manager) RequestStop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != Running {
		return xerror.New(xerror.NotReady, "Manager.RequestStop")
	}
	m.state = Stopping
	if err := m.connector.StopChannel(m.ch); err != nil {
		return xerror.Wrap(xerror.BusIO, "Manager.RequestStop", err)
	}
	return nil
}

// PeerAllocate is the peer's allocate(speed, channel) callback: it records
// the negotiated channel.
func (m *Manager) PeerAllocate(channel uint32) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.negotiatedChannel = channel
}

// NegotiatedChannel returns the channel number the peer allocated.
func (m *Manager) NegotiatedChannel() uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.negotiatedChannel
}

// PeerStart is the peer's start callback.
func (m *Manager) PeerStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Running
}

// PeerStop is the peer's stop callback.
func (m *Manager) PeerStop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == Running {
		m.state = Stopping
	}
}

// PeerFinalize is the finalize callback; it completes a stop.
func (m *Manager) PeerFinalize() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.state = Finalized
}

// Quarantine marks the manager unusable after a stop timeout, per spec.md
// §7/§8 scenario S6: a subsequent Start must fail with NotReady.
func (m *Manager) Quarantine() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.quarantined = true
	m.state = Stopped
}

// Quarantined reports whether a stop timeout has quarantined this manager.
func (m *Manager) Quarantined() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.quarantined
}

// PeerGetSupported answers the peer's get-supported callback: maxSpeed is
// always the configured speed; channelMask is "any channel but 0" when
// channel==AnyChannel, else a mask with only the configured bit set.
func (m *Manager) PeerGetSupported() (maxSpeed busconnector.Speed, channelMask uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.channel == busconnector.AnyChannel {
		return m.speed, ^uint64(1)
	}
	return m.speed, uint64(1) << (m.channel % 64)
}

// Reset idempotently releases all handles in reverse creation order.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.releaseLocked()
	m.state = Stopped
}

func (m *Manager) releaseLocked() {
	if m.ch != nil {
		m.ch.Close()
		m.ch = nil
	}
	if m.port != nil {
		m.port.Close()
		m.port = nil
	}
}
