// Package busmock is an in-memory implementation of busconnector.Connector
// for tests and the reference demo client, matching spec.md §9's guidance
// that real and mock bus connectors be interchangeable.
package busmock

import (
	"sync"
	"sync/atomic"

	"github.com/openfwa/isochd/internal/buffer"
	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/descriptor"
)

type localPort struct{ closed bool }

func (p *localPort) Close() error { p.closed = true; return nil }

type channel struct {
	started bool
	stopped bool
}

func (c *channel) Close() error { return nil }

// Connector is a deterministic, single-process stand-in for the platform
// bus library. It records notification calls and lets a test drive
// segment-complete/overrun callbacks directly.
type Connector struct {
	mu sync.Mutex

	nodeID     uint16
	generation uint32
	cycleTime  atomic.Uint32

	notifiedBatches [][]uint32
	notifiedJumps    []uint32

	suppressFinalize bool
	plugConnections  map[busconnector.Role]int

	program *descriptor.Program
}

// New builds a Connector with the given local node id.
func New(nodeID uint16) *Connector {
	return &Connector{
		nodeID:          nodeID,
		generation:      1,
		plugConnections: make(map[busconnector.Role]int),
	}
}

// SetCycleTime lets a test drive the raw FireWire cycle time returned by
// CurrentCycleTime.
func (c *Connector) SetCycleTime(v uint32) { c.cycleTime.Store(v) }

// BumpGeneration simulates a bus reset changing the node-id generation.
func (c *Connector) BumpGeneration() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.generation++
}

// SuppressFinalize makes StopChannel leave the channel unsettled, so that
// Finalized reports false for it.
func (c *Connector) SuppressFinalize(v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.suppressFinalize = v
}

func (c *Connector) CreateLocalPort(program *descriptor.Program, bufferRange buffer.Range) (busconnector.LocalPort, error) {
	c.mu.Lock()
	c.program = program
	c.mu.Unlock()
	_ = bufferRange
	return &localPort{}, nil
}

// TriggerSegmentComplete drives the Program bound by the most recent
// CreateLocalPort call through its segment-complete callback, standing in
// for the real bus library reaching a segment's terminator descriptor.
func (c *Connector) TriggerSegmentComplete(segment uint32) {
	c.mu.Lock()
	p := c.program
	c.mu.Unlock()
	if p != nil {
		p.OnSegmentComplete(segment)
	}
}

// TriggerOverrun drives the bound Program's overrun callback, standing in
// for the hardware reaching the overrun sentinel descriptor.
func (c *Connector) TriggerOverrun() {
	c.mu.Lock()
	p := c.program
	c.mu.Unlock()
	if p != nil {
		p.HandleOverrun()
	}
}

func (c *Connector) CreateChannel(speed busconnector.Speed, ch uint32) (busconnector.Channel, error) {
	_ = speed
	_ = ch
	return &channel{}, nil
}

func (c *Connector) AttachPort(ch busconnector.Channel, port busconnector.LocalPort, role busconnector.Role) error {
	_ = ch
	_ = port
	_ = role
	return nil
}

func (c *Connector) StartChannel(ch busconnector.Channel) error {
	cc := ch.(*channel)
	cc.started = true
	return nil
}

func (c *Connector) StopChannel(ch busconnector.Channel) error {
	cc := ch.(*channel)
	if c.suppressFinalize {
		return nil
	}
	cc.stopped = true
	return nil
}

// Finalized reports whether StopChannel actually settled ch (false if
// SuppressFinalize(true) is in effect).
func (c *Connector) Finalized(ch busconnector.Channel) bool {
	return ch.(*channel).stopped
}

func (c *Connector) ConnectPlug(role busconnector.Role, peer busconnector.PeerHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.plugConnections[role] = 1
	return nil
}

func (c *Connector) DisconnectPlug(role busconnector.Role, peer busconnector.PeerHandle) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.plugConnections[role] > 0 {
		c.plugConnections[role]--
	}
	return nil
}

// PlugConnections reports 1 while role's plug is connected and 0 otherwise;
// repeated ConnectPlug or DisconnectPlug calls do not change it further,
// for asserting idempotency (spec.md §8 property 7).
func (c *Connector) PlugConnections(role busconnector.Role) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.plugConnections[role]
}

func (c *Connector) NotifyDescriptorsModified(indices []uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := append([]uint32(nil), indices...)
	c.notifiedBatches = append(c.notifiedBatches, cp)
	return nil
}

func (c *Connector) NotifyJumpTarget(index uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notifiedJumps = append(c.notifiedJumps, index)
	return nil
}

func (c *Connector) CurrentCycleTime() uint32 { return c.cycleTime.Load() }

func (c *Connector) LocalNodeID() (uint16, uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nodeID, c.generation, nil
}
