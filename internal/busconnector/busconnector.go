// Package busconnector declares the narrow interface the engine uses to
// reach the platform bus library (port/channel creation, descriptor commit
// notification, plug connection), per spec.md §9's re-architecture
// guidance: "abstract behind a BusConnector trait; real and mock
// implementations interchangeable." No implementation of a real FireWire/
// 1394 bus library ships in this module — see busmock for the
// interchangeable test/demo double.
package busconnector

import (
	"github.com/openfwa/isochd/internal/buffer"
	"github.com/openfwa/isochd/internal/descriptor"
)

// Role distinguishes a Stream's direction on the isochronous channel.
type Role int

const (
	RoleTalker Role = iota
	RoleListener
)

func (r Role) String() string {
	if r == RoleTalker {
		return "talker"
	}
	return "listener"
}

// Speed is the negotiated bus speed tier.
type Speed int

const (
	Speed100 Speed = iota
	Speed200
	Speed400
	Speed800
)

// AnyChannel requests "any available channel" during Configure, per
// spec.md §4.4.
const AnyChannel uint32 = 0xFFFFFFFF

// LocalPort is an opaque handle to a bus-local port bound to a
// DescriptorProgram and buffer range.
type LocalPort interface {
	Close() error
}

// Channel is an opaque handle to an isochronous channel.
type Channel interface {
	Close() error
}

// PeerHandle is an opaque handle to the remote device nub / port proxy.
type PeerHandle interface{}

// Connector is the engine's view of the platform bus library. It also
// satisfies descriptor.Notifier, so a *descriptor.Program can be built
// with a Connector directly as its notifier.
type Connector interface {
	descriptor.Notifier

	// CreateLocalPort binds program and bufferRange to a new local port.
	CreateLocalPort(program *descriptor.Program, bufferRange buffer.Range) (LocalPort, error)
	// CreateChannel creates an isochronous channel at the given speed and
	// channel number (AnyChannel permitted).
	CreateChannel(speed Speed, channel uint32) (Channel, error)
	// AttachPort attaches port to channel as talker or listener, and the
	// remote proxy as the opposite role.
	AttachPort(ch Channel, port LocalPort, role Role) error
	StartChannel(ch Channel) error
	StopChannel(ch Channel) error

	// ConnectPlug/DisconnectPlug use the bus library's point-to-point
	// helper: talker connects an input plug on peer, listener an output
	// plug, per spec.md §4.8. Idempotent: a second call succeeds with no
	// peer-side effect (spec.md §8 property 7).
	ConnectPlug(role Role, peer PeerHandle) error
	DisconnectPlug(role Role, peer PeerHandle) error

	// CurrentCycleTime returns the raw 32-bit FireWire cycle time.
	CurrentCycleTime() uint32
	// LocalNodeID returns the local node id and a generation counter that
	// changes when the bus resets; TransportEngine.Start retries on
	// generation mismatch between consecutive reads.
	LocalNodeID() (id uint16, generation uint32, err error)
}
