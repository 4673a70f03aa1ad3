package stream

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openfwa/isochd/internal/buffer"
	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/clock"
	"github.com/openfwa/isochd/internal/descriptor"
	"github.com/openfwa/isochd/internal/doublebuffer"
	"github.com/openfwa/isochd/internal/portchannel"
	"github.com/openfwa/isochd/internal/shmring"
	"github.com/openfwa/isochd/internal/transport"
	"github.com/openfwa/isochd/internal/xerror"
)

// PacketCallback is invoked once per segment boundary. For a listener,
// payload holds the received segment's client bytes; for a talker, payload
// is nil and only the segment index and timestamp are passed.
type PacketCallback func(segment uint32, payload []byte, timestamp uint32)

// MessageCallback mirrors transport.MessageCallback at the Stream's public
// surface, so callers of this package never import internal/transport
// directly.
type MessageCallback = transport.MessageCallback

// MessageCode mirrors transport.MessageCode at the Stream's public surface.
type MessageCode = transport.MessageCode

// Config groups the construction parameters for one Stream.
type Config struct {
	Role            busconnector.Role
	SampleRate      uint32
	Channels        int
	BlocksPerPacket uint8

	CyclesPerSegment int
	NumSegments      int

	Speed          busconnector.Speed
	Channel        uint32
	CycleMatchBits uint32

	// ShmPath, if set, backs the frame ring with a cross-process
	// shared-memory file instead of an in-process ring.
	ShmPath     string
	ShmCapacity int

	LockMemory bool

	Clock clock.Clock
	Log   *zap.SugaredLogger
}

// Stream is the single front object a client constructs: one
// BufferAllocator, one DescriptorProgram, one PortChannelManager, one
// TransportEngine, a frame ring, and (for a listener) a DoubleBufferHandoff
// plus its draining worker. Exactly what spec.md §4.8 specifies as "Stream".
type Stream struct {
	mu sync.Mutex

	// id correlates this Stream's log lines and messages across a daemon
	// hosting several concurrent streams; it has no protocol meaning.
	id uuid.UUID

	cfg       Config
	connector busconnector.Connector

	alloc   *buffer.Allocator
	program *descriptor.Program
	manager *portchannel.Manager
	engine  *transport.Engine

	handoff *doublebuffer.Handoff
	worker  *doublebuffer.Worker

	ringSink   frameSink
	ringSource frameSource
	shm        *shmring.Ring

	// cbMu guards the two callbacks apart from mu, so a message can be
	// dispatched while Start or Stop holds mu.
	cbMu      sync.Mutex
	packetCB  PacketCallback
	messageCB MessageCallback
}

// New constructs a Stream bound to connector. The Stream owns no bus
// resources until Configure and SetupLocalPortAndChannel-equivalent steps
// run via Configure/Start.
func New(connector busconnector.Connector, cfg Config) (*Stream, error) {
	if connector == nil {
		return nil, xerror.New(xerror.BadArgument, "stream.New")
	}
	if cfg.CyclesPerSegment <= 0 || cfg.NumSegments <= 0 || cfg.Channels <= 0 {
		return nil, xerror.New(xerror.BadArgument, "stream.New")
	}

	s := &Stream{id: uuid.New(), cfg: cfg, connector: connector}
	if s.cfg.Log != nil {
		s.cfg.Log = s.cfg.Log.With("stream_id", s.id)
	}
	s.manager = portchannel.New(connector, cfg.Role)
	return s, nil
}

// ID returns this Stream's correlation id, for log and message aggregation
// across a daemon hosting several concurrent streams.
func (s *Stream) ID() uuid.UUID { return s.id }

// Configure negotiates speed/channel/cycle-match, allocates the buffer
// region and descriptor program, builds the frame ring (shared-memory if
// ShmPath is set, in-process otherwise), and wires the transport engine.
// Per spec.md §4.8, Configure must run before Start.
func (s *Stream) Configure() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.manager.Initialize(); err != nil {
		return err
	}
	if err := s.manager.Configure(s.cfg.Speed, s.cfg.Channel, s.cfg.CycleMatchBits); err != nil {
		return err
	}

	alloc, err := buffer.New(s.cfg.CyclesPerSegment*s.cfg.NumSegments, s.cfg.Channels, 0)
	if err != nil {
		return err
	}
	s.alloc = alloc
	if s.cfg.LockMemory {
		if err := alloc.Lock(); err != nil && s.cfg.Log != nil {
			s.cfg.Log.Warnw("mlock failed, continuing without locked memory", "error", err)
		}
	}

	prog, err := descriptor.Build(s.cfg.CyclesPerSegment, s.cfg.NumSegments, segmentSink{s: s}, s.connector)
	if err != nil {
		return err
	}
	s.program = prog

	if err := s.manager.SetupLocalPortAndChannel(prog, alloc.DMARange()); err != nil {
		return err
	}

	if err := s.setupRing(); err != nil {
		return err
	}

	engCfg := transport.Config{
		Role:            s.cfg.Role,
		Program:         prog,
		Connector:       s.connector,
		Allocator:       alloc,
		Channels:        s.cfg.Channels,
		SampleRate:      s.cfg.SampleRate,
		BlocksPerPacket: s.cfg.BlocksPerPacket,
		Clock:           s.cfg.Clock,
		Log:             s.cfg.Log,
		OnMessage:       s.dispatchMessage,
	}

	if s.cfg.Role == busconnector.RoleTalker {
		engCfg.Provider = s
	} else {
		s.handoff = doublebuffer.New(s.cfg.NumSegments,
			func(i int) []byte { return make([]byte, s.cfg.CyclesPerSegment*s.cfg.Channels*4) },
			func(i int) []byte { return make([]byte, s.cfg.CyclesPerSegment*s.cfg.Channels*4) },
		)
		engCfg.Handoff = s.handoff
	}

	eng, err := transport.New(engCfg)
	if err != nil {
		return err
	}
	s.engine = eng

	if s.cfg.Role == busconnector.RoleListener {
		s.worker = doublebuffer.NewWorker(s.handoff, eng, s.drainSegmentToRing)
		s.worker.Start()
	}

	return nil
}

func (s *Stream) setupRing() error {
	if s.cfg.ShmPath != "" {
		r, err := shmring.Create(s.cfg.ShmPath, s.cfg.ShmCapacity)
		if err != nil {
			return err
		}
		s.shm = r
		adapter := &shmRingAdapter{r: r}
		s.ringSink = adapter
		s.ringSource = adapter
		return nil
	}
	ring := newInProcessRing(s.cfg.ShmCapacity)
	s.ringSink = ring
	s.ringSource = ring
	return nil
}

// NextPayload implements transport.PayloadProvider for a talker: it pops
// the next queued frame off the ring and zero-fills whatever part of buf
// the frame does not cover. On underrun it returns false without touching
// buf, and the engine sends a zero-filled payload instead.
func (s *Stream) NextPayload(buf []byte) bool {
	_, data, ok := s.ringSource.popFrame()
	if !ok {
		return false
	}
	n := copy(buf, data)
	for i := n; i < len(buf); i++ {
		buf[i] = 0
	}
	return true
}

// drainSegmentToRing is the listener's doublebuffer.ClientCallback: each
// completed, processed segment's payload is split back into per-cycle
// frames and pushed onto the ring, then handed to the packet callback.
func (s *Stream) drainSegmentToRing(segment uint32, data []byte, timestamp uint32) {
	stride := s.cfg.Channels * 4
	for off := 0; off+stride <= len(data); off += stride {
		cycle := data[off : off+stride]
		s.ringSink.pushFrame(shmring.Timestamp{SampleTime: uint64(timestamp)}, cycle)
	}

	s.cbMu.Lock()
	cb := s.packetCB
	s.cbMu.Unlock()
	if cb != nil {
		cb(segment, data, timestamp)
	}
}

type segmentSink struct{ s *Stream }

func (ss segmentSink) OnSegmentComplete(segment uint32) {
	ss.s.engine.OnSegmentComplete(segment)
	if ss.s.cfg.Role == busconnector.RoleTalker {
		ss.s.cbMu.Lock()
		cb := ss.s.packetCB
		ss.s.cbMu.Unlock()
		if cb != nil {
			cb(segment, nil, ss.s.engine.TimestampFor(segment))
		}
	}
}

func (ss segmentSink) OnOverrun() { ss.s.engine.OnOverrun() }

func (s *Stream) dispatchMessage(code transport.MessageCode, p1, p2 uint32) {
	s.cbMu.Lock()
	cb := s.messageCB
	s.cbMu.Unlock()
	if cb != nil {
		cb(code, p1, p2)
	}
}

// SetPacketCallback registers the per-segment payload callback.
func (s *Stream) SetPacketCallback(cb PacketCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.packetCB = cb
}

// SetMessageCallback registers the lifecycle/diagnostic message callback.
func (s *Stream) SetMessageCallback(cb MessageCallback) {
	s.cbMu.Lock()
	defer s.cbMu.Unlock()
	s.messageCB = cb
}

// ConnectPlug connects this Stream's local plug to peer via the bus
// library's point-to-point helper, per spec.md §4.8. Idempotent.
func (s *Stream) ConnectPlug(peer busconnector.PeerHandle) error {
	return s.connector.ConnectPlug(s.cfg.Role, peer)
}

// DisconnectPlug is ConnectPlug's inverse.
func (s *Stream) DisconnectPlug(peer busconnector.PeerHandle) error {
	return s.connector.DisconnectPlug(s.cfg.Role, peer)
}

// Start starts the transport engine, then the channel.
func (s *Stream) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Start(); err != nil {
		return err
	}
	if err := s.manager.Start(); err != nil {
		return err
	}
	s.dispatchMessage(transport.AllocateIsochPort, 0, 0)
	return nil
}

// Stop stops the listener worker, requests the channel stop, and returns
// as soon as the request is issued. It does not wait for the channel to
// finalize, applies no timeout, and never quarantines the manager.
func (s *Stream) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.worker != nil {
		s.worker.Stop()
	}
	err := s.manager.RequestStop()
	s.dispatchMessage(transport.Stopped, 0, 0)
	return err
}

// Release returns the Stream's VM allocation and closes any cross-process
// ring. Must only be called after Stop has settled.
func (s *Stream) Release() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var firstErr error
	if s.shm != nil {
		if err := s.shm.Close(); err != nil {
			firstErr = err
		}
	}
	if s.alloc != nil {
		if err := s.alloc.Release(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// PushAudioData enqueues one cycle's worth of interleaved PCM for a talker
// Stream to transmit onto the ring the runloop thread's fill loop reads
// from; non-blocking, returns false when the ring is full, per spec.md §6's
// "Client push shape (talker)".
func (s *Stream) PushAudioData(data []byte) bool {
	s.mu.Lock()
	sink := s.ringSink
	s.mu.Unlock()
	if sink == nil {
		return false
	}
	return sink.pushFrame(shmring.Timestamp{}, data)
}

// OverrunCount reports the transport engine's lifetime overrun-callback
// count, for diagnostics.
func (s *Stream) OverrunCount() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.engine == nil {
		return 0
	}
	return s.engine.OverrunCount()
}
