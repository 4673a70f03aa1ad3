// Package transport binds a DescriptorProgram to a PortChannelManager,
// wires segment-completion callbacks, and owns segment-complete timing and
// CIP-header accounting, per spec.md §4.5.
package transport

import (
	"sync/atomic"
	"time"
	"unsafe"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/openfwa/isochd/internal/buffer"
	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/cip"
	"github.com/openfwa/isochd/internal/clock"
	"github.com/openfwa/isochd/internal/descriptor"
	"github.com/openfwa/isochd/internal/doublebuffer"
	"github.com/openfwa/isochd/internal/xerror"
)

// MessageCode enumerates the message-callback taxonomy of spec.md §6. This
// module uses exactly this extended enum, per spec.md §9's open-question
// resolution (there is no second competing AmdtpMessageType to reject).
type MessageCode int

const (
	DataPull MessageCode = iota
	TimeStampAdjust
	DCLOverrunAutoRestartFailed
	AllocateIsochPort
	ReleaseIsochPort
	Started
	Stopped
	Error
)

// MessageCallback is invoked for lifecycle/diagnostic events. It may be
// called from the runloop thread and must not block, per spec.md §6.
type MessageCallback func(code MessageCode, param1, param2 uint32)

// PayloadProvider supplies the next cycle's audio payload for a talker
// engine. It must fill buf entirely and return true, or return false if no
// data is currently available (the engine then sends a zero-filled
// payload rather than stall the runloop thread).
type PayloadProvider interface {
	NextPayload(buf []byte) bool
}

const cyclesPerWrap = 64000

// Engine is the outward runnable transport for one direction (talker or
// listener) on one isochronous channel.
type Engine struct {
	role       busconnector.Role
	program    *descriptor.Program
	connector  busconnector.Connector
	alloc      *buffer.Allocator
	channels   int
	blocksPerPacket uint8
	sampleRate uint32

	cipGen *cip.Generator
	clk    clock.Clock

	provider PayloadProvider
	handoff  *doublebuffer.Handoff

	onMessage MessageCallback
	log       *zap.SugaredLogger

	nodeID atomic.Uint32 // local node id captured by Start

	expectedCycle  uint32
	haveExpected   bool
	overrunCount   atomic.Uint32

	segmentTimestamps []uint32

	startedFirstSegment bool
	quarantined         atomic.Bool
}

// Config groups an Engine's construction parameters.
type Config struct {
	Role            busconnector.Role
	Program         *descriptor.Program
	Connector       busconnector.Connector
	Allocator       *buffer.Allocator
	Channels        int
	SampleRate      uint32
	BlocksPerPacket uint8
	Clock           clock.Clock
	Provider        PayloadProvider    // talker only
	Handoff         *doublebuffer.Handoff // listener only
	OnMessage       MessageCallback
	Log             *zap.SugaredLogger
}

// New constructs an Engine from cfg.
func New(cfg Config) (*Engine, error) {
	if cfg.Program == nil || cfg.Connector == nil || cfg.Allocator == nil {
		return nil, xerror.New(xerror.BadArgument, "transport.New")
	}
	bpp := cfg.BlocksPerPacket
	if bpp == 0 {
		bpp = 1
	}
	gen, err := cip.New(cfg.SampleRate, bpp)
	if err != nil {
		return nil, xerror.Wrap(xerror.BadArgument, "transport.New", err)
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.System{}
	}
	log := cfg.Log
	if log == nil {
		log = zap.NewNop().Sugar()
	}

	e := &Engine{
		role:            cfg.Role,
		program:         cfg.Program,
		connector:       cfg.Connector,
		alloc:           cfg.Allocator,
		channels:        cfg.Channels,
		blocksPerPacket: bpp,
		sampleRate:      cfg.SampleRate,
		cipGen:          gen,
		clk:             clk,
		provider:        cfg.Provider,
		handoff:         cfg.Handoff,
		onMessage:       cfg.OnMessage,
		log:             log,
	}
	e.segmentTimestamps = make([]uint32, cfg.Program.NumSegments())
	return e, nil
}

func (e *Engine) emit(code MessageCode, p1, p2 uint32) {
	if e.onMessage != nil {
		e.onMessage(code, p1, p2)
	}
}

// Start initializes CIP state from the current cycle time, fetches the
// local node id (retrying on generation mismatch), and marks the program
// started. The actual channel start is the PortChannelManager's job; the
// caller (Stream) sequences the two.
func (e *Engine) Start() error {
	if e.quarantined.Load() {
		return xerror.New(xerror.NotReady, "Engine.Start")
	}

	e.cipGen.Initialize(e.connector.CurrentCycleTime())

	id, err := e.fetchStableNodeID()
	if err != nil {
		return xerror.Wrap(xerror.BusIO, "Engine.Start", err)
	}
	e.nodeID.Store(uint32(id))

	e.program.MarkStarted()
	e.haveExpected = false
	e.emit(Started, 0, 0)
	return nil
}

// fetchStableNodeID reads the node id twice and retries (bounded
// exponential backoff) until two consecutive reads agree on generation,
// per spec.md §4.5/§7's "retries node-id fetch on a generation mismatch"
// local recovery rule.
const maxNodeIDAttempts = 8

func (e *Engine) fetchStableNodeID() (uint16, error) {
	b := backoff.ExponentialBackOff{
		InitialInterval:     backoff.DefaultInitialInterval,
		RandomizationFactor: backoff.DefaultRandomizationFactor,
		Multiplier:          backoff.DefaultMultiplier,
		MaxInterval:         50 * time.Millisecond,
	}
	b.Reset()

	var lastErr error
	for attempt := 0; attempt < maxNodeIDAttempts; attempt++ {
		id1, gen1, err := e.connector.LocalNodeID()
		if err != nil {
			return 0, err
		}
		id2, gen2, err := e.connector.LocalNodeID()
		if err != nil {
			return 0, err
		}
		if gen1 == gen2 {
			_ = id2
			return id1, nil
		}
		lastErr = xerror.New(xerror.BusIO, "Engine.fetchStableNodeID")
		time.Sleep(b.NextBackOff())
	}
	return 0, lastErr
}

// OnSegmentComplete is the hard-real-time callback the bus library (or
// busmock) invokes when a segment's terminator descriptor is reached.
func (e *Engine) OnSegmentComplete(segment uint32) {
	if !e.startedFirstSegment {
		e.cipGen.MarkFirstCallbackOccurred()
		e.startedFirstSegment = true
	}

	cycleTime := e.connector.CurrentCycleTime()
	cycleCount := (cycleTime >> 12) & 0x1FFF

	switch e.role {
	case busconnector.RoleTalker:
		e.fillTalkerSegment(segment)
	case busconnector.RoleListener:
		e.drainListenerSegment(segment, cycleTime)
	}

	e.segmentTimestamps[segment] = e.wallClockEstimate(cycleTime)
	e.adjustTimestampPolicy(cycleCount)

	if err := e.program.StitchSegmentJump(segment); err != nil {
		e.emit(Error, uint32(segment), 0)
	}
}

// OnOverrun is invoked when the hardware outruns the descriptor program.
func (e *Engine) OnOverrun() {
	e.overrunCount.Add(1)
	e.emit(DCLOverrunAutoRestartFailed, e.overrunCount.Load(), 0)
}

// OverrunCount returns how many overrun callbacks have fired.
func (e *Engine) OverrunCount() uint32 { return e.overrunCount.Load() }

func (e *Engine) fillTalkerSegment(segment uint32) {
	cyclesPerSegment := e.program.CyclesPerSegment()
	first := int(segment) * cyclesPerSegment

	for c := 0; c < cyclesPerSegment; c++ {
		cycle := first + c
		params := e.cipGen.ComputeParams(segment, uint32(cycle))

		hdr := e.cipHeaderSlice(cycle)
		var payload []byte
		if !params.IsNoData {
			payload = e.clientSlice(cycle)
			if e.provider == nil || !e.provider.NextPayload(payload) {
				clearBytes(payload)
			}
		}

		cip.WriteHeader(hdr, uint16(e.nodeID.Load()), e.sampleRate, uint8(e.channels*2), params)

		if payload != nil {
			e.program.FillCycle(cycle, addrOf(hdr), addrOf(payload), len(payload))
		} else {
			e.program.FillCycle(cycle, addrOf(hdr), 0, 0)
		}
	}
}

func (e *Engine) drainListenerSegment(segment uint32, cycleTime uint32) {
	if e.handoff == nil {
		return
	}
	cyclesPerSegment := e.program.CyclesPerSegment()
	first := int(segment) * cyclesPerSegment
	payloadLen := e.channels * 4

	dst := e.handoff.WriteSegment(int(segment))
	if dst == nil {
		return
	}

	for c := 0; c < cyclesPerSegment; c++ {
		cycle := first + c
		src := e.clientSlice(cycle)
		off := c * payloadLen
		if off+payloadLen <= len(dst) {
			copy(dst[off:off+payloadLen], src)
		}
		ts := e.isochTimestampSlice(cycle)
		binaryPutUint32(ts, cycleTime)
	}

	e.handoff.MarkComplete(int(segment))
}

// TimestampFor implements doublebuffer.Timestamps.
func (e *Engine) TimestampFor(segment uint32) uint32 {
	if int(segment) >= len(e.segmentTimestamps) {
		return 0
	}
	return e.segmentTimestamps[segment]
}

func (e *Engine) adjustTimestampPolicy(actualCycle uint32) {
	if !e.haveExpected {
		e.expectedCycle = actualCycle
		e.haveExpected = true
		return
	}
	if actualCycle != e.expectedCycle {
		e.emit(TimeStampAdjust, actualCycle, e.expectedCycle)
		e.expectedCycle = actualCycle
	}
	e.expectedCycle = (e.expectedCycle + uint32(e.program.CyclesPerSegment())) % cyclesPerWrap
}

func (e *Engine) wallClockEstimate(cycleTime uint32) uint32 {
	cycleCount := float64((cycleTime >> 12) & 0x1FFF)
	fractionNanos := (cycleCount / CyclesPerSecondF) * 1e9
	now := e.clk.NowNanos()
	return uint32((now + uint64(fractionNanos)) & 0xFFFFFFFF)
}

const CyclesPerSecondF = 8000.0

func (e *Engine) cipHeaderSlice(cycle int) []byte {
	h := e.alloc.CIPHeaders()
	return h[cycle*8 : cycle*8+8]
}

func (e *Engine) clientSlice(cycle int) []byte {
	c := e.alloc.Client()
	stride := e.channels * 4
	return c[cycle*stride : cycle*stride+stride]
}

func (e *Engine) isochTimestampSlice(cycle int) []byte {
	ts := e.alloc.Timestamps()
	return ts[cycle*4 : cycle*4+4]
}

func addrOf(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func clearBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

func binaryPutUint32(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}
