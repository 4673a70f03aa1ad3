// Package cip implements the Common Isochronous Packet header generator: a
// pure state machine producing per-cycle DBC/SYT/FDF values with no I/O.
//
// Grounded on original_source/src/Isoch/utils/CIPHeaderHandler.cpp
// (calculatePacketParams / updateSYTOffset / handle44100Mode /
// handle48000Mode), translated into the non-blocking AMDTP scheme spec.md
// §4.2 specifies.
package cip

import "fmt"

// Format-dependent field and format tags, straight from spec.md §3/§4.2.
const (
	FmtAMDTP = 0x10
	FdfNoData = 0xFF

	fdfSFC48K = 0x00
	fdfSFC44K = 0x01
)

// Timing constants, spec.md §4.2.
const (
	TicksPerCycle  = 3072
	TicksPerSecond = 24_576_000
	CyclesPerSecond = 8000
	BaseTicks48K   = 1024
	BaseTicks44K   = 1386
	SytPhaseMod    = 147
	SytPhaseReset  = 147
)

// sampleRateFamily classifies a configured sample rate into the 44.1kHz or
// 48kHz phase-accounting family; spec.md §4.2 names the six canonical
// rates but only specifies the two families in detail.
type sampleRateFamily int

const (
	family48k sampleRateFamily = iota
	family44k
)

func familyOf(sampleRate uint32) sampleRateFamily {
	switch sampleRate {
	case 44100, 88200, 176400:
		return family44k
	default:
		// 48000, 96000, 192000, and anything else fall into the 48k
		// family's integer-tick accounting.
		return family48k
	}
}

// Params is the per-cycle outcome of computeParams: whether this cycle
// carries a data or no-data packet, its SYT/DBC values, and the previous
// cycle's no-data state (so a caller can detect a no-data run boundary).
type Params struct {
	IsNoData  bool
	Syt       uint16
	Dbc       uint8
	WasNoData bool
}

// Generator is the CIP header state machine. Zero value is not usable;
// construct with New and call Initialize before the first ComputeParams.
type Generator struct {
	sampleRate uint32
	family     sampleRateFamily

	blocksPerPacket uint8

	sytOffset uint32
	sytPhase  uint32
	dbc       uint8

	wasNoData            bool
	firstCallbackOccurred bool
}

// New constructs a Generator for the given sample rate and blocks-per-data-
// packet (spec.md §6: defaults to one for transmit unless overridden).
func New(sampleRate uint32, blocksPerPacket uint8) (*Generator, error) {
	if blocksPerPacket == 0 {
		return nil, fmt.Errorf("cip: blocksPerPacket must be > 0")
	}
	return &Generator{
		sampleRate:      sampleRate,
		family:          familyOf(sampleRate),
		blocksPerPacket: blocksPerPacket,
		wasNoData:       true,
	}, nil
}

// Initialize resets DBC/no-data state and seeds sytOffset from the current
// FireWire cycle time, per spec.md §4.2.
func (g *Generator) Initialize(fireWireCycleTime uint32) {
	cycleCount := (fireWireCycleTime >> 12) & 0x1FFF
	seconds := (fireWireCycleTime >> 25) & 0x7
	absoluteCycle := seconds*CyclesPerSecond + cycleCount

	g.sytOffset = (absoluteCycle * TicksPerCycle) % TicksPerSecond
	g.sytPhase = 0
	g.wasNoData = true
	g.dbc = 0
	g.firstCallbackOccurred = false
}

// MarkFirstCallbackOccurred clears the "first callback" gate so that
// subsequent ComputeParams calls start producing data packets. The
// transport engine calls this from the first segment-complete callback,
// per spec.md §4.5.
func (g *Generator) MarkFirstCallbackOccurred() {
	g.firstCallbackOccurred = true
}

// ComputeParams advances the generator by one cycle and returns that
// cycle's header parameters. segment/cycle are accepted for symmetry with
// the callback signature in spec.md §4.2 but do not affect state.
//
// The two sample-rate families need genuinely different advance rules, not
// just a different per-cycle increment. BaseTicks48K divides TicksPerCycle
// exactly (1024*3 == 3072), so a 48kHz-family stream never needs a no-data
// packet once synced: the accumulator is only ever short of a full cycle or
// exactly at one, so borrowing a cycle's worth of ticks before adding (and
// only when the previous cycle already landed on the boundary) reproduces
// the steady four-step SYT wheel with zero no-data cycles. A 44.1kHz-family
// stream's ticks never divide evenly, so the no-data/dummy-packet mechanism
// is load-bearing: the phase wheel must advance every cycle regardless of
// where the accumulator sits, and whichever cycles push it over a full
// cycle's worth of ticks become the no-data packets that keep the long-run
// average in sync.
func (g *Generator) ComputeParams(segment, cycle uint32) Params {
	_, _ = segment, cycle

	if !g.firstCallbackOccurred {
		return Params{IsNoData: true, Syt: 0xFFFF, Dbc: g.dbc, WasNoData: true}
	}

	var isNoData bool
	if g.family == family44k {
		g.advance44k()
		if g.sytOffset >= TicksPerCycle {
			g.sytOffset -= TicksPerCycle
			isNoData = true
		}
	} else {
		if g.sytOffset >= TicksPerCycle {
			g.sytOffset -= TicksPerCycle
		} else {
			g.sytOffset += BaseTicks48K
		}
		isNoData = g.sytOffset > TicksPerCycle
	}

	var p Params
	if isNoData {
		p.IsNoData = true
		p.Syt = 0xFFFF
	} else {
		p.IsNoData = false
		p.Syt = uint16(g.sytOffset & 0xFFF)
	}

	if !p.IsNoData {
		g.dbc = uint8((uint32(g.dbc) + uint32(g.blocksPerPacket)) & 0xFF)
	}

	p.Dbc = g.dbc
	p.WasNoData = g.wasNoData
	g.wasNoData = p.IsNoData

	return p
}

// advance44k runs the 44.1kHz-family phase wheel unconditionally: unlike
// the 48kHz branch, it never skips the tick addition, so ComputeParams'
// overflow check alone decides each cycle's data/no-data outcome.
func (g *Generator) advance44k() {
	phase := g.sytPhase % SytPhaseMod
	addExtra := (phase != 0 && phase&3 == 0) || g.sytPhase == 146
	g.sytOffset += BaseTicks44K
	if addExtra {
		g.sytOffset++
	}
	g.sytPhase = (g.sytPhase + 1) % SytPhaseMod
}

// WriteHeader emits the 8-byte CIP header for params into buf[:8].
func WriteHeader(buf []byte, nodeID uint16, sampleRate uint32, dbs uint8, params Params) {
	if len(buf) < 8 {
		panic("cip: WriteHeader requires an 8-byte buffer")
	}

	sid := nodeID & 0x3F

	// First quadlet: EOH0(2)=0 SID(6) DBS(8) FN(2) QPC(3) SPH(1) reserved(2) DBC(8)
	buf[0] = byte(sid)
	buf[1] = dbs
	buf[2] = 0 // FN=0, QPC=0, SPH=0
	buf[3] = params.Dbc

	fdf := byte(FdfNoData)
	syt := uint16(0xFFFF)
	if !params.IsNoData {
		if familyOf(sampleRate) == family44k {
			fdf = fdfSFC44K
		} else {
			fdf = fdfSFC48K
		}
		syt = params.Syt & 0xFFF
	}

	// Second quadlet: EOH1(2)=2 FMT(6) FDF(8) SYT(16)
	buf[4] = 0x80 | FmtAMDTP
	buf[5] = fdf
	buf[6] = byte(syt >> 8)
	buf[7] = byte(syt)
}
