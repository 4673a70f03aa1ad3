package cip_test

import (
	"testing"

	"github.com/openfwa/isochd/internal/cip"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// S1 — 48 kHz steady SYT.
func TestS1_48kHzSteadySyt(t *testing.T) {
	g, err := cip.New(48000, 1)
	require.NoError(t, err)

	g.Initialize(0)
	g.MarkFirstCallbackOccurred()

	want := []uint16{0x400, 0x800, 0xC00, 0x000, 0x400, 0x800, 0xC00, 0x000, 0x400}
	for i, w := range want {
		p := g.ComputeParams(0, uint32(i))
		require.Falsef(t, p.IsNoData, "cycle %d expected data packet", i)
		require.Equalf(t, w, p.Syt, "cycle %d syt mismatch", i)
	}
}

// S1's first-callback gate: before MarkFirstCallbackOccurred, every cycle
// is a no-data placeholder with SYT=0xFFFF and no state mutation.
func TestS1_FirstCallbackGate(t *testing.T) {
	g, err := cip.New(48000, 1)
	require.NoError(t, err)
	g.Initialize(0)

	for i := 0; i < 3; i++ {
		p := g.ComputeParams(0, uint32(i))
		require.True(t, p.IsNoData)
		require.Equal(t, uint16(0xFFFF), p.Syt)
		require.Equal(t, uint8(0), p.Dbc)
	}
}

// S2 — 44.1 kHz one full phase wheel: over 147 cycles, exactly 66 cycles
// borrow (no-data), and DBC advances 147-66=81 steps.
func TestS2_441kHzPhaseWheel(t *testing.T) {
	g, err := cip.New(44100, 1)
	require.NoError(t, err)
	g.Initialize(0)
	g.MarkFirstCallbackOccurred()

	noData := 0
	dataSteps := 0
	for i := 0; i < 147; i++ {
		p := g.ComputeParams(0, uint32(i))
		if p.IsNoData {
			noData++
		} else {
			dataSteps++
		}
	}

	require.Equal(t, 66, noData)
	require.Equal(t, 81, dataSteps)
}

// Property 1 — DBC monotonicity: filtering to data packets only, DBC must
// increase by blocksPerPacket modulo 256 step by step.
func TestDbcMonotoneAcrossDataPackets(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sampleRate := rapid.SampledFrom([]uint32{44100, 48000, 88200, 96000}).Draw(t, "rate")
		blocksPerPacket := uint8(rapid.IntRange(1, 16).Draw(t, "bpp"))
		cycles := rapid.IntRange(1, 500).Draw(t, "cycles")

		g, err := cip.New(sampleRate, blocksPerPacket)
		require.NoError(t, err)
		g.Initialize(uint32(rapid.IntRange(0, 0x1FFF).Draw(t, "cycleTime")))
		g.MarkFirstCallbackOccurred()

		var lastDbc uint8
		haveLast := false
		for i := 0; i < cycles; i++ {
			p := g.ComputeParams(0, uint32(i))
			if p.IsNoData {
				continue
			}
			if haveLast {
				require.Equal(t, uint8((uint32(lastDbc)+uint32(blocksPerPacket))&0xFF), p.Dbc)
			}
			lastDbc = p.Dbc
			haveLast = true
		}
	})
}

// Property 2 — DBC held across no-data runs: every cycle in a maximal
// no-data run carries the DBC of the last preceding data packet.
func TestDbcHeldAcrossNoDataRuns(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		sampleRate := rapid.SampledFrom([]uint32{44100, 48000}).Draw(t, "rate")
		cycles := rapid.IntRange(1, 500).Draw(t, "cycles")

		g, err := cip.New(sampleRate, 1)
		require.NoError(t, err)
		g.Initialize(0)
		g.MarkFirstCallbackOccurred()

		var lastDataDbc uint8
		haveData := false
		for i := 0; i < cycles; i++ {
			p := g.ComputeParams(0, uint32(i))
			if p.IsNoData {
				if haveData {
					require.Equal(t, lastDataDbc, p.Dbc)
				}
				continue
			}
			lastDataDbc = p.Dbc
			haveData = true
		}
	})
}

func TestWriteHeaderNoDataSetsFdfAndSyt(t *testing.T) {
	buf := make([]byte, 8)
	cip.WriteHeader(buf, 5, 48000, 2, cip.Params{IsNoData: true})
	require.Equal(t, byte(cip.FdfNoData), buf[5])
	require.Equal(t, uint16(0xFFFF), uint16(buf[6])<<8|uint16(buf[7]))
}

func TestWriteHeaderDataSetsSytLow12Bits(t *testing.T) {
	buf := make([]byte, 8)
	cip.WriteHeader(buf, 5, 48000, 2, cip.Params{IsNoData: false, Syt: 0x1400, Dbc: 8})
	got := uint16(buf[6])<<8 | uint16(buf[7])
	require.Equal(t, uint16(0x400), got)
	require.Equal(t, byte(8), buf[3])
}
