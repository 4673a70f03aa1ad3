package transport_test

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/openfwa/isochd/internal/buffer"
	"github.com/openfwa/isochd/internal/busconnector"
	"github.com/openfwa/isochd/internal/busmock"
	"github.com/openfwa/isochd/internal/clock"
	"github.com/openfwa/isochd/internal/descriptor"
	"github.com/openfwa/isochd/internal/transport"
)

const (
	cyclesPerSegment = 8
	numSegments      = 4
	channels         = 2
)

type fixedPayload struct{ fill byte }

func (f fixedPayload) NextPayload(buf []byte) bool {
	for i := range buf {
		buf[i] = f.fill
	}
	return true
}

func newTalkerFixture(t *testing.T) (*transport.Engine, *descriptor.Program, *busmock.Connector) {
	t.Helper()

	conn := busmock.New(5)
	alloc, err := buffer.New(cyclesPerSegment*numSegments, channels, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Release() })

	var eng *transport.Engine
	sink := sinkFunc{
		complete: func(seg uint32) { eng.OnSegmentComplete(seg) },
		overrun:  func() { eng.OnOverrun() },
	}

	prog, err := descriptor.Build(cyclesPerSegment, numSegments, sink, conn)
	require.NoError(t, err)

	eng, err = transport.New(transport.Config{
		Role:            busconnector.RoleTalker,
		Program:         prog,
		Connector:       conn,
		Allocator:       alloc,
		Channels:        channels,
		SampleRate:      48000,
		BlocksPerPacket: 1,
		Clock:           clock.NewManual(0),
		Provider:        fixedPayload{fill: 0x7F},
	})
	require.NoError(t, err)

	return eng, prog, conn
}

type sinkFunc struct {
	complete func(uint32)
	overrun  func()
}

func (s sinkFunc) OnSegmentComplete(seg uint32) { s.complete(seg) }
func (s sinkFunc) OnOverrun()                   { s.overrun() }

func TestTalkerStartMarksProgramStarted(t *testing.T) {
	eng, prog, _ := newTalkerFixture(t)
	require.NoError(t, eng.Start())
	require.True(t, prog.Started())
}

func TestTalkerSegmentCompleteFillsDescriptorsAndStitches(t *testing.T) {
	eng, prog, conn := newTalkerFixture(t)
	require.NoError(t, eng.Start())

	eng.OnSegmentComplete(0)

	for i := 0; i < cyclesPerSegment; i++ {
		d, err := prog.DescriptorAt(i)
		require.NoError(t, err)
		require.GreaterOrEqual(t, len(d.Ranges), 1)
	}

	require.NoError(t, conn.NotifyJumpTarget(0)) // conn reachable after stitch
}

func TestOverrunIncrementsCounterAndEmitsMessage(t *testing.T) {
	var gotCode transport.MessageCode
	var gotCount uint32

	conn := busmock.New(5)
	alloc, err := buffer.New(cyclesPerSegment*numSegments, channels, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Release() })

	var eng *transport.Engine
	sink := sinkFunc{
		complete: func(seg uint32) { eng.OnSegmentComplete(seg) },
		overrun:  func() { eng.OnOverrun() },
	}
	prog, err := descriptor.Build(cyclesPerSegment, numSegments, sink, conn)
	require.NoError(t, err)

	eng, err = transport.New(transport.Config{
		Role:       busconnector.RoleTalker,
		Program:    prog,
		Connector:  conn,
		Allocator:  alloc,
		Channels:   channels,
		SampleRate: 48000,
		Clock:      clock.NewManual(0),
		Provider:   fixedPayload{fill: 1},
		OnMessage: func(code transport.MessageCode, p1, p2 uint32) {
			gotCode = code
			gotCount = p1
		},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())

	prog.HandleOverrun()

	require.Equal(t, transport.DCLOverrunAutoRestartFailed, gotCode)
	require.Equal(t, uint32(1), gotCount)
	require.Equal(t, uint32(1), eng.OverrunCount())
}

func TestTimestampAdjustFiresOnCycleMismatch(t *testing.T) {
	var adjustSeen bool

	conn := busmock.New(5)
	alloc, err := buffer.New(cyclesPerSegment*numSegments, channels, 0)
	require.NoError(t, err)
	t.Cleanup(func() { _ = alloc.Release() })

	var eng *transport.Engine
	sink := sinkFunc{
		complete: func(seg uint32) { eng.OnSegmentComplete(seg) },
		overrun:  func() { eng.OnOverrun() },
	}
	prog, err := descriptor.Build(cyclesPerSegment, numSegments, sink, conn)
	require.NoError(t, err)

	eng, err = transport.New(transport.Config{
		Role:       busconnector.RoleTalker,
		Program:    prog,
		Connector:  conn,
		Allocator:  alloc,
		Channels:   channels,
		SampleRate: 48000,
		Clock:      clock.NewManual(0),
		Provider:   fixedPayload{fill: 1},
		OnMessage: func(code transport.MessageCode, p1, p2 uint32) {
			if code == transport.TimeStampAdjust {
				adjustSeen = true
			}
		},
	})
	require.NoError(t, err)
	require.NoError(t, eng.Start())

	eng.OnSegmentComplete(0)
	// Jump the raw cycle time far ahead so the second callback's cycle
	// count disagrees with the accumulated expectation.
	conn.SetCycleTime(uint32(5000) << 12)
	eng.OnSegmentComplete(1)

	require.True(t, adjustSeen)
}
