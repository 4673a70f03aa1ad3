package descriptor_test

import (
	"testing"

	"github.com/openfwa/isochd/internal/descriptor"
	"github.com/stretchr/testify/require"
)

type sinkSpy struct {
	completed []uint32
	overruns  int
}

func (s *sinkSpy) OnSegmentComplete(segment uint32) { s.completed = append(s.completed, segment) }
func (s *sinkSpy) OnOverrun()                       { s.overruns++ }

type notifierSpy struct {
	batches     [][]uint32
	jumpTargets []uint32
}

func (n *notifierSpy) NotifyDescriptorsModified(indices []uint32) error {
	cp := append([]uint32(nil), indices...)
	n.batches = append(n.batches, cp)
	return nil
}

func (n *notifierSpy) NotifyJumpTarget(index uint32) error {
	n.jumpTargets = append(n.jumpTargets, index)
	return nil
}

func TestBuildInitialJumpTargetsWrap(t *testing.T) {
	sink, notifier := &sinkSpy{}, &notifierSpy{}
	p, err := descriptor.Build(4, 3, sink, notifier)
	require.NoError(t, err)

	for i := 0; i < p.TotalCycles()-1; i++ {
		d, err := p.DescriptorAt(i)
		require.NoError(t, err)
		require.Equal(t, i+1, d.JumpTarget)
	}
	last, err := p.DescriptorAt(p.TotalCycles() - 1)
	require.NoError(t, err)
	require.Equal(t, 0, last.JumpTarget)
}

func TestTerminatorsAreLastOfEachSegment(t *testing.T) {
	sink, notifier := &sinkSpy{}, &notifierSpy{}
	p, err := descriptor.Build(4, 3, sink, notifier)
	require.NoError(t, err)

	for seg := 0; seg < 3; seg++ {
		last := seg*4 + 3
		require.True(t, p.IsTerminator(last))
		for i := seg * 4; i < last; i++ {
			require.False(t, p.IsTerminator(i))
		}
	}
}

func TestFillCycleSetsNumRangesOneOrTwo(t *testing.T) {
	sink, notifier := &sinkSpy{}, &notifierSpy{}
	p, err := descriptor.Build(2, 2, sink, notifier)
	require.NoError(t, err)

	require.NoError(t, p.FillCycle(0, 0x1000, 0, 0))
	d, _ := p.DescriptorAt(0)
	require.Len(t, d.Ranges, 1)

	require.NoError(t, p.FillCycle(1, 0x1000, 0x2000, 16))
	d, _ = p.DescriptorAt(1)
	require.Len(t, d.Ranges, 2)
	require.Equal(t, 16, d.Ranges[1].Len)
}

func TestStitchSegmentJumpRetargetsPredecessorTerminator(t *testing.T) {
	sink, notifier := &sinkSpy{}, &notifierSpy{}
	p, err := descriptor.Build(4, 3, sink, notifier)
	require.NoError(t, err)

	require.NoError(t, p.StitchSegmentJump(1))

	predTerminator, err := p.DescriptorAt(3) // last of segment 0
	require.NoError(t, err)
	require.Equal(t, 4, predTerminator.JumpTarget) // first of segment 1

	require.Len(t, notifier.jumpTargets, 1)
	require.Equal(t, uint32(3), notifier.jumpTargets[0])
}

func TestStitchSegmentJumpNotifiesInBatchesOfAtMostTen(t *testing.T) {
	sink, notifier := &sinkSpy{}, &notifierSpy{}
	p, err := descriptor.Build(25, 2, sink, notifier)
	require.NoError(t, err)

	require.NoError(t, p.StitchSegmentJump(1))

	require.Len(t, notifier.batches, 3) // 25 = 10+10+5
	for _, b := range notifier.batches[:2] {
		require.LessOrEqual(t, len(b), 10)
	}
}

func TestHandleOverrunNotifiesSink(t *testing.T) {
	sink, notifier := &sinkSpy{}, &notifierSpy{}
	p, err := descriptor.Build(4, 2, sink, notifier)
	require.NoError(t, err)

	p.HandleOverrun()
	require.Equal(t, 1, sink.overruns)
}
