// Package descriptor implements the ring of preallocated per-cycle packet
// descriptors plus one overrun-sentinel descriptor, driven by segment
// completion and stitched forward one segment at a time, per spec.md §4.3.
package descriptor

import (
	"fmt"

	"github.com/openfwa/isochd/internal/xerror"
)

const notifyBatchSize = 10

// Range is one DMA range a descriptor points at: either a cipHeader slot
// alone (no-data packet) or a cipHeader slot plus a client-payload slot
// (data packet).
type Range struct {
	Addr uintptr
	Len  int
}

// SegmentCompletionSink is what a Program calls back into on segment
// completion or overrun. Passed at Build time rather than stored as a
// back-pointer, per spec.md §9's re-architecture guidance.
type SegmentCompletionSink interface {
	OnSegmentComplete(segment uint32)
	OnOverrun()
}

// Notifier abstracts the bus library's descriptor-commit notification,
// batched per spec.md §4.3. Declared locally (rather than importing
// busconnector) so descriptor and busconnector never import each other;
// any BusConnector implementation satisfies this structurally.
type Notifier interface {
	NotifyDescriptorsModified(indices []uint32) error
	NotifyJumpTarget(index uint32) error
}

// Descriptor is one per-cycle packet descriptor.
type Descriptor struct {
	Ranges     []Range
	JumpTarget int

	segment      uint32
	isTerminator bool
}

// Program is a closed ring of descriptors: totalCycles send-packet
// descriptors plus one overrun sentinel.
type Program struct {
	cyclesPerSegment int
	numSegments      int

	descriptors []Descriptor
	overrun     Descriptor

	sink     SegmentCompletionSink
	notifier Notifier

	started bool
}

// Build allocates cyclesPerSegment*numSegments descriptors plus the
// overrun sentinel. Every descriptor starts with an empty range list and
// jump target i+1 (wrapping to 0 at the end); the last descriptor of each
// segment is tagged as that segment's terminator.
func Build(cyclesPerSegment, numSegments int, sink SegmentCompletionSink, notifier Notifier) (*Program, error) {
	if cyclesPerSegment <= 0 || numSegments <= 0 {
		return nil, xerror.New(xerror.BadArgument, "descriptor.Build")
	}
	if sink == nil || notifier == nil {
		return nil, xerror.New(xerror.BadArgument, "descriptor.Build")
	}

	total := cyclesPerSegment * numSegments
	p := &Program{
		cyclesPerSegment: cyclesPerSegment,
		numSegments:      numSegments,
		descriptors:       make([]Descriptor, total),
		sink:              sink,
		notifier:          notifier,
	}

	for i := 0; i < total; i++ {
		p.descriptors[i].JumpTarget = (i + 1) % total
		p.descriptors[i].segment = uint32(i / cyclesPerSegment)
	}
	for seg := 0; seg < numSegments; seg++ {
		last := p.lastIndexOfSegment(seg)
		p.descriptors[last].isTerminator = true
	}

	return p, nil
}

// TotalCycles returns the total descriptor count (cyclesPerSegment *
// numSegments), excluding the overrun sentinel.
func (p *Program) TotalCycles() int { return len(p.descriptors) }

// NumSegments returns the number of segments in the ring.
func (p *Program) NumSegments() int { return p.numSegments }

// CyclesPerSegment returns the number of descriptors sharing one
// completion callback.
func (p *Program) CyclesPerSegment() int { return p.cyclesPerSegment }

func (p *Program) firstIndexOfSegment(seg int) int { return seg * p.cyclesPerSegment }
func (p *Program) lastIndexOfSegment(seg int) int  { return seg*p.cyclesPerSegment + p.cyclesPerSegment - 1 }

// MarkStarted freezes build-time-only mutation; after this, FillCycle and
// StitchSegmentJump are only legal from the segment-complete callback for
// the segment being mutated (a contract the TransportEngine enforces by
// construction: it only calls these from within OnSegmentComplete).
func (p *Program) MarkStarted() { p.started = true }

// Started reports whether the program has left the build-time phase.
func (p *Program) Started() bool { return p.started }

// FillCycle sets descriptor index's range list to a no-data range
// ([cipHeader]) or a data range ([cipHeader, payload]). numRanges is
// therefore always exactly 1 or 2, per spec.md §3's invariant.
func (p *Program) FillCycle(index int, cipHeaderAddr uintptr, payloadAddr uintptr, payloadLen int) error {
	if index < 0 || index >= len(p.descriptors) {
		return xerror.New(xerror.BadArgument, "Program.FillCycle")
	}

	d := &p.descriptors[index]
	if payloadLen > 0 {
		d.Ranges = []Range{{Addr: cipHeaderAddr, Len: 8}, {Addr: payloadAddr, Len: payloadLen}}
	} else {
		d.Ranges = []Range{{Addr: cipHeaderAddr, Len: 8}}
	}
	return nil
}

// StitchSegmentJump sets the terminator of justCompletedSeg's predecessor
// segment to jump to justCompletedSeg's first descriptor. Must be called
// after FillCycle has refilled every descriptor of justCompletedSeg.
// Notifies descriptor modifications in batches of at most 10, followed by
// one jump notification for the modified terminator, matching the bus
// library's commit granularity (spec.md §4.3).
func (p *Program) StitchSegmentJump(justCompletedSeg uint32) error {
	seg := int(justCompletedSeg)
	if seg < 0 || seg >= p.numSegments {
		return xerror.New(xerror.BadArgument, "Program.StitchSegmentJump")
	}

	first := p.firstIndexOfSegment(seg)
	last := p.lastIndexOfSegment(seg)

	indices := make([]uint32, 0, p.cyclesPerSegment)
	for i := first; i <= last; i++ {
		indices = append(indices, uint32(i))
	}
	for len(indices) > 0 {
		n := notifyBatchSize
		if n > len(indices) {
			n = len(indices)
		}
		if err := p.notifier.NotifyDescriptorsModified(indices[:n]); err != nil {
			return xerror.Wrap(xerror.BusIO, "Program.StitchSegmentJump", err)
		}
		indices = indices[n:]
	}

	predSeg := (seg - 1 + p.numSegments) % p.numSegments
	termIdx := p.lastIndexOfSegment(predSeg)
	p.descriptors[termIdx].JumpTarget = first

	if err := p.notifier.NotifyJumpTarget(uint32(termIdx)); err != nil {
		return xerror.Wrap(xerror.BusIO, "Program.StitchSegmentJump", err)
	}
	return nil
}

// OnSegmentComplete is the callback the bus library (or busmock) invokes
// when a segment's terminator descriptor is reached.
func (p *Program) OnSegmentComplete(segment uint32) {
	p.sink.OnSegmentComplete(segment)
}

// HandleOverrun is the callback the bus library invokes when the overrun
// sentinel descriptor is reached (hardware outran the program). It
// forwards the event to the sink's OnOverrun; the engine counts it and
// emits DCLOverrunAutoRestartFailed. Neither the program nor the engine
// stops the channel in response.
func (p *Program) HandleOverrun() {
	p.sink.OnOverrun()
}

// DescriptorAt returns a copy of descriptor i's current state, for tests
// and diagnostics.
func (p *Program) DescriptorAt(i int) (Descriptor, error) {
	if i < 0 || i >= len(p.descriptors) {
		return Descriptor{}, fmt.Errorf("descriptor: index %d out of range", i)
	}
	return p.descriptors[i], nil
}

// IsTerminator reports whether descriptor i is its segment's terminator.
func (p *Program) IsTerminator(i int) bool {
	return p.descriptors[i].isTerminator
}
