// Package doublebuffer implements the double-buffered segment handoff
// between the bus-callback context (hard real-time) and the processing
// worker (soft real-time), per spec.md §4.6.
//
// Grounded on original_source/include/Isoch/core/IsochDoubleBufferManager.hpp
// (bank-indexed segment flags, atomics-only state), restructured around
// Go's sync.Cond for the worker wakeup instead of the original's polling
// accessor pattern.
package doublebuffer

import (
	"sync"
	"sync/atomic"

	"github.com/openfwa/isochd/internal/xerror"
)

// Segment is one bank's view of a segment slot: a payload pointer plus the
// two single-word atomic flags spec.md §4.6 specifies.
type Segment struct {
	Ptr       []byte
	complete  atomic.Bool
	processed atomic.Bool
}

type bank struct {
	segments []Segment
}

func newBank(numSegments int, segBytes func(i int) []byte) *bank {
	b := &bank{segments: make([]Segment, numSegments)}
	for i := range b.segments {
		b.segments[i].Ptr = segBytes(i)
		b.segments[i].processed.Store(true)
	}
	return b
}

func (b *bank) allComplete() bool {
	for i := range b.segments {
		if !b.segments[i].complete.Load() {
			return false
		}
	}
	return true
}

func (b *bank) allProcessed() bool {
	for i := range b.segments {
		if !b.segments[i].processed.Load() {
			return false
		}
	}
	return true
}

// Handoff owns two complete segment arrays ("banks"); at any moment one is
// the write bank (filled by the bus-callback side) and the other the read
// bank (drained by the worker), per spec.md §4.6.
type Handoff struct {
	mu   sync.Mutex
	cond *sync.Cond

	banks [2]*bank

	writeBank atomic.Uint32 // index into banks of the current write bank
	readBank  atomic.Uint32 // index into banks of the current read bank

	stopped bool
}

// New builds a Handoff with numSegments slots per bank. segBytesA/segBytesB
// provide the backing storage for bank A and bank B's segments
// respectively (typically views into a shared allocation).
func New(numSegments int, segBytesA, segBytesB func(i int) []byte) *Handoff {
	h := &Handoff{}
	h.cond = sync.NewCond(&h.mu)
	h.banks[0] = newBank(numSegments, segBytesA)
	h.banks[1] = newBank(numSegments, segBytesB)
	h.writeBank.Store(0)
	h.readBank.Store(1)
	return h
}

func (h *Handoff) writeBankPtr() *bank { return h.banks[h.writeBank.Load()] }
func (h *Handoff) readBankPtr() *bank  { return h.banks[h.readBank.Load()] }

// WriteSegment returns segment i's pointer from the write bank if it is
// currently writable (processed=true), else nil.
func (h *Handoff) WriteSegment(i int) []byte {
	b := h.writeBankPtr()
	if !b.segments[i].processed.Load() {
		return nil
	}
	return b.segments[i].Ptr
}

// MarkComplete marks segment i of the write bank complete and notifies the
// worker (which is waiting on a swap becoming possible).
func (h *Handoff) MarkComplete(i int) {
	b := h.writeBankPtr()
	b.segments[i].complete.Store(true)
	b.segments[i].processed.Store(false)
	h.cond.Broadcast()
}

// ReadSegment returns segment i's pointer from the read bank if it is
// currently readable (complete=true), else nil.
func (h *Handoff) ReadSegment(i int) []byte {
	b := h.readBankPtr()
	if !b.segments[i].complete.Load() {
		return nil
	}
	return b.segments[i].Ptr
}

// MarkProcessed marks segment i of the read bank processed.
func (h *Handoff) MarkProcessed(i int) {
	b := h.readBankPtr()
	b.segments[i].processed.Store(true)
	b.segments[i].complete.Store(false)
}

// TrySwap exchanges the write/read bank roles iff every slot of the write
// bank is complete and every slot of the read bank is processed.
func (h *Handoff) TrySwap() bool {
	w, r := h.writeBankPtr(), h.readBankPtr()
	if !w.allComplete() || !r.allProcessed() {
		return false
	}

	wIdx, rIdx := h.writeBank.Load(), h.readBank.Load()
	h.writeBank.Store(rIdx)
	h.readBank.Store(wIdx)
	return true
}

// WaitForSwappable blocks until a swap becomes possible or Stop is called;
// returns false in the latter case. The worker loop calls this before each
// TrySwap attempt.
func (h *Handoff) WaitForSwappable() bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	for !h.stopped {
		if h.writeBankPtr().allComplete() && h.readBankPtr().allProcessed() {
			return true
		}
		h.cond.Wait()
	}
	return false
}

// Stop wakes any goroutine blocked in WaitForSwappable so it can observe
// shutdown and exit; matches spec.md §5's shouldExit-plus-notify pattern.
func (h *Handoff) Stop() {
	h.mu.Lock()
	h.stopped = true
	h.mu.Unlock()
	h.cond.Broadcast()
}

// NumSegments returns the number of segments per bank.
func (h *Handoff) NumSegments() int { return len(h.banks[0].segments) }

var errIndexOutOfRange = xerror.New(xerror.BadArgument, "doublebuffer")

// Index validates a segment index is in range, returning errIndexOutOfRange
// otherwise; exported for callers that accept external segment indices.
func (h *Handoff) Index(i int) error {
	if i < 0 || i >= h.NumSegments() {
		return errIndexOutOfRange
	}
	return nil
}
