package doublebuffer

import "sync"

// ClientCallback is invoked once per drained segment: (segmentIndex, data,
// timestamp). It must not block beyond a single segment duration, per
// spec.md §6.
type ClientCallback func(segmentIndex uint32, data []byte, timestamp uint32)

// Timestamps supplies the per-segment timestamp the worker passes to the
// client callback; the transport engine fills this alongside MarkComplete.
type Timestamps interface {
	TimestampFor(segment uint32) uint32
}

// Worker drains the Handoff's read bank on its own goroutine, invoking a
// client callback synchronously for each segment, per spec.md §4.6/§5: not
// real-time, never shares a thread with the runloop's segment-complete
// callback.
type Worker struct {
	h          *Handoff
	ts         Timestamps
	callback   ClientCallback
	wg         sync.WaitGroup
}

// NewWorker builds a Worker over h, invoking callback for each drained
// segment with timestamps supplied by ts.
func NewWorker(h *Handoff, ts Timestamps, callback ClientCallback) *Worker {
	return &Worker{h: h, ts: ts, callback: callback}
}

// Start launches the drain loop on its own goroutine.
func (w *Worker) Start() {
	w.wg.Add(1)
	go w.run()
}

// Stop requests the drain loop to exit and blocks until it has joined.
func (w *Worker) Stop() {
	w.h.Stop()
	w.wg.Wait()
}

func (w *Worker) run() {
	defer w.wg.Done()

	for {
		if !w.h.WaitForSwappable() {
			return
		}
		if !w.h.TrySwap() {
			continue
		}

		for i := 0; i < w.h.NumSegments(); i++ {
			data := w.h.ReadSegment(i)
			if data == nil {
				continue
			}
			ts := uint32(0)
			if w.ts != nil {
				ts = w.ts.TimestampFor(uint32(i))
			}
			w.callback(uint32(i), data, ts)
			w.h.MarkProcessed(i)
		}
	}
}
