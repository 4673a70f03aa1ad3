// Package stream assembles an allocator, descriptor program, port/channel
// manager, transport engine, and frame ring into the single Stream front
// object spec.md §4.8 describes.
package stream

import (
	"github.com/openfwa/isochd/internal/ring"
	"github.com/openfwa/isochd/internal/shmring"
)

// maxFrameBytes bounds one ring slot's payload, matching shmring's
// per-frame budget so the same frame fits either ring backend.
const maxFrameBytes = shmring.MaxBytesPerFrame

// frame is the in-process ring's element type: a fixed-size value so
// pushing one never allocates, mirroring shmring's fixed slot layout.
type frame struct {
	buf       [maxFrameBytes]byte
	n         int
	timestamp shmring.Timestamp
}

// frameSink is the producer side of a frame ring, written by a listener's
// double-buffer worker.
type frameSink interface {
	pushFrame(ts shmring.Timestamp, data []byte) bool
}

// frameSource is the consumer side of a frame ring, read by a talker's
// segment-fill loop via transport.PayloadProvider.
type frameSource interface {
	popFrame() (ts shmring.Timestamp, data []byte, ok bool)
	overrunCount() uint32
	underrunCount() uint32
}

// inProcessRing adapts ring.SPSC[frame] to frameSink/frameSource, for
// Streams that never cross a process boundary.
type inProcessRing struct {
	r         *ring.SPSC[frame]
	overruns  uint32
	underruns uint32
}

func newInProcessRing(capacity int) *inProcessRing {
	return &inProcessRing{r: ring.New[frame](capacity)}
}

func (p *inProcessRing) pushFrame(ts shmring.Timestamp, data []byte) bool {
	var f frame
	f.n = copy(f.buf[:], data)
	f.timestamp = ts
	if !p.r.Push(f) {
		p.overruns++
		return false
	}
	return true
}

func (p *inProcessRing) popFrame() (shmring.Timestamp, []byte, bool) {
	f, ok := p.r.Pop()
	if !ok {
		p.underruns++
		return shmring.Timestamp{}, nil, false
	}
	return f.timestamp, f.buf[:f.n], true
}

func (p *inProcessRing) overrunCount() uint32  { return p.overruns }
func (p *inProcessRing) underrunCount() uint32 { return p.underruns }

// shmRingAdapter adapts a cross-process *shmring.Ring to frameSink/
// frameSource.
type shmRingAdapter struct {
	r *shmring.Ring
}

func (s *shmRingAdapter) pushFrame(ts shmring.Timestamp, data []byte) bool {
	return s.r.Push(ts, 1, uint32(len(data)), data)
}

func (s *shmRingAdapter) popFrame() (shmring.Timestamp, []byte, bool) {
	ts, _, _, payload, ok := s.r.Pop()
	return ts, payload, ok
}

func (s *shmRingAdapter) overrunCount() uint32  { return s.r.Overruns() }
func (s *shmRingAdapter) underrunCount() uint32 { return s.r.Underruns() }
