// Package shmring implements the cross-process, ABI-versioned
// single-producer/single-consumer ring used to hand audio PCM across a
// process boundary between a driver plug-in and this engine, per
// spec.md §4.7/§6.
//
// The on-disk/in-shm layout is exactly the ControlBlock/Slot[N] structure
// spec.md §4.7 specifies, mmap'd from a regular file (or a memfd) so either
// side can attach independently. Grounded on original_source's
// SpscRing.hpp for the push/pop protocol and on the teacher's
// modules/pdump/controlplane/ring.go for the cross-process shared-memory
// reader idiom (atomic load/store over a mmap'd region, masked indices).
package shmring

import (
	"fmt"
	"os"
	"sync/atomic"
	"unsafe"

	"github.com/openfwa/isochd/internal/xerror"
	"golang.org/x/sys/unix"
)

// AbiVersion is the only version this package accepts on attach.
const AbiVersion = 1

// MaxFrames and MaxBytesPerFrame bound one slot's audio payload: 256
// frames of up to 8 channels at 4 bytes/sample (AM824 quadlets).
const (
	MaxFrames        = 256
	MaxBytesPerFrame = 8 * 4
	maxAudioBytes    = MaxFrames * MaxBytesPerFrame
)

// cacheLine is the control block's padding unit: writeIndex and readIndex
// each sit on their own cache line so they never false-share, per spec.md §9.
const cacheLine = 64

type controlBlock struct {
	abiVersion uint32
	capacity   uint32
	overruns   uint32
	underruns  uint32
	_          [cacheLine - 16]byte
	writeIndex uint64
	_          [cacheLine - 8]byte
	readIndex  uint64
	_          [cacheLine - 8]byte
}

const controlBlockSize = int(unsafe.Sizeof(controlBlock{}))

// Timestamp is a slot's (host-time, sample-time, seed) triple.
type Timestamp struct {
	HostTime   uint64
	SampleTime uint64
	Seed       uint64
}

type slotHeader struct {
	ts         Timestamp
	frameCount uint32
	dataBytes  uint32
	sequence   uint64
}

const slotHeaderSize = int(unsafe.Sizeof(slotHeader{}))
const slotSize = (slotHeaderSize + maxAudioBytes + cacheLine - 1) &^ (cacheLine - 1)

// Ring is one attached endpoint (producer or consumer) of the shared-memory
// ring. Both endpoints use the same type; Push/Pop are each safe to call
// from exactly one goroutine at a time (single-producer, single-consumer).
type Ring struct {
	mem      []byte
	cb       *controlBlock
	capacity uint64
	mask     uint64
}

// Create allocates a new backing file at path sized for capacity slots
// (capacity must be a power of two), initializes the control block, and
// returns a Ring ready to be used as the producer side. A consumer attaches
// to the same path with Attach.
func Create(path string, capacity int) (*Ring, error) {
	if capacity <= 0 || capacity&(capacity-1) != 0 {
		return nil, xerror.New(xerror.BadArgument, "shmring.Create")
	}

	size := controlBlockSize + capacity*slotSize

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return nil, xerror.Wrap(xerror.OutOfMemory, "shmring.Create", err)
	}
	defer f.Close()

	if err := f.Truncate(int64(size)); err != nil {
		return nil, xerror.Wrap(xerror.OutOfMemory, "shmring.Create", err)
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, xerror.Wrap(xerror.OutOfMemory, "shmring.Create", err)
	}

	r := fromMapped(mem, uint64(capacity))
	r.cb.abiVersion = AbiVersion
	r.cb.capacity = uint32(capacity)

	if err := unix.Mlock(mem); err != nil {
		// Best-effort per spec.md §5: failure to lock is a warning only.
		_ = err
	}

	return r, nil
}

// Attach maps an existing ring at path and validates its ABI version and
// capacity. A mismatch is fatal for the attaching (consumer) side; it does
// not affect whichever side created the ring.
func Attach(path string, expectCapacity int) (*Ring, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, xerror.Wrap(xerror.AbiMismatch, "shmring.Attach", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, xerror.Wrap(xerror.AbiMismatch, "shmring.Attach", err)
	}
	if info.Size() < int64(controlBlockSize) {
		return nil, xerror.New(xerror.AbiMismatch, "shmring.Attach")
	}

	mem, err := unix.Mmap(int(f.Fd()), 0, int(info.Size()), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, xerror.Wrap(xerror.OutOfMemory, "shmring.Attach", err)
	}

	cb := (*controlBlock)(unsafe.Pointer(&mem[0]))
	if cb.abiVersion != AbiVersion {
		unix.Munmap(mem)
		return nil, xerror.Wrap(xerror.AbiMismatch, "shmring.Attach",
			fmt.Errorf("abi version %d != %d", cb.abiVersion, AbiVersion))
	}
	if expectCapacity != 0 && uint32(expectCapacity) != cb.capacity {
		unix.Munmap(mem)
		return nil, xerror.Wrap(xerror.AbiMismatch, "shmring.Attach",
			fmt.Errorf("capacity %d != %d", cb.capacity, expectCapacity))
	}

	return fromMapped(mem, uint64(cb.capacity)), nil
}

func fromMapped(mem []byte, capacity uint64) *Ring {
	return &Ring{
		mem:      mem,
		cb:       (*controlBlock)(unsafe.Pointer(&mem[0])),
		capacity: capacity,
		mask:     capacity - 1,
	}
}

func (r *Ring) slot(idx uint64) *slotHeader {
	off := controlBlockSize + int(idx&r.mask)*slotSize
	return (*slotHeader)(unsafe.Pointer(&r.mem[off]))
}

func (r *Ring) slotAudio(idx uint64) []byte {
	off := controlBlockSize + int(idx&r.mask)*slotSize + slotHeaderSize
	return r.mem[off : off+maxAudioBytes]
}

// Capacity returns the ring's fixed slot count.
func (r *Ring) Capacity() int { return int(r.capacity) }

// Overruns returns the producer-side overrun counter.
func (r *Ring) Overruns() uint32 { return atomic.LoadUint32(&r.cb.overruns) }

// Underruns returns the consumer-side underrun counter.
func (r *Ring) Underruns() uint32 { return atomic.LoadUint32(&r.cb.underruns) }

// Push copies ts/frameCount/dataBytes/payload into the next slot. Returns
// false (and increments the overrun counter) if the ring is full, per
// spec.md §4.7's producer protocol.
func (r *Ring) Push(ts Timestamp, frameCount, dataBytes uint32, payload []byte) bool {
	if len(payload) > maxAudioBytes {
		panic("shmring: payload exceeds slot capacity")
	}

	wr := atomicLoad64(&r.cb.writeIndex)
	rd := atomicLoadAcquire64(&r.cb.readIndex)
	if wr-rd >= r.capacity {
		atomic.AddUint32(&r.cb.overruns, 1)
		return false
	}

	s := r.slot(wr)
	s.ts = ts
	s.frameCount = frameCount
	s.dataBytes = dataBytes
	copy(r.slotAudio(wr), payload)

	atomicStoreRelease64(&s.sequence, wr+1)
	atomicStoreRelease64(&r.cb.writeIndex, wr+1)
	return true
}

// Pop copies the oldest committed slot out. Returns false (and increments
// the underrun counter) if the ring is empty; returns false without
// incrementing underruns if the producer has advanced writeIndex but not
// yet published the slot's sequence (not committed), per spec.md §4.7's
// consumer protocol step 3.
func (r *Ring) Pop() (ts Timestamp, frameCount, dataBytes uint32, payload []byte, ok bool) {
	rd := atomicLoad64(&r.cb.readIndex)
	wr := atomicLoadAcquire64(&r.cb.writeIndex)
	if rd == wr {
		atomic.AddUint32(&r.cb.underruns, 1)
		return Timestamp{}, 0, 0, nil, false
	}

	s := r.slot(rd)
	if atomicLoadAcquire64(&s.sequence) != rd+1 {
		return Timestamp{}, 0, 0, nil, false
	}

	ts = s.ts
	frameCount = s.frameCount
	dataBytes = s.dataBytes
	payload = append([]byte(nil), r.slotAudio(rd)[:dataBytes]...)

	atomicStoreRelease64(&r.cb.readIndex, rd+1)
	return ts, frameCount, dataBytes, payload, true
}

// Close unmaps the ring's backing memory.
func (r *Ring) Close() error {
	if r.mem == nil {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}

// Go's atomic package provides sequentially-consistent load/store, which
// is a strict strengthening of the acquire/release pairing spec.md §4.7
// requires; named wrappers below document which ordering each call site
// depends on.
func atomicLoad64(p *uint64) uint64            { return atomic.LoadUint64(p) }
func atomicLoadAcquire64(p *uint64) uint64     { return atomic.LoadUint64(p) }
func atomicStoreRelease64(p *uint64, v uint64) { atomic.StoreUint64(p, v) }
