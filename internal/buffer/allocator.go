// Package buffer implements the page-aligned, regioned VM allocator that
// backs one Stream's descriptors: client PCM, CIP headers, isoch headers,
// and timestamps all live in one contiguous mmap'd block, per spec.md §4.1.
package buffer

import (
	"os"
	"unsafe"

	"github.com/openfwa/isochd/internal/xerror"
	"golang.org/x/sys/unix"
)

// Range is a {address, length} pair suitable for bus DMA registration.
type Range struct {
	Addr uintptr
	Len  int
}

// Allocator holds the four slices carved out of the single VM allocation.
// Client holds channels*4 bytes per cycle; CIPHeaders 8 bytes/cycle;
// IsochHeaders 4 bytes/cycle; Timestamps 4 bytes/cycle.
type Allocator struct {
	totalCycles int
	channels    int
	clientBytes int

	mem []byte

	client       []byte
	cipHeaders   []byte
	isochHeaders []byte
	timestamps   []byte

	clientBase uintptr
	clientEnd  uintptr

	locked bool
}

const cipHeaderSize = 8
const isochHeaderSize = 4
const timestampSize = 4

func pageAlign(n int) int {
	pageSize := os.Getpagesize()
	return (n + pageSize - 1) &^ (pageSize - 1)
}

// New allocates one VM block sized to the sum of the four page-aligned
// region sizes, zeroed on acquisition (mmap's anonymous-private guarantee).
// clientBytesOverride, if nonzero, replaces totalCycles*channels*4 as the
// client region's size.
func New(totalCycles, channels int, clientBytesOverride int) (*Allocator, error) {
	if totalCycles <= 0 || channels <= 0 {
		return nil, xerror.New(xerror.BadArgument, "buffer.New")
	}

	clientBytes := clientBytesOverride
	if clientBytes == 0 {
		clientBytes = totalCycles * channels * 4
	}

	clientSize := pageAlign(clientBytes)
	cipSize := pageAlign(totalCycles * cipHeaderSize)
	isochSize := pageAlign(totalCycles * isochHeaderSize)
	tsSize := pageAlign(totalCycles * timestampSize)

	total := clientSize + cipSize + isochSize + tsSize

	mem, err := unix.Mmap(-1, 0, total, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, xerror.Wrap(xerror.OutOfMemory, "buffer.New", err)
	}

	a := &Allocator{
		totalCycles: totalCycles,
		channels:    channels,
		clientBytes: clientBytes,
		mem:         mem,
	}

	off := 0
	a.client = mem[off : off+clientBytes]
	a.clientBase = base(mem) + uintptr(off)
	a.clientEnd = a.clientBase + uintptr(clientBytes)
	off += clientSize

	a.cipHeaders = mem[off : off+totalCycles*cipHeaderSize]
	off += cipSize

	a.isochHeaders = mem[off : off+totalCycles*isochHeaderSize]
	off += isochSize

	a.timestamps = mem[off : off+totalCycles*timestampSize]
	off += tsSize

	return a, nil
}

func base(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

// Client returns the client-PCM region.
func (a *Allocator) Client() []byte { return a.client }

// CIPHeaders returns the CIP-header region, 8 bytes per cycle.
func (a *Allocator) CIPHeaders() []byte { return a.cipHeaders }

// IsochHeaders returns the bus-side isoch-header region, 4 bytes per cycle.
func (a *Allocator) IsochHeaders() []byte { return a.isochHeaders }

// Timestamps returns the timestamp region, 4 bytes per cycle.
func (a *Allocator) Timestamps() []byte { return a.timestamps }

// DMARange returns the single {address,length} range spanning the whole
// allocation, suitable for bus DMA registration.
func (a *Allocator) DMARange() Range {
	return Range{Addr: base(a.mem), Len: len(a.mem)}
}

// ContainsClientAddress reports whether p falls within [client, client+len).
func (a *Allocator) ContainsClientAddress(p uintptr) bool {
	return p >= a.clientBase && p < a.clientEnd
}

// Lock applies memory locking (mlock) to the whole allocation. Failure is
// not fatal; the caller should log it as a warning per spec.md §5/§9.
func (a *Allocator) Lock() error {
	if err := unix.Mlock(a.mem); err != nil {
		return err
	}
	a.locked = true
	return nil
}

// Locked reports whether Lock succeeded.
func (a *Allocator) Locked() bool { return a.locked }

// Release returns the VM block to the OS. Must only be called after the
// transport is confirmed stopped and finalized, per spec.md §3.
func (a *Allocator) Release() error {
	if a.mem == nil {
		return nil
	}
	err := unix.Munmap(a.mem)
	a.mem = nil
	a.client, a.cipHeaders, a.isochHeaders, a.timestamps = nil, nil, nil, nil
	return err
}
