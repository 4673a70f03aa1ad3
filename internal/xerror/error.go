// Package xerror defines the error taxonomy shared by every layer of the
// engine: transport, CIP generation, buffer allocation, and the SPSC rings.
package xerror

import "fmt"

// Kind classifies an error into one of the taxonomy buckets callers can
// match against with errors.Is.
type Kind int

const (
	// BadArgument covers invalid configuration: unaligned buffers, a ring
	// capacity that isn't a power of two, an unsupported sample rate.
	BadArgument Kind = iota + 1
	// NotReady means the operation was attempted in the wrong state.
	NotReady
	// Busy means reconfiguration was attempted while running, or a state
	// machine detected a concurrency violation.
	Busy
	// OutOfMemory means the VM allocation for a buffer region failed.
	OutOfMemory
	// BusIO means a peer callback returned an error or channel allocation
	// failed.
	BusIO
	// Overrun means the hardware outran the descriptor program.
	Overrun
	// Timeout means a finalize/stop deadline elapsed.
	Timeout
	// AbiMismatch means the SPSC ring header version or capacity did not
	// match on attach.
	AbiMismatch
)

func (k Kind) String() string {
	switch k {
	case BadArgument:
		return "bad_argument"
	case NotReady:
		return "not_ready"
	case Busy:
		return "busy"
	case OutOfMemory:
		return "out_of_memory"
	case BusIO:
		return "bus_io"
	case Overrun:
		return "overrun"
	case Timeout:
		return "timeout"
	case AbiMismatch:
		return "abi_mismatch"
	default:
		return "unknown"
	}
}

// Error is a taxonomy-tagged error carrying the failing operation name and,
// optionally, a wrapped cause.
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Kind)
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports whether target is a Kind sentinel matching e's Kind, so that
// errors.Is(err, xerror.Busy) works without exposing *Error to callers.
func (e *Error) Is(target error) bool {
	k, ok := target.(kindSentinel)
	return ok && k.kind == e.Kind
}

// New builds an *Error for op/kind with no wrapped cause.
func New(kind Kind, op string) error {
	return &Error{Kind: kind, Op: op}
}

// Wrap builds an *Error for op/kind wrapping err.
func Wrap(kind Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Kind: kind, Op: op, Err: err}
}

type kindSentinel struct{ kind Kind }

func (s kindSentinel) Error() string { return s.kind.String() }

// Sentinel returns a comparable error value usable with errors.Is to test
// an error's Kind, e.g. errors.Is(err, xerror.Sentinel(xerror.Busy)).
func Sentinel(kind Kind) error { return kindSentinel{kind: kind} }

// Sentinel error values for the common errors.Is comparisons.
var (
	ErrBadArgument = Sentinel(BadArgument)
	ErrNotReady    = Sentinel(NotReady)
	ErrBusy        = Sentinel(Busy)
	ErrOutOfMemory = Sentinel(OutOfMemory)
	ErrBusIO       = Sentinel(BusIO)
	ErrOverrun     = Sentinel(Overrun)
	ErrTimeout     = Sentinel(Timeout)
	ErrAbiMismatch = Sentinel(AbiMismatch)
)
