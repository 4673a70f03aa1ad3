// Package xcmd holds process-lifecycle helpers shared by the daemon and
// demo-client entry points: waiting for the interrupt that ends a run, and
// tearing down the Streams/rings that run opened, in the order Stop-then-
// Release each entry point would otherwise repeat by hand.
package xcmd

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"
)

type Interrupted struct {
	os.Signal
}

func (m Interrupted) Error() string {
	return m.String()
}

// WaitInterrupted blocks until either SIGINT or SIGTERM signal is received or
// the provided context is canceled.
func WaitInterrupted(ctx context.Context) error {
	ch := make(chan os.Signal, 1)

	signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
	select {
	case v := <-ch:
		return Interrupted{Signal: v}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Stopper is the Stream lifecycle's Stop half: request the channel stop,
// returning once that request was issued (not once it settled).
type Stopper interface {
	Stop() error
}

// Releaser is the Stream lifecycle's Release half: return owned VM/shm
// resources. Implemented by Stream, but a Stopper need not implement it,
// so StopAll only invokes it when present.
type Releaser interface {
	Release() error
}

// StopAll runs Stop (and, where implemented, Release) on each item in
// order, logging rather than aborting on individual failures. This is the
// same best-effort teardown loop isochd and isoch-loopback each ran by hand
// over their talker/listener Streams; label identifies the item kind in the
// resulting log lines (e.g. "stream").
func StopAll(log *zap.SugaredLogger, label string, items ...Stopper) {
	for i, it := range items {
		if err := it.Stop(); err != nil && log != nil {
			log.Warnw(label+" stop failed", "index", i, "error", err)
		}
		if r, ok := it.(Releaser); ok {
			if err := r.Release(); err != nil && log != nil {
				log.Warnw(label+" release failed", "index", i, "error", err)
			}
		}
	}
}
