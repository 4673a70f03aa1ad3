package ring_test

import (
	"testing"

	"github.com/openfwa/isochd/internal/ring"
	"github.com/stretchr/testify/require"
)

func TestPushPopOrder(t *testing.T) {
	r := ring.New[int](4)
	require.True(t, r.Push(1))
	require.True(t, r.Push(2))
	v, ok := r.Pop()
	require.True(t, ok)
	require.Equal(t, 1, v)
}

// S3 — SPSC overrun/underrun accounting (capacity=4).
func TestS3_OverrunUnderrun(t *testing.T) {
	r := ring.New[int](4)
	for i := 0; i < 4; i++ {
		require.True(t, r.Push(i))
	}
	require.False(t, r.Push(99), "fifth push must fail")

	for i := 0; i < 4; i++ {
		v, ok := r.Pop()
		require.True(t, ok)
		require.Equal(t, i, v)
	}
	_, ok := r.Pop()
	require.False(t, ok, "fifth pop must fail")
}

// Property 4 — SPSC liveness: a single producer pushing M items and a
// single consumer draining delivers all M items in order with no
// duplicates, even with capacity far smaller than M.
func TestLivenessTwoGoroutines(t *testing.T) {
	const capacity = 16
	const m = 200_000

	r := ring.New[int](capacity)
	done := make(chan struct{})
	got := make([]int, 0, m)

	go func() {
		for i := 0; i < m; i++ {
			for !r.Push(i) {
			}
		}
	}()

	go func() {
		for len(got) < m {
			if v, ok := r.Pop(); ok {
				got = append(got, v)
			}
		}
		close(done)
	}()

	<-done
	require.Len(t, got, m)
	for i, v := range got {
		require.Equal(t, i, v)
	}
}

func TestCapacityMustBePowerOfTwo(t *testing.T) {
	require.Panics(t, func() { ring.New[int](3) })
}
