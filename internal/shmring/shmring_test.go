package shmring_test

import (
	"path/filepath"
	"testing"

	"github.com/openfwa/isochd/internal/shmring"
	"github.com/stretchr/testify/require"
)

func TestPushPopRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.shm")

	producer, err := shmring.Create(path, 8)
	require.NoError(t, err)
	defer producer.Close()

	consumer, err := shmring.Attach(path, 8)
	require.NoError(t, err)
	defer consumer.Close()

	payload := []byte{1, 2, 3, 4}
	require.True(t, producer.Push(shmring.Timestamp{HostTime: 42}, 1, uint32(len(payload)), payload))

	ts, frames, dataBytes, got, ok := consumer.Pop()
	require.True(t, ok)
	require.Equal(t, uint64(42), ts.HostTime)
	require.Equal(t, uint32(1), frames)
	require.Equal(t, uint32(4), dataBytes)
	require.Equal(t, payload, got)
}

// S3-equivalent for the cross-process ring: overrun then underrun counters.
func TestOverrunAndUnderrunCounters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.shm")
	r, err := shmring.Create(path, 4)
	require.NoError(t, err)
	defer r.Close()

	for i := 0; i < 4; i++ {
		require.True(t, r.Push(shmring.Timestamp{}, 1, 1, []byte{byte(i)}))
	}
	require.False(t, r.Push(shmring.Timestamp{}, 1, 1, []byte{9}))
	require.Equal(t, uint32(1), r.Overruns())

	for i := 0; i < 4; i++ {
		_, _, _, _, ok := r.Pop()
		require.True(t, ok)
	}
	_, _, _, _, ok := r.Pop()
	require.False(t, ok)
	require.Equal(t, uint32(1), r.Underruns())
}

func TestAbiMismatchOnCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.shm")
	producer, err := shmring.Create(path, 8)
	require.NoError(t, err)
	defer producer.Close()

	_, err = shmring.Attach(path, 16)
	require.Error(t, err)
}

func TestCreateRejectsNonPowerOfTwoCapacity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ring.shm")
	_, err := shmring.Create(path, 3)
	require.Error(t, err)
}
