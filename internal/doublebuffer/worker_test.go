package doublebuffer_test

import (
	"sync"
	"testing"
	"time"

	"github.com/openfwa/isochd/internal/doublebuffer"
	"github.com/stretchr/testify/require"
)

func TestWorkerDrainsCompletedSegments(t *testing.T) {
	h := doublebuffer.New(2, segProvider(2, 4), segProvider(2, 4))

	var mu sync.Mutex
	var seen []uint32

	w := doublebuffer.NewWorker(h, nil, func(segmentIndex uint32, data []byte, timestamp uint32) {
		mu.Lock()
		seen = append(seen, segmentIndex)
		mu.Unlock()
	})
	w.Start()
	defer w.Stop()

	h.MarkComplete(0)
	h.MarkComplete(1)

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == 2
	}, time.Second, time.Millisecond)
}
