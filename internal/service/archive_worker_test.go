package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeArchiver struct {
	mu       sync.Mutex
	failures int
	calls    map[string]int
	done     chan string
}

func (f *fakeArchiver) ArchiveRound(_ context.Context, roundID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls[roundID]++
	if f.failures > 0 {
		f.failures--
		return false, errors.New("s3 unavailable")
	}
	f.done <- roundID
	return true, nil
}

func (f *fakeArchiver) count(id string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[id]
}

func TestArchiveWorker_RetriesThenSucceeds(t *testing.T) {
	arch := &fakeArchiver{failures: 2, calls: map[string]int{}, done: make(chan string, 4)}
	w := NewArchiveWorker(arch, 4, 3, time.Millisecond, discard)

	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- w.Run(ctx) }()

	w.Enqueue("r1")
	select {
	case id := <-arch.done:
		assert.Equal(t, "r1", id)
	case <-time.After(2 * time.Second):
		t.Fatal("round never archived")
	}
	assert.Equal(t, 3, arch.count("r1"))

	cancel()
	require.NoError(t, <-stopped)
}

func TestArchiveWorker_FullQueueDrops(t *testing.T) {
	arch := &fakeArchiver{calls: map[string]int{}, done: make(chan string, 4)}
	w := NewArchiveWorker(arch, 1, 1, time.Millisecond, discard)
	w.Enqueue("r1")
	w.Enqueue("r2")
	assert.Len(t, w.queue, 1)
}
