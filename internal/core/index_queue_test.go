package core

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingIndexer struct {
	mu      sync.Mutex
	calls   map[string]int
	forced  map[string]bool
	started chan string
	release chan struct{}
	err     error
}

func newRecordingIndexer() *recordingIndexer {
	return &recordingIndexer{calls: map[string]int{}, forced: map[string]bool{}}
}

func (r *recordingIndexer) GenerateEmbeddings(ctx context.Context, contractID string, opts ...IndexOption) (IndexResult, error) {
	var o indexOptions
	for _, opt := range opts {
		opt(&o)
	}
	r.mu.Lock()
	r.calls[contractID]++
	r.forced[contractID] = r.forced[contractID] || o.force
	started, release, err := r.started, r.release, r.err
	r.mu.Unlock()

	if started != nil {
		started <- contractID
	}
	if release != nil {
		select {
		case <-release:
		case <-ctx.Done():
			return IndexResult{}, ctx.Err()
		}
	}
	if err != nil {
		return IndexResult{ContractID: contractID}, err
	}
	return IndexResult{ContractID: contractID, ChunkCount: 3}, nil
}

func (r *recordingIndexer) count(id string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[id]
}

func closeQueue(t *testing.T, q *IndexQueue) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, q.Close(ctx))
}

func TestIndexQueue_RunsInBackground(t *testing.T) {
	idx := newRecordingIndexer()
	q := NewIndexQueue(idx, 2, 8, nopLogger)
	defer closeQueue(t, q)

	task, err := q.Enqueue("c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := task.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, TaskSucceeded, status.State)
	assert.Equal(t, 3, status.Result.ChunkCount)
	assert.False(t, status.FinishedAt.IsZero())

	got, ok := q.Status("c1")
	require.True(t, ok)
	assert.Equal(t, TaskSucceeded, got.State)

	_, ok = q.Status("unknown")
	assert.False(t, ok)
}

func TestIndexQueue_CoalescesPendingTasks(t *testing.T) {
	idx := newRecordingIndexer()
	idx.started = make(chan string, 4)
	idx.release = make(chan struct{})
	q := NewIndexQueue(idx, 1, 8, nopLogger)
	defer closeQueue(t, q)

	first, err := q.Enqueue("c1")
	require.NoError(t, err)
	<-idx.started // first task is running

	second, err := q.Enqueue("c1")
	require.NoError(t, err)
	third, err := q.Enqueue("c1", WithForce())
	require.NoError(t, err)
	assert.NotSame(t, first, second)
	assert.Same(t, second, third)

	close(idx.release)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, err = q.Wait(ctx, "c1")
	require.NoError(t, err)
	<-idx.started

	assert.Equal(t, 2, idx.count("c1"))
	idx.mu.Lock()
	assert.True(t, idx.forced["c1"], "force from a coalesced enqueue is kept")
	idx.mu.Unlock()
}

func TestIndexQueue_RecordsFailure(t *testing.T) {
	idx := newRecordingIndexer()
	idx.err = errors.New("provider down")
	q := NewIndexQueue(idx, 1, 8, nopLogger)
	defer closeQueue(t, q)

	_, err := q.Enqueue("c1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	status, err := q.Wait(ctx, "c1")
	assert.EqualError(t, err, "provider down")
	assert.Equal(t, TaskFailed, status.State)
	assert.Equal(t, "provider down", status.Error)
}

func TestIndexQueue_CloseDrainsAndRejects(t *testing.T) {
	idx := newRecordingIndexer()
	q := NewIndexQueue(idx, 1, 8, nopLogger)

	for _, id := range []string{"a", "b", "c"} {
		_, err := q.Enqueue(id)
		require.NoError(t, err)
	}
	closeQueue(t, q)

	for _, id := range []string{"a", "b", "c"} {
		assert.Equal(t, 1, idx.count(id))
	}
	_, err := q.Enqueue("d")
	assert.ErrorIs(t, err, ErrQueueClosed)
}

func TestIndexQueue_Full(t *testing.T) {
	idx := newRecordingIndexer()
	idx.started = make(chan string, 4)
	idx.release = make(chan struct{})
	q := NewIndexQueue(idx, 1, 1, nopLogger)
	defer closeQueue(t, q)
	defer close(idx.release)

	_, err := q.Enqueue("a")
	require.NoError(t, err)
	<-idx.started
	_, err = q.Enqueue("b")
	require.NoError(t, err)
	_, err = q.Enqueue("c")
	assert.ErrorIs(t, err, ErrQueueFull)
}

func TestIndexQueue_WaitWithoutTask(t *testing.T) {
	q := NewIndexQueue(newRecordingIndexer(), 1, 1, nopLogger)
	defer closeQueue(t, q)

	status, err := q.Wait(context.Background(), "never")
	require.NoError(t, err)
	assert.Equal(t, TaskStatus{}, status)
}
