package core

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	ErrQueueClosed = errors.New("index queue is closed")
	ErrQueueFull   = errors.New("index queue is full")
)

// Indexer is the part of EmbeddingService the queue drives.
type Indexer interface {
	GenerateEmbeddings(ctx context.Context, contractID string, opts ...IndexOption) (IndexResult, error)
}

type TaskState string

const (
	TaskPending   TaskState = "pending"
	TaskRunning   TaskState = "running"
	TaskSucceeded TaskState = "succeeded"
	TaskFailed    TaskState = "failed"
)

type TaskStatus struct {
	ContractID string      `json:"contract_id"`
	State      TaskState   `json:"state"`
	Result     IndexResult `json:"result"`
	Error      string      `json:"error,omitempty"`
	EnqueuedAt time.Time   `json:"enqueued_at"`
	FinishedAt time.Time   `json:"finished_at,omitzero"`
}

// IndexTask is a handle on one queued regeneration.
type IndexTask struct {
	queue *IndexQueue
	done  chan struct{}
	force bool
	err   error
	// status is guarded by queue.mu.
	status TaskStatus
}

// Done is closed when the task finishes.
func (t *IndexTask) Done() <-chan struct{} { return t.done }

// Wait blocks until the task finishes or ctx is done and returns the
// generation error, if any.
func (t *IndexTask) Wait(ctx context.Context) (TaskStatus, error) {
	select {
	case <-t.done:
		return t.Status(), t.err
	case <-ctx.Done():
		return t.Status(), ctx.Err()
	}
}

func (t *IndexTask) Status() TaskStatus {
	t.queue.mu.Lock()
	defer t.queue.mu.Unlock()
	return t.status
}

// IndexQueue runs embedding regenerations on a fixed pool of workers.
// Enqueueing a contract that already has a pending task returns that task.
type IndexQueue struct {
	indexer Indexer
	logger  *zap.Logger
	jobs    chan *IndexTask
	running *keyedMutex

	mu     sync.Mutex
	tasks  map[string]*IndexTask // latest task per contract
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewIndexQueue(indexer Indexer, workers, capacity int, logger *zap.Logger) *IndexQueue {
	if workers <= 0 {
		workers = 1
	}
	if capacity <= 0 {
		capacity = 256
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &IndexQueue{
		indexer: indexer,
		logger:  logger.Named("index_queue"),
		jobs:    make(chan *IndexTask, capacity),
		running: newKeyedMutex(),
		tasks:   make(map[string]*IndexTask),
		ctx:     ctx,
		cancel:  cancel,
	}
	for i := 0; i < workers; i++ {
		q.wg.Add(1)
		go q.worker()
	}
	return q
}

// Enqueue schedules a regeneration and returns without waiting for it.
func (q *IndexQueue) Enqueue(contractID string, opts ...IndexOption) (*IndexTask, error) {
	var o indexOptions
	for _, opt := range opts {
		opt(&o)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}
	if t, ok := q.tasks[contractID]; ok && t.status.State == TaskPending {
		t.force = t.force || o.force
		return t, nil
	}

	t := &IndexTask{
		queue: q,
		done:  make(chan struct{}),
		force: o.force,
		status: TaskStatus{
			ContractID: contractID,
			State:      TaskPending,
			EnqueuedAt: time.Now(),
		},
	}
	select {
	case q.jobs <- t:
	default:
		return nil, ErrQueueFull
	}
	q.tasks[contractID] = t
	return t, nil
}

// Status reports the latest task for a contract.
func (q *IndexQueue) Status(contractID string) (TaskStatus, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[contractID]
	if !ok {
		return TaskStatus{}, false
	}
	return t.status, true
}

// Wait blocks until the latest task for contractID finishes. It returns
// immediately when nothing was ever enqueued for the contract.
func (q *IndexQueue) Wait(ctx context.Context, contractID string) (TaskStatus, error) {
	q.mu.Lock()
	t, ok := q.tasks[contractID]
	q.mu.Unlock()
	if !ok {
		return TaskStatus{}, nil
	}
	return t.Wait(ctx)
}

// Close stops accepting tasks, lets the workers drain what is queued and
// waits for them. Cancelling ctx aborts the in-flight generations.
func (q *IndexQueue) Close(ctx context.Context) error {
	q.mu.Lock()
	if !q.closed {
		q.closed = true
		close(q.jobs)
	}
	q.mu.Unlock()

	drained := make(chan struct{})
	go func() {
		q.wg.Wait()
		close(drained)
	}()

	select {
	case <-drained:
		q.cancel()
		return nil
	case <-ctx.Done():
		q.cancel()
		<-drained
		return ctx.Err()
	}
}

func (q *IndexQueue) worker() {
	defer q.wg.Done()
	for t := range q.jobs {
		q.run(t)
	}
}

func (q *IndexQueue) run(t *IndexTask) {
	contractID := t.status.ContractID

	// Two tasks for the same contract never run side by side in this process.
	unlock := q.running.Lock(contractID)
	defer unlock()

	q.mu.Lock()
	t.status.State = TaskRunning
	var opts []IndexOption
	if t.force {
		opts = append(opts, WithForce())
	}
	q.mu.Unlock()

	result, err := q.indexer.GenerateEmbeddings(q.ctx, contractID, opts...)

	q.mu.Lock()
	t.status.Result = result
	t.status.FinishedAt = time.Now()
	if err != nil {
		t.err = err
		t.status.State = TaskFailed
		t.status.Error = err.Error()
	} else {
		t.status.State = TaskSucceeded
	}
	q.mu.Unlock()
	close(t.done)

	if err != nil {
		q.logger.Warn("embedding regeneration failed", zap.String("contract_id", contractID), zap.Error(err))
	} else {
		q.logger.Debug("embedding regeneration finished",
			zap.String("contract_id", contractID),
			zap.Int("chunks", result.ChunkCount),
			zap.Bool("skipped", result.Skipped))
	}
}
