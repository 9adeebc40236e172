package engine

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/EricMeteorite/recall/internal/ids"
)

// TaskKind names every background job the engine schedules.
type TaskKind string

const (
	TaskIngestIndex       TaskKind = "ingest_index"
	TaskGraphExtract      TaskKind = "graph_extract"
	TaskUnifiedAnalysis   TaskKind = "unified_analysis"
	TaskForeshadowScan    TaskKind = "foreshadow_scan"
	TaskContextExtract    TaskKind = "context_extract"
	TaskContextDecay      TaskKind = "context_decay"
	TaskConsistencyCheck  TaskKind = "consistency_check"
	TaskDedupConfirm      TaskKind = "dedup_confirm"
	TaskIndexSnapshot     TaskKind = "index_snapshot"
	TaskIndexRebuild      TaskKind = "index_rebuild"
	TaskArchiveSeal       TaskKind = "archive_seal"
	TaskCommunityDetect   TaskKind = "community_detect"
	TaskEpisodeSummarise  TaskKind = "episode_summarise"
	TaskCacheEvict        TaskKind = "cache_evict"
)

// TaskState is the task lifecycle.
type TaskState string

const (
	TaskSubmitted TaskState = "submitted"
	TaskRunning   TaskState = "running"
	TaskDone      TaskState = "done"
	TaskFailed    TaskState = "failed"
	TaskCancelled TaskState = "cancelled"
)

// Task is one background job's visible record.
type Task struct {
	ID        string    `json:"id"`
	Kind      TaskKind  `json:"kind"`
	State     TaskState `json:"state"`
	Error     string    `json:"error,omitempty"`
	CreatedAt int64     `json:"created_at"`
	DoneAt    int64     `json:"done_at,omitempty"`
}

// TaskEvent is published to subscribers on every state transition.
type TaskEvent struct {
	Task Task
}

// TaskManager runs background jobs on a bounded worker pool and publishes
// lifecycle events. User-facing requests never run here; the pool exists so
// analyzers cannot starve them.
type TaskManager struct {
	mu    sync.Mutex
	tasks map[string]*Task
	subs  map[int]chan TaskEvent
	nextSub int

	queue  chan queued
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
	closed bool
}

type queued struct {
	id string
	fn func(ctx context.Context) error
}

// NewTaskManager starts workers goroutines draining the job queue.
func NewTaskManager(workers, queueDepth int, logger *zap.Logger) *TaskManager {
	if workers <= 0 {
		workers = 2
	}
	if queueDepth <= 0 {
		queueDepth = 64
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	tm := &TaskManager{
		tasks:  make(map[string]*Task),
		subs:   make(map[int]chan TaskEvent),
		queue:  make(chan queued, queueDepth),
		ctx:    ctx,
		cancel: cancel,
		log:    logger,
	}
	for i := 0; i < workers; i++ {
		tm.wg.Add(1)
		go tm.worker()
	}
	return tm
}

func (tm *TaskManager) worker() {
	defer tm.wg.Done()
	for {
		select {
		case <-tm.ctx.Done():
			return
		case q, ok := <-tm.queue:
			if !ok {
				return
			}
			tm.transition(q.id, TaskRunning, nil)
			err := q.fn(tm.ctx)
			switch {
			case err == nil:
				tm.transition(q.id, TaskDone, nil)
			case tm.ctx.Err() != nil:
				tm.transition(q.id, TaskCancelled, err)
			default:
				tm.transition(q.id, TaskFailed, err)
				tm.log.Warn("background task failed",
					zap.String("task", q.id), zap.Error(err))
			}
		}
	}
}

// Submit enqueues a job. A full queue drops the job with a cancelled record
// rather than blocking the caller.
func (tm *TaskManager) Submit(kind TaskKind, fn func(ctx context.Context) error) *Task {
	t := &Task{
		ID:        ids.New("task"),
		Kind:      kind,
		State:     TaskSubmitted,
		CreatedAt: ids.NowMillis(),
	}
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		t.State = TaskCancelled
		return t
	}
	tm.tasks[t.ID] = t
	tm.mu.Unlock()
	tm.publish(*t)

	select {
	case tm.queue <- queued{id: t.ID, fn: fn}:
	default:
		tm.transition(t.ID, TaskCancelled, nil)
		tm.log.Warn("task queue full, job dropped", zap.String("kind", string(kind)))
	}
	return t
}

func (tm *TaskManager) transition(id string, state TaskState, err error) {
	tm.mu.Lock()
	t, ok := tm.tasks[id]
	if !ok {
		tm.mu.Unlock()
		return
	}
	t.State = state
	if err != nil {
		t.Error = err.Error()
	}
	if state == TaskDone || state == TaskFailed || state == TaskCancelled {
		t.DoneAt = ids.NowMillis()
	}
	snapshot := *t
	tm.mu.Unlock()
	tm.publish(snapshot)
}

// publish fans the event out without blocking; slow subscribers miss events
// rather than stall workers.
func (tm *TaskManager) publish(t Task) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	for _, ch := range tm.subs {
		select {
		case ch <- TaskEvent{Task: t}:
		default:
		}
	}
}

// Subscribe returns a channel of task events and an unsubscribe func.
func (tm *TaskManager) Subscribe(buffer int) (<-chan TaskEvent, func()) {
	if buffer <= 0 {
		buffer = 16
	}
	ch := make(chan TaskEvent, buffer)
	tm.mu.Lock()
	id := tm.nextSub
	tm.nextSub++
	tm.subs[id] = ch
	tm.mu.Unlock()
	return ch, func() {
		tm.mu.Lock()
		delete(tm.subs, id)
		tm.mu.Unlock()
	}
}

// Get returns the task record.
func (tm *TaskManager) Get(id string) (Task, bool) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	t, ok := tm.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Close stops accepting jobs, cancels in-flight ones and waits for workers.
func (tm *TaskManager) Close() {
	tm.mu.Lock()
	if tm.closed {
		tm.mu.Unlock()
		return
	}
	tm.closed = true
	tm.mu.Unlock()
	tm.cancel()
	tm.wg.Wait()
}
