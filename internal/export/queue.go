package export

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/banshee-data/composite.report/internal/monitoring"
	"github.com/banshee-data/composite.report/internal/timeutil"
)

// ErrQueueClosed is returned by Submit after Close.
var ErrQueueClosed = errors.New("export queue is closed")

// Status is the lifecycle state of an export task.
type Status string

// Task states. A task moves READY -> RUNNING -> COMPLETED or FAILED and is
// never retried.
const (
	StatusReady     Status = "READY"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Task is the persisted record of an export.
type Task struct {
	ID             string     `json:"id"`
	Description    string     `json:"description"`
	FileNamePrefix string     `json:"file_name_prefix"`
	Scale          float64    `json:"scale"`
	CRS            string     `json:"crs"`
	Status         Status     `json:"status"`
	Error          string     `json:"error,omitempty"`
	Files          []string   `json:"files,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	StartedAt      *time.Time `json:"started_at,omitempty"`
	FinishedAt     *time.Time `json:"finished_at,omitempty"`
}

// TaskStore persists task state transitions.
type TaskStore interface {
	InsertExportTask(t *Task) error
	UpdateExportTask(t *Task) error
}

// Queue runs export requests in the background with a fixed number of
// workers.
type Queue struct {
	store TaskStore
	exec  Executor
	clock timeutil.Clock

	ctx    context.Context
	cancel context.CancelFunc
	sem    chan struct{}
	wg     sync.WaitGroup

	mu     sync.Mutex
	closed bool
	tasks  map[string]*Task
}

// NewQueue starts a queue executing with exec and recording to store.
func NewQueue(store TaskStore, exec Executor, clock timeutil.Clock, workers int) *Queue {
	if workers < 1 {
		workers = 1
	}
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Queue{
		store:  store,
		exec:   exec,
		clock:  clock,
		ctx:    ctx,
		cancel: cancel,
		sem:    make(chan struct{}, workers),
		tasks:  make(map[string]*Task),
	}
}

// Submit validates req, records a READY task and returns its ID without
// waiting for the export to run. Failures after this point are recorded on
// the task only.
func (q *Queue) Submit(req Request) (string, error) {
	if err := req.Validate(); err != nil {
		return "", err
	}
	t, err := q.record(req)
	if err != nil {
		return "", err
	}
	monitoring.Logf("export: submitted %s (%s) as task %s", req.Description, req.FileNamePrefix, t.ID)

	q.wg.Add(1)
	go q.run(t.ID, req)
	return t.ID, nil
}

// SubmitFailed records a task for an export whose image could not be built.
// The task goes straight from READY to FAILED with cause as its error and
// nothing is executed. req.Image may be nil.
func (q *Queue) SubmitFailed(req Request, cause error) (string, error) {
	t, err := q.record(req)
	if err != nil {
		return "", err
	}
	q.finish(t.ID, nil, cause)
	return t.ID, nil
}

func (q *Queue) record(req Request) (*Task, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return nil, ErrQueueClosed
	}

	t := &Task{
		ID:             uuid.New().String(),
		Description:    req.Description,
		FileNamePrefix: req.FileNamePrefix,
		Scale:          req.Scale,
		CRS:            req.CRS,
		Status:         StatusReady,
		CreatedAt:      q.clock.Now(),
	}
	if err := q.store.InsertExportTask(t); err != nil {
		return nil, fmt.Errorf("failed to record export task: %w", err)
	}
	q.tasks[t.ID] = t
	return t, nil
}

func (q *Queue) run(id string, req Request) {
	defer q.wg.Done()

	select {
	case q.sem <- struct{}{}:
		defer func() { <-q.sem }()
	case <-q.ctx.Done():
		q.finish(id, nil, q.ctx.Err())
		return
	}

	q.transition(id, func(t *Task) {
		now := q.clock.Now()
		t.Status = StatusRunning
		t.StartedAt = &now
	})

	files, err := q.exec.Execute(q.ctx, req)
	q.finish(id, files, err)
}

func (q *Queue) finish(id string, files []string, err error) {
	q.transition(id, func(t *Task) {
		now := q.clock.Now()
		t.FinishedAt = &now
		t.Files = files
		if err != nil {
			t.Status = StatusFailed
			t.Error = err.Error()
			return
		}
		t.Status = StatusCompleted
	})
	if err != nil {
		monitoring.Logf("export: task %s failed: %v", id, err)
		return
	}
	monitoring.Logf("export: task %s completed, %d files", id, len(files))
}

func (q *Queue) transition(id string, fn func(*Task)) {
	q.mu.Lock()
	t := q.tasks[id]
	fn(t)
	snapshot := *t
	q.mu.Unlock()

	if err := q.store.UpdateExportTask(&snapshot); err != nil {
		monitoring.Logf("export: failed to record %s for task %s: %v", snapshot.Status, id, err)
	}
}

// Task returns a copy of the task with the given ID.
func (q *Queue) Task(id string) (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	t, ok := q.tasks[id]
	if !ok {
		return Task{}, false
	}
	return *t, true
}

// Tasks returns copies of all tasks ordered by creation time.
func (q *Queue) Tasks() []Task {
	q.mu.Lock()
	out := make([]Task, 0, len(q.tasks))
	for _, t := range q.tasks {
		out = append(out, *t)
	}
	q.mu.Unlock()
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Close stops accepting tasks and waits for submitted ones to finish.
func (q *Queue) Close() error {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.wg.Wait()
	q.cancel()
	return nil
}

// Abort stops accepting tasks, cancels running exports and waits for the
// workers to record their final state.
func (q *Queue) Abort() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cancel()
	q.wg.Wait()
}

// MemoryTaskStore keeps task records in memory.
type MemoryTaskStore struct {
	mu      sync.Mutex
	tasks   map[string]Task
	history map[string][]Status
}

// NewMemoryTaskStore returns an empty store.
func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[string]Task), history: make(map[string][]Status)}
}

// InsertExportTask records a new task.
func (m *MemoryTaskStore) InsertExportTask(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; ok {
		return fmt.Errorf("export task %s already exists", t.ID)
	}
	m.tasks[t.ID] = *t
	m.history[t.ID] = append(m.history[t.ID], t.Status)
	return nil
}

// UpdateExportTask replaces a task record.
func (m *MemoryTaskStore) UpdateExportTask(t *Task) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.tasks[t.ID]; !ok {
		return fmt.Errorf("export task %s not found", t.ID)
	}
	m.tasks[t.ID] = *t
	m.history[t.ID] = append(m.history[t.ID], t.Status)
	return nil
}

// Get returns the stored task.
func (m *MemoryTaskStore) Get(id string) (Task, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.tasks[id]
	return t, ok
}

// History returns every status recorded for a task, in order.
func (m *MemoryTaskStore) History(id string) []Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Status(nil), m.history[id]...)
}
