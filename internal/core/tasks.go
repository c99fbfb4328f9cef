// internal/core/tasks.go
package core

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// TaskKind names an operator-triggered headset operation.
type TaskKind string

const (
	TaskInstall     TaskKind = "install"
	TaskUninstall   TaskKind = "uninstall"
	TaskPush        TaskKind = "push"
	TaskPull        TaskKind = "pull"
	TaskRefreshJSON TaskKind = "refresh_json"
	TaskVerify      TaskKind = "verify"
)

// ParseTaskKind validates an action name.
func ParseTaskKind(action string) (TaskKind, error) {
	switch k := TaskKind(action); k {
	case TaskInstall, TaskUninstall, TaskPush, TaskPull, TaskRefreshJSON, TaskVerify:
		return k, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownTask, action)
	}
}

// Task is one queued operation.
type Task struct {
	ID         string
	Kind       TaskKind
	EnqueuedAt time.Time
	run        func(ctx context.Context) error
}

// TaskQueue runs the operations of one headset one at a time, so overlapping
// requests on the same device serialize instead of racing.
type TaskQueue struct {
	serial   string
	logger   *logrus.Logger
	queue    chan *Task
	shutdown chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	ctx      context.Context
	cancel   context.CancelFunc
	onFail   func(task *Task, err error)
	stats    *QueueStats
}

// QueueStats counts task outcomes.
type QueueStats struct {
	mu        sync.RWMutex
	Processed uint64
	Failed    uint64
	Running   string
}

// NewTaskQueue creates a queue with the given capacity. Start must be called
// before tasks run.
func NewTaskQueue(serial string, size int, logger *logrus.Logger) *TaskQueue {
	ctx, cancel := context.WithCancel(context.Background())
	return &TaskQueue{
		serial:   serial,
		logger:   logger,
		queue:    make(chan *Task, size),
		shutdown: make(chan struct{}),
		ctx:      ctx,
		cancel:   cancel,
		stats:    &QueueStats{},
	}
}

// Start launches the worker goroutine.
func (q *TaskQueue) Start() {
	q.wg.Add(1)
	go q.worker()
}

// Stop discards pending tasks and waits for the running one to return.
func (q *TaskQueue) Stop() {
	q.stopOnce.Do(func() {
		close(q.shutdown)
		q.cancel()
	})
	q.wg.Wait()
}

// Enqueue schedules fn under kind and returns the task id.
func (q *TaskQueue) Enqueue(kind TaskKind, fn func(ctx context.Context) error) (string, error) {
	select {
	case <-q.shutdown:
		return "", ErrQueueStopped
	default:
	}

	task := &Task{
		ID:         uuid.New().String(),
		Kind:       kind,
		EnqueuedAt: time.Now(),
		run:        fn,
	}

	select {
	case q.queue <- task:
		return task.ID, nil
	default:
		q.updateStats(func(s *QueueStats) {
			s.Failed++
		})
		return "", ErrQueueFull
	}
}

// Stats returns the queue counters.
func (q *TaskQueue) Stats() map[string]interface{} {
	q.stats.mu.RLock()
	defer q.stats.mu.RUnlock()

	return map[string]interface{}{
		"processed":      q.stats.Processed,
		"failed":         q.stats.Failed,
		"running":        q.stats.Running,
		"queue_depth":    len(q.queue),
		"queue_capacity": cap(q.queue),
	}
}

func (q *TaskQueue) updateStats(fn func(*QueueStats)) {
	q.stats.mu.Lock()
	defer q.stats.mu.Unlock()
	fn(q.stats)
}

func (q *TaskQueue) worker() {
	defer q.wg.Done()

	for {
		select {
		case <-q.shutdown:
			return
		case task := <-q.queue:
			select {
			case <-q.shutdown:
				return
			default:
			}
			q.execute(task)
		}
	}
}

func (q *TaskQueue) execute(task *Task) {
	log := q.logger.WithFields(logrus.Fields{
		"serial":  q.serial,
		"task_id": task.ID,
		"task":    task.Kind,
	})

	q.updateStats(func(s *QueueStats) {
		s.Running = string(task.Kind)
	})
	log.WithField("queued_for", time.Since(task.EnqueuedAt).String()).Info("Task started")

	err := task.run(q.ctx)

	q.updateStats(func(s *QueueStats) {
		s.Running = ""
		if err != nil {
			s.Failed++
		} else {
			s.Processed++
		}
	})

	if err != nil {
		log.WithError(err).Error("Task failed")
		if q.onFail != nil {
			q.onFail(task, err)
		}
		return
	}
	log.Info("Task completed")
}
