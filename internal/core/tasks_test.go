package core

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTaskKind(t *testing.T) {
	for _, action := range []string{"install", "uninstall", "push", "pull", "refresh_json", "verify"} {
		kind, err := ParseTaskKind(action)
		require.NoError(t, err, action)
		assert.Equal(t, TaskKind(action), kind)
	}

	_, err := ParseTaskKind("format")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestTaskQueue_RunsInOrder(t *testing.T) {
	q := NewTaskQueue("S1", 8, testLogger())
	q.Start()
	defer q.Stop()

	var mu sync.Mutex
	var order []int
	for i := 0; i < 5; i++ {
		i := i
		_, err := q.Enqueue(TaskPush, func(ctx context.Context) error {
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
			return nil
		})
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

func TestTaskQueue_Full(t *testing.T) {
	q := NewTaskQueue("S1", 1, testLogger())
	q.Start()
	defer q.Stop()

	release := make(chan struct{})
	started := make(chan struct{})
	_, err := q.Enqueue(TaskInstall, func(ctx context.Context) error {
		close(started)
		<-release
		return nil
	})
	require.NoError(t, err)
	<-started

	_, err = q.Enqueue(TaskPush, func(ctx context.Context) error { return nil })
	require.NoError(t, err, "one slot is free while the first task runs")

	_, err = q.Enqueue(TaskPull, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueFull)

	stats := q.Stats()
	assert.Equal(t, string(TaskInstall), stats["running"])
	assert.Equal(t, 1, stats["queue_depth"])
	close(release)
}

func TestTaskQueue_Stats(t *testing.T) {
	q := NewTaskQueue("S1", 4, testLogger())
	var failures atomic.Int32
	q.onFail = func(task *Task, err error) { failures.Add(1) }
	q.Start()
	defer q.Stop()

	_, err := q.Enqueue(TaskPush, func(ctx context.Context) error { return nil })
	require.NoError(t, err)
	_, err = q.Enqueue(TaskPull, func(ctx context.Context) error { return errors.New("boom") })
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		stats := q.Stats()
		return stats["processed"] == uint64(1) && stats["failed"] == uint64(1) && failures.Load() == 1
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 4, q.Stats()["queue_capacity"])
}

func TestTaskQueue_StopCancelsAndRejects(t *testing.T) {
	q := NewTaskQueue("S1", 4, testLogger())
	q.Start()

	started := make(chan struct{})
	var cancelled bool
	_, err := q.Enqueue(TaskPush, func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		cancelled = true
		return ctx.Err()
	})
	require.NoError(t, err)
	<-started

	q.Stop()
	assert.True(t, cancelled)

	_, err = q.Enqueue(TaskPull, func(ctx context.Context) error { return nil })
	assert.ErrorIs(t, err, ErrQueueStopped)

	// Stop is idempotent.
	q.Stop()
}
