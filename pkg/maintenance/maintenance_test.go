package maintenance

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mnemokit/mnemo/pkg/commandqueue"
)

type fakeMaintainer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeMaintainer) Maintain(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}

func (f *fakeMaintainer) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func newTestService(t *testing.T, maintainer Maintainer) (*Service, func()) {
	t.Helper()

	queue := commandqueue.New()
	svc, err := NewService(Config{
		Schedule:   "0 3 * * *",
		Maintainer: maintainer,
		Queue:      queue,
	})
	require.NoError(t, err)

	return svc, func() {
		svc.Stop()
		queue.Close()
	}
}

func TestNewService(t *testing.T) {
	t.Run("should create service with valid config", func(t *testing.T) {
		svc, cleanup := newTestService(t, &fakeMaintainer{})
		defer cleanup()

		assert.NotNil(t, svc)
	})

	t.Run("should require a maintainer", func(t *testing.T) {
		queue := commandqueue.New()
		defer queue.Close()

		_, err := NewService(Config{Schedule: "0 3 * * *", Queue: queue})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maintainer is required")
	})

	t.Run("should require a queue", func(t *testing.T) {
		_, err := NewService(Config{Schedule: "0 3 * * *", Maintainer: &fakeMaintainer{}})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "command queue is required")
	})

	t.Run("should require a schedule", func(t *testing.T) {
		queue := commandqueue.New()
		defer queue.Close()

		_, err := NewService(Config{Maintainer: &fakeMaintainer{}, Queue: queue})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "schedule is required")
	})

	t.Run("should reject an invalid schedule", func(t *testing.T) {
		queue := commandqueue.New()
		defer queue.Close()

		_, err := NewService(Config{
			Schedule:   "not a cron expr",
			Maintainer: &fakeMaintainer{},
			Queue:      queue,
		})
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid maintenance schedule")
	})
}

func TestServiceRunNow(t *testing.T) {
	t.Run("should run upkeep and record success", func(t *testing.T) {
		maintainer := &fakeMaintainer{}
		svc, cleanup := newTestService(t, maintainer)
		defer cleanup()

		require.NoError(t, svc.RunNow(context.Background()))
		assert.Equal(t, 1, maintainer.callCount())

		stats := svc.GetStats()
		assert.Equal(t, "ok", stats.LastStatus)
		assert.Empty(t, stats.LastError)
		assert.Equal(t, 0, stats.ConsecutiveErrors)
		require.NotNil(t, stats.LastRunAtMs)
		assert.WithinDuration(t, time.Now(), time.UnixMilli(*stats.LastRunAtMs), 5*time.Second)
		require.NotNil(t, stats.LastDurationMs)
	})

	t.Run("should record consecutive failures", func(t *testing.T) {
		maintainer := &fakeMaintainer{err: fmt.Errorf("disk full")}
		svc, cleanup := newTestService(t, maintainer)
		defer cleanup()

		err := svc.RunNow(context.Background())
		require.Error(t, err)
		assert.Contains(t, err.Error(), "maintenance run failed")

		require.Error(t, svc.RunNow(context.Background()))

		stats := svc.GetStats()
		assert.Equal(t, "error", stats.LastStatus)
		assert.Contains(t, stats.LastError, "disk full")
		assert.Equal(t, 2, stats.ConsecutiveErrors)
	})

	t.Run("should reset the failure count on recovery", func(t *testing.T) {
		maintainer := &fakeMaintainer{err: fmt.Errorf("locked")}
		svc, cleanup := newTestService(t, maintainer)
		defer cleanup()

		require.Error(t, svc.RunNow(context.Background()))

		maintainer.mu.Lock()
		maintainer.err = nil
		maintainer.mu.Unlock()

		require.NoError(t, svc.RunNow(context.Background()))

		stats := svc.GetStats()
		assert.Equal(t, "ok", stats.LastStatus)
		assert.Equal(t, 0, stats.ConsecutiveErrors)
	})

	t.Run("should run on the maintenance lane", func(t *testing.T) {
		maintainer := &fakeMaintainer{}
		queue := commandqueue.New()
		defer queue.Close()

		svc, err := NewService(Config{
			Schedule:   "0 3 * * *",
			Maintainer: maintainer,
			Queue:      queue,
		})
		require.NoError(t, err)
		defer svc.Stop()

		require.NoError(t, svc.RunNow(context.Background()))

		stats := queue.GetStats()
		require.Contains(t, stats, Lane)
		assert.Equal(t, 0, stats[Lane]["queued"])
	})
}

func TestServiceSchedule(t *testing.T) {
	t.Run("should arm the next run on start", func(t *testing.T) {
		svc, cleanup := newTestService(t, &fakeMaintainer{})
		defer cleanup()

		svc.Start()

		stats := svc.GetStats()
		require.NotNil(t, stats.NextRunAtMs)
		assert.Greater(t, *stats.NextRunAtMs, time.Now().UnixMilli())
	})

	t.Run("should fire on schedule", func(t *testing.T) {
		maintainer := &fakeMaintainer{}
		queue := commandqueue.New()
		defer queue.Close()

		// Every-minute schedule; the timer is re-armed manually to avoid
		// waiting a full minute.
		svc, err := NewService(Config{
			Schedule:   "* * * * *",
			Maintainer: maintainer,
			Queue:      queue,
		})
		require.NoError(t, err)
		defer svc.Stop()

		svc.mu.Lock()
		svc.timer = time.AfterFunc(10*time.Millisecond, func() {
			_ = svc.execute(context.Background())
		})
		svc.mu.Unlock()

		assert.Eventually(t, func() bool {
			return maintainer.callCount() == 1
		}, time.Second, 10*time.Millisecond)
	})

	t.Run("should stop cleanly twice", func(t *testing.T) {
		svc, cleanup := newTestService(t, &fakeMaintainer{})
		defer cleanup()

		svc.Start()
		svc.Stop()
		svc.Stop()

		svc.mu.Lock()
		stopped := svc.stopped
		svc.mu.Unlock()
		assert.True(t, stopped)
	})

	t.Run("should skip overlapping runs", func(t *testing.T) {
		maintainer := &fakeMaintainer{}
		svc, cleanup := newTestService(t, maintainer)
		defer cleanup()

		svc.mu.Lock()
		svc.running = true
		svc.mu.Unlock()

		require.NoError(t, svc.RunNow(context.Background()))
		assert.Equal(t, 0, maintainer.callCount())

		svc.mu.Lock()
		svc.running = false
		svc.mu.Unlock()
	})
}
