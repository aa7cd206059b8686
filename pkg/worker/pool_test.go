package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/hbomb79/Mimic/pkg/worker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startPool(t *testing.T, size int) *worker.Pool {
	pool := worker.NewPool("test", size)
	require.NoError(t, pool.Start(context.Background()))
	t.Cleanup(pool.Close)

	return pool
}

func Test_Submit_ExecutesAndReportsError(t *testing.T) {
	pool := startPool(t, 2)
	expected := errors.New("expected failure")

	ok := pool.Submit("ok", func(ctx context.Context) error { return nil })
	bad := pool.Submit("bad", func(ctx context.Context) error { return expected })

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	assert.NoError(t, ok.Wait(ctx))
	assert.ErrorIs(t, bad.Wait(ctx), expected)
}

func Test_Submit_PanicIsCaughtAtWorkerBoundary(t *testing.T) {
	pool := startPool(t, 1)

	task := pool.Submit("panics", func(ctx context.Context) error { panic("boom") })
	pool.Wait()

	assert.ErrorContains(t, task.Err(), "boom")

	// The worker survived the panic and continues to process tasks
	after := pool.Submit("after", func(ctx context.Context) error { return nil })
	pool.Wait()
	assert.NoError(t, after.Err())
}

func Test_SubmitAfter_IsTrackedByWait(t *testing.T) {
	pool := startPool(t, 1)

	var ran atomic.Bool
	pool.SubmitAfter(50*time.Millisecond, "delayed", func(ctx context.Context) error {
		ran.Store(true)
		return nil
	})

	assert.False(t, ran.Load(), "delayed task should not run immediately")
	pool.Wait()
	assert.True(t, ran.Load(), "Wait should block until delayed task has completed")
}

func Test_TasksSubmittedFromTasks_AreAwaited(t *testing.T) {
	pool := startPool(t, 2)

	var count atomic.Int32
	pool.Submit("parent", func(ctx context.Context) error {
		count.Add(1)
		pool.SubmitAfter(10*time.Millisecond, "child", func(ctx context.Context) error {
			count.Add(1)
			return nil
		})
		return nil
	})

	pool.Wait()
	assert.EqualValues(t, 2, count.Load())
}

func Test_Close_AbandonsDelayedTasks(t *testing.T) {
	pool := worker.NewPool("closing", 1)
	require.NoError(t, pool.Start(context.Background()))

	task := pool.SubmitAfter(time.Hour, "never", func(ctx context.Context) error { return nil })
	pool.Close()

	assert.ErrorIs(t, task.Err(), worker.ErrPoolClosed)
	assert.ErrorIs(t, pool.Submit("late", func(ctx context.Context) error { return nil }).Err(), worker.ErrPoolClosed)
}

func Test_Start_Twice(t *testing.T) {
	pool := startPool(t, 1)
	assert.ErrorIs(t, pool.Start(context.Background()), worker.ErrPoolAlreadyStarted)
}
