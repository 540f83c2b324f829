package scheduler

import (
	"context"
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type everySchedule time.Duration

func (e everySchedule) Next(t time.Time) time.Time {
	return t.Add(time.Duration(e))
}

type neverSchedule struct{}

func (neverSchedule) Next(time.Time) time.Time { return time.Time{} }

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewCronRejectsBadExpression(t *testing.T) {
	_, err := NewCron("every ten minutes", func(context.Context) {}, testLogger())
	require.Error(t, err)
}

func TestNextFollowsCronExpression(t *testing.T) {
	s, err := NewCron("*/10 * * * *", func(context.Context) {}, testLogger())
	require.NoError(t, err)

	base := time.Date(2024, 3, 1, 12, 3, 30, 0, time.UTC)
	assert.Equal(t, time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC), s.Next(base))
	assert.Equal(t, time.Date(2024, 3, 1, 12, 20, 0, 0, time.UTC), s.Next(time.Date(2024, 3, 1, 12, 10, 0, 0, time.UTC)))
}

func TestRunOnStartAndStop(t *testing.T) {
	var runs atomic.Int32
	ran := make(chan struct{}, 1)

	s := New(everySchedule(time.Hour), func(context.Context) {
		runs.Add(1)
		ran <- struct{}{}
	}, testLogger(), WithRunOnStart(true))

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	select {
	case <-ran:
	case <-time.After(2 * time.Second):
		t.Fatal("job did not run on start")
	}

	s.Stop()
	s.Stop()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
	assert.Equal(t, int32(1), runs.Load())
}

func TestRunsRepeatedlyWithoutOverlap(t *testing.T) {
	var running, overlaps, runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(everySchedule(5*time.Millisecond), func(context.Context) {
		if running.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(15 * time.Millisecond)
		running.Add(-1)
		if runs.Add(1) == 3 {
			cancel()
		}
	}, testLogger())

	done := make(chan struct{})
	go func() {
		s.Start(ctx)
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("scheduler did not stop after cancellation")
	}
	assert.GreaterOrEqual(t, runs.Load(), int32(3))
	assert.Zero(t, overlaps.Load())
}

func TestPanickingJobDoesNotKillScheduler(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := New(everySchedule(time.Millisecond), func(context.Context) {
		if runs.Add(1) == 2 {
			cancel()
			return
		}
		panic("boom")
	}, testLogger(), WithRunOnStart(true))

	s.Start(ctx)
	assert.Equal(t, int32(2), runs.Load())
}

func TestScheduleWithoutFutureTimesExits(t *testing.T) {
	var runs atomic.Int32
	s := New(neverSchedule{}, func(context.Context) { runs.Add(1) }, testLogger())

	done := make(chan struct{})
	go func() {
		s.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not exit")
	}
	assert.Zero(t, runs.Load())
}

func TestCancelledContextSkipsRunOnStart(t *testing.T) {
	var runs atomic.Int32
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	New(everySchedule(time.Hour), func(context.Context) { runs.Add(1) }, testLogger(), WithRunOnStart(true)).Start(ctx)
	assert.Zero(t, runs.Load())
}
