package queue

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

func fastOptions() Options {
	opts := DefaultOptions()
	opts.Backoff = time.Millisecond
	return opts
}

func receive(t *testing.T, c Consumer) *Delivery {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	d, err := c.Receive(ctx)
	require.NoError(t, err)
	return d
}

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	assert.Equal(t, 3, opts.Attempts)
	assert.Equal(t, 2*time.Second, opts.Backoff)
	assert.Equal(t, 1000, opts.RemoveOnComplete.Count)
	assert.Equal(t, 24*time.Hour, opts.RemoveOnComplete.Age)
	assert.Equal(t, 500, opts.RemoveOnFail.Count)

	assert.Equal(t, 2*time.Second, opts.BackoffFor(1))
	assert.Equal(t, 4*time.Second, opts.BackoffFor(2))
	assert.Equal(t, 8*time.Second, opts.BackoffFor(3))
}

func TestMemoryBroker_EnqueueReceiveComplete(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(zaptest.NewLogger(t), time.UTC)
	defer b.Close()

	id, err := b.Enqueue(ctx, "run-scan", Job{ScanID: "scan-1", SiteURL: "https://example.com"}, DefaultOptions())
	require.NoError(t, err)

	info, err := b.JobInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateWaiting, info.State)

	d := receive(t, b)
	assert.Equal(t, id, d.ID)
	assert.Equal(t, "scan-1", d.Job.ScanID)
	assert.Equal(t, 1, d.Attempt)
	assert.False(t, d.Final())

	require.NoError(t, b.Complete(ctx, d))

	info, err = b.JobInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateCompleted, info.State)
	assert.NotNil(t, info.FinishedAt)
}

func TestMemoryBroker_RetriesThenFails(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(nil, time.UTC)
	defer b.Close()

	id, err := b.Enqueue(ctx, "run-scan", Job{SiteID: "site-1", Scheduled: true}, fastOptions())
	require.NoError(t, err)

	d := receive(t, b)
	d.Job.ScanID = "scan-created-on-first-attempt"
	terminal, err := b.Fail(ctx, d, errors.New("store unavailable"))
	require.NoError(t, err)
	assert.False(t, terminal)

	d = receive(t, b)
	assert.Equal(t, 2, d.Attempt)
	assert.Equal(t, "scan-created-on-first-attempt", d.Job.ScanID, "retry must carry the updated payload")
	terminal, err = b.Fail(ctx, d, errors.New("still down"))
	require.NoError(t, err)
	assert.False(t, terminal)

	d = receive(t, b)
	assert.Equal(t, 3, d.Attempt)
	assert.True(t, d.Final())
	terminal, err = b.Fail(ctx, d, errors.New("gave up"))
	require.NoError(t, err)
	assert.True(t, terminal)

	info, err := b.JobInfo(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateFailed, info.State)
	assert.Equal(t, 3, info.AttemptsMade)
	assert.Equal(t, "gave up", info.LastError)
}

func TestMemoryBroker_IdempotentJobID(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(nil, time.UTC)
	defer b.Close()

	opts := DefaultOptions()
	opts.JobID = "fixed"
	first, err := b.Enqueue(ctx, "run-scan", Job{SiteID: "a"}, opts)
	require.NoError(t, err)
	second, err := b.Enqueue(ctx, "run-scan", Job{SiteID: "b"}, opts)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	d := receive(t, b)
	assert.Equal(t, "a", d.Job.SiteID)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err = b.Receive(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMemoryBroker_RetentionCount(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(nil, time.UTC)
	defer b.Close()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	opts := DefaultOptions()
	opts.RemoveOnComplete = Retention{Count: 2}

	var ids []string
	for i := 0; i < 3; i++ {
		id, err := b.Enqueue(ctx, "run-scan", Job{}, opts)
		require.NoError(t, err)
		ids = append(ids, id)
		require.NoError(t, b.Complete(ctx, receive(t, b)))
	}

	_, err := b.JobInfo(ctx, ids[0])
	assert.ErrorIs(t, err, sharedErrors.ErrJobNotFound, "oldest completed job should be pruned")
	for _, id := range ids[1:] {
		_, err := b.JobInfo(ctx, id)
		assert.NoError(t, err)
	}
}

func TestMemoryBroker_RetentionAge(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(nil, time.UTC)
	defer b.Close()

	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return clock }

	old, err := b.Enqueue(ctx, "run-scan", Job{}, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, receive(t, b)))

	clock = clock.Add(25 * time.Hour)
	_, err = b.Enqueue(ctx, "run-scan", Job{}, DefaultOptions())
	require.NoError(t, err)
	require.NoError(t, b.Complete(ctx, receive(t, b)))

	_, err = b.JobInfo(ctx, old)
	assert.ErrorIs(t, err, sharedErrors.ErrJobNotFound)
}

func TestMemoryBroker_CompleteUnknown(t *testing.T) {
	b := NewMemoryBroker(nil, time.UTC)
	defer b.Close()

	err := b.Complete(context.Background(), &Delivery{ID: "missing"})
	assert.ErrorIs(t, err, sharedErrors.ErrJobNotFound)
}

func TestMemoryBroker_CloseWakesReceivers(t *testing.T) {
	b := NewMemoryBroker(nil, time.UTC)

	errCh := make(chan error, 1)
	go func() {
		_, err := b.Receive(context.Background())
		errCh <- err
	}()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, b.Close())

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, sharedErrors.ErrBrokerClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("receiver was not woken by Close")
	}

	_, err := b.Enqueue(context.Background(), "run-scan", Job{}, DefaultOptions())
	assert.ErrorIs(t, err, sharedErrors.ErrBrokerClosed)
}

func TestMemoryBroker_Recurring(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(nil, time.UTC)
	defer b.Close()

	job := Job{SiteID: "site-1", SiteURL: "https://example.com", Scheduled: true}
	require.NoError(t, b.RegisterRecurring(ctx, "scheduled-scan-site-1", "0 2 * * *", job))
	require.NoError(t, b.RegisterRecurring(ctx, "scheduled-scan-site-1", "0 2 * * 1", job))

	recs, err := b.ListRecurring(ctx)
	require.NoError(t, err)
	require.Len(t, recs, 1)
	assert.Equal(t, "0 2 * * 1", recs[0].Pattern)

	err = b.RegisterRecurring(ctx, "bad", "every tuesday", job)
	assert.ErrorIs(t, err, sharedErrors.ErrInvalidCronPattern)

	require.NoError(t, b.RemoveRecurring(ctx, "scheduled-scan-site-1"))
	require.NoError(t, b.RemoveRecurring(ctx, "scheduled-scan-site-1"))
	recs, err = b.ListRecurring(ctx)
	require.NoError(t, err)
	assert.Empty(t, recs)
}
