package queue

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

func TestValidatePattern(t *testing.T) {
	for _, p := range []string{"0 2 * * *", "0 2 * * 1", "0 2 1 * *", "*/5 * * * *"} {
		assert.NoError(t, ValidatePattern(p), p)
	}
	for _, p := range []string{"", "0 2 * *", "61 * * * *", "daily"} {
		assert.ErrorIs(t, ValidatePattern(p), sharedErrors.ErrInvalidCronPattern, p)
	}
}

func TestRecurringJobID(t *testing.T) {
	at := time.Date(2026, 3, 2, 2, 0, 17, 0, time.UTC)
	same := at.Add(30 * time.Second)
	assert.Equal(t, RecurringJobID("k", at), RecurringJobID("k", same))
	assert.NotEqual(t, RecurringJobID("k", at), RecurringJobID("k", at.Add(time.Minute)))
	assert.NotEqual(t, RecurringJobID("k", at), RecurringJobID("other", at))
}

func TestRecurringRunner_FireEnqueuesOncePerMinute(t *testing.T) {
	ctx := context.Background()
	b := NewMemoryBroker(nil, time.UTC)
	defer b.Close()

	fixed := time.Date(2026, 3, 2, 2, 0, 0, 0, time.UTC)
	b.recurring.now = func() time.Time { return fixed }

	rec := Recurring{Key: "scheduled-scan-site-1", Pattern: "0 2 * * *", Job: Job{SiteID: "site-1", Scheduled: true}}
	b.recurring.fire(rec)
	b.recurring.fire(rec)

	d := receive(t, b)
	assert.Equal(t, RecurringJobID(rec.Key, fixed), d.ID)
	assert.Equal(t, "site-1", d.Job.SiteID)
	assert.True(t, d.Job.Scheduled)
	assert.Empty(t, d.Job.ScanID)

	shortCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	_, err := b.Receive(shortCtx)
	assert.ErrorIs(t, err, context.DeadlineExceeded, "second firing in the same minute must not enqueue")
}

func TestRecurringRunner_ReplaceAll(t *testing.T) {
	r := newRecurringRunner(time.UTC, nil, func(context.Context, string, Job, Options) (string, error) { return "", nil })

	require.NoError(t, r.set(Recurring{Key: "a", Pattern: "0 2 * * *"}))
	require.NoError(t, r.set(Recurring{Key: "b", Pattern: "0 2 * * *"}))

	require.NoError(t, r.replaceAll([]Recurring{
		{Key: "b", Pattern: "0 2 * * 1"},
		{Key: "c", Pattern: "0 2 1 * *"},
	}))

	recs := r.list()
	require.Len(t, recs, 2)
	assert.Equal(t, "b", recs[0].Key)
	assert.Equal(t, "0 2 * * 1", recs[0].Pattern)
	assert.Equal(t, "c", recs[1].Key)
	assert.Len(t, r.cron.Entries(), 2)
}

func TestRecurringRunner_SetKeepsIdenticalEntry(t *testing.T) {
	r := newRecurringRunner(time.UTC, nil, func(context.Context, string, Job, Options) (string, error) { return "", nil })
	rec := Recurring{Key: "a", Pattern: "0 2 * * *", Job: Job{SiteID: "site-1"}}

	require.NoError(t, r.set(rec))
	first := r.entries["a"].entryID
	require.NoError(t, r.set(rec))
	assert.Equal(t, first, r.entries["a"].entryID)

	rec.Pattern = "0 2 * * 1"
	require.NoError(t, r.set(rec))
	assert.NotEqual(t, first, r.entries["a"].entryID)
	assert.Len(t, r.cron.Entries(), 1)
}

func TestRecurringRunner_FireSkipsStaleRegistration(t *testing.T) {
	var enqueued int
	r := newRecurringRunner(time.UTC, nil, func(context.Context, string, Job, Options) (string, error) {
		enqueued++
		return "id", nil
	})
	current := true
	r.verify = func(context.Context, Recurring) (bool, error) { return current, nil }

	rec := Recurring{Key: "a", Pattern: "0 2 * * *"}
	require.NoError(t, r.set(rec))

	r.fire(rec)
	assert.Equal(t, 1, enqueued)

	current = false
	r.fire(rec)
	assert.Equal(t, 1, enqueued)
	assert.Empty(t, r.list())
}
