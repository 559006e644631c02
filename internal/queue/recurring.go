package queue

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

const fireEnqueueTimeout = 10 * time.Second

// ValidatePattern checks a standard five-field cron expression.
func ValidatePattern(pattern string) error {
	if _, err := cron.ParseStandard(pattern); err != nil {
		return fmt.Errorf("%w: %q: %v", sharedErrors.ErrInvalidCronPattern, pattern, err)
	}
	return nil
}

// RecurringJobID is the job ID a recurring registration produces for a
// firing. Every process firing the same key in the same minute derives the
// same ID, so the job is enqueued once.
func RecurringJobID(key string, at time.Time) string {
	return fmt.Sprintf("repeat:%s:%d", key, at.Truncate(time.Minute).Unix())
}

type enqueueFunc func(ctx context.Context, name string, job Job, opts Options) (string, error)

// verifyFunc reports whether rec is still the stored registration for its key.
type verifyFunc func(ctx context.Context, rec Recurring) (bool, error)

type recurringEntry struct {
	entryID cron.EntryID
	rec     Recurring
}

// recurringRunner keeps one cron entry per recurring key.
type recurringRunner struct {
	mu      sync.Mutex
	cron    *cron.Cron
	entries map[string]recurringEntry
	enqueue enqueueFunc
	verify  verifyFunc
	logger  *zap.Logger
	now     func() time.Time
	running bool
}

func newRecurringRunner(loc *time.Location, logger *zap.Logger, enqueue enqueueFunc) *recurringRunner {
	if loc == nil {
		loc = time.Local
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &recurringRunner{
		cron:    cron.New(cron.WithLocation(loc)),
		entries: make(map[string]recurringEntry),
		enqueue: enqueue,
		logger:  logger,
		now:     time.Now,
	}
}

// set replaces the entry for rec.Key. An identical entry is left alone so
// its cron schedule is not reset.
func (r *recurringRunner) set(rec Recurring) error {
	if err := ValidatePattern(rec.Pattern); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[rec.Key]; ok {
		if existing.rec == rec {
			return nil
		}
		r.cron.Remove(existing.entryID)
		delete(r.entries, rec.Key)
	}

	entryID, err := r.cron.AddFunc(rec.Pattern, func() { r.fire(rec) })
	if err != nil {
		return fmt.Errorf("%w: %q: %v", sharedErrors.ErrInvalidCronPattern, rec.Pattern, err)
	}
	r.entries[rec.Key] = recurringEntry{entryID: entryID, rec: rec}
	return nil
}

// drop removes the entry for rec.Key only if it still holds rec.
func (r *recurringRunner) drop(rec Recurring) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[rec.Key]; ok && existing.rec == rec {
		r.cron.Remove(existing.entryID)
		delete(r.entries, rec.Key)
	}
}

func (r *recurringRunner) remove(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.entries[key]; ok {
		r.cron.Remove(existing.entryID)
		delete(r.entries, key)
	}
}

// replaceAll makes the entries match recs exactly.
func (r *recurringRunner) replaceAll(recs []Recurring) error {
	wanted := make(map[string]bool, len(recs))
	var firstErr error
	for _, rec := range recs {
		wanted[rec.Key] = true
		if err := r.set(rec); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	for _, rec := range r.list() {
		if !wanted[rec.Key] {
			r.remove(rec.Key)
		}
	}
	return firstErr
}

func (r *recurringRunner) list() []Recurring {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]Recurring, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, e.rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (r *recurringRunner) fire(rec Recurring) {
	opts := DefaultOptions()
	opts.JobID = RecurringJobID(rec.Key, r.now())

	ctx, cancel := context.WithTimeout(context.Background(), fireEnqueueTimeout)
	defer cancel()

	if r.verify != nil {
		current, err := r.verify(ctx, rec)
		if err != nil {
			r.logger.Error("failed to verify recurring job",
				zap.String("key", rec.Key),
				zap.Error(err),
			)
			return
		}
		if !current {
			r.logger.Info("recurring job changed elsewhere, skipping",
				zap.String("key", rec.Key),
				zap.String("pattern", rec.Pattern),
			)
			r.drop(rec)
			return
		}
	}

	id, err := r.enqueue(ctx, constants.JobName, rec.Job, opts)
	if err != nil {
		r.logger.Error("failed to enqueue recurring job",
			zap.String("key", rec.Key),
			zap.Error(err),
		)
		return
	}
	r.logger.Info("recurring job enqueued",
		zap.String("key", rec.Key),
		zap.String("job_id", id),
	)
}

func (r *recurringRunner) start() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return
	}
	r.running = true
	r.cron.Start()
}

// stop halts the cron loop and waits for running fires.
func (r *recurringRunner) stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	r.mu.Unlock()
	<-r.cron.Stop().Done()
}
