// Package worker runs scan jobs from the queue with bounded concurrency and
// a global start rate.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/khanhnv2901/securiscan/internal/queue"
	"github.com/khanhnv2901/securiscan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

const receiveErrorBackoff = time.Second

// Job outcomes reported to the Observer.
const (
	OutcomeCompleted = "completed"
	OutcomeRetried   = "retried"
	OutcomeFailed    = "failed"
)

// Handler processes one delivery. HandleTerminalFailure runs once a job has
// used its last attempt.
type Handler interface {
	Handle(ctx context.Context, d *queue.Delivery) error
	HandleTerminalFailure(ctx context.Context, d *queue.Delivery, cause error)
}

// Observer is told the outcome of every processed delivery.
type Observer interface {
	ObserveJob(outcome string, duration time.Duration)
}

// Config sizes the pool.
type Config struct {
	Concurrency int           // Number of jobs processed at once
	RateMax     int           // Jobs started per RateWindow
	RateWindow  time.Duration // Window for RateMax
}

// DefaultConfig runs 2 workers starting at most 10 jobs a minute.
func DefaultConfig() Config {
	return Config{
		Concurrency: constants.DefaultWorkerConcurrency,
		RateMax:     constants.DefaultRateMax,
		RateWindow:  constants.DefaultRateWindow,
	}
}

// Pool pulls deliveries from a consumer and hands them to a handler.
type Pool struct {
	consumer queue.Consumer
	handler  Handler
	cfg      Config
	limiter  *rate.Limiter
	logger   *zap.Logger
	observer Observer
}

// NewPool creates a pool. observer may be nil.
func NewPool(consumer queue.Consumer, handler Handler, cfg Config, logger *zap.Logger, observer Observer) *Pool {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = constants.DefaultWorkerConcurrency
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	// Tokens refill evenly across the window; burst 1 keeps any 60s span at
	// or under RateMax starts.
	limit := rate.Inf
	if cfg.RateMax > 0 && cfg.RateWindow > 0 {
		limit = rate.Every(cfg.RateWindow / time.Duration(cfg.RateMax))
	}

	return &Pool{
		consumer: consumer,
		handler:  handler,
		cfg:      cfg,
		limiter:  rate.NewLimiter(limit, 1),
		logger:   logger,
		observer: observer,
	}
}

// Run starts the workers and blocks until ctx is cancelled or the consumer
// is closed. Jobs already started run to completion before Run returns.
func (p *Pool) Run(ctx context.Context) error {
	p.logger.Info("worker pool started",
		zap.Int("concurrency", p.cfg.Concurrency),
		zap.Int("rate_max", p.cfg.RateMax),
		zap.Duration("rate_window", p.cfg.RateWindow),
	)

	var wg sync.WaitGroup
	for i := 0; i < p.cfg.Concurrency; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			p.loop(ctx, id)
		}(i)
	}
	wg.Wait()

	p.logger.Info("worker pool stopped")
	return nil
}

func (p *Pool) loop(ctx context.Context, id int) {
	log := p.logger.With(zap.Int("worker", id))
	for {
		// Wait for the rate limiter before taking a job so a shutdown never
		// strands a received delivery.
		if err := p.limiter.Wait(ctx); err != nil {
			return
		}

		d, err := p.consumer.Receive(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, sharedErrors.ErrBrokerClosed) {
				return
			}
			log.Error("failed to receive job", zap.Error(err))
			select {
			case <-ctx.Done():
				return
			case <-time.After(receiveErrorBackoff):
			}
			continue
		}

		p.process(context.WithoutCancel(ctx), log, d)
	}
}

// process runs one delivery to an acknowledged outcome.
func (p *Pool) process(ctx context.Context, log *zap.Logger, d *queue.Delivery) {
	log = log.With(zap.String("job_id", d.ID), zap.Int("attempt", d.Attempt))
	start := time.Now()

	err := p.handle(ctx, d)
	if err == nil {
		if ackErr := p.consumer.Complete(ctx, d); ackErr != nil {
			log.Error("failed to acknowledge job", zap.Error(ackErr))
		}
		p.observe(OutcomeCompleted, start)
		log.Info("job completed", zap.Duration("duration", time.Since(start)))
		return
	}

	terminal, failErr := p.consumer.Fail(ctx, d, err)
	if failErr != nil {
		log.Error("failed to record job failure", zap.Error(failErr), zap.NamedError("cause", err))
		return
	}
	if !terminal {
		p.observe(OutcomeRetried, start)
		log.Warn("job failed, will retry", zap.Error(err))
		return
	}

	p.observe(OutcomeFailed, start)
	log.Error("job failed permanently", zap.Error(err))
	p.handler.HandleTerminalFailure(ctx, d, err)
}

// handle converts a handler panic into an error so it follows the retry path.
func (p *Pool) handle(ctx context.Context, d *queue.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panicked: %v", r)
		}
	}()
	return p.handler.Handle(ctx, d)
}

func (p *Pool) observe(outcome string, start time.Time) {
	if p.observer != nil {
		p.observer.ObserveJob(outcome, time.Since(start))
	}
}
