package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/khanhnv2901/securiscan/internal/shared/constants"
	sharedErrors "github.com/khanhnv2901/securiscan/internal/shared/errors"
)

const (
	defaultConsumerGroup     = "workers"
	defaultBlockTimeout      = time.Second
	defaultConnectionTimeout = 2 * time.Second
	maxPendingCheck          = 10

	// A scan finishes well inside this, so a delivery idle this long belongs
	// to a consumer that died.
	defaultReclaimIdle  = 5 * time.Minute
	defaultSyncInterval = 30 * time.Second

	jobIDField = "id"
)

// RedisConfig configures the Redis Streams broker.
type RedisConfig struct {
	Prefix       string        // Key prefix (default "securiscan:security-scans")
	Group        string        // Consumer group name
	Consumer     string        // Unique consumer name (default hostname + random suffix)
	BlockTimeout time.Duration // Block timeout for stream reads
	ReclaimIdle  time.Duration // Claim deliveries idle this long from dead consumers (0 means 5m, negative disables)
	SyncInterval time.Duration // How often recurring registrations are re-read (default 30s)
	Location     *time.Location
}

// enqueueScript stores a new job record and publishes its ID in one step.
// XADD runs first so a failed publish writes nothing.
var enqueueScript = redis.NewScript(`
	if redis.call("exists", KEYS[1]) == 1 then
		return 0
	end
	redis.call("xadd", KEYS[2], "*", ARGV[2], ARGV[3])
	redis.call("set", KEYS[1], ARGV[1])
	return 1
`)

// promoteScript moves a due job from the delayed set back onto the stream.
// A job already taken by another process is left alone.
var promoteScript = redis.NewScript(`
	if not redis.call("zscore", KEYS[1], ARGV[1]) then
		return 0
	end
	redis.call("xadd", KEYS[3], "*", ARGV[3], ARGV[1])
	redis.call("set", KEYS[2], ARGV[2])
	redis.call("zrem", KEYS[1], ARGV[1])
	return 1
`)

// NewRedisClient connects to Redis and verifies the connection.
func NewRedisClient(ctx context.Context, addr, password string, db int) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	pingCtx, cancel := context.WithTimeout(ctx, defaultConnectionTimeout)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// RedisBroker stores jobs in Redis. New and retried jobs are delivered
// through a stream consumer group; retries wait in a sorted set scored by due
// time. Each job's state lives in its own JSON record so it can be inspected
// after delivery.
type RedisBroker struct {
	client    *redis.Client
	cfg       RedisConfig
	logger    *zap.Logger
	recurring *recurringRunner
	now       func() time.Time

	ready    atomic.Bool
	syncMu   sync.Mutex
	syncStop context.CancelFunc
	syncDone sync.WaitGroup
}

type jobRecord struct {
	ID           string     `json:"id"`
	Name         string     `json:"name"`
	Job          Job        `json:"data"`
	Opts         Options    `json:"opts"`
	State        State      `json:"state"`
	AttemptsMade int        `json:"attemptsMade"`
	LastError    string     `json:"lastError,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	FinishedAt   *time.Time `json:"finishedAt,omitempty"`
}

// NewRedisBroker creates a broker over an existing client.
func NewRedisBroker(client *redis.Client, cfg RedisConfig, logger *zap.Logger) *RedisBroker {
	if cfg.Prefix == "" {
		cfg.Prefix = "securiscan:" + constants.QueueName
	}
	if cfg.Group == "" {
		cfg.Group = defaultConsumerGroup
	}
	if cfg.Consumer == "" {
		host, _ := os.Hostname()
		cfg.Consumer = host + "-" + uuid.NewString()[:8]
	}
	if cfg.BlockTimeout <= 0 {
		cfg.BlockTimeout = defaultBlockTimeout
	}
	if cfg.ReclaimIdle == 0 {
		cfg.ReclaimIdle = defaultReclaimIdle
	}
	if cfg.SyncInterval <= 0 {
		cfg.SyncInterval = defaultSyncInterval
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	b := &RedisBroker{
		client: client,
		cfg:    cfg,
		logger: logger,
		now:    time.Now,
	}
	b.recurring = newRecurringRunner(cfg.Location, logger, b.Enqueue)
	b.recurring.verify = b.recurringCurrent
	return b
}

func (b *RedisBroker) streamKey() string { return b.cfg.Prefix + ":stream" }
func (b *RedisBroker) delayedKey() string { return b.cfg.Prefix + ":delayed" }
func (b *RedisBroker) completedKey() string { return b.cfg.Prefix + ":completed" }
func (b *RedisBroker) failedKey() string { return b.cfg.Prefix + ":failed" }
func (b *RedisBroker) recurringKey() string { return b.cfg.Prefix + ":recurring" }
func (b *RedisBroker) jobKey(id string) string { return b.cfg.Prefix + ":job:" + id }

// Initialize creates the consumer group if it does not exist.
func (b *RedisBroker) Initialize(ctx context.Context) error {
	err := b.client.XGroupCreateMkStream(ctx, b.streamKey(), b.cfg.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("failed to create consumer group: %w", err)
	}
	b.ready.Store(true)
	return nil
}

// isNoGroup reports a stream or consumer group that no longer exists, for
// example after the stream key was deleted. The group is recreated on the
// next Receive pass.
func isNoGroup(err error) bool {
	return err != nil && strings.HasPrefix(err.Error(), "NOGROUP")
}

// Enqueue stores the job record and publishes its ID on the stream.
func (b *RedisBroker) Enqueue(ctx context.Context, name string, job Job, opts Options) (string, error) {
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}

	rec := jobRecord{
		ID:        id,
		Name:      name,
		Job:       job,
		Opts:      opts,
		State:     StateWaiting,
		CreatedAt: b.now().UTC(),
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return "", fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
	}

	created, err := enqueueScript.Run(ctx, b.client,
		[]string{b.jobKey(id), b.streamKey()},
		data, jobIDField, id,
	).Int()
	if err != nil {
		return "", fmt.Errorf("failed to enqueue job %s: %w", id, err)
	}
	if created == 0 {
		if opts.JobID != "" {
			return id, nil
		}
		return "", fmt.Errorf("job ID collision: %s", id)
	}
	return id, nil
}

// Receive blocks until a job is delivered to this consumer.
func (b *RedisBroker) Receive(ctx context.Context) (*Delivery, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if !b.ready.Load() {
			if err := b.Initialize(ctx); err != nil {
				return nil, err
			}
		}
		if err := b.promoteDelayed(ctx); err != nil {
			return nil, err
		}

		if b.cfg.ReclaimIdle > 0 {
			d, err := b.reclaim(ctx)
			if err != nil {
				return nil, err
			}
			if d != nil {
				return d, nil
			}
		}

		streams, err := b.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			Streams:  []string{b.streamKey(), ">"},
			Count:    1,
			Block:    b.cfg.BlockTimeout,
		}).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if isNoGroup(err) {
				b.ready.Store(false)
				continue
			}
			return nil, fmt.Errorf("failed to read from stream: %w", err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				d, err := b.deliver(ctx, msg)
				if err != nil {
					return nil, err
				}
				if d != nil {
					return d, nil
				}
			}
		}
	}
}

// deliver turns a stream message into a delivery. Messages for unknown or
// already finished jobs are acknowledged and skipped.
func (b *RedisBroker) deliver(ctx context.Context, msg redis.XMessage) (*Delivery, error) {
	id, _ := msg.Values[jobIDField].(string)

	rec, err := b.load(ctx, id)
	if errors.Is(err, sharedErrors.ErrJobNotFound) || (err == nil && (rec.State == StateCompleted || rec.State == StateFailed)) {
		b.logger.Warn("skipping stale stream entry", zap.String("job_id", id), zap.String("message_id", msg.ID))
		return nil, b.client.XAck(ctx, b.streamKey(), b.cfg.Group, msg.ID).Err()
	}
	if err != nil {
		return nil, err
	}

	rec.State = StateActive
	rec.AttemptsMade++
	if err := b.save(ctx, b.client, rec); err != nil {
		return nil, err
	}

	return &Delivery{
		ID:          rec.ID,
		Name:        rec.Name,
		Job:         rec.Job,
		Attempt:     rec.AttemptsMade,
		MaxAttempts: rec.Opts.maxAttempts(),
		receipt:     msg.ID,
	}, nil
}

// promoteDelayed moves due retries back onto the stream. promoteScript
// decides which process wins a given job.
func (b *RedisBroker) promoteDelayed(ctx context.Context) error {
	due, err := b.client.ZRangeByScore(ctx, b.delayedKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: strconv.FormatInt(b.now().UnixMilli(), 10),
	}).Result()
	if err != nil {
		return fmt.Errorf("failed to read delayed jobs: %w", err)
	}

	for _, id := range due {
		rec, err := b.load(ctx, id)
		if errors.Is(err, sharedErrors.ErrJobNotFound) {
			if err := b.client.ZRem(ctx, b.delayedKey(), id).Err(); err != nil {
				return fmt.Errorf("failed to drop delayed job %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return err
		}

		rec.State = StateWaiting
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
		}
		err = promoteScript.Run(ctx, b.client,
			[]string{b.delayedKey(), b.jobKey(id), b.streamKey()},
			id, data, jobIDField,
		).Err()
		if err != nil {
			return fmt.Errorf("failed to promote delayed job %s: %w", id, err)
		}
	}
	return nil
}

// reclaim takes over one delivery that another consumer left pending for
// longer than ReclaimIdle.
func (b *RedisBroker) reclaim(ctx context.Context) (*Delivery, error) {
	pending, err := b.client.XPendingExt(ctx, &redis.XPendingExtArgs{
		Stream: b.streamKey(),
		Group:  b.cfg.Group,
		Start:  "-",
		End:    "+",
		Count:  maxPendingCheck,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		if isNoGroup(err) {
			b.ready.Store(false)
			return nil, nil
		}
		return nil, fmt.Errorf("failed to list pending deliveries: %w", err)
	}

	for _, entry := range pending {
		if entry.Idle < b.cfg.ReclaimIdle {
			continue
		}
		msgs, err := b.client.XClaim(ctx, &redis.XClaimArgs{
			Stream:   b.streamKey(),
			Group:    b.cfg.Group,
			Consumer: b.cfg.Consumer,
			MinIdle:  b.cfg.ReclaimIdle,
			Messages: []string{entry.ID},
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to claim delivery %s: %w", entry.ID, err)
		}
		for _, msg := range msgs {
			b.logger.Info("reclaimed idle delivery",
				zap.String("message_id", msg.ID),
				zap.String("from_consumer", entry.Consumer),
			)
			if d, err := b.deliver(ctx, msg); err != nil || d != nil {
				return d, err
			}
		}
	}
	return nil, nil
}

// Complete acknowledges the delivery and records the job as completed.
func (b *RedisBroker) Complete(ctx context.Context, d *Delivery) error {
	rec, err := b.load(ctx, d.ID)
	if err != nil {
		return err
	}

	finished := b.now().UTC()
	rec.State = StateCompleted
	rec.FinishedAt = &finished

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := b.save(ctx, pipe, rec); err != nil {
			return err
		}
		pipe.XAck(ctx, b.streamKey(), b.cfg.Group, d.receipt)
		pipe.ZAdd(ctx, b.completedKey(), redis.Z{Score: float64(finished.UnixMilli()), Member: rec.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to complete job %s: %w", d.ID, err)
	}
	return b.trim(ctx, b.completedKey(), rec.Opts.RemoveOnComplete)
}

// Fail acknowledges the delivery and either schedules a retry or records the
// job as failed.
func (b *RedisBroker) Fail(ctx context.Context, d *Delivery, cause error) (bool, error) {
	rec, err := b.load(ctx, d.ID)
	if err != nil {
		return false, err
	}
	if cause != nil {
		rec.LastError = cause.Error()
	}
	rec.Job = d.Job

	now := b.now()
	terminal := rec.AttemptsMade >= rec.Opts.maxAttempts()
	if terminal {
		finished := now.UTC()
		rec.State = StateFailed
		rec.FinishedAt = &finished
	} else {
		rec.State = StateDelayed
	}

	_, err = b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		if err := b.save(ctx, pipe, rec); err != nil {
			return err
		}
		pipe.XAck(ctx, b.streamKey(), b.cfg.Group, d.receipt)
		if terminal {
			pipe.ZAdd(ctx, b.failedKey(), redis.Z{Score: float64(now.UnixMilli()), Member: rec.ID})
		} else {
			due := now.Add(rec.Opts.BackoffFor(rec.AttemptsMade))
			pipe.ZAdd(ctx, b.delayedKey(), redis.Z{Score: float64(due.UnixMilli()), Member: rec.ID})
		}
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record failure of job %s: %w", d.ID, err)
	}

	if terminal {
		return true, b.trim(ctx, b.failedKey(), rec.Opts.RemoveOnFail)
	}
	return false, nil
}

// trim deletes finished jobs from set beyond the retention count or age.
func (b *RedisBroker) trim(ctx context.Context, set string, keep Retention) error {
	var expired []string

	if keep.Age > 0 {
		cutoff := b.now().Add(-keep.Age).UnixMilli()
		old, err := b.client.ZRangeByScore(ctx, set, &redis.ZRangeBy{
			Min: "-inf",
			Max: "(" + strconv.FormatInt(cutoff, 10),
		}).Result()
		if err != nil {
			return fmt.Errorf("failed to read expired jobs: %w", err)
		}
		expired = append(expired, old...)
	}

	if keep.Count > 0 {
		// Ranks are ascending by finish time; keep the newest Count.
		excess, err := b.client.ZRange(ctx, set, 0, int64(-keep.Count-1)).Result()
		if err != nil {
			return fmt.Errorf("failed to read excess jobs: %w", err)
		}
		expired = append(expired, excess...)
	}

	if len(expired) == 0 {
		return nil
	}

	keys := make([]string, len(expired))
	members := make([]any, len(expired))
	for i, id := range expired {
		keys[i] = b.jobKey(id)
		members[i] = id
	}
	_, err := b.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, set, members...)
		pipe.Del(ctx, keys...)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to trim %s: %w", set, err)
	}
	return nil
}

func (b *RedisBroker) load(ctx context.Context, id string) (*jobRecord, error) {
	data, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", sharedErrors.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load job %s: %w", id, err)
	}

	var rec jobRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("%w: job %s: %v", sharedErrors.ErrDeserializationFailed, id, err)
	}
	return &rec, nil
}

func (b *RedisBroker) save(ctx context.Context, c redis.Cmdable, rec *jobRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
	}
	return c.Set(ctx, b.jobKey(rec.ID), data, 0).Err()
}

// JobInfo returns the stored state of a job.
func (b *RedisBroker) JobInfo(ctx context.Context, id string) (*JobInfo, error) {
	rec, err := b.load(ctx, id)
	if err != nil {
		return nil, err
	}
	return &JobInfo{
		ID:           rec.ID,
		Name:         rec.Name,
		State:        rec.State,
		Job:          rec.Job,
		AttemptsMade: rec.AttemptsMade,
		MaxAttempts:  rec.Opts.maxAttempts(),
		LastError:    rec.LastError,
		CreatedAt:    rec.CreatedAt,
		FinishedAt:   rec.FinishedAt,
	}, nil
}

type recurringRecord struct {
	Pattern string `json:"pattern"`
	Job     Job    `json:"data"`
}

// RegisterRecurring stores the registration and schedules it in this
// process.
func (b *RedisBroker) RegisterRecurring(ctx context.Context, key, pattern string, job Job) error {
	if err := ValidatePattern(pattern); err != nil {
		return err
	}
	data, err := json.Marshal(recurringRecord{Pattern: pattern, Job: job})
	if err != nil {
		return fmt.Errorf("%w: %v", sharedErrors.ErrSerializationFailed, err)
	}
	if err := b.client.HSet(ctx, b.recurringKey(), key, data).Err(); err != nil {
		return fmt.Errorf("failed to store recurring job %s: %w", key, err)
	}
	return b.recurring.set(Recurring{Key: key, Pattern: pattern, Job: job})
}

// RemoveRecurring deletes a registration.
func (b *RedisBroker) RemoveRecurring(ctx context.Context, key string) error {
	if err := b.client.HDel(ctx, b.recurringKey(), key).Err(); err != nil {
		return fmt.Errorf("failed to remove recurring job %s: %w", key, err)
	}
	b.recurring.remove(key)
	return nil
}

// ListRecurring returns the stored registrations ordered by key.
func (b *RedisBroker) ListRecurring(ctx context.Context) ([]Recurring, error) {
	raw, err := b.client.HGetAll(ctx, b.recurringKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list recurring jobs: %w", err)
	}

	out := make([]Recurring, 0, len(raw))
	for key, data := range raw {
		var rec recurringRecord
		if err := json.Unmarshal([]byte(data), &rec); err != nil {
			b.logger.Warn("skipping malformed recurring job", zap.String("key", key), zap.Error(err))
			continue
		}
		out = append(out, Recurring{Key: key, Pattern: rec.Pattern, Job: rec.Job})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

// recurringCurrent reports whether the stored registration for rec.Key still
// matches rec.
func (b *RedisBroker) recurringCurrent(ctx context.Context, rec Recurring) (bool, error) {
	data, err := b.client.HGet(ctx, b.recurringKey(), rec.Key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read recurring job %s: %w", rec.Key, err)
	}

	var stored recurringRecord
	if err := json.Unmarshal(data, &stored); err != nil {
		return false, fmt.Errorf("%w: recurring job %s: %v", sharedErrors.ErrDeserializationFailed, rec.Key, err)
	}
	return stored.Pattern == rec.Pattern && stored.Job == rec.Job, nil
}

// SyncRecurring makes this process's cron match the stored registrations.
func (b *RedisBroker) SyncRecurring(ctx context.Context) error {
	recs, err := b.ListRecurring(ctx)
	if err != nil {
		return err
	}
	if err := b.recurring.replaceAll(recs); err != nil {
		b.logger.Warn("some recurring jobs could not be scheduled", zap.Error(err))
	}
	return nil
}

// StartRecurring loads the stored registrations into this process's cron and
// starts firing them. Registrations changed by other processes are picked up
// every SyncInterval.
func (b *RedisBroker) StartRecurring(ctx context.Context) error {
	if err := b.SyncRecurring(ctx); err != nil {
		return err
	}
	b.recurring.start()

	b.syncMu.Lock()
	defer b.syncMu.Unlock()
	if b.syncStop != nil {
		return nil
	}
	syncCtx, cancel := context.WithCancel(context.Background())
	b.syncStop = cancel
	b.syncDone.Add(1)
	go b.syncLoop(syncCtx)
	return nil
}

func (b *RedisBroker) syncLoop(ctx context.Context) {
	defer b.syncDone.Done()

	ticker := time.NewTicker(b.cfg.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := b.SyncRecurring(ctx); err != nil && ctx.Err() == nil {
				b.logger.Warn("failed to sync recurring jobs", zap.Error(err))
			}
		}
	}
}

// Close stops firing recurring jobs. The Redis client is owned by the caller.
func (b *RedisBroker) Close() error {
	b.syncMu.Lock()
	if b.syncStop != nil {
		b.syncStop()
		b.syncStop = nil
	}
	b.syncMu.Unlock()
	b.syncDone.Wait()

	b.recurring.stop()
	return nil
}
