// Package jobs is the deferred-work fabric: named queues over the durable
// job table, a worker pool with soft and hard timeouts, retry with
// exponential backoff and a dead-letter queue, plus the cron scheduler for
// recurring maintenance.
package jobs

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pesio-ai/be-ap-intake/internal/apperr"
	"github.com/pesio-ai/be-ap-intake/internal/config"
	"github.com/pesio-ai/be-ap-intake/internal/domain"
	"github.com/pesio-ai/be-ap-intake/internal/ident"
	"github.com/pesio-ai/be-ap-intake/internal/repository"
)

// Handler executes one job. The context carries the soft timeout; a handler
// that ignores cancellation is abandoned at the hard timeout.
type Handler func(ctx context.Context, job *domain.Job) error

// Options tunes the fabric. Zero values are replaced by the config defaults.
type Options struct {
	Concurrency  int
	Prefetch     int
	SoftTimeout  time.Duration
	HardTimeout  time.Duration
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	MaxDepth     int
	PollInterval time.Duration
}

// OptionsFromConfig maps the service configuration onto fabric options.
func OptionsFromConfig(cfg config.Config) Options {
	return Options{
		Concurrency:  cfg.WorkerConcurrency,
		Prefetch:     cfg.WorkerPrefetch,
		SoftTimeout:  cfg.JobSoftTimeout,
		HardTimeout:  cfg.JobHardTimeout,
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		Multiplier:   cfg.RetryMultiplier,
		MaxDelay:     cfg.RetryMaxDelay,
		MaxDepth:     1000,
		PollInterval: 250 * time.Millisecond,
	}
}

type registration struct {
	queue   string
	handler Handler
}

// Fabric owns the producer and worker sides of the queue substrate.
type Fabric struct {
	store   repository.Store
	clock   ident.Clock
	opts    Options
	metrics *Metrics
	log     zerolog.Logger

	mu       sync.Mutex
	registry map[string]registration
	rnd      *rand.Rand
}

func NewFabric(store repository.Store, clock ident.Clock, opts Options, metrics *Metrics, log zerolog.Logger) *Fabric {
	return &Fabric{
		store:    store,
		clock:    clock,
		opts:     opts,
		metrics:  metrics,
		log:      log.With().Str("component", "jobs").Logger(),
		registry: make(map[string]registration),
		rnd:      rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// Register binds an op type to its queue and handler. Registration happens
// before Run; there is no locking on the read path.
func (f *Fabric) Register(opType, queue string, h Handler) {
	f.registry[opType] = registration{queue: queue, handler: h}
}

// Queues returns the distinct queue names in stable order.
func (f *Fabric) Queues() []string {
	seen := make(map[string]bool)
	var out []string
	for _, r := range f.registry {
		if !seen[r.queue] {
			seen[r.queue] = true
			out = append(out, r.queue)
		}
	}
	sort.Strings(out)
	return out
}

// Enqueue accepts a job on the fabric's root store.
func (f *Fabric) Enqueue(ctx context.Context, opType string, v any) (string, error) {
	return f.EnqueueOn(ctx, f.store, opType, v)
}

// EnqueueOn accepts a job on the given store, letting callers enqueue inside
// their own transaction. A queue at capacity rejects the producer.
func (f *Fabric) EnqueueOn(ctx context.Context, st repository.Store, opType string, v any) (string, error) {
	reg, ok := f.registry[opType]
	if !ok {
		return "", apperr.Newf(apperr.KindInvalid, "unknown_op", "no handler registered for %q", opType)
	}
	depth, err := st.QueueDepth(ctx, reg.queue)
	if err != nil {
		return "", err
	}
	if f.opts.MaxDepth > 0 && depth >= f.opts.MaxDepth {
		return "", apperr.Newf(apperr.KindUnavailable, "queue_full",
			"queue %q is at capacity (%d)", reg.queue, depth)
	}
	payload, err := EncodePayload(opType, v)
	if err != nil {
		return "", err
	}
	now := f.clock.Now()
	job := &domain.Job{
		ID:            ident.NewID(),
		Queue:         reg.queue,
		OpType:        opType,
		Payload:       payload,
		State:         domain.JobQueued,
		NextVisibleAt: now,
		EnqueuedAt:    now,
		UpdatedAt:     now,
		Version:       1,
	}
	if err := st.EnqueueJob(ctx, job); err != nil {
		return "", err
	}
	f.metrics.Enqueued.WithLabelValues(reg.queue, opType).Inc()
	return job.ID, nil
}

// Run starts the worker pool, the lease janitor and the depth sampler, and
// blocks until ctx is cancelled and all workers have drained.
func (f *Fabric) Run(ctx context.Context) {
	queues := f.Queues()
	var wg sync.WaitGroup
	for i := 0; i < f.opts.Concurrency; i++ {
		wg.Add(1)
		go func(worker int) {
			defer wg.Done()
			f.workerLoop(ctx, worker, queues)
		}(i)
	}
	wg.Add(2)
	go func() {
		defer wg.Done()
		f.janitorLoop(ctx)
	}()
	go func() {
		defer wg.Done()
		f.samplerLoop(ctx, queues)
	}()
	wg.Wait()
}

func (f *Fabric) workerLoop(ctx context.Context, worker int, queues []string) {
	for {
		worked := false
		for _, q := range queues {
			for i := 0; i < f.opts.Prefetch; i++ {
				if ctx.Err() != nil {
					return
				}
				job, err := f.store.LeaseJob(ctx, q, f.clock.Now(), f.visibility(), ident.NewID())
				if err != nil {
					f.log.Warn().Err(err).Str("queue", q).Msg("lease failed")
					break
				}
				if job == nil {
					break
				}
				worked = true
				f.execute(ctx, job)
			}
		}
		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-time.After(f.opts.PollInterval):
			}
		}
	}
}

// visibility keeps the lease alive past the hard timeout so the janitor
// never reclaims a job the worker is still allowed to finish.
func (f *Fabric) visibility() time.Duration {
	return f.opts.HardTimeout + 30*time.Second
}

func (f *Fabric) execute(ctx context.Context, job *domain.Job) {
	reg, ok := f.registry[job.OpType]
	if !ok {
		// An op type we no longer understand goes straight to the DLQ.
		f.release(ctx, job, apperr.Newf(apperr.KindInvalid, "unknown_op",
			"no handler for %q", job.OpType), true)
		return
	}

	start := time.Now()
	softCtx, cancel := context.WithTimeout(ctx, f.opts.SoftTimeout)
	done := make(chan error, 1)
	go func() {
		done <- reg.handler(softCtx, job)
	}()

	var err error
	select {
	case err = <-done:
	case <-time.After(f.opts.HardTimeout):
		err = apperr.New(apperr.KindTimeout, "hard_timeout", "job exceeded hard timeout")
	}
	cancel()
	f.metrics.Duration.WithLabelValues(job.Queue, job.OpType).Observe(time.Since(start).Seconds())

	if err == nil {
		if cerr := f.store.CompleteJob(ctx, job.ID, job.LeaseToken); cerr != nil {
			f.log.Warn().Err(cerr).Str("job_id", job.ID).Msg("ack failed after success")
			f.metrics.Processed.WithLabelValues(job.Queue, job.OpType, "ack_lost").Inc()
			return
		}
		f.metrics.Processed.WithLabelValues(job.Queue, job.OpType, "succeeded").Inc()
		return
	}

	if errors.Is(err, context.DeadlineExceeded) {
		err = apperr.Wrap(err, apperr.KindTimeout, "job exceeded soft timeout")
	}
	retryable := apperr.Retryable(err)
	dead := !retryable || job.Attempts >= f.opts.MaxAttempts
	f.release(ctx, job, err, dead)
}

func (f *Fabric) release(ctx context.Context, job *domain.Job, cause error, dead bool) {
	next := f.clock.Now()
	result := "dead"
	if !dead {
		next = next.Add(f.backoffDelay(job.Attempts))
		result = "retried"
	}
	if rerr := f.store.ReleaseJob(ctx, job.ID, job.LeaseToken, next, cause.Error(), dead); rerr != nil {
		f.log.Warn().Err(rerr).Str("job_id", job.ID).Msg("release failed")
		return
	}
	f.metrics.Processed.WithLabelValues(job.Queue, job.OpType, result).Inc()
	evt := f.log.Warn()
	if dead {
		evt = f.log.Error()
	}
	evt.Err(cause).
		Str("job_id", job.ID).
		Str("op_type", job.OpType).
		Int("attempts", job.Attempts).
		Bool("dead", dead).
		Msg("job failed")
}

// backoffDelay grows exponentially per attempt, capped, with jitter in
// [d/2, d] to spread synchronized retries.
func (f *Fabric) backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := float64(f.opts.InitialDelay) * math.Pow(f.opts.Multiplier, float64(attempt-1))
	if max := float64(f.opts.MaxDelay); d > max {
		d = max
	}
	f.mu.Lock()
	jitter := 0.5 + 0.5*f.rnd.Float64()
	f.mu.Unlock()
	return time.Duration(d * jitter)
}

func (f *Fabric) janitorLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := f.store.RequeueExpiredLeases(ctx, f.clock.Now())
			if err != nil {
				f.log.Warn().Err(err).Msg("lease recovery failed")
				continue
			}
			if n > 0 {
				f.log.Info().Int("recovered", n).Msg("requeued expired leases")
			}
		}
	}
}

func (f *Fabric) samplerLoop(ctx context.Context, queues []string) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, q := range queues {
				if depth, err := f.store.QueueDepth(ctx, q); err == nil {
					f.metrics.Depth.WithLabelValues(q).Set(float64(depth))
				}
				if dead, err := f.store.DeadCount(ctx, q); err == nil {
					f.metrics.DeadDepth.WithLabelValues(q).Set(float64(dead))
				}
			}
		}
	}
}

// CheckDLQ logs and gauges dead-letter depth; the scheduler runs it.
func (f *Fabric) CheckDLQ(ctx context.Context) error {
	for _, q := range f.Queues() {
		n, err := f.store.DeadCount(ctx, q)
		if err != nil {
			return err
		}
		f.metrics.DeadDepth.WithLabelValues(q).Set(float64(n))
		if n > 0 {
			f.log.Warn().Str("queue", q).Int("dead", n).Msg("dead-letter queue is not empty")
		}
	}
	return nil
}

// ReplayDead requeues up to limit dead jobs from a queue with a reset
// attempt counter, returning how many were revived.
func (f *Fabric) ReplayDead(ctx context.Context, queue string, limit int) (int, error) {
	dead, err := f.store.DeadJobs(ctx, queue, limit)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, j := range dead {
		if err := f.store.RequeueDeadJob(ctx, j.ID, f.clock.Now()); err != nil {
			return n, err
		}
		n++
		f.log.Info().Str("job_id", j.ID).Str("op_type", j.OpType).Msg("replayed dead job")
	}
	return n, nil
}
