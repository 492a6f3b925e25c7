package queue

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Handler processes one job. The returned value is stored as the job's
// result; a non-nil error triggers the retry/backoff path.
type Handler func(ctx context.Context, job *Job) (any, error)

// Consumer runs a fixed number of worker slots against a queue.
type Consumer struct {
	queue       *Queue
	handler     Handler
	concurrency int
	log         *slog.Logger

	stopOnce sync.Once
	stopped  chan struct{}
	wg       sync.WaitGroup
}

// NewConsumer creates a consumer with the given parallelism.
func NewConsumer(q *Queue, concurrency int, handler Handler, log *slog.Logger) *Consumer {
	if concurrency <= 0 {
		concurrency = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		queue:       q,
		handler:     handler,
		concurrency: concurrency,
		log:         log.With("queue", q.Name()),
		stopped:     make(chan struct{}),
	}
}

// Start launches the worker slots and the stall checker. It returns
// immediately; call Stop for a graceful drain.
func (c *Consumer) Start(ctx context.Context) {
	for i := 0; i < c.concurrency; i++ {
		c.wg.Add(1)
		go c.runSlot(ctx, i)
	}

	c.wg.Add(1)
	go c.runStallChecker(ctx)
}

// Stop signals the slots to finish their current job and waits for them.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() { close(c.stopped) })
	c.wg.Wait()
}

func (c *Consumer) runSlot(ctx context.Context, slot int) {
	defer c.wg.Done()

	token := uuid.NewString()
	idle := 250 * time.Millisecond

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		default:
		}

		job, err := c.queue.dequeue(ctx, token)
		if err != nil {
			c.log.Warn("dequeue failed", "slot", slot, "error", err)
			if !sleepCtx(ctx, time.Second) {
				return
			}
			continue
		}
		if job == nil {
			if !sleepCtx(ctx, idle) {
				return
			}
			continue
		}

		c.process(ctx, job, token)
	}
}

// process runs the handler under the job's timeout with a lease
// heartbeat, then records the outcome.
func (c *Consumer) process(ctx context.Context, job *Job, token string) {
	log := c.log.With("job_id", job.ID, "attempt", job.Attempts)
	start := time.Now()

	jobCtx, cancel := context.WithTimeout(ctx, job.Timeout)
	defer cancel()

	hbDone := make(chan struct{})
	go func() {
		interval := c.queue.cfg.StalledInterval / 2
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-hbDone:
				return
			case <-jobCtx.Done():
				return
			case <-ticker.C:
				if err := c.queue.heartbeat(ctx, job.ID, token); err != nil {
					log.Warn("heartbeat failed", "error", err)
					cancel()
					return
				}
			}
		}
	}()

	result, err := c.handler(jobCtx, job)
	close(hbDone)
	took := time.Since(start)

	switch {
	case err == nil:
		if cErr := c.queue.Complete(ctx, job.ID, result, true, took); cErr != nil {
			log.Error("complete failed", "error", cErr)
		}
		log.Info("job completed", "took", took)
	case jobCtx.Err() == context.DeadlineExceeded:
		if fErr := c.queue.Fail(ctx, job.ID, context.DeadlineExceeded); fErr != nil {
			log.Error("fail record failed", "error", fErr)
		}
		log.Warn("job timed out", "timeout", job.Timeout)
	default:
		if fErr := c.queue.Fail(ctx, job.ID, err); fErr != nil {
			log.Error("fail record failed", "error", fErr)
		}
		log.Warn("job failed", "error", err, "took", took)
	}
}

func (c *Consumer) runStallChecker(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.queue.cfg.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopped:
			return
		case <-ticker.C:
			if err := c.queue.recoverStalled(ctx); err != nil {
				c.log.Warn("stall recovery failed", "error", err)
			}
		}
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// DecodePayload unmarshals a job payload into v.
func DecodePayload(job *Job, v any) error {
	return json.Unmarshal(job.Payload, v)
}
