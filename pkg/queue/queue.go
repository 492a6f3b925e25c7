// Package queue implements a durable two-queue job system on Redis:
// delayed scheduling, exponential retry backoff, per-job leases with
// heartbeats, stall recovery, a dead-letter queue, per-job progress and
// rolling throughput metrics.
//
// Keyspace per queue name:
//
//	q:{name}:waiting   ZSET jobID -> priority/FIFO score
//	q:{name}:delayed   ZSET jobID -> ready-at unix millis
//	q:{name}:active    ZSET jobID -> lease deadline unix millis
//	q:{name}:dead      LIST of dead-letter job IDs
//	q:{name}:job:{id}  HASH with the job record
//	q:{name}:lock:{id} lease token guarding single-holder execution
//	q:{name}:seq       enqueue sequence counter
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// State is the lifecycle position of a job.
type State string

const (
	StateWaiting   State = "waiting"
	StateDelayed   State = "delayed"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateDead      State = "dead-letter"
)

// ErrJobNotFound is returned when a job ID has no record.
var ErrJobNotFound = errors.New("job not found")

// Job is one unit of queued work.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	BackoffInit time.Duration   `json:"backoff_init"`
	Timeout     time.Duration   `json:"timeout"`
	Priority    int             `json:"priority"`
	State       State           `json:"state"`
	Progress    int             `json:"progress"`
	Error       string          `json:"error,omitempty"`
	Result      json.RawMessage `json:"result,omitempty"`
	Success     bool            `json:"success"`
	Stalls      int             `json:"stalls"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
}

// Options configure an enqueue.
type Options struct {
	MaxAttempts int
	BackoffInit time.Duration
	Timeout     time.Duration
	Priority    int
	Delay       time.Duration
}

// Config tunes a queue instance.
type Config struct {
	Name            string
	MaxAttempts     int
	BackoffInit     time.Duration
	JobTimeout      time.Duration
	OpTimeout       time.Duration
	StalledInterval time.Duration
	MaxStalledCount int
}

// Queue is one named durable queue.
type Queue struct {
	rdb     *redis.Client
	cfg     Config
	metrics *Metrics
	now     func() time.Time
}

// New creates a queue on an existing Redis client.
func New(rdb *redis.Client, cfg Config) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.BackoffInit <= 0 {
		cfg.BackoffInit = 2 * time.Second
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 600 * time.Second
	}
	if cfg.OpTimeout <= 0 {
		cfg.OpTimeout = 5 * time.Second
	}
	if cfg.StalledInterval <= 0 {
		cfg.StalledInterval = 30 * time.Second
	}
	if cfg.MaxStalledCount <= 0 {
		cfg.MaxStalledCount = 2
	}
	return &Queue{
		rdb:     rdb,
		cfg:     cfg,
		metrics: newMetrics(),
		now:     time.Now,
	}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.cfg.Name }

// Metrics returns the queue's rolling metrics.
func (q *Queue) Metrics() *Metrics { return q.metrics }

func (q *Queue) key(parts ...string) string {
	k := "q:" + q.cfg.Name
	for _, p := range parts {
		k += ":" + p
	}
	return k
}

func (q *Queue) jobKey(id string) string { return q.key("job", id) }

func (q *Queue) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, q.cfg.OpTimeout)
}

// BackoffDelay computes the wait before retry n (1-based):
// init * 2^(n-1).
func BackoffDelay(init time.Duration, attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := init
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

// waitingScore orders waiting jobs: higher priority first, FIFO within
// a priority. seq is a monotonically increasing enqueue counter.
func waitingScore(priority int, seq int64) float64 {
	return float64(-priority)*1e12 + float64(seq)
}

// Enqueue adds a job. The job ID doubles as the dedup key: enqueueing an
// ID that already has a live record is a no-op returning the existing
// job.
func (q *Queue) Enqueue(ctx context.Context, id string, payload any, opts Options) (*Job, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}

	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = q.cfg.MaxAttempts
	}
	if opts.BackoffInit <= 0 {
		opts.BackoffInit = q.cfg.BackoffInit
	}
	if opts.Timeout <= 0 {
		opts.Timeout = q.cfg.JobTimeout
	}

	// Dedup on live records: waiting, delayed or active jobs with this
	// ID are returned as-is.
	if existing, err := q.GetJob(ctx, id); err == nil {
		switch existing.State {
		case StateWaiting, StateDelayed, StateActive:
			return existing, nil
		}
	}

	now := q.now()
	state := StateWaiting
	if opts.Delay > 0 {
		state = StateDelayed
	}

	job := &Job{
		ID:          id,
		Queue:       q.cfg.Name,
		Payload:     raw,
		Attempts:    0,
		MaxAttempts: opts.MaxAttempts,
		BackoffInit: opts.BackoffInit,
		Timeout:     opts.Timeout,
		Priority:    opts.Priority,
		State:       state,
		EnqueuedAt:  now,
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id), jobFields(job))
	if opts.Delay > 0 {
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(now.Add(opts.Delay).UnixMilli()),
			Member: id,
		})
	} else {
		seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
		if err != nil {
			return nil, fmt.Errorf("enqueue seq: %w", err)
		}
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{
			Score:  waitingScore(opts.Priority, seq),
			Member: id,
		})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("enqueue %s: %w", id, err)
	}

	return job, nil
}

// jobFields serializes the hash representation.
func jobFields(j *Job) map[string]any {
	return map[string]any{
		"payload":      string(j.Payload),
		"attempts":     j.Attempts,
		"max_attempts": j.MaxAttempts,
		"backoff_ms":   j.BackoffInit.Milliseconds(),
		"timeout_ms":   j.Timeout.Milliseconds(),
		"priority":     j.Priority,
		"state":        string(j.State),
		"progress":     j.Progress,
		"error":        j.Error,
		"result":       string(j.Result),
		"success":      strconv.FormatBool(j.Success),
		"stalls":       j.Stalls,
		"enqueued_at":  j.EnqueuedAt.UnixMilli(),
	}
}

func jobFromHash(queueName, id string, h map[string]string) *Job {
	atoi := func(k string) int {
		n, _ := strconv.Atoi(h[k])
		return n
	}
	ms := func(k string) time.Duration {
		n, _ := strconv.ParseInt(h[k], 10, 64)
		return time.Duration(n) * time.Millisecond
	}

	enq, _ := strconv.ParseInt(h["enqueued_at"], 10, 64)
	success, _ := strconv.ParseBool(h["success"])

	return &Job{
		ID:          id,
		Queue:       queueName,
		Payload:     json.RawMessage(h["payload"]),
		Attempts:    atoi("attempts"),
		MaxAttempts: atoi("max_attempts"),
		BackoffInit: ms("backoff_ms"),
		Timeout:     ms("timeout_ms"),
		Priority:    atoi("priority"),
		State:       State(h["state"]),
		Progress:    atoi("progress"),
		Error:       h["error"],
		Result:      json.RawMessage(h["result"]),
		Success:     success,
		Stalls:      atoi("stalls"),
		EnqueuedAt:  time.UnixMilli(enq),
	}
}

// GetJob fetches a job record.
func (q *Queue) GetJob(ctx context.Context, id string) (*Job, error) {
	h, err := q.rdb.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(h) == 0 {
		return nil, ErrJobNotFound
	}
	return jobFromHash(q.cfg.Name, id, h), nil
}

// SetProgress records a job's progress in [0,100].
func (q *Queue) SetProgress(ctx context.Context, id string, progress int) error {
	if progress < 0 {
		progress = 0
	}
	if progress > 100 {
		progress = 100
	}
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	return q.rdb.HSet(ctx, q.jobKey(id), "progress", progress).Err()
}

// promoteDelayed moves due delayed jobs into the waiting set.
func (q *Queue) promoteDelayed(ctx context.Context) error {
	now := float64(q.now().UnixMilli())

	due, err := q.rdb.ZRangeByScore(ctx, q.key("delayed"), &redis.ZRangeBy{
		Min: "-inf", Max: strconv.FormatFloat(now, 'f', -1, 64), Count: 100,
	}).Result()
	if err != nil || len(due) == 0 {
		return err
	}

	for _, id := range due {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.rdb.ZRem(ctx, q.key("delayed"), id)
			continue
		}
		seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
		if err != nil {
			return err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("delayed"), id)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{
			Score:  waitingScore(job.Priority, seq),
			Member: id,
		})
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting))
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
	}
	return nil
}

// dequeue claims the next waiting job, acquiring its lease. Returns
// (nil, nil) when the queue is empty.
func (q *Queue) dequeue(ctx context.Context, workerToken string) (*Job, error) {
	opCtx, cancel := q.opCtx(ctx)
	defer cancel()

	if err := q.promoteDelayed(opCtx); err != nil {
		return nil, err
	}

	popped, err := q.rdb.ZPopMin(opCtx, q.key("waiting"), 1).Result()
	if err != nil || len(popped) == 0 {
		return nil, err
	}
	id := popped[0].Member.(string)

	// Lease lock: the single-active-holder guarantee. If another worker
	// already holds the lease (a duplicate pop), the ID goes back to
	// the waiting set untouched.
	lease := q.cfg.StalledInterval * 2
	ok, err := q.rdb.SetNX(opCtx, q.key("lock", id), workerToken, lease).Result()
	if err != nil {
		return nil, err
	}
	if !ok {
		seq, _ := q.rdb.Incr(opCtx, q.key("seq")).Result()
		q.rdb.ZAdd(opCtx, q.key("waiting"), redis.Z{Score: waitingScore(0, seq), Member: id})
		return nil, nil
	}

	job, err := q.GetJob(opCtx, id)
	if err != nil {
		q.rdb.Del(opCtx, q.key("lock", id))
		return nil, err
	}

	job.Attempts++
	job.State = StateActive

	pipe := q.rdb.TxPipeline()
	pipe.HSet(opCtx, q.jobKey(id), "state", string(StateActive), "attempts", job.Attempts)
	pipe.ZAdd(opCtx, q.key("active"), redis.Z{
		Score:  float64(q.now().Add(lease).UnixMilli()),
		Member: id,
	})
	if _, err := pipe.Exec(opCtx); err != nil {
		return nil, err
	}

	return job, nil
}

// heartbeat extends the lease of an active job.
func (q *Queue) heartbeat(ctx context.Context, id, workerToken string) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	lease := q.cfg.StalledInterval * 2

	// Only the lease holder may extend.
	held, err := q.rdb.Get(ctx, q.key("lock", id)).Result()
	if err != nil || held != workerToken {
		return fmt.Errorf("lease lost for %s", id)
	}

	pipe := q.rdb.TxPipeline()
	pipe.Expire(ctx, q.key("lock", id), lease)
	pipe.ZAdd(ctx, q.key("active"), redis.Z{
		Score:  float64(q.now().Add(lease).UnixMilli()),
		Member: id,
	})
	_, err = pipe.Exec(ctx)
	return err
}

// Complete finishes a job, storing the handler's result. success=false
// records a handler-reported failure that consumed its attempts (the
// status overlay maps it to failed).
func (q *Queue) Complete(ctx context.Context, id string, result any, success bool, took time.Duration) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	raw, err := json.Marshal(result)
	if err != nil {
		raw = []byte("null")
	}

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(id),
		"state", string(StateCompleted),
		"result", string(raw),
		"success", strconv.FormatBool(success),
		"progress", 100,
	)
	pipe.ZRem(ctx, q.key("active"), id)
	pipe.Del(ctx, q.key("lock", id))
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	q.metrics.recordCompletion(took, success)
	return nil
}

// Fail records a failed attempt. While attempts remain the job is
// re-scheduled with exponential backoff; on exhaustion it moves to the
// dead-letter queue under a dl-{id}-{timestamp} key with the original
// payload intact.
func (q *Queue) Fail(ctx context.Context, id string, jobErr error) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	job, err := q.GetJob(ctx, id)
	if err != nil {
		return err
	}

	msg := ""
	if jobErr != nil {
		msg = jobErr.Error()
	}

	if job.Attempts < job.MaxAttempts {
		delay := BackoffDelay(job.BackoffInit, job.Attempts)
		pipe := q.rdb.TxPipeline()
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateDelayed), "error", msg)
		pipe.ZRem(ctx, q.key("active"), id)
		pipe.Del(ctx, q.key("lock", id))
		pipe.ZAdd(ctx, q.key("delayed"), redis.Z{
			Score:  float64(q.now().Add(delay).UnixMilli()),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		q.metrics.recordRetry()
		return nil
	}

	return q.deadLetter(ctx, job, msg)
}

// deadLetter moves an exhausted job into the DLQ.
func (q *Queue) deadLetter(ctx context.Context, job *Job, msg string) error {
	dlID := fmt.Sprintf("dl-%s-%d", job.ID, q.now().UnixMilli())

	dl := *job
	dl.ID = dlID
	dl.State = StateDead
	dl.Error = msg

	pipe := q.rdb.TxPipeline()
	pipe.HSet(ctx, q.jobKey(job.ID), "state", string(StateFailed), "error", msg)
	pipe.ZRem(ctx, q.key("active"), job.ID)
	pipe.Del(ctx, q.key("lock", job.ID))
	pipe.HSet(ctx, q.jobKey(dlID), jobFields(&dl))
	pipe.RPush(ctx, q.key("dead"), dlID)
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}

	q.metrics.recordDeadLetter()
	return nil
}

// recoverStalled requeues active jobs whose lease deadline passed
// without a heartbeat. Jobs stalled more than MaxStalledCount times are
// dead-lettered instead of looping forever.
func (q *Queue) recoverStalled(ctx context.Context) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	now := strconv.FormatInt(q.now().UnixMilli(), 10)
	stalled, err := q.rdb.ZRangeByScore(ctx, q.key("active"), &redis.ZRangeBy{
		Min: "-inf", Max: now, Count: 50,
	}).Result()
	if err != nil || len(stalled) == 0 {
		return err
	}

	for _, id := range stalled {
		job, err := q.GetJob(ctx, id)
		if err != nil {
			q.rdb.ZRem(ctx, q.key("active"), id)
			continue
		}

		job.Stalls++
		if job.Stalls > q.cfg.MaxStalledCount {
			_ = q.deadLetter(ctx, job, "job stalled too many times")
			continue
		}

		seq, err := q.rdb.Incr(ctx, q.key("seq")).Result()
		if err != nil {
			return err
		}
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, q.key("active"), id)
		pipe.Del(ctx, q.key("lock", id))
		pipe.HSet(ctx, q.jobKey(id), "state", string(StateWaiting), "stalls", job.Stalls)
		pipe.ZAdd(ctx, q.key("waiting"), redis.Z{
			Score:  waitingScore(job.Priority, seq),
			Member: id,
		})
		if _, err := pipe.Exec(ctx); err != nil {
			return err
		}
		q.metrics.recordStall()
	}
	return nil
}

// Counts reports the size of each state set.
type Counts struct {
	Waiting int64 `json:"waiting"`
	Delayed int64 `json:"delayed"`
	Active  int64 `json:"active"`
	Dead    int64 `json:"dead"`
}

// Counts returns current queue depths.
func (q *Queue) Counts(ctx context.Context) (Counts, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	var c Counts
	var err error
	if c.Waiting, err = q.rdb.ZCard(ctx, q.key("waiting")).Result(); err != nil {
		return c, err
	}
	if c.Delayed, err = q.rdb.ZCard(ctx, q.key("delayed")).Result(); err != nil {
		return c, err
	}
	if c.Active, err = q.rdb.ZCard(ctx, q.key("active")).Result(); err != nil {
		return c, err
	}
	if c.Dead, err = q.rdb.LLen(ctx, q.key("dead")).Result(); err != nil {
		return c, err
	}
	return c, nil
}

// DeadLetterJobs lists up to limit DLQ entries, oldest first.
func (q *Queue) DeadLetterJobs(ctx context.Context, limit int64) ([]*Job, error) {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()

	ids, err := q.rdb.LRange(ctx, q.key("dead"), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}
	jobs := make([]*Job, 0, len(ids))
	for _, id := range ids {
		if job, err := q.GetJob(ctx, id); err == nil {
			jobs = append(jobs, job)
		}
	}
	return jobs, nil
}

// WaitForCompletion polls a job until it reaches a terminal state or the
// timeout elapses. The render worker uses this to await its published
// analysis job.
func (q *Queue) WaitForCompletion(ctx context.Context, id string, timeout time.Duration) (*Job, error) {
	deadline := q.now().Add(timeout)
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	for {
		job, err := q.GetJob(ctx, id)
		if err == nil {
			switch job.State {
			case StateCompleted, StateFailed, StateDead:
				return job, nil
			}
		} else if !errors.Is(err, ErrJobNotFound) {
			return nil, err
		}

		if q.now().After(deadline) {
			return nil, fmt.Errorf("timed out waiting for job %s", id)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Ping checks the backing store.
func (q *Queue) Ping(ctx context.Context) error {
	ctx, cancel := q.opCtx(ctx)
	defer cancel()
	return q.rdb.Ping(ctx).Err()
}
