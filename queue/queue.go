// Package queue is the Redis-backed job substrate at the orchestrator's
// boundary. It schedules one job per transfer record, retries failed jobs
// with exponential delay, and parks fatal or exhausted jobs on a failed
// list for operator inspection.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/gomodule/redigo/redis"
	"go.uber.org/zap"

	"gopegbridge/types"
)

// Job names consumed by the orchestrator.
const (
	JobTransferForward = "transfer:forward"
	JobTransferReverse = "transfer:reverse"
)

const (
	baseRetryDelay = 5 * time.Second
	maxRetryDelay  = 5 * time.Minute
)

// Job is the queue payload. ID is the idempotency key correlating the
// trigger to exactly one transfer record.
type Job struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Attempts int    `json:"attempts"`
}

type Handler func(ctx context.Context, job *Job) error

type Queue struct {
	pool *redis.Pool
	name string
	log  *zap.Logger
}

func timeoutDialOptions() []redis.DialOption {
	return []redis.DialOption{
		redis.DialConnectTimeout(5 * time.Second),
		redis.DialReadTimeout(10 * time.Second),
		redis.DialWriteTimeout(5 * time.Second),
	}
}

func New(host string, port int, name string, log *zap.Logger) *Queue {
	redisAddr := fmt.Sprintf("%s:%d", host, port)
	return &Queue{
		pool: &redis.Pool{
			MaxIdle: 5,
			Dial:    func() (redis.Conn, error) { return redis.Dial("tcp", redisAddr, timeoutDialOptions()...) },
		},
		name: name,
		log:  log.Named("queue"),
	}
}

func (q *Queue) Close() error { return q.pool.Close() }

func (q *Queue) jobsKey() string    { return fmt.Sprintf("queue:%s:jobs", q.name) }
func (q *Queue) delayedKey() string { return fmt.Sprintf("queue:%s:delayed", q.name) }
func (q *Queue) failedKey() string  { return fmt.Sprintf("queue:%s:failed", q.name) }

// Enqueue pushes a job for immediate execution.
func (q *Queue) Enqueue(job *Job) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshalling job: %w", err)
	}

	conn := q.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("LPUSH", q.jobsKey(), raw); err != nil {
		return fmt.Errorf("enqueueing job: %w", err)
	}
	return nil
}

// enqueueDelayed parks a job until readyAt on the delayed zset.
func (q *Queue) enqueueDelayed(job *Job, readyAt time.Time) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshalling job: %w", err)
	}

	conn := q.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("ZADD", q.delayedKey(), readyAt.Unix(), raw); err != nil {
		return fmt.Errorf("delaying job: %w", err)
	}
	return nil
}

// promoteDue moves due delayed jobs back onto the jobs list.
func (q *Queue) promoteDue() error {
	conn := q.pool.Get()
	defer conn.Close()

	due, err := redis.ByteSlices(conn.Do("ZRANGEBYSCORE", q.delayedKey(), "-inf", time.Now().Unix()))
	if err != nil {
		return err
	}
	for _, raw := range due {
		if _, err := conn.Do("ZREM", q.delayedKey(), raw); err != nil {
			return err
		}
		if _, err := conn.Do("LPUSH", q.jobsKey(), raw); err != nil {
			return err
		}
	}
	return nil
}

func (q *Queue) pop() (*Job, error) {
	conn := q.pool.Get()
	defer conn.Close()

	reply, err := redis.ByteSlices(conn.Do("BRPOP", q.jobsKey(), 5))
	if errors.Is(err, redis.ErrNil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	// BRPOP replies [key, value]
	var job Job
	if err := json.Unmarshal(reply[1], &job); err != nil {
		return nil, fmt.Errorf("unmarshalling job: %w", err)
	}
	return &job, nil
}

func (q *Queue) fail(job *Job, cause error) {
	job2 := *job
	raw, err := json.Marshal(struct {
		Job
		Error string `json:"error"`
	}{job2, cause.Error()})
	if err != nil {
		return
	}

	conn := q.pool.Get()
	defer conn.Close()

	if _, err := conn.Do("LPUSH", q.failedKey(), raw); err != nil {
		q.log.Error("error recording failed job", zap.String("jobId", job.ID), zap.Error(err))
	}
}

// Worker consumes jobs and dispatches them by name. The queue guarantees
// at most one active job per id: a job is either on a list or in exactly
// one handler invocation.
type Worker struct {
	queue       *Queue
	handlers    map[string]Handler
	maxAttempts int
	log         *zap.Logger
}

func NewWorker(q *Queue, maxAttempts int, log *zap.Logger) *Worker {
	return &Worker{
		queue:       q,
		handlers:    map[string]Handler{},
		maxAttempts: maxAttempts,
		log:         log.Named("worker"),
	}
}

func (w *Worker) Register(name string, h Handler) { w.handlers[name] = h }

// Run blocks until ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := w.queue.promoteDue(); err != nil {
			w.log.Error("error promoting delayed jobs", zap.Error(err))
		}

		job, err := w.queue.pop()
		if err != nil {
			w.log.Error("error popping job", zap.Error(err))
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(time.Second):
			}
			continue
		}
		if job == nil {
			continue
		}

		w.dispatch(ctx, job)
	}
}

func (w *Worker) dispatch(ctx context.Context, job *Job) {
	h, ok := w.handlers[job.Name]
	if !ok {
		w.log.Error("no handler for job", zap.String("name", job.Name), zap.String("jobId", job.ID))
		w.queue.fail(job, fmt.Errorf("no handler for job name %q", job.Name))
		return
	}

	err := h(ctx, job)
	if err == nil {
		return
	}

	job.Attempts++
	w.log.Error("job failed",
		zap.String("name", job.Name),
		zap.String("jobId", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Bool("fatal", types.IsFatal(err)),
		zap.Error(err))

	if types.IsFatal(err) || job.Attempts >= w.maxAttempts {
		w.queue.fail(job, err)
		return
	}

	if qerr := w.queue.enqueueDelayed(job, time.Now().Add(RetryDelay(job.Attempts))); qerr != nil {
		w.log.Error("error re-queueing job", zap.String("jobId", job.ID), zap.Error(qerr))
		w.queue.fail(job, err)
	}
}

// RetryDelay doubles per attempt from baseRetryDelay, capped at
// maxRetryDelay.
func RetryDelay(attempts int) time.Duration {
	d := baseRetryDelay
	for i := 1; i < attempts; i++ {
		d *= 2
		if d >= maxRetryDelay {
			return maxRetryDelay
		}
	}
	return d
}
