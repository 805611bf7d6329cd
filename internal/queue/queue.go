// Package queue is a small Redis-backed job broker: FIFO lists per queue, a
// sorted-set scheduler for delayed jobs, at-least-once delivery with
// exponential retry. The detection and notification pipelines run on it.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	// Queue names used across the platform.
	Detection     = "detection"
	Notifications = "notifications"

	listPrefix    = "queue:"
	delayedSuffix = ":delayed"
)

// Job is the envelope stored on the wire.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"maxAttempts"`
	EnqueuedAt  time.Time       `json:"enqueuedAt"`
}

// Handler processes one job. A returned error requeues the job with backoff
// until MaxAttempts is reached.
type Handler func(ctx context.Context, job *Job) error

// Broker pushes and pulls jobs.
type Broker struct {
	rdb    *redis.Client
	logger *log.Logger
}

func NewBroker(rdb *redis.Client) *Broker {
	return &Broker{
		rdb:    rdb,
		logger: log.New(log.Writer(), "[QUEUE] ", log.LstdFlags),
	}
}

// Enqueue pushes a job for immediate delivery.
func (b *Broker) Enqueue(ctx context.Context, queue string, payload interface{}) error {
	return b.EnqueueIn(ctx, queue, payload, 0)
}

// EnqueueIn pushes a job delayed by d. Delayed jobs sit in a sorted set
// scored by their due time; workers move due jobs onto the list.
func (b *Broker) EnqueueIn(ctx context.Context, queue string, payload interface{}, d time.Duration) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal job payload: %w", err)
	}
	job := &Job{
		ID:          uuid.NewString(),
		Queue:       queue,
		Payload:     raw,
		MaxAttempts: 5,
		EnqueuedAt:  time.Now().UTC(),
	}
	return b.push(ctx, job, d)
}

func (b *Broker) push(ctx context.Context, job *Job, d time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return err
	}
	if d <= 0 {
		return b.rdb.LPush(ctx, listPrefix+job.Queue, raw).Err()
	}
	due := float64(time.Now().Add(d).UnixMilli())
	return b.rdb.ZAdd(ctx, listPrefix+job.Queue+delayedSuffix, redis.Z{Score: due, Member: raw}).Err()
}

// Worker consumes one queue with a fixed degree of parallelism.
type Worker struct {
	broker      *Broker
	queue       string
	handler     Handler
	concurrency int
	logger      *log.Logger
	wg          sync.WaitGroup
}

func NewWorker(broker *Broker, queue string, concurrency int, handler Handler) *Worker {
	if concurrency <= 0 {
		concurrency = 1
	}
	return &Worker{
		broker:      broker,
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
		logger:      log.New(log.Writer(), "[WORKER:"+queue+"] ", log.LstdFlags),
	}
}

// Run blocks until ctx is cancelled. One goroutine promotes due delayed
// jobs, concurrency goroutines BRPOP the list.
func (w *Worker) Run(ctx context.Context) {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.promoteLoop(ctx)
	}()

	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go func() {
			defer w.wg.Done()
			w.consumeLoop(ctx)
		}()
	}
	w.wg.Wait()
}

func (w *Worker) consumeLoop(ctx context.Context) {
	list := listPrefix + w.queue
	for {
		if ctx.Err() != nil {
			return
		}
		res, err := w.broker.rdb.BRPop(ctx, 2*time.Second, list).Result()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			w.logger.Printf("pop failed: %v", err)
			time.Sleep(time.Second)
			continue
		}
		// BRPop returns [key, value].
		if len(res) != 2 {
			continue
		}
		w.process(ctx, []byte(res[1]))
	}
}

func (w *Worker) process(ctx context.Context, raw []byte) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		w.logger.Printf("dropping undecodable job: %v", err)
		return
	}
	job.Attempts++

	if err := w.handler(ctx, &job); err != nil {
		if job.Attempts >= job.MaxAttempts {
			w.logger.Printf("job %s dead after %d attempts: %v", job.ID, job.Attempts, err)
			return
		}
		backoff := time.Duration(job.Attempts*job.Attempts) * time.Second
		w.logger.Printf("job %s failed (attempt %d/%d), retrying in %s: %v",
			job.ID, job.Attempts, job.MaxAttempts, backoff, err)
		if err := w.broker.push(context.WithoutCancel(ctx), &job, backoff); err != nil {
			w.logger.Printf("requeue of job %s failed: %v", job.ID, err)
		}
	}
}

// promoteLoop moves due delayed jobs onto the FIFO list.
func (w *Worker) promoteLoop(ctx context.Context) {
	zset := listPrefix + w.queue + delayedSuffix
	list := listPrefix + w.queue
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		now := fmt.Sprintf("%d", time.Now().UnixMilli())
		due, err := w.broker.rdb.ZRangeByScore(ctx, zset, &redis.ZRangeBy{
			Min: "-inf", Max: now, Count: 100,
		}).Result()
		if err != nil || len(due) == 0 {
			continue
		}
		for _, raw := range due {
			// Remove first so two workers cannot promote the same job.
			removed, err := w.broker.rdb.ZRem(ctx, zset, raw).Result()
			if err != nil || removed == 0 {
				continue
			}
			if err := w.broker.rdb.LPush(ctx, list, raw).Err(); err != nil {
				w.logger.Printf("promote failed: %v", err)
			}
		}
	}
}
