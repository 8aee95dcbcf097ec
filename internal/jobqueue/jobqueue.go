// Package jobqueue is a Redis-backed background job queue (spec §5
// "Background workers (job queue) process long-running deployment and
// lifecycle tasks off the request path so API calls return within a small
// bound"). It is deliberately simple: one blocking list per queue name, plus
// a processing set used to detect jobs a worker picked up but never
// completed.
package jobqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Kind distinguishes the two classes of background work the control plane
// enqueues (spec §4.6 deployment pipeline, §4.7 lifecycle operations).
type Kind string

const (
	KindDeploy    Kind = "deploy"
	KindLifecycle Kind = "lifecycle"
)

// Job is one unit of background work.
type Job struct {
	ID            string    `json:"id"`
	Kind          Kind      `json:"kind"`
	ApplicationID string    `json:"application_id"`
	Operation     string    `json:"operation"` // e.g. "start", "update_config"
	Payload       []byte    `json:"payload,omitempty"`
	EnqueuedAt    time.Time `json:"enqueued_at"`
	RetryCount    int       `json:"retry_count"`
}

// Queue wraps a Redis client with Enqueue/Dequeue semantics for one named
// queue family, keyed by Kind.
type Queue struct {
	client *redis.Client
	prefix string
}

// Config configures the queue's Redis connection.
type Config struct {
	RedisURL  string
	KeyPrefix string // defaults to "proximity:jobs:"
}

// New connects to Redis and verifies reachability via Ping.
func New(ctx context.Context, cfg Config) (*Queue, error) {
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("jobqueue: parsing redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("jobqueue: connecting to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "proximity:jobs:"
	}
	return &Queue{client: client, prefix: prefix}, nil
}

// Close closes the underlying Redis connection.
func (q *Queue) Close() error {
	return q.client.Close()
}

func (q *Queue) queueKey(kind Kind) string {
	return q.prefix + string(kind)
}

func (q *Queue) processingKey() string {
	return q.prefix + "processing"
}

// Enqueue pushes a job onto its kind's queue, stamping an id if the caller
// did not supply one.
func (q *Queue) Enqueue(ctx context.Context, job Job) (Job, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	job.EnqueuedAt = time.Now()

	body, err := json.Marshal(job)
	if err != nil {
		return Job{}, fmt.Errorf("jobqueue: marshaling job: %w", err)
	}
	if err := q.client.RPush(ctx, q.queueKey(job.Kind), body).Err(); err != nil {
		return Job{}, fmt.Errorf("jobqueue: enqueueing job: %w", err)
	}
	return job, nil
}

// Dequeue blocks up to timeout for the next job of kind, marking it in the
// processing set so a stalled worker can be detected and the job requeued.
func (q *Queue) Dequeue(ctx context.Context, kind Kind, timeout time.Duration) (*Job, error) {
	result, err := q.client.BLPop(ctx, timeout, q.queueKey(kind)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("jobqueue: dequeueing: %w", err)
	}
	if len(result) < 2 {
		return nil, nil
	}

	var job Job
	if err := json.Unmarshal([]byte(result[1]), &job); err != nil {
		return nil, fmt.Errorf("jobqueue: unmarshaling job: %w", err)
	}

	deadline := time.Now().Add(30 * time.Minute)
	if err := q.client.ZAdd(ctx, q.processingKey(), redis.Z{Score: float64(deadline.Unix()), Member: job.ID}).Err(); err != nil {
		return nil, fmt.Errorf("jobqueue: marking job processing: %w", err)
	}
	return &job, nil
}

// Complete removes a job from the processing set once a worker has finished
// it (successfully or not).
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	return q.client.ZRem(ctx, q.processingKey(), jobID).Err()
}

// Requeue completes the job's processing entry and pushes a new attempt
// with an incremented retry count.
func (q *Queue) Requeue(ctx context.Context, job Job) error {
	if err := q.Complete(ctx, job.ID); err != nil {
		return err
	}
	job.RetryCount++
	_, err := q.Enqueue(ctx, job)
	return err
}

// StalledJobIDs returns processing-set members whose deadline has passed:
// jobs a worker picked up but never completed (e.g. the process crashed).
func (q *Queue) StalledJobIDs(ctx context.Context) ([]string, error) {
	return q.client.ZRangeByScore(ctx, q.processingKey(), &redis.ZRangeBy{
		Min: "-inf",
		Max: fmt.Sprintf("%d", time.Now().Unix()),
	}).Result()
}
