package correlate

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"music-enrichment-pipeline/internal/models"
)

const eventChannelPrefix = "jobs:events:"

// ErrAwaitTimeout reports that no completion event arrived in time. The
// underlying job keeps running against the provider; only this caller's
// wait is abandoned.
var ErrAwaitTimeout = errors.New("timed out waiting for job result")

// ErrAlreadyAwaited reports a second waiter registering for a job id.
// Fan-in belongs to the enqueue layer (dedup keys), not to shared waits.
var ErrAlreadyAwaited = errors.New("job already has a waiter")

// Publisher emits terminal job outcomes onto the provider's event channel.
// The worker calls it exactly once per terminal transition.
type Publisher struct {
	client *redis.Client
}

func NewPublisher(client *redis.Client) *Publisher {
	return &Publisher{client: client}
}

// Publish broadcasts a JobResult to whoever is awaiting it.
func (p *Publisher) Publish(ctx context.Context, provider string, result models.JobResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal job result: %w", err)
	}
	return p.client.Publish(ctx, eventChannelPrefix+provider, payload).Err()
}

// Correlator bridges queue completion events to callers waiting on a
// specific job id. It subscribes once to all provider event channels and
// holds a map from job id to a single pending delivery channel, drained
// exactly once per job.
type Correlator struct {
	client  *redis.Client
	pubsub  *redis.PubSub
	mu      sync.Mutex
	waiters map[string]chan models.JobResult
	done    chan struct{}
}

// NewCorrelator starts the subscription loop. Callers must Close it.
func NewCorrelator(ctx context.Context, client *redis.Client) *Correlator {
	c := &Correlator{
		client:  client,
		pubsub:  client.PSubscribe(ctx, eventChannelPrefix+"*"),
		waiters: make(map[string]chan models.JobResult),
		done:    make(chan struct{}),
	}
	go c.run()
	return c
}

func (c *Correlator) run() {
	ch := c.pubsub.Channel()
	for {
		select {
		case <-c.done:
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			var result models.JobResult
			if err := json.Unmarshal([]byte(msg.Payload), &result); err != nil {
				log.Printf("correlator: drop malformed event on %s: %v", msg.Channel, err)
				continue
			}
			c.deliver(result)
		}
	}
}

func (c *Correlator) deliver(result models.JobResult) {
	c.mu.Lock()
	waiter, ok := c.waiters[result.JobID]
	if ok {
		delete(c.waiters, result.JobID)
	}
	c.mu.Unlock()
	if !ok {
		// Nobody waiting (timed out or a different process enqueued it).
		return
	}
	waiter <- result
	close(waiter)
}

// Register reserves the single waiter slot for a job id. Call it at
// enqueue time, before the worker can possibly finish the job.
func (c *Correlator) Register(jobID string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.waiters[jobID]; exists {
		return ErrAlreadyAwaited
	}
	c.waiters[jobID] = make(chan models.JobResult, 1)
	return nil
}

// Await blocks until the registered job's result arrives or the timeout
// elapses. On timeout the waiter entry is purged so a late event is
// discarded rather than delivered to nobody.
func (c *Correlator) Await(ctx context.Context, jobID string, timeout time.Duration) (models.JobResult, error) {
	c.mu.Lock()
	waiter, ok := c.waiters[jobID]
	c.mu.Unlock()
	if !ok {
		return models.JobResult{}, fmt.Errorf("job %s has no registered waiter", jobID)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case result, open := <-waiter:
		if !open {
			return models.JobResult{}, fmt.Errorf("wait on job %s already consumed", jobID)
		}
		return result, nil
	case <-timer.C:
		c.purge(jobID)
		return models.JobResult{}, ErrAwaitTimeout
	case <-ctx.Done():
		c.purge(jobID)
		return models.JobResult{}, ctx.Err()
	}
}

// Forget releases a registration that will never be awaited.
func (c *Correlator) Forget(jobID string) {
	c.purge(jobID)
}

func (c *Correlator) purge(jobID string) {
	c.mu.Lock()
	delete(c.waiters, jobID)
	c.mu.Unlock()
}

// Close tears down the subscription and drops all pending waits.
func (c *Correlator) Close() error {
	close(c.done)
	c.mu.Lock()
	c.waiters = make(map[string]chan models.JobResult)
	c.mu.Unlock()
	return c.pubsub.Close()
}
