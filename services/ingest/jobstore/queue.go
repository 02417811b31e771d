// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
)

func queueKey(step string) string { return queueKeyPrefix + step }

func leaseKey(jobID, step string) string { return leaseKeyPrefix + jobID + ":" + step }

// ErrLeaseLost is returned when a renew or release finds the lease held
// by another owner, or expired and gone.
var ErrLeaseLost = errors.New("step lease lost")

// Enqueue pushes a task onto the step's queue.
func (s *Store) Enqueue(ctx context.Context, task ingest.Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("encode task: %w", err)
	}
	if err := s.client.LPush(ctx, queueKey(task.StepName), payload).Err(); err != nil {
		return fmt.Errorf("enqueue task for step %s: %w", task.StepName, err)
	}
	return nil
}

// Dequeue blocks until a task is available on any of the given step
// queues or the context is cancelled. A zero-task, nil-error return
// means the wait timed out with nothing queued.
func (s *Store) Dequeue(ctx context.Context, steps []string, wait time.Duration) (*ingest.Task, error) {
	keys := make([]string, len(steps))
	for i, step := range steps {
		keys[i] = queueKey(step)
	}
	res, err := s.client.BRPop(ctx, wait, keys...).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("dequeue: %w", err)
	}
	// BRPOP returns [key, value].
	if len(res) != 2 {
		return nil, fmt.Errorf("dequeue: unexpected reply of %d elements", len(res))
	}
	var task ingest.Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		return nil, fmt.Errorf("decode task: %w", err)
	}
	return &task, nil
}

// renewLeaseScript extends a lease only while the caller still owns it.
var renewLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// releaseLeaseScript deletes a lease only while the caller still owns it.
var releaseLeaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
  return redis.call("DEL", KEYS[1])
end
return 0
`)

// AcquireLease claims exclusive execution of a job step. The owner token
// identifies the worker; false means another worker holds a live lease.
func (s *Store) AcquireLease(ctx context.Context, jobID, step, owner string) (bool, error) {
	ok, err := s.client.SetNX(ctx, leaseKey(jobID, step), owner, s.config.LeaseTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquire lease %s/%s: %w", jobID, step, err)
	}
	return ok, nil
}

// RenewLease extends the holder's lease by the configured TTL. Fails
// with ErrLeaseLost when the lease expired or changed hands.
func (s *Store) RenewLease(ctx context.Context, jobID, step, owner string) error {
	n, err := renewLeaseScript.Run(ctx, s.client,
		[]string{leaseKey(jobID, step)},
		owner, s.config.LeaseTTL.Milliseconds()).Int64()
	if err != nil {
		return fmt.Errorf("renew lease %s/%s: %w", jobID, step, err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s/%s", ErrLeaseLost, jobID, step)
	}
	return nil
}

// ReleaseLease frees the lease if the caller still holds it. Releasing
// an already-lost lease is not an error.
func (s *Store) ReleaseLease(ctx context.Context, jobID, step, owner string) error {
	_, err := releaseLeaseScript.Run(ctx, s.client,
		[]string{leaseKey(jobID, step)},
		owner).Int64()
	if err != nil {
		return fmt.Errorf("release lease %s/%s: %w", jobID, step, err)
	}
	return nil
}

// LeaseHeld reports whether any worker currently holds the step lease.
// Used by crash recovery to detect orphaned running steps.
func (s *Store) LeaseHeld(ctx context.Context, jobID, step string) (bool, error) {
	n, err := s.client.Exists(ctx, leaseKey(jobID, step)).Result()
	if err != nil {
		return false, fmt.Errorf("check lease %s/%s: %w", jobID, step, err)
	}
	return n > 0, nil
}
