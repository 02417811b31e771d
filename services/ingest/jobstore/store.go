// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package jobstore is the durable job state store and broker, backed by
// Redis: one JSON record per job with optimistic compare-and-swap, an
// append-only progress stream per job, and one task queue per step name.
//
// Single-writer-per-transition is enforced by the CAS version counter:
// every Update watches the job key, applies the transition function to a
// fresh decode, bumps Version, and commits transactionally. Conflicting
// writers retry against the new state.
package jobstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
)

const (
	jobKeyPrefix      = "deepgraph:job:"
	jobIndexKey       = "deepgraph:jobs"
	progressKeyPrefix = "deepgraph:progress:"
	queueKeyPrefix    = "deepgraph:queue:"
	leaseKeyPrefix    = "deepgraph:lease:"

	// casRetries bounds optimistic-concurrency retries per Update call.
	casRetries = 8
)

// ErrCASConflict is returned when an Update loses the optimistic race
// more than casRetries times in a row.
var ErrCASConflict = errors.New("job update conflict: CAS retries exhausted")

// Config configures the store.
type Config struct {
	Addr     string
	Password string
	DB       int

	// Retention bounds progress stream lifetime. Must cover the job
	// lifetime plus 24h.
	Retention time.Duration

	// LeaseTTL is the worker lease duration, renewed by heartbeat.
	LeaseTTL time.Duration

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.Retention == 0 {
		c.Retention = 48 * time.Hour
	}
	if c.LeaseTTL == 0 {
		c.LeaseTTL = 15 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Store is the Redis-backed job state store.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	client *redis.Client
	config Config
	logger *slog.Logger
}

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, config Config) (*Store, error) {
	config.applyDefaults()
	client := redis.NewClient(&redis.Options{
		Addr:     config.Addr,
		Password: config.Password,
		DB:       config.DB,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect job store at %s: %w", config.Addr, err)
	}
	return &Store{
		client: client,
		config: config,
		logger: config.Logger.With(slog.String("component", "jobstore")),
	}, nil
}

// NewWithClient wraps an existing client. Used by tests with miniredis.
func NewWithClient(client *redis.Client, config Config) *Store {
	config.applyDefaults()
	return &Store{
		client: client,
		config: config,
		logger: config.Logger.With(slog.String("component", "jobstore")),
	}
}

func jobKey(id string) string { return jobKeyPrefix + id }

// Create persists a new job record. Fails with ingest.ErrJobExists when
// the identifier is already taken (Conflict on the job submission surface).
func (s *Store) Create(ctx context.Context, job *ingest.Job) error {
	if job.ID == "" {
		return errors.New("job id must not be empty")
	}
	job.Version = 1
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("encode job: %w", err)
	}

	ok, err := s.client.SetNX(ctx, jobKey(job.ID), payload, 0).Result()
	if err != nil {
		return fmt.Errorf("create job %s: %w", job.ID, err)
	}
	if !ok {
		return fmt.Errorf("%w: %s", ingest.ErrJobExists, job.ID)
	}

	if err := s.client.ZAdd(ctx, jobIndexKey, redis.Z{
		Score:  float64(job.CreatedAt.UnixMilli()),
		Member: job.ID,
	}).Err(); err != nil {
		s.logger.Warn("job index update failed", slog.String("job_id", job.ID),
			slog.String("error", err.Error()))
	}

	s.logger.Info("job created", slog.String("job_id", job.ID),
		slog.String("repo", job.RepoPath), slog.Int("steps", len(job.Steps)))
	return nil
}

// Get returns the current job record, or ingest.ErrJobNotFound.
func (s *Store) Get(ctx context.Context, id string) (*ingest.Job, error) {
	data, err := s.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("%w: %s", ingest.ErrJobNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job ingest.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

// Update applies a transition function under compare-and-swap.
//
// Description:
//
//	Watches the job key, decodes the current record, applies fn, bumps
//	the version counter, recomputes the aggregate state, and commits in
//	one transaction. On a concurrent write the whole cycle retries with
//	the fresh record, up to casRetries times. fn must be pure with
//	respect to the passed record; it may be invoked several times.
//
// Outputs:
//
//	*ingest.Job - The committed record.
//	error - ingest.ErrJobNotFound, ErrCASConflict, or fn's error.
func (s *Store) Update(ctx context.Context, id string, fn func(*ingest.Job) error) (*ingest.Job, error) {
	key := jobKey(id)

	var committed *ingest.Job
	txn := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", ingest.ErrJobNotFound, id)
		}
		if err != nil {
			return err
		}

		var job ingest.Job
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("decode job %s: %w", id, err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		job.Version++
		job.UpdatedAt = time.Now().UTC()
		job.Recompute()

		payload, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("encode job %s: %w", id, err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, 0)
			return nil
		})
		if err == nil {
			committed = &job
		}
		return err
	}

	for attempt := 0; attempt < casRetries; attempt++ {
		err := s.client.Watch(ctx, txn, key)
		if err == nil {
			return committed, nil
		}
		if errors.Is(err, redis.TxFailedErr) {
			continue // lost the race, reload and retry
		}
		return nil, err
	}
	return nil, fmt.Errorf("%w: job %s", ErrCASConflict, id)
}

// ListFilter narrows List results.
type ListFilter struct {
	// States restricts to the given aggregate states; empty means all.
	States []ingest.JobState
}

// List returns jobs ordered newest-first with offset/limit pagination.
func (s *Store) List(ctx context.Context, filter ListFilter, offset, limit int) ([]*ingest.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	ids, err := s.client.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	wanted := make(map[ingest.JobState]bool, len(filter.States))
	for _, st := range filter.States {
		wanted[st] = true
	}

	var jobs []*ingest.Job
	matched := 0
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, ingest.ErrJobNotFound) {
			continue // index entry outlived the record
		}
		if err != nil {
			return nil, err
		}
		if len(wanted) > 0 && !wanted[job.State] {
			continue
		}
		if matched < offset {
			matched++
			continue
		}
		matched++
		jobs = append(jobs, job)
		if len(jobs) >= limit {
			break
		}
	}
	return jobs, nil
}

// RequestCancel sets the job's cancellation flag. Workers observe the
// flag at their suspension points; this call does not interrupt them.
func (s *Store) RequestCancel(ctx context.Context, id string) error {
	_, err := s.Update(ctx, id, func(job *ingest.Job) error {
		job.CancelRequested = true
		return nil
	})
	return err
}

// LeaseTTL returns the configured worker lease duration. Workers size
// their renewal heartbeat from it.
func (s *Store) LeaseTTL() time.Duration {
	return s.config.LeaseTTL
}

// Close releases the Redis client.
func (s *Store) Close() error {
	return s.client.Close()
}
