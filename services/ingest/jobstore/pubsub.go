// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package jobstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
)

func progressKey(jobID string) string { return progressKeyPrefix + jobID }

// Publish appends a progress event to the job's stream.
//
// Events are ordered per job by the stream itself. Delivery to
// subscribers is best effort; the job record remains the source of
// truth and late subscribers reconcile by reading it.
func (s *Store) Publish(ctx context.Context, jobID string, event ingest.ProgressEvent) error {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	key := progressKey(jobID)
	err := s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: key,
		Values: map[string]any{
			"step":    event.Step,
			"percent": strconv.FormatFloat(event.Percent, 'f', -1, 64),
			"message": event.Message,
			"ts":      strconv.FormatInt(event.Timestamp.UnixMilli(), 10),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish progress for job %s: %w", jobID, err)
	}
	// The stream expires with the retention window rather than being
	// trimmed per event.
	s.client.Expire(ctx, key, s.config.Retention)
	return nil
}

// Subscribe streams progress events for a job, starting from the
// beginning of its retained history.
//
// Description:
//
//	Replays the retained stream and then blocks for new entries until
//	the context is cancelled. The returned channel closes when the
//	subscription ends; callers detect completion by watching the job
//	record, not the stream.
func (s *Store) Subscribe(ctx context.Context, jobID string) (<-chan ingest.ProgressEvent, error) {
	key := progressKey(jobID)
	out := make(chan ingest.ProgressEvent, 64)

	go func() {
		defer close(out)
		lastID := "0-0"
		for {
			streams, err := s.client.XRead(ctx, &redis.XReadArgs{
				Streams: []string{key, lastID},
				Count:   64,
				Block:   time.Second,
			}).Result()
			if errors.Is(err, redis.Nil) {
				continue // block timed out, poll again
			}
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				s.logger.Warn("progress subscription read failed",
					slog.String("job_id", jobID), slog.String("error", err.Error()))
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Second):
					continue
				}
			}
			for _, stream := range streams {
				for _, msg := range stream.Messages {
					lastID = msg.ID
					select {
					case out <- decodeProgress(msg):
					case <-ctx.Done():
						return
					}
				}
			}
		}
	}()

	return out, nil
}

func decodeProgress(msg redis.XMessage) ingest.ProgressEvent {
	event := ingest.ProgressEvent{}
	if v, ok := msg.Values["step"].(string); ok {
		event.Step = v
	}
	if v, ok := msg.Values["percent"].(string); ok {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			event.Percent = n
		}
	}
	if v, ok := msg.Values["message"].(string); ok {
		event.Message = v
	}
	if v, ok := msg.Values["ts"].(string); ok {
		if ms, err := strconv.ParseInt(v, 10, 64); err == nil {
			event.Timestamp = time.UnixMilli(ms).UTC()
		}
	}
	return event
}
