// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package summarize

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	badger "github.com/dgraph-io/badger/v4"
)

// UnitState is the checkpoint-visible state of one summarization unit.
type UnitState string

const (
	UnitPending    UnitState = "pending"
	UnitRunning    UnitState = "running"
	UnitSummarized UnitState = "summarized"
	UnitFailed     UnitState = "failed"
	UnitSkipped    UnitState = "skipped"
)

// CheckpointEntry is one unit's durable record.
type CheckpointEntry struct {
	State      UnitState `json:"state"`
	SourceHash string    `json:"source_hash"`
	Summary    string    `json:"summary,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Checkpoint persists per-job unit states in badger so a crashed or
// restarted summarizer resumes without repeating LLM calls for units it
// already finished.
//
// Thread Safety: safe for concurrent use.
type Checkpoint struct {
	db     *badger.DB
	logger *slog.Logger
}

// OpenCheckpoint opens (or creates) the checkpoint store at dir. An
// empty dir opens an in-memory store, used by tests.
func OpenCheckpoint(dir string, logger *slog.Logger) (*Checkpoint, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts := badger.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open checkpoint store: %w", err)
	}
	return &Checkpoint{db: db, logger: logger}, nil
}

func checkpointKey(jobID, unitKey string) []byte {
	return []byte("summarize:" + jobID + ":" + unitKey)
}

// Put records a unit's state. Called after every unit completion.
func (c *Checkpoint) Put(jobID, unitKey string, entry CheckpointEntry) error {
	entry.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode checkpoint entry: %w", err)
	}
	err = c.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(jobID, unitKey), payload)
	})
	if err != nil {
		return fmt.Errorf("write checkpoint %s/%s: %w", jobID, unitKey, err)
	}
	return nil
}

// Load returns every recorded unit entry for a job, keyed by unit key.
func (c *Checkpoint) Load(jobID string) (map[string]CheckpointEntry, error) {
	prefix := []byte("summarize:" + jobID + ":")
	entries := make(map[string]CheckpointEntry)

	err := c.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix, PrefetchValues: true})
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			key := strings.TrimPrefix(string(item.Key()), string(prefix))
			err := item.Value(func(val []byte) error {
				var entry CheckpointEntry
				if jerr := json.Unmarshal(val, &entry); jerr != nil {
					c.logger.Warn("corrupt checkpoint entry dropped",
						slog.String("key", key), slog.String("error", jerr.Error()))
					return nil
				}
				entries[key] = entry
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil && !errors.Is(err, badger.ErrKeyNotFound) {
		return nil, fmt.Errorf("load checkpoint %s: %w", jobID, err)
	}
	return entries, nil
}

// Clear removes every entry for a job, called when the step completes.
func (c *Checkpoint) Clear(jobID string) error {
	prefix := []byte("summarize:" + jobID + ":")
	return c.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{Prefix: prefix})
		defer it.Close()
		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the store.
func (c *Checkpoint) Close() error {
	return c.db.Close()
}
