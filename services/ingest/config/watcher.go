// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package config

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Store publishes immutable configuration snapshots.
//
// Description:
//
//	Store holds the current *Config behind an atomic pointer. A single
//	dedicated watcher goroutine reloads the file on change events and
//	republishes a fresh snapshot; readers always see a complete config,
//	never a partially applied one. Sensitive fields (credentials, graph
//	URI, broker address) are pinned to the boot-time values so a reload
//	cannot repoint live infrastructure.
//
// Thread Safety: safe for concurrent use.
type Store struct {
	path    string
	current atomic.Pointer[Config]
	logger  *slog.Logger
}

// NewStore creates a Store seeded with the given snapshot.
func NewStore(path string, initial *Config, logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		path:   path,
		logger: logger.With(slog.String("component", "config_store")),
	}
	s.current.Store(initial)
	return s
}

// Current returns the latest published snapshot.
func (s *Store) Current() *Config {
	return s.current.Load()
}

// Watch runs the reload loop until the context is cancelled.
//
// Description:
//
//	Watches the config file with fsnotify, debounces write bursts, and
//	republishes on successful reload. Reload failures keep the previous
//	snapshot and log a warning.
func (s *Store) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	if err := watcher.Add(s.path); err != nil {
		return err
	}

	var debounce *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors often emit several writes for one save.
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(200*time.Millisecond, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			s.logger.Warn("config watcher error", slog.String("error", err.Error()))
		case <-reload:
			s.reload()
		}
	}
}

func (s *Store) reload() {
	next, err := Load(s.path)
	if err != nil {
		s.logger.Warn("config reload failed, keeping previous snapshot",
			slog.String("error", err.Error()))
		return
	}

	prev := s.current.Load()
	if prev != nil {
		// Sensitive fields are not hot-reloadable.
		next.Graph.URI = prev.Graph.URI
		next.Graph.Username = prev.Graph.Username
		next.Graph.Password = prev.Graph.Password
		next.Redis = prev.Redis
		next.LLM.APIKeyEnv = prev.LLM.APIKeyEnv
		next.LLM.Endpoint = prev.LLM.Endpoint
	}

	s.current.Store(next)
	s.logger.Info("config snapshot republished")
}
