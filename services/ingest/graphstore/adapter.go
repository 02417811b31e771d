// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package graphstore is the access layer for the property-graph backend
// shared by all ingestion workers.
//
// Features:
//   - Connection fallback chain with cached winner
//   - Retry with exponential backoff and jitter on transient errors
//   - Idempotent schema initialization (constraints + vector indexes)
//   - Merge-by-identity statement builders
//   - Vector search with automatic in-process cosine fallback
package graphstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"net/url"
	"sync"
	"time"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
	neo4jconfig "github.com/neo4j/neo4j-go-driver/v5/neo4j/config"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/deepgraph-ai/deepgraph/services/ingest/telemetry"
)

var tracer = otel.Tracer("deepgraph.graphstore")

// AccessMode selects the routing mode for a query.
type AccessMode int

const (
	// ModeRead routes to a read replica where available.
	ModeRead AccessMode = iota
	// ModeWrite routes to the leader.
	ModeWrite
)

// Row is one result record keyed by return alias.
type Row map[string]any

// Statement is one parameterized query in a batch.
type Statement struct {
	Query  string
	Params map[string]any
}

// Options configures the adapter.
type Options struct {
	// URI is the primary endpoint, e.g. "neo4j://graph:7687".
	URI      string
	Username string
	Password string

	// FallbackHosts are host[:port] candidates tried in order when the
	// primary refuses or times out. The successful candidate is cached
	// until a failure forces re-selection.
	FallbackHosts []string

	PoolSize       int
	ConnectTimeout time.Duration

	// RetryBudget caps transparent retries of transient failures.
	RetryBudget int

	// EmbeddingDim is the vector dimension used by schema initialization.
	EmbeddingDim int

	Logger  *slog.Logger
	Metrics *telemetry.Metrics
}

func (o *Options) applyDefaults() {
	if o.PoolSize == 0 {
		o.PoolSize = 25
	}
	if o.ConnectTimeout == 0 {
		o.ConnectTimeout = 10 * time.Second
	}
	if o.RetryBudget == 0 {
		o.RetryBudget = 3
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Adapter is the shared graph store access layer.
//
// Thread Safety: safe for concurrent use. The underlying driver pools
// connections; no caller holds a connection across suspension points for
// longer than one transaction.
type Adapter struct {
	opts   Options
	logger *slog.Logger

	mu     sync.RWMutex
	driver neo4j.DriverWithContext
	closed bool

	// vectorMode caches the native-vector-search probe result:
	// 0 = unprobed, 1 = native, 2 = in-process fallback.
	vectorMu   sync.Mutex
	vectorMode int
}

// New connects to the graph backend, walking the fallback chain if needed.
//
// Inputs:
//
//	ctx - Context bounding the whole connection attempt.
//	opts - Adapter options. URI is required.
//
// Outputs:
//
//	*Adapter - Connected adapter. Caller must Close it.
//	error - ErrConnection if no candidate endpoint accepted a connection.
func New(ctx context.Context, opts Options) (*Adapter, error) {
	if opts.URI == "" {
		return nil, fmt.Errorf("%w: uri must not be empty", ErrConnection)
	}
	opts.applyDefaults()

	a := &Adapter{
		opts:   opts,
		logger: opts.Logger.With(slog.String("component", "graphstore")),
	}
	if err := a.connect(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// candidates returns the ordered endpoint list: the configured URI first,
// then each fallback host rewritten onto the same scheme and port.
func (a *Adapter) candidates() []string {
	uris := []string{a.opts.URI}
	parsed, err := url.Parse(a.opts.URI)
	if err != nil {
		return uris
	}
	port := parsed.Port()
	for _, host := range a.opts.FallbackHosts {
		candidate := *parsed
		if port != "" && !hasPort(host) {
			candidate.Host = host + ":" + port
		} else {
			candidate.Host = host
		}
		if candidate.String() != a.opts.URI {
			uris = append(uris, candidate.String())
		}
	}
	return uris
}

func hasPort(host string) bool {
	for i := len(host) - 1; i >= 0; i-- {
		switch host[i] {
		case ':':
			return true
		case ']': // IPv6 literal without port
			return false
		}
	}
	return false
}

// connect walks the candidate chain and caches the first driver whose
// connectivity check passes. Holds a.mu for the duration.
func (a *Adapter) connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.closed {
		return ErrAdapterClosed
	}
	if a.driver != nil {
		a.driver.Close(ctx)
		a.driver = nil
	}

	var lastErr error
	for i, uri := range a.candidates() {
		if i > 0 && a.opts.Metrics != nil {
			a.opts.Metrics.GraphConnectRetries.Add(ctx, 1,
				metric.WithAttributes(attribute.String("endpoint", uri)))
		}

		driver, err := neo4j.NewDriverWithContext(uri,
			neo4j.BasicAuth(a.opts.Username, a.opts.Password, ""),
			func(c *neo4jconfig.Config) {
				c.MaxConnectionPoolSize = a.opts.PoolSize
				c.ConnectionAcquisitionTimeout = a.opts.ConnectTimeout
			},
		)
		if err != nil {
			lastErr = err
			continue
		}

		verifyCtx, cancel := context.WithTimeout(ctx, a.opts.ConnectTimeout)
		err = driver.VerifyConnectivity(verifyCtx)
		cancel()
		if err != nil {
			driver.Close(ctx)
			lastErr = err
			a.logger.Warn("graph endpoint unavailable, trying next candidate",
				slog.String("uri", uri),
				slog.String("error", err.Error()))
			continue
		}

		a.driver = driver
		a.logger.Info("graph store connected", slog.String("uri", uri))
		return nil
	}

	return fmt.Errorf("%w: all endpoint candidates failed: %v", ErrConnection, lastErr)
}

// reconnect re-runs endpoint selection after a connection failure.
func (a *Adapter) reconnect(ctx context.Context) error {
	a.logger.Warn("graph connection lost, re-selecting endpoint")
	return a.connect(ctx)
}

func (a *Adapter) getDriver() (neo4j.DriverWithContext, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.closed {
		return nil, ErrAdapterClosed
	}
	if a.driver == nil {
		return nil, fmt.Errorf("%w: no active driver", ErrConnection)
	}
	return a.driver, nil
}

// Execute runs a single query with the configured retry budget.
//
// Inputs:
//
//	ctx - Context for cancellation and per-query timeout.
//	query - Parameterized Cypher statement.
//	params - Statement parameters. May be nil.
//	mode - ModeRead or ModeWrite.
//
// Outputs:
//
//	[]Row - Result records, one map per record.
//	error - Classified per the adapter taxonomy; transient classes have
//	already been retried.
func (a *Adapter) Execute(ctx context.Context, query string, params map[string]any, mode AccessMode) ([]Row, error) {
	return a.ExecuteWithRetry(ctx, query, params, mode, a.opts.RetryBudget)
}

// ExecuteWithRetry runs a single query with an explicit retry budget.
func (a *Adapter) ExecuteWithRetry(ctx context.Context, query string, params map[string]any, mode AccessMode, retries int) ([]Row, error) {
	ctx, span := tracer.Start(ctx, "graphstore.Execute",
		trace.WithAttributes(attribute.Bool("write", mode == ModeWrite)))
	defer span.End()

	start := time.Now()
	rows, err := a.runWithRetry(ctx, retries, func(ctx context.Context) ([]Row, error) {
		return a.runSingle(ctx, query, params, mode)
	})
	a.recordQuery(ctx, mode, start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	span.SetStatus(codes.Ok, "")
	return rows, nil
}

// ExecuteBatch runs all statements in one atomic write transaction.
//
// Description:
//
//	Either every statement commits or none does. Results are discarded;
//	batch writes are for graph mutation, not reads.
func (a *Adapter) ExecuteBatch(ctx context.Context, statements []Statement) error {
	ctx, span := tracer.Start(ctx, "graphstore.ExecuteBatch",
		trace.WithAttributes(attribute.Int("statements", len(statements))))
	defer span.End()

	start := time.Now()
	_, err := a.runWithRetry(ctx, a.opts.RetryBudget, func(ctx context.Context) ([]Row, error) {
		driver, derr := a.getDriver()
		if derr != nil {
			return nil, derr
		}
		session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: neo4j.AccessModeWrite})
		defer session.Close(ctx)

		_, terr := session.ExecuteWrite(ctx, func(tx neo4j.ManagedTransaction) (any, error) {
			for _, stmt := range statements {
				result, rerr := tx.Run(ctx, stmt.Query, stmt.Params)
				if rerr != nil {
					return nil, rerr
				}
				if _, rerr = result.Consume(ctx); rerr != nil {
					return nil, rerr
				}
			}
			return nil, nil
		})
		return nil, terr
	})
	a.recordQuery(ctx, ModeWrite, start, err)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	span.SetStatus(codes.Ok, "")
	return nil
}

// WithSession opens a session bound to the given mode, invokes fn, and
// guarantees the session is released on all exit paths.
func (a *Adapter) WithSession(ctx context.Context, mode AccessMode, fn func(neo4j.SessionWithContext) error) error {
	driver, err := a.getDriver()
	if err != nil {
		return err
	}
	accessMode := neo4j.AccessModeRead
	if mode == ModeWrite {
		accessMode = neo4j.AccessModeWrite
	}
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: accessMode})
	defer session.Close(ctx)
	return fn(session)
}

// runSingle executes one query inside a managed transaction.
func (a *Adapter) runSingle(ctx context.Context, query string, params map[string]any, mode AccessMode) ([]Row, error) {
	driver, err := a.getDriver()
	if err != nil {
		return nil, err
	}

	accessMode := neo4j.AccessModeRead
	if mode == ModeWrite {
		accessMode = neo4j.AccessModeWrite
	}
	session := driver.NewSession(ctx, neo4j.SessionConfig{AccessMode: accessMode})
	defer session.Close(ctx)

	work := func(tx neo4j.ManagedTransaction) (any, error) {
		result, rerr := tx.Run(ctx, query, params)
		if rerr != nil {
			return nil, rerr
		}
		records, rerr := result.Collect(ctx)
		if rerr != nil {
			return nil, rerr
		}
		rows := make([]Row, len(records))
		for i, record := range records {
			rows[i] = Row(record.AsMap())
		}
		return rows, nil
	}

	var out any
	if mode == ModeWrite {
		out, err = session.ExecuteWrite(ctx, work)
	} else {
		out, err = session.ExecuteRead(ctx, work)
	}
	if err != nil {
		return nil, err
	}
	return out.([]Row), nil
}

// runWithRetry applies the transient-error retry policy around fn,
// re-selecting the endpoint after connection failures.
func (a *Adapter) runWithRetry(ctx context.Context, retries int, fn func(context.Context) ([]Row, error)) ([]Row, error) {
	var lastErr error
	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff(attempt)):
			}
		}

		rows, err := fn(ctx)
		if err == nil {
			return rows, nil
		}

		classified := Classify(err)
		if !Retryable(classified) {
			return nil, classified
		}
		lastErr = classified

		a.logger.Warn("transient graph error, retrying",
			slog.Int("attempt", attempt+1),
			slog.String("error", classified.Error()))

		if errors.Is(classified, ErrConnection) {
			if rerr := a.reconnect(ctx); rerr != nil {
				lastErr = rerr
			}
		}
	}
	return nil, lastErr
}

// backoff returns exponential backoff with ±25% jitter, capped at 5s.
func backoff(attempt int) time.Duration {
	base := 250 * time.Millisecond * time.Duration(1<<(attempt-1))
	if base > 5*time.Second {
		base = 5 * time.Second
	}
	jitter := (rand.Float64()*0.5 - 0.25) * float64(base)
	return base + time.Duration(jitter)
}

func (a *Adapter) recordQuery(ctx context.Context, mode AccessMode, start time.Time, err error) {
	if a.opts.Metrics == nil {
		return
	}
	status := "ok"
	if err != nil {
		status = "error"
	}
	modeLabel := "read"
	if mode == ModeWrite {
		modeLabel = "write"
	}
	attrs := metric.WithAttributes(
		attribute.String("mode", modeLabel),
		attribute.String("status", status),
	)
	a.opts.Metrics.GraphQueriesTotal.Add(ctx, 1, attrs)
	a.opts.Metrics.GraphQueryDuration.Record(ctx, time.Since(start).Seconds(), attrs)
}

// CountNodes returns the number of nodes carrying the label, or all nodes
// when label is empty. Used by idempotence checks and step cleanup.
func (a *Adapter) CountNodes(ctx context.Context, label string) (int64, error) {
	query := "MATCH (n) RETURN count(n) AS c"
	if label != "" {
		query = fmt.Sprintf("MATCH (n:%s) RETURN count(n) AS c", label)
	}
	rows, err := a.Execute(ctx, query, nil, ModeRead)
	if err != nil {
		return 0, err
	}
	return asInt64(rows, "c"), nil
}

// CountEdges returns the number of relationships of the given type, or all
// relationships when relType is empty.
func (a *Adapter) CountEdges(ctx context.Context, relType string) (int64, error) {
	query := "MATCH ()-[r]->() RETURN count(r) AS c"
	if relType != "" {
		query = fmt.Sprintf("MATCH ()-[r:%s]->() RETURN count(r) AS c", relType)
	}
	rows, err := a.Execute(ctx, query, nil, ModeRead)
	if err != nil {
		return 0, err
	}
	return asInt64(rows, "c"), nil
}

func asInt64(rows []Row, key string) int64 {
	if len(rows) == 0 {
		return 0
	}
	switch v := rows[0][key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case float64:
		return int64(v)
	default:
		return 0
	}
}

// Close releases the driver and marks the adapter closed.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return nil
	}
	a.closed = true
	if a.driver != nil {
		err := a.driver.Close(ctx)
		a.driver = nil
		return err
	}
	return nil
}
