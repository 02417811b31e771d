// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package graphstore

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/neo4j/neo4j-go-driver/v5/neo4j"
)

// Sentinel errors for the graph store adapter. ErrConnection and
// ErrTransaction are retryable; ErrQuery and ErrSchema surface immediately.
var (
	// ErrConnection indicates the graph backend is unreachable.
	ErrConnection = errors.New("graph connection error")

	// ErrQuery indicates a permanent statement failure (syntax, constraint).
	ErrQuery = errors.New("graph query error")

	// ErrSchema indicates schema initialization failed.
	ErrSchema = errors.New("graph schema error")

	// ErrTransaction indicates a transient transaction failure (deadlock,
	// leader election in progress).
	ErrTransaction = errors.New("graph transaction error")

	// ErrAdapterClosed is returned for operations on a closed adapter.
	ErrAdapterClosed = errors.New("graph adapter is closed")
)

// Retryable reports whether the classified error may be retried.
func Retryable(err error) bool {
	return errors.Is(err, ErrConnection) || errors.Is(err, ErrTransaction)
}

// Classify maps a raw driver error onto the adapter's error taxonomy.
//
// Description:
//
//	Neo4j errors are classified by status code family: transient and
//	cluster errors become ErrTransaction, security/database-unavailable
//	become ErrConnection, everything else in the client family becomes
//	ErrQuery. Network-level errors become ErrConnection.
func Classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var neo4jErr *neo4j.Neo4jError
	if errors.As(err, &neo4jErr) {
		code := neo4jErr.Code
		switch {
		case strings.HasPrefix(code, "Neo.TransientError"):
			return fmt.Errorf("%w: %v", ErrTransaction, err)
		case strings.Contains(code, "DeadlockDetected"),
			strings.Contains(code, "NotALeader"),
			strings.Contains(code, "LeaderSwitch"):
			return fmt.Errorf("%w: %v", ErrTransaction, err)
		case strings.Contains(code, "DatabaseUnavailable"),
			strings.Contains(code, "ServiceUnavailable"):
			return fmt.Errorf("%w: %v", ErrConnection, err)
		default:
			return fmt.Errorf("%w: %v", ErrQuery, err)
		}
	}

	var usageErr *neo4j.UsageError
	if errors.As(err, &usageErr) {
		return fmt.Errorf("%w: %v", ErrQuery, err)
	}

	if neo4j.IsConnectivityError(err) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return fmt.Errorf("%w: %v", ErrConnection, err)
	}

	return fmt.Errorf("%w: %v", ErrQuery, err)
}

// isVectorUnsupported reports whether the error means the native vector
// search procedure is absent on this server.
func isVectorUnsupported(err error) bool {
	var neo4jErr *neo4j.Neo4jError
	if errors.As(err, &neo4jErr) {
		return strings.Contains(neo4jErr.Code, "ProcedureNotFound") ||
			strings.Contains(neo4jErr.Code, "FunctionNotFound")
	}
	if err != nil {
		// Some server builds report the missing procedure as a generic
		// statement error with the procedure name in the message.
		msg := err.Error()
		return strings.Contains(msg, "db.index.vector.queryNodes") &&
			(strings.Contains(msg, "no procedure") || strings.Contains(msg, "not found") ||
				strings.Contains(msg, "Unknown procedure"))
	}
	return false
}
