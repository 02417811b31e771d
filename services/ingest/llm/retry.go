// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// classify maps provider errors onto the gateway taxonomy.
func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return &rateLimitError{cause: err}
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Join(ErrAuth, err)
		case http.StatusBadRequest, http.StatusNotFound, http.StatusUnprocessableEntity:
			return errors.Join(ErrBadRequest, err)
		default:
			if apiErr.HTTPStatusCode >= 500 {
				return err // transient server fault, retryable as-is
			}
			return errors.Join(ErrBadRequest, err)
		}
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		switch reqErr.HTTPStatusCode {
		case http.StatusTooManyRequests:
			return &rateLimitError{cause: err}
		case http.StatusUnauthorized, http.StatusForbidden:
			return errors.Join(ErrAuth, err)
		}
		return err
	}

	return err
}

// retryableLLM reports whether a classified error is worth another attempt.
func retryableLLM(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, ErrAuth) || errors.Is(err, ErrBadRequest) {
		return false
	}
	if errors.Is(err, ErrEmptyResponse) {
		return false
	}
	if errors.Is(err, ErrRateLimited) {
		return true
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode >= 500 || reqErr.HTTPStatusCode == 0
	}
	return false
}

// rateLimitError wraps a 429 so errors.Is(err, ErrRateLimited) holds while
// the provider's original message (with any advised delay) is preserved.
type rateLimitError struct {
	cause error
}

func (e *rateLimitError) Error() string { return ErrRateLimited.Error() + ": " + e.cause.Error() }

func (e *rateLimitError) Is(target error) bool { return target == ErrRateLimited }

func (e *rateLimitError) Unwrap() error { return e.cause }

// tryAgainPattern matches the provider's advised delay embedded in rate
// limit messages, e.g. "Please try again in 20s" or "in 350ms".
var tryAgainPattern = regexp.MustCompile(`try again in (\d+(?:\.\d+)?)(ms|s|m)`)

// advisedDelay extracts a server-advised retry delay from a rate limit
// error message, or zero when none is present.
func advisedDelay(err error) time.Duration {
	if err == nil || !errors.Is(err, ErrRateLimited) {
		return 0
	}
	m := tryAgainPattern.FindStringSubmatch(err.Error())
	if len(m) != 3 {
		return 0
	}
	value, perr := strconv.ParseFloat(m[1], 64)
	if perr != nil {
		return 0
	}
	switch m[2] {
	case "ms":
		return time.Duration(value * float64(time.Millisecond))
	case "m":
		return time.Duration(value * float64(time.Minute))
	default:
		return time.Duration(value * float64(time.Second))
	}
}
