// Copyright (C) 2026 Deepgraph Labs (oss@deepgraph.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package astparse is the code structure extraction step. The parser is
// an external tool invoked per repository; it writes Module, Class, and
// Function nodes with their IMPORTS, CALLS, and INHERITS_FROM edges
// directly to the graph. This step owns the subprocess lifecycle:
// argument templating, progress scraping from its output, halt
// signalling, and turning a non-zero exit into a structured failure.
package astparse

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.opentelemetry.io/otel"

	ingest "github.com/deepgraph-ai/deepgraph/services/ingest"
	"github.com/deepgraph-ai/deepgraph/services/ingest/step"
)

var tracer = otel.Tracer("deepgraph.astparse")

// StepName is the registry name of the AST step.
const StepName = "ast"

// Placeholders substituted into the configured argv.
const (
	placeholderRepo  = "{repo}"
	placeholderGraph = "{graph}"
)

// progressPattern matches the parser's self-reported progress lines,
// e.g. "progress: 42%".
var progressPattern = regexp.MustCompile(`progress:\s*(\d{1,3})%`)

// Config configures the AST step.
type Config struct {
	// Command is the parser argv template. Occurrences of {repo} and
	// {graph} are replaced per task.
	Command []string

	// GraphURI is passed to the parser via the {graph} placeholder.
	GraphURI string

	// Timeout bounds one parser invocation. Zero means no limit.
	Timeout time.Duration

	// StderrTail bounds how much captured stderr is carried in a
	// failure payload.
	StderrTail int

	Logger *slog.Logger
}

func (c *Config) applyDefaults() {
	if c.StderrTail == 0 {
		c.StderrTail = 16 << 10
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Step runs the external parser.
type Step struct {
	*step.Tracker
	config Config
	logger *slog.Logger
}

// New builds the step.
func New(config Config) (*Step, error) {
	config.applyDefaults()
	if len(config.Command) == 0 {
		return nil, ingest.NewError(ingest.KindConfiguration,
			errors.New("ast parser command not configured"))
	}
	return &Step{
		Tracker: step.NewTracker(),
		config:  config,
		logger:  config.Logger.With(slog.String("component", "astparse")),
	}, nil
}

func (s *Step) Name() string { return StepName }

func (s *Step) Dependencies() []string { return []string{"filesystem"} }

// Run invokes the parser for one repository.
//
// Description:
//
//	Substitutes the repository path and graph URI into the argv
//	template, starts the subprocess, and scrapes "progress: NN%" lines
//	from its combined output. Stop sends SIGTERM; Cancel kills. Exit
//	code zero is required: any other exit surfaces as a tool failure
//	carrying the parser's stderr verbatim.
func (s *Step) Run(ctx context.Context, task ingest.Task) error {
	s.Begin()
	ctx, span := tracer.Start(ctx, "astparse.Run")
	defer span.End()

	if s.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.config.Timeout)
		defer cancel()
	}

	argv := s.expand(task)
	s.logger.Info("parser starting",
		slog.String("job_id", task.JobID), slog.Any("argv", argv))

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return ingest.NewError(ingest.KindToolFailure, fmt.Errorf("parser stdout: %w", err))
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return ingest.NewError(ingest.KindToolFailure, fmt.Errorf("parser stderr: %w", err))
	}
	if err := cmd.Start(); err != nil {
		return ingest.NewError(ingest.KindToolFailure, fmt.Errorf("start parser: %w", err))
	}

	haltDone := make(chan struct{})
	go s.watchHalt(ctx, cmd, haltDone)

	var wg sync.WaitGroup
	var stderrBuf bytes.Buffer
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.scanOutput(stdout, nil)
	}()
	go func() {
		defer wg.Done()
		s.scanOutput(stderr, &stderrBuf)
	}()
	wg.Wait()

	waitErr := cmd.Wait()
	close(haltDone)

	if s.Halted() || errors.Is(ctx.Err(), context.Canceled) {
		return ingest.ErrCancelled
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ingest.NewError(ingest.KindTimeout,
			fmt.Errorf("parser exceeded %s", s.config.Timeout))
	}
	if waitErr != nil {
		return s.toolFailure(task, cmd, waitErr, stderrBuf.Bytes())
	}

	s.SetProgress(100, "parse complete")
	return nil
}

// expand substitutes task values into the argv template.
func (s *Step) expand(task ingest.Task) []string {
	argv := make([]string, len(s.config.Command))
	for i, arg := range s.config.Command {
		arg = strings.ReplaceAll(arg, placeholderRepo, task.RepoPath)
		arg = strings.ReplaceAll(arg, placeholderGraph, s.config.GraphURI)
		argv[i] = arg
	}
	return argv
}

// scanOutput reads parser output line by line, mirroring progress lines
// into the tracker. When tail is non-nil the raw lines are also captured
// for failure reporting.
func (s *Step) scanOutput(r io.Reader, tail *bytes.Buffer) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64<<10), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if tail != nil {
			if tail.Len() < s.config.StderrTail {
				tail.WriteString(line)
				tail.WriteByte('\n')
			}
		}
		if m := progressPattern.FindStringSubmatch(line); m != nil {
			if pct, err := strconv.Atoi(m[1]); err == nil {
				s.SetProgress(float64(pct), "parsing")
			}
		}
	}
}

// watchHalt signals the subprocess when a stop or cancel is requested.
func (s *Step) watchHalt(ctx context.Context, cmd *exec.Cmd, done <-chan struct{}) {
	select {
	case <-done:
		return
	case <-ctx.Done():
		return
	case <-s.Stopping():
	}
	s.logger.Info("sending SIGTERM to parser")
	if cmd.Process != nil {
		_ = cmd.Process.Signal(syscall.SIGTERM)
	}

	select {
	case <-done:
	case <-s.Aborting():
		s.logger.Warn("killing parser")
		if cmd.Process != nil {
			_ = cmd.Process.Kill()
		}
	}
}

// toolFailure wraps a non-zero exit with the parser's stderr verbatim.
func (s *Step) toolFailure(task ingest.Task, cmd *exec.Cmd, waitErr error, stderr []byte) error {
	exitCode := -1
	var exitErr *exec.ExitError
	if errors.As(waitErr, &exitErr) {
		exitCode = exitErr.ExitCode()
	}
	s.logger.Error("parser failed",
		slog.String("job_id", task.JobID),
		slog.Int("exit_code", exitCode))
	return ingest.NewError(ingest.KindToolFailure,
		fmt.Errorf("parser %s exited %d: %s", cmd.Path, exitCode, string(stderr))).
		WithContext("exit_code", strconv.Itoa(exitCode)).
		WithContext("stderr", string(stderr))
}
