// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package oracle implements the Oracle Adapter from spec.md §4.13: a
// uniform subprocess interface for invoking agent CLIs, with byte-capped
// output capture and context-based timeout/cancellation.
package oracle

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"time"

	"al.essio.dev/pkg/shellescape"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// DefaultTimeout bounds how long a single agent invocation may run
// when the caller does not specify one.
const DefaultTimeout = 5 * time.Minute

// DefaultMaxOutputBytes caps captured stdout/stderr per stream.
const DefaultMaxOutputBytes = 2 * 1024 * 1024

// ExecOptions configures a single agent invocation.
type ExecOptions struct {
	TimeoutMs int
	Env       []string
	Cwd       string
}

// Result is the outcome of one agent invocation.
type Result struct {
	Command          string
	Stdout           string
	Stderr           string
	ExitCode         int
	StdoutTruncated  bool
	StderrTruncated  bool
	Duration         time.Duration
}

// Adapter invokes agent binaries as subprocesses. binPath resolves an
// agent name to its executable (e.g. "claude" -> "/usr/local/bin/claude").
type Adapter struct {
	BinPath        func(agent string) (string, error)
	MaxOutputBytes int64
}

// New creates an Adapter. If binPath is nil, agent names are looked up
// on PATH via exec.LookPath.
func New(binPath func(agent string) (string, error)) *Adapter {
	if binPath == nil {
		binPath = func(agent string) (string, error) { return exec.LookPath(agent) }
	}
	return &Adapter{BinPath: binPath, MaxOutputBytes: DefaultMaxOutputBytes}
}

// Exec runs agent with prompt as its final argument, the pattern this
// stack's CLI-backed providers use, and captures output bounded by
// MaxOutputBytes per stream.
func (a *Adapter) Exec(ctx context.Context, agent, prompt string, opts ExecOptions) (*Result, error) {
	bin, err := a.BinPath(agent)
	if err != nil {
		return nil, &orcherrors.OracleFailureError{Agent: agent, Cause: err}
	}

	timeout := DefaultTimeout
	if opts.TimeoutMs > 0 {
		timeout = time.Duration(opts.TimeoutMs) * time.Millisecond
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	args := []string{"--output-format", "json", "-p", prompt}
	cmd := exec.CommandContext(runCtx, bin, args...)
	cmd.Dir = opts.Cwd
	if len(opts.Env) > 0 {
		cmd.Env = opts.Env
	}

	// Command is never passed through a shell; shellescape only renders
	// a safe, human-auditable string for gate/reasoning logs.
	auditCmd := shellescape.QuoteCommand(append([]string{bin}, args...))

	maxBytes := a.MaxOutputBytes
	if maxBytes <= 0 {
		maxBytes = DefaultMaxOutputBytes
	}
	var stdoutBuf, stderrBuf boundedBuffer
	stdoutBuf.limit = maxBytes
	stderrBuf.limit = maxBytes
	cmd.Stdout = &stdoutBuf
	cmd.Stderr = &stderrBuf

	start := time.Now()
	runErr := cmd.Run()
	elapsed := time.Since(start)

	result := &Result{
		Command:         auditCmd,
		Stdout:          stdoutBuf.String(),
		Stderr:          stderrBuf.String(),
		StdoutTruncated: stdoutBuf.truncated,
		StderrTruncated: stderrBuf.truncated,
		Duration:        elapsed,
	}

	if runCtx.Err() == context.DeadlineExceeded {
		return result, &orcherrors.TimeoutError{Operation: fmt.Sprintf("oracle exec %s", agent), Cause: runCtx.Err()}
	}

	var exitErr *exec.ExitError
	if errors.As(runErr, &exitErr) {
		result.ExitCode = exitErr.ExitCode()
		return result, &orcherrors.OracleFailureError{Agent: agent, Cause: runErr}
	}
	if runErr != nil {
		return result, &orcherrors.OracleFailureError{Agent: agent, Cause: runErr}
	}
	return result, nil
}

// boundedBuffer caps how much of a stream is retained in memory while
// still reporting whether truncation occurred, mirroring how this
// stack's CLI-backed providers avoid unbounded buffering of subprocess
// output.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int64
	truncated bool
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if b.limit <= 0 {
		return n, nil
	}
	remaining := b.limit - int64(b.buf.Len())
	if remaining <= 0 {
		b.truncated = true
		return n, nil
	}
	if int64(len(p)) > remaining {
		b.buf.Write(p[:remaining])
		b.truncated = true
		return n, nil
	}
	b.buf.Write(p)
	return n, nil
}

func (b *boundedBuffer) String() string { return b.buf.String() }

var _ io.Writer = (*boundedBuffer)(nil)
