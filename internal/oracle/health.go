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

package oracle

import (
	"context"
	"strings"
	"time"
)

// HealthStep names the stage a health check reached before failing.
type HealthStep string

const (
	HealthStepInstalled     HealthStep = "installed"
	HealthStepAuthenticated HealthStep = "authenticated"
	HealthStepWorking       HealthStep = "working"
)

// HealthCheckResult is the structured outcome of HealthCheck, telling
// whether a backend is usable before a run starts.
type HealthCheckResult struct {
	Agent         string
	Installed     bool
	Authenticated bool
	Working       bool
	Version       string
	ErrorStep     HealthStep
	Message       string
}

// HealthCheck performs a three-step verification of an oracle backend:
// is its CLI installed, does a minimal invocation succeed (standing in
// for "authenticated", since the adapter treats the backend as an
// opaque oracle and never inspects auth state directly), and did it
// actually produce output. Per spec.md §4.12/§1 the adapter never
// interprets stdout semantically; only exit status and presence of
// output are used here.
func (a *Adapter) HealthCheck(ctx context.Context, agent string) HealthCheckResult {
	result := HealthCheckResult{Agent: agent}

	det := a.Detect(agent)
	if !det.Found {
		result.ErrorStep = HealthStepInstalled
		result.Message = agent + " CLI not found in PATH"
		return result
	}
	result.Installed = true

	if version, err := a.DetectVersion(ctx, det); err == nil {
		result.Version = version
	}

	probeCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	res, err := a.Exec(probeCtx, agent, "respond with just: ok", ExecOptions{TimeoutMs: 20000})
	if err != nil {
		if isAuthFailure(res) {
			result.ErrorStep = HealthStepAuthenticated
			result.Message = "authentication failed: " + stderrOf(res)
			return result
		}
		result.Authenticated = true
		result.ErrorStep = HealthStepWorking
		result.Message = "connectivity test failed: " + err.Error()
		return result
	}
	result.Authenticated = true
	if res == nil || strings.TrimSpace(res.Stdout) == "" {
		result.ErrorStep = HealthStepWorking
		result.Message = "connectivity test produced no output"
		return result
	}
	result.Working = true
	result.Message = agent + " is healthy and ready"
	return result
}

func stderrOf(res *Result) string {
	if res == nil {
		return ""
	}
	return res.Stderr
}

func isAuthFailure(res *Result) bool {
	if res == nil {
		return false
	}
	s := strings.ToLower(res.Stderr)
	for _, marker := range []string{"not authenticated", "not logged in", "authentication", "api key", "unauthorized"} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
