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
	"bytes"
	"context"
	"os/exec"
	"regexp"
	"strings"
	"time"
)

// knownBinaries lists the command names tried, in order, when detecting
// a given oracle agent. Several backends ship under more than one name
// depending on install method (npm global vs standalone binary).
var knownBinaries = map[string][]string{
	"claude":       {"claude", "claude-code"},
	"gemini":       {"gemini", "gemini-cli"},
	"codex":        {"codex"},
	"cursor-agent": {"cursor-agent"},
}

var versionRegexp = regexp.MustCompile(`(\d+\.\d+\.\d+)`)

// Detection reports whether an oracle binary was found on PATH and,
// if so, where.
type Detection struct {
	Agent   string
	Found   bool
	Command string
	Path    string
}

// Detect checks whether agent's CLI is reachable on PATH, trying every
// known alias for that agent in order. Agents with no known aliases
// fall back to trying the agent name itself, so a caller can still
// probe for an unlisted backend.
func (a *Adapter) Detect(agent string) Detection {
	names, ok := knownBinaries[agent]
	if !ok {
		names = []string{agent}
	}
	for _, name := range names {
		if path, err := a.BinPath(name); err == nil {
			return Detection{Agent: agent, Found: true, Command: name, Path: path}
		}
	}
	return Detection{Agent: agent, Found: false}
}

// DetectVersion runs the agent's --version flag and extracts a semantic
// version from its output. If no version string is found it returns the
// trimmed output itself, or "unknown" when the output was empty.
func (a *Adapter) DetectVersion(ctx context.Context, det Detection) (string, error) {
	if !det.Found {
		return "", &notFoundError{agent: det.Agent}
	}
	runCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	cmd := exec.CommandContext(runCtx, det.Path, "--version")
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", err
	}

	output := strings.TrimSpace(stdout.String())
	if m := versionRegexp.FindStringSubmatch(output); len(m) > 1 {
		return m[1], nil
	}
	if output != "" {
		return output, nil
	}
	return "unknown", nil
}

type notFoundError struct{ agent string }

func (e *notFoundError) Error() string { return e.agent + " CLI not found in PATH" }
