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

// Package contextpacket implements the Context Packet Builder from
// spec.md §4.5: it assembles the fixed-order GOAL / CONSTRAINTS /
// REFERENCES / DEFINITION OF DONE / TRACE document handed to every
// delegated agent, with W3C trace propagation and path-sanitized
// reference resolution.
package contextpacket

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"

	"go.opentelemetry.io/otel/trace"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// Reference is a single source file or excerpt included in the packet.
type Reference struct {
	Path    string
	Excerpt string
}

// Input is everything needed to build one Packet.
type Input struct {
	Goal             string
	Constraints      []string
	References       []Reference
	DefinitionOfDone []string
	ParentTraceID    trace.TraceID // zero value starts a fresh trace
	WorkspaceRoot    string        // reference paths are resolved and must stay inside this root
}

// Packet is the fully assembled, hashed context document.
type Packet struct {
	Goal             string
	Constraints      []string
	References       []Reference
	DefinitionOfDone []string
	TraceParent      string
	ContentHash      string
	Rendered         string
}

// Build assembles a Packet in the fixed section order required by
// spec.md §4.5, sanitizing every reference path against WorkspaceRoot
// and stamping a valid W3C traceparent.
func Build(in Input) (*Packet, error) {
	if strings.TrimSpace(in.Goal) == "" {
		return nil, &orcherrors.ValidationError{Field: "goal", Message: "goal must not be empty"}
	}

	refs := make([]Reference, 0, len(in.References))
	for _, r := range in.References {
		if in.WorkspaceRoot != "" {
			clean, err := sanitizePath(in.WorkspaceRoot, r.Path)
			if err != nil {
				return nil, err
			}
			r.Path = clean
		}
		refs = append(refs, r)
	}

	traceID := in.ParentTraceID
	if !traceID.IsValid() {
		var err error
		traceID, err = newTraceID()
		if err != nil {
			return nil, orcherrors.Wrap(err, "generate trace id")
		}
	}
	spanID, err := newSpanID()
	if err != nil {
		return nil, orcherrors.Wrap(err, "generate span id")
	}
	traceparent := formatTraceparent(traceID, spanID)

	p := &Packet{
		Goal:             in.Goal,
		Constraints:      in.Constraints,
		References:       refs,
		DefinitionOfDone: in.DefinitionOfDone,
		TraceParent:      traceparent,
	}
	p.Rendered = render(p)
	p.ContentHash = hashOf(p.Rendered)
	return p, nil
}

// render produces the fixed GOAL/CONSTRAINTS/REFERENCES/DEFINITION OF
// DONE/TRACE section ordering. Section order is part of the contract:
// downstream agents parse by heading, not by position, but every
// producer in this codebase emits them in this order.
func render(p *Packet) string {
	var b strings.Builder

	b.WriteString("GOAL\n")
	b.WriteString(p.Goal)
	b.WriteString("\n\n")

	b.WriteString("CONSTRAINTS\n")
	for _, c := range p.Constraints {
		fmt.Fprintf(&b, "- %s\n", c)
	}
	b.WriteString("\n")

	b.WriteString("REFERENCES\n")
	for _, r := range p.References {
		fmt.Fprintf(&b, "- %s\n", r.Path)
		if r.Excerpt != "" {
			fmt.Fprintf(&b, "  %s\n", r.Excerpt)
		}
	}
	b.WriteString("\n")

	b.WriteString("DEFINITION OF DONE\n")
	for _, d := range p.DefinitionOfDone {
		fmt.Fprintf(&b, "- %s\n", d)
	}
	b.WriteString("\n")

	b.WriteString("TRACE\n")
	fmt.Fprintf(&b, "traceparent: %s\n", p.TraceParent)

	return b.String()
}

func hashOf(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])
}

func newTraceID() (trace.TraceID, error) {
	var id trace.TraceID
	if _, err := rand.Read(id[:]); err != nil {
		return trace.TraceID{}, err
	}
	return id, nil
}

func newSpanID() (trace.SpanID, error) {
	var id trace.SpanID
	if _, err := rand.Read(id[:]); err != nil {
		return trace.SpanID{}, err
	}
	return id, nil
}

// formatTraceparent renders the W3C traceparent header value:
// version-traceid-spanid-flags.
func formatTraceparent(t trace.TraceID, s trace.SpanID) string {
	return fmt.Sprintf("00-%s-%s-01", t.String(), s.String())
}

// ParseTraceparent validates and extracts the trace ID from a
// traceparent header value, rejecting the all-zero ID/span forms the
// W3C spec calls out as invalid.
func ParseTraceparent(header string) (trace.TraceID, trace.SpanID, error) {
	parts := strings.Split(header, "-")
	if len(parts) != 4 {
		return trace.TraceID{}, trace.SpanID{}, &orcherrors.ValidationError{
			Field: "traceparent", Message: "expected 4 dash-separated fields",
		}
	}
	traceID, err := trace.TraceIDFromHex(parts[1])
	if err != nil || !traceID.IsValid() {
		return trace.TraceID{}, trace.SpanID{}, &orcherrors.ValidationError{
			Field: "traceparent", Message: "invalid or all-zero trace id",
		}
	}
	spanID, err := trace.SpanIDFromHex(parts[2])
	if err != nil || !spanID.IsValid() {
		return trace.TraceID{}, trace.SpanID{}, &orcherrors.ValidationError{
			Field: "traceparent", Message: "invalid or all-zero span id",
		}
	}
	return traceID, spanID, nil
}

// sanitizePath resolves rel against root and refuses any result that
// escapes root, whether via ".." segments or a symlink, per spec.md
// §4.5's containment requirement.
func sanitizePath(root, rel string) (string, error) {
	if filepath.IsAbs(rel) {
		return "", &orcherrors.ValidationError{
			Field: "reference_path", Message: fmt.Sprintf("reference path %q must be relative", rel),
		}
	}

	joined := filepath.Join(root, rel)
	cleanRoot := filepath.Clean(root)
	if !withinRoot(cleanRoot, joined) {
		return "", &orcherrors.ValidationError{
			Field:      "reference_path",
			Message:    fmt.Sprintf("reference path %q escapes workspace root", rel),
			Suggestion: "reference only files inside the workspace",
		}
	}

	resolved, err := filepath.EvalSymlinks(joined)
	if err == nil {
		if !withinRoot(cleanRoot, resolved) {
			return "", &orcherrors.ValidationError{
				Field:      "reference_path",
				Message:    fmt.Sprintf("reference path %q resolves outside workspace root via symlink", rel),
				Suggestion: "reference only files inside the workspace",
			}
		}
		return resolved, nil
	}
	// File may not exist yet (e.g. a planned output); containment by
	// lexical join is still enforced above.
	return joined, nil
}

func withinRoot(root, candidate string) bool {
	rel, err := filepath.Rel(root, candidate)
	if err != nil {
		return false
	}
	return rel == "." || (!strings.HasPrefix(rel, "..") && !filepath.IsAbs(rel))
}
