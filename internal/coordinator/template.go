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

package coordinator

import (
	"bytes"
	"os"
	"text/template"

	"github.com/conductorrun/agentrun/pkg/orcherrors"
)

// DelegationVars fills a delegation template for one task.
type DelegationVars struct {
	TaskID  string
	Agent   string
	Goal    string
	Context string
}

// DefaultDelegationTemplate is used when no template file is configured.
const DefaultDelegationTemplate = `You are {{.Agent}}, delegated task {{.TaskID}}.

{{.Context}}

Your goal: {{.Goal}}
`

// LoadDelegationTemplate reads a delegation prompt template from path,
// falling back to DefaultDelegationTemplate if path is empty.
func LoadDelegationTemplate(path string) (*template.Template, error) {
	body := DefaultDelegationTemplate
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, orcherrors.Wrap(err, "read delegation template")
		}
		body = string(data)
	}
	tmpl, err := template.New("delegation").Parse(body)
	if err != nil {
		return nil, orcherrors.Wrap(err, "parse delegation template")
	}
	return tmpl, nil
}

// RenderDelegation fills tmpl with vars and returns the resulting prompt.
func RenderDelegation(tmpl *template.Template, vars DelegationVars) (string, error) {
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, vars); err != nil {
		return "", orcherrors.Wrap(err, "render delegation template")
	}
	return buf.String(), nil
}
