package mcp

import (
	"fmt"
	"strings"

	"github.com/flowmesh/agentbus/agentbuserr"
)

// EnvVarSpec describes one environment/header variable a tool server needs,
// mirroring ToolServerMetadata.EnvVars.
type EnvVarSpec struct {
	Name        string
	Required    bool
	Description string
}

// ValidateEnv checks that every required variable in specs has a non-empty
// value in values, returning a ValidationError naming the first missing one.
func ValidateEnv(server string, specs []EnvVarSpec, values map[string]string) error {
	for _, spec := range specs {
		if !spec.Required {
			continue
		}
		if strings.TrimSpace(values[spec.Name]) == "" {
			return &agentbuserr.ValidationError{
				Component: server,
				Reason:    fmt.Sprintf("required environment variable %q is not set", spec.Name),
			}
		}
	}
	return nil
}

// TemplateHeaders substitutes "{NAME}"-style placeholders in header template
// values (e.g. "Bearer {TOKEN}") with entries from values, grounded on the
// teacher's opts.Env handling in features/mcp/runtime/stdiocaller.go,
// generalized from plain env-list passthrough to placeholder substitution.
func TemplateHeaders(templates map[string]string, values map[string]string) map[string]string {
	out := make(map[string]string, len(templates))
	for header, tmpl := range templates {
		out[header] = templateString(tmpl, values)
	}
	return out
}

func templateString(tmpl string, values map[string]string) string {
	result := tmpl
	for k, v := range values {
		result = strings.ReplaceAll(result, "{"+k+"}", v)
	}
	return result
}

// TemplateEnv renders a "NAME=value" slice for subprocess environments,
// substituting placeholders the same way as TemplateHeaders.
func TemplateEnv(templates map[string]string, values map[string]string) []string {
	out := make([]string, 0, len(templates))
	for k, tmpl := range templates {
		out = append(out, k+"="+templateString(tmpl, values))
	}
	return out
}
