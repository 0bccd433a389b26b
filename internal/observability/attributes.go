// Package observability provides metrics, tracing, and logging utilities.
package observability

import (
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys
const (
	attrMethod      = "method"
	attrPath        = "path"
	attrStatus      = "status"
	attrCommand     = "command"
	attrOutcome     = "outcome"
	attrFinalStatus = "final_status"
)

func methodAttr(method string) attribute.KeyValue {
	return attribute.String(attrMethod, method)
}

func pathAttr(path string) attribute.KeyValue {
	// Normalize paths with project keys to reduce cardinality
	// /v1/projects/abc/training -> /v1/projects/{key}/training
	return attribute.String(attrPath, normalizePath(path))
}

func statusAttr(code int) attribute.KeyValue {
	// Group status codes to reduce cardinality
	// 200-299 -> 2xx, 400-499 -> 4xx, 500-599 -> 5xx
	group := fmt.Sprintf("%dxx", code/100)
	return attribute.String(attrStatus, group)
}

func commandAttr(command string) attribute.KeyValue {
	return attribute.String(attrCommand, command)
}

func outcomeAttr(outcome string) attribute.KeyValue {
	return attribute.String(attrOutcome, outcome)
}

func finalStatusAttr(status string) attribute.KeyValue {
	return attribute.String(attrFinalStatus, status)
}

// normalizePath replaces dynamic path segments with placeholders.
// Route patterns that are already templated pass through unchanged.
func normalizePath(path string) string {
	const prefix = "/v1/projects/"
	rest, ok := strings.CutPrefix(path, prefix)
	if !ok || rest == "" {
		return path
	}
	_, tail, found := strings.Cut(rest, "/")
	if !found {
		return prefix + "{key}"
	}
	return prefix + "{key}/" + tail
}
