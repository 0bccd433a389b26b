package training

import (
	"encoding/json"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// EventType classifies one trainer output line.
type EventType string

const (
	EventInfo       EventType = "info"
	EventProgress   EventType = "progress"
	EventValidation EventType = "validation"
	EventError      EventType = "error"
	EventComplete   EventType = "complete"
)

// Event is a classified trainer output line.
type Event struct {
	Type        EventType
	Message     string
	Epoch       int
	TotalEpochs int
	Metrics     map[string]float64
	Result      *Result
	Raw         json.RawMessage // the line itself when it was structured
}

// eventSchemas describe the structured line shapes. A line that claims a type
// but does not match its schema is treated as plain text.
var eventSchemas = map[EventType]string{
	EventInfo: `{
		"type": "object",
		"required": ["type", "message"],
		"properties": {"message": {"type": "string"}}
	}`,
	EventError: `{
		"type": "object",
		"required": ["type", "message"],
		"properties": {"message": {"type": "string"}}
	}`,
	EventProgress: `{
		"type": "object",
		"required": ["type", "epoch", "total_epochs"],
		"properties": {
			"epoch": {"type": "integer", "minimum": 0},
			"total_epochs": {"type": "integer", "minimum": 1},
			"progress": {"type": "number"},
			"metrics": {"type": "object", "additionalProperties": {"type": ["number", "null"]}}
		}
	}`,
	EventValidation: `{
		"type": "object",
		"required": ["type", "metrics"],
		"properties": {
			"metrics": {"type": "object", "additionalProperties": {"type": ["number", "null"]}}
		}
	}`,
	EventComplete: `{
		"type": "object",
		"required": ["type"],
		"properties": {
			"success": {"type": "boolean"},
			"training_time_seconds": {"type": "number"},
			"epochs_completed": {"type": "integer"},
			"best_model": {"type": ["string", "null"]},
			"onnx_model": {"type": ["string", "null"]},
			"ncnn_model": {"type": ["string", "null"]},
			"metrics": {"type": "object", "additionalProperties": {"type": ["number", "null"]}}
		}
	}`,
}

// Grammar classifies trainer output lines.
type Grammar struct {
	schemas map[EventType]*jsonschema.Schema
}

// NewGrammar compiles the event schemas.
func NewGrammar() (*Grammar, error) {
	compiler := jsonschema.NewCompiler()
	g := &Grammar{schemas: make(map[EventType]*jsonschema.Schema, len(eventSchemas))}
	for typ, schema := range eventSchemas {
		url := string(typ) + ".json"
		if err := compiler.AddResource(url, strings.NewReader(schema)); err != nil {
			return nil, fmt.Errorf("add %s schema: %w", typ, err)
		}
		compiled, err := compiler.Compile(url)
		if err != nil {
			return nil, fmt.Errorf("compile %s schema: %w", typ, err)
		}
		g.schemas[typ] = compiled
	}
	return g, nil
}

// wireEvent is the union of all structured line fields.
type wireEvent struct {
	Type                EventType           `json:"type"`
	Message             string              `json:"message"`
	Epoch               int                 `json:"epoch"`
	TotalEpochs         int                 `json:"total_epochs"`
	Metrics             map[string]*float64 `json:"metrics"`
	Success             *bool               `json:"success"`
	TrainingTimeSeconds float64             `json:"training_time_seconds"`
	EpochsCompleted     int                 `json:"epochs_completed"`
	BestModel           *string             `json:"best_model"`
	ONNXModel           *string             `json:"onnx_model"`
	NCNNModel           *string             `json:"ncnn_model"`
}

// Parse classifies one line. It never fails: anything unrecognised is info.
func (g *Grammar) Parse(line string) Event {
	plain := Event{Type: EventInfo, Message: line}

	trimmed := strings.TrimSpace(line)
	if !strings.HasPrefix(trimmed, "{") {
		return plain
	}

	var doc any
	if err := json.Unmarshal([]byte(trimmed), &doc); err != nil {
		return plain
	}
	obj, ok := doc.(map[string]any)
	if !ok {
		return plain
	}
	typ, _ := obj["type"].(string)
	schema, ok := g.schemas[EventType(typ)]
	if !ok || schema.Validate(doc) != nil {
		return plain
	}

	var w wireEvent
	if err := json.Unmarshal([]byte(trimmed), &w); err != nil {
		return plain
	}

	ev := Event{
		Type:    w.Type,
		Message: w.Message,
		Metrics: metricValues(w.Metrics),
		Raw:     json.RawMessage(trimmed),
	}
	switch w.Type {
	case EventProgress:
		ev.Epoch = w.Epoch
		ev.TotalEpochs = w.TotalEpochs
		ev.Message = fmt.Sprintf("epoch %d/%d", w.Epoch, w.TotalEpochs)
	case EventValidation:
		ev.Message = "validation " + formatMetrics(ev.Metrics)
	case EventComplete:
		ev.Result = &Result{
			Success:             w.Success == nil || *w.Success,
			TrainingTimeSeconds: w.TrainingTimeSeconds,
			EpochsCompleted:     w.EpochsCompleted,
			BestModel:           deref(w.BestModel),
			ONNXModel:           deref(w.ONNXModel),
			NCNNModel:           deref(w.NCNNModel),
			Metrics:             ev.Metrics,
		}
		ev.Message = "training complete"
	}
	return ev
}

func metricValues(in map[string]*float64) map[string]float64 {
	if len(in) == 0 {
		return nil
	}
	out := make(map[string]float64, len(in))
	for k, v := range in {
		if v != nil {
			out[k] = *v
		}
	}
	return out
}

func formatMetrics(m map[string]float64) string {
	parts := make([]string, 0, len(m))
	for _, k := range slices.Sorted(maps.Keys(m)) {
		parts = append(parts, fmt.Sprintf("%s=%g", k, m[k]))
	}
	return strings.Join(parts, " ")
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
