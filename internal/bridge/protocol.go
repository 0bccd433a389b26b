package bridge

import (
	"bytes"
	"encoding/json"
	"fmt"

	"segmentd/internal/apperrors"
)

// Command is one worker instruction. It is serialized as a single JSON object
// whose "command" field carries Kind.
type Command interface {
	Kind() string
}

// Background modes accepted by crop_from_mask.
const (
	BackgroundTransparent = "transparent"
	BackgroundWhite       = "white"
	BackgroundBlack       = "black"
	BackgroundOriginal    = "original"
)

// LoadImageCommand loads an image into a worker session.
type LoadImageCommand struct {
	ImagePath string `json:"image_path"`
	SessionID string `json:"session_id"`
}

// PredictClickCommand segments from positive/negative point prompts.
type PredictClickCommand struct {
	SessionID         string       `json:"session_id"`
	Points            [][2]float64 `json:"points"`
	Labels            []int        `json:"labels"`
	MultimaskOutput   bool         `json:"multimask_output"`
	UsePreviousLogits bool         `json:"use_previous_logits"`
}

// PredictTextCommand segments every instance matching a text prompt.
type PredictTextCommand struct {
	SessionID string `json:"session_id"`
	Prompt    string `json:"prompt"`
}

// CropFromMaskCommand writes the masked region of the session image to disk.
type CropFromMaskCommand struct {
	SessionID      string `json:"session_id"`
	MaskIndex      int    `json:"mask_index"`
	OutputPath     string `json:"output_path"`
	BackgroundMode string `json:"background_mode,omitempty"`
	Padding        *int   `json:"padding,omitempty"`
}

// ClearSessionCommand drops a worker session and its cached state.
type ClearSessionCommand struct {
	SessionID string `json:"session_id"`
}

// PingCommand checks the worker answers.
type PingCommand struct{}

func (LoadImageCommand) Kind() string    { return "load_image" }
func (PredictClickCommand) Kind() string { return "predict_click" }
func (PredictTextCommand) Kind() string  { return "predict_text" }
func (CropFromMaskCommand) Kind() string { return "crop_from_mask" }
func (ClearSessionCommand) Kind() string { return "clear_session" }
func (PingCommand) Kind() string         { return "ping" }

// Validate checks fields the worker cannot recover from.
func (c LoadImageCommand) Validate() error {
	if c.ImagePath == "" {
		return apperrors.Validation("image_path", "image_path is required")
	}
	return requireSession(c.SessionID)
}

func (c PredictClickCommand) Validate() error {
	if err := requireSession(c.SessionID); err != nil {
		return err
	}
	if len(c.Points) == 0 {
		return apperrors.Validation("points", "at least one point is required")
	}
	if len(c.Labels) != len(c.Points) {
		return apperrors.Validation("labels", "labels must match points one to one")
	}
	return nil
}

func (c PredictTextCommand) Validate() error {
	if c.Prompt == "" {
		return apperrors.Validation("prompt", "prompt is required")
	}
	return requireSession(c.SessionID)
}

func (c CropFromMaskCommand) Validate() error {
	if err := requireSession(c.SessionID); err != nil {
		return err
	}
	if c.OutputPath == "" {
		return apperrors.Validation("output_path", "output_path is required")
	}
	if c.MaskIndex < 0 {
		return apperrors.Validation("mask_index", "mask_index must not be negative")
	}
	switch c.BackgroundMode {
	case "", BackgroundTransparent, BackgroundWhite, BackgroundBlack, BackgroundOriginal:
	default:
		return apperrors.Validation("background_mode", fmt.Sprintf("unknown background mode %q", c.BackgroundMode))
	}
	if c.Padding != nil && *c.Padding < 0 {
		return apperrors.Validation("padding", "padding must not be negative")
	}
	return nil
}

func (c ClearSessionCommand) Validate() error {
	return requireSession(c.SessionID)
}

func requireSession(id string) error {
	if id == "" {
		return apperrors.Validation("session_id", "session_id is required")
	}
	return nil
}

type validator interface {
	Validate() error
}

// Validate runs the command's own checks, if it has any.
func Validate(cmd Command) error {
	if cmd == nil {
		return apperrors.Validation("command", "command is required")
	}
	if v, ok := cmd.(validator); ok {
		return v.Validate()
	}
	return nil
}

// EncodeCommand renders cmd as one protocol line, without the newline.
func EncodeCommand(cmd Command) (string, error) {
	body, err := json.Marshal(cmd)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(body, &fields); err != nil {
		return "", fmt.Errorf("encode %s: command must be a JSON object: %w", cmd.Kind(), err)
	}
	kind, _ := json.Marshal(cmd.Kind())
	fields["command"] = kind

	line, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", cmd.Kind(), err)
	}
	return string(line), nil
}

// DecodeCommand turns a caller-supplied JSON object into a typed command.
func DecodeCommand(raw []byte) (Command, error) {
	var head struct {
		Command string `json:"command"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return nil, apperrors.Validation("command", "body must be a JSON object")
	}

	var cmd Command
	switch head.Command {
	case "load_image":
		cmd = &LoadImageCommand{}
	case "predict_click":
		cmd = &PredictClickCommand{}
	case "predict_text":
		cmd = &PredictTextCommand{}
	case "crop_from_mask":
		cmd = &CropFromMaskCommand{}
	case "clear_session":
		cmd = &ClearSessionCommand{}
	case "ping":
		return PingCommand{}, nil
	case "":
		return nil, apperrors.Validation("command", "command is required")
	default:
		return nil, apperrors.Validation("command", fmt.Sprintf("unknown command %q", head.Command))
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	if err := dec.Decode(cmd); err != nil {
		return nil, apperrors.Validation("command", fmt.Sprintf("invalid %s: %v", head.Command, err))
	}

	// Return values, not pointers, so callers can type-switch on one form.
	switch c := cmd.(type) {
	case *LoadImageCommand:
		return *c, nil
	case *PredictClickCommand:
		return *c, nil
	case *PredictTextCommand:
		return *c, nil
	case *CropFromMaskCommand:
		return *c, nil
	case *ClearSessionCommand:
		return *c, nil
	}
	return cmd, nil
}

// Response is one parsed worker reply.
type Response struct {
	Success bool
	Error   string
	Raw     json.RawMessage
}

// Decode unmarshals the full reply into v.
func (r Response) Decode(v any) error {
	return json.Unmarshal(r.Raw, v)
}

// MarshalJSON returns the reply exactly as the worker sent it.
func (r Response) MarshalJSON() ([]byte, error) {
	if len(r.Raw) == 0 {
		return []byte("null"), nil
	}
	return r.Raw, nil
}

// lineKind classifies one worker stdout line.
type lineKind int

const (
	lineNoise lineKind = iota
	lineReady
	lineResponse
)

const readyStatus = "ready"

// parseLine decides whether text is the readiness signal, a response or noise.
func parseLine(text string) (lineKind, Response) {
	trimmed := bytes.TrimSpace([]byte(text))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return lineNoise, Response{}
	}

	var fields struct {
		Status  *string `json:"status"`
		Success *bool   `json:"success"`
		Error   string  `json:"error"`
	}
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return lineNoise, Response{}
	}

	if fields.Success == nil && fields.Status != nil && *fields.Status == readyStatus {
		return lineReady, Response{}
	}

	resp := Response{Error: fields.Error, Raw: json.RawMessage(trimmed)}
	if fields.Success != nil {
		resp.Success = *fields.Success
	}
	return lineResponse, resp
}
