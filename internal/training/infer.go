package training

import (
	"bytes"
	"context"
	"encoding/json"
	"slices"
	"strconv"

	"segmentd/internal/apperrors"
	"segmentd/internal/process"
)

// InferRequest runs a trained model on one image. Model is a path; when empty
// the artifact of Key's completed job in Format (default pytorch) is used.
type InferRequest struct {
	Key        string  `json:"key,omitempty"`
	Format     string  `json:"format,omitempty"`
	Model      string  `json:"model,omitempty"`
	Image      string  `json:"image"`
	Confidence float64 `json:"confidence,omitempty"`
	IoU        float64 `json:"iou,omitempty"`
}

func (r InferRequest) withDefaults() InferRequest {
	if r.Format == "" {
		r.Format = FormatPyTorch
	}
	if r.Confidence == 0 {
		r.Confidence = 0.5
	}
	if r.IoU == 0 {
		r.IoU = 0.45
	}
	return r
}

// Validate checks the request after defaults are applied.
func (r InferRequest) Validate() error {
	switch {
	case r.Image == "":
		return apperrors.Validation("image", "image is required")
	case r.Model == "" && r.Key == "":
		return apperrors.Validation("model", "model or key is required")
	case r.Confidence <= 0 || r.Confidence > 1:
		return apperrors.Validation("confidence", "confidence must be in (0, 1]")
	case r.IoU <= 0 || r.IoU > 1:
		return apperrors.Validation("iou", "iou must be in (0, 1]")
	}
	return nil
}

// Detection is one detected object. BBox is x1, y1, x2, y2 in pixels.
type Detection struct {
	BBox       []float64 `json:"bbox"`
	Confidence float64   `json:"confidence"`
	ClassID    int       `json:"class_id"`
	ClassName  string    `json:"class_name"`
}

// InferResult is the detector's report for one image.
type InferResult struct {
	Model      string      `json:"model"`
	Image      string      `json:"image"`
	Detections []Detection `json:"detections"`
	Count      int         `json:"count"`
}

// Infer runs the trainer's one-shot inference mode and waits for its result.
// Cancelling ctx kills the process.
func (m *Manager) Infer(ctx context.Context, req InferRequest) (*InferResult, error) {
	req = req.withDefaults()
	if err := req.Validate(); err != nil {
		return nil, err
	}
	if req.Model == "" {
		artifact, err := m.Artifact(req.Key, req.Format)
		if err != nil {
			return nil, err
		}
		req.Model = artifact.Path
	}

	args := append(slices.Clone(m.cfg.Command[1:]),
		"infer",
		"--model", req.Model,
		"--image", req.Image,
		"--conf", strconv.FormatFloat(req.Confidence, 'f', -1, 64),
		"--iou", strconv.FormatFloat(req.IoU, 'f', -1, 64),
	)
	proc, err := m.launcher.Spawn(ctx, process.Spec{
		Name:    "infer",
		Command: m.cfg.Command[0],
		Args:    args,
		Env:     m.cfg.Env,
		Dir:     m.cfg.Dir,
	})
	if err != nil {
		return nil, err
	}

	var reply *inferReply
	for {
		select {
		case line, ok := <-proc.Lines():
			if !ok {
				return finishInfer(req, reply, proc.ExitStatus())
			}
			if line.Stream == process.Stderr {
				m.logger.Debug("Inference output", "stream", "stderr", "line", line.Text)
				continue
			}
			if r, ok := parseInferReply(line.Text); ok {
				reply = r
			}
		case <-ctx.Done():
			_ = proc.Kill()
			return nil, ctx.Err()
		}
	}
}

type inferReply struct {
	Success    bool        `json:"success"`
	Error      string      `json:"error"`
	Image      string      `json:"image"`
	Detections []Detection `json:"detections"`
	Count      int         `json:"count"`
}

// parseInferReply accepts the untyped result object; typed lines are log events.
func parseInferReply(line string) (*inferReply, bool) {
	trimmed := bytes.TrimSpace([]byte(line))
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, false
	}
	var head struct {
		Type    *string `json:"type"`
		Success *bool   `json:"success"`
	}
	if err := json.Unmarshal(trimmed, &head); err != nil || head.Type != nil || head.Success == nil {
		return nil, false
	}
	var r inferReply
	if err := json.Unmarshal(trimmed, &r); err != nil {
		return nil, false
	}
	return &r, true
}

func finishInfer(req InferRequest, reply *inferReply, exit process.ExitStatus) (*InferResult, error) {
	if reply == nil {
		return nil, apperrors.CommandFailed("infer", "no result from detector ("+exit.String()+")")
	}
	if !reply.Success {
		reason := reply.Error
		if reason == "" {
			reason = "detector reported failure"
		}
		return nil, apperrors.CommandFailed("infer", reason)
	}
	detections := reply.Detections
	if detections == nil {
		detections = []Detection{}
	}
	return &InferResult{
		Model:      req.Model,
		Image:      reply.Image,
		Detections: detections,
		Count:      reply.Count,
	}, nil
}
