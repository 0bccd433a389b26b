package training

import (
	"encoding/json"
	"fmt"
	"maps"
	"math"
	"regexp"
	"slices"
	"strconv"
	"time"

	"segmentd/internal/apperrors"
)

// Status is a job lifecycle state.
type Status string

// Job states. A job moves from running to exactly one terminal state.
const (
	StatusIdle      Status = "idle"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusStopped   Status = "stopped"
)

// Terminal reports whether s is a final state.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusStopped
}

// Config holds the parameters a job was started with.
type Config struct {
	Dataset   string `json:"dataset"` // path to the dataset's data.yaml
	Epochs    int    `json:"epochs"`
	Batch     int    `json:"batch"`
	ImageSize int    `json:"imageSize"`
	Device    string `json:"device"` // GPU index; the trainer parses it as an integer
	Workers   int    `json:"workers"`
}

func (c Config) withDefaults() Config {
	if c.Epochs == 0 {
		c.Epochs = 100
	}
	if c.Batch == 0 {
		c.Batch = 8
	}
	if c.ImageSize == 0 {
		c.ImageSize = 640
	}
	if c.Device == "" {
		c.Device = "0"
	}
	if c.Workers == 0 {
		c.Workers = 4
	}
	return c
}

var deviceRe = regexp.MustCompile(`^\d+$`)

// Validate checks c after defaults are applied.
func (c Config) Validate() error {
	switch {
	case c.Dataset == "":
		return apperrors.Validation("dataset", "dataset is required")
	case c.Epochs < 1 || c.Epochs > 10000:
		return apperrors.Validation("epochs", "epochs must be between 1 and 10000")
	case c.Batch < 1 || c.Batch > 1024:
		return apperrors.Validation("batch", "batch must be between 1 and 1024")
	case c.ImageSize < 32 || c.ImageSize > 4096 || c.ImageSize%32 != 0:
		return apperrors.Validation("imageSize", "imageSize must be a multiple of 32 between 32 and 4096")
	case !deviceRe.MatchString(c.Device):
		return apperrors.Validation("device", fmt.Sprintf("invalid device %q", c.Device))
	case c.Workers < 0 || c.Workers > 64:
		return apperrors.Validation("workers", "workers must be between 0 and 64")
	}
	return nil
}

// Args renders c as trainer arguments writing into outputDir.
func (c Config) Args(outputDir string) []string {
	return []string{
		"train",
		"--data", c.Dataset,
		"--output", outputDir,
		"--epochs", strconv.Itoa(c.Epochs),
		"--batch", strconv.Itoa(c.Batch),
		"--imgsz", strconv.Itoa(c.ImageSize),
		"--device", c.Device,
		"--workers", strconv.Itoa(c.Workers),
	}
}

// Progress tracks epochs done out of the configured total.
type Progress struct {
	Current int     `json:"current"`
	Total   int     `json:"total"`
	Percent float64 `json:"percent"`
}

// advance applies a progress report. Reports that would move progress
// backwards are ignored.
func (p *Progress) advance(current, total int) bool {
	if total <= 0 || current < 0 || current < p.Current {
		return false
	}
	if current > total {
		current = total
	}
	p.Current = current
	p.Total = total
	p.Percent = math.Round(float64(current)/float64(total)*1000) / 10
	return true
}

// LogEntry is one line of job output.
type LogEntry struct {
	Seq     int             `json:"seq"`
	Time    time.Time       `json:"time"`
	Type    EventType       `json:"type"`
	Stream  string          `json:"stream"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Result is the trainer's final report.
type Result struct {
	Success             bool               `json:"success"`
	TrainingTimeSeconds float64            `json:"trainingTimeSeconds"`
	EpochsCompleted     int                `json:"epochsCompleted"`
	BestModel           string             `json:"bestModel,omitempty"`
	ONNXModel           string             `json:"onnxModel,omitempty"`
	NCNNModel           string             `json:"ncnnModel,omitempty"`
	Metrics             map[string]float64 `json:"metrics,omitempty"`
}

// Artifact is a file or directory produced by a completed job.
type Artifact struct {
	Format string `json:"format"`
	Path   string `json:"path"`
	Size   int64  `json:"size"`
	Dir    bool   `json:"dir,omitempty"`
}

// Job is a read-only snapshot of one training invocation.
type Job struct {
	ID               string             `json:"id,omitempty"`
	Key              string             `json:"key"`
	Status           Status             `json:"status"`
	Config           Config             `json:"config"`
	Progress         Progress           `json:"progress"`
	Metrics          map[string]float64 `json:"metrics,omitempty"`
	OutputDir        string             `json:"outputDir,omitempty"`
	StartTime        time.Time          `json:"startTime,omitzero"`
	EndTime          *time.Time         `json:"endTime,omitempty"`
	ExitCode         *int               `json:"exitCode,omitempty"`
	Error            string             `json:"error,omitempty"`
	Result           *Result            `json:"result,omitempty"`
	Artifacts        []Artifact         `json:"artifacts,omitempty"`
	MissingArtifacts []string           `json:"missingArtifacts,omitempty"`
	LogCount         int                `json:"logCount"`
	LogsDropped      int                `json:"logsDropped"`
}

// idleJob is returned for keys with no job.
func idleJob(key string) Job {
	return Job{Key: key, Status: StatusIdle}
}

// Duration returns how long the job ran, or has run so far.
func (j Job) Duration() time.Duration {
	if j.StartTime.IsZero() {
		return 0
	}
	if j.EndTime != nil {
		return j.EndTime.Sub(j.StartTime)
	}
	return time.Since(j.StartTime)
}

// clone deep-copies the mutable parts of j.
func (j Job) clone() Job {
	j.Metrics = maps.Clone(j.Metrics)
	j.Artifacts = slices.Clone(j.Artifacts)
	j.MissingArtifacts = slices.Clone(j.MissingArtifacts)
	if j.EndTime != nil {
		t := *j.EndTime
		j.EndTime = &t
	}
	if j.ExitCode != nil {
		c := *j.ExitCode
		j.ExitCode = &c
	}
	if j.Result != nil {
		r := *j.Result
		r.Metrics = maps.Clone(r.Metrics)
		j.Result = &r
	}
	return j
}

var keyRe = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// validateKey ensures key is safe to use as a directory name.
func validateKey(key string) error {
	if !keyRe.MatchString(key) {
		return apperrors.Validation("key", "key must be 1-128 characters of letters, digits, '.', '_' or '-'")
	}
	return nil
}
