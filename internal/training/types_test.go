package training

import (
	"errors"
	"slices"
	"testing"
	"time"

	"segmentd/internal/apperrors"
)

func TestConfig_Defaults(t *testing.T) {
	cfg := Config{Dataset: "d.yaml"}.withDefaults()
	want := Config{Dataset: "d.yaml", Epochs: 100, Batch: 8, ImageSize: 640, Device: "0", Workers: 4}
	if cfg != want {
		t.Errorf("withDefaults = %+v, want %+v", cfg, want)
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate = %v", err)
	}
}

func TestConfig_Validate(t *testing.T) {
	base := Config{Dataset: "d.yaml"}.withDefaults()
	tests := []struct {
		name   string
		mutate func(*Config)
		field  string
	}{
		{"dataset", func(c *Config) { c.Dataset = "" }, "dataset"},
		{"epochs", func(c *Config) { c.Epochs = -1 }, "epochs"},
		{"batch", func(c *Config) { c.Batch = 5000 }, "batch"},
		{"image size not multiple of 32", func(c *Config) { c.ImageSize = 650 }, "imageSize"},
		{"device", func(c *Config) { c.Device = "cuda:0" }, "device"},
		{"workers", func(c *Config) { c.Workers = -2 }, "workers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg := base
			tt.mutate(&cfg)
			var appErr *apperrors.Error
			err := cfg.Validate()
			if !errors.As(err, &appErr) || appErr.Field != tt.field {
				t.Errorf("Validate = %v, want error on %s", err, tt.field)
			}
		})
	}

	for _, device := range []string{"0", "1", "12"} {
		cfg := base
		cfg.Device = device
		if err := cfg.Validate(); err != nil {
			t.Errorf("device %q rejected: %v", device, err)
		}
	}
	for _, device := range []string{"cpu", "mps", "0,1", "-1"} {
		cfg := base
		cfg.Device = device
		if err := cfg.Validate(); err == nil {
			t.Errorf("device %q accepted, trainer only takes an integer index", device)
		}
	}
}

func TestConfig_Args(t *testing.T) {
	cfg := Config{Dataset: "/data/p/data.yaml", Epochs: 10, Batch: 4, ImageSize: 320, Device: "1", Workers: 2}
	want := []string{
		"train",
		"--data", "/data/p/data.yaml",
		"--output", "/runs/p/1",
		"--epochs", "10",
		"--batch", "4",
		"--imgsz", "320",
		"--device", "1",
		"--workers", "2",
	}
	if got := cfg.Args("/runs/p/1"); !slices.Equal(got, want) {
		t.Errorf("Args = %v\nwant %v", got, want)
	}
}

func TestProgress_Advance(t *testing.T) {
	var p Progress

	steps := []struct {
		current, total int
		accepted       bool
		want           Progress
	}{
		{1, 10, true, Progress{1, 10, 10}},
		{3, 10, true, Progress{3, 10, 30}},
		{2, 10, false, Progress{3, 10, 30}},
		{3, 10, true, Progress{3, 10, 30}},
		{1, 3, false, Progress{3, 10, 30}},
		{5, 0, false, Progress{3, 10, 30}},
		{7, 9, true, Progress{7, 9, 77.8}},
		{12, 9, true, Progress{9, 9, 100}},
	}

	for i, s := range steps {
		if got := p.advance(s.current, s.total); got != s.accepted {
			t.Errorf("step %d: advance(%d, %d) = %v, want %v", i, s.current, s.total, got, s.accepted)
		}
		if p != s.want {
			t.Errorf("step %d: progress = %+v, want %+v", i, p, s.want)
		}
	}
}

func TestStatus_Terminal(t *testing.T) {
	for s, want := range map[Status]bool{
		StatusIdle:      false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusStopped:   true,
	} {
		if s.Terminal() != want {
			t.Errorf("%s.Terminal() = %v", s, !want)
		}
	}
}

func TestJob_CloneIsDeep(t *testing.T) {
	end := time.Now()
	code := 0
	j := Job{
		Metrics:   map[string]float64{"mAP50": 0.5},
		Artifacts: []Artifact{{Format: FormatPyTorch}},
		EndTime:   &end,
		ExitCode:  &code,
		Result:    &Result{Metrics: map[string]float64{"recall": 1}},
	}
	c := j.clone()
	c.Metrics["mAP50"] = 0
	c.Artifacts[0].Format = "x"
	*c.ExitCode = 9
	c.Result.Metrics["recall"] = 0

	if j.Metrics["mAP50"] != 0.5 || j.Artifacts[0].Format != FormatPyTorch || code != 0 || j.Result.Metrics["recall"] != 1 {
		t.Error("clone shares state with the original")
	}
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"proj-1", "A.b_c", "7"} {
		if err := validateKey(key); err != nil {
			t.Errorf("validateKey(%q) = %v", key, err)
		}
	}
	for _, key := range []string{"", ".", "..", "a/b", "-x", "a b"} {
		if err := validateKey(key); !errors.Is(err, apperrors.ErrValidation) {
			t.Errorf("validateKey(%q) = %v, want ErrValidation", key, err)
		}
	}
}
