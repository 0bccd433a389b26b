// Package config provides configuration loading from environment variables.
package config

import (
	"time"
)

// ServiceConfig holds configuration for the segmentd service.
type ServiceConfig struct {
	Port              string
	MetricsPort       string
	APIKey            string
	ShutdownDrainWait time.Duration // Time to wait for load balancer to drain (0 to skip)
	LogLevel          string        // debug, info, warn or error

	// Interactive segmentation worker
	WorkerCommand        []string
	WorkerDir            string
	WorkerEnv            map[string]string
	WorkerRequestTimeout time.Duration

	// Training jobs
	TrainerCommand      []string
	TrainingOutputRoot  string
	TrainingLogCapacity int
	TrainingStopGrace   time.Duration
	TrainingRuntime     string // "exec" or "docker"; the docker launcher reads its own TRAINING_* settings
	TrainingCallbackURL string
	TrainingCallbackKey string
}

// LoadServiceConfig loads service configuration from environment variables.
// Values from config/.env and .env are applied first when present.
func LoadServiceConfig() (*ServiceConfig, error) {
	if err := LoadDotEnv("config/.env", ".env"); err != nil {
		return nil, err
	}

	return &ServiceConfig{
		Port:              GetEnv("PORT", "8080"),
		MetricsPort:       GetEnv("METRICS_PORT", "9090"),
		APIKey:            GetSecretFile(GetEnv("API_KEY_FILE", "")),
		ShutdownDrainWait: GetDurationEnv("SHUTDOWN_DRAIN_WAIT", 5*time.Second),
		LogLevel:          GetEnv("LOG_LEVEL", "info"),

		WorkerCommand:        GetFieldsEnv("WORKER_COMMAND", []string{"python3", "backend/sam3_service.py"}),
		WorkerDir:            GetEnv("WORKER_DIR", ""),
		WorkerEnv:            GetPairsEnv("WORKER_ENV"),
		WorkerRequestTimeout: GetDurationEnv("WORKER_REQUEST_TIMEOUT", 60*time.Second),

		TrainerCommand:      GetFieldsEnv("TRAINER_COMMAND", []string{"python3", "backend/train_yolo.py"}),
		TrainingOutputRoot:  GetEnv("TRAINING_OUTPUT_ROOT", "data/training"),
		TrainingLogCapacity: GetIntEnv("TRAINING_LOG_CAPACITY", 1000),
		TrainingStopGrace:   GetDurationEnv("TRAINING_STOP_GRACE", 10*time.Second),
		TrainingRuntime:     GetEnv("TRAINING_RUNTIME", "exec"),
		TrainingCallbackURL: GetEnv("TRAINING_CALLBACK_URL", ""),
		TrainingCallbackKey: GetSecretFile(GetEnv("TRAINING_CALLBACK_KEY_FILE", "")),
	}, nil
}
