package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/charmbracelet/log"
)

// Config is read from FACEMERGE_* environment variables. Command flags
// override individual fields after parsing.
type Config struct {
	LogLevel string `env:"FACEMERGE_LOG_LEVEL" envDefault:"info"`

	RedisAddr     string        `env:"FACEMERGE_REDIS_ADDR" envDefault:"localhost:6379"`
	RedisUser     string        `env:"FACEMERGE_REDIS_USERNAME"`
	RedisPassword string        `env:"FACEMERGE_REDIS_PASSWORD"`
	RedisDB       int           `env:"FACEMERGE_REDIS_DB" envDefault:"0"`
	FrameTTL      time.Duration `env:"FACEMERGE_FRAME_TTL" envDefault:"24h"`

	AgeGenderAddr string `env:"FACEMERGE_AGE_GENDER_ADDR" envDefault:":50052"`
	LandmarksAddr string `env:"FACEMERGE_LANDMARKS_ADDR" envDefault:":50051"`
	StorageAddr   string `env:"FACEMERGE_STORAGE_ADDR" envDefault:":50053"`

	AgeGenderURL string        `env:"FACEMERGE_AGE_GENDER_URL" envDefault:"localhost:50052"`
	LandmarksURL string        `env:"FACEMERGE_LANDMARKS_URL" envDefault:"localhost:50051"`
	StorageURL   string        `env:"FACEMERGE_STORAGE_URL" envDefault:"localhost:50053"`
	RPCTimeout   time.Duration `env:"FACEMERGE_RPC_TIMEOUT" envDefault:"60s"`

	Workers int  `env:"FACEMERGE_WORKERS" envDefault:"4"`
	Handoff bool `env:"FACEMERGE_HANDOFF" envDefault:"true"`

	Python         string `env:"FACEMERGE_PYTHON" envDefault:"python3"`
	EngineScript   string `env:"FACEMERGE_ENGINE_SCRIPT" envDefault:"python/worker.py"`
	ONNXLibrary    string `env:"FACEMERGE_ONNX_LIBRARY"`
	ONNXModel      string `env:"FACEMERGE_ONNX_MODEL"`
	ONNXMetadata   string `env:"FACEMERGE_ONNX_METADATA"`
	StorageBackend string `env:"FACEMERGE_STORAGE_BACKEND" envDefault:"postgres"`
	StorageFile    string `env:"FACEMERGE_STORAGE_FILE" envDefault:"storage_data.json"`

	DatabaseURL string `env:"FACEMERGE_DATABASE_URL"`

	ShutdownGrace time.Duration `env:"FACEMERGE_SHUTDOWN_GRACE" envDefault:"10s"`
}

// Load parses the environment.
func Load() (Config, error) {
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return Config{}, fmt.Errorf("error parsing config: %w", err)
	}
	if _, err := log.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, fmt.Errorf("invalid log level %q: %w", cfg.LogLevel, err)
	}
	return cfg, nil
}

// PostgresURL returns the configured DSN, falling back to the POSTGRES_*
// variables and finally to a local default.
func (c Config) PostgresURL() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	if host := os.Getenv("POSTGRES_HOST"); host != "" {
		user := os.Getenv("POSTGRES_USER")
		pass := os.Getenv("POSTGRES_PASSWORD")
		name := os.Getenv("POSTGRES_DB")
		port := os.Getenv("POSTGRES_PORT")
		if port == "" {
			port = "5432"
		}
		return fmt.Sprintf("postgres://%s:%s@%s:%s/%s", user, pass, host, port, name)
	}
	return "postgres://localhost:5432/facemerge"
}

// NewLogger builds the component logger. Every log line carries the prefix.
func (c Config) NewLogger(w io.Writer, prefix string) *log.Logger {
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		level = log.InfoLevel
	}
	return log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.RFC3339,
		Level:           level,
		Prefix:          prefix,
	})
}
