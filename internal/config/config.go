package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
	"github.com/joho/godotenv"
)

var ErrAPIKeyRequired = errors.New("OPENAI_API_KEY is required")

// Config holds the environment driven configuration for the refinement
// service.
type Config struct {
	ServiceName     string        `env:"SERVICE_NAME" envDefault:"archrefine"`
	Environment     string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort        int           `env:"HTTP_PORT" envDefault:"8080"`
	LogLevel        string        `env:"LOG_LEVEL" envDefault:"info"`
	Verbose         bool          `env:"VERBOSE" envDefault:"false"`
	EnableTracing   bool          `env:"ENABLE_TRACING" envDefault:"false"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	AllowedOrigins  []string      `env:"ALLOWED_ORIGINS" envSeparator:","`

	DatabasePath string `env:"DATABASE_PATH"`
	ImageDir     string `env:"IMAGE_DIR"`
	PruneImages  bool   `env:"PRUNE_DISCARDED_IMAGES" envDefault:"false"`
	PersonasFile string `env:"PERSONAS_FILE"`
	PricingFile  string `env:"PRICING_FILE"`

	OpenAIAPIKey         string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL        string `env:"OPENAI_BASE_URL"`
	ImageModel           string `env:"IMAGE_MODEL" envDefault:"gpt-image-1"`
	JudgeModel           string `env:"JUDGE_MODEL" envDefault:"gpt-4o"`
	RewriteModel         string `env:"REWRITE_MODEL" envDefault:"gpt-4o"`
	ImageSendTemperature bool   `env:"IMAGE_SEND_TEMPERATURE" envDefault:"false"`

	GenerateTimeout time.Duration `env:"GENERATE_TIMEOUT" envDefault:"180s"`
	EvaluateTimeout time.Duration `env:"EVALUATE_TIMEOUT" envDefault:"90s"`
	RefineTimeout   time.Duration `env:"REFINE_TIMEOUT" envDefault:"60s"`

	DefaultTargetScore   int `env:"DEFAULT_TARGET_SCORE" envDefault:"8"`
	DefaultMaxIterations int `env:"DEFAULT_MAX_ITERATIONS" envDefault:"10"`
}

// Load parses environment variables into Config.
//
// Environment variables take precedence over a .env file, which takes
// precedence over the struct tag defaults.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	if cfg.GenerateTimeout <= 0 {
		cfg.GenerateTimeout = 180 * time.Second
	}
	if cfg.EvaluateTimeout <= 0 {
		cfg.EvaluateTimeout = 90 * time.Second
	}
	if cfg.RefineTimeout <= 0 {
		cfg.RefineTimeout = 60 * time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}

	if cfg.DefaultTargetScore < 0 || cfg.DefaultTargetScore > 10 {
		return nil, fmt.Errorf("DEFAULT_TARGET_SCORE must be between 0 and 10, got %d", cfg.DefaultTargetScore)
	}
	if cfg.DefaultMaxIterations < 1 {
		return nil, fmt.Errorf("DEFAULT_MAX_ITERATIONS must be at least 1, got %d", cfg.DefaultMaxIterations)
	}

	if cfg.DatabasePath == "" || cfg.ImageDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get home directory: %w", err)
		}
		if cfg.DatabasePath == "" {
			cfg.DatabasePath = filepath.Join(home, ".archrefine", "runs.db")
		}
		if cfg.ImageDir == "" {
			cfg.ImageDir = filepath.Join(home, ".archrefine", "images")
		}
	}

	return cfg, nil
}

// LoadEnvFiles loads the first .env files found in the working directory or
// its parent. Variables already set in the environment win.
func LoadEnvFiles(paths ...string) {
	if len(paths) == 0 {
		paths = []string{".env", "../.env"}
	}
	for _, path := range paths {
		if _, err := os.Stat(path); err == nil {
			if err := godotenv.Load(path); err != nil {
				fmt.Fprintf(os.Stderr, "warning: failed to load %s: %v\n", path, err)
			}
		}
	}
}

// RequireAPIKey reports ErrAPIKeyRequired when no OpenAI key is configured.
func (c *Config) RequireAPIKey() error {
	if strings.TrimSpace(c.OpenAIAPIKey) == "" {
		return ErrAPIKeyRequired
	}
	return nil
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
