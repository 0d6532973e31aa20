// Package config loads config.yaml for the diagnosis service.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v2"

	"medpredict/logging"
	"medpredict/ml"
)

type Config struct {
	Database  DatabaseConfig  `yaml:"database"`
	HTTP      HTTPConfig      `yaml:"http"`
	Log       logging.Config  `yaml:"log"`
	Models    ModelsConfig    `yaml:"models"`
	Diagnosis DiagnosisConfig `yaml:"diagnosis"`
}

type DatabaseConfig struct {
	Path string `yaml:"path" validate:"required"`
}

type HTTPConfig struct {
	Port    int           `yaml:"port" validate:"gte=0,lte=65535"`
	Timeout time.Duration `yaml:"timeout" validate:"gt=0"`
}

type ModelsConfig struct {
	Root             string  `yaml:"root" validate:"required"`
	CacheSize        int     `yaml:"cache_size" validate:"gt=0"`
	Watch            bool    `yaml:"watch"`
	MinRequiredRatio float64 `yaml:"min_required_ratio" validate:"gte=0,lte=1"`
}

type DiagnosisConfig struct {
	Workers        int           `yaml:"workers" validate:"gt=0"`
	PollInterval   time.Duration `yaml:"poll_interval" validate:"gt=0"`
	PredictTimeout time.Duration `yaml:"predict_timeout" validate:"gt=0"`
	StaleAfter     time.Duration `yaml:"stale_after" validate:"gt=0"`
	BatchSize      int           `yaml:"batch_size" validate:"gt=0"`
}

// Default returns the configuration used for keys absent from the file.
func Default() Config {
	return Config{
		Database: DatabaseConfig{Path: "medpredict.db"},
		HTTP:     HTTPConfig{Port: 8080, Timeout: 30 * time.Second},
		Log:      logging.Config{Level: "info", Format: "json", MaxSizeMB: 100, MaxBackups: 5, MaxAgeDays: 30},
		Models: ModelsConfig{
			Root:             "models",
			CacheSize:        ml.DefaultCacheSize,
			Watch:            true,
			MinRequiredRatio: ml.DefaultMinRequiredRatio,
		},
		Diagnosis: DiagnosisConfig{
			Workers:        4,
			PollInterval:   5 * time.Second,
			PredictTimeout: 30 * time.Second,
			StaleAfter:     10 * time.Minute,
			BatchSize:      50,
		},
	}
}

// Load reads path on top of Default and validates the result.
func Load(path string) (*Config, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	config := Default()
	if err := yaml.NewDecoder(file).Decode(&config); err != nil {
		return nil, fmt.Errorf("decode %s: %w", path, err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}
	return &config, nil
}

func (c *Config) Validate() error {
	return validator.New().Struct(c)
}
