/*
 * This file is part of Loqa (https://github.com/loqalabs/loqa).
 * Copyright (C) 2025 Loqa Labs
 *
 * This program is free software: you can redistribute it and/or modify
 * it under the terms of the GNU Affero General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * This program is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
 * GNU Affero General Public License for more details.
 *
 * You should have received a copy of the GNU Affero General Public License
 * along with this program. If not, see <https://www.gnu.org/licenses/>.
 */

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
	"github.com/loqalabs/loqa-murajaah/internal/window"
	"github.com/loqalabs/loqa-murajaah/internal/worker"
)

// Config holds all configuration for the murajaah hub
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Engine     EngineConfig     `yaml:"engine"`
	Window     WindowConfig     `yaml:"window"`
	Validation ValidationConfig `yaml:"validation"`
	Worker     WorkerConfig     `yaml:"worker"`
	Logging    LoggingConfig    `yaml:"logging"`
	NATS       NATSConfig       `yaml:"nats"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Host         string        `yaml:"host"`
	Port         int           `yaml:"port"`
	GRPCPort     int           `yaml:"grpc_port"`
	DBPath       string        `yaml:"db_path"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
}

// EngineConfig selects the inference backend and its limits
type EngineConfig struct {
	Backend    string        `yaml:"backend"` // whisper, http or mock
	ModelPath  string        `yaml:"model_path"`
	Language   string        `yaml:"language"`
	STTURL     string        `yaml:"stt_url"` // OpenAI-compatible STT service for the http backend
	SampleRate int           `yaml:"sample_rate"`
	Timeout    time.Duration `yaml:"timeout"`
	MinWindow  time.Duration `yaml:"min_window"`
	MaxWindow  time.Duration `yaml:"max_window"`
}

// WindowConfig sizes the sliding window
type WindowConfig struct {
	Size               time.Duration `yaml:"size"`
	Step               time.Duration `yaml:"step"`
	DuplicateThreshold float64       `yaml:"duplicate_threshold"`
	SilenceThreshold   float64       `yaml:"silence_threshold"`
	TickInterval       time.Duration `yaml:"tick_interval"`
	Buffer             time.Duration `yaml:"buffer"`
}

// ValidationConfig tunes word matching
type ValidationConfig struct {
	CaseFold        bool    `yaml:"case_fold"`
	StripDiacritics bool    `yaml:"strip_diacritics"`
	MaxSuggestions  int     `yaml:"max_suggestions"`
	MaxDistance     int     `yaml:"max_distance"`
	MatchThreshold  float64 `yaml:"match_threshold"`
	DictionaryPath  string  `yaml:"dictionary_path"`
}

// WorkerConfig bounds engine concurrency
type WorkerConfig struct {
	MaxConcurrent int `yaml:"max_concurrent"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// NATSConfig holds NATS messaging configuration
type NATSConfig struct {
	Enabled       bool          `yaml:"enabled"`
	URL           string        `yaml:"url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MaxReconnect  int           `yaml:"max_reconnect"`
	ReconnectWait time.Duration `yaml:"reconnect_wait"`
}

// Load loads configuration from environment variables with defaults, then
// applies the YAML file named by MURAJAAH_CONFIG if set.
func Load() (*Config, error) {
	config := &Config{
		Server: ServerConfig{
			Host:         getEnvString("MURAJAAH_HOST", "0.0.0.0"),
			Port:         getEnvInt("MURAJAAH_PORT", 8080),
			GRPCPort:     getEnvInt("MURAJAAH_GRPC_PORT", 50051),
			DBPath:       getEnvString("MURAJAAH_DB_PATH", "./data/murajaah.db"),
			ReadTimeout:  getEnvDuration("MURAJAAH_READ_TIMEOUT", 30*time.Second),
			WriteTimeout: getEnvDuration("MURAJAAH_WRITE_TIMEOUT", 30*time.Second),
		},
		Engine: EngineConfig{
			Backend:    getEnvString("ENGINE_BACKEND", "whisper"),
			ModelPath:  getEnvString("ENGINE_MODEL_PATH", "./models/ggml-base.bin"),
			Language:   getEnvString("ENGINE_LANGUAGE", "ar"),
			STTURL:     getEnvString("STT_URL", "http://stt:8000"),
			SampleRate: getEnvInt("ENGINE_SAMPLE_RATE", 16000),
			Timeout:    getEnvDuration("ENGINE_TIMEOUT", 10*time.Second),
			MinWindow:  getEnvDuration("ENGINE_MIN_WINDOW", 100*time.Millisecond),
			MaxWindow:  getEnvDuration("ENGINE_MAX_WINDOW", 30*time.Second),
		},
		Window: WindowConfig{
			Size:               getEnvDuration("WINDOW_SIZE", 2*time.Second),
			Step:               getEnvDuration("WINDOW_STEP", 1500*time.Millisecond),
			DuplicateThreshold: getEnvFloat("WINDOW_DUPLICATE_THRESHOLD", window.DefaultDuplicateThreshold),
			SilenceThreshold:   getEnvFloat("WINDOW_SILENCE_THRESHOLD", 0.001),
			TickInterval:       getEnvDuration("WINDOW_TICK_INTERVAL", 100*time.Millisecond),
			Buffer:             getEnvDuration("WINDOW_BUFFER", 10*time.Second),
		},
		Validation: ValidationConfig{
			CaseFold:        getEnvBool("VALIDATION_CASE_FOLD", true),
			StripDiacritics: getEnvBool("VALIDATION_STRIP_DIACRITICS", true),
			MaxSuggestions:  getEnvInt("VALIDATION_MAX_SUGGESTIONS", validation.DefaultMaxSuggestions),
			MaxDistance:     getEnvInt("VALIDATION_MAX_DISTANCE", validation.DefaultMaxDistance),
			MatchThreshold:  getEnvFloat("VALIDATION_MATCH_THRESHOLD", validation.DefaultMatchThreshold),
			DictionaryPath:  getEnvString("VALIDATION_DICTIONARY", ""),
		},
		Worker: WorkerConfig{
			MaxConcurrent: getEnvInt("WORKER_MAX_CONCURRENT", 2),
		},
		Logging: LoggingConfig{
			Level:  getEnvString("LOG_LEVEL", "info"),
			Format: getEnvString("LOG_FORMAT", "json"),
		},
		NATS: NATSConfig{
			Enabled:       getEnvBool("NATS_ENABLED", false),
			URL:           getEnvString("NATS_URL", "nats://localhost:4222"),
			SubjectPrefix: getEnvString("NATS_SUBJECT_PREFIX", "murajaah"),
			MaxReconnect:  getEnvInt("NATS_MAX_RECONNECT", 10),
			ReconnectWait: getEnvDuration("NATS_RECONNECT_WAIT", 2*time.Second),
		},
	}

	if path := os.Getenv("MURAJAAH_CONFIG"); path != "" {
		if err := config.applyFile(path); err != nil {
			return nil, err
		}
	}

	if err := config.validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return config, nil
}

// applyFile overlays the YAML document at path. Keys absent from the file
// keep their current value.
func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return nil
}

// validate checks if the configuration is valid
func (c *Config) validate() error {
	var errs []error

	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("invalid server port: %d", c.Server.Port))
	}
	if c.Server.GRPCPort <= 0 || c.Server.GRPCPort > 65535 {
		errs = append(errs, fmt.Errorf("invalid gRPC port: %d", c.Server.GRPCPort))
	}
	if c.Engine.SampleRate <= 0 {
		errs = append(errs, fmt.Errorf("sample rate must be positive: %d", c.Engine.SampleRate))
	}
	if c.Engine.Backend == "http" && c.Engine.STTURL == "" {
		errs = append(errs, errors.New("STT URL must be provided for the http backend"))
	}
	if c.Engine.MaxWindow > 0 && c.Engine.MaxWindow < c.Window.Size {
		errs = append(errs, fmt.Errorf("max window %v is shorter than the window size %v", c.Engine.MaxWindow, c.Window.Size))
	}
	if c.Window.TickInterval <= 0 {
		errs = append(errs, fmt.Errorf("tick interval must be positive: %v", c.Window.TickInterval))
	}
	if c.Worker.MaxConcurrent <= 0 {
		errs = append(errs, fmt.Errorf("worker max concurrent must be positive: %d", c.Worker.MaxConcurrent))
	}
	if c.Engine.SampleRate > 0 {
		if err := c.WindowGeometry().Validate(); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// WindowGeometry converts the window durations to sample counts.
func (c *Config) WindowGeometry() window.Config {
	return window.ConfigFromDurations(c.Engine.SampleRate, c.Window.Size, c.Window.Step,
		c.Window.DuplicateThreshold, c.Window.SilenceThreshold)
}

// DriverConfig returns the engine backend settings.
func (c *Config) DriverConfig() engine.DriverConfig {
	return engine.DriverConfig{
		Backend:     c.Engine.Backend,
		SampleRate:  c.Engine.SampleRate,
		STTURL:      c.Engine.STTURL,
		HTTPTimeout: c.Engine.Timeout,
	}
}

// Normalizer returns the configured token normalizer.
func (c *Config) Normalizer() validation.Normalizer {
	return validation.Normalizer{
		CaseFold:        c.Validation.CaseFold,
		StripDiacritics: c.Validation.StripDiacritics,
		TrimPunctuation: true,
	}
}

// DictionaryOptions returns dictionary mode settings.
func (c *Config) DictionaryOptions() validation.DictionaryOptions {
	return validation.DictionaryOptions{
		Normalizer:     c.Normalizer(),
		MaxSuggestions: c.Validation.MaxSuggestions,
		MaxDistance:    c.Validation.MaxDistance,
	}
}

// SessionDefaults returns the defaults applied to every review session.
func (c *Config) SessionDefaults() session.Defaults {
	return session.Defaults{
		ModelPath:      c.Engine.ModelPath,
		Language:       c.Engine.Language,
		SampleRate:     c.Engine.SampleRate,
		BufferCapacity: audio.Samples(c.Window.Buffer, c.Engine.SampleRate),
		TickInterval:   c.Window.TickInterval,
		Window:         c.WindowGeometry(),
		Transcribe: worker.Options{
			Timeout:    c.Engine.Timeout,
			MinSamples: audio.Samples(c.Engine.MinWindow, c.Engine.SampleRate),
			MaxSamples: audio.Samples(c.Engine.MaxWindow, c.Engine.SampleRate),
		},
		Aligner: validation.AlignerOptions{
			Normalizer:     c.Normalizer(),
			MatchThreshold: c.Validation.MatchThreshold,
		},
	}
}

// Helper functions for environment variable parsing
func getEnvString(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}
