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

package logging

import (
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	// Global logger instance
	Logger *zap.Logger
	Sugar  *zap.SugaredLogger
)

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string // "debug", "info", "warn", "error"
	Format string // "json", "console"
}

// zapConfig maps the config onto a zap preset. Unknown formats fall back to
// console output and unknown levels to info.
func (c LogConfig) zapConfig() zap.Config {
	cfg := zap.NewDevelopmentConfig()
	if strings.EqualFold(c.Format, "json") {
		cfg = zap.NewProductionConfig()
	}

	cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	if level, err := zap.ParseAtomicLevel(strings.ToLower(c.Level)); err == nil {
		cfg.Level = level
	}
	return cfg
}

// Initialize sets up the global logger from LOG_LEVEL and LOG_FORMAT
func Initialize() error {
	return InitializeWithConfig(LogConfig{
		Level:  getEnvOrDefault("LOG_LEVEL", "info"),
		Format: getEnvOrDefault("LOG_FORMAT", "console"),
	})
}

// InitializeWithConfig sets up the global logger with provided configuration
func InitializeWithConfig(config LogConfig) error {
	logger, err := config.zapConfig().Build(zap.AddStacktrace(zap.ErrorLevel))
	if err != nil {
		return err
	}

	Logger = logger
	Sugar = logger.Sugar()

	Sugar.Infof("🚀 Structured logging initialized (level: %s, format: %s)",
		config.Level, config.Format)
	return nil
}

// Sync flushes any buffered log entries. Sync errors on stdout/stderr are
// expected on some platforms and ignored.
func Sync() {
	if Logger != nil {
		_ = Logger.Sync()
	}
}

// Close cleans up the logger
func Close() {
	Sync()
}

// write logs on behalf of the helper's caller.
func write(level zapcore.Level, message string, base []zap.Field, fields []zap.Field) {
	if Logger == nil {
		return
	}
	if ce := Logger.WithOptions(zap.AddCallerSkip(2)).Check(level, message); ce != nil {
		ce.Write(append(base, fields...)...)
	}
}

// LogSessionEvent logs a review session lifecycle event
func LogSessionEvent(sessionID, event string, fields ...zap.Field) {
	write(zapcore.InfoLevel, "Session event", []zap.Field{
		zap.String("component", "session"),
		zap.String("session_id", sessionID),
		zap.String("event", event),
	}, fields)
}

// LogTranscription logs a stage of the window transcription pipeline
func LogTranscription(sessionID, stage string, fields ...zap.Field) {
	write(zapcore.DebugLevel, "Transcription", []zap.Field{
		zap.String("component", "transcription"),
		zap.String("session_id", sessionID),
		zap.String("stage", stage),
	}, fields)
}

// LogEngineOperation logs engine registry operations
func LogEngineOperation(operation string, instanceID int32, fields ...zap.Field) {
	write(zapcore.InfoLevel, "Engine operation", []zap.Field{
		zap.String("component", "engine"),
		zap.String("operation", operation),
		zap.Int32("instance_id", instanceID),
	}, fields)
}

// LogNATSEvent logs NATS messaging events
func LogNATSEvent(subject, action string, fields ...zap.Field) {
	write(zapcore.InfoLevel, "NATS event", []zap.Field{
		zap.String("component", "messaging"),
		zap.String("subject", subject),
		zap.String("action", action),
	}, fields)
}

// LogDatabaseOperation logs database operations
func LogDatabaseOperation(operation, table string, fields ...zap.Field) {
	write(zapcore.InfoLevel, "Database operation", []zap.Field{
		zap.String("component", "database"),
		zap.String("operation", operation),
		zap.String("table", table),
	}, fields)
}

// LogError logs errors with context
func LogError(err error, message string, fields ...zap.Field) {
	write(zapcore.ErrorLevel, message, []zap.Field{zap.Error(err)}, fields)
}

// LogWarn logs warnings with context
func LogWarn(message string, fields ...zap.Field) {
	write(zapcore.WarnLevel, message, nil, fields)
}

func getEnvOrDefault(key, defaultValue string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return defaultValue
}
