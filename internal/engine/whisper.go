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

//go:build whisper

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/ggerganov/whisper.cpp/bindings/go/pkg/whisper"

	"github.com/loqalabs/loqa-murajaah/internal/logging"
)

// WhisperDriver loads ggml models through the whisper.cpp bindings.
type WhisperDriver struct{}

// NewWhisperDriver returns the native whisper.cpp backend.
func NewWhisperDriver() *WhisperDriver { return &WhisperDriver{} }

// WhisperAvailable reports whether the binary was built with the native backend.
func WhisperAvailable() bool { return true }

func (d *WhisperDriver) Name() string { return "whisper" }

func (d *WhisperDriver) Open(ctx context.Context, modelPath, language string) (Model, error) {
	if _, err := os.Stat(modelPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInitializationFailed, err)
	}

	model, err := whisper.New(modelPath)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to load whisper model: %v", ErrInitializationFailed, err)
	}

	if logging.Sugar != nil {
		logging.Sugar.Infow("Whisper model loaded", "model_path", modelPath, "multilingual", model.IsMultilingual())
	}
	return &whisperModel{model: model, path: modelPath}, nil
}

type whisperModel struct {
	model whisper.Model
	path  string
}

func (m *whisperModel) Transcribe(ctx context.Context, samples []float32, language string) (string, error) {
	wctx, err := m.model.NewContext()
	if err != nil {
		return "", fmt.Errorf("failed to create whisper context: %w", err)
	}

	lang := strings.TrimSpace(language)
	if lang == "" {
		lang = "auto"
	}
	if err := wctx.SetLanguage(lang); err != nil {
		return "", fmt.Errorf("unsupported language %q: %w", lang, err)
	}

	// Returning false from the encoder callback aborts the run.
	keepGoing := func() bool { return ctx.Err() == nil }
	if err := wctx.Process(samples, keepGoing, nil, nil); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", fmt.Errorf("failed to process audio: %w", err)
	}

	var transcript strings.Builder
	for {
		segment, err := wctx.NextSegment()
		if err != nil {
			break
		}
		transcript.WriteString(segment.Text)
	}
	return strings.TrimSpace(transcript.String()), nil
}

func (m *whisperModel) Info() string {
	return fmt.Sprintf("whisper.cpp multilingual=%t", m.model.IsMultilingual())
}

func (m *whisperModel) Close() error {
	return m.model.Close()
}
