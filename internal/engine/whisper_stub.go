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

//go:build !whisper

package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
)

// WhisperDriver stub used when the binary is built without -tags whisper.
type WhisperDriver struct{}

// NewWhisperDriver returns the stub backend.
func NewWhisperDriver() *WhisperDriver { return &WhisperDriver{} }

// WhisperAvailable reports whether the binary was built with the native backend.
func WhisperAvailable() bool { return false }

func (d *WhisperDriver) Name() string { return "whisper" }

// Open still distinguishes a missing model from a disabled backend.
func (d *WhisperDriver) Open(_ context.Context, modelPath, _ string) (Model, error) {
	if _, err := os.Stat(modelPath); errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrModelNotFound, modelPath)
	}
	return nil, fmt.Errorf("%w: whisper backend disabled (build with -tags whisper to enable)", ErrInitializationFailed)
}
