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

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/engine"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/security"
	"github.com/loqalabs/loqa-murajaah/internal/session"
	"github.com/loqalabs/loqa-murajaah/internal/storage"
	"github.com/loqalabs/loqa-murajaah/internal/validation"
)

var errBadRequest = errors.New("bad request")

// ErrorResponse is the JSON body of every error reply.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StatusFor maps domain errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, session.ErrSessionNotFound),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, engine.ErrInstanceNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrModelNotFound):
		return http.StatusUnprocessableEntity
	case errors.Is(err, engine.ErrInitializationFailed):
		return http.StatusBadGateway
	case errors.Is(err, session.ErrNotRecording),
		errors.Is(err, session.ErrInvalidState):
		return http.StatusConflict
	case errors.Is(err, errBadRequest),
		errors.Is(err, security.ErrInvalidSessionID),
		errors.Is(err, session.ErrUnknownPreset),
		errors.Is(err, validation.ErrInvalidReference),
		errors.Is(err, audio.ErrMisalignedPCM),
		errors.Is(err, audio.ErrUnsupportedEncoding),
		errors.Is(err, engine.ErrInvalidAudioFormat):
		return http.StatusBadRequest
	case errors.Is(err, engine.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		logging.LogError(err, "Failed to write response")
	}
}

func writeError(w http.ResponseWriter, err error, fields ...zap.Field) {
	status := StatusFor(err)
	message := err.Error()
	if status == http.StatusInternalServerError {
		logging.LogError(err, "Request failed", fields...)
		message = "Internal server error"
	}
	writeJSON(w, status, ErrorResponse{Error: message})
}

func decodeJSON(r *http.Request, v interface{}) error {
	defer func() { _ = r.Body.Close() }()
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return errors.Join(errBadRequest, err)
	}
	return nil
}

// parseIntParam parses integer parameter with default value
func parseIntParam(param string, defaultValue int) int {
	if param == "" {
		return defaultValue
	}
	if value, err := strconv.Atoi(param); err == nil {
		return value
	}
	return defaultValue
}
