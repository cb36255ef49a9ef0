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
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/loqalabs/loqa-murajaah/internal/audio"
	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/security"
	"github.com/loqalabs/loqa-murajaah/internal/session"
)

// MaxAudioBody bounds one audio upload (about four minutes of float32 at 16kHz).
const MaxAudioBody = 16 << 20

// SessionService is the session surface the handlers use.
type SessionService interface {
	Create(ctx context.Context, req session.CreateRequest) (*session.Coordinator, error)
	Snapshot(id string) (session.Progress, error)
	List() []session.Progress
	PushAudio(id string, samples []float32) error
	Reset(id string) (session.Progress, error)
	Stop(id string) (session.Progress, error)
	Finish(ctx context.Context, id string) (session.Progress, error)
}

// ArchiveReader looks up finished sessions.
type ArchiveReader interface {
	Get(sessionID string) (*events.SessionEvent, error)
}

// SessionsHandler serves /api/sessions.
type SessionsHandler struct {
	sessions     SessionService
	archive      ArchiveReader
	drainTimeout time.Duration
}

// NewSessionsHandler creates a handler. archive may be nil.
func NewSessionsHandler(sessions SessionService, archive ArchiveReader) *SessionsHandler {
	return &SessionsHandler{sessions: sessions, archive: archive, drainTimeout: 30 * time.Second}
}

// ListSessionsResponse lists live sessions.
type ListSessionsResponse struct {
	Sessions []*events.SessionEvent `json:"sessions"`
	Total    int                    `json:"total"`
}

// AudioResponse acknowledges pushed audio.
type AudioResponse struct {
	SessionID string             `json:"session_id"`
	Samples   int                `json:"samples"`
	Buffer    audio.BufferStatus `json:"buffer"`
}

// Register mounts the session routes on mux.
func (h *SessionsHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/sessions", h.create)
	mux.HandleFunc("GET /api/sessions", h.list)
	mux.HandleFunc("GET /api/sessions/{id}", h.get)
	mux.HandleFunc("POST /api/sessions/{id}/audio", h.pushAudio)
	mux.HandleFunc("POST /api/sessions/{id}/reset", h.reset)
	mux.HandleFunc("POST /api/sessions/{id}/stop", h.stop)
	mux.HandleFunc("POST /api/sessions/{id}/finish", h.finish)
}

func (h *SessionsHandler) create(w http.ResponseWriter, r *http.Request) {
	var req session.CreateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	c, err := h.sessions.Create(r.Context(), req)
	if err != nil {
		writeError(w, err, zap.String("session_id", security.SanitizeLogInput(req.ID)))
		return
	}

	p := c.Progress()
	logging.Sugar.Infow("Session created via API",
		"session_id", p.SessionID,
		"expected_words", p.Total,
		"language", p.Language,
	)

	writeJSON(w, http.StatusCreated, events.NewSessionEvent(p))
}

func (h *SessionsHandler) list(w http.ResponseWriter, r *http.Request) {
	live := h.sessions.List()
	response := ListSessionsResponse{Sessions: make([]*events.SessionEvent, 0, len(live)), Total: len(live)}
	for _, p := range live {
		response.Sessions = append(response.Sessions, events.NewSessionEvent(p))
	}
	writeJSON(w, http.StatusOK, response)
}

// get falls back to the archive once a session has finished and left memory.
func (h *SessionsHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	p, err := h.sessions.Snapshot(id)
	if err == nil {
		writeJSON(w, http.StatusOK, events.NewSessionEvent(p))
		return
	}
	if errors.Is(err, session.ErrSessionNotFound) && h.archive != nil {
		archived, archiveErr := h.archive.Get(id)
		if archiveErr == nil {
			writeJSON(w, http.StatusOK, archived)
			return
		}
		err = archiveErr
	}
	writeError(w, err, zap.String("session_id", id))
}

func (h *SessionsHandler) pushAudio(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	samples, err := readAudio(w, r)
	if err != nil {
		writeError(w, err, zap.String("session_id", id))
		return
	}

	if err := h.sessions.PushAudio(id, samples); err != nil {
		writeError(w, err, zap.String("session_id", id))
		return
	}

	if end, _ := strconv.ParseBool(r.URL.Query().Get("end")); end {
		h.drain(w, r, id)
		return
	}

	p, err := h.sessions.Snapshot(id)
	if err != nil {
		writeError(w, err, zap.String("session_id", id))
		return
	}
	writeJSON(w, http.StatusAccepted, AudioResponse{SessionID: id, Samples: len(samples), Buffer: p.Buffer})
}

// readAudio decodes a raw PCM body. audio/L16 selects 16-bit PCM, anything
// else little-endian float32.
func readAudio(w http.ResponseWriter, r *http.Request) ([]float32, error) {
	defer func() { _ = r.Body.Close() }()

	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, MaxAudioBody))
	if err != nil {
		return nil, errors.Join(errBadRequest, err)
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty audio body", errBadRequest)
	}

	encoding := audio.EncodingFloat32LE
	if mediaType, _, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil && mediaType == "audio/L16" {
		encoding = audio.EncodingPCM16LE
	}
	return audio.Decode(encoding, data)
}

func (h *SessionsHandler) reset(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	p, err := h.sessions.Reset(id)
	if err != nil {
		writeError(w, err, zap.String("session_id", id))
		return
	}
	writeJSON(w, http.StatusOK, events.NewSessionEvent(p))
}

func (h *SessionsHandler) stop(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	p, err := h.sessions.Stop(id)
	if err != nil {
		writeError(w, err, zap.String("session_id", id))
		return
	}
	writeJSON(w, http.StatusOK, events.NewSessionEvent(p))
}

func (h *SessionsHandler) finish(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	h.drain(w, r, id)
}

func (h *SessionsHandler) drain(w http.ResponseWriter, r *http.Request, id string) {
	ctx, cancel := context.WithTimeout(r.Context(), h.drainTimeout)
	defer cancel()

	p, err := h.sessions.Finish(ctx, id)
	if err != nil {
		writeError(w, err, zap.String("session_id", id))
		return
	}
	writeJSON(w, http.StatusOK, events.NewSessionEvent(p))
}

func sessionID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if err := security.ValidateSessionID(id); err != nil {
		writeError(w, err)
		return "", false
	}
	return id, true
}
