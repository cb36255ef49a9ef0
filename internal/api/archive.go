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
	"net/http"
	"strconv"
	"strings"

	"github.com/loqalabs/loqa-murajaah/internal/events"
	"github.com/loqalabs/loqa-murajaah/internal/logging"
	"github.com/loqalabs/loqa-murajaah/internal/storage"
)

// ArchiveHandler handles HTTP requests for archived sessions
type ArchiveHandler struct {
	store *storage.SessionStore
}

// NewArchiveHandler creates a new archive handler
func NewArchiveHandler(store *storage.SessionStore) *ArchiveHandler {
	return &ArchiveHandler{store: store}
}

// ListArchiveResponse represents the response for listing archived sessions
type ListArchiveResponse struct {
	Sessions   []*events.SessionEvent `json:"sessions"`
	Total      int64                  `json:"total"`
	Page       int                    `json:"page"`
	PageSize   int                    `json:"page_size"`
	TotalPages int                    `json:"total_pages"`
}

// ArchivedSession is one archived session with its transcripts
type ArchivedSession struct {
	Session     *events.SessionEvent      `json:"session"`
	Transcripts []*events.TranscriptEvent `json:"transcripts"`
}

// Register mounts the archive routes on mux.
func (h *ArchiveHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/archive", h.list)
	mux.HandleFunc("GET /api/archive/{id}", h.get)
	mux.HandleFunc("DELETE /api/archive/{id}", h.delete)
}

// list handles GET /api/archive
func (h *ArchiveHandler) list(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()

	// Pagination
	page := parseIntParam(query.Get("page"), 1)
	pageSize := parseIntParam(query.Get("page_size"), 20)
	if pageSize > 100 {
		pageSize = 100
	}
	if pageSize < 1 {
		pageSize = 1
	}
	if page < 1 {
		page = 1
	}

	options := storage.ListOptions{
		State:     query.Get("state"),
		Limit:     pageSize,
		Offset:    (page - 1) * pageSize,
		SortOrder: strings.ToUpper(query.Get("sort_order")),
	}
	if finishedStr := query.Get("finished"); finishedStr != "" {
		if finished, err := strconv.ParseBool(finishedStr); err == nil {
			options.Finished = &finished
		}
	}

	total, err := h.store.Count(options)
	if err != nil {
		writeError(w, err)
		return
	}

	sessions, err := h.store.List(options)
	if err != nil {
		writeError(w, err)
		return
	}
	if sessions == nil {
		sessions = []*events.SessionEvent{}
	}

	totalPages := int((total + int64(pageSize) - 1) / int64(pageSize))

	logging.Sugar.Infow("Archive API request",
		"endpoint", "list",
		"page", page,
		"page_size", pageSize,
		"total_results", total,
		"state", options.State,
	)

	writeJSON(w, http.StatusOK, ListArchiveResponse{
		Sessions:   sessions,
		Total:      total,
		Page:       page,
		PageSize:   pageSize,
		TotalPages: totalPages,
	})
}

// get handles GET /api/archive/{id}
func (h *ArchiveHandler) get(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}

	archived, err := h.store.Get(id)
	if err != nil {
		writeError(w, err)
		return
	}
	transcripts, err := h.store.Transcripts(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if transcripts == nil {
		transcripts = []*events.TranscriptEvent{}
	}

	writeJSON(w, http.StatusOK, ArchivedSession{Session: archived, Transcripts: transcripts})
}

// delete handles DELETE /api/archive/{id}
func (h *ArchiveHandler) delete(w http.ResponseWriter, r *http.Request) {
	id, ok := sessionID(w, r)
	if !ok {
		return
	}
	if err := h.store.Delete(id); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
