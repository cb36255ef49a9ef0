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
	"fmt"
	"net/http"
	"strconv"

	"github.com/loqalabs/loqa-murajaah/internal/engine"
)

// EngineInfo is the read-only registry surface.
type EngineInfo interface {
	Backend() string
	List() []engine.ModelInfo
	ModelInfo(id engine.InstanceID) (engine.ModelInfo, error)
}

// EnginesHandler reports loaded engine instances.
type EnginesHandler struct {
	engines EngineInfo
}

func NewEnginesHandler(engines EngineInfo) *EnginesHandler {
	return &EnginesHandler{engines: engines}
}

// ListEnginesResponse lists registered instances.
type ListEnginesResponse struct {
	Backend   string             `json:"backend"`
	Instances []engine.ModelInfo `json:"instances"`
}

// Register mounts the engine routes on mux.
func (h *EnginesHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/engines", h.list)
	mux.HandleFunc("GET /api/engines/{id}", h.get)
}

func (h *EnginesHandler) list(w http.ResponseWriter, r *http.Request) {
	instances := h.engines.List()
	if instances == nil {
		instances = []engine.ModelInfo{}
	}
	writeJSON(w, http.StatusOK, ListEnginesResponse{Backend: h.engines.Backend(), Instances: instances})
}

func (h *EnginesHandler) get(w http.ResponseWriter, r *http.Request) {
	raw := r.PathValue("id")
	id, err := strconv.ParseInt(raw, 10, 32)
	if err != nil {
		writeError(w, fmt.Errorf("%w: instance id %q", errBadRequest, raw))
		return
	}

	info, err := h.engines.ModelInfo(engine.InstanceID(id))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, info)
}
