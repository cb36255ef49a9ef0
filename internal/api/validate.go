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

	"github.com/loqalabs/loqa-murajaah/internal/validation"
)

// ValidateHandler checks transcribed words against a reference dictionary.
type ValidateHandler struct {
	dictionary *validation.Dictionary
	opts       validation.DictionaryOptions
}

// NewValidateHandler creates a handler. dictionary may be nil, in which
// case every request must carry its own word list.
func NewValidateHandler(dictionary *validation.Dictionary, opts validation.DictionaryOptions) *ValidateHandler {
	return &ValidateHandler{dictionary: dictionary, opts: opts}
}

// ValidateRequest carries the text to check and an optional per-request dictionary.
type ValidateRequest struct {
	Text       string   `json:"text,omitempty"`
	Words      []string `json:"words,omitempty"`
	Dictionary []string `json:"dictionary,omitempty"`
}

// ValidateResponse holds one result per transcribed word.
type ValidateResponse struct {
	Results []validation.Result `json:"results"`
	Valid   bool                `json:"valid"`
	Invalid int                 `json:"invalid"`
}

// Register mounts the validation route on mux.
func (h *ValidateHandler) Register(mux *http.ServeMux) {
	mux.HandleFunc("POST /api/validate", h.validate)
}

func (h *ValidateHandler) validate(w http.ResponseWriter, r *http.Request) {
	var req ValidateRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, err)
		return
	}

	words := req.Words
	if len(words) == 0 {
		words = validation.Tokenize(req.Text)
	}
	if len(words) == 0 {
		writeError(w, fmt.Errorf("%w: text or words required", errBadRequest))
		return
	}

	dictionary := h.dictionary
	if len(req.Dictionary) > 0 {
		d, err := validation.NewDictionary(req.Dictionary, h.opts)
		if err != nil {
			writeError(w, err)
			return
		}
		dictionary = d
	}
	if dictionary == nil {
		writeError(w, fmt.Errorf("%w: no dictionary configured", validation.ErrInvalidReference))
		return
	}

	response := ValidateResponse{Results: make([]validation.Result, 0, len(words)), Valid: true}
	for _, word := range words {
		if dictionary.Normalize(word) == "" {
			continue
		}
		result := dictionary.ValidateToken(word)
		if !result.IsValid {
			response.Valid = false
			response.Invalid++
		}
		response.Results = append(response.Results, result)
	}

	writeJSON(w, http.StatusOK, response)
}
