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

package validation

import "fmt"

// MatchKind grades how a token relates to its reference.
type MatchKind int

const (
	MatchNone MatchKind = iota
	MatchPhonetic
	MatchFuzzy
	MatchExact
)

// Similarity cut-offs for the fuzzy and phonetic grades.
const (
	FuzzyThreshold    = 0.8
	PhoneticThreshold = 0.6
)

func (k MatchKind) String() string {
	switch k {
	case MatchNone:
		return "none"
	case MatchPhonetic:
		return "phonetic"
	case MatchFuzzy:
		return "fuzzy"
	case MatchExact:
		return "exact"
	default:
		return fmt.Sprintf("match(%d)", int(k))
	}
}

// MarshalText lets MatchKind render as a string in JSON payloads.
func (k MatchKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// KindFor grades a similarity score.
func KindFor(similarity float64) MatchKind {
	switch {
	case similarity >= 1:
		return MatchExact
	case similarity > FuzzyThreshold:
		return MatchFuzzy
	case similarity > PhoneticThreshold:
		return MatchPhonetic
	default:
		return MatchNone
	}
}

// Result is the verdict for one transcribed token.
type Result struct {
	Word        string    `json:"word"`
	IsValid     bool      `json:"is_valid"`
	Suggestions []string  `json:"suggestions"`
	Confidence  float64   `json:"confidence"`
	Kind        MatchKind `json:"kind"`
}
