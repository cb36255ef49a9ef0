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

import (
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
	"golang.org/x/text/cases"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// Normalizer is applied identically to transcript and reference tokens.
type Normalizer struct {
	CaseFold        bool `json:"case_fold" yaml:"case_fold"`
	StripDiacritics bool `json:"strip_diacritics" yaml:"strip_diacritics"`
	TrimPunctuation bool `json:"trim_punctuation" yaml:"trim_punctuation"`
}

// DefaultNormalizer folds case, strips diacritics and edge punctuation.
func DefaultNormalizer() Normalizer {
	return Normalizer{CaseFold: true, StripDiacritics: true, TrimPunctuation: true}
}

// isDiacritic covers combining marks plus the Arabic harakat, superscript
// alef and Quranic annotation signs.
func isDiacritic(r rune) bool {
	switch {
	case r >= 0x064B && r <= 0x065F:
		return true
	case r == 0x0670:
		return true
	case r >= 0x06D6 && r <= 0x06ED:
		return true
	}
	return unicode.Is(unicode.Mn, r)
}

// Normalize returns the comparison form of a single token.
func (n Normalizer) Normalize(token string) string {
	out := token
	if n.TrimPunctuation {
		out = strings.TrimFunc(out, func(r rune) bool {
			return unicode.IsPunct(r) || unicode.IsSymbol(r)
		})
	}
	if n.StripDiacritics {
		// Transformers are stateful, so build the chain per call.
		t := transform.Chain(norm.NFD, runes.Remove(runes.Predicate(isDiacritic)), norm.NFC)
		if stripped, _, err := transform.String(t, out); err == nil {
			out = stripped
		}
	}
	if n.CaseFold {
		out = cases.Fold().String(out)
	}
	return out
}

// Tokenize splits text on whitespace.
func Tokenize(text string) []string {
	return strings.Fields(text)
}

// NormalizeAll normalizes tokens, dropping any that normalize to nothing.
func (n Normalizer) NormalizeAll(tokens []string) []string {
	out := make([]string, 0, len(tokens))
	for _, tok := range tokens {
		if v := n.Normalize(tok); v != "" {
			out = append(out, v)
		}
	}
	return out
}

// Similarity is 1 - levenshtein(a, b) / max(len(a), len(b)) over runes.
func Similarity(a, b string) float64 {
	return similarityFromDistance(levenshtein.ComputeDistance(a, b), a, b)
}

func similarityFromDistance(distance int, a, b string) float64 {
	maxLen := utf8.RuneCountInString(a)
	if l := utf8.RuneCountInString(b); l > maxLen {
		maxLen = l
	}
	if maxLen == 0 {
		return 1
	}
	return 1 - float64(distance)/float64(maxLen)
}
