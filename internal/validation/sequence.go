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
	"fmt"
	"strings"
)

// DefaultMatchThreshold is the similarity at which a token counts as the
// expected word.
const DefaultMatchThreshold = 0.8

// DefaultMaxOverlapTokens bounds how many repeated leading tokens are trimmed.
const DefaultMaxOverlapTokens = 8

// Mismatch records an observed token where a different word was expected.
type Mismatch struct {
	Expected string `json:"expected"`
	Observed string `json:"observed"`
	Position int    `json:"position"`
}

// AlignerOptions tunes sequence-mode matching.
type AlignerOptions struct {
	Normalizer       Normalizer
	MatchThreshold   float64
	MaxOverlapTokens int
	// DisableOverlapTrim keeps tokens that repeat the already matched tail.
	DisableOverlapTrim bool
}

// Alignment is the outcome of aligning one transcript.
type Alignment struct {
	Cursor     int        `json:"cursor"`
	Matched    int        `json:"matched"`
	Mismatches []Mismatch `json:"mismatches"`
	Results    []Result   `json:"results"`
	// Trimmed counts leading tokens dropped as repeats of the matched tail.
	Trimmed int `json:"trimmed"`
	// Ignored counts tokens observed after the end of the passage.
	Ignored int `json:"ignored"`
}

// Aligner matches transcripts against an expected passage.
type Aligner struct {
	opts       AlignerOptions
	expected   []string
	normalized []string
}

// NewAligner prepares an expected passage for alignment.
func NewAligner(expected []string, opts AlignerOptions) (*Aligner, error) {
	if opts.MatchThreshold <= 0 || opts.MatchThreshold > 1 {
		opts.MatchThreshold = DefaultMatchThreshold
	}
	if opts.MaxOverlapTokens <= 0 {
		opts.MaxOverlapTokens = DefaultMaxOverlapTokens
	}

	a := &Aligner{opts: opts}
	for _, w := range expected {
		key := opts.Normalizer.Normalize(strings.TrimSpace(w))
		if key == "" {
			continue
		}
		a.expected = append(a.expected, strings.TrimSpace(w))
		a.normalized = append(a.normalized, key)
	}
	if len(a.expected) == 0 {
		return nil, fmt.Errorf("%w: expected passage is empty", ErrInvalidReference)
	}
	return a, nil
}

// NewAlignerFromText tokenizes a passage and prepares it for alignment.
func NewAlignerFromText(passage string, opts AlignerOptions) (*Aligner, error) {
	return NewAligner(Tokenize(passage), opts)
}

// Len returns the number of expected words.
func (a *Aligner) Len() int { return len(a.expected) }

// Expected returns a copy of the expected words.
func (a *Aligner) Expected() []string {
	out := make([]string, len(a.expected))
	copy(out, a.expected)
	return out
}

func (a *Aligner) matches(observed, expected string) (bool, float64) {
	if observed == expected {
		return true, 1
	}
	score := Similarity(observed, expected)
	return score >= a.opts.MatchThreshold, score
}

// overlap returns how many leading tokens repeat expected[cursor-k:cursor].
func (a *Aligner) overlap(tokens []string, cursor int) int {
	if a.opts.DisableOverlapTrim || len(tokens) == 0 || cursor == 0 {
		return 0
	}
	// A token that already continues the passage is fresh speech.
	if cursor < len(a.normalized) {
		if ok, _ := a.matches(tokens[0], a.normalized[cursor]); ok {
			return 0
		}
	}

	limit := a.opts.MaxOverlapTokens
	if cursor < limit {
		limit = cursor
	}
	if len(tokens) < limit {
		limit = len(tokens)
	}
	for k := limit; k > 0; k-- {
		tail := a.normalized[cursor-k : cursor]
		all := true
		for i := 0; i < k; i++ {
			if ok, _ := a.matches(tokens[i], tail[i]); !ok {
				all = false
				break
			}
		}
		if all {
			return k
		}
	}
	return 0
}

// Align walks text left to right from cursor. A token matching the
// expected word advances the cursor; any other token is recorded as a
// mismatch at the cursor without advancing it.
func (a *Aligner) Align(text string, cursor int) Alignment {
	if cursor < 0 {
		cursor = 0
	}
	if cursor > len(a.expected) {
		cursor = len(a.expected)
	}

	var raw, tokens []string
	for _, tok := range Tokenize(text) {
		if key := a.opts.Normalizer.Normalize(tok); key != "" {
			raw = append(raw, tok)
			tokens = append(tokens, key)
		}
	}

	out := Alignment{Cursor: cursor, Mismatches: []Mismatch{}, Results: []Result{}}
	out.Trimmed = a.overlap(tokens, cursor)

	for i := out.Trimmed; i < len(tokens); i++ {
		if out.Cursor >= len(a.expected) {
			out.Ignored++
			continue
		}
		expectedWord := a.expected[out.Cursor]
		ok, score := a.matches(tokens[i], a.normalized[out.Cursor])
		if ok {
			out.Results = append(out.Results, Result{
				Word:        raw[i],
				IsValid:     true,
				Suggestions: []string{},
				Confidence:  score,
				Kind:        KindFor(score),
			})
			out.Cursor++
			out.Matched++
			continue
		}

		out.Mismatches = append(out.Mismatches, Mismatch{
			Expected: expectedWord,
			Observed: raw[i],
			Position: out.Cursor,
		})
		out.Results = append(out.Results, Result{
			Word:        raw[i],
			IsValid:     false,
			Suggestions: []string{expectedWord},
			Confidence:  score,
			Kind:        KindFor(score),
		})
	}
	return out
}
