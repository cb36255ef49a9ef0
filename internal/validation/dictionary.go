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
	"bufio"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/agnivade/levenshtein"
)

// ErrInvalidReference reports malformed dictionary or passage data.
var ErrInvalidReference = errors.New("invalid reference data")

// Defaults for dictionary suggestions.
const (
	DefaultMaxSuggestions = 5
	DefaultMaxDistance    = 2
)

// DictionaryOptions tunes membership and suggestions.
type DictionaryOptions struct {
	Normalizer     Normalizer
	MaxSuggestions int
	MaxDistance    int
}

type entry struct {
	word       string
	normalized string
	runes      int
}

// Dictionary is a reference vocabulary. Word order is kept for tie breaking.
type Dictionary struct {
	opts    DictionaryOptions
	entries []entry
	index   map[string]int
}

// NewDictionary builds a dictionary from words, skipping duplicates after
// normalization.
func NewDictionary(words []string, opts DictionaryOptions) (*Dictionary, error) {
	if opts.MaxSuggestions <= 0 {
		opts.MaxSuggestions = DefaultMaxSuggestions
	}
	if opts.MaxDistance <= 0 {
		opts.MaxDistance = DefaultMaxDistance
	}

	d := &Dictionary{opts: opts, index: make(map[string]int, len(words))}
	for _, w := range words {
		w = strings.TrimSpace(w)
		key := opts.Normalizer.Normalize(w)
		if key == "" {
			continue
		}
		if _, dup := d.index[key]; dup {
			continue
		}
		d.index[key] = len(d.entries)
		d.entries = append(d.entries, entry{word: w, normalized: key, runes: utf8.RuneCountInString(key)})
	}
	if len(d.entries) == 0 {
		return nil, fmt.Errorf("%w: dictionary has no usable words", ErrInvalidReference)
	}
	return d, nil
}

// LoadDictionary reads whitespace separated words. Lines starting with #
// are comments.
func LoadDictionary(r io.Reader, opts DictionaryOptions) (*Dictionary, error) {
	var words []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		words = append(words, strings.Fields(line)...)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidReference, err)
	}
	return NewDictionary(words, opts)
}

// Len returns the number of distinct words.
func (d *Dictionary) Len() int { return len(d.entries) }

// Words returns the dictionary in its original order.
func (d *Dictionary) Words() []string {
	out := make([]string, len(d.entries))
	for i, e := range d.entries {
		out[i] = e.word
	}
	return out
}

// Contains reports membership after normalization.
func (d *Dictionary) Contains(word string) bool {
	_, ok := d.index[d.opts.Normalizer.Normalize(word)]
	return ok
}

type candidate struct {
	pos      int
	distance int
}

func (d *Dictionary) candidates(key string) []candidate {
	keyRunes := utf8.RuneCountInString(key)
	var found []candidate
	for i, e := range d.entries {
		diff := e.runes - keyRunes
		if diff < 0 {
			diff = -diff
		}
		// Length difference is a lower bound on edit distance.
		if diff > d.opts.MaxDistance {
			continue
		}
		if dist := levenshtein.ComputeDistance(key, e.normalized); dist <= d.opts.MaxDistance {
			found = append(found, candidate{pos: i, distance: dist})
		}
	}
	sort.SliceStable(found, func(i, j int) bool { return found[i].distance < found[j].distance })
	if len(found) > d.opts.MaxSuggestions {
		found = found[:d.opts.MaxSuggestions]
	}
	return found
}

// Suggest ranks dictionary words by ascending edit distance from word, ties
// in dictionary order, within MaxDistance and capped at MaxSuggestions.
func (d *Dictionary) Suggest(word string) []string {
	found := d.candidates(d.opts.Normalizer.Normalize(word))
	out := make([]string, len(found))
	for i, c := range found {
		out[i] = d.entries[c.pos].word
	}
	return out
}

// Normalize returns the form tokens are compared in. Tokens that normalize
// to nothing carry no word.
func (d *Dictionary) Normalize(token string) string {
	return strings.TrimSpace(d.opts.Normalizer.Normalize(token))
}

// ValidateToken checks a single token.
func (d *Dictionary) ValidateToken(token string) Result {
	key := d.opts.Normalizer.Normalize(token)
	if _, ok := d.index[key]; ok {
		return Result{Word: token, IsValid: true, Suggestions: []string{}, Confidence: 1, Kind: MatchExact}
	}

	found := d.candidates(key)
	result := Result{Word: token, Suggestions: make([]string, len(found)), Kind: MatchNone}
	for i, c := range found {
		result.Suggestions[i] = d.entries[c.pos].word
	}
	if len(found) > 0 {
		best := found[0]
		result.Confidence = similarityFromDistance(best.distance, key, d.entries[best.pos].normalized)
		result.Kind = KindFor(result.Confidence)
		if result.Kind == MatchExact {
			// Distinct tokens never grade as exact.
			result.Kind = MatchFuzzy
		}
	}
	return result
}

// Validate checks every whitespace separated token of text.
func (d *Dictionary) Validate(text string) []Result {
	tokens := Tokenize(text)
	results := make([]Result, 0, len(tokens))
	for _, tok := range tokens {
		if d.Normalize(tok) == "" {
			continue
		}
		results = append(results, d.ValidateToken(tok))
	}
	return results
}

// ValidateWord reports case-insensitive membership of word in dictionary.
func ValidateWord(word string, dictionary []string) bool {
	n := Normalizer{CaseFold: true}
	key := n.Normalize(strings.TrimSpace(word))
	if key == "" {
		return false
	}
	for _, w := range dictionary {
		if n.Normalize(strings.TrimSpace(w)) == key {
			return true
		}
	}
	return false
}
