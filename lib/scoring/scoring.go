// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package scoring measures decoded text against reference transcriptions.
package scoring

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

// ErrorCounts holds word-level edit counts of a hypothesis against a
// reference.
type ErrorCounts struct {
	Substitutions int `json:"substitutions"`
	Deletions     int `json:"deletions"`
	Insertions    int `json:"insertions"`
	RefWords      int `json:"ref_words"`
}

// Errors returns the total number of edits.
func (c ErrorCounts) Errors() int {
	return c.Substitutions + c.Deletions + c.Insertions
}

// Rate returns errors per reference word. An empty reference scores 0 when
// the hypothesis is empty too, 1 otherwise.
func (c ErrorCounts) Rate() float64 {
	if c.RefWords == 0 {
		if c.Insertions == 0 {
			return 0
		}
		return 1
	}
	return float64(c.Errors()) / float64(c.RefWords)
}

// Add accumulates counts, for corpus-level rates.
func (c ErrorCounts) Add(o ErrorCounts) ErrorCounts {
	return ErrorCounts{
		Substitutions: c.Substitutions + o.Substitutions,
		Deletions:     c.Deletions + o.Deletions,
		Insertions:    c.Insertions + o.Insertions,
		RefWords:      c.RefWords + o.RefWords,
	}
}

// Scorer compares texts word by word. Comparison is case-insensitive.
type Scorer struct {
	dmp *diffmatchpatch.DiffMatchPatch
}

// NewScorer creates a scorer.
func NewScorer() *Scorer {
	return &Scorer{dmp: diffmatchpatch.New()}
}

// Compare aligns hyp against ref. Adjacent deletions and insertions between
// two matching runs pair up as substitutions.
func (s *Scorer) Compare(ref, hyp string) ErrorCounts {
	refWords := strings.Fields(strings.ToLower(ref))
	hypWords := strings.Fields(strings.ToLower(hyp))

	// One word per line lets the line-mode diff work on whole words.
	a, b, lines := s.dmp.DiffLinesToChars(asLines(refWords), asLines(hypWords))
	diffs := s.dmp.DiffMain(a, b, false)
	diffs = s.dmp.DiffCharsToLines(diffs, lines)

	counts := ErrorCounts{RefWords: len(refWords)}
	del, ins := 0, 0
	flush := func() {
		sub := min(del, ins)
		counts.Substitutions += sub
		counts.Deletions += del - sub
		counts.Insertions += ins - sub
		del, ins = 0, 0
	}
	for _, d := range diffs {
		n := strings.Count(d.Text, "\n")
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			del += n
		case diffmatchpatch.DiffInsert:
			ins += n
		case diffmatchpatch.DiffEqual:
			flush()
		}
	}
	flush()
	return counts
}

func asLines(words []string) string {
	if len(words) == 0 {
		return ""
	}
	return strings.Join(words, "\n") + "\n"
}
