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

package scoring

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCompare(t *testing.T) {
	tests := []struct {
		name string
		ref  string
		hyp  string
		want ErrorCounts
	}{
		{"exact", "the cat sat", "the cat sat", ErrorCounts{RefWords: 3}},
		{"case insensitive", "The Cat", "the cat", ErrorCounts{RefWords: 2}},
		{"substitution", "the cat sat", "the dog sat", ErrorCounts{Substitutions: 1, RefWords: 3}},
		{"deletion", "the cat sat", "the sat", ErrorCounts{Deletions: 1, RefWords: 3}},
		{"insertion", "the cat sat", "the cat sat down", ErrorCounts{Insertions: 1, RefWords: 3}},
		{"empty hypothesis", "a b", "", ErrorCounts{Deletions: 2, RefWords: 2}},
		{"empty reference", "", "a", ErrorCounts{Insertions: 1}},
	}
	s := NewScorer()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, s.Compare(tt.ref, tt.hyp))
		})
	}
}

func TestRate(t *testing.T) {
	assert.InDelta(t, 1.0/3, ErrorCounts{Substitutions: 1, RefWords: 3}.Rate(), 1e-9)
	assert.Zero(t, ErrorCounts{}.Rate())
	assert.Equal(t, 1.0, ErrorCounts{Insertions: 2}.Rate())

	total := ErrorCounts{Deletions: 1, RefWords: 2}.Add(ErrorCounts{Insertions: 1, RefWords: 2})
	assert.Equal(t, 2, total.Errors())
	assert.InDelta(t, 0.5, total.Rate(), 1e-9)
}
