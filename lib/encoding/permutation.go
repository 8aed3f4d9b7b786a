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

package encoding

import (
	"fmt"
	"slices"
)

// Permutation maps sorted batch positions to original positions:
// p[i] is the original index of the item now at position i.
type Permutation []int

// NewPermutation orders items by descending length. Items of equal length
// keep their original relative order.
func NewPermutation(lengths []int) Permutation {
	p := make(Permutation, len(lengths))
	for i := range p {
		p[i] = i
	}
	slices.SortStableFunc(p, func(a, b int) int {
		return lengths[b] - lengths[a]
	})
	return p
}

// Identity returns the permutation that leaves n items in place.
func Identity(n int) Permutation {
	p := make(Permutation, n)
	for i := range p {
		p[i] = i
	}
	return p
}

// Validate checks that p is a bijection over [0, len(p)).
func (p Permutation) Validate() error {
	seen := make([]bool, len(p))
	for i, v := range p {
		if v < 0 || v >= len(p) {
			return fmt.Errorf("permutation entry %d out of range: %d", i, v)
		}
		if seen[v] {
			return fmt.Errorf("permutation maps %d twice", v)
		}
		seen[v] = true
	}
	return nil
}

// Inverse returns q with q[p[i]] = i.
func (p Permutation) Inverse() Permutation {
	q := make(Permutation, len(p))
	for i, v := range p {
		q[v] = i
	}
	return q
}

// Apply reorders items from original order into sorted order.
func Apply[T any](p Permutation, items []T) []T {
	out := make([]T, len(p))
	for i, src := range p {
		out[i] = items[src]
	}
	return out
}

// Restore reorders items from sorted order back to original order.
func Restore[T any](p Permutation, items []T) []T {
	out := make([]T, len(p))
	for i, dst := range p {
		out[dst] = items[i]
	}
	return out
}
