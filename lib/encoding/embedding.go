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

	"gonum.org/v1/gonum/mat"
)

// Embedding is a token embedding table used for text input. The pad id
// embeds to the zero vector.
type Embedding struct {
	table *mat.Dense // [vocab, dim]
	padID int32
}

// NewEmbedding copies a [vocab][dim] table.
func NewEmbedding(table [][]float32, padID int32) (*Embedding, error) {
	if len(table) == 0 || len(table[0]) == 0 {
		return nil, fmt.Errorf("embedding table is empty")
	}
	dim := len(table[0])
	dense := mat.NewDense(len(table), dim, nil)
	for i, row := range table {
		if len(row) != dim {
			return nil, fmt.Errorf("embedding row %d has dim %d, expected %d", i, len(row), dim)
		}
		dst := dense.RawRowView(i)
		for j, v := range row {
			dst[j] = float64(v)
		}
	}
	return &Embedding{table: dense, padID: padID}, nil
}

// Dim returns the embedding size.
func (e *Embedding) Dim() int {
	_, c := e.table.Dims()
	return c
}

// VocabSize returns the number of rows in the table.
func (e *Embedding) VocabSize() int {
	r, _ := e.table.Dims()
	return r
}

// Lookup embeds a token sequence into [len(ids)][dim].
func (e *Embedding) Lookup(ids []int32) ([][]float32, error) {
	vocab, dim := e.table.Dims()
	out := make([][]float32, len(ids))
	for i, id := range ids {
		row := make([]float32, dim)
		if id != e.padID {
			if id < 0 || int(id) >= vocab {
				return nil, fmt.Errorf("token id %d outside vocabulary of %d", id, vocab)
			}
			for j, v := range e.table.RawRowView(int(id)) {
				row[j] = float32(v)
			}
		}
		out[i] = row
	}
	return out, nil
}
