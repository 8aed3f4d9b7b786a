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

	"github.com/antflydb/duplex/lib/seq2seq"
	"gonum.org/v1/gonum/mat"
)

// Linear is a learned affine projection y = xWᵀ + b applied to every frame.
// It bridges encoder and decoder hidden sizes.
type Linear struct {
	weight *mat.Dense // [out, in]
	bias   []float64
}

// NewLinear builds a projection from a row-major [out, in] weight matrix and
// an optional bias of length out.
func NewLinear(in, out int, weight []float64, bias []float64) (*Linear, error) {
	if in <= 0 || out <= 0 {
		return nil, fmt.Errorf("linear dims must be positive, got in=%d out=%d", in, out)
	}
	if len(weight) != in*out {
		return nil, fmt.Errorf("weight has %d values, [%d %d] needs %d", len(weight), out, in, in*out)
	}
	if bias != nil && len(bias) != out {
		return nil, fmt.Errorf("bias has %d values, expected %d", len(bias), out)
	}
	w := make([]float64, len(weight))
	copy(w, weight)
	var b []float64
	if bias != nil {
		b = make([]float64, out)
		copy(b, bias)
	}
	return &Linear{weight: mat.NewDense(out, in, w), bias: b}, nil
}

// InDim returns the input size.
func (l *Linear) InDim() int {
	_, c := l.weight.Dims()
	return c
}

// OutDim returns the output size.
func (l *Linear) OutDim() int {
	r, _ := l.weight.Dims()
	return r
}

// Apply projects every frame of enc, returning a new tensor.
func (l *Linear) Apply(enc *seq2seq.Encoded) (*seq2seq.Encoded, error) {
	if enc.Hidden != l.InDim() {
		return nil, fmt.Errorf("bridge expects hidden size %d, got %d", l.InDim(), enc.Hidden)
	}
	lengths := make([]int, len(enc.Lengths))
	copy(lengths, enc.Lengths)
	out := seq2seq.NewEncoded(enc.Batch, enc.Time, l.OutDim(), lengths)
	if enc.Batch == 0 || enc.Time == 0 {
		return out, nil
	}

	x := mat.NewDense(enc.Time, enc.Hidden, nil)
	var y mat.Dense
	for b := 0; b < enc.Batch; b++ {
		for t := 0; t < enc.Time; t++ {
			frame := enc.Frame(b, t)
			row := x.RawRowView(t)
			for i, v := range frame {
				row[i] = float64(v)
			}
		}
		y.Mul(x, l.weight.T())
		for t := 0; t < enc.Time; t++ {
			src := y.RawRowView(t)
			dst := out.Frame(b, t)
			for i, v := range src {
				if l.bias != nil {
					v += l.bias[i]
				}
				dst[i] = float32(v)
			}
		}
		y.Reset()
	}
	return out, nil
}
