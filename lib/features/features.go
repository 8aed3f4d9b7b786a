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

// Package features implements the fixed acoustic feature transforms applied
// before encoding: frame stacking, splicing and padding.
package features

import (
	"fmt"
)

// StackFrames concatenates nstacks consecutive frames into one, advancing
// nskips frames between groups. The output has (T+1)/nskips frames (at
// least one for non-empty input); groups running past the end are zero
// filled.
//
// nstacks must be >= nskips so no input frame is dropped between groups.
func StackFrames(feat [][]float32, nstacks, nskips int) ([][]float32, error) {
	if nstacks < 1 || nskips < 1 {
		return nil, fmt.Errorf("nstacks and nskips must be positive, got %d and %d", nstacks, nskips)
	}
	if nstacks < nskips {
		return nil, fmt.Errorf("nskips (%d) must not exceed nstacks (%d)", nskips, nstacks)
	}
	if nstacks == 1 && nskips == 1 {
		return feat, nil
	}
	nframes := len(feat)
	if nframes == 0 {
		return [][]float32{}, nil
	}
	dim := len(feat[0])

	nout := (nframes + 1) / nskips
	if nout == 0 {
		nout = 1
	}

	out := make([][]float32, nout)
	for j := range out {
		row := make([]float32, dim*nstacks)
		start := j * nskips
		for i := 0; i < nstacks; i++ {
			t := start + i
			if t >= nframes {
				break
			}
			if len(feat[t]) != dim {
				return nil, fmt.Errorf("frame %d has dim %d, expected %d", t, len(feat[t]), dim)
			}
			copy(row[i*dim:(i+1)*dim], feat[t])
		}
		out[j] = row
	}
	return out, nil
}

// Splice concatenates a window of nsplices frames centred on each frame.
// Frames outside the sequence repeat the first or last frame. When the
// frames were stacked beforehand, the window is laid out per stacked
// sub-frame: [stack][splice][dim/nstacks].
func Splice(feat [][]float32, nsplices, nstacks int) ([][]float32, error) {
	if nsplices < 1 || nsplices%2 == 0 {
		return nil, fmt.Errorf("nsplices must be a positive odd number, got %d", nsplices)
	}
	if nstacks < 1 {
		return nil, fmt.Errorf("nstacks must be positive, got %d", nstacks)
	}
	if nsplices == 1 {
		return feat, nil
	}
	nframes := len(feat)
	if nframes == 0 {
		return [][]float32{}, nil
	}
	dim := len(feat[0])
	if dim%nstacks != 0 {
		return nil, fmt.Errorf("feature dim %d is not divisible by nstacks %d", dim, nstacks)
	}
	sub := dim / nstacks
	half := nsplices / 2

	out := make([][]float32, nframes)
	for t := range nframes {
		row := make([]float32, dim*nsplices)
		for s := 0; s < nsplices; s++ {
			src := min(max(t+s-half, 0), nframes-1)
			frame := feat[src]
			if len(frame) != dim {
				return nil, fmt.Errorf("frame %d has dim %d, expected %d", src, len(frame), dim)
			}
			for k := 0; k < nstacks; k++ {
				dst := (k*nsplices + s) * sub
				copy(row[dst:dst+sub], frame[k*sub:(k+1)*sub])
			}
		}
		out[t] = row
	}
	return out, nil
}

// Pad packs variable-length sequences into a zero-padded row-major
// [B, maxT, dim] slice and returns it with maxT and dim.
func Pad(items [][][]float32) (data []float32, maxT, dim int, err error) {
	for _, item := range items {
		maxT = max(maxT, len(item))
		if len(item) > 0 && dim == 0 {
			dim = len(item[0])
		}
	}
	data = make([]float32, len(items)*maxT*dim)
	for b, item := range items {
		for t, frame := range item {
			if len(frame) != dim {
				return nil, 0, 0, fmt.Errorf("item %d frame %d has dim %d, expected %d", b, t, len(frame), dim)
			}
			off := (b*maxT + t) * dim
			copy(data[off:off+dim], frame)
		}
	}
	return data, maxT, dim, nil
}

// PadTokens right-pads token sequences to the longest one with padID.
func PadTokens(items [][]int32, padID int32) [][]int32 {
	maxL := 0
	for _, item := range items {
		maxL = max(maxL, len(item))
	}
	out := make([][]int32, len(items))
	for b, item := range items {
		row := make([]int32, maxL)
		copy(row, item)
		for i := len(item); i < maxL; i++ {
			row[i] = padID
		}
		out[b] = row
	}
	return out
}
