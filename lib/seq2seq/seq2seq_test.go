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

package seq2seq

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseTask(t *testing.T) {
	tests := []struct {
		in      string
		want    Task
		wantErr bool
	}{
		{in: "ys", want: TaskMain},
		{in: "main", want: TaskMain},
		{in: "", want: TaskMain},
		{in: "sub1", want: TaskSub1},
		{in: "ys_sub2", want: TaskSub2},
		{in: "sub3", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseTask(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDecoderKeyString(t *testing.T) {
	assert.Equal(t, "fwd", KeyFor(Forward, TaskMain).String())
	assert.Equal(t, "bwd", KeyFor(Backward, TaskMain).String())
	assert.Equal(t, "fwd_sub1", KeyFor(Forward, TaskSub1).String())
	assert.Equal(t, "bwd_sub2", KeyFor(Backward, TaskSub2).String())
}

func TestDirectionString(t *testing.T) {
	var s fmt.Stringer = Backward
	assert.Equal(t, "bwd", s.String())
	assert.Equal(t, "fwd", fmt.Sprint(Forward))
}

func TestBatchLengths(t *testing.T) {
	speech := Batch{Speech: [][][]float32{make([][]float32, 3), make([][]float32, 5)}}
	assert.Equal(t, 2, speech.Len())
	assert.Equal(t, []int{3, 5}, speech.Lengths())

	text := Batch{Text: [][]int32{{4, 5}, {6}, {}}}
	assert.Equal(t, 3, text.Len())
	assert.Equal(t, []int{2, 1, 0}, text.Lengths())
}

func TestEncodedValidate(t *testing.T) {
	enc := NewEncoded(2, 3, 4, []int{3, 2})
	require.NoError(t, enc.Validate(TaskMain))

	var shapeErr *ShapeError

	bad := enc.Clone()
	bad.Lengths = []int{3}
	err := bad.Validate(TaskMain)
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, -1, shapeErr.Batch)

	bad = enc.Clone()
	bad.Lengths[1] = 4
	err = bad.Validate(TaskSub1)
	require.True(t, errors.As(err, &shapeErr))
	assert.Equal(t, 1, shapeErr.Batch)
	assert.Equal(t, TaskSub1, shapeErr.Task)

	bad = enc.Clone()
	bad.Data = bad.Data[:5]
	assert.Error(t, bad.Validate(TaskMain))

	var nilEnc *Encoded
	assert.Error(t, nilEnc.Validate(TaskMain))
}

func TestEncodedFrameAndClone(t *testing.T) {
	enc := NewEncoded(2, 2, 2, []int{2, 1})
	copy(enc.Frame(1, 0), []float32{7, 8})
	assert.Equal(t, []float32{7, 8}, enc.Data[4:6])

	clone := enc.Clone()
	clone.Frame(1, 0)[0] = 1
	clone.Lengths[0] = 0
	assert.Equal(t, float32(7), enc.Frame(1, 0)[0])
	assert.Equal(t, 2, enc.Lengths[0])
}

func TestDecodeParamsValidate(t *testing.T) {
	require.NoError(t, DefaultDecodeParams().Validate())

	p := DefaultDecodeParams()
	p.BeamWidth = 0
	var cfgErr *ConfigurationError
	assert.True(t, errors.As(p.Validate(), &cfgErr))

	p = DefaultDecodeParams()
	p.NBest = 0
	assert.Error(t, p.Validate())

	p = DefaultDecodeParams()
	p.MinLenRatio = 2
	p.MaxLenRatio = 1
	assert.Error(t, p.Validate())
}

func TestNBestBest(t *testing.T) {
	n := NBest{
		{{Tokens: []int32{4}}, {Tokens: []int32{5}}},
		{},
	}
	best := n.Best()
	require.Len(t, best, 2)
	assert.Equal(t, []int32{4}, best[0].Tokens)
	assert.Nil(t, best[1].Tokens)
}

func TestErrorMessages(t *testing.T) {
	cfg := &ConfigurationError{Task: TaskSub1, Direction: Backward, Reason: "no decoder"}
	assert.Equal(t, "configuration error (task=ys_sub1, direction=bwd): no decoder", cfg.Error())

	fus := &FusionError{Batch: 3, Reason: "no viable candidate"}
	wrapped := fmt.Errorf("decoding: %w", fus)
	var target *FusionError
	require.True(t, errors.As(wrapped, &target))
	assert.Equal(t, 3, target.Batch)
	assert.Contains(t, wrapped.Error(), "no viable candidate")
}
