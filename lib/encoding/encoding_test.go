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
	"context"
	"errors"
	"testing"

	"github.com/antflydb/duplex/lib/config"
	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// identityEncoder returns its input as the main branch and records what it saw.
type identityEncoder struct {
	calls    int
	lastIn   *seq2seq.Encoded
	branches []seq2seq.Task
	err      error
}

func (e *identityEncoder) Encode(_ context.Context, in *seq2seq.Encoded, _ seq2seq.Task) (map[seq2seq.Task]*seq2seq.Encoded, error) {
	e.calls++
	e.lastIn = in
	if e.err != nil {
		return nil, e.err
	}
	out := map[seq2seq.Task]*seq2seq.Encoded{seq2seq.TaskMain: in.Clone()}
	for _, task := range e.branches {
		out[task] = in.Clone()
	}
	return out, nil
}

type taskSet map[seq2seq.Task]bool

func (s taskSet) HasTask(task seq2seq.Task) bool { return s[task] }

func speechItem(n int, base float32) [][]float32 {
	out := make([][]float32, n)
	for t := range out {
		out[t] = []float32{base + float32(t)}
	}
	return out
}

func TestPermutationRoundTrip(t *testing.T) {
	lengths := []int{3, 7, 3, 9, 1, 7}
	p := NewPermutation(lengths)
	require.NoError(t, p.Validate())

	// Descending, ties keep original order.
	assert.Equal(t, Permutation{3, 1, 5, 0, 2, 4}, p)

	items := []string{"a", "b", "c", "d", "e", "f"}
	sorted := Apply(p, items)
	assert.Equal(t, []string{"d", "b", "f", "a", "c", "e"}, sorted)
	assert.Equal(t, items, Restore(p, sorted))

	inv := p.Inverse()
	for i, v := range p {
		assert.Equal(t, i, inv[v])
	}
	assert.Equal(t, items, Apply(inv, sorted))
}

func TestPermutationValidate(t *testing.T) {
	assert.NoError(t, Identity(4).Validate())
	assert.Error(t, Permutation{0, 0}.Validate())
	assert.Error(t, Permutation{0, 2}.Validate())
}

func TestLinearApply(t *testing.T) {
	// out = [x0 + x1, 2*x0] + [1, 0]
	l, err := NewLinear(2, 2, []float64{1, 1, 2, 0}, []float64{1, 0})
	require.NoError(t, err)
	assert.Equal(t, 2, l.InDim())
	assert.Equal(t, 2, l.OutDim())

	enc := seq2seq.NewEncoded(1, 2, 2, []int{2})
	copy(enc.Data, []float32{1, 2, 3, 4})
	out, err := l.Apply(enc)
	require.NoError(t, err)
	assert.Equal(t, []float32{4, 2, 8, 6}, out.Data)
	assert.Equal(t, []int{2}, out.Lengths)

	_, err = l.Apply(seq2seq.NewEncoded(1, 1, 3, []int{1}))
	assert.Error(t, err)

	_, err = NewLinear(2, 2, []float64{1}, nil)
	assert.Error(t, err)
}

func TestEmbeddingLookup(t *testing.T) {
	e, err := NewEmbedding([][]float32{{0, 0}, {1, 1}, {2, 2}, {3, 3}, {4, 4}}, 3)
	require.NoError(t, err)

	rows, err := e.Lookup([]int32{4, 3})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{4, 4}, {0, 0}}, rows, "pad id embeds to zeros")

	_, err = e.Lookup([]int32{9})
	assert.Error(t, err)
	assert.Equal(t, 5, e.VocabSize())
	assert.Equal(t, 2, e.Dim())

	_, err = NewEmbedding([][]float32{{1, 1}, {2}}, 0)
	assert.Error(t, err, "ragged table")
}

func TestEmbeddingCopiesTable(t *testing.T) {
	table := [][]float32{{0.5}, {1.5}}
	e, err := NewEmbedding(table, 0)
	require.NoError(t, err)
	table[1][0] = 9

	rows, err := e.Lookup([]int32{1})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1.5}}, rows)
}

func TestOrchestratorSpeech(t *testing.T) {
	cfg := config.Default()
	cfg.InputDim = 1
	cfg.NStacks = 2
	cfg.NSkips = 2

	enc := &identityEncoder{}
	o, err := NewOrchestrator(OrchestratorConfig{Model: cfg}, enc)
	require.NoError(t, err)

	batch := seq2seq.Batch{Speech: [][][]float32{
		speechItem(3, 0),
		speechItem(7, 100),
		speechItem(5, 200),
	}}
	res, err := o.Encode(context.Background(), batch, seq2seq.TaskMain)
	require.NoError(t, err)
	assert.Equal(t, 1, enc.calls)

	assert.Equal(t, Permutation{1, 2, 0}, res.Perm)
	out := res.Encoded[seq2seq.TaskMain]
	require.NotNil(t, out)
	// Lengths come from the stacked sequences: (T+1)/2.
	assert.Equal(t, []int{4, 3, 2}, out.Lengths)
	assert.Equal(t, 2, out.Hidden)
	assert.Equal(t, 4, out.Time)
	assert.Equal(t, []float32{100, 101}, out.Frame(0, 0))
	assert.Equal(t, []float32{200, 201}, out.Frame(1, 0))
}

func TestOrchestratorClonesSubTaskBranch(t *testing.T) {
	cfg := config.Default()
	cfg.InputDim = 1
	cfg.Weights.Sub1Weight = 0.3

	o, err := NewOrchestrator(OrchestratorConfig{Model: cfg}, &identityEncoder{})
	require.NoError(t, err)

	res, err := o.Encode(context.Background(), seq2seq.Batch{Speech: [][][]float32{speechItem(2, 0)}}, seq2seq.TaskSub1)
	require.NoError(t, err)
	sub := res.Encoded[seq2seq.TaskSub1]
	require.NotNil(t, sub)
	assert.Equal(t, []int{2}, sub.Lengths)
}

func TestOrchestratorBridge(t *testing.T) {
	cfg := config.Default()
	cfg.InputDim = 1
	cfg.BridgeLayer = true

	_, err := NewOrchestrator(OrchestratorConfig{Model: cfg}, &identityEncoder{})
	var cfgErr *seq2seq.ConfigurationError
	require.True(t, errors.As(err, &cfgErr), "missing bridge must be rejected")

	bridge, err := NewLinear(1, 2, []float64{1, -1}, nil)
	require.NoError(t, err)
	o, err := NewOrchestrator(OrchestratorConfig{
		Model:   cfg,
		Bridges: map[seq2seq.Task]*Linear{seq2seq.TaskMain: bridge},
	}, &identityEncoder{})
	require.NoError(t, err)

	res, err := o.Encode(context.Background(), seq2seq.Batch{Speech: [][][]float32{speechItem(1, 5)}}, seq2seq.TaskMain)
	require.NoError(t, err)
	out := res.Encoded[seq2seq.TaskMain]
	assert.Equal(t, 2, out.Hidden)
	assert.Equal(t, []float32{5, -5}, out.Frame(0, 0))
}

func TestOrchestratorText(t *testing.T) {
	cfg := config.Default()
	cfg.InputType = config.InputText
	cfg.EmbeddingDim = 1

	_, err := NewOrchestrator(OrchestratorConfig{Model: cfg}, &identityEncoder{})
	require.Error(t, err, "text input needs an embedding")

	emb, err := NewEmbedding([][]float32{{0}, {1}, {2}, {3}, {4}, {5}}, cfg.Reserved.Pad)
	require.NoError(t, err)
	enc := &identityEncoder{}
	o, err := NewOrchestrator(OrchestratorConfig{Model: cfg, Embedding: emb}, enc)
	require.NoError(t, err)

	res, err := o.Encode(context.Background(), seq2seq.Batch{Text: [][]int32{{4}, {5, 4}}}, seq2seq.TaskMain)
	require.NoError(t, err)
	assert.Equal(t, Permutation{1, 0}, res.Perm)
	assert.Equal(t, []int{2, 1}, enc.lastIn.Lengths)
	// Second sorted item is [4, pad].
	assert.Equal(t, []float32{5, 4, 4, 0}, enc.lastIn.Data)
}

func TestOrchestratorErrors(t *testing.T) {
	cfg := config.Default()
	cfg.InputDim = 1
	o, err := NewOrchestrator(OrchestratorConfig{Model: cfg, Decoders: taskSet{seq2seq.TaskMain: true}}, &identityEncoder{})
	require.NoError(t, err)

	var cfgErr *seq2seq.ConfigurationError
	_, err = o.Encode(context.Background(), seq2seq.Batch{Speech: [][][]float32{speechItem(2, 0)}}, seq2seq.TaskSub2)
	require.True(t, errors.As(err, &cfgErr))
	assert.Equal(t, seq2seq.TaskSub2, cfgErr.Task)

	var shapeErr *seq2seq.ShapeError
	_, err = o.Encode(context.Background(), seq2seq.Batch{}, seq2seq.TaskMain)
	assert.True(t, errors.As(err, &shapeErr))

	_, err = o.Encode(context.Background(), seq2seq.Batch{Text: [][]int32{{4}}}, seq2seq.TaskMain)
	assert.True(t, errors.As(err, &cfgErr))

	failing, err := NewOrchestrator(OrchestratorConfig{Model: cfg}, &identityEncoder{err: errors.New("boom")})
	require.NoError(t, err)
	_, err = failing.Encode(context.Background(), seq2seq.Batch{Speech: [][][]float32{speechItem(2, 0)}}, seq2seq.TaskMain)
	assert.ErrorContains(t, err, "boom")
}
