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

// Package seq2seq defines the types shared by the encode, decode and fusion
// stages of an attention/CTC hybrid sequence-to-sequence model, and the
// boundaries (Encoder, Decoder, LanguageModel) those stages drive.
package seq2seq

import (
	"context"
	"fmt"
)

// Task identifies one output head of a multi-task model.
type Task string

const (
	// TaskMain is the primary output vocabulary.
	TaskMain Task = "ys"
	// TaskSub1 is the first auxiliary output vocabulary.
	TaskSub1 Task = "ys_sub1"
	// TaskSub2 is the second auxiliary output vocabulary.
	TaskSub2 Task = "ys_sub2"
)

// Tasks lists every task in a fixed order.
var Tasks = []Task{TaskMain, TaskSub1, TaskSub2}

// ParseTask converts a task name ("ys", "ys_sub1", "ys_sub2", or the short
// forms "main", "sub1", "sub2") to a Task.
func ParseTask(s string) (Task, error) {
	switch s {
	case "ys", "main", "":
		return TaskMain, nil
	case "ys_sub1", "sub1":
		return TaskSub1, nil
	case "ys_sub2", "sub2":
		return TaskSub2, nil
	default:
		return "", fmt.Errorf("unknown task %q", s)
	}
}

// Direction is the order in which a decoder emits tokens.
type Direction string

const (
	Forward  Direction = "fwd"
	Backward Direction = "bwd"
)

func (d Direction) String() string {
	return string(d)
}

// DecoderKey identifies a decoder instance by direction and task.
type DecoderKey struct {
	Direction Direction
	Task      Task
}

// KeyFor returns the key for the given direction and task.
func KeyFor(dir Direction, task Task) DecoderKey {
	return DecoderKey{Direction: dir, Task: task}
}

// String renders the key as "fwd", "bwd_sub1", ... for logging.
func (k DecoderKey) String() string {
	switch k.Task {
	case TaskSub1:
		return string(k.Direction) + "_sub1"
	case TaskSub2:
		return string(k.Direction) + "_sub2"
	default:
		return string(k.Direction)
	}
}

// Batch is a set of variable-length inputs sharing one task. Exactly one of
// Speech or Text is populated.
type Batch struct {
	// Speech holds acoustic feature frames, [B][T][D].
	Speech [][][]float32
	// Text holds token id sequences, [B][L].
	Text [][]int32
}

// Len returns the number of items in the batch.
func (b Batch) Len() int {
	if b.Speech != nil {
		return len(b.Speech)
	}
	return len(b.Text)
}

// Lengths returns the raw length of every item.
func (b Batch) Lengths() []int {
	lengths := make([]int, b.Len())
	for i := range lengths {
		if b.Speech != nil {
			lengths[i] = len(b.Speech[i])
		} else {
			lengths[i] = len(b.Text[i])
		}
	}
	return lengths
}

// Encoded is a padded [Batch, Time, Hidden] tensor stored row-major, with
// the valid length of every item.
type Encoded struct {
	Data    []float32
	Batch   int
	Time    int
	Hidden  int
	Lengths []int
}

// NewEncoded allocates a zeroed tensor.
func NewEncoded(batch, time, hidden int, lengths []int) *Encoded {
	return &Encoded{
		Data:    make([]float32, batch*time*hidden),
		Batch:   batch,
		Time:    time,
		Hidden:  hidden,
		Lengths: lengths,
	}
}

// Frame returns the hidden vector of item b at time t. The slice aliases the
// tensor storage.
func (e *Encoded) Frame(b, t int) []float32 {
	off := (b*e.Time + t) * e.Hidden
	return e.Data[off : off+e.Hidden]
}

// Clone returns a deep copy.
func (e *Encoded) Clone() *Encoded {
	out := &Encoded{
		Data:    make([]float32, len(e.Data)),
		Batch:   e.Batch,
		Time:    e.Time,
		Hidden:  e.Hidden,
		Lengths: make([]int, len(e.Lengths)),
	}
	copy(out.Data, e.Data)
	copy(out.Lengths, e.Lengths)
	return out
}

// Validate checks the tensor against its length vector.
func (e *Encoded) Validate(task Task) error {
	if e == nil {
		return &ShapeError{Task: task, Batch: -1, Reason: "encoded tensor is nil"}
	}
	if len(e.Data) != e.Batch*e.Time*e.Hidden {
		return &ShapeError{Task: task, Batch: -1,
			Reason: fmt.Sprintf("data has %d values, shape [%d %d %d] needs %d",
				len(e.Data), e.Batch, e.Time, e.Hidden, e.Batch*e.Time*e.Hidden)}
	}
	if len(e.Lengths) != e.Batch {
		return &ShapeError{Task: task, Batch: -1,
			Reason: fmt.Sprintf("length vector has %d entries for batch of %d", len(e.Lengths), e.Batch)}
	}
	for b, l := range e.Lengths {
		if l < 0 || l > e.Time {
			return &ShapeError{Task: task, Batch: b,
				Reason: fmt.Sprintf("length %d outside [0, %d]", l, e.Time)}
		}
	}
	return nil
}

// Hypothesis is one decoded token sequence with its cumulative log
// probability trajectory and per-step attention over input time steps.
// Scores and Alignment may be nil when a decoder does not produce them.
type Hypothesis struct {
	Tokens    []int32     `json:"tokens"`
	Scores    []float64   `json:"scores,omitempty"`
	Alignment [][]float64 `json:"alignment,omitempty"`
}

// Len returns the number of tokens.
func (h Hypothesis) Len() int {
	return len(h.Tokens)
}

// NBest holds ranked hypotheses per batch item, [batch][rank]; rank 0 is
// the best.
type NBest [][]Hypothesis

// Best returns the rank-0 hypothesis of every item.
func (n NBest) Best() []Hypothesis {
	out := make([]Hypothesis, len(n))
	for b, hyps := range n {
		if len(hyps) > 0 {
			out[b] = hyps[0]
		}
	}
	return out
}

// DecodeParams configures a decoding call.
type DecodeParams struct {
	BeamWidth         int     `json:"beam_width" yaml:"beam_width"`
	MinLenRatio       float64 `json:"min_len_ratio" yaml:"min_len_ratio"`
	MaxLenRatio       float64 `json:"max_len_ratio" yaml:"max_len_ratio"`
	LengthPenalty     float64 `json:"len_penalty" yaml:"len_penalty"`
	CoveragePenalty   float64 `json:"cov_penalty" yaml:"cov_penalty"`
	CoverageThreshold float64 `json:"cov_threshold" yaml:"cov_threshold"`
	LMWeight          float64 `json:"lm_weight" yaml:"lm_weight"`
	FwdBwdAttention   bool    `json:"fwd_bwd_attention" yaml:"fwd_bwd_attention"`
	NBest             int     `json:"nbest" yaml:"nbest"`
}

// DefaultDecodeParams returns greedy decoding with a single hypothesis.
func DefaultDecodeParams() DecodeParams {
	return DecodeParams{
		BeamWidth:   1,
		MinLenRatio: 0,
		MaxLenRatio: 1,
		NBest:       1,
	}
}

// Validate checks the parameter ranges.
func (p DecodeParams) Validate() error {
	if p.BeamWidth < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("beam_width must be >= 1, got %d", p.BeamWidth)}
	}
	if p.NBest < 1 {
		return &ConfigurationError{Reason: fmt.Sprintf("nbest must be >= 1, got %d", p.NBest)}
	}
	if p.MinLenRatio < 0 || p.MaxLenRatio < 0 {
		return &ConfigurationError{Reason: "length ratios must be non-negative"}
	}
	if p.MaxLenRatio > 0 && p.MinLenRatio > p.MaxLenRatio {
		return &ConfigurationError{Reason: fmt.Sprintf("min_len_ratio %.3f exceeds max_len_ratio %.3f",
			p.MinLenRatio, p.MaxLenRatio)}
	}
	return nil
}

// TokenConverter renders token ids as text for diagnostics.
type TokenConverter func(ids []int32) string

// BeamOptions carries the per-call arguments of a beam search besides the
// encoded input.
type BeamOptions struct {
	Params     DecodeParams
	LM         LanguageModel
	NBest      int
	ExcludeEOS bool
	Converter  TokenConverter
	References []string
}

// Posteriors holds CTC output probabilities, [B][T][K] with the matching
// vocabulary indices when only the top K were kept.
type Posteriors struct {
	Probs   [][][]float32 `json:"probs"`
	Indices [][][]int32   `json:"indices,omitempty"`
}

// Encoder turns a padded input batch into one encoded representation per
// task branch it produces.
type Encoder interface {
	Encode(ctx context.Context, input *Encoded, task Task) (map[Task]*Encoded, error)
}

// Decoder is one trained decoder head. Implementations own recurrent and
// attention state that Reset clears; they are not safe for concurrent use.
type Decoder interface {
	// Reset discards any state carried over from a previous call.
	Reset()

	// Greedy decodes the best token at every step. The returned hypotheses
	// carry alignments; scores are optional.
	Greedy(ctx context.Context, enc *Encoded, maxLenRatio float64, excludeEOS bool) ([]Hypothesis, error)

	// BeamSearch returns up to opts.NBest hypotheses per item with score
	// trajectories and alignments.
	BeamSearch(ctx context.Context, enc *Encoded, opts BeamOptions) (NBest, error)

	// DecodeCTC decodes from the CTC branch only.
	DecodeCTC(ctx context.Context, enc *Encoded, beamWidth int, lm LanguageModel) ([][]int32, error)

	// CTCPosteriors returns the CTC output distribution. topk <= 0 keeps the
	// full vocabulary.
	CTCPosteriors(ctx context.Context, enc *Encoded, temperature float64, topk int) (*Posteriors, error)
}

// LanguageModel is an external language model used for rescoring. The
// decoding core only passes it through to decoders.
type LanguageModel interface {
	Name() string
}
