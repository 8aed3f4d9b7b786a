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

// Package replay serves recorded decoder output through the seq2seq.Decoder
// interface, so dispatch and fusion can run offline from captured n-best
// dumps.
package replay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync/atomic"

	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/bytedance/sonic"
)

// ErrNotRecorded is returned when a recording lacks the requested output.
var ErrNotRecorded = errors.New("output not recorded")

// Recording is the captured output of one decoder over one batch.
type Recording struct {
	Direction  seq2seq.Direction    `json:"direction"`
	Task       seq2seq.Task         `json:"task,omitempty"`
	Greedy     []seq2seq.Hypothesis `json:"greedy,omitempty"`
	NBest      seq2seq.NBest        `json:"nbest,omitempty"`
	CTC        [][]int32            `json:"ctc,omitempty"`
	Posteriors *seq2seq.Posteriors  `json:"posteriors,omitempty"`
}

// Key returns the registry key the recording was captured from.
func (r *Recording) Key() seq2seq.DecoderKey {
	task := r.Task
	if task == "" {
		task = seq2seq.TaskMain
	}
	dir := r.Direction
	if dir == "" {
		dir = seq2seq.Forward
	}
	return seq2seq.KeyFor(dir, task)
}

// Read decodes a recording from JSON.
func Read(r io.Reader) (*Recording, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("reading recording: %w", err)
	}
	var rec Recording
	if err := sonic.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding recording: %w", err)
	}
	switch rec.Direction {
	case "", seq2seq.Forward, seq2seq.Backward:
	default:
		return nil, fmt.Errorf("recording has unknown direction %q", rec.Direction)
	}
	return &rec, nil
}

// Load reads a recording file.
func Load(path string) (*Recording, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening recording: %w", err)
	}
	defer func() { _ = f.Close() }()
	rec, err := Read(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return rec, nil
}

// Write encodes the recording as indented JSON.
func (r *Recording) Write(w io.Writer) error {
	data, err := sonic.ConfigStd.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding recording: %w", err)
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing recording: %w", err)
	}
	return nil
}

// Save writes the recording to path.
func (r *Recording) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating recording: %w", err)
	}
	if err := r.Write(f); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Decoder replays a Recording. End markers are stripped on request at the
// end of forward hypotheses and the start of backward ones.
type Decoder struct {
	rec    *Recording
	eos    int32
	resets atomic.Int64
}

// NewDecoder creates a decoder over rec.
func NewDecoder(rec *Recording, eos int32) *Decoder {
	return &Decoder{rec: rec, eos: eos}
}

// Resets returns how many times the decoder state was cleared.
func (d *Decoder) Resets() int64 {
	return d.resets.Load()
}

// Reset implements seq2seq.Decoder. A replay decoder has no state to clear.
func (d *Decoder) Reset() {
	d.resets.Add(1)
}

// Greedy implements seq2seq.Decoder.
func (d *Decoder) Greedy(ctx context.Context, enc *seq2seq.Encoded, _ float64, excludeEOS bool) ([]seq2seq.Hypothesis, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.rec.Greedy == nil {
		return nil, fmt.Errorf("greedy: %w", ErrNotRecorded)
	}
	if err := d.checkBatch(len(d.rec.Greedy), enc); err != nil {
		return nil, err
	}
	out := make([]seq2seq.Hypothesis, len(d.rec.Greedy))
	for b, h := range d.rec.Greedy {
		out[b] = d.maybeStrip(h, excludeEOS)
	}
	return out, nil
}

// BeamSearch implements seq2seq.Decoder. At most opts.NBest ranks are
// returned per item.
func (d *Decoder) BeamSearch(ctx context.Context, enc *seq2seq.Encoded, opts seq2seq.BeamOptions) (seq2seq.NBest, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.rec.NBest == nil {
		return nil, fmt.Errorf("beam search: %w", ErrNotRecorded)
	}
	if err := d.checkBatch(len(d.rec.NBest), enc); err != nil {
		return nil, err
	}
	limit := opts.NBest
	if limit <= 0 {
		limit = 1
	}
	out := make(seq2seq.NBest, len(d.rec.NBest))
	for b, hyps := range d.rec.NBest {
		n := min(limit, len(hyps))
		out[b] = make([]seq2seq.Hypothesis, n)
		for i := range n {
			out[b][i] = d.maybeStrip(hyps[i], opts.ExcludeEOS)
		}
	}
	return out, nil
}

// DecodeCTC implements seq2seq.Decoder.
func (d *Decoder) DecodeCTC(ctx context.Context, enc *seq2seq.Encoded, _ int, _ seq2seq.LanguageModel) ([][]int32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.rec.CTC == nil {
		return nil, fmt.Errorf("ctc: %w", ErrNotRecorded)
	}
	if err := d.checkBatch(len(d.rec.CTC), enc); err != nil {
		return nil, err
	}
	out := make([][]int32, len(d.rec.CTC))
	for b, ids := range d.rec.CTC {
		out[b] = append([]int32(nil), ids...)
	}
	return out, nil
}

// CTCPosteriors implements seq2seq.Decoder. Recorded posteriors are
// returned as captured; temperature and topk were fixed at capture time.
func (d *Decoder) CTCPosteriors(ctx context.Context, enc *seq2seq.Encoded, _ float64, _ int) (*seq2seq.Posteriors, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if d.rec.Posteriors == nil {
		return nil, fmt.Errorf("ctc posteriors: %w", ErrNotRecorded)
	}
	if err := d.checkBatch(len(d.rec.Posteriors.Probs), enc); err != nil {
		return nil, err
	}
	return d.rec.Posteriors, nil
}

func (d *Decoder) checkBatch(recorded int, enc *seq2seq.Encoded) error {
	if enc != nil && enc.Batch != recorded {
		return &seq2seq.ShapeError{Task: d.rec.Key().Task, Batch: -1,
			Reason: fmt.Sprintf("recording holds %d items, batch has %d", recorded, enc.Batch)}
	}
	return nil
}

func (d *Decoder) maybeStrip(h seq2seq.Hypothesis, excludeEOS bool) seq2seq.Hypothesis {
	n := len(h.Tokens)
	if !excludeEOS || n == 0 {
		return h
	}
	if d.rec.Key().Direction == seq2seq.Backward {
		if h.Tokens[0] != d.eos {
			return h
		}
		return slice(h, 1, n)
	}
	if h.Tokens[n-1] != d.eos {
		return h
	}
	return slice(h, 0, n-1)
}

func slice(h seq2seq.Hypothesis, from, to int) seq2seq.Hypothesis {
	out := seq2seq.Hypothesis{Tokens: h.Tokens[from:to]}
	if len(h.Scores) == len(h.Tokens) {
		out.Scores = h.Scores[from:to]
	}
	if len(h.Alignment) == len(h.Tokens) {
		out.Alignment = h.Alignment[from:to]
	}
	return out
}
