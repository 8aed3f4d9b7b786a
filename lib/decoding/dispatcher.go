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

// Package decoding selects and runs a decoding strategy over an encoded
// batch: CTC, greedy attention, single-direction beam search, or
// forward-backward fused beam search.
package decoding

import (
	"context"
	"fmt"

	"github.com/antflydb/duplex/lib/config"
	"github.com/antflydb/duplex/lib/fusion"
	"github.com/antflydb/duplex/lib/seq2seq"
	"go.uber.org/zap"
)

// Strategy is the decoding path taken for a call.
type Strategy int

const (
	// StrategyCTC decodes from the CTC branch only. Taken when the task's
	// CTC weight is 1, or when the caller asks for CTC and the weight is
	// positive. No attention decoding runs.
	StrategyCTC Strategy = iota + 1
	// StrategyGreedy takes the best token per step. Taken when the beam
	// width is 1 and fusion is off.
	StrategyGreedy
	// StrategyFusedBeam runs forward and backward beam search and fuses
	// their n-best sets. Taken whenever fusion is requested.
	StrategyFusedBeam
	// StrategyBeam runs beam search in the preferred direction.
	StrategyBeam
)

func (s Strategy) String() string {
	switch s {
	case StrategyCTC:
		return "ctc"
	case StrategyGreedy:
		return "greedy"
	case StrategyFusedBeam:
		return "fused_beam"
	case StrategyBeam:
		return "beam"
	default:
		return fmt.Sprintf("strategy(%d)", int(s))
	}
}

// Request is one decoding call.
type Request struct {
	Task   seq2seq.Task
	Params seq2seq.DecodeParams
	// CTC asks for CTC decoding when the task has a CTC branch.
	CTC bool
	// ExcludeEOS drops the end marker from greedy and beam output.
	ExcludeEOS bool
	// Converter and References feed diagnostics only. References are in
	// the same (sorted) order as the encoded batch.
	Converter  seq2seq.TokenConverter
	References []string
}

// SelectStrategy returns the path a request takes. The guards are checked in
// order.
func SelectStrategy(w config.Weights, req Request) Strategy {
	ctcWeight := w.CTCWeight(req.Task)
	switch {
	case ctcWeight == 1 || (req.CTC && ctcWeight > 0):
		return StrategyCTC
	case req.Params.BeamWidth == 1 && !req.Params.FwdBwdAttention:
		return StrategyGreedy
	case req.Params.FwdBwdAttention:
		return StrategyFusedBeam
	default:
		return StrategyBeam
	}
}

// Result is the output of a decoding call, in the encoded batch order.
type Result struct {
	Strategy  Strategy
	Direction seq2seq.Direction
	// Hyps holds the best token sequence of every item.
	Hyps [][]int32
	// Alignments holds per-step attention of every item. Nil for CTC and
	// fused decoding.
	Alignments [][][]float64
	// NBest is set by beam search when more than one hypothesis is asked
	// for.
	NBest seq2seq.NBest
	// Fusion reports candidate statistics of a fused call.
	Fusion *fusion.Result
}

// Fuser merges forward and backward n-best sets.
type Fuser interface {
	Fuse(ctx context.Context, fwd, bwd seq2seq.NBest, opts fusion.Options) (*fusion.Result, error)
}

// Dispatcher routes decoding requests to registry decoders.
type Dispatcher struct {
	registry *Registry
	fuser    Fuser
	weights  config.Weights
	logger   *zap.Logger
}

// NewDispatcher creates a dispatcher. fuser may be nil for models that never
// fuse; fused requests then fail with a configuration error.
func NewDispatcher(registry *Registry, fuser Fuser, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		registry: registry,
		fuser:    fuser,
		weights:  registry.weights,
		logger:   logger,
	}
}

// Registry returns the registry the dispatcher resolves decoders from.
func (d *Dispatcher) Registry() *Registry {
	return d.registry
}

// Dispatch decodes enc according to req.
func (d *Dispatcher) Dispatch(ctx context.Context, enc *seq2seq.Encoded, req Request) (*Result, error) {
	if err := req.Params.Validate(); err != nil {
		return nil, err
	}
	if err := enc.Validate(req.Task); err != nil {
		return nil, err
	}

	strategy := SelectStrategy(d.weights, req)
	dir := d.registry.Direction()
	key := seq2seq.KeyFor(dir, req.Task)

	d.logger.Debug("Dispatching decode",
		zap.Stringer("strategy", strategy),
		zap.Stringer("decoder", key),
		zap.Int("batch", enc.Batch),
		zap.Int("beam_width", req.Params.BeamWidth))

	var (
		res *Result
		err error
	)
	switch strategy {
	case StrategyCTC:
		res, err = d.decodeCTC(ctx, key, enc, req)
	case StrategyGreedy:
		res, err = d.decodeGreedy(ctx, key, enc, req)
	case StrategyFusedBeam:
		res, err = d.decodeFused(ctx, enc, req)
	case StrategyBeam:
		res, err = d.decodeBeam(ctx, key, enc, req)
	}
	if err != nil {
		return nil, err
	}
	res.Strategy = strategy
	return res, nil
}

func (d *Dispatcher) languageModel(key seq2seq.DecoderKey, weight float64) (seq2seq.LanguageModel, error) {
	if weight <= 0 {
		return nil, nil
	}
	lm, ok := d.registry.LanguageModel(key)
	if !ok {
		return nil, &seq2seq.ConfigurationError{Task: key.Task, Direction: key.Direction,
			Reason: fmt.Sprintf("lm_weight %g requires a language model", weight)}
	}
	return lm, nil
}

func (d *Dispatcher) decodeCTC(ctx context.Context, key seq2seq.DecoderKey, enc *seq2seq.Encoded, req Request) (*Result, error) {
	lm, err := d.languageModel(key, req.Params.LMWeight)
	if err != nil {
		return nil, err
	}
	hyps, err := d.registry.DecodeCTC(ctx, key, enc, req.Params.BeamWidth, lm)
	if err != nil {
		return nil, err
	}
	return &Result{Direction: key.Direction, Hyps: hyps}, nil
}

func (d *Dispatcher) decodeGreedy(ctx context.Context, key seq2seq.DecoderKey, enc *seq2seq.Encoded, req Request) (*Result, error) {
	hyps, err := d.registry.Greedy(ctx, key, enc, req.Params.MaxLenRatio, req.ExcludeEOS)
	if err != nil {
		return nil, err
	}
	res := &Result{
		Direction:  key.Direction,
		Hyps:       make([][]int32, len(hyps)),
		Alignments: make([][][]float64, len(hyps)),
	}
	for b, h := range hyps {
		res.Hyps[b] = h.Tokens
		res.Alignments[b] = h.Alignment
	}
	return res, nil
}

func (d *Dispatcher) decodeBeam(ctx context.Context, key seq2seq.DecoderKey, enc *seq2seq.Encoded, req Request) (*Result, error) {
	lm, err := d.languageModel(key, req.Params.LMWeight)
	if err != nil {
		return nil, err
	}
	nbest, err := d.registry.BeamSearch(ctx, key, enc, seq2seq.BeamOptions{
		Params:     req.Params,
		LM:         lm,
		NBest:      req.Params.NBest,
		ExcludeEOS: req.ExcludeEOS,
		Converter:  req.Converter,
		References: req.References,
	})
	if err != nil {
		return nil, err
	}

	res := &Result{
		Direction:  key.Direction,
		Hyps:       make([][]int32, len(nbest)),
		Alignments: make([][][]float64, len(nbest)),
	}
	for b, h := range nbest.Best() {
		res.Hyps[b] = h.Tokens
		res.Alignments[b] = h.Alignment
	}
	if req.Params.NBest > 1 {
		res.NBest = nbest
	}
	return res, nil
}

// decodeFused runs both directions of the requested task with the full beam
// kept as n-best, end markers included and no language model, then fuses.
func (d *Dispatcher) decodeFused(ctx context.Context, enc *seq2seq.Encoded, req Request) (*Result, error) {
	if d.fuser == nil {
		return nil, &seq2seq.ConfigurationError{Task: req.Task, Reason: "fwd_bwd_attention requested but no fusion engine configured"}
	}
	opts := seq2seq.BeamOptions{
		Params:     req.Params,
		NBest:      req.Params.BeamWidth,
		ExcludeEOS: false,
		Converter:  req.Converter,
		References: req.References,
	}

	fwd, err := d.registry.BeamSearch(ctx, seq2seq.KeyFor(seq2seq.Forward, req.Task), enc, opts)
	if err != nil {
		return nil, err
	}
	bwd, err := d.registry.BeamSearch(ctx, seq2seq.KeyFor(seq2seq.Backward, req.Task), enc, opts)
	if err != nil {
		return nil, err
	}

	fused, err := d.fuser.Fuse(ctx, fwd, bwd, fusion.Options{Task: req.Task, Converter: req.Converter, References: req.References})
	if err != nil {
		return nil, fmt.Errorf("fusing %s hypotheses: %w", req.Task, err)
	}
	return &Result{Hyps: fused.Hyps, Fusion: fused}, nil
}
