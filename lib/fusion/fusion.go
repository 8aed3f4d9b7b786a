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

// Package fusion merges the n-best output of a forward (left-to-right) and a
// backward (right-to-left) attention decoder into one hypothesis per batch
// item.
//
// Every trimmed hypothesis from either direction is a candidate. In addition,
// wherever a forward step and a backward step emit the same token while
// attending to a temporally consistent input position, the forward prefix
// up to that token is joined with the backward suffix after it. The
// candidate with the highest cumulative log probability wins; on equal
// scores the earliest candidate wins, so unspliced hypotheses beat spliced
// ones.
package fusion

import (
	"cmp"
	"context"
	"fmt"
	"runtime"
	"slices"
	"strings"

	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/antflydb/duplex/lib/vocab"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gonum.org/v1/gonum/floats"
)

// Config configures an Engine.
type Config struct {
	Reserved vocab.Reserved

	// Parallelism bounds the batch items fused concurrently (0 = number of CPUs).
	Parallelism int

	// Logger for diagnostics. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// Options carries per-call inputs. None of them affects the fused tokens.
type Options struct {
	// Task names the fused task in errors. Empty means the main task.
	Task seq2seq.Task

	// Converter and References feed splice diagnostics.
	Converter  seq2seq.TokenConverter
	References []string
}

func (o Options) task() seq2seq.Task {
	if o.Task == "" {
		return seq2seq.TaskMain
	}
	return o.Task
}

// Result is the fused output of a batch.
type Result struct {
	// Hyps holds one token sequence per batch item.
	Hyps [][]int32
	// Candidates is the total number of candidates considered.
	Candidates int
	// Splices is the number of spliced candidates among them.
	Splices int
	// Skipped counts end-marker-only hypotheses that were not seeded.
	Skipped int
	// SplicedWins counts items whose winner is a spliced candidate.
	SplicedWins int
	// Cached is set when the result was served without fusing, for example
	// from a cache. The counters then describe the original computation.
	Cached bool
}

// Clone returns a deep copy of r.
func (r *Result) Clone() *Result {
	out := *r
	out.Hyps = make([][]int32, len(r.Hyps))
	for b, hyp := range r.Hyps {
		out.Hyps[b] = clone(hyp)
	}
	return &out
}

// Engine fuses forward and backward n-best sets. It holds no per-call state
// and is safe for concurrent use.
type Engine struct {
	eos         int32
	parallelism int
	logger      *zap.Logger
}

// NewEngine creates a fusion engine.
func NewEngine(cfg Config) *Engine {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	parallelism := cfg.Parallelism
	if parallelism <= 0 {
		parallelism = runtime.NumCPU()
	}
	return &Engine{
		eos:         cfg.Reserved.EOS,
		parallelism: parallelism,
		logger:      logger,
	}
}

type candidate struct {
	tokens  []int32
	score   float64
	spliced bool
}

type itemResult struct {
	best        []int32
	candidates  int
	splices     int
	skipped     int
	splicedWins bool
}

// Fuse returns one hypothesis per batch item. fwd and bwd must cover the same
// batch with the same number of ranks per item. Items are fused
// concurrently; the first failing item aborts the call.
func (e *Engine) Fuse(ctx context.Context, fwd, bwd seq2seq.NBest, opts Options) (*Result, error) {
	if len(fwd) != len(bwd) {
		return nil, &seq2seq.ShapeError{Task: opts.task(), Batch: -1,
			Reason: fmt.Sprintf("forward n-best covers %d items, backward %d", len(fwd), len(bwd))}
	}

	items := make([]itemResult, len(fwd))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.parallelism)
	for b := range fwd {
		g.Go(func() error {
			res, err := e.fuseItem(gctx, b, fwd[b], bwd[b], opts)
			if err != nil {
				return err
			}
			items[b] = res
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	result := &Result{Hyps: make([][]int32, len(items))}
	for b, item := range items {
		result.Hyps[b] = item.best
		result.Candidates += item.candidates
		result.Splices += item.splices
		result.Skipped += item.skipped
		if item.splicedWins {
			result.SplicedWins++
		}
	}
	return result, nil
}

func (e *Engine) fuseItem(ctx context.Context, b int, fwd, bwd []seq2seq.Hypothesis, opts Options) (itemResult, error) {
	if len(fwd) != len(bwd) {
		return itemResult{}, &seq2seq.ShapeError{Task: opts.task(), Batch: b,
			Reason: fmt.Sprintf("forward has %d hypotheses, backward %d", len(fwd), len(bwd))}
	}
	for n := range fwd {
		if err := checkHypothesis(opts.task(), b, seq2seq.Forward, n, fwd[n]); err != nil {
			return itemResult{}, err
		}
		if err := checkHypothesis(opts.task(), b, seq2seq.Backward, n, bwd[n]); err != nil {
			return itemResult{}, err
		}
	}

	var res itemResult
	nbest := len(fwd)
	cands := make([]candidate, 0, 2*nbest)

	for n := range nbest {
		if c, ok := e.trimForward(fwd[n]); ok {
			cands = append(cands, c)
		} else {
			res.skipped++
			e.logger.Info("Skipping end-marker-only forward hypothesis",
				zap.Int("batch", b), zap.Int("rank", n), zap.Int32s("tokens", fwd[n].Tokens))
		}
		if c, ok := e.trimBackward(bwd[n]); ok {
			cands = append(cands, c)
		} else {
			res.skipped++
			e.logger.Info("Skipping end-marker-only backward hypothesis",
				zap.Int("batch", b), zap.Int("rank", n), zap.Int32s("tokens", bwd[n].Tokens))
		}
	}

	for nf := range nbest {
		for nb := range nbest {
			if err := ctx.Err(); err != nil {
				return itemResult{}, err
			}
			spliced := e.splice(b, fwd[nf], bwd[nb], opts)
			res.splices += len(spliced)
			cands = append(cands, spliced...)
		}
	}

	if len(cands) == 0 {
		return itemResult{}, &seq2seq.FusionError{Batch: b, Reason: "no viable candidate"}
	}

	slices.SortStableFunc(cands, func(x, y candidate) int {
		return cmp.Compare(y.score, x.score)
	})

	res.best = cands[0].tokens
	res.candidates = len(cands)
	res.splicedWins = cands[0].spliced
	return res, nil
}

// trimForward drops a trailing end marker and excludes its probability from
// the score.
func (e *Engine) trimForward(h seq2seq.Hypothesis) (candidate, bool) {
	n := len(h.Tokens)
	if n <= 1 {
		return candidate{}, false
	}
	if h.Tokens[n-1] == e.eos {
		return candidate{tokens: clone(h.Tokens[:n-1]), score: h.Scores[n-2]}, true
	}
	return candidate{tokens: clone(h.Tokens), score: h.Scores[n-1]}, true
}

// trimBackward drops a leading end marker. Backward trajectories accumulate
// from the end of the sequence, so the total is at index 0.
func (e *Engine) trimBackward(h seq2seq.Hypothesis) (candidate, bool) {
	n := len(h.Tokens)
	if n <= 1 {
		return candidate{}, false
	}
	if h.Tokens[0] == e.eos {
		return candidate{tokens: clone(h.Tokens[1:]), score: h.Scores[1]}, true
	}
	return candidate{tokens: clone(h.Tokens), score: h.Scores[0]}, true
}

// splice returns every candidate formed by joining a prefix of f with a
// suffix of r at a shared, time-consistent token.
//
// Step i-1 at i == 0 wraps to the last step, matching how the reference
// decoder indexes its trajectories.
func (e *Engine) splice(b int, f, r seq2seq.Hypothesis, opts Options) []candidate {
	lf, lr := len(f.Alignment), len(r.Alignment)
	if lf < 2 || lr < 2 {
		return nil
	}

	var out []candidate
	for i := 0; i < lf-1; i++ {
		tCurr := floats.MaxIdx(f.Alignment[i])
		for j := 0; j < lr-1; j++ {
			if f.Tokens[i] != r.Tokens[j] {
				continue
			}
			tPrev := floats.MaxIdx(r.Alignment[j+1])
			tNext := floats.MaxIdx(r.Alignment[wrap(j-1, lr)])
			if tCurr < tPrev || tCurr > tNext {
				continue
			}

			tokens := make([]int32, 0, i+1+lr-j-1)
			tokens = append(tokens, f.Tokens[:i+1]...)
			tokens = append(tokens, r.Tokens[j+1:]...)

			fPrev := f.Scores[wrap(i-1, lf)]
			curFwd := f.Scores[i] - fPrev
			curBwd := r.Scores[j] - r.Scores[j+1]
			score := fPrev + r.Scores[j+1] + max(curFwd, curBwd)

			out = append(out, candidate{tokens: tokens, score: score, spliced: true})
			e.logSplice(b, f, r, tokens, score, opts)
		}
	}
	return out
}

func (e *Engine) logSplice(b int, f, r seq2seq.Hypothesis, tokens []int32, score float64, opts Options) {
	if ce := e.logger.Check(zap.DebugLevel, "Time-matched splice"); ce != nil {
		fields := []zap.Field{
			zap.Int("batch", b),
			zap.Float64("log_prob_fwd", f.Scores[len(f.Scores)-1]),
			zap.Float64("log_prob_bwd", r.Scores[0]),
			zap.Float64("log_prob_fwd_bwd", score),
		}
		if opts.Converter != nil {
			fields = append(fields,
				zap.String("hyp_fwd", opts.Converter(f.Tokens)),
				zap.String("hyp_bwd", opts.Converter(r.Tokens)),
				zap.String("hyp_fwd_bwd", opts.Converter(tokens)))
			if b < len(opts.References) {
				fields = append(fields, zap.String("ref", strings.ToLower(opts.References[b])))
			}
		}
		ce.Write(fields...)
	}
}

func checkHypothesis(task seq2seq.Task, b int, dir seq2seq.Direction, rank int, h seq2seq.Hypothesis) error {
	if len(h.Scores) != len(h.Tokens) || len(h.Alignment) != len(h.Tokens) {
		return &seq2seq.ShapeError{Task: task, Batch: b,
			Reason: fmt.Sprintf("%s rank %d: %d tokens, %d scores, %d alignment steps",
				dir, rank, len(h.Tokens), len(h.Scores), len(h.Alignment))}
	}
	for i, row := range h.Alignment {
		if len(row) == 0 {
			return &seq2seq.ShapeError{Task: task, Batch: b,
				Reason: fmt.Sprintf("%s rank %d: empty alignment at step %d", dir, rank, i)}
		}
	}
	return nil
}

func wrap(i, n int) int {
	if i < 0 {
		return i + n
	}
	return i
}

func clone(s []int32) []int32 {
	out := make([]int32, len(s))
	copy(out, s)
	return out
}
