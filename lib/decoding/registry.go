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

package decoding

import (
	"context"
	"fmt"
	"slices"

	"github.com/antflydb/duplex/lib/config"
	"github.com/antflydb/duplex/lib/seq2seq"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"
)

// RegistryConfig lists the decoders and language models of a model.
type RegistryConfig struct {
	Weights        config.Weights
	Decoders       map[seq2seq.DecoderKey]seq2seq.Decoder
	LanguageModels map[seq2seq.DecoderKey]seq2seq.LanguageModel

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

type registered struct {
	decoder seq2seq.Decoder
	// sem serializes calls; decoders carry recurrent state between steps.
	sem *semaphore.Weighted
}

// Registry resolves decoders by (direction, task). Every call clears the
// decoder state first and holds the decoder exclusively until it returns.
type Registry struct {
	weights  config.Weights
	decoders map[seq2seq.DecoderKey]*registered
	lms      map[seq2seq.DecoderKey]seq2seq.LanguageModel
	logger   *zap.Logger
}

// RequiredKeys returns the decoders a model with these weights must provide.
// The main task needs a forward decoder when attention or CTC decoding runs
// forward, and a backward decoder when it has backward weight. Sub-tasks
// need a forward decoder when their task weight is positive, plus a
// backward one when they have backward weight.
func RequiredKeys(w config.Weights) []seq2seq.DecoderKey {
	var keys []seq2seq.DecoderKey
	if w.ForwardWeight(seq2seq.TaskMain) > 0 || w.CTCWeight(seq2seq.TaskMain) > 0 {
		keys = append(keys, seq2seq.KeyFor(seq2seq.Forward, seq2seq.TaskMain))
	}
	if w.BackwardWeight(seq2seq.TaskMain) > 0 {
		keys = append(keys, seq2seq.KeyFor(seq2seq.Backward, seq2seq.TaskMain))
	}
	for _, task := range []seq2seq.Task{seq2seq.TaskSub1, seq2seq.TaskSub2} {
		if w.TaskWeight(task) <= 0 {
			continue
		}
		keys = append(keys, seq2seq.KeyFor(seq2seq.Forward, task))
		if w.BackwardWeight(task) > 0 {
			keys = append(keys, seq2seq.KeyFor(seq2seq.Backward, task))
		}
	}
	return keys
}

// NewRegistry checks that every decoder the weights call for is present.
// Extra decoders are accepted.
func NewRegistry(cfg RegistryConfig) (*Registry, error) {
	if err := cfg.Weights.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	for _, key := range RequiredKeys(cfg.Weights) {
		if cfg.Decoders[key] == nil {
			return nil, &seq2seq.ConfigurationError{Task: key.Task, Direction: key.Direction,
				Reason: "weights require a decoder that was not provided"}
		}
	}

	r := &Registry{
		weights:  cfg.Weights,
		decoders: make(map[seq2seq.DecoderKey]*registered, len(cfg.Decoders)),
		lms:      make(map[seq2seq.DecoderKey]seq2seq.LanguageModel, len(cfg.LanguageModels)),
		logger:   logger,
	}
	for key, dec := range cfg.Decoders {
		if dec == nil {
			continue
		}
		r.decoders[key] = &registered{decoder: dec, sem: semaphore.NewWeighted(1)}
	}
	for key, lm := range cfg.LanguageModels {
		if lm != nil {
			r.lms[key] = lm
		}
	}

	logger.Debug("Decoder registry ready", zap.Strings("decoders", r.keyNames()))
	return r, nil
}

// SelectDirection returns Forward when the forward weight is at least the
// backward weight.
func SelectDirection(fwdWeight, bwdWeight float64) seq2seq.Direction {
	if fwdWeight >= bwdWeight {
		return seq2seq.Forward
	}
	return seq2seq.Backward
}

// Direction returns the preferred direction of the model. The main task's
// weights decide it for every task.
func (r *Registry) Direction() seq2seq.Direction {
	return SelectDirection(r.weights.ForwardWeight(seq2seq.TaskMain), r.weights.BackwardWeight(seq2seq.TaskMain))
}

// Has reports whether a decoder is registered under key.
func (r *Registry) Has(key seq2seq.DecoderKey) bool {
	_, ok := r.decoders[key]
	return ok
}

// HasTask reports whether any decoder serves task.
func (r *Registry) HasTask(task seq2seq.Task) bool {
	for key := range r.decoders {
		if key.Task == task {
			return true
		}
	}
	return false
}

// Keys returns the registered keys in a stable order.
func (r *Registry) Keys() []seq2seq.DecoderKey {
	keys := make([]seq2seq.DecoderKey, 0, len(r.decoders))
	for key := range r.decoders {
		keys = append(keys, key)
	}
	slices.SortFunc(keys, func(a, b seq2seq.DecoderKey) int {
		if a.Task != b.Task {
			return slices.Index(seq2seq.Tasks, a.Task) - slices.Index(seq2seq.Tasks, b.Task)
		}
		if a.Direction == b.Direction {
			return 0
		}
		if a.Direction == seq2seq.Forward {
			return -1
		}
		return 1
	})
	return keys
}

// LanguageModel returns the language model attached to key.
func (r *Registry) LanguageModel(key seq2seq.DecoderKey) (seq2seq.LanguageModel, bool) {
	lm, ok := r.lms[key]
	return lm, ok
}

// Greedy runs greedy decoding on the decoder under key.
func (r *Registry) Greedy(ctx context.Context, key seq2seq.DecoderKey, enc *seq2seq.Encoded, maxLenRatio float64, excludeEOS bool) ([]seq2seq.Hypothesis, error) {
	var hyps []seq2seq.Hypothesis
	err := r.with(ctx, key, func(d seq2seq.Decoder) error {
		var err error
		hyps, err = d.Greedy(ctx, enc, maxLenRatio, excludeEOS)
		if err != nil {
			return err
		}
		return checkBatch(key, len(hyps), enc.Batch)
	})
	return hyps, err
}

// BeamSearch runs beam search on the decoder under key.
func (r *Registry) BeamSearch(ctx context.Context, key seq2seq.DecoderKey, enc *seq2seq.Encoded, opts seq2seq.BeamOptions) (seq2seq.NBest, error) {
	var nbest seq2seq.NBest
	err := r.with(ctx, key, func(d seq2seq.Decoder) error {
		var err error
		nbest, err = d.BeamSearch(ctx, enc, opts)
		if err != nil {
			return err
		}
		return checkBatch(key, len(nbest), enc.Batch)
	})
	return nbest, err
}

// DecodeCTC runs CTC decoding on the decoder under key.
func (r *Registry) DecodeCTC(ctx context.Context, key seq2seq.DecoderKey, enc *seq2seq.Encoded, beamWidth int, lm seq2seq.LanguageModel) ([][]int32, error) {
	var hyps [][]int32
	err := r.with(ctx, key, func(d seq2seq.Decoder) error {
		var err error
		hyps, err = d.DecodeCTC(ctx, enc, beamWidth, lm)
		if err != nil {
			return err
		}
		return checkBatch(key, len(hyps), enc.Batch)
	})
	return hyps, err
}

// CTCPosteriors returns the CTC output distribution of the decoder under key.
func (r *Registry) CTCPosteriors(ctx context.Context, key seq2seq.DecoderKey, enc *seq2seq.Encoded, temperature float64, topk int) (*seq2seq.Posteriors, error) {
	var post *seq2seq.Posteriors
	err := r.with(ctx, key, func(d seq2seq.Decoder) error {
		var err error
		post, err = d.CTCPosteriors(ctx, enc, temperature, topk)
		if err != nil {
			return err
		}
		if post == nil {
			return &seq2seq.ShapeError{Task: key.Task, Batch: -1, Reason: "decoder returned no posteriors"}
		}
		return checkBatch(key, len(post.Probs), enc.Batch)
	})
	return post, err
}

// with runs fn with exclusive access to a freshly reset decoder.
func (r *Registry) with(ctx context.Context, key seq2seq.DecoderKey, fn func(seq2seq.Decoder) error) error {
	reg, ok := r.decoders[key]
	if !ok {
		return &seq2seq.ConfigurationError{Task: key.Task, Direction: key.Direction, Reason: "no decoder registered"}
	}
	if err := reg.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("waiting for decoder %s: %w", key, err)
	}
	defer reg.sem.Release(1)

	reg.decoder.Reset()
	if err := fn(reg.decoder); err != nil {
		return fmt.Errorf("decoder %s: %w", key, err)
	}
	return nil
}

func (r *Registry) keyNames() []string {
	keys := r.Keys()
	names := make([]string, len(keys))
	for i, k := range keys {
		names[i] = k.String()
	}
	return names
}

func checkBatch(key seq2seq.DecoderKey, got, want int) error {
	if got != want {
		return &seq2seq.ShapeError{Task: key.Task, Batch: -1,
			Reason: fmt.Sprintf("decoder %s returned %d items for batch of %d", key, got, want)}
	}
	return nil
}
