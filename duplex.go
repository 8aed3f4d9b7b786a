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

// Package duplex is the inference-time decision layer of a multi-task
// attention/CTC hybrid sequence-to-sequence model. A Model encodes a batch
// once, selects a decoding strategy, drives the registered decoders and,
// when asked, fuses forward and backward n-best sets into one hypothesis per
// item. Results are returned in the caller's batch order.
package duplex

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/antflydb/duplex/lib/config"
	"github.com/antflydb/duplex/lib/decoding"
	"github.com/antflydb/duplex/lib/encoding"
	"github.com/antflydb/duplex/lib/fusion"
	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/antflydb/duplex/lib/vocab"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Config wires a Model from its configuration and external collaborators.
type Config struct {
	Model config.ModelConfig

	Encoder        seq2seq.Encoder
	Embedding      *encoding.Embedding
	Bridges        map[seq2seq.Task]*encoding.Linear
	Decoders       map[seq2seq.DecoderKey]seq2seq.Decoder
	LanguageModels map[seq2seq.DecoderKey]seq2seq.LanguageModel

	// Dictionary renders token ids in fusion diagnostics. Optional.
	Dictionary *vocab.Dictionary

	// FusionCacheTTL caches fused results for identical n-best inputs.
	// Zero disables the cache.
	FusionCacheTTL time.Duration

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// Model runs encode, dispatch and fusion for one trained model.
type Model struct {
	cfg          config.ModelConfig
	orchestrator *encoding.Orchestrator
	registry     *decoding.Registry
	dispatcher   *decoding.Dispatcher
	cache        *FusionCache
	converter    seq2seq.TokenConverter
	logger       *zap.Logger
}

// New validates cfg and builds a Model.
func New(cfg Config) (*Model, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, fmt.Errorf("validating model config: %w", err)
	}

	registry, err := decoding.NewRegistry(decoding.RegistryConfig{
		Weights:        cfg.Model.Weights,
		Decoders:       cfg.Decoders,
		LanguageModels: cfg.LanguageModels,
		Logger:         logger.Named("registry"),
	})
	if err != nil {
		return nil, fmt.Errorf("building decoder registry: %w", err)
	}

	orchestrator, err := encoding.NewOrchestrator(encoding.OrchestratorConfig{
		Model:     cfg.Model,
		Embedding: cfg.Embedding,
		Bridges:   cfg.Bridges,
		Decoders:  registry,
		Logger:    logger.Named("encode"),
	}, cfg.Encoder)
	if err != nil {
		return nil, fmt.Errorf("building encode orchestrator: %w", err)
	}

	engine := fusion.NewEngine(fusion.Config{
		Reserved:    cfg.Model.Reserved,
		Parallelism: cfg.Model.FusionParallelism,
		Logger:      logger.Named("fusion"),
	})
	var (
		fuser decoding.Fuser = engine
		cache *FusionCache
	)
	if cfg.FusionCacheTTL > 0 {
		cache = NewFusionCache(engine, cfg.FusionCacheTTL, logger.Named("fusion_cache"))
		fuser = cache
	}

	m := &Model{
		cfg:          cfg.Model,
		orchestrator: orchestrator,
		registry:     registry,
		dispatcher:   decoding.NewDispatcher(registry, fuser, logger.Named("dispatch")),
		cache:        cache,
		logger:       logger,
	}
	if cfg.Dictionary != nil {
		m.converter = cfg.Dictionary.Convert
	}

	logger.Info("Model ready",
		zap.String("name", cfg.Model.Name),
		zap.String("input_type", string(cfg.Model.InputType)),
		zap.Stringer("direction", registry.Direction()),
		zap.Int("decoders", len(registry.Keys())))
	return m, nil
}

// Config returns the model configuration.
func (m *Model) Config() config.ModelConfig {
	return m.cfg
}

// Registry returns the decoder registry.
func (m *Model) Registry() *decoding.Registry {
	return m.registry
}

// FusionCacheStats returns fusion cache statistics, or false when caching
// is disabled.
func (m *Model) FusionCacheStats() (FusionCacheStats, bool) {
	if m.cache == nil {
		return FusionCacheStats{}, false
	}
	return m.cache.Stats(), true
}

// Close releases background resources.
func (m *Model) Close() {
	if m.cache != nil {
		m.cache.Close()
	}
}

// DecodeRequest is one batch decoding call.
type DecodeRequest struct {
	Batch seq2seq.Batch
	// Task defaults to the main task.
	Task seq2seq.Task
	// Params overrides the model's default decode parameters.
	Params *seq2seq.DecodeParams
	// CTC decodes from the CTC branch when the task has one.
	CTC bool
	// ExcludeEOS drops end markers from greedy and beam output.
	ExcludeEOS bool
	// References are gold transcriptions in batch order, for diagnostics.
	References []string
}

// DecodeResult holds per-item output in the caller's batch order.
type DecodeResult struct {
	RequestID string
	Strategy  decoding.Strategy
	Direction seq2seq.Direction
	Hyps      [][]int32
	// Alignments is nil for CTC and fused decoding.
	Alignments [][][]float64
	// NBest is set when more than one beam hypothesis was requested.
	NBest seq2seq.NBest
	// Perm is the length sort applied internally; Perm[i] is the caller
	// index of the i-th longest item.
	Perm encoding.Permutation
}

// Decode encodes req.Batch once and decodes it with the strategy selected
// by the model weights and request parameters.
func (m *Model) Decode(ctx context.Context, req DecodeRequest) (*DecodeResult, error) {
	start := time.Now()
	task := req.Task
	if task == "" {
		task = seq2seq.TaskMain
	}
	params := m.cfg.Decode
	if req.Params != nil {
		params = *req.Params
	}
	requestID := uuid.NewString()
	logger := m.logger.With(zap.String("request_id", requestID), zap.String("task", string(task)))

	strategy := decoding.SelectStrategy(m.cfg.Weights, decoding.Request{Task: task, Params: params, CTC: req.CTC})
	res, perm, err := m.decode(ctx, task, params, req)
	status := "ok"
	if err != nil {
		status = "error"
		RecordDecodeError(string(task), errorKind(err))
		logger.Warn("Decode failed", zap.Stringer("strategy", strategy), zap.Error(err))
	}
	RecordDecodeDuration(string(task), strategy.String(), status, time.Since(start).Seconds())
	if err != nil {
		return nil, err
	}

	out := &DecodeResult{
		RequestID: requestID,
		Strategy:  res.Strategy,
		Direction: res.Direction,
		Hyps:      encoding.Restore(perm, res.Hyps),
		Perm:      perm,
	}
	if res.Alignments != nil {
		out.Alignments = encoding.Restore(perm, res.Alignments)
	}
	if res.NBest != nil {
		out.NBest = encoding.Restore(perm, res.NBest)
	}
	if res.Fusion != nil && !res.Fusion.Cached {
		RecordFusion(res.Fusion.Candidates, res.Fusion.Splices, res.Fusion.SplicedWins, res.Fusion.Skipped)
	}
	RecordDecodeRequest(string(task), res.Strategy.String())
	RecordHypothesisCreation(string(task), res.Strategy.String(), len(out.Hyps))

	logger.Debug("Decoded batch",
		zap.Stringer("strategy", res.Strategy),
		zap.Int("batch", len(out.Hyps)),
		zap.Duration("duration", time.Since(start)))
	return out, nil
}

func (m *Model) decode(ctx context.Context, task seq2seq.Task, params seq2seq.DecodeParams, req DecodeRequest) (*decoding.Result, encoding.Permutation, error) {
	if req.References != nil && len(req.References) != req.Batch.Len() {
		return nil, nil, &seq2seq.ShapeError{Task: task, Batch: -1,
			Reason: fmt.Sprintf("%d references for batch of %d", len(req.References), req.Batch.Len())}
	}

	enc, err := m.orchestrator.Encode(ctx, req.Batch, task)
	if err != nil {
		return nil, nil, err
	}

	var refs []string
	if req.References != nil {
		refs = encoding.Apply(enc.Perm, req.References)
	}
	res, err := m.dispatcher.Dispatch(ctx, enc.Encoded[task], decoding.Request{
		Task:       task,
		Params:     params,
		CTC:        req.CTC,
		ExcludeEOS: req.ExcludeEOS,
		Converter:  m.converter,
		References: refs,
	})
	if err != nil {
		return nil, nil, toCallerIndex(err, enc.Perm)
	}
	return res, enc.Perm, nil
}

// PosteriorsResult holds CTC posteriors in the caller's batch order.
type PosteriorsResult struct {
	Probs   [][][]float32
	Indices [][][]int32
	// Lengths are the valid encoded lengths of every item.
	Lengths []int
}

// CTCPosteriors encodes batch and returns the CTC output distribution of
// task. topk <= 0 keeps the full vocabulary.
func (m *Model) CTCPosteriors(ctx context.Context, batch seq2seq.Batch, task seq2seq.Task, temperature float64, topk int) (*PosteriorsResult, error) {
	if task == "" {
		task = seq2seq.TaskMain
	}
	if m.cfg.Weights.CTCWeight(task) <= 0 {
		return nil, &seq2seq.ConfigurationError{Task: task, Reason: "task has no CTC branch"}
	}

	enc, err := m.orchestrator.Encode(ctx, batch, task)
	if err != nil {
		return nil, err
	}
	encoded := enc.Encoded[task]
	key := seq2seq.KeyFor(m.registry.Direction(), task)
	post, err := m.registry.CTCPosteriors(ctx, key, encoded, temperature, topk)
	if err != nil {
		return nil, toCallerIndex(err, enc.Perm)
	}

	out := &PosteriorsResult{
		Probs:   encoding.Restore(enc.Perm, post.Probs),
		Lengths: encoding.Restore(enc.Perm, encoded.Lengths),
	}
	if len(post.Indices) == len(post.Probs) {
		out.Indices = encoding.Restore(enc.Perm, post.Indices)
	}
	return out, nil
}

// toCallerIndex reports item indices in err in caller order. err may be
// shared with concurrent callers (fusion is deduplicated), so it is wrapped
// rather than modified.
func toCallerIndex(err error, perm encoding.Permutation) error {
	inRange := func(b int) bool { return b >= 0 && b < len(perm) }

	var fusionErr *seq2seq.FusionError
	if errors.As(err, &fusionErr) && inRange(fusionErr.Batch) {
		return newCallerIndexError(err, fusionErr,
			&seq2seq.FusionError{Batch: perm[fusionErr.Batch], Reason: fusionErr.Reason})
	}
	var shapeErr *seq2seq.ShapeError
	if errors.As(err, &shapeErr) && inRange(shapeErr.Batch) {
		return newCallerIndexError(err, shapeErr,
			&seq2seq.ShapeError{Task: shapeErr.Task, Batch: perm[shapeErr.Batch], Reason: shapeErr.Reason})
	}
	return err
}

// callerIndexError is err with its indexed cause replaced by remapped.
// errors.As finds remapped before anything in the original chain.
type callerIndexError struct {
	msg      string
	remapped error
	err      error
}

func newCallerIndexError(err, cause, remapped error) *callerIndexError {
	return &callerIndexError{
		msg:      strings.Replace(err.Error(), cause.Error(), remapped.Error(), 1),
		remapped: remapped,
		err:      err,
	}
}

func (e *callerIndexError) Error() string {
	return e.msg
}

func (e *callerIndexError) Unwrap() []error {
	return []error{e.remapped, e.err}
}

func errorKind(err error) string {
	var (
		cfgErr    *seq2seq.ConfigurationError
		shapeErr  *seq2seq.ShapeError
		fusionErr *seq2seq.FusionError
	)
	switch {
	case errors.As(err, &cfgErr):
		return "configuration"
	case errors.As(err, &shapeErr):
		return "shape"
	case errors.As(err, &fusionErr):
		return "fusion"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "other"
	}
}
