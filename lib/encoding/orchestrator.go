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

// Package encoding prepares a raw input batch for decoding: it sorts the
// batch by length, applies feature preprocessing or embedding lookup, runs
// the encoder once and bridges the encoder output to the decoder size.
package encoding

import (
	"context"
	"fmt"

	"github.com/antflydb/duplex/lib/config"
	"github.com/antflydb/duplex/lib/features"
	"github.com/antflydb/duplex/lib/seq2seq"
	"go.uber.org/zap"
)

// TaskChecker reports whether a decoder exists for a task.
type TaskChecker interface {
	HasTask(task seq2seq.Task) bool
}

// OrchestratorConfig holds what the orchestrator needs besides the encoder.
type OrchestratorConfig struct {
	Model config.ModelConfig

	// Embedding is required for text input.
	Embedding *Embedding

	// Bridges holds the projection of every task for which
	// Model.BridgeEnabled is true.
	Bridges map[seq2seq.Task]*Linear

	// Decoders, when set, lets Encode reject tasks nothing can decode.
	Decoders TaskChecker

	// Logger for logging. If nil, uses a no-op logger.
	Logger *zap.Logger
}

// Result is the encoder output for one call.
type Result struct {
	// Encoded holds the representation of the requested task, in sorted
	// batch order.
	Encoded map[seq2seq.Task]*seq2seq.Encoded
	// Perm maps sorted positions back to the caller's order.
	Perm Permutation
}

// Orchestrator runs the encode stage of a decoding call.
type Orchestrator struct {
	cfg       config.ModelConfig
	encoder   seq2seq.Encoder
	embedding *Embedding
	bridges   map[seq2seq.Task]*Linear
	decoders  TaskChecker
	logger    *zap.Logger
}

// NewOrchestrator validates the configuration against the provided bridges
// and embedding.
func NewOrchestrator(cfg OrchestratorConfig, encoder seq2seq.Encoder) (*Orchestrator, error) {
	if encoder == nil {
		return nil, fmt.Errorf("encoder is required")
	}
	if err := cfg.Model.Validate(); err != nil {
		return nil, err
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.Model.InputType == config.InputText && cfg.Embedding == nil {
		return nil, &seq2seq.ConfigurationError{Reason: "text input requires an embedding table"}
	}
	for _, task := range seq2seq.Tasks {
		if !cfg.Model.BridgeEnabled(task) {
			continue
		}
		if cfg.Bridges[task] == nil {
			return nil, &seq2seq.ConfigurationError{Task: task, Reason: "bridge enabled but no projection provided"}
		}
	}

	return &Orchestrator{
		cfg:       cfg.Model,
		encoder:   encoder,
		embedding: cfg.Embedding,
		bridges:   cfg.Bridges,
		decoders:  cfg.Decoders,
		logger:    logger,
	}, nil
}

// Encode sorts the batch, preprocesses it, runs the encoder and returns the
// representation for task.
func (o *Orchestrator) Encode(ctx context.Context, batch seq2seq.Batch, task seq2seq.Task) (*Result, error) {
	if batch.Len() == 0 {
		return nil, &seq2seq.ShapeError{Task: task, Batch: -1, Reason: "empty batch"}
	}
	if o.cfg.Weights.TaskWeight(task) <= 0 && o.bridges[task] == nil &&
		(o.decoders == nil || !o.decoders.HasTask(task)) {
		return nil, &seq2seq.ConfigurationError{Task: task,
			Reason: "task has zero weight and no bridge or decoder was constructed for it"}
	}

	perm := NewPermutation(batch.Lengths())

	var (
		input *seq2seq.Encoded
		err   error
	)
	switch o.cfg.InputType {
	case config.InputSpeech:
		if batch.Speech == nil {
			return nil, &seq2seq.ConfigurationError{Task: task, Reason: "speech model given a text batch"}
		}
		input, err = o.prepareSpeech(Apply(perm, batch.Speech))
	case config.InputText:
		if batch.Text == nil {
			return nil, &seq2seq.ConfigurationError{Task: task, Reason: "text model given a speech batch"}
		}
		input, err = o.prepareText(Apply(perm, batch.Text))
	}
	if err != nil {
		return nil, fmt.Errorf("preparing %s input: %w", o.cfg.InputType, err)
	}

	if err := ctx.Err(); err != nil {
		return nil, err
	}

	outputs, err := o.encoder.Encode(ctx, input, task)
	if err != nil {
		return nil, fmt.Errorf("running encoder: %w", err)
	}

	enc, err := o.branch(outputs, task, batch.Len())
	if err != nil {
		return nil, err
	}

	if o.cfg.BridgeEnabled(task) {
		enc, err = o.bridges[task].Apply(enc)
		if err != nil {
			return nil, &seq2seq.ShapeError{Task: task, Batch: -1, Reason: err.Error()}
		}
	}

	o.logger.Debug("Encoded batch",
		zap.String("task", string(task)),
		zap.Int("batch", enc.Batch),
		zap.Int("time", enc.Time),
		zap.Int("hidden", enc.Hidden),
		zap.Bool("bridged", o.cfg.BridgeEnabled(task)))

	return &Result{
		Encoded: map[seq2seq.Task]*seq2seq.Encoded{task: enc},
		Perm:    perm,
	}, nil
}

// branch picks the encoder output for task. Encoders without task-specific
// branches only produce the main one, which is cloned for sub-tasks.
func (o *Orchestrator) branch(outputs map[seq2seq.Task]*seq2seq.Encoded, task seq2seq.Task, batchSize int) (*seq2seq.Encoded, error) {
	enc, ok := outputs[task]
	if !ok || enc == nil {
		main, hasMain := outputs[seq2seq.TaskMain]
		if task == seq2seq.TaskMain || !hasMain || main == nil {
			return nil, &seq2seq.ConfigurationError{Task: task, Reason: "encoder produced no output branch"}
		}
		enc = main.Clone()
		o.logger.Debug("Cloned main encoder branch for sub-task", zap.String("task", string(task)))
	}
	if err := enc.Validate(task); err != nil {
		return nil, err
	}
	if enc.Batch != batchSize {
		return nil, &seq2seq.ShapeError{Task: task, Batch: -1,
			Reason: fmt.Sprintf("encoder returned batch of %d for %d inputs", enc.Batch, batchSize)}
	}
	return enc, nil
}

func (o *Orchestrator) prepareSpeech(items [][][]float32) (*seq2seq.Encoded, error) {
	processed := make([][][]float32, len(items))
	lengths := make([]int, len(items))
	for i, x := range items {
		var err error
		if o.cfg.NStacks > 1 {
			x, err = features.StackFrames(x, o.cfg.NStacks, o.cfg.NSkips)
			if err != nil {
				return nil, fmt.Errorf("stacking item %d: %w", i, err)
			}
		}
		if o.cfg.NSplices > 1 {
			x, err = features.Splice(x, o.cfg.NSplices, o.cfg.NStacks)
			if err != nil {
				return nil, fmt.Errorf("splicing item %d: %w", i, err)
			}
		}
		processed[i] = x
		lengths[i] = len(x)
	}
	data, maxT, dim, err := features.Pad(processed)
	if err != nil {
		return nil, err
	}
	return &seq2seq.Encoded{
		Data:    data,
		Batch:   len(items),
		Time:    maxT,
		Hidden:  dim,
		Lengths: lengths,
	}, nil
}

func (o *Orchestrator) prepareText(items [][]int32) (*seq2seq.Encoded, error) {
	lengths := make([]int, len(items))
	for i, ids := range items {
		lengths[i] = len(ids)
	}
	padded := features.PadTokens(items, o.cfg.Reserved.Pad)
	maxL := 0
	if len(padded) > 0 {
		maxL = len(padded[0])
	}
	input := seq2seq.NewEncoded(len(items), maxL, o.embedding.Dim(), lengths)
	for b, ids := range padded {
		rows, err := o.embedding.Lookup(ids)
		if err != nil {
			return nil, fmt.Errorf("embedding item %d: %w", b, err)
		}
		for t, row := range rows {
			copy(input.Frame(b, t), row)
		}
	}
	return input, nil
}
