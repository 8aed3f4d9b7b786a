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

// Package config loads the model configuration that fixes the weight
// combination, input preprocessing and reserved token ids of a model.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/antflydb/duplex/lib/vocab"
	"gopkg.in/yaml.v3"
)

// InputType is the kind of raw input a model consumes.
type InputType string

const (
	InputSpeech InputType = "speech"
	InputText   InputType = "text"
)

// EncoderType names the encoder architecture. Only the distinction between
// convolutional encoders (which always need a bridge) and the rest matters
// here.
type EncoderType string

const (
	EncoderBLSTM EncoderType = "blstm"
	EncoderLSTM  EncoderType = "lstm"
	EncoderBGRU  EncoderType = "bgru"
	EncoderGRU   EncoderType = "gru"
	EncoderCNN   EncoderType = "cnn"
)

// RequiresBridge reports whether the encoder output must always be projected
// to the decoder size.
func (e EncoderType) RequiresBridge() bool {
	return e == EncoderCNN
}

// TaskWeights is the per-task loss weighting the model was trained with.
type TaskWeights struct {
	CTC      float64 `yaml:"ctc_weight"`
	Backward float64 `yaml:"bwd_weight"`
}

// Weights holds the full weight combination of a model.
type Weights struct {
	Main TaskWeights `yaml:"main"`
	Sub1 TaskWeights `yaml:"sub1"`
	Sub2 TaskWeights `yaml:"sub2"`

	// Sub1Weight and Sub2Weight are the shares of the auxiliary tasks; the
	// main task receives the remainder.
	Sub1Weight float64 `yaml:"sub1_weight"`
	Sub2Weight float64 `yaml:"sub2_weight"`
}

func (w Weights) task(task seq2seq.Task) TaskWeights {
	switch task {
	case seq2seq.TaskSub1:
		return w.Sub1
	case seq2seq.TaskSub2:
		return w.Sub2
	default:
		return w.Main
	}
}

// TaskWeight returns the combination weight of a task.
func (w Weights) TaskWeight(task seq2seq.Task) float64 {
	switch task {
	case seq2seq.TaskSub1:
		return w.Sub1Weight
	case seq2seq.TaskSub2:
		return w.Sub2Weight
	default:
		return 1 - w.Sub1Weight - w.Sub2Weight
	}
}

// CTCWeight returns the CTC weight of a task.
func (w Weights) CTCWeight(task seq2seq.Task) float64 {
	return w.task(task).CTC
}

// BackwardWeight returns the backward decoder weight of a task.
func (w Weights) BackwardWeight(task seq2seq.Task) float64 {
	return w.task(task).Backward
}

// ForwardWeight returns 1 - backward weight of a task.
func (w Weights) ForwardWeight(task seq2seq.Task) float64 {
	return 1 - w.task(task).Backward
}

// Validate checks that every weight is in [0, 1] and the task shares do not
// exceed one.
func (w Weights) Validate() error {
	check := func(name string, v float64) error {
		if v < 0 || v > 1 {
			return &seq2seq.ConfigurationError{Reason: fmt.Sprintf("%s must be in [0, 1], got %g", name, v)}
		}
		return nil
	}
	for _, task := range seq2seq.Tasks {
		tw := w.task(task)
		if err := check(string(task)+".ctc_weight", tw.CTC); err != nil {
			return err
		}
		if err := check(string(task)+".bwd_weight", tw.Backward); err != nil {
			return err
		}
	}
	if err := check("sub1_weight", w.Sub1Weight); err != nil {
		return err
	}
	if err := check("sub2_weight", w.Sub2Weight); err != nil {
		return err
	}
	if w.Sub1Weight+w.Sub2Weight > 1 {
		return &seq2seq.ConfigurationError{
			Reason: fmt.Sprintf("sub1_weight + sub2_weight = %g exceeds 1", w.Sub1Weight+w.Sub2Weight)}
	}
	return nil
}

// ModelConfig is the construction-time configuration of a model.
type ModelConfig struct {
	Name      string    `yaml:"name"`
	InputType InputType `yaml:"input_type"`
	InputDim  int       `yaml:"input_dim"`

	NStacks  int `yaml:"nstacks"`
	NSkips   int `yaml:"nskips"`
	NSplices int `yaml:"nsplices"`

	EncoderType  EncoderType `yaml:"enc_type"`
	EncoderUnits int         `yaml:"enc_nunits"`
	DecoderUnits int         `yaml:"dec_nunits"`
	BridgeLayer  bool        `yaml:"bridge_layer"`
	EmbeddingDim int         `yaml:"emb_dim"`

	Weights  Weights        `yaml:"weights"`
	Reserved vocab.Reserved `yaml:"reserved"`

	// Decode holds default decode parameters, overridable per call.
	Decode seq2seq.DecodeParams `yaml:"decode"`

	// FusionParallelism bounds the batch items fused concurrently
	// (0 = number of CPUs).
	FusionParallelism int `yaml:"fusion_parallelism"`
}

// Default returns a single-task speech model with a forward attention
// decoder and default reserved ids.
func Default() ModelConfig {
	return ModelConfig{
		InputType:   InputSpeech,
		NStacks:     1,
		NSkips:      1,
		NSplices:    1,
		EncoderType: EncoderBLSTM,
		Reserved:    vocab.DefaultReserved(),
		Decode:      seq2seq.DefaultDecodeParams(),
	}
}

// Load reads a YAML model configuration. Fields absent from the file keep
// the values from Default.
func Load(path string) (ModelConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return ModelConfig{}, fmt.Errorf("reading model config: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML model configuration and validates it.
func Parse(data []byte) (ModelConfig, error) {
	cfg := Default()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		return ModelConfig{}, fmt.Errorf("parsing model config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return ModelConfig{}, err
	}
	return cfg, nil
}

// Validate checks the configuration for internal consistency.
func (c ModelConfig) Validate() error {
	switch c.InputType {
	case InputSpeech, InputText:
	default:
		return &seq2seq.ConfigurationError{Reason: fmt.Sprintf("unknown input_type %q", c.InputType)}
	}
	if c.NStacks < 1 || c.NSkips < 1 || c.NSplices < 1 {
		return &seq2seq.ConfigurationError{Reason: "nstacks, nskips and nsplices must be >= 1"}
	}
	if c.NStacks < c.NSkips {
		return &seq2seq.ConfigurationError{
			Reason: fmt.Sprintf("nskips (%d) must not exceed nstacks (%d)", c.NSkips, c.NStacks)}
	}
	if c.NSplices%2 == 0 {
		return &seq2seq.ConfigurationError{Reason: fmt.Sprintf("nsplices must be odd, got %d", c.NSplices)}
	}
	if err := c.Weights.Validate(); err != nil {
		return err
	}
	if err := c.Reserved.Validate(); err != nil {
		return &seq2seq.ConfigurationError{Reason: err.Error()}
	}
	if err := c.Decode.Validate(); err != nil {
		return err
	}
	if c.FusionParallelism < 0 {
		return &seq2seq.ConfigurationError{Reason: "fusion_parallelism must be >= 0"}
	}
	return nil
}

// BridgeEnabled reports whether encoder output for task is projected before
// decoding: the task must carry weight and either the encoder type requires
// a bridge or one was configured explicitly.
func (c ModelConfig) BridgeEnabled(task seq2seq.Task) bool {
	return c.Weights.TaskWeight(task) > 0 && (c.EncoderType.RequiresBridge() || c.BridgeLayer)
}

// FeatureDim returns the per-frame dimension seen by the encoder after
// stacking and splicing.
func (c ModelConfig) FeatureDim() int {
	if c.InputType == InputText {
		return c.EmbeddingDim
	}
	return c.InputDim * c.NStacks * c.NSplices
}
