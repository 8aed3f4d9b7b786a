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

package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
name: csj-bilstm
input_type: speech
input_dim: 80
nstacks: 3
nskips: 3
nsplices: 1
enc_type: blstm
enc_nunits: 512
dec_nunits: 320
bridge_layer: true
weights:
  main:
    ctc_weight: 0.2
    bwd_weight: 0.5
  sub1:
    ctc_weight: 1.0
  sub1_weight: 0.3
decode:
  beam_width: 4
  max_len_ratio: 1.0
  nbest: 1
  fwd_bwd_attention: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sampleConfig))
	require.NoError(t, err)

	assert.Equal(t, "csj-bilstm", cfg.Name)
	assert.Equal(t, InputSpeech, cfg.InputType)
	assert.Equal(t, 240, cfg.FeatureDim())
	assert.Equal(t, 4, cfg.Decode.BeamWidth)
	assert.True(t, cfg.Decode.FwdBwdAttention)

	// Reserved ids fall back to the defaults.
	assert.Equal(t, int32(2), cfg.Reserved.EOS)
	assert.Equal(t, int32(3), cfg.Reserved.Pad)

	assert.InDelta(t, 0.7, cfg.Weights.TaskWeight(seq2seq.TaskMain), 1e-9)
	assert.InDelta(t, 0.3, cfg.Weights.TaskWeight(seq2seq.TaskSub1), 1e-9)
	assert.InDelta(t, 0.5, cfg.Weights.ForwardWeight(seq2seq.TaskMain), 1e-9)
	assert.InDelta(t, 1.0, cfg.Weights.CTCWeight(seq2seq.TaskSub1), 1e-9)
	assert.InDelta(t, 1.0, cfg.Weights.ForwardWeight(seq2seq.TaskSub2), 1e-9)
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("input_type: speech\nbogus: 1\n"))
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*ModelConfig)
	}{
		{name: "unknown input type", mutate: func(c *ModelConfig) { c.InputType = "video" }},
		{name: "skips exceed stacks", mutate: func(c *ModelConfig) { c.NStacks = 2; c.NSkips = 3 }},
		{name: "even splices", mutate: func(c *ModelConfig) { c.NSplices = 2 }},
		{name: "ctc weight above one", mutate: func(c *ModelConfig) { c.Weights.Main.CTC = 1.5 }},
		{name: "sub weights exceed one", mutate: func(c *ModelConfig) { c.Weights.Sub1Weight = 0.6; c.Weights.Sub2Weight = 0.6 }},
		{name: "bad beam", mutate: func(c *ModelConfig) { c.Decode.BeamWidth = 0 }},
		{name: "reserved collision", mutate: func(c *ModelConfig) { c.Reserved.Pad = c.Reserved.Unk }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			err := cfg.Validate()
			var cfgErr *seq2seq.ConfigurationError
			assert.True(t, errors.As(err, &cfgErr), "expected ConfigurationError, got %v", err)
		})
	}
	require.NoError(t, Default().Validate())
}

func TestBridgeEnabled(t *testing.T) {
	cfg := Default()
	assert.False(t, cfg.BridgeEnabled(seq2seq.TaskMain))

	cfg.BridgeLayer = true
	assert.True(t, cfg.BridgeEnabled(seq2seq.TaskMain))
	assert.False(t, cfg.BridgeEnabled(seq2seq.TaskSub1), "zero-weight task gets no bridge")

	cfg.BridgeLayer = false
	cfg.EncoderType = EncoderCNN
	cfg.Weights.Sub1Weight = 0.2
	assert.True(t, cfg.BridgeEnabled(seq2seq.TaskSub1))
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "model.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sampleConfig), 0644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 80, cfg.InputDim)

	_, err = Load(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}
