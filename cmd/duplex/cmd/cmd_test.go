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

package cmd

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/bytedance/sonic"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	t.Cleanup(func() {
		rootCmd.SetOut(nil)
		rootCmd.SetErr(nil)
		rootCmd.SetArgs(nil)
	})
	err := rootCmd.Execute()
	return out.String(), err
}

func TestFuseCommand(t *testing.T) {
	dir := t.TempDir()
	fwd := writeFile(t, dir, "fwd.json", `{
  "direction": "fwd",
  "nbest": [[
    {"tokens": [5, 6, 2], "scores": [-0.1, -0.3, -0.4], "alignment": [[1, 0, 0], [1, 0, 0], [0, 0, 1]]},
    {"tokens": [5, 7, 2], "scores": [-0.1, -0.9, -1.0], "alignment": [[1, 0, 0], [0, 1, 0], [0, 0, 1]]}
  ]]
}`)
	bwd := writeFile(t, dir, "bwd.json", `{
  "direction": "bwd",
  "nbest": [[
    {"tokens": [2, 6, 5], "scores": [-0.4, -0.3, -0.1], "alignment": [[0, 0, 1], [0, 1, 0], [0, 1, 0]]},
    {"tokens": [2, 8, 5], "scores": [-1.4, -1.3, -0.1], "alignment": [[0, 0, 1], [0, 1, 0], [0, 1, 0]]}
  ]]
}`)
	dict := writeFile(t, dir, "vocab.txt", "hello 5\nworld 6\nthere 7\nfoo 8\n")
	refs := writeFile(t, dir, "refs.txt", "Hello there\n")

	out, err := execute(t, "fuse", "--fwd", fwd, "--bwd", bwd, "--dict", dict, "--refs", refs, "--log-level", "error")
	require.NoError(t, err)

	var got fuseOutput
	require.NoError(t, sonic.Unmarshal([]byte(out), &got))
	assert.Equal(t, [][]int32{{5, 6}}, got.Hyps)
	assert.Equal(t, []string{"hello world"}, got.Text)
	assert.GreaterOrEqual(t, got.Candidates, 4)
	require.NotNil(t, got.WER)
	assert.InDelta(t, 0.5, *got.WER, 1e-9)

	// Swapped directions are rejected.
	_, err = execute(t, "fuse", "--fwd", bwd, "--bwd", fwd, "--dict", "", "--refs", "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "recorded from a bwd decoder")
}

func TestStrategyCommand(t *testing.T) {
	model := writeFile(t, t.TempDir(), "model.yaml", `name: test
input_dim: 40
weights:
  main:
    bwd_weight: 0.5
    ctc_weight: 0.3
`)

	out, err := execute(t, "strategy", "--model-config", model, "--beam", "4", "--fwd-bwd")
	require.NoError(t, err)
	assert.Contains(t, out, "fused_beam")

	lines := strings.Split(strings.TrimSpace(out), "\n")
	var decoders []string
	for _, line := range lines {
		fields := strings.Fields(line)
		if len(fields) == 5 && fields[0] != "DECODER" {
			decoders = append(decoders, fields[0])
		}
	}
	assert.Equal(t, []string{"fwd", "bwd"}, decoders)
}
