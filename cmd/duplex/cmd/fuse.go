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
	"bufio"
	"fmt"
	"os"

	"github.com/antflydb/duplex/lib/fusion"
	"github.com/antflydb/duplex/lib/replay"
	"github.com/antflydb/duplex/lib/scoring"
	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/antflydb/duplex/lib/vocab"
	"github.com/bytedance/sonic"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var fuseCmd = &cobra.Command{
	Use:   "fuse",
	Short: "Fuse recorded forward and backward n-best sets",
	Long: `Fuse reads two recordings captured from a forward and a backward
attention decoder over the same batch and prints one fused hypothesis per
item.

With --dict the hypotheses are rendered as text. With --refs (one reference
transcription per line, in batch order) the word error rate is reported and
every time-matched splice is logged at debug level.`,
	Example: `  duplex fuse --fwd fwd.json --bwd bwd.json
  duplex fuse --fwd fwd.json --bwd bwd.json --dict vocab.txt --refs refs.txt --log-level debug`,
	RunE: runFuse,
}

func init() {
	rootCmd.AddCommand(fuseCmd)

	fuseCmd.Flags().String("fwd", "", "forward decoder recording (required)")
	fuseCmd.Flags().String("bwd", "", "backward decoder recording (required)")
	fuseCmd.Flags().String("dict", "", "vocabulary file mapping tokens to ids")
	fuseCmd.Flags().String("refs", "", "reference transcriptions, one per line")
	fuseCmd.Flags().Int("parallelism", 0, "batch items fused concurrently (0 = model setting)")
	_ = fuseCmd.MarkFlagRequired("fwd")
	_ = fuseCmd.MarkFlagRequired("bwd")

	mustBindPFlag("fuse.dict", fuseCmd.Flags().Lookup("dict"))
	mustBindPFlag("fuse.parallelism", fuseCmd.Flags().Lookup("parallelism"))
}

type fuseOutput struct {
	Hyps        [][]int32 `json:"hyps"`
	Text        []string  `json:"text,omitempty"`
	Candidates  int       `json:"candidates"`
	Splices     int       `json:"splices"`
	SplicedWins int       `json:"spliced_wins"`
	Skipped     int       `json:"skipped"`
	WER         *float64  `json:"wer,omitempty"`
}

func runFuse(cmd *cobra.Command, _ []string) error {
	logger := newLogger()
	defer func() { _ = logger.Sync() }()

	model, err := loadModelConfig()
	if err != nil {
		return err
	}

	fwdPath, _ := cmd.Flags().GetString("fwd")
	bwdPath, _ := cmd.Flags().GetString("bwd")
	fwd, task, err := loadNBest(fwdPath, seq2seq.Forward)
	if err != nil {
		return err
	}
	bwd, bwdTask, err := loadNBest(bwdPath, seq2seq.Backward)
	if err != nil {
		return err
	}
	if task != bwdTask {
		return fmt.Errorf("recordings cover different tasks: %s and %s", task, bwdTask)
	}

	opts := fusion.Options{Task: task}
	var dict *vocab.Dictionary
	if path := viper.GetString("fuse.dict"); path != "" {
		if dict, err = vocab.LoadDictionary(path, model.Reserved); err != nil {
			return err
		}
		opts.Converter = dict.Convert
	}
	refsPath, _ := cmd.Flags().GetString("refs")
	if refsPath != "" {
		if opts.References, err = readLines(refsPath); err != nil {
			return err
		}
		if len(opts.References) != len(fwd) {
			return fmt.Errorf("%s has %d references for a batch of %d", refsPath, len(opts.References), len(fwd))
		}
	}

	parallelism := viper.GetInt("fuse.parallelism")
	if parallelism == 0 {
		parallelism = model.FusionParallelism
	}
	engine := fusion.NewEngine(fusion.Config{
		Reserved:    model.Reserved,
		Parallelism: parallelism,
		Logger:      logger.Named("fusion"),
	})

	res, err := engine.Fuse(cmd.Context(), fwd, bwd, opts)
	if err != nil {
		return fmt.Errorf("fusing: %w", err)
	}
	logger.Info("Fused batch",
		zap.Int("batch", len(res.Hyps)),
		zap.Int("candidates", res.Candidates),
		zap.Int("splices", res.Splices),
		zap.Int("spliced_wins", res.SplicedWins))

	out := fuseOutput{
		Hyps:        res.Hyps,
		Candidates:  res.Candidates,
		Splices:     res.Splices,
		SplicedWins: res.SplicedWins,
		Skipped:     res.Skipped,
	}
	if dict != nil {
		out.Text = make([]string, len(res.Hyps))
		for b, hyp := range res.Hyps {
			out.Text[b] = dict.Convert(hyp)
		}
		if opts.References != nil {
			scorer := scoring.NewScorer()
			var total scoring.ErrorCounts
			for b, ref := range opts.References {
				total = total.Add(scorer.Compare(ref, out.Text[b]))
			}
			wer := total.Rate()
			out.WER = &wer
		}
	}

	data, err := sonic.ConfigStd.MarshalIndent(out, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding output: %w", err)
	}
	_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
	return err
}

// loadNBest reads the n-best sets of a recording and checks its direction.
func loadNBest(path string, want seq2seq.Direction) (seq2seq.NBest, seq2seq.Task, error) {
	rec, err := replay.Load(path)
	if err != nil {
		return nil, "", err
	}
	key := rec.Key()
	if key.Direction != want {
		return nil, "", fmt.Errorf("%s: recorded from a %s decoder, want %s", path, key.Direction, want)
	}
	if rec.NBest == nil {
		return nil, "", fmt.Errorf("%s: %w: nbest", path, replay.ErrNotRecorded)
	}
	return rec.NBest, key.Task, nil
}

func readLines(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", path, err)
	}
	defer func() { _ = f.Close() }()

	var lines []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}
	return lines, nil
}
