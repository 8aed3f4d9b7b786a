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
	"fmt"
	"text/tabwriter"

	"github.com/antflydb/duplex/lib/decoding"
	"github.com/antflydb/duplex/lib/seq2seq"
	"github.com/spf13/cobra"
)

var strategyCmd = &cobra.Command{
	Use:   "strategy",
	Short: "Show how a model would decode a request",
	Long: `Strategy prints the decoding path a request takes under the configured
model weights, the preferred attention direction and every decoder the
model must provide.`,
	Example: `  duplex strategy --model-config model.yaml --beam 4
  duplex strategy --model-config model.yaml --beam 4 --fwd-bwd
  duplex strategy --model-config model.yaml --task sub1 --ctc`,
	RunE: runStrategy,
}

func init() {
	rootCmd.AddCommand(strategyCmd)

	strategyCmd.Flags().Int("beam", 0, "beam width (0 = model default)")
	strategyCmd.Flags().Bool("fwd-bwd", false, "fuse forward and backward attention hypotheses")
	strategyCmd.Flags().Bool("ctc", false, "decode from the CTC branch")
	strategyCmd.Flags().String("task", "main", "task to decode (main, sub1, sub2)")
}

func runStrategy(cmd *cobra.Command, _ []string) error {
	model, err := loadModelConfig()
	if err != nil {
		return err
	}

	taskName, _ := cmd.Flags().GetString("task")
	task, err := seq2seq.ParseTask(taskName)
	if err != nil {
		return err
	}
	params := model.Decode
	if beam, _ := cmd.Flags().GetInt("beam"); beam > 0 {
		params.BeamWidth = beam
	}
	if fwdBwd, _ := cmd.Flags().GetBool("fwd-bwd"); fwdBwd {
		params.FwdBwdAttention = true
	}
	if err := params.Validate(); err != nil {
		return err
	}
	useCTC, _ := cmd.Flags().GetBool("ctc")

	w := model.Weights
	strategy := decoding.SelectStrategy(w, decoding.Request{Task: task, Params: params, CTC: useCTC})
	direction := decoding.SelectDirection(w.ForwardWeight(seq2seq.TaskMain), w.BackwardWeight(seq2seq.TaskMain))

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(tw, "TASK\t%s\n", task)
	_, _ = fmt.Fprintf(tw, "STRATEGY\t%s\n", strategy)
	_, _ = fmt.Fprintf(tw, "DIRECTION\t%s\n", direction)
	_, _ = fmt.Fprintf(tw, "BEAM\t%d\n", params.BeamWidth)
	_ = tw.Flush()

	_, _ = fmt.Fprintln(cmd.OutOrStdout())
	tw = tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "DECODER\tTASK\tDIRECTION\tTASK_WEIGHT\tCTC_WEIGHT")
	for _, key := range decoding.RequiredKeys(w) {
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%.2f\t%.2f\n",
			key, key.Task, key.Direction, w.TaskWeight(key.Task), w.CTCWeight(key.Task))
	}
	return tw.Flush()
}
