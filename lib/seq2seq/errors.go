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

package seq2seq

import (
	"fmt"
	"strings"
)

// ConfigurationError reports an invalid or missing weight combination,
// decoder or language model.
type ConfigurationError struct {
	Task      Task
	Direction Direction
	Reason    string
}

func (e *ConfigurationError) Error() string {
	var b strings.Builder
	b.WriteString("configuration error")
	if e.Task != "" {
		fmt.Fprintf(&b, " (task=%s", e.Task)
		if e.Direction != "" {
			fmt.Fprintf(&b, ", direction=%s", e.Direction)
		}
		b.WriteString(")")
	} else if e.Direction != "" {
		fmt.Fprintf(&b, " (direction=%s)", e.Direction)
	}
	b.WriteString(": ")
	b.WriteString(e.Reason)
	return b.String()
}

// ShapeError reports a mismatch between tensors, length vectors and batch
// sizes. Batch is -1 when the mismatch is not tied to one item.
type ShapeError struct {
	Task   Task
	Batch  int
	Reason string
}

func (e *ShapeError) Error() string {
	if e.Batch >= 0 {
		return fmt.Sprintf("shape error (task=%s, batch=%d): %s", e.Task, e.Batch, e.Reason)
	}
	return fmt.Sprintf("shape error (task=%s): %s", e.Task, e.Reason)
}

// FusionError reports that forward-backward fusion could not produce a
// hypothesis for a batch item.
type FusionError struct {
	Batch  int
	Reason string
}

func (e *FusionError) Error() string {
	return fmt.Sprintf("fusion error (batch=%d): %s", e.Batch, e.Reason)
}
