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

// Command duplex inspects and runs the decoding layer offline.
//
// Usage:
//
//	duplex fuse --fwd fwd.json --bwd bwd.json          # Fuse recorded n-best dumps
//	duplex strategy --model-config model.yaml --beam 4 # Show the decoding path
package main

import (
	"github.com/antflydb/duplex/cmd/duplex/cmd"
)

// main.version: Current Git tag (the v prefix is stripped) or the name of the snapshot
var version = "dev"

func main() {
	cmd.Version = version
	cmd.Execute()
}
