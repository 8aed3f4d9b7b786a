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

// Package vocab holds the reserved token ids shared by every decoder and the
// dictionary used to render token ids as text.
package vocab

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// Reserved holds the token ids reserved in advance in every vocabulary.
// The start and end markers share one id.
type Reserved struct {
	Blank int32 `yaml:"blank" json:"blank"`
	Unk   int32 `yaml:"unk" json:"unk"`
	SOS   int32 `yaml:"sos" json:"sos"`
	EOS   int32 `yaml:"eos" json:"eos"`
	Pad   int32 `yaml:"pad" json:"pad"`
}

// DefaultReserved returns blank=0, unk=1, sos=eos=2, pad=3.
func DefaultReserved() Reserved {
	return Reserved{Blank: 0, Unk: 1, SOS: 2, EOS: 2, Pad: 3}
}

// Validate checks that blank, unk and pad are distinct from each other and
// from the end marker.
func (r Reserved) Validate() error {
	ids := map[int32]string{}
	for _, e := range []struct {
		name string
		id   int32
	}{{"blank", r.Blank}, {"unk", r.Unk}, {"eos", r.EOS}, {"pad", r.Pad}} {
		if e.id < 0 {
			return fmt.Errorf("reserved id %s is negative: %d", e.name, e.id)
		}
		if other, ok := ids[e.id]; ok {
			return fmt.Errorf("reserved ids %s and %s share id %d", other, e.name, e.id)
		}
		ids[e.id] = e.name
	}
	if r.SOS < 0 {
		return fmt.Errorf("reserved id sos is negative: %d", r.SOS)
	}
	return nil
}

// IsSpecial reports whether id is one of the reserved ids.
func (r Reserved) IsSpecial(id int32) bool {
	return id == r.Blank || id == r.Unk || id == r.SOS || id == r.EOS || id == r.Pad
}

// Dictionary maps token ids to surface strings.
type Dictionary struct {
	reserved Reserved
	tokens   map[int32]string
	// WordBoundary replaces this marker with a space when rendering text
	// (sentencepiece style "▁"). Empty disables the replacement.
	WordBoundary string
}

// NewDictionary creates an empty dictionary with the reserved ids labelled.
func NewDictionary(reserved Reserved) *Dictionary {
	d := &Dictionary{
		reserved: reserved,
		tokens:   make(map[int32]string),
	}
	d.tokens[reserved.Blank] = "<blank>"
	d.tokens[reserved.Unk] = "<unk>"
	d.tokens[reserved.EOS] = "<eos>"
	d.tokens[reserved.Pad] = "<pad>"
	return d
}

// LoadDictionary reads a dictionary file with one "token id" pair per line.
func LoadDictionary(path string, reserved Reserved) (*Dictionary, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening dictionary: %w", err)
	}
	defer func() { _ = f.Close() }()

	d := NewDictionary(reserved)
	if err := d.Read(f); err != nil {
		return nil, fmt.Errorf("reading dictionary %s: %w", path, err)
	}
	return d, nil
}

// Read adds entries from r. Blank lines are skipped.
func (d *Dictionary) Read(r io.Reader) error {
	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return fmt.Errorf("line %d: expected \"token id\", got %q", lineNo, line)
		}
		id, err := strconv.ParseInt(fields[1], 10, 32)
		if err != nil {
			return fmt.Errorf("line %d: parsing id: %w", lineNo, err)
		}
		if d.reserved.IsSpecial(int32(id)) {
			return fmt.Errorf("line %d: token %q uses reserved id %d", lineNo, fields[0], id)
		}
		d.tokens[int32(id)] = fields[0]
	}
	return scanner.Err()
}

// Add registers a token.
func (d *Dictionary) Add(id int32, token string) {
	d.tokens[id] = token
}

// Len returns the number of entries, reserved ids included.
func (d *Dictionary) Len() int {
	return len(d.tokens)
}

// Token returns the surface string for id, or "<unk>" when unknown.
func (d *Dictionary) Token(id int32) string {
	if tok, ok := d.tokens[id]; ok {
		return tok
	}
	return d.tokens[d.reserved.Unk]
}

// Convert renders ids as text. Tokens are joined with spaces unless a word
// boundary marker is configured.
func (d *Dictionary) Convert(ids []int32) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = d.Token(id)
	}
	if d.WordBoundary == "" {
		return strings.Join(parts, " ")
	}
	text := strings.Join(parts, "")
	text = strings.ReplaceAll(text, d.WordBoundary, " ")
	return strings.TrimSpace(text)
}
