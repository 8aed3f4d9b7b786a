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

package vocab

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultReserved(t *testing.T) {
	r := DefaultReserved()
	assert.Equal(t, int32(0), r.Blank)
	assert.Equal(t, int32(1), r.Unk)
	assert.Equal(t, int32(2), r.SOS)
	assert.Equal(t, int32(2), r.EOS)
	assert.Equal(t, int32(3), r.Pad)
	require.NoError(t, r.Validate())
}

func TestReservedValidate(t *testing.T) {
	tests := []struct {
		name    string
		r       Reserved
		wantErr bool
	}{
		{name: "default", r: DefaultReserved()},
		{name: "pad collides with blank", r: Reserved{Blank: 0, Unk: 1, SOS: 2, EOS: 2, Pad: 0}, wantErr: true},
		{name: "negative eos", r: Reserved{Blank: 0, Unk: 1, SOS: 2, EOS: -1, Pad: 3}, wantErr: true},
		{name: "distinct sos", r: Reserved{Blank: 0, Unk: 1, SOS: 4, EOS: 2, Pad: 3}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.r.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDictionaryRead(t *testing.T) {
	d := NewDictionary(DefaultReserved())
	err := d.Read(strings.NewReader("hello 4\n\nworld 5\n"))
	require.NoError(t, err)

	assert.Equal(t, "hello", d.Token(4))
	assert.Equal(t, "world", d.Token(5))
	assert.Equal(t, "<unk>", d.Token(99))
	assert.Equal(t, "<eos>", d.Token(2))
	assert.Equal(t, "hello world <eos>", d.Convert([]int32{4, 5, 2}))
}

func TestDictionaryReadRejectsReservedAndMalformed(t *testing.T) {
	d := NewDictionary(DefaultReserved())
	assert.Error(t, d.Read(strings.NewReader("oops 2\n")))
	assert.Error(t, d.Read(strings.NewReader("only-token\n")))
	assert.Error(t, d.Read(strings.NewReader("tok notanumber\n")))
}

func TestDictionaryWordBoundary(t *testing.T) {
	d := NewDictionary(DefaultReserved())
	d.Add(4, "▁the")
	d.Add(5, "▁cat")
	d.Add(6, "s")
	d.WordBoundary = "▁"
	assert.Equal(t, "the cats", d.Convert([]int32{4, 5, 6}))
}

func TestLoadDictionary(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dict.txt")
	require.NoError(t, os.WriteFile(path, []byte("a 4\nb 5\n"), 0644))

	d, err := LoadDictionary(path, DefaultReserved())
	require.NoError(t, err)
	assert.Equal(t, 6, d.Len())
	assert.Equal(t, "a b", d.Convert([]int32{4, 5}))

	_, err = LoadDictionary(filepath.Join(t.TempDir(), "missing.txt"), DefaultReserved())
	assert.Error(t, err)
}
