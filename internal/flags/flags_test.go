// Copyright (c) 2025-present deep.rent GmbH (https://deep.rent)
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

package flags_test

import (
	"testing"

	"github.com/deep-rent/cdylib/internal/flags"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFeatureArgs(t *testing.T) {
	tests := []struct {
		name string
		sel  []string
		want []string
	}{
		{
			name: "defaults",
			sel:  nil,
			want: nil,
		},
		{
			name: "empty selection",
			sel:  []string{},
			want: []string{"--no-default-features", "--features", ""},
		},
		{
			name: "explicit selection",
			sel:  []string{"std", "serde"},
			want: []string{"--no-default-features", "--features", "std,serde"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, flags.FeatureArgs(tt.sel))
		})
	}
}

func TestFilter(t *testing.T) {
	declared := map[string][]string{
		"default": {"demo/default"},
		"std":     {"demo/std"},
		"serde":   {"demo/serde"},
	}

	t.Run("nil stays nil", func(t *testing.T) {
		assert.Nil(t, flags.Filter(nil, declared))
	})

	t.Run("drops undeclared names", func(t *testing.T) {
		got := flags.Filter([]string{"serde", "bench", "std"}, declared)
		assert.Equal(t, []string{"serde", "std"}, got)
	})

	t.Run("idempotent", func(t *testing.T) {
		sets := [][]string{
			{},
			{"bench"},
			{"std", "std", "nightly"},
			{"default", "serde", "x", "std"},
		}
		for _, sel := range sets {
			once := flags.Filter(sel, declared)
			twice := flags.Filter(once, declared)
			assert.Equal(t, once, twice)
		}
	})
}

func TestMerge(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		extra    []string
		want     []string
	}{
		{
			name:  "empty environment",
			extra: flags.Required,
			want:  []string{"-C", "relocation-model=pic"},
		},
		{
			name:     "keeps order and distinct values of one option",
			existing: []string{"-C", "opt-level=2", "--cfg", "foo"},
			extra:    flags.Required,
			want: []string{
				"-C", "opt-level=2", "--cfg", "foo",
				"-C", "relocation-model=pic",
			},
		},
		{
			name:     "drops repeated pairs",
			existing: []string{"-C", "relocation-model=pic", "-A", "dead_code"},
			extra:    flags.Required,
			want:     []string{"-C", "relocation-model=pic", "-A", "dead_code"},
		},
		{
			name:     "attached value equals separate value",
			existing: []string{"-Crelocation-model=pic"},
			extra:    flags.Required,
			want:     []string{"-Crelocation-model=pic"},
		},
		{
			name:     "standalone flags",
			existing: []string{"-g", "-g", "--test"},
			want:     []string{"-g", "--test"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, flags.Merge(tt.existing, tt.extra))
		})
	}
}

func TestEnviron(t *testing.T) {
	t.Run("sets rustflags when absent", func(t *testing.T) {
		env := flags.Environ([]string{"PATH=/bin"}, flags.Required)
		assert.Equal(t, []string{
			"PATH=/bin",
			"RUSTFLAGS=-C relocation-model=pic",
		}, env)
	})

	t.Run("extends existing rustflags", func(t *testing.T) {
		in := []string{"RUSTFLAGS=--cfg ci -C relocation-model=pic", "HOME=/root"}
		env := flags.Environ(in, flags.Required)
		assert.Equal(t, "RUSTFLAGS=--cfg ci -C relocation-model=pic", env[0])
		assert.Equal(t, "HOME=/root", env[1])
		assert.Len(t, env, 2)
	})

	t.Run("prefers encoded rustflags", func(t *testing.T) {
		in := []string{
			"RUSTFLAGS=--cfg ignored",
			"CARGO_ENCODED_RUSTFLAGS=--cfg\x1fwith space",
		}
		env := flags.Environ(in, flags.Required)
		assert.Equal(t, "RUSTFLAGS=--cfg ignored", env[0])
		assert.Equal(t,
			"CARGO_ENCODED_RUSTFLAGS=--cfg\x1fwith space\x1f-C\x1frelocation-model=pic",
			env[1],
		)
	})

	t.Run("does not mutate input", func(t *testing.T) {
		in := []string{"RUSTFLAGS=-g"}
		_ = flags.Environ(in, flags.Required)
		require.Equal(t, []string{"RUSTFLAGS=-g"}, in)
	})
}

func TestCurrent(t *testing.T) {
	assert.Nil(t, flags.Current(nil))
	assert.Nil(t, flags.Current([]string{"RUSTFLAGS=  "}))
	assert.Nil(t, flags.Current([]string{"PATH=/bin"}))
	assert.Equal(t, []string{"-g", "-O"}, flags.Current([]string{"RUSTFLAGS= -g  -O "}))
	assert.Equal(t, []string{"a b"}, flags.Current([]string{
		"RUSTFLAGS=-g",
		"CARGO_ENCODED_RUSTFLAGS=a b",
	}))
	assert.Nil(t, flags.Current([]string{"CARGO_ENCODED_RUSTFLAGS="}))
}
