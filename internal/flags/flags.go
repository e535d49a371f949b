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

// Package flags decides which cargo features and which rustc flags are
// forwarded to a build.
//
// Features travel on the command line. Rustc flags travel through the child
// process environment so that they apply the same way to every build mode.
package flags

import (
	"slices"
	"strings"
)

// Environment variables read and written by Environ.
const (
	Rustflags        = "RUSTFLAGS"
	EncodedRustflags = "CARGO_ENCODED_RUSTFLAGS"
)

// separator delimits flags in EncodedRustflags.
const separator = "\x1f"

// Required lists the rustc flags every shared library build needs.
var Required = []string{"-C", "relocation-model=pic"}

// FeatureArgs returns the cargo arguments for a feature selection. A nil
// selection forwards nothing, leaving cargo's defaults in effect. Any other
// selection, including an empty one, disables the default features and
// enables exactly the listed ones.
func FeatureArgs(sel []string) []string {
	if sel == nil {
		return nil
	}
	return []string{"--no-default-features", "--features", strings.Join(sel, ",")}
}

// Filter keeps the features of sel that are declared in the given feature
// table, preserving their order. A nil selection stays nil. Filtering an
// already filtered selection returns it unchanged.
func Filter(sel []string, declared map[string][]string) []string {
	if sel == nil {
		return nil
	}
	out := make([]string, 0, len(sel))
	for _, name := range sel {
		if _, ok := declared[name]; ok {
			out = append(out, name)
		}
	}
	return out
}

// valued holds the rustc options whose value is passed as the next argument.
var valued = map[string]bool{
	"-C": true, "-A": true, "-W": true, "-D": true, "-F": true,
	"-L": true, "-l": true, "-Z": true, "-o": true,
	"--cfg": true, "--check-cfg": true, "--cap-lints": true,
	"--target": true, "--edition": true, "--crate-type": true,
	"--crate-name": true, "--emit": true, "--extern": true,
	"--out-dir": true, "--print": true, "--sysroot": true,
}

// unit is one logical flag: an option together with its value, if any.
type unit struct {
	key  string
	args []string
}

// split groups args into units.
func split(args []string) []unit {
	var units []unit
	for i := 0; i < len(args); i++ {
		arg := args[i]
		if arg == "" {
			continue
		}
		if valued[arg] && i+1 < len(args) {
			units = append(units, unit{
				key:  arg + " " + args[i+1],
				args: args[i : i+2],
			})
			i++
			continue
		}
		key := arg
		// "-Cfoo" is the same flag as "-C foo".
		if len(arg) > 2 && arg[0] == '-' && arg[1] != '-' && valued[arg[:2]] {
			key = arg[:2] + " " + arg[2:]
		}
		units = append(units, unit{key: key, args: args[i : i+1]})
	}
	return units
}

// Merge appends the flags of extra to existing and drops repeated flags,
// keeping the first occurrence of each. An option and its value count as a
// single flag.
func Merge(existing, extra []string) []string {
	seen := make(map[string]bool)
	out := make([]string, 0, len(existing)+len(extra))
	for _, u := range split(slices.Concat(existing, extra)) {
		if seen[u.key] {
			continue
		}
		seen[u.key] = true
		out = append(out, u.args...)
	}
	return out
}

// Environ returns a copy of environ in which extra has been merged into the
// rustc flags. Cargo gives EncodedRustflags precedence over Rustflags, so
// the former is extended when present; otherwise Rustflags is set.
func Environ(environ []string, extra []string) []string {
	out := slices.Clone(environ)
	if v, i, ok := lookup(out, EncodedRustflags); ok {
		var cur []string
		if v != "" {
			cur = strings.Split(v, separator)
		}
		out[i] = EncodedRustflags + "=" +
			strings.Join(Merge(cur, extra), separator)
		return out
	}
	v, i, ok := lookup(out, Rustflags)
	entry := Rustflags + "=" + strings.Join(Merge(strings.Fields(v), extra), " ")
	if ok {
		out[i] = entry
	} else {
		out = append(out, entry)
	}
	return out
}

// Current returns the rustc flags set in environ, honoring the same
// precedence as Environ.
func Current(environ []string) []string {
	if v, _, ok := lookup(environ, EncodedRustflags); ok {
		if v == "" {
			return nil
		}
		return strings.Split(v, separator)
	}
	v, _, _ := lookup(environ, Rustflags)
	if f := strings.Fields(v); len(f) != 0 {
		return f
	}
	return nil
}

// lookup finds the last assignment of key in environ, which is the one a
// child process sees.
func lookup(environ []string, key string) (string, int, bool) {
	for i := len(environ) - 1; i >= 0; i-- {
		k, v, ok := strings.Cut(environ[i], "=")
		if ok && k == key {
			return v, i, true
		}
	}
	return "", -1, false
}
