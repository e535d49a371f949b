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

// Package cargotest turns a test binary into a stand-in for cargo.
//
// A test package calls Main from its TestMain. When the binary is started
// with the variables produced by Script.Environ, Main emulates the cargo
// subcommands used by this module and exits; otherwise it returns and the
// tests run normally:
//
//	func TestMain(m *testing.M) {
//		cargotest.Main()
//		os.Exit(m.Run())
//	}
package cargotest

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// Environment variables that drive the stand-in.
const (
	EnvFake          = "CDYLIB_FAKE_CARGO"
	EnvMode          = "CDYLIB_FAKE_MODE"
	EnvVersion       = "CDYLIB_FAKE_VERSION"
	EnvRecord        = "CDYLIB_FAKE_RECORD"
	EnvTargetDir     = "CDYLIB_FAKE_TARGET_DIR"
	EnvWorkspaceRoot = "CDYLIB_FAKE_WORKSPACE_ROOT"
)

// Build modes.
const (
	// ModeOK emits a diagnostic, a dependency artifact, a stray text line,
	// the target artifact, and exits with 0. Metadata is reported normally.
	ModeOK = "ok"
	// ModeFail emits an artifact and then exits with 101. Metadata fails.
	ModeFail = "fail"
	// ModeEmpty emits no artifact and exits with 0. Metadata is empty.
	ModeEmpty = "empty"
)

// Diagnostic is the rendered diagnostic emitted in ModeOK.
const Diagnostic = "warning: unused variable: `x`"

// Script describes how the stand-in behaves.
type Script struct {
	Mode          string
	Version       string
	Record        string
	TargetDir     string
	WorkspaceRoot string
}

// Environ returns the environment that makes the running test binary act
// according to s.
func (s Script) Environ() []string {
	env := slices.DeleteFunc(os.Environ(), func(kv string) bool {
		return strings.HasPrefix(kv, "CDYLIB_") ||
			strings.HasPrefix(kv, "RUSTFLAGS=") ||
			strings.HasPrefix(kv, "CARGO_ENCODED_RUSTFLAGS=")
	})
	mode := s.Mode
	if mode == "" {
		mode = ModeOK
	}
	return append(env,
		EnvFake+"=1",
		EnvMode+"="+mode,
		EnvVersion+"="+s.Version,
		EnvRecord+"="+s.Record,
		EnvTargetDir+"="+s.TargetDir,
		EnvWorkspaceRoot+"="+s.WorkspaceRoot,
	)
}

// Program returns the path of the running test binary.
func Program() string {
	return os.Args[0]
}

// Invocation records a single run of the stand-in.
type Invocation struct {
	Args      []string `json:"args"`
	Dir       string   `json:"dir"`
	Rustflags string   `json:"rustflags"`
	TargetDir string   `json:"targetDir"`
}

// Invocations reads the invocations recorded at path, oldest first.
func Invocations(path string) ([]Invocation, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []Invocation
	dec := json.NewDecoder(strings.NewReader(string(data)))
	for dec.More() {
		var inv Invocation
		if err := dec.Decode(&inv); err != nil {
			return nil, err
		}
		out = append(out, inv)
	}
	return out, nil
}

// Main emulates cargo if the stand-in is enabled, and returns otherwise.
func Main() {
	if os.Getenv(EnvFake) == "" {
		return
	}
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	dir, _ := os.Getwd()
	record(args, dir)

	rest := slices.DeleteFunc(slices.Clone(args), func(a string) bool {
		return a == "--offline"
	})
	if len(rest) == 0 {
		fmt.Fprintln(os.Stderr, "error: no subcommand")
		return 1
	}

	switch rest[0] {
	case "--version":
		v := os.Getenv(EnvVersion)
		if v == "" {
			v = "1.80.0"
		}
		fmt.Printf("cargo %s (0000000 2024-07-21)\n", v)
		return 0
	case "metadata":
		return metadata(dir)
	case "build":
		return build(rest[1:], dir)
	default:
		fmt.Fprintf(os.Stderr, "error: no such command: `%s`\n", rest[0])
		return 101
	}
}

func record(args []string, dir string) {
	path := os.Getenv(EnvRecord)
	if path == "" {
		return
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return
	}
	defer f.Close()
	_ = json.NewEncoder(f).Encode(Invocation{
		Args:      args,
		Dir:       dir,
		Rustflags: os.Getenv("RUSTFLAGS"),
		TargetDir: os.Getenv("CARGO_TARGET_DIR"),
	})
}

func metadata(dir string) int {
	switch os.Getenv(EnvMode) {
	case ModeFail:
		fmt.Fprintln(os.Stderr, "error: could not find `Cargo.toml`")
		return 101
	case ModeEmpty:
		fmt.Println("{}")
		return 0
	}
	target := os.Getenv(EnvTargetDir)
	if target == "" {
		target = filepath.Join(dir, "target")
	}
	root := os.Getenv(EnvWorkspaceRoot)
	if root == "" {
		root = dir
	}
	_ = json.NewEncoder(os.Stdout).Encode(map[string]any{
		"packages":         []any{},
		"target_directory": target,
		"workspace_root":   root,
		"version":          1,
	})
	return 0
}

func build(args []string, dir string) int {
	target := os.Getenv("CARGO_TARGET_DIR")
	if target == "" {
		target = os.Getenv(EnvTargetDir)
	}
	if target == "" {
		target = filepath.Join(dir, "target")
	}
	out := filepath.Join(target, "debug")
	name := "fixture"
	if i := slices.Index(args, "--example"); i >= 0 && i+1 < len(args) {
		name = args[i+1]
		if name == "missing" {
			fmt.Fprintln(os.Stderr, "error: no example target named `missing`")
			return 101
		}
		out = filepath.Join(out, "examples")
	}

	emit := func(v map[string]any) {
		_ = json.NewEncoder(os.Stdout).Encode(v)
	}
	artifact := func(name, path string) map[string]any {
		return map[string]any{
			"reason":     "compiler-artifact",
			"package_id": name + " 0.0.0",
			"target": map[string]any{
				"name":        name,
				"kind":        []string{"cdylib"},
				"crate_types": []string{"cdylib"},
			},
			"filenames": []string{path},
			"fresh":     false,
		}
	}

	switch os.Getenv(EnvMode) {
	case ModeFail:
		emit(artifact("dep", filepath.Join(out, "deps", "libdep.rlib")))
		fmt.Fprintln(os.Stderr, "error: could not compile `fixture`")
		return 101
	case ModeEmpty:
		emit(map[string]any{"reason": "build-finished", "success": true})
		return 0
	}

	lib := filepath.Join(out, "lib"+name+".so")
	if err := os.MkdirAll(out, 0755); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}
	if err := os.WriteFile(lib, []byte("\x7fELF"), 0644); err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	emit(map[string]any{
		"reason": "compiler-message",
		"message": map[string]any{
			"message":  "unused variable: `x`",
			"level":    "warning",
			"rendered": Diagnostic + "\n",
		},
	})
	emit(artifact("dep", filepath.Join(out, "deps", "libdep.rlib")))
	fmt.Println("   Compiling fixture v0.0.0")
	emit(artifact(name, lib))
	emit(map[string]any{"reason": "build-finished", "success": true})
	return 0
}
