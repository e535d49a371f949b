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

package build_test

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"testing"

	"github.com/deep-rent/cdylib/build"
	"github.com/deep-rent/cdylib/internal/cargotest"
	"github.com/deep-rent/cdylib/internal/log"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMain(m *testing.M) {
	cargotest.Main()
	os.Exit(m.Run())
}

const hostToml = `
[package]
name = "demo"
version = "0.1.0"
edition = "2021"

[lib]
crate-type = ["rlib", "cdylib"]

[features]
default = ["std"]
std = []

[dependencies]
libc = { version = "0.2", default-features = false }

[[example]]
name = "test_example"
crate-type = ["cdylib"]
`

const fixture = "tests/cdylibs/identity.rs"

// host describes a fake host project and the cargo stand-in serving it.
type host struct {
	Dir    string
	Vars   map[string]string
	Script cargotest.Script
	Stderr *bytes.Buffer
}

func setup(t *testing.T, mode string) *host {
	t.Helper()
	dir, err := filepath.EvalSymlinks(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "Cargo.toml"), []byte(hostToml), 0644))
	src := filepath.Join(dir, fixture)
	require.NoError(t, os.MkdirAll(filepath.Dir(src), 0755))
	require.NoError(t, os.WriteFile(src, []byte("pub fn f() {}\n"), 0644))

	return &host{
		Dir: dir,
		Vars: map[string]string{
			"CARGO":              cargotest.Program(),
			"CARGO_PKG_NAME":     "demo",
			"CARGO_MANIFEST_DIR": dir,
			"CDYLIB_LOG_LEVEL":   "error",
		},
		Script: cargotest.Script{
			Mode:      mode,
			Record:    filepath.Join(t.TempDir(), "record.jsonl"),
			TargetDir: filepath.Join(dir, "target"),
		},
		Stderr: new(bytes.Buffer),
	}
}

func (e *host) opts(extra ...build.Option) []build.Option {
	return append([]build.Option{
		build.WithLookup(func(k string) (string, bool) {
			v, ok := e.Vars[k]
			return v, ok
		}),
		build.WithEnviron(e.Script.Environ()),
		build.WithStderr(e.Stderr),
		build.WithLogger(log.Discard()),
	}, extra...)
}

func (e *host) builds(t *testing.T) [][]string {
	t.Helper()
	invs, err := cargotest.Invocations(e.Script.Record)
	require.NoError(t, err)
	var out [][]string
	for _, inv := range invs {
		if slices.Contains(inv.Args, "build") {
			out = append(out, inv.Args)
		}
	}
	return out
}

func (e *host) unit() string {
	return filepath.Join(e.Dir, "target", "cdylibs", "demo", "identity")
}

func TestFile(t *testing.T) {
	e := setup(t, cargotest.ModeOK)

	lib, err := build.File(filepath.Join(e.Dir, fixture), e.opts()...)
	require.NoError(t, err)

	assert.Equal(t, filepath.Join(e.unit(), "target", "debug", "libfixture.so"), lib)
	assert.FileExists(t, lib)
	assert.FileExists(t, filepath.Join(e.unit(), "Cargo.toml"))
	assert.FileExists(t, filepath.Join(e.unit(), ".cargo", "config"))
	assert.Contains(t, e.Stderr.String(), cargotest.Diagnostic)

	builds := e.builds(t)
	require.Len(t, builds, 1)
	assert.Equal(t, []string{"--offline", "build", "--message-format=json"}, builds[0])
}

func TestFileRelative(t *testing.T) {
	e := setup(t, cargotest.ModeOK)

	abs, err := build.File(filepath.Join(e.Dir, fixture), e.opts()...)
	require.NoError(t, err)
	rel, err := build.File(fixture, e.opts()...)
	require.NoError(t, err)
	assert.Equal(t, abs, rel)
}

func TestFileTwice(t *testing.T) {
	e := setup(t, cargotest.ModeOK)

	first, err := build.File(fixture, e.opts()...)
	require.NoError(t, err)
	info, err := os.Stat(filepath.Join(e.unit(), "Cargo.toml"))
	require.NoError(t, err)

	second, err := build.File(fixture, e.opts()...)
	require.NoError(t, err)
	again, err := os.Stat(filepath.Join(e.unit(), "Cargo.toml"))
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, info.ModTime(), again.ModTime())
}

func TestFileConcurrent(t *testing.T) {
	e := setup(t, cargotest.ModeOK)
	opts := e.opts(build.WithStderr(io.Discard))

	const n = 8
	libs := make([]string, n)
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := range n {
		wg.Go(func() {
			libs[i], errs[i] = build.File(fixture, opts...)
		})
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, libs[0], libs[i])
	}
	assert.FileExists(t, libs[0])
}

func TestFileNotFound(t *testing.T) {
	e := setup(t, cargotest.ModeOK)

	lib, err := build.File("tests/cdylibs/missing.rs", e.opts()...)
	require.ErrorIs(t, err, build.ErrNotFound)
	assert.Empty(t, lib)

	var be *build.Error
	require.ErrorAs(t, err, &be)
	assert.Equal(t, filepath.Join(e.Dir, "tests", "cdylibs", "missing.rs"), be.Path)
	assert.Contains(t, err.Error(), "source not found")

	assert.NoDirExists(t, filepath.Join(e.Dir, "target"))
	invs, err := cargotest.Invocations(e.Script.Record)
	require.NoError(t, err)
	assert.Empty(t, invs)
}

func TestFileFeatures(t *testing.T) {
	e := setup(t, cargotest.ModeOK)

	_, err := build.File(fixture, e.opts(build.WithFeatures("std", "bogus"))...)
	require.NoError(t, err)

	builds := e.builds(t)
	require.Len(t, builds, 1)
	assert.Equal(t, []string{
		"--offline", "build", "--message-format=json",
		"--no-default-features", "--features", "std",
	}, builds[0])
}

func TestFileFeaturesFromEnvironment(t *testing.T) {
	e := setup(t, cargotest.ModeOK)
	e.Vars["CDYLIB_FEATURES"] = ""
	e.Vars["CDYLIB_OFFLINE"] = "false"

	_, err := build.File(fixture, e.opts()...)
	require.NoError(t, err)

	builds := e.builds(t)
	require.Len(t, builds, 1)
	assert.Equal(t, []string{
		"build", "--message-format=json",
		"--no-default-features", "--features", "",
	}, builds[0])
}

func TestFileMetadataFailure(t *testing.T) {
	e := setup(t, cargotest.ModeFail)

	_, err := build.File(fixture, e.opts()...)
	require.ErrorIs(t, err, build.ErrMetadata)
	assert.Empty(t, e.builds(t))
}

func TestFilePackageName(t *testing.T) {
	t.Run("from manifest", func(t *testing.T) {
		e := setup(t, cargotest.ModeOK)
		delete(e.Vars, "CARGO_PKG_NAME")

		_, err := build.File(fixture, e.opts()...)
		require.NoError(t, err)
		assert.DirExists(t, e.unit())
	})

	t.Run("unknown", func(t *testing.T) {
		e := setup(t, cargotest.ModeOK)
		delete(e.Vars, "CARGO_PKG_NAME")
		ws := "[workspace]\nmembers = []\n"
		require.NoError(t, os.WriteFile(filepath.Join(e.Dir, "Cargo.toml"), []byte(ws), 0644))

		_, err := build.File(fixture, e.opts()...)
		require.ErrorIs(t, err, build.ErrPackageName)
	})
}

func TestFileT(t *testing.T) {
	e := setup(t, cargotest.ModeOK)
	lib := build.FileT(t, fixture, e.opts()...)
	assert.FileExists(t, lib)
}

func TestExample(t *testing.T) {
	e := setup(t, cargotest.ModeOK)

	lib, err := build.Example("test_example", e.opts()...)
	require.NoError(t, err)
	want := filepath.Join(e.Dir, "target", "debug", "examples", "libtest_example.so")
	assert.Equal(t, want, lib)
	assert.Equal(t, lib, build.ExampleT(t, "test_example", e.opts()...))
}

func TestExampleMissing(t *testing.T) {
	e := setup(t, cargotest.ModeOK)

	lib, err := build.Example("missing", e.opts()...)
	require.ErrorIs(t, err, build.ErrBuildFailed)
	assert.Empty(t, lib)
	assert.Contains(t, e.Stderr.String(), "no example target named `missing`")
}

func TestCurrentProject(t *testing.T) {
	e := setup(t, cargotest.ModeOK)

	lib, err := build.CurrentProject(e.opts()...)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(e.Dir, "target", "debug", "libfixture.so"), lib)
	assert.Equal(t, lib, build.CurrentProjectT(t, e.opts()...))

	builds := e.builds(t)
	require.NotEmpty(t, builds)
	assert.Equal(t, []string{"--offline", "build", "--message-format=json", "--lib"}, builds[0])
}

func TestCurrentProjectFailure(t *testing.T) {
	for _, mode := range []string{cargotest.ModeFail, cargotest.ModeEmpty} {
		t.Run(mode, func(t *testing.T) {
			e := setup(t, mode)
			lib, err := build.CurrentProject(e.opts()...)
			require.ErrorIs(t, err, build.ErrBuildFailed)
			assert.Empty(t, lib)
		})
	}
}

func TestInvokeError(t *testing.T) {
	e := setup(t, cargotest.ModeOK)
	e.Vars["CARGO"] = filepath.Join(e.Dir, "no-such-cargo")

	_, err := build.CurrentProject(e.opts()...)
	require.ErrorIs(t, err, build.ErrInvoke)
}

func TestProjectDir(t *testing.T) {
	t.Run("unset", func(t *testing.T) {
		e := setup(t, cargotest.ModeOK)
		delete(e.Vars, "CARGO_MANIFEST_DIR")

		_, err := build.File(fixture, e.opts()...)
		require.ErrorIs(t, err, build.ErrProjectDir)
	})

	t.Run("option", func(t *testing.T) {
		e := setup(t, cargotest.ModeOK)
		delete(e.Vars, "CARGO_MANIFEST_DIR")

		lib, err := build.File(fixture, e.opts(build.WithProjectDir(e.Dir))...)
		require.NoError(t, err)
		assert.FileExists(t, lib)
	})
}

func TestWithConfig(t *testing.T) {
	e := setup(t, cargotest.ModeOK)
	cfg := &build.Config{
		Program:     cargotest.Program(),
		PackageName: "demo",
		ProjectDir:  e.Dir,
		Features:    []string{"std"},
	}

	_, err := build.CurrentProject(e.opts(build.WithConfig(cfg))...)
	require.NoError(t, err)

	builds := e.builds(t)
	require.Len(t, builds, 1)
	assert.Equal(t, []string{
		"build", "--message-format=json", "--lib",
		"--no-default-features", "--features", "std",
	}, builds[0])
}

func TestLoadConfig(t *testing.T) {
	cfg, err := build.LoadConfig(envLookup(nil))
	require.NoError(t, err)
	assert.Equal(t, &build.Config{
		Program:   "cargo",
		Offline:   true,
		LogLevel:  "warn",
		LogFormat: "text",
	}, cfg)

	cfg, err = build.LoadConfig(envLookup(map[string]string{
		"CARGO_MANIFEST_DIR": "/src/demo",
		"CDYLIB_FEATURES":    "std,serde",
		"CDYLIB_OFFLINE":     "0",
	}))
	require.NoError(t, err)
	assert.Equal(t, "/src/demo", cfg.ProjectDir)
	assert.Equal(t, []string{"std", "serde"}, cfg.Features)
	assert.False(t, cfg.Offline)

	_, err = build.LoadConfig(envLookup(map[string]string{"CDYLIB_OFFLINE": "nope"}))
	require.Error(t, err)
}

func envLookup(vars map[string]string) build.Lookup {
	return func(k string) (string, bool) {
		v, ok := vars[k]
		return v, ok
	}
}

func TestProjectDirOption(t *testing.T) {
	dir, err := build.ProjectDir(build.WithLookup(func(k string) (string, bool) {
		if k == "CARGO_MANIFEST_DIR" {
			return "/src/demo", true
		}
		return "", false
	}))
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/src/demo"), dir)

	dir, err = build.ProjectDir(build.WithConfig(&build.Config{}), build.WithProjectDir("/other"))
	require.NoError(t, err)
	assert.Equal(t, filepath.FromSlash("/other"), dir)

	_, err = build.ProjectDir(build.WithConfig(&build.Config{}))
	require.ErrorIs(t, err, build.ErrProjectDir)
}
