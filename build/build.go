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

// Package build compiles Rust code into shared libraries (cdylibs) for use
// in tests.
//
// Three kinds of sources are supported: the current Cargo project, one of
// its examples, and a single source file. A source file is compiled through
// a throwaway package that is generated below the host's target directory
// and that mirrors the host's dependencies, features and workspace patches:
//
//	<target>/cdylibs/<crate>/<stem>/Cargo.toml
//	<target>/cdylibs/<crate>/<stem>/.cargo/config
//	<target>/cdylibs/<crate>/<stem>/target/
//
// The host project is located through the variables that cargo exports to
// the programs it runs (see Config). Compiler diagnostics are forwarded to
// stderr while cargo runs; the functions return the absolute path of the
// built library once cargo exits successfully.
//
// Requests for the same source are serialized, both within the process and
// across processes, so that parallel tests never race on the generated
// package. Different sources build concurrently.
package build

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/deep-rent/cdylib/internal/cargo"
	"github.com/deep-rent/cdylib/internal/fault"
	"github.com/deep-rent/cdylib/internal/flags"
	"github.com/deep-rent/cdylib/internal/log"
	"github.com/deep-rent/cdylib/internal/manifest"
	"github.com/deep-rent/cdylib/internal/project"

	"golang.org/x/sync/singleflight"
)

// Error is the type of every error returned by this package.
type Error = fault.Error

// Sentinels matched by errors.Is.
var (
	// ErrInvoke means cargo could not be started.
	ErrInvoke = fault.ErrInvoke
	// ErrBuildFailed means cargo exited with an error or produced no
	// library.
	ErrBuildFailed = fault.ErrBuildFailed
	// ErrMetadata means cargo metadata could not be read.
	ErrMetadata = fault.ErrMetadata
	// ErrManifest means a manifest could not be read or written.
	ErrManifest = fault.ErrManifest
	// ErrIO means a filesystem operation failed.
	ErrIO = fault.ErrIO
	// ErrNotFound means the requested source file does not exist.
	ErrNotFound = fault.ErrNotFound
	// ErrPackageName means the host package name is unknown.
	ErrPackageName = fault.ErrPackageName
	// ErrProjectDir means the host project directory is unknown.
	ErrProjectDir = fault.ErrProjectDir
)

// units coalesces concurrent requests for the same generated package.
var units singleflight.Group

// toolchains is shared by all requests so that each cargo program is asked
// for its version only once per process.
var toolchains = cargo.NewToolchains()

// CurrentProject builds the library target of the host project as a cdylib.
// The project must declare "cdylib" among its crate types. When it declares
// several, the shared library is returned, not the first file cargo lists.
func CurrentProject(opts ...Option) (string, error) {
	b, err := newBuilder(opts)
	if err != nil {
		return "", err
	}
	b.logger.Info("Building current project", "dir", b.dir)
	return b.driver.BuildLib(b.ctx, b.dir, b.features)
}

// Example builds the example called name of the host project. The example
// must declare crate-type = ["cdylib"] in the host manifest.
func Example(name string, opts ...Option) (string, error) {
	b, err := newBuilder(opts)
	if err != nil {
		return "", err
	}
	b.logger.Info("Building example", "name", name, "dir", b.dir)
	return b.driver.BuildExample(b.ctx, b.dir, name, b.features)
}

// File builds the source file at path as the root of a cdylib crate that
// depends on the host crate. A relative path is resolved against the host
// project directory. Building the same path twice yields the same library
// path.
//
// Concurrent requests for the same path, program, rustflags and features
// share a single build. Such a request runs under the context, stderr and
// logger of the request that started the build, so canceling that request
// fails the others as well.
func File(path string, opts ...Option) (string, error) {
	b, err := newBuilder(opts)
	if err != nil {
		return "", err
	}
	return b.file(path)
}

// CurrentProjectT is a test helper that wraps CurrentProject. It fails the
// test immediately if the build fails. The build is bound to the test's
// context.
func CurrentProjectT(t testing.TB, opts ...Option) string {
	t.Helper()
	lib, err := CurrentProject(withTest(t, opts)...)
	if err != nil {
		t.Fatalf("failed to build current project: %v", err)
	}
	return lib
}

// ExampleT is a test helper that wraps Example. It fails the test
// immediately if the build fails.
func ExampleT(t testing.TB, name string, opts ...Option) string {
	t.Helper()
	lib, err := Example(name, withTest(t, opts)...)
	if err != nil {
		t.Fatalf("failed to build example %s: %v", name, err)
	}
	return lib
}

// FileT is a test helper that wraps File. It fails the test immediately if
// the build fails.
func FileT(t testing.TB, path string, opts ...Option) string {
	t.Helper()
	lib, err := File(path, withTest(t, opts)...)
	if err != nil {
		t.Fatalf("failed to build %s: %v", path, err)
	}
	return lib
}

func withTest(t testing.TB, opts []Option) []Option {
	return append([]Option{WithContext(t.Context())}, opts...)
}

// builder carries the state resolved for a single request.
type builder struct {
	ctx       context.Context
	cfg       *Config
	dir       string
	features  []string
	rustflags []string
	driver    *cargo.Driver
	logger    *slog.Logger
}

// ProjectDir returns the absolute host project directory that a build with
// the given options uses.
func ProjectDir(opts ...Option) (string, error) {
	_, _, dir, err := configure(opts)
	return dir, err
}

// configure applies opts and resolves the Config and the project directory.
func configure(opts []Option) (*options, *Config, string, error) {
	o := &options{
		Lookup:  os.LookupEnv,
		Context: context.Background(),
	}
	for _, opt := range opts {
		opt(o)
	}

	cfg := o.Config
	if cfg == nil {
		var err error
		if cfg, err = LoadConfig(o.Lookup); err != nil {
			return nil, nil, "", fmt.Errorf("failed to load config: %w", err)
		}
	}

	dir := cfg.ProjectDir
	if o.ProjectDir != "" {
		dir = o.ProjectDir
	}
	if dir == "" {
		return nil, nil, "", fault.New(
			fault.KindProjectDir,
			errors.New("CARGO_MANIFEST_DIR is not set"),
		)
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, nil, "", fault.WithPath(fault.KindProjectDir, dir, err)
	}
	return o, cfg, abs, nil
}

func newBuilder(opts []Option) (*builder, error) {
	o, cfg, dir, err := configure(opts)
	if err != nil {
		return nil, err
	}

	features := cfg.Features
	if o.Selected {
		features = o.Features
	}

	stderr := o.Stderr
	if stderr == nil {
		stderr = os.Stderr
	}
	stderr = cargo.SyncWriter(stderr)
	logger := o.Logger
	if logger == nil {
		logger = log.New(
			log.WithLevel(cfg.LogLevel),
			log.WithFormat(cfg.LogFormat),
			log.WithWriter(stderr),
		)
	}

	environ := o.Environ
	if environ == nil {
		environ = os.Environ()
	}
	// The generated package also records the flags in its config so that a
	// manual cargo invocation inside it behaves the same.
	rustflags := flags.Merge(flags.Current(environ), flags.Required)

	return &builder{
		ctx:       o.Context,
		cfg:       cfg,
		dir:       dir,
		features:  features,
		rustflags: rustflags,
		driver: cargo.New(cargo.Config{
			Program:    cfg.Program,
			Offline:    cfg.Offline,
			Environ:    environ,
			Rustflags:  flags.Required,
			Stderr:     stderr,
			Logger:     logger,
			Toolchains: toolchains,
		}),
		logger: logger,
	}, nil
}

func (b *builder) file(path string) (string, error) {
	src := path
	if !filepath.IsAbs(src) {
		src = filepath.Join(b.dir, src)
	}
	src = filepath.Clean(src)

	// Fail before anything touches the disk.
	if err := project.CheckSource(src); err != nil {
		return "", err
	}

	host, err := b.host()
	if err != nil {
		return "", err
	}

	unit, _ := project.Locate(*host, src)
	k := key(unit, b.driver.Program(), b.rustflags, host.Features)
	v, err, shared := units.Do(k, func() (any, error) {
		return b.unit(host, src, unit)
	})
	if err != nil {
		return "", err
	}
	if shared {
		b.logger.Debug("Shared result of concurrent build", "unit", unit)
	}
	return v.(string), nil
}

func (b *builder) unit(host *project.Host, src, unit string) (string, error) {
	release, err := project.Lock(unit)
	if err != nil {
		return "", err
	}
	defer func() {
		if err := release(); err != nil {
			b.logger.Warn("Failed to release unit lock", "unit", unit, "error", err)
		}
	}()

	p, err := project.Prepare(*host, src, b.rustflags)
	if err != nil {
		return "", err
	}
	b.logger.Info(
		"Building source file",
		"source", src,
		"package", p.Name,
		"unit", p.Dir,
	)
	return b.driver.BuildUnit(b.ctx, p.Dir, p.TargetDir, p.Features)
}

// host gathers everything about the host project that the generated
// package needs.
func (b *builder) host() (*project.Host, error) {
	meta, err := b.driver.Metadata(b.ctx, b.dir)
	if err != nil {
		return nil, err
	}

	m, err := manifest.Load(b.dir)
	if err != nil {
		return nil, err
	}
	ws := m
	if root := filepath.Clean(meta.WorkspaceRoot); root != b.dir {
		if ws, err = manifest.Load(root); err != nil {
			return nil, err
		}
	}
	m.Inherit(ws)

	name := b.cfg.PackageName
	if name == "" {
		name = m.Package.Name
	}
	if name == "" {
		return nil, fault.WithPath(
			fault.KindPackageName,
			filepath.Join(b.dir, manifest.File),
			errors.New("CARGO_PKG_NAME is not set and the manifest has no package name"),
		)
	}

	return &project.Host{
		Name:          name,
		Dir:           m.Dir(),
		TargetDir:     meta.TargetDirectory,
		WorkspaceRoot: meta.WorkspaceRoot,
		Features:      b.features,
		Manifest:      m,
		Workspace:     ws,
	}, nil
}

// key identifies a request. Requests that differ in their program, rustflags
// or feature selection do not share results; they are still serialized by
// the unit lock.
func key(unit, program string, rustflags, features []string) string {
	parts := []string{unit, program, strings.Join(rustflags, "\x1f")}
	if features != nil {
		parts = append(parts, "features="+strings.Join(features, ","))
	}
	return strings.Join(parts, "\x00")
}
