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

// Package cargo runs cargo and interprets its JSON message stream.
//
// A Driver builds in one of three modes: the host library itself
// (BuildLib), a named example of the host (BuildExample), or a synthesized
// unit with its own manifest and target directory (BuildUnit). Each mode
// spawns exactly one child process and blocks until it exits. The child's
// stderr is passed through live, and compiler diagnostics found on its
// stdout are forwarded as they arrive.
package cargo

import (
	"context"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"slices"
	"sync"

	"github.com/deep-rent/cdylib/internal/fault"
	"github.com/deep-rent/cdylib/internal/flags"
)

// DefaultProgram is the cargo executable used when none is configured.
const DefaultProgram = "cargo"

// TargetDirEnv overrides cargo's target directory.
const TargetDirEnv = "CARGO_TARGET_DIR"

// Config configures a Driver.
type Config struct {
	// Program is the cargo executable. Defaults to DefaultProgram.
	Program string
	// Offline passes --offline to builds.
	Offline bool
	// Environ is the base environment of the child. Defaults to os.Environ().
	Environ []string
	// Rustflags are merged into the child's rustc flags. Defaults to
	// flags.Required.
	Rustflags []string
	// Stderr receives the child's stderr and the compiler diagnostics.
	// Defaults to os.Stderr.
	Stderr io.Writer
	// Logger defaults to a logger that discards everything.
	Logger *slog.Logger
	// Toolchains caches the --offline support of cargo programs. Drivers that
	// share a Toolchains run `cargo --version` once per program. Defaults to a
	// Toolchains owned by the driver.
	Toolchains *Toolchains
}

// Driver invokes cargo. It is safe for concurrent use.
type Driver struct {
	program   string
	environ   []string
	rustflags []string
	stderr    io.Writer
	logger    *slog.Logger

	offline    bool
	toolchains *Toolchains
}

// New creates a Driver from cfg, filling in defaults.
func New(cfg Config) *Driver {
	d := &Driver{
		program:    cfg.Program,
		environ:    cfg.Environ,
		rustflags:  cfg.Rustflags,
		stderr:     cfg.Stderr,
		logger:     cfg.Logger,
		offline:    cfg.Offline,
		toolchains: cfg.Toolchains,
	}
	if d.toolchains == nil {
		d.toolchains = NewToolchains()
	}
	if d.program == "" {
		d.program = DefaultProgram
	}
	if d.environ == nil {
		d.environ = os.Environ()
	}
	if d.rustflags == nil {
		d.rustflags = flags.Required
	}
	if d.stderr == nil {
		d.stderr = os.Stderr
	}
	d.stderr = SyncWriter(d.stderr)
	if d.logger == nil {
		d.logger = slog.New(slog.DiscardHandler)
	}
	return d
}

// Program returns the cargo executable the driver runs.
func (d *Driver) Program() string { return d.program }

// BuildLib builds the library target of the project in dir.
func (d *Driver) BuildLib(ctx context.Context, dir string, features []string) (string, error) {
	return d.build(ctx, dir, nil, features, "--lib")
}

// BuildExample builds the example called name of the project in dir. An
// unknown example makes cargo fail, which is reported as a build failure.
func (d *Driver) BuildExample(ctx context.Context, dir, name string, features []string) (string, error) {
	return d.build(ctx, dir, nil, features, "--example", name)
}

// BuildUnit builds the synthesized project in dir, placing its output in
// targetDir.
func (d *Driver) BuildUnit(ctx context.Context, dir, targetDir string, features []string) (string, error) {
	return d.build(ctx, dir, []string{TargetDirEnv + "=" + targetDir}, features)
}

func (d *Driver) build(
	ctx context.Context,
	dir string,
	env []string,
	features []string,
	extra ...string,
) (string, error) {
	args := d.args(ctx, features, extra)

	cmd := exec.CommandContext(ctx, d.program, args...)
	cmd.Dir = dir
	cmd.Env = append(flags.Environ(d.environ, d.rustflags), env...)
	cmd.Stderr = d.stderr

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fault.New(fault.KindInvoke, err)
	}

	d.logger.Debug("Running cargo", "dir", dir, "args", args)
	if err := cmd.Start(); err != nil {
		return "", fault.New(fault.KindInvoke, err)
	}

	last, rerr := Interpret(stdout, d.stderr)
	// The pipe must be drained before Wait, or the child may block forever.
	_, _ = io.Copy(io.Discard, stdout)
	werr := cmd.Wait()
	if rerr != nil {
		return "", rerr
	}

	path, err := Resolve(last, werr)
	if err != nil {
		d.logger.Debug("Cargo build failed", "dir", dir, "error", err)
		return "", err
	}
	d.logger.Debug("Resolved artifact",
		"path", path,
		"target", last.Target.Name,
		"fresh", last.Fresh,
	)
	return path, nil
}

// args assembles the command line of a build.
func (d *Driver) args(ctx context.Context, features, extra []string) []string {
	var args []string
	if d.offline && d.toolchains.offline(ctx, d) {
		args = append(args, "--offline")
	}
	args = append(args, "build", "--message-format=json")
	return slices.Concat(args, extra, flags.FeatureArgs(features))
}

// Toolchains remembers which cargo programs accept --offline. It is safe for
// concurrent use.
type Toolchains struct {
	mu      sync.Mutex
	results map[string]bool
}

// NewToolchains creates an empty Toolchains.
func NewToolchains() *Toolchains {
	return &Toolchains{results: make(map[string]bool)}
}

// offline reports whether the program of d accepts --offline, asking cargo
// on the first call for that program.
func (p *Toolchains) offline(ctx context.Context, d *Driver) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	ok, found := p.results[d.program]
	if !found {
		ok = d.supportsOffline(ctx)
		p.results[d.program] = ok
	}
	return ok
}

// SyncWriter returns a writer that serializes the writes to w. Cargo's
// stderr and the forwarded diagnostics are written from different
// goroutines. Files and writers that are already synchronized are returned
// unchanged.
func SyncWriter(w io.Writer) io.Writer {
	switch w.(type) {
	case *os.File, *syncWriter:
		return w
	}
	return &syncWriter{w: w}
}

type syncWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (s *syncWriter) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.w.Write(p)
}
