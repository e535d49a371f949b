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

// Command cdylib builds Rust shared libraries the way the build package
// does for tests, for use from scripts and non-Go test runners.
//
//	cdylib [flags] self
//	cdylib [flags] example <name>
//	cdylib [flags] file <path>
//	cdylib [flags] watch <path>
//
// The path of the built library is printed to stdout. With --output json or
// --output yaml, a record with the kind of build, its target and the
// library path is printed instead.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/alecthomas/kong"
	"github.com/gookit/color"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/deep-rent/cdylib/build"
	"github.com/deep-rent/cdylib/internal/app"
	"github.com/deep-rent/cdylib/internal/log"
)

// CLI is the root of the command line.
type CLI struct {
	ProjectDir string   `short:"C" help:"Directory of the host Cargo.toml." env:"CARGO_MANIFEST_DIR" default:"." type:"path"`
	Features   []string `short:"F" help:"Features to enable instead of the defaults." sep:","`
	EnvFile    string   `help:"Load variables from this file before building." type:"path"`
	Output     string   `short:"o" help:"Output format (${enum})." enum:"text,json,yaml" default:"text"`
	LogLevel   string   `help:"Minimum log level." env:"CDYLIB_LOG_LEVEL" default:"warn"`
	LogFormat  string   `help:"Log format (text or json)." env:"CDYLIB_LOG_FORMAT" default:"text"`

	Self    SelfCmd    `cmd:"" help:"Build the current project as a cdylib."`
	Example ExampleCmd `cmd:"" help:"Build a named example of the project."`
	File    FileCmd    `cmd:"" help:"Build a source file through a generated package."`
	Watch   WatchCmd   `cmd:"" help:"Rebuild a source file whenever it changes."`
}

// Global is the state shared with every command.
type Global struct {
	Context context.Context
	Stdout  io.Writer
	Stderr  io.Writer
	Logger  *slog.Logger
	Output  string
	Options []build.Option
}

// Result describes a successful build.
type Result struct {
	Kind     string `json:"kind" yaml:"kind"`
	Target   string `json:"target" yaml:"target"`
	Artifact string `json:"artifact" yaml:"artifact"`
}

// SelfCmd builds the library target of the project.
type SelfCmd struct{}

func (c *SelfCmd) Run(g *Global) error {
	lib, err := build.CurrentProject(g.options()...)
	if err != nil {
		return err
	}
	return g.print(Result{Kind: "self", Target: ".", Artifact: lib})
}

// ExampleCmd builds an example of the project.
type ExampleCmd struct {
	Name string `arg:"" help:"Name of the example."`
}

func (c *ExampleCmd) Run(g *Global) error {
	lib, err := build.Example(c.Name, g.options()...)
	if err != nil {
		return err
	}
	return g.print(Result{Kind: "example", Target: c.Name, Artifact: lib})
}

// FileCmd builds a single source file.
type FileCmd struct {
	Path string `arg:"" help:"Rust source file." type:"path"`
}

func (c *FileCmd) Run(g *Global) error {
	lib, err := build.File(c.Path, g.options()...)
	if err != nil {
		return err
	}
	return g.print(Result{Kind: "file", Target: c.Path, Artifact: lib})
}

func (g *Global) options() []build.Option {
	return append([]build.Option{build.WithContext(g.Context)}, g.Options...)
}

func (g *Global) print(r Result) error {
	switch g.Output {
	case "json":
		enc := json.NewEncoder(g.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "yaml":
		enc := yaml.NewEncoder(g.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(r); err != nil {
			return err
		}
		return enc.Close()
	default:
		_, err := fmt.Fprintln(g.Stdout, r.Artifact)
		return err
	}
}

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes the command line in args and returns the exit code.
func run(args []string, stdout, stderr io.Writer) int {
	var cli CLI
	parser, err := kong.New(&cli,
		kong.Name("cdylib"),
		kong.Description("Build Rust shared libraries for tests."),
		kong.Writers(stdout, stderr),
	)
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		fail(stderr, err)
		return 2
	}

	logger := log.New(
		log.WithLevel(cli.LogLevel),
		log.WithFormat(cli.LogFormat),
		log.WithWriter(stderr),
	)

	if cli.EnvFile != "" {
		// Existing variables take precedence over the file.
		if err := godotenv.Load(cli.EnvFile); err != nil {
			fail(stderr, fmt.Errorf("failed to load %s: %w", cli.EnvFile, err))
			return 1
		}
		logger.Debug("Loaded environment file", "path", cli.EnvFile)
	}

	dir, err := filepath.Abs(cli.ProjectDir)
	if err != nil {
		fail(stderr, err)
		return 1
	}
	opts := []build.Option{
		build.WithProjectDir(dir),
		build.WithLogger(logger),
		build.WithStderr(stderr),
	}
	if cli.Features != nil {
		opts = append(opts, build.WithFeatures(cli.Features...))
	}

	g := &Global{
		Stdout:  stdout,
		Stderr:  stderr,
		Logger:  logger,
		Output:  cli.Output,
		Options: opts,
	}
	err = app.Run(func(ctx context.Context) error {
		g.Context = ctx
		return kctx.Run(g)
	}, app.WithLogger(logger))
	if err != nil {
		fail(stderr, err)
		return 1
	}
	return 0
}

func fail(w io.Writer, err error) {
	fmt.Fprintf(w, "%s %v\n", color.Red.Sprint("error:"), err)
}
