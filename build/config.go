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

package build

import (
	"context"
	"io"
	"log/slog"
	"slices"

	"github.com/deep-rent/cdylib/internal/env"
)

// Config holds the settings that are read from the environment. Cargo sets
// CARGO, CARGO_PKG_NAME and CARGO_MANIFEST_DIR for the test binaries it
// runs, so inside `cargo test` the zero configuration works.
type Config struct {
	// Program is the cargo executable.
	Program string `env:"CARGO,default:cargo"`
	// PackageName is the name of the host crate. If empty, the name is read
	// from the host manifest.
	PackageName string `env:"CARGO_PKG_NAME"`
	// ProjectDir is the directory holding the host's Cargo.toml.
	ProjectDir string `env:"CARGO_MANIFEST_DIR"`
	// Features selects the host features to enable. Nil builds with the
	// default features; a non-nil slice disables the defaults and enables
	// exactly the listed ones.
	Features []string `env:"CDYLIB_FEATURES"`
	// Offline passes --offline to cargo.
	Offline bool `env:"CDYLIB_OFFLINE,default:true"`
	// LogLevel is the minimum level of the build log.
	LogLevel string `env:"CDYLIB_LOG_LEVEL,default:warn"`
	// LogFormat is either "text" or "json".
	LogFormat string `env:"CDYLIB_LOG_FORMAT,default:text"`
}

// LoadConfig reads the Config through lookup. A nil lookup reads the
// process environment.
func LoadConfig(lookup Lookup) (*Config, error) {
	var cfg Config
	if err := env.Unmarshal(&cfg, env.WithLookup(lookup)); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Lookup retrieves the value of an environment variable, like os.LookupEnv.
type Lookup = env.Lookup

type options struct {
	Config     *Config
	Lookup     Lookup
	Features   []string
	Selected   bool
	ProjectDir string
	Logger     *slog.Logger
	Stderr     io.Writer
	Environ    []string
	Context    context.Context
}

// Option customizes a single build request.
type Option func(*options)

// WithConfig uses cfg instead of reading the environment. A nil Config is
// ignored.
func WithConfig(cfg *Config) Option {
	return func(o *options) {
		if cfg != nil {
			o.Config = cfg
		}
	}
}

// WithLookup reads the Config through lookup instead of os.LookupEnv. It
// has no effect in combination with WithConfig.
func WithLookup(lookup Lookup) Option {
	return func(o *options) {
		if lookup != nil {
			o.Lookup = lookup
		}
	}
}

// WithFeatures replaces the feature selection of the Config. Calling it
// without arguments builds with no features at all, not even the default
// ones.
func WithFeatures(features ...string) Option {
	return func(o *options) {
		o.Features = append([]string{}, features...)
		o.Selected = true
	}
}

// WithProjectDir overrides the host project directory.
func WithProjectDir(dir string) Option {
	return func(o *options) {
		if dir != "" {
			o.ProjectDir = dir
		}
	}
}

// WithLogger sets the logger that receives build progress. By default, a
// logger is built from the LogLevel and LogFormat of the Config.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		if logger != nil {
			o.Logger = logger
		}
	}
}

// WithStderr sets where compiler diagnostics and cargo's own output go.
// Defaults to os.Stderr.
func WithStderr(w io.Writer) Option {
	return func(o *options) {
		if w != nil {
			o.Stderr = w
		}
	}
}

// WithEnviron sets the base environment of the cargo process. Defaults to
// os.Environ().
func WithEnviron(environ []string) Option {
	return func(o *options) {
		if environ != nil {
			o.Environ = slices.Clone(environ)
		}
	}
}

// WithContext sets the context that bounds the cargo processes. Canceling
// it kills a running build. Defaults to context.Background().
func WithContext(ctx context.Context) Option {
	return func(o *options) {
		if ctx != nil {
			o.Context = ctx
		}
	}
}
