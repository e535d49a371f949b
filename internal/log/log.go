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

// Package log builds the slog.Logger that reports what the builder does.
//
// Build progress goes to stderr, so that it interleaves with the cargo
// diagnostics that are forwarded there and never pollutes stdout, which
// belongs to the test binary or the command-line tool.
//
// # Conventions
//
//   - Format attribute keys in lower camelCase.
//   - Capitalize the first letter of every log message.
//   - Do not end log messages with punctuation.
package log

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Default configuration values for a new logger.
const (
	DefaultLevel  = slog.LevelWarn
	DefaultFormat = FormatText
)

// Format defines the log output format.
type Format uint8

const (
	FormatText Format = iota // Human-readable text format.
	FormatJSON               // One JSON object per record.
)

// String returns the lower-case name of the format.
func (f Format) String() string {
	switch f {
	case FormatJSON:
		return "json"
	default:
		return "text"
	}
}

// New creates a logger that writes text records at DefaultLevel to
// os.Stderr. The options override these defaults.
func New(opts ...Option) *slog.Logger {
	c := config{
		Level:  DefaultLevel,
		Format: DefaultFormat,
		Writer: os.Stderr,
	}
	for _, opt := range opts {
		opt(&c)
	}

	o := &slog.HandlerOptions{
		Level:     c.Level,
		AddSource: c.AddSource,
	}

	var handler slog.Handler
	switch c.Format {
	case FormatJSON:
		handler = slog.NewJSONHandler(c.Writer, o)
	default:
		handler = slog.NewTextHandler(c.Writer, o)
	}
	return slog.New(handler)
}

// Discard returns a logger that drops every record.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

type config struct {
	Level     slog.Level
	AddSource bool
	Format    Format
	Writer    io.Writer
}

// Option modifies the logger configuration.
type Option func(*config)

// WithLevel sets the minimum log level. It accepts a slog.Level or a string
// recognized by ParseLevel. Invalid values leave the level unchanged.
func WithLevel(v any) Option {
	return func(c *config) {
		switch t := v.(type) {
		case slog.Level:
			c.Level = t
		case string:
			if level, err := ParseLevel(t); err == nil {
				c.Level = level
			}
		}
	}
}

// WithFormat sets the output format. It accepts a Format or a string
// recognized by ParseFormat. Invalid values leave the format unchanged.
func WithFormat(v any) Option {
	return func(c *config) {
		switch t := v.(type) {
		case Format:
			c.Format = t
		case string:
			if format, err := ParseFormat(t); err == nil {
				c.Format = format
			}
		}
	}
}

// WithAddSource includes the source position in every record.
func WithAddSource(add bool) Option {
	return func(c *config) {
		c.AddSource = add
	}
}

// WithWriter sets the output destination. A nil writer is ignored.
func WithWriter(w io.Writer) Option {
	return func(c *config) {
		if w != nil {
			c.Writer = w
		}
	}
}

// ParseLevel converts a string into a slog.Level, ignoring case. Offsets
// such as "error-8" are accepted.
func ParseLevel(s string) (level slog.Level, err error) {
	if e := level.UnmarshalText([]byte(s)); e != nil {
		err = fmt.Errorf("invalid log level %q", s)
	}
	return
}

// ParseFormat converts "text" or "json" into a Format, ignoring case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(s) {
	case "json":
		return FormatJSON, nil
	case "text":
		return FormatText, nil
	default:
		return 0, fmt.Errorf("invalid log format %q", s)
	}
}
