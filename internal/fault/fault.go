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

// Package fault defines the single error type surfaced by every stage of the
// cdylib pipeline. Each error carries a Kind that callers can match with
// errors.Is against the package-level sentinels.
package fault

import (
	"errors"
	"fmt"
)

// Kind classifies a failure.
type Kind uint8

const (
	KindInvoke      Kind = iota + 1 // cargo could not be started.
	KindBuild                       // cargo failed or produced no artifact.
	KindMetadata                    // cargo metadata could not be read.
	KindManifest                    // A manifest could not be encoded or decoded.
	KindIO                          // A filesystem operation failed.
	KindNotFound                    // The requested source does not exist.
	KindPackageName                 // The host package name is unknown.
	KindProjectDir                  // The host project directory is unknown.
)

// Sentinels matched by errors.Is for each Kind.
var (
	ErrInvoke      = errors.New("failed to execute cargo")
	ErrBuildFailed = errors.New("cargo reported an error")
	ErrMetadata    = errors.New("failed to read cargo metadata")
	ErrManifest    = errors.New("invalid manifest")
	ErrIO          = errors.New("i/o error")
	ErrNotFound    = errors.New("source not found")
	ErrPackageName = errors.New("failed to detect package name")
	ErrProjectDir  = errors.New("failed to determine project dir")
)

// Sentinel returns the sentinel error associated with k.
func (k Kind) Sentinel() error {
	switch k {
	case KindInvoke:
		return ErrInvoke
	case KindBuild:
		return ErrBuildFailed
	case KindMetadata:
		return ErrMetadata
	case KindManifest:
		return ErrManifest
	case KindIO:
		return ErrIO
	case KindNotFound:
		return ErrNotFound
	case KindPackageName:
		return ErrPackageName
	case KindProjectDir:
		return ErrProjectDir
	default:
		return nil
	}
}

// String returns the lower-case name of the kind.
func (k Kind) String() string {
	switch k {
	case KindInvoke:
		return "invoke"
	case KindBuild:
		return "build"
	case KindMetadata:
		return "metadata"
	case KindManifest:
		return "manifest"
	case KindIO:
		return "io"
	case KindNotFound:
		return "not_found"
	case KindPackageName:
		return "package_name"
	case KindProjectDir:
		return "project_dir"
	default:
		return "unknown"
	}
}

// Error is a classified failure. Path names the file involved, if any, and
// Err holds the underlying cause, if any.
type Error struct {
	Kind Kind
	Path string
	Err  error
}

// New creates an Error of the given kind wrapping err.
func New(kind Kind, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// WithPath creates an Error of the given kind that refers to path.
func WithPath(kind Kind, path string, err error) *Error {
	return &Error{Kind: kind, Path: path, Err: err}
}

// Error implements the error interface.
func (e *Error) Error() string {
	switch {
	case e.Kind == KindIO && e.Err != nil && e.Path == "":
		return e.Err.Error()
	case e.Path != "" && e.Err != nil:
		return fmt.Sprintf("%s: %v: %v", e.Path, e.Kind.Sentinel(), e.Err)
	case e.Path != "":
		return fmt.Sprintf("%s: %v", e.Path, e.Kind.Sentinel())
	case e.Err != nil:
		return fmt.Sprintf("%v: %v", e.Kind.Sentinel(), e.Err)
	default:
		return fmt.Sprint(e.Kind.Sentinel())
	}
}

// Unwrap exposes both the kind's sentinel and the cause to errors.Is and
// errors.As.
func (e *Error) Unwrap() []error {
	errs := make([]error, 0, 2)
	if s := e.Kind.Sentinel(); s != nil {
		errs = append(errs, s)
	}
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	return errs
}
