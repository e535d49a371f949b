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

// Package project materializes the ephemeral Cargo package through which an
// arbitrary source file is built as a cdylib.
//
// Each {crate, fixture} pair owns the directory
// <target-dir>/cdylibs/<crate>/<fixture-stem>, which holds the synthesized
// Cargo.toml, a .cargo/config carrying the rustc flags, and the unit's own
// target directory.
package project

import (
	"bytes"
	"errors"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/deep-rent/cdylib/internal/fault"
	"github.com/deep-rent/cdylib/internal/flags"
	"github.com/deep-rent/cdylib/internal/manifest"
)

// Host describes the project a fixture is built against.
type Host struct {
	// Name is the host package name.
	Name string
	// Dir is the directory holding the host's Cargo.toml.
	Dir string
	// TargetDir is the host's cargo target directory.
	TargetDir string
	// WorkspaceRoot is the root of the host's workspace.
	WorkspaceRoot string
	// Features is the requested feature selection. Nil means defaults.
	Features []string
	// Manifest is the host's parsed manifest.
	Manifest *manifest.Manifest
	// Workspace is the parsed manifest at WorkspaceRoot.
	Workspace *manifest.Manifest
}

// Project is a materialized ephemeral unit.
type Project struct {
	// Dir is the directory holding the unit's Cargo.toml.
	Dir string
	// Name is the unit's package name, <crate>-cdylib-<stem>.
	Name string
	// LibPath is the absolute path of the compiled source file.
	LibPath string
	// TargetDir is the unit's own cargo target directory.
	TargetDir string
	// Workspace is the host's workspace root.
	Workspace string
	// Features is the host selection restricted to the features the unit
	// declares. Nil means defaults.
	Features []string
	// Manifest is the synthesized manifest.
	Manifest *manifest.Manifest
}

// Names of the files written into a unit.
const (
	ConfigDir  = ".cargo"
	ConfigFile = "config"
)

// CheckSource verifies that the fixture at path exists. It touches nothing
// on disk, so a request that can never succeed leaves no scratch state.
func CheckSource(path string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.Open(path)
	if err != nil {
		return fault.WithPath(fault.KindNotFound, path, err)
	}
	return f.Close()
}

// Locate returns the directory and package name of the unit that builds src
// for host. Both depend only on the host name and the file stem of src.
func Locate(host Host, src string) (dir, name string) {
	stem := strings.TrimSuffix(filepath.Base(src), filepath.Ext(src))
	dir = filepath.Join(host.TargetDir, "cdylibs", host.Name, stem)
	name = host.Name + "-cdylib-" + stem
	return dir, name
}

// Prepare synthesizes the unit for the source file src and writes it to
// disk. The src path must be absolute. The rustflags are stored in the
// unit's cargo config.
func Prepare(host Host, src string, rustflags []string) (*Project, error) {
	if err := CheckSource(src); err != nil {
		return nil, err
	}

	dir, name := Locate(host, src)
	m := manifest.Synthesize(manifest.Input{
		CrateName: host.Name,
		UnitName:  name,
		SourceDir: host.Dir,
		LibPath:   src,
		Host:      host.Manifest,
		Workspace: host.Workspace,
	})

	data, err := m.Encode()
	if err != nil {
		return nil, err
	}
	conf, err := (&manifest.Config{Rustflags: rustflags}).Encode()
	if err != nil {
		return nil, err
	}

	p := &Project{
		Dir:       dir,
		Name:      name,
		LibPath:   src,
		TargetDir: filepath.Join(dir, "target"),
		Workspace: host.WorkspaceRoot,
		// Features the unit does not declare would make cargo reject the
		// build.
		Features: flags.Filter(host.Features, m.Features),
		Manifest: m,
	}

	if err := os.MkdirAll(filepath.Join(dir, ConfigDir), 0755); err != nil {
		return nil, fault.WithPath(fault.KindIO, dir, err)
	}
	if err := writeFile(filepath.Join(dir, ConfigDir, ConfigFile), conf); err != nil {
		return nil, err
	}
	if err := writeFile(filepath.Join(dir, manifest.File), data); err != nil {
		return nil, err
	}
	return p, nil
}

// writeFile replaces the content of path atomically. It leaves the file
// alone if it already has the given content, so that cargo does not see a
// modified manifest on every request.
func writeFile(path string, data []byte) error {
	cur, err := os.ReadFile(path)
	if err == nil && bytes.Equal(cur, data) {
		return nil
	}
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return fault.WithPath(fault.KindIO, path, err)
	}

	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		return fault.WithPath(fault.KindIO, tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fault.WithPath(fault.KindIO, path, err)
	}
	return nil
}
