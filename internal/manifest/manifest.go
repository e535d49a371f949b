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

// Package manifest models the parts of a Cargo manifest that matter for
// building a fixture as a shared library. It reads a host project's
// Cargo.toml, synthesizes the manifest of an ephemeral unit from it, and
// encodes the result back to TOML.
//
// # Usage
//
//	host, err := manifest.Load(dir)
//	if err != nil { ... }
//	ws, err := manifest.Load(workspaceRoot)
//	if err != nil { ... }
//	host.Inherit(ws)
//
//	m := manifest.Synthesize(manifest.Input{
//		CrateName: "demo",
//		UnitName:  "demo-cdylib-identity",
//		SourceDir: dir,
//		LibPath:   "/abs/path/to/tests/cdylibs/identity.rs",
//		Host:      host,
//		Workspace: ws,
//	})
//	data, err := m.Encode()
package manifest

import (
	"bytes"
	"maps"

	"github.com/BurntSushi/toml"
	"github.com/deep-rent/cdylib/internal/fault"
)

// File is the name of a Cargo manifest.
const File = "Cargo.toml"

// Dependencies maps dependency names to their specification.
type Dependencies map[string]Dependency

// Dependency is a single entry of a dependency table.
type Dependency struct {
	// Version is the version requirement, if any.
	Version string
	// Path is the absolute path of a local dependency, if any.
	Path string
	// DefaultFeatures reports whether the dependency's default features
	// are enabled.
	DefaultFeatures bool
	// Features lists extra features enabled on the dependency.
	Features []string
	// Workspace reports whether the entry inherits from the workspace's
	// dependency table.
	Workspace bool
	// Rest keeps all other keys (git, branch, optional, package, ...)
	// verbatim.
	Rest map[string]any
}

// Package is the [package] section.
type Package struct {
	Name    string
	Version string
	Edition string
	Publish bool
}

// Lib is the [lib] section.
type Lib struct {
	CrateType []string
	Path      string
}

// Workspace is the [workspace] section. The synthesized unit declares an
// empty one to become its own workspace root.
type Workspace struct {
	Members      []string
	Edition      string
	Dependencies Dependencies
}

// Manifest is a Cargo manifest.
type Manifest struct {
	Package         Package
	Lib             *Lib
	Features        map[string][]string
	Dependencies    Dependencies
	DevDependencies Dependencies
	Workspace       *Workspace
	Patch           map[string]Dependencies
	Replace         Dependencies

	// dir is the directory the manifest was loaded from.
	dir string
	// editionInherited is set when the package edition comes from the
	// workspace.
	editionInherited bool
}

// Dir returns the directory the manifest was loaded from, or an empty string
// for a synthesized manifest.
func (m *Manifest) Dir() string { return m.dir }

// Config is the content of a .cargo/config file.
type Config struct {
	Rustflags []string
}

// Encode renders the manifest as TOML.
func (m *Manifest) Encode() ([]byte, error) {
	root := map[string]any{}

	pkg := map[string]any{
		"name":    m.Package.Name,
		"version": m.Package.Version,
		"publish": m.Package.Publish,
	}
	if m.Package.Edition != "" {
		pkg["edition"] = m.Package.Edition
	}
	root["package"] = pkg

	if m.Lib != nil {
		lib := map[string]any{}
		if len(m.Lib.CrateType) != 0 {
			lib["crate-type"] = m.Lib.CrateType
		}
		if m.Lib.Path != "" {
			lib["path"] = m.Lib.Path
		}
		root["lib"] = lib
	}
	if m.Features != nil {
		root["features"] = m.Features
	}
	if len(m.Dependencies) != 0 {
		root["dependencies"] = m.Dependencies.tree()
	}
	if len(m.DevDependencies) != 0 {
		root["dev-dependencies"] = m.DevDependencies.tree()
	}
	if m.Workspace != nil {
		ws := map[string]any{}
		if m.Workspace.Members != nil {
			ws["members"] = m.Workspace.Members
		}
		root["workspace"] = ws
	}
	if len(m.Patch) != 0 {
		patch := make(map[string]any, len(m.Patch))
		for source, deps := range m.Patch {
			patch[source] = deps.tree()
		}
		root["patch"] = patch
	}
	if len(m.Replace) != 0 {
		root["replace"] = m.Replace.tree()
	}

	return encode(root)
}

// Encode renders the config as TOML.
func (c *Config) Encode() ([]byte, error) {
	flags := c.Rustflags
	if flags == nil {
		flags = []string{}
	}
	return encode(map[string]any{
		"build": map[string]any{"rustflags": flags},
	})
}

func encode(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return nil, fault.New(fault.KindManifest, err)
	}
	return buf.Bytes(), nil
}

// tree converts the table into the generic form understood by the encoder.
func (d Dependencies) tree() map[string]any {
	out := make(map[string]any, len(d))
	for name, dep := range d {
		out[name] = dep.tree()
	}
	return out
}

func (d Dependency) tree() map[string]any {
	out := make(map[string]any, len(d.Rest)+4)
	maps.Copy(out, d.Rest)
	if d.Version != "" {
		out["version"] = d.Version
	}
	if d.Path != "" {
		out["path"] = d.Path
	}
	if d.Workspace {
		out["workspace"] = true
	}
	if !d.DefaultFeatures {
		out["default-features"] = false
	}
	if len(d.Features) != 0 {
		out["features"] = d.Features
	}
	return out
}
