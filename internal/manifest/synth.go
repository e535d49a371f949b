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

package manifest

import (
	"maps"
	"slices"
)

// Input carries everything Synthesize needs.
type Input struct {
	// CrateName is the host package name.
	CrateName string
	// UnitName is the package name of the synthesized unit.
	UnitName string
	// SourceDir is the host project directory.
	SourceDir string
	// LibPath is the absolute path of the source file to compile.
	LibPath string
	// Host is the host project's manifest.
	Host *Manifest
	// Workspace is the manifest of the host's workspace root. It may be the
	// same as Host. Only its patch and replace tables are used.
	Workspace *Manifest
}

// Synthesize builds the manifest of an ephemeral unit that compiles
// in.LibPath as a cdylib against the host crate and all of its regular and
// development dependencies.
func Synthesize(in Input) *Manifest {
	m := &Manifest{
		Package: Package{
			Name:    in.UnitName,
			Version: "0.0.0",
			Publish: false,
		},
		Lib: &Lib{
			CrateType: []string{"cdylib"},
			Path:      in.LibPath,
		},
		Features:     make(map[string][]string),
		Dependencies: make(Dependencies),
		Workspace:    &Workspace{},
	}

	if h := in.Host; h != nil {
		m.Package.Edition = h.Package.Edition
		for name := range h.Features {
			m.Features[name] = []string{in.CrateName + "/" + name}
		}
		maps.Copy(m.Dependencies, clone(h.Dependencies))
		maps.Copy(m.Dependencies, clone(h.DevDependencies))
	}

	// The host crate goes in last so that it replaces any dependency of the
	// same name. Its features are only ever enabled through the table above.
	m.Dependencies[in.CrateName] = Dependency{
		Path:            in.SourceDir,
		DefaultFeatures: false,
	}

	// Cargo applies [patch] and [replace] from the workspace root only.
	if ws := in.Workspace; ws != nil {
		if len(ws.Patch) != 0 {
			m.Patch = make(map[string]Dependencies, len(ws.Patch))
			for source, deps := range ws.Patch {
				m.Patch[source] = clone(deps)
			}
		}
		m.Replace = clone(ws.Replace)
	}

	return m
}

// clone copies the table so that the synthesized manifest shares no
// mutable state with its inputs.
func clone(deps Dependencies) Dependencies {
	if deps == nil {
		return nil
	}
	out := make(Dependencies, len(deps))
	for name, dep := range deps {
		dep.Features = slices.Clone(dep.Features)
		dep.Rest = maps.Clone(dep.Rest)
		out[name] = dep
	}
	return out
}
