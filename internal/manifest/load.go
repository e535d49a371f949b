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
	"fmt"
	"maps"
	"os"
	"path/filepath"
	"slices"

	"github.com/BurntSushi/toml"
	"github.com/deep-rent/cdylib/internal/fault"
)

// Load reads and parses the Cargo.toml found in dir. Relative dependency
// paths are made absolute against dir.
func Load(dir string) (*Manifest, error) {
	path := filepath.Join(dir, File)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.WithPath(fault.KindIO, path, err)
	}
	m, err := Parse(data, dir)
	if err != nil {
		return nil, fault.WithPath(fault.KindManifest, path, err)
	}
	return m, nil
}

// Parse decodes the TOML manifest in data. The dir argument is used to
// resolve relative dependency paths.
func Parse(data []byte, dir string) (*Manifest, error) {
	var raw map[string]any
	if _, err := toml.Decode(string(data), &raw); err != nil {
		return nil, err
	}

	m := &Manifest{dir: dir}

	if pkg, ok := raw["package"].(map[string]any); ok {
		m.Package.Name, _ = pkg["name"].(string)
		m.Package.Version, _ = pkg["version"].(string)
		switch e := pkg["edition"].(type) {
		case string:
			m.Package.Edition = e
		case map[string]any:
			m.editionInherited, _ = e["workspace"].(bool)
		}
	}

	if features, ok := raw["features"].(map[string]any); ok {
		m.Features = make(map[string][]string, len(features))
		for name, v := range features {
			m.Features[name] = stringList(v)
		}
	}

	var err error
	if m.Dependencies, err = table(raw, dir, "dependencies"); err != nil {
		return nil, err
	}
	if m.DevDependencies, err = table(raw, dir, "dev-dependencies", "dev_dependencies"); err != nil {
		return nil, err
	}
	if m.Replace, err = table(raw, dir, "replace"); err != nil {
		return nil, err
	}

	if patch, ok := raw["patch"].(map[string]any); ok {
		m.Patch = make(map[string]Dependencies, len(patch))
		for source, v := range patch {
			deps, err := table(map[string]any{source: v}, dir, source)
			if err != nil {
				return nil, fmt.Errorf("patch.%s: %w", source, err)
			}
			m.Patch[source] = deps
		}
	}

	if ws, ok := raw["workspace"].(map[string]any); ok {
		m.Workspace = &Workspace{Members: stringList(ws["members"])}
		if pkg, ok := ws["package"].(map[string]any); ok {
			m.Workspace.Edition, _ = pkg["edition"].(string)
		}
		if m.Workspace.Dependencies, err = table(ws, dir, "dependencies"); err != nil {
			return nil, fmt.Errorf("workspace: %w", err)
		}
	}

	return m, nil
}

// Inherit resolves the entries that refer to the workspace: dependencies
// declared with workspace = true and an inherited package edition. It is a
// no-op when ws declares no workspace.
func (m *Manifest) Inherit(ws *Manifest) {
	if ws == nil || ws.Workspace == nil {
		return
	}
	if m.editionInherited && m.Package.Edition == "" {
		m.Package.Edition = ws.Workspace.Edition
	}
	inherit(m.Dependencies, ws.Workspace.Dependencies)
	inherit(m.DevDependencies, ws.Workspace.Dependencies)
}

func inherit(deps, base Dependencies) {
	for name, dep := range deps {
		if !dep.Workspace {
			continue
		}
		b, ok := base[name]
		if !ok {
			continue
		}
		merged := b
		merged.Features = union(b.Features, dep.Features)
		merged.Rest = maps.Clone(b.Rest)
		if merged.Rest == nil && len(dep.Rest) != 0 {
			merged.Rest = make(map[string]any, len(dep.Rest))
		}
		maps.Copy(merged.Rest, dep.Rest)
		deps[name] = merged
	}
}

// table reads the first present key of keys as a dependency table. Later
// keys are merged into the first one; the first one wins on conflict.
func table(raw map[string]any, dir string, keys ...string) (Dependencies, error) {
	var out Dependencies
	for _, key := range slices.Backward(keys) {
		v, ok := raw[key]
		if !ok {
			continue
		}
		entries, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s: expected a table", key)
		}
		if out == nil {
			out = make(Dependencies, len(entries))
		}
		for name, entry := range entries {
			dep, err := dependency(entry, dir)
			if err != nil {
				return nil, fmt.Errorf("%s.%s: %w", key, name, err)
			}
			out[name] = dep
		}
	}
	return out, nil
}

// dependency decodes a single dependency, which is either a version string
// or a table.
func dependency(v any, dir string) (Dependency, error) {
	dep := Dependency{DefaultFeatures: true}
	switch t := v.(type) {
	case string:
		dep.Version = t
		return dep, nil
	case map[string]any:
		for key, val := range t {
			switch key {
			case "version":
				dep.Version, _ = val.(string)
			case "path":
				p, _ := val.(string)
				if p != "" && !filepath.IsAbs(p) {
					p = filepath.Join(dir, p)
				}
				dep.Path = p
			case "default-features", "default_features":
				if b, ok := val.(bool); ok {
					dep.DefaultFeatures = b
				}
			case "features":
				dep.Features = stringList(val)
			case "workspace":
				dep.Workspace, _ = val.(bool)
			default:
				if dep.Rest == nil {
					dep.Rest = make(map[string]any)
				}
				dep.Rest[key] = val
			}
		}
		return dep, nil
	default:
		return dep, fmt.Errorf("unexpected value of type %T", v)
	}
}

// stringList converts a decoded TOML array into a string slice, skipping
// non-string elements.
func stringList(v any) []string {
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(arr))
	for _, e := range arr {
		if s, ok := e.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

// union appends the elements of b missing from a.
func union(a, b []string) []string {
	out := slices.Clone(a)
	for _, s := range b {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}
