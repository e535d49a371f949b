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

package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/gookit/color"

	"github.com/deep-rent/cdylib/build"
)

// WatchCmd rebuilds a source file whenever it or the host manifest changes.
type WatchCmd struct {
	Path     string        `arg:"" help:"Rust source file." type:"path"`
	Debounce time.Duration `help:"Quiet period before a rebuild." default:"200ms"`
}

func (c *WatchCmd) Run(g *Global) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() {
		_ = watcher.Close()
	}()

	dir, err := build.ProjectDir(g.Options...)
	if err != nil {
		return err
	}
	manifest := filepath.Join(dir, "Cargo.toml")

	// Editors often replace files instead of writing them in place, so the
	// parent directories are watched rather than the files.
	watched := map[string]bool{c.Path: true, manifest: true}
	for _, d := range []string{filepath.Dir(c.Path), dir} {
		if err := watcher.Add(d); err != nil {
			return fmt.Errorf("failed to watch %s: %w", d, err)
		}
	}

	c.rebuild(g)
	return c.loop(g.Context, watcher, watched, func() { c.rebuild(g) })
}

func (c *WatchCmd) loop(
	ctx context.Context,
	watcher *fsnotify.Watcher,
	watched map[string]bool,
	trigger func(),
) error {
	timer := time.NewTimer(c.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(ev, watched) {
				continue
			}
			timer.Reset(c.Debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			if errors.Is(err, fsnotify.ErrEventOverflow) {
				timer.Reset(c.Debounce)
				continue
			}
			return fmt.Errorf("watcher failed: %w", err)
		case <-timer.C:
			trigger()
		}
	}
}

func (c *WatchCmd) rebuild(g *Global) {
	lib, err := build.File(c.Path, g.options()...)
	if err != nil {
		if g.Context.Err() != nil {
			return
		}
		fmt.Fprintf(g.Stderr, "%s %v\n", color.Red.Sprint("failed"), err)
		return
	}
	fmt.Fprintf(g.Stderr, "%s %s\n", color.Green.Sprint("built"), c.Path)
	if err := g.print(Result{Kind: "file", Target: c.Path, Artifact: lib}); err != nil {
		g.Logger.Warn("Failed to print result", "error", err)
	}
}

// relevant reports whether ev changes the content of a watched file.
func relevant(ev fsnotify.Event, watched map[string]bool) bool {
	if !watched[filepath.Clean(ev.Name)] {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename)
}
