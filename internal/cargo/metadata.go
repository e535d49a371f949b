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

package cargo

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"

	"golang.org/x/mod/semver"

	"github.com/deep-rent/cdylib/internal/fault"
)

// minOffline is the first cargo release that accepts --offline.
const minOffline = "v1.36.0"

// Metadata is the subset of `cargo metadata` output needed to place an
// ephemeral unit.
type Metadata struct {
	TargetDirectory string `json:"target_directory"`
	WorkspaceRoot   string `json:"workspace_root"`
}

// Metadata queries cargo for the target directory and workspace root of
// the project in dir.
func (d *Driver) Metadata(ctx context.Context, dir string) (*Metadata, error) {
	cmd := exec.CommandContext(ctx, d.program,
		"metadata", "--format-version=1", "--no-deps",
	)
	cmd.Dir = dir
	cmd.Env = d.environ

	out, err := cmd.Output()
	if err != nil {
		var exit *exec.ExitError
		if errors.As(err, &exit) {
			msg := strings.TrimSpace(string(exit.Stderr))
			return nil, fault.New(fault.KindMetadata, fmt.Errorf("%w: %s", err, msg))
		}
		return nil, fault.New(fault.KindInvoke, err)
	}

	var md Metadata
	if err := json.Unmarshal(out, &md); err != nil {
		return nil, fault.New(fault.KindMetadata, err)
	}
	if md.TargetDirectory == "" || md.WorkspaceRoot == "" {
		return nil, fault.New(fault.KindMetadata,
			errors.New("missing target_directory or workspace_root"),
		)
	}
	return &md, nil
}

// Version returns the version of cargo in canonical semver form, such as
// "v1.80.0" or "v1.82.0-nightly".
func (d *Driver) Version(ctx context.Context) (string, error) {
	cmd := exec.CommandContext(ctx, d.program, "--version")
	cmd.Env = d.environ
	out, err := cmd.Output()
	if err != nil {
		return "", fault.New(fault.KindInvoke, err)
	}
	return ParseVersion(out)
}

// ParseVersion extracts the version from the output of `cargo --version`,
// e.g. "cargo 1.75.0 (1d8b05cdd 2023-11-20)".
func ParseVersion(out []byte) (string, error) {
	fields := bytes.Fields(out)
	if len(fields) < 2 || string(fields[0]) != "cargo" {
		return "", fmt.Errorf("unrecognized version string %q", bytes.TrimSpace(out))
	}
	v := "v" + string(fields[1])
	if !semver.IsValid(v) {
		return "", fmt.Errorf("invalid cargo version %q", fields[1])
	}
	return semver.Canonical(v), nil
}

// supportsOffline reports whether the configured cargo accepts --offline.
// When the version cannot be determined, it assumes that it does.
func (d *Driver) supportsOffline(ctx context.Context) bool {
	v, err := d.Version(ctx)
	if err != nil {
		d.logger.Debug("Could not determine cargo version", "error", err)
		return true
	}
	if semver.Compare(v, minOffline) < 0 {
		d.logger.Warn("Cargo is too old for offline builds",
			"version", v,
			"required", minOffline,
		)
		return false
	}
	return true
}
