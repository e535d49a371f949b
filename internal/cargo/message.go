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
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"slices"
	"strings"

	"github.com/deep-rent/cdylib/internal/fault"
)

// Message reasons emitted by cargo with --message-format=json.
const (
	ReasonCompilerMessage  = "compiler-message"
	ReasonCompilerArtifact = "compiler-artifact"
)

// DylibExt is the file extension of shared libraries on this platform.
var DylibExt = dylibExt(runtime.GOOS)

func dylibExt(goos string) string {
	switch goos {
	case "darwin", "ios":
		return ".dylib"
	case "windows":
		return ".dll"
	default:
		return ".so"
	}
}

// maxLine bounds the size of a single message. Diagnostics for large macro
// expansions can be several megabytes long.
const maxLine = 64 << 20

// Message is one record of cargo's JSON message stream. Only the fields of
// the reasons this package understands are decoded.
type Message struct {
	Reason string `json:"reason"`

	// Set for ReasonCompilerMessage.
	Message *Diagnostic `json:"message,omitempty"`

	// Set for ReasonCompilerArtifact.
	PackageID string   `json:"package_id,omitempty"`
	Target    *Target  `json:"target,omitempty"`
	Filenames []string `json:"filenames,omitempty"`
	Fresh     bool     `json:"fresh,omitempty"`
}

// Diagnostic is a message from the compiler aimed at humans.
type Diagnostic struct {
	Message  string `json:"message"`
	Level    string `json:"level"`
	Rendered string `json:"rendered"`
}

// String returns the rendered form of the diagnostic, falling back to the
// bare message.
func (d *Diagnostic) String() string {
	if d.Rendered != "" {
		return d.Rendered
	}
	return d.Message
}

// Target identifies the compilation target an artifact belongs to.
type Target struct {
	Name       string   `json:"name"`
	Kind       []string `json:"kind"`
	CrateTypes []string `json:"crate_types"`
	SrcPath    string   `json:"src_path"`
}

// Artifact describes the files produced for one target.
type Artifact struct {
	PackageID string
	Target    Target
	Filenames []string
	Fresh     bool
}

// Interpret reads cargo's message stream from r until EOF. Diagnostics are
// written to diag as soon as they arrive. Every artifact record replaces the
// previously recorded one, because records for dependencies precede the
// record of the target being built. Lines that are not JSON objects and
// records of other reasons are skipped.
//
// It returns the last artifact, or nil if none was seen.
func Interpret(r io.Reader, diag io.Writer) (*Artifact, error) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64<<10), maxLine)

	var last *Artifact
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 || line[0] != '{' {
			continue
		}
		var msg Message
		if err := json.Unmarshal(line, &msg); err != nil {
			continue
		}
		switch msg.Reason {
		case ReasonCompilerMessage:
			if msg.Message == nil || diag == nil {
				continue
			}
			text := msg.Message.String()
			if !strings.HasSuffix(text, "\n") {
				text += "\n"
			}
			if _, err := io.WriteString(diag, text); err != nil {
				return last, fault.New(fault.KindIO, fmt.Errorf("write diagnostic: %w", err))
			}
		case ReasonCompilerArtifact:
			a := &Artifact{
				PackageID: msg.PackageID,
				Filenames: msg.Filenames,
				Fresh:     msg.Fresh,
			}
			if msg.Target != nil {
				a.Target = *msg.Target
			}
			last = a
		}
	}
	if err := sc.Err(); err != nil {
		return last, fault.New(fault.KindIO, fmt.Errorf("read cargo output: %w", err))
	}
	return last, nil
}

// Resolve turns the outcome of a build into the artifact path. A failed
// build never yields a path, even if artifact records were emitted before
// the failure. A successful build that emitted no artifact is a failure as
// well: the requested target was not built.
//
// Cargo lists the files of an artifact in the order of its crate types, so
// the shared library of a crate declared as ["rlib", "cdylib"] is not the
// first file. For cdylib targets, the first file with the platform's shared
// library extension is picked; otherwise the first file.
func Resolve(last *Artifact, exit error) (string, error) {
	if exit != nil {
		return "", fault.New(fault.KindBuild, exit)
	}
	if last == nil {
		return "", fault.New(fault.KindBuild, nil)
	}
	if len(last.Filenames) == 0 {
		return "", fault.New(fault.KindBuild, errors.New("artifact lists no files"))
	}
	if slices.Contains(last.Target.CrateTypes, "cdylib") {
		for _, name := range last.Filenames {
			if filepath.Ext(name) == DylibExt {
				return name, nil
			}
		}
	}
	return last.Filenames[0], nil
}
