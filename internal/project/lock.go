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

package project

import (
	"os"
	"path/filepath"

	"github.com/deep-rent/cdylib/internal/fault"
)

// Lock takes an exclusive lock on the unit at dir and returns the function
// that releases it. The lock lives in a sibling file, dir + ".lock", so it
// can be taken before the unit directory exists. It serializes requests for
// the same unit across processes; requests for different units never
// contend.
func Lock(dir string) (func() error, error) {
	path := dir + ".lock"
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fault.WithPath(fault.KindIO, path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, fault.WithPath(fault.KindIO, path, err)
	}
	if err := lock(f); err != nil {
		_ = f.Close()
		return nil, fault.WithPath(fault.KindIO, path, err)
	}
	return func() error {
		defer f.Close()
		return unlock(f)
	}, nil
}
