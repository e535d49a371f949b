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

package build

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKey(t *testing.T) {
	base := key("/t/cdylibs/demo/identity", "cargo", []string{"-C", "relocation-model=pic"}, nil)

	assert.Equal(t, base, key("/t/cdylibs/demo/identity", "cargo", []string{"-C", "relocation-model=pic"}, nil))

	others := []string{
		key("/t/cdylibs/demo/other", "cargo", []string{"-C", "relocation-model=pic"}, nil),
		key("/t/cdylibs/demo/identity", "/opt/cargo", []string{"-C", "relocation-model=pic"}, nil),
		key("/t/cdylibs/demo/identity", "cargo", []string{"-C", "relocation-model=pic", "--cfg", "x"}, nil),
		key("/t/cdylibs/demo/identity", "cargo", []string{"-C", "relocation-model=pic"}, []string{}),
		key("/t/cdylibs/demo/identity", "cargo", []string{"-C", "relocation-model=pic"}, []string{"std"}),
	}
	for _, k := range others {
		assert.NotEqual(t, base, k)
	}
	assert.NotEqual(t, others[3], others[4])
}
