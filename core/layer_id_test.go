// Copyright (c) 2016-2019 Uber Technologies, Inc.
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
package core

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestLayerIDValidate(t *testing.T) {
	tests := []struct {
		desc  string
		input string
		valid bool
	}{
		{"short id", "a1", true},
		{"legacy hex id", strings.Repeat("ab", 32), true},
		{"digest", "sha256:" + strings.Repeat("0f", 32), true},
		{"empty", "", false},
		{"dot", ".", false},
		{"dot dot", "..", false},
		{"slash", "a/b", false},
		{"leading dash", "-a", false},
		{"bad digest", "sha256:xyz", false},
		{"too long", strings.Repeat("a", MaxLayerIDLength+1), false},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			_, err := NewLayerID(test.input)
			if test.valid {
				require.NoError(t, err)
			} else {
				require.Error(t, err)
			}
		})
	}
}

func TestLayerIDs(t *testing.T) {
	require := require.New(t)

	ids, err := LayerIDs("a1", "a2")
	require.NoError(err)
	require.Equal([]LayerID{"a1", "a2"}, ids)

	_, err = LayerIDs("a1", "")
	require.Equal(ErrEmptyLayerID, err)
}

func TestLayerIDFixtureIsValid(t *testing.T) {
	require.NoError(t, LayerIDFixture().Validate())
}
