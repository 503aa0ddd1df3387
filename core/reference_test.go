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

func TestParseReference(t *testing.T) {
	dgst := "sha256:" + strings.Repeat("0f", 32)

	tests := []struct {
		input      string
		expected   string
		repository string
		tag        string
	}{
		{"alpine:3.5", "alpine:3.5", "alpine", "3.5"},
		{"alpine", "alpine:latest", "alpine", "latest"},
		{"docker.io/library/alpine:3.5", "alpine:3.5", "alpine", "3.5"},
		{"quay.io/coreos/etcd:v3", "quay.io/coreos/etcd:v3", "quay.io/coreos/etcd", "v3"},
		{"busybox@" + dgst, "busybox@" + dgst, "busybox", ""},
	}
	for _, test := range tests {
		t.Run(test.input, func(t *testing.T) {
			require := require.New(t)

			r, err := ParseReference(test.input)
			require.NoError(err)
			require.Equal(test.expected, r.String())
			require.Equal(test.repository, r.Repository())
			require.Equal(test.tag, r.Tag())
			require.False(r.IsZero())
		})
	}
}

func TestParseReferenceDigest(t *testing.T) {
	require := require.New(t)

	dgst := "sha256:" + strings.Repeat("0f", 32)
	r, err := ParseReference("busybox@" + dgst)
	require.NoError(err)
	require.Equal(dgst, r.Digest().String())
}

func TestParseReferenceErrors(t *testing.T) {
	for _, input := range []string{"", "UPPER:case", "foo bar", "foo@sha256:bad"} {
		t.Run(input, func(t *testing.T) {
			_, err := ParseReference(input)
			require.Error(t, err)
		})
	}
}

func TestZeroReference(t *testing.T) {
	require := require.New(t)

	var r Reference
	require.True(r.IsZero())
	require.Equal("", r.String())
	require.Equal("", r.Tag())
}
