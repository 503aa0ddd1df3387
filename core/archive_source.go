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
	"fmt"

	"github.com/opencontainers/go-digest"
)

// ArchiveSource identifies a fetched image archive awaiting extraction.
type ArchiveSource struct {
	// Name is the archive name inside the discovery directory, without the
	// ".tar" suffix.
	Name string `json:"name"`

	// Digest, if set, is the expected digest of the whole archive.
	Digest digest.Digest `json:"digest,omitempty"`
}

// NewArchiveSource returns an ArchiveSource for name, verified against d
// unless d is empty.
func NewArchiveSource(name string, d digest.Digest) (ArchiveSource, error) {
	if name == "" {
		return ArchiveSource{}, fmt.Errorf("empty archive name")
	}
	if d != "" {
		if err := d.Validate(); err != nil {
			return ArchiveSource{}, fmt.Errorf("invalid archive digest: %s", err)
		}
	}
	return ArchiveSource{Name: name, Digest: d}, nil
}

func (s ArchiveSource) String() string {
	if s.Digest == "" {
		return s.Name
	}
	return fmt.Sprintf("%s@%s", s.Name, s.Digest)
}
