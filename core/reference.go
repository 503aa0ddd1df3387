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

	"github.com/distribution/reference"
	"github.com/opencontainers/go-digest"
)

// Reference is a normalized image reference: a repository name plus either a
// tag or a digest. References without either default to the "latest" tag.
type Reference struct {
	named reference.Named
}

// ParseReference parses and normalizes s, e.g. "alpine" becomes "alpine:latest".
func ParseReference(s string) (Reference, error) {
	named, err := reference.ParseNormalizedNamed(s)
	if err != nil {
		return Reference{}, fmt.Errorf("parse reference %q: %s", s, err)
	}
	return Reference{reference.TagNameOnly(named)}, nil
}

// String returns the short form of r, which is also its cache index key.
func (r Reference) String() string {
	if r.named == nil {
		return ""
	}
	return reference.FamiliarString(r.named)
}

// Repository returns the short repository name of r, e.g. "alpine".
func (r Reference) Repository() string {
	if r.named == nil {
		return ""
	}
	return reference.FamiliarName(r.named)
}

// Tag returns the tag of r, or "" if r is pinned by digest.
func (r Reference) Tag() string {
	if t, ok := r.named.(reference.Tagged); ok {
		return t.Tag()
	}
	return ""
}

// Digest returns the digest of r, or "" if r is a tag reference.
func (r Reference) Digest() digest.Digest {
	if c, ok := r.named.(reference.Canonical); ok {
		return c.Digest()
	}
	return ""
}

// IsZero returns true if r was not produced by ParseReference.
func (r Reference) IsZero() bool {
	return r.named == nil
}
