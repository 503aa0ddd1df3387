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
	_ "crypto/sha256" // Registers sha256 for digest validation.
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/opencontainers/go-digest"
)

// MaxLayerIDLength bounds layer ids so they remain valid single path elements.
const MaxLayerIDLength = 255

// ErrEmptyLayerID is returned when validating an empty layer id.
var ErrEmptyLayerID = errors.New("empty layer id")

var _layerIDRegexp = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.:+-]*$`)

// LayerID is an opaque, content-derived identifier of one filesystem layer.
// Two layers with the same LayerID have byte-identical content, which makes
// LayerID the sole deduplication key of the layer store.
//
// Both legacy docker ids (64 hex characters) and digest strings
// ("sha256:<hex>") are accepted.
type LayerID string

// NewLayerID validates s and returns it as a LayerID.
func NewLayerID(s string) (LayerID, error) {
	id := LayerID(s)
	if err := id.Validate(); err != nil {
		return "", err
	}
	return id, nil
}

// Validate returns an error if id cannot be used as a single path element.
func (id LayerID) Validate() error {
	s := string(id)
	if s == "" {
		return ErrEmptyLayerID
	}
	if len(s) > MaxLayerIDLength {
		return fmt.Errorf("layer id exceeds %d characters", MaxLayerIDLength)
	}
	if !_layerIDRegexp.MatchString(s) {
		return fmt.Errorf("layer id %q contains invalid characters", s)
	}
	if strings.Contains(s, ":") {
		if err := digest.Digest(s).Validate(); err != nil {
			return fmt.Errorf("layer id %q: %s", s, err)
		}
	}
	return nil
}

func (id LayerID) String() string {
	return string(id)
}

// LayerIDs converts strings to LayerIDs, failing on the first invalid one.
func LayerIDs(ss ...string) ([]LayerID, error) {
	ids := make([]LayerID, 0, len(ss))
	for _, s := range ss {
		id, err := NewLayerID(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}
