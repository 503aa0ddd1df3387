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
package cacheindex

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/lib/store/base"
	"github.com/uber/imagestore/lib/store/paths"
	"github.com/uber/imagestore/utils/log"

	"github.com/moby/sys/atomicwriter"
	"github.com/uber-go/tally"
)

const _version = 1

type entry struct {
	Reference string         `json:"reference"`
	Layers    []core.LayerID `json:"layers"`
}

type document struct {
	Version int     `json:"version"`
	Images  []entry `json:"images"`
}

// Load reads the index persisted under storeRoot. A missing index is empty.
// An index which exists but cannot be parsed returns base.ErrCorruptIndex.
func Load(storeRoot string) (map[string][]core.LayerID, error) {
	p, err := paths.StoredImagesIndexPath(storeRoot)
	if err != nil {
		return nil, err
	}
	return load(p)
}

func load(p string) (map[string][]core.LayerID, error) {
	b, err := os.ReadFile(p)
	if err != nil {
		if os.IsNotExist(err) {
			return make(map[string][]core.LayerID), nil
		}
		return nil, base.IOError("read index", err)
	}
	var doc document
	if err := json.Unmarshal(b, &doc); err != nil {
		return nil, fmt.Errorf("%w: %s", base.ErrCorruptIndex, err)
	}
	if doc.Version != _version {
		return nil, fmt.Errorf("%w: unsupported version %d", base.ErrCorruptIndex, doc.Version)
	}
	images := make(map[string][]core.LayerID, len(doc.Images))
	for _, e := range doc.Images {
		if e.Reference == "" {
			return nil, fmt.Errorf("%w: empty reference", base.ErrCorruptIndex)
		}
		for _, id := range e.Layers {
			if err := id.Validate(); err != nil {
				return nil, fmt.Errorf("%w: %s: %s", base.ErrCorruptIndex, e.Reference, err)
			}
		}
		images[e.Reference] = e.Layers
	}
	return images, nil
}

func marshal(images map[string][]core.LayerID) ([]byte, error) {
	doc := document{
		Version: _version,
		Images:  make([]entry, 0, len(images)),
	}
	for ref, ids := range images {
		doc.Images = append(doc.Images, entry{ref, ids})
	}
	sort.Slice(doc.Images, func(i, j int) bool {
		return doc.Images[i].Reference < doc.Images[j].Reference
	})
	return json.MarshalIndent(doc, "", "  ")
}

// Index is the in-memory view of the persisted mapping from image reference
// to its base-to-top layer ids. Lookups never block on disk. Every Record
// rewrites the whole file through a temporary file and a rename, so readers
// of the file see either the previous or the next version.
type Index struct {
	config Config
	path   string
	stats  tally.Scope

	// writeMu serializes Record and Prune.
	writeMu sync.Mutex

	mu     sync.RWMutex
	images map[string][]core.LayerID
}

// New loads the index persisted under storeRoot. A corrupt index is logged
// and replaced by an empty one, which the next Record overwrites. Layer
// content is never touched.
func New(config Config, storeRoot string, stats tally.Scope) (*Index, error) {
	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "cacheindex",
	})

	p, err := paths.StoredImagesIndexPath(storeRoot)
	if err != nil {
		return nil, err
	}
	images, err := load(p)
	if err != nil {
		if !isCorrupt(err) {
			return nil, err
		}
		log.With("path", p).Warnf("Treating index as empty: %s", err)
		stats.Counter("corrupt_loads").Inc(1)
		images = make(map[string][]core.LayerID)
	}
	stats.Gauge("images").Update(float64(len(images)))
	return &Index{
		config: config,
		path:   p,
		stats:  stats,
		images: images,
	}, nil
}

// Path returns the location of the persisted index.
func (i *Index) Path() string {
	return i.path
}

// Lookup returns the layer ids recorded for ref.
func (i *Index) Lookup(ref string) ([]core.LayerID, bool) {
	i.mu.RLock()
	defer i.mu.RUnlock()

	ids, ok := i.images[ref]
	if !ok {
		return nil, false
	}
	return copyIDs(ids), true
}

// Images returns a snapshot of every recorded image.
func (i *Index) Images() map[string][]core.LayerID {
	i.mu.RLock()
	defer i.mu.RUnlock()

	snapshot := make(map[string][]core.LayerID, len(i.images))
	for ref, ids := range i.images {
		snapshot[ref] = copyIDs(ids)
	}
	return snapshot
}

// Len returns the number of recorded images.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return len(i.images)
}

// Record maps ref to ids and persists the whole index. The in-memory view is
// only updated once the new file is in place, so a failed Record leaves both
// untouched.
func (i *Index) Record(ref string, ids []core.LayerID) error {
	if ref == "" {
		return base.InvalidArgumentf("empty reference")
	}
	if len(ids) == 0 {
		return base.InvalidArgumentf("no layers for %s", ref)
	}
	for _, id := range ids {
		if err := id.Validate(); err != nil {
			return base.InvalidArgumentf("%s", err)
		}
	}

	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	next := i.Images()
	next[ref] = copyIDs(ids)
	if err := i.persist(next); err != nil {
		return err
	}
	i.swap(next)
	i.stats.Counter("records").Inc(1)
	return nil
}

// Prune drops every entry for which keep returns false from the in-memory
// view, and returns the dropped references. The file is rewritten by the next
// Record.
func (i *Index) Prune(keep func(ref string, ids []core.LayerID) bool) []string {
	i.writeMu.Lock()
	defer i.writeMu.Unlock()

	next := i.Images()
	var dropped []string
	for ref, ids := range next {
		if !keep(ref, ids) {
			delete(next, ref)
			dropped = append(dropped, ref)
		}
	}
	if len(dropped) > 0 {
		i.swap(next)
	}
	sort.Strings(dropped)
	return dropped
}

func (i *Index) persist(images map[string][]core.LayerID) error {
	b, err := marshal(images)
	if err != nil {
		return fmt.Errorf("marshal index: %s", err)
	}
	if err := atomicwriter.WriteFile(i.path, b, i.config.FileMode); err != nil {
		return base.IOError("write index", err)
	}
	return nil
}

func (i *Index) swap(images map[string][]core.LayerID) {
	i.mu.Lock()
	i.images = images
	i.mu.Unlock()

	i.stats.Gauge("images").Update(float64(len(images)))
}

func copyIDs(ids []core.LayerID) []core.LayerID {
	return append([]core.LayerID(nil), ids...)
}

func isCorrupt(err error) bool {
	return errors.Is(err, base.ErrCorruptIndex)
}
