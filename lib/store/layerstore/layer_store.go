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
package layerstore

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/lib/store/base"
	"github.com/uber/imagestore/lib/store/paths"
	"github.com/uber/imagestore/utils/log"

	"github.com/satori/go.uuid"
	"github.com/uber-go/tally"
)

const (
	_publishTmpPrefix = ".publish-"
	_manifest         = "json"
	_rootfs           = "rootfs"
)

// rename is swapped in tests to inject delays and failures.
var rename = os.Rename

// Result describes the outcome of a successful Publish.
type Result int

const (
	// Published means this call made the layer visible.
	Published Result = iota
	// AlreadyPublished means the layer was visible before this call, or a
	// concurrent call won the race to publish it.
	AlreadyPublished
)

func (r Result) String() string {
	switch r {
	case Published:
		return "published"
	case AlreadyPublished:
		return "already_published"
	default:
		return "unknown"
	}
}

// LayerStore owns <root>/layers. Layers enter it only through Publish, and
// are never modified once visible.
type LayerStore struct {
	root  string
	dir   string
	stats tally.Scope

	// repairMu serializes replacement of malformed layer directories.
	repairMu sync.Mutex
}

// New creates the layers directory if needed and removes publish temporaries
// left behind by a previous process.
func New(storeRoot string, stats tally.Scope) (*LayerStore, error) {
	stats = stats.Tagged(map[string]string{
		"module": "layerstore",
	})

	dir, err := paths.LayersDir(storeRoot)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, base.DefaultDirPermission); err != nil {
		return nil, base.IOError("mkdir layers dir", err)
	}
	s := &LayerStore{
		root:  storeRoot,
		dir:   dir,
		stats: stats,
	}
	if err := s.removePublishTemporaries(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *LayerStore) removePublishTemporaries() error {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return base.IOError("read layers dir", err)
	}
	for _, e := range entries {
		if !strings.HasPrefix(e.Name(), _publishTmpPrefix) {
			continue
		}
		p := filepath.Join(s.dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return base.IOError("remove publish temporary", err)
		}
		log.With("path", p).Info("Removed stale publish temporary")
	}
	return nil
}

// Dir returns the layers directory.
func (s *LayerStore) Dir() string {
	return s.dir
}

// Exists returns true if layer id is fully published.
func (s *LayerStore) Exists(id core.LayerID) (bool, error) {
	p, err := paths.ImageLayerRootfsPath(s.root, id)
	if err != nil {
		return false, err
	}
	return isDir(p)
}

// RootfsPath returns the published rootfs of layer id.
func (s *LayerStore) RootfsPath(id core.LayerID) (string, error) {
	return paths.ImageLayerRootfsPath(s.root, id)
}

// Publish makes the layer extracted under stagingLayerDir visible as
// layers/<id>. stagingLayerDir must contain a rootfs directory and may contain
// the layer manifest.
//
// The layer is assembled under a temporary sibling inside layers/ and then
// renamed to its final name, so layers/<id> is either absent or complete.
// Layers are immutable: if layers/<id> is already well-formed, nothing is
// written, and losing a rename race to a concurrent Publish of the same id is
// not an error.
func (s *LayerStore) Publish(id core.LayerID, stagingLayerDir string) (Result, error) {
	target, err := paths.ImageLayerDir(s.root, id)
	if err != nil {
		return 0, err
	}
	ok, err := isDir(filepath.Join(target, _rootfs))
	if err != nil {
		return 0, err
	}
	if ok {
		log.With("layer", id).Debug("Layer already published")
		s.stats.Counter("already_published").Inc(1)
		return AlreadyPublished, nil
	}

	srcRootfs := filepath.Join(stagingLayerDir, _rootfs)
	if ok, err := isDir(srcRootfs); err != nil {
		return 0, err
	} else if !ok {
		return 0, base.InvalidArgumentf("staged layer %s has no rootfs in %s", id, stagingLayerDir)
	}

	timer := s.stats.Timer("publish").Start()
	defer timer.Stop()

	res, err := s.publish(id, target, stagingLayerDir)
	if err != nil {
		s.stats.Counter("publish_errors").Inc(1)
		return 0, err
	}
	return res, nil
}

func (s *LayerStore) publish(id core.LayerID, target, stagingLayerDir string) (Result, error) {
	tmp := filepath.Join(s.dir, _publishTmpPrefix+uuid.NewV4().String())
	if err := os.Mkdir(tmp, base.DefaultDirPermission); err != nil {
		return 0, base.IOError("mkdir publish temporary", err)
	}
	defer func() {
		// No-op once tmp has been renamed into place.
		if err := os.RemoveAll(tmp); err != nil {
			log.With("path", tmp).Errorf("Error removing publish temporary: %s", err)
		}
	}()

	if err := rename(
		filepath.Join(stagingLayerDir, _rootfs), filepath.Join(tmp, _rootfs)); err != nil {
		return 0, base.IOError("move rootfs", err)
	}
	if err := rename(
		filepath.Join(stagingLayerDir, _manifest),
		filepath.Join(tmp, _manifest)); err != nil && !os.IsNotExist(err) {
		return 0, base.IOError("move manifest", err)
	}

	if err := rename(tmp, target); err != nil {
		if !os.IsExist(err) {
			return 0, base.IOError("rename into layers", err)
		}
		ok, statErr := isDir(filepath.Join(target, _rootfs))
		if statErr != nil {
			return 0, statErr
		}
		if !ok {
			return s.replaceMalformed(id, tmp, target)
		}
		// Another caller published the same id first. Ids are content-derived,
		// so its layer is identical to ours.
		log.With("layer", id).Info("Lost publish race, layer already published")
		s.stats.Counter("publish_race_lost").Inc(1)
		return AlreadyPublished, nil
	}
	log.With("layer", id).Info("Published layer")
	s.stats.Counter("published").Inc(1)
	return Published, nil
}

// replaceMalformed moves a layer directory without rootfs out of the way and
// renames tmp into its place. Only Publish renames into layers/, and it never
// produces such a directory, so it was left by something outside the store.
func (s *LayerStore) replaceMalformed(id core.LayerID, tmp, target string) (Result, error) {
	s.repairMu.Lock()
	defer s.repairMu.Unlock()

	// A concurrent repair may have already put a complete layer in place.
	if ok, err := isDir(filepath.Join(target, _rootfs)); err != nil {
		return 0, err
	} else if ok {
		s.stats.Counter("publish_race_lost").Inc(1)
		return AlreadyPublished, nil
	}

	aside := filepath.Join(s.dir, _publishTmpPrefix+uuid.NewV4().String())
	if err := rename(target, aside); err != nil && !os.IsNotExist(err) {
		return 0, base.IOError("move malformed layer aside", err)
	}
	defer func() {
		if err := os.RemoveAll(aside); err != nil {
			log.With("path", aside).Errorf("Error removing malformed layer: %s", err)
		}
	}()
	log.With("layer", id).Warn("Replacing malformed layer directory")
	s.stats.Counter("malformed_replaced").Inc(1)

	if err := rename(tmp, target); err != nil {
		if os.IsExist(err) {
			if ok, statErr := isDir(filepath.Join(target, _rootfs)); statErr == nil && ok {
				s.stats.Counter("publish_race_lost").Inc(1)
				return AlreadyPublished, nil
			}
		}
		return 0, base.IOError("rename into layers", err)
	}
	log.With("layer", id).Info("Published layer")
	s.stats.Counter("published").Inc(1)
	return Published, nil
}

func isDir(p string) (bool, error) {
	fi, err := os.Stat(p)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, base.IOError("stat", err)
	}
	return fi.IsDir(), nil
}
