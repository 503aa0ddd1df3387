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
package store

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/lib/store/base"
	"github.com/uber/imagestore/lib/store/cacheindex"
	"github.com/uber/imagestore/lib/store/layerstore"
	"github.com/uber/imagestore/lib/store/paths"
	"github.com/uber/imagestore/lib/store/staging"
	"github.com/uber/imagestore/utils/lockermap"
	"github.com/uber/imagestore/utils/log"

	"github.com/andres-erbsen/clock"
	"github.com/uber-go/tally"
)

// Option defines an optional ImageStore parameter.
type Option func(*ImageStore)

// WithClock overrides the clock used for timing store operations.
func WithClock(clk clock.Clock) Option {
	return func(s *ImageStore) { s.clk = clk }
}

// ImageStore turns fetched image archives into published, deduplicated layers
// and remembers which layers make up each image.
//
// Storing an image allocates a private staging session, extracts the archive
// into it, publishes every layer into the shared layers directory and finally
// records the image in the index. The staging session is released on every
// exit path and the index is only touched once every layer is published, so a
// failed store leaves nothing behind and may simply be retried.
type ImageStore struct {
	config    Config
	stats     tally.Scope
	clk       clock.Clock
	extractor Extractor

	staging *staging.Area
	layers  *layerstore.LayerStore
	index   *cacheindex.Index

	// locks holds one exclusive section per image reference being stored.
	locks lockermap.Map
}

// New creates an ImageStore rooted at config.RootDir, recovering from any
// previous crash: stale staging sessions and publish temporaries are removed,
// and index entries whose layers are missing are dropped.
func New(
	config Config, stats tally.Scope, extractor Extractor, opts ...Option) (*ImageStore, error) {

	stats = stats.Tagged(map[string]string{
		"module": "imagestore",
	})

	rootfses, err := paths.RootfsesDir(config.RootDir)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(rootfses, base.DefaultDirPermission); err != nil {
		return nil, base.IOError("mkdir rootfses dir", err)
	}
	area, err := staging.New(config.Staging, config.RootDir, stats)
	if err != nil {
		return nil, fmt.Errorf("staging: %w", err)
	}
	layers, err := layerstore.New(config.RootDir, stats)
	if err != nil {
		return nil, fmt.Errorf("layer store: %w", err)
	}
	index, err := cacheindex.New(config.Index, config.RootDir, stats)
	if err != nil {
		return nil, fmt.Errorf("index: %w", err)
	}

	s := &ImageStore{
		config:    config,
		stats:     stats,
		clk:       clock.New(),
		extractor: extractor,
		staging:   area,
		layers:    layers,
		index:     index,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.pruneIndex()
	return s, nil
}

// pruneIndex drops index entries referring to layers which are not fully
// published, e.g. because they were removed by hand.
func (s *ImageStore) pruneIndex() {
	dropped := s.index.Prune(func(ref string, ids []core.LayerID) bool {
		for _, id := range ids {
			ok, err := s.layers.Exists(id)
			if err != nil || !ok {
				return false
			}
		}
		return true
	})
	for _, ref := range dropped {
		log.With("ref", ref).Warn("Dropped index entry with missing layers")
	}
}

// StoreImage stores the image ref from src and returns its layer ids, base to
// top. If ref is already stored, its layers are returned without any disk
// I/O. Concurrent calls for the same ref perform the work once: later callers
// wait for the in-flight call and reuse its result.
//
// Failures wrap one of base.ErrInvalidArgument, base.ErrIO or
// base.ErrExtractionFailed, except that giving up on ctx while waiting for an
// in-flight store of ref returns the ctx error.
func (s *ImageStore) StoreImage(
	ctx context.Context, ref string, src core.ArchiveSource) ([]core.LayerID, error) {

	r, err := core.ParseReference(ref)
	if err != nil {
		return nil, base.InvalidArgumentf("%s", err)
	}
	key := r.String()

	if ids, ok := s.index.Lookup(key); ok {
		s.stats.Counter("cache_hits").Inc(1)
		return ids, nil
	}
	s.stats.Counter("cache_misses").Inc(1)

	if err := s.locks.Lock(ctx, key); err != nil {
		return nil, fmt.Errorf("waiting for in-flight store of %s: %w", key, err)
	}
	defer s.locks.Unlock(key)

	if ids, ok := s.index.Lookup(key); ok {
		s.stats.Counter("waited_for_inflight").Inc(1)
		return ids, nil
	}

	start := s.clk.Now()
	ids, err := s.store(ctx, r, src)
	if err != nil {
		s.stats.Counter("store_errors").Inc(1)
		log.With("ref", key, "source", src.String()).Errorf("Error storing image: %s", err)
		return nil, err
	}
	s.stats.Timer("store_image").Record(s.clk.Now().Sub(start))
	log.With("ref", key, "layers", ids).Info("Stored image")
	return ids, nil
}

func (s *ImageStore) store(
	ctx context.Context, r core.Reference, src core.ArchiveSource) ([]core.LayerID, error) {

	session, err := s.staging.Allocate()
	if err != nil {
		return nil, err
	}
	defer func() {
		if err := s.staging.Release(session); err != nil {
			log.With("session", session.Dir).Errorf("Error releasing staging session: %s", err)
		}
	}()

	ids, err := s.extractor.Extract(ctx, r, src, session.Dir)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrExtractionFailed, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %w", base.ErrExtractionFailed, err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("%w: no layers extracted for %s", base.ErrExtractionFailed, r)
	}

	for _, id := range ids {
		dir, err := paths.LocalImageLayerDir(session.Dir, id)
		if err != nil {
			return nil, fmt.Errorf("%w: %s", base.ErrExtractionFailed, err)
		}
		res, err := s.layers.Publish(id, dir)
		if err != nil {
			if errors.Is(err, base.ErrInvalidArgument) {
				return nil, fmt.Errorf("%w: layer %s: %s", base.ErrExtractionFailed, id, err)
			}
			return nil, fmt.Errorf("publish layer %s: %w", id, err)
		}
		log.With("ref", r.String(), "layer", id, "result", res.String()).Debug("Publish done")
	}

	if err := s.index.Record(r.String(), ids); err != nil {
		return nil, err
	}
	return ids, nil
}

// Get returns the layer ids of ref, base to top, if ref is stored.
func (s *ImageStore) Get(ref string) ([]core.LayerID, bool) {
	r, err := core.ParseReference(ref)
	if err != nil {
		return nil, false
	}
	return s.index.Lookup(r.String())
}

// RootfsPaths returns the published rootfs of each layer of ref, base to top,
// for composition into a container root filesystem.
func (s *ImageStore) RootfsPaths(ref string) ([]string, error) {
	r, err := core.ParseReference(ref)
	if err != nil {
		return nil, base.InvalidArgumentf("%s", err)
	}
	ids, ok := s.index.Lookup(r.String())
	if !ok {
		return nil, fmt.Errorf("image %s: %w", r, os.ErrNotExist)
	}
	rootfs := make([]string, 0, len(ids))
	for _, id := range ids {
		p, err := s.layers.RootfsPath(id)
		if err != nil {
			return nil, err
		}
		rootfs = append(rootfs, p)
	}
	return rootfs, nil
}

// Images returns a snapshot of every stored image and its layer ids.
func (s *ImageStore) Images() map[string][]core.LayerID {
	return s.index.Images()
}

// RootDir returns the store root.
func (s *ImageStore) RootDir() string {
	return s.config.RootDir
}
