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
package dockerarchive

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/lib/store/base"
	"github.com/uber/imagestore/lib/store/paths"
	"github.com/uber/imagestore/utils/log"

	"github.com/moby/go-archive"
	"github.com/uber-go/tally"
)

// repositories is the top-level manifest of a "docker save" archive, mapping
// repository to tag to top layer id.
type repositories map[string]map[string]string

// layerManifest is the subset of <layer id>/json needed to order layers.
type layerManifest struct {
	ID     string `json:"id"`
	Parent string `json:"parent,omitempty"`
}

// Extractor unpacks "docker save" archives found in a local discovery
// directory into staging sessions.
type Extractor struct {
	config Config
	stats  tally.Scope
}

// New creates a new Extractor.
func New(config Config, stats tally.Scope) (*Extractor, error) {
	config = config.applyDefaults()
	if config.DiscoveryDir == "" {
		return nil, base.InvalidArgumentf("empty discovery dir")
	}
	stats = stats.Tagged(map[string]string{
		"module": "dockerarchive",
	})
	return &Extractor{config, stats}, nil
}

// Extract unpacks the archive src into session and returns the layers of ref,
// base to top. Each layer ends up extracted into its rootfs directory.
func (e *Extractor) Extract(
	ctx context.Context,
	ref core.Reference,
	src core.ArchiveSource,
	session string) ([]core.LayerID, error) {

	tarPath, err := paths.LocalImageTarPath(e.config.DiscoveryDir, src.Name)
	if err != nil {
		return nil, err
	}
	if src.Digest != "" {
		if err := verify(ctx, tarPath, src); err != nil {
			return nil, err
		}
	}
	if err := untarFile(ctx, tarPath, session); err != nil {
		return nil, fmt.Errorf("untar image %s: %s", src.Name, err)
	}

	top, err := e.topLayer(session, ref)
	if err != nil {
		return nil, err
	}
	ids, err := e.layerChain(session, top)
	if err != nil {
		return nil, err
	}
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if err := e.extractLayer(ctx, session, id); err != nil {
			return nil, fmt.Errorf("extract layer %s: %s", id, err)
		}
	}
	e.stats.Counter("extracted_layers").Inc(int64(len(ids)))
	log.With("ref", ref.String(), "source", src.String(), "layers", len(ids)).Info("Extracted image archive")
	return ids, nil
}

func verify(ctx context.Context, tarPath string, src core.ArchiveSource) error {
	if err := src.Digest.Validate(); err != nil {
		return fmt.Errorf("archive digest: %s", err)
	}
	f, err := os.Open(tarPath)
	if err != nil {
		return fmt.Errorf("open archive: %s", err)
	}
	defer f.Close()

	v := src.Digest.Verifier()
	if _, err := io.Copy(v, &ctxReader{ctx, f}); err != nil {
		return fmt.Errorf("digest archive: %s", err)
	}
	if !v.Verified() {
		return fmt.Errorf("archive %s does not match digest %s", src.Name, src.Digest)
	}
	return nil
}

// topLayer resolves ref against the repositories manifest of the archive.
func (e *Extractor) topLayer(session string, ref core.Reference) (core.LayerID, error) {
	p, err := paths.LocalImageRepositoriesManifestPath(session)
	if err != nil {
		return "", err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return "", fmt.Errorf("read repositories: %s", err)
	}
	var repos repositories
	if err := json.Unmarshal(b, &repos); err != nil {
		return "", fmt.Errorf("parse repositories: %s", err)
	}
	for repo, tags := range repos {
		for tag, id := range tags {
			r, err := core.ParseReference(repo + ":" + tag)
			if err != nil {
				log.With("repo", repo, "tag", tag).Warnf("Skipping invalid repositories entry: %s", err)
				continue
			}
			if r.String() == ref.String() {
				return core.NewLayerID(id)
			}
		}
	}
	return "", fmt.Errorf("archive does not contain %s", ref)
}

// layerChain walks parent links from top and returns the chain base to top.
func (e *Extractor) layerChain(session string, top core.LayerID) ([]core.LayerID, error) {
	var chain []core.LayerID
	seen := make(map[core.LayerID]bool)
	for id := top; id != ""; {
		if seen[id] {
			return nil, fmt.Errorf("layer %s: parent cycle", id)
		}
		if len(chain) == e.config.MaxLayers {
			return nil, fmt.Errorf("image exceeds %d layers", e.config.MaxLayers)
		}
		seen[id] = true
		chain = append(chain, id)

		m, err := readLayerManifest(session, id)
		if err != nil {
			return nil, err
		}
		if m.ID != "" && m.ID != string(id) {
			return nil, fmt.Errorf("layer %s: manifest has id %s", id, m.ID)
		}
		if m.Parent == "" {
			break
		}
		parent, err := core.NewLayerID(m.Parent)
		if err != nil {
			return nil, fmt.Errorf("layer %s: parent: %s", id, err)
		}
		id = parent
	}
	for i, j := 0, len(chain)-1; i < j; i, j = i+1, j-1 {
		chain[i], chain[j] = chain[j], chain[i]
	}
	return chain, nil
}

func readLayerManifest(session string, id core.LayerID) (layerManifest, error) {
	var m layerManifest
	p, err := paths.LayerManifestPath(session, id)
	if err != nil {
		return m, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		return m, fmt.Errorf("read layer manifest: %s", err)
	}
	if err := json.Unmarshal(b, &m); err != nil {
		return m, fmt.Errorf("parse layer manifest %s: %s", id, err)
	}
	return m, nil
}

func (e *Extractor) extractLayer(ctx context.Context, session string, id core.LayerID) error {
	tarPath, err := paths.LayerTarPath(session, id)
	if err != nil {
		return err
	}
	rootfs, err := paths.LayerRootfsPath(session, id)
	if err != nil {
		return err
	}
	if err := os.Mkdir(rootfs, base.DefaultDirPermission); err != nil {
		return err
	}
	if err := untarFile(ctx, tarPath, rootfs); err != nil {
		return err
	}
	if !e.config.KeepLayerTars {
		if err := os.Remove(tarPath); err != nil {
			return err
		}
	}
	return nil
}

// untarFile unpacks the tar at p into dest, preserving whiteout entries so
// the layer can later be composed into a union filesystem.
func untarFile(ctx context.Context, p, dest string) error {
	f, err := os.Open(p)
	if err != nil {
		return err
	}
	defer f.Close()

	return archive.Untar(&ctxReader{ctx, f}, dest, &archive.TarOptions{NoLchown: true})
}

// ctxReader fails reads once ctx is done, which aborts long extractions.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (r *ctxReader) Read(p []byte) (int, error) {
	if err := r.ctx.Err(); err != nil {
		return 0, err
	}
	return r.r.Read(p)
}
