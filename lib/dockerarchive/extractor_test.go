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
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/lib/store"

	"github.com/moby/go-archive"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

var _ store.Extractor = (*Extractor)(nil)

type testLayer struct {
	id     string
	parent string
	files  map[string]string
}

func tarDir(t *testing.T, dir, dest string) {
	rc, err := archive.TarWithOptions(dir, &archive.TarOptions{})
	require.NoError(t, err)
	defer rc.Close()

	f, err := os.Create(dest)
	require.NoError(t, err)
	defer f.Close()

	_, err = io.Copy(f, rc)
	require.NoError(t, err)
}

func writeJSON(t *testing.T, p string, v interface{}) {
	b, err := json.Marshal(v)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(p, b, 0644))
}

// writeImageArchive writes a "docker save" style archive <discoveryDir>/<name>.tar.
func writeImageArchive(
	t *testing.T, discoveryDir, name string, repos repositories, layers []testLayer) string {

	src := t.TempDir()
	writeJSON(t, filepath.Join(src, "repositories"), repos)
	for _, l := range layers {
		dir := filepath.Join(src, l.id)
		require.NoError(t, os.MkdirAll(dir, 0775))
		writeJSON(t, filepath.Join(dir, "json"), layerManifest{ID: l.id, Parent: l.parent})

		content := t.TempDir()
		for p, data := range l.files {
			require.NoError(t, os.MkdirAll(filepath.Join(content, filepath.Dir(p)), 0775))
			require.NoError(t, os.WriteFile(filepath.Join(content, p), []byte(data), 0644))
		}
		tarDir(t, content, filepath.Join(dir, "layer.tar"))
	}
	p := filepath.Join(discoveryDir, name+".tar")
	tarDir(t, src, p)
	return p
}

func alpineLayers() []testLayer {
	return []testLayer{
		{id: "a1", files: map[string]string{"etc/os-release": "alpine"}},
		{id: "a2", parent: "a1", files: map[string]string{"bin/sh": "#!"}},
	}
}

func newTestExtractor(t *testing.T) (*Extractor, string) {
	discovery := t.TempDir()
	e, err := New(Config{DiscoveryDir: discovery}, tally.NoopScope)
	require.NoError(t, err)
	return e, discovery
}

func mustParse(t *testing.T, s string) core.Reference {
	r, err := core.ParseReference(s)
	require.NoError(t, err)
	return r
}

func TestExtract(t *testing.T) {
	require := require.New(t)

	e, discovery := newTestExtractor(t)
	writeImageArchive(t, discovery, "alpine", repositories{"alpine": {"3.5": "a2"}}, alpineLayers())

	session := t.TempDir()
	ids, err := e.Extract(
		context.Background(), mustParse(t, "alpine:3.5"), core.ArchiveSource{Name: "alpine"}, session)
	require.NoError(err)
	require.Equal([]core.LayerID{"a1", "a2"}, ids)

	b, err := os.ReadFile(filepath.Join(session, "a1", "rootfs", "etc", "os-release"))
	require.NoError(err)
	require.Equal("alpine", string(b))

	_, err = os.Stat(filepath.Join(session, "a2", "rootfs", "bin", "sh"))
	require.NoError(err)

	_, err = os.Stat(filepath.Join(session, "a2", "layer.tar"))
	require.True(os.IsNotExist(err))
}

func TestExtractKeepLayerTars(t *testing.T) {
	require := require.New(t)

	discovery := t.TempDir()
	e, err := New(Config{DiscoveryDir: discovery, KeepLayerTars: true}, tally.NoopScope)
	require.NoError(err)
	writeImageArchive(t, discovery, "alpine", repositories{"alpine": {"3.5": "a2"}}, alpineLayers())

	session := t.TempDir()
	_, err = e.Extract(
		context.Background(), mustParse(t, "alpine:3.5"), core.ArchiveSource{Name: "alpine"}, session)
	require.NoError(err)

	_, err = os.Stat(filepath.Join(session, "a2", "layer.tar"))
	require.NoError(err)
}

func TestExtractMatchesNormalizedRepository(t *testing.T) {
	require := require.New(t)

	e, discovery := newTestExtractor(t)
	writeImageArchive(
		t, discovery, "alpine", repositories{"docker.io/library/alpine": {"3.5": "a2"}}, alpineLayers())

	ids, err := e.Extract(
		context.Background(), mustParse(t, "alpine:3.5"), core.ArchiveSource{Name: "alpine"}, t.TempDir())
	require.NoError(err)
	require.Equal([]core.LayerID{"a1", "a2"}, ids)
}

func TestExtractVerifiesDigest(t *testing.T) {
	require := require.New(t)

	e, discovery := newTestExtractor(t)
	p := writeImageArchive(t, discovery, "alpine", repositories{"alpine": {"3.5": "a2"}}, alpineLayers())

	f, err := os.Open(p)
	require.NoError(err)
	d, err := digest.FromReader(f)
	f.Close()
	require.NoError(err)

	ref := mustParse(t, "alpine:3.5")

	_, err = e.Extract(
		context.Background(), ref, core.ArchiveSource{Name: "alpine", Digest: d}, t.TempDir())
	require.NoError(err)

	_, err = e.Extract(
		context.Background(),
		ref,
		core.ArchiveSource{Name: "alpine", Digest: digest.FromString("other")},
		t.TempDir())
	require.Error(err)
}

func TestExtractErrors(t *testing.T) {
	e, discovery := newTestExtractor(t)
	writeImageArchive(t, discovery, "alpine", repositories{"alpine": {"3.5": "a2"}}, alpineLayers())
	writeImageArchive(t, discovery, "cycle", repositories{"cycle": {"latest": "c1"}}, []testLayer{
		{id: "c1", parent: "c2"},
		{id: "c2", parent: "c1"},
	})
	writeImageArchive(t, discovery, "orphan", repositories{"orphan": {"latest": "o1"}}, []testLayer{
		{id: "o1", parent: "missing"},
	})

	cancelled, cancel := context.WithCancel(context.Background())
	cancel()

	tests := []struct {
		desc string
		ctx  context.Context
		ref  string
		src  string
	}{
		{"missing archive", context.Background(), "alpine:3.5", "nope"},
		{"missing reference", context.Background(), "alpine:3.6", "alpine"},
		{"parent cycle", context.Background(), "cycle", "cycle"},
		{"missing parent", context.Background(), "orphan", "orphan"},
		{"invalid archive name", context.Background(), "alpine:3.5", "../alpine"},
		{"cancelled", cancelled, "alpine:3.5", "alpine"},
	}
	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			_, err := e.Extract(
				test.ctx, mustParse(t, test.ref), core.ArchiveSource{Name: test.src}, t.TempDir())
			require.Error(t, err)
		})
	}
}

func TestImageStoreWithDockerArchive(t *testing.T) {
	require := require.New(t)

	e, discovery := newTestExtractor(t)
	writeImageArchive(t, discovery, "alpine", repositories{"alpine": {"3.5": "a2"}}, alpineLayers())

	s, cleanup := store.ImageStoreFixture(e)
	defer cleanup()

	ids, err := s.StoreImage(context.Background(), "alpine:3.5", core.ArchiveSource{Name: "alpine"})
	require.NoError(err)
	require.Equal([]core.LayerID{"a1", "a2"}, ids)

	rootfs, err := s.RootfsPaths("alpine:3.5")
	require.NoError(err)
	b, err := os.ReadFile(filepath.Join(rootfs[0], "etc", "os-release"))
	require.NoError(err)
	require.Equal("alpine", string(b))
}
