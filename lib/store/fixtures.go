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
	"os"
	"path/filepath"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/lib/store/base"
	"github.com/uber/imagestore/lib/store/paths"
	"github.com/uber/imagestore/utils/testutil"

	"github.com/uber-go/tally"
)

// ConfigFixture returns a Config rooted at a fresh temporary directory.
func ConfigFixture() (Config, func()) {
	var cleanup testutil.Cleanup
	defer cleanup.Recover()

	root, err := os.MkdirTemp("", "imagestore")
	if err != nil {
		panic(err)
	}
	cleanup.Add(func() { os.RemoveAll(root) })

	return Config{RootDir: root}, cleanup.Run
}

// ImageStoreFixture returns an ImageStore backed by extractor for testing
// purposes.
func ImageStoreFixture(extractor Extractor) (*ImageStore, func()) {
	var cleanup testutil.Cleanup
	defer cleanup.Recover()

	config, c := ConfigFixture()
	cleanup.Add(c)

	s, err := New(config, tally.NoopScope, extractor)
	if err != nil {
		panic(err)
	}
	return s, cleanup.Run
}

// StageLayerFixture writes a minimal extracted layer for id into session, the
// way an Extractor would.
func StageLayerFixture(session string, id core.LayerID) error {
	rootfs, err := paths.LayerRootfsPath(session, id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Join(rootfs, "etc"), base.DefaultDirPermission); err != nil {
		return err
	}
	if err := os.WriteFile(
		filepath.Join(rootfs, "etc", "layer"), []byte(id), base.DefaultFilePermission); err != nil {
		return err
	}
	manifest, err := paths.LayerManifestPath(session, id)
	if err != nil {
		return err
	}
	return os.WriteFile(manifest, []byte(`{"id":"`+string(id)+`"}`), base.DefaultFilePermission)
}
