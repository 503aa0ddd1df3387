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

// Package paths maps store roots, staging sessions and layer ids to
// filesystem paths. The store layout is:
//
//	<root>
//	  |--staging      (one temp directory per in-flight store operation)
//	  |--layers
//	  |    |--<layer id>
//	  |         |--rootfs
//	  |--rootfses     (composed views, owned by the container launcher)
//	  |--storedImages (persisted image index)
//
// A staging session mirrors the layout of a "docker save" archive:
//
//	<session>
//	  |--repositories
//	  |--<layer id>
//	       |--json
//	       |--layer.tar
//	       |--rootfs
//
// Apart from NewStagingSession, every function is pure: identical inputs
// always produce identical paths, so other processes can reconstruct them.
package paths

import (
	"path/filepath"
	"strings"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/lib/store/base"

	"github.com/satori/go.uuid"
)

const (
	_stagingDir          = "staging"
	_layersDir           = "layers"
	_rootfsesDir         = "rootfses"
	_storedImages        = "storedImages"
	_repositories        = "repositories"
	_layerManifest       = "json"
	_layerTar            = "layer.tar"
	_rootfs              = "rootfs"
	_localImageTarSuffix = ".tar"
)

func checkDir(kind, dir string) error {
	if dir == "" {
		return base.InvalidArgumentf("empty %s", kind)
	}
	if !filepath.IsAbs(dir) {
		return base.InvalidArgumentf("%s %q is not absolute", kind, dir)
	}
	return nil
}

func checkLayerID(id core.LayerID) error {
	if err := id.Validate(); err != nil {
		return base.InvalidArgumentf("%s", err)
	}
	return nil
}

func storeSubdir(storeRoot, name string) (string, error) {
	if err := checkDir("store root", storeRoot); err != nil {
		return "", err
	}
	return filepath.Join(storeRoot, name), nil
}

func stagingLayerFile(stagingSession string, id core.LayerID, name string) (string, error) {
	dir, err := LocalImageLayerDir(stagingSession, id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, name), nil
}

// StagingDir returns the directory holding all staging sessions.
func StagingDir(storeRoot string) (string, error) {
	return storeSubdir(storeRoot, _stagingDir)
}

// LayersDir returns the directory holding all published layers.
func LayersDir(storeRoot string) (string, error) {
	return storeSubdir(storeRoot, _layersDir)
}

// RootfsesDir returns the directory reserved for composed root filesystems.
func RootfsesDir(storeRoot string) (string, error) {
	return storeSubdir(storeRoot, _rootfsesDir)
}

// StoredImagesIndexPath returns the path of the persisted image index.
func StoredImagesIndexPath(storeRoot string) (string, error) {
	return storeSubdir(storeRoot, _storedImages)
}

// NewStagingSession returns a fresh session path under the staging directory.
// The name is derived from a random uuid, never from the image reference, so
// two concurrent pulls of the same image cannot collide.
func NewStagingSession(storeRoot string) (string, error) {
	dir, err := StagingDir(storeRoot)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, uuid.NewV4().String()), nil
}

// LocalImageTarPath returns the path of the archive for image name inside a
// local discovery directory.
func LocalImageTarPath(discoveryDir, name string) (string, error) {
	if discoveryDir == "" {
		return "", base.InvalidArgumentf("empty discovery dir")
	}
	if name == "" || name == "." || name == ".." || strings.ContainsRune(name, filepath.Separator) {
		return "", base.InvalidArgumentf("invalid image name %q", name)
	}
	return filepath.Join(discoveryDir, name+_localImageTarSuffix), nil
}

// LocalImageRepositoriesManifestPath returns the path of the repositories
// manifest extracted into stagingSession.
func LocalImageRepositoriesManifestPath(stagingSession string) (string, error) {
	if err := checkDir("staging session", stagingSession); err != nil {
		return "", err
	}
	return filepath.Join(stagingSession, _repositories), nil
}

// LocalImageLayerDir returns the staging directory of layer id.
func LocalImageLayerDir(stagingSession string, id core.LayerID) (string, error) {
	if err := checkDir("staging session", stagingSession); err != nil {
		return "", err
	}
	if err := checkLayerID(id); err != nil {
		return "", err
	}
	return filepath.Join(stagingSession, string(id)), nil
}

// LayerManifestPath returns the staging path of the manifest of layer id.
func LayerManifestPath(stagingSession string, id core.LayerID) (string, error) {
	return stagingLayerFile(stagingSession, id, _layerManifest)
}

// LayerTarPath returns the staging path of the archive of layer id.
func LayerTarPath(stagingSession string, id core.LayerID) (string, error) {
	return stagingLayerFile(stagingSession, id, _layerTar)
}

// LayerRootfsPath returns the staging path layer id is extracted into.
func LayerRootfsPath(stagingSession string, id core.LayerID) (string, error) {
	return stagingLayerFile(stagingSession, id, _rootfs)
}

// ImageLayerDir returns the published location of layer id.
func ImageLayerDir(storeRoot string, id core.LayerID) (string, error) {
	dir, err := LayersDir(storeRoot)
	if err != nil {
		return "", err
	}
	if err := checkLayerID(id); err != nil {
		return "", err
	}
	return filepath.Join(dir, string(id)), nil
}

// ImageLayerRootfsPath returns the published filesystem tree of layer id.
func ImageLayerRootfsPath(storeRoot string, id core.LayerID) (string, error) {
	dir, err := ImageLayerDir(storeRoot, id)
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, _rootfs), nil
}
