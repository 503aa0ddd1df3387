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

	"github.com/uber/imagestore/core"
)

// Extractor populates a staging session from a fetched image archive.
//
// On success, the session contains one directory per returned layer id
// (see paths.LocalImageLayerDir), each holding an extracted rootfs directory,
// and the ids are ordered base to top. Extract must return promptly with an
// error once ctx is done.
type Extractor interface {
	Extract(
		ctx context.Context,
		ref core.Reference,
		src core.ArchiveSource,
		session string) ([]core.LayerID, error)
}
