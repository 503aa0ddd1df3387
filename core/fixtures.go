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

	"github.com/uber/imagestore/utils/randutil"
)

// LayerIDFixture returns a random legacy-style layer id.
func LayerIDFixture() LayerID {
	return LayerID(randutil.Hex(64))
}

// ReferenceFixture returns a random tagged reference.
func ReferenceFixture() Reference {
	r, err := ParseReference(fmt.Sprintf("repo-%s:%s", randutil.Hex(8), randutil.Hex(4)))
	if err != nil {
		panic(err)
	}
	return r
}
