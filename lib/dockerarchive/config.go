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

// Config defines Extractor configuration.
type Config struct {
	// DiscoveryDir holds fetched "docker save" archives named <name>.tar.
	DiscoveryDir string `yaml:"discovery_dir" validate:"nonzero"`

	// MaxLayers bounds the parent chain walked for one image.
	MaxLayers int `yaml:"max_layers"`

	// KeepLayerTars keeps each layer.tar next to its extracted rootfs.
	KeepLayerTars bool `yaml:"keep_layer_tars"`
}

func (c Config) applyDefaults() Config {
	if c.MaxLayers == 0 {
		c.MaxLayers = 256
	}
	return c
}
