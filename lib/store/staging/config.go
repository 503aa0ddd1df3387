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
package staging

import (
	"time"

	"github.com/c2h5oh/datasize"
)

// Config defines staging area configuration.
type Config struct {
	// MinFreeSpace makes Allocate fail when the staging filesystem has less
	// free space left. Zero disables the check.
	MinFreeSpace datasize.ByteSize `yaml:"min_free_space"`

	ReleaseRetries int           `yaml:"release_retries"`
	ReleaseBackoff time.Duration `yaml:"release_backoff"`
}

func (c Config) applyDefaults() Config {
	if c.ReleaseRetries == 0 {
		c.ReleaseRetries = 3
	}
	if c.ReleaseBackoff == 0 {
		c.ReleaseBackoff = 100 * time.Millisecond
	}
	return c
}
