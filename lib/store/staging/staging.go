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
	"fmt"
	"os"
	"path/filepath"

	"github.com/uber/imagestore/lib/store/base"
	"github.com/uber/imagestore/lib/store/paths"
	"github.com/uber/imagestore/utils/diskspaceutil"
	"github.com/uber/imagestore/utils/log"

	"github.com/c2h5oh/datasize"
	"github.com/cenkalti/backoff"
	"github.com/uber-go/tally"
)

// diskUsage is swapped in tests.
var diskUsage = diskspaceutil.UsageOf

// Session is a private working directory owned by exactly one in-flight
// store operation.
type Session struct {
	Dir string
}

// ID returns the unique name of s within the staging directory.
func (s *Session) ID() string {
	return filepath.Base(s.Dir)
}

// Area allocates and releases staging sessions under <root>/staging.
type Area struct {
	config Config
	root   string
	dir    string
	stats  tally.Scope
}

// New creates the staging directory if needed and sweeps sessions left behind
// by a previous process. No in-flight operation survives a restart, so every
// existing session is stale.
func New(config Config, storeRoot string, stats tally.Scope) (*Area, error) {
	config = config.applyDefaults()

	stats = stats.Tagged(map[string]string{
		"module": "staging",
	})

	dir, err := paths.StagingDir(storeRoot)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dir, base.DefaultDirPermission); err != nil {
		return nil, base.IOError("mkdir staging dir", err)
	}
	a := &Area{
		config: config,
		root:   storeRoot,
		dir:    dir,
		stats:  stats,
	}
	if err := a.Sweep(); err != nil {
		return nil, err
	}
	return a, nil
}

// Dir returns the staging directory.
func (a *Area) Dir() string {
	return a.dir
}

// Sweep removes every session currently present in the staging directory.
// It must only be called while no session is live.
func (a *Area) Sweep() error {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return base.IOError("read staging dir", err)
	}
	for _, e := range entries {
		p := filepath.Join(a.dir, e.Name())
		if err := os.RemoveAll(p); err != nil {
			return base.IOError("remove stale session", err)
		}
		log.With("session", p).Info("Removed stale staging session")
	}
	a.stats.Counter("sessions_swept").Inc(int64(len(entries)))
	return nil
}

// Allocate creates a fresh, empty session directory.
func (a *Area) Allocate() (*Session, error) {
	if err := a.checkFreeSpace(); err != nil {
		return nil, err
	}
	dir, err := paths.NewStagingSession(a.root)
	if err != nil {
		return nil, err
	}
	// Mkdir rather than MkdirAll, so a colliding name is an error.
	if err := os.Mkdir(dir, base.DefaultDirPermission); err != nil {
		return nil, base.IOError("mkdir session", err)
	}
	a.stats.Counter("sessions_allocated").Inc(1)
	return &Session{Dir: dir}, nil
}

func (a *Area) checkFreeSpace() error {
	if a.config.MinFreeSpace == 0 {
		return nil
	}
	u, err := diskUsage(a.dir)
	if err != nil {
		return base.IOError("check free space", err)
	}
	if u.FreeBytes < a.config.MinFreeSpace.Bytes() {
		return base.IOError("check free space", fmt.Errorf(
			"%s available, %s required",
			datasize.ByteSize(u.FreeBytes).HR(), a.config.MinFreeSpace.HR()))
	}
	return nil
}

// Release recursively removes s. Releasing a session twice, or releasing a
// partially created session, is not an error.
func (a *Area) Release(s *Session) error {
	if s == nil {
		return nil
	}
	if filepath.Dir(s.Dir) != a.dir {
		return base.InvalidArgumentf("session %q is outside of %s", s.Dir, a.dir)
	}
	b := backoff.WithMaxRetries(
		backoff.NewConstantBackOff(a.config.ReleaseBackoff), uint64(a.config.ReleaseRetries))
	if err := backoff.Retry(func() error { return os.RemoveAll(s.Dir) }, b); err != nil {
		a.stats.Counter("release_errors").Inc(1)
		return base.IOError("remove session", err)
	}
	return nil
}
