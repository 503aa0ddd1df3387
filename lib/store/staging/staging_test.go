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
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/uber/imagestore/lib/store/base"
	"github.com/uber/imagestore/utils/diskspaceutil"

	"github.com/c2h5oh/datasize"
	"github.com/stretchr/testify/require"
	"github.com/uber-go/tally"
)

func newTestArea(t *testing.T, config Config) (*Area, string) {
	root := t.TempDir()
	a, err := New(config, root, tally.NoopScope)
	require.NoError(t, err)
	return a, root
}

func TestAllocateCreatesDistinctSessions(t *testing.T) {
	require := require.New(t)

	a, root := newTestArea(t, Config{})

	var mu sync.Mutex
	seen := make(map[string]bool)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, err := a.Allocate()
			require.NoError(err)
			mu.Lock()
			defer mu.Unlock()
			require.False(seen[s.Dir])
			seen[s.Dir] = true
		}()
	}
	wg.Wait()

	for dir := range seen {
		require.Equal(filepath.Join(root, "staging"), filepath.Dir(dir))
		fi, err := os.Stat(dir)
		require.NoError(err)
		require.True(fi.IsDir())
	}
}

func TestReleaseRemovesSessionAndIsIdempotent(t *testing.T) {
	require := require.New(t)

	a, _ := newTestArea(t, Config{})

	s, err := a.Allocate()
	require.NoError(err)
	require.NoError(os.MkdirAll(filepath.Join(s.Dir, "a1", "rootfs"), 0775))
	require.NoError(os.WriteFile(filepath.Join(s.Dir, "a1", "json"), []byte("{}"), 0644))

	require.NoError(a.Release(s))
	_, err = os.Stat(s.Dir)
	require.True(os.IsNotExist(err))

	require.NoError(a.Release(s))
	require.NoError(a.Release(nil))
}

func TestReleaseRejectsForeignDirectories(t *testing.T) {
	require := require.New(t)

	a, _ := newTestArea(t, Config{})

	other := t.TempDir()
	err := a.Release(&Session{Dir: other})
	require.True(errors.Is(err, base.ErrInvalidArgument))

	_, err = os.Stat(other)
	require.NoError(err)
}

func TestNewSweepsStaleSessions(t *testing.T) {
	require := require.New(t)

	a, root := newTestArea(t, Config{})

	// Simulates a crash between Allocate and Release.
	s, err := a.Allocate()
	require.NoError(err)
	require.NoError(os.MkdirAll(filepath.Join(s.Dir, "a1", "rootfs"), 0775))

	a2, err := New(Config{}, root, tally.NoopScope)
	require.NoError(err)

	_, err = os.Stat(s.Dir)
	require.True(os.IsNotExist(err))

	entries, err := os.ReadDir(a2.Dir())
	require.NoError(err)
	require.Empty(entries)
}

func TestAllocateFailsWhenDiskIsFull(t *testing.T) {
	require := require.New(t)

	orig := diskUsage
	defer func() { diskUsage = orig }()
	diskUsage = func(string) (diskspaceutil.DiskUsage, error) {
		return diskspaceutil.DiskUsage{TotalBytes: 100 * uint64(datasize.MB), FreeBytes: uint64(datasize.MB)}, nil
	}

	a, _ := newTestArea(t, Config{MinFreeSpace: 10 * datasize.MB})

	_, err := a.Allocate()
	require.True(errors.Is(err, base.ErrIO))
	require.True(base.IsRetryable(err))

	entries, err := os.ReadDir(a.Dir())
	require.NoError(err)
	require.Empty(entries)
}

func TestAllocateWithEnoughFreeSpace(t *testing.T) {
	require := require.New(t)

	orig := diskUsage
	defer func() { diskUsage = orig }()
	diskUsage = func(string) (diskspaceutil.DiskUsage, error) {
		return diskspaceutil.DiskUsage{FreeBytes: uint64(datasize.GB)}, nil
	}

	a, _ := newTestArea(t, Config{MinFreeSpace: 10 * datasize.MB})

	s, err := a.Allocate()
	require.NoError(err)
	require.NotEmpty(s.ID())
}

func TestNewRejectsInvalidRoot(t *testing.T) {
	_, err := New(Config{}, "relative", tally.NoopScope)
	require.True(t, errors.Is(err, base.ErrInvalidArgument))
}
