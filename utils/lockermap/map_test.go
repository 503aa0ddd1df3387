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
package lockermap

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func TestMapLockIsExclusivePerKey(t *testing.T) {
	require := require.New(t)
	var m Map

	var inside, maxInside atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			require.NoError(m.Lock(context.Background(), "k"))
			defer m.Unlock("k")

			n := inside.Inc()
			if n > maxInside.Load() {
				maxInside.Store(n)
			}
			time.Sleep(time.Millisecond)
			inside.Dec()
		}()
	}
	wg.Wait()

	require.Equal(int64(1), maxInside.Load())
	require.Equal(0, m.Len())
}

func TestMapDistinctKeysDoNotContend(t *testing.T) {
	require := require.New(t)
	var m Map

	require.NoError(m.Lock(context.Background(), "a"))
	defer m.Unlock("a")

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(m.Lock(ctx, "b"))
	m.Unlock("b")

	require.Equal(1, m.Len())
}

func TestMapLockHonorsContext(t *testing.T) {
	require := require.New(t)
	var m Map

	require.NoError(m.Lock(context.Background(), "k"))

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.Equal(context.DeadlineExceeded, m.Lock(ctx, "k"))

	m.Unlock("k")
	require.Equal(0, m.Len())
}

func TestMapTryLock(t *testing.T) {
	require := require.New(t)
	var m Map

	require.True(m.TryLock("k"))
	require.False(m.TryLock("k"))
	require.Equal(1, m.Len())

	m.Unlock("k")
	require.True(m.TryLock("k"))
	m.Unlock("k")
	require.Equal(0, m.Len())
}

func TestMapWaiterAcquiresAfterUnlock(t *testing.T) {
	require := require.New(t)
	var m Map

	require.NoError(m.Lock(context.Background(), "k"))

	acquired := make(chan struct{})
	go func() {
		require.NoError(m.Lock(context.Background(), "k"))
		close(acquired)
	}()

	select {
	case <-acquired:
		require.FailNow("waiter acquired held lock")
	case <-time.After(20 * time.Millisecond):
	}

	m.Unlock("k")
	<-acquired
	m.Unlock("k")
	require.Equal(0, m.Len())
}

func TestMapUnlockUnlockedPanics(t *testing.T) {
	var m Map
	require.Panics(t, func() { m.Unlock("k") })
}
