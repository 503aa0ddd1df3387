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

	"golang.org/x/sync/semaphore"
)

type entry struct {
	sem *semaphore.Weighted

	// refs counts holders and waiters. Guarded by Map.mu.
	refs int
}

// Map is a table of exclusive sections keyed by string. Callers locking
// different keys never contend with each other, and entries are removed once
// no goroutine holds or waits on them, so the table only grows with the
// number of keys in use.
//
// The zero Map is valid and empty.
type Map struct {
	mu sync.Mutex
	m  map[string]*entry
}

func (m *Map) acquire(key string) *entry {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.m == nil {
		m.m = make(map[string]*entry)
	}
	e, ok := m.m[key]
	if !ok {
		e = &entry{sem: semaphore.NewWeighted(1)}
		m.m[key] = e
	}
	e.refs++
	return e
}

func (m *Map) release(key string, e *entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e.refs--
	if e.refs == 0 {
		delete(m.m, key)
	}
}

// Lock blocks until the section for key is acquired or ctx is done. On error,
// the section is not held and Unlock must not be called.
func (m *Map) Lock(ctx context.Context, key string) error {
	e := m.acquire(key)
	if err := e.sem.Acquire(ctx, 1); err != nil {
		m.release(key, e)
		return err
	}
	return nil
}

// TryLock acquires the section for key without blocking. Returns false if it
// is held by someone else.
func (m *Map) TryLock(key string) bool {
	e := m.acquire(key)
	if !e.sem.TryAcquire(1) {
		m.release(key, e)
		return false
	}
	return true
}

// Unlock releases the section for key. Panics if key is not locked.
func (m *Map) Unlock(key string) {
	m.mu.Lock()
	e, ok := m.m[key]
	m.mu.Unlock()
	if !ok {
		panic("lockermap: unlock of unlocked key " + key)
	}
	e.sem.Release(1)
	m.release(key, e)
}

// Len returns the number of keys currently held or waited on.
func (m *Map) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	return len(m.m)
}
