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

// Package dedup runs keyed background requests at most once at a time and
// remembers their failures for a while, so pollers of a slow operation do
// not restart it on every poll.
package dedup

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/andres-erbsen/clock"
)

// RequestCacheConfig defines RequestCache configuration.
type RequestCacheConfig struct {
	// ErrorTTL is how long a retryable failure is returned to pollers.
	ErrorTTL time.Duration `yaml:"error_ttl"`

	// PermanentErrorTTL is how long a permanent failure is returned.
	PermanentErrorTTL time.Duration `yaml:"permanent_error_ttl"`

	CleanupInterval time.Duration `yaml:"cleanup_interval"`
	NumWorkers      int           `yaml:"num_workers"`
	BusyTimeout     time.Duration `yaml:"busy_timeout"`

	// RequestTimeout bounds the context passed to every request.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

func (c RequestCacheConfig) applyDefaults() RequestCacheConfig {
	if c.ErrorTTL == 0 {
		c.ErrorTTL = 15 * time.Second
	}
	if c.PermanentErrorTTL == 0 {
		c.PermanentErrorTTL = 5 * time.Minute
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = 5 * time.Second
	}
	if c.NumWorkers == 0 {
		c.NumWorkers = 64
	}
	if c.BusyTimeout == 0 {
		c.BusyTimeout = 5 * time.Second
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = 30 * time.Minute
	}
	return c
}

// RequestCache errors.
var (
	ErrRequestPending = errors.New("request pending")
	ErrWorkersBusy    = errors.New("no workers available to handle request")
)

// Request is a unit of background work. ctx is cancelled once the configured
// RequestTimeout elapses.
type Request func(ctx context.Context) error

// ErrorMatcher classifies errors returned by requests.
type ErrorMatcher func(error) bool

type cachedError struct {
	err       error
	expiresAt time.Time
}

// RequestCache runs at most one request per id at a time on a bounded pool of
// workers, and caches request failures until their TTL expires.
type RequestCache struct {
	config RequestCacheConfig
	clk    clock.Clock

	mu          sync.Mutex
	pending     map[string]bool
	errors      map[string]*cachedError
	lastClean   time.Time
	isPermanent ErrorMatcher

	workers chan struct{}
}

// NewRequestCache creates a new RequestCache.
func NewRequestCache(config RequestCacheConfig, clk clock.Clock) *RequestCache {
	config = config.applyDefaults()
	return &RequestCache{
		config:      config,
		clk:         clk,
		pending:     make(map[string]bool),
		errors:      make(map[string]*cachedError),
		lastClean:   clk.Now(),
		isPermanent: func(error) bool { return false },
		workers:     make(chan struct{}, config.NumWorkers),
	}
}

// SetPermanent sets the matcher for errors cached for PermanentErrorTTL
// rather than ErrorTTL.
func (c *RequestCache) SetPermanent(m ErrorMatcher) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.isPermanent = m
}

// Start runs r in the background under id. Returns ErrRequestPending if a
// request for id is still running, the cached error if the last request for
// id failed recently, and ErrWorkersBusy if no worker frees up within
// BusyTimeout.
func (c *RequestCache) Start(id string, r Request) error {
	if err := c.reserve(id); err != nil {
		return err
	}
	select {
	case c.workers <- struct{}{}:
	case <-c.clk.After(c.config.BusyTimeout):
		c.finish(id, nil)
		return ErrWorkersBusy
	}
	go func() {
		defer func() { <-c.workers }()

		ctx, cancel := context.WithTimeout(context.Background(), c.config.RequestTimeout)
		defer cancel()
		c.finish(id, r(ctx))
	}()
	return nil
}

// Pending returns true if a request for id is running.
func (c *RequestCache) Pending(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.pending[id]
}

func (c *RequestCache) reserve(id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clk.Now()
	if now.Sub(c.lastClean) > c.config.CleanupInterval {
		for k, e := range c.errors {
			if now.After(e.expiresAt) {
				delete(c.errors, k)
			}
		}
		c.lastClean = now
	}

	if c.pending[id] {
		return ErrRequestPending
	}
	if e, ok := c.errors[id]; ok {
		if !now.After(e.expiresAt) {
			return e.err
		}
		delete(c.errors, id)
	}
	c.pending[id] = true
	return nil
}

func (c *RequestCache) finish(id string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.pending, id)
	if err == nil {
		return
	}
	ttl := c.config.ErrorTTL
	if c.isPermanent(err) {
		ttl = c.config.PermanentErrorTTL
	}
	c.errors[id] = &cachedError{err, c.clk.Now().Add(ttl)}
}
