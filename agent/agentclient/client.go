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
package agentclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/utils/httputil"

	"github.com/cenkalti/backoff"
)

// Client errors.
var (
	ErrImageNotFound = errors.New("image not found")
	ErrImagePending  = errors.New("image is being stored")
)

// Client defines a client for accessing the agent server.
type Client interface {
	GetImage(ref string) (core.ImageInfo, error)
	StoreImage(ctx context.Context, ref string, src core.ArchiveSource) (core.ImageInfo, error)
	Images() ([]core.ImageInfo, error)
	Health() error
}

// Option configures an HTTPClient.
type Option func(*HTTPClient)

// WithPollBackOff sets the backoff used while waiting for StoreImage.
func WithPollBackOff(f func() backoff.BackOff) Option {
	return func(c *HTTPClient) { c.pollBackOff = f }
}

// HTTPClient provides a wrapper for HTTP operations on an agent.
type HTTPClient struct {
	addr        string
	pollBackOff func() backoff.BackOff
}

// New creates a new client for an agent at addr.
func New(addr string, opts ...Option) *HTTPClient {
	c := &HTTPClient{addr, defaultPollBackOff}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func defaultPollBackOff() backoff.BackOff {
	return &backoff.ExponentialBackOff{
		InitialInterval:     500 * time.Millisecond,
		RandomizationFactor: 0.05,
		Multiplier:          1.3,
		MaxInterval:         5 * time.Second,
		MaxElapsedTime:      30 * time.Minute,
		Clock:               backoff.SystemClock,
	}
}

func (c *HTTPClient) imageURL(ref string) string {
	return fmt.Sprintf("http://%s/images/%s", c.addr, url.PathEscape(ref))
}

// GetImage returns the layers and rootfs paths of ref. Returns
// ErrImageNotFound if ref is not stored, and ErrImagePending if ref is still
// being stored.
func (c *HTTPClient) GetImage(ref string) (core.ImageInfo, error) {
	resp, err := httputil.Get(c.imageURL(ref))
	if err != nil {
		if httputil.IsNotFound(err) {
			return core.ImageInfo{}, ErrImageNotFound
		}
		if httputil.IsAccepted(err) {
			return core.ImageInfo{}, ErrImagePending
		}
		return core.ImageInfo{}, err
	}
	defer resp.Body.Close()
	var info core.ImageInfo
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return core.ImageInfo{}, fmt.Errorf("decode image info: %s", err)
	}
	return info, nil
}

// StoreImage stores ref from src and blocks until the agent finishes storing
// it, ctx is done, or polling times out.
func (c *HTTPClient) StoreImage(
	ctx context.Context, ref string, src core.ArchiveSource) (core.ImageInfo, error) {

	q := url.Values{}
	q.Set("name", src.Name)
	if src.Digest != "" {
		q.Set("digest", src.Digest.String())
	}
	u := fmt.Sprintf("%s?%s", c.imageURL(ref), q.Encode())

	b := &recordingBackOff{BackOff: c.pollBackOff()}
	var info core.ImageInfo
	err := backoff.Retry(func() error {
		resp, err := httputil.Post(u, httputil.SendContext(ctx))
		if err != nil {
			if isPending(err) {
				return err
			}
			return backoff.Permanent(err)
		}
		defer resp.Body.Close()
		if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
			return backoff.Permanent(fmt.Errorf("decode image info: %s", err))
		}
		return nil
	}, backoff.WithContext(b, ctx))
	if err != nil {
		if ctx.Err() != nil {
			return core.ImageInfo{}, fmt.Errorf("store image %s: %w", ref, ctx.Err())
		}
		if isPending(err) && b.exceedsDeadline(ctx) {
			return core.ImageInfo{}, fmt.Errorf("store image %s: %w", ref, context.DeadlineExceeded)
		}
		if httputil.IsAccepted(err) {
			return core.ImageInfo{}, fmt.Errorf("store image %s: backoff timed out on 202 responses", ref)
		}
		return core.ImageInfo{}, fmt.Errorf("store image %s: %w", ref, err)
	}
	return info, nil
}

// isPending returns true if err asks the caller to poll again.
func isPending(err error) bool {
	return httputil.IsAccepted(err) || httputil.IsStatus(err, http.StatusServiceUnavailable)
}

// recordingBackOff remembers the last interval it returned. A context-bound
// backoff stops once the next interval would run past the ctx deadline, before
// ctx itself expires.
type recordingBackOff struct {
	backoff.BackOff
	last time.Duration
}

func (b *recordingBackOff) NextBackOff() time.Duration {
	b.last = b.BackOff.NextBackOff()
	return b.last
}

// exceedsDeadline returns true if waiting out the last interval would pass the
// deadline of ctx.
func (b *recordingBackOff) exceedsDeadline(ctx context.Context) bool {
	deadline, ok := ctx.Deadline()
	if !ok || b.last == backoff.Stop {
		return false
	}
	return time.Until(deadline) < b.last
}

// Images lists all stored images.
func (c *HTTPClient) Images() ([]core.ImageInfo, error) {
	resp, err := httputil.Get(fmt.Sprintf("http://%s/images", c.addr))
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	var infos []core.ImageInfo
	if err := json.NewDecoder(resp.Body).Decode(&infos); err != nil {
		return nil, fmt.Errorf("decode images: %s", err)
	}
	return infos, nil
}

// Health returns nil if the agent is healthy.
func (c *HTTPClient) Health() error {
	resp, err := httputil.Get(fmt.Sprintf("http://%s/health", c.addr))
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}
