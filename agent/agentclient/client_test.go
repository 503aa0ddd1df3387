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
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/uber/imagestore/core"

	"github.com/cenkalti/backoff"
	"github.com/opencontainers/go-digest"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"
)

func fastPoll(maxRetries uint64) Option {
	return WithPollBackOff(func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(10*time.Millisecond), maxRetries)
	})
}

func writeJSON(t *testing.T, w http.ResponseWriter, v interface{}) {
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestGetImage(t *testing.T) {
	info := core.ImageInfo{
		Reference: "library/alpine:3.5",
		Layers:    []core.LayerID{"base", "top"},
		Rootfs:    []string{"/a/base/rootfs", "/a/top/rootfs"},
	}

	tests := []struct {
		desc     string
		handler  func(w http.ResponseWriter, r *http.Request)
		wantInfo core.ImageInfo
		wantErr  error
	}{
		{
			desc: "success",
			handler: func(w http.ResponseWriter, r *http.Request) {
				require.Equal(t, http.MethodGet, r.Method)
				require.Equal(t, "/images/library%2Falpine:3.5", r.URL.EscapedPath())
				writeJSON(t, w, info)
			},
			wantInfo: info,
		},
		{
			desc: "image not found",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusNotFound)
			},
			wantErr: ErrImageNotFound,
		},
		{
			desc: "image pending",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusAccepted)
			},
			wantErr: ErrImagePending,
		},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			s := httptest.NewServer(http.HandlerFunc(test.handler))
			defer s.Close()

			c := New(s.Listener.Addr().String())
			result, err := c.GetImage("library/alpine:3.5")
			if test.wantErr != nil {
				require.Equal(t, test.wantErr, err)
			} else {
				require.NoError(t, err)
				require.Equal(t, test.wantInfo, result)
			}
		})
	}
}

func TestGetImageErrors(t *testing.T) {
	tests := []struct {
		desc    string
		handler func(w http.ResponseWriter, r *http.Request)
	}{
		{
			desc: "internal server error",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusInternalServerError)
			},
		},
		{
			desc: "invalid json",
			handler: func(w http.ResponseWriter, r *http.Request) {
				w.Write([]byte("{"))
			},
		},
	}

	for _, test := range tests {
		t.Run(test.desc, func(t *testing.T) {
			s := httptest.NewServer(http.HandlerFunc(test.handler))
			defer s.Close()

			_, err := New(s.Listener.Addr().String()).GetImage("alpine")
			require.Error(t, err)
		})
	}
}

func TestStoreImagePollsUntilStored(t *testing.T) {
	require := require.New(t)

	info := core.ImageInfo{Reference: "alpine:latest", Layers: []core.LayerID{"a1"}}

	var calls atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(http.MethodPost, r.Method)
		require.Equal("alpine", r.URL.Query().Get("name"))
		require.Empty(r.URL.Query().Get("digest"))
		if calls.Inc() < 3 {
			w.WriteHeader(http.StatusAccepted)
			return
		}
		writeJSON(t, w, info)
	}))
	defer s.Close()

	c := New(s.Listener.Addr().String(), fastPoll(10))
	result, err := c.StoreImage(context.Background(), "alpine", core.ArchiveSource{Name: "alpine"})
	require.NoError(err)
	require.Equal(info, result)
	require.Equal(int32(3), calls.Load())
}

func TestStoreImageSendsDigest(t *testing.T) {
	require := require.New(t)

	d := core.ArchiveSource{Name: "alpine", Digest: digest.FromString("alpine")}

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(d.Digest.String(), r.URL.Query().Get("digest"))
		writeJSON(t, w, core.ImageInfo{Reference: "alpine:latest"})
	}))
	defer s.Close()

	_, err := New(s.Listener.Addr().String()).StoreImage(context.Background(), "alpine", d)
	require.NoError(err)
}

func TestStoreImageFailsOnClientError(t *testing.T) {
	require := require.New(t)

	var calls atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer s.Close()

	c := New(s.Listener.Addr().String(), fastPoll(10))
	_, err := c.StoreImage(context.Background(), "alpine", core.ArchiveSource{Name: "alpine"})
	require.Error(err)
	require.Equal(int32(1), calls.Load())
}

func TestStoreImageRetriesBusyAgent(t *testing.T) {
	require := require.New(t)

	var calls atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Inc() == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		writeJSON(t, w, core.ImageInfo{Reference: "alpine:latest"})
	}))
	defer s.Close()

	c := New(s.Listener.Addr().String(), fastPoll(10))
	_, err := c.StoreImage(context.Background(), "alpine", core.ArchiveSource{Name: "alpine"})
	require.NoError(err)
	require.Equal(int32(2), calls.Load())
}

func TestStoreImagePollTimeout(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer s.Close()

	c := New(s.Listener.Addr().String(), fastPoll(3))
	_, err := c.StoreImage(context.Background(), "alpine", core.ArchiveSource{Name: "alpine"})
	require.Error(t, err)
	require.Contains(t, err.Error(), "timed out")
}

func TestStoreImageContextCancelled(t *testing.T) {
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := New(s.Listener.Addr().String(), WithPollBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(10 * time.Millisecond)
	}))
	_, err := c.StoreImage(ctx, "alpine", core.ArchiveSource{Name: "alpine"})
	require.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestStoreImageDeadlineShorterThanPollInterval(t *testing.T) {
	require := require.New(t)

	var calls atomic.Int32
	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Inc()
		w.WriteHeader(http.StatusAccepted)
	}))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	c := New(s.Listener.Addr().String(), WithPollBackOff(func() backoff.BackOff {
		return backoff.NewConstantBackOff(time.Minute)
	}))
	start := time.Now()
	_, err := c.StoreImage(ctx, "alpine", core.ArchiveSource{Name: "alpine"})
	require.True(errors.Is(err, context.DeadlineExceeded))
	require.NotContains(err.Error(), "timed out on 202")

	// Polling gives up without waiting for the deadline itself.
	require.True(time.Since(start) < time.Second)
	require.Equal(int32(1), calls.Load())
}

func TestStoreImagePollTimeoutWithDistantDeadline(t *testing.T) {
	require := require.New(t)

	s := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	defer s.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	c := New(s.Listener.Addr().String(), fastPoll(3))
	_, err := c.StoreImage(ctx, "alpine", core.ArchiveSource{Name: "alpine"})
	require.Error(err)
	require.False(errors.Is(err, context.DeadlineExceeded))
	require.Contains(err.Error(), "timed out")
}

func TestImagesAndHealth(t *testing.T) {
	require := require.New(t)

	infos := []core.ImageInfo{{Reference: "alpine:latest", Layers: []core.LayerID{"a1"}}}

	mux := http.NewServeMux()
	mux.HandleFunc("/images", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(t, w, infos)
	})
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("OK"))
	})
	s := httptest.NewServer(mux)
	defer s.Close()

	c := New(s.Listener.Addr().String())

	result, err := c.Images()
	require.NoError(err)
	require.Equal(infos, result)

	require.NoError(c.Health())
}
