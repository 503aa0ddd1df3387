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
package agentserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"

	"github.com/uber/imagestore/core"
	"github.com/uber/imagestore/lib/middleware"
	"github.com/uber/imagestore/lib/store/base"
	"github.com/uber/imagestore/utils/dedup"
	"github.com/uber/imagestore/utils/handler"

	"github.com/andres-erbsen/clock"
	"github.com/go-chi/chi"
	"github.com/opencontainers/go-digest"
	"github.com/uber-go/tally"
)

// Config defines Server configuration.
type Config struct {
	RequestCache dedup.RequestCacheConfig `yaml:"request_cache"`
}

// ImageStore stores images and looks them up.
type ImageStore interface {
	StoreImage(ctx context.Context, ref string, src core.ArchiveSource) ([]core.LayerID, error)
	Get(ref string) ([]core.LayerID, bool)
	RootfsPaths(ref string) ([]string, error)
	Images() map[string][]core.LayerID
}

// Server defines the agent HTTP server.
type Server struct {
	config       Config
	stats        tally.Scope
	images       ImageStore
	requestCache *dedup.RequestCache
}

// New creates a new Server.
func New(config Config, stats tally.Scope, images ImageStore) *Server {
	stats = stats.Tagged(map[string]string{
		"module": "agentserver",
	})

	rc := dedup.NewRequestCache(config.RequestCache, clock.New())
	rc.SetPermanent(func(err error) bool { return errors.Is(err, base.ErrInvalidArgument) })

	return &Server{config, stats, images, rc}
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.StatusCounter(s.stats))
	r.Use(middleware.LatencyTimer(s.stats))

	r.Get("/health", s.healthHandler)

	r.Get("/images", handler.Wrap(s.listImagesHandler))
	r.Get("/images/{ref}", handler.Wrap(s.getImageHandler))
	r.Post("/images/{ref}", handler.Wrap(s.storeImageHandler))

	return r
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	io.WriteString(w, "OK")
}

// parseRef returns the normalized form of the {ref} url param.
func parseRef(r *http.Request) (string, error) {
	raw, err := url.PathUnescape(chi.URLParam(r, "ref"))
	if err != nil {
		return "", handler.Errorf("unescape ref: %s", err).Status(http.StatusBadRequest)
	}
	ref, err := core.ParseReference(raw)
	if err != nil {
		return "", handler.Errorf("%s", err).Status(http.StatusBadRequest)
	}
	return ref.String(), nil
}

func (s *Server) getImageHandler(w http.ResponseWriter, r *http.Request) error {
	ref, err := parseRef(r)
	if err != nil {
		return err
	}
	info, err := s.imageInfo(ref)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			if s.requestCache.Pending(ref) {
				return handler.ErrorStatus(http.StatusAccepted)
			}
			return handler.Errorf("image %s not found", ref).Status(http.StatusNotFound)
		}
		return handler.Errorf("image info: %s", err)
	}
	return writeJSON(w, info)
}

// storeImageHandler stores an image from the archive named by the "name"
// query param. This is a non-blocking endpoint, which returns 202 while the
// image is being stored and 200 with the image info once it is stored.
func (s *Server) storeImageHandler(w http.ResponseWriter, r *http.Request) error {
	ref, err := parseRef(r)
	if err != nil {
		return err
	}
	if info, err := s.imageInfo(ref); err == nil {
		return writeJSON(w, info)
	}
	src, err := core.NewArchiveSource(
		r.URL.Query().Get("name"), digest.Digest(r.URL.Query().Get("digest")))
	if err != nil {
		return handler.Errorf("archive source: %s", err).Status(http.StatusBadRequest)
	}
	err = s.requestCache.Start(ref, func(ctx context.Context) error {
		_, err := s.images.StoreImage(ctx, ref, src)
		return err
	})
	switch {
	case err == nil, err == dedup.ErrRequestPending:
		return handler.ErrorStatus(http.StatusAccepted)
	case err == dedup.ErrWorkersBusy:
		return handler.ErrorStatus(http.StatusServiceUnavailable)
	case errors.Is(err, base.ErrInvalidArgument):
		return handler.Errorf("store image: %s", err).Status(http.StatusBadRequest)
	default:
		return handler.Errorf("store image: %s", err)
	}
}

func (s *Server) listImagesHandler(w http.ResponseWriter, r *http.Request) error {
	images := s.images.Images()
	infos := make([]core.ImageInfo, 0, len(images))
	for ref, ids := range images {
		infos = append(infos, core.ImageInfo{Reference: ref, Layers: ids})
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Reference < infos[j].Reference })
	return writeJSON(w, infos)
}

func (s *Server) imageInfo(ref string) (core.ImageInfo, error) {
	ids, ok := s.images.Get(ref)
	if !ok {
		return core.ImageInfo{}, fmt.Errorf("image %s: %w", ref, os.ErrNotExist)
	}
	rootfs, err := s.images.RootfsPaths(ref)
	if err != nil {
		return core.ImageInfo{}, err
	}
	return core.ImageInfo{Reference: ref, Layers: ids, Rootfs: rootfs}, nil
}

func writeJSON(w http.ResponseWriter, v interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		return handler.Errorf("json encode: %s", err)
	}
	return nil
}
