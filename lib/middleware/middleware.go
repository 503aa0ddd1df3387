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

// Package middleware records per-endpoint metrics for chi routers.
package middleware

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi"
	chimiddleware "github.com/go-chi/chi/middleware"
	"github.com/uber-go/tally"
)

// scopeByEndpoint scopes stats by the static parts of the matched route
// pattern and the request method, e.g. "GET /images/{ref}" becomes
// images.GET. It must run after next has served r, since chi only fills in
// the route pattern while routing.
func scopeByEndpoint(stats tally.Scope, r *http.Request) tally.Scope {
	if ctx := chi.RouteContext(r.Context()); ctx != nil {
		for _, part := range strings.Split(ctx.RoutePattern(), "/") {
			if part == "" || part[0] == '{' || part == "*" {
				continue
			}
			stats = stats.SubScope(part)
		}
	}
	return stats.SubScope(strings.ToUpper(r.Method))
}

// LatencyTimer records endpoint latencies.
func LatencyTimer(stats tally.Scope) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			scopeByEndpoint(stats, r).Timer("latency").Record(time.Since(start))
		})
	}
}

// StatusCounter counts endpoint responses by status code.
func StatusCounter(stats tally.Scope) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := chimiddleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			scopeByEndpoint(stats, r).Tagged(map[string]string{
				"status": strconv.Itoa(status),
			}).Counter("count").Inc(1)
		})
	}
}
