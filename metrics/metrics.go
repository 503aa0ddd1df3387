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

// Package metrics builds the root tally scope of a process.
package metrics

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/uber/imagestore/utils/log"

	"github.com/uber-go/tally"
)

type scopeFactory func(config Config, cluster string) (tally.Scope, io.Closer, error)

var _scopeFactories = map[string]scopeFactory{
	"disabled": newDisabledScope,
	"statsd":   newStatsdScope,
	"m3":       newM3Scope,
}

// New creates the root scope for config.Backend, tagged with cluster.
func New(config Config, cluster string) (tally.Scope, io.Closer, error) {
	if config.Backend == "" {
		config.Backend = "disabled"
	}
	f, ok := _scopeFactories[config.Backend]
	if !ok {
		return nil, nil, fmt.Errorf("unknown metrics backend %q", config.Backend)
	}
	return f(config, cluster)
}

// EmitVersion increments a version counter tagged with host and the
// GIT_DESCRIBE of the binary every minute, forever.
func EmitVersion(stats tally.Scope) {
	counter, err := versionCounter(stats)
	if err != nil {
		log.Warnf("Skipping version emitting: %s", err)
		return
	}
	for {
		counter.Inc(1)
		time.Sleep(time.Minute)
	}
}

func versionCounter(stats tally.Scope) (tally.Counter, error) {
	version := os.Getenv("GIT_DESCRIBE")
	if version == "" {
		return nil, errors.New("no GIT_DESCRIBE env variable found")
	}
	hostname, err := os.Hostname()
	if err != nil {
		return nil, fmt.Errorf("hostname: %s", err)
	}
	return stats.Tagged(map[string]string{
		"host":    hostname,
		"version": version,
	}).Counter("version"), nil
}
