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
package cmd

import (
	"fmt"
	"net/http"
	"time"

	"github.com/uber/imagestore/agent/agentserver"
	"github.com/uber/imagestore/lib/dockerarchive"
	"github.com/uber/imagestore/lib/store"
	"github.com/uber/imagestore/metrics"
	"github.com/uber/imagestore/utils/configutil"
	"github.com/uber/imagestore/utils/log"

	"github.com/uber-go/tally"
	"go.uber.org/zap"
)

// Flags defines agent CLI flags.
type Flags struct {
	AgentServerPort int
	ConfigFile      string
	SecretsFile     string
	Cluster         string
}

type options struct {
	config  *Config
	metrics tally.Scope
	logger  *zap.Logger
}

// Option defines an optional Run parameter.
type Option func(*options)

// WithConfig ignores config/secrets flags and directly uses the provided config
// struct.
func WithConfig(c Config) Option {
	return func(o *options) { o.config = &c }
}

// WithMetrics ignores metrics config and directly uses the provided tally scope.
func WithMetrics(s tally.Scope) Option {
	return func(o *options) { o.metrics = s }
}

// WithLogger ignores logging config and directly uses the provided logger.
func WithLogger(l *zap.Logger) Option {
	return func(o *options) { o.logger = l }
}

func loadConfig(flags *Flags, overrides options) (Config, error) {
	if overrides.config != nil {
		return *overrides.config, nil
	}
	var config Config
	if err := configutil.Load(flags.ConfigFile, &config); err != nil {
		return Config{}, err
	}
	if flags.SecretsFile != "" {
		if err := configutil.Load(flags.SecretsFile, &config); err != nil {
			return Config{}, err
		}
	}
	return config, nil
}

// newServer wires the image store and its extractor into an agent server.
func newServer(config Config, stats tally.Scope) (*agentserver.Server, error) {
	extractor, err := dockerarchive.New(config.Extractor, stats)
	if err != nil {
		return nil, fmt.Errorf("new extractor: %s", err)
	}
	images, err := store.New(config.Store, stats, extractor)
	if err != nil {
		return nil, fmt.Errorf("new image store: %s", err)
	}
	return agentserver.New(config.AgentServer, stats, images), nil
}

// Run runs the agent.
func Run(flags *Flags, opts ...Option) {
	if flags.AgentServerPort == 0 {
		panic("must specify non-zero agent server port")
	}

	var overrides options
	for _, o := range opts {
		o(&overrides)
	}

	config, err := loadConfig(flags, overrides)
	if err != nil {
		panic(err)
	}

	if overrides.logger != nil {
		log.SetGlobalLogger(overrides.logger.Sugar())
	} else {
		zlog := log.ConfigureLogger(config.ZapLogging)
		defer zlog.Sync()
	}

	stats := overrides.metrics
	if stats == nil {
		s, closer, err := metrics.New(config.Metrics, flags.Cluster)
		if err != nil {
			log.Fatalf("Failed to init metrics: %s", err)
		}
		stats = s
		defer closer.Close()
	}

	go metrics.EmitVersion(stats)

	server, err := newServer(config, stats)
	if err != nil {
		log.Fatalf("Failed to create agent server: %s", err)
	}

	go heartbeat(stats)

	addr := fmt.Sprintf(":%d", flags.AgentServerPort)
	log.Infof("Starting agent server on %s", addr)
	log.Fatal(http.ListenAndServe(addr, server.Handler()))
}

// heartbeat periodically emits a counter metric which allows us to monitor the
// number of active agents.
func heartbeat(stats tally.Scope) {
	for {
		stats.Counter("heartbeat").Inc(1)
		time.Sleep(10 * time.Second)
	}
}
