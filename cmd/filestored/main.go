// Copyright 2018-2022 CERN
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
//
// In applying this license, CERN does not waive the privileges and immunities
// granted to it by virtue of its status as an Intergovernmental Organization
// or submit itself to any jurisdiction.

// Command filestored wires the storage backend's components into a
// running process: it reads a JSON config file, opens the database and
// object store, starts the background worker, and serves the HTTP
// boundary until terminated. Simplified from the teacher's grace.go
// restart-preserving-sockets machinery down to a plain
// signal.NotifyContext shutdown, since this service has no listeners
// worth preserving across a binary upgrade.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/opencloud-eu/filestorage/internal/httpapi"
	"github.com/opencloud-eu/filestorage/pkg/appctx"
	"github.com/opencloud-eu/filestorage/pkg/blobstore"
	"github.com/opencloud-eu/filestorage/pkg/cache"
	"github.com/opencloud-eu/filestorage/pkg/cfg"
	"github.com/opencloud-eu/filestorage/pkg/cooldown"
	"github.com/opencloud-eu/filestorage/pkg/download"
	"github.com/opencloud-eu/filestorage/pkg/events"
	"github.com/opencloud-eu/filestorage/pkg/facts"
	"github.com/opencloud-eu/filestorage/pkg/fileservice"
	"github.com/opencloud-eu/filestorage/pkg/log"
	"github.com/opencloud-eu/filestorage/pkg/multipart"
	"github.com/opencloud-eu/filestorage/pkg/objectstore"
	"github.com/opencloud-eu/filestorage/pkg/scanner"
	"github.com/opencloud-eu/filestorage/pkg/share"
	"github.com/opencloud-eu/filestorage/pkg/store"
	"github.com/opencloud-eu/filestorage/pkg/validation"
	"github.com/opencloud-eu/filestorage/pkg/worker"
)

var configFlag = flag.String("c", "/etc/filestored/config.json", "path to the JSON configuration file")

// config is the top-level configuration document; every section mirrors
// one component's own Config struct (spec SPEC_FULL.md §6).
type config struct {
	Database  store.Config        `mapstructure:"database"`
	S3        objectstore.S3Config `mapstructure:"s3"`
	Scanner   scanner.Config       `mapstructure:"scanner"`
	Worker    worker.Config        `mapstructure:"worker"`
	Events    events.Config        `mapstructure:"events"`
	Cooldown  cooldown.Config      `mapstructure:"cooldown"`
	HTTP      httpapi.Config       `mapstructure:"http"`
	Log       logConfig            `mapstructure:"log"`
	Metrics   metricsConfig        `mapstructure:"metrics"`
	FactsAllowlist []string        `mapstructure:"facts_allowlist"`
	RulesCacheTTLSeconds int       `mapstructure:"rules_cache_ttl_seconds"`
	MultipartChunkSize   int64     `mapstructure:"multipart_chunk_size"`
}

type logConfig struct {
	Level string `mapstructure:"level"`
	Mode  string `mapstructure:"mode"`
}

type metricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Address string `mapstructure:"address"`
}

// ApplyDefaults implements cfg.Defaulter. cfg.Decode only calls this at
// the top level, so it fans out to every nested section that needs its
// own defaults filled in.
func (c *config) ApplyDefaults() {
	c.Database.ApplyDefaults()
	c.S3.ApplyDefaults()
	c.Worker.ApplyDefaults()
	c.HTTP.ApplyDefaults()

	if c.RulesCacheTTLSeconds <= 0 {
		c.RulesCacheTTLSeconds = 30
	}
	if c.MultipartChunkSize <= 0 {
		c.MultipartChunkSize = 10 << 20
	}
	if c.Log.Mode == "" {
		c.Log.Mode = "dev"
	}
	if c.Metrics.Address == "" {
		c.Metrics.Address = ":9100"
	}
}

func main() {
	flag.Parse()

	raw, err := os.ReadFile(*configFlag)
	if err != nil {
		fatal("reading config file", err)
	}
	var asMap map[string]any
	if err := json.Unmarshal(raw, &asMap); err != nil {
		fatal("parsing config file as json", err)
	}

	var c config
	if err := cfg.Decode(asMap, &c); err != nil {
		fatal("decoding config", err)
	}

	log.Mode = c.Log.Mode
	logger := zerolog.New(log.Out).With().Timestamp().Logger()
	if c.Log.Mode == "dev" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: log.Out})
	}
	if level, err := zerolog.ParseLevel(c.Log.Level); err == nil {
		logger = logger.Level(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	ctx = appctx.WithLogger(ctx, &logger)

	s, err := store.Open(c.Database)
	if err != nil {
		fatal("opening database", err)
	}
	defer s.Close()
	if err := s.Migrate(); err != nil {
		fatal("running migrations", err)
	}

	objects, err := objectstore.NewS3Store(c.S3)
	if err != nil {
		fatal("connecting to object store", err)
	}

	life := blobstore.New(s, objects)
	scn := scanner.New(c.Scanner)

	bus, err := events.New(c.Events, logger)
	if err != nil {
		fatal("connecting event bus", err)
	}
	defer bus.Close()

	factsSvc := facts.New(s, c.FactsAllowlist)

	tickets := cache.NewTicketStore(download.PresignTTL)

	var limiter httpapi.Limiter
	var cooldownStore *cache.CooldownStore
	if c.Cooldown.Addr != "" {
		limiter = cooldown.Background{Store: cooldown.New(c.Cooldown, 5, 15*time.Minute)}
	} else {
		cooldownStore = cache.NewCooldownStore(cache.DefaultCooldownSize, 5, 15*time.Minute)
		limiter = cooldownStore
	}

	w := worker.New(c.Worker, s, life, objects, scn, bus, prunersFor(tickets, cooldownStore)...)

	rulesLoader := validation.NewCachedLoader(func() (validation.Rules, error) {
		return s.Rules().LoadRules(context.Background())
	}, time.Duration(c.RulesCacheTTLSeconds)*time.Second)

	files := fileservice.New(s, objects, life, c.Scanner.Enabled, w, factsSvc)
	mp := multipart.New(s, objects, files, c.HTTP.MaxUploadSize, c.MultipartChunkSize)
	downloads := download.New(s, objects)
	shares := share.New(s, objects)

	api := httpapi.New(c.HTTP, files, life, mp, downloads, shares, factsSvc, tickets, rulesLoader, limiter)

	mux := http.NewServeMux()
	mux.Handle(c.HTTP.Prefix+"/", http.StripPrefix(c.HTTP.Prefix, api.Handler()))

	httpServer := &http.Server{Addr: httpAddr(), Handler: mux}

	go w.Run(ctx)

	var metricsServer *http.Server
	if c.Metrics.Enabled {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.Handler())
		metricsServer = &http.Server{Addr: c.Metrics.Address, Handler: metricsMux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
	}

	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("filestored: listening")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error().Err(err).Msg("http server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("filestored: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_ = httpServer.Shutdown(shutdownCtx)
	if metricsServer != nil {
		_ = metricsServer.Shutdown(shutdownCtx)
	}
}

func httpAddr() string {
	if addr := os.Getenv("FILESTORED_HTTP_ADDR"); addr != "" {
		return addr
	}
	return ":8080"
}

// prunersFor collects every process-local cache that needs a
// housekeeping sweep, skipping the redis-backed cooldown store since
// its entries expire server-side.
func prunersFor(tickets *cache.TicketStore, cooldownStore *cache.CooldownStore) []worker.InMemoryPruner {
	pruners := []worker.InMemoryPruner{tickets}
	if cooldownStore != nil {
		pruners = append(pruners, cooldownStore)
	}
	return pruners
}

func fatal(action string, err error) {
	zerolog.New(os.Stderr).With().Timestamp().Logger().Fatal().Err(err).Msg("filestored: " + action)
}
