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

// Package httpapi is the thin net/http+chi boundary (A6) that exercises
// the core pipeline: upload, multipart, download, share and facts
// endpoints. Owner identity is a header-based stub — real
// registration/JWT/OIDC is out of scope (spec §1's Non-goals).
package httpapi

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/opencloud-eu/filestorage/pkg/appctx"
	"github.com/opencloud-eu/filestorage/pkg/blobstore"
	"github.com/opencloud-eu/filestorage/pkg/cache"
	"github.com/opencloud-eu/filestorage/pkg/download"
	"github.com/opencloud-eu/filestorage/pkg/facts"
	"github.com/opencloud-eu/filestorage/pkg/fileservice"
	"github.com/opencloud-eu/filestorage/pkg/multipart"
	"github.com/opencloud-eu/filestorage/pkg/share"
	"github.com/opencloud-eu/filestorage/pkg/validation"
)

// OwnerHeader carries the caller's owner id, in place of the real
// authentication middleware named out of scope by spec §1.
const OwnerHeader = "X-Owner-Id"

// Config tunes the boundary.
type Config struct {
	Prefix        string `mapstructure:"prefix"`
	MaxUploadSize int64  `mapstructure:"max_upload_size"`
}

// ApplyDefaults implements cfg.Defaulter.
func (c *Config) ApplyDefaults() {
	if c.Prefix == "" {
		c.Prefix = "/api/v1"
	}
	if c.MaxUploadSize <= 0 {
		c.MaxUploadSize = 5 << 30
	}
}

// Limiter gates a per-key action behind a failure budget; satisfied by
// both pkg/cache's in-process CooldownStore and pkg/cooldown's
// redis-backed Background adapter, per spec §9's "in-process by
// default, promotable to redis" note.
type Limiter interface {
	Allow(key string) bool
	RecordFailure(key string)
	Reset(key string)
}

// Server wires the core services behind a chi router.
type Server struct {
	cfg Config

	router *chi.Mux

	files     *fileservice.Service
	life      *blobstore.Lifecycle
	multipart *multipart.Manager
	downloads *download.Resolver
	shares    *share.Service
	facts     *facts.Service
	tickets   *cache.TicketStore
	rules     validation.Loader
	cooldown  Limiter
}

// New builds a Server and wires its routes. cooldown may be nil, in
// which case share-password attempts are not rate-limited.
func New(cfg Config, files *fileservice.Service, life *blobstore.Lifecycle, mp *multipart.Manager, downloads *download.Resolver, shares *share.Service, fct *facts.Service, tickets *cache.TicketStore, rules validation.Loader, cooldown Limiter) *Server {
	cfg.ApplyDefaults()
	s := &Server{
		cfg:       cfg,
		router:    chi.NewRouter(),
		files:     files,
		life:      life,
		multipart: mp,
		downloads: downloads,
		shares:    shares,
		facts:     fct,
		tickets:   tickets,
		rules:     rules,
		cooldown:  cooldown,
	}
	s.routerInit()
	return s
}

// Handler returns the http.Handler to mount at cfg.Prefix.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) routerInit() {
	s.router.Use(middleware.RequestID)
	s.router.Use(ownerIdentity)

	s.router.Post("/files", s.handleUpload)
	s.router.Get("/files", s.handleListChildren)
	s.router.Delete("/files", s.handleBulkDelete)
	s.router.Post("/files/copy", s.handleBulkCopy)
	s.router.Post("/files/move", s.handleBulkMove)
	s.router.Get("/files/{id}/download", s.handleOwnerDownload)

	s.router.Post("/blobs/{id}/quarantine", s.handleQuarantineBlob)

	s.router.Post("/multipart", s.handleMultipartInit)
	s.router.Put("/multipart/{id}/parts/{part}", s.handleMultipartUploadChunk)
	s.router.Post("/multipart/{id}/complete", s.handleMultipartComplete)
	s.router.Delete("/multipart/{id}", s.handleMultipartAbort)

	s.router.Post("/shares", s.handleCreateShare)
	s.router.Get("/s/{token}", s.handleShareInfo)
	s.router.Post("/s/{token}/unlock", s.handleShareUnlock)
	s.router.Get("/s/{token}/download", s.handleShareDownload)
	s.router.Get("/s/{token}/children", s.handleShareChildren)
	s.router.Get("/shares/{id}/access-log", s.handleShareAccessLog)

	s.router.Get("/owners/{id}/facts", s.handleOwnerFacts)

	s.router.Get("/d/{ticket}", s.handleRedeemTicket)
}

func ownerIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()
		if owner := r.Header.Get(OwnerHeader); owner != "" {
			ctx = appctx.WithOwnerID(ctx, owner)
		}
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func ownerFromRequest(r *http.Request) (string, bool) {
	return appctx.GetOwnerID(r.Context())
}

func loadRules(s *Server) (validation.Rules, error) {
	return s.rules.Load()
}

func parseIntQuery(r *http.Request, key string, def int64) int64 {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func newTicket() string {
	return uuid.NewString()
}
