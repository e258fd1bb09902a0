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

package httpapi

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/opencloud-eu/filestorage/pkg/errtypes"
	"github.com/opencloud-eu/filestorage/pkg/model"
)

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}

	filename := r.URL.Query().Get("filename")
	if filename == "" {
		writeError(w, errtypes.BadRequest("filename query parameter is required"))
		return
	}
	declaredMime := r.Header.Get("Content-Type")
	if declaredMime == "" {
		declaredMime = "application/octet-stream"
	}

	var parentID *string
	if p := r.URL.Query().Get("parent_id"); p != "" {
		parentID = &p
	}
	var expiresIn *time.Duration
	if h := parseIntQuery(r, "expires_in_seconds", 0); h > 0 {
		d := time.Duration(h) * time.Second
		expiresIn = &d
	}

	rules, err := loadRules(s)
	if err != nil {
		writeError(w, errtypes.InternalError("loading validation rules failed: "+err.Error()))
		return
	}

	staged, err := s.files.Stage(ctx, filename, declaredMime, r.Body, s.cfg.MaxUploadSize, rules)
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.files.Commit(ctx, staged, filename, owner, parentID, expiresIn, declaredMime)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleListChildren(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	var parentID *string
	if p := r.URL.Query().Get("parent_id"); p != "" {
		parentID = &p
	}

	children, err := s.life.ListChildren(r.Context(), owner, parentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, children)
}

func (s *Server) handleBulkDelete(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	var req struct {
		IDs []string `json:"ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errtypes.BadRequest("malformed request body: "+err.Error()))
		return
	}

	n, err := s.life.BulkDelete(r.Context(), owner, req.IDs, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"deleted": n})
}

func (s *Server) handleBulkCopy(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	var req struct {
		IDs            []string `json:"ids"`
		TargetParentID *string  `json:"target_parent_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errtypes.BadRequest("malformed request body: "+err.Error()))
		return
	}

	copied, err := s.life.BulkCopy(r.Context(), owner, req.IDs, req.TargetParentID, time.Now())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, copied)
}

func (s *Server) handleBulkMove(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	var req struct {
		IDs            []string `json:"ids"`
		TargetParentID *string  `json:"target_parent_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errtypes.BadRequest("malformed request body: "+err.Error()))
		return
	}

	if err := s.life.BulkMove(r.Context(), owner, req.IDs, req.TargetParentID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// handleQuarantineBlob hard-deletes an infected blob on demand; the
// worker's housekeeping sweep already calls the same Lifecycle method
// automatically once a blob's quarantine grace period elapses (spec
// §4.9 duty C), this route exists for an operator who wants to act
// before that grace period runs out.
func (s *Server) handleQuarantineBlob(w http.ResponseWriter, r *http.Request) {
	blobID := chi.URLParam(r, "id")
	if err := s.life.Quarantine(r.Context(), blobID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleOwnerDownload(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	id := chi.URLParam(r, "id")

	handoff, err := s.downloads.ResolveOwnerDownload(r.Context(), id, owner)
	if err != nil {
		writeError(w, err)
		return
	}

	ticket := newTicket()
	expiresAt := s.tickets.Put(ticket, handoff)
	writeJSON(w, http.StatusOK, ticketResponse{Ticket: ticket, ExpiresAt: expiresAt, ContentType: handoff.ContentType})
}

type ticketResponse struct {
	Ticket      string    `json:"ticket"`
	ExpiresAt   time.Time `json:"expires_at"`
	ContentType string    `json:"content_type"`
}

func (s *Server) handleRedeemTicket(w http.ResponseWriter, r *http.Request) {
	ticket := chi.URLParam(r, "ticket")
	handoff, ok := s.tickets.Get(ticket)
	if !ok {
		writeError(w, errtypes.Gone("download ticket is invalid or has expired"))
		return
	}
	s.tickets.Revoke(ticket)
	http.Redirect(w, r, handoff.URL, http.StatusFound)
}

func (s *Server) handleMultipartInit(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}

	var req struct {
		Filename     string  `json:"filename"`
		ContentType  string  `json:"content_type"`
		TotalSize    int64   `json:"total_size"`
		ParentID     *string `json:"parent_id,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errtypes.BadRequest("malformed request body: "+err.Error()))
		return
	}

	res, err := s.multipart.Init(r.Context(), owner, req.Filename, req.ContentType, req.TotalSize, req.ParentID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (s *Server) handleMultipartUploadChunk(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	sessionID := chi.URLParam(r, "id")
	partNumber, err := strconv.Atoi(chi.URLParam(r, "part"))
	if err != nil {
		writeError(w, errtypes.BadRequest("part number must be an integer"))
		return
	}

	if err := s.multipart.UploadChunk(r.Context(), owner, sessionID, partNumber, r.Body, r.ContentLength); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMultipartComplete(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	sessionID := chi.URLParam(r, "id")

	var req struct {
		ParentID   *string `json:"parent_id,omitempty"`
		ClientHash string  `json:"client_hash,omitempty"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	res, err := s.multipart.Complete(r.Context(), owner, sessionID, req.ParentID, req.ClientHash)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleMultipartAbort(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	sessionID := chi.URLParam(r, "id")
	if err := s.multipart.Abort(r.Context(), owner, sessionID); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleCreateShare(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}

	var req struct {
		FileID       string               `json:"file_id"`
		Kind         model.ShareKind      `json:"kind"`
		TargetUserID *string              `json:"target_user_id,omitempty"`
		Password     string               `json:"password,omitempty"`
		Permission   model.SharePermission `json:"permission"`
		ExpiresInSec int64                `json:"expires_in_seconds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, errtypes.BadRequest("malformed request body: "+err.Error()))
		return
	}

	sh, err := s.shares.CreateShare(r.Context(), req.FileID, owner, req.Kind, req.TargetUserID, req.Password, req.Permission, time.Duration(req.ExpiresInSec)*time.Second)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, sh)
}

func (s *Server) handleShareInfo(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	sh, err := s.shares.GetByToken(r.Context(), token)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sh)
}

func (s *Server) handleShareUnlock(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	ip := clientIP(r)
	if s.cooldown != nil && !s.cooldown.Allow(ip) {
		writeError(w, errtypes.BudgetExceeded("too many failed attempts, try again later"))
		return
	}

	var req struct {
		Password string `json:"password"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)

	ok, err := s.shares.VerifyPassword(r.Context(), token, req.Password, ip, r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	if s.cooldown != nil {
		if ok {
			s.cooldown.Reset(ip)
		} else {
			s.cooldown.RecordFailure(ip)
		}
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": ok})
}

func (s *Server) handleShareDownload(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	password := r.URL.Query().Get("password")
	accessedBy, _ := ownerFromRequest(r)

	handoff, err := s.shares.DownloadShared(r.Context(), token, password, accessedBy, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	ticket := newTicket()
	expiresAt := s.tickets.Put(ticket, handoff)
	writeJSON(w, http.StatusOK, ticketResponse{Ticket: ticket, ExpiresAt: expiresAt, ContentType: handoff.ContentType})
}

func (s *Server) handleShareChildren(w http.ResponseWriter, r *http.Request) {
	token := chi.URLParam(r, "token")
	accessedBy, _ := ownerFromRequest(r)

	entries, err := s.shares.ListSharedFolder(r.Context(), token, accessedBy, clientIP(r), r.UserAgent())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleShareAccessLog(w http.ResponseWriter, r *http.Request) {
	owner, ok := ownerFromRequest(r)
	if !ok {
		writeError(w, errtypes.UserRequired("owner identity required"))
		return
	}
	shareID := chi.URLParam(r, "id")

	entries, err := s.shares.ListAccessLog(r.Context(), shareID, owner)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleOwnerFacts(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	f, err := s.facts.Get(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, f)
}

func clientIP(r *http.Request) string {
	host := r.RemoteAddr
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	return host
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type apiError struct {
	Error string `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusFor(err))
	_ = json.NewEncoder(w).Encode(apiError{Error: err.Error()})
}

// statusFor maps the errtypes taxonomy (§7) onto HTTP status codes, the
// same type-assertion pattern ocdav and ocs handlers use.
func statusFor(err error) int {
	switch {
	case isA[errtypes.IsNotFound](err):
		return http.StatusNotFound
	case isA[errtypes.IsAlreadyExists](err):
		return http.StatusConflict
	case isA[errtypes.IsUserRequired](err):
		return http.StatusUnauthorized
	case isA[errtypes.IsInvalidCredentials](err):
		return http.StatusUnauthorized
	case isA[errtypes.IsPermissionDenied](err):
		return http.StatusForbidden
	case isA[errtypes.IsGone](err):
		return http.StatusGone
	case isA[errtypes.IsBadRequest](err):
		return http.StatusBadRequest
	case isA[errtypes.IsPayloadTooLarge](err):
		return http.StatusRequestEntityTooLarge
	case isA[errtypes.IsBudgetExceeded](err):
		return http.StatusTooManyRequests
	case isA[errtypes.IsNotSupported](err):
		return http.StatusNotImplemented
	default:
		return http.StatusInternalServerError
	}
}

func isA[T any](err error) bool {
	_, ok := err.(T)
	return ok
}
