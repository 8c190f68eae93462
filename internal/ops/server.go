// Copyright 2026 Esteban Alvarez. All Rights Reserved.
//
// Created: August 2026
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

// Package ops serves the operational HTTP surface: health, pipeline stats,
// breaker inspection and overrides, governance settings updates, and the
// Prometheus scrape endpoint. It is an operator tool; agent-facing write
// APIs live elsewhere.
package ops

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"engram/internal/breaker"
	"engram/internal/governance"
	"engram/internal/store"
)

// Store is the slice of the store the server reads. *store.Store satisfies
// it.
type Store interface {
	Ping(ctx context.Context) error
	OutboxDepth(ctx context.Context) (map[string]int64, error)
	LoadBudgetSnapshot(ctx context.Context) (*store.BudgetSnapshot, error)
}

// Governance applies protected settings changes. *governance.Governance
// satisfies it.
type Governance interface {
	Update(ctx context.Context, req governance.UpdateRequest) (*store.SettingsRow, error)
}

// Config carries the server's identity and auth material.
type Config struct {
	// Project scopes breaker lookups.
	Project string
	// AdminKey guards the breaker override endpoints. Empty disables them.
	AdminKey string
}

// Server handles the ops routes.
type Server struct {
	st       Store
	gov      Governance
	breakers *breaker.Registry
	cfg      Config
	log      *zap.Logger
}

// NewServer wires the ops server. gov may be nil when the process runs
// without governance; the settings route then answers 404.
func NewServer(st Store, gov Governance, breakers *breaker.Registry, cfg Config, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{st: st, gov: gov, breakers: breakers, cfg: cfg, log: log}
}

// Handler builds the route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Get("/stats/outbox", s.handleOutboxStats)
	r.Get("/stats/queue", s.handleQueueStats)
	r.Get("/breaker/{scope}", s.handleBreakerState)
	r.Post("/breaker/{scope}/force-open", s.requireAdmin(s.handleForce(true)))
	r.Post("/breaker/{scope}/force-close", s.requireAdmin(s.handleForce(false)))
	if s.gov != nil {
		r.Post("/governance/settings", s.handleGovernanceUpdate)
	}
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// HTTPServer wraps the handler in a server with the usual timeouts; the
// caller owns its lifecycle.
func (s *Server) HTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  120 * time.Second,
	}
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.st.Ping(ctx); err != nil {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "degraded", "error": err.Error(),
		})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleOutboxStats(w http.ResponseWriter, r *http.Request) {
	depth, err := s.st.OutboxDepth(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{"by_status": depth})
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	snap, err := s.st.LoadBudgetSnapshot(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"running":     snap.Running,
		"pending":     snap.Pending,
		"active":      snap.Active,
		"by_instance": snap.ByInstance,
		"by_tenant":   snap.ByTenant,
	})
}

func (s *Server) handleBreakerState(w http.ResponseWriter, r *http.Request) {
	scope := s.scopeFromParam(chi.URLParam(r, "scope"))
	state, err := s.breakers.For(scope).CurrentState(r.Context())
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{
		"scope": scope.Canonical, "state": string(state),
	})
}

func (s *Server) handleForce(open bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		scope := s.scopeFromParam(chi.URLParam(r, "scope"))
		br := s.breakers.For(scope)
		var err error
		if open {
			err = br.ForceOpen(r.Context())
		} else {
			err = br.ForceClose(r.Context())
		}
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		state, err := br.CurrentState(r.Context())
		if err != nil {
			s.writeError(w, http.StatusInternalServerError, err)
			return
		}
		s.log.Info("breaker override applied",
			zap.String("scope", scope.Canonical), zap.Bool("force_open", open))
		s.writeJSON(w, http.StatusOK, map[string]string{
			"scope": scope.Canonical, "state": string(state),
		})
	}
}

func (s *Server) handleGovernanceUpdate(w http.ResponseWriter, r *http.Request) {
	var req governance.UpdateRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	// The header form keeps the key out of request bodies that get logged.
	if req.AdminKey == "" {
		req.AdminKey = r.Header.Get("X-Admin-Key")
	}
	row, err := s.gov.Update(r.Context(), req)
	if err != nil {
		if errors.Is(err, governance.ErrNotAuthorized) {
			s.writeError(w, http.StatusForbidden, err)
			return
		}
		s.writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"project_key":        row.ProjectKey,
		"team_write_enabled": row.TeamWriteEnabled,
		"policy_json":        json.RawMessage(row.PolicyJSON),
		"updated_by":         row.UpdatedBy,
		"updated_at":         row.UpdatedAt,
	})
}

// scopeFromParam maps a path segment to a breaker scope: "global", a
// "tenant:"/"pool:" prefixed name, or a bare instance key.
func (s *Server) scopeFromParam(param string) breaker.ScopeKey {
	switch {
	case param == "global":
		return breaker.GlobalScope(s.cfg.Project)
	case strings.HasPrefix(param, "tenant:"):
		return breaker.TenantScope(s.cfg.Project, strings.TrimPrefix(param, "tenant:"))
	case strings.HasPrefix(param, "pool:"):
		return breaker.PoolScope(s.cfg.Project, strings.TrimPrefix(param, "pool:"))
	default:
		return breaker.InstanceScope(s.cfg.Project, param)
	}
}

func (s *Server) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Admin-Key")
		if s.cfg.AdminKey == "" || subtle.ConstantTimeCompare([]byte(key), []byte(s.cfg.AdminKey)) != 1 {
			s.writeError(w, http.StatusForbidden, errors.New("admin key required"))
			return
		}
		next(w, r)
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Warn("response encode failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	s.writeJSON(w, status, map[string]string{"error": err.Error()})
}
