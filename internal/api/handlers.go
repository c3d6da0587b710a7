package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/time/rate"

	"github.com/mattjoyce/sandpit/internal/liveness"
	"github.com/mattjoyce/sandpit/internal/revision"
	"github.com/mattjoyce/sandpit/internal/toolchain"
	"github.com/mattjoyce/sandpit/internal/workspace"
)

const maxBodyBytes = 1 << 20

// handleHealthz handles GET /healthz (no auth).
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	s.leaseMu.Lock()
	leases := len(s.leases)
	s.leaseMu.Unlock()

	respondJSON(w, http.StatusOK, HealthzResponse{
		Status:        "ok",
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Workspaces:    len(s.workspaces.Snapshot()),
		Leases:        leases,
	})
}

// handleListWorkspaces handles GET /v1/workspaces.
func (s *Server) handleListWorkspaces(w http.ResponseWriter, r *http.Request) {
	infos := s.workspaces.Snapshot()
	if infos == nil {
		infos = []workspace.Info{}
	}
	respondJSON(w, http.StatusOK, WorkspacesResponse{Workspaces: infos})
}

// handleGetDependencies handles GET /v1/workspaces/{user}/dependencies. It
// provisions the workspace if needed.
func (s *Server) handleGetDependencies(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")
	version := s.version(r.URL.Query().Get("version"))

	pkgs, err := s.workspaces.Dependencies(r.Context(), userID, version)
	if err != nil {
		s.writeWorkspaceError(w, userID, err)
		return
	}
	respondJSON(w, http.StatusOK, DependenciesResponse{UserID: userID, Version: version, Packages: pkgs})
}

// handleSetDependencies handles PUT /v1/workspaces/{user}/dependencies.
func (s *Server) handleSetDependencies(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")

	var req DependenciesRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.workspaces.SetDependencies(r.Context(), userID, req.Packages); err != nil {
		s.writeWorkspaceError(w, userID, err)
		return
	}
	respondJSON(w, http.StatusOK, DependenciesResponse{UserID: userID, Packages: req.Packages})
}

// handleCompile handles POST /v1/workspaces/{user}/compile.
func (s *Server) handleCompile(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")

	var req CompileRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if !s.allowCompile(userID) {
		w.Header().Set("Retry-After", "1")
		respondJSON(w, http.StatusTooManyRequests, ErrorResponse{Error: "compile rate limit exceeded", Kind: "rate-limited"})
		return
	}

	resp, err := s.compile(r.Context(), userID, req)
	if err != nil {
		s.writeWorkspaceError(w, userID, err)
		return
	}
	respondJSON(w, http.StatusOK, resp)
}

// compile is shared by the REST and websocket paths.
func (s *Server) compile(ctx context.Context, userID string, req CompileRequest) (*CompileResponse, error) {
	version := s.version(req.Version)
	if strings.TrimSpace(req.Source) == "" {
		return nil, errBadRequest("source is empty")
	}

	var wreq workspace.Request
	wreq.UserID = userID
	wreq.Version = version
	wreq.Source = req.Source
	wreq.HTML = req.HTML
	if req.Packages != nil {
		wreq.Packages = *req.Packages
	} else {
		current, err := s.workspaces.Dependencies(ctx, userID, version)
		if err != nil {
			return nil, err
		}
		wreq.Packages = current
	}

	res, err := s.workspaces.Compile(ctx, wreq)
	if err != nil {
		return nil, err
	}
	resp := &CompileResponse{
		Succeeded:   res.Succeeded,
		Diagnostic:  res.Diagnostic,
		Summary:     res.Diagnostic.Summary(),
		ContentHash: res.ContentHash,
		Cached:      res.Cached,
		DurationMS:  res.Duration.Milliseconds(),
	}
	if res.OutputPath != "" {
		resp.ArtifactURL = "/v1/workspaces/" + userID + "/artifact"
	}
	return resp, nil
}

// handleArtifact handles GET /v1/workspaces/{user}/artifact.
func (s *Server) handleArtifact(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")

	art, ok := s.workspaces.BuildArtifact(userID)
	if !ok {
		s.writeError(w, http.StatusNotFound, "no build output for user")
		return
	}
	f, err := os.Open(art.Path)
	if err != nil {
		s.writeError(w, http.StatusNotFound, "no build output for user")
		return
	}
	defer f.Close()
	st, err := f.Stat()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "stat build output")
		return
	}

	w.Header().Set("Content-Type", "application/javascript; charset=utf-8")
	w.Header().Set("X-Content-Hash", art.ContentHash)
	w.Header().Set("ETag", strconv.Quote(art.ContentHash))
	w.Header().Set("Cache-Control", "no-cache")
	http.ServeContent(w, r, "", st.ModTime(), f)
}

// handleLease handles PUT /v1/workspaces/{user}/lease. The first call ties
// the workspace to a heartbeat; later calls renew it.
func (s *Server) handleLease(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")

	s.leaseMu.Lock()
	hb, ok := s.leases[userID]
	if ok && hb.Beat() {
		s.leaseMu.Unlock()
		respondJSON(w, http.StatusOK, LeaseResponse{
			UserID:           userID,
			Renewed:          true,
			ExpiresInSeconds: int64(s.config.LeaseTimeout.Seconds()),
		})
		return
	}

	hb = liveness.NewHeartbeat(s.config.LeaseTimeout)
	if err := s.workspaces.ReleaseAfter(userID, hb); err != nil {
		s.leaseMu.Unlock()
		hb.Stop()
		s.writeWorkspaceError(w, userID, err)
		return
	}
	s.leases[userID] = hb
	s.leaseMu.Unlock()
	go s.reapLease(userID, hb)

	respondJSON(w, http.StatusCreated, LeaseResponse{
		UserID:           userID,
		ExpiresInSeconds: int64(s.config.LeaseTimeout.Seconds()),
	})
}

func (s *Server) reapLease(userID string, hb *liveness.Heartbeat) {
	<-hb.Done()
	s.leaseMu.Lock()
	if s.leases[userID] == hb {
		delete(s.leases, userID)
	}
	s.leaseMu.Unlock()
}

// dropLease stops and forgets userID's lease, if any.
func (s *Server) dropLease(userID string) {
	s.leaseMu.Lock()
	hb, ok := s.leases[userID]
	delete(s.leases, userID)
	s.leaseMu.Unlock()
	if ok {
		hb.Stop()
	}
}

func (s *Server) stopLeases() {
	s.leaseMu.Lock()
	defer s.leaseMu.Unlock()
	for _, hb := range s.leases {
		hb.Stop()
	}
}

// handleRelease handles DELETE /v1/workspaces/{user}.
func (s *Server) handleRelease(w http.ResponseWriter, r *http.Request) {
	userID := chi.URLParam(r, "user")

	if err := s.workspaces.Release(r.Context(), userID); err != nil {
		s.writeWorkspaceError(w, userID, err)
		return
	}
	// Release already forgot the owner, so stopping the lease is inert.
	s.leaseMu.Lock()
	if hb, ok := s.leases[userID]; ok {
		hb.Stop()
	}
	s.leaseMu.Unlock()
	w.WriteHeader(http.StatusNoContent)
}

// handleFormat handles POST /v1/format.
func (s *Server) handleFormat(w http.ResponseWriter, r *http.Request) {
	var req FormatRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	formatted, err := s.formatter.Format(r.Context(), s.version(req.Version), req.Source)
	if err != nil {
		s.observeFormat("error")
		switch {
		case errors.Is(err, toolchain.ErrFormat):
			respondJSON(w, http.StatusUnprocessableEntity, ErrorResponse{Error: err.Error(), Kind: "format"})
		case errors.Is(err, toolchain.ErrUnsupportedVersion):
			respondJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Kind: "unsupported-version"})
		default:
			s.logger.Error("format failed", "error", err)
			respondJSON(w, http.StatusBadGateway, ErrorResponse{Error: err.Error(), Kind: "infrastructure"})
		}
		return
	}
	s.observeFormat("ok")
	respondJSON(w, http.StatusOK, FormatResponse{Formatted: formatted})
}

// handleCreateUser handles POST /v1/users.
func (s *Server) handleCreateUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.revisions.CreateUser(r.Context())
	if err != nil {
		s.writeRevisionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, u)
}

// handleGetUser handles GET /v1/users/{id}.
func (s *Server) handleGetUser(w http.ResponseWriter, r *http.Request) {
	u, err := s.revisions.GetUser(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRevisionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, u)
}

// handleListRevisions handles GET /v1/users/{id}/revisions?limit=.
func (s *Server) handleListRevisions(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}
	revs, err := s.revisions.ListRevisions(r.Context(), chi.URLParam(r, "id"), limit)
	if err != nil {
		s.writeRevisionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"revisions": revs})
}

// handleCreateRevision handles POST /v1/revisions.
func (s *Server) handleCreateRevision(w http.ResponseWriter, r *http.Request) {
	var req CreateRevisionRequest
	if err := decodeBody(w, r, &req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rev, err := s.revisions.CreateRevision(r.Context(), revision.Draft{
		UserID:   req.UserID,
		Title:    req.Title,
		Source:   req.Source,
		HTML:     req.HTML,
		Packages: req.Packages,
		Version:  s.version(req.Version),
	})
	if err != nil {
		s.writeRevisionError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, rev)
}

// handleGetRevision handles GET /v1/revisions/{id}.
func (s *Server) handleGetRevision(w http.ResponseWriter, r *http.Request) {
	rev, err := s.revisions.GetRevision(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeRevisionError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rev)
}

func (s *Server) version(v string) string {
	if v = strings.TrimSpace(v); v != "" {
		return v
	}
	return s.config.DefaultVersion
}

// allowCompile applies the per-user compile rate limit.
func (s *Server) allowCompile(userID string) bool {
	if s.config.CompileRate <= 0 {
		return true
	}
	lim, ok := s.limiters.Get(userID)
	if !ok {
		lim = rate.NewLimiter(s.config.CompileRate, s.config.CompileBurst)
		// A concurrent first request may win; either limiter is fine.
		if prev, found, _ := s.limiters.PeekOrAdd(userID, lim); found {
			lim = prev
		}
	}
	if lim.Allow() {
		return true
	}
	if s.metrics != nil {
		s.metrics.RateLimited()
	}
	return false
}

func (s *Server) observeFormat(result string) {
	if s.metrics != nil {
		s.metrics.ObserveFormat(result)
	}
}

type badRequestError string

func (e badRequestError) Error() string { return string(e) }

func errBadRequest(msg string) error { return badRequestError(msg) }

// errorStatus maps workspace and toolchain errors onto an HTTP status and
// an error kind.
func errorStatus(err error) (int, string) {
	var bad badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest, "bad-request"
	case errors.Is(err, workspace.ErrInvalidUser):
		return http.StatusBadRequest, "invalid-user"
	case errors.Is(err, toolchain.ErrUnsupportedVersion):
		return http.StatusBadRequest, "unsupported-version"
	case errors.Is(err, workspace.ErrProvisioning):
		return http.StatusServiceUnavailable, "provisioning"
	case errors.Is(err, workspace.ErrInfrastructure):
		return http.StatusBadGateway, "infrastructure"
	case errors.Is(err, workspace.ErrNoWorkspace):
		return http.StatusNotFound, "no-workspace"
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout, "timeout"
	case errors.Is(err, context.Canceled):
		// The client went away; the status is only seen in logs.
		return 499, "cancelled"
	default:
		return http.StatusInternalServerError, "internal"
	}
}

func (s *Server) writeWorkspaceError(w http.ResponseWriter, userID string, err error) {
	status, kind := errorStatus(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("workspace request failed", "user_id", userID, "kind", kind, "error", err)
	}
	respondJSON(w, status, ErrorResponse{Error: err.Error(), Kind: kind})
}

func (s *Server) writeRevisionError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, revision.ErrNotFound):
		s.writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, revision.ErrInvalid):
		s.writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("revision store failed", "error", err)
		s.writeError(w, http.StatusInternalServerError, "revision store failure")
	}
}

// decodeBody reads a bounded JSON body into dst, rejecting unknown fields.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is empty")
		}
		return errors.New("invalid JSON body: " + err.Error())
	}
	return nil
}

// respondJSON is a helper to write JSON responses
func respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response
func (s *Server) writeError(w http.ResponseWriter, statusCode int, message string) {
	respondJSON(w, statusCode, ErrorResponse{Error: message})
}
