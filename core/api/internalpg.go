// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"duckpond.io/duckpond/core/pgwire"
	"duckpond.io/duckpond/core/workspaces"
)

type sessionJSON struct {
	ID             string     `json:"id"`
	WorkspaceID    string     `json:"workspace_id"`
	Username       string     `json:"username"`
	ClientAddr     string     `json:"client_addr,omitempty"`
	Status         string     `json:"status"`
	StartedAt      time.Time  `json:"started_at"`
	LastActivityAt time.Time  `json:"last_activity_at"`
	QueryCount     int64      `json:"query_count"`
	EndedAt        *time.Time `json:"ended_at,omitempty"`
}

func toSessionJSON(session workspaces.Session) sessionJSON {
	return sessionJSON{
		ID:             session.ID,
		WorkspaceID:    session.WorkspaceID,
		Username:       session.Username,
		ClientAddr:     session.ClientAddr,
		Status:         string(session.Status),
		StartedAt:      session.StartedAt,
		LastActivityAt: session.LastActivityAt,
		QueryCount:     session.QueryCount,
		EndedAt:        session.EndedAt,
	}
}

// pgAuth runs the wire login checks for an external wire frontend.
func (server *Server) pgAuth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var input struct {
		Username string `json:"username"`
		Password string `json:"password"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	workspace, err := server.verifier.Verify(ctx, input.Username, input.Password)
	if err != nil {
		status := http.StatusInternalServerError
		kind := "internal"
		switch {
		case pgwire.ErrInvalidCredentials.Has(err):
			status, kind = http.StatusUnauthorized, "unauthorized"
		case pgwire.ErrNotActive.Has(err):
			status, kind = http.StatusForbidden, "forbidden"
		case pgwire.ErrExpired.Has(err):
			status, kind = http.StatusGone, "gone"
		case pgwire.ErrTooManySessions.Has(err):
			status, kind = http.StatusTooManyRequests, "too_many_sessions"
		}
		server.serveErrorBody(w, status, errorPayload{Error: kind, Message: err.Error()})
		return
	}

	server.serveJSON(w, http.StatusOK, map[string]any{
		"workspace_id":     workspace.ID,
		"project_id":       workspace.ProjectID,
		"branch_id":        workspace.BranchID,
		"size_limit_bytes": workspace.SizeLimitBytes,
		"expires_at":       workspace.ExpiresAt,
	})
}

func (server *Server) pgCreateSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var input struct {
		SessionID   string `json:"session_id"`
		WorkspaceID string `json:"workspace_id"`
		Username    string `json:"username"`
		ClientAddr  string `json:"client_addr"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if input.WorkspaceID == "" {
		server.serveError(w, ErrValidation.New("workspace_id is required"))
		return
	}
	if input.SessionID == "" {
		input.SessionID = uuid.NewString()
	}

	now := time.Now().UTC()
	session, err := server.db.Sessions().Create(ctx, workspaces.Session{
		ID:             input.SessionID,
		WorkspaceID:    input.WorkspaceID,
		Username:       input.Username,
		ClientAddr:     input.ClientAddr,
		Status:         workspaces.SessionActive,
		StartedAt:      now,
		LastActivityAt: now,
	})
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, toSessionJSON(session))
}

func (server *Server) pgListSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	workspaceID := r.URL.Query().Get("workspace_id")
	if workspaceID == "" {
		server.serveError(w, ErrValidation.New("workspace_id is required"))
		return
	}

	sessions, err := server.db.Sessions().ListActive(ctx, workspaceID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	out := make([]sessionJSON, 0, len(sessions))
	for _, session := range sessions {
		out = append(out, toSessionJSON(session))
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"sessions": out})
}

func (server *Server) pgGetSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	session, err := server.db.Sessions().Get(ctx, mux.Vars(r)["sid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, toSessionJSON(session))
}

// pgTouchSession records activity on a session and bumps its query
// counter.
func (server *Server) pgTouchSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = server.db.Sessions().Touch(ctx, mux.Vars(r)["sid"], time.Now().UTC()); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) pgCloseSession(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	status := workspaces.SessionStatus(r.URL.Query().Get("status"))
	switch status {
	case "":
		status = workspaces.SessionClientDisconnect
	case workspaces.SessionClientDisconnect, workspaces.SessionTimeout,
		workspaces.SessionServerDrain, workspaces.SessionIdleClosed:
	default:
		server.serveError(w, ErrValidation.New("unknown session status %q", status))
		return
	}

	if err = server.db.Sessions().Close(ctx, mux.Vars(r)["sid"], status, time.Now().UTC()); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pgCleanupSessions closes sessions idle longer than the given
// threshold, defaulting to the configured idle timeout.
func (server *Server) pgCleanupSessions(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	idle := server.config.PGWireIdleTimeout
	if raw := r.URL.Query().Get("idle_seconds"); raw != "" {
		seconds, err := strconv.Atoi(raw)
		if err != nil || seconds <= 0 {
			server.serveError(w, ErrValidation.New("invalid idle_seconds %q", raw))
			return
		}
		idle = time.Duration(seconds) * time.Second
	}

	now := time.Now().UTC()
	closed, err := server.db.Sessions().CloseIdle(ctx, now.Add(-idle), now)
	if err != nil {
		server.serveError(w, err)
		return
	}
	ids := make([]string, 0, len(closed))
	for _, session := range closed {
		ids = append(ids, session.ID)
	}
	server.serveJSON(w, http.StatusOK, map[string]any{
		"closed":      len(closed),
		"session_ids": ids,
	})
}
