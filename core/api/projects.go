// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/layout"
)

type projectJSON struct {
	ID        string     `json:"id"`
	Name      string     `json:"name"`
	Status    string     `json:"status"`
	CreatedAt time.Time  `json:"created_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty"`
}

func toProjectJSON(project catalog.Project) projectJSON {
	return projectJSON{
		ID:        project.ID,
		Name:      project.Name,
		Status:    string(project.Status),
		CreatedAt: project.CreatedAt,
		DeletedAt: project.DeletedAt,
	}
}

// backendInit prepares the data root. It is safe to call repeatedly.
func (server *Server) backendInit(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	for _, dir := range []string{
		server.layout.DuckRoot(),
		server.layout.SnapshotsDir(),
	} {
		if err = os.MkdirAll(dir, 0o755); err != nil {
			server.serveError(w, Error.Wrap(err))
			return
		}
	}

	server.serveJSON(w, http.StatusOK, map[string]any{
		"initialized": true,
		"version":     server.version,
	})
}

func (server *Server) createProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var input struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if input.Name == "" {
		server.serveError(w, ErrValidation.New("name is required"))
		return
	}
	if input.ID == "" {
		input.ID = newID("proj")
	}
	if err = layout.ValidateSegment(input.ID); err != nil {
		server.serveError(w, err)
		return
	}

	project, err := server.db.Projects().Create(ctx, catalog.Project{
		ID:        input.ID,
		Name:      input.Name,
		Status:    catalog.ProjectActive,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		server.serveError(w, err)
		return
	}

	if err = os.MkdirAll(server.layout.ProjectDir(project.ID), 0o755); err != nil {
		server.serveError(w, Error.Wrap(err))
		return
	}

	server.log.Info("project created", zap.String("project", project.ID))
	server.serveJSON(w, http.StatusCreated, toProjectJSON(project))
}

func (server *Server) listProjects(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	projects, err := server.db.Projects().List(ctx)
	if err != nil {
		server.serveError(w, err)
		return
	}
	out := make([]projectJSON, 0, len(projects))
	for _, project := range projects {
		out = append(out, toProjectJSON(project))
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"projects": out})
}

func (server *Server) getProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	project, err := server.db.Projects().Get(ctx, mux.Vars(r)["pid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, toProjectJSON(project))
}

// deleteProject marks the project deleted, unregisters its derived
// state and removes its data directories. Links held by other projects
// are left orphaned.
func (server *Server) deleteProject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	projectID := mux.Vars(r)["pid"]
	if _, err = server.db.Projects().Get(ctx, projectID); err != nil {
		server.serveError(w, err)
		return
	}

	branchList, err := server.db.Branches().List(ctx, projectID)
	if err != nil {
		server.serveError(w, err)
		return
	}

	if err = server.db.Projects().MarkDeleted(ctx, projectID, time.Now().UTC()); err != nil {
		server.serveError(w, err)
		return
	}
	if err = server.db.Tables().DeleteAll(ctx, projectID); err != nil {
		server.serveError(w, err)
		return
	}
	if err = server.db.APIKeys().DeleteForProject(ctx, projectID); err != nil {
		server.serveError(w, err)
		return
	}

	for _, branch := range branchList {
		if err := os.RemoveAll(server.layout.BranchDir(projectID, branch.ID)); err != nil {
			server.log.Warn("failed to remove branch dir", zap.String("branch", branch.ID), zap.Error(err))
		}
	}
	if err := os.RemoveAll(server.layout.ProjectDir(projectID)); err != nil {
		server.log.Warn("failed to remove project dir", zap.String("project", projectID), zap.Error(err))
	}
	if err := os.RemoveAll(server.layout.FilesDir(projectID)); err != nil {
		server.log.Warn("failed to remove staged files", zap.String("project", projectID), zap.Error(err))
	}

	server.log.Info("project deleted", zap.String("project", projectID))
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) listEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			server.serveError(w, ErrValidation.New("invalid limit %q", raw))
			return
		}
	}

	events, err := server.db.Ops().ListRecent(ctx, mux.Vars(r)["pid"], limit)
	if err != nil {
		server.serveError(w, err)
		return
	}

	type eventJSON struct {
		ID           int64     `json:"id"`
		OccurredAt   time.Time `json:"occurred_at"`
		Actor        string    `json:"actor,omitempty"`
		BranchID     string    `json:"branch_id,omitempty"`
		Name         string    `json:"name"`
		ResourceType string    `json:"resource_type,omitempty"`
		ResourceID   string    `json:"resource_id,omitempty"`
		Status       string    `json:"status"`
		Error        string    `json:"error,omitempty"`
		Details      string    `json:"details,omitempty"`
		DurationMS   int64     `json:"duration_ms"`
		RequestID    string    `json:"request_id,omitempty"`
	}
	out := make([]eventJSON, 0, len(events))
	for _, event := range events {
		out = append(out, eventJSON{
			ID:           event.ID,
			OccurredAt:   event.OccurredAt,
			Actor:        event.Actor,
			BranchID:     event.BranchID,
			Name:         event.Name,
			ResourceType: event.ResourceType,
			ResourceID:   event.ResourceID,
			Status:       event.Status,
			Error:        event.Error,
			Details:      event.Details,
			DurationMS:   event.Duration.Milliseconds(),
			RequestID:    event.RequestID,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"events": out})
}

type apiKeyJSON struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	BranchID    string     `json:"branch_id,omitempty"`
	Scope       string     `json:"scope"`
	Description string     `json:"description,omitempty"`
	KeyPrefix   string     `json:"key_prefix"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
	LastUsedAt  *time.Time `json:"last_used_at,omitempty"`
}

func toAPIKeyJSON(key auth.APIKey) apiKeyJSON {
	return apiKeyJSON{
		ID:          key.ID,
		ProjectID:   key.ProjectID,
		BranchID:    key.BranchID,
		Scope:       string(key.Scope),
		Description: key.Description,
		KeyPrefix:   key.KeyPrefix,
		CreatedAt:   key.CreatedAt,
		ExpiresAt:   key.ExpiresAt,
		RevokedAt:   key.RevokedAt,
		LastUsedAt:  key.LastUsedAt,
	}
}

func (server *Server) createAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	projectID := mux.Vars(r)["pid"]
	var input struct {
		Scope       string     `json:"scope"`
		BranchID    string     `json:"branch_id"`
		Description string     `json:"description"`
		ExpiresAt   *time.Time `json:"expires_at"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	scope := auth.Scope(input.Scope)
	switch scope {
	case auth.ScopeProjectAdmin:
		if input.BranchID != "" {
			server.serveError(w, ErrValidation.New("project keys cannot carry a branch"))
			return
		}
	case auth.ScopeBranchAdmin, auth.ScopeBranchRead:
		if input.BranchID == "" {
			server.serveError(w, ErrValidation.New("scope %q requires branch_id", scope))
			return
		}
	default:
		server.serveError(w, ErrValidation.New("unknown scope %q", input.Scope))
		return
	}

	if _, err = server.db.Projects().Get(ctx, projectID); err != nil {
		server.serveError(w, err)
		return
	}

	key, secret, err := server.auth.CreateKey(ctx, projectID, input.BranchID, scope, input.Description, input.ExpiresAt)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, map[string]any{
		"key":    toAPIKeyJSON(key),
		"secret": secret,
	})
}

func (server *Server) listAPIKeys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	keys, err := server.db.APIKeys().List(ctx, mux.Vars(r)["pid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	out := make([]apiKeyJSON, 0, len(keys))
	for _, key := range keys {
		out = append(out, toAPIKeyJSON(key))
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"keys": out})
}

func (server *Server) revokeAPIKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = server.auth.RevokeKey(ctx, mux.Vars(r)["kid"]); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type s3KeyJSON struct {
	AccessKeyID string     `json:"access_key_id"`
	ProjectID   string     `json:"project_id,omitempty"`
	Description string     `json:"description,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	RevokedAt   *time.Time `json:"revoked_at,omitempty"`
}

func (server *Server) createS3Key(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	projectID := mux.Vars(r)["pid"]
	var input struct {
		Description string `json:"description"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if _, err = server.db.Projects().Get(ctx, projectID); err != nil {
		server.serveError(w, err)
		return
	}

	key, err := server.auth.CreateS3Key(ctx, projectID, input.Description)
	if err != nil {
		server.serveError(w, err)
		return
	}
	// the secret is returned exactly once
	server.serveJSON(w, http.StatusCreated, map[string]any{
		"access_key_id": key.AccessKeyID,
		"secret":        key.Secret,
		"project_id":    key.ProjectID,
	})
}

func (server *Server) listS3Keys(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	keys, err := server.db.S3Keys().List(ctx, mux.Vars(r)["pid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	out := make([]s3KeyJSON, 0, len(keys))
	for _, key := range keys {
		out = append(out, s3KeyJSON{
			AccessKeyID: key.AccessKeyID,
			ProjectID:   key.ProjectID,
			Description: key.Description,
			CreatedAt:   key.CreatedAt,
			RevokedAt:   key.RevokedAt,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"s3_keys": out})
}

func (server *Server) revokeS3Key(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	err = server.db.S3Keys().Revoke(ctx, mux.Vars(r)["akid"], time.Now().UTC())
	if err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
