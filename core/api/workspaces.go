// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"duckpond.io/duckpond/core/workspaces"
)

type workspaceJSON struct {
	ID             string     `json:"id"`
	ProjectID      string     `json:"project_id"`
	BranchID       string     `json:"branch_id,omitempty"`
	Name           string     `json:"name"`
	Status         string     `json:"status"`
	SizeLimitBytes int64      `json:"size_limit_bytes"`
	SizeBytes      int64      `json:"size_bytes"`
	SizeHuman      string     `json:"size_human"`
	ExpiresAt      *time.Time `json:"expires_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
}

func (server *Server) toWorkspaceJSON(workspace workspaces.Workspace) workspaceJSON {
	size := server.workspaces.FileSize(workspace)
	return workspaceJSON{
		ID:             workspace.ID,
		ProjectID:      workspace.ProjectID,
		BranchID:       workspace.BranchID,
		Name:           workspace.Name,
		Status:         string(workspace.EffectiveStatus(time.Now().UTC())),
		SizeLimitBytes: workspace.SizeLimitBytes,
		SizeBytes:      size,
		SizeHuman:      humanize.IBytes(uint64(size)),
		ExpiresAt:      workspace.ExpiresAt,
		CreatedAt:      workspace.CreatedAt,
		UpdatedAt:      workspace.UpdatedAt,
	}
}

type connectionJSON struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Database string `json:"database"`
	Username string `json:"username"`
	Password string `json:"password"`
}

func toConnectionJSON(info workspaces.ConnectionInfo) connectionJSON {
	return connectionJSON{
		Host:     info.Host,
		Port:     info.Port,
		Database: info.Database,
		Username: info.Username,
		Password: info.Password,
	}
}

func (server *Server) createWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	projectID := mux.Vars(r)["pid"]
	var input struct {
		Name       string `json:"name"`
		BranchID   string `json:"branch_id"`
		TTLSeconds int64  `json:"ttl_seconds"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if input.Name == "" {
		server.serveError(w, ErrValidation.New("name is required"))
		return
	}
	if input.TTLSeconds < 0 {
		server.serveError(w, ErrValidation.New("ttl_seconds cannot be negative"))
		return
	}

	branchID := input.BranchID
	if branchID == "main" {
		branchID = ""
	}
	if branchID != "" {
		if _, err = server.branches.Get(ctx, projectID, branchID); err != nil {
			server.serveError(w, err)
			return
		}
	}

	workspace, info, err := server.workspaces.Create(ctx, projectID, branchID, input.Name, time.Duration(input.TTLSeconds)*time.Second)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, map[string]any{
		"workspace":  server.toWorkspaceJSON(workspace),
		"connection": toConnectionJSON(info),
	})
}

func (server *Server) listWorkspaces(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	list, err := server.workspaces.List(ctx, mux.Vars(r)["pid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	out := make([]workspaceJSON, 0, len(list))
	for _, workspace := range list {
		out = append(out, server.toWorkspaceJSON(workspace))
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"workspaces": out})
}

func (server *Server) getWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	workspace, err := server.workspaces.Get(ctx, vars["pid"], vars["wid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, server.toWorkspaceJSON(workspace))
}

func (server *Server) deleteWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = server.workspaces.Delete(ctx, vars["pid"], vars["wid"]); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// liveWorkspace loads the workspace and rejects mutations on expired
// ones. Deleting an expired workspace stays allowed.
func (server *Server) liveWorkspace(ctx context.Context, projectID, id string) (workspaces.Workspace, error) {
	workspace, err := server.workspaces.Get(ctx, projectID, id)
	if err != nil {
		return workspaces.Workspace{}, err
	}
	if workspace.EffectiveStatus(time.Now().UTC()) == workspaces.StatusExpired {
		return workspaces.Workspace{}, workspaces.ErrExpired.New("workspace %q", id)
	}
	return workspace, nil
}

func (server *Server) clearWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	var input struct {
		IgnoreErrors bool `json:"ignore_errors"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if _, err = server.liveWorkspace(ctx, vars["pid"], vars["wid"]); err != nil {
		server.serveError(w, err)
		return
	}

	dropped, err := server.workspaces.Clear(ctx, vars["pid"], vars["wid"], input.IgnoreErrors)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"dropped_objects": dropped})
}

func (server *Server) loadWorkspace(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	var input struct {
		Tables []struct {
			Source      string   `json:"source"`
			Destination string   `json:"destination"`
			Columns     []string `json:"columns"`
			Where       string   `json:"where"`
			Limit       int64    `json:"limit"`
		} `json:"tables"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if len(input.Tables) == 0 {
		server.serveError(w, ErrValidation.New("tables is required"))
		return
	}
	if _, err = server.liveWorkspace(ctx, vars["pid"], vars["wid"]); err != nil {
		server.serveError(w, err)
		return
	}

	inputs := make([]workspaces.LoadInput, 0, len(input.Tables))
	for _, entry := range input.Tables {
		bucket, table, ok := strings.Cut(entry.Source, ".")
		if !ok || bucket == "" || table == "" {
			server.serveError(w, ErrValidation.New("source %q must be bucket.table", entry.Source))
			return
		}
		inputs = append(inputs, workspaces.LoadInput{
			Bucket:      bucket,
			Table:       table,
			Destination: entry.Destination,
			Columns:     entry.Columns,
			Where:       entry.Where,
			Limit:       entry.Limit,
		})
	}

	results, err := server.workspaces.LoadTables(ctx, vars["pid"], vars["wid"], inputs)
	if err != nil {
		server.serveError(w, err)
		return
	}

	type loadResultJSON struct {
		Destination string `json:"destination"`
		Rows        int64  `json:"rows"`
		Found       bool   `json:"found"`
	}
	out := make([]loadResultJSON, 0, len(results))
	for _, result := range results {
		out = append(out, loadResultJSON{
			Destination: result.Destination,
			Rows:        result.Rows,
			Found:       result.Found,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"results": out})
}

func (server *Server) resetWorkspaceCredentials(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if _, err = server.liveWorkspace(ctx, vars["pid"], vars["wid"]); err != nil {
		server.serveError(w, err)
		return
	}

	info, err := server.workspaces.ResetCredentials(ctx, vars["pid"], vars["wid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"connection": toConnectionJSON(info)})
}

func (server *Server) dropWorkspaceObject(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	ignore := r.URL.Query().Get("ignore_if_not_exists") == "true"
	if _, err = server.liveWorkspace(ctx, vars["pid"], vars["wid"]); err != nil {
		server.serveError(w, err)
		return
	}

	if err = server.workspaces.DropObject(ctx, vars["pid"], vars["wid"], vars["name"], ignore); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
