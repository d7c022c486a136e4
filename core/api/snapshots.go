// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/snapshots"
)

type snapshotJSON struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	BranchID    string     `json:"branch_id,omitempty"`
	Bucket      string     `json:"bucket"`
	Table       string     `json:"table"`
	Type        string     `json:"snapshot_type"`
	Description string     `json:"description,omitempty"`
	RowCount    int64      `json:"row_count"`
	SizeBytes   int64      `json:"size_bytes"`
	CreatedAt   time.Time  `json:"created_at"`
	ExpiresAt   *time.Time `json:"expires_at,omitempty"`
}

func toSnapshotJSON(snapshot snapshots.Snapshot) snapshotJSON {
	return snapshotJSON{
		ID:          snapshot.ID,
		ProjectID:   snapshot.ProjectID,
		BranchID:    snapshot.BranchID,
		Bucket:      snapshot.Bucket,
		Table:       snapshot.Table,
		Type:        string(snapshot.Type),
		Description: snapshot.Description,
		RowCount:    snapshot.RowCount,
		SizeBytes:   snapshot.SizeBytes,
		CreatedAt:   snapshot.CreatedAt,
		ExpiresAt:   snapshot.ExpiresAt,
	}
}

func (server *Server) createSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	var input struct {
		Bucket      string `json:"bucket"`
		Table       string `json:"table"`
		Description string `json:"description"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if input.Bucket == "" || input.Table == "" {
		server.serveError(w, ErrValidation.New("bucket and table are required"))
		return
	}

	snapshot, err := server.snapshots.Manual(ctx, snapshots.Location{
		ProjectID: vars["pid"],
		BranchID:  branchParam(vars),
		Bucket:    layout.NormalizeBucketName(input.Bucket),
		Table:     input.Table,
	}, input.Description)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, toSnapshotJSON(snapshot))
}

func (server *Server) listSnapshots(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	query := r.URL.Query()
	bucket := query.Get("bucket")
	if bucket != "" {
		bucket = layout.NormalizeBucketName(bucket)
	}

	list, err := server.snapshots.List(ctx, mux.Vars(r)["pid"], bucket, query.Get("table"))
	if err != nil {
		server.serveError(w, err)
		return
	}
	out := make([]snapshotJSON, 0, len(list))
	for _, snapshot := range list {
		out = append(out, toSnapshotJSON(snapshot))
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"snapshots": out})
}

func (server *Server) getSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	snapshot, err := server.snapshots.Get(ctx, vars["pid"], vars["sid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, toSnapshotJSON(snapshot))
}

func (server *Server) deleteSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = server.snapshots.Delete(ctx, vars["pid"], vars["sid"]); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) restoreSnapshot(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	var input struct {
		TargetTable string `json:"target_table"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	result, err := server.snapshots.Restore(ctx, vars["pid"], vars["sid"], input.TargetTable)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{
		"row_count":   result.RowCount,
		"restored_to": result.RestoredTo,
	})
}

// settingsScope derives the configuration scope from the route: the
// most specific of table, bucket, project.
func settingsScope(vars map[string]string) (snapshots.Scope, string, string) {
	bucket := vars["bucket"]
	if bucket != "" {
		bucket = layout.NormalizeBucketName(bucket)
	}
	switch {
	case vars["table"] != "":
		return snapshots.ScopeTable, bucket, vars["table"]
	case bucket != "":
		return snapshots.ScopeBucket, bucket, ""
	}
	return snapshots.ScopeProject, "", ""
}

// getSnapshotSettings returns the config stored at this scope together
// with the effective resolution seen from it.
func (server *Server) getSnapshotSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	scope, bucket, table := settingsScope(vars)

	config, err := server.snapshots.GetConfig(ctx, scope, vars["pid"], bucket, table)
	if err != nil {
		server.serveError(w, err)
		return
	}
	resolution, err := server.snapshots.Resolve(ctx, vars["pid"], bucket, table)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{
		"scope":       scope,
		"config":      config,
		"effective":   resolution.Effective,
		"inheritance": resolution.Inheritance,
	})
}

func (server *Server) putSnapshotSettings(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	scope, bucket, table := settingsScope(vars)

	var config snapshots.Config
	if err = decodeJSON(r, &config); err != nil {
		server.serveError(w, err)
		return
	}

	if err = server.snapshots.SetConfig(ctx, scope, vars["pid"], bucket, table, config); err != nil {
		server.serveError(w, err)
		return
	}
	resolution, err := server.snapshots.Resolve(ctx, vars["pid"], bucket, table)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{
		"scope":       scope,
		"config":      config,
		"effective":   resolution.Effective,
		"inheritance": resolution.Inheritance,
	})
}
