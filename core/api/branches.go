// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"

	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/layout"
)

type branchJSON struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func toBranchJSON(branch branches.Branch) branchJSON {
	return branchJSON{
		ID:          branch.ID,
		Name:        branch.Name,
		Description: branch.Description,
		CreatedAt:   branch.CreatedAt,
	}
}

func (server *Server) createBranch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var input struct {
		Name        string `json:"name"`
		Description string `json:"description"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if input.Name == "" {
		server.serveError(w, ErrValidation.New("name is required"))
		return
	}

	branch, err := server.branches.Create(ctx, mux.Vars(r)["pid"], input.Name, input.Description)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, toBranchJSON(branch))
}

func (server *Server) listBranches(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	list, err := server.branches.List(ctx, mux.Vars(r)["pid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	out := make([]branchJSON, 0, len(list))
	for _, branch := range list {
		out = append(out, toBranchJSON(branch))
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"branches": out})
}

// getBranch returns the branch with its copy-on-write statistics.
func (server *Server) getBranch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	branchID := branchParam(vars)
	if branchID == "" {
		server.serveError(w, ErrValidation.New("main is not a branch"))
		return
	}

	stats, err := server.branches.Stats(ctx, vars["pid"], branchID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{
		"id":            stats.Branch.ID,
		"name":          stats.Branch.Name,
		"description":   stats.Branch.Description,
		"created_at":    stats.Branch.CreatedAt,
		"copied_tables": stats.CopiedTables,
		"files":         stats.Files,
		"size_bytes":    stats.SizeBytes,
		"size_human":    humanize.IBytes(uint64(stats.SizeBytes)),
	})
}

// deleteBranch removes the branch, its copied tables and any
// workspaces that live under it.
func (server *Server) deleteBranch(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	projectID := vars["pid"]
	branchID := branchParam(vars)
	if branchID == "" {
		server.serveError(w, ErrValidation.New("main cannot be deleted"))
		return
	}

	attached, err := server.db.Workspaces().ListForBranch(ctx, projectID, branchID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	for _, workspace := range attached {
		if err := server.workspaces.Delete(ctx, projectID, workspace.ID); err != nil {
			server.serveError(w, err)
			return
		}
	}

	if err = server.branches.Delete(ctx, projectID, branchID); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// pullBranchTable discards the branch copy of a table so reads fall
// back to main.
func (server *Server) pullBranchTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	branchID := branchParam(vars)
	if branchID == "" {
		server.serveError(w, ErrValidation.New("cannot pull on main"))
		return
	}

	removed, err := server.branches.Pull(ctx, vars["pid"], branchID,
		layout.NormalizeBucketName(vars["bucket"]), vars["table"], newID("op"))
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"removed": removed})
}
