// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/shares"
)

type shareJSON struct {
	SourceProjectID string    `json:"source_project_id"`
	SourceBucket    string    `json:"source_bucket"`
	TargetProjectID string    `json:"target_project_id"`
	ShareType       string    `json:"share_type"`
	RoleName        string    `json:"share_role_name"`
	CreatedAt       time.Time `json:"created_at"`
}

func toShareJSON(share shares.Share) shareJSON {
	return shareJSON{
		SourceProjectID: share.SourceProjectID,
		SourceBucket:    share.SourceBucket,
		TargetProjectID: share.TargetProjectID,
		ShareType:       share.ShareType,
		RoleName:        share.RoleName,
		CreatedAt:       share.CreatedAt,
	}
}

// mainOnly rejects share and link calls addressed to a branch; shared
// data always comes from main.
func mainOnly(vars map[string]string) error {
	if branchParam(vars) != "" {
		return ErrValidation.New("shares operate on main, not on branches")
	}
	return nil
}

// targetProject reads the share target from the body or the query.
func targetProject(r *http.Request) (string, error) {
	var input struct {
		TargetProject string `json:"target_project"`
	}
	if err := decodeJSON(r, &input); err != nil {
		return "", err
	}
	if input.TargetProject == "" {
		input.TargetProject = r.URL.Query().Get("target_project")
	}
	if input.TargetProject == "" {
		return "", ErrValidation.New("target_project is required")
	}
	return input.TargetProject, nil
}

func (server *Server) shareBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = mainOnly(vars); err != nil {
		server.serveError(w, err)
		return
	}
	target, err := targetProject(r)
	if err != nil {
		server.serveError(w, err)
		return
	}

	share, err := server.shares.Share(ctx, vars["pid"], vars["bucket"], target)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, toShareJSON(share))
}

func (server *Server) unshareBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = mainOnly(vars); err != nil {
		server.serveError(w, err)
		return
	}
	target, err := targetProject(r)
	if err != nil {
		server.serveError(w, err)
		return
	}

	if err = server.shares.Unshare(ctx, vars["pid"], vars["bucket"], target); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// linkBucket materializes a share: the route bucket is the link target
// created in this project, the body names the source.
func (server *Server) linkBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = mainOnly(vars); err != nil {
		server.serveError(w, err)
		return
	}
	var input struct {
		SourceProjectID string `json:"source_project_id"`
		SourceBucket    string `json:"source_bucket"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if input.SourceProjectID == "" || input.SourceBucket == "" {
		server.serveError(w, ErrValidation.New("source_project_id and source_bucket are required"))
		return
	}

	link, err := server.shares.Link(ctx, vars["pid"], vars["bucket"], input.SourceProjectID, input.SourceBucket)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, map[string]any{
		"target_bucket":     link.TargetBucket,
		"source_project_id": link.SourceProjectID,
		"source_bucket":     link.SourceBucket,
		"views":             link.Views,
		"created_at":        link.CreatedAt,
	})
}

func (server *Server) unlinkBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = mainOnly(vars); err != nil {
		server.serveError(w, err)
		return
	}

	if err = server.shares.Unlink(ctx, vars["pid"], vars["bucket"]); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// grantReadonly records a read grant for audit. The attach on the
// target side is read-only by construction, so there is nothing to
// enforce here.
func (server *Server) grantReadonly(w http.ResponseWriter, r *http.Request) {
	server.recordReadonly(w, r, "granted")
}

func (server *Server) revokeReadonly(w http.ResponseWriter, r *http.Request) {
	server.recordReadonly(w, r, "revoked")
}

func (server *Server) recordReadonly(w http.ResponseWriter, r *http.Request, action string) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = mainOnly(vars); err != nil {
		server.serveError(w, err)
		return
	}
	target, err := targetProject(r)
	if err != nil {
		server.serveError(w, err)
		return
	}
	bucket := layout.NormalizeBucketName(vars["bucket"])
	if _, err = server.db.Buckets().Get(ctx, vars["pid"], bucket); err != nil {
		server.serveError(w, err)
		return
	}

	server.log.Info("readonly access "+action,
		zap.String("project", vars["pid"]),
		zap.String("bucket", bucket),
		zap.String("target", target))
	server.serveJSON(w, http.StatusOK, map[string]any{
		"status":    action,
		"role_name": shares.RoleName(vars["pid"], bucket),
	})
}

func (server *Server) listLinks(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = mainOnly(vars); err != nil {
		server.serveError(w, err)
		return
	}

	links, err := server.shares.ListLinks(ctx, vars["pid"])
	if err != nil {
		server.serveError(w, err)
		return
	}

	type linkJSON struct {
		TargetBucket    string    `json:"target_bucket"`
		SourceProjectID string    `json:"source_project_id"`
		SourceBucket    string    `json:"source_bucket"`
		Views           []string  `json:"views"`
		CreatedAt       time.Time `json:"created_at"`
		Orphaned        bool      `json:"orphaned"`
	}
	out := make([]linkJSON, 0, len(links))
	for _, link := range links {
		out = append(out, linkJSON{
			TargetBucket:    link.TargetBucket,
			SourceProjectID: link.SourceProjectID,
			SourceBucket:    link.SourceBucket,
			Views:           link.Views,
			CreatedAt:       link.CreatedAt,
			Orphaned:        link.Orphaned,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"links": out})
}
