// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"io"
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/catalog"
)

type fileJSON struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Key        string    `json:"key"`
	SizeBytes  int64     `json:"size_bytes"`
	Registered bool      `json:"registered"`
	CreatedAt  time.Time `json:"created_at"`
}

func toFileJSON(file catalog.File) fileJSON {
	return fileJSON{
		ID:         file.ID,
		Name:       file.Name,
		Key:        file.Key,
		SizeBytes:  file.SizeBytes,
		Registered: file.Registered,
		CreatedAt:  file.CreatedAt,
	}
}

// prepareFile reserves a staged upload slot and hands back the key the
// bytes must be pushed to.
func (server *Server) prepareFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	projectID := mux.Vars(r)["pid"]
	var input struct {
		Filename string `json:"filename"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	name := path.Base(strings.TrimSpace(input.Filename))
	if name == "" || name == "." || name == "/" {
		server.serveError(w, ErrValidation.New("filename is required"))
		return
	}

	id := newID("file")
	file, err := server.db.Files().Create(ctx, catalog.File{
		ID:        id,
		ProjectID: projectID,
		Name:      name,
		Key:       id + "/" + name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		server.serveError(w, err)
		return
	}

	server.serveJSON(w, http.StatusCreated, map[string]any{
		"file_id":    file.ID,
		"key":        file.Key,
		"upload_url": "/projects/" + projectID + "/files/upload/" + file.Key,
	})
}

// uploadFile receives the staged bytes, either as a multipart "file"
// part or as a raw body.
func (server *Server) uploadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	projectID, key := vars["pid"], vars["key"]

	file, err := server.db.Files().GetByKey(ctx, projectID, key)
	if err != nil {
		server.serveError(w, err)
		return
	}

	var src io.ReadCloser = r.Body
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/") {
		part, _, err := r.FormFile("file")
		if err != nil {
			server.serveError(w, ErrValidation.New("multipart field %q: %v", "file", err))
			return
		}
		src = part
	}
	defer func() { _ = src.Close() }()

	dst, err := server.layout.FilePath(projectID, file.Key)
	if err != nil {
		server.serveError(w, err)
		return
	}
	if err = os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		server.serveError(w, Error.Wrap(err))
		return
	}
	out, err := os.Create(dst)
	if err != nil {
		server.serveError(w, Error.Wrap(err))
		return
	}
	size, err := io.Copy(out, src)
	if err != nil {
		_ = out.Close()
		_ = os.Remove(dst)
		server.serveError(w, Error.Wrap(err))
		return
	}
	if err = out.Close(); err != nil {
		server.serveError(w, Error.Wrap(err))
		return
	}

	server.log.Debug("staged upload received",
		zap.String("project", projectID),
		zap.String("file", file.ID),
		zap.Int64("size", size))

	server.serveJSON(w, http.StatusOK, map[string]any{
		"file_id":    file.ID,
		"key":        file.Key,
		"size_bytes": size,
	})
}

// registerFile confirms a staged upload, recording its final size. The
// bytes must already be in place.
func (server *Server) registerFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	projectID := mux.Vars(r)["pid"]
	var input struct {
		FileID string `json:"file_id"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	if input.FileID == "" {
		server.serveError(w, ErrValidation.New("file_id is required"))
		return
	}

	file, err := server.db.Files().Get(ctx, projectID, input.FileID)
	if err != nil {
		server.serveError(w, err)
		return
	}

	staged, err := server.layout.FilePath(projectID, file.Key)
	if err != nil {
		server.serveError(w, err)
		return
	}
	info, err := os.Stat(staged)
	if err != nil {
		server.serveError(w, ErrValidation.New("no uploaded content for file %q", file.ID))
		return
	}

	if err = server.db.Files().MarkRegistered(ctx, projectID, file.ID, info.Size()); err != nil {
		server.serveError(w, err)
		return
	}
	file.Registered = true
	file.SizeBytes = info.Size()
	server.serveJSON(w, http.StatusOK, toFileJSON(file))
}

func (server *Server) listFiles(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	files, err := server.db.Files().List(ctx, mux.Vars(r)["pid"])
	if err != nil {
		server.serveError(w, err)
		return
	}
	out := make([]fileJSON, 0, len(files))
	for _, file := range files {
		out = append(out, toFileJSON(file))
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"files": out})
}

func (server *Server) downloadFile(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	file, err := server.db.Files().Get(ctx, vars["pid"], vars["fid"])
	if err != nil {
		server.serveError(w, err)
		return
	}

	staged, err := server.layout.FilePath(vars["pid"], file.Key)
	if err != nil {
		server.serveError(w, err)
		return
	}
	in, err := os.Open(staged)
	if err != nil {
		server.serveError(w, catalog.ErrNotFound.New("file %q has no content", file.ID))
		return
	}
	defer func() { _ = in.Close() }()

	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Disposition", `attachment; filename="`+file.Name+`"`)
	http.ServeContent(w, r, file.Name, file.CreatedAt, in)
}
