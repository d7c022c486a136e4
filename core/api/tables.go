// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/tables"
)

// tableLocation builds the engine location from the route variables.
func tableLocation(vars map[string]string) tables.Location {
	return tables.Location{
		ProjectID: vars["pid"],
		BranchID:  branchParam(vars),
		Bucket:    vars["bucket"],
		Table:     vars["table"],
	}
}

func (server *Server) listBuckets(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	buckets, err := server.db.Buckets().List(ctx, mux.Vars(r)["pid"])
	if err != nil {
		server.serveError(w, err)
		return
	}

	type bucketJSON struct {
		Name        string    `json:"name"`
		DisplayName string    `json:"display_name"`
		CreatedAt   time.Time `json:"created_at"`
	}
	out := make([]bucketJSON, 0, len(buckets))
	for _, bucket := range buckets {
		out = append(out, bucketJSON{
			Name:        bucket.Name,
			DisplayName: bucket.DisplayName,
			CreatedAt:   bucket.CreatedAt,
		})
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"buckets": out})
}

// createBucket registers a bucket. Buckets live at the project level;
// branches see them all.
func (server *Server) createBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	projectID := mux.Vars(r)["pid"]
	var input struct {
		Name string `json:"name"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}
	normalized := layout.NormalizeBucketName(strings.TrimSpace(input.Name))
	if err = layout.ValidateSegment(normalized); err != nil {
		server.serveError(w, err)
		return
	}

	bucket, err := server.db.Buckets().Create(ctx, catalog.Bucket{
		ProjectID:   projectID,
		Name:        normalized,
		DisplayName: strings.TrimSpace(input.Name),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		server.serveError(w, err)
		return
	}
	if err = os.MkdirAll(server.layout.BucketDir(projectID, "", bucket.Name), 0o755); err != nil {
		server.serveError(w, Error.Wrap(err))
		return
	}

	server.serveJSON(w, http.StatusCreated, map[string]any{
		"name":         bucket.Name,
		"display_name": bucket.DisplayName,
		"created_at":   bucket.CreatedAt,
	})
}

// deleteBucket removes the bucket with every table in it, on main and
// on every branch. Linked buckets must be unlinked instead.
func (server *Server) deleteBucket(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	projectID := vars["pid"]
	name := layout.NormalizeBucketName(vars["bucket"])

	if _, err = server.db.Buckets().Get(ctx, projectID, name); err != nil {
		server.serveError(w, err)
		return
	}
	if _, err := server.db.Shares().GetLink(ctx, projectID, name); err == nil {
		server.serveError(w, ErrValidation.New("bucket %q is a linked bucket, unlink it instead", name))
		return
	}

	branchList, err := server.db.Branches().List(ctx, projectID)
	if err != nil {
		server.serveError(w, err)
		return
	}
	branchIDs := []string{""}
	for _, branch := range branchList {
		branchIDs = append(branchIDs, branch.ID)
	}
	for _, branchID := range branchIDs {
		registered, err := server.db.Tables().List(ctx, projectID, branchID, name)
		if err != nil {
			server.serveError(w, err)
			return
		}
		for _, table := range registered {
			if err := server.db.Tables().Delete(ctx, projectID, branchID, name, table.Name); err != nil && !catalog.ErrNotFound.Has(err) {
				server.serveError(w, err)
				return
			}
		}
		if err := os.RemoveAll(server.layout.BucketDir(projectID, branchID, name)); err != nil {
			server.log.Warn("failed to remove bucket dir",
				zap.String("project", projectID),
				zap.String("branch", branchID),
				zap.String("bucket", name),
				zap.Error(err))
		}
	}

	if err = server.db.Buckets().Delete(ctx, projectID, name); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type tableJSON struct {
	Bucket    string    `json:"bucket"`
	Name      string    `json:"name"`
	RowCount  int64     `json:"row_count"`
	SizeBytes int64     `json:"size_bytes"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	InBranch  bool      `json:"in_branch,omitempty"`
}

// listTables returns the registry view of a bucket. On a branch the
// main tables show through, shadowed by branch copies.
func (server *Server) listTables(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	projectID := vars["pid"]
	branchID := branchParam(vars)
	bucket := layout.NormalizeBucketName(vars["bucket"])

	if _, err = server.db.Buckets().Get(ctx, projectID, bucket); err != nil {
		server.serveError(w, err)
		return
	}

	byName := make(map[string]int)
	var out []tableJSON
	record := func(table catalog.Table, inBranch bool) {
		entry := tableJSON{
			Bucket:    table.Bucket,
			Name:      table.Name,
			RowCount:  table.RowCount,
			SizeBytes: table.SizeBytes,
			CreatedAt: table.CreatedAt,
			UpdatedAt: table.UpdatedAt,
			InBranch:  inBranch,
		}
		if i, ok := byName[table.Name]; ok {
			out[i] = entry
			return
		}
		byName[table.Name] = len(out)
		out = append(out, entry)
	}

	mainTables, err := server.db.Tables().List(ctx, projectID, "", bucket)
	if err != nil {
		server.serveError(w, err)
		return
	}
	for _, table := range mainTables {
		record(table, false)
	}
	if branchID != "" {
		branchTables, err := server.db.Tables().List(ctx, projectID, branchID, bucket)
		if err != nil {
			server.serveError(w, err)
			return
		}
		for _, table := range branchTables {
			record(table, true)
		}
	}
	if out == nil {
		out = []tableJSON{}
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"tables": out})
}

func (server *Server) createTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	var input struct {
		Name       string          `json:"name"`
		Columns    []tables.Column `json:"columns"`
		PrimaryKey []string        `json:"primary_key"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	loc := tableLocation(vars)
	loc.Table = input.Name
	if err = server.tables.Create(ctx, loc, input.Columns, input.PrimaryKey); err != nil {
		server.serveError(w, err)
		return
	}

	info, err := server.tables.Info(ctx, loc)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, info)
}

func (server *Server) getTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	info, err := server.tables.Info(ctx, tableLocation(mux.Vars(r)))
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, info)
}

func (server *Server) dropTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = server.tables.Drop(ctx, tableLocation(mux.Vars(r))); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) previewTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err = strconv.Atoi(raw)
		if err != nil {
			server.serveError(w, ErrValidation.New("invalid limit %q", raw))
			return
		}
	}

	preview, err := server.tables.Preview(ctx, tableLocation(mux.Vars(r)), limit)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, preview)
}

func (server *Server) getTableColumns(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	info, err := server.tables.Info(ctx, tableLocation(mux.Vars(r)))
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{
		"columns":     info.Columns,
		"primary_key": info.PrimaryKey,
	})
}

func (server *Server) addColumn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var col tables.Column
	if err = decodeJSON(r, &col); err != nil {
		server.serveError(w, err)
		return
	}

	loc := tableLocation(mux.Vars(r))
	if err = server.tables.AddColumn(ctx, loc, col); err != nil {
		server.serveError(w, err)
		return
	}
	server.respondColumns(w, r, loc, http.StatusCreated)
}

func (server *Server) alterColumn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	var input struct {
		NewName     *string `json:"new_name"`
		NewType     *string `json:"new_type"`
		NewNullable *bool   `json:"new_nullable"`
		NewDefault  *string `json:"new_default"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	loc := tableLocation(vars)
	err = server.tables.AlterColumn(ctx, loc, vars["col"], tables.ColumnChanges{
		NewName:     input.NewName,
		NewType:     input.NewType,
		NewNullable: input.NewNullable,
		NewDefault:  input.NewDefault,
	})
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.respondColumns(w, r, loc, http.StatusOK)
}

func (server *Server) dropColumn(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	if err = server.tables.DropColumn(ctx, tableLocation(vars), vars["col"]); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// respondColumns serves the post-DDL schema so callers see the result
// of their change without a second round trip.
func (server *Server) respondColumns(w http.ResponseWriter, r *http.Request, loc tables.Location, status int) {
	ctx := r.Context()
	info, err := server.tables.Info(ctx, loc)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, status, map[string]any{
		"columns":     info.Columns,
		"primary_key": info.PrimaryKey,
	})
}

func (server *Server) addPrimaryKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var input struct {
		Columns []string `json:"columns"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	loc := tableLocation(mux.Vars(r))
	if err = server.tables.AddPrimaryKey(ctx, loc, input.Columns); err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusCreated, map[string]any{"primary_key": input.Columns})
}

func (server *Server) dropPrimaryKey(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	if err = server.tables.DropPrimaryKey(ctx, tableLocation(mux.Vars(r))); err != nil {
		server.serveError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (server *Server) deleteRows(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var input struct {
		WhereClause string `json:"where_clause"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	deleted, err := server.tables.DeleteRows(ctx, tableLocation(mux.Vars(r)), input.WhereClause)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, map[string]any{"deleted_rows": deleted})
}

type importCredentialsJSON struct {
	AccessKeyID     string `json:"access_key_id"`
	SecretAccessKey string `json:"secret_access_key"`
	Region          string `json:"region"`
	Endpoint        string `json:"endpoint"`
	UseSSL          bool   `json:"use_ssl"`
}

// importTable loads rows from a staged upload or a direct source URL.
func (server *Server) importTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	var input struct {
		FileID      string                 `json:"file_id"`
		Source      string                 `json:"source"`
		Format      string                 `json:"format"`
		Incremental bool                   `json:"incremental"`
		DedupMode   string                 `json:"dedup_mode"`
		Delimiter   string                 `json:"delimiter"`
		Quote       string                 `json:"quote"`
		Escape      string                 `json:"escape"`
		Header      *bool                  `json:"header"`
		Types       map[string]string      `json:"types"`
		Credentials *importCredentialsJSON `json:"credentials"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	source := input.Source
	if input.FileID != "" {
		file, err := server.db.Files().Get(ctx, vars["pid"], input.FileID)
		if err != nil {
			server.serveError(w, err)
			return
		}
		if !file.Registered {
			server.serveError(w, ErrValidation.New("file %q is not registered", file.ID))
			return
		}
		source, err = server.layout.FilePath(vars["pid"], file.Key)
		if err != nil {
			server.serveError(w, err)
			return
		}
	}
	if source == "" {
		server.serveError(w, ErrValidation.New("either file_id or source is required"))
		return
	}

	opts := tables.ImportOptions{
		Format:      input.Format,
		Incremental: input.Incremental,
		DedupMode:   input.DedupMode,
		Delimiter:   input.Delimiter,
		Quote:       input.Quote,
		Escape:      input.Escape,
		Header:      input.Header,
		Types:       input.Types,
	}
	if input.Credentials != nil {
		opts.Credentials = &tables.ObjectCredentials{
			AccessKeyID:     input.Credentials.AccessKeyID,
			SecretAccessKey: input.Credentials.SecretAccessKey,
			Region:          input.Credentials.Region,
			Endpoint:        input.Credentials.Endpoint,
			UseSSL:          input.Credentials.UseSSL,
		}
	}

	result, err := server.tables.Import(ctx, tableLocation(vars), source, opts)
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, result)
}

// exportTable writes the table into the project's staged-file area and
// registers the result so it can be downloaded.
func (server *Server) exportTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	vars := mux.Vars(r)
	var input struct {
		Format      string   `json:"format"`
		Columns     []string `json:"columns"`
		Where       string   `json:"where"`
		Compression string   `json:"compression"`
		Filename    string   `json:"filename"`
	}
	if err = decodeJSON(r, &input); err != nil {
		server.serveError(w, err)
		return
	}

	name := strings.TrimSpace(input.Filename)
	if name == "" {
		ext := ".csv"
		if input.Format == tables.FormatParquet {
			ext = ".parquet"
		}
		name = vars["table"] + "_" + time.Now().UTC().Format("20060102T150405Z") + ext
	}

	id := newID("file")
	file, err := server.db.Files().Create(ctx, catalog.File{
		ID:        id,
		ProjectID: vars["pid"],
		Name:      name,
		Key:       id + "/" + name,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		server.serveError(w, err)
		return
	}
	dest, err := server.layout.FilePath(vars["pid"], file.Key)
	if err != nil {
		server.serveError(w, err)
		return
	}

	result, err := server.tables.Export(ctx, tableLocation(vars), dest, tables.ExportOptions{
		Format:      input.Format,
		Columns:     input.Columns,
		Where:       input.Where,
		Compression: input.Compression,
	})
	if err != nil {
		if deleteErr := server.db.Files().Delete(ctx, vars["pid"], file.ID); deleteErr != nil {
			server.log.Warn("failed to discard export file row", zap.String("file", file.ID), zap.Error(deleteErr))
		}
		server.serveError(w, err)
		return
	}
	if err = server.db.Files().MarkRegistered(ctx, vars["pid"], file.ID, result.FileSizeBytes); err != nil {
		server.serveError(w, err)
		return
	}

	server.serveJSON(w, http.StatusOK, map[string]any{
		"rows_exported":   result.RowsExported,
		"file_size_bytes": result.FileSizeBytes,
		"file_id":         file.ID,
		"key":             file.Key,
		"download_url":    "/projects/" + vars["pid"] + "/files/" + file.ID + "/download",
	})
}

func (server *Server) profileTable(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	profile, err := server.tables.Profile(ctx, tableLocation(mux.Vars(r)))
	if err != nil {
		server.serveError(w, err)
		return
	}
	server.serveJSON(w, http.StatusOK, profile)
}
