// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package api

import (
	"context"
	"net/http"
	"strings"
	"time"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/snapshots"
	"duckpond.io/duckpond/core/tables"
)

// driverMessage is one log line of a driver response envelope.
type driverMessage struct {
	Level   string `json:"level"`
	Message string `json:"message"`
}

// driverResponse is the envelope the driver bridge answers with.
type driverResponse struct {
	CommandResponse map[string]any  `json:"commandResponse,omitempty"`
	Messages        []driverMessage `json:"messages"`
}

// driverHandler executes one command type. It returns the response
// fields without the @type marker.
type driverHandler func(ctx context.Context, identity auth.Identity, fields map[string]any) (map[string]any, error)

type driverCommand struct {
	adminOnly bool
	handle    driverHandler
}

// driverCommands accepts the packed command envelope the client driver
// speaks: one command object with a type discriminator, credentials on
// the side, and a response envelope carrying messages.
func (server *Server) driverCommands(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	var err error
	defer mon.Task()(&ctx)(&err)

	var envelope struct {
		Command     map[string]any `json:"command"`
		Credentials *struct {
			Host      string `json:"host"`
			Principal string `json:"principal"`
		} `json:"credentials"`
		Features       []string       `json:"features"`
		RuntimeOptions map[string]any `json:"runtimeOptions"`
	}
	if err = decodeJSON(r, &envelope); err != nil {
		server.serveError(w, err)
		return
	}
	if len(envelope.Command) == 0 {
		server.serveError(w, ErrValidation.New("command is required"))
		return
	}

	secret := bearerToken(r)
	if secret == "" && envelope.Credentials != nil {
		secret = envelope.Credentials.Principal
	}
	identity, err := server.auth.AuthorizeDriver(ctx, secret)
	if err != nil {
		server.serveError(w, err)
		return
	}

	fields, _ := normalizeKeys(envelope.Command).(map[string]any)
	cmdType, _ := fields["type"].(string)
	command, ok := server.driverRegistry()[cmdType]
	if !ok {
		server.serveDriverError(w, ErrValidation.New("unknown command type %q", cmdType))
		return
	}

	if command.adminOnly && !identity.Admin {
		server.serveDriverError(w, auth.ErrForbidden.New("command %s requires the admin key", cmdType))
		return
	}
	projectID := stringField(fields, "projectId")
	if !identity.Admin && (identity.Key == nil || projectID != identity.Key.ProjectID) {
		server.serveDriverError(w, auth.ErrForbidden.New("key does not belong to project %q", projectID))
		return
	}

	ctx = withIdentity(ctx, identity)
	start := time.Now()
	response, err := command.handle(ctx, identity, fields)

	status, errorDetail := "success", ""
	if err != nil {
		status, errorDetail = "failure", err.Error()
	}
	server.db.Ops().Log(ctx, catalog.Operation{
		OccurredAt: start.UTC(),
		Actor:      actorFrom(ctx),
		ProjectID:  projectID,
		Name:       "driver_" + strings.TrimSuffix(cmdType, "Command"),
		Status:     status,
		Error:      errorDetail,
		Duration:   time.Since(start),
		RequestID:  requestIDFrom(ctx),
	})
	if err != nil {
		server.serveDriverError(w, err)
		return
	}

	response["@type"] = strings.TrimSuffix(cmdType, "Command") + "Response"
	server.serveJSON(w, http.StatusOK, driverResponse{
		CommandResponse: response,
		Messages:        []driverMessage{},
	})
}

// serveDriverError reports a command failure inside the envelope; the
// transport still answers 200 so drivers read the messages.
func (server *Server) serveDriverError(w http.ResponseWriter, err error) {
	server.serveJSON(w, http.StatusOK, driverResponse{
		Messages: []driverMessage{{Level: "Error", Message: err.Error()}},
	})
}

func (server *Server) driverRegistry() map[string]driverCommand {
	return map[string]driverCommand{
		"ListProjectsCommand":    {adminOnly: true, handle: server.driverListProjects},
		"CreateProjectCommand":   {adminOnly: true, handle: server.driverCreateProject},
		"DeleteProjectCommand":   {adminOnly: true, handle: server.driverDeleteProject},
		"CreateBucketCommand":    {handle: server.driverCreateBucket},
		"DeleteBucketCommand":    {handle: server.driverDeleteBucket},
		"ListBucketsCommand":     {handle: server.driverListBuckets},
		"ListTablesCommand":      {handle: server.driverListTables},
		"GetTableInfoCommand":    {handle: server.driverGetTableInfo},
		"ImportFileCommand":      {handle: server.driverImportFile},
		"CreateWorkspaceCommand": {handle: server.driverCreateWorkspace},
		"DeleteWorkspaceCommand": {handle: server.driverDeleteWorkspace},
		"ListWorkspacesCommand":  {handle: server.driverListWorkspaces},
		"CreateSnapshotCommand":  {handle: server.driverCreateSnapshot},
		"RestoreSnapshotCommand": {handle: server.driverRestoreSnapshot},
	}
}

func (server *Server) driverListProjects(ctx context.Context, _ auth.Identity, _ map[string]any) (map[string]any, error) {
	projects, err := server.db.Projects().List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(projects))
	for _, project := range projects {
		out = append(out, map[string]any{
			"projectId": project.ID,
			"name":      project.Name,
			"status":    string(project.Status),
		})
	}
	return map[string]any{"projects": out}, nil
}

func (server *Server) driverCreateProject(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	id := stringField(fields, "projectId")
	name := stringField(fields, "name")
	if name == "" {
		return nil, ErrValidation.New("name is required")
	}
	if id == "" {
		id = newID("proj")
	}
	if err := layout.ValidateSegment(id); err != nil {
		return nil, err
	}
	project, err := server.db.Projects().Create(ctx, catalog.Project{
		ID:        id,
		Name:      name,
		Status:    catalog.ProjectActive,
		CreatedAt: time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"projectId": project.ID, "name": project.Name}, nil
}

func (server *Server) driverDeleteProject(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	id := stringField(fields, "projectId")
	if _, err := server.db.Projects().Get(ctx, id); err != nil {
		return nil, err
	}
	if err := server.db.Projects().MarkDeleted(ctx, id, time.Now().UTC()); err != nil {
		return nil, err
	}
	return map[string]any{"projectId": id}, nil
}

func (server *Server) driverCreateBucket(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	name := layout.NormalizeBucketName(stringField(fields, "bucketName"))
	if err := layout.ValidateSegment(name); err != nil {
		return nil, err
	}
	bucket, err := server.db.Buckets().Create(ctx, catalog.Bucket{
		ProjectID:   stringField(fields, "projectId"),
		Name:        name,
		DisplayName: stringField(fields, "bucketName"),
		CreatedAt:   time.Now().UTC(),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"bucketName": bucket.Name}, nil
}

func (server *Server) driverDeleteBucket(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	projectID := stringField(fields, "projectId")
	name := layout.NormalizeBucketName(stringField(fields, "bucketName"))
	err := server.db.Buckets().Delete(ctx, projectID, name)
	if err != nil && !catalog.ErrNotFound.Has(err) {
		return nil, err
	}
	return map[string]any{"bucketName": name}, nil
}

func (server *Server) driverListBuckets(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	buckets, err := server.db.Buckets().List(ctx, stringField(fields, "projectId"))
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(buckets))
	for _, bucket := range buckets {
		names = append(names, bucket.Name)
	}
	return map[string]any{"buckets": names}, nil
}

func (server *Server) driverListTables(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	list, err := server.db.Tables().List(ctx,
		stringField(fields, "projectId"),
		driverBranch(fields),
		layout.NormalizeBucketName(stringField(fields, "bucketName")))
	if err != nil {
		return nil, err
	}
	out := make([]map[string]any, 0, len(list))
	for _, table := range list {
		out = append(out, map[string]any{
			"tableName": table.Name,
			"rowCount":  table.RowCount,
			"sizeBytes": table.SizeBytes,
		})
	}
	return map[string]any{"tables": out}, nil
}

func (server *Server) driverGetTableInfo(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	info, err := server.tables.Info(ctx, tables.Location{
		ProjectID: stringField(fields, "projectId"),
		BranchID:  driverBranch(fields),
		Bucket:    stringField(fields, "bucketName"),
		Table:     stringField(fields, "tableName"),
	})
	if err != nil {
		return nil, err
	}
	columns := make([]map[string]any, 0, len(info.Columns))
	for _, col := range info.Columns {
		columns = append(columns, map[string]any{
			"name":     col.Name,
			"type":     col.Type,
			"nullable": col.Nullable,
			"default":  col.Default,
		})
	}
	return map[string]any{
		"tableName":  info.Name,
		"bucketName": info.Bucket,
		"columns":    columns,
		"primaryKey": info.PrimaryKey,
		"rowCount":   info.RowCount,
		"sizeBytes":  info.SizeBytes,
	}, nil
}

func (server *Server) driverImportFile(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	source := stringField(fields, "source")
	if fileID := stringField(fields, "fileId"); fileID != "" {
		file, err := server.db.Files().Get(ctx, stringField(fields, "projectId"), fileID)
		if err != nil {
			return nil, err
		}
		source, err = server.layout.FilePath(stringField(fields, "projectId"), file.Key)
		if err != nil {
			return nil, err
		}
	}
	result, err := server.tables.Import(ctx, tables.Location{
		ProjectID: stringField(fields, "projectId"),
		BranchID:  driverBranch(fields),
		Bucket:    stringField(fields, "bucketName"),
		Table:     stringField(fields, "tableName"),
	}, source, tables.ImportOptions{
		Format:      stringField(fields, "format"),
		Incremental: boolField(fields, "incremental"),
		DedupMode:   stringField(fields, "dedupMode"),
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"importedRows": result.ImportedRows,
		"totalRows":    result.TotalRows,
		"sizeBytes":    result.SizeBytes,
	}, nil
}

func (server *Server) driverCreateWorkspace(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	name := stringField(fields, "name")
	if name == "" {
		return nil, ErrValidation.New("name is required")
	}
	ttl := time.Duration(intField(fields, "ttlSeconds")) * time.Second
	workspace, info, err := server.workspaces.Create(ctx,
		stringField(fields, "projectId"), driverBranch(fields), name, ttl)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"workspaceId": workspace.ID,
		"host":        info.Host,
		"port":        info.Port,
		"database":    info.Database,
		"username":    info.Username,
		"password":    info.Password,
	}, nil
}

func (server *Server) driverDeleteWorkspace(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	id := stringField(fields, "workspaceId")
	if err := server.workspaces.Delete(ctx, stringField(fields, "projectId"), id); err != nil {
		return nil, err
	}
	return map[string]any{"workspaceId": id}, nil
}

func (server *Server) driverListWorkspaces(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	list, err := server.workspaces.List(ctx, stringField(fields, "projectId"))
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	out := make([]map[string]any, 0, len(list))
	for _, workspace := range list {
		out = append(out, map[string]any{
			"workspaceId": workspace.ID,
			"name":        workspace.Name,
			"status":      string(workspace.EffectiveStatus(now)),
		})
	}
	return map[string]any{"workspaces": out}, nil
}

func (server *Server) driverCreateSnapshot(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	snapshot, err := server.snapshots.Manual(ctx, snapshots.Location{
		ProjectID: stringField(fields, "projectId"),
		BranchID:  driverBranch(fields),
		Bucket:    layout.NormalizeBucketName(stringField(fields, "bucketName")),
		Table:     stringField(fields, "tableName"),
	}, stringField(fields, "description"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"snapshotId": snapshot.ID,
		"rowCount":   snapshot.RowCount,
	}, nil
}

func (server *Server) driverRestoreSnapshot(ctx context.Context, _ auth.Identity, fields map[string]any) (map[string]any, error) {
	result, err := server.snapshots.Restore(ctx,
		stringField(fields, "projectId"),
		stringField(fields, "snapshotId"),
		stringField(fields, "targetTable"))
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"rowCount":   result.RowCount,
		"restoredTo": result.RestoredTo,
	}, nil
}

// normalizeKeys converts snake_case object keys to camelCase at every
// nesting level.
func normalizeKeys(value any) any {
	switch typed := value.(type) {
	case map[string]any:
		out := make(map[string]any, len(typed))
		for key, inner := range typed {
			out[camelCase(key)] = normalizeKeys(inner)
		}
		return out
	case []any:
		out := make([]any, len(typed))
		for i, inner := range typed {
			out[i] = normalizeKeys(inner)
		}
		return out
	}
	return value
}

func camelCase(key string) string {
	if !strings.Contains(key, "_") {
		return key
	}
	parts := strings.Split(key, "_")
	var b strings.Builder
	for i, part := range parts {
		if part == "" {
			continue
		}
		if b.Len() == 0 && i == 0 {
			b.WriteString(part)
			continue
		}
		b.WriteString(strings.ToUpper(part[:1]))
		b.WriteString(part[1:])
	}
	return b.String()
}

func stringField(fields map[string]any, name string) string {
	value, _ := fields[name].(string)
	return value
}

func boolField(fields map[string]any, name string) bool {
	value, _ := fields[name].(bool)
	return value
}

// intField reads a numeric field; JSON numbers decode as float64.
func intField(fields map[string]any, name string) int64 {
	value, _ := fields[name].(float64)
	return int64(value)
}

// driverBranch maps the optional branchId field; main means no branch.
func driverBranch(fields map[string]any) string {
	branch := stringField(fields, "branchId")
	if branch == "main" {
		return ""
	}
	return branch
}
