// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package api implements the HTTP control plane: project, bucket,
// table, branch, workspace, share, snapshot and file management, the
// internal wire-auth endpoints and the driver command bridge.
package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/spacemonkeygo/monkit/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"duckpond.io/duckpond/core/auth"
	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/pgwire"
	"duckpond.io/duckpond/core/shares"
	"duckpond.io/duckpond/core/snapshots"
	"duckpond.io/duckpond/core/tables"
	"duckpond.io/duckpond/core/workspaces"
)

var mon = monkit.Package()

// Config configures the control plane server.
type Config struct {
	Address           string        `help:"address for the control plane listener" default:":8086"`
	IdempotencyWindow time.Duration `help:"how long cached idempotent responses replay" default:"24h"`
	PGWireIdleTimeout time.Duration `help:"idle cutoff applied by the session cleanup endpoint" default:"1h"`
}

// DB provides access to the registries the control plane serves.
type DB interface {
	Projects() catalog.Projects
	Buckets() catalog.Buckets
	Tables() catalog.Tables
	Files() catalog.Files
	Ops() catalog.Ops
	Branches() branches.DB
	Workspaces() workspaces.DB
	Sessions() workspaces.Sessions
	Snapshots() snapshots.DB
	APIKeys() auth.Keys
	S3Keys() auth.S3Keys
	Shares() shares.DB
}

// Server is the control plane HTTP server.
type Server struct {
	log    *zap.Logger
	config Config

	listener net.Listener
	server   http.Server

	db     DB
	layout layout.Layout

	auth       *auth.Service
	tables     *tables.Service
	branches   *branches.Service
	workspaces *workspaces.Service
	shares     *shares.Service
	snapshots  *snapshots.Service
	verifier   pgwire.Verifier
	idem       *IdempotencyStore

	version string
}

// NewServer assembles the control plane router.
func NewServer(
	log *zap.Logger,
	listener net.Listener,
	db DB,
	lay layout.Layout,
	authService *auth.Service,
	tableService *tables.Service,
	branchService *branches.Service,
	workspaceService *workspaces.Service,
	shareService *shares.Service,
	snapshotService *snapshots.Service,
	verifier pgwire.Verifier,
	idem *IdempotencyStore,
	s3 http.Handler,
	version string,
	config Config,
) *Server {
	server := &Server{
		log:        log,
		config:     config,
		listener:   listener,
		db:         db,
		layout:     lay,
		auth:       authService,
		tables:     tableService,
		branches:   branchService,
		workspaces: workspaceService,
		shares:     shareService,
		snapshots:  snapshotService,
		verifier:   verifier,
		idem:       idem,
		version:    version,
	}

	root := mux.NewRouter()
	root.Use(server.withRequestID)
	if idem != nil {
		root.Use(idem.Middleware)
	}

	// admin only
	adminAPI := root.NewRoute().Subrouter()
	adminAPI.Use(server.requireAdmin)
	adminAPI.HandleFunc("/backend/init", server.op("backend_init", server.backendInit)).Methods("POST")
	adminAPI.HandleFunc("/projects", server.op("project_create", server.createProject)).Methods("POST")
	adminAPI.HandleFunc("/projects", server.listProjects).Methods("GET")
	adminAPI.HandleFunc("/projects/{pid}", server.op("project_delete", server.deleteProject)).Methods("DELETE")
	adminAPI.HandleFunc("/projects/{pid}/keys", server.op("key_create", server.createAPIKey)).Methods("POST")
	adminAPI.HandleFunc("/projects/{pid}/keys", server.listAPIKeys).Methods("GET")
	adminAPI.HandleFunc("/keys/{kid}", server.op("key_revoke", server.revokeAPIKey)).Methods("DELETE")
	adminAPI.HandleFunc("/projects/{pid}/s3-keys", server.op("s3_key_create", server.createS3Key)).Methods("POST")
	adminAPI.HandleFunc("/projects/{pid}/s3-keys", server.listS3Keys).Methods("GET")
	adminAPI.HandleFunc("/s3-keys/{akid}", server.op("s3_key_revoke", server.revokeS3Key)).Methods("DELETE")

	// wire-server support endpoints, admin credential required
	internalAPI := root.PathPrefix("/internal/pgwire").Subrouter()
	internalAPI.Use(server.requireAdmin)
	internalAPI.HandleFunc("/auth", server.pgAuth).Methods("POST")
	internalAPI.HandleFunc("/sessions", server.pgCreateSession).Methods("POST")
	internalAPI.HandleFunc("/sessions", server.pgListSessions).Methods("GET")
	internalAPI.HandleFunc("/sessions/cleanup", server.pgCleanupSessions).Methods("POST")
	internalAPI.HandleFunc("/sessions/{sid}", server.pgGetSession).Methods("GET")
	internalAPI.HandleFunc("/sessions/{sid}", server.pgCloseSession).Methods("DELETE")
	internalAPI.HandleFunc("/sessions/{sid}/activity", server.pgTouchSession).Methods("PATCH")

	// project scope: admin or a key of the project
	projectAPI := root.PathPrefix("/projects/{pid}").Subrouter()
	projectAPI.Use(server.requireScoped)
	projectAPI.HandleFunc("", server.getProject).Methods("GET")
	projectAPI.HandleFunc("/events", server.listEvents).Methods("GET")

	projectAPI.HandleFunc("/files/prepare", server.op("file_prepare", server.prepareFile)).Methods("POST")
	projectAPI.HandleFunc("/files/upload/{key:.+}", server.op("file_upload", server.uploadFile)).Methods("POST")
	projectAPI.HandleFunc("/files", server.op("file_register", server.registerFile)).Methods("POST")
	projectAPI.HandleFunc("/files", server.listFiles).Methods("GET")
	projectAPI.HandleFunc("/files/{fid}/download", server.downloadFile).Methods("GET")

	projectAPI.HandleFunc("/branches", server.op("branch_create", server.createBranch)).Methods("POST")
	projectAPI.HandleFunc("/branches", server.listBranches).Methods("GET")
	projectAPI.HandleFunc("/workspaces", server.op("workspace_create", server.createWorkspace)).Methods("POST")
	projectAPI.HandleFunc("/workspaces", server.listWorkspaces).Methods("GET")
	projectAPI.HandleFunc("/workspaces/{wid}", server.getWorkspace).Methods("GET")
	projectAPI.HandleFunc("/workspaces/{wid}", server.op("workspace_delete", server.deleteWorkspace)).Methods("DELETE")
	projectAPI.HandleFunc("/workspaces/{wid}/clear", server.op("workspace_clear", server.clearWorkspace)).Methods("POST")
	projectAPI.HandleFunc("/workspaces/{wid}/load", server.op("workspace_load", server.loadWorkspace)).Methods("POST")
	projectAPI.HandleFunc("/workspaces/{wid}/credentials/reset", server.op("workspace_reset_credentials", server.resetWorkspaceCredentials)).Methods("POST")
	projectAPI.HandleFunc("/workspaces/{wid}/objects/{name}", server.op("workspace_drop_object", server.dropWorkspaceObject)).Methods("DELETE")

	projectAPI.HandleFunc("/settings/snapshots", server.getSnapshotSettings).Methods("GET")
	projectAPI.HandleFunc("/settings/snapshots", server.op("settings_update", server.putSnapshotSettings)).Methods("PUT")
	projectAPI.HandleFunc("/buckets/{bucket}/settings/snapshots", server.getSnapshotSettings).Methods("GET")
	projectAPI.HandleFunc("/buckets/{bucket}/settings/snapshots", server.op("settings_update", server.putSnapshotSettings)).Methods("PUT")
	projectAPI.HandleFunc("/buckets/{bucket}/tables/{table}/settings/snapshots", server.getSnapshotSettings).Methods("GET")
	projectAPI.HandleFunc("/buckets/{bucket}/tables/{table}/settings/snapshots", server.op("settings_update", server.putSnapshotSettings)).Methods("PUT")

	// branch scope: admin, project key, or matching branch key
	branchAPI := root.PathPrefix("/projects/{pid}/branches/{bid}").Subrouter()
	branchAPI.Use(server.requireScoped)
	branchAPI.HandleFunc("", server.getBranch).Methods("GET")
	branchAPI.HandleFunc("", server.op("branch_delete", server.deleteBranch)).Methods("DELETE")
	branchAPI.HandleFunc("/tables/{bucket}/{table}/pull", server.op("branch_pull", server.pullBranchTable)).Methods("POST")

	branchAPI.HandleFunc("/buckets", server.listBuckets).Methods("GET")
	branchAPI.HandleFunc("/buckets", server.op("bucket_create", server.createBucket)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}", server.op("bucket_delete", server.deleteBucket)).Methods("DELETE")

	branchAPI.HandleFunc("/buckets/{bucket}/tables", server.listTables).Methods("GET")
	branchAPI.HandleFunc("/buckets/{bucket}/tables", server.op("table_create", server.createTable)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}", server.getTable).Methods("GET")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}", server.op("table_drop", server.dropTable)).Methods("DELETE")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/preview", server.previewTable).Methods("GET")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/columns", server.getTableColumns).Methods("GET")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/columns", server.op("column_add", server.addColumn)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/columns/{col}", server.op("column_alter", server.alterColumn)).Methods("PATCH")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/columns/{col}", server.op("column_drop", server.dropColumn)).Methods("DELETE")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/primary-key", server.op("primary_key_add", server.addPrimaryKey)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/primary-key", server.op("primary_key_drop", server.dropPrimaryKey)).Methods("DELETE")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/rows", server.op("rows_delete", server.deleteRows)).Methods("DELETE")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/import/file", server.op("table_import", server.importTable)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/export", server.op("table_export", server.exportTable)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}/tables/{table}/profile", server.profileTable).Methods("GET")

	branchAPI.HandleFunc("/buckets/{bucket}/share", server.op("bucket_share", server.shareBucket)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}/share", server.op("bucket_unshare", server.unshareBucket)).Methods("DELETE")
	branchAPI.HandleFunc("/buckets/{bucket}/link", server.op("bucket_link", server.linkBucket)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}/link", server.op("bucket_unlink", server.unlinkBucket)).Methods("DELETE")
	branchAPI.HandleFunc("/buckets/{bucket}/grant-readonly", server.op("bucket_grant_readonly", server.grantReadonly)).Methods("POST")
	branchAPI.HandleFunc("/buckets/{bucket}/grant-readonly", server.op("bucket_revoke_readonly", server.revokeReadonly)).Methods("DELETE")
	branchAPI.HandleFunc("/links", server.listLinks).Methods("GET")

	branchAPI.HandleFunc("/snapshots", server.op("snapshot_create", server.createSnapshot)).Methods("POST")
	branchAPI.HandleFunc("/snapshots", server.listSnapshots).Methods("GET")
	branchAPI.HandleFunc("/snapshots/{sid}", server.getSnapshot).Methods("GET")
	branchAPI.HandleFunc("/snapshots/{sid}", server.op("snapshot_delete", server.deleteSnapshot)).Methods("DELETE")
	branchAPI.HandleFunc("/snapshots/{sid}/restore", server.op("snapshot_restore", server.restoreSnapshot)).Methods("POST")

	// driver bridge does its own credential handling per command
	root.HandleFunc("/driver/commands", server.driverCommands).Methods("POST")

	if s3 != nil {
		root.PathPrefix("/s3/").Handler(s3)
	}

	server.server.Handler = root
	return server
}

// Addr returns the address the server listens on.
func (server *Server) Addr() net.Addr { return server.listener.Addr() }

// Run serves requests until the context is canceled.
func (server *Server) Run(ctx context.Context) (err error) {
	defer mon.Task()(&ctx)(&err)

	ctx, cancel := context.WithCancel(ctx)
	var group errgroup.Group
	group.Go(func() error {
		<-ctx.Done()
		return Error.Wrap(server.server.Shutdown(context.Background()))
	})
	group.Go(func() error {
		defer cancel()
		err := server.server.Serve(server.listener)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		return Error.Wrap(err)
	})
	return group.Wait()
}

// Close closes the server and the underlying listener.
func (server *Server) Close() error {
	return Error.Wrap(server.server.Close())
}
