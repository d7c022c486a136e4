// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package workspaces implements isolated scratch databases with their
// own wire credentials, TTL and advisory size limit.
package workspaces

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/branches"
	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/layout"
)

var mon = monkit.Package()

// Error is the default workspaces errs class.
var Error = errs.Class("workspaces")

// ErrExpired marks operations against a workspace past its expiry.
var ErrExpired = errs.Class("workspace expired")

// Config configures the workspace service.
type Config struct {
	DefaultTTL       time.Duration `help:"lifetime of new workspaces, 0 keeps them until deleted" default:"0"`
	DefaultSizeLimit int64         `help:"advisory size limit of new workspaces in bytes" default:"10737418240"`
	PublicHost       string        `help:"host clients use to reach the wire endpoint" default:"localhost"`
	PublicPort       int           `help:"port clients use to reach the wire endpoint" default:"5439"`
}

// ConnectionInfo carries everything a client needs to connect. The
// password is plaintext and only ever returned from Create and
// ResetCredentials.
type ConnectionInfo struct {
	Host     string
	Port     int
	Database string
	Username string
	Password string
}

// Service implements the workspace engine.
type Service struct {
	log      *zap.Logger
	layout   layout.Layout
	db       DB
	branches *branches.Service
	config   Config
}

// NewService creates a workspace service.
func NewService(log *zap.Logger, lay layout.Layout, db DB, branchService *branches.Service, config Config) *Service {
	return &Service{
		log:      log,
		layout:   lay,
		db:       db,
		branches: branchService,
		config:   config,
	}
}

// Create provisions a workspace file with fresh credentials.
func (service *Service) Create(ctx context.Context, projectID, branchID, name string, ttl time.Duration) (_ Workspace, _ ConnectionInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	if ttl == 0 {
		ttl = service.config.DefaultTTL
	}

	now := time.Now().UTC()
	workspace := Workspace{
		ID:             "ws_" + randomToken(10),
		ProjectID:      projectID,
		BranchID:       branchID,
		Name:           name,
		Status:         StatusActive,
		SizeLimitBytes: service.config.DefaultSizeLimit,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if ttl > 0 {
		expires := now.Add(ttl)
		workspace.ExpiresAt = &expires
	}

	password := newPassword()
	creds := Credentials{
		WorkspaceID:  workspace.ID,
		Username:     workspace.ID + "_" + randomToken(4),
		PasswordHash: HashPassword(password),
		CreatedAt:    now,
	}

	path := service.layout.WorkspacePath(projectID, branchID, workspace.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return Workspace{}, ConnectionInfo{}, Error.Wrap(err)
	}
	engine, err := duck.Open(ctx, path, duck.Options{})
	if err != nil {
		return Workspace{}, ConnectionInfo{}, Error.Wrap(err)
	}
	if err := engine.Close(); err != nil {
		return Workspace{}, ConnectionInfo{}, Error.Wrap(err)
	}

	workspace, err = service.db.Create(ctx, workspace, creds)
	if err != nil {
		_ = os.Remove(path)
		return Workspace{}, ConnectionInfo{}, Error.Wrap(err)
	}

	service.log.Info("workspace created",
		zap.String("project", projectID),
		zap.String("branch", branchID),
		zap.String("workspace", workspace.ID))

	return workspace, service.connectionInfo(workspace, creds.Username, password), nil
}

func (service *Service) connectionInfo(workspace Workspace, username, password string) ConnectionInfo {
	return ConnectionInfo{
		Host:     service.config.PublicHost,
		Port:     service.config.PublicPort,
		Database: workspace.ID,
		Username: username,
		Password: password,
	}
}

// Get returns a workspace.
func (service *Service) Get(ctx context.Context, projectID, id string) (Workspace, error) {
	return service.db.Get(ctx, projectID, id)
}

// List returns the workspaces of a project.
func (service *Service) List(ctx context.Context, projectID string) ([]Workspace, error) {
	return service.db.List(ctx, projectID)
}

// FileSize returns the current on-disk size of the workspace file.
func (service *Service) FileSize(workspace Workspace) int64 {
	info, err := os.Stat(service.layout.WorkspacePath(workspace.ProjectID, workspace.BranchID, workspace.ID))
	if err != nil {
		return 0
	}
	return info.Size()
}

// Delete removes the workspace file and metadata.
func (service *Service) Delete(ctx context.Context, projectID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, err := service.db.Get(ctx, projectID, id)
	if err != nil {
		return err
	}

	path := service.layout.WorkspacePath(projectID, workspace.BranchID, id)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return Error.Wrap(err)
	}
	if err := service.db.Delete(ctx, projectID, id); err != nil {
		return Error.Wrap(err)
	}

	service.log.Info("workspace deleted",
		zap.String("project", projectID),
		zap.String("workspace", id))
	return nil
}

// ResetCredentials replaces the workspace password, keeping the
// username. The new plaintext is returned exactly once.
func (service *Service) ResetCredentials(ctx context.Context, projectID, id string) (_ ConnectionInfo, err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, err := service.db.Get(ctx, projectID, id)
	if err != nil {
		return ConnectionInfo{}, err
	}
	existing, err := service.db.Credentials(ctx, id)
	if err != nil {
		return ConnectionInfo{}, err
	}

	now := time.Now().UTC()
	password := newPassword()
	creds := Credentials{
		WorkspaceID:  id,
		Username:     existing.Username,
		PasswordHash: HashPassword(password),
		CreatedAt:    existing.CreatedAt,
		RotatedAt:    &now,
	}
	if err := service.db.ResetCredentials(ctx, id, creds); err != nil {
		return ConnectionInfo{}, Error.Wrap(err)
	}

	service.log.Info("workspace credentials rotated",
		zap.String("project", projectID),
		zap.String("workspace", id))
	return service.connectionInfo(workspace, creds.Username, password), nil
}

// Clear drops every user object from the workspace. With ignoreErrors
// set, failures are collected and clearing continues.
func (service *Service) Clear(ctx context.Context, projectID, id string, ignoreErrors bool) (dropped int, err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, err := service.db.Get(ctx, projectID, id)
	if err != nil {
		return 0, err
	}

	engine, err := duck.Open(ctx, service.layout.WorkspacePath(projectID, workspace.BranchID, id), duck.Options{})
	if err != nil {
		return 0, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, engine.Close()) }()

	objects, err := listObjects(ctx, engine)
	if err != nil {
		return 0, err
	}

	var group errs.Group
	for _, object := range objects {
		stmt := "DROP TABLE IF EXISTS main." + duck.QuoteIdent(object.name)
		if object.kind == "VIEW" {
			stmt = "DROP VIEW IF EXISTS main." + duck.QuoteIdent(object.name)
		}
		if err := engine.Exec(ctx, stmt); err != nil {
			if !ignoreErrors {
				return dropped, err
			}
			group.Add(err)
			continue
		}
		dropped++
	}
	if len(group) > 0 {
		service.log.Warn("workspace clear skipped objects",
			zap.String("workspace", id),
			zap.Int("failed", len(group)),
			zap.Error(group.Err()))
	}
	return dropped, nil
}

// DropObject drops a single table or view from the workspace.
func (service *Service) DropObject(ctx context.Context, projectID, id, name string, ignoreIfNotExists bool) (err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, err := service.db.Get(ctx, projectID, id)
	if err != nil {
		return err
	}

	engine, err := duck.Open(ctx, service.layout.WorkspacePath(projectID, workspace.BranchID, id), duck.Options{})
	if err != nil {
		return Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, engine.Close()) }()

	objects, err := listObjects(ctx, engine)
	if err != nil {
		return err
	}
	for _, object := range objects {
		if object.name != name {
			continue
		}
		stmt := "DROP TABLE main." + duck.QuoteIdent(name)
		if object.kind == "VIEW" {
			stmt = "DROP VIEW main." + duck.QuoteIdent(name)
		}
		return engine.Exec(ctx, stmt)
	}
	if ignoreIfNotExists {
		return nil
	}
	return catalog.ErrNotFound.New("object %s", name)
}

// LoadInput selects rows of a project table to copy into the workspace.
type LoadInput struct {
	Bucket      string
	Table       string
	Destination string
	Columns     []string
	Where       string
	Limit       int64
}

// LoadResult reports one copied input.
type LoadResult struct {
	Destination string
	Rows        int64
	Found       bool
}

// LoadTables copies project table data into workspace tables. Missing
// source tables produce a zero-row result instead of failing the batch.
func (service *Service) LoadTables(ctx context.Context, projectID, id string, inputs []LoadInput) (_ []LoadResult, err error) {
	defer mon.Task()(&ctx)(&err)

	workspace, err := service.db.Get(ctx, projectID, id)
	if err != nil {
		return nil, err
	}
	if limit := workspace.SizeLimitBytes; limit > 0 && service.FileSize(workspace) >= limit {
		return nil, Error.New("workspace %s is over its size limit", id)
	}

	engine, err := duck.Open(ctx, service.layout.WorkspacePath(projectID, workspace.BranchID, id), duck.Options{})
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, engine.Close()) }()

	results := make([]LoadResult, 0, len(inputs))
	for i, input := range inputs {
		destination := input.Destination
		if destination == "" {
			destination = input.Table
		}

		sourcePath, _, err := service.branches.ResolveRead(ctx, projectID, workspace.BranchID, input.Bucket, input.Table)
		if err != nil {
			return nil, err
		}
		if _, statErr := os.Stat(sourcePath); statErr != nil {
			results = append(results, LoadResult{Destination: destination, Found: false})
			continue
		}

		rows, err := service.loadOne(ctx, engine, i, sourcePath, destination, input)
		if err != nil {
			return nil, err
		}
		results = append(results, LoadResult{Destination: destination, Rows: rows, Found: true})
	}
	return results, nil
}

func (service *Service) loadOne(ctx context.Context, engine *duck.DB, i int, sourcePath, destination string, input LoadInput) (rows int64, err error) {
	alias := "load_src_" + strconv.Itoa(i)
	if err := engine.Attach(ctx, sourcePath, alias, true); err != nil {
		return 0, err
	}
	defer func() { err = errs.Combine(err, engine.Detach(ctx, alias)) }()

	columns := "*"
	if len(input.Columns) > 0 {
		columns = ""
		for j, column := range input.Columns {
			if j > 0 {
				columns += ", "
			}
			columns += duck.QuoteIdent(column)
		}
	}

	stmt := "CREATE OR REPLACE TABLE main." + duck.QuoteIdent(destination) +
		" AS SELECT " + columns + " FROM " + duck.QuoteIdent(alias) + ".main.data"
	if input.Where != "" {
		if err := duck.ValidateWhere(input.Where); err != nil {
			return 0, err
		}
		stmt += " WHERE " + input.Where
	}
	if input.Limit > 0 {
		stmt += " LIMIT " + strconv.FormatInt(input.Limit, 10)
	}

	if err := engine.Exec(ctx, stmt); err != nil {
		return 0, err
	}
	return engine.RowCount(ctx, "main."+duck.QuoteIdent(destination))
}

type object struct {
	name string
	kind string
}

func listObjects(ctx context.Context, engine *duck.DB) (_ []object, err error) {
	rows, err := engine.Query(ctx, `SELECT table_name, table_type FROM information_schema.tables WHERE table_schema = 'main' ORDER BY table_name`)
	if err != nil {
		return nil, err
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var objects []object
	for rows.Next() {
		var o object
		if err := rows.Scan(&o.name, &o.kind); err != nil {
			return nil, Error.Wrap(err)
		}
		objects = append(objects, o)
	}
	return objects, Error.Wrap(rows.Err())
}

// HashPassword hashes a workspace password for storage. Wire auth
// compares these in constant time on every connection, so this is a
// plain digest rather than an adaptive hash.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}

func newPassword() string {
	var raw [24]byte
	if _, err := rand.Read(raw[:]); err != nil {
		panic(err)
	}
	return base64.RawURLEncoding.EncodeToString(raw[:])
}

const tokenAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

func randomToken(n int) string {
	raw := make([]byte, n)
	if _, err := rand.Read(raw); err != nil {
		panic(err)
	}
	for i := range raw {
		raw[i] = tokenAlphabet[int(raw[i])%len(tokenAlphabet)]
	}
	return string(raw)
}
