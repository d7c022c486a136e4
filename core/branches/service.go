// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package branches implements copy-on-write development branches.
//
// A branch starts as an empty shadow directory. Reads fall through to
// main until a table is written in the branch, at which point the whole
// table file is copied in. Pulling a table discards the branch copy so
// reads see main again.
package branches

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"os"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/internal/fileutil"
)

var mon = monkit.Package()

// Error is the default branches errs class.
var Error = errs.Class("branches")

// Service implements branch lifecycle and copy-on-write.
type Service struct {
	log    *zap.Logger
	layout layout.Layout
	locks  *tablelock.Manager
	db     DB
	tables catalog.Tables
}

// NewService creates a branch service.
func NewService(log *zap.Logger, lay layout.Layout, locks *tablelock.Manager, db DB, tables catalog.Tables) *Service {
	return &Service{
		log:    log,
		layout: lay,
		locks:  locks,
		db:     db,
		tables: tables,
	}
}

// Create registers a branch and creates its empty shadow directory.
func (service *Service) Create(ctx context.Context, projectID, name, description string) (_ Branch, err error) {
	defer mon.Task()(&ctx)(&err)

	branch := Branch{
		ID:          newBranchID(),
		ProjectID:   projectID,
		Name:        name,
		Description: description,
		CreatedAt:   time.Now().UTC(),
	}

	branch, err = service.db.Create(ctx, branch)
	if err != nil {
		return Branch{}, Error.Wrap(err)
	}

	if err := os.MkdirAll(service.layout.BranchDir(projectID, branch.ID), 0o755); err != nil {
		return Branch{}, Error.Wrap(errs.Combine(err, service.db.Delete(ctx, projectID, branch.ID)))
	}

	service.log.Info("branch created",
		zap.String("project", projectID),
		zap.String("branch", branch.ID),
		zap.String("name", name))
	return branch, nil
}

// Get returns a branch.
func (service *Service) Get(ctx context.Context, projectID, branchID string) (Branch, error) {
	return service.db.Get(ctx, projectID, branchID)
}

// List returns all branches of a project.
func (service *Service) List(ctx context.Context, projectID string) ([]Branch, error) {
	return service.db.List(ctx, projectID)
}

// Delete removes the branch directory with everything copied into it
// and deletes the branch metadata. Main is never touched.
func (service *Service) Delete(ctx context.Context, projectID, branchID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	if _, err := service.db.Get(ctx, projectID, branchID); err != nil {
		return err
	}

	if err := os.RemoveAll(service.layout.BranchDir(projectID, branchID)); err != nil {
		return Error.Wrap(err)
	}
	if err := service.db.Delete(ctx, projectID, branchID); err != nil {
		return Error.Wrap(err)
	}

	service.log.Info("branch deleted",
		zap.String("project", projectID),
		zap.String("branch", branchID))
	return nil
}

// EnsureTable guarantees a branch-local copy of the table exists before
// a write happens in the branch. It reports whether a copy was made by
// this call. Calling it for main is a no-op. Callers that already hold
// the table lock pass their owner token to reenter it.
func (service *Service) EnsureTable(ctx context.Context, projectID, branchID, bucket, table, owner string) (copied bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if branchID == "" {
		return false, nil
	}
	if _, err := service.db.Get(ctx, projectID, branchID); err != nil {
		return false, err
	}

	branchPath := service.layout.TablePath(projectID, branchID, bucket, table)
	inBranch, err := service.db.IsCopied(ctx, projectID, branchID, bucket, table)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if inBranch && fileutil.Exists(branchPath) {
		return false, nil
	}

	mainPath := service.layout.TablePath(projectID, "", bucket, table)
	if !fileutil.Exists(mainPath) {
		return false, catalog.ErrNotFound.New("table %s/%s", bucket, table)
	}

	key := tablelock.Key{Project: projectID, Branch: branchID, Bucket: bucket, Table: table}
	lock, err := service.locks.Acquire(ctx, key, owner)
	if err != nil {
		return false, err
	}
	defer lock.Release()

	// someone else may have copied while we waited
	inBranch, err = service.db.IsCopied(ctx, projectID, branchID, bucket, table)
	if err != nil {
		return false, Error.Wrap(err)
	}
	if inBranch && fileutil.Exists(branchPath) {
		return false, nil
	}

	if err := fileutil.Copy(mainPath, branchPath); err != nil {
		return false, Error.Wrap(err)
	}
	if err := service.db.MarkCopied(ctx, Table{
		BranchID:  branchID,
		ProjectID: projectID,
		Bucket:    bucket,
		Name:      table,
		CopiedAt:  time.Now().UTC(),
	}); err != nil {
		return false, Error.Wrap(errs.Combine(err, os.Remove(branchPath)))
	}

	service.registerBranchTable(ctx, projectID, branchID, bucket, table, branchPath)

	service.log.Info("table copied into branch",
		zap.String("project", projectID),
		zap.String("branch", branchID),
		zap.String("bucket", bucket),
		zap.String("table", table))
	return true, nil
}

// AdoptTable records a table file created directly inside the branch,
// for tables born on the branch rather than copied from main.
func (service *Service) AdoptTable(ctx context.Context, projectID, branchID, bucket, table string) error {
	if branchID == "" {
		return nil
	}
	if _, err := service.db.Get(ctx, projectID, branchID); err != nil {
		return err
	}
	return Error.Wrap(service.db.MarkCopied(ctx, Table{
		BranchID:  branchID,
		ProjectID: projectID,
		Bucket:    bucket,
		Name:      table,
		CopiedAt:  time.Now().UTC(),
	}))
}

// registerBranchTable mirrors the main registry row for the branch copy.
func (service *Service) registerBranchTable(ctx context.Context, projectID, branchID, bucket, table, branchPath string) {
	entry := catalog.Table{
		ProjectID: projectID,
		BranchID:  branchID,
		Bucket:    bucket,
		Name:      table,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if main, err := service.tables.Get(ctx, projectID, "", bucket, table); err == nil {
		entry.RowCount = main.RowCount
	}
	if info, err := os.Stat(branchPath); err == nil {
		entry.SizeBytes = info.Size()
	}
	if err := service.tables.Upsert(ctx, entry); err != nil {
		service.log.Warn("failed to register branch table",
			zap.String("branch", branchID),
			zap.String("table", table),
			zap.Error(err))
	}
}

// Pull discards the branch copy so the branch reads main again. Pulling
// a table that was never copied is a no-op. Callers that already hold
// the table lock pass their owner token to reenter it.
func (service *Service) Pull(ctx context.Context, projectID, branchID, bucket, table, owner string) (removed bool, err error) {
	defer mon.Task()(&ctx)(&err)

	if branchID == "" {
		return false, Error.New("cannot pull on main")
	}
	if _, err := service.db.Get(ctx, projectID, branchID); err != nil {
		return false, err
	}

	key := tablelock.Key{Project: projectID, Branch: branchID, Bucket: bucket, Table: table}
	lock, err := service.locks.Acquire(ctx, key, owner)
	if err != nil {
		return false, err
	}
	defer lock.Release()

	inBranch, err := service.db.IsCopied(ctx, projectID, branchID, bucket, table)
	if err != nil {
		return false, Error.Wrap(err)
	}

	branchPath := service.layout.TablePath(projectID, branchID, bucket, table)
	if fileutil.Exists(branchPath) {
		if err := os.Remove(branchPath); err != nil {
			return false, Error.Wrap(err)
		}
		removed = true
	}
	if inBranch {
		if err := service.db.UnmarkCopied(ctx, projectID, branchID, bucket, table); err != nil {
			return false, Error.Wrap(err)
		}
		removed = true
	}
	if err := service.tables.Delete(ctx, projectID, branchID, bucket, table); err != nil && !catalog.ErrNotFound.Has(err) {
		return false, Error.Wrap(err)
	}

	if removed {
		service.log.Info("table pulled from branch",
			zap.String("project", projectID),
			zap.String("branch", branchID),
			zap.String("bucket", bucket),
			zap.String("table", table))
	}
	return removed, nil
}

// Stats describes the on-disk weight of a branch.
type Stats struct {
	Branch       Branch
	CopiedTables int
	Files        int
	SizeBytes    int64
}

// Stats returns branch statistics.
func (service *Service) Stats(ctx context.Context, projectID, branchID string) (_ Stats, err error) {
	defer mon.Task()(&ctx)(&err)

	branch, err := service.db.Get(ctx, projectID, branchID)
	if err != nil {
		return Stats{}, err
	}
	copied, err := service.db.ListCopied(ctx, projectID, branchID)
	if err != nil {
		return Stats{}, Error.Wrap(err)
	}
	files, size, err := fileutil.DirSize(service.layout.BranchDir(projectID, branchID))
	if err != nil {
		return Stats{}, Error.Wrap(err)
	}
	return Stats{
		Branch:       branch,
		CopiedTables: len(copied),
		Files:        files,
		SizeBytes:    size,
	}, nil
}

// ResolveRead returns the path reads should use for the table in the
// given branch: the branch copy when one exists, otherwise main.
func (service *Service) ResolveRead(ctx context.Context, projectID, branchID, bucket, table string) (path string, inBranch bool, err error) {
	if branchID == "" {
		return service.layout.TablePath(projectID, "", bucket, table), false, nil
	}
	copied, err := service.db.IsCopied(ctx, projectID, branchID, bucket, table)
	if err != nil {
		return "", false, Error.Wrap(err)
	}
	if copied {
		branchPath := service.layout.TablePath(projectID, branchID, bucket, table)
		if fileutil.Exists(branchPath) {
			return branchPath, true, nil
		}
	}
	return service.layout.TablePath(projectID, "", bucket, table), false, nil
}

func newBranchID() string {
	var raw [4]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}
