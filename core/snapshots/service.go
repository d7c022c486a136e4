// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package snapshots implements table snapshots: hierarchical
// configuration, manual and pre-destruction captures, restore and
// retention-based garbage collection.
package snapshots

import (
	"context"
	"crypto/rand"
	"os"
	"time"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/core/layout"
	"duckpond.io/duckpond/core/tablelock"
	"duckpond.io/duckpond/internal/fileutil"
)

var mon = monkit.Package()

// Error is the default snapshots errs class.
var Error = errs.Class("snapshots")

// Location identifies the table a snapshot is taken of.
type Location struct {
	ProjectID string
	BranchID  string
	Bucket    string
	Table     string
}

func (loc Location) lockKey() tablelock.Key {
	return tablelock.Key{
		Project: loc.ProjectID,
		Branch:  loc.BranchID,
		Bucket:  loc.Bucket,
		Table:   loc.Table,
	}
}

// Service implements the snapshot engine.
type Service struct {
	log     *zap.Logger
	layout  layout.Layout
	locks   *tablelock.Manager
	db      DB
	configs Configs
	tables  catalog.Tables
}

// NewService creates a snapshot service.
func NewService(log *zap.Logger, lay layout.Layout, locks *tablelock.Manager, db DB, configs Configs, tables catalog.Tables) *Service {
	return &Service{
		log:     log,
		layout:  lay,
		locks:   locks,
		db:      db,
		configs: configs,
		tables:  tables,
	}
}

// Resolve returns the effective snapshot configuration for a table,
// along with which scope supplied each field.
func (service *Service) Resolve(ctx context.Context, projectID, bucket, table string) (_ Resolution, err error) {
	defer mon.Task()(&ctx)(&err)

	layers := make([]Layer, 0, 4)
	add := func(scope Scope, pid, b, t string) error {
		config, err := service.configs.Get(ctx, scope, pid, b, t)
		if err != nil {
			return err
		}
		if !config.IsZero() {
			layers = append(layers, Layer{Scope: scope, Config: config})
		}
		return nil
	}

	if err := add(ScopeSystem, "", "", ""); err != nil {
		return Resolution{}, Error.Wrap(err)
	}
	if err := add(ScopeProject, projectID, "", ""); err != nil {
		return Resolution{}, Error.Wrap(err)
	}
	if bucket != "" {
		if err := add(ScopeBucket, projectID, bucket, ""); err != nil {
			return Resolution{}, Error.Wrap(err)
		}
	}
	if table != "" {
		if err := add(ScopeTable, projectID, bucket, table); err != nil {
			return Resolution{}, Error.Wrap(err)
		}
	}
	return Resolve(layers...), nil
}

// SetConfig stores a partial config at the given scope.
func (service *Service) SetConfig(ctx context.Context, scope Scope, projectID, bucket, table string, config Config) error {
	if config.IsZero() {
		return Error.Wrap(service.configs.Delete(ctx, scope, projectID, bucket, table))
	}
	return Error.Wrap(service.configs.Upsert(ctx, scope, projectID, bucket, table, config))
}

// GetConfig returns the partial config stored at exactly the given scope.
func (service *Service) GetConfig(ctx context.Context, scope Scope, projectID, bucket, table string) (Config, error) {
	config, err := service.configs.Get(ctx, scope, projectID, bucket, table)
	return config, Error.Wrap(err)
}

// Manual captures a snapshot of the table right now.
func (service *Service) Manual(ctx context.Context, loc Location, description string) (_ Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	resolution, err := service.Resolve(ctx, loc.ProjectID, loc.Bucket, loc.Table)
	if err != nil {
		return Snapshot{}, err
	}
	return service.capture(ctx, loc, TypeManual, description, resolution.Effective.ManualRetentionDays, "")
}

// AutoBefore captures a pre-destruction snapshot when the trigger is
// enabled at the effective scope; it returns nil when the trigger is
// off. The caller already holds the table lock under owner.
func (service *Service) AutoBefore(ctx context.Context, loc Location, trigger Trigger, owner string) (_ *Snapshot, err error) {
	defer mon.Task()(&ctx)(&err)

	resolution, err := service.Resolve(ctx, loc.ProjectID, loc.Bucket, loc.Table)
	if err != nil {
		return nil, err
	}
	if !resolution.Effective.TriggerEnabled(trigger) {
		return nil, nil
	}

	snapshot, err := service.capture(ctx, loc, trigger.SnapshotType(), trigger.Description(), resolution.Effective.AutoRetentionDays, owner)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}

// capture copies the table file into the snapshot area under the table
// lock and records the snapshot row.
func (service *Service) capture(ctx context.Context, loc Location, typ Type, description string, retentionDays int, owner string) (_ Snapshot, err error) {
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return Snapshot{}, err
	}
	defer lock.Release()

	sourcePath := service.layout.TablePath(loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
	if !fileutil.Exists(sourcePath) {
		return Snapshot{}, catalog.ErrNotFound.New("table %s/%s", loc.Bucket, loc.Table)
	}

	now := time.Now().UTC()
	snapshot := Snapshot{
		ID:          "snap_" + randomToken(10),
		ProjectID:   loc.ProjectID,
		BranchID:    loc.BranchID,
		Bucket:      loc.Bucket,
		Table:       loc.Table,
		Type:        typ,
		Description: description,
		CreatedAt:   now,
	}
	if retentionDays > 0 {
		expires := now.AddDate(0, 0, retentionDays)
		snapshot.ExpiresAt = &expires
	}
	snapshot.FilePath = service.layout.SnapshotPath(snapshot.ID)

	if err := fileutil.Copy(sourcePath, snapshot.FilePath); err != nil {
		return Snapshot{}, Error.Wrap(err)
	}
	defer func() {
		if err != nil {
			_ = os.Remove(snapshot.FilePath)
		}
	}()

	snapshot.RowCount, err = service.fileRowCount(ctx, snapshot.FilePath)
	if err != nil {
		return Snapshot{}, err
	}
	if info, statErr := os.Stat(snapshot.FilePath); statErr == nil {
		snapshot.SizeBytes = info.Size()
	}

	snapshot, err = service.db.Create(ctx, snapshot)
	if err != nil {
		return Snapshot{}, Error.Wrap(err)
	}

	service.log.Info("snapshot captured",
		zap.String("project", loc.ProjectID),
		zap.String("bucket", loc.Bucket),
		zap.String("table", loc.Table),
		zap.String("snapshot", snapshot.ID),
		zap.String("type", string(typ)),
		zap.Int64("rows", snapshot.RowCount))
	return snapshot, nil
}

// fileRowCount opens the immutable snapshot copy, so the source table
// stays untouched.
func (service *Service) fileRowCount(ctx context.Context, path string) (_ int64, err error) {
	engine, err := duck.Open(ctx, path, duck.Options{ReadOnly: true})
	if err != nil {
		return 0, err
	}
	defer func() { err = errs.Combine(err, engine.Close()) }()
	return engine.RowCount(ctx, "main.data")
}

// Get returns a snapshot.
func (service *Service) Get(ctx context.Context, projectID, id string) (Snapshot, error) {
	return service.db.Get(ctx, projectID, id)
}

// List returns snapshots of a project, optionally filtered down to a
// bucket or table.
func (service *Service) List(ctx context.Context, projectID, bucket, table string) ([]Snapshot, error) {
	return service.db.List(ctx, projectID, bucket, table)
}

// Delete removes a snapshot row and its file.
func (service *Service) Delete(ctx context.Context, projectID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot, err := service.db.Get(ctx, projectID, id)
	if err != nil {
		return err
	}
	if err := service.db.Delete(ctx, projectID, id); err != nil {
		return Error.Wrap(err)
	}
	if err := os.Remove(snapshot.FilePath); err != nil && !os.IsNotExist(err) {
		service.log.Warn("failed to remove snapshot file",
			zap.String("snapshot", id),
			zap.Error(err))
	}
	return nil
}

// RestoreResult reports where a restore landed.
type RestoreResult struct {
	RowCount   int64
	RestoredTo string
}

// Restore copies the snapshot back over the original table, or into a
// new table in the same bucket when targetTable is set.
func (service *Service) Restore(ctx context.Context, projectID, id, targetTable string) (_ RestoreResult, err error) {
	defer mon.Task()(&ctx)(&err)

	snapshot, err := service.db.Get(ctx, projectID, id)
	if err != nil {
		return RestoreResult{}, err
	}
	if !fileutil.Exists(snapshot.FilePath) {
		return RestoreResult{}, catalog.ErrNotFound.New("snapshot file %s", snapshot.ID)
	}

	table := snapshot.Table
	if targetTable != "" {
		table = targetTable
	}
	loc := Location{ProjectID: projectID, BranchID: snapshot.BranchID, Bucket: snapshot.Bucket, Table: table}
	targetPath := service.layout.TablePath(loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)

	if targetTable != "" && fileutil.Exists(targetPath) {
		return RestoreResult{}, catalog.ErrAlreadyExists.New("table %s/%s", loc.Bucket, loc.Table)
	}

	lock, err := service.locks.Acquire(ctx, loc.lockKey(), "")
	if err != nil {
		return RestoreResult{}, err
	}
	defer lock.Release()

	if err := fileutil.Copy(snapshot.FilePath, targetPath); err != nil {
		return RestoreResult{}, Error.Wrap(err)
	}

	entry := catalog.Table{
		ProjectID: loc.ProjectID,
		BranchID:  loc.BranchID,
		Bucket:    loc.Bucket,
		Name:      loc.Table,
		RowCount:  snapshot.RowCount,
		CreatedAt: time.Now().UTC(),
		UpdatedAt: time.Now().UTC(),
	}
	if info, statErr := os.Stat(targetPath); statErr == nil {
		entry.SizeBytes = info.Size()
	}
	if err := service.tables.Upsert(ctx, entry); err != nil {
		return RestoreResult{}, Error.Wrap(err)
	}

	service.log.Info("snapshot restored",
		zap.String("project", projectID),
		zap.String("snapshot", id),
		zap.String("restored_to", loc.Bucket+"."+loc.Table))
	return RestoreResult{
		RowCount:   snapshot.RowCount,
		RestoredTo: loc.Bucket + "." + loc.Table,
	}, nil
}

// CleanupExpired deletes expired snapshot rows and their files.
func (service *Service) CleanupExpired(ctx context.Context, now time.Time) (removed int, err error) {
	defer mon.Task()(&ctx)(&err)

	expired, err := service.db.DeleteExpired(ctx, now)
	if err != nil {
		return 0, Error.Wrap(err)
	}
	for _, snapshot := range expired {
		if err := os.Remove(snapshot.FilePath); err != nil && !os.IsNotExist(err) {
			service.log.Warn("failed to remove expired snapshot file",
				zap.String("snapshot", snapshot.ID),
				zap.Error(err))
			continue
		}
		removed++
	}
	if removed > 0 {
		service.log.Info("expired snapshots removed", zap.Int("count", removed))
	}
	return removed, nil
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
