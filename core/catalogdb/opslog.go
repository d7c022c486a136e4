// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"
	"go.uber.org/zap"

	"duckpond.io/duckpond/core/catalog"
)

// opsDB implements catalog.Ops.
type opsDB struct {
	db  *sql.DB
	log *zap.Logger
}

// Log appends an audit entry. Failures are logged, never returned, so
// audit writes cannot fail the operation they describe.
func (db *opsDB) Log(ctx context.Context, op catalog.Operation) {
	occurred := op.OccurredAt
	if occurred.IsZero() {
		occurred = time.Now()
	}
	_, err := db.db.ExecContext(ctx, `
		INSERT INTO operations_log (
			occurred_at, actor, project_id, branch_id, operation,
			resource_type, resource_id, status, error_message, details,
			duration_ms, request_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		occurred.UTC(), op.Actor, op.ProjectID, op.BranchID, op.Name,
		op.ResourceType, op.ResourceID, op.Status, op.Error, op.Details,
		op.Duration.Milliseconds(), op.RequestID)
	if err != nil {
		db.log.Warn("failed to record operation",
			zap.String("operation", op.Name),
			zap.String("project", op.ProjectID),
			zap.Error(err))
	}
}

// ListRecent returns the latest audit entries of the project.
func (db *opsDB) ListRecent(ctx context.Context, projectID string, limit int) (_ []catalog.Operation, err error) {
	defer mon.Task()(&ctx)(&err)

	if limit <= 0 {
		limit = 100
	}
	rows, err := db.db.QueryContext(ctx, `
		SELECT id, occurred_at, actor, project_id, branch_id, operation,
			resource_type, resource_id, status, error_message, details,
			duration_ms, request_id
		FROM operations_log WHERE project_id = ?
		ORDER BY occurred_at DESC, id DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var ops []catalog.Operation
	for rows.Next() {
		var op catalog.Operation
		var durationMS int64
		err := rows.Scan(&op.ID, &op.OccurredAt, &op.Actor, &op.ProjectID, &op.BranchID,
			&op.Name, &op.ResourceType, &op.ResourceID, &op.Status, &op.Error,
			&op.Details, &durationMS, &op.RequestID)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		op.OccurredAt = op.OccurredAt.UTC()
		op.Duration = time.Duration(durationMS) * time.Millisecond
		ops = append(ops, op)
	}
	return ops, Error.Wrap(rows.Err())
}
