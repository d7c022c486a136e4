// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/workspaces"
	"duckpond.io/duckpond/internal/dbutil/txutil"
)

// workspacesDB implements workspaces.DB.
type workspacesDB struct {
	db *sql.DB
}

// Create stores the workspace and its credentials in one transaction.
func (db *workspacesDB) Create(ctx context.Context, workspace workspaces.Workspace, creds workspaces.Credentials) (_ workspaces.Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	err = txutil.WithTx(ctx, db.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workspaces (
				id, project_id, branch_id, name, status,
				size_limit_bytes, expires_at, created_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			workspace.ID, workspace.ProjectID, workspace.BranchID,
			workspace.Name, string(workspace.Status), workspace.SizeLimitBytes,
			nullTime(workspace.ExpiresAt), workspace.CreatedAt.UTC(), workspace.UpdatedAt.UTC())
		if err != nil {
			return alreadyExists(err, "workspace %q", workspace.ID)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workspace_credentials (workspace_id, username, password_hash, created_at)
			VALUES (?, ?, ?, ?)`,
			creds.WorkspaceID, creds.Username, creds.PasswordHash, creds.CreatedAt.UTC())
		if err != nil {
			return alreadyExists(err, "workspace credentials %q", creds.Username)
		}
		return nil
	})
	if err != nil {
		return workspaces.Workspace{}, err
	}
	return db.Get(ctx, workspace.ProjectID, workspace.ID)
}

// Get returns the workspace by id.
func (db *workspacesDB) Get(ctx context.Context, projectID, id string) (_ workspaces.Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, project_id, branch_id, name, status,
			size_limit_bytes, expires_at, created_at, updated_at
		FROM workspaces WHERE project_id = ? AND id = ?`, projectID, id)

	workspace, err := scanWorkspace(row)
	if err != nil {
		return workspaces.Workspace{}, notFound(err, "workspace %q", id)
	}
	return workspace, nil
}

// List returns the workspaces of the project, newest first.
func (db *workspacesDB) List(ctx context.Context, projectID string) (_ []workspaces.Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.list(ctx, `
		SELECT id, project_id, branch_id, name, status,
			size_limit_bytes, expires_at, created_at, updated_at
		FROM workspaces WHERE project_id = ?
		ORDER BY created_at DESC, id`, projectID)
}

// ListForBranch returns the workspaces bound to one branch.
func (db *workspacesDB) ListForBranch(ctx context.Context, projectID, branchID string) (_ []workspaces.Workspace, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.list(ctx, `
		SELECT id, project_id, branch_id, name, status,
			size_limit_bytes, expires_at, created_at, updated_at
		FROM workspaces WHERE project_id = ? AND branch_id = ?
		ORDER BY created_at DESC, id`, projectID, branchID)
}

func (db *workspacesDB) list(ctx context.Context, query string, args ...any) (_ []workspaces.Workspace, err error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []workspaces.Workspace
	for rows.Next() {
		workspace, err := scanWorkspace(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		list = append(list, workspace)
	}
	return list, Error.Wrap(rows.Err())
}

// UpdateStatus changes the stored workspace status.
func (db *workspacesDB) UpdateStatus(ctx context.Context, projectID, id string, status workspaces.Status) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE workspaces SET status = ?, updated_at = CURRENT_TIMESTAMP
		WHERE project_id = ? AND id = ?`, string(status), projectID, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("workspace %q", id)
	}
	return nil
}

// Delete removes the workspace; credentials follow via cascade.
func (db *workspacesDB) Delete(ctx context.Context, projectID, id string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM workspaces WHERE project_id = ? AND id = ?`, projectID, id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("workspace %q", id)
	}
	return nil
}

// Credentials returns the credential row of the workspace.
func (db *workspacesDB) Credentials(ctx context.Context, workspaceID string) (_ workspaces.Credentials, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT workspace_id, username, password_hash, created_at, rotated_at
		FROM workspace_credentials WHERE workspace_id = ?`, workspaceID)

	creds, err := scanCredentials(row)
	if err != nil {
		return workspaces.Credentials{}, notFound(err, "credentials for workspace %q", workspaceID)
	}
	return creds, nil
}

// ByUsername resolves a wire login to its workspace and credentials.
func (db *workspacesDB) ByUsername(ctx context.Context, username string) (_ workspaces.Workspace, _ workspaces.Credentials, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT workspace_id, username, password_hash, created_at, rotated_at
		FROM workspace_credentials WHERE username = ?`, username)

	creds, err := scanCredentials(row)
	if err != nil {
		return workspaces.Workspace{}, workspaces.Credentials{}, notFound(err, "username %q", username)
	}

	row = db.db.QueryRowContext(ctx, `
		SELECT id, project_id, branch_id, name, status,
			size_limit_bytes, expires_at, created_at, updated_at
		FROM workspaces WHERE id = ?`, creds.WorkspaceID)

	workspace, err := scanWorkspace(row)
	if err != nil {
		return workspaces.Workspace{}, workspaces.Credentials{}, notFound(err, "workspace %q", creds.WorkspaceID)
	}
	return workspace, creds, nil
}

// ResetCredentials replaces the credential row of the workspace.
func (db *workspacesDB) ResetCredentials(ctx context.Context, workspaceID string, creds workspaces.Credentials) (err error) {
	defer mon.Task()(&ctx)(&err)

	return txutil.WithTx(ctx, db.db, func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			DELETE FROM workspace_credentials WHERE workspace_id = ?`, workspaceID)
		if err != nil {
			return Error.Wrap(err)
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO workspace_credentials (workspace_id, username, password_hash, created_at, rotated_at)
			VALUES (?, ?, ?, ?, ?)`,
			creds.WorkspaceID, creds.Username, creds.PasswordHash,
			creds.CreatedAt.UTC(), nullTime(creds.RotatedAt))
		if err != nil {
			return alreadyExists(err, "workspace credentials %q", creds.Username)
		}
		return nil
	})
}

func scanWorkspace(row scannable) (workspaces.Workspace, error) {
	var workspace workspaces.Workspace
	var status string
	var expiresAt sql.NullTime
	err := row.Scan(&workspace.ID, &workspace.ProjectID, &workspace.BranchID,
		&workspace.Name, &status, &workspace.SizeLimitBytes,
		&expiresAt, &workspace.CreatedAt, &workspace.UpdatedAt)
	if err != nil {
		return workspaces.Workspace{}, err
	}
	workspace.Status = workspaces.Status(status)
	workspace.ExpiresAt = timePtr(expiresAt)
	workspace.CreatedAt = workspace.CreatedAt.UTC()
	workspace.UpdatedAt = workspace.UpdatedAt.UTC()
	return workspace, nil
}

func scanCredentials(row scannable) (workspaces.Credentials, error) {
	var creds workspaces.Credentials
	var rotatedAt sql.NullTime
	err := row.Scan(&creds.WorkspaceID, &creds.Username, &creds.PasswordHash,
		&creds.CreatedAt, &rotatedAt)
	if err != nil {
		return workspaces.Credentials{}, err
	}
	creds.CreatedAt = creds.CreatedAt.UTC()
	creds.RotatedAt = timePtr(rotatedAt)
	return creds, nil
}
