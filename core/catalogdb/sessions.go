// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"
	"time"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/workspaces"
	"duckpond.io/duckpond/internal/dbutil/txutil"
)

// sessionsDB implements workspaces.Sessions.
type sessionsDB struct {
	db *sql.DB
}

// Create stores a new wire session.
func (db *sessionsDB) Create(ctx context.Context, session workspaces.Session) (_ workspaces.Session, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO pgwire_sessions (
			id, workspace_id, username, client_addr, status,
			started_at, last_activity_at, query_count, ended_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		session.ID, session.WorkspaceID, session.Username, session.ClientAddr,
		string(session.Status), session.StartedAt.UTC(), session.LastActivityAt.UTC(),
		session.QueryCount, nullTime(session.EndedAt))
	if err != nil {
		return workspaces.Session{}, alreadyExists(err, "session %q", session.ID)
	}
	return db.Get(ctx, session.ID)
}

// Get returns the session by id.
func (db *sessionsDB) Get(ctx context.Context, id string) (_ workspaces.Session, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT id, workspace_id, username, client_addr, status,
			started_at, last_activity_at, query_count, ended_at
		FROM pgwire_sessions WHERE id = ?`, id)

	session, err := scanSession(row)
	if err != nil {
		return workspaces.Session{}, notFound(err, "session %q", id)
	}
	return session, nil
}

// CountActive returns the number of active sessions of the workspace.
func (db *sessionsDB) CountActive(ctx context.Context, workspaceID string) (_ int, err error) {
	defer mon.Task()(&ctx)(&err)

	var count int
	err = db.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM pgwire_sessions
		WHERE workspace_id = ? AND status = ?`,
		workspaceID, string(workspaces.SessionActive),
	).Scan(&count)
	return count, Error.Wrap(err)
}

// ListActive returns the active sessions of the workspace.
func (db *sessionsDB) ListActive(ctx context.Context, workspaceID string) (_ []workspaces.Session, err error) {
	defer mon.Task()(&ctx)(&err)

	rows, err := db.db.QueryContext(ctx, `
		SELECT id, workspace_id, username, client_addr, status,
			started_at, last_activity_at, query_count, ended_at
		FROM pgwire_sessions
		WHERE workspace_id = ? AND status = ?
		ORDER BY started_at, id`,
		workspaceID, string(workspaces.SessionActive))
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var sessions []workspaces.Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		sessions = append(sessions, session)
	}
	return sessions, Error.Wrap(rows.Err())
}

// Touch records activity and increments the query counter.
func (db *sessionsDB) Touch(ctx context.Context, id string, when time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		UPDATE pgwire_sessions
		SET last_activity_at = ?, query_count = query_count + 1
		WHERE id = ?`, when.UTC(), id)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("session %q", id)
	}
	return nil
}

// Close ends the session with the given status. Closing an already
// ended session keeps its first terminal status.
func (db *sessionsDB) Close(ctx context.Context, id string, status workspaces.SessionStatus, when time.Time) (err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		UPDATE pgwire_sessions SET status = ?, ended_at = ?
		WHERE id = ? AND status = ?`,
		string(status), when.UTC(), id, string(workspaces.SessionActive))
	return Error.Wrap(err)
}

// CloseIdle closes active sessions with no activity since before and
// returns them so live connections can be torn down.
func (db *sessionsDB) CloseIdle(ctx context.Context, before, when time.Time) (closed []workspaces.Session, err error) {
	defer mon.Task()(&ctx)(&err)

	err = txutil.WithTx(ctx, db.db, func(ctx context.Context, tx *sql.Tx) error {
		closed = nil
		err := func() (err error) {
			// The tx holds a single connection, so the result set must
			// be drained before the updates below can run on it.
			rows, err := tx.QueryContext(ctx, `
				SELECT id, workspace_id, username, client_addr, status,
					started_at, last_activity_at, query_count, ended_at
				FROM pgwire_sessions
				WHERE status = ? AND last_activity_at < ?`,
				string(workspaces.SessionActive), before.UTC())
			if err != nil {
				return Error.Wrap(err)
			}
			defer func() { err = errs.Combine(err, rows.Close()) }()

			for rows.Next() {
				session, err := scanSession(rows)
				if err != nil {
					return Error.Wrap(err)
				}
				closed = append(closed, session)
			}
			return Error.Wrap(rows.Err())
		}()
		if err != nil {
			return err
		}

		for i := range closed {
			_, err := tx.ExecContext(ctx, `
				UPDATE pgwire_sessions SET status = ?, ended_at = ?
				WHERE id = ?`,
				string(workspaces.SessionIdleClosed), when.UTC(), closed[i].ID)
			if err != nil {
				return Error.Wrap(err)
			}
			ended := when.UTC()
			closed[i].Status = workspaces.SessionIdleClosed
			closed[i].EndedAt = &ended
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return closed, nil
}

func scanSession(row scannable) (workspaces.Session, error) {
	var session workspaces.Session
	var status string
	var endedAt sql.NullTime
	err := row.Scan(&session.ID, &session.WorkspaceID, &session.Username,
		&session.ClientAddr, &status, &session.StartedAt,
		&session.LastActivityAt, &session.QueryCount, &endedAt)
	if err != nil {
		return workspaces.Session{}, err
	}
	session.Status = workspaces.SessionStatus(status)
	session.StartedAt = session.StartedAt.UTC()
	session.LastActivityAt = session.LastActivityAt.UTC()
	session.EndedAt = timePtr(endedAt)
	return session, nil
}
