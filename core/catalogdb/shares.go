// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package catalogdb

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/shares"
)

// sharesDB implements shares.DB.
type sharesDB struct {
	db *sql.DB
}

// CreateShare stores a new share grant.
func (db *sharesDB) CreateShare(ctx context.Context, share shares.Share) (_ shares.Share, err error) {
	defer mon.Task()(&ctx)(&err)

	_, err = db.db.ExecContext(ctx, `
		INSERT INTO bucket_shares (
			source_project_id, source_bucket, target_project_id,
			share_type, role_name, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		share.SourceProjectID, share.SourceBucket, share.TargetProjectID,
		share.ShareType, share.RoleName, share.CreatedAt.UTC())
	if err != nil {
		return shares.Share{}, alreadyExists(err, "share of %q to %q",
			share.SourceBucket, share.TargetProjectID)
	}
	return db.GetShare(ctx, share.SourceProjectID, share.SourceBucket, share.TargetProjectID)
}

// GetShare returns one share grant.
func (db *sharesDB) GetShare(ctx context.Context, sourceProjectID, sourceBucket, targetProjectID string) (_ shares.Share, err error) {
	defer mon.Task()(&ctx)(&err)

	var share shares.Share
	err = db.db.QueryRowContext(ctx, `
		SELECT source_project_id, source_bucket, target_project_id,
			share_type, role_name, created_at
		FROM bucket_shares
		WHERE source_project_id = ? AND source_bucket = ? AND target_project_id = ?`,
		sourceProjectID, sourceBucket, targetProjectID,
	).Scan(&share.SourceProjectID, &share.SourceBucket, &share.TargetProjectID,
		&share.ShareType, &share.RoleName, &share.CreatedAt)
	if err != nil {
		return shares.Share{}, notFound(err, "share of %q to %q", sourceBucket, targetProjectID)
	}
	share.CreatedAt = share.CreatedAt.UTC()
	return share, nil
}

// ListSharesBySource returns the shares granted by the project.
func (db *sharesDB) ListSharesBySource(ctx context.Context, sourceProjectID string) (_ []shares.Share, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.listShares(ctx, `
		SELECT source_project_id, source_bucket, target_project_id,
			share_type, role_name, created_at
		FROM bucket_shares WHERE source_project_id = ?
		ORDER BY source_bucket, target_project_id`, sourceProjectID)
}

// ListSharesByTarget returns the shares granted to the project.
func (db *sharesDB) ListSharesByTarget(ctx context.Context, targetProjectID string) (_ []shares.Share, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.listShares(ctx, `
		SELECT source_project_id, source_bucket, target_project_id,
			share_type, role_name, created_at
		FROM bucket_shares WHERE target_project_id = ?
		ORDER BY source_project_id, source_bucket`, targetProjectID)
}

func (db *sharesDB) listShares(ctx context.Context, query string, args ...any) (_ []shares.Share, err error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []shares.Share
	for rows.Next() {
		var share shares.Share
		err := rows.Scan(&share.SourceProjectID, &share.SourceBucket, &share.TargetProjectID,
			&share.ShareType, &share.RoleName, &share.CreatedAt)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		share.CreatedAt = share.CreatedAt.UTC()
		list = append(list, share)
	}
	return list, Error.Wrap(rows.Err())
}

// DeleteShare removes the share grant.
func (db *sharesDB) DeleteShare(ctx context.Context, sourceProjectID, sourceBucket, targetProjectID string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM bucket_shares
		WHERE source_project_id = ? AND source_bucket = ? AND target_project_id = ?`,
		sourceProjectID, sourceBucket, targetProjectID)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("share of %q to %q", sourceBucket, targetProjectID)
	}
	return nil
}

// CreateLink stores a new link.
func (db *sharesDB) CreateLink(ctx context.Context, link shares.Link) (_ shares.Link, err error) {
	defer mon.Task()(&ctx)(&err)

	views, err := json.Marshal(link.Views)
	if err != nil {
		return shares.Link{}, Error.Wrap(err)
	}
	_, err = db.db.ExecContext(ctx, `
		INSERT INTO bucket_links (
			target_project_id, target_bucket, source_project_id,
			source_bucket, views, created_at
		) VALUES (?, ?, ?, ?, ?, ?)`,
		link.TargetProjectID, link.TargetBucket, link.SourceProjectID,
		link.SourceBucket, string(views), link.CreatedAt.UTC())
	if err != nil {
		return shares.Link{}, alreadyExists(err, "link %q", link.TargetBucket)
	}
	return db.GetLink(ctx, link.TargetProjectID, link.TargetBucket)
}

// GetLink returns the link by its target bucket name.
func (db *sharesDB) GetLink(ctx context.Context, targetProjectID, targetBucket string) (_ shares.Link, err error) {
	defer mon.Task()(&ctx)(&err)

	row := db.db.QueryRowContext(ctx, `
		SELECT target_project_id, target_bucket, source_project_id,
			source_bucket, views, created_at
		FROM bucket_links
		WHERE target_project_id = ? AND target_bucket = ?`,
		targetProjectID, targetBucket)

	link, err := scanLink(row)
	if err != nil {
		return shares.Link{}, notFound(err, "link %q", targetBucket)
	}
	return link, nil
}

// ListLinks returns the links of the target project.
func (db *sharesDB) ListLinks(ctx context.Context, targetProjectID string) (_ []shares.Link, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.listLinks(ctx, `
		SELECT target_project_id, target_bucket, source_project_id,
			source_bucket, views, created_at
		FROM bucket_links WHERE target_project_id = ?
		ORDER BY target_bucket`, targetProjectID)
}

// ListLinksBySource returns the links pointing at the source project.
func (db *sharesDB) ListLinksBySource(ctx context.Context, sourceProjectID string) (_ []shares.Link, err error) {
	defer mon.Task()(&ctx)(&err)

	return db.listLinks(ctx, `
		SELECT target_project_id, target_bucket, source_project_id,
			source_bucket, views, created_at
		FROM bucket_links WHERE source_project_id = ?
		ORDER BY target_project_id, target_bucket`, sourceProjectID)
}

func (db *sharesDB) listLinks(ctx context.Context, query string, args ...any) (_ []shares.Link, err error) {
	rows, err := db.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, Error.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var list []shares.Link
	for rows.Next() {
		link, err := scanLink(rows)
		if err != nil {
			return nil, Error.Wrap(err)
		}
		list = append(list, link)
	}
	return list, Error.Wrap(rows.Err())
}

// DeleteLink removes the link row.
func (db *sharesDB) DeleteLink(ctx context.Context, targetProjectID, targetBucket string) (err error) {
	defer mon.Task()(&ctx)(&err)

	result, err := db.db.ExecContext(ctx, `
		DELETE FROM bucket_links
		WHERE target_project_id = ? AND target_bucket = ?`,
		targetProjectID, targetBucket)
	if err != nil {
		return Error.Wrap(err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return Error.Wrap(err)
	}
	if affected == 0 {
		return catalog.ErrNotFound.New("link %q", targetBucket)
	}
	return nil
}

func scanLink(row scannable) (shares.Link, error) {
	var link shares.Link
	var views string
	err := row.Scan(&link.TargetProjectID, &link.TargetBucket, &link.SourceProjectID,
		&link.SourceBucket, &views, &link.CreatedAt)
	if err != nil {
		return shares.Link{}, err
	}
	if err := json.Unmarshal([]byte(views), &link.Views); err != nil {
		return shares.Link{}, err
	}
	link.CreatedAt = link.CreatedAt.UTC()
	return link, nil
}
