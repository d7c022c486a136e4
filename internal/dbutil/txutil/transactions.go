// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package txutil provides safe transaction-encapsulation helpers.
package txutil

import (
	"context"
	"database/sql"

	"github.com/spacemonkeygo/monkit/v3"
	"github.com/zeebo/errs"
)

var mon = monkit.Package()

// WithTx starts a transaction on db and calls fn with it. If fn returns
// an error the transaction is rolled back, otherwise it is committed.
func WithTx(ctx context.Context, db *sql.DB, fn func(ctx context.Context, tx *sql.Tx) error) (err error) {
	defer mon.Task()(&ctx)(&err)

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return errs.Wrap(err)
	}

	defer func() {
		if err != nil {
			err = errs.Combine(err, tx.Rollback())
			return
		}
		err = errs.Wrap(tx.Commit())
	}()

	return fn(ctx, tx)
}
