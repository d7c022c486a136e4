// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

// Package errs2 collects small error helpers shared by long-running
// services.
package errs2

import (
	"context"
	"errors"
)

// IsCanceled reports whether the error is a context cancellation.
func IsCanceled(err error) bool {
	return errors.Is(err, context.Canceled)
}

// IgnoreCanceled returns nil when the error is a context cancellation.
// Services stopped by shutdown report success rather than the
// cancellation that stopped them.
func IgnoreCanceled(err error) error {
	if IsCanceled(err) {
		return nil
	}
	return err
}
