// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package tables

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/internal/fileutil"
)

// ExportOptions controls export_to_file.
type ExportOptions struct {
	Format      string
	Columns     []string // empty means all
	Where       string
	Compression string // none, gzip, zstd
}

// ExportResult reports what an export wrote.
type ExportResult struct {
	RowsExported  int64 `json:"rows_exported"`
	FileSizeBytes int64 `json:"file_size_bytes"`
}

// Export writes the table, optionally filtered and projected, to dest.
// It reads without the table lock; concurrent writers only make the
// export a moment stale, never corrupt.
func (service *Service) Export(ctx context.Context, loc Location, dest string, opts ExportOptions) (_ ExportResult, err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	if dest == "" {
		return ExportResult{}, ErrInvalidInput.New("destination is required")
	}
	if err := duck.ValidateWhere(opts.Where); err != nil {
		return ExportResult{}, ErrInvalidInput.Wrap(err)
	}
	copyTarget, err := copyOptions(opts)
	if err != nil {
		return ExportResult{}, err
	}

	path, _, err := service.branches.ResolveRead(ctx, loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
	if err != nil {
		return ExportResult{}, err
	}
	if !fileutil.Exists(path) {
		return ExportResult{}, catalog.ErrNotFound.New("table %s/%s", loc.Bucket, loc.Table)
	}

	eng, err := duck.Open(ctx, path, duck.Options{ReadOnly: true})
	if err != nil {
		return ExportResult{}, err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	projection := "*"
	if len(opts.Columns) > 0 {
		quoted := make([]string, len(opts.Columns))
		for i, name := range opts.Columns {
			quoted[i] = duck.QuoteIdent(name)
		}
		projection = strings.Join(quoted, ", ")
	}
	sel := "SELECT " + projection + " FROM main.data"
	countQuery := "SELECT COUNT(*) FROM main.data"
	if trimmed := strings.TrimSpace(opts.Where); trimmed != "" {
		sel += " WHERE " + trimmed
		countQuery += " WHERE " + trimmed
	}

	var count int64
	if err := eng.QueryRow(ctx, countQuery).Scan(&count); err != nil {
		return ExportResult{}, duck.EngineError.Wrap(err)
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return ExportResult{}, Error.Wrap(err)
	}
	if err := eng.Exec(ctx, "COPY ("+sel+") TO "+duck.QuoteString(dest)+" ("+copyTarget+")"); err != nil {
		return ExportResult{}, err
	}

	result := ExportResult{RowsExported: count}
	if stat, statErr := os.Stat(dest); statErr == nil {
		result.FileSizeBytes = stat.Size()
	}
	return result, nil
}

func copyOptions(opts ExportOptions) (string, error) {
	var args []string
	switch opts.Format {
	case FormatCSV, "":
		args = append(args, "FORMAT CSV", "HEADER")
	case FormatParquet:
		args = append(args, "FORMAT PARQUET")
	default:
		return "", ErrInvalidInput.New("unsupported export format %q", opts.Format)
	}
	switch opts.Compression {
	case "", "none":
	case "gzip", "zstd":
		args = append(args, "COMPRESSION "+opts.Compression)
	default:
		return "", ErrInvalidInput.New("unsupported compression %q", opts.Compression)
	}
	return strings.Join(args, ", "), nil
}
