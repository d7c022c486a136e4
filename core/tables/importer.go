// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package tables

import (
	"context"
	"os"
	"sort"
	"strings"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/duck"
)

// Import formats.
const (
	FormatCSV     = "csv"
	FormatParquet = "parquet"
)

// DedupUpdateDuplicates makes incremental imports overwrite rows whose
// primary key already exists.
const DedupUpdateDuplicates = "update_duplicates"

// ObjectCredentials configures access to a remote object source for
// the duration of one import.
type ObjectCredentials struct {
	AccessKeyID     string
	SecretAccessKey string
	Region          string
	Endpoint        string
	UseSSL          bool
}

// ImportOptions controls import_from_file.
type ImportOptions struct {
	Format      string
	Incremental bool
	DedupMode   string
	Delimiter   string
	Quote       string
	Escape      string
	Header      *bool
	Types       map[string]string // per-column type overrides
	Credentials *ObjectCredentials
}

// ImportResult reports what an import did.
type ImportResult struct {
	ImportedRows int64    `json:"imported_rows"`
	TotalRows    int64    `json:"total_rows"`
	SizeBytes    int64    `json:"size_bytes"`
	Columns      []Column `json:"columns"`
}

// Import loads rows from a file or object URL into the table. A
// non-incremental import replaces the content; an incremental one
// appends, or upserts by primary key when dedup mode asks for it.
func (service *Service) Import(ctx context.Context, loc Location, source string, opts ImportOptions) (_ ImportResult, err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	if source == "" {
		return ImportResult{}, ErrInvalidInput.New("source is required")
	}
	if opts.Format == "" {
		opts.Format = guessFormat(source)
	}
	reader, err := readerSQL(source, opts)
	if err != nil {
		return ImportResult{}, err
	}

	owner := opOwner()
	lock, err := service.locks.Acquire(ctx, loc.lockKey(), owner)
	if err != nil {
		return ImportResult{}, err
	}
	defer lock.Release()

	path, err := service.writablePath(ctx, loc, owner)
	if err != nil {
		return ImportResult{}, err
	}

	eng, err := duck.Open(ctx, path, service.engineOptions())
	if err != nil {
		return ImportResult{}, err
	}
	closed := false
	defer func() {
		if !closed {
			err = errs.Combine(err, eng.Close())
		}
	}()

	// credentials live only in this session and die with it
	if opts.Credentials != nil {
		if err := eng.Exec(ctx, secretSQL(*opts.Credentials, source)); err != nil {
			return ImportResult{}, err
		}
	}

	columns, err := readColumns(ctx, eng)
	if err != nil {
		return ImportResult{}, err
	}
	primaryKey, err := readPrimaryKey(ctx, eng)
	if err != nil {
		return ImportResult{}, err
	}

	if !opts.Incremental {
		if err := eng.Exec(ctx, "DELETE FROM main.data"); err != nil {
			return ImportResult{}, err
		}
	}

	insert := "INSERT INTO main.data SELECT * FROM " + reader
	if opts.Incremental && opts.DedupMode == DedupUpdateDuplicates && len(primaryKey) > 0 {
		insert += upsertClause(columns, primaryKey)
	}
	imported, err := eng.ExecRows(ctx, insert)
	if err != nil {
		return ImportResult{}, err
	}

	total, err := eng.RowCount(ctx, "main.data")
	if err != nil {
		return ImportResult{}, err
	}
	columns, err = readColumns(ctx, eng)
	if err != nil {
		return ImportResult{}, err
	}

	// close before statting so the size includes the checkpoint
	closed = true
	if err := eng.Close(); err != nil {
		return ImportResult{}, Error.Wrap(err)
	}

	result := ImportResult{ImportedRows: imported, TotalRows: total, Columns: columns}
	if stat, statErr := os.Stat(path); statErr == nil {
		result.SizeBytes = stat.Size()
	}
	service.refreshStats(ctx, loc, path, total)
	return result, nil
}

// upsertClause builds the conflict action for primary-key dedup.
// Rows whose key matches overwrite the non-key columns; a table that
// is all key has nothing to update.
func upsertClause(columns []Column, primaryKey []string) string {
	inKey := make(map[string]bool, len(primaryKey))
	for _, name := range primaryKey {
		inKey[name] = true
	}
	var sets []string
	for _, col := range columns {
		if !inKey[col.Name] {
			quoted := duck.QuoteIdent(col.Name)
			sets = append(sets, quoted+" = EXCLUDED."+quoted)
		}
	}

	quotedKey := make([]string, len(primaryKey))
	for i, name := range primaryKey {
		quotedKey[i] = duck.QuoteIdent(name)
	}
	clause := " ON CONFLICT (" + strings.Join(quotedKey, ", ") + ")"
	if len(sets) == 0 {
		return clause + " DO NOTHING"
	}
	return clause + " DO UPDATE SET " + strings.Join(sets, ", ")
}

// readerSQL renders the table function reading the source.
func readerSQL(source string, opts ImportOptions) (string, error) {
	switch opts.Format {
	case FormatParquet:
		return "read_parquet(" + duck.QuoteString(source) + ")", nil
	case FormatCSV:
		args := []string{duck.QuoteString(source)}
		if opts.Header != nil {
			if *opts.Header {
				args = append(args, "header = true")
			} else {
				args = append(args, "header = false")
			}
		}
		if opts.Delimiter != "" {
			args = append(args, "delim = "+duck.QuoteString(opts.Delimiter))
		}
		if opts.Quote != "" {
			args = append(args, "quote = "+duck.QuoteString(opts.Quote))
		}
		if opts.Escape != "" {
			args = append(args, "escape = "+duck.QuoteString(opts.Escape))
		}
		if len(opts.Types) > 0 {
			names := make([]string, 0, len(opts.Types))
			for name := range opts.Types {
				names = append(names, name)
			}
			sort.Strings(names)
			var pairs []string
			for _, name := range names {
				if err := validateType(opts.Types[name]); err != nil {
					return "", err
				}
				pairs = append(pairs, duck.QuoteString(name)+": "+duck.QuoteString(opts.Types[name]))
			}
			args = append(args, "types = {"+strings.Join(pairs, ", ")+"}")
		}
		return "read_csv(" + strings.Join(args, ", ") + ")", nil
	default:
		return "", ErrInvalidInput.New("unsupported import format %q", opts.Format)
	}
}

func guessFormat(source string) string {
	cleaned := source
	if i := strings.IndexAny(cleaned, "?#"); i >= 0 {
		cleaned = cleaned[:i]
	}
	if strings.HasSuffix(cleaned, ".parquet") {
		return FormatParquet
	}
	return FormatCSV
}

// secretSQL scopes the credentials to the source's bucket via a
// session-temporary secret.
func secretSQL(creds ObjectCredentials, source string) string {
	args := []string{
		"TYPE S3",
		"KEY_ID " + duck.QuoteString(creds.AccessKeyID),
		"SECRET " + duck.QuoteString(creds.SecretAccessKey),
	}
	if creds.Region != "" {
		args = append(args, "REGION "+duck.QuoteString(creds.Region))
	}
	if creds.Endpoint != "" {
		args = append(args, "ENDPOINT "+duck.QuoteString(creds.Endpoint))
		args = append(args, "URL_STYLE 'path'")
	}
	if !creds.UseSSL {
		args = append(args, "USE_SSL false")
	}
	if scope := sourceScope(source); scope != "" {
		args = append(args, "SCOPE "+duck.QuoteString(scope))
	}
	return "CREATE OR REPLACE TEMPORARY SECRET import_credentials (" + strings.Join(args, ", ") + ")"
}

// sourceScope narrows a secret to the bucket of an object URL.
func sourceScope(source string) string {
	rest, ok := strings.CutPrefix(source, "s3://")
	if !ok {
		return ""
	}
	bucket, _, _ := strings.Cut(rest, "/")
	if bucket == "" {
		return ""
	}
	return "s3://" + bucket
}
