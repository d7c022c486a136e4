// Copyright (C) 2025 Duckpond Labs, Inc.
// See LICENSE for copying information.

package tables

import (
	"context"
	"database/sql"
	"fmt"
	"math"
	"regexp"
	"strings"

	"github.com/zeebo/errs"

	"duckpond.io/duckpond/core/catalog"
	"duckpond.io/duckpond/core/duck"
	"duckpond.io/duckpond/internal/fileutil"
)

// Profile is the statistical summary of a table.
type Profile struct {
	RowCount    int64           `json:"row_count"`
	ColumnCount int             `json:"column_count"`
	Columns     []ColumnProfile `json:"columns"`
}

// ColumnProfile summarizes a single column.
type ColumnProfile struct {
	Name          string          `json:"name"`
	Type          string          `json:"type"`
	Min           *string         `json:"min"`
	Max           *string         `json:"max"`
	DistinctCount int64           `json:"distinct_count"`
	NullPercent   float64         `json:"null_percent"`
	Cardinality   string          `json:"cardinality"`
	Pattern       string          `json:"pattern,omitempty"`
	Numeric       *NumericProfile `json:"numeric,omitempty"`
	Histogram     []HistogramBin  `json:"histogram,omitempty"`
}

// NumericProfile carries the distribution statistics of a numeric
// column. Outliers are counted outside the 1.5 IQR fences.
type NumericProfile struct {
	Mean         float64 `json:"mean"`
	Std          float64 `json:"std"`
	Q01          float64 `json:"q01"`
	Q05          float64 `json:"q05"`
	Q25          float64 `json:"q25"`
	Q50          float64 `json:"q50"`
	Q75          float64 `json:"q75"`
	Q95          float64 `json:"q95"`
	Q99          float64 `json:"q99"`
	Skewness     float64 `json:"skewness"`
	Kurtosis     float64 `json:"kurtosis"`
	OutlierCount int64   `json:"outlier_count"`
	OutlierLow   float64 `json:"outlier_low"`
	OutlierHigh  float64 `json:"outlier_high"`
}

// HistogramBin is one bar of an equal-width histogram.
type HistogramBin struct {
	Low   float64 `json:"low"`
	High  float64 `json:"high"`
	Count int64   `json:"count"`
}

const (
	histogramBins  = 10
	patternSample  = 100
	patternMinimum = 0.9
)

// Profile computes per-column statistics. It reads without the table
// lock.
func (service *Service) Profile(ctx context.Context, loc Location) (_ Profile, err error) {
	defer mon.Task()(&ctx)(&err)

	loc = loc.normalized()
	path, _, err := service.branches.ResolveRead(ctx, loc.ProjectID, loc.BranchID, loc.Bucket, loc.Table)
	if err != nil {
		return Profile{}, err
	}
	if !fileutil.Exists(path) {
		return Profile{}, catalog.ErrNotFound.New("table %s/%s", loc.Bucket, loc.Table)
	}

	eng, err := duck.Open(ctx, path, duck.Options{ReadOnly: true})
	if err != nil {
		return Profile{}, err
	}
	defer func() { err = errs.Combine(err, eng.Close()) }()

	columns, err := readColumns(ctx, eng)
	if err != nil {
		return Profile{}, err
	}
	rowCount, err := eng.RowCount(ctx, "main.data")
	if err != nil {
		return Profile{}, err
	}

	profile := Profile{RowCount: rowCount, ColumnCount: len(columns)}
	for _, col := range columns {
		colProfile, err := service.profileColumn(ctx, eng, col, rowCount)
		if err != nil {
			return Profile{}, err
		}
		profile.Columns = append(profile.Columns, colProfile)
	}
	return profile, nil
}

func (service *Service) profileColumn(ctx context.Context, eng *duck.DB, col Column, rowCount int64) (_ ColumnProfile, err error) {
	profile := ColumnProfile{Name: col.Name, Type: col.Type}
	quoted := duck.QuoteIdent(col.Name)

	var minRaw, maxRaw any
	var nonNull int64
	err = eng.QueryRow(ctx,
		"SELECT MIN("+quoted+"), MAX("+quoted+"), approx_count_distinct("+quoted+"), COUNT("+quoted+") FROM main.data",
	).Scan(&minRaw, &maxRaw, &profile.DistinctCount, &nonNull)
	if err != nil {
		return ColumnProfile{}, duck.EngineError.Wrap(err)
	}
	profile.Min = formatValue(minRaw)
	profile.Max = formatValue(maxRaw)
	if rowCount > 0 {
		profile.NullPercent = float64(rowCount-nonNull) / float64(rowCount) * 100
	}
	profile.Cardinality = cardinalityClass(profile.DistinctCount, nonNull)

	if isNumericType(col.Type) && nonNull > 0 {
		profile.Numeric, profile.Histogram, err = service.profileNumeric(ctx, eng, quoted)
		if err != nil {
			return ColumnProfile{}, err
		}
	}
	if isTextType(col.Type) && nonNull > 0 {
		profile.Pattern, err = service.detectPattern(ctx, eng, quoted)
		if err != nil {
			return ColumnProfile{}, err
		}
	}
	return profile, nil
}

func (service *Service) profileNumeric(ctx context.Context, eng *duck.DB, quoted string) (_ *NumericProfile, _ []HistogramBin, err error) {
	expr := "CAST(" + quoted + " AS DOUBLE)"
	var mean, stddev, skewness, kurtosis sql.NullFloat64
	var q01, q05, q25, q50, q75, q95, q99 sql.NullFloat64
	var lowest, highest sql.NullFloat64
	err = eng.QueryRow(ctx, "SELECT "+
		"AVG("+expr+"), stddev("+expr+"), "+
		"quantile_cont("+expr+", 0.01), quantile_cont("+expr+", 0.05), "+
		"quantile_cont("+expr+", 0.25), quantile_cont("+expr+", 0.50), "+
		"quantile_cont("+expr+", 0.75), quantile_cont("+expr+", 0.95), "+
		"quantile_cont("+expr+", 0.99), "+
		"skewness("+expr+"), kurtosis("+expr+"), "+
		"MIN("+expr+"), MAX("+expr+") "+
		"FROM main.data",
	).Scan(&mean, &stddev, &q01, &q05, &q25, &q50, &q75, &q95, &q99, &skewness, &kurtosis, &lowest, &highest)
	if err != nil {
		return nil, nil, duck.EngineError.Wrap(err)
	}

	numeric := &NumericProfile{
		Mean:     mean.Float64,
		Std:      stddev.Float64,
		Q01:      q01.Float64,
		Q05:      q05.Float64,
		Q25:      q25.Float64,
		Q50:      q50.Float64,
		Q75:      q75.Float64,
		Q95:      q95.Float64,
		Q99:      q99.Float64,
		Skewness: skewness.Float64,
		Kurtosis: kurtosis.Float64,
	}
	iqr := numeric.Q75 - numeric.Q25
	numeric.OutlierLow = numeric.Q25 - 1.5*iqr
	numeric.OutlierHigh = numeric.Q75 + 1.5*iqr
	err = eng.QueryRow(ctx,
		"SELECT COUNT(*) FROM main.data WHERE "+expr+" < ? OR "+expr+" > ?",
		numeric.OutlierLow, numeric.OutlierHigh,
	).Scan(&numeric.OutlierCount)
	if err != nil {
		return nil, nil, duck.EngineError.Wrap(err)
	}

	histogram, err := service.histogram(ctx, eng, expr, lowest.Float64, highest.Float64)
	if err != nil {
		return nil, nil, err
	}
	return numeric, histogram, nil
}

func (service *Service) histogram(ctx context.Context, eng *duck.DB, expr string, lowest, highest float64) (_ []HistogramBin, err error) {
	if !(highest > lowest) || math.IsNaN(lowest) || math.IsNaN(highest) {
		return nil, nil
	}
	width := (highest - lowest) / histogramBins

	rows, err := eng.Query(ctx,
		"SELECT LEAST(CAST(FLOOR(("+expr+" - ?) / ?) AS INTEGER), ?) AS bin, COUNT(*) "+
			"FROM main.data WHERE "+expr+" IS NOT NULL GROUP BY bin ORDER BY bin",
		lowest, width, histogramBins-1,
	)
	if err != nil {
		return nil, duck.EngineError.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	counts := make([]int64, histogramBins)
	for rows.Next() {
		var bin int
		var count int64
		if err := rows.Scan(&bin, &count); err != nil {
			return nil, duck.EngineError.Wrap(err)
		}
		if bin >= 0 && bin < histogramBins {
			counts[bin] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, duck.EngineError.Wrap(err)
	}

	bins := make([]HistogramBin, histogramBins)
	for i := range bins {
		bins[i] = HistogramBin{
			Low:   lowest + float64(i)*width,
			High:  lowest + float64(i+1)*width,
			Count: counts[i],
		}
	}
	return bins, nil
}

var patterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"email", regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)},
	{"uuid", regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)},
	{"url", regexp.MustCompile(`^https?://\S+$`)},
	{"date", regexp.MustCompile(`^\d{4}-\d{2}-\d{2}`)},
	{"numeric", regexp.MustCompile(`^-?\d+(\.\d+)?$`)},
}

// detectPattern samples values and reports a format when nearly all of
// the sample matches it.
func (service *Service) detectPattern(ctx context.Context, eng *duck.DB, quoted string) (_ string, err error) {
	rows, err := eng.Query(ctx,
		"SELECT "+quoted+" FROM main.data WHERE "+quoted+" IS NOT NULL LIMIT "+fmt.Sprint(patternSample))
	if err != nil {
		return "", duck.EngineError.Wrap(err)
	}
	defer func() { err = errs.Combine(err, rows.Close()) }()

	var sample []string
	for rows.Next() {
		var value string
		if err := rows.Scan(&value); err != nil {
			return "", duck.EngineError.Wrap(err)
		}
		sample = append(sample, value)
	}
	if err := rows.Err(); err != nil {
		return "", duck.EngineError.Wrap(err)
	}
	if len(sample) == 0 {
		return "", nil
	}

	for _, candidate := range patterns {
		matched := 0
		for _, value := range sample {
			if candidate.re.MatchString(value) {
				matched++
			}
		}
		if float64(matched)/float64(len(sample)) >= patternMinimum {
			return candidate.name, nil
		}
	}
	return "", nil
}

func cardinalityClass(distinct, nonNull int64) string {
	switch {
	case nonNull == 0:
		return "empty"
	case distinct >= nonNull:
		return "unique"
	case distinct <= 20:
		return "categorical"
	default:
		return "high"
	}
}

var numericPrefixes = []string{
	"TINYINT", "SMALLINT", "INTEGER", "BIGINT", "HUGEINT",
	"UTINYINT", "USMALLINT", "UINTEGER", "UBIGINT",
	"FLOAT", "REAL", "DOUBLE", "DECIMAL", "NUMERIC",
}

func isNumericType(typ string) bool {
	upper := strings.ToUpper(strings.TrimSpace(typ))
	for _, prefix := range numericPrefixes {
		if upper == prefix || strings.HasPrefix(upper, prefix+"(") {
			return true
		}
	}
	return false
}

func isTextType(typ string) bool {
	upper := strings.ToUpper(strings.TrimSpace(typ))
	return upper == "VARCHAR" || upper == "TEXT" || upper == "STRING" || strings.HasPrefix(upper, "VARCHAR(")
}

// formatValue renders an aggregate result for transport.
func formatValue(value any) *string {
	if value == nil {
		return nil
	}
	var text string
	switch v := value.(type) {
	case []byte:
		text = string(v)
	default:
		text = fmt.Sprint(v)
	}
	return &text
}
