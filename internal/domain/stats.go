package domain

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
)

// RDB column names used by the statistics parser.
const (
	HeaderSentinel = "agency_cd"

	ColumnMonth  = "month_nu"
	ColumnDay    = "day_nu"
	ColumnMedian = "p50_va"
	ColumnMin    = "min_va"
	ColumnMax    = "max_va"
	ColumnP25    = "p25_va"
	ColumnP75    = "p75_va"
)

const (
	commentMarker  = "#"
	fieldDelimiter = "\t"
)

// ErrMissingHeader reports input that contains no header row.
var ErrMissingHeader = errors.New("missing header line")

// FormatError is returned when the input is not recognizable as RDB
// statistics at all.
type FormatError struct {
	Err error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid USGS statistics format: %v", e.Err)
}

func (e *FormatError) Unwrap() error { return e.Err }

// decimalRe accepts base-10 numbers with an optional fraction and exponent.
// Hex, Inf and NaN are deliberately not numbers here.
var decimalRe = regexp.MustCompile(`^[+-]?(\d+\.?\d*|\.\d+)([eE][+-]?\d+)?$`)

// FieldValue is a single RDB cell, typed opportunistically as a number.
type FieldValue struct {
	Text   string
	number float64
	isNum  bool
}

// NewFieldValue trims s and coerces it to a number when it looks like one.
func NewFieldValue(s string) FieldValue {
	s = strings.TrimSpace(s)
	v := FieldValue{Text: s}
	if !decimalRe.MatchString(s) {
		return v
	}
	n, err := strconv.ParseFloat(s, 64)
	if err != nil || math.IsInf(n, 0) {
		return v
	}
	v.number = n
	v.isNum = true
	return v
}

// IsNumber reports whether the cell was coerced to a number.
func (v FieldValue) IsNumber() bool { return v.isNum }

// Number returns the numeric value, or NaN for text cells.
func (v FieldValue) Number() float64 {
	if !v.isNum {
		return math.NaN()
	}
	return v.number
}

// RawStatRecord is one data line keyed by header column name.
type RawStatRecord map[string]FieldValue

// Float returns the numeric value of column, or NaN when it is absent or text.
func (r RawStatRecord) Float(column string) float64 {
	v, ok := r[column]
	if !ok {
		return math.NaN()
	}
	return v.Number()
}

// Int returns column as an integer. It fails for absent, text, or
// fractional values.
func (r RawStatRecord) Int(column string) (int, bool) {
	v, ok := r[column]
	if !ok || !v.IsNumber() {
		return 0, false
	}
	n := v.Number()
	if n != math.Trunc(n) || n > math.MaxInt32 || n < math.MinInt32 {
		return 0, false
	}
	return int(n), true
}

// DailyStatistics is one calendar day's historical summary for a gauge.
// Statistic values are in feet of gauge height; a non-numeric source cell
// is stored as NaN.
type DailyStatistics struct {
	Month  int
	Day    int
	Median float64
	Min    float64
	Max    float64
	P25    float64
	P75    float64
}

// Summary projects the five statistical fields.
func (s DailyStatistics) Summary() StatsSummary {
	return StatsSummary{
		Median: s.Median,
		Min:    s.Min,
		Max:    s.Max,
		P25:    s.P25,
		P75:    s.P75,
	}
}

// StatsSummary is the lookup result handed to presentation code.
type StatsSummary struct {
	Median float64
	Min    float64
	Max    float64
	P25    float64
	P75    float64
}

// StatisticsTable maps day keys ("mm-dd") to daily statistics. A table is
// never modified after ParseStatistics returns it.
type StatisticsTable map[string]DailyStatistics

// StatsForDay returns the statistics for month/day. The second result is
// false when the table has no row for that day.
func (t StatisticsTable) StatsForDay(month, day int) (StatsSummary, bool) {
	row, ok := t[DayKey(month, day)]
	if !ok {
		return StatsSummary{}, false
	}
	return row.Summary(), true
}

// DayKey builds the canonical "mm-dd" key.
func DayKey(month, day int) string {
	return fmt.Sprintf("%02d-%02d", month, day)
}

// ParseDiagnostics counts what the parser did with each data line.
type ParseDiagnostics struct {
	DataRows          int // non-blank lines after the type row
	Accepted          int // rows stored in the table, including overwrites
	SkippedFieldCount int // field count differed from the header
	SkippedInvalidDay int // month_nu or day_nu missing, non-numeric, or out of range
	Overwritten       int // rows that replaced an earlier row with the same key
}

// Skipped is the total number of dropped rows.
func (d ParseDiagnostics) Skipped() int {
	return d.SkippedFieldCount + d.SkippedInvalidDay
}

// ParseStatistics converts USGS RDB daily statistics into a table keyed by
// calendar day. Malformed rows are dropped silently; the only error is a
// *FormatError when no header row can be found.
func ParseStatistics(text string) (StatisticsTable, error) {
	table, _, err := ParseStatisticsWithDiagnostics(text)
	return table, err
}

// ParseStatisticsWithDiagnostics behaves like ParseStatistics and also
// reports how many rows were dropped and why. On error no table is returned.
func ParseStatisticsWithDiagnostics(text string) (StatisticsTable, ParseDiagnostics, error) {
	var diag ParseDiagnostics

	lines := significantLines(text)

	headerIdx := findHeader(lines)
	if headerIdx < 0 {
		return nil, diag, &FormatError{Err: fmt.Errorf("%w: no row contains %q", ErrMissingHeader, HeaderSentinel)}
	}
	headers := splitFields(lines[headerIdx])

	table := make(StatisticsTable)
	// headerIdx+1 is the type declaration row.
	for _, line := range lines[min(headerIdx+2, len(lines)):] {
		diag.DataRows++

		values := splitFields(line)
		if len(values) != len(headers) {
			diag.SkippedFieldCount++
			continue
		}

		rec := make(RawStatRecord, len(headers))
		for i, h := range headers {
			rec[h] = NewFieldValue(values[i])
		}

		stats, ok := dailyStatisticsFromRecord(rec)
		if !ok {
			diag.SkippedInvalidDay++
			continue
		}

		key := DayKey(stats.Month, stats.Day)
		if _, exists := table[key]; exists {
			diag.Overwritten++
		}
		table[key] = stats
		diag.Accepted++
	}

	return table, diag, nil
}

// significantLines splits text into lines, dropping blank and comment lines.
// Trailing carriage returns and surrounding spaces are removed but tabs are
// kept, so a row ending in an empty cell still has the header's field count
// and is stored with a NaN statistic. Trimming all whitespace instead would
// drop such rows as field-count mismatches.
func significantLines(text string) []string {
	raw := strings.Split(text, "\n")
	lines := make([]string, 0, len(raw))
	for _, line := range raw {
		line = strings.Trim(line, " \r")
		if strings.TrimSpace(line) == "" || strings.HasPrefix(line, commentMarker) {
			continue
		}
		lines = append(lines, line)
	}
	return lines
}

// findHeader returns the index of the first line with a column exactly equal
// to HeaderSentinel. A column that merely contains the sentinel, such as
// "xagency_cd", does not match.
func findHeader(lines []string) int {
	for i, line := range lines {
		for _, col := range splitFields(line) {
			if col == HeaderSentinel {
				return i
			}
		}
	}
	return -1
}

func splitFields(line string) []string {
	fields := strings.Split(line, fieldDelimiter)
	for i := range fields {
		fields[i] = strings.TrimSpace(fields[i])
	}
	return fields
}

// dailyStatisticsFromRecord extracts the required columns. It fails when the
// month or day is unusable; statistic columns are allowed to be non-numeric.
func dailyStatisticsFromRecord(rec RawStatRecord) (DailyStatistics, bool) {
	month, ok := rec.Int(ColumnMonth)
	if !ok || month < 1 || month > 12 {
		return DailyStatistics{}, false
	}
	day, ok := rec.Int(ColumnDay)
	if !ok || day < 1 || day > 31 {
		return DailyStatistics{}, false
	}
	return DailyStatistics{
		Month:  month,
		Day:    day,
		Median: rec.Float(ColumnMedian),
		Min:    rec.Float(ColumnMin),
		Max:    rec.Float(ColumnMax),
		P25:    rec.Float(ColumnP25),
		P75:    rec.Float(ColumnP75),
	}, true
}
