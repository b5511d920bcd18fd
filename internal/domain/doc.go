// Package domain models USGS river gauge readings and the historical daily
// statistics used to put them in context.
//
// # Data Sources
//
// Live readings come from the USGS Instantaneous Values (IV) service as JSON.
// Historical statistics come from the USGS Statistics service in RDB format,
// one request per monitoring location. Both are queried for parameter code
// 00065 (gauge height, feet).
//
// # RDB Format
//
// RDB is tab-delimited text with a comment preamble:
//
//	# //UNITED STATES GEOLOGICAL SURVEY       https://waterdata.usgs.gov/nwis/
//	# ...
//	agency_cd	site_no	parameter_cd	ts_id	loc_web_ds	month_nu	day_nu	begin_yr	end_yr	count_nu	max_va_yr	max_va	min_va_yr	min_va	mean_va	p05_va	p10_va	p20_va	p25_va	p50_va	p75_va	p80_va	p90_va	p95_va
//	5s	15s	5s	10n	15s	3n	3n	6n	6n	8n	6n	12n	6n	12n	12n	12n	12n	12n	12n	12n	12n	12n	12n	12n
//	USGS	08155200	00065	143486		1	1	2002	2023	22	2007	12.45	2011	1.93	3.16	2.07	2.15	2.31	2.38	2.71	3.35	3.54	4.31	5.66
//
// Lines starting with "#" are comments. The header row is recognized by the
// "agency_cd" column. The row immediately after the header declares column
// widths and types ("5s", "12n") and is skipped without inspection.
//
// # Day Keys
//
// Statistics are indexed by calendar day, independent of year, using the
// zero-padded key "mm-dd" (see [DayKey]). "3"/"7" and "03"/"07" in the source
// both produce "03-07". When two rows share a key the later one wins; the
// number of overwritten rows is reported by [ParseStatisticsWithDiagnostics].
//
// # Tolerant Parsing
//
// Only a missing header is an error ([ErrMissingHeader]). Rows with the wrong
// field count, or without a usable month and day, are dropped silently by
// [ParseStatistics]. Callers that need to see what was dropped use
// [ParseStatisticsWithDiagnostics].
//
// # Status
//
// A reading below the day's median is "low"; at or above it is "high". Sites
// without statistics for today are "unknown" (see [Classify]).
package domain
