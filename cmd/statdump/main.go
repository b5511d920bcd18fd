// Command statdump parses a USGS daily statistics RDB file and prints the
// parse diagnostics and the statistics for one calendar day as JSON. It is
// useful for checking a downloaded file against what the dashboard would show.
//
// Usage:
//
//	curl -s 'https://waterservices.usgs.gov/nwis/stat/?format=rdb&sites=08155200&statReportType=daily&statTypeCd=all&parameterCd=00065' \
//	  | go run ./cmd/statdump -month 6 -day 15
//
//	go run ./cmd/statdump -tz UTC internal/domain/testdata/08155200_stats.rdb
package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"math"
	"os"
	"time"
	_ "time/tzdata"

	"github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"

	"github.com/couchcryptid/river-gauge-service/internal/domain"
)

func main() {
	if err := run(os.Args[1:], os.Stdin, os.Stdout, clockwork.NewRealClock()); err != nil {
		var fe *domain.FormatError
		if errors.As(err, &fe) {
			log.Printf("invalid statistics file: %v", err)
			os.Exit(1)
		}
		log.Fatal(err)
	}
}

type dumpOutput struct {
	Diagnostics diagnosticsOutput `json:"diagnostics"`
	Days        int               `json:"days"`
	Day         string            `json:"day"`
	Found       bool              `json:"found"`
	Stats       *statsOutput      `json:"stats"`
}

type diagnosticsOutput struct {
	DataRows          int `json:"data_rows"`
	Accepted          int `json:"accepted"`
	SkippedFieldCount int `json:"skipped_field_count"`
	SkippedInvalidDay int `json:"skipped_invalid_day"`
	Overwritten       int `json:"overwritten"`
}

type statsOutput struct {
	Median *float64 `json:"median"`
	Min    *float64 `json:"min"`
	Max    *float64 `json:"max"`
	P25    *float64 `json:"p25"`
	P75    *float64 `json:"p75"`
}

func run(args []string, stdin io.Reader, stdout io.Writer, clock clockwork.Clock) error {
	fs := flag.NewFlagSet("statdump", flag.ContinueOnError)
	month := fs.Int("month", 0, "calendar month 1-12 (default: today)")
	day := fs.Int("day", 0, "day of month 1-31 (default: today)")
	tz := fs.String("tz", "America/Chicago", "time zone used to pick today")
	if err := fs.Parse(args); err != nil {
		return err
	}

	loc, err := time.LoadLocation(*tz)
	if err != nil {
		return fmt.Errorf("invalid -tz: %w", err)
	}
	if *month == 0 && *day == 0 {
		*month, *day = domain.CalendarDay(clock, loc)
	}
	if *month < 1 || *month > 12 || *day < 1 || *day > 31 {
		return fmt.Errorf("invalid day %d/%d", *month, *day)
	}

	text, err := readInput(fs.Arg(0), stdin)
	if err != nil {
		return err
	}

	table, diag, err := domain.ParseStatisticsWithDiagnostics(text)
	if err != nil {
		return err
	}

	out := dumpOutput{
		Diagnostics: diagnosticsOutput{
			DataRows:          diag.DataRows,
			Accepted:          diag.Accepted,
			SkippedFieldCount: diag.SkippedFieldCount,
			SkippedInvalidDay: diag.SkippedInvalidDay,
			Overwritten:       diag.Overwritten,
		},
		Days: len(table),
		Day:  domain.DayKey(*month, *day),
	}
	if stats, ok := table.StatsForDay(*month, *day); ok {
		out.Found = true
		out.Stats = &statsOutput{
			Median: finite(stats.Median),
			Min:    finite(stats.Min),
			Max:    finite(stats.Max),
			P25:    finite(stats.P25),
			P75:    finite(stats.P75),
		}
	}

	data, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = stdout.Write(data)
	return err
}

// readInput reads the named file, or stdin when path is empty or "-".
func readInput(path string, stdin io.Reader) (string, error) {
	var (
		data []byte
		err  error
	)
	if path == "" || path == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return "", fmt.Errorf("read input: %w", err)
	}
	return string(data), nil
}

func finite(v float64) *float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return nil
	}
	return &v
}
