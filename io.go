package pfilter

import (
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sort"
	"strconv"
	"strings"

	"gonum.org/v1/gonum/mat"
)

// LoadObservationsCSV reads an observation stream from a CSV file:
//
//   - The first row is a header naming the columns
//   - Required columns: unit, period, source, date, value
//   - Optional columns: incomplete (true/false), upper_bound
//   - Dates are parsed by the time scale
//
// Rows are returned in file order.
func LoadObservationsCSV(path string, ts TimeScale) ([]Observation, error) {
	// 1. Open file
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	// 2. Make CSV reader
	r := csv.NewReader(f)
	r.TrimLeadingSpace = true

	// 3. Read header row and locate the columns
	header, err := r.Read()
	if err != nil {
		return nil, fmt.Errorf("read header: %w", err)
	}
	cols := make(map[string]int, len(header))
	for i, name := range header {
		cols[strings.ToLower(strings.TrimSpace(name))] = i
	}
	for _, name := range []string{"unit", "period", "source", "date", "value"} {
		if _, ok := cols[name]; !ok {
			return nil, fmt.Errorf("%s: missing column %q", path, name)
		}
	}

	var (
		obs []Observation
		row int // data row counter
	)

	// 4. Read each data row
	for {
		record, err := r.Read()
		if err == io.EOF {
			break
		}
		row++
		if err != nil {
			return nil, fmt.Errorf("read row %d: %w", row+1, err) // +1 for header
		}

		// Skip completely empty lines
		if len(record) == 1 && record[0] == "" {
			continue
		}

		o, err := parseObservation(record, cols, ts)
		if err != nil {
			return nil, fmt.Errorf("row %d: %w", row+1, err)
		}
		obs = append(obs, o)
	}

	if len(obs) == 0 {
		return nil, fmt.Errorf("no data rows in %s", path)
	}
	return obs, nil
}

func parseObservation(record []string, cols map[string]int, ts TimeScale) (Observation, error) {
	var o Observation
	field := func(name string) (string, bool) {
		ix, ok := cols[name]
		if !ok || ix >= len(record) {
			return "", false
		}
		return strings.TrimSpace(record[ix]), true
	}

	o.Unit, _ = field("unit")
	o.Source, _ = field("source")

	s, _ := field("period")
	period, err := strconv.Atoi(s)
	if err != nil {
		return o, fmt.Errorf("parse period %q: %w", s, err)
	}
	o.Period = period

	s, _ = field("date")
	if o.Date, err = ts.Parse(s); err != nil {
		return o, fmt.Errorf("parse date %q: %w", s, err)
	}

	s, _ = field("value")
	if o.Value, err = strconv.ParseFloat(s, 64); err != nil {
		return o, fmt.Errorf("parse value %q: %w", s, err)
	}

	if s, ok := field("incomplete"); ok && s != "" {
		if o.Incomplete, err = strconv.ParseBool(s); err != nil {
			return o, fmt.Errorf("parse incomplete %q: %w", s, err)
		}
	}
	if s, ok := field("upper_bound"); ok && s != "" {
		if o.UpperBound, err = strconv.ParseFloat(s, 64); err != nil {
			return o, fmt.Errorf("parse upper_bound %q: %w", s, err)
		}
	}
	return o, nil
}

// WriteTableCSV writes a summary table whose first column is a time, which
// is formatted by the time scale.
func WriteTableCSV(w io.Writer, table *mat.Dense, header []string, ts TimeScale) error {
	cw := csv.NewWriter(w)
	if err := cw.Write(header); err != nil {
		return err
	}
	r, c := table.Dims()
	record := make([]string, c)
	for i := 0; i < r; i++ {
		record[0] = ts.Format(table.At(i, 0))
		for j := 1; j < c; j++ {
			record[j] = strconv.FormatFloat(table.At(i, j), 'g', -1, 64)
		}
		if err := cw.Write(record); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// PrintStats prints every summary table, in name order.
func PrintStats(w io.Writer, title string, stats map[string]*mat.Dense) {
	names := make([]string, 0, len(stats))
	for name := range stats {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		fmt.Fprintf(w, "\n=== %s: %s ===\n", title, name)
		fmt.Fprintf(w, "%v\n", mat.Formatted(stats[name], mat.Prefix(" ")))
	}
}
