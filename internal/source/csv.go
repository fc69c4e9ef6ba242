package source

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"spreadmatrix/logger"
	"spreadmatrix/models"
)

var csvColumns = []string{"timestamp", "asset", "exchange", "side", "price", "fx_rate"}

// CSVSource reads observations from a file with a
// timestamp,asset,exchange,side,price,fx_rate header. Column order is free.
type CSVSource struct {
	path string
	log  *logger.Log
}

func NewCSVSource(path string) *CSVSource {
	return &CSVSource{path: path, log: logger.GetLogger()}
}

func (s *CSVSource) Name() string { return "csv" }

func (s *CSVSource) Fetch(ctx context.Context, w Window) ([]models.RawRow, error) {
	f, err := os.Open(s.path)
	if err != nil {
		return nil, fmt.Errorf("open csv %s: %w", s.path, err)
	}
	defer f.Close()

	rows, skipped, err := readCSV(ctx, f, w)
	if err != nil {
		return nil, fmt.Errorf("read csv %s: %w", s.path, err)
	}
	if skipped > 0 {
		s.log.WithComponent("csv_source").WithFields(logger.Fields{
			"path":    s.path,
			"skipped": skipped,
		}).Warn("skipped rows with unreadable timestamps")
	}
	return rows, nil
}

// readCSV returns the rows inside w and the number of rows whose timestamp
// could not be parsed.
func readCSV(ctx context.Context, r io.Reader, w Window) ([]models.RawRow, int, error) {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.TrimLeadingSpace = true

	header, err := cr.Read()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return nil, 0, fmt.Errorf("missing header")
		}
		return nil, 0, err
	}
	index := make(map[string]int, len(header))
	for i, name := range header {
		index[strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "\ufeff")))] = i
	}
	for _, col := range csvColumns {
		if _, ok := index[col]; !ok {
			return nil, 0, fmt.Errorf("missing column %q", col)
		}
	}

	field := func(rec []string, col string) string {
		if i := index[col]; i < len(rec) {
			return rec[i]
		}
		return ""
	}

	out := make([]models.RawRow, 0)
	skipped := 0
	for line := 0; ; line++ {
		if line%4096 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, skipped, err
			}
		}
		rec, err := cr.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, skipped, err
		}

		ts, err := ParseTimestamp(field(rec, "timestamp"))
		if err != nil {
			skipped++
			continue
		}
		asset := strings.TrimSpace(field(rec, "asset"))
		if !w.Contains(ts, asset) {
			continue
		}
		out = append(out, models.RawRow{
			Timestamp: ts,
			Asset:     asset,
			Exchange:  field(rec, "exchange"),
			Side:      field(rec, "side"),
			RawPrice:  emptyAsNil(field(rec, "price")),
			FXRate:    emptyAsNil(field(rec, "fx_rate")),
		})
	}
	return out, skipped, nil
}

// emptyAsNil maps blank cells to nil so they normalise to a missing price.
func emptyAsNil(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
