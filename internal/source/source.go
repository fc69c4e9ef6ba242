// Package source loads raw price observations from the configured store.
package source

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"spreadmatrix/config"
	"spreadmatrix/models"
)

// Window selects the rows a Fetch should return. Start and End are
// inclusive; a zero bound is open. An empty Asset matches every asset.
type Window struct {
	Start time.Time
	End   time.Time
	Asset string
}

// Contains reports whether a row with the given timestamp and asset falls
// inside the window.
func (w Window) Contains(ts time.Time, asset string) bool {
	if !w.Start.IsZero() && ts.Before(w.Start) {
		return false
	}
	if !w.End.IsZero() && ts.After(w.End) {
		return false
	}
	return w.Asset == "" || strings.EqualFold(w.Asset, asset)
}

// Source produces raw rows for a window.
type Source interface {
	Name() string
	Fetch(ctx context.Context, w Window) ([]models.RawRow, error)
}

// Runner is implemented by sources that collect rows in the background.
type Runner interface {
	Run(ctx context.Context) error
}

// Closer is implemented by sources holding connections.
type Closer interface {
	Close() error
}

// New builds the source selected by cfg.Source.Kind.
func New(ctx context.Context, cfg *config.Config) (Source, error) {
	sc := cfg.Source
	switch sc.Kind {
	case config.SourcePostgres:
		return NewPostgresSource(ctx, sc.Postgres)
	case config.SourceParquet:
		return NewParquetSource(ctx, sc.Parquet)
	case config.SourceCSV:
		return NewCSVSource(sc.CSV.Path), nil
	case config.SourceKafka:
		return NewKafkaSource(sc.Kafka), nil
	case config.SourceBinance:
		return NewBinanceSource(sc.Binance), nil
	default:
		return nil, fmt.Errorf("unsupported source kind %q", sc.Kind)
	}
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04",
}

// ParseTimestamp accepts RFC 3339 and the common SQL textual forms. Values
// without a zone are read as UTC. Bare integers are Unix milliseconds.
func ParseTimestamp(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return time.Time{}, fmt.Errorf("empty timestamp")
	}
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
		return time.UnixMilli(ms).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("unrecognised timestamp %q", s)
}
