package source

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"spreadmatrix/config"
	"spreadmatrix/logger"
	"spreadmatrix/models"
)

// querier is the part of pgxpool.Pool used by PostgresSource.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresSource reads the price log table. Price and fx_rate are selected
// as text so that values the database cannot type still reach the
// normaliser, which turns them into missing prices.
type PostgresSource struct {
	db    querier
	pool  *pgxpool.Pool
	table string
	log   *logger.Log
}

func NewPostgresSource(ctx context.Context, cfg config.PostgresConfig) (*PostgresSource, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}

	log := logger.GetLogger()
	log.WithComponent("postgres_source").WithFields(logger.Fields{
		"table":     cfg.Table,
		"max_conns": poolCfg.MaxConns,
	}).Info("connected to postgres")

	return &PostgresSource{db: pool, pool: pool, table: cfg.Table, log: log}, nil
}

func (s *PostgresSource) Name() string { return "postgres" }

func (s *PostgresSource) Close() error {
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}

// buildQuery renders the select for w. The table name is validated by the
// config loader before it reaches here.
func buildQuery(table string, w Window) (string, []any) {
	var (
		where []string
		args  []any
	)
	where = append(where, "timestamp IS NOT NULL")
	if !w.Start.IsZero() {
		args = append(args, w.Start)
		where = append(where, fmt.Sprintf("timestamp >= $%d", len(args)))
	}
	if !w.End.IsZero() {
		args = append(args, w.End)
		where = append(where, fmt.Sprintf("timestamp <= $%d", len(args)))
	}
	if w.Asset != "" {
		args = append(args, w.Asset)
		where = append(where, fmt.Sprintf("upper(asset) = upper($%d)", len(args)))
	}

	q := "SELECT timestamp, asset, exchange, side, price::text, fx_rate::text FROM " + table +
		" WHERE " + strings.Join(where, " AND ") +
		" ORDER BY timestamp"
	return q, args
}

func (s *PostgresSource) Fetch(ctx context.Context, w Window) ([]models.RawRow, error) {
	q, args := buildQuery(s.table, w)
	start := time.Now()

	rows, err := s.db.Query(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("query %s: %w", s.table, err)
	}
	defer rows.Close()

	out, err := scanRows(rows)
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", s.table, err)
	}

	logger.LogPerformanceEntry(s.log.WithComponent("postgres_source"), "postgres_source", "fetch", time.Since(start), logger.Fields{
		"rows": len(out),
	})
	return out, nil
}

func scanRows(rows pgx.Rows) ([]models.RawRow, error) {
	out := make([]models.RawRow, 0)
	for rows.Next() {
		var (
			r                     models.RawRow
			asset, exchange, side *string
			price, fx             *string
		)
		if err := rows.Scan(&r.Timestamp, &asset, &exchange, &side, &price, &fx); err != nil {
			return nil, err
		}
		r.Asset, r.Exchange, r.Side = deref(asset), deref(exchange), deref(side)
		if price != nil {
			r.RawPrice = *price
		}
		if fx != nil {
			r.FXRate = *fx
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
