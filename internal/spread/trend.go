package spread

import (
	"sort"
	"time"

	"spreadmatrix/models"
)

// TrendQuery selects one exchange pair, asset and direction over the closed
// interval [Start, End].
type TrendQuery struct {
	Asset     string
	ExchangeA string
	ExchangeB string
	Direction models.Direction
	Start     time.Time
	End       time.Time
	// Bucket aligns timestamps before reshaping so quotes arriving a few
	// milliseconds apart share a row. Zero keeps exact instants.
	Bucket time.Duration
}

type cell struct {
	price models.Price
	ts    time.Time
}

type trendRow struct {
	at    time.Time
	cells map[models.Key]cell
}

// BuildSeries computes the spread series of q.ExchangeA against q.ExchangeB.
//
// Filtered observations are reshaped into one row per distinct timestamp
// with a column per (exchange, side); each row yields Pips(p1, p2) where the
// direction picks p1 from exchange A and p2 from exchange B. Points are in
// ascending time order. ErrEmptyInput is returned when the filter matches
// nothing; an *UnavailableSidePairError when a needed column never carries a
// price inside the window.
func BuildSeries(obs []models.Observation, q TrendQuery) (models.SpreadSeries, error) {
	sideA, sideB, ok := q.Direction.Sides()
	if !ok {
		return models.SpreadSeries{}, ErrInvalidDirection
	}
	colA := models.Key{Exchange: q.ExchangeA, Side: sideA}
	colB := models.Key{Exchange: q.ExchangeB, Side: sideB}

	rows := make(map[int64]*trendRow)
	present := make(map[models.Key]bool)
	matched := 0

	for _, o := range obs {
		if o.Asset != q.Asset {
			continue
		}
		if o.Exchange != q.ExchangeA && o.Exchange != q.ExchangeB {
			continue
		}
		if o.Timestamp.Before(q.Start) || o.Timestamp.After(q.End) {
			continue
		}
		matched++

		at := o.Timestamp
		if q.Bucket > 0 {
			at = at.Truncate(q.Bucket)
		}
		id := at.UnixNano()
		row, ok := rows[id]
		if !ok {
			row = &trendRow{at: at, cells: make(map[models.Key]cell)}
			rows[id] = row
		}

		if !o.UnitPrice.Valid() {
			continue
		}
		key := models.Key{Exchange: o.Exchange, Side: o.Side}
		if prev, ok := row.cells[key]; ok && prev.ts.After(o.Timestamp) {
			continue
		}
		row.cells[key] = cell{price: o.UnitPrice, ts: o.Timestamp}
		present[key] = true
	}

	if matched == 0 {
		return models.SpreadSeries{}, ErrEmptyInput
	}

	var missing []models.Key
	if !present[colA] {
		missing = append(missing, colA)
	}
	if !present[colB] && colB != colA {
		missing = append(missing, colB)
	}
	if len(missing) > 0 {
		return models.SpreadSeries{}, &UnavailableSidePairError{Direction: q.Direction, Missing: missing}
	}

	ids := make([]int64, 0, len(rows))
	for id := range rows {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })

	points := make([]models.SeriesPoint, 0, len(ids))
	for _, id := range ids {
		row := rows[id]
		points = append(points, models.SeriesPoint{
			Timestamp: row.at,
			Value:     Pips(row.cells[colA].price, row.cells[colB].price),
		})
	}

	return models.SpreadSeries{
		Asset:     q.Asset,
		ExchangeA: q.ExchangeA,
		ExchangeB: q.ExchangeB,
		Direction: q.Direction,
		Start:     q.Start,
		End:       q.End,
		Points:    points,
	}, nil
}

// TrendConfig is one configured trend chart. The list of configurations is
// owned by the caller and passed in on every evaluation.
type TrendConfig struct {
	ID        string           `json:"id"`
	ExchangeA string           `json:"exchange_a"`
	ExchangeB string           `json:"exchange_b"`
	Direction models.Direction `json:"direction"`
}

// SeriesResult pairs a configuration with its series or the reason it could
// not be built.
type SeriesResult struct {
	Config TrendConfig
	Series models.SpreadSeries
	Err    error
}

// BuildSeriesSet evaluates every configuration against the same observation
// table and window. Results keep the order of configs.
func BuildSeriesSet(obs []models.Observation, asset string, start, end time.Time, bucket time.Duration, configs []TrendConfig) []SeriesResult {
	out := make([]SeriesResult, 0, len(configs))
	for _, cfg := range configs {
		series, err := BuildSeries(obs, TrendQuery{
			Asset:     asset,
			ExchangeA: cfg.ExchangeA,
			ExchangeB: cfg.ExchangeB,
			Direction: cfg.Direction,
			Start:     start,
			End:       end,
			Bucket:    bucket,
		})
		out = append(out, SeriesResult{Config: cfg, Series: series, Err: err})
	}
	return out
}
