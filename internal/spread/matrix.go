package spread

import (
	"time"

	"spreadmatrix/models"
)

// SideCombination is the (row side, column side) pair of a matrix.
type SideCombination struct {
	Row models.Side `json:"row_side"`
	Col models.Side `json:"col_side"`
}

// SideCombinations are the four standard matrices built for a snapshot.
var SideCombinations = []SideCombination{
	{Row: models.SideAsk, Col: models.SideBid},
	{Row: models.SideBid, Col: models.SideAsk},
	{Row: models.SideAsk, Col: models.SideAsk},
	{Row: models.SideBid, Col: models.SideBid},
}

// BuildMatrix computes the spread of every ordered exchange pair. Row and
// column order both follow exchanges. Diagonal cells are exactly zero and
// never go through the pips formula; missing prices leave the cell absent.
func BuildMatrix(exchanges []string, table models.PriceTable, rowSide, colSide models.Side) models.SpreadMatrix {
	values := make([][]models.Price, len(exchanges))
	for i, r := range exchanges {
		row := make([]models.Price, len(exchanges))
		for j, c := range exchanges {
			if r == c {
				row[j] = models.Some(0)
				continue
			}
			row[j] = Pips(table.Lookup(r, rowSide), table.Lookup(c, colSide))
		}
		values[i] = row
	}

	axis := make([]string, len(exchanges))
	copy(axis, exchanges)
	return models.SpreadMatrix{
		RowSide:   rowSide,
		ColSide:   colSide,
		Exchanges: axis,
		Values:    values,
	}
}

// SnapshotQuery selects the observations forming one instant.
type SnapshotQuery struct {
	Asset string
	At    time.Time
	// Window is the width of the instant bucket. Observations with
	// At.Truncate(Window) <= ts < At.Truncate(Window)+Window belong to the
	// snapshot. Zero selects observations exactly at At.
	Window time.Duration
}

// Bounds returns the half-open interval the query selects.
func (q SnapshotQuery) Bounds() (time.Time, time.Time) {
	if q.Window <= 0 {
		return q.At, q.At
	}
	start := q.At.Truncate(q.Window)
	return start, start.Add(q.Window)
}

func (q SnapshotQuery) contains(o models.Observation) bool {
	if o.Asset != q.Asset {
		return false
	}
	start, end := q.Bounds()
	if q.Window <= 0 {
		return o.Timestamp.Equal(start)
	}
	return !o.Timestamp.Before(start) && o.Timestamp.Before(end)
}

// Snapshot is the price table of one instant and its four matrices.
type Snapshot struct {
	Asset     string
	Start     time.Time
	End       time.Time
	Exchanges []string
	Prices    models.PriceTable
	Matrices  []models.SpreadMatrix
}

// Matrix returns the matrix built for the given side combination.
func (s Snapshot) Matrix(rowSide, colSide models.Side) (models.SpreadMatrix, bool) {
	for _, m := range s.Matrices {
		if m.RowSide == rowSide && m.ColSide == colSide {
			return m, true
		}
	}
	return models.SpreadMatrix{}, false
}

// BuildSnapshot filters obs to the query's asset and instant, aggregates the
// latest price per (exchange, side) and builds every standard matrix.
// ErrEmptyInput is returned when no observation matches.
func BuildSnapshot(obs []models.Observation, q SnapshotQuery) (Snapshot, error) {
	matched := 0
	for _, o := range obs {
		if q.contains(o) {
			matched++
		}
	}
	if matched == 0 {
		return Snapshot{}, ErrEmptyInput
	}

	table := LatestPrices(obs, q.contains)
	exchanges := Exchanges(table)
	start, end := q.Bounds()

	snap := Snapshot{
		Asset:     q.Asset,
		Start:     start,
		End:       end,
		Exchanges: exchanges,
		Prices:    table,
		Matrices:  make([]models.SpreadMatrix, 0, len(SideCombinations)),
	}
	for _, combo := range SideCombinations {
		snap.Matrices = append(snap.Matrices, BuildMatrix(exchanges, table, combo.Row, combo.Col))
	}
	return snap, nil
}
