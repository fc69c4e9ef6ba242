package models

import (
	"strings"
	"time"
)

// Side is the quote type of an observation.
type Side string

const (
	SideAsk Side = "ASK"
	SideBid Side = "BID"
)

// ParseSide canonicalises a side label. The boolean is false for labels
// other than ASK and BID; the returned side is still the uppercased input.
func ParseSide(s string) (Side, bool) {
	side := Side(strings.ToUpper(strings.TrimSpace(s)))
	switch side {
	case SideAsk, SideBid:
		return side, true
	default:
		return side, false
	}
}

// RawRow is a quote row as delivered by a source, before normalisation.
// RawPrice and FXRate keep whatever representation the source produced.
type RawRow struct {
	Timestamp time.Time `json:"timestamp"`
	Asset     string    `json:"asset"`
	Exchange  string    `json:"exchange"`
	Side      string    `json:"side"`
	RawPrice  any       `json:"price"`
	FXRate    any       `json:"fx_rate"`
}

// Observation is a normalised quote with a USD unit price.
type Observation struct {
	Timestamp time.Time `json:"timestamp"`
	Asset     string    `json:"asset"`
	Exchange  string    `json:"exchange"`
	Side      Side      `json:"side"`
	RawPrice  Price     `json:"raw_price"`
	FXRate    Price     `json:"fx_rate"`
	UnitPrice Price     `json:"unit_price"`
}

// Key identifies one price column: an exchange quoting one side.
type Key struct {
	Exchange string `json:"exchange"`
	Side     Side   `json:"side"`
}

func (k Key) String() string { return k.Exchange + "." + string(k.Side) }

// PriceTable maps (exchange, side) to the latest unit price at that key.
type PriceTable map[Key]Price

// Lookup returns the price at (exchange, side), absent when no entry exists.
func (t PriceTable) Lookup(exchange string, side Side) Price {
	return t[Key{Exchange: exchange, Side: side}]
}

// SpreadMatrix is a square exchange x exchange table of spreads in pips.
// Values[i][j] is the spread of Exchanges[i] on RowSide against
// Exchanges[j] on ColSide.
type SpreadMatrix struct {
	RowSide   Side      `json:"row_side"`
	ColSide   Side      `json:"col_side"`
	Exchanges []string  `json:"exchanges"`
	Values    [][]Price `json:"values"`
}

// At returns the cell for the ordered pair (row, col).
func (m SpreadMatrix) At(row, col string) (Price, bool) {
	i, j := indexOf(m.Exchanges, row), indexOf(m.Exchanges, col)
	if i < 0 || j < 0 {
		return Price{}, false
	}
	return m.Values[i][j], true
}

func indexOf(list []string, s string) int {
	for i, v := range list {
		if v == s {
			return i
		}
	}
	return -1
}

// SeriesPoint is one sample of a trend series.
type SeriesPoint struct {
	Timestamp time.Time `json:"timestamp"`
	Value     Price     `json:"value"`
}

// SpreadSeries is the spread between two exchanges over time for one
// side combination.
type SpreadSeries struct {
	Asset     string        `json:"asset"`
	ExchangeA string        `json:"exchange_a"`
	ExchangeB string        `json:"exchange_b"`
	Direction Direction     `json:"direction"`
	Start     time.Time     `json:"start"`
	End       time.Time     `json:"end"`
	Points    []SeriesPoint `json:"points"`
}

// Direction selects which side of exchange A is compared against which side
// of exchange B in a trend series.
type Direction string

const (
	AskToBid Direction = "ASK->BID"
	BidToAsk Direction = "BID->ASK"
	AskToAsk Direction = "ASK->ASK"
	BidToBid Direction = "BID->BID"
)

// Directions lists the supported directions in display order.
var Directions = []Direction{AskToBid, BidToAsk, AskToAsk, BidToBid}

// Sides returns the side read from exchange A and the side read from
// exchange B. ok is false for unknown directions.
func (d Direction) Sides() (a, b Side, ok bool) {
	switch d {
	case AskToBid:
		return SideAsk, SideBid, true
	case BidToAsk:
		return SideBid, SideAsk, true
	case AskToAsk:
		return SideAsk, SideAsk, true
	case BidToBid:
		return SideBid, SideBid, true
	default:
		return "", "", false
	}
}

// ParseDirection accepts "ASK->BID", "ASK→BID", "ASK_BID", "ask-bid" and
// similar spellings.
func ParseDirection(s string) (Direction, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	for _, sep := range []string{"→", "->", "_", "-", "/", " "} {
		if parts := strings.SplitN(norm, sep, 2); len(parts) == 2 {
			d := Direction(strings.TrimSpace(parts[0]) + "->" + strings.TrimSpace(parts[1]))
			if _, _, ok := d.Sides(); ok {
				return d, true
			}
		}
	}
	return "", false
}
