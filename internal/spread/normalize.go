package spread

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"spreadmatrix/models"
)

// Normalizer converts raw source rows into observations.
type Normalizer struct {
	// Location is the zone timestamps are expressed in. Instants are never
	// shifted, only their presentation. Nil keeps the source zone.
	Location *time.Location
}

// NewNormalizer returns a normalizer presenting timestamps at a fixed
// offset from UTC.
func NewNormalizer(offsetHours int) Normalizer {
	return Normalizer{Location: FixedZone(offsetHours)}
}

// FixedZone returns a zone named like "UTC+7" for the given offset.
func FixedZone(offsetHours int) *time.Location {
	name := "UTC"
	switch {
	case offsetHours > 0:
		name = "UTC+" + strconv.Itoa(offsetHours)
	case offsetHours < 0:
		name = "UTC-" + strconv.Itoa(-offsetHours)
	}
	return time.FixedZone(name, offsetHours*3600)
}

// Normalize canonicalises every row. A malformed price or rate only marks
// that row's unit price absent; the batch is never rejected. Output order
// matches input order.
func (n Normalizer) Normalize(rows []models.RawRow) []models.Observation {
	out := make([]models.Observation, 0, len(rows))
	for _, row := range rows {
		out = append(out, n.NormalizeRow(row))
	}
	return out
}

// NormalizeRow canonicalises a single row.
func (n Normalizer) NormalizeRow(row models.RawRow) models.Observation {
	side, _ := models.ParseSide(row.Side)
	raw := ToPrice(row.RawPrice)
	fx := ToPrice(row.FXRate)

	ts := row.Timestamp
	if n.Location != nil && !ts.IsZero() {
		ts = ts.In(n.Location)
	}

	return models.Observation{
		Timestamp: ts,
		Asset:     row.Asset,
		Exchange:  row.Exchange,
		Side:      side,
		RawPrice:  raw,
		FXRate:    fx,
		UnitPrice: UnitPrice(raw, fx),
	}
}

// UnitPrice returns raw / fx, absent when either operand is absent or the
// rate is not strictly positive.
func UnitPrice(raw, fx models.Price) models.Price {
	p, okP := raw.Get()
	r, okR := fx.Get()
	if !okP || !okR || r <= 0 {
		return models.None()
	}
	return models.Some(p / r)
}

// ToPrice coerces a source value to a number. Unsupported types and
// unparsable strings yield an absent price.
func ToPrice(v any) models.Price {
	switch val := v.(type) {
	case nil:
		return models.None()
	case models.Price:
		return val
	case float64:
		return models.Some(val)
	case float32:
		return models.Some(float64(val))
	case int:
		return models.Some(float64(val))
	case int32:
		return models.Some(float64(val))
	case int64:
		return models.Some(float64(val))
	case *float64:
		if val == nil {
			return models.None()
		}
		return models.Some(*val)
	case decimal.Decimal:
		return models.Some(val.InexactFloat64())
	case json.Number:
		return parseNumber(val.String())
	case string:
		return parseNumber(val)
	case []byte:
		return parseNumber(string(val))
	default:
		return models.None()
	}
}

func parseNumber(s string) models.Price {
	s = strings.TrimSpace(s)
	if s == "" {
		return models.None()
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return models.None()
	}
	return models.Some(d.InexactFloat64())
}
