package models

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
)

// Price is a numeric value that may be absent. The zero value is absent.
type Price struct {
	value float64
	valid bool
}

// Some wraps a defined value. NaN and infinities are treated as absent.
func Some(v float64) Price {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return Price{}
	}
	return Price{value: v, valid: true}
}

// None returns the absent value.
func None() Price { return Price{} }

// Get returns the value and whether it is present.
func (p Price) Get() (float64, bool) { return p.value, p.valid }

// Valid reports whether the value is present.
func (p Price) Valid() bool { return p.valid }

// Float64 returns the value, or NaN when absent.
func (p Price) Float64() float64 {
	if !p.valid {
		return math.NaN()
	}
	return p.value
}

// Positive reports whether the value is present and strictly greater than zero.
func (p Price) Positive() bool { return p.valid && p.value > 0 }

func (p Price) String() string {
	if !p.valid {
		return "-"
	}
	return strconv.FormatFloat(p.value, 'f', -1, 64)
}

func (p Price) MarshalJSON() ([]byte, error) {
	if !p.valid {
		return []byte("null"), nil
	}
	return json.Marshal(p.value)
}

func (p *Price) UnmarshalJSON(data []byte) error {
	if bytes.Equal(bytes.TrimSpace(data), []byte("null")) {
		*p = Price{}
		return nil
	}
	var v float64
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	*p = Some(v)
	return nil
}
