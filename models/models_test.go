package models

import (
	"encoding/json"
	"testing"
)

func TestPriceJSONNull(t *testing.T) {
	data, err := json.Marshal([]Price{Some(1.5), None()})
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "[1.5,null]" {
		t.Fatalf("unexpected encoding: %s", data)
	}

	var out []Price
	if err := json.Unmarshal(data, &out); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if v, ok := out[0].Get(); !ok || v != 1.5 {
		t.Fatalf("expected 1.5, got %v", out[0])
	}
	if out[1].Valid() {
		t.Fatalf("expected missing, got %v", out[1])
	}
}

func TestParseSide(t *testing.T) {
	if s, ok := ParseSide(" bid "); !ok || s != SideBid {
		t.Fatalf("ParseSide(bid) = %s, %v", s, ok)
	}
	if s, ok := ParseSide("mid"); ok || s != "MID" {
		t.Fatalf("ParseSide(mid) = %s, %v", s, ok)
	}
}

func TestParseDirection(t *testing.T) {
	cases := map[string]Direction{
		"ASK->BID": AskToBid,
		"ask→bid":  AskToBid,
		"BID_ASK":  BidToAsk,
		"ask-ask":  AskToAsk,
		"bid/bid":  BidToBid,
	}
	for in, want := range cases {
		got, ok := ParseDirection(in)
		if !ok || got != want {
			t.Errorf("ParseDirection(%q) = %q, %v; want %q", in, got, ok, want)
		}
	}
	if _, ok := ParseDirection("ask->mid"); ok {
		t.Fatalf("expected unknown direction to fail")
	}
}

func TestSpreadMatrixAt(t *testing.T) {
	m := SpreadMatrix{
		Exchanges: []string{"A", "B"},
		Values:    [][]Price{{Some(0), Some(2)}, {None(), Some(0)}},
	}
	if v, ok := m.At("A", "B"); !ok || v.Float64() != 2 {
		t.Fatalf("At(A,B) = %v, %v", v, ok)
	}
	if _, ok := m.At("A", "Z"); ok {
		t.Fatalf("expected unknown exchange to miss")
	}
}
