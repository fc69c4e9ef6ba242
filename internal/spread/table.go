package spread

import (
	"sort"
	"time"

	"spreadmatrix/models"
)

// LatestPrices aggregates observations into a price table holding one price
// per (exchange, side). The observation with the highest timestamp wins; on
// equal timestamps the later row in input order wins, so the result does not
// depend on how the source sorted its rows. Observations without a unit price
// never create or replace an entry. keep may be nil.
func LatestPrices(obs []models.Observation, keep func(models.Observation) bool) models.PriceTable {
	table := make(models.PriceTable)
	seen := make(map[models.Key]time.Time)

	for _, o := range obs {
		if keep != nil && !keep(o) {
			continue
		}
		if !o.UnitPrice.Valid() {
			continue
		}
		key := models.Key{Exchange: o.Exchange, Side: o.Side}
		if last, ok := seen[key]; ok && last.After(o.Timestamp) {
			continue
		}
		seen[key] = o.Timestamp
		table[key] = o.UnitPrice
	}
	return table
}

// Exchanges returns the distinct exchanges in the table, sorted.
func Exchanges(table models.PriceTable) []string {
	set := make(map[string]struct{}, len(table))
	for key := range table {
		set[key.Exchange] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for ex := range set {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

// Assets returns the distinct assets present in the observations, sorted.
func Assets(obs []models.Observation) []string {
	set := make(map[string]struct{})
	for _, o := range obs {
		set[o.Asset] = struct{}{}
	}
	out := make([]string, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	sort.Strings(out)
	return out
}

// ExchangesFor returns the distinct exchanges quoting asset, sorted.
func ExchangesFor(obs []models.Observation, asset string) []string {
	set := make(map[string]struct{})
	for _, o := range obs {
		if o.Asset == asset {
			set[o.Exchange] = struct{}{}
		}
	}
	out := make([]string, 0, len(set))
	for ex := range set {
		out = append(out, ex)
	}
	sort.Strings(out)
	return out
}

// LatestTimestamp returns the newest observation time for asset.
func LatestTimestamp(obs []models.Observation, asset string) (time.Time, bool) {
	var latest time.Time
	found := false
	for _, o := range obs {
		if o.Asset != asset {
			continue
		}
		if !found || o.Timestamp.After(latest) {
			latest = o.Timestamp
			found = true
		}
	}
	return latest, found
}
