package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"spreadmatrix/config"
	"spreadmatrix/internal/source"
	"spreadmatrix/internal/spread"
	"spreadmatrix/models"
)

var t0 = time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)

type fakeSource struct {
	mu      sync.Mutex
	rows    []models.RawRow
	err     error
	windows []source.Window
}

func (f *fakeSource) Name() string { return "fake" }

func (f *fakeSource) Fetch(_ context.Context, w source.Window) ([]models.RawRow, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.windows = append(f.windows, w)
	if f.err != nil {
		return nil, f.err
	}
	return append([]models.RawRow(nil), f.rows...), nil
}

func sampleRows() []models.RawRow {
	return []models.RawRow{
		{Timestamp: t0, Asset: "BTC", Exchange: "X", Side: "ASK", RawPrice: 100.0, FXRate: 1.0},
		{Timestamp: t0, Asset: "BTC", Exchange: "Y", Side: "BID", RawPrice: "99", FXRate: "1"},
	}
}

func newTestCache(t *testing.T, src source.Source, cacheCfg config.CacheConfig) *TableCache {
	t.Helper()
	store, err := NewMemoryStore(1<<20, time.Hour)
	if err != nil {
		t.Fatalf("NewMemoryStore: %v", err)
	}
	c := New(src, store, spread.NewNormalizer(7), cacheCfg, config.SourceConfig{Lookback: time.Hour})
	c.now = func() time.Time { return t0.Add(time.Minute) }
	t.Cleanup(func() { c.Close() })
	return c
}

func TestRefreshNormalisesAndCopies(t *testing.T) {
	src := &fakeSource{rows: sampleRows()}
	c := newTestCache(t, src, config.CacheConfig{})

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	obs := c.Observations()
	if len(obs) != 2 {
		t.Fatalf("expected 2 observations, got %d", len(obs))
	}
	if v, ok := obs[1].UnitPrice.Get(); !ok || v != 99 {
		t.Fatalf("string price not normalised: %v", obs[1].UnitPrice)
	}
	if _, off := obs[0].Timestamp.Zone(); off != 7*3600 {
		t.Fatalf("timestamps should be shown in UTC+7, offset %d", off)
	}

	obs[0].Exchange = "mutated"
	if c.Observations()[0].Exchange != "X" {
		t.Fatalf("Observations must return a copy")
	}

	w := src.windows[0]
	if !w.Start.Equal(t0.Add(-59*time.Minute)) || !w.End.Equal(t0.Add(time.Minute)) {
		t.Fatalf("unexpected fetch window %+v", w)
	}
}

func TestRefreshFailureKeepsPreviousTable(t *testing.T) {
	src := &fakeSource{rows: sampleRows()}
	c := newTestCache(t, src, config.CacheConfig{})
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	src.err = errors.New("db down")
	if err := c.Refresh(context.Background()); err == nil {
		t.Fatalf("expected refresh error")
	}
	if len(c.Observations()) != 2 {
		t.Fatalf("failed refresh should keep the old table")
	}
}

func TestRefreshThrottled(t *testing.T) {
	src := &fakeSource{rows: sampleRows()}
	c := newTestCache(t, src, config.CacheConfig{RefreshRate: 0.001, RefreshBurst: 1})

	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("first refresh: %v", err)
	}
	if err := c.Refresh(context.Background()); !errors.Is(err, ErrThrottled) {
		t.Fatalf("expected ErrThrottled, got %v", err)
	}
}

func TestListenersNotified(t *testing.T) {
	src := &fakeSource{rows: sampleRows()}
	c := newTestCache(t, src, config.CacheConfig{})

	var events []RefreshEvent
	id := c.OnRefresh(func(ev RefreshEvent) { events = append(events, ev) })
	if id == 0 {
		t.Fatalf("expected listener id")
	}
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}
	c.RemoveListener(id)
	if err := c.Refresh(context.Background()); err != nil {
		t.Fatalf("Refresh: %v", err)
	}

	if len(events) != 1 {
		t.Fatalf("expected one event, got %d", len(events))
	}
	if events[0].Observations != 2 || events[0].Source != "fake" {
		t.Fatalf("unexpected event %+v", events[0])
	}
}

func TestWarmPrefersStore(t *testing.T) {
	src := &fakeSource{rows: sampleRows()}
	c := newTestCache(t, src, config.CacheConfig{})

	stored := spread.NewNormalizer(0).Normalize(sampleRows()[:1])
	if err := c.store.Save(context.Background(), stored); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if err := c.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if len(src.windows) != 0 {
		t.Fatalf("warm start should not hit the source")
	}
	obs := c.Observations()
	if len(obs) != 1 {
		t.Fatalf("expected stored table, got %d rows", len(obs))
	}
	if _, off := obs[0].Timestamp.Zone(); off != 7*3600 {
		t.Fatalf("stored timestamps should be moved to the display zone")
	}
}

func TestWarmFetchesWhenStoreEmpty(t *testing.T) {
	src := &fakeSource{rows: sampleRows()}
	c := newTestCache(t, src, config.CacheConfig{})
	if err := c.Warm(context.Background()); err != nil {
		t.Fatalf("Warm: %v", err)
	}
	if len(src.windows) != 1 || len(c.Observations()) != 2 {
		t.Fatalf("cold start should fetch from the source")
	}
	if c.RefreshedAt().IsZero() {
		t.Fatalf("RefreshedAt not set")
	}
}

func TestTableJSONRoundTripKeepsMissingPrices(t *testing.T) {
	obs := spread.NewNormalizer(7).Normalize([]models.RawRow{
		{Timestamp: t0, Asset: "BTC", Exchange: "X", Side: "ASK", RawPrice: nil, FXRate: 1.0},
	})
	data, err := encodeTable(obs)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	back, err := decodeTable(data)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if back[0].UnitPrice.Valid() || !back[0].Timestamp.Equal(t0) || back[0].Side != models.SideAsk {
		t.Fatalf("unexpected decoded observation %+v", back[0])
	}
}

func TestNewStoreRejectsUnknownBackend(t *testing.T) {
	if _, err := NewStore(context.Background(), config.CacheConfig{Backend: "memcached"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}
