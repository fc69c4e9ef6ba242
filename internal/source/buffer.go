package source

import (
	"sort"
	"sync"
	"time"

	"spreadmatrix/models"
)

// Buffer keeps the most recent rows seen by a streaming source. Rows older
// than retention relative to the newest row are evicted, and the buffer never
// holds more than maxRows.
type Buffer struct {
	mu        sync.RWMutex
	rows      []models.RawRow
	retention time.Duration
	maxRows   int
	newest    time.Time
}

func NewBuffer(retention time.Duration, maxRows int) *Buffer {
	if maxRows <= 0 {
		maxRows = 100000
	}
	return &Buffer{retention: retention, maxRows: maxRows}
}

// Add appends rows, keeping the buffer ordered by timestamp.
func (b *Buffer) Add(rows ...models.RawRow) {
	if len(rows) == 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	sorted := true
	for _, r := range rows {
		if n := len(b.rows); n > 0 && r.Timestamp.Before(b.rows[n-1].Timestamp) {
			sorted = false
		}
		b.rows = append(b.rows, r)
		if r.Timestamp.After(b.newest) {
			b.newest = r.Timestamp
		}
	}
	if !sorted {
		sort.SliceStable(b.rows, func(i, j int) bool {
			return b.rows[i].Timestamp.Before(b.rows[j].Timestamp)
		})
	}
	b.evict()
}

func (b *Buffer) evict() {
	drop := 0
	if b.retention > 0 {
		cutoff := b.newest.Add(-b.retention)
		drop = sort.Search(len(b.rows), func(i int) bool {
			return !b.rows[i].Timestamp.Before(cutoff)
		})
	}
	if over := len(b.rows) - drop - b.maxRows; over > 0 {
		drop += over
	}
	if drop > 0 {
		b.rows = append(b.rows[:0:0], b.rows[drop:]...)
	}
}

// Select copies the rows inside the window.
func (b *Buffer) Select(w Window) []models.RawRow {
	b.mu.RLock()
	defer b.mu.RUnlock()

	out := make([]models.RawRow, 0)
	for _, r := range b.rows {
		if w.Contains(r.Timestamp, r.Asset) {
			out = append(out, r)
		}
	}
	return out
}

func (b *Buffer) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rows)
}
