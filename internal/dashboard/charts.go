package dashboard

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"

	"spreadmatrix/internal/spread"
	"spreadmatrix/models"
)

var errChartNotFound = errors.New("chart not found")

// chartStore owns the list of configured trend charts. Order is insertion
// order and is preserved across removals.
type chartStore struct {
	mu     sync.RWMutex
	charts []spread.TrendConfig
	limit  int
}

func newChartStore(limit int) *chartStore {
	if limit <= 0 {
		limit = 32
	}
	return &chartStore{limit: limit}
}

// chartRequest is the body of POST /api/charts.
type chartRequest struct {
	ExchangeA string `json:"exchange_a" binding:"required"`
	ExchangeB string `json:"exchange_b" binding:"required"`
	Direction string `json:"direction" binding:"required"`
}

func (s *chartStore) add(req chartRequest) (spread.TrendConfig, error) {
	dir, ok := models.ParseDirection(req.Direction)
	if !ok {
		return spread.TrendConfig{}, fmt.Errorf("%w: %q", spread.ErrInvalidDirection, req.Direction)
	}
	cfg := spread.TrendConfig{
		ID:        uuid.NewString(),
		ExchangeA: strings.TrimSpace(req.ExchangeA),
		ExchangeB: strings.TrimSpace(req.ExchangeB),
		Direction: dir,
	}
	if cfg.ExchangeA == "" || cfg.ExchangeB == "" {
		return spread.TrendConfig{}, fmt.Errorf("exchange_a and exchange_b are required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.charts) >= s.limit {
		return spread.TrendConfig{}, fmt.Errorf("at most %d charts can be configured", s.limit)
	}
	s.charts = append(s.charts, cfg)
	return cfg, nil
}

func (s *chartStore) remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.charts {
		if c.ID == id {
			s.charts = append(s.charts[:i:i], s.charts[i+1:]...)
			return nil
		}
	}
	return errChartNotFound
}

func (s *chartStore) list() []spread.TrendConfig {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]spread.TrendConfig, len(s.charts))
	copy(out, s.charts)
	return out
}
