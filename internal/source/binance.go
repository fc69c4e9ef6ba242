package source

import (
	"context"
	"strings"
	"sync"
	"time"

	futures "github.com/adshao/go-binance/v2/futures"

	"spreadmatrix/config"
	"spreadmatrix/logger"
	"spreadmatrix/models"
)

// bookTickerFetcher returns the best bid and ask for a symbol.
type bookTickerFetcher func(ctx context.Context, symbol string) (*futures.BookTicker, error)

// BinanceSource polls futures book tickers for the configured symbols and
// records an ASK and a BID row per poll.
type BinanceSource struct {
	exchange string
	symbols  []config.BinanceSymbol
	interval time.Duration
	fetch    bookTickerFetcher
	buffer   *Buffer
	log      *logger.Log
	now      func() time.Time
}

func NewBinanceSource(cfg config.BinanceConfig) *BinanceSource {
	client := futures.NewClient("", "")
	fetch := func(ctx context.Context, symbol string) (*futures.BookTicker, error) {
		tickers, err := client.NewListBookTickersService().Symbol(symbol).Do(ctx)
		if err != nil {
			return nil, err
		}
		for _, t := range tickers {
			if strings.EqualFold(t.Symbol, symbol) {
				return t, nil
			}
		}
		return nil, nil
	}
	return newBinanceSource(cfg, fetch)
}

func newBinanceSource(cfg config.BinanceConfig, fetch bookTickerFetcher) *BinanceSource {
	exchange := cfg.Exchange
	if exchange == "" {
		exchange = "binance"
	}
	return &BinanceSource{
		exchange: exchange,
		symbols:  cfg.Symbols,
		interval: cfg.Interval,
		fetch:    fetch,
		buffer:   NewBuffer(cfg.Retention, cfg.MaxRows),
		log:      logger.GetLogger(),
		now:      time.Now,
	}
}

func (s *BinanceSource) Name() string { return "binance" }

func (s *BinanceSource) Fetch(_ context.Context, w Window) ([]models.RawRow, error) {
	return s.buffer.Select(w), nil
}

// Run starts one polling worker per symbol and blocks until ctx is done.
func (s *BinanceSource) Run(ctx context.Context) error {
	log := s.log.WithComponent("binance_source")
	log.WithFields(logger.Fields{
		"symbols":  len(s.symbols),
		"interval": s.interval.String(),
	}).Info("starting binance book ticker polling")

	var wg sync.WaitGroup
	for _, sym := range s.symbols {
		wg.Add(1)
		go func(sym config.BinanceSymbol) {
			defer wg.Done()
			s.pollWorker(ctx, sym)
		}(sym)
	}
	wg.Wait()
	log.Info("binance polling stopped")
	return nil
}

func (s *BinanceSource) pollWorker(ctx context.Context, sym config.BinanceSymbol) {
	log := s.log.WithComponent("binance_source").WithFields(logger.Fields{"symbol": sym.Symbol})

	interval := s.interval
	if interval <= 0 {
		interval = time.Second
	}
	now := s.now()
	timer := time.NewTimer(now.Truncate(interval).Add(interval).Sub(now))
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := s.now()
			if err := s.poll(ctx, sym); err != nil && ctx.Err() == nil {
				log.WithError(err).Warn("failed to fetch book ticker")
			}
			if d := time.Since(start); d > interval {
				log.WithFields(logger.Fields{"duration_ms": d.Milliseconds()}).Warn("fetch took longer than interval")
			}
			timer.Reset(time.Until(start.Truncate(interval).Add(interval)))
		}
	}
}

func (s *BinanceSource) poll(ctx context.Context, sym config.BinanceSymbol) error {
	ticker, err := s.fetch(ctx, sym.Symbol)
	if err != nil {
		return err
	}
	if ticker == nil {
		return nil
	}
	s.buffer.Add(tickerRows(s.exchange, sym, ticker, s.now().UTC())...)
	return nil
}

// tickerRows converts a book ticker into ask and bid rows. A zero fx_rate in
// the symbol config means the quote is already in USD.
func tickerRows(exchange string, sym config.BinanceSymbol, t *futures.BookTicker, ts time.Time) []models.RawRow {
	fx := sym.FXRate
	if fx == 0 {
		fx = 1
	}
	asset := strings.ToUpper(sym.Asset)
	return []models.RawRow{
		{Timestamp: ts, Asset: asset, Exchange: exchange, Side: string(models.SideAsk), RawPrice: t.AskPrice, FXRate: fx},
		{Timestamp: ts, Asset: asset, Exchange: exchange, Side: string(models.SideBid), RawPrice: t.BidPrice, FXRate: fx},
	}
}
