// Package marketdata caches broker tickers for a short TTL and aggregates
// them into fixed-interval candles for the strategies. All loops in a tick
// share one snapshot instead of hammering the broker.
package marketdata

import (
	"context"
	"fmt"
	"sync"
	"time"

	"trade_engine/internal/core"
	"trade_engine/pkg/apperrors"
)

// Config tunes the cache.
type Config struct {
	TickerTTL      time.Duration
	CandleInterval time.Duration
	MaxCandles     int
}

type symbolState struct {
	mu         sync.Mutex
	ticker     *core.Ticker
	fetchedAt  time.Time
	candles    []core.Candle
	currentBar *core.Candle
}

// Service implements core.IMarketData on top of the broker port.
type Service struct {
	cfg    Config
	broker core.IBroker
	logger core.ILogger
	clock  func() time.Time

	mu      sync.Mutex
	symbols map[string]*symbolState
}

func New(cfg Config, broker core.IBroker, logger core.ILogger) *Service {
	if cfg.TickerTTL <= 0 {
		cfg.TickerTTL = 2 * time.Second
	}
	if cfg.CandleInterval <= 0 {
		cfg.CandleInterval = time.Minute
	}
	if cfg.MaxCandles <= 0 {
		cfg.MaxCandles = 240
	}
	return &Service{
		cfg:     cfg,
		broker:  broker,
		logger:  logger.WithField("component", "marketdata"),
		clock:   time.Now,
		symbols: make(map[string]*symbolState),
	}
}

func (s *Service) state(symbol string) *symbolState {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.symbols[symbol]
	if !ok {
		st = &symbolState{}
		s.symbols[symbol] = st
	}
	return st
}

// Ticker returns the cached ticker when fresh, otherwise fetches and folds
// the quote into the candle series.
func (s *Service) Ticker(ctx context.Context, symbol string) (*core.Ticker, error) {
	st := s.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	now := s.clock()
	if st.ticker != nil && now.Sub(st.fetchedAt) < s.cfg.TickerTTL {
		cp := *st.ticker
		return &cp, nil
	}

	tk, err := s.broker.FetchTicker(ctx, symbol)
	if err != nil {
		// Serve a stale quote over nothing, but flag its age.
		if st.ticker != nil {
			s.logger.Warn("serving stale ticker", "symbol", symbol, "age_ms", now.Sub(st.fetchedAt).Milliseconds(), "error", err)
			cp := *st.ticker
			return &cp, nil
		}
		return nil, err
	}
	st.ticker = tk
	st.fetchedAt = now
	s.foldLocked(st, tk, now)
	cp := *tk
	return &cp, nil
}

// foldLocked merges a quote into the current candle, rolling the bar over on
// interval boundaries. Caller holds st.mu.
func (s *Service) foldLocked(st *symbolState, tk *core.Ticker, now time.Time) {
	price := tk.Last
	if price.IsZero() {
		return
	}
	barStart := now.Truncate(s.cfg.CandleInterval).UnixMilli()

	if st.currentBar != nil && st.currentBar.TsMs != barStart {
		st.candles = append(st.candles, *st.currentBar)
		if len(st.candles) > s.cfg.MaxCandles {
			st.candles = st.candles[len(st.candles)-s.cfg.MaxCandles:]
		}
		st.currentBar = nil
	}
	if st.currentBar == nil {
		st.currentBar = &core.Candle{
			Symbol: tk.Symbol,
			Open:   price, High: price, Low: price, Close: price,
			TsMs: barStart,
		}
		return
	}
	bar := st.currentBar
	if price.GreaterThan(bar.High) {
		bar.High = price
	}
	if price.LessThan(bar.Low) {
		bar.Low = price
	}
	bar.Close = price
}

// Candles returns up to limit completed candles plus the in-progress bar,
// oldest first. A symbol with no quotes yet yields apperrors.ErrNoData.
func (s *Service) Candles(ctx context.Context, symbol string, limit int) ([]core.Candle, error) {
	if _, err := s.Ticker(ctx, symbol); err != nil {
		return nil, err
	}
	st := s.state(symbol)
	st.mu.Lock()
	defer st.mu.Unlock()

	out := make([]core.Candle, 0, len(st.candles)+1)
	out = append(out, st.candles...)
	if st.currentBar != nil {
		out = append(out, *st.currentBar)
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("%w: no candles for %s", apperrors.ErrNoData, symbol)
	}
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
