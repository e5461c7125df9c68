package usecase

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/vitos/crypto_trade_tema/internal/domain"
	"github.com/vitos/crypto_trade_tema/internal/infrastructure/metrics"
	"go.uber.org/zap"
)

// TradeBook is the part of the lifecycle manager the reconciler depends on.
type TradeBook interface {
	FindBySymbolSide(symbol string, side domain.Side) (domain.Trade, bool)
	Sync(ctx context.Context, positions []domain.ExchangePosition, observedAt time.Time)
}

// PositionReconciler polls venue positions and keeps a merged view of them
// against the local trade history.
type PositionReconciler struct {
	exchange domain.Exchange
	book     TradeBook
	interval time.Duration
	metrics  *metrics.Metrics
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	cache    []domain.Trade
	lastSync time.Time
	lastErr  error

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func NewPositionReconciler(exchange domain.Exchange, book TradeBook, interval time.Duration, m *metrics.Metrics, logger *zap.Logger) *PositionReconciler {
	if interval <= 0 {
		interval = time.Second
	}
	return &PositionReconciler{
		exchange: exchange,
		book:     book,
		interval: interval,
		metrics:  m,
		logger:   logger,
		now:      time.Now,
	}
}

// Start runs Tick every interval until ctx is cancelled or Stop is called.
func (r *PositionReconciler) Start(ctx context.Context) {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})

	r.logger.Info("Starting position reconciler", zap.Duration("interval", r.interval))
	go func(done chan struct{}) {
		defer close(done)
		ticker := time.NewTicker(r.interval)
		defer ticker.Stop()

		_ = r.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				_ = r.Tick(ctx)
			}
		}
	}(r.done)
}

// Stop cancels the loop and waits for the in-flight tick to finish.
func (r *PositionReconciler) Stop() {
	r.runMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.runMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
}

// Tick fetches positions once and swaps in the merged cache. On fetch
// failure the previous cache stays in place.
func (r *PositionReconciler) Tick(ctx context.Context) error {
	observedAt := r.now()
	positions, err := r.exchange.GetOpenPositions(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		r.metrics.ReconcileError()
		r.logger.Warn("Failed to fetch positions", zap.Error(err))
		r.mu.Lock()
		r.lastErr = err
		r.mu.Unlock()
		return fmt.Errorf("reconcile: %w", err)
	}

	r.mu.RLock()
	previous := make(map[string]domain.Trade, len(r.cache))
	for _, t := range r.cache {
		previous[adoptedID(t.Symbol, t.Side)] = t
	}
	r.mu.RUnlock()

	merged := make([]domain.Trade, 0, len(positions))
	for _, pos := range positions {
		if pos.Size <= 0 {
			continue
		}
		if t, ok := r.book.FindBySymbolSide(pos.Symbol, pos.Side); ok {
			merged = append(merged, mergePosition(t, pos))
			continue
		}

		key := adoptedID(pos.Symbol, pos.Side)
		prev, known := previous[key]
		t := domain.Trade{
			ID:       key,
			Symbol:   pos.Symbol,
			Side:     pos.Side,
			Source:   domain.SourceAdopted,
			OpenedAt: observedAt,
		}
		if known {
			t.OpenedAt = prev.OpenedAt
		} else {
			r.logger.Info("Adopted external position",
				zap.String("symbol", pos.Symbol),
				zap.String("side", string(pos.Side)),
				zap.Float64("size", pos.Size),
				zap.Float64("entry", pos.AveragePrice))
		}
		merged = append(merged, mergePosition(t, pos))
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Symbol != merged[j].Symbol {
			return merged[i].Symbol < merged[j].Symbol
		}
		return merged[i].Side < merged[j].Side
	})

	r.mu.Lock()
	r.cache = merged
	r.lastSync = observedAt
	r.lastErr = nil
	r.mu.Unlock()
	r.metrics.SetOpenPositions(len(merged))

	r.book.Sync(ctx, positions, observedAt)
	return nil
}

// mergePosition overwrites the venue-authoritative fields of t with pos.
func mergePosition(t domain.Trade, pos domain.ExchangePosition) domain.Trade {
	t.Status = domain.TradeOpen
	t.Quantity = pos.Size
	t.RemainingQty = pos.Size
	if pos.AveragePrice > 0 {
		t.EntryPrice = pos.AveragePrice
	}
	if pos.Leverage > 0 {
		t.Leverage = pos.Leverage
	}
	t.NotionalAmount = pos.Size * t.EntryPrice
	if pos.StopLoss > 0 && t.StopLossPrice == 0 {
		t.StopLossPrice = pos.StopLoss
	}
	return t
}

func adoptedID(symbol string, side domain.Side) string {
	return fmt.Sprintf("adopted-%s-%s", symbol, side)
}

// Snapshot returns a copy of the last merged position set.
func (r *PositionReconciler) Snapshot() []domain.Trade {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]domain.Trade, len(r.cache))
	for i := range r.cache {
		out[i] = r.cache[i].Clone()
	}
	return out
}

// HasPosition reports whether the last snapshot holds a position on symbol.
func (r *PositionReconciler) HasPosition(symbol string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, t := range r.cache {
		if t.Symbol == symbol {
			return true
		}
	}
	return false
}

// Status reports when the cache was last refreshed and the latest fetch error.
func (r *PositionReconciler) Status() (time.Time, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.lastSync, r.lastErr
}
