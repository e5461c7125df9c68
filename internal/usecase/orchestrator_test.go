package usecase

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitos/crypto_trade_tema/internal/config"
	"github.com/vitos/crypto_trade_tema/internal/domain"
	"go.uber.org/zap"
)

type orchestratorFixture struct {
	ex    *MockExchange
	store *SnapshotStore
	life  *LifecycleManager
	orch  *Orchestrator
}

func newOrchestratorFixture(t *testing.T, positions PositionView) *orchestratorFixture {
	t.Helper()
	cfg := config.Default()
	cfg.Trading.CycleInterval = 10 * time.Millisecond

	ex := newMockExchange()
	store := NewSnapshotStore(nil, StoreLimits{}, zap.NewNop())
	life := newTestManager(ex, nil, nil, store)
	orch := NewOrchestrator(
		store,
		NewIndicatorCache(IndicatorSettingsFromConfig(cfg.Indicators)),
		NewSignalEvaluator(SignalThresholdsFromConfig(cfg.Strategy)),
		life,
		positions,
		ex,
		OrchestratorSettingsFromConfig(&cfg),
		nil,
		zap.NewNop(),
	)
	return &orchestratorFixture{ex: ex, store: store, life: life, orch: orch}
}

func resultFor(t *testing.T, report CycleReport, symbol string) SymbolResult {
	t.Helper()
	for _, r := range report.Results {
		if r.Symbol == symbol {
			return r
		}
	}
	t.Fatalf("no result for %s", symbol)
	return SymbolResult{}
}

type staticPositions map[string]bool

func (s staticPositions) HasPosition(symbol string) bool { return s[symbol] }

func TestOrchestrator_EvaluateAllOpensOnSignal(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.store.SeedCandles("BTCUSDT", risingCandles("BTCUSDT", 60))
	f.store.SeedCandles("XRPUSDT", flatCandles("XRPUSDT", 60, 0.5))
	f.store.SeedCandles("DOGEUSDT", risingCandles("DOGEUSDT", 10))

	report := f.orch.EvaluateAll(context.Background())
	require.Len(t, report.Results, 3)
	assert.Equal(t, 1, report.Opened)
	assert.Equal(t, 0, report.Failed)

	btc := resultFor(t, report, "BTCUSDT")
	assert.Equal(t, domain.SignalLong, btc.Signal)
	assert.NotEmpty(t, btc.TradeID)
	require.NotNil(t, btc.Snapshot)

	assert.Equal(t, domain.SignalNone, resultFor(t, report, "XRPUSDT").Signal)
	assert.Contains(t, resultFor(t, report, "DOGEUSDT").Skipped, "insufficient candles")

	require.Len(t, f.ex.MarketOrders, 1)
	assert.Equal(t, "BTCUSDT", f.ex.MarketOrders[0].Symbol)
	assert.Equal(t, "Buy", f.ex.MarketOrders[0].Side)
	assert.Equal(t, []int{20}, f.ex.LeverageCalls)

	trade, ok := f.life.Get(btc.TradeID)
	require.True(t, ok)
	assert.InDelta(t, btc.Snapshot.Close, trade.EntryPrice, 1e-9)

	report = f.orch.EvaluateAll(context.Background())
	assert.Equal(t, 0, report.Opened)
	assert.Equal(t, "position already open", resultFor(t, report, "BTCUSDT").Skipped)
	assert.Len(t, f.ex.MarketOrders, 1, "no duplicate entry")
	assert.Equal(t, report.Results, f.orch.LastReport().Results)
}

func TestOrchestrator_SkipsVenuePositions(t *testing.T) {
	f := newOrchestratorFixture(t, staticPositions{"BTCUSDT": true})
	f.store.SeedCandles("BTCUSDT", risingCandles("BTCUSDT", 60))

	report := f.orch.EvaluateAll(context.Background())
	assert.Equal(t, "position already open", resultFor(t, report, "BTCUSDT").Skipped)
	assert.Empty(t, f.ex.MarketOrders)
}

func TestOrchestrator_FailureDoesNotStopCycle(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.ex.MarketErr = errors.New("venue down")
	for _, s := range []string{"AUSDT", "BUSDT", "CUSDT"} {
		f.store.SeedCandles(s, risingCandles(s, 60))
	}

	report := f.orch.EvaluateAll(context.Background())
	assert.Equal(t, 3, report.Failed)
	for _, r := range report.Results {
		assert.Contains(t, r.Error, domain.ErrOrderRejected.Error())
	}
	assert.Empty(t, f.life.History())
}

func TestOrchestrator_SetSymbols(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.store.SeedCandles("BTCUSDT", flatCandles("BTCUSDT", 60, 1))
	f.store.SeedCandles("ETHUSDT", flatCandles("ETHUSDT", 60, 1))
	f.orch.SetSymbols([]string{"ETHUSDT", "NEWUSDT"})

	report := f.orch.EvaluateAll(context.Background())
	require.Len(t, report.Results, 2)
	assert.Equal(t, "ETHUSDT", report.Results[0].Symbol)
	assert.Contains(t, report.Results[1].Skipped, "insufficient candles")
}

func TestOrchestrator_Bootstrap(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.ex.Candles["BTCUSDT"] = risingCandles("BTCUSDT", 150)

	require.NoError(t, f.orch.Bootstrap(context.Background(), []string{"BTCUSDT", "ETHUSDT"}))
	assert.Len(t, f.store.Candles("BTCUSDT", 0), 100)
	assert.Empty(t, f.store.Candles("ETHUSDT", 0))

	err := f.orch.Bootstrap(context.Background(), []string{"ETHUSDT"})
	assert.Error(t, err, "every symbol failed")
}

func TestOrchestrator_RunStopsOnCancel(t *testing.T) {
	f := newOrchestratorFixture(t, nil)
	f.store.SeedCandles("XRPUSDT", flatCandles("XRPUSDT", 60, 0.5))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.orch.Run(ctx) }()

	require.Eventually(t, func() bool {
		return len(f.orch.LastReport().Results) == 1
	}, 2*time.Second, 5*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}
