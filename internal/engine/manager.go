package engine

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"batch-exchange/internal/model"
)

// Loader is the persistence surface the manager boots engines from. The
// db.Store implements it.
type Loader interface {
	LoadMarkets(ctx context.Context) ([]model.Market, error)
	// LoadMarketState returns the live orders for a market, the batch
	// snapshots those orders reference, and the current batch's admission
	// stats.
	LoadMarketState(ctx context.Context, marketID string) ([]model.Order, []model.BatchState, []model.UserBatchStats, error)
	LedgerFor(marketID string) Ledger
}

// Manager owns one MarketEngine per market and routes callers to them.
type Manager struct {
	mu      sync.RWMutex
	engines map[string]*MarketEngine

	loader  Loader
	clock   Clock
	publish PublishFunc
	log     *zap.SugaredLogger
}

func NewManager(loader Loader, clock Clock, pub PublishFunc, log *zap.SugaredLogger) *Manager {
	return &Manager{
		engines: make(map[string]*MarketEngine),
		loader:  loader,
		clock:   clock,
		publish: pub,
		log:     log,
	}
}

// Boot restores an engine for every persisted market and starts them.
func (m *Manager) Boot(ctx context.Context) error {
	markets, err := m.loader.LoadMarkets(ctx)
	if err != nil {
		return fmt.Errorf("load markets: %w", err)
	}
	for i := range markets {
		if _, err := m.StartEngine(ctx, &markets[i]); err != nil {
			return fmt.Errorf("start engine %s: %w", markets[i].ID, err)
		}
	}
	m.log.Infow("engines booted", "count", len(markets))
	return nil
}

// StartEngine restores state for one market and launches its goroutine.
// Idempotent per market id.
func (m *Manager) StartEngine(ctx context.Context, mkt *model.Market) (*MarketEngine, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if eng, ok := m.engines[mkt.ID]; ok {
		return eng, nil
	}

	orders, batches, stats, err := m.loader.LoadMarketState(ctx, mkt.ID)
	if err != nil {
		return nil, err
	}

	eng := New(mkt, m.loader.LedgerFor(mkt.ID), m.clock, m.publish, m.log)
	eng.Restore(orders, batches, stats)
	m.engines[mkt.ID] = eng
	go eng.Run(context.Background())

	m.log.Infow("engine started", "market", mkt.ID,
		"orders", len(orders), "batches", len(batches))
	return eng, nil
}

func (m *Manager) GetEngine(marketID string) (*MarketEngine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	eng, ok := m.engines[marketID]
	return eng, ok
}
