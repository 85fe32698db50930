package engine

import (
	"context"
	"testing"

	"go.uber.org/zap"

	"batch-exchange/internal/model"
)

type fakeLoader struct {
	ledger  *memLedger
	markets []model.Market
}

func (l *fakeLoader) LoadMarkets(context.Context) ([]model.Market, error) {
	return l.markets, nil
}

func (l *fakeLoader) LoadMarketState(context.Context, string) ([]model.Order, []model.BatchState, []model.UserBatchStats, error) {
	return nil, nil, nil, nil
}

func (l *fakeLoader) LedgerFor(string) Ledger { return l.ledger }

func TestStartEngineAdoptsMarket(t *testing.T) {
	ledger := newMemLedger()
	ledger.fund("alice", "QUOTE", 2000*fp)
	mgr := NewManager(&fakeLoader{ledger: ledger}, &fakeClock{}, nil, zap.NewNop().Sugar())

	mkt := testMarket()
	// The engine owns mkt once started; anything needing a stable view
	// must copy first.
	before := *mkt

	eng, err := mgr.StartEngine(context.Background(), mkt)
	if err != nil {
		t.Fatalf("StartEngine: %v", err)
	}
	if again, err := mgr.StartEngine(context.Background(), mkt); err != nil || again != eng {
		t.Fatalf("second StartEngine = (%p, %v), want same engine", again, err)
	}
	if got, ok := mgr.GetEngine(mkt.ID); !ok || got != eng {
		t.Fatalf("GetEngine did not return the started engine")
	}

	if _, err := eng.PlaceOrder(context.Background(), "alice", model.PlaceOrderReq{
		Side: model.SideBid, LimitPrice: 100 * fp, AmountBase: 10 * fp,
	}); err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if mkt.NextOrderID != 2 {
		t.Fatalf("adopted market not mutated: next=%d", mkt.NextOrderID)
	}
	if before.NextOrderID != 1 || before.OrdersInBatch != 0 {
		t.Fatalf("pre-start copy changed: next=%d inBatch=%d", before.NextOrderID, before.OrdersInBatch)
	}
}

func TestManagerBoot(t *testing.T) {
	mkt := testMarket()
	mgr := NewManager(&fakeLoader{ledger: newMemLedger(), markets: []model.Market{*mkt}},
		&fakeClock{}, nil, zap.NewNop().Sugar())

	if err := mgr.Boot(context.Background()); err != nil {
		t.Fatalf("Boot: %v", err)
	}
	if _, ok := mgr.GetEngine(mkt.ID); !ok {
		t.Fatalf("booted market has no engine")
	}
}
