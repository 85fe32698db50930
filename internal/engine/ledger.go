package engine

import (
	"context"
	"time"

	"batch-exchange/internal/model"
)

// PublishFunc broadcasts a telemetry message for a market. Emission is
// fire-and-forget; it runs after commit and cannot fail an operation.
type PublishFunc func(marketID, msgType string, data any)

// Clock supplies a monotonically non-decreasing tick used for batch-window
// and inter-clear-spacing checks.
type Clock interface {
	Tick() uint64
}

// WallClock ticks once per wall-clock second, so batch durations are
// configured in seconds.
type WallClock struct{}

func (WallClock) Tick() uint64 { return uint64(time.Now().Unix()) }

// Ledger is the custody and persistence boundary for one market. Each engine
// operation runs exactly one transaction: every transfer and record write in
// it commits atomically or not at all.
type Ledger interface {
	WithinTx(ctx context.Context, fn func(Tx) error) error
}

// Tx is the set of effects an operation may stage inside a ledger
// transaction. Transfers move funds between a user wallet and the market
// vault and must fail loudly when funds are insufficient.
type Tx interface {
	TransferIn(userID, asset string, amount uint64) error
	TransferOut(userID, asset string, amount uint64) error

	PutMarket(m *model.Market) error
	PutOrder(o *model.Order) error
	PutUserStats(s *model.UserBatchStats) error
	PutBatch(b *model.BatchState) error
	PutFill(f *model.OrderFill) error

	AppendEvent(evType string, payload any) error
}
