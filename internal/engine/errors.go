package engine

import "errors"

// Every precondition in the engine fails with exactly one of these; the
// first violated check aborts the operation before any mutation.

// Validation failures: malformed input, rejected before mutation.
var (
	ErrInvalidSide    = errors.New("side must be BID or ASK")
	ErrInvalidPrice   = errors.New("limit price must be positive")
	ErrInvalidAmount  = errors.New("base amount must be positive")
	ErrDustOrder      = errors.New("order below dust floor")
	ErrStaleUserBatch = errors.New("user batch stats bound to a stale batch")
)

// Capacity failures: a cap is exhausted, caller may retry in a later batch.
var (
	ErrUserNotionalCap  = errors.New("max notional per user per batch exceeded")
	ErrUserOrderCap     = errors.New("too many orders for this user in the current batch")
	ErrBatchNotionalCap = errors.New("max notional per batch exceeded")
	ErrGlobalOrderCap   = errors.New("max global orders per batch exceeded")
	ErrBudgetExhausted  = errors.New("batch remaining volume exhausted")
)

// State failures: the entity is in the wrong lifecycle state.
var (
	ErrMarketPaused    = errors.New("market is paused")
	ErrBatchNotReady   = errors.New("batch not ready to clear yet")
	ErrPriceBand       = errors.New("clearing price move outside configured band")
	ErrOrderCancelled  = errors.New("order already cancelled")
	ErrOrderSettled    = errors.New("order already settled")
	ErrBatchClosed     = errors.New("batch window already closed")
	ErrBatchNotCleared = errors.New("batch not cleared yet")
	ErrBatchMismatch   = errors.New("batch does not match order")
	ErrOrderNotFound   = errors.New("order not found")
)

// Authorization failures.
var (
	ErrUnauthorized = errors.New("caller is not the market authority")
	ErrKeeperOnly   = errors.New("caller is not the configured keeper")
	ErrNotOwner     = errors.New("caller does not own this order")
)

// Parameter update failures.
var ErrInvalidFee = errors.New("invalid fee configuration")
