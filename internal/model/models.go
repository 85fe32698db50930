package model

import "time"

// ── Enums ────────────────────────────────────────────

type Role string

const (
	RoleUser  Role = "USER"
	RoleAdmin Role = "ADMIN"
)

// Side is the two-variant order side. Every dispatch on it in the engine is
// an exhaustive switch; unknown values are rejected at admission.
type Side string

const (
	SideBid Side = "BID"
	SideAsk Side = "ASK"
)

func (s Side) Valid() bool { return s == SideBid || s == SideAsk }

// Pause reason codes carried next to the pause flag.
const (
	PauseNone     uint8 = 0
	PauseManual   uint8 = 1
	PauseIncident uint8 = 2
)

// ── Domain Objects ───────────────────────────────────

type User struct {
	ID           string    `json:"id"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	Role         Role      `json:"role"`
	CreatedAt    time.Time `json:"created_at"`
}

// Wallet holds one user's balance of one asset, in fixed-point units.
type Wallet struct {
	UserID  string `json:"user_id"`
	Asset   string `json:"asset"`
	Balance uint64 `json:"balance"`
}

// Market is the mutable configuration plus rolling state for one base/quote
// pair. In-batch counters reset exactly when a batch clears; the record is
// never destroyed.
type Market struct {
	ID         string `json:"id"`
	Slug       string `json:"slug"`
	Authority  string `json:"authority"`
	BaseAsset  string `json:"base_asset"`
	QuoteAsset string `json:"quote_asset"`

	// Batch cadence, in clock ticks.
	BatchDuration   uint64 `json:"batch_duration"`
	MinClearSpacing uint64 `json:"min_clear_spacing"`
	LastBatchTick   uint64 `json:"last_batch_tick"`
	CurrentBatchID  uint64 `json:"current_batch_id"`
	NextOrderID     uint64 `json:"next_order_id"`

	// Fee schedule, basis points. Protocol and referral cuts may not
	// exceed the total.
	FeeBps         uint16 `json:"fee_bps"`
	ProtocolFeeBps uint16 `json:"protocol_fee_bps"`
	ReferralFeeBps uint16 `json:"referral_fee_bps"`
	KeeperFeeBps   uint16 `json:"keeper_fee_bps"`

	// Risk caps and in-batch accumulators (quote fixed-point / counts).
	MaxNotionalPerBatch uint64 `json:"max_notional_per_batch"`
	MaxNotionalPerUser  uint64 `json:"max_notional_per_user"`
	BatchNotional       uint64 `json:"batch_notional"`
	MaxOrdersPerUser    uint32 `json:"max_orders_per_user"`
	MaxOrdersGlobal     uint32 `json:"max_orders_global"`
	OrdersInBatch       uint32 `json:"orders_in_batch"`

	// Price band circuit breaker: max bps move from the last clearing
	// price. 0 disables the check.
	MaxPriceMoveBps   uint16 `json:"max_price_move_bps"`
	LastClearingPrice uint64 `json:"last_clearing_price"`

	// Keeper gating: when restricted, only Keeper may clear.
	KeeperRestricted bool   `json:"keeper_restricted"`
	Keeper           string `json:"keeper,omitempty"`

	// Dust floors.
	MinBaseOrder  uint64 `json:"min_base_order"`
	MinQuoteOrder uint64 `json:"min_quote_order"`

	Paused      bool  `json:"paused"`
	PauseReason uint8 `json:"pause_reason"`

	// Accrued protocol fees (quote fp), accounting only.
	FeesAccrued uint64 `json:"fees_accrued"`

	CreatedAt time.Time `json:"created_at"`
}

// Order is one resting order. It belongs to exactly one batch for its whole
// life and is mutated once, by cancellation or by settlement, both terminal.
type Order struct {
	ID         uint64 `json:"id"`
	MarketID   string `json:"market_id"`
	UserID     string `json:"user_id"`
	Side       Side   `json:"side"`
	LimitPrice uint64 `json:"limit_price"`
	AmountBase uint64 `json:"amount_base"`
	BatchID    uint64 `json:"batch_id"`
	// QuoteDeposit is the quote collateral taken at admission for bids,
	// sized at the order's own limit price. Asks deposit AmountBase.
	QuoteDeposit uint64    `json:"quote_deposit"`
	Filled       bool      `json:"filled"`
	Cancelled    bool      `json:"cancelled"`
	CreatedAt    time.Time `json:"created_at"`
}

func (o *Order) Open() bool { return !o.Filled && !o.Cancelled }

// UserBatchStats accumulates one user's order count and notional within one
// batch, used only for admission caps. The key includes the batch id, so a
// new batch starts from a fresh zeroed record.
type UserBatchStats struct {
	MarketID   string `json:"market_id"`
	UserID     string `json:"user_id"`
	BatchID    uint64 `json:"batch_id"`
	OrderCount uint32 `json:"order_count"`
	Notional   uint64 `json:"notional"`
}

// BatchState is the clearing outcome of one batch. The remaining-to-settle
// pair starts at the matched totals and only decreases as member orders
// settle; once remaining base hits zero the batch is fully settled.
type BatchState struct {
	MarketID       string `json:"market_id"`
	BatchID        uint64 `json:"batch_id"`
	ClearingPrice  uint64 `json:"clearing_price"`
	TotalBase      uint64 `json:"total_base"`
	TotalQuote     uint64 `json:"total_quote"`
	CreatedTick    uint64 `json:"created_tick"`
	ClearedTick    uint64 `json:"cleared_tick"`
	Settled        bool   `json:"settled"`
	Keeper         string `json:"keeper"`
	KeeperReward   uint64 `json:"keeper_reward"`
	RemainingBase  uint64 `json:"remaining_base"`
	RemainingQuote uint64 `json:"remaining_quote"`
}

// OrderFill is the terminal settlement receipt for one order, written at
// most once; Claimed guards against re-settlement.
type OrderFill struct {
	OrderID     uint64 `json:"order_id"`
	MarketID    string `json:"market_id"`
	BatchID     uint64 `json:"batch_id"`
	FilledBase  uint64 `json:"filled_base"`
	FilledQuote uint64 `json:"filled_quote"`
	RefundBase  uint64 `json:"refund_base"`
	RefundQuote uint64 `json:"refund_quote"`
	Claimed     bool   `json:"claimed"`
}

type EventLog struct {
	ID          int64     `json:"id"`
	MarketID    *string   `json:"market_id,omitempty"`
	Type        string    `json:"type"`
	PayloadJSON any       `json:"payload"`
	CreatedAt   time.Time `json:"created_at"`
}

// ── API Types ────────────────────────────────────────

type PlaceOrderReq struct {
	Side       Side   `json:"side"`
	LimitPrice uint64 `json:"limit_price"`
	AmountBase uint64 `json:"amount_base"`
}

type ClearBatchReq struct {
	// OrderIDs is the caller-asserted membership of the closing batch. The
	// engine validates each entry but does not discover membership itself.
	OrderIDs []uint64 `json:"order_ids"`
}

// MarketParams is the bulk parameter update payload for a market.
type MarketParams struct {
	FeeBps              uint16 `json:"fee_bps"`
	ProtocolFeeBps      uint16 `json:"protocol_fee_bps"`
	ReferralFeeBps      uint16 `json:"referral_fee_bps"`
	KeeperFeeBps        uint16 `json:"keeper_fee_bps"`
	MaxNotionalPerBatch uint64 `json:"max_notional_per_batch"`
	MaxNotionalPerUser  uint64 `json:"max_notional_per_user"`
	MaxOrdersGlobal     uint32 `json:"max_orders_global"`
	MaxPriceMoveBps     uint16 `json:"max_price_move_bps"`
	MinBaseOrder        uint64 `json:"min_base_order"`
	MinQuoteOrder       uint64 `json:"min_quote_order"`
}
