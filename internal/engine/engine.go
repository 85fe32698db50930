package engine

import (
	"context"
	"time"

	"go.uber.org/zap"

	"batch-exchange/internal/fixed"
	"batch-exchange/internal/model"
)

// MarketEngine runs the batch auction for a single market. All operations
// are commands executed one at a time on the engine goroutine, so every
// admission, cancellation, clearing pass and settlement is an indivisible
// unit against the market's shared state. Effects are staged, committed
// through the ledger transaction, and only then applied in memory.
type MarketEngine struct {
	mkt     *model.Market
	orders  map[uint64]*model.Order
	stats   map[statsKey]*model.UserBatchStats
	batches map[uint64]*model.BatchState
	fills   map[uint64]*model.OrderFill

	cmdCh   chan command
	ledger  Ledger
	clock   Clock
	publish PublishFunc
	log     *zap.SugaredLogger
}

type statsKey struct {
	userID  string
	batchID uint64
}

func New(mkt *model.Market, ledger Ledger, clock Clock, pub PublishFunc, log *zap.SugaredLogger) *MarketEngine {
	return &MarketEngine{
		mkt:     mkt,
		orders:  make(map[uint64]*model.Order),
		stats:   make(map[statsKey]*model.UserBatchStats),
		batches: make(map[uint64]*model.BatchState),
		fills:   make(map[uint64]*model.OrderFill),
		cmdCh:   make(chan command, 64),
		ledger:  ledger,
		clock:   clock,
		publish: pub,
		log:     log,
	}
}

// Restore loads persisted state into the engine before Run starts: live
// orders awaiting clearing or settlement, the batch snapshots they reference,
// and the current batch's admission accumulators.
func (e *MarketEngine) Restore(orders []model.Order, batches []model.BatchState, stats []model.UserBatchStats) {
	for i := range orders {
		o := orders[i]
		e.orders[o.ID] = &o
	}
	for i := range batches {
		b := batches[i]
		e.batches[b.BatchID] = &b
	}
	for i := range stats {
		s := stats[i]
		e.stats[statsKey{s.UserID, s.BatchID}] = &s
	}
}

func (e *MarketEngine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case cmd := <-e.cmdCh:
			cmd.exec(e)
		}
	}
}

// ── Commands ─────────────────────────────────────────

type command interface{ exec(e *MarketEngine) }

type placeCmd struct {
	ctx    context.Context
	userID string
	req    model.PlaceOrderReq
	ch     chan<- placeRes
}
type placeRes struct {
	order *model.Order
	err   error
}

type cancelCmd struct {
	ctx     context.Context
	orderID uint64
	userID  string
	ch      chan<- error
}

type clearCmd struct {
	ctx       context.Context
	authority string
	orderIDs  []uint64
	ch        chan<- clearRes
}
type clearRes struct {
	batch *model.BatchState
	err   error
}

type settleCmd struct {
	ctx     context.Context
	userID  string
	orderID uint64
	ch      chan<- settleRes
}
type settleRes struct {
	fill *model.OrderFill
	err  error
}

type pauseCmd struct {
	ctx       context.Context
	authority string
	paused    bool
	reason    uint8
	ch        chan<- error
}

type paramsCmd struct {
	ctx       context.Context
	authority string
	params    model.MarketParams
	ch        chan<- error
}

type viewCmd struct {
	ch chan<- model.Market
}

func (c placeCmd) exec(e *MarketEngine) {
	o, err := e.placeOrder(c.ctx, c.userID, c.req)
	c.ch <- placeRes{order: o, err: err}
}
func (c cancelCmd) exec(e *MarketEngine) { c.ch <- e.cancelOrder(c.ctx, c.orderID, c.userID) }
func (c clearCmd) exec(e *MarketEngine) {
	b, err := e.clearBatch(c.ctx, c.authority, c.orderIDs)
	c.ch <- clearRes{batch: b, err: err}
}
func (c settleCmd) exec(e *MarketEngine) {
	f, err := e.settleOrder(c.ctx, c.userID, c.orderID)
	c.ch <- settleRes{fill: f, err: err}
}
func (c pauseCmd) exec(e *MarketEngine) {
	c.ch <- e.setPaused(c.ctx, c.authority, c.paused, c.reason)
}
func (c paramsCmd) exec(e *MarketEngine) { c.ch <- e.setParams(c.ctx, c.authority, c.params) }
func (c viewCmd) exec(e *MarketEngine)   { c.ch <- *e.mkt }

// PlaceOrder admits an order into the current batch and takes its deposit.
func (e *MarketEngine) PlaceOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (*model.Order, error) {
	ch := make(chan placeRes, 1)
	e.cmdCh <- placeCmd{ctx: ctx, userID: userID, req: req, ch: ch}
	res := <-ch
	return res.order, res.err
}

// CancelOrder refunds and terminates an open order before its window closes.
func (e *MarketEngine) CancelOrder(ctx context.Context, orderID uint64, userID string) error {
	ch := make(chan error, 1)
	e.cmdCh <- cancelCmd{ctx: ctx, orderID: orderID, userID: userID, ch: ch}
	return <-ch
}

// ClearBatch discovers the uniform clearing price over the caller-supplied
// membership, runs the matching pass and rolls the batch.
func (e *MarketEngine) ClearBatch(ctx context.Context, authority string, orderIDs []uint64) (*model.BatchState, error) {
	ch := make(chan clearRes, 1)
	e.cmdCh <- clearCmd{ctx: ctx, authority: authority, orderIDs: orderIDs, ch: ch}
	res := <-ch
	return res.batch, res.err
}

// SettleOrder converts one order's clearing outcome into payouts exactly once.
func (e *MarketEngine) SettleOrder(ctx context.Context, userID string, orderID uint64) (*model.OrderFill, error) {
	ch := make(chan settleRes, 1)
	e.cmdCh <- settleCmd{ctx: ctx, userID: userID, orderID: orderID, ch: ch}
	res := <-ch
	return res.fill, res.err
}

func (e *MarketEngine) SetPaused(ctx context.Context, authority string, paused bool, reason uint8) error {
	ch := make(chan error, 1)
	e.cmdCh <- pauseCmd{ctx: ctx, authority: authority, paused: paused, reason: reason, ch: ch}
	return <-ch
}

func (e *MarketEngine) SetParams(ctx context.Context, authority string, p model.MarketParams) error {
	ch := make(chan error, 1)
	e.cmdCh <- paramsCmd{ctx: ctx, authority: authority, params: p, ch: ch}
	return <-ch
}

// Snapshot returns a copy of the market's configuration and accumulators.
func (e *MarketEngine) Snapshot() model.Market {
	ch := make(chan model.Market, 1)
	e.cmdCh <- viewCmd{ch: ch}
	return <-ch
}

// ── Admission (risk gate) ────────────────────────────

func (e *MarketEngine) placeOrder(ctx context.Context, userID string, req model.PlaceOrderReq) (*model.Order, error) {
	m := e.mkt
	if m.Paused {
		return nil, ErrMarketPaused
	}
	if !req.Side.Valid() {
		return nil, ErrInvalidSide
	}
	if req.LimitPrice == 0 {
		return nil, ErrInvalidPrice
	}
	if req.AmountBase == 0 {
		return nil, ErrInvalidAmount
	}

	notional, err := fixed.Notional(req.AmountBase, req.LimitPrice)
	if err != nil {
		return nil, err
	}

	// Dust floors: quote terms for bids, base terms for asks.
	switch req.Side {
	case model.SideBid:
		if notional < m.MinQuoteOrder {
			return nil, ErrDustOrder
		}
	case model.SideAsk:
		if req.AmountBase < m.MinBaseOrder {
			return nil, ErrDustOrder
		}
	}

	key := statsKey{userID, m.CurrentBatchID}
	st := e.stats[key]
	if st == nil {
		st = &model.UserBatchStats{MarketID: m.ID, UserID: userID, BatchID: m.CurrentBatchID}
	} else if st.BatchID != m.CurrentBatchID {
		return nil, ErrStaleUserBatch
	}

	// Caps, in fixed order: the first violated check is the failure.
	newUserNotional, err := fixed.Add(st.Notional, notional)
	if err != nil {
		return nil, err
	}
	if newUserNotional > m.MaxNotionalPerUser {
		return nil, ErrUserNotionalCap
	}
	if st.OrderCount >= m.MaxOrdersPerUser {
		return nil, ErrUserOrderCap
	}
	newBatchNotional, err := fixed.Add(m.BatchNotional, notional)
	if err != nil {
		return nil, err
	}
	if newBatchNotional > m.MaxNotionalPerBatch {
		return nil, ErrBatchNotionalCap
	}
	if m.OrdersInBatch >= m.MaxOrdersGlobal {
		return nil, ErrGlobalOrderCap
	}

	order := &model.Order{
		ID:         m.NextOrderID,
		MarketID:   m.ID,
		UserID:     userID,
		Side:       req.Side,
		LimitPrice: req.LimitPrice,
		AmountBase: req.AmountBase,
		BatchID:    m.CurrentBatchID,
		CreatedAt:  time.Now().UTC(),
	}

	var depositAsset string
	var depositAmount uint64
	switch req.Side {
	case model.SideBid:
		// Deposit the full quote needed at the bid's own limit price.
		if notional == 0 {
			return nil, ErrInvalidAmount
		}
		order.QuoteDeposit = notional
		depositAsset, depositAmount = m.QuoteAsset, notional
	case model.SideAsk:
		depositAsset, depositAmount = m.BaseAsset, req.AmountBase
	}

	nextID, err := fixed.Add(m.NextOrderID, 1)
	if err != nil {
		return nil, err
	}
	mkt := *m
	mkt.NextOrderID = nextID
	mkt.BatchNotional = newBatchNotional
	mkt.OrdersInBatch++
	stNew := *st
	stNew.Notional = newUserNotional
	stNew.OrderCount++

	err = e.ledger.WithinTx(ctx, func(tx Tx) error {
		if err := tx.TransferIn(userID, depositAsset, depositAmount); err != nil {
			return err
		}
		if err := tx.PutOrder(order); err != nil {
			return err
		}
		if err := tx.PutUserStats(&stNew); err != nil {
			return err
		}
		if err := tx.PutMarket(&mkt); err != nil {
			return err
		}
		return tx.AppendEvent("OrderPlaced", map[string]any{
			"order_id": order.ID, "user_id": userID, "side": order.Side,
			"limit_price": order.LimitPrice, "amount_base": order.AmountBase,
			"batch_id": order.BatchID,
		})
	})
	if err != nil {
		return nil, err
	}

	*m = mkt
	e.stats[key] = &stNew
	e.orders[order.ID] = order

	if e.publish != nil {
		e.publish(m.ID, "order_placed", order)
	}
	e.log.Infow("order placed", "market", m.ID, "order", order.ID,
		"side", order.Side, "batch", order.BatchID)
	cp := *order
	return &cp, nil
}

// ── Cancellation ─────────────────────────────────────

func (e *MarketEngine) cancelOrder(ctx context.Context, orderID uint64, userID string) error {
	m := e.mkt
	if m.Paused {
		return ErrMarketPaused
	}
	o := e.orders[orderID]
	if o == nil {
		return ErrOrderNotFound
	}
	if o.UserID != userID {
		return ErrNotOwner
	}
	if o.Cancelled {
		return ErrOrderCancelled
	}
	if o.Filled {
		return ErrOrderSettled
	}
	// Once the window closes the refund path is settlement, not cancel.
	if e.clock.Tick() >= m.LastBatchTick+m.BatchDuration {
		return ErrBatchClosed
	}

	var refundAsset string
	var refundAmount uint64
	switch o.Side {
	case model.SideBid:
		refundAsset, refundAmount = m.QuoteAsset, o.QuoteDeposit
	case model.SideAsk:
		refundAsset, refundAmount = m.BaseAsset, o.AmountBase
	}

	oNew := *o
	oNew.Cancelled = true

	err := e.ledger.WithinTx(ctx, func(tx Tx) error {
		if refundAmount > 0 {
			if err := tx.TransferOut(userID, refundAsset, refundAmount); err != nil {
				return err
			}
		}
		if err := tx.PutOrder(&oNew); err != nil {
			return err
		}
		return tx.AppendEvent("OrderCancelled", map[string]any{
			"order_id": o.ID, "user_id": userID, "batch_id": o.BatchID, "side": o.Side,
		})
	})
	if err != nil {
		return err
	}

	*o = oNew
	if e.publish != nil {
		e.publish(m.ID, "order_cancelled", o)
	}
	e.log.Infow("order cancelled", "market", m.ID, "order", o.ID)
	return nil
}

// ── Clearing ─────────────────────────────────────────

func (e *MarketEngine) clearBatch(ctx context.Context, authority string, orderIDs []uint64) (*model.BatchState, error) {
	m := e.mkt
	now := e.clock.Tick()

	if m.Paused {
		return nil, ErrMarketPaused
	}
	if m.KeeperRestricted && m.Keeper != authority {
		return nil, ErrKeeperOnly
	}
	// The stricter of batch duration and inter-clear spacing governs.
	if now < m.LastBatchTick+m.BatchDuration || now < m.LastBatchTick+m.MinClearSpacing {
		return nil, ErrBatchNotReady
	}

	// Membership is caller-asserted; each entry is validated, ineligible
	// entries are silently skipped.
	seen := make(map[uint64]struct{}, len(orderIDs))
	var elig []*batchOrder
	for _, id := range orderIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		o := e.orders[id]
		if o == nil || o.BatchID != m.CurrentBatchID || o.AmountBase == 0 || !o.Open() {
			continue
		}
		elig = append(elig, &batchOrder{
			id:            o.ID,
			side:          o.Side,
			limitPrice:    o.LimitPrice,
			originalBase:  o.AmountBase,
			remainingBase: o.AmountBase,
			quoteDeposit:  o.QuoteDeposit,
		})
	}

	batch := &model.BatchState{
		MarketID:    m.ID,
		BatchID:     m.CurrentBatchID,
		CreatedTick: m.LastBatchTick,
		ClearedTick: now,
		Keeper:      authority,
		// A batch with nothing to settle is born settled; the matched
		// path below recomputes this from the totals.
		Settled: true,
	}

	if len(elig) == 0 {
		return e.rollBatch(ctx, batch, now, 0)
	}

	price, traded, err := discoverClearingPrice(elig)
	if err != nil {
		return nil, err
	}
	if traded == 0 || price == 0 {
		// No price where bids and asks cross.
		return e.rollBatch(ctx, batch, now, 0)
	}

	// Price band circuit breaker: on violation the whole clear fails and
	// the batch does not roll.
	if m.LastClearingPrice > 0 && m.MaxPriceMoveBps > 0 {
		high, low := price, m.LastClearingPrice
		if low > high {
			high, low = low, high
		}
		deltaBps, err := fixed.MulDiv(high-low, fixed.BpsDenom, m.LastClearingPrice)
		if err != nil {
			return nil, err
		}
		if deltaBps > uint64(m.MaxPriceMoveBps) {
			return nil, ErrPriceBand
		}
	}

	totalBase, totalQuote, err := matchAtPrice(elig, price)
	if err != nil {
		return nil, err
	}

	var keeperReward uint64
	if m.KeeperFeeBps > 0 {
		// Accounting only; payout is an external concern.
		if keeperReward, err = fixed.Bps(totalQuote, m.KeeperFeeBps); err != nil {
			return nil, err
		}
	}

	batch.ClearingPrice = price
	batch.TotalBase = totalBase
	batch.TotalQuote = totalQuote
	batch.RemainingBase = totalBase
	batch.RemainingQuote = totalQuote
	batch.Settled = totalBase == 0
	batch.KeeperReward = keeperReward

	return e.rollBatch(ctx, batch, now, price)
}

// rollBatch commits the batch snapshot, advances the batch id and resets the
// in-batch accumulators. A non-zero clearing price also becomes the new
// reference price for the band check.
func (e *MarketEngine) rollBatch(ctx context.Context, batch *model.BatchState, now, clearingPrice uint64) (*model.BatchState, error) {
	m := e.mkt

	nextBatch, err := fixed.Add(m.CurrentBatchID, 1)
	if err != nil {
		return nil, err
	}
	mkt := *m
	mkt.LastBatchTick = now
	mkt.CurrentBatchID = nextBatch
	mkt.BatchNotional = 0
	mkt.OrdersInBatch = 0
	if clearingPrice > 0 {
		mkt.LastClearingPrice = clearingPrice
	}

	err = e.ledger.WithinTx(ctx, func(tx Tx) error {
		if err := tx.PutBatch(batch); err != nil {
			return err
		}
		if err := tx.PutMarket(&mkt); err != nil {
			return err
		}
		return tx.AppendEvent("BatchCleared", map[string]any{
			"batch_id": batch.BatchID, "clearing_price": batch.ClearingPrice,
			"total_base": batch.TotalBase, "total_quote": batch.TotalQuote,
			"keeper": batch.Keeper,
		})
	})
	if err != nil {
		return nil, err
	}

	*m = mkt
	e.batches[batch.BatchID] = batch

	if e.publish != nil {
		e.publish(m.ID, "batch_cleared", batch)
	}
	e.log.Infow("batch cleared", "market", m.ID, "batch", batch.BatchID,
		"price", batch.ClearingPrice, "base", batch.TotalBase, "quote", batch.TotalQuote)
	cp := *batch
	return &cp, nil
}

// ── Settlement ───────────────────────────────────────

func (e *MarketEngine) settleOrder(ctx context.Context, userID string, orderID uint64) (*model.OrderFill, error) {
	m := e.mkt
	if m.Paused {
		return nil, ErrMarketPaused
	}
	o := e.orders[orderID]
	if o == nil {
		return nil, ErrOrderNotFound
	}
	if o.UserID != userID {
		return nil, ErrNotOwner
	}
	b := e.batches[o.BatchID]
	if b == nil {
		return nil, ErrBatchNotCleared
	}
	if b.MarketID != m.ID {
		return nil, ErrBatchMismatch
	}
	if o.Cancelled {
		return nil, ErrOrderCancelled
	}
	if o.Filled {
		return nil, ErrOrderSettled
	}

	// A zero clearing price means nothing crossed: every order in that
	// batch takes the pure-refund branch.
	crossed := false
	if b.ClearingPrice > 0 {
		switch o.Side {
		case model.SideBid:
			crossed = o.LimitPrice >= b.ClearingPrice
		case model.SideAsk:
			crossed = o.LimitPrice <= b.ClearingPrice
		}
	}

	fill := &model.OrderFill{OrderID: o.ID, MarketID: m.ID, BatchID: b.BatchID, Claimed: true}
	mkt := *m
	bNew := *b

	type payout struct {
		asset  string
		amount uint64
	}
	var payouts []payout

	if crossed {
		// All-or-nothing at the full original amount, constrained by the
		// batch's remaining settlement budget. First-come-first-served:
		// a late crossed order can find the budget gone.
		if o.AmountBase > b.RemainingBase {
			return nil, ErrBudgetExhausted
		}
		gross, err := fixed.MulDiv(o.AmountBase, b.ClearingPrice, fixed.PriceScale)
		if err != nil {
			return nil, err
		}

		switch o.Side {
		case model.SideBid:
			if gross > o.QuoteDeposit {
				return nil, fixed.ErrOverflow
			}
			fill.FilledBase = o.AmountBase
			fill.FilledQuote = gross
			fill.RefundQuote = o.QuoteDeposit - gross
			payouts = append(payouts, payout{m.BaseAsset, fill.FilledBase})
			if fill.RefundQuote > 0 {
				payouts = append(payouts, payout{m.QuoteAsset, fill.RefundQuote})
			}
		case model.SideAsk:
			fill.FilledBase = o.AmountBase
			fill.FilledQuote = gross
			payouts = append(payouts, payout{m.QuoteAsset, fill.FilledQuote})
		}

		if bNew.RemainingBase, err = fixed.Sub(b.RemainingBase, fill.FilledBase); err != nil {
			return nil, err
		}
		if bNew.RemainingQuote, err = fixed.Sub(b.RemainingQuote, fill.FilledQuote); err != nil {
			return nil, err
		}
		if bNew.RemainingBase == 0 {
			bNew.Settled = true
		}

		if m.ProtocolFeeBps > 0 {
			fee, err := fixed.Bps(fill.FilledQuote, m.ProtocolFeeBps)
			if err != nil {
				return nil, err
			}
			if mkt.FeesAccrued, err = fixed.Add(m.FeesAccrued, fee); err != nil {
				return nil, err
			}
		}
	} else {
		// Not crossed: full refund of the original deposit.
		switch o.Side {
		case model.SideBid:
			fill.RefundQuote = o.QuoteDeposit
			if fill.RefundQuote > 0 {
				payouts = append(payouts, payout{m.QuoteAsset, fill.RefundQuote})
			}
		case model.SideAsk:
			fill.RefundBase = o.AmountBase
			if fill.RefundBase > 0 {
				payouts = append(payouts, payout{m.BaseAsset, fill.RefundBase})
			}
		}
	}

	oNew := *o
	oNew.Filled = true

	err := e.ledger.WithinTx(ctx, func(tx Tx) error {
		for _, p := range payouts {
			if err := tx.TransferOut(userID, p.asset, p.amount); err != nil {
				return err
			}
		}
		if err := tx.PutFill(fill); err != nil {
			return err
		}
		if err := tx.PutOrder(&oNew); err != nil {
			return err
		}
		if err := tx.PutBatch(&bNew); err != nil {
			return err
		}
		if err := tx.PutMarket(&mkt); err != nil {
			return err
		}
		return tx.AppendEvent("OrderSettled", map[string]any{
			"order_id": o.ID, "user_id": userID, "batch_id": b.BatchID,
			"side": o.Side, "clearing_price": b.ClearingPrice,
			"filled_base": fill.FilledBase, "filled_quote": fill.FilledQuote,
			"refund_base": fill.RefundBase, "refund_quote": fill.RefundQuote,
		})
	})
	if err != nil {
		return nil, err
	}

	*o = oNew
	*b = bNew
	*m = mkt
	e.fills[o.ID] = fill

	if e.publish != nil {
		e.publish(m.ID, "order_settled", fill)
	}
	e.log.Infow("order settled", "market", m.ID, "order", o.ID,
		"filled_base", fill.FilledBase, "refund_quote", fill.RefundQuote,
		"refund_base", fill.RefundBase)
	cp := *fill
	return &cp, nil
}

// ── Lifecycle controller ─────────────────────────────

func (e *MarketEngine) setPaused(ctx context.Context, authority string, paused bool, reason uint8) error {
	m := e.mkt
	if m.Authority != authority {
		return ErrUnauthorized
	}

	mkt := *m
	mkt.Paused = paused
	mkt.PauseReason = reason

	err := e.ledger.WithinTx(ctx, func(tx Tx) error {
		if err := tx.PutMarket(&mkt); err != nil {
			return err
		}
		return tx.AppendEvent("PausedSet", map[string]any{
			"paused": paused, "reason": reason,
		})
	})
	if err != nil {
		return err
	}

	*m = mkt
	if e.publish != nil {
		e.publish(m.ID, "paused_set", map[string]any{"paused": paused, "reason": reason})
	}
	e.log.Infow("pause toggled", "market", m.ID, "paused", paused, "reason", reason)
	return nil
}

func (e *MarketEngine) setParams(ctx context.Context, authority string, p model.MarketParams) error {
	m := e.mkt
	if m.Authority != authority {
		return ErrUnauthorized
	}
	if uint64(p.FeeBps) > fixed.BpsDenom {
		return ErrInvalidFee
	}
	if p.ProtocolFeeBps > p.FeeBps || p.ReferralFeeBps > p.FeeBps {
		return ErrInvalidFee
	}

	mkt := *m
	mkt.FeeBps = p.FeeBps
	mkt.ProtocolFeeBps = p.ProtocolFeeBps
	mkt.ReferralFeeBps = p.ReferralFeeBps
	mkt.KeeperFeeBps = p.KeeperFeeBps
	mkt.MaxNotionalPerBatch = p.MaxNotionalPerBatch
	mkt.MaxNotionalPerUser = p.MaxNotionalPerUser
	mkt.MaxOrdersGlobal = p.MaxOrdersGlobal
	mkt.MaxPriceMoveBps = p.MaxPriceMoveBps
	mkt.MinBaseOrder = p.MinBaseOrder
	mkt.MinQuoteOrder = p.MinQuoteOrder

	err := e.ledger.WithinTx(ctx, func(tx Tx) error {
		if err := tx.PutMarket(&mkt); err != nil {
			return err
		}
		return tx.AppendEvent("ParamsUpdated", map[string]any{
			"fee_bps": p.FeeBps, "protocol_fee_bps": p.ProtocolFeeBps,
			"referral_fee_bps": p.ReferralFeeBps, "keeper_fee_bps": p.KeeperFeeBps,
			"max_notional_per_batch": p.MaxNotionalPerBatch,
			"max_notional_per_user":  p.MaxNotionalPerUser,
			"max_orders_global":      p.MaxOrdersGlobal,
			"max_price_move_bps":     p.MaxPriceMoveBps,
			"min_base_order":         p.MinBaseOrder,
			"min_quote_order":        p.MinQuoteOrder,
		})
	})
	if err != nil {
		return err
	}

	*m = mkt
	if e.publish != nil {
		e.publish(m.ID, "params_updated", p)
	}
	e.log.Infow("params updated", "market", m.ID)
	return nil
}
