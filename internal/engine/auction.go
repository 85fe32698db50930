package engine

import (
	"math"
	"sort"

	"batch-exchange/internal/fixed"
	"batch-exchange/internal/model"
)

// batchOrder is the in-memory working copy of one eligible order during a
// clearing pass.
type batchOrder struct {
	id            uint64
	side          model.Side
	limitPrice    uint64
	originalBase  uint64
	remainingBase uint64
	quoteDeposit  uint64
}

// discoverClearingPrice scans the distinct limit prices of the eligible set
// in first-encounter order and returns the candidate maximizing
// min(bid volume, ask volume). Ties keep the earliest-encountered candidate.
// A zero traded volume means no price crosses.
func discoverClearingPrice(orders []*batchOrder) (price uint64, traded uint64, err error) {
	var candidates []uint64
	for _, o := range orders {
		if !containsPrice(candidates, o.limitPrice) {
			candidates = append(candidates, o.limitPrice)
		}
	}

	for _, p := range candidates {
		var bidVol, askVol uint64
		for _, o := range orders {
			switch o.side {
			case model.SideBid:
				if o.limitPrice >= p {
					if bidVol, err = fixed.Add(bidVol, o.originalBase); err != nil {
						return 0, 0, err
					}
				}
			case model.SideAsk:
				if o.limitPrice <= p {
					if askVol, err = fixed.Add(askVol, o.originalBase); err != nil {
						return 0, 0, err
					}
				}
			}
		}
		t := min(bidVol, askVol)
		if t > traded {
			traded = t
			price = p
		}
	}
	return price, traded, nil
}

// matchAtPrice walks sorted bid/ask cursors at the chosen clearing price and
// computes the total matched base and quote volume. Order remainders are
// mutated in place. Totals can come in under the naive crossed volume:
// partial fills, the bid affordability cap and the sub-dust stop all shrink
// the matched set.
func matchAtPrice(orders []*batchOrder, clearingPrice uint64) (totalBase, totalQuote uint64, err error) {
	var bids, asks []*batchOrder
	for _, o := range orders {
		switch o.side {
		case model.SideBid:
			bids = append(bids, o)
		case model.SideAsk:
			asks = append(asks, o)
		}
	}
	// Stable keeps equal-price orders in eligibility-filter encounter order.
	sort.SliceStable(bids, func(i, j int) bool { return bids[i].limitPrice > bids[j].limitPrice })
	sort.SliceStable(asks, func(i, j int) bool { return asks[i].limitPrice < asks[j].limitPrice })

	bi, ai := 0, 0
	for bi < len(bids) && ai < len(asks) {
		bid, ask := bids[bi], asks[ai]
		if bid.limitPrice < clearingPrice || ask.limitPrice > clearingPrice {
			break
		}
		if bid.remainingBase == 0 {
			bi++
			continue
		}
		if ask.remainingBase == 0 {
			ai++
			continue
		}

		tradeBase := min(bid.remainingBase, ask.remainingBase)

		// The bid's deposit was sized at its own limit price; cap the
		// trade by what that deposit affords at the clearing price. A
		// quotient past 64 bits can never bind, so treat it as unlimited.
		affordable, aerr := fixed.MulDiv(bid.quoteDeposit, fixed.PriceScale, clearingPrice)
		if aerr != nil {
			affordable = math.MaxUint64
		}
		tradeBase = min(tradeBase, affordable)
		if tradeBase == 0 {
			bi++
			continue
		}

		grossQuote, gerr := fixed.MulDiv(tradeBase, clearingPrice, fixed.PriceScale)
		if gerr != nil {
			return 0, 0, gerr
		}
		if grossQuote == 0 {
			// Sub-dust trade; everything further at this price is too.
			break
		}

		bid.remainingBase -= tradeBase
		ask.remainingBase -= tradeBase

		if totalBase, err = fixed.Add(totalBase, tradeBase); err != nil {
			return 0, 0, err
		}
		if totalQuote, err = fixed.Add(totalQuote, grossQuote); err != nil {
			return 0, 0, err
		}

		if bid.remainingBase == 0 {
			bi++
		}
		if ask.remainingBase == 0 {
			ai++
		}
	}
	return totalBase, totalQuote, nil
}

func containsPrice(ps []uint64, p uint64) bool {
	for _, q := range ps {
		if q == p {
			return true
		}
	}
	return false
}

func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}
