package engine

import (
	"testing"

	"batch-exchange/internal/fixed"
	"batch-exchange/internal/model"
)

func bo(id uint64, side model.Side, price, base uint64) *batchOrder {
	o := &batchOrder{
		id:            id,
		side:          side,
		limitPrice:    price,
		originalBase:  base,
		remainingBase: base,
	}
	if side == model.SideBid {
		n, err := fixed.Notional(base, price)
		if err != nil {
			panic(err)
		}
		o.quoteDeposit = n
	}
	return o
}

const fp = fixed.PriceScale

func TestDiscoverClearingPrice(t *testing.T) {
	tests := []struct {
		name       string
		orders     []*batchOrder
		wantPrice  uint64
		wantTraded uint64
	}{
		{
			name: "single cross",
			orders: []*batchOrder{
				bo(1, model.SideBid, 100*fp, 10*fp),
				bo(2, model.SideAsk, 90*fp, 10*fp),
			},
			// Both candidates trade the same volume; the bid's price was
			// encountered first and wins the tie.
			wantPrice:  100 * fp,
			wantTraded: 10 * fp,
		},
		{
			name: "no cross",
			orders: []*batchOrder{
				bo(1, model.SideBid, 90*fp, 10*fp),
				bo(2, model.SideAsk, 100*fp, 10*fp),
			},
			wantPrice:  0,
			wantTraded: 0,
		},
		{
			name: "volume maximizing candidate wins",
			orders: []*batchOrder{
				bo(1, model.SideBid, 100*fp, 4*fp),
				bo(2, model.SideBid, 95*fp, 6*fp),
				bo(3, model.SideAsk, 95*fp, 10*fp),
				bo(4, model.SideAsk, 100*fp, 10*fp),
			},
			// At 100: bidVol=4, askVol=20, traded=4. At 95: bidVol=10,
			// askVol=10, traded=10.
			wantPrice:  95 * fp,
			wantTraded: 10 * fp,
		},
		{
			name: "tie keeps earliest encountered",
			orders: []*batchOrder{
				bo(1, model.SideAsk, 90*fp, 5*fp),
				bo(2, model.SideBid, 110*fp, 5*fp),
				bo(3, model.SideBid, 100*fp, 5*fp),
			},
			// Candidates in order 90, 110, 100 all trade 5: ask volume is
			// the binding side everywhere. 90 is kept.
			wantPrice:  90 * fp,
			wantTraded: 5 * fp,
		},
		{
			name:       "empty set",
			orders:     nil,
			wantPrice:  0,
			wantTraded: 0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			price, traded, err := discoverClearingPrice(tt.orders)
			if err != nil {
				t.Fatalf("discoverClearingPrice: %v", err)
			}
			if price != tt.wantPrice || traded != tt.wantTraded {
				t.Fatalf("got price=%d traded=%d, want price=%d traded=%d",
					price, traded, tt.wantPrice, tt.wantTraded)
			}
		})
	}
}

func TestMatchAtPriceFullCross(t *testing.T) {
	orders := []*batchOrder{
		bo(1, model.SideBid, 100*fp, 10*fp),
		bo(2, model.SideAsk, 90*fp, 10*fp),
	}
	totalBase, totalQuote, err := matchAtPrice(orders, 100*fp)
	if err != nil {
		t.Fatalf("matchAtPrice: %v", err)
	}
	if totalBase != 10*fp {
		t.Fatalf("totalBase = %d, want %d", totalBase, uint64(10*fp))
	}
	wantQuote, _ := fixed.MulDiv(10*fp, 100*fp, fp)
	if totalQuote != wantQuote {
		t.Fatalf("totalQuote = %d, want %d", totalQuote, wantQuote)
	}
	if orders[0].remainingBase != 0 || orders[1].remainingBase != 0 {
		t.Fatalf("remainders not consumed: bid=%d ask=%d",
			orders[0].remainingBase, orders[1].remainingBase)
	}
}

func TestMatchAtPricePartialFill(t *testing.T) {
	orders := []*batchOrder{
		bo(1, model.SideBid, 100*fp, 4*fp),
		bo(2, model.SideAsk, 90*fp, 10*fp),
	}
	totalBase, _, err := matchAtPrice(orders, 100*fp)
	if err != nil {
		t.Fatalf("matchAtPrice: %v", err)
	}
	if totalBase != 4*fp {
		t.Fatalf("totalBase = %d, want %d", totalBase, uint64(4*fp))
	}
	if orders[1].remainingBase != 6*fp {
		t.Fatalf("ask remainder = %d, want %d", orders[1].remainingBase, uint64(6*fp))
	}
}

func TestMatchAtPriceExcludesNonCrossed(t *testing.T) {
	orders := []*batchOrder{
		bo(1, model.SideBid, 100*fp, 5*fp),
		bo(2, model.SideBid, 80*fp, 5*fp), // below clearing, must not match
		bo(3, model.SideAsk, 90*fp, 10*fp),
	}
	totalBase, _, err := matchAtPrice(orders, 95*fp)
	if err != nil {
		t.Fatalf("matchAtPrice: %v", err)
	}
	if totalBase != 5*fp {
		t.Fatalf("totalBase = %d, want %d", totalBase, uint64(5*fp))
	}
	if orders[1].remainingBase != 5*fp {
		t.Fatalf("non-crossed bid was matched")
	}
}

func TestMatchAtPriceSubDustStops(t *testing.T) {
	// 1 raw base unit at price 1 fp-unit grosses 1*1/1e6 = 0 quote.
	orders := []*batchOrder{
		{id: 1, side: model.SideBid, limitPrice: 1, originalBase: 1, remainingBase: 1, quoteDeposit: 1},
		{id: 2, side: model.SideAsk, limitPrice: 1, originalBase: 1, remainingBase: 1},
	}
	totalBase, totalQuote, err := matchAtPrice(orders, 1)
	if err != nil {
		t.Fatalf("matchAtPrice: %v", err)
	}
	if totalBase != 0 || totalQuote != 0 {
		t.Fatalf("sub-dust trade counted: base=%d quote=%d", totalBase, totalQuote)
	}
}
