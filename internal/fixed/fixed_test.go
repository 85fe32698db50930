package fixed

import (
	"math"
	"testing"
)

func TestMulDiv(t *testing.T) {
	tests := []struct {
		name    string
		a, b, d uint64
		want    uint64
		wantErr bool
	}{
		{"notional 10x100", 10 * PriceScale, 100 * PriceScale, PriceScale, 1000 * PriceScale, false},
		{"floors toward zero", 7, 3, 2, 10, false},
		{"zero operand", 0, math.MaxUint64, 5, 0, false},
		{"wide intermediate fits", math.MaxUint64, 1_000_000, 1_000_000, math.MaxUint64, false},
		{"quotient overflows", math.MaxUint64, 2, 1, 0, true},
		{"zero denominator", 1, 1, 0, 0, true},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := MulDiv(tc.a, tc.b, tc.d)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("MulDiv(%d,%d,%d) = %d, want overflow", tc.a, tc.b, tc.d, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("MulDiv(%d,%d,%d): %v", tc.a, tc.b, tc.d, err)
			}
			if got != tc.want {
				t.Fatalf("MulDiv(%d,%d,%d) = %d, want %d", tc.a, tc.b, tc.d, got, tc.want)
			}
		})
	}
}

func TestAdd(t *testing.T) {
	if got, err := Add(40, 2); err != nil || got != 42 {
		t.Fatalf("Add(40,2) = %d, %v", got, err)
	}
	if _, err := Add(math.MaxUint64, 1); err == nil {
		t.Fatal("expected overflow adding past MaxUint64")
	}
	if got, err := Add(math.MaxUint64, 0); err != nil || got != math.MaxUint64 {
		t.Fatalf("Add(max,0) = %d, %v", got, err)
	}
}

func TestSub(t *testing.T) {
	if got, err := Sub(42, 2); err != nil || got != 40 {
		t.Fatalf("Sub(42,2) = %d, %v", got, err)
	}
	if _, err := Sub(1, 2); err == nil {
		t.Fatal("expected underflow error")
	}
}

func TestNotional(t *testing.T) {
	// 10 base at price 100 -> 1000 quote, all scaled by 1e6.
	n, err := Notional(10*PriceScale, 100*PriceScale)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1000*PriceScale {
		t.Fatalf("notional = %d, want %d", n, 1000*PriceScale)
	}
}

func TestBps(t *testing.T) {
	got, err := Bps(10_000, 25) // 25 bps of 10000 = 25
	if err != nil || got != 25 {
		t.Fatalf("Bps = %d, %v", got, err)
	}
	got, err = Bps(3, 100) // floors to 0
	if err != nil || got != 0 {
		t.Fatalf("Bps floor = %d, %v", got, err)
	}
}
