package lmsr

import (
	"errors"
	"math"
	"testing"

	"github.com/google/uuid"

	"github.com/atmx/outcome-exchange/internal/model"
)

// snap builds a snapshot with fresh outcome IDs for the given share vector.
func snap(b int64, shares ...int64) (Snapshot, []uuid.UUID) {
	outcomes := make([]model.Outcome, len(shares))
	ids := make([]uuid.UUID, len(shares))
	for i, q := range shares {
		ids[i] = uuid.New()
		outcomes[i] = model.Outcome{ID: ids[i], Position: i, OutstandingShares: q}
	}
	return NewSnapshot(b, outcomes), ids
}

// --- Constructor tests ---

func TestNewMarketMaker_Valid(t *testing.T) {
	mm, err := NewMarketMaker(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mm.B() != 100 {
		t.Errorf("expected b=100, got %d", mm.B())
	}
}

func TestNewMarketMaker_BelowOne(t *testing.T) {
	for _, b := range []int64{0, -50} {
		_, err := NewMarketMaker(b)
		if !errors.Is(err, ErrInvalidLiquidity) {
			t.Errorf("expected ErrInvalidLiquidity for b=%d, got %v", b, err)
		}
		if !errors.Is(err, model.ErrInvalidState) {
			t.Errorf("b=%d should be an InvalidState error, got %v", b, err)
		}
	}
}

// --- Spot price tests ---

func TestSpotPrice_InitiallyFiftyFifty(t *testing.T) {
	s, ids := snap(100, 0, 0)
	for _, id := range ids {
		p, err := s.SpotPriceCents(id)
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if p != 50 {
			t.Errorf("expected initial price 50, got %d", p)
		}
	}
}

func TestSpotPrice_SumsToHundred(t *testing.T) {
	tests := [][]int64{
		{0, 0},
		{10, 0},
		{0, 10},
		{30, 10},
		{100, 200},
		{500, 100},
		{0, 0, 0},
		{7, 130, 45},
		{1000, 0, 3},
		{5, 5, 5, 5, 5, 5, 5},
		{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10},
	}
	for _, shares := range tests {
		s, _ := snap(100, shares...)
		prices, err := s.SpotPrices()
		if err != nil {
			t.Fatalf("unexpected error for %v: %v", shares, err)
		}
		var sum int64
		for _, p := range prices {
			sum += p
		}
		if sum != 100 {
			t.Errorf("prices should sum to 100: q=%v sum=%d", shares, sum)
		}
	}
}

func TestSpotPrice_EvenBoardSumsToHundred(t *testing.T) {
	for n := 2; n <= 40; n++ {
		s, ids := snap(100, make([]int64, n)...)
		prices, err := s.SpotPrices()
		if err != nil {
			t.Fatalf("n=%d: unexpected error: %v", n, err)
		}
		var sum int64
		for _, id := range ids {
			p := prices[id]
			exact := 100 / float64(n)
			if math.Abs(float64(p)-exact) >= 1 {
				t.Errorf("n=%d: price %d is a cent or more from %.3f", n, p, exact)
			}
			sum += p
		}
		if sum != 100 {
			t.Errorf("n=%d: prices sum to %d", n, sum)
		}
	}
}

func TestBoardCents_WithinOneCent(t *testing.T) {
	mm, _ := NewMarketMaker(37)
	q := []int64{3, 91, 0, 44, 12, 250, 7, 7}
	board := mm.BoardCents(q)
	for i, c := range board {
		exact := mm.Price(q, i) * 100
		if math.Abs(float64(c)-exact) >= 1 {
			t.Errorf("outcome %d: %d cents is a cent or more from %.4f", i, c, exact)
		}
		if got := mm.PriceCents(q, i); got != c {
			t.Errorf("outcome %d: PriceCents %d disagrees with board %d", i, got, c)
		}
	}
}

func TestSpotPrice_Monotonic(t *testing.T) {
	mm, _ := NewMarketMaker(50)
	prev := -1.0
	for q := int64(0); q <= 500; q += 5 {
		p := mm.Price([]int64{q, 40, 10}, 0)
		if p < prev {
			t.Fatalf("price decreased when q rose to %d: %f < %f", q, p, prev)
		}
		prev = p
	}

	prevCents := int64(-1)
	for q := int64(0); q <= 500; q += 5 {
		c := mm.PriceCents([]int64{q, 40}, 0)
		if c < prevCents {
			t.Fatalf("binary price decreased when q rose to %d: %d < %d", q, c, prevCents)
		}
		prevCents = c
	}
}

func TestSpotPrice_ExtremeQuantities_NoOverflow(t *testing.T) {
	tests := []struct {
		name   string
		b      int64
		shares []int64
	}{
		{"very large first", 1, []int64{1_000_000_000, 0}},
		{"very large second", 1, []int64{0, 1_000_000_000}},
		{"both large equal", 10, []int64{1 << 40, 1 << 40}},
		{"large asymmetric", 100, []int64{100000, 50000}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, ids := snap(tt.b, tt.shares...)
			for _, id := range ids {
				p, err := s.SpotPriceCents(id)
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				if p < 0 || p > 100 {
					t.Errorf("price out of [0,100]: %d", p)
				}
			}
		})
	}
}

func TestSpotPrice_Errors(t *testing.T) {
	s, _ := snap(100, 0, 0)
	if _, err := s.SpotPriceCents(uuid.New()); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("expected NotFound for unknown outcome, got %v", err)
	}

	single, ids := snap(100, 0)
	if _, err := single.SpotPriceCents(ids[0]); !errors.Is(err, ErrTooFewOutcomes) {
		t.Errorf("expected ErrTooFewOutcomes, got %v", err)
	}

	neg, ids := snap(100, -1, 0)
	if _, err := neg.SpotPriceCents(ids[1]); !errors.Is(err, ErrNegativeShares) {
		t.Errorf("expected ErrNegativeShares, got %v", err)
	}

	zeroB, ids := snap(0, 0, 0)
	if _, err := zeroB.SpotPriceCents(ids[0]); !errors.Is(err, model.ErrInvalidState) {
		t.Errorf("expected InvalidState for b=0, got %v", err)
	}
}

// --- Quote tests ---

func TestQuoteBuyCost_ConcreteScenario(t *testing.T) {
	s, ids := snap(100, 0, 0)
	a, b := ids[0], ids[1]

	cost, err := s.QuoteBuyCost(a, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 100 * ln((e^0.1 + 1) / 2) share units, in cents.
	expected := int64(math.Round(100 * math.Log((math.Exp(0.1)+1)/2) * 100))
	if cost != expected {
		t.Errorf("expected cost %d, got %d", expected, cost)
	}
	if cost != 512 {
		t.Errorf("expected 512 cents, got %d", cost)
	}

	after, err := s.WithDelta(a, 10)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pa, _ := after.SpotPriceCents(a)
	pb, _ := after.SpotPriceCents(b)
	if !(pa > 50 && 50 > pb) {
		t.Errorf("expected pA > 50 > pB, got pA=%d pB=%d", pa, pb)
	}

	// The original snapshot is untouched by WithDelta.
	if q, _ := s.Shares(a); q != 0 {
		t.Errorf("snapshot mutated: q=%d", q)
	}
}

func TestQuoteBuyCost_DoesNotMutate(t *testing.T) {
	s, ids := snap(100, 20, 5)
	first, _ := s.QuoteBuyCost(ids[0], 30)
	second, _ := s.QuoteBuyCost(ids[0], 30)
	if first != second {
		t.Errorf("repeated quotes differ: %d vs %d", first, second)
	}
	if q, _ := s.Shares(ids[0]); q != 20 {
		t.Errorf("quote mutated shares: %d", q)
	}
}

func TestQuoteBuyCost_Convexity(t *testing.T) {
	mm, _ := NewMarketMaker(100)
	// Second 50 shares should cost more than the first 50 (convex cost).
	cost1 := mm.BuyCostCents([]int64{0, 0}, 0, 50)
	cost2 := mm.BuyCostCents([]int64{50, 0}, 0, 50)
	if cost2 <= cost1 {
		t.Errorf("second batch should cost more (convexity): first=%d second=%d", cost1, cost2)
	}
}

func TestQuoteBuyCost_LargeOrderWorseAveragePrice(t *testing.T) {
	s, ids := snap(100, 0, 0)
	small, _ := s.QuoteBuyCost(ids[0], 1)
	large, _ := s.QuoteBuyCost(ids[0], 200)
	if FillPriceCents(large, 200) <= FillPriceCents(small, 1) {
		t.Errorf("large order should fill at a worse average: small=%d large=%d",
			FillPriceCents(small, 1), FillPriceCents(large, 200))
	}
}

func TestQuoteBuyCost_InvalidQuantity(t *testing.T) {
	s, ids := snap(100, 0, 0)
	for _, qty := range []int64{0, -3} {
		if _, err := s.QuoteBuyCost(ids[0], qty); !errors.Is(err, model.ErrInvalidArgument) {
			t.Errorf("qty=%d: expected InvalidArgument, got %v", qty, err)
		}
	}
}

func TestQuoteSellPayout_Oversell(t *testing.T) {
	s, ids := snap(100, 5, 0)
	if _, err := s.QuoteSellPayout(ids[0], 6); !errors.Is(err, ErrOversell) {
		t.Errorf("expected ErrOversell, got %v", err)
	}
	if _, err := s.QuoteSellPayout(ids[0], 5); err != nil {
		t.Errorf("selling all outstanding should be allowed, got %v", err)
	}
}

func TestQuote_BuyThenSellSpreadNonNegative(t *testing.T) {
	for _, start := range [][]int64{{0, 0}, {40, 10}, {3, 90, 12}} {
		s, ids := snap(100, start...)
		for _, n := range []int64{1, 7, 25, 120} {
			cost, err := s.QuoteBuyCost(ids[0], n)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			after, _ := s.WithDelta(ids[0], n)
			payout, err := after.QuoteSellPayout(ids[0], n)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if payout > cost {
				t.Errorf("q=%v n=%d: payout %d exceeds cost %d", start, n, payout, cost)
			}
		}
	}
}

func TestCost_PathIndependence(t *testing.T) {
	mm, _ := NewMarketMaker(100)

	// Buy 10, then 5 more, costs the same as 15 at once (before cent rounding).
	sequential := (mm.Cost([]int64{10, 0}) - mm.Cost([]int64{0, 0})) +
		(mm.Cost([]int64{15, 0}) - mm.Cost([]int64{10, 0}))
	direct := mm.Cost([]int64{15, 0}) - mm.Cost([]int64{0, 0})

	if math.Abs(sequential-direct) > 1e-9 {
		t.Errorf("LMSR should be path-independent: sequential=%f direct=%f", sequential, direct)
	}
}

// --- Bounded loss test ---

func TestMaxLoss_Bounded(t *testing.T) {
	mm, _ := NewMarketMaker(100)
	maxLoss := mm.MaxLoss(2)
	if maxLoss != 6931 {
		t.Errorf("expected b*ln(2) = 6931 cents, got %d", maxLoss)
	}

	// Traders push one outcome to 10000 shares and it wins.
	paid := mm.BuyCostCents([]int64{0, 0}, 0, 10000)
	mmLoss := 10000*CentsPerShare - paid
	if mmLoss > maxLoss {
		t.Errorf("market maker loss %d exceeds theoretical bound %d", mmLoss, maxLoss)
	}
}

// --- Fill price tests ---

func TestFillPriceCents(t *testing.T) {
	tests := []struct {
		total, qty, want int64
	}{
		{512, 10, 51},
		{1050, 20, 53}, // half rounds up
		{0, 5, 0},
		{100, 0, 0},
	}
	for _, tt := range tests {
		if got := FillPriceCents(tt.total, tt.qty); got != tt.want {
			t.Errorf("FillPriceCents(%d, %d) = %d, want %d", tt.total, tt.qty, got, tt.want)
		}
	}
}

// --- Internal logSumExp tests ---

func TestLogSumExp_NoOverflow(t *testing.T) {
	// Values that would overflow naive exp().
	result := logSumExp([]float64{1000, 1001})
	if math.IsNaN(result) || math.IsInf(result, 1) {
		t.Errorf("logSumExp should not overflow: got %f", result)
	}
	if result < 1000 || result > 1002 {
		t.Errorf("logSumExp(1000,1001) should be in [1000,1002], got %f", result)
	}
}

func TestLogSumExp_Empty(t *testing.T) {
	result := logSumExp(nil)
	if !math.IsInf(result, -1) {
		t.Errorf("expected -Inf for empty input, got %f", result)
	}
}

func TestLogSumExp_EqualValues(t *testing.T) {
	// ln(n * exp(x)) = x + ln(n)
	result := logSumExp([]float64{3, 3, 3})
	expected := 3.0 + math.Log(3)
	if math.Abs(result-expected) > 1e-10 {
		t.Errorf("logSumExp([3,3,3]) should be %f, got %f", expected, result)
	}
}
