package mpc

import "testing"

func TestMulDivTruncating(t *testing.T) {
	cases := []struct {
		name    string
		a, b, d uint64
		want    uint64
		wantErr bool
	}{
		{"simple", 10, 20, 4, 50, false},
		{"truncates", 7, 3, 2, 10, false},
		{"zero divisor is not an error", 5, 5, 0, 0, false},
		{"large values stay within bounds", 1 << 40, 1 << 40, 1 << 40, 1 << 40, false},
		{"overflowing quotient errors", 1 << 63, 1 << 63, 1, 0, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := mulDivTruncating(tc.a, tc.b, tc.d)
			if tc.wantErr {
				if err == nil {
					t.Fatalf("expected an error for a=%d b=%d d=%d", tc.a, tc.b, tc.d)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if got != tc.want {
				t.Fatalf("mulDivTruncating(%d,%d,%d) = %d, want %d", tc.a, tc.b, tc.d, got, tc.want)
			}
		})
	}
}

func TestPayoutFormulaMatchesScenario(t *testing.T) {
	// Same-pair scenario at pool level: 8,000,000 of B enters the pair,
	// final_pool_a = 7,920,000 (99% fill after the 1% simulated swap spread),
	// final_pool_b = 0. A single B-to-A seller of the full 8,000,000 should
	// receive the whole final_pool_a.
	got, err := mulDivTruncating(8_000_000, 7_920_000, 8_000_000)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != 7_920_000 {
		t.Fatalf("expected payout 7920000, got %d", got)
	}
}
