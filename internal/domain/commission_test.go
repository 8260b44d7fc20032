package domain

import "testing"

func TestSplitCommission(t *testing.T) {
	tests := []struct {
		name       string
		gross      int64
		commission int64
		earning    int64
	}{
		{"exact tenth", 100_00, 10_00, 90_00},
		{"rounds half up", 5, 1, 4},
		{"small amount", 1, 0, 1},
		{"rounds down below half", 4, 0, 4},
		{"zero", 0, 0, 0},
		{"large amount", 1_234_567_89, 123_456_79, 1_111_111_10},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commission, earning := SplitCommission(tt.gross)
			if commission != tt.commission {
				t.Errorf("expected commission %d, got %d", tt.commission, commission)
			}
			if earning != tt.earning {
				t.Errorf("expected earning %d, got %d", tt.earning, earning)
			}
			if commission+earning != tt.gross {
				t.Errorf("split does not sum to gross: %d + %d != %d", commission, earning, tt.gross)
			}
		})
	}
}

func TestSplitCommissionNegative(t *testing.T) {
	commission, earning := SplitCommission(-500)
	if commission != 0 {
		t.Errorf("expected zero commission on negative gross, got %d", commission)
	}
	if earning != -500 {
		t.Errorf("expected earning to pass through, got %d", earning)
	}
}

func TestOrderItemComputeEarnings(t *testing.T) {
	item := OrderItem{UnitPrice: 2_500_00, Quantity: 3}
	item.ComputeEarnings()

	if item.GrossAmount != 7_500_00 {
		t.Errorf("expected gross 750000, got %d", item.GrossAmount)
	}
	if item.PlatformCommission != 750_00 {
		t.Errorf("expected commission 75000, got %d", item.PlatformCommission)
	}
	if item.SellerEarning != 6_750_00 {
		t.Errorf("expected earning 675000, got %d", item.SellerEarning)
	}
}

func TestOrderTotal(t *testing.T) {
	if got := OrderTotal(1000, 160, 200, 100); got != 1260 {
		t.Errorf("expected 1260, got %d", got)
	}

	// Oversized discount clamps at zero instead of going negative.
	if got := OrderTotal(1000, 0, 0, 5000); got != 0 {
		t.Errorf("expected 0, got %d", got)
	}
}
