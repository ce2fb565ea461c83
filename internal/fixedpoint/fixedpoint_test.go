package fixedpoint

import "testing"

func TestFromInt_RoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, -1, 2, -2, 59, 60, 63, -63, 1000, -1000, 131071, -131072} {
		if got := FromInt(n).Round(); got != n {
			t.Errorf("FromInt(%d).Round() = %d, want %d", n, got, n)
		}
		if got := FromInt(n).Trunc(); got != n {
			t.Errorf("FromInt(%d).Trunc() = %d, want %d", n, got, n)
		}
	}
}

func TestMulDiv(t *testing.T) {
	if got := FromInt(3).Mul(FromInt(2)); got != FromInt(6) {
		t.Fatalf("3*2 = %d, want %d", got, FromInt(6))
	}
	if got := FromInt(1).Div(FromInt(4)); got != F/4 {
		t.Fatalf("1/4 = %d, want %d", got, F/4)
	}
	if got := FromInt(1).Div(FromInt(4)).Round(); got != 0 {
		t.Fatalf("round(1/4) = %d, want 0", got)
	}
	if got := FromInt(7).MulInt(3); got != FromInt(21) {
		t.Fatalf("7*3 = %d, want %d", got, FromInt(21))
	}
	if got := FromInt(9).DivInt(2).Trunc(); got != 4 {
		t.Fatalf("trunc(9/2) = %d, want 4", got)
	}
}

func TestMul_NoOverflow(t *testing.T) {
	// 1000 * 1000 overflows int32 before rescaling without widening.
	if got := FromInt(1000).Mul(FromInt(100)); got != FromInt(100000) {
		t.Fatalf("1000*100 = %d, want %d", got, FromInt(100000))
	}
	if got := FromInt(100000).Div(FromInt(1000)); got != FromInt(100) {
		t.Fatalf("100000/1000 = %d, want %d", got, FromInt(100))
	}
}

func TestAddSub(t *testing.T) {
	x := FromInt(5)
	if got := x.AddInt(2); got != FromInt(7) {
		t.Errorf("5+2 = %d, want %d", got, FromInt(7))
	}
	if got := x.SubInt(7); got != FromInt(-2) {
		t.Errorf("5-7 = %d, want %d", got, FromInt(-2))
	}
	if got := x.Add(FromInt(1)).Sub(FromInt(3)); got != FromInt(3) {
		t.Errorf("5+1-3 = %d, want %d", got, FromInt(3))
	}
}

func TestRound(t *testing.T) {
	tests := []struct {
		name  string
		x     Value
		round int
		trunc int
	}{
		{"one and a half", FromInt(3).DivInt(2), 2, 1},
		{"minus one and a half", FromInt(-3).DivInt(2), -2, -1},
		{"two and a half", FromInt(5).DivInt(2), 3, 2},
		{"just below half", F/2 - 1, 0, 0},
		{"minus just below half", -(F/2 - 1), 0, 0},
		{"quarter", F / 4, 0, 0},
		{"three quarters", 3 * F / 4, 1, 0},
		{"minus three quarters", -3 * F / 4, -1, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.x.Round(); got != tt.round {
				t.Errorf("Round() = %d, want %d", got, tt.round)
			}
			if got := tt.x.Trunc(); got != tt.trunc {
				t.Errorf("Trunc() = %d, want %d", got, tt.trunc)
			}
		})
	}
}

func TestLoadAverageStep(t *testing.T) {
	// One second with a single runnable thread starting from zero.
	la := FromInt(59).DivInt(60).Mul(0).Add(FromInt(1).DivInt(60).MulInt(1))
	if got := la.Scaled(100); got != 2 {
		t.Fatalf("load_avg*100 = %d, want 2", got)
	}
}

func TestString(t *testing.T) {
	tests := []struct {
		x    Value
		want string
	}{
		{FromInt(0), "0.00"},
		{FromInt(2), "2.00"},
		{FromInt(3).DivInt(2), "1.50"},
		{FromInt(-3).DivInt(2), "-1.50"},
		{FromInt(1).DivInt(4), "0.25"},
	}
	for _, tt := range tests {
		if got := tt.x.String(); got != tt.want {
			t.Errorf("String(%d) = %q, want %q", tt.x, got, tt.want)
		}
	}
}
