package fixedpoint

import "testing"

func TestConversions(t *testing.T) {
	cases := []struct {
		n    int
		want Value
	}{
		{0, 0},
		{1, fractionScale},
		{-1, -fractionScale},
		{100, 100 * fractionScale},
	}
	for _, c := range cases {
		if got := FromInt(c.n); got != c.want {
			t.Errorf("FromInt(%d) = %d, want %d", c.n, got, c.want)
		}
	}
}

func TestRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, -1, 59, -59, 1000} {
		v := FromInt(n)
		if got := v.ToIntTruncate(); got != n {
			t.Errorf("ToIntTruncate(FromInt(%d)) = %d", n, got)
		}
		if got := v.ToIntRound(); got != n {
			t.Errorf("ToIntRound(FromInt(%d)) = %d", n, got)
		}
	}
}

func TestRoundingTiesAwayFromZero(t *testing.T) {
	half := Value(fractionScale / 2)
	if got := half.ToIntRound(); got != 1 {
		t.Errorf("0.5.ToIntRound() = %d, want 1", got)
	}
	if got := (-half).ToIntRound(); got != -1 {
		t.Errorf("(-0.5).ToIntRound() = %d, want -1", got)
	}
}

func TestArithmetic(t *testing.T) {
	a := FromInt(4)
	b := FromInt(2)
	if got := a.Add(b).ToIntTruncate(); got != 6 {
		t.Errorf("4+2 = %d, want 6", got)
	}
	if got := a.Sub(b).ToIntTruncate(); got != 2 {
		t.Errorf("4-2 = %d, want 2", got)
	}
	if got := a.Mul(b).ToIntTruncate(); got != 8 {
		t.Errorf("4*2 = %d, want 8", got)
	}
	if got := a.Div(b).ToIntTruncate(); got != 2 {
		t.Errorf("4/2 = %d, want 2", got)
	}
	if got := a.MulInt(3).ToIntTruncate(); got != 12 {
		t.Errorf("4*3 = %d, want 12", got)
	}
	if got := a.DivInt(2).ToIntTruncate(); got != 2 {
		t.Errorf("4/2(int) = %d, want 2", got)
	}
	if got := a.AddInt(1).ToIntTruncate(); got != 5 {
		t.Errorf("4+1 = %d, want 5", got)
	}
	if got := a.SubInt(1).ToIntTruncate(); got != 3 {
		t.Errorf("4-1 = %d, want 3", got)
	}
}

// MLFQ's load-average formula: load_avg = (59/60)*load_avg + (1/60)*ready_threads.
func TestLoadAverageFormula(t *testing.T) {
	fiftyNine := FromInt(59).Div(FromInt(60))
	one := FromInt(1).Div(FromInt(60))
	loadAvg := Value(0)
	ready := FromInt(1)
	loadAvg = fiftyNine.Mul(loadAvg).Add(one.Mul(ready))
	if loadAvg <= 0 {
		t.Fatalf("expected positive load average after one ready thread, got %d", loadAvg)
	}
}
