package bus

import (
	"sync"
	"testing"
)

func TestLimiter_UnlimitedByDefault(t *testing.T) {
	l := NewLimiter(LimiterConfig{})
	for i := 0; i < 1000; i++ {
		if !l.Allow("pong") {
			t.Fatalf("Allow() = false at %d, want unlimited", i)
		}
	}
}

func TestLimiter_Burst(t *testing.T) {
	l := NewLimiter(LimiterConfig{Rate: 0.001, Burst: 3})

	for i := 0; i < 3; i++ {
		if !l.Allow("pong") {
			t.Fatalf("Allow() = false within burst at %d", i)
		}
	}
	if l.Allow("pong") {
		t.Error("Allow() = true after burst, want false")
	}

	// Publishers have independent budgets.
	if !l.Allow("ping") {
		t.Error("Allow(ping) = false, want true")
	}

	st := l.Stats()
	if st.TotalAllowed != 4 || st.TotalRejected != 1 {
		t.Errorf("Stats() = %+v, want 4 allowed / 1 rejected", st)
	}
	if st.Publishers != 2 {
		t.Errorf("Publishers = %d, want 2", st.Publishers)
	}
}

func TestLimiter_ConfigureOverridesDefault(t *testing.T) {
	l := NewLimiter(LimiterConfig{Rate: 0.001, Burst: 1})
	l.Configure("pong", LimiterConfig{})

	for i := 0; i < 10; i++ {
		if !l.Allow("pong") {
			t.Fatalf("Allow() = false at %d for unlimited publisher", i)
		}
	}
}

func TestLimiter_RemoveResetsBudget(t *testing.T) {
	l := NewLimiter(LimiterConfig{Rate: 0.001, Burst: 1})

	l.Allow("pong")
	if l.Allow("pong") {
		t.Fatal("second Allow() = true, want false")
	}
	l.Remove("pong")
	if !l.Allow("pong") {
		t.Error("Allow() after Remove = false, want fresh budget")
	}
}

func TestLimiter_Concurrent(t *testing.T) {
	l := NewLimiter(LimiterConfig{Rate: 0.001, Burst: 50})

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 20; j++ {
				l.Allow("pong")
			}
		}()
	}
	wg.Wait()

	st := l.Stats()
	if st.TotalAllowed != 50 {
		t.Errorf("TotalAllowed = %d, want 50", st.TotalAllowed)
	}
	if st.TotalAllowed+st.TotalRejected != 200 {
		t.Errorf("total = %d, want 200", st.TotalAllowed+st.TotalRejected)
	}
}
