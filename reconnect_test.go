package mqttcore

import "testing"

// Invariant 9: backoff saturates at max_sec and never exceeds it.
func TestReconnectSchedulerSaturatesAtMax(t *testing.T) {
	s := newReconnectScheduler(1, 8)

	got := make([]float64, 0, 6)
	for i := 0; i < 6; i++ {
		got = append(got, s.next().Seconds())
	}

	want := []float64{1, 2, 4, 8, 8, 8}
	for i, w := range want {
		if got[i] != w {
			t.Fatalf("attempt %d: got %vs, want %vs (full sequence: %v)", i, got[i], w, got)
		}
	}
}

func TestReconnectSchedulerResetsToMin(t *testing.T) {
	s := newReconnectScheduler(1, 8)
	for i := 0; i < 4; i++ {
		s.next()
	}
	s.noteStableConnection()
	if got := s.next().Seconds(); got != 1 {
		t.Fatalf("expected reset to min (1s), got %vs", got)
	}
}

func TestReconnectSchedulerDefaultsWhenUnset(t *testing.T) {
	s := newReconnectScheduler(0, 0)
	if got := s.next().Seconds(); got != 1 {
		t.Fatalf("expected default min 1s, got %vs", got)
	}
}
