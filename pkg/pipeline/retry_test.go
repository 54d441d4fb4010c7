package pipeline

import (
	"testing"
	"time"
)

func TestBackoffDeterministic(t *testing.T) {
	p := DefaultBackoff()
	a := p.Delay("s1", 2, 1)
	b := p.Delay("s1", 2, 1)
	if a != b {
		t.Fatalf("same retry identity must yield the same delay: %s vs %s", a, b)
	}
	if p.Delay("s1", 2, 1) == p.Delay("s2", 2, 1) {
		t.Fatal("different sessions should not share the same jitter")
	}
}

func TestBackoffGrowsAndCaps(t *testing.T) {
	p := BackoffPolicy{Base: 100 * time.Millisecond, Max: 2 * time.Second}

	prev := time.Duration(0)
	for attempt := 1; attempt <= 5; attempt++ {
		d := p.Delay("s1", 1, attempt)
		if d < prev {
			t.Fatalf("delay shrank at attempt %d: %s < %s", attempt, d, prev)
		}
		prev = d
	}

	if d := p.Delay("s1", 1, 50); d != 2*time.Second {
		t.Fatalf("expected cap at %s, got %s", 2*time.Second, d)
	}
}
