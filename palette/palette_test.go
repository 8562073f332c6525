package palette

import (
	"testing"

	"otk-tracker/pkg/tracker"
)

func TestNextUsesFreeSlots(t *testing.T) {
	assigned := map[tracker.ThreadID]string{}
	seen := map[string]bool{}
	for i := range Colors {
		c := Next(assigned)
		if seen[c] {
			t.Fatalf("color %s assigned twice while slots remain", c)
		}
		seen[c] = true
		assigned[tracker.ThreadID(i+1)] = c
	}

	if got := Next(assigned); got != Fallback {
		t.Errorf("Next() on exhausted palette = %s, want %s", got, Fallback)
	}
}

func TestNextReusesReleasedColor(t *testing.T) {
	assigned := map[tracker.ThreadID]string{1: Colors[0], 2: Colors[1], 3: Colors[2]}
	delete(assigned, 2)
	if got := Next(assigned); got != Colors[1] {
		t.Errorf("Next() = %s, want released %s", got, Colors[1])
	}
}
