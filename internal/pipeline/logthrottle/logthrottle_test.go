package logthrottle

import "testing"

func TestFirstOccurrenceAlwaysLogs(t *testing.T) {
	th := New()
	if !th.Warn("plugin-a", "retry-loop", "first occurrence") {
		t.Fatalf("expected the first occurrence to be allowed")
	}
}

func TestRepeatedOccurrencesWithinWindowAreSuppressed(t *testing.T) {
	th := New()
	if !th.Warn("plugin-a", "retry-loop", "occurrence 1") {
		t.Fatalf("expected occurrence 1 to be allowed")
	}
	// The default rate allows only one event per second per category;
	// immediate repeats within that window must be suppressed.
	if th.Warn("plugin-a", "retry-loop", "occurrence 2") {
		t.Fatalf("expected an immediate repeat to be suppressed")
	}
	if th.Warn("plugin-a", "retry-loop", "occurrence 3") {
		t.Fatalf("expected a second immediate repeat to be suppressed")
	}
}

func TestDistinctCategoriesAreIndependent(t *testing.T) {
	th := New()
	if !th.Warn("plugin-a", "retry-loop", "a") {
		t.Fatalf("expected plugin-a/retry-loop to be allowed")
	}
	if !th.Warn("plugin-b", "retry-loop", "b") {
		t.Fatalf("expected plugin-b/retry-loop to be independent of plugin-a")
	}
	if !th.Warn("plugin-a", "resync", "c") {
		t.Fatalf("expected plugin-a/resync to be independent of plugin-a/retry-loop")
	}
}

func TestSuppressedCountIsTrackedPerCategory(t *testing.T) {
	th := New()
	th.Warn("plugin-a", "retry-loop", "occurrence 1")
	th.Warn("plugin-a", "retry-loop", "occurrence 2")
	th.Warn("plugin-a", "retry-loop", "occurrence 3")

	n := th.drainSuppressed(category{plugin: "plugin-a", class: "retry-loop"})
	if n != 2 {
		t.Fatalf("expected 2 suppressed occurrences, got %d", n)
	}
	// Draining resets the counter.
	if n := th.drainSuppressed(category{plugin: "plugin-a", class: "retry-loop"}); n != 0 {
		t.Fatalf("expected the counter to reset after draining, got %d", n)
	}
}
