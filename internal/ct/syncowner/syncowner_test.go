package syncowner

import (
	"testing"

	"github.com/kolkov/ctmiddle/internal/ct/graph"
)

// TestNew verifies Table initialization.
func TestNew(t *testing.T) {
	table := New()
	if table == nil {
		t.Fatal("New returned nil")
	}
	if table.Len() != 0 {
		t.Errorf("Len() = %d, want 0", table.Len())
	}
}

// TestTouch_FirstAccess verifies the first access has no previous owner.
func TestTouch_FirstAccess(t *testing.T) {
	table := New()
	a := graph.NewTaskID(0, 1)

	if _, ok := table.Touch(0x1000, a, false); ok {
		t.Error("first Touch reported a previous owner")
	}
	owner, ok := table.Owner(0x1000)
	if !ok || owner != a {
		t.Errorf("Owner() = %s, %v; want %s, true", owner, ok, a)
	}
}

// TestTouch_HandOff verifies ownership passes from task to task.
func TestTouch_HandOff(t *testing.T) {
	table := New()
	a := graph.NewTaskID(0, 1)
	b := graph.NewTaskID(1, 3)

	table.Touch(0x1000, a, false)
	prev, ok := table.Touch(0x1000, b, false)
	if !ok || prev != a {
		t.Errorf("Touch() prev = %s, %v; want %s, true", prev, ok, a)
	}
	if owner, _ := table.Owner(0x1000); owner != b {
		t.Errorf("Owner() = %s, want %s", owner, b)
	}
}

// TestTouch_WaitKeepsOwner verifies a condition wait never becomes the owner.
func TestTouch_WaitKeepsOwner(t *testing.T) {
	table := New()
	a := graph.NewTaskID(0, 1)
	w := graph.NewTaskID(2, 5)
	s := graph.NewTaskID(1, 2)

	table.Touch(0x2000, a, false)

	prev, ok := table.Touch(0x2000, w, true)
	if !ok || prev != a {
		t.Errorf("wait prev = %s, %v; want %s, true", prev, ok, a)
	}
	if owner, _ := table.Owner(0x2000); owner != a {
		t.Errorf("Owner() after wait = %s, want %s", owner, a)
	}

	// A signal after the wait still links from the last non-wait owner.
	prev, _ = table.Touch(0x2000, s, false)
	if prev != a {
		t.Errorf("signal prev = %s, want %s", prev, a)
	}
}

// TestTouch_WaitOnFreshAddress verifies a wait on an unowned address leaves it unowned.
func TestTouch_WaitOnFreshAddress(t *testing.T) {
	table := New()

	if _, ok := table.Touch(0x3000, graph.NewTaskID(0, 1), true); ok {
		t.Error("wait on fresh address reported an owner")
	}
	if _, ok := table.Owner(0x3000); ok {
		t.Error("wait on fresh address created an owner")
	}
}

// TestTouch_DifferentAddresses verifies addresses are tracked independently.
func TestTouch_DifferentAddresses(t *testing.T) {
	table := New()
	a := graph.NewTaskID(0, 1)
	b := graph.NewTaskID(0, 2)

	table.Touch(0x1000, a, false)
	if _, ok := table.Touch(0x1008, b, false); ok {
		t.Error("second address reported the owner of the first")
	}
	if table.Len() != 2 {
		t.Errorf("Len() = %d, want 2", table.Len())
	}
}
