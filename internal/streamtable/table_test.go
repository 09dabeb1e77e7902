package streamtable

import "testing"

func TestInsertRejectsDuplicate(t *testing.T) {
	table := New()
	if !table.Insert(1, &State{ID: 1}) {
		t.Fatal("first insert should succeed")
	}
	if table.Insert(1, &State{ID: 1}) {
		t.Fatal("duplicate insert should fail")
	}
}

func TestGetDelete(t *testing.T) {
	table := New()
	table.Insert(5, &State{ID: 5})

	if _, ok := table.Get(5); !ok {
		t.Fatal("expected entry present")
	}
	table.Delete(5)
	if _, ok := table.Get(5); ok {
		t.Fatal("expected entry removed")
	}
}

func TestLenAndIDs(t *testing.T) {
	table := New()
	table.Insert(1, &State{ID: 1})
	table.Insert(2, &State{ID: 2})

	if table.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", table.Len())
	}
	ids := table.IDs()
	if len(ids) != 2 {
		t.Fatalf("IDs() returned %d entries, want 2", len(ids))
	}
}

func TestMarkClosedIsMonotonicAndOnce(t *testing.T) {
	s := &State{ID: 1}
	if s.IsClosed() {
		t.Fatal("new state should not be closed")
	}
	if !s.MarkClosed() {
		t.Fatal("first MarkClosed should report true")
	}
	if s.MarkClosed() {
		t.Fatal("second MarkClosed should report false")
	}
	if !s.IsClosed() {
		t.Fatal("state should be closed")
	}
}

func TestPhaseTransitions(t *testing.T) {
	s := &State{ID: 1}
	s.SetPhase(Opening)
	if s.GetPhase() != Opening {
		t.Fatalf("phase = %v, want Opening", s.GetPhase())
	}
	s.SetPhase(Open)
	if s.GetPhase() != Open {
		t.Fatalf("phase = %v, want Open", s.GetPhase())
	}
	s.SetPhase(Closing)
	s.SetPhase(Closed)
	if s.GetPhase() != Closed {
		t.Fatalf("phase = %v, want Closed", s.GetPhase())
	}
}
