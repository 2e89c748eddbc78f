package oplog

import (
	"testing"

	"github.com/ahenk-go/syncd/internal/hlc"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_InsertIfAbsentDedups(t *testing.T) {
	s := newTestStore(t)
	op := New("device-a", hlc.Pack(100, 0), "notes", "row-1", Create, nil)

	inserted, err := s.InsertIfAbsent(op)
	if err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}
	if !inserted {
		t.Fatal("expected first insert to report inserted=true")
	}

	inserted, err = s.InsertIfAbsent(op)
	if err != nil {
		t.Fatalf("InsertIfAbsent (replay): %v", err)
	}
	if inserted {
		t.Fatal("expected replay of the same operation ID to report inserted=false")
	}

	n, err := s.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one stored operation after replay, got %d", n)
	}
}

func TestStore_SinceOrdersByHLCAndExcludesWatermark(t *testing.T) {
	s := newTestStore(t)

	op1 := New("device-a", hlc.Pack(100, 0), "notes", "row-1", Create, nil)
	op2 := New("device-a", hlc.Pack(200, 0), "notes", "row-1", Update, nil)
	op3 := New("device-b", hlc.Pack(300, 0), "notes", "row-2", Create, nil)

	for _, op := range []Operation{op3, op1, op2} { // insert out of order
		if _, err := s.InsertIfAbsent(op); err != nil {
			t.Fatalf("InsertIfAbsent: %v", err)
		}
	}

	got, err := s.Since(hlc.Pack(100, 0))
	if err != nil {
		t.Fatalf("Since: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("expected 2 operations after watermark, got %d", len(got))
	}
	if got[0].ID != op2.ID || got[1].ID != op3.ID {
		t.Fatalf("expected operations in HLC order [op2, op3], got [%s, %s]", got[0].ID, got[1].ID)
	}

	all, err := s.Since(0)
	if err != nil {
		t.Fatalf("Since(0): %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("expected all 3 operations with zero watermark, got %d", len(all))
	}
}

func TestStore_ExistsAndLatest(t *testing.T) {
	s := newTestStore(t)

	if exists, err := s.Exists("nonexistent"); err != nil || exists {
		t.Fatalf("Exists on empty store = (%v, %v), want (false, nil)", exists, err)
	}

	op := New("device-a", hlc.Pack(500, 3), "notes", "row-1", Delete, nil)
	if _, err := s.InsertIfAbsent(op); err != nil {
		t.Fatalf("InsertIfAbsent: %v", err)
	}

	exists, err := s.Exists(op.ID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("expected inserted operation to exist")
	}

	latest, err := s.Latest()
	if err != nil {
		t.Fatalf("Latest: %v", err)
	}
	if latest != op.Timestamp {
		t.Fatalf("Latest() = %s, want %s", latest, op.Timestamp)
	}
}

func TestStore_InsertIfAbsentRejectsEmptyID(t *testing.T) {
	s := newTestStore(t)
	_, err := s.InsertIfAbsent(Operation{})
	if err == nil {
		t.Fatal("expected error inserting an operation with an empty ID")
	}
}
