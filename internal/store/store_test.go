package store

import (
	"testing"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/ahenk-go/syncd/internal/hlc"
	"github.com/ahenk-go/syncd/internal/syncerr"
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

func TestStore_UserUniquenessConstraint(t *testing.T) {
	s := newTestStore(t)

	u1 := User{UserID: "u1", UserName: "alice", UserMail: "alice@example.com", CreatedAt: time.Now()}
	if err := s.PutUser(u1); err != nil {
		t.Fatalf("PutUser u1: %v", err)
	}

	u2 := User{UserID: "u2", UserName: "alice", UserMail: "alice2@example.com", CreatedAt: time.Now()}
	err := s.PutUser(u2)
	if err == nil {
		t.Fatal("expected duplicate user_name to be rejected")
	}
	if !syncerr.Is(err, syncerr.KindValidation) {
		t.Fatalf("expected KindValidation, got %v", err)
	}
}

func TestStore_GetUserNotFound(t *testing.T) {
	s := newTestStore(t)
	_, err := s.GetUser("nonexistent")
	if err == nil {
		t.Fatal("expected error for missing user")
	}
	if !syncerr.Is(err, syncerr.KindNotFound) {
		t.Fatalf("expected KindNotFound, got %v", err)
	}
}

func TestStore_DevicesByUser(t *testing.T) {
	s := newTestStore(t)

	if err := s.PutDevice(Device{DeviceID: "d1", UserID: "u1", DeviceType: "phone"}); err != nil {
		t.Fatalf("PutDevice d1: %v", err)
	}
	if err := s.PutDevice(Device{DeviceID: "d2", UserID: "u1", DeviceType: "laptop"}); err != nil {
		t.Fatalf("PutDevice d2: %v", err)
	}
	if err := s.PutDevice(Device{DeviceID: "d3", UserID: "u2", DeviceType: "tablet"}); err != nil {
		t.Fatalf("PutDevice d3: %v", err)
	}

	devices, err := s.DevicesByUser("u1")
	if err != nil {
		t.Fatalf("DevicesByUser: %v", err)
	}
	if len(devices) != 2 {
		t.Fatalf("expected 2 devices for u1, got %d", len(devices))
	}
}

func TestStore_PeerUpsertAndRemove(t *testing.T) {
	s := newTestStore(t)

	peer := Peer{PeerID: "p1", UserID: "u1", DeviceID: "d1"}
	if err := s.PutPeer(peer); err != nil {
		t.Fatalf("PutPeer: %v", err)
	}

	ip := "192.168.1.5"
	peer.LastKnownIP = &ip
	if err := s.PutPeer(peer); err != nil { // upsert on announce
		t.Fatalf("PutPeer (upsert): %v", err)
	}

	peers, err := s.PeersByUser("u1")
	if err != nil {
		t.Fatalf("PeersByUser: %v", err)
	}
	if len(peers) != 1 {
		t.Fatalf("expected exactly 1 peer after upsert, got %d", len(peers))
	}
	if peers[0].LastKnownIP == nil || *peers[0].LastKnownIP != ip {
		t.Fatalf("expected upsert to update last_known_ip")
	}

	if err := s.RemovePeer("p1"); err != nil {
		t.Fatalf("RemovePeer: %v", err)
	}
	peers, err = s.PeersByUser("u1")
	if err != nil {
		t.Fatalf("PeersByUser after remove: %v", err)
	}
	if len(peers) != 0 {
		t.Fatalf("expected 0 peers after removal, got %d", len(peers))
	}
}

func TestTombstone_RoundTripInsideTransaction(t *testing.T) {
	s := newTestStore(t)

	ts := Tombstone{Table: "notes", RowID: "row-1", HLC: hlc.Pack(500, 2)}
	err := s.Update(func(tx *buntdb.Tx) error {
		return PutTombstone(tx, ts)
	})
	if err != nil {
		t.Fatalf("Update/PutTombstone: %v", err)
	}

	var got Tombstone
	var ok bool
	err = s.View(func(tx *buntdb.Tx) error {
		var viewErr error
		got, ok, viewErr = GetTombstone(tx, "notes", "row-1")
		return viewErr
	})
	if err != nil {
		t.Fatalf("View/GetTombstone: %v", err)
	}
	if !ok {
		t.Fatal("expected tombstone to be found")
	}
	if got.HLC != ts.HLC {
		t.Fatalf("GetTombstone HLC = %s, want %s", got.HLC, ts.HLC)
	}

	_, ok, err = s.viewTombstone("notes", "row-2")
	if err != nil {
		t.Fatalf("viewTombstone: %v", err)
	}
	if ok {
		t.Fatal("expected no tombstone for an untouched row")
	}
}

// viewTombstone is a small test helper wrapping GetTombstone in a View tx.
func (s *Store) viewTombstone(table, rowID string) (Tombstone, bool, error) {
	var t Tombstone
	var ok bool
	err := s.View(func(tx *buntdb.Tx) error {
		var viewErr error
		t, ok, viewErr = GetTombstone(tx, table, rowID)
		return viewErr
	})
	return t, ok, err
}
