// Package store holds the durable, relational-ish tables that sit beneath
// the merge engine: users, devices, peers, schema_version, and tombstones.
// It is a thin, transactional layer over buntdb; the merge engine drives it
// inside its own transactions so an oplog append and a table write commit or
// abort together.
package store

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/buntdb"

	"github.com/ahenk-go/syncd/internal/hlc"
	"github.com/ahenk-go/syncd/internal/syncerr"
)

// User mirrors the users table of the persisted state layout.
type User struct {
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	UserMail     string    `json:"user_mail"`
	PasswordHash string    `json:"password_hash"`
	CreatedAt    time.Time `json:"created_at"`
}

// Device mirrors the devices table.
type Device struct {
	DeviceID   string     `json:"device_id"`
	UserID     string     `json:"user_id"`
	DeviceType string     `json:"device_type"`
	PushToken  *string    `json:"push_token,omitempty"`
	LastSeen   *time.Time `json:"last_seen,omitempty"`
}

// Peer mirrors the peers table: another device of the same account seen on
// the network.
type Peer struct {
	PeerID       string     `json:"peer_id"`
	UserID       string     `json:"user_id"`
	DeviceID     string     `json:"device_id"`
	LastKnownIP  *string    `json:"last_known_ip,omitempty"`
	LastSyncTime *time.Time `json:"last_sync_time,omitempty"`
}

// SchemaVersion mirrors the schema_version table.
type SchemaVersion struct {
	Version     int       `json:"version"`
	AppliedAt   time.Time `json:"applied_at"`
	Description string    `json:"description"`
}

// Tombstone records that (Table, RowID) was deleted at HLC, so a
// late-arriving create/update with a lower HLC cannot resurrect it.
type Tombstone struct {
	Table string  `json:"table"`
	RowID string  `json:"row_id"`
	HLC   hlc.HLC `json:"hlc"`
}

const (
	userPrefix      = "user:"
	devicePrefix    = "device:"
	peerPrefix      = "peer:"
	schemaPrefix    = "schema:"
	tombstonePrefix = "tombstone:"

	deviceByUserIndex = "idx_device_user_id"
	peerByUserIndex   = "idx_peer_user_id"
)

// Store wraps a buntdb database holding the core relational tables.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if absent) the store database at path. Use ":memory:"
// for an ephemeral store.
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, syncerr.New(syncerr.KindStorage, "store.Open", err)
	}

	if err := db.CreateIndex(deviceByUserIndex, devicePrefix+"*", buntdb.IndexJSON("user_id")); err != nil && err != buntdb.ErrIndexExists {
		_ = db.Close()
		return nil, syncerr.New(syncerr.KindStorage, "store.Open", err)
	}
	if err := db.CreateIndex(peerByUserIndex, peerPrefix+"*", buntdb.IndexJSON("user_id")); err != nil && err != buntdb.ErrIndexExists {
		_ = db.Close()
		return nil, syncerr.New(syncerr.KindStorage, "store.Open", err)
	}

	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-open buntdb handle, so callers that want
// single-transaction atomicity across the oplog and the relational tables
// (the merge engine) can share one database.
func OpenWithDB(db *buntdb.DB) (*Store, error) {
	s := &Store{db: db}
	if err := db.CreateIndex(deviceByUserIndex, devicePrefix+"*", buntdb.IndexJSON("user_id")); err != nil && err != buntdb.ErrIndexExists {
		return nil, syncerr.New(syncerr.KindStorage, "store.OpenWithDB", err)
	}
	if err := db.CreateIndex(peerByUserIndex, peerPrefix+"*", buntdb.IndexJSON("user_id")); err != nil && err != buntdb.ErrIndexExists {
		return nil, syncerr.New(syncerr.KindStorage, "store.OpenWithDB", err)
	}
	return s, nil
}

// DB exposes the underlying handle so the merge engine can compose table
// writes and oplog appends inside one transaction.
func (s *Store) DB() *buntdb.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return syncerr.New(syncerr.KindStorage, "store.Close", err)
	}
	return nil
}

// Update runs fn inside a single read-write transaction, giving callers (the
// merge engine, pairing subsystem) atomicity across multiple table writes.
func (s *Store) Update(fn func(tx *buntdb.Tx) error) error {
	if err := s.db.Update(fn); err != nil {
		return syncerr.New(syncerr.KindStorage, "store.Update", err)
	}
	return nil
}

// View runs fn inside a read-only transaction.
func (s *Store) View(fn func(tx *buntdb.Tx) error) error {
	if err := s.db.View(fn); err != nil {
		return syncerr.New(syncerr.KindStorage, "store.View", err)
	}
	return nil
}

// PutUser inserts or replaces a user row, enforcing the user_name/user_mail
// uniqueness constraint of the persisted state layout.
func (s *Store) PutUser(u User) error {
	return s.Update(func(tx *buntdb.Tx) error {
		dup, err := findDuplicateUser(tx, u)
		if err != nil {
			return err
		}
		if dup {
			return syncerr.New(syncerr.KindValidation, "store.PutUser", fmt.Errorf("user_name or user_mail already in use"))
		}
		raw, err := json.Marshal(u)
		if err != nil {
			return err
		}
		_, _, err = tx.Set(userPrefix+u.UserID, string(raw), nil)
		return err
	})
}

func findDuplicateUser(tx *buntdb.Tx, u User) (bool, error) {
	var dup bool
	err := tx.AscendKeys(userPrefix+"*", func(k, v string) bool {
		if k == userPrefix+u.UserID {
			return true
		}
		var existing User
		if jsonErr := json.Unmarshal([]byte(v), &existing); jsonErr != nil {
			return true
		}
		if strings.EqualFold(existing.UserName, u.UserName) || strings.EqualFold(existing.UserMail, u.UserMail) {
			dup = true
			return false
		}
		return true
	})
	if err != nil && err != buntdb.ErrNotFound {
		return false, err
	}
	return dup, nil
}

// GetUser fetches a user by ID.
func (s *Store) GetUser(userID string) (User, error) {
	var u User
	err := s.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(userPrefix + userID)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &u)
	})
	if err != nil {
		if err == buntdb.ErrNotFound {
			return User{}, syncerr.New(syncerr.KindNotFound, "store.GetUser", err)
		}
		return User{}, syncerr.New(syncerr.KindStorage, "store.GetUser", err)
	}
	return u, nil
}

// PutDevice inserts or replaces a device row.
func (s *Store) PutDevice(d Device) error {
	raw, err := json.Marshal(d)
	if err != nil {
		return syncerr.New(syncerr.KindSerialization, "store.PutDevice", err)
	}
	return s.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(devicePrefix+d.DeviceID, string(raw), nil)
		return err
	})
}

// GetDevice fetches a device by ID.
func (s *Store) GetDevice(deviceID string) (Device, error) {
	var d Device
	err := s.View(func(tx *buntdb.Tx) error {
		raw, err := tx.Get(devicePrefix + deviceID)
		if err != nil {
			return err
		}
		return json.Unmarshal([]byte(raw), &d)
	})
	if err != nil {
		if err == buntdb.ErrNotFound {
			return Device{}, syncerr.New(syncerr.KindNotFound, "store.GetDevice", err)
		}
		return Device{}, syncerr.New(syncerr.KindStorage, "store.GetDevice", err)
	}
	return d, nil
}

// DevicesByUser returns every device belonging to userID.
func (s *Store) DevicesByUser(userID string) ([]Device, error) {
	var devices []Device
	err := s.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual(deviceByUserIndex, jsonQuote(userID), func(k, v string) bool {
			var d Device
			if jsonErr := json.Unmarshal([]byte(v), &d); jsonErr == nil {
				devices = append(devices, d)
			}
			return true
		})
	})
	if err != nil {
		return nil, syncerr.New(syncerr.KindStorage, "store.DevicesByUser", err)
	}
	return devices, nil
}

// PutPeer inserts or replaces a peer row (upsert on announce, per spec).
func (s *Store) PutPeer(p Peer) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return syncerr.New(syncerr.KindSerialization, "store.PutPeer", err)
	}
	return s.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(peerPrefix+p.PeerID, string(raw), nil)
		return err
	})
}

// RemovePeer deletes a peer row (explicit removal, per spec lifecycle).
func (s *Store) RemovePeer(peerID string) error {
	return s.Update(func(tx *buntdb.Tx) error {
		_, err := tx.Delete(peerPrefix + peerID)
		if err == buntdb.ErrNotFound {
			return nil
		}
		return err
	})
}

// PeersByUser returns every peer belonging to userID.
func (s *Store) PeersByUser(userID string) ([]Peer, error) {
	var peers []Peer
	err := s.View(func(tx *buntdb.Tx) error {
		return tx.AscendEqual(peerByUserIndex, jsonQuote(userID), func(k, v string) bool {
			var p Peer
			if jsonErr := json.Unmarshal([]byte(v), &p); jsonErr == nil {
				peers = append(peers, p)
			}
			return true
		})
	})
	if err != nil {
		return nil, syncerr.New(syncerr.KindStorage, "store.PeersByUser", err)
	}
	return peers, nil
}

// PutSchemaVersion records a schema migration step.
func (s *Store) PutSchemaVersion(v SchemaVersion) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return syncerr.New(syncerr.KindSerialization, "store.PutSchemaVersion", err)
	}
	return s.Update(func(tx *buntdb.Tx) error {
		_, _, err := tx.Set(fmt.Sprintf("%s%020d", schemaPrefix, v.Version), string(raw), nil)
		return err
	})
}

// TombstoneKey returns the key under which PutTombstone and GetTombstone
// store the tombstone for (table, rowID).
func TombstoneKey(table, rowID string) string {
	return tombstonePrefix + table + ":" + rowID
}

// PutTombstone records a delete. Intended to be called from within a
// caller-managed transaction (the merge engine's Update), not standalone.
func PutTombstone(tx *buntdb.Tx, t Tombstone) error {
	raw, err := json.Marshal(t)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(TombstoneKey(t.Table, t.RowID), string(raw), nil)
	return err
}

// GetTombstone looks up a tombstone inside a caller-managed transaction.
// Returns ok=false if no tombstone exists for (table, rowID).
func GetTombstone(tx *buntdb.Tx, table, rowID string) (Tombstone, bool, error) {
	raw, err := tx.Get(TombstoneKey(table, rowID))
	if err == buntdb.ErrNotFound {
		return Tombstone{}, false, nil
	}
	if err != nil {
		return Tombstone{}, false, err
	}
	var t Tombstone
	if err := json.Unmarshal([]byte(raw), &t); err != nil {
		return Tombstone{}, false, err
	}
	return t, true, nil
}

func jsonQuote(s string) string {
	raw, _ := json.Marshal(s)
	return string(raw)
}
