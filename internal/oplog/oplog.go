// Package oplog implements the append-only operation log that backs causal
// replication between devices. Entries are content-addressed by operation ID
// so replays from any peer are naturally deduplicated, and are stored in HLC
// order so a device can cheaply ask "everything since watermark W".
package oplog

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/tidwall/buntdb"

	"github.com/ahenk-go/syncd/internal/hlc"
	"github.com/ahenk-go/syncd/internal/syncerr"
)

// Type classifies the mutation an Operation records.
type Type string

const (
	Create Type = "create"
	Update Type = "update"
	Delete Type = "delete"
)

// Operation is one entry in the append-only log: a single self-describing
// mutation against one row of one table, stamped with the HLC of the device
// that produced it.
type Operation struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	Timestamp hlc.HLC         `json:"timestamp"`
	Table     string          `json:"table"`
	RowID     string          `json:"row_id"`
	Type      Type            `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
}

// New mints an Operation with a fresh random ID.
func New(deviceID string, ts hlc.HLC, table, rowID string, typ Type, data json.RawMessage) Operation {
	return Operation{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Timestamp: ts,
		Table:     table,
		RowID:     rowID,
		Type:      typ,
		Data:      data,
	}
}

const keyPrefix = "oplog:"
const idIndexPrefix = "oplogid:"

// key orders lexicographically by HLC, then breaks ties by operation ID so
// iteration order is stable and matches causal order on the happy path.
func key(ts hlc.HLC, id string) string {
	return fmt.Sprintf("%s%020d:%s", keyPrefix, uint64(ts), id)
}

// idKey indexes an operation ID to its oplog key, so existsByID is a point
// lookup instead of a scan over the whole log.
func idKey(id string) string {
	return idIndexPrefix + id
}

// Store is an append-only, dedup-on-insert, HLC-ordered log backed by buntdb.
type Store struct {
	db *buntdb.DB
}

// Open opens (creating if absent) the oplog database at path. Use ":memory:"
// for an ephemeral, disk-free store (handy in tests).
func Open(path string) (*Store, error) {
	db, err := buntdb.Open(path)
	if err != nil {
		return nil, syncerr.New(syncerr.KindStorage, "oplog.Open", err)
	}
	return &Store{db: db}, nil
}

// OpenWithDB wraps an already-open buntdb handle, letting the oplog share a
// single database (and therefore single transactions) with internal/store.
func OpenWithDB(db *buntdb.DB) *Store {
	return &Store{db: db}
}

// DB exposes the underlying handle so the merge engine can compose oplog and
// table writes inside one transaction.
func (s *Store) DB() *buntdb.DB { return s.db }

// Close releases the underlying database handle.
func (s *Store) Close() error {
	if err := s.db.Close(); err != nil {
		return syncerr.New(syncerr.KindStorage, "oplog.Close", err)
	}
	return nil
}

// InsertIfAbsent appends op to the log unless an operation with the same ID
// is already present, in which case it is a silent no-op. It reports whether
// the operation was newly inserted. Insertion is atomic: a crash mid-write
// never leaves a partially-written entry visible.
func (s *Store) InsertIfAbsent(op Operation) (inserted bool, err error) {
	err = s.db.Update(func(tx *buntdb.Tx) error {
		var txErr error
		inserted, txErr = InsertIfAbsentTx(tx, op)
		return txErr
	})
	if err != nil {
		return false, syncerr.New(syncerr.KindStorage, "oplog.InsertIfAbsent", err)
	}
	return inserted, nil
}

// InsertIfAbsentTx is the transaction-scoped form of InsertIfAbsent, letting
// the merge engine commit an oplog append in the same transaction as its
// resolver dispatch and tombstone write.
func InsertIfAbsentTx(tx *buntdb.Tx, op Operation) (bool, error) {
	if op.ID == "" {
		return false, syncerr.New(syncerr.KindValidation, "oplog.InsertIfAbsentTx", fmt.Errorf("operation ID is empty"))
	}

	if _, exists, err := existsByID(tx, op.ID); err != nil {
		return false, err
	} else if exists {
		return false, nil
	}

	raw, err := json.Marshal(op)
	if err != nil {
		return false, err
	}
	opKey := key(op.Timestamp, op.ID)
	if _, _, err := tx.Set(opKey, string(raw), nil); err != nil {
		return false, err
	}
	if _, _, err := tx.Set(idKey(op.ID), opKey, nil); err != nil {
		return false, err
	}
	return true, nil
}

// ExistsTx is the transaction-scoped form of Exists.
func ExistsTx(tx *buntdb.Tx, id string) (bool, error) {
	_, exists, err := existsByID(tx, id)
	return exists, err
}

// Exists reports whether an operation with the given ID is present.
func (s *Store) Exists(id string) (bool, error) {
	var found bool
	err := s.db.View(func(tx *buntdb.Tx) error {
		_, exists, err := existsByID(tx, id)
		found = exists
		return err
	})
	if err != nil {
		return false, syncerr.New(syncerr.KindStorage, "oplog.Exists", err)
	}
	return found, nil
}

// existsByID is a point lookup against the id->key index, maintained
// alongside every InsertIfAbsentTx insert.
func existsByID(tx *buntdb.Tx, id string) (string, bool, error) {
	opKey, err := tx.Get(idKey(id))
	if err == buntdb.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return opKey, true, nil
}

// Since returns every operation strictly after watermark, in HLC order. A
// zero watermark returns the entire log.
func (s *Store) Since(watermark hlc.HLC) ([]Operation, error) {
	var ops []Operation
	pivot := fmt.Sprintf("%s%020d", keyPrefix, uint64(watermark))

	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendGreaterOrEqual("", pivot, func(k, v string) bool {
			if !strings.HasPrefix(k, keyPrefix) {
				return false
			}
			var op Operation
			if jsonErr := json.Unmarshal([]byte(v), &op); jsonErr != nil {
				return true // tolerate a corrupt row rather than abort the whole scan
			}
			if op.Timestamp > watermark {
				ops = append(ops, op)
			}
			return true
		})
	})
	if err != nil {
		return nil, syncerr.New(syncerr.KindStorage, "oplog.Since", err)
	}
	return ops, nil
}

// Latest returns the highest HLC in the log (keys are ordered by HLC, not by
// insertion), or zero if the log is empty. Useful for seeding a newly-paired peer's watermark.
func (s *Store) Latest() (hlc.HLC, error) {
	var latest hlc.HLC
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.Descend("", func(k, v string) bool {
			if !strings.HasPrefix(k, keyPrefix) {
				return true
			}
			var op Operation
			if jsonErr := json.Unmarshal([]byte(v), &op); jsonErr != nil {
				return true
			}
			latest = op.Timestamp
			return false
		})
	})
	if err != nil {
		return 0, syncerr.New(syncerr.KindStorage, "oplog.Latest", err)
	}
	return latest, nil
}

// Len reports the number of operations currently in the log.
func (s *Store) Len() (int, error) {
	n := 0
	err := s.db.View(func(tx *buntdb.Tx) error {
		return tx.AscendKeys(keyPrefix+"*", func(k, v string) bool {
			n++
			return true
		})
	})
	if err != nil {
		return 0, syncerr.New(syncerr.KindStorage, "oplog.Len", err)
	}
	return n, nil
}
