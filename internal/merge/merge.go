// Package merge implements the apply/merge engine: idempotent application of
// local and remote operations against a per-table resolver registry, with
// last-writer-wins conflict resolution driven by HLC order and tombstones
// that prevent a late, stale operation from resurrecting a deleted row.
package merge

import (
	"sort"
	"sync"

	"github.com/tidwall/buntdb"
	"go.uber.org/zap"

	"github.com/ahenk-go/syncd/internal/metrics"
	"github.com/ahenk-go/syncd/internal/oplog"
	"github.com/ahenk-go/syncd/internal/store"
	"github.com/ahenk-go/syncd/internal/syncerr"
)

// Resolver is the per-table capability that projects an operation onto the
// embedding application's live row storage. The core ships none; embedding
// code registers one per table at startup. Each method runs inside the
// engine's transaction and must itself decide whether the operation is
// fresher than whatever is currently stored, per the LWW contract.
type Resolver interface {
	// ApplyCreate upserts the row iff no row with that primary key exists
	// with a strictly newer HLC than op.Timestamp.
	ApplyCreate(tx *buntdb.Tx, op oplog.Operation) error
	// ApplyUpdate applies op iff op.Timestamp is strictly newer than the
	// row's currently recorded HLC.
	ApplyUpdate(tx *buntdb.Tx, op oplog.Operation) error
	// ApplyDelete removes or tombstones the row in live storage.
	ApplyDelete(tx *buntdb.Tx, op oplog.Operation) error
}

// Engine applies operations to the oplog and dispatches them to table
// resolvers, all inside one buntdb transaction per apply_local/merge call.
type Engine struct {
	db      *buntdb.DB
	oplog   *oplog.Store
	tables  *store.Store
	logger  *zap.Logger
	metrics *metrics.Metrics

	mu        sync.RWMutex
	resolvers map[string]Resolver
}

// NewEngine builds an Engine over an oplog and table store that share the
// same buntdb handle, so an oplog append, a tombstone write, and a resolver
// dispatch commit or abort together. m may be nil, in which case conflict
// and rejection counters are simply not recorded.
func NewEngine(db *buntdb.DB, logger *zap.Logger, m *metrics.Metrics) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		db:        db,
		oplog:     oplog.OpenWithDB(db),
		tables:    storeOpenWithDB(db),
		logger:    logger,
		metrics:   m,
		resolvers: make(map[string]Resolver),
	}
}

// storeOpenWithDB panics only on a programmer error (index creation failing
// on an already-open handle is not expected); the error path is preserved
// for callers that want to construct tables.Store themselves instead.
func storeOpenWithDB(db *buntdb.DB) *store.Store {
	s, err := store.OpenWithDB(db)
	if err != nil {
		// CreateIndex failing here means the shared handle is unusable for
		// every other caller too; there is no degraded mode to fall back to.
		panic(err)
	}
	return s
}

// Oplog returns the shared oplog store, for callers (the sync manager)
// that need to read Since(watermark) or Latest() outside a merge call.
func (e *Engine) Oplog() *oplog.Store { return e.oplog }

// Tables returns the shared row-table store, for callers that need direct
// access to users/devices/peers outside a merge call.
func (e *Engine) Tables() *store.Store { return e.tables }

// RegisterResolver installs the resolver for table. Re-registering a table
// replaces the previous resolver.
func (e *Engine) RegisterResolver(table string, r Resolver) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resolvers[table] = r
}

func (e *Engine) resolverFor(table string) (Resolver, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	r, ok := e.resolvers[table]
	return r, ok
}

// ApplyLocal records a locally-produced operation (the caller has already
// stamped its HLC) and dispatches it to the table resolver, atomically.
func (e *Engine) ApplyLocal(op oplog.Operation) error {
	err := e.db.Update(func(tx *buntdb.Tx) error {
		return e.applyTx(tx, op)
	})
	if err != nil {
		return syncerr.New(syncerr.KindStorage, "merge.ApplyLocal", err)
	}
	return nil
}

// Merge applies a batch of remote operations in one atomic transaction.
// Order within the batch does not matter: each operation is independently
// idempotent and the per-row LWW/tombstone checks make the outcome order
// independent (commutative) as well.
func (e *Engine) Merge(batch []oplog.Operation) error {
	err := e.db.Update(func(tx *buntdb.Tx) error {
		for _, op := range batch {
			if err := e.applyTx(tx, op); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return syncerr.New(syncerr.KindStorage, "merge.Merge", err)
	}
	return nil
}

// applyTx is the shared core of ApplyLocal and Merge: insert-if-absent into
// the oplog, then (if newly inserted) dispatch to the table's resolver,
// guarded by the tombstone so a stale create/update cannot resurrect a
// deleted row.
func (e *Engine) applyTx(tx *buntdb.Tx, op oplog.Operation) error {
	inserted, err := oplog.InsertIfAbsentTx(tx, op)
	if err != nil {
		return err
	}
	if !inserted {
		return nil // already-seen operation: idempotent no-op
	}

	tombstone, hasTombstone, err := store.GetTombstone(tx, op.Table, op.RowID)
	if err != nil {
		return err
	}

	switch op.Type {
	case oplog.Delete:
		if hasTombstone {
			e.recordConflictDetected()
			if tombstone.HLC >= op.Timestamp {
				e.recordRejectedStale()
				return nil // a newer delete already tombstoned this row
			}
			e.recordConflictResolved()
		}
		if err := store.PutTombstone(tx, store.Tombstone{Table: op.Table, RowID: op.RowID, HLC: op.Timestamp}); err != nil {
			return err
		}
		return e.dispatch(tx, op, func(r Resolver) error { return r.ApplyDelete(tx, op) })

	case oplog.Create, oplog.Update:
		if hasTombstone {
			e.recordConflictDetected()
			if tombstone.HLC >= op.Timestamp {
				e.recordRejectedStale()
				return nil // row was deleted at or after this operation: resurrection guard
			}
			e.recordConflictResolved()
		}
		if op.Type == oplog.Create {
			return e.dispatch(tx, op, func(r Resolver) error { return r.ApplyCreate(tx, op) })
		}
		return e.dispatch(tx, op, func(r Resolver) error { return r.ApplyUpdate(tx, op) })

	default:
		return syncerr.New(syncerr.KindValidation, "merge.applyTx", errUnknownOpType(op.Type))
	}
}

func (e *Engine) recordConflictDetected() {
	if e.metrics != nil {
		e.metrics.MergeConflictsDetected.Inc()
	}
}

func (e *Engine) recordConflictResolved() {
	if e.metrics != nil {
		e.metrics.MergeConflictsResolved.Inc()
	}
}

func (e *Engine) recordRejectedStale() {
	if e.metrics != nil {
		e.metrics.OpsRejectedStale.Inc()
	}
}

func (e *Engine) dispatch(_ *buntdb.Tx, op oplog.Operation, fn func(Resolver) error) error {
	r, ok := e.resolverFor(op.Table)
	if !ok {
		e.logger.Warn("no resolver registered for table, oplog entry recorded without live-row projection",
			zap.String("table", op.Table),
			zap.String("op_id", op.ID),
		)
		return nil
	}
	return fn(r)
}

func errUnknownOpType(t oplog.Type) error {
	return &unknownOpTypeError{t}
}

type unknownOpTypeError struct{ t oplog.Type }

func (e *unknownOpTypeError) Error() string {
	return "unknown operation type: " + string(e.t)
}

// SortByHLC orders operations ascending by HLC, then by (device_id, op.id)
// to break exact ties. Exposed for callers (tests, the sync manager) that
// want a deterministic view of a batch before merging.
func SortByHLC(ops []oplog.Operation) {
	sort.SliceStable(ops, func(i, j int) bool {
		a, b := ops[i], ops[j]
		if a.Timestamp != b.Timestamp {
			return a.Timestamp < b.Timestamp
		}
		if a.DeviceID != b.DeviceID {
			return a.DeviceID < b.DeviceID
		}
		return a.ID < b.ID
	})
}
