package merge

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/tidwall/buntdb"

	"github.com/ahenk-go/syncd/internal/hlc"
	"github.com/ahenk-go/syncd/internal/oplog"
)

// testResolver is a minimal LWW resolver over a generic JSON row, used only
// to exercise the engine's dispatch and tombstone logic in tests. It stores
// rows as {"hlc": <uint64>, "data": <raw>} so ApplyUpdate can compare the
// row's recorded HLC against the incoming operation.
type testResolver struct{ table string }

type testRow struct {
	HLC  hlc.HLC         `json:"hlc"`
	Data json.RawMessage `json:"data"`
}

func (r *testResolver) key(rowID string) string {
	return fmt.Sprintf("testrow:%s:%s", r.table, rowID)
}

func (r *testResolver) ApplyCreate(tx *buntdb.Tx, op oplog.Operation) error {
	existing, ok, err := r.get(tx, op.RowID)
	if err != nil {
		return err
	}
	if ok && existing.HLC >= op.Timestamp {
		return nil
	}
	return r.put(tx, op)
}

func (r *testResolver) ApplyUpdate(tx *buntdb.Tx, op oplog.Operation) error {
	existing, ok, err := r.get(tx, op.RowID)
	if err != nil {
		return err
	}
	if ok && existing.HLC >= op.Timestamp {
		return nil
	}
	return r.put(tx, op)
}

func (r *testResolver) ApplyDelete(tx *buntdb.Tx, op oplog.Operation) error {
	_, err := tx.Delete(r.key(op.RowID))
	if err != nil && err != buntdb.ErrNotFound {
		return err
	}
	return nil
}

func (r *testResolver) get(tx *buntdb.Tx, rowID string) (testRow, bool, error) {
	raw, err := tx.Get(r.key(rowID))
	if err == buntdb.ErrNotFound {
		return testRow{}, false, nil
	}
	if err != nil {
		return testRow{}, false, err
	}
	var row testRow
	if err := json.Unmarshal([]byte(raw), &row); err != nil {
		return testRow{}, false, err
	}
	return row, true, nil
}

func (r *testResolver) put(tx *buntdb.Tx, op oplog.Operation) error {
	row := testRow{HLC: op.Timestamp, Data: op.Data}
	raw, err := json.Marshal(row)
	if err != nil {
		return err
	}
	_, _, err = tx.Set(r.key(op.RowID), string(raw), nil)
	return err
}

func newTestEngine(t *testing.T, table string) (*Engine, *testResolver) {
	t.Helper()
	db, err := buntdb.Open(":memory:")
	if err != nil {
		t.Fatalf("buntdb.Open: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	e := NewEngine(db, nil, nil)
	r := &testResolver{table: table}
	e.RegisterResolver(table, r)
	return e, r
}

func (r *testResolver) read(t *testing.T, db *buntdb.DB, rowID string) (testRow, bool) {
	t.Helper()
	var row testRow
	var ok bool
	err := db.View(func(tx *buntdb.Tx) error {
		var getErr error
		row, ok, getErr = r.get(tx, rowID)
		return getErr
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	return row, ok
}

func opData(t *testing.T, v string) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(map[string]string{"x": v})
	if err != nil {
		t.Fatalf("json.Marshal: %v", err)
	}
	return raw
}

func TestEngine_ApplyLocalIdempotent(t *testing.T) {
	e, r := newTestEngine(t, "notes")
	op := oplog.New("device-a", hlc.Pack(100, 0), "notes", "row-1", oplog.Create, opData(t, "hello"))

	for i := 0; i < 3; i++ {
		if err := e.ApplyLocal(op); err != nil {
			t.Fatalf("ApplyLocal iteration %d: %v", i, err)
		}
	}

	row, ok := r.read(t, e.db, "row-1")
	if !ok {
		t.Fatal("expected row to exist")
	}
	var data map[string]string
	_ = json.Unmarshal(row.Data, &data)
	if data["x"] != "hello" {
		t.Fatalf("expected row data unchanged after repeated apply, got %v", data)
	}

	n, err := e.oplog.Len()
	if err != nil {
		t.Fatalf("Len: %v", err)
	}
	if n != 1 {
		t.Fatalf("expected exactly one oplog entry after 3 identical applies, got %d", n)
	}
}

func TestEngine_LWWOnConflictingUpdates(t *testing.T) {
	create := oplog.New("device-a", hlc.Pack(100, 0), "notes", "row-1", oplog.Create, opData(t, "initial"))
	opA := oplog.New("device-a", hlc.Pack(200, 0), "notes", "row-1", oplog.Update, opData(t, "A"))
	opB := oplog.New("device-b", hlc.Pack(300, 0), "notes", "row-1", oplog.Update, opData(t, "B"))

	orderings := [][]oplog.Operation{
		{create, opB, opA},
		{create, opA, opB},
	}

	for i, batch := range orderings {
		t.Run(fmt.Sprintf("ordering_%d", i), func(t *testing.T) {
			e, r := newTestEngine(t, "notes")
			if err := e.Merge(batch); err != nil {
				t.Fatalf("Merge: %v", err)
			}
			row, ok := r.read(t, e.db, "row-1")
			if !ok {
				t.Fatal("expected row to exist")
			}
			var data map[string]string
			_ = json.Unmarshal(row.Data, &data)
			if data["x"] != "B" {
				t.Fatalf("expected final value %q (higher HLC wins), got %q", "B", data["x"])
			}
		})
	}
}

func TestEngine_ConcurrentWriterConvergence(t *testing.T) {
	var deviceAOps, deviceBOps []oplog.Operation
	for i := 0; i < 100; i++ {
		deviceAOps = append(deviceAOps, oplog.New("device-a", hlc.Pack(int64(1000+i), 0), "notes", fmt.Sprintf("a-%d", i), oplog.Create, opData(t, "a")))
		deviceBOps = append(deviceBOps, oplog.New("device-b", hlc.Pack(int64(2000+i), 0), "notes", fmt.Sprintf("b-%d", i), oplog.Create, opData(t, "b")))
	}

	eA, _ := newTestEngine(t, "notes")
	eB, _ := newTestEngine(t, "notes")

	if err := eA.Merge(deviceAOps); err != nil {
		t.Fatalf("seed device A: %v", err)
	}
	if err := eB.Merge(deviceBOps); err != nil {
		t.Fatalf("seed device B: %v", err)
	}

	// pairwise exchange in both directions
	if err := eA.Merge(deviceBOps); err != nil {
		t.Fatalf("A merges B's ops: %v", err)
	}
	if err := eB.Merge(deviceAOps); err != nil {
		t.Fatalf("B merges A's ops: %v", err)
	}

	nA, err := eA.oplog.Len()
	if err != nil {
		t.Fatalf("A Len: %v", err)
	}
	nB, err := eB.oplog.Len()
	if err != nil {
		t.Fatalf("B Len: %v", err)
	}
	if nA != 200 || nB != 200 {
		t.Fatalf("expected both devices to hold 200 operations, got A=%d B=%d", nA, nB)
	}
}

func TestEngine_DeleteTombstoneBlocksResurrection(t *testing.T) {
	e, r := newTestEngine(t, "notes")

	create := oplog.New("device-a", hlc.Pack(100, 0), "notes", "row-1", oplog.Create, opData(t, "initial"))
	del := oplog.New("device-a", hlc.Pack(200, 0), "notes", "row-1", oplog.Delete, nil)
	staleUpdate := oplog.New("device-b", hlc.Pack(150, 0), "notes", "row-1", oplog.Update, opData(t, "too-late"))

	if err := e.Merge([]oplog.Operation{create, del, staleUpdate}); err != nil {
		t.Fatalf("Merge: %v", err)
	}

	if _, ok := r.read(t, e.db, "row-1"); ok {
		t.Fatal("expected row to remain deleted: a stale update must not resurrect it")
	}
}

func TestEngine_UnregisteredTableStillRecordsOplog(t *testing.T) {
	e, err := func() (*Engine, error) {
		db, err := buntdb.Open(":memory:")
		if err != nil {
			return nil, err
		}
		return NewEngine(db, nil, nil), nil
	}()
	if err != nil {
		t.Fatalf("setup: %v", err)
	}

	op := oplog.New("device-a", hlc.Pack(100, 0), "unregistered_table", "row-1", oplog.Create, opData(t, "x"))
	if err := e.ApplyLocal(op); err != nil {
		t.Fatalf("ApplyLocal with no resolver registered: %v", err)
	}

	exists, err := e.oplog.Exists(op.ID)
	if err != nil {
		t.Fatalf("Exists: %v", err)
	}
	if !exists {
		t.Fatal("expected oplog entry to be recorded even without a registered resolver")
	}
}

func TestSortByHLC(t *testing.T) {
	a := oplog.New("zzz", hlc.Pack(100, 0), "t", "r", oplog.Create, nil)
	b := oplog.New("aaa", hlc.Pack(100, 0), "t", "r", oplog.Create, nil)
	c := oplog.New("aaa", hlc.Pack(50, 0), "t", "r", oplog.Create, nil)

	ops := []oplog.Operation{a, b, c}
	SortByHLC(ops)

	if ops[0].ID != c.ID || ops[1].ID != b.ID || ops[2].ID != a.ID {
		t.Fatalf("expected order [c, b, a] by (HLC, device_id), got order by ID: %v", []string{ops[0].DeviceID, ops[1].DeviceID, ops[2].DeviceID})
	}
}
