// Package dbtest provides conformance tests shared by the database
// backends.
package dbtest

import (
	"bytes"
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/otcmesh/broker-node/db"
)

// TestWriteTx exercises the basic Set/Get/Delete/Commit/Discard cycle.
func TestWriteTx(t *testing.T, database db.Database) {
	wTx := database.WriteTx()
	defer wTx.Discard()

	_, err := wTx.Get([]byte("a"))
	qt.Assert(t, err, qt.ErrorIs, db.ErrKeyNotFound)

	qt.Assert(t, wTx.Set([]byte("a"), []byte("b")), qt.IsNil)

	v, err := wTx.Get([]byte("a"))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, []byte("b"))

	qt.Assert(t, wTx.Commit(), qt.IsNil)

	// Discard after Commit must not panic.
	wTx.Discard()

	v, err = database.Get([]byte("a"))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, []byte("b"))

	wTx = database.WriteTx()
	defer wTx.Discard()

	v, err = wTx.Get([]byte("a"))
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, []byte("b"))

	qt.Assert(t, wTx.Delete([]byte("a")), qt.IsNil)
	_, err = wTx.Get([]byte("a"))
	qt.Assert(t, err, qt.ErrorIs, db.ErrKeyNotFound)
	qt.Assert(t, wTx.Commit(), qt.IsNil)

	_, err = database.Get([]byte("a"))
	qt.Assert(t, err, qt.ErrorIs, db.ErrKeyNotFound)

	// A discarded transaction must not write anything.
	wTx = database.WriteTx()
	qt.Assert(t, wTx.Set([]byte("x"), []byte("y")), qt.IsNil)
	wTx.Discard()
	_, err = database.Get([]byte("x"))
	qt.Assert(t, err, qt.ErrorIs, db.ErrKeyNotFound)
}

// TestIterate exercises ordering, prefix filtering and early stop. The key
// passed to the callback may or may not include the prefix depending on
// the backend, so keys are normalized before checking.
func TestIterate(t *testing.T, database db.Database) {
	entries := map[string]string{
		"k/01": "v1",
		"k/02": "v2",
		"k/03": "v3",
		"x/01": "other",
	}
	wTx := database.WriteTx()
	defer wTx.Discard()
	for k, v := range entries {
		qt.Assert(t, wTx.Set([]byte(k), []byte(v)), qt.IsNil)
	}
	qt.Assert(t, wTx.Commit(), qt.IsNil)

	// Full scan returns every key in lexicographic order.
	var all []string
	err := database.Iterate(nil, func(k, _ []byte) bool {
		all = append(all, string(k))
		return true
	})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, all, qt.DeepEquals, []string{"k/01", "k/02", "k/03", "x/01"})

	// Prefix scan returns only the keys under the prefix.
	prefix := []byte("k/")
	var got []string
	err = database.Iterate(prefix, func(k, v []byte) bool {
		if bytes.HasPrefix(k, prefix) {
			k = k[len(prefix):]
		}
		got = append(got, string(k)+"="+string(v))
		return true
	})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, got, qt.DeepEquals, []string{"01=v1", "02=v2", "03=v3"})

	// Returning false stops the iteration.
	count := 0
	err = database.Iterate(nil, func(_, _ []byte) bool {
		count++
		return count < 2
	})
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, count, qt.Equals, 2)
}

// TestWriteTxApply checks that Apply copies the pending writes of another
// transaction.
func TestWriteTxApply(t *testing.T, database db.Database) {
	keyA := []byte("a")
	valA := []byte("av")

	wTx1 := database.WriteTx()
	defer wTx1.Discard()
	qt.Assert(t, wTx1.Set(keyA, valA), qt.IsNil)

	wTx2 := database.WriteTx()
	defer wTx2.Discard()
	qt.Assert(t, wTx2.Apply(wTx1), qt.IsNil)
	qt.Assert(t, wTx2.Commit(), qt.IsNil)

	v, err := database.Get(keyA)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, valA)
}

// TestWriteTxApplyPrefixed checks that applying a plain transaction into a
// prefixed one lands the keys under the prefix.
func TestWriteTxApplyPrefixed(t *testing.T, database, databaseWithPrefix db.Database) {
	keyA := []byte("a")
	valA := []byte("av")

	wTx := database.WriteTx()
	defer wTx.Discard()
	qt.Assert(t, wTx.Set(keyA, valA), qt.IsNil)

	wTxPrefix := databaseWithPrefix.WriteTx()
	defer wTxPrefix.Discard()
	qt.Assert(t, wTxPrefix.Apply(wTx), qt.IsNil)
	qt.Assert(t, wTxPrefix.Commit(), qt.IsNil)

	v, err := databaseWithPrefix.Get(keyA)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, v, qt.DeepEquals, valA)
}

// TestConcurrentWriteTx checks that the second of two overlapping
// read-modify-write transactions fails with db.ErrConflict. Only backends
// with transactional semantics pass this test.
func TestConcurrentWriteTx(t *testing.T, database db.Database) {
	key := []byte("counter")

	wTx := database.WriteTx()
	defer wTx.Discard()
	qt.Assert(t, wTx.Set(key, []byte{0}), qt.IsNil)
	qt.Assert(t, wTx.Commit(), qt.IsNil)

	wTx1 := database.WriteTx()
	defer wTx1.Discard()
	wTx2 := database.WriteTx()
	defer wTx2.Discard()

	v1, err := wTx1.Get(key)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, wTx1.Set(key, []byte{v1[0] + 1}), qt.IsNil)

	v2, err := wTx2.Get(key)
	qt.Assert(t, err, qt.IsNil)
	qt.Assert(t, wTx2.Set(key, []byte{v2[0] + 1}), qt.IsNil)

	qt.Assert(t, wTx1.Commit(), qt.IsNil)
	qt.Assert(t, wTx2.Commit(), qt.ErrorIs, db.ErrConflict)
}
