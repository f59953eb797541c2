package inmemory

import (
	"testing"

	qt "github.com/frankban/quicktest"
	"github.com/otcmesh/broker-node/db"
	"github.com/otcmesh/broker-node/db/internal/dbtest"
	"github.com/otcmesh/broker-node/db/prefixeddb"
)

func TestWriteTx(t *testing.T) {
	database, err := New(db.Options{})
	qt.Assert(t, err, qt.IsNil)

	dbtest.TestWriteTx(t, database)
}

func TestIterate(t *testing.T) {
	database, err := New(db.Options{})
	qt.Assert(t, err, qt.IsNil)

	dbtest.TestIterate(t, database)
}

func TestWriteTxApply(t *testing.T) {
	database, err := New(db.Options{})
	qt.Assert(t, err, qt.IsNil)

	dbtest.TestWriteTxApply(t, database)
}

func TestWriteTxApplyPrefixed(t *testing.T) {
	database, err := New(db.Options{})
	qt.Assert(t, err, qt.IsNil)

	prefix := []byte("one")
	dbWithPrefix := prefixeddb.NewPrefixedDatabase(database, prefix)

	dbtest.TestWriteTxApplyPrefixed(t, database, dbWithPrefix)
}

func TestConcurrentWriteTx(t *testing.T) {
	database, err := New(db.Options{})
	qt.Assert(t, err, qt.IsNil)

	dbtest.TestConcurrentWriteTx(t, database)
}

// TestConflictOnDelete checks that deleting a key conflicts with a
// transaction that read it.
func TestConflictOnDelete(t *testing.T) {
	c := qt.New(t)

	database, err := New(db.Options{})
	c.Assert(err, qt.IsNil)

	key := []byte("key")
	wTx := database.WriteTx()
	c.Assert(wTx.Set(key, []byte("value")), qt.IsNil)
	c.Assert(wTx.Commit(), qt.IsNil)

	reader := database.WriteTx()
	defer reader.Discard()
	_, err = reader.Get(key)
	c.Assert(err, qt.IsNil)
	c.Assert(reader.Set([]byte("other"), []byte("x")), qt.IsNil)

	deleter := database.WriteTx()
	defer deleter.Discard()
	c.Assert(deleter.Delete(key), qt.IsNil)
	c.Assert(deleter.Commit(), qt.IsNil)

	c.Assert(reader.Commit(), qt.ErrorIs, db.ErrConflict)
}
