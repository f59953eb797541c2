package metadb

import (
	"testing"

	"github.com/otcmesh/broker-node/db"
)

// NewTest returns a pebble database in a temporary directory, closed
// automatically when the test finishes.
func NewTest(tb testing.TB) db.Database {
	database, err := New(db.TypePebble, tb.TempDir())
	if err != nil {
		tb.Fatal(err)
	}
	tb.Cleanup(func() {
		if err := database.Close(); err != nil {
			tb.Error(err)
		}
	})
	return database
}
