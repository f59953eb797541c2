// Package metadb instantiates a db.Database backend by type name.
package metadb

import (
	"fmt"

	"github.com/otcmesh/broker-node/db"
	"github.com/otcmesh/broker-node/db/inmemory"
	"github.com/otcmesh/broker-node/db/leveldb"
	"github.com/otcmesh/broker-node/db/pebbledb"
)

// New returns a database of the given type rooted at dir.
func New(typ, dir string) (db.Database, error) {
	opts := db.Options{Path: dir}
	switch typ {
	case db.TypePebble:
		return pebbledb.New(opts)
	case db.TypeLevelDB:
		return leveldb.New(opts)
	case db.TypeInMemory:
		return inmemory.New(opts)
	default:
		return nil, fmt.Errorf("invalid db type: %q", typ)
	}
}
