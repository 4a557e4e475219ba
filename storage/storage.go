/*
Package storage defines the pluggable backend protocol that every
concrete key/value engine in this module implements, and the registry
that resolves a configuration's storage_type to a constructor.

A Backend is not required to connect eagerly; construction is pure with
respect to its Config, and the first data operation performs the actual
lazy connect. Every Backend method is handed a keycodec.KeySpec alongside
the table name it applies to, so a Backend implementation never has to
remember table schemas itself beyond what it needs to create or locate
its own physical storage (a SQL table, a bucket, a column family, ...).

Although every backend here ultimately stores bytes under bytes, there is
real variation in what "ordered" means to each one (a B-tree, a sorted
SSTable, a RDBMS index, a column family's row key space, a document
store's secondary index). keycodec.Encode is what makes all of them agree
on the same byte-lexicographic order; this package only standardizes the
shapes backends exchange with the facade.
*/
package storage

import (
	"context"

	"github.com/starwalker/kvlayer/keycodec"
)

// Config is the plain settings map every backend constructor consumes;
// see spec section 6 for the well-known keys.
type Config map[string]interface{}

// KV is a single key/value pair headed into or out of a backend.
type KV struct {
	Key   keycodec.Key
	Value []byte
}

// GetResult is the outcome of resolving one key passed to Get: Found is
// false when the key is absent, in which case Value is nil.
type GetResult struct {
	Key   keycodec.Key
	Value []byte
	Found bool
}

// KeyRange bounds a scan over one virtual table. An empty Start means
// "from the beginning"; an empty End means "to the end". Both bounds are
// inclusive.
type KeyRange struct {
	Start keycodec.Key
	End   keycodec.Key
}

// KVIterator yields key/value pairs from a Scan. Callers must call
// Close when finished, including when abandoning the iterator before
// exhausting it, so the backend can release any server-side cursor.
type KVIterator interface {
	// Next advances the iterator and reports whether a pair is
	// available; it returns false at end of stream or on error (check
	// Err to distinguish the two).
	Next(ctx context.Context) bool
	KeyValue() KV
	Err() error
	Close() error
}

// KeyIterator is KVIterator's key-only counterpart, used by ScanKeys so a
// backend can skip fetching values it doesn't need to return.
type KeyIterator interface {
	Next(ctx context.Context) bool
	Key() keycodec.Key
	Err() error
	Close() error
}

// Backend is the pluggable protocol every storage engine implements. The
// facade (package datastore) is the only caller; every method operates on
// encoded bytes via keycodec and already-validated table names.
type Backend interface {
	// SetupNamespace idempotently creates or extends the physical
	// schema for the given tables. Existing data is untouched.
	SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error

	// DeleteNamespace idempotently removes all tables and data for this
	// namespace.
	DeleteNamespace(ctx context.Context) error

	// ClearTable idempotently deletes every row in one table, preserving
	// the table itself.
	ClearTable(ctx context.Context, table string, spec keycodec.KeySpec) error

	// Put upserts kvs into table in call order: last write for a given
	// key wins.
	Put(ctx context.Context, table string, spec keycodec.KeySpec, kvs []KV) error

	// Get resolves keys against table, in argument order. A missing key
	// yields GetResult{Found: false}, never an error.
	Get(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) ([]GetResult, error)

	// Scan returns an iterator over ranges, processed in argument order,
	// with ascending key order within each range. No ranges means "the
	// entire table". The relational and document backends fetch rows as
	// the iterator advances; the local, filestorage, redis, bigtable and
	// cassandra backends read every matching row when Scan is called and
	// do not stream.
	Scan(ctx context.Context, table string, spec keycodec.KeySpec, ranges []KeyRange) (KVIterator, error)

	// ScanKeys is Scan's key-only counterpart.
	ScanKeys(ctx context.Context, table string, spec keycodec.KeySpec, ranges []KeyRange) (KeyIterator, error)

	// Delete idempotently removes keys from table; absent keys succeed
	// silently.
	Delete(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) error

	// Close releases all backend resources (connections, file handles).
	Close() error
}

// Constructor builds a Backend from a Config. Construction must not block
// on connecting; the returned Backend connects lazily on first use.
type Constructor func(cfg Config) (Backend, error)
