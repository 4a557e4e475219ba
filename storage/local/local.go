// Package local implements storage.Backend over an in-process ordered map.
// It is intended only for tests and short-lived local development, per
// spec section 4.4: state is never persisted. Every Backend method holds
// the backend's mutex for its whole duration.
package local

import (
	"bytes"
	"context"
	"sync"

	"github.com/google/btree"

	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/kverrors"
	"github.com/starwalker/kvlayer/storage"
)

func init() {
	storage.Register("local", New)
}

type item struct {
	key   []byte
	value []byte
}

func itemLess(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Backend is the in-memory storage.Backend implementation. Each virtual
// table is its own google/btree ordered map keyed by encoded bytes, so
// range scans are real ordered B-tree walks rather than sort-on-read.
type Backend struct {
	mu     sync.Mutex
	tables map[string]*btree.BTreeG[item]
}

// New constructs a local Backend. storage_addresses and most other config
// keys are ignored; local never connects to anything external.
func New(cfg storage.Config) (storage.Backend, error) {
	return &Backend{tables: make(map[string]*btree.BTreeG[item])}, nil
}

func (b *Backend) SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for name := range tables {
		if _, ok := b.tables[name]; !ok {
			b.tables[name] = btree.NewG(32, itemLess)
		}
	}
	return nil
}

func (b *Backend) DeleteNamespace(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.tables = make(map[string]*btree.BTreeG[item])
	return nil
}

func (b *Backend) ClearTable(ctx context.Context, table string, spec keycodec.KeySpec) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.tables[table]; ok {
		b.tables[table] = btree.NewG(32, itemLess)
	}
	return nil
}

func (b *Backend) table(name string) *btree.BTreeG[item] {
	t, ok := b.tables[name]
	if !ok {
		t = btree.NewG(32, itemLess)
		b.tables[name] = t
	}
	return t
}

func (b *Backend) Put(ctx context.Context, table string, spec keycodec.KeySpec, kvs []storage.KV) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(table)
	for _, kv := range kvs {
		enc, err := keycodec.Encode(kv.Key, spec)
		if err != nil {
			return err
		}
		if len(kv.Value) > maxValueBytes {
			return kverrors.New(kverrors.ValueTooLarge, "value of %d bytes exceeds cap of %d", len(kv.Value), maxValueBytes)
		}
		value := append([]byte(nil), kv.Value...)
		t.ReplaceOrInsert(item{key: enc, value: value})
	}
	return nil
}

const maxValueBytes = 15 * 1000 * 1000

func (b *Backend) Get(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) ([]storage.GetResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(table)
	results := make([]storage.GetResult, len(keys))
	for i, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return nil, err
		}
		if found, ok := t.Get(item{key: enc}); ok {
			results[i] = storage.GetResult{Key: k, Value: found.value, Found: true}
		} else {
			results[i] = storage.GetResult{Key: k, Found: false}
		}
	}
	return results, nil
}

func (b *Backend) Delete(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(table)
	for _, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return err
		}
		t.Delete(item{key: enc})
	}
	return nil
}

func (b *Backend) Scan(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KVIterator, error) {
	snapshot, err := b.collect(table, spec, ranges, true)
	if err != nil {
		return nil, err
	}
	return &kvIter{items: snapshot, spec: spec}, nil
}

func (b *Backend) ScanKeys(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KeyIterator, error) {
	snapshot, err := b.collect(table, spec, ranges, false)
	if err != nil {
		return nil, err
	}
	return &keyIter{items: snapshot, spec: spec}, nil
}

// collect materializes matching rows up front; this is the "reference
// semantics for tests" tradeoff spec section 4.4 calls out explicitly --
// LocalBackend favors simple, obviously-correct snapshotting over true
// streaming, unlike the relational and document backends, whose iterators
// fetch rows from the server as they advance.
func (b *Backend) collect(table string, spec keycodec.KeySpec, ranges []storage.KeyRange, withValues bool) ([]item, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	t := b.table(table)

	if len(ranges) == 0 {
		ranges = []storage.KeyRange{{}}
	}

	var out []item
	for _, r := range ranges {
		start, err := keycodec.RangeStart(r.Start, spec)
		if err != nil {
			return nil, err
		}
		end, err := keycodec.RangeEnd(r.End, spec)
		if err != nil {
			return nil, err
		}
		visit := func(it item) bool {
			if end != nil && bytes.Compare(it.key, end) > 0 {
				return false
			}
			value := it.value
			if !withValues {
				value = nil
			}
			out = append(out, item{key: append([]byte(nil), it.key...), value: value})
			return true
		}
		if len(start) == 0 {
			t.Ascend(visit)
		} else {
			t.AscendGreaterOrEqual(item{key: start}, visit)
		}
	}
	return out, nil
}

func (b *Backend) Close() error { return nil }

type kvIter struct {
	items []item
	spec  keycodec.KeySpec
	pos   int
}

func (it *kvIter) Next(ctx context.Context) bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *kvIter) KeyValue() storage.KV {
	cur := it.items[it.pos-1]
	k, _ := keycodec.Decode(cur.key, it.spec)
	return storage.KV{Key: k, Value: cur.value}
}

func (it *kvIter) Err() error   { return nil }
func (it *kvIter) Close() error { return nil }

type keyIter struct {
	items []item
	spec  keycodec.KeySpec
	pos   int
}

func (it *keyIter) Next(ctx context.Context) bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}

func (it *keyIter) Key() keycodec.Key {
	cur := it.items[it.pos-1]
	k, _ := keycodec.Decode(cur.key, it.spec)
	return k
}

func (it *keyIter) Err() error   { return nil }
func (it *keyIter) Close() error { return nil }
