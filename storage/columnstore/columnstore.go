// Package columnstore implements storage.Backend over Apache Cassandra via
// gocql (spec section 4.9), the Go counterpart of the original kvlayer's
// Cassandra backend. Per the original's documented limitation, every key
// field must be an keycodec.IDField: Cassandra's partition-key hashing
// means there is no native ordered range scan over an arbitrary byte
// string the way the other backends get one from a B-tree or SQL index,
// so this backend restricts itself to the one key shape (tuples of
// UUIDs) the original backend accepted too.
package columnstore

import (
	"context"
	"fmt"
	"sort"

	"github.com/gocql/gocql"
	"go.uber.org/zap"

	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/kverrors"
	"github.com/starwalker/kvlayer/storage"
)

func init() {
	storage.Register("cassandra", New)
}

const maxValueBytes = 15 * 1000 * 1000

// Backend is a lazily-connected Cassandra client scoped to one keyspace
// per (app_name, namespace) pair.
type Backend struct {
	hosts    []string
	keyspace string
	log      *zap.Logger

	session *gocql.Session
}

// New constructs a columnstore Backend.
func New(cfg storage.Config) (storage.Backend, error) {
	addrs, err := cfg.Addresses()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, kverrors.New(kverrors.BadConfig, "cassandra kvlayer needs config[\"storage_addresses\"]")
	}
	app, namespace, err := cfg.AppNamespace()
	if err != nil {
		return nil, err
	}
	return &Backend{
		hosts:    addrs,
		keyspace: keyspaceName(app, namespace),
		log:      cfg.Logger(),
	}, nil
}

func keyspaceName(app, namespace string) string {
	if app == "" {
		return namespace
	}
	return app + "_" + namespace
}

// requireIDOnly enforces the Cassandra backend's documented key-shape
// limitation: every field of spec must be an IDField.
func requireIDOnly(spec keycodec.KeySpec) error {
	for i, ft := range spec {
		if ft != keycodec.IDField {
			return kverrors.New(kverrors.BadConfig,
				"cassandra backend requires all-UUID keys; field %d is not an IDField", i)
		}
	}
	return nil
}

func (b *Backend) connect() (*gocql.Session, error) {
	if b.session != nil {
		return b.session, nil
	}
	cluster := gocql.NewCluster(b.hosts...)
	cluster.Consistency = gocql.Quorum
	session, err := cluster.CreateSession()
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Connectivity, err, "creating cassandra session")
	}
	if err := session.Query(fmt.Sprintf(
		`CREATE KEYSPACE IF NOT EXISTS %s WITH replication = {'class': 'SimpleStrategy', 'replication_factor': 1}`,
		b.keyspace)).Exec(); err != nil {
		session.Close()
		return nil, kverrors.Wrap(kverrors.BackendError, err, "creating keyspace %q", b.keyspace)
	}
	b.session = session
	return b.session, nil
}

func (b *Backend) detach() {
	if b.session != nil {
		b.session.Close()
		b.session = nil
	}
}

func (b *Backend) SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error {
	session, err := b.connect()
	if err != nil {
		return err
	}
	for name, spec := range tables {
		if err := requireIDOnly(spec); err != nil {
			return err
		}
		stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s.%s (k blob PRIMARY KEY, v blob)`, b.keyspace, name)
		if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "creating table %q", name)
		}
	}
	return nil
}

func (b *Backend) DeleteNamespace(ctx context.Context) error {
	session, err := b.connect()
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DROP KEYSPACE IF EXISTS %s`, b.keyspace)
	if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "dropping keyspace %q", b.keyspace)
	}
	return nil
}

func (b *Backend) ClearTable(ctx context.Context, table string, spec keycodec.KeySpec) error {
	session, err := b.connect()
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`TRUNCATE %s.%s`, b.keyspace, table)
	if err := session.Query(stmt).WithContext(ctx).Exec(); err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "truncating %q", table)
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, table string, spec keycodec.KeySpec, kvs []storage.KV) error {
	if err := requireIDOnly(spec); err != nil {
		return err
	}
	session, err := b.connect()
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`INSERT INTO %s.%s (k, v) VALUES (?, ?)`, b.keyspace, table)
	for _, kv := range kvs {
		if len(kv.Value) > maxValueBytes {
			return kverrors.New(kverrors.ValueTooLarge, "value of %d bytes exceeds cap of %d", len(kv.Value), maxValueBytes)
		}
		enc, err := keycodec.Encode(kv.Key, spec)
		if err != nil {
			return err
		}
		if err := session.Query(stmt, enc, kv.Value).WithContext(ctx).Exec(); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "insert into %q", table)
		}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) ([]storage.GetResult, error) {
	if err := requireIDOnly(spec); err != nil {
		return nil, err
	}
	session, err := b.connect()
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(`SELECT v FROM %s.%s WHERE k = ?`, b.keyspace, table)
	results := make([]storage.GetResult, len(keys))
	for i, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return nil, err
		}
		var v []byte
		err = session.Query(stmt, enc).WithContext(ctx).Scan(&v)
		switch {
		case err == gocql.ErrNotFound:
			results[i] = storage.GetResult{Key: k, Found: false}
		case err != nil:
			b.detach()
			return nil, kverrors.Wrap(kverrors.BackendError, err, "select from %q", table)
		default:
			results[i] = storage.GetResult{Key: k, Value: v, Found: true}
		}
	}
	return results, nil
}

func (b *Backend) Delete(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) error {
	if err := requireIDOnly(spec); err != nil {
		return err
	}
	session, err := b.connect()
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(`DELETE FROM %s.%s WHERE k = ?`, b.keyspace, table)
	for _, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return err
		}
		if err := session.Query(stmt, enc).WithContext(ctx).Exec(); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "delete from %q", table)
		}
	}
	return nil
}

// Scan fetches the entire table and filters/sorts client-side. Cassandra's
// partition-key hashing means there is no native server-side ordered range
// scan to delegate to here; this is the same tradeoff the original
// kvlayer documented for this backend (storage_type: cassandra requires
// UUID-tuple keys precisely because there is no portable ordering
// otherwise).
func (b *Backend) Scan(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KVIterator, error) {
	items, err := b.collect(ctx, table, spec, ranges, true)
	if err != nil {
		return nil, err
	}
	return &kvIter{items: items}, nil
}

func (b *Backend) ScanKeys(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KeyIterator, error) {
	items, err := b.collect(ctx, table, spec, ranges, false)
	if err != nil {
		return nil, err
	}
	return &keyIter{items: items}, nil
}

type scanRow struct {
	rng int
	enc []byte
	kv  storage.KV
}

func (b *Backend) collect(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange, withValues bool) ([]storage.KV, error) {
	if err := requireIDOnly(spec); err != nil {
		return nil, err
	}
	session, err := b.connect()
	if err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		ranges = []storage.KeyRange{{}}
	}

	var bounds []struct{ start, end []byte }
	for _, r := range ranges {
		start, err := keycodec.RangeStart(r.Start, spec)
		if err != nil {
			return nil, err
		}
		end, err := keycodec.RangeEnd(r.End, spec)
		if err != nil {
			return nil, err
		}
		bounds = append(bounds, struct{ start, end []byte }{start, end})
	}

	stmt := fmt.Sprintf(`SELECT k, v FROM %s.%s`, b.keyspace, table)
	iter := session.Query(stmt).WithContext(ctx).Iter()
	var rows []scanRow
	var k, v []byte
	for iter.Scan(&k, &v) {
		enc := append([]byte(nil), k...)
		for ri, bd := range bounds {
			if len(bd.start) > 0 && compareBytes(enc, bd.start) < 0 {
				continue
			}
			if bd.end != nil && compareBytes(enc, bd.end) > 0 {
				continue
			}
			key, derr := keycodec.Decode(enc, spec)
			if derr != nil {
				iter.Close()
				return nil, derr
			}
			value := append([]byte(nil), v...)
			if !withValues {
				value = nil
			}
			rows = append(rows, scanRow{rng: ri, enc: enc, kv: storage.KV{Key: key, Value: value}})
		}
	}
	if err := iter.Close(); err != nil {
		b.detach()
		return nil, kverrors.Wrap(kverrors.BackendError, err, "scanning %q", table)
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].rng != rows[j].rng {
			return rows[i].rng < rows[j].rng
		}
		return compareBytes(rows[i].enc, rows[j].enc) < 0
	})
	out := make([]storage.KV, len(rows))
	for i, r := range rows {
		out[i] = r.kv
	}
	return out, nil
}

func compareBytes(a, b []byte) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	default:
		return 0
	}
}

func (b *Backend) Close() error {
	b.detach()
	return nil
}

type kvIter struct {
	items []storage.KV
	pos   int
}

func (it *kvIter) Next(ctx context.Context) bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}
func (it *kvIter) KeyValue() storage.KV { return it.items[it.pos-1] }
func (it *kvIter) Err() error           { return nil }
func (it *kvIter) Close() error         { return nil }

type keyIter struct {
	items []storage.KV
	pos   int
}

func (it *keyIter) Next(ctx context.Context) bool {
	if it.pos >= len(it.items) {
		return false
	}
	it.pos++
	return true
}
func (it *keyIter) Key() keycodec.Key { return it.items[it.pos-1].Key }
func (it *keyIter) Err() error        { return nil }
func (it *keyIter) Close() error      { return nil }
