// Package relational implements storage.Backend over a single PostgreSQL
// table per namespace plus a server-side upsert routine, and a chunked
// ordered scan that never holds a server-side cursor open (spec section
// 4.7, the first of the two "hard parts" this module is built around).
//
// The schema and upsert routine mirror the original kvlayer postgres
// backend's try-update-then-insert-loop almost exactly (see
// _examples/original_source/src/kvlayer/_postgres.py), translated from
// psycopg2's text-keyed rows to bytea, since this module's KeyCodec emits
// raw bytes rather than the original's hex-encoded UUID text.
package relational

import (
	"context"
	"database/sql"
	"fmt"
	"regexp"

	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/kverrors"
	"github.com/starwalker/kvlayer/storage"
)

func init() {
	storage.Register("postgres", New)
}

const (
	maxValueBytes         = 15 * 1000 * 1000
	defaultScanInnerLimit = 1000
)

var namespaceRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

const createTableFmt = `
CREATE TABLE kv_%[1]s (
  t text,
  k bytea,
  v bytea,
  PRIMARY KEY (t, k)
);

CREATE FUNCTION upsert_%[1]s(tname TEXT, key BYTEA, data BYTEA) RETURNS VOID AS
$$
BEGIN
    LOOP
        UPDATE kv_%[1]s SET v = data WHERE t = tname AND k = key;
        IF found THEN
            RETURN;
        END IF;
        BEGIN
            INSERT INTO kv_%[1]s(t,k,v) VALUES (tname, key, data);
            RETURN;
        EXCEPTION WHEN unique_violation THEN
            -- someone else inserted concurrently; loop and retry the update
        END;
    END LOOP;
END;
$$
LANGUAGE plpgsql;
`

const dropFuncFmt = `DROP FUNCTION IF EXISTS upsert_%s(TEXT, BYTEA, BYTEA)`
const dropTableFmt = `DROP TABLE IF EXISTS kv_%s`
const clearTableFmt = `DELETE FROM kv_%s WHERE t = $1`
const upsertFmt = `SELECT upsert_%s($1, $2, $3)`
const getFmt = `SELECT v FROM kv_%s WHERE t = $1 AND k = $2`
const deleteFmt = `DELETE FROM kv_%s WHERE t = $1 AND k = $2`

// Backend is a single-connection PostgreSQL client.
type Backend struct {
	driver    string
	addr      string
	namespace string
	scanLimit int
	log       *zap.Logger

	db *sql.DB // nil until first connect; detached (set back to nil) on driver error
}

// New constructs a relational Backend. namespace must be identifier-safe
// (spec section 4.7); a malformed namespace fails fast with BadConfig
// instead of being deferred to the first query.
func New(cfg storage.Config) (storage.Backend, error) {
	addrs, err := cfg.Addresses()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, kverrors.New(kverrors.BadConfig, "postgres kvlayer needs config[\"storage_addresses\"]")
	}
	_, namespace, err := cfg.AppNamespace()
	if err != nil {
		return nil, err
	}
	if !namespaceRE.MatchString(namespace) {
		return nil, kverrors.New(kverrors.BadConfig, "invalid namespace %q for postgres backend", namespace)
	}
	scanLimit, err := cfg.IntVal("scan_inner_limit", defaultScanInnerLimit)
	if err != nil {
		return nil, err
	}
	// sql_driver defaults to the real lib/pq-registered "postgres" driver;
	// tests override it to exercise the chunking logic against a fake
	// database/sql/driver without a live server.
	driverName, err := cfg.StringVal("sql_driver", "postgres")
	if err != nil {
		return nil, err
	}
	return &Backend{
		driver:    driverName,
		addr:      addrs[0],
		namespace: namespace,
		scanLimit: scanLimit,
		log:       cfg.Logger(),
	}, nil
}

func (b *Backend) conn() (*sql.DB, error) {
	if b.db != nil {
		return b.db, nil
	}
	db, err := sql.Open(b.driver, b.addr)
	if err != nil {
		return nil, kverrors.Wrap(kverrors.Connectivity, err, "opening postgres connection")
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(context.Background()); err != nil {
		db.Close()
		return nil, kverrors.Wrap(kverrors.Connectivity, err, "connecting to postgres")
	}
	b.db = db
	return b.db, nil
}

// detach closes and forgets the current connection so the next call
// reconnects, per spec section 4.7's connection discipline: any
// unexpected driver error on a data operation triggers this.
func (b *Backend) detach() {
	if b.db != nil {
		b.log.Warn("detaching postgres connection after driver error")
		b.db.Close()
		b.db = nil
	}
}

func (b *Backend) namespaceTableExists(ctx context.Context, db *sql.DB) (bool, error) {
	var exists bool
	err := db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM pg_tables WHERE tablename = $1)`,
		fmt.Sprintf("kv_%s", b.namespace),
	).Scan(&exists)
	return exists, err
}

func (b *Backend) SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	exists, err := b.namespaceTableExists(ctx, db)
	if err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "checking for kv_%s", b.namespace)
	}
	if exists {
		b.log.Debug("namespace already exists, not creating", zap.String("namespace", b.namespace))
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(createTableFmt, b.namespace)); err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "creating kv_%s", b.namespace)
	}
	return nil
}

func (b *Backend) DeleteNamespace(ctx context.Context) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	exists, err := b.namespaceTableExists(ctx, db)
	if err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "checking for kv_%s", b.namespace)
	}
	if !exists {
		return nil
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(dropFuncFmt, b.namespace)); err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "dropping upsert_%s", b.namespace)
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(dropTableFmt, b.namespace)); err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "dropping kv_%s", b.namespace)
	}
	return nil
}

func (b *Backend) ClearTable(ctx context.Context, table string, spec keycodec.KeySpec) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, fmt.Sprintf(clearTableFmt, b.namespace), table); err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "clear_table %q", table)
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, table string, spec keycodec.KeySpec, kvs []storage.KV) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(upsertFmt, b.namespace)
	for _, kv := range kvs {
		if len(kv.Value) > maxValueBytes {
			return kverrors.New(kverrors.ValueTooLarge, "value of %d bytes exceeds cap of %d", len(kv.Value), maxValueBytes)
		}
		enc, err := keycodec.Encode(kv.Key, spec)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, stmt, table, enc, kv.Value); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "upsert into %q", table)
		}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) ([]storage.GetResult, error) {
	db, err := b.conn()
	if err != nil {
		return nil, err
	}
	stmt := fmt.Sprintf(getFmt, b.namespace)
	results := make([]storage.GetResult, len(keys))
	for i, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return nil, err
		}
		var v []byte
		err = db.QueryRowContext(ctx, stmt, table, enc).Scan(&v)
		switch {
		case err == sql.ErrNoRows:
			results[i] = storage.GetResult{Key: k, Found: false}
		case err != nil:
			b.detach()
			return nil, kverrors.Wrap(kverrors.BackendError, err, "get from %q", table)
		default:
			results[i] = storage.GetResult{Key: k, Value: v, Found: true}
		}
	}
	return results, nil
}

func (b *Backend) Delete(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) error {
	db, err := b.conn()
	if err != nil {
		return err
	}
	stmt := fmt.Sprintf(deleteFmt, b.namespace)
	for _, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, stmt, table, enc); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "delete from %q", table)
		}
	}
	return nil
}

func (b *Backend) Scan(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KVIterator, error) {
	return b.newChunkedIter(ctx, table, spec, ranges, true)
}

func (b *Backend) ScanKeys(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KeyIterator, error) {
	it, err := b.newChunkedIter(ctx, table, spec, ranges, false)
	if err != nil {
		return nil, err
	}
	return it, nil
}

func (b *Backend) Close() error {
	if b.db != nil {
		err := b.db.Close()
		b.db = nil
		if err != nil {
			return kverrors.Wrap(kverrors.BackendError, err, "close")
		}
	}
	return nil
}

// chunkedIter implements the scan section's chunked ordered scan: each
// pull into the buffer issues "ORDER BY k ASC LIMIT scanLimit", and a
// chunk returning exactly scanLimit rows continues the scan re-anchored
// at k > lastKey -- a strict inequality, so every continuation chunk is
// guaranteed to make progress even when scanLimit is 1. Implements both
// storage.KVIterator and storage.KeyIterator.
type chunkedIter struct {
	b          *Backend
	table      string
	spec       keycodec.KeySpec
	ranges     []storage.KeyRange
	rangeIdx   int
	withValues bool

	buf       []storage.KV
	pos       int
	lastKey   []byte
	rangeEnd  []byte
	exhausted bool // current range's last fetchChunk returned < scanLimit rows
	done      bool // every range has been fully consumed
	err       error
}

func (b *Backend) newChunkedIter(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange, withValues bool) (*chunkedIter, error) {
	if _, err := b.conn(); err != nil {
		return nil, err
	}
	if len(ranges) == 0 {
		ranges = []storage.KeyRange{{}}
	}
	it := &chunkedIter{b: b, table: table, spec: spec, ranges: ranges, withValues: withValues}
	if err := it.startRange(ctx); err != nil {
		return nil, err
	}
	return it, nil
}

func (it *chunkedIter) startRange(ctx context.Context) error {
	r := it.ranges[it.rangeIdx]
	start, err := keycodec.RangeStart(r.Start, it.spec)
	if err != nil {
		return err
	}
	end, err := keycodec.RangeEnd(r.End, it.spec)
	if err != nil {
		return err
	}
	it.rangeEnd = end
	return it.fetchChunk(ctx, start, true)
}

// fetchChunk pulls one page anchored at bound -- inclusive for the first
// chunk of a range, strictly-greater-than for every continuation -- so a
// continuation chunk can never re-return a key already yielded, which is
// what makes the scan terminate even at scanLimit == 1. The termination
// condition is the raw query returning strictly fewer than scanLimit
// rows.
func (it *chunkedIter) fetchChunk(ctx context.Context, bound []byte, inclusive bool) error {
	db, err := it.b.conn()
	if err != nil {
		return err
	}
	op := ">"
	if inclusive {
		op = ">="
	}
	query := fmt.Sprintf(`SELECT k, v FROM kv_%s WHERE t = $1 AND k %s $2`, it.b.namespace, op)
	args := []interface{}{it.table, bound}
	if it.rangeEnd != nil {
		query += fmt.Sprintf(` AND k <= $%d`, len(args)+1)
		args = append(args, it.rangeEnd)
	}
	query += fmt.Sprintf(` ORDER BY k ASC LIMIT $%d`, len(args)+1)
	args = append(args, it.b.scanLimit)

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		it.b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "chunked scan of %q", it.table)
	}
	defer rows.Close()

	var chunk []storage.KV
	var rawKeys [][]byte
	for rows.Next() {
		var k, v []byte
		if err := rows.Scan(&k, &v); err != nil {
			it.b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "scanning chunk row from %q", it.table)
		}
		key, err := keycodec.Decode(k, it.spec)
		if err != nil {
			return err
		}
		if !it.withValues {
			v = nil
		}
		chunk = append(chunk, storage.KV{Key: key, Value: v})
		rawKeys = append(rawKeys, k)
	}
	if err := rows.Err(); err != nil {
		it.b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "iterating chunk from %q", it.table)
	}

	it.buf = chunk
	it.pos = 0
	if len(rawKeys) > 0 {
		it.lastKey = rawKeys[len(rawKeys)-1]
	}
	it.exhausted = len(rawKeys) < it.b.scanLimit
	return nil
}

// advance pulls chunks and advances ranges until either a buffered row is
// available or every range has been fully consumed.
func (it *chunkedIter) advance(ctx context.Context) error {
	for {
		if it.pos < len(it.buf) {
			return nil
		}
		if !it.exhausted {
			if err := it.fetchChunk(ctx, it.lastKey, false); err != nil {
				return err
			}
			continue
		}
		it.rangeIdx++
		if it.rangeIdx >= len(it.ranges) {
			it.done = true
			return nil
		}
		if err := it.startRange(ctx); err != nil {
			return err
		}
	}
}

func (it *chunkedIter) Next(ctx context.Context) bool {
	if it.done || it.err != nil {
		return false
	}
	if err := it.advance(ctx); err != nil {
		it.err = err
		return false
	}
	if it.pos >= len(it.buf) {
		return false
	}
	it.pos++
	return true
}

func (it *chunkedIter) KeyValue() storage.KV { return it.buf[it.pos-1] }
func (it *chunkedIter) Key() keycodec.Key    { return it.buf[it.pos-1].Key }
func (it *chunkedIter) Err() error           { return it.err }
func (it *chunkedIter) Close() error         { return nil }
