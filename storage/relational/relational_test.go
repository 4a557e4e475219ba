package relational

import (
	"bytes"
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/storage"
)

// fakeRow is one row of the single simulated kv_<namespace> table.
type fakeRow struct {
	t string
	k []byte
	v []byte
}

// fakeStore is the in-memory table a fakeConn operates against. Rows are
// kept sorted by k so chunked queries can be served with a simple scan.
type fakeStore struct {
	mu     sync.Mutex
	exists bool
	rows   []fakeRow
}

func (s *fakeStore) upsert(t string, k, v []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.rows {
		if s.rows[i].t == t && bytes.Equal(s.rows[i].k, k) {
			s.rows[i].v = v
			return
		}
	}
	s.rows = append(s.rows, fakeRow{t: t, k: append([]byte(nil), k...), v: append([]byte(nil), v...)})
	sort.Slice(s.rows, func(i, j int) bool { return bytes.Compare(s.rows[i].k, s.rows[j].k) < 0 })
}

func (s *fakeStore) matching(t string, lower, upper []byte, lowerInclusive bool, limit int) []fakeRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []fakeRow
	for _, r := range s.rows {
		if r.t != t {
			continue
		}
		cmp := bytes.Compare(r.k, lower)
		if lowerInclusive && cmp < 0 {
			continue
		}
		if !lowerInclusive && cmp <= 0 {
			continue
		}
		if upper != nil && bytes.Compare(r.k, upper) > 0 {
			continue
		}
		out = append(out, r)
		if len(out) >= limit {
			break
		}
	}
	return out
}

var (
	storesMu sync.Mutex
	stores   = map[string]*fakeStore{}
)

func storeFor(dsn string) *fakeStore {
	storesMu.Lock()
	defer storesMu.Unlock()
	s, ok := stores[dsn]
	if !ok {
		s = &fakeStore{}
		stores[dsn] = s
	}
	return s
}

type fakeDriver struct{}

func (fakeDriver) Open(dsn string) (driver.Conn, error) {
	return &fakeConn{store: storeFor(dsn)}, nil
}

type fakeConn struct {
	store *fakeStore
}

func (c *fakeConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("fakeConn: Prepare unsupported, use the Context APIs")
}
func (c *fakeConn) Close() error { return nil }
func (c *fakeConn) Begin() (driver.Tx, error) {
	return nil, fmt.Errorf("fakeConn: transactions unsupported")
}

func (c *fakeConn) Ping(ctx context.Context) error { return nil }

func namedToValues(args []driver.NamedValue) []driver.Value {
	out := make([]driver.Value, len(args))
	for i, a := range args {
		out[i] = a.Value
	}
	return out
}

func (c *fakeConn) ExecContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Result, error) {
	vals := namedToValues(args)
	switch {
	case strings.Contains(query, "CREATE TABLE"):
		c.store.mu.Lock()
		c.store.exists = true
		c.store.mu.Unlock()
		return driver.ResultNoRows, nil
	case strings.Contains(query, "DROP FUNCTION"), strings.Contains(query, "DROP TABLE"):
		c.store.mu.Lock()
		c.store.exists = false
		c.store.rows = nil
		c.store.mu.Unlock()
		return driver.ResultNoRows, nil
	case strings.Contains(query, "DELETE FROM") && len(vals) == 1:
		t, _ := vals[0].(string)
		c.store.mu.Lock()
		kept := c.store.rows[:0]
		for _, r := range c.store.rows {
			if r.t != t {
				kept = append(kept, r)
			}
		}
		c.store.rows = kept
		c.store.mu.Unlock()
		return driver.ResultNoRows, nil
	case strings.Contains(query, "DELETE FROM") && len(vals) == 2:
		t, _ := vals[0].(string)
		k, _ := vals[1].([]byte)
		c.store.mu.Lock()
		var kept []fakeRow
		for _, r := range c.store.rows {
			if r.t == t && bytes.Equal(r.k, k) {
				continue
			}
			kept = append(kept, r)
		}
		c.store.rows = kept
		c.store.mu.Unlock()
		return driver.ResultNoRows, nil
	case strings.HasPrefix(strings.TrimSpace(query), "SELECT upsert_"):
		t, _ := vals[0].(string)
		k, _ := vals[1].([]byte)
		v, _ := vals[2].([]byte)
		c.store.upsert(t, k, v)
		return driver.ResultNoRows, nil
	}
	return nil, fmt.Errorf("fakeConn.ExecContext: unrecognized query %q", query)
}

type fakeRows struct {
	rows []fakeRow
	pos  int
	full bool // whether to emit (k,v) or just (k)
}

func (r *fakeRows) Columns() []string {
	if r.full {
		return []string{"k", "v"}
	}
	return []string{"k"}
}
func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	dest[0] = r.rows[r.pos].k
	if r.full {
		dest[1] = r.rows[r.pos].v
	}
	r.pos++
	return nil
}

func (c *fakeConn) QueryContext(ctx context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	vals := namedToValues(args)
	switch {
	case strings.Contains(query, "pg_tables"):
		c.store.mu.Lock()
		exists := c.store.exists
		c.store.mu.Unlock()
		return &singleBoolRows{val: exists}, nil

	case strings.HasPrefix(query, "SELECT v FROM"):
		t, _ := vals[0].(string)
		k, _ := vals[1].([]byte)
		var out []fakeRow
		c.store.mu.Lock()
		for _, r := range c.store.rows {
			if r.t == t && bytes.Equal(r.k, k) {
				out = append(out, r)
				break
			}
		}
		c.store.mu.Unlock()
		return &valueOnlyRows{rows: out}, nil

	case strings.Contains(query, "ORDER BY k ASC LIMIT"):
		t, _ := vals[0].(string)
		lower, _ := vals[1].([]byte)
		lowerInclusive := strings.Contains(query, "k >= $2")
		var upper []byte
		limitIdx := 2
		if strings.Contains(query, "k <= $") {
			upper, _ = vals[2].([]byte)
			limitIdx = 3
		}
		limit64, _ := vals[limitIdx].(int64)
		rows := c.store.matching(t, lower, upper, lowerInclusive, int(limit64))
		return &fakeRows{rows: rows, full: true}, nil
	}
	return nil, fmt.Errorf("fakeConn.QueryContext: unrecognized query %q", query)
}

// singleBoolRows serves the "SELECT EXISTS (...)" namespace-existence probe.
type singleBoolRows struct {
	val  bool
	done bool
}

func (r *singleBoolRows) Columns() []string { return []string{"exists"} }
func (r *singleBoolRows) Close() error      { return nil }
func (r *singleBoolRows) Next(dest []driver.Value) error {
	if r.done {
		return io.EOF
	}
	r.done = true
	dest[0] = r.val
	return nil
}

// valueOnlyRows serves the single-key "SELECT v FROM ..." lookup Get uses.
type valueOnlyRows struct {
	rows []fakeRow
	pos  int
}

func (r *valueOnlyRows) Columns() []string { return []string{"v"} }
func (r *valueOnlyRows) Close() error      { return nil }
func (r *valueOnlyRows) Next(dest []driver.Value) error {
	if r.pos >= len(r.rows) {
		return io.EOF
	}
	dest[0] = r.rows[r.pos].v
	r.pos++
	return nil
}

func init() {
	sql.Register("kvlayer_fake_postgres", fakeDriver{})
}

func newTestBackend(t *testing.T, dsn string, scanLimit int) *Backend {
	t.Helper()
	b, err := New(storage.Config{
		"sql_driver":        "kvlayer_fake_postgres",
		"storage_addresses": []string{dsn},
		"namespace":         "ns",
		"scan_inner_limit":  scanLimit,
	})
	require.NoError(t, err)
	return b.(*Backend)
}

var strSpec = keycodec.KeySpec{keycodec.StringField}

func setup(t *testing.T, b *Backend) {
	t.Helper()
	err := b.SetupNamespace(context.Background(), map[string]keycodec.KeySpec{"widgets": strSpec})
	require.NoError(t, err)
}

func putN(t *testing.T, b *Backend, n int) {
	t.Helper()
	kvs := make([]storage.KV, n)
	for i := 0; i < n; i++ {
		kvs[i] = storage.KV{Key: keycodec.Key{fmt.Sprintf("k%04d", i)}, Value: []byte(fmt.Sprintf("v%d", i))}
	}
	require.NoError(t, b.Put(context.Background(), "widgets", strSpec, kvs))
}

func scanAll(t *testing.T, b *Backend) []storage.KV {
	t.Helper()
	it, err := b.Scan(context.Background(), "widgets", strSpec, nil)
	require.NoError(t, err)
	defer it.Close()
	var out []storage.KV
	for it.Next(context.Background()) {
		out = append(out, it.KeyValue())
	}
	require.NoError(t, it.Err())
	return out
}

func TestSetupNamespaceIdempotent(t *testing.T) {
	b := newTestBackend(t, "dsn-idempotent", 1000)
	setup(t, b)
	setup(t, b) // must not error or reset data
	putN(t, b, 3)
	setup(t, b)
	assert.Len(t, scanAll(t, b), 3)
}

func TestPutGetDelete(t *testing.T) {
	b := newTestBackend(t, "dsn-putget", 1000)
	setup(t, b)
	putN(t, b, 5)

	results, err := b.Get(context.Background(), "widgets", strSpec, []keycodec.Key{
		{"k0002"}, {"k9999"},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.True(t, results[0].Found)
	assert.Equal(t, []byte("v2"), results[0].Value)
	assert.False(t, results[1].Found)

	require.NoError(t, b.Delete(context.Background(), "widgets", strSpec, []keycodec.Key{{"k0002"}}))
	results, err = b.Get(context.Background(), "widgets", strSpec, []keycodec.Key{{"k0002"}})
	require.NoError(t, err)
	assert.False(t, results[0].Found)
}

// TestChunkedScanBoundaries exercises the chunked scan's re-anchoring and
// termination logic across the boundary values spec section 8 calls for:
// fewer rows than one chunk, exactly one chunk, and one-over/one-under a
// chunk boundary.
func TestChunkedScanBoundaries(t *testing.T) {
	const scanLimit = 4
	cases := []int{1, 2, scanLimit - 1, scanLimit, scanLimit + 1, 2*scanLimit + 1}
	for _, n := range cases {
		n := n
		t.Run(fmt.Sprintf("n=%d", n), func(t *testing.T) {
			b := newTestBackend(t, fmt.Sprintf("dsn-chunk-%d", n), scanLimit)
			setup(t, b)
			putN(t, b, n)

			got := scanAll(t, b)
			require.Len(t, got, n)
			for i, kv := range got {
				key := kv.Key[0].(string)
				assert.Equal(t, fmt.Sprintf("k%04d", i), key)
				assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), kv.Value)
			}
		})
	}
}

// TestChunkedScanVaryingChunkSize holds the row count fixed and sweeps
// scan_inner_limit itself across the boundary values spec section 8
// calls for, including K=1 and K=2 -- the sizes at which a chunked scan
// is most likely to either hang or lose rows at the re-anchor boundary.
func TestChunkedScanVaryingChunkSize(t *testing.T) {
	const n = 9
	for _, k := range []int{1, 2, n - 1, n, n + 1} {
		k := k
		t.Run(fmt.Sprintf("k=%d", k), func(t *testing.T) {
			b := newTestBackend(t, fmt.Sprintf("dsn-chunksize-%d", k), k)
			setup(t, b)
			putN(t, b, n)

			type result struct {
				items []storage.KV
				err   error
			}
			done := make(chan result, 1)
			go func() {
				it, err := b.Scan(context.Background(), "widgets", strSpec, nil)
				if err != nil {
					done <- result{err: err}
					return
				}
				defer it.Close()
				var items []storage.KV
				for it.Next(context.Background()) {
					items = append(items, it.KeyValue())
				}
				done <- result{items: items, err: it.Err()}
			}()

			select {
			case r := <-done:
				require.NoError(t, r.err)
				require.Len(t, r.items, n)
				for i, kv := range r.items {
					key := kv.Key[0].(string)
					assert.Equal(t, fmt.Sprintf("k%04d", i), key)
					assert.Equal(t, []byte(fmt.Sprintf("v%d", i)), kv.Value)
				}
			case <-time.After(5 * time.Second):
				t.Fatalf("scan with scan_inner_limit=%d did not terminate", k)
			}
		})
	}
}

func TestClearTableIsolated(t *testing.T) {
	b := newTestBackend(t, "dsn-cleartable", 1000)
	err := b.SetupNamespace(context.Background(), map[string]keycodec.KeySpec{
		"widgets": strSpec,
		"gadgets": strSpec,
	})
	require.NoError(t, err)
	putN(t, b, 3)
	require.NoError(t, b.Put(context.Background(), "gadgets", strSpec, []storage.KV{
		{Key: keycodec.Key{"g1"}, Value: []byte("gv1")},
	}))

	require.NoError(t, b.ClearTable(context.Background(), "widgets", strSpec))
	assert.Empty(t, scanAll(t, b))

	results, err := b.Get(context.Background(), "gadgets", strSpec, []keycodec.Key{{"g1"}})
	require.NoError(t, err)
	assert.True(t, results[0].Found)
}

func TestDeleteNamespaceDropsEverything(t *testing.T) {
	b := newTestBackend(t, "dsn-deletens", 1000)
	setup(t, b)
	putN(t, b, 2)

	require.NoError(t, b.DeleteNamespace(context.Background()))

	exists, err := b.namespaceTableExists(context.Background(), b.db)
	require.NoError(t, err)
	assert.False(t, exists)

	// Idempotent: deleting again is a no-op, not an error.
	require.NoError(t, b.DeleteNamespace(context.Background()))

	// Re-setup starts clean.
	setup(t, b)
	assert.Empty(t, scanAll(t, b))
}
