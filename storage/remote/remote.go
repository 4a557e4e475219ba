// Package remote implements storage.Backend against a single Redis
// server, the Go counterpart of the original kvlayer's "redis" backend
// (spec section 4.6). Only the first configured storage_addresses entry
// is ever used -- a documented limitation preserved from the source,
// since the original backend never attempted client-side sharding
// either.
package remote

import (
	"bytes"
	"context"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/kverrors"
	"github.com/starwalker/kvlayer/storage"
)

func init() {
	storage.Register("redis", New)
}

const maxValueBytes = 15 * 1000 * 1000

// tableSep separates a table name from its encoded-key suffix in the
// flat per-namespace keyspace. The same byte may also occur inside an
// encoded key; Scan and ScanKeys split a member by slicing off the known
// table name plus this one byte, never by searching for the byte.
const tableSep = byte(0x01)

// Backend is a single-connection Redis client.
type Backend struct {
	mu     sync.Mutex
	addr   string
	dbNum  int
	prefix string // "kv:{app}:{namespace}:"
	client *redis.Client
}

// New constructs a remote Backend. The connection itself is opened lazily
// on first use.
func New(cfg storage.Config) (storage.Backend, error) {
	addrs, err := cfg.Addresses()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, kverrors.New(kverrors.BadConfig, "redis kvlayer needs config[\"storage_addresses\"]")
	}
	dbNum, err := cfg.IntVal("redis_db_num", 0)
	if err != nil {
		return nil, err
	}
	app, namespace, err := cfg.AppNamespace()
	if err != nil {
		return nil, err
	}
	return &Backend{
		addr:   addrs[0],
		dbNum:  dbNum,
		prefix: fmt.Sprintf("kv:%s:%s:", app, namespace),
	}, nil
}

func (b *Backend) conn() *redis.Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client == nil {
		b.client = redis.NewClient(&redis.Options{Addr: b.addr, DB: b.dbNum})
	}
	return b.client
}

func (b *Backend) detach() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
}

func (b *Backend) fail(err error) error {
	b.detach()
	return kverrors.Wrap(kverrors.BackendError, err, "redis operation failed")
}

func (b *Backend) tablesKey() string { return b.prefix + "tables" }
func (b *Backend) idxKey() string    { return b.prefix + "idx" }
func (b *Backend) valKey(member string) string {
	return b.prefix + "d:" + member
}

func member(table string, enc []byte) string {
	var buf bytes.Buffer
	buf.WriteString(table)
	buf.WriteByte(tableSep)
	buf.Write(enc)
	return buf.String()
}

func (b *Backend) SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error {
	c := b.conn()
	for name := range tables {
		if err := c.SAdd(ctx, b.tablesKey(), name).Err(); err != nil {
			return b.fail(err)
		}
	}
	return nil
}

func (b *Backend) DeleteNamespace(ctx context.Context) error {
	c := b.conn()
	names, err := c.SMembers(ctx, b.tablesKey()).Result()
	if err != nil && err != redis.Nil {
		return b.fail(err)
	}
	for _, name := range names {
		if err := b.clearTableMembers(ctx, name); err != nil {
			return err
		}
	}
	if err := c.Del(ctx, b.tablesKey(), b.idxKey()).Err(); err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *Backend) ClearTable(ctx context.Context, table string, spec keycodec.KeySpec) error {
	return b.clearTableMembers(ctx, table)
}

func (b *Backend) clearTableMembers(ctx context.Context, table string) error {
	c := b.conn()
	lo := "[" + table + string(tableSep)
	hi := "(" + table + string(tableSep+1)
	members, err := c.ZRangeByLex(ctx, b.idxKey(), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
	if err != nil && err != redis.Nil {
		return b.fail(err)
	}
	if len(members) == 0 {
		return nil
	}
	pipe := c.Pipeline()
	for _, m := range members {
		pipe.Del(ctx, b.valKey(m))
		pipe.ZRem(ctx, b.idxKey(), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, table string, spec keycodec.KeySpec, kvs []storage.KV) error {
	c := b.conn()
	pipe := c.Pipeline()
	for _, kv := range kvs {
		if len(kv.Value) > maxValueBytes {
			return kverrors.New(kverrors.ValueTooLarge, "value of %d bytes exceeds cap of %d", len(kv.Value), maxValueBytes)
		}
		enc, err := keycodec.Encode(kv.Key, spec)
		if err != nil {
			return err
		}
		m := member(table, enc)
		pipe.Set(ctx, b.valKey(m), kv.Value, 0)
		pipe.ZAdd(ctx, b.idxKey(), redis.Z{Score: 0, Member: m})
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) ([]storage.GetResult, error) {
	c := b.conn()
	results := make([]storage.GetResult, len(keys))
	valKeys := make([]string, len(keys))
	for i, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return nil, err
		}
		valKeys[i] = b.valKey(member(table, enc))
	}
	vals, err := c.MGet(ctx, valKeys...).Result()
	if err != nil {
		return nil, b.fail(err)
	}
	for i, k := range keys {
		if vals[i] == nil {
			results[i] = storage.GetResult{Key: k, Found: false}
			continue
		}
		s, _ := vals[i].(string)
		results[i] = storage.GetResult{Key: k, Value: []byte(s), Found: true}
	}
	return results, nil
}

func (b *Backend) Delete(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) error {
	c := b.conn()
	pipe := c.Pipeline()
	for _, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return err
		}
		m := member(table, enc)
		pipe.Del(ctx, b.valKey(m))
		pipe.ZRem(ctx, b.idxKey(), m)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return b.fail(err)
	}
	return nil
}

func (b *Backend) Scan(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KVIterator, error) {
	members, err := b.scanMembers(ctx, table, spec, ranges)
	if err != nil {
		return nil, err
	}
	c := b.conn()
	valKeys := make([]string, len(members))
	for i, m := range members {
		valKeys[i] = b.valKey(m)
	}
	var vals []interface{}
	if len(valKeys) > 0 {
		vals, err = c.MGet(ctx, valKeys...).Result()
		if err != nil {
			return nil, b.fail(err)
		}
	}
	items := make([]storage.KV, 0, len(members))
	for i, m := range members {
		enc := []byte(m[len(table)+1:])
		k, err := keycodec.Decode(enc, spec)
		if err != nil {
			return nil, err
		}
		var v []byte
		if i < len(vals) && vals[i] != nil {
			s, _ := vals[i].(string)
			v = []byte(s)
		}
		items = append(items, storage.KV{Key: k, Value: v})
	}
	return &kvIter{items: items}, nil
}

func (b *Backend) ScanKeys(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KeyIterator, error) {
	members, err := b.scanMembers(ctx, table, spec, ranges)
	if err != nil {
		return nil, err
	}
	keys := make([]keycodec.Key, 0, len(members))
	for _, m := range members {
		enc := []byte(m[len(table)+1:])
		k, err := keycodec.Decode(enc, spec)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return &keyIter{keys: keys}, nil
}

func (b *Backend) scanMembers(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) ([]string, error) {
	c := b.conn()
	if len(ranges) == 0 {
		ranges = []storage.KeyRange{{}}
	}
	var out []string
	for _, r := range ranges {
		start, err := keycodec.RangeStart(r.Start, spec)
		if err != nil {
			return nil, err
		}
		end, err := keycodec.RangeEnd(r.End, spec)
		if err != nil {
			return nil, err
		}
		lo := "[" + table + string(tableSep) + string(start)
		var hi string
		if end == nil {
			hi = "(" + table + string(tableSep+1)
		} else {
			hi = "[" + table + string(tableSep) + string(end) + "\xff"
		}
		members, err := c.ZRangeByLex(ctx, b.idxKey(), &redis.ZRangeBy{Min: lo, Max: hi}).Result()
		if err != nil && err != redis.Nil {
			return nil, b.fail(err)
		}
		out = append(out, members...)
	}
	return out, nil
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
	keys []keycodec.Key
	pos  int
}

func (it *keyIter) Next(ctx context.Context) bool {
	if it.pos >= len(it.keys) {
		return false
	}
	it.pos++
	return true
}
func (it *keyIter) Key() keycodec.Key { return it.keys[it.pos-1] }
func (it *keyIter) Err() error        { return nil }
func (it *keyIter) Close() error      { return nil }
