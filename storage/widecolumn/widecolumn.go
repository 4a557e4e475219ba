// Package widecolumn implements storage.Backend over Google Cloud
// Bigtable (spec section 4.8), the wide-column analogue of the original
// kvlayer's HBase-backed AStorage. Every virtual table gets its own
// physical Bigtable table, a single column family "d" holding a single
// qualifier "d" with max_versions=1, since this module's keys are already
// the full Bigtable row key and there is no secondary column dimension to
// exploit.
package widecolumn

import (
	"context"
	"strings"

	"cloud.google.com/go/bigtable"
	"go.uber.org/zap"

	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/kverrors"
	"github.com/starwalker/kvlayer/storage"
)

func init() {
	storage.Register("bigtable", New)
}

const (
	family        = "d"
	qualifier     = "d"
	maxValueBytes = 15 * 1000 * 1000
	// defaultMaxBatchBytes caps the cumulative encoded-key-plus-value size
	// ApplyBulk is handed in one call, flushing the pending batch before adding any
	// row that would push it over budget.
	defaultMaxBatchBytes = 10 * 1000 * 1000
)

// Backend is a lazily-connected Bigtable client. One instance serves every
// virtual table in a namespace; physical table names are derived via
// storage.PhysicalTableName so two namespaces never collide.
type Backend struct {
	project   string
	instance  string
	app       string
	namespace string
	maxBatch  int
	log       *zap.Logger

	client *bigtable.Client
	admin  *bigtable.AdminClient
}

// New constructs a widecolumn Backend. config keys: "project_id",
// "instance_id" (both required), and optional "max_batch_bytes".
func New(cfg storage.Config) (storage.Backend, error) {
	project, err := cfg.StringVal("project_id", "")
	if err != nil {
		return nil, err
	}
	if project == "" {
		return nil, kverrors.New(kverrors.BadConfig, "bigtable kvlayer needs config[\"project_id\"]")
	}
	instance, err := cfg.StringVal("instance_id", "")
	if err != nil {
		return nil, err
	}
	if instance == "" {
		return nil, kverrors.New(kverrors.BadConfig, "bigtable kvlayer needs config[\"instance_id\"]")
	}
	app, namespace, err := cfg.AppNamespace()
	if err != nil {
		return nil, err
	}
	maxBatch, err := cfg.IntVal("max_batch_bytes", defaultMaxBatchBytes)
	if err != nil {
		return nil, err
	}
	return &Backend{
		project:   project,
		instance:  instance,
		app:       app,
		namespace: namespace,
		maxBatch:  maxBatch,
		log:       cfg.Logger(),
	}, nil
}

func (b *Backend) physicalName(table string) string {
	return storage.PhysicalTableName(b.app, b.namespace, table)
}

func (b *Backend) connect(ctx context.Context) error {
	if b.client != nil {
		return nil
	}
	client, err := bigtable.NewClient(ctx, b.project, b.instance)
	if err != nil {
		return kverrors.Wrap(kverrors.Connectivity, err, "opening bigtable client")
	}
	admin, err := bigtable.NewAdminClient(ctx, b.project, b.instance)
	if err != nil {
		client.Close()
		return kverrors.Wrap(kverrors.Connectivity, err, "opening bigtable admin client")
	}
	b.client = client
	b.admin = admin
	return nil
}

func (b *Backend) detach() {
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	if b.admin != nil {
		b.admin.Close()
		b.admin = nil
	}
}

func (b *Backend) SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error {
	if err := b.connect(ctx); err != nil {
		return err
	}
	existing, err := b.admin.Tables(ctx)
	if err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "listing bigtable tables")
	}
	have := make(map[string]bool, len(existing))
	for _, t := range existing {
		have[t] = true
	}
	for name := range tables {
		phys := b.physicalName(name)
		if have[phys] {
			continue
		}
		if err := b.admin.CreateTable(ctx, phys); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "creating table %q", phys)
		}
		if err := b.admin.CreateColumnFamily(ctx, phys, family); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "creating column family on %q", phys)
		}
		policy := bigtable.MaxVersionsPolicy(1)
		if err := b.admin.SetGCPolicy(ctx, phys, family, policy); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "setting gc policy on %q", phys)
		}
	}
	return nil
}

// DeleteNamespace drops every physical table whose name carries this
// namespace's prefix. Bigtable has no notion of a namespace container, so
// this module's app_namespace_table naming convention (spec section 6) is
// what makes "delete everything in this namespace" expressible at all.
func (b *Backend) DeleteNamespace(ctx context.Context) error {
	if err := b.connect(ctx); err != nil {
		return err
	}
	existing, err := b.admin.Tables(ctx)
	if err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "listing bigtable tables")
	}
	prefix := storage.PhysicalTableName(b.app, b.namespace, "")
	for _, t := range existing {
		if !strings.HasPrefix(t, prefix) {
			continue
		}
		if err := b.admin.DeleteTable(ctx, t); err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "deleting table %q", t)
		}
	}
	return nil
}

// ClearTable deletes every row of the physical table via DropRowRange with
// an empty prefix, rather than the original HBase backend's
// disable-drop-create cycle: Bigtable's admin API has no concept of
// disabling a table, and DropRowRange("") is already the table-wide
// truncate primitive it actually exposes.
func (b *Backend) ClearTable(ctx context.Context, table string, spec keycodec.KeySpec) error {
	if err := b.connect(ctx); err != nil {
		return err
	}
	phys := b.physicalName(table)
	if err := b.admin.DropRowRange(ctx, phys, ""); err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "clear_table %q", table)
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, table string, spec keycodec.KeySpec, kvs []storage.KV) error {
	if err := b.connect(ctx); err != nil {
		return err
	}
	tbl := b.client.Open(b.physicalName(table))

	var keys []string
	var muts []*bigtable.Mutation
	batchBytes := 0

	flush := func() error {
		if len(keys) == 0 {
			return nil
		}
		errs, err := tbl.ApplyBulk(ctx, keys, muts)
		if err != nil {
			b.detach()
			return kverrors.Wrap(kverrors.BackendError, err, "apply_bulk into %q", table)
		}
		for _, e := range errs {
			if e != nil {
				return kverrors.Wrap(kverrors.BackendError, e, "apply_bulk row error into %q", table)
			}
		}
		keys, muts, batchBytes = nil, nil, 0
		return nil
	}

	for _, kv := range kvs {
		if len(kv.Value) > maxValueBytes {
			return kverrors.New(kverrors.ValueTooLarge, "value of %d bytes exceeds cap of %d", len(kv.Value), maxValueBytes)
		}
		enc, err := keycodec.Encode(kv.Key, spec)
		if err != nil {
			return err
		}
		itemBytes := len(enc) + len(kv.Value)
		if batchBytes > 0 && batchBytes+itemBytes > b.maxBatch {
			if err := flush(); err != nil {
				return err
			}
		}
		mut := bigtable.NewMutation()
		mut.Set(family, qualifier, bigtable.Now(), kv.Value)
		keys = append(keys, string(enc))
		muts = append(muts, mut)
		batchBytes += itemBytes
	}
	return flush()
}

func (b *Backend) Get(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) ([]storage.GetResult, error) {
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	tbl := b.client.Open(b.physicalName(table))
	results := make([]storage.GetResult, len(keys))
	filter := bigtable.LatestNFilter(1)
	for i, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return nil, err
		}
		row, err := tbl.ReadRow(ctx, string(enc), bigtable.RowFilter(filter))
		if err != nil {
			b.detach()
			return nil, kverrors.Wrap(kverrors.BackendError, err, "read_row from %q", table)
		}
		if v, ok := cellValue(row); ok {
			results[i] = storage.GetResult{Key: k, Value: v, Found: true}
		} else {
			results[i] = storage.GetResult{Key: k, Found: false}
		}
	}
	return results, nil
}

func cellValue(row bigtable.Row) ([]byte, bool) {
	items, ok := row[family]
	if !ok || len(items) == 0 {
		return nil, false
	}
	return items[0].Value, true
}

func (b *Backend) Delete(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) error {
	if err := b.connect(ctx); err != nil {
		return err
	}
	tbl := b.client.Open(b.physicalName(table))
	var rowKeys []string
	var muts []*bigtable.Mutation
	for _, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return err
		}
		mut := bigtable.NewMutation()
		mut.DeleteRow()
		rowKeys = append(rowKeys, string(enc))
		muts = append(muts, mut)
	}
	if len(rowKeys) == 0 {
		return nil
	}
	errs, err := tbl.ApplyBulk(ctx, rowKeys, muts)
	if err != nil {
		b.detach()
		return kverrors.Wrap(kverrors.BackendError, err, "delete from %q", table)
	}
	for _, e := range errs {
		if e != nil {
			return kverrors.Wrap(kverrors.BackendError, e, "delete row error from %q", table)
		}
	}
	return nil
}

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

// collect materializes matching rows for every range up front: ReadRows
// drives its callback synchronously inside one RPC stream, so the
// simplest correct bridge to this module's pull-based iterator is to let
// that callback buffer rows rather than invert it into a goroutine pump.
func (b *Backend) collect(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange, withValues bool) ([]storage.KV, error) {
	if err := b.connect(ctx); err != nil {
		return nil, err
	}
	tbl := b.client.Open(b.physicalName(table))
	if len(ranges) == 0 {
		ranges = []storage.KeyRange{{}}
	}
	var out []storage.KV
	filter := bigtable.RowFilter(bigtable.LatestNFilter(1))
	for _, r := range ranges {
		start, err := keycodec.RangeStart(r.Start, spec)
		if err != nil {
			return nil, err
		}
		end, err := keycodec.RangeEnd(r.End, spec)
		if err != nil {
			return nil, err
		}
		rr := bigtable.InfiniteRange(string(start))
		if end != nil {
			// Bigtable's RowRange end is exclusive; RangeEnd returns an
			// inclusive bound, so append the sentinel byte it documents
			// backends needing half-open semantics should add.
			rr = bigtable.NewRange(string(start), string(append(append([]byte(nil), end...), 0xFF)))
		}
		var rowErr error
		err = tbl.ReadRows(ctx, rr, func(row bigtable.Row) bool {
			v, _ := cellValue(row)
			if !withValues {
				v = nil
			}
			key, derr := keycodec.Decode([]byte(row.Key()), spec)
			if derr != nil {
				rowErr = derr
				return false
			}
			out = append(out, storage.KV{Key: key, Value: v})
			return true
		}, filter)
		if rowErr != nil {
			return nil, rowErr
		}
		if err != nil {
			b.detach()
			return nil, kverrors.Wrap(kverrors.BackendError, err, "read_rows on %q", table)
		}
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
