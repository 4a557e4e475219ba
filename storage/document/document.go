// Package document implements storage.Backend over MongoDB (spec section
// 4.10), standing in for the original kvlayer's Riak backend and shaped
// like this module's other document/wide stores: one
// collection per virtual table, an indexed key field holding the encoded
// keycodec bytes, and cursor-driven range scans bounded by $gte/$lte.
package document

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.uber.org/zap"

	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/kverrors"
	"github.com/starwalker/kvlayer/storage"
)

func init() {
	storage.Register("mongo", New)
}

const (
	maxValueBytes    = 15 * 1000 * 1000
	defaultScanLimit = 100
	keyField         = "k"
	valueField       = "v"
)

// Backend is a lazily-connected MongoDB client. Each virtual table is its
// own collection inside a database named for (app_name, namespace).
type Backend struct {
	uri       string
	dbName    string
	scanLimit int
	log       *zap.Logger

	client *mongo.Client
}

// New constructs a document Backend.
func New(cfg storage.Config) (storage.Backend, error) {
	addrs, err := cfg.Addresses()
	if err != nil {
		return nil, err
	}
	if len(addrs) == 0 {
		return nil, kverrors.New(kverrors.BadConfig, "mongo kvlayer needs config[\"storage_addresses\"]")
	}
	app, namespace, err := cfg.AppNamespace()
	if err != nil {
		return nil, err
	}
	scanLimit, err := cfg.IntVal("scan_limit", defaultScanLimit)
	if err != nil {
		return nil, err
	}
	dbName := namespace
	if app != "" {
		dbName = app + "_" + namespace
	}
	return &Backend{
		uri:       addrs[0],
		dbName:    dbName,
		scanLimit: scanLimit,
		log:       cfg.Logger(),
	}, nil
}

func (b *Backend) connect(ctx context.Context) (*mongo.Database, error) {
	if b.client == nil {
		client, err := mongo.Connect(options.Client().ApplyURI(b.uri))
		if err != nil {
			return nil, kverrors.Wrap(kverrors.Connectivity, err, "connecting to mongo")
		}
		if err := client.Ping(ctx, nil); err != nil {
			client.Disconnect(ctx)
			return nil, kverrors.Wrap(kverrors.Connectivity, err, "pinging mongo")
		}
		b.client = client
	}
	return b.client.Database(b.dbName), nil
}

func (b *Backend) detach(ctx context.Context) {
	if b.client != nil {
		b.client.Disconnect(ctx)
		b.client = nil
	}
}

type docRow struct {
	Key   []byte `bson:"k"`
	Value []byte `bson:"v"`
}

func (b *Backend) SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error {
	db, err := b.connect(ctx)
	if err != nil {
		return err
	}
	for name := range tables {
		coll := db.Collection(name)
		_, err := coll.Indexes().CreateOne(ctx, mongo.IndexModel{
			Keys:    bson.D{{Key: keyField, Value: 1}},
			Options: options.Index().SetUnique(true),
		})
		if err != nil {
			b.detach(ctx)
			return kverrors.Wrap(kverrors.BackendError, err, "creating index on %q", name)
		}
	}
	return nil
}

func (b *Backend) DeleteNamespace(ctx context.Context) error {
	db, err := b.connect(ctx)
	if err != nil {
		return err
	}
	if err := db.Drop(ctx); err != nil {
		b.detach(ctx)
		return kverrors.Wrap(kverrors.BackendError, err, "dropping database %q", b.dbName)
	}
	return nil
}

func (b *Backend) ClearTable(ctx context.Context, table string, spec keycodec.KeySpec) error {
	db, err := b.connect(ctx)
	if err != nil {
		return err
	}
	if _, err := db.Collection(table).DeleteMany(ctx, bson.D{}); err != nil {
		b.detach(ctx)
		return kverrors.Wrap(kverrors.BackendError, err, "clear_table %q", table)
	}
	return nil
}

func (b *Backend) Put(ctx context.Context, table string, spec keycodec.KeySpec, kvs []storage.KV) error {
	db, err := b.connect(ctx)
	if err != nil {
		return err
	}
	coll := db.Collection(table)
	for _, kv := range kvs {
		if len(kv.Value) > maxValueBytes {
			return kverrors.New(kverrors.ValueTooLarge, "value of %d bytes exceeds cap of %d", len(kv.Value), maxValueBytes)
		}
		enc, err := keycodec.Encode(kv.Key, spec)
		if err != nil {
			return err
		}
		_, err = coll.UpdateOne(ctx,
			bson.D{{Key: keyField, Value: enc}},
			bson.D{{Key: "$set", Value: docRow{Key: enc, Value: kv.Value}}},
			options.UpdateOne().SetUpsert(true),
		)
		if err != nil {
			b.detach(ctx)
			return kverrors.Wrap(kverrors.BackendError, err, "upsert into %q", table)
		}
	}
	return nil
}

func (b *Backend) Get(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) ([]storage.GetResult, error) {
	db, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	coll := db.Collection(table)
	results := make([]storage.GetResult, len(keys))
	for i, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return nil, err
		}
		var row docRow
		err = coll.FindOne(ctx, bson.D{{Key: keyField, Value: enc}}).Decode(&row)
		switch {
		case err == mongo.ErrNoDocuments:
			results[i] = storage.GetResult{Key: k, Found: false}
		case err != nil:
			b.detach(ctx)
			return nil, kverrors.Wrap(kverrors.BackendError, err, "find on %q", table)
		default:
			results[i] = storage.GetResult{Key: k, Value: row.Value, Found: true}
		}
	}
	return results, nil
}

func (b *Backend) Delete(ctx context.Context, table string, spec keycodec.KeySpec, keys []keycodec.Key) error {
	db, err := b.connect(ctx)
	if err != nil {
		return err
	}
	coll := db.Collection(table)
	for _, k := range keys {
		enc, err := keycodec.Encode(k, spec)
		if err != nil {
			return err
		}
		if _, err := coll.DeleteOne(ctx, bson.D{{Key: keyField, Value: enc}}); err != nil {
			b.detach(ctx)
			return kverrors.Wrap(kverrors.BackendError, err, "delete from %q", table)
		}
	}
	return nil
}

func (b *Backend) Scan(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KVIterator, error) {
	cur, err := b.rangeCursor(ctx, table, spec, ranges)
	if err != nil {
		return nil, err
	}
	return &cursorIter{cur: cur, spec: spec}, nil
}

func (b *Backend) ScanKeys(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (storage.KeyIterator, error) {
	cur, err := b.rangeCursor(ctx, table, spec, ranges)
	if err != nil {
		return nil, err
	}
	return &cursorIter{cur: cur, spec: spec}, nil
}

// rangeCursor opens one cursor per call covering every range in order,
// via an $or of $gte/$lte bounds, sorted ascending by the key field so
// multiple ranges still yield in the order each one specifies. The cursor
// batch size is capped at scanLimit (spec section 4.10), matching the
// other backends' bounded-chunk-size discipline without needing to
// reimplement pagination by hand: the driver's cursor already streams in
// scanLimit-sized batches under the hood.
func (b *Backend) rangeCursor(ctx context.Context, table string, spec keycodec.KeySpec, ranges []storage.KeyRange) (*mongo.Cursor, error) {
	db, err := b.connect(ctx)
	if err != nil {
		return nil, err
	}
	coll := db.Collection(table)
	if len(ranges) == 0 {
		ranges = []storage.KeyRange{{}}
	}
	var clauses bson.A
	for _, r := range ranges {
		start, err := keycodec.RangeStart(r.Start, spec)
		if err != nil {
			return nil, err
		}
		end, err := keycodec.RangeEnd(r.End, spec)
		if err != nil {
			return nil, err
		}
		clause := bson.D{}
		if len(start) > 0 {
			clause = append(clause, bson.E{Key: keyField, Value: bson.D{{Key: "$gte", Value: start}}})
		}
		if end != nil {
			clause = append(clause, bson.E{Key: keyField, Value: bson.D{{Key: "$lte", Value: end}}})
		}
		clauses = append(clauses, clause)
	}
	filter := bson.D{}
	if len(clauses) > 0 {
		filter = bson.D{{Key: "$or", Value: clauses}}
	}
	opts := options.Find().SetSort(bson.D{{Key: keyField, Value: 1}}).SetBatchSize(int32(b.scanLimit))
	cur, err := coll.Find(ctx, filter, opts)
	if err != nil {
		b.detach(ctx)
		return nil, kverrors.Wrap(kverrors.BackendError, err, "find on %q", table)
	}
	return cur, nil
}

type cursorIter struct {
	cur  *mongo.Cursor
	spec keycodec.KeySpec
	row  docRow
	key  keycodec.Key
	err  error
}

func (it *cursorIter) Next(ctx context.Context) bool {
	if it.err != nil {
		return false
	}
	if !it.cur.Next(ctx) {
		it.err = it.cur.Err()
		return false
	}
	var row docRow
	if err := it.cur.Decode(&row); err != nil {
		it.err = err
		return false
	}
	key, err := keycodec.Decode(row.Key, it.spec)
	if err != nil {
		it.err = err
		return false
	}
	it.row = row
	it.key = key
	return true
}

func (it *cursorIter) KeyValue() storage.KV {
	return storage.KV{Key: it.key, Value: it.row.Value}
}

func (it *cursorIter) Key() keycodec.Key { return it.key }

func (it *cursorIter) Err() error { return it.err }

func (it *cursorIter) Close() error {
	return it.cur.Close(context.Background())
}
