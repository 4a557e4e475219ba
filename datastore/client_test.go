package datastore_test

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/starwalker/kvlayer/datastore"
	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/kverrors"
	"github.com/starwalker/kvlayer/storage"

	_ "github.com/starwalker/kvlayer/storage/local"
)

func newLocalClient(t *testing.T) *datastore.Client {
	t.Helper()
	c, err := datastore.NewClient(storage.Config{
		"storage_type": "local",
		"app_name":     "testapp",
		"namespace":    "testns",
	})
	require.NoError(t, err)
	return c
}

func TestSetupNamespaceIdempotentAndUnknownTable(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	defer c.Close()

	spec := keycodec.KeySpec{keycodec.StringField}

	_, err := c.Get(ctx, "widgets", keycodec.Key{"a"})
	require.Error(t, err)
	assert.True(t, kverrors.Is(err, kverrors.UnknownTable))

	require.NoError(t, c.SetupNamespace(ctx, map[string]keycodec.KeySpec{"widgets": spec}))
	require.NoError(t, c.SetupNamespace(ctx, map[string]keycodec.KeySpec{"widgets": spec}))

	results, err := c.Get(ctx, "widgets", keycodec.Key{"a"})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Found)
}

func TestPutGetDelete(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	defer c.Close()

	spec := keycodec.KeySpec{keycodec.StringField}
	require.NoError(t, c.SetupNamespace(ctx, map[string]keycodec.KeySpec{"widgets": spec}))

	require.NoError(t, c.Put(ctx, "widgets",
		storage.KV{Key: keycodec.Key{"a"}, Value: []byte("1")},
		storage.KV{Key: keycodec.Key{"b"}, Value: []byte("2")},
	))
	require.NoError(t, c.Put(ctx, "widgets", storage.KV{Key: keycodec.Key{"a"}, Value: []byte("overwritten")}))

	results, err := c.Get(ctx, "widgets", keycodec.Key{"a"}, keycodec.Key{"b"}, keycodec.Key{"c"})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, []byte("overwritten"), results[0].Value)
	assert.True(t, results[1].Found)
	assert.False(t, results[2].Found)

	require.NoError(t, c.Delete(ctx, "widgets", keycodec.Key{"a"}))
	require.NoError(t, c.Delete(ctx, "widgets", keycodec.Key{"a"}))

	results, err = c.Get(ctx, "widgets", keycodec.Key{"a"})
	require.NoError(t, err)
	assert.False(t, results[0].Found)
}

func TestScanOrderingAcrossFields(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	defer c.Close()

	spec := keycodec.KeySpec{keycodec.StringField, keycodec.IntField}
	require.NoError(t, c.SetupNamespace(ctx, map[string]keycodec.KeySpec{"events": spec}))

	want := []keycodec.Key{
		{"a", int64(-5)},
		{"a", int64(0)},
		{"a", int64(5)},
		{"b", int64(-100)},
		{"b", int64(100)},
	}
	for i := len(want) - 1; i >= 0; i-- {
		require.NoError(t, c.Put(ctx, "events", storage.KV{Key: want[i], Value: []byte("v")}))
	}

	it, err := c.Scan(ctx, "events")
	require.NoError(t, err)
	defer it.Close()

	var got []keycodec.Key
	for it.Next(ctx) {
		got = append(got, it.KeyValue().Key)
	}
	require.NoError(t, it.Err())
	assert.Equal(t, want, got)
}

func TestClearTableIsolatedAcrossTables(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	defer c.Close()

	spec := keycodec.KeySpec{keycodec.StringField}
	require.NoError(t, c.SetupNamespace(ctx, map[string]keycodec.KeySpec{
		"widgets": spec,
		"gadgets": spec,
	}))
	require.NoError(t, c.Put(ctx, "widgets", storage.KV{Key: keycodec.Key{"a"}, Value: []byte("1")}))
	require.NoError(t, c.Put(ctx, "gadgets", storage.KV{Key: keycodec.Key{"a"}, Value: []byte("1")}))

	require.NoError(t, c.ClearTable(ctx, "widgets"))

	results, err := c.Get(ctx, "widgets", keycodec.Key{"a"})
	require.NoError(t, err)
	assert.False(t, results[0].Found)

	results, err = c.Get(ctx, "gadgets", keycodec.Key{"a"})
	require.NoError(t, err)
	assert.True(t, results[0].Found)
}

func TestCloseIsTerminalAndIdempotent(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)

	spec := keycodec.KeySpec{keycodec.IDField}
	require.NoError(t, c.SetupNamespace(ctx, map[string]keycodec.KeySpec{"ids": spec}))

	require.NoError(t, c.Close())
	require.NoError(t, c.Close())

	err := c.Put(ctx, "ids", storage.KV{Key: keycodec.Key{uuid.New()}, Value: []byte("x")})
	require.Error(t, err)
	assert.True(t, kverrors.Is(err, kverrors.ClosedClient))
}

func TestBadKeyArityPropagatesThroughFacade(t *testing.T) {
	ctx := context.Background()
	c := newLocalClient(t)
	defer c.Close()

	spec := keycodec.KeySpec{keycodec.StringField, keycodec.IntField}
	require.NoError(t, c.SetupNamespace(ctx, map[string]keycodec.KeySpec{"events": spec}))

	err := c.Put(ctx, "events", storage.KV{Key: keycodec.Key{"only-one-field"}, Value: []byte("x")})
	require.Error(t, err)
	assert.True(t, kverrors.Is(err, kverrors.BadKey))
}
