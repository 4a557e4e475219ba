// Package datastore is the facade every caller of this module talks to:
// it resolves a storage.Config to a concrete storage.Backend via the
// registry, tracks the set of tables declared for this client's
// namespace, and enforces the facade-level invariants (closed-client,
// unknown-table) that no individual backend is responsible for (spec
// section 4.2).
package datastore

import (
	"context"
	"sync"

	"github.com/starwalker/kvlayer/keycodec"
	"github.com/starwalker/kvlayer/kverrors"
	"github.com/starwalker/kvlayer/storage"
)

// Storage is the public contract every client of this module programs
// against; Client is its only implementation.
type Storage interface {
	SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error
	DeleteNamespace(ctx context.Context) error
	ClearTable(ctx context.Context, table string) error
	Put(ctx context.Context, table string, kvs ...storage.KV) error
	Get(ctx context.Context, table string, keys ...keycodec.Key) ([]storage.GetResult, error)
	Scan(ctx context.Context, table string, ranges ...storage.KeyRange) (storage.KVIterator, error)
	ScanKeys(ctx context.Context, table string, ranges ...storage.KeyRange) (storage.KeyIterator, error)
	Delete(ctx context.Context, table string, keys ...keycodec.Key) error
	Close() error
}

// Client is a facade instance bound to one backend. Per spec section 5, a
// Client is meant to be driven from a single logical task at a time; the
// mutex here only protects the table-spec bookkeeping and the closed flag
// from torn access if a caller shares one across goroutines anyway, not
// from concurrent backend calls (the backend itself owns that
// discipline).
type Client struct {
	mu      sync.Mutex
	backend storage.Backend
	tables  map[string]keycodec.KeySpec
	closed  bool
}

// NewClient resolves cfg against the backend registry and returns a
// facade over it. The backend has not connected yet; that happens lazily
// on the first data operation (spec section 4.3).
func NewClient(cfg storage.Config) (*Client, error) {
	backend, err := storage.New(cfg)
	if err != nil {
		return nil, err
	}
	return &Client{
		backend: backend,
		tables:  make(map[string]keycodec.KeySpec),
	}, nil
}

func (c *Client) checkOpen() error {
	if c.closed {
		return kverrors.New(kverrors.ClosedClient, "client is closed")
	}
	return nil
}

func (c *Client) specFor(table string) (keycodec.KeySpec, error) {
	spec, ok := c.tables[table]
	if !ok {
		return nil, kverrors.New(kverrors.UnknownTable, "table %q was never declared via setup_namespace", table)
	}
	return spec, nil
}

func (c *Client) SetupNamespace(ctx context.Context, tables map[string]keycodec.KeySpec) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.backend.SetupNamespace(ctx, tables); err != nil {
		return err
	}
	for name, spec := range tables {
		c.tables[name] = spec
	}
	return nil
}

func (c *Client) DeleteNamespace(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.checkOpen(); err != nil {
		return err
	}
	if err := c.backend.DeleteNamespace(ctx); err != nil {
		return err
	}
	c.tables = make(map[string]keycodec.KeySpec)
	return nil
}

func (c *Client) ClearTable(ctx context.Context, table string) error {
	c.mu.Lock()
	spec, err := c.tableOp(table)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.backend.ClearTable(ctx, table, spec)
}

func (c *Client) Put(ctx context.Context, table string, kvs ...storage.KV) error {
	c.mu.Lock()
	spec, err := c.tableOp(table)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.backend.Put(ctx, table, spec, kvs)
}

func (c *Client) Get(ctx context.Context, table string, keys ...keycodec.Key) ([]storage.GetResult, error) {
	c.mu.Lock()
	spec, err := c.tableOp(table)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.backend.Get(ctx, table, spec, keys)
}

func (c *Client) Scan(ctx context.Context, table string, ranges ...storage.KeyRange) (storage.KVIterator, error) {
	c.mu.Lock()
	spec, err := c.tableOp(table)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.backend.Scan(ctx, table, spec, ranges)
}

func (c *Client) ScanKeys(ctx context.Context, table string, ranges ...storage.KeyRange) (storage.KeyIterator, error) {
	c.mu.Lock()
	spec, err := c.tableOp(table)
	c.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return c.backend.ScanKeys(ctx, table, spec, ranges)
}

func (c *Client) Delete(ctx context.Context, table string, keys ...keycodec.Key) error {
	c.mu.Lock()
	spec, err := c.tableOp(table)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.backend.Delete(ctx, table, spec, keys)
}

// Close releases the backend's resources. Idempotent: closing an
// already-closed client succeeds silently, consistent with this module's
// broader idempotent-lifecycle convention even though spec section 4.2
// only requires that operations *after* close fail.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.backend.Close()
}

// tableOp centralizes the closed-client and unknown-table checks every
// per-table operation needs, called with c.mu held.
func (c *Client) tableOp(table string) (keycodec.KeySpec, error) {
	if err := c.checkOpen(); err != nil {
		return nil, err
	}
	return c.specFor(table)
}
