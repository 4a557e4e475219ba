package kvlayer

import (
	"github.com/starwalker/kvlayer/datastore"
	"github.com/starwalker/kvlayer/storage"
)

// Client is the facade every caller of this module programs against. It
// is an alias for datastore.Client so importers need only this package,
// storage (for Config, KV and KeyRange) and keycodec to use kvlayer end
// to end.
type Client = datastore.Client

// Storage is the interface Client implements.
type Storage = datastore.Storage

// NewClient resolves cfg's "storage_type" against the backend registry
// and returns a Client bound to it. The backend does not connect until
// the first data operation.
func NewClient(cfg storage.Config) (*Client, error) {
	return datastore.NewClient(cfg)
}
