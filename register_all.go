package kvlayer

// Importing this package registers every backend this module ships,
// mirroring the way database/sql drivers register themselves: each
// storage/* subpackage calls storage.Register from an init function as
// a side effect of being imported here.
import (
	_ "github.com/starwalker/kvlayer/storage/columnstore"
	_ "github.com/starwalker/kvlayer/storage/document"
	_ "github.com/starwalker/kvlayer/storage/file"
	_ "github.com/starwalker/kvlayer/storage/local"
	_ "github.com/starwalker/kvlayer/storage/relational"
	_ "github.com/starwalker/kvlayer/storage/remote"
	_ "github.com/starwalker/kvlayer/storage/widecolumn"
)
