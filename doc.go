/*
Package kvlayer provides a simple abstraction around key/value-oriented
databases.

Many popular large-scale databases export a simple key/value
abstraction: the database is simply a collection of cells with some
(possibly structured) key and a value for each key. This allows the
database system itself to partition the database, and lets a caller swap
one backend for another without rewriting its storage logic.

A Config selects a backend via its "storage_type" key and supplies that
backend's connection settings. "app_name" and "namespace" combine to
scope the virtual tables a Client can see, so that multiple applications
(or multiple environments of one application) can share a physical
database without colliding.

	cfg := storage.Config{
		"storage_type":      "local",
		"app_name":          "myapp",
		"namespace":         "test",
	}
	client, err := kvlayer.NewClient(cfg)
	if err != nil {
		// handle err
	}
	defer client.Close()

	spec := keycodec.KeySpec{keycodec.StringField}
	err = client.SetupNamespace(ctx, map[string]keycodec.KeySpec{"widgets": spec})

Backends are registered by side effect: importing a storage/* subpackage
(or this package, which imports all of them) calls storage.Register in an
init function, the same pattern database/sql uses for its drivers.
*/
package kvlayer
