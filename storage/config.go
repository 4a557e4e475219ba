package storage

import (
	"regexp"

	"go.uber.org/zap"

	"github.com/starwalker/kvlayer/kverrors"
)

// identifierRE matches the identifier-safe namespace/app name characters
// spec section 4.7 requires for the relational backend. AppNamespace
// applies it to app_name/namespace for every backend that calls it (all
// except local and filestorage, which never read those keys).
var identifierRE = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*$`)

// ValidIdentifier reports whether s is a legal app_name/namespace/table
// component.
func ValidIdentifier(s string) bool {
	return identifierRE.MatchString(s)
}

// StringVal returns cfg[key] as a string, returning def if absent, and
// failing with kverrors.BadConfig if present but not a string.
func (cfg Config) StringVal(key, def string) (string, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	s, ok := v.(string)
	if !ok {
		return "", kverrors.New(kverrors.BadConfig, "config key %q must be a string, got %T", key, v)
	}
	return s, nil
}

// IntVal returns cfg[key] as an int, returning def if absent, and failing
// with kverrors.BadConfig if present but not an integer type.
func (cfg Config) IntVal(key string, def int) (int, error) {
	v, ok := cfg[key]
	if !ok {
		return def, nil
	}
	switch n := v.(type) {
	case int:
		return n, nil
	case int64:
		return int(n), nil
	case float64:
		return int(n), nil
	default:
		return 0, kverrors.New(kverrors.BadConfig, "config key %q must be an integer, got %T", key, v)
	}
}

// Addresses returns cfg["storage_addresses"] as a string slice. Per spec
// section 4.6/4.7, several backends intentionally use only the first
// address and document the rest as ignored.
func (cfg Config) Addresses() ([]string, error) {
	v, ok := cfg["storage_addresses"]
	if !ok {
		return nil, nil
	}
	switch addrs := v.(type) {
	case []string:
		return addrs, nil
	case []interface{}:
		out := make([]string, len(addrs))
		for i, a := range addrs {
			s, ok := a.(string)
			if !ok {
				return nil, kverrors.New(kverrors.BadConfig, "storage_addresses[%d] must be a string, got %T", i, a)
			}
			out[i] = s
		}
		return out, nil
	default:
		return nil, kverrors.New(kverrors.BadConfig, "storage_addresses must be a list of strings, got %T", v)
	}
}

// AppNamespace returns the validated (app_name, namespace) pair that
// together form the physical container for this client's tables.
func (cfg Config) AppNamespace() (app, namespace string, err error) {
	app, err = cfg.StringVal("app_name", "")
	if err != nil {
		return "", "", err
	}
	namespace, err = cfg.StringVal("namespace", "")
	if err != nil {
		return "", "", err
	}
	if namespace == "" {
		return "", "", kverrors.New(kverrors.BadConfig, "config missing required namespace")
	}
	if !ValidIdentifier(namespace) {
		return "", "", kverrors.New(kverrors.BadConfig, "invalid namespace %q", namespace)
	}
	if app != "" && !ValidIdentifier(app) {
		return "", "", kverrors.New(kverrors.BadConfig, "invalid app_name %q", app)
	}
	return app, namespace, nil
}

// Logger returns cfg["logger"] if one was supplied, else a no-op logger,
// so the facade never requires logging configuration to function.
func (cfg Config) Logger() *zap.Logger {
	if l, ok := cfg["logger"].(*zap.Logger); ok && l != nil {
		return l
	}
	return zap.NewNop()
}

// PhysicalTableName implements the deterministic naming convention of
// spec section 6: app + "_" + namespace + "_" + table.
func PhysicalTableName(app, namespace, table string) string {
	if app == "" {
		return namespace + "_" + table
	}
	return app + "_" + namespace + "_" + table
}
