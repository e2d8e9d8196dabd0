// factory.go implements the storage driver registry, mapping driver type
// strings (local, s3) to constructor functions and dispatching NewStore calls.
package storage

import (
	"fmt"

	"github.com/classml/classml/internal/config"
)

// FactoryFunc creates a Store from the application configuration.
type FactoryFunc func(*config.Config) (Store, error)

var factories = make(map[string]FactoryFunc)

// Register registers a storage driver factory.
func Register(name string, factory FactoryFunc) {
	factories[name] = factory
}

// NewStore creates a storage driver based on configuration.
func NewStore(cfg *config.Config) (Store, error) {
	factory, ok := factories[cfg.Storage.DefaultBackend]
	if !ok {
		return nil, fmt.Errorf("unsupported storage driver: %s (must be 'local' or 's3')", cfg.Storage.DefaultBackend)
	}

	return factory(cfg)
}
