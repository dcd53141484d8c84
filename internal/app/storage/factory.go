// Package storage creates the shared store backend selected by configuration.
// Every service instance pointed at the same backend shares one queue, one
// annotation state and one lock namespace.
package storage

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/partonomy/annotator/internal/config"
	"github.com/partonomy/annotator/internal/kv"
)

// Factory opens the shared store and owns its lifecycle.
type Factory interface {
	// CreateStore returns a ready-to-use store. Repeated calls return the
	// same instance.
	CreateStore(ctx context.Context) (kv.Store, error)

	// Cleanup releases backend connections. Safe to call more than once.
	Cleanup()
}

// NewStorageFactory creates a storage factory for the configured store type.
func NewStorageFactory(ctx context.Context, cfg *config.Config) (Factory, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}

	switch cfg.Store.GetType() {
	case config.StoreTypeMemory:
		return NewMemoryFactory(), nil
	case config.StoreTypeRedis:
		return NewRedisFactory(ctx, cfg)
	case config.StoreTypePostgres:
		return NewDatabaseFactory(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown store type: %s", cfg.Store.GetType())
	}
}

// MemoryFactory serves a single in-process store. Only suitable for a single
// service instance.
type MemoryFactory struct {
	store *kv.MemoryStore
}

var _ Factory = (*MemoryFactory)(nil)

// NewMemoryFactory creates an in-process store factory.
func NewMemoryFactory() *MemoryFactory {
	slog.Warn("Using in-memory shared store; locks and the queue are not shared across instances")
	return &MemoryFactory{store: kv.NewMemoryStore()}
}

// CreateStore implements Factory
func (m *MemoryFactory) CreateStore(_ context.Context) (kv.Store, error) {
	return m.store, nil
}

// Cleanup implements Factory
func (*MemoryFactory) Cleanup() {}
