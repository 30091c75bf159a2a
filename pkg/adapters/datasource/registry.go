package datasource

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// AdapterInfo describes a registered adapter.
type AdapterInfo struct {
	Type        string `json:"type"`         // "postgres", "sqlserver"
	DisplayName string `json:"display_name"` // "PostgreSQL", "Microsoft SQL Server"
	Description string `json:"description"`
}

// SchemaDiscovererFactory opens a discoverer for a connection string.
type SchemaDiscovererFactory func(ctx context.Context, dsn string, logger *zap.Logger) (SchemaDiscoverer, error)

// AdapterRegistration pairs adapter info with its factory.
type AdapterRegistration struct {
	Info                    AdapterInfo
	SchemaDiscovererFactory SchemaDiscovererFactory
}

var (
	registryMu sync.RWMutex
	registry   = make(map[string]AdapterRegistration)
)

// Register is called by each adapter's init() function.
func Register(reg AdapterRegistration) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[reg.Info.Type] = reg
}

// RegisteredAdapters returns info for all registered adapters, sorted by type.
func RegisteredAdapters() []AdapterInfo {
	registryMu.RLock()
	defer registryMu.RUnlock()

	result := make([]AdapterInfo, 0, len(registry))
	for _, reg := range registry {
		result = append(result, reg.Info)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Type < result[j].Type })
	return result
}

// IsRegistered checks if an adapter type is available.
func IsRegistered(dsType string) bool {
	registryMu.RLock()
	defer registryMu.RUnlock()
	_, ok := registry[dsType]
	return ok
}

// NewSchemaDiscoverer opens a discoverer of the given type.
func NewSchemaDiscoverer(ctx context.Context, dsType, dsn string, logger *zap.Logger) (SchemaDiscoverer, error) {
	registryMu.RLock()
	reg, ok := registry[dsType]
	registryMu.RUnlock()

	if !ok || reg.SchemaDiscovererFactory == nil {
		return nil, fmt.Errorf("unsupported datasource type %q", dsType)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return reg.SchemaDiscovererFactory(ctx, dsn, logger)
}
