// Package store persists position mappings, the operation queue and the
// audit log.
package store

import (
	"context"
	"fmt"

	"github.com/sirupsen/logrus"

	"mt5copier/internal/models"
)

// Store is the persistence contract for the copier.
//
// Implementations must be safe for concurrent use. The engine is the
// only writer; the control surface reads through the engine.
//
// Durability: once SaveMappings returns, a crash and restart must
// reload identical rows from LoadOpenMappings.
type Store interface {
	// Initialize opens the backend and creates the schema.
	Initialize(ctx context.Context) error
	// Close releases the backend. Idempotent.
	Close() error

	// Position mappings. (master_ticket, slave_name) is unique; a save
	// for an existing pair replaces the row.
	SaveMappings(ctx context.Context, masterTicket int64, mappings []models.PositionMapping) error
	LoadOpenMappings(ctx context.Context) (map[int64][]models.PositionMapping, error)
	UpdateMappingsStatus(ctx context.Context, masterTicket int64, status string) error
	UpdateMappingVolume(ctx context.Context, masterTicket int64, slaveName string, volume float64) error
	GetMapping(ctx context.Context, masterTicket int64, slaveName string) (*models.PositionMapping, error)

	// Operation queue, reserved for a durable-retry variant. The live
	// execution path does not consult it.
	QueueOperation(ctx context.Context, op *models.QueuedOperation) error
	PendingOperations(ctx context.Context) ([]models.QueuedOperation, error)
	UpdateOperation(ctx context.Context, op *models.QueuedOperation) error

	// Append-only audit log.
	LogEvent(ctx context.Context, event models.AuditEvent) error
}

// New creates a store for the configured backend type.
func New(backendType, path string, log *logrus.Logger) (Store, error) {
	switch backendType {
	case "", "sqlite":
		return NewSQLiteStore(path, log), nil
	default:
		return nil, fmt.Errorf("store: unsupported database type %q", backendType)
	}
}

// Ensure implementations satisfy the interface.
var (
	_ Store = (*SQLiteStore)(nil)
	_ Store = (*MockStore)(nil)
)
