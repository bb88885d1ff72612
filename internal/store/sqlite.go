package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"mt5copier/internal/models"
)

const schema = `
-- Position mappings: master ticket to the slave tickets spawned from it
CREATE TABLE IF NOT EXISTS position_mappings (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    master_ticket INTEGER NOT NULL,
    slave_name TEXT NOT NULL,
    slave_ticket INTEGER NOT NULL,
    master_volume REAL NOT NULL,
    slave_volume REAL NOT NULL,
    symbol TEXT NOT NULL,
    direction INTEGER NOT NULL,
    status TEXT DEFAULT 'open',
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    closed_at TIMESTAMP,
    UNIQUE(master_ticket, slave_name)
);

-- Operation queue for the durable-retry variant
CREATE TABLE IF NOT EXISTS operation_queue (
    id TEXT PRIMARY KEY,
    operation_type TEXT NOT NULL,
    master_ticket INTEGER NOT NULL,
    slave_name TEXT NOT NULL,
    payload TEXT,
    attempts INTEGER DEFAULT 0,
    max_attempts INTEGER DEFAULT 3,
    status TEXT DEFAULT 'pending',
    error_message TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
    next_retry_at TIMESTAMP,
    completed_at TIMESTAMP
);

-- Audit log
CREATE TABLE IF NOT EXISTS audit_log (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    event_id TEXT NOT NULL,
    event_type TEXT NOT NULL,
    master_ticket INTEGER,
    slave_name TEXT,
    slave_ticket INTEGER,
    details TEXT,
    created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE INDEX IF NOT EXISTS idx_mappings_master ON position_mappings(master_ticket);
CREATE INDEX IF NOT EXISTS idx_mappings_status ON position_mappings(status);
CREATE INDEX IF NOT EXISTS idx_queue_status ON operation_queue(status, next_retry_at);
CREATE INDEX IF NOT EXISTS idx_audit_type ON audit_log(event_type);
`

// SQLiteStore is the Store implementation over a single SQLite file.
// The engine is the only writer, so serializing writes behind one mutex
// and relying on WAL for crash recovery is enough for the durability
// contract.
type SQLiteStore struct {
	path string
	log  *logrus.Logger

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteStore creates an unopened store for the database at path.
func NewSQLiteStore(path string, log *logrus.Logger) *SQLiteStore {
	if log == nil {
		log = logrus.New()
	}
	return &SQLiteStore{path: path, log: log}
}

// Initialize opens the database, enables WAL and creates the schema.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return nil
	}

	if dir := filepath.Dir(s.path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return fmt.Errorf("creating database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", s.path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("pinging database: %w", err)
	}

	// WAL keeps committed rows recoverable across a crash without
	// holding writers behind readers.
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enabling WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return fmt.Errorf("setting busy timeout: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("creating schema: %w", err)
	}

	s.db = db
	s.log.WithField("path", s.path).Info("database initialized")
	return nil
}

// Close closes the database. Idempotent.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *SQLiteStore) conn() (*sql.DB, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, fmt.Errorf("store not initialized")
	}
	return s.db, nil
}

// SaveMappings upserts the given mappings under masterTicket in one
// transaction.
func (s *SQLiteStore) SaveMappings(ctx context.Context, masterTicket int64, mappings []models.PositionMapping) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, m := range mappings {
		createdAt := m.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		_, err := tx.ExecContext(ctx, `
			INSERT OR REPLACE INTO position_mappings
			(master_ticket, slave_name, slave_ticket, master_volume,
			 slave_volume, symbol, direction, status, created_at, closed_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			m.MasterTicket, m.SlaveName, m.SlaveTicket, m.MasterVolume,
			m.SlaveVolume, m.Symbol, m.Direction, m.Status,
			createdAt.Format(time.RFC3339Nano), nullableTime(m.ClosedAt),
		)
		if err != nil {
			return fmt.Errorf("saving mapping (%d, %s): %w", m.MasterTicket, m.SlaveName, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing mappings: %w", err)
	}

	s.log.WithFields(logrus.Fields{
		"master_ticket": masterTicket,
		"count":         len(mappings),
	}).Debug("mappings saved")
	return nil
}

// LoadOpenMappings returns every status='open' mapping grouped by
// master ticket.
func (s *SQLiteStore) LoadOpenMappings(ctx context.Context) (map[int64][]models.PositionMapping, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, master_ticket, slave_name, slave_ticket, master_volume,
		       slave_volume, symbol, direction, status, created_at, closed_at
		FROM position_mappings
		WHERE status = 'open'
		ORDER BY master_ticket`)
	if err != nil {
		return nil, fmt.Errorf("loading open mappings: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make(map[int64][]models.PositionMapping)
	for rows.Next() {
		m, err := scanMapping(rows)
		if err != nil {
			return nil, err
		}
		result[m.MasterTicket] = append(result[m.MasterTicket], m)
	}
	return result, rows.Err()
}

// UpdateMappingsStatus sets the status for every mapping of a master
// ticket, stamping closed_at when the status is closed.
func (s *SQLiteStore) UpdateMappingsStatus(ctx context.Context, masterTicket int64, status string) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	var closedAt any
	if status == models.StatusClosed {
		closedAt = time.Now().Format(time.RFC3339Nano)
	}

	_, err = db.ExecContext(ctx, `
		UPDATE position_mappings
		SET status = ?, closed_at = ?
		WHERE master_ticket = ?`,
		status, closedAt, masterTicket)
	if err != nil {
		return fmt.Errorf("updating mapping status for %d: %w", masterTicket, err)
	}
	return nil
}

// UpdateMappingVolume sets the remaining slave volume of one mapping.
func (s *SQLiteStore) UpdateMappingVolume(ctx context.Context, masterTicket int64, slaveName string, volume float64) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		UPDATE position_mappings
		SET slave_volume = ?
		WHERE master_ticket = ? AND slave_name = ?`,
		volume, masterTicket, slaveName)
	if err != nil {
		return fmt.Errorf("updating mapping volume (%d, %s): %w", masterTicket, slaveName, err)
	}
	return nil
}

// GetMapping fetches one mapping, or ErrNotFound.
func (s *SQLiteStore) GetMapping(ctx context.Context, masterTicket int64, slaveName string) (*models.PositionMapping, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	row := db.QueryRowContext(ctx, `
		SELECT id, master_ticket, slave_name, slave_ticket, master_volume,
		       slave_volume, symbol, direction, status, created_at, closed_at
		FROM position_mappings
		WHERE master_ticket = ? AND slave_name = ?`,
		masterTicket, slaveName)

	m, err := scanMapping(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// QueueOperation inserts an operation into the retry queue.
func (s *SQLiteStore) QueueOperation(ctx context.Context, op *models.QueuedOperation) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	if op.ID == "" {
		op.ID = uuid.NewString()
	}
	createdAt := op.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO operation_queue
		(id, operation_type, master_ticket, slave_name, payload,
		 attempts, max_attempts, status, error_message, created_at, next_retry_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		op.ID, string(op.Type), op.MasterTicket, op.SlaveName, string(op.Payload),
		op.Attempts, op.MaxAttempts, string(op.Status), op.ErrorMessage,
		createdAt.Format(time.RFC3339Nano), nullableTime(op.NextRetryAt), nullableTime(op.CompletedAt))
	if err != nil {
		return fmt.Errorf("queueing operation %s: %w", op.ID, err)
	}
	return nil
}

// PendingOperations returns queued operations that are due.
func (s *SQLiteStore) PendingOperations(ctx context.Context) ([]models.QueuedOperation, error) {
	db, err := s.conn()
	if err != nil {
		return nil, err
	}

	rows, err := db.QueryContext(ctx, `
		SELECT id, operation_type, master_ticket, slave_name, payload,
		       attempts, max_attempts, status, error_message, created_at, next_retry_at, completed_at
		FROM operation_queue
		WHERE status = 'pending'
		  AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at`,
		time.Now().Format(time.RFC3339Nano))
	if err != nil {
		return nil, fmt.Errorf("loading pending operations: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var ops []models.QueuedOperation
	for rows.Next() {
		var (
			op           models.QueuedOperation
			opType       string
			status       string
			payload      sql.NullString
			errMsg       sql.NullString
			createdAt    string
			nextRetryAt  sql.NullString
			completedAt  sql.NullString
		)
		if err := rows.Scan(&op.ID, &opType, &op.MasterTicket, &op.SlaveName, &payload,
			&op.Attempts, &op.MaxAttempts, &status, &errMsg, &createdAt, &nextRetryAt, &completedAt); err != nil {
			return nil, fmt.Errorf("scanning operation: %w", err)
		}
		op.Type = models.OperationType(opType)
		op.Status = models.OperationStatus(status)
		if payload.Valid && payload.String != "" {
			op.Payload = json.RawMessage(payload.String)
		}
		op.ErrorMessage = errMsg.String
		op.CreatedAt = parseTime(createdAt)
		op.NextRetryAt = parseNullableTime(nextRetryAt)
		op.CompletedAt = parseNullableTime(completedAt)
		ops = append(ops, op)
	}
	return ops, rows.Err()
}

// UpdateOperation persists the retry state of a queued operation.
func (s *SQLiteStore) UpdateOperation(ctx context.Context, op *models.QueuedOperation) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	_, err = db.ExecContext(ctx, `
		UPDATE operation_queue
		SET status = ?, attempts = ?, error_message = ?, next_retry_at = ?, completed_at = ?
		WHERE id = ?`,
		string(op.Status), op.Attempts, op.ErrorMessage,
		nullableTime(op.NextRetryAt), nullableTime(op.CompletedAt), op.ID)
	if err != nil {
		return fmt.Errorf("updating operation %s: %w", op.ID, err)
	}
	return nil
}

// LogEvent appends one audit record.
func (s *SQLiteStore) LogEvent(ctx context.Context, event models.AuditEvent) error {
	db, err := s.conn()
	if err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = uuid.NewString()
	}
	var details any
	if len(event.Details) > 0 {
		raw, err := json.Marshal(event.Details)
		if err != nil {
			return fmt.Errorf("encoding audit details: %w", err)
		}
		details = string(raw)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO audit_log (event_id, event_type, master_ticket, slave_name, slave_ticket, details)
		VALUES (?, ?, ?, ?, ?, ?)`,
		event.ID, event.Type, nullableInt(event.MasterTicket),
		nullableString(event.SlaveName), nullableInt(event.SlaveTicket), details)
	if err != nil {
		return fmt.Errorf("logging audit event %s: %w", event.Type, err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMapping(row rowScanner) (models.PositionMapping, error) {
	var (
		m         models.PositionMapping
		createdAt string
		closedAt  sql.NullString
	)
	err := row.Scan(&m.ID, &m.MasterTicket, &m.SlaveName, &m.SlaveTicket,
		&m.MasterVolume, &m.SlaveVolume, &m.Symbol, &m.Direction,
		&m.Status, &createdAt, &closedAt)
	if err != nil {
		return m, err
	}
	m.CreatedAt = parseTime(createdAt)
	m.ClosedAt = parseNullableTime(closedAt)
	return m, nil
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.Format(time.RFC3339Nano)
}

func nullableInt(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func parseTime(s string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t
	}
	// SQLite's CURRENT_TIMESTAMP default writes this layout.
	if t, err := time.Parse("2006-01-02 15:04:05", s); err == nil {
		return t
	}
	return time.Time{}
}

func parseNullableTime(s sql.NullString) *time.Time {
	if !s.Valid || s.String == "" {
		return nil
	}
	t := parseTime(s.String)
	if t.IsZero() {
		return nil
	}
	return &t
}
