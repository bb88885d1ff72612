// Package models holds the value types shared across the copier: position
// snapshots, detected change sets, persistent position mappings and the
// per-account runtime state.
package models

import (
	"encoding/json"
	"time"
)

// Position sides as reported by the broker.
const (
	SideBuy  = 0
	SideSell = 1
)

// PositionMapping status values.
const (
	StatusOpen   = "open"
	StatusClosed = "closed"
	StatusError  = "error"
)

// PositionSnapshot is an immutable capture of one open position on an
// account. Snapshots are produced once per poll and never mutated.
type PositionSnapshot struct {
	Ticket    int64   `json:"ticket"`
	Symbol    string  `json:"symbol"`
	Side      int     `json:"type"` // SideBuy or SideSell
	Volume    float64 `json:"volume"`
	PriceOpen float64 `json:"price_open"`
	SL        float64 `json:"sl"` // 0 = unset
	TP        float64 `json:"tp"` // 0 = unset
	Magic     int32   `json:"magic"`
	Comment   string  `json:"comment"`
	Time      int64   `json:"time"` // epoch seconds
	Profit    float64 `json:"profit"`
}

// PartialClose is a volume decrease detected on an existing ticket.
type PartialClose struct {
	Ticket          int64   `json:"ticket"`
	ClosedVolume    float64 `json:"closed_volume"`
	RemainingVolume float64 `json:"remaining_volume"`
	OriginalVolume  float64 `json:"original_volume"`
}

// Modification is an SL/TP change detected on an existing ticket.
// PriceOpen carries the master's entry price so that downstream handlers
// can translate the new levels into distances.
type Modification struct {
	Ticket    int64   `json:"ticket"`
	OldSL     float64 `json:"old_sl"`
	NewSL     float64 `json:"new_sl"`
	OldTP     float64 `json:"old_tp"`
	NewTP     float64 `json:"new_tp"`
	PriceOpen float64 `json:"price_open"`
}

// ChangeSet is the result of one detection pass. A ticket appears in at
// most one of the four sequences.
type ChangeSet struct {
	Opens         []PositionSnapshot
	Closes        []PositionSnapshot
	Partials      []PartialClose
	Modifications []Modification
}

// IsEmpty reports whether the change set contains no changes.
func (c ChangeSet) IsEmpty() bool {
	return len(c.Opens) == 0 && len(c.Closes) == 0 &&
		len(c.Partials) == 0 && len(c.Modifications) == 0
}

// Len returns the total number of changes.
func (c ChangeSet) Len() int {
	return len(c.Opens) + len(c.Closes) + len(c.Partials) + len(c.Modifications)
}

// PositionMapping links a master position to the slave position spawned
// from it. Rows are never deleted; a close flips Status and stamps
// ClosedAt. (MasterTicket, SlaveName) is unique across the store.
type PositionMapping struct {
	ID           int64      `json:"id,omitempty"`
	MasterTicket int64      `json:"master_ticket"`
	SlaveName    string     `json:"slave_name"`
	SlaveTicket  int64      `json:"slave_ticket"`
	MasterVolume float64    `json:"master_volume"`
	SlaveVolume  float64    `json:"slave_volume"`
	Symbol       string     `json:"symbol"`
	Direction    int        `json:"direction"` // effective side of the slave position
	Status       string     `json:"status"`
	CreatedAt    time.Time  `json:"created_at"`
	ClosedAt     *time.Time `json:"closed_at,omitempty"`
}

// OperationType identifies the kind of trading operation being executed
// or queued.
type OperationType string

const (
	OpOpen         OperationType = "open"
	OpClose        OperationType = "close"
	OpModify       OperationType = "modify"
	OpPartialClose OperationType = "partial_close"
)

// OperationStatus is the retry state machine position of an operation.
type OperationStatus string

const (
	OpPending    OperationStatus = "pending"
	OpProcessing OperationStatus = "processing"
	OpCompleted  OperationStatus = "completed"
	OpFailed     OperationStatus = "failed"
)

// QueuedOperation is one trading operation tracked through the retry
// state machine. The store can persist these in the operation queue;
// the live execution path keeps them in memory only.
type QueuedOperation struct {
	ID           string          `json:"id"`
	Type         OperationType   `json:"operation_type"`
	MasterTicket int64           `json:"master_ticket"`
	SlaveName    string          `json:"slave_name"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Attempts     int             `json:"attempts"`
	MaxAttempts  int             `json:"max_attempts"`
	Status       OperationStatus `json:"status"`
	ErrorMessage string          `json:"error_message,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	NextRetryAt  *time.Time      `json:"next_retry_at,omitempty"`
	CompletedAt  *time.Time      `json:"completed_at,omitempty"`
}

// AuditEvent is one append-only audit log record.
type AuditEvent struct {
	ID           string         `json:"id,omitempty"`
	Type         string         `json:"event_type"`
	MasterTicket int64          `json:"master_ticket,omitempty"`
	SlaveName    string         `json:"slave_name,omitempty"`
	SlaveTicket  int64          `json:"slave_ticket,omitempty"`
	Details      map[string]any `json:"details,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
}
