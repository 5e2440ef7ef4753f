// Package store holds the database-backed collaborator stores the
// orchestrator depends on. Each store is an interface so tests can swap
// in-memory fakes; the shipped implementations use GORM.
package store

import (
	"context"
	"time"

	"nimbus-ide/pkg/models"
)

// ProfileStore reads and mutates user accounts.
type ProfileStore interface {
	Get(ctx context.Context, userID uint) (*models.User, error)
	IncrementExecutionCount(ctx context.Context, userID uint) error
	Block(ctx context.Context, userID uint, reason string) error
	Unblock(ctx context.Context, userID uint) error
}

// ProjectStore reads projects and records remote URL changes.
type ProjectStore interface {
	Get(ctx context.Context, projectID uint) (*models.Project, error)
	UpdateGithubURL(ctx context.Context, projectID uint, url *string) error
}

// TerminalFields is the set of columns written exactly once when an
// execution reaches a terminal state.
type TerminalFields struct {
	Status            string
	ExitCode          *int
	TerminationReason string
	ExecutionTimeMs   int64
	MemoryUsedMB      float64
	CPUTimeMs         int64
	StdoutBytes       int64
	StderrBytes       int64
	TruncatedStdout   bool
	TruncatedStderr   bool
	EndedAt           time.Time
}

// ExecutionRecordStore persists execution records.
type ExecutionRecordStore interface {
	Insert(ctx context.Context, rec *models.ExecutionRecord) error
	Get(ctx context.Context, id string) (*models.ExecutionRecord, error)
	UpdateStatus(ctx context.Context, id, status string) error
	SetStarted(ctx context.Context, id, sandboxHandle string, at time.Time) error
	UpdateTerminal(ctx context.Context, id string, fields TerminalFields) error
	CountInHour(ctx context.Context, userID uint) (int64, error)
	Recent(ctx context.Context, userID uint, n int) ([]models.ExecutionRecord, error)
	NonTerminal(ctx context.Context) ([]models.ExecutionRecord, error)
}

// AuditStore appends audit events.
type AuditStore interface {
	Append(ctx context.Context, ev *models.AuditEvent) error
}

// AlertStore records fired abuse rules.
type AlertStore interface {
	Insert(ctx context.Context, alert *models.AbuseAlert) error
}
