package models

import (
	"time"

	"gorm.io/gorm"
)

// User status values.
const (
	UserStatusActive  = "active"
	UserStatusBlocked = "blocked"
)

// User roles.
const (
	RoleUser  = "user"
	RoleAdmin = "admin"
)

// User represents a platform account. The orchestrator only reads identity,
// status, role, and storage accounting; everything else belongs to the web tier.
type User struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Username string `json:"username" gorm:"uniqueIndex;not null"`
	Email    string `json:"email" gorm:"uniqueIndex;not null"`

	Status      string `json:"status" gorm:"default:'active'"` // active, blocked
	Role        string `json:"role" gorm:"default:'user'"`     // user, admin
	BlockReason string `json:"block_reason,omitempty"`

	// Storage accounting in bytes, maintained by the file service.
	StorageUsed int64 `json:"storage_used" gorm:"default:0"`

	TotalExecutions int64 `json:"total_executions" gorm:"default:0"`
}

// IsAdmin reports whether the user holds the admin role.
func (u *User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Project represents a coding project whose files live in the blob store
// under the prefix "projects/{id}/".
type Project struct {
	ID        uint           `json:"id" gorm:"primarykey"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	Name     string `json:"name" gorm:"not null"`
	OwnerID  uint   `json:"owner_id" gorm:"not null;index"`
	Language string `json:"language"`

	// GithubURL holds the bare remote URL (never a token-bearing form).
	GithubURL *string `json:"github_url"`
}

// Execution terminal statuses as persisted.
const (
	StatusQueued    = "queued"
	StatusPreparing = "preparing"
	StatusLaunching = "launching"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusStopped   = "stopped"
	StatusTimeout   = "timeout"
	StatusOOM       = "oom"
	StatusKilled    = "killed"
	StatusCrashed   = "crashed"
	StatusError     = "error"
	StatusSetup     = "setup-failed"
)

// Termination reasons recorded on terminal executions.
const (
	ReasonCompleted   = "completed"
	ReasonStopped     = "stopped"
	ReasonTimeout     = "timeout"
	ReasonOOM         = "out-of-memory"
	ReasonKilledAdmin = "killed-admin"
	ReasonCrashed     = "crashed"
	ReasonSetupFailed = "setup-failed"
	ReasonOverflow    = "output-overflow"
)

// ExecutionRecord is the persisted record of a single code execution.
type ExecutionRecord struct {
	ID        string         `json:"id" gorm:"primarykey"` // UUID
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
	DeletedAt gorm.DeletedAt `json:"-" gorm:"index"`

	UserID    uint   `json:"user_id" gorm:"not null;index"`
	ProjectID uint   `json:"project_id" gorm:"not null;index"`
	Language  string `json:"language" gorm:"not null"`
	FilePath  string `json:"file_path" gorm:"not null"`

	Status            string `json:"status" gorm:"default:'queued';index"`
	ExitCode          *int   `json:"exit_code"`
	TerminationReason string `json:"termination_reason"`

	ExecutionTimeMs int64   `json:"execution_time_ms" gorm:"default:0"`
	MemoryUsedMB    float64 `json:"memory_used_mb" gorm:"default:0"`
	CPUTimeMs       int64   `json:"cpu_time_ms" gorm:"default:0"`

	StdoutBytes     int64 `json:"stdout_bytes" gorm:"default:0"`
	StderrBytes     int64 `json:"stderr_bytes" gorm:"default:0"`
	TruncatedStdout bool  `json:"truncated_stdout" gorm:"default:false"`
	TruncatedStderr bool  `json:"truncated_stderr" gorm:"default:false"`

	// SandboxHandle is the opaque driver handle, retained for reconciliation.
	SandboxHandle string `json:"-" gorm:"index"`

	StartedAt *time.Time `json:"started_at"`
	EndedAt   *time.Time `json:"ended_at"`
}

// Terminal reports whether the record has reached a final status.
func (r *ExecutionRecord) Terminal() bool {
	switch r.Status {
	case StatusCompleted, StatusStopped, StatusTimeout, StatusOOM,
		StatusKilled, StatusCrashed, StatusError, StatusSetup:
		return true
	}
	return false
}

// Setting is a typed key/value runtime setting (see settings package for keys).
type Setting struct {
	Key       string    `json:"key" gorm:"primarykey"`
	Value     string    `json:"value" gorm:"not null"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AuditEvent is an append-only security/compliance event.
type AuditEvent struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	UserID      uint   `json:"user_id" gorm:"index"`
	ActorID     uint   `json:"actor_id"`
	Action      string `json:"action" gorm:"not null;index"` // e.g. user.block, execution.kill
	Severity    string `json:"severity" gorm:"default:'info'"`
	Resource    string `json:"resource"`
	Detail      string `json:"detail" gorm:"type:text"`
	ExecutionID string `json:"execution_id"`
}

// AbuseAlert records a fired abuse rule for a user.
type AbuseAlert struct {
	ID        uint      `json:"id" gorm:"primarykey"`
	CreatedAt time.Time `json:"created_at" gorm:"index"`

	UserID      uint   `json:"user_id" gorm:"not null;index"`
	RuleID      string `json:"rule_id" gorm:"not null"`
	Severity    string `json:"severity" gorm:"not null"` // warning, critical
	Detail      string `json:"detail"`
	ExecutionID string `json:"execution_id"`
	AutoBlocked bool   `json:"auto_blocked" gorm:"default:false"`
}
