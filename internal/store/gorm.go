package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/pkg/models"
)

// GormProfileStore is the database-backed ProfileStore.
type GormProfileStore struct {
	db *gorm.DB
}

func NewGormProfileStore(db *gorm.DB) *GormProfileStore {
	return &GormProfileStore{db: db}
}

func (s *GormProfileStore) Get(ctx context.Context, userID uint) (*models.User, error) {
	var user models.User
	err := s.db.WithContext(ctx).First(&user, userID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "user %d not found", userID)
	}
	if err != nil {
		return nil, err
	}
	return &user, nil
}

func (s *GormProfileStore) IncrementExecutionCount(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		UpdateColumn("total_executions", gorm.Expr("total_executions + 1")).Error
}

func (s *GormProfileStore) Block(ctx context.Context, userID uint, reason string) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"status":       models.UserStatusBlocked,
			"block_reason": reason,
		}).Error
}

func (s *GormProfileStore) Unblock(ctx context.Context, userID uint) error {
	return s.db.WithContext(ctx).Model(&models.User{}).
		Where("id = ?", userID).
		Updates(map[string]interface{}{
			"status":       models.UserStatusActive,
			"block_reason": "",
		}).Error
}

// GormProjectStore is the database-backed ProjectStore.
type GormProjectStore struct {
	db *gorm.DB
}

func NewGormProjectStore(db *gorm.DB) *GormProjectStore {
	return &GormProjectStore{db: db}
}

func (s *GormProjectStore) Get(ctx context.Context, projectID uint) (*models.Project, error) {
	var project models.Project
	err := s.db.WithContext(ctx).First(&project, projectID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "project %d not found", projectID)
	}
	if err != nil {
		return nil, err
	}
	return &project, nil
}

func (s *GormProjectStore) UpdateGithubURL(ctx context.Context, projectID uint, url *string) error {
	return s.db.WithContext(ctx).Model(&models.Project{}).
		Where("id = ?", projectID).
		Update("github_url", url).Error
}

// GormExecutionRecordStore is the database-backed ExecutionRecordStore.
type GormExecutionRecordStore struct {
	db *gorm.DB
}

func NewGormExecutionRecordStore(db *gorm.DB) *GormExecutionRecordStore {
	return &GormExecutionRecordStore{db: db}
}

func (s *GormExecutionRecordStore) Insert(ctx context.Context, rec *models.ExecutionRecord) error {
	return s.db.WithContext(ctx).Create(rec).Error
}

func (s *GormExecutionRecordStore) Get(ctx context.Context, id string) (*models.ExecutionRecord, error) {
	var rec models.ExecutionRecord
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperr.Newf(apperr.KindNotFound, "execution %s not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *GormExecutionRecordStore) UpdateStatus(ctx context.Context, id, status string) error {
	return s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ?", id).
		Update("status", status).Error
}

func (s *GormExecutionRecordStore) SetStarted(ctx context.Context, id, sandboxHandle string, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"status":         models.StatusRunning,
			"sandbox_handle": sandboxHandle,
			"started_at":     at,
		}).Error
}

// UpdateTerminal commits the terminal fields. The status guard makes the
// first terminal writer win; a record already terminal is left untouched.
func (s *GormExecutionRecordStore) UpdateTerminal(ctx context.Context, id string, f TerminalFields) error {
	return s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("id = ? AND status IN ?", id, nonTerminalStatuses).
		Updates(map[string]interface{}{
			"status":             f.Status,
			"exit_code":          f.ExitCode,
			"termination_reason": f.TerminationReason,
			"execution_time_ms":  f.ExecutionTimeMs,
			"memory_used_mb":     f.MemoryUsedMB,
			"cpu_time_ms":        f.CPUTimeMs,
			"stdout_bytes":       f.StdoutBytes,
			"stderr_bytes":       f.StderrBytes,
			"truncated_stdout":   f.TruncatedStdout,
			"truncated_stderr":   f.TruncatedStderr,
			"ended_at":           f.EndedAt,
		}).Error
}

func (s *GormExecutionRecordStore) CountInHour(ctx context.Context, userID uint) (int64, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&models.ExecutionRecord{}).
		Where("user_id = ? AND created_at > ?", userID, time.Now().Add(-time.Hour)).
		Count(&count).Error
	return count, err
}

func (s *GormExecutionRecordStore) Recent(ctx context.Context, userID uint, n int) ([]models.ExecutionRecord, error) {
	var recs []models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("created_at DESC").
		Limit(n).
		Find(&recs).Error
	return recs, err
}

var nonTerminalStatuses = []string{
	models.StatusQueued, models.StatusPreparing,
	models.StatusLaunching, models.StatusRunning,
}

func (s *GormExecutionRecordStore) NonTerminal(ctx context.Context) ([]models.ExecutionRecord, error) {
	var recs []models.ExecutionRecord
	err := s.db.WithContext(ctx).
		Where("status IN ?", nonTerminalStatuses).
		Find(&recs).Error
	return recs, err
}

// GormAuditStore is the database-backed AuditStore.
type GormAuditStore struct {
	db *gorm.DB
}

func NewGormAuditStore(db *gorm.DB) *GormAuditStore {
	return &GormAuditStore{db: db}
}

func (s *GormAuditStore) Append(ctx context.Context, ev *models.AuditEvent) error {
	return s.db.WithContext(ctx).Create(ev).Error
}

// GormAlertStore is the database-backed AlertStore.
type GormAlertStore struct {
	db *gorm.DB
}

func NewGormAlertStore(db *gorm.DB) *GormAlertStore {
	return &GormAlertStore{db: db}
}

func (s *GormAlertStore) Insert(ctx context.Context, alert *models.AbuseAlert) error {
	return s.db.WithContext(ctx).Create(alert).Error
}
