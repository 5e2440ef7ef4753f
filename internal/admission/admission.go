// Package admission gates execution starts against per-user quotas, rate
// caps, and block status. Admission is serialised per user and parallel
// across users; the live concurrent counter is authoritative in memory.
package admission

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/settings"
	"nimbus-ide/internal/store"
	"nimbus-ide/pkg/models"
)

// Request is one admission attempt.
type Request struct {
	UserID    uint
	ProjectID uint
	Language  string
}

// Token represents a reserved concurrency slot. Release must be called on
// every terminal path, including setup failure; it is idempotent.
type Token struct {
	UserID uint

	once    sync.Once
	release func()
}

// Release frees the reserved slot.
func (t *Token) Release() {
	t.once.Do(t.release)
}

type userState struct {
	mu         sync.Mutex
	concurrent int
}

// Admitter evaluates quotas before an execution may start.
type Admitter struct {
	profiles store.ProfileStore
	projects store.ProjectStore
	records  store.ExecutionRecordStore
	settings *settings.Store

	languageOK func(language string) error

	mu    sync.Mutex
	users map[uint]*userState
}

// New returns an Admitter. languageOK validates a language id and returns
// a KindUnsupportedLanguage error for unknown ids.
func New(profiles store.ProfileStore, projects store.ProjectStore, records store.ExecutionRecordStore, st *settings.Store, languageOK func(language string) error) *Admitter {
	return &Admitter{
		profiles:   profiles,
		projects:   projects,
		records:    records,
		settings:   st,
		languageOK: languageOK,
		users:      make(map[uint]*userState),
	}
}

func (a *Admitter) user(id uint) *userState {
	a.mu.Lock()
	defer a.mu.Unlock()
	us, ok := a.users[id]
	if !ok {
		us = &userState{}
		a.users[id] = us
	}
	return us
}

// Admit evaluates the request and, on success, reserves a concurrency slot.
// Rejections carry one of: Forbidden (blocked user), UnsupportedLanguage,
// NotFound (project missing or not owned), TooManyConcurrent, RateLimited,
// QuotaExceeded.
func (a *Admitter) Admit(ctx context.Context, req Request) (*Token, error) {
	user, err := a.profiles.Get(ctx, req.UserID)
	if err != nil {
		return nil, err
	}
	if user.Status != models.UserStatusActive {
		return nil, apperr.Newf(apperr.KindForbidden, "account is %s", user.Status)
	}
	if err := a.languageOK(req.Language); err != nil {
		return nil, err
	}
	project, err := a.projects.Get(ctx, req.ProjectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != req.UserID {
		// Ownership failures look identical to missing projects so a
		// caller cannot probe other users' project ids.
		return nil, apperr.Newf(apperr.KindNotFound, "project %d not found", req.ProjectID)
	}

	snap := a.settings.Snapshot()

	hourly, err := a.records.CountInHour(ctx, req.UserID)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to count recent executions", err)
	}
	if hourly >= int64(snap.MaxExecutionsPerHour) {
		return nil, apperr.Newf(apperr.KindRateLimited,
			"hourly execution limit reached (%d/hour)", snap.MaxExecutionsPerHour)
	}

	storageLimit := int64(snap.MaxZipSizeMB) * int64(snap.MaxProjectsPerUser) * 1024 * 1024
	if user.StorageUsed > storageLimit {
		return nil, apperr.New(apperr.KindQuotaExceeded, "storage quota exceeded")
	}

	us := a.user(req.UserID)
	us.mu.Lock()
	defer us.mu.Unlock()
	if us.concurrent >= snap.MaxConcurrentPerUser {
		return nil, apperr.Newf(apperr.KindTooManyConcurrent,
			"concurrent execution limit reached (%d)", snap.MaxConcurrentPerUser)
	}
	us.concurrent++

	logging.L().Debug("admission granted",
		zap.Uint("user_id", req.UserID),
		zap.Int("concurrent", us.concurrent))

	return &Token{
		UserID: req.UserID,
		release: func() {
			us.mu.Lock()
			defer us.mu.Unlock()
			if us.concurrent > 0 {
				us.concurrent--
			}
		},
	}, nil
}

// Concurrent returns the live concurrent count for a user.
func (a *Admitter) Concurrent(userID uint) int {
	us := a.user(userID)
	us.mu.Lock()
	defer us.mu.Unlock()
	return us.concurrent
}
