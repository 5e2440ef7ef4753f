package admission

import (
	"context"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/settings"
	"nimbus-ide/internal/store"
	"nimbus-ide/pkg/models"
)

type fakeProfiles struct {
	users map[uint]*models.User
}

func (f *fakeProfiles) Get(_ context.Context, userID uint) (*models.User, error) {
	u, ok := f.users[userID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "user %d not found", userID)
	}
	return u, nil
}
func (f *fakeProfiles) IncrementExecutionCount(context.Context, uint) error { return nil }
func (f *fakeProfiles) Block(context.Context, uint, string) error           { return nil }
func (f *fakeProfiles) Unblock(context.Context, uint) error                 { return nil }

type fakeProjects struct {
	projects map[uint]*models.Project
}

func (f *fakeProjects) Get(_ context.Context, projectID uint) (*models.Project, error) {
	p, ok := f.projects[projectID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "project %d not found", projectID)
	}
	return p, nil
}
func (f *fakeProjects) UpdateGithubURL(context.Context, uint, *string) error { return nil }

type fakeRecords struct {
	store.ExecutionRecordStore
	hourly int64
}

func (f *fakeRecords) CountInHour(context.Context, uint) (int64, error) {
	return f.hourly, nil
}

func testSettings(t *testing.T) *settings.Store {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Setting{}))
	st, err := settings.NewStore(db)
	require.NoError(t, err)
	return st
}

func languageOK(language string) error {
	if language == "python" {
		return nil
	}
	return apperr.Newf(apperr.KindUnsupportedLanguage, "unsupported language: %s", language)
}

func newTestAdmitter(t *testing.T) (*Admitter, *fakeProfiles, *fakeRecords) {
	profiles := &fakeProfiles{users: map[uint]*models.User{
		1: {ID: 1, Status: models.UserStatusActive},
		2: {ID: 2, Status: models.UserStatusBlocked, BlockReason: "abuse"},
	}}
	projects := &fakeProjects{projects: map[uint]*models.Project{
		10: {ID: 10, OwnerID: 1},
		20: {ID: 20, OwnerID: 99},
	}}
	records := &fakeRecords{}
	return New(profiles, projects, records, testSettings(t), languageOK), profiles, records
}

func TestAdmitHappyPath(t *testing.T) {
	a, _, _ := newTestAdmitter(t)

	token, err := a.Admit(context.Background(), Request{UserID: 1, ProjectID: 10, Language: "python"})
	require.NoError(t, err)
	assert.Equal(t, uint(1), token.UserID)
	assert.Equal(t, 1, a.Concurrent(1))

	token.Release()
	assert.Equal(t, 0, a.Concurrent(1))
}

func TestAdmitBlockedUser(t *testing.T) {
	a, _, _ := newTestAdmitter(t)

	_, err := a.Admit(context.Background(), Request{UserID: 2, ProjectID: 10, Language: "python"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestAdmitUnsupportedLanguage(t *testing.T) {
	a, _, _ := newTestAdmitter(t)

	_, err := a.Admit(context.Background(), Request{UserID: 1, ProjectID: 10, Language: "cobol"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindUnsupportedLanguage, apperr.KindOf(err))
}

func TestAdmitForeignProjectLooksMissing(t *testing.T) {
	a, _, _ := newTestAdmitter(t)

	_, err := a.Admit(context.Background(), Request{UserID: 1, ProjectID: 20, Language: "python"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = a.Admit(context.Background(), Request{UserID: 1, ProjectID: 999, Language: "python"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestAdmitHourlyRateLimit(t *testing.T) {
	a, _, records := newTestAdmitter(t)
	records.hourly = 60

	_, err := a.Admit(context.Background(), Request{UserID: 1, ProjectID: 10, Language: "python"})
	require.Error(t, err)
	assert.Equal(t, apperr.KindRateLimited, apperr.KindOf(err))
}

func TestAdmitConcurrencyCap(t *testing.T) {
	a, _, _ := newTestAdmitter(t)
	req := Request{UserID: 1, ProjectID: 10, Language: "python"}

	token, err := a.Admit(context.Background(), req)
	require.NoError(t, err)

	_, err = a.Admit(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, apperr.KindTooManyConcurrent, apperr.KindOf(err))

	token.Release()
	token2, err := a.Admit(context.Background(), req)
	require.NoError(t, err)
	token2.Release()
}

func TestTokenReleaseIdempotent(t *testing.T) {
	a, _, _ := newTestAdmitter(t)

	token, err := a.Admit(context.Background(), Request{UserID: 1, ProjectID: 10, Language: "python"})
	require.NoError(t, err)

	token.Release()
	token.Release()
	token.Release()
	assert.Equal(t, 0, a.Concurrent(1))
}

func TestConcurrencyIsPerUser(t *testing.T) {
	a, profiles, _ := newTestAdmitter(t)
	profiles.users[3] = &models.User{ID: 3, Status: models.UserStatusActive}

	projectsOf3 := a.projects.(*fakeProjects)
	projectsOf3.projects[30] = &models.Project{ID: 30, OwnerID: 3}

	t1, err := a.Admit(context.Background(), Request{UserID: 1, ProjectID: 10, Language: "python"})
	require.NoError(t, err)
	defer t1.Release()

	t3, err := a.Admit(context.Background(), Request{UserID: 3, ProjectID: 30, Language: "python"})
	require.NoError(t, err)
	defer t3.Release()

	assert.Equal(t, 1, a.Concurrent(1))
	assert.Equal(t, 1, a.Concurrent(3))
}
