package settings

import (
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nimbus-ide/pkg/models"
)

func newTestStore(t *testing.T) (*Store, *gorm.DB) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Setting{}))
	st, err := NewStore(db)
	require.NoError(t, err)
	return st, db
}

func TestNewStoreSeedsDefaults(t *testing.T) {
	_, db := newTestStore(t)

	var count int64
	require.NoError(t, db.Model(&models.Setting{}).Count(&count).Error)
	assert.Equal(t, int64(len(defaults)), count)

	var row models.Setting
	require.NoError(t, db.Where("key = ?", KeyMaxRuntimeSeconds).First(&row).Error)
	assert.Equal(t, "30", row.Value)
}

func TestNewStoreKeepsExistingValues(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, db.AutoMigrate(&models.Setting{}))
	require.NoError(t, db.Create(&models.Setting{Key: KeyMaxMemoryMB, Value: "512"}).Error)

	st, err := NewStore(db)
	require.NoError(t, err)

	snap := st.Snapshot()
	assert.Equal(t, int64(512), snap.MaxMemoryMB)
}

func TestSnapshotDefaults(t *testing.T) {
	st, _ := newTestStore(t)

	snap := st.Snapshot()
	assert.Equal(t, 50, snap.MaxCPUPercent)
	assert.Equal(t, int64(256), snap.MaxMemoryMB)
	assert.Equal(t, 30, snap.MaxRuntimeSeconds)
	assert.Equal(t, 50, snap.MaxZipSizeMB)
	assert.Equal(t, 100, snap.MaxProjectsPerUser)
	assert.Equal(t, 60, snap.MaxExecutionsPerHour)
	assert.False(t, snap.AutoBlockOnAbuse)
	assert.Equal(t, 24, snap.ContainerCleanupHrs)
	assert.Equal(t, DefaultConcurrentPerUser, snap.MaxConcurrentPerUser)
}

func TestSetInvalidatesSnapshot(t *testing.T) {
	st, _ := newTestStore(t)

	first := st.Snapshot()
	assert.Equal(t, 30, first.MaxRuntimeSeconds)

	require.NoError(t, st.Set(KeyMaxRuntimeSeconds, "10"))

	second := st.Snapshot()
	assert.Equal(t, 10, second.MaxRuntimeSeconds)
}

func TestSnapshotIsCachedBetweenReads(t *testing.T) {
	st, db := newTestStore(t)

	first := st.Snapshot()

	// Write behind the store's back; the cached snapshot must survive
	// until invalidation or TTL expiry.
	require.NoError(t, db.Model(&models.Setting{}).
		Where("key = ?", KeyMaxRuntimeSeconds).
		Update("value", "5").Error)

	second := st.Snapshot()
	assert.Same(t, first, second)
}

func TestGetUnknownKeyFails(t *testing.T) {
	st, _ := newTestStore(t)

	_, err := st.Get("no_such_setting")
	assert.Error(t, err)

	v, err := st.Get(KeyAutoBlockOnAbuse)
	require.NoError(t, err)
	assert.Equal(t, "false", v)
}
