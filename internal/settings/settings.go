// Package settings provides the runtime-tunable limits backing admission
// and sandbox sizing. Values live in the settings table; hot paths read a
// cached snapshot so a settings write never blocks a running execution.
package settings

import (
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"

	"nimbus-ide/internal/logging"
	"nimbus-ide/pkg/models"
)

// Keys of the known settings.
const (
	KeyMaxCPUPercent        = "max_cpu_percent"
	KeyMaxMemoryMB          = "max_memory_mb"
	KeyMaxRuntimeSeconds    = "max_runtime_seconds"
	KeyMaxZipSizeMB         = "max_zip_size_mb"
	KeyMaxProjectsPerUser   = "max_projects_per_user"
	KeyMaxExecutionsPerHour = "max_executions_per_hour"
	KeyAutoBlockOnAbuse     = "auto_block_on_abuse"
	KeyContainerCleanupHrs  = "container_cleanup_hours"
)

var defaults = map[string]string{
	KeyMaxCPUPercent:        "50",
	KeyMaxMemoryMB:          "256",
	KeyMaxRuntimeSeconds:    "30",
	KeyMaxZipSizeMB:         "50",
	KeyMaxProjectsPerUser:   "100",
	KeyMaxExecutionsPerHour: "60",
	KeyAutoBlockOnAbuse:     "false",
	KeyContainerCleanupHrs:  "24",
}

// Snapshot is an immutable, typed view of all settings at one instant.
type Snapshot struct {
	MaxCPUPercent        int
	MaxMemoryMB          int64
	MaxRuntimeSeconds    int
	MaxZipSizeMB         int
	MaxProjectsPerUser   int
	MaxExecutionsPerHour int
	AutoBlockOnAbuse     bool
	ContainerCleanupHrs  int

	// MaxConcurrentPerUser is fixed rather than table-driven.
	MaxConcurrentPerUser int
}

const snapshotTTL = 10 * time.Second

// DefaultConcurrentPerUser bounds simultaneous runs for one user.
const DefaultConcurrentPerUser = 1

// Store reads and writes settings, serving reads from a TTL cache.
type Store struct {
	db *gorm.DB

	mu      sync.RWMutex
	cached  *Snapshot
	fetched time.Time
}

// NewStore returns a Store and seeds any missing rows with defaults.
func NewStore(db *gorm.DB) (*Store, error) {
	s := &Store{db: db}
	for key, value := range defaults {
		var existing models.Setting
		err := db.Where("key = ?", key).First(&existing).Error
		if err == gorm.ErrRecordNotFound {
			if err := db.Create(&models.Setting{Key: key, Value: value}).Error; err != nil {
				return nil, err
			}
		} else if err != nil {
			return nil, err
		}
	}
	return s, nil
}

// Snapshot returns the current typed settings view, refreshing from the
// database when the cached copy is older than the TTL.
func (s *Store) Snapshot() *Snapshot {
	s.mu.RLock()
	if s.cached != nil && time.Since(s.fetched) < snapshotTTL {
		snap := s.cached
		s.mu.RUnlock()
		return snap
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cached != nil && time.Since(s.fetched) < snapshotTTL {
		return s.cached
	}

	raw := make(map[string]string, len(defaults))
	for k, v := range defaults {
		raw[k] = v
	}
	var rows []models.Setting
	if err := s.db.Find(&rows).Error; err != nil {
		logging.S().Warnw("settings read failed, using last snapshot", "error", err)
		if s.cached != nil {
			return s.cached
		}
	} else {
		for _, row := range rows {
			raw[row.Key] = row.Value
		}
	}

	snap := &Snapshot{
		MaxCPUPercent:        intOr(raw[KeyMaxCPUPercent], 50),
		MaxMemoryMB:          int64(intOr(raw[KeyMaxMemoryMB], 256)),
		MaxRuntimeSeconds:    intOr(raw[KeyMaxRuntimeSeconds], 30),
		MaxZipSizeMB:         intOr(raw[KeyMaxZipSizeMB], 50),
		MaxProjectsPerUser:   intOr(raw[KeyMaxProjectsPerUser], 100),
		MaxExecutionsPerHour: intOr(raw[KeyMaxExecutionsPerHour], 60),
		AutoBlockOnAbuse:     boolOr(raw[KeyAutoBlockOnAbuse], false),
		ContainerCleanupHrs:  intOr(raw[KeyContainerCleanupHrs], 24),
		MaxConcurrentPerUser: DefaultConcurrentPerUser,
	}
	s.cached = snap
	s.fetched = time.Now()
	return snap
}

// Get returns the raw string value of one key.
func (s *Store) Get(key string) (string, error) {
	var row models.Setting
	if err := s.db.Where("key = ?", key).First(&row).Error; err != nil {
		if err == gorm.ErrRecordNotFound {
			if def, ok := defaults[key]; ok {
				return def, nil
			}
		}
		return "", err
	}
	return row.Value, nil
}

// Set writes one key and invalidates the cached snapshot.
func (s *Store) Set(key, value string) error {
	err := s.db.Model(&models.Setting{}).
		Where("key = ?", key).
		Update("value", value).Error
	if err == nil {
		s.mu.Lock()
		s.cached = nil
		s.mu.Unlock()
	}
	return err
}

func intOr(raw string, def int) int {
	if n, err := strconv.Atoi(raw); err == nil {
		return n
	}
	return def
}

func boolOr(raw string, def bool) bool {
	if b, err := strconv.ParseBool(raw); err == nil {
		return b
	}
	return def
}
