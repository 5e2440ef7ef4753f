// Package abuse evaluates thresholded rules over live resource samples and
// rolling execution counters, records alerts, and optionally auto-blocks.
package abuse

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/metrics"
	"nimbus-ide/internal/sampler"
	"nimbus-ide/internal/settings"
	"nimbus-ide/internal/store"
	"nimbus-ide/pkg/models"
)

// Rule ids.
const (
	RuleCPUSustained    = "cpu-sustained"
	RuleMemorySustained = "memory-sustained"
	RuleHourlyRate      = "hourly-rate"
	RuleFailureRatio    = "failure-ratio"
)

// Severities.
const (
	SeverityWarning  = "warning"
	SeverityCritical = "critical"
)

// Thresholds.
const (
	cpuHighPct         = 90.0
	cpuWarnAfter       = 30 * time.Second
	cpuCriticalAfter   = 120 * time.Second
	memHighFraction    = 0.9
	memCriticalAfter   = 15 * time.Second
	rateWarnFraction   = 0.8
	failureRatioWindow = 20
	failureRatioLimit  = 0.75
	dedupWindow        = 10 * time.Minute
)

type sustained struct {
	userID      uint
	execID      string
	cpuSince    time.Time
	memSince    time.Time
	cpuWarned   bool
	cpuCritical bool
	memCritical bool
}

// Detector is the rule evaluator. It implements sampler.Sink.
type Detector struct {
	profiles store.ProfileStore
	records  store.ExecutionRecordStore
	alerts   store.AlertStore
	audit    store.AuditStore
	settings *settings.Store
	redis    redis.UniversalClient // nil falls back to in-process dedup

	mu        sync.Mutex
	sustained map[string]*sustained
	seen      map[string]time.Time
}

// New returns a Detector. rdb may be nil; alert dedup then stays in-process.
func New(profiles store.ProfileStore, records store.ExecutionRecordStore, alerts store.AlertStore, audit store.AuditStore, st *settings.Store, rdb redis.UniversalClient) *Detector {
	return &Detector{
		profiles:  profiles,
		records:   records,
		alerts:    alerts,
		audit:     audit,
		settings:  st,
		redis:     rdb,
		sustained: make(map[string]*sustained),
		seen:      make(map[string]time.Time),
	}
}

// Observe consumes one resource snapshot. Called by the sampler every tick.
func (d *Detector) Observe(ctx context.Context, snap sampler.Snapshot) {
	now := time.Now()

	d.mu.Lock()
	st, ok := d.sustained[snap.ExecutionID]
	if !ok {
		st = &sustained{userID: snap.UserID, execID: snap.ExecutionID}
		d.sustained[snap.ExecutionID] = st
	}

	if snap.CPUPct >= cpuHighPct {
		if st.cpuSince.IsZero() {
			st.cpuSince = now
		}
	} else {
		st.cpuSince = time.Time{}
		st.cpuWarned = false
		st.cpuCritical = false
	}

	memHigh := snap.MemLimitBytes > 0 &&
		float64(snap.MemBytes) >= memHighFraction*float64(snap.MemLimitBytes)
	if memHigh {
		if st.memSince.IsZero() {
			st.memSince = now
		}
	} else {
		st.memSince = time.Time{}
		st.memCritical = false
	}

	var fires []func()
	if !st.cpuSince.IsZero() {
		held := now.Sub(st.cpuSince)
		if held >= cpuCriticalAfter && !st.cpuCritical {
			st.cpuCritical = true
			detail := fmt.Sprintf("cpu >= %.0f%% for %s", cpuHighPct, held.Round(time.Second))
			fires = append(fires, func() {
				d.fire(ctx, snap.UserID, snap.ExecutionID, RuleCPUSustained, SeverityCritical, detail)
			})
		} else if held >= cpuWarnAfter && !st.cpuWarned {
			st.cpuWarned = true
			detail := fmt.Sprintf("cpu >= %.0f%% for %s", cpuHighPct, held.Round(time.Second))
			fires = append(fires, func() {
				d.fire(ctx, snap.UserID, snap.ExecutionID, RuleCPUSustained, SeverityWarning, detail)
			})
		}
	}
	if !st.memSince.IsZero() && now.Sub(st.memSince) >= memCriticalAfter && !st.memCritical {
		st.memCritical = true
		detail := fmt.Sprintf("memory >= %.0f%% of %d MiB limit", memHighFraction*100, snap.MemLimitBytes/(1024*1024))
		fires = append(fires, func() {
			d.fire(ctx, snap.UserID, snap.ExecutionID, RuleMemorySustained, SeverityCritical, detail)
		})
	}
	d.mu.Unlock()

	for _, f := range fires {
		f()
	}
}

// Forget discards the sustained-usage state for a finished execution.
func (d *Detector) Forget(execID string) {
	d.mu.Lock()
	delete(d.sustained, execID)
	d.mu.Unlock()
}

// CheckCounters evaluates the rolling-counter rules for a user. Called when
// an execution is admitted and when one finishes.
func (d *Detector) CheckCounters(ctx context.Context, userID uint) {
	snap := d.settings.Snapshot()

	hourly, err := d.records.CountInHour(ctx, userID)
	if err == nil {
		limit := float64(snap.MaxExecutionsPerHour)
		switch {
		case float64(hourly) >= limit:
			d.fire(ctx, userID, "", RuleHourlyRate, SeverityCritical,
				fmt.Sprintf("%d executions in the last hour (limit %d)", hourly, snap.MaxExecutionsPerHour))
		case float64(hourly) >= rateWarnFraction*limit:
			d.fire(ctx, userID, "", RuleHourlyRate, SeverityWarning,
				fmt.Sprintf("%d executions in the last hour (limit %d)", hourly, snap.MaxExecutionsPerHour))
		}
	}

	recent, err := d.records.Recent(ctx, userID, failureRatioWindow)
	if err == nil && len(recent) >= failureRatioWindow {
		failed := 0
		for _, r := range recent {
			switch r.Status {
			case models.StatusCrashed, models.StatusError, models.StatusSetup, models.StatusOOM:
				failed++
			}
		}
		ratio := float64(failed) / float64(len(recent))
		if ratio >= failureRatioLimit {
			d.fire(ctx, userID, "", RuleFailureRatio, SeverityWarning,
				fmt.Sprintf("%.0f%% of last %d runs failed", ratio*100, len(recent)))
		}
	}
}

// fire records one alert, deduplicated by (user, rule) inside the window,
// and auto-blocks on critical when policy permits.
func (d *Detector) fire(ctx context.Context, userID uint, execID, ruleID, severity, detail string) {
	if !d.shouldFire(ctx, userID, ruleID) {
		return
	}

	autoBlock := severity == SeverityCritical && d.settings.Snapshot().AutoBlockOnAbuse

	alert := &models.AbuseAlert{
		UserID:      userID,
		RuleID:      ruleID,
		Severity:    severity,
		Detail:      detail,
		ExecutionID: execID,
		AutoBlocked: autoBlock,
	}
	if err := d.alerts.Insert(ctx, alert); err != nil {
		logging.L().Error("failed to record abuse alert",
			zap.Uint("user_id", userID), zap.String("rule", ruleID), zap.Error(err))
	}
	metrics.Get().AbuseAlertsTotal.WithLabelValues(ruleID, severity).Inc()

	logging.L().Warn("abuse rule fired",
		zap.Uint("user_id", userID),
		zap.String("rule", ruleID),
		zap.String("severity", severity),
		zap.String("detail", detail))

	if autoBlock {
		if err := d.profiles.Block(ctx, userID, ruleID); err != nil {
			logging.L().Error("auto-block failed", zap.Uint("user_id", userID), zap.Error(err))
			return
		}
		if err := d.audit.Append(ctx, &models.AuditEvent{
			UserID:      userID,
			Action:      "user.block",
			Severity:    SeverityCritical,
			Detail:      fmt.Sprintf("auto-blocked by abuse rule %s: %s", ruleID, detail),
			ExecutionID: execID,
		}); err != nil {
			logging.L().Error("failed to append audit event", zap.Error(err))
		}
	}
}

// shouldFire enforces the per-(user, rule) dedup window. Redis keeps the
// window shared across instances; without it the window is per-process.
func (d *Detector) shouldFire(ctx context.Context, userID uint, ruleID string) bool {
	key := fmt.Sprintf("abuse:%d:%s", userID, ruleID)
	if d.redis != nil {
		ok, err := d.redis.SetNX(ctx, key, 1, dedupWindow).Result()
		if err == nil {
			return ok
		}
		logging.L().Debug("redis dedup unavailable", zap.Error(err))
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if at, ok := d.seen[key]; ok && time.Since(at) < dedupWindow {
		return false
	}
	d.seen[key] = time.Now()
	return true
}
