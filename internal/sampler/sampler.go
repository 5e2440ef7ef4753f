// Package sampler polls live resource usage for running sandboxes, keeps
// an in-memory snapshot per execution, and feeds the abuse detector.
package sampler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/metrics"
	"nimbus-ide/internal/sandbox"
)

// DefaultInterval is the sampling period.
const DefaultInterval = time.Second

// Snapshot is the latest reading for one execution.
type Snapshot struct {
	ExecutionID   string
	UserID        uint
	Language      string
	CPUPct        float64
	MemBytes      int64
	MemLimitBytes int64
	Pids          int
	OOMKilled     bool
	At            time.Time

	// Accumulated over the execution's lifetime.
	PeakMemBytes int64
	CPUTimeMs    int64
}

// Sink receives every snapshot; implemented by the abuse detector.
type Sink interface {
	Observe(ctx context.Context, snap Snapshot)
}

type tracked struct {
	handle *sandbox.Handle
	cancel context.CancelFunc
	snap   Snapshot
}

// Sampler runs one polling loop per tracked sandbox.
type Sampler struct {
	driver   sandbox.Driver
	sink     Sink
	interval time.Duration

	mu      sync.RWMutex
	tracked map[string]*tracked
}

// New returns a Sampler. sink may be nil.
func New(driver sandbox.Driver, sink Sink, interval time.Duration) *Sampler {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Sampler{
		driver:   driver,
		sink:     sink,
		interval: interval,
		tracked:  make(map[string]*tracked),
	}
}

// Track starts sampling a running sandbox until Untrack or ctx cancellation.
func (s *Sampler) Track(ctx context.Context, execID string, userID uint, language string, h *sandbox.Handle, memLimitBytes int64) {
	loopCtx, cancel := context.WithCancel(ctx)
	t := &tracked{
		handle: h,
		cancel: cancel,
		snap: Snapshot{
			ExecutionID:   execID,
			UserID:        userID,
			Language:      language,
			MemLimitBytes: memLimitBytes,
		},
	}
	s.mu.Lock()
	s.tracked[execID] = t
	s.mu.Unlock()

	go s.loop(loopCtx, execID, t)
}

// Untrack stops the loop and forgets the snapshot.
func (s *Sampler) Untrack(execID string) {
	s.mu.Lock()
	t, ok := s.tracked[execID]
	if ok {
		delete(s.tracked, execID)
	}
	s.mu.Unlock()
	if ok {
		t.cancel()
		metrics.Get().ForgetSample(execID, t.snap.Language)
	}
}

// Get returns the latest snapshot for an execution.
func (s *Sampler) Get(execID string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.tracked[execID]; ok {
		return t.snap, true
	}
	return Snapshot{}, false
}

// Live returns the latest snapshot for every tracked execution.
func (s *Sampler) Live() []Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, 0, len(s.tracked))
	for _, t := range s.tracked {
		out = append(out, t.snap)
	}
	return out
}

func (s *Sampler) loop(ctx context.Context, execID string, t *tracked) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		sampleCtx, cancel := context.WithTimeout(ctx, s.interval)
		sample, err := s.driver.Sample(sampleCtx, t.handle)
		cancel()
		if err != nil {
			logging.L().Debug("sample failed",
				zap.String("execution_id", execID), zap.Error(err))
			continue
		}
		if !sample.Running {
			return
		}

		s.mu.Lock()
		t.snap.CPUPct = sample.CPUPct
		t.snap.MemBytes = sample.MemBytes
		t.snap.Pids = sample.Pids
		t.snap.OOMKilled = sample.OOMKilled
		t.snap.At = time.Now()
		if sample.MemBytes > t.snap.PeakMemBytes {
			t.snap.PeakMemBytes = sample.MemBytes
		}
		t.snap.CPUTimeMs += int64(sample.CPUPct / 100 * float64(s.interval.Milliseconds()))
		snap := t.snap
		s.mu.Unlock()

		metrics.Get().RecordSample(execID, snap.Language, snap.CPUPct, snap.MemBytes, snap.Pids)

		if s.sink != nil {
			s.sink.Observe(ctx, snap)
		}
	}
}
