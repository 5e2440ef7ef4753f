// Package orchestrator runs untrusted code executions end to end: admission,
// sandbox provisioning, project materialisation, live output streaming,
// limit enforcement, teardown, and record keeping. One fibre (goroutine)
// owns each execution; nothing else mutates its state.
package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nimbus-ide/internal/abuse"
	"nimbus-ide/internal/admission"
	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/blobsync"
	"nimbus-ide/internal/catalogue"
	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/metrics"
	"nimbus-ide/internal/sampler"
	"nimbus-ide/internal/sandbox"
	"nimbus-ide/internal/settings"
	"nimbus-ide/internal/store"
	"nimbus-ide/internal/streammux"
	"nimbus-ide/pkg/models"
)

// PushBus publishes frames to the browser-facing push channel. Routing to
// sockets is the transport layer's business.
type PushBus interface {
	Publish(topic string, payload interface{})
}

// Config tunes the orchestrator.
type Config struct {
	// CapPerStreamBytes bounds captured stdout and stderr individually.
	CapPerStreamBytes int64
	// GracePeriod is the window between graceful and forced termination.
	GracePeriod time.Duration
	// PidsLimit caps processes per sandbox.
	PidsLimit int64
	// ScratchSize is the tmpfs size for compile scratch space.
	ScratchSize string
}

// DefaultConfig returns production defaults.
func DefaultConfig() Config {
	return Config{
		CapPerStreamBytes: 1024 * 1024,
		GracePeriod:       2 * time.Second,
		PidsLimit:         64,
		ScratchSize:       "128m",
	}
}

// RunRequest is one execution request.
type RunRequest struct {
	UserID    uint
	ProjectID uint
	FilePath  string
	Language  string
	Stdin     []byte
	// Content, when non-nil, seeds the entry file with unsaved editor
	// state before launch.
	Content []byte
}

// Actor identifies the caller of Stop/AdminKill for ownership checks.
type Actor struct {
	UserID uint
	Admin  bool
}

// ActiveExecution is one row of ActiveList.
type ActiveExecution struct {
	ExecutionID string           `json:"execution_id"`
	UserID      uint             `json:"user_id"`
	Language    string           `json:"language"`
	CreatedAt   time.Time        `json:"created_at"`
	Sample      sampler.Snapshot `json:"sample"`
}

// Orchestrator owns all live executions.
type Orchestrator struct {
	cfg      Config
	driver   sandbox.Driver
	syncer   *blobsync.Syncer
	cat      *catalogue.Catalogue
	admitter *admission.Admitter
	mux      *streammux.Mux
	sampler  *sampler.Sampler
	detector *abuse.Detector
	records  store.ExecutionRecordStore
	profiles store.ProfileStore
	audit    store.AuditStore
	settings *settings.Store
	push     PushBus

	baseCtx context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup

	mu   sync.RWMutex
	live map[string]*fibre
}

// Deps bundles the orchestrator's collaborators.
type Deps struct {
	Driver   sandbox.Driver
	Syncer   *blobsync.Syncer
	Cat      *catalogue.Catalogue
	Admitter *admission.Admitter
	Mux      *streammux.Mux
	Sampler  *sampler.Sampler
	Detector *abuse.Detector
	Records  store.ExecutionRecordStore
	Profiles store.ProfileStore
	Audit    store.AuditStore
	Settings *settings.Store
	Push     PushBus // optional
}

// New returns an Orchestrator. Call Reconcile once before serving.
func New(cfg Config, d Deps) *Orchestrator {
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		cfg:      cfg,
		driver:   d.Driver,
		syncer:   d.Syncer,
		cat:      d.Cat,
		admitter: d.Admitter,
		mux:      d.Mux,
		sampler:  d.Sampler,
		detector: d.Detector,
		records:  d.Records,
		profiles: d.Profiles,
		audit:    d.Audit,
		settings: d.Settings,
		push:     d.Push,
		baseCtx:  ctx,
		cancel:   cancel,
		live:     make(map[string]*fibre),
	}
}

// Run admits the request and starts an execution fibre. The returned id is
// immediately subscribable; run-time failures surface as terminal status
// frames, not as errors here.
func (o *Orchestrator) Run(ctx context.Context, req RunRequest) (string, error) {
	token, err := o.admitter.Admit(ctx, admission.Request{
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Language:  req.Language,
	})
	if err != nil {
		metrics.Get().AdmissionRejects.WithLabelValues(string(apperr.KindOf(err))).Inc()
		return "", err
	}

	entry, err := o.cat.Lookup(req.Language)
	if err != nil {
		token.Release()
		return "", err
	}
	req.Language = entry.ID

	if len(req.Stdin) > sandbox.MaxStdinBytes {
		token.Release()
		return "", apperr.Newf(apperr.KindInvalidRequest,
			"stdin exceeds %d bytes", sandbox.MaxStdinBytes)
	}
	if req.FilePath == "" {
		req.FilePath = entry.DefaultFileName
	}

	execID := uuid.New().String()
	rec := &models.ExecutionRecord{
		ID:        execID,
		UserID:    req.UserID,
		ProjectID: req.ProjectID,
		Language:  req.Language,
		FilePath:  req.FilePath,
		Status:    models.StatusQueued,
	}
	if err := o.records.Insert(ctx, rec); err != nil {
		token.Release()
		return "", apperr.Wrap(apperr.KindInternal, "failed to create execution record", err)
	}

	var tap func(streammux.Frame)
	if o.push != nil {
		topic := "execution/" + execID
		tap = func(f streammux.Frame) { o.push.Publish(topic, f) }
	}
	o.mux.Open(execID, tap)
	o.mux.Publish(execID, streammux.StatusFrame(streammux.StatusQueued))
	metrics.Get().FramesPublished.WithLabelValues(streammux.KindStatus).Inc()

	f := newFibre(o, execID, req, entry, token)
	o.mu.Lock()
	o.live[execID] = f
	o.mu.Unlock()

	o.wg.Add(1)
	metrics.Get().ExecutionsActive.Inc()
	go f.run(o.baseCtx)

	return execID, nil
}

// Stop requests termination of an execution. Idempotent: once the
// execution is terminal every further call reports the same state.
func (o *Orchestrator) Stop(ctx context.Context, execID string, actor Actor) (string, error) {
	rec, err := o.records.Get(ctx, execID)
	if err != nil {
		return "", err
	}
	if rec.UserID != actor.UserID && !actor.Admin {
		return "", apperr.New(apperr.KindForbidden, "not the execution owner")
	}

	reason := models.ReasonStopped
	if actor.Admin && rec.UserID != actor.UserID {
		reason = models.ReasonKilledAdmin
	}

	o.mu.RLock()
	f := o.live[execID]
	o.mu.RUnlock()
	if f == nil {
		// Already finalised; report the recorded terminal state.
		return rec.Status, nil
	}
	f.requestStop(reason)

	if reason == models.ReasonKilledAdmin {
		if err := o.audit.Append(ctx, &models.AuditEvent{
			UserID:      rec.UserID,
			ActorID:     actor.UserID,
			Action:      "execution.kill",
			Severity:    "warning",
			ExecutionID: execID,
		}); err != nil {
			logging.L().Error("failed to append audit event", zap.Error(err))
		}
	}
	return f.currentState(), nil
}

// AdminKill terminates any execution regardless of ownership.
func (o *Orchestrator) AdminKill(ctx context.Context, execID string, admin Actor) (string, error) {
	if !admin.Admin {
		return "", apperr.New(apperr.KindForbidden, "admin role required")
	}
	return o.Stop(ctx, execID, admin)
}

// Status returns the persisted record view of an execution.
func (o *Orchestrator) Status(ctx context.Context, execID string) (*models.ExecutionRecord, error) {
	return o.records.Get(ctx, execID)
}

// Subscribe attaches to an execution's frame stream. A subscriber arriving
// after finalisation receives a single synthetic ended status reconstructed
// from the record, then the channel closes.
func (o *Orchestrator) Subscribe(ctx context.Context, execID string, fromSeq uint64) (<-chan streammux.Frame, error) {
	if ch, ok := o.mux.Subscribe(execID, fromSeq); ok {
		return ch, nil
	}

	rec, err := o.records.Get(ctx, execID)
	if err != nil {
		return nil, err
	}
	ch := make(chan streammux.Frame, 1)
	ch <- streammux.Frame{
		Kind:    streammux.KindStatus,
		TS:      time.Now(),
		Payload: []byte(streammux.StatusEnded + ":" + rec.Status),
	}
	close(ch)
	return ch, nil
}

// ActiveList returns all live executions with their latest resource sample.
func (o *Orchestrator) ActiveList() []ActiveExecution {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]ActiveExecution, 0, len(o.live))
	for id, f := range o.live {
		ae := ActiveExecution{
			ExecutionID: id,
			UserID:      f.req.UserID,
			Language:    f.req.Language,
			CreatedAt:   f.createdAt,
		}
		if snap, ok := o.sampler.Get(id); ok {
			ae.Sample = snap
		}
		out = append(out, ae)
	}
	return out
}

// Shutdown cancels every live fibre and waits for them to finalise.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (o *Orchestrator) remove(execID string) {
	o.mu.Lock()
	delete(o.live, execID)
	o.mu.Unlock()
}
