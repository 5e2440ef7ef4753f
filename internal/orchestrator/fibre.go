package orchestrator

import (
	"context"
	"path"
	"sync"
	"time"

	"go.uber.org/zap"

	"nimbus-ide/internal/admission"
	"nimbus-ide/internal/catalogue"
	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/metrics"
	"nimbus-ide/internal/sandbox"
	"nimbus-ide/internal/store"
	"nimbus-ide/internal/streammux"
	"nimbus-ide/pkg/models"
)

// fibre is the goroutine owning one execution end to end. All state
// mutations of the execution happen here; the outside world interacts
// through requestStop and the mux.
type fibre struct {
	o         *Orchestrator
	id        string
	req       RunRequest
	entry     *catalogue.Entry
	token     *admission.Token
	log       *zap.Logger
	createdAt time.Time

	stopOnce sync.Once
	stopped  chan struct{}

	mu         sync.Mutex
	state      string
	stopReason string
}

// outcome captures everything finalisation needs.
type outcome struct {
	status      string // record status
	frameStatus string // terminal frame payload
	reason      string
	exitCode    *int
	startedAt   time.Time
	handle      *sandbox.Handle
	stdout      pumpResult
	stderr      pumpResult
}

func newFibre(o *Orchestrator, id string, req RunRequest, entry *catalogue.Entry, token *admission.Token) *fibre {
	return &fibre{
		o:         o,
		id:        id,
		req:       req,
		entry:     entry,
		token:     token,
		log:       logging.ForExecution(id, req.UserID, req.Language),
		createdAt: time.Now(),
		stopped:   make(chan struct{}),
		state:     models.StatusQueued,
	}
}

// requestStop records at most one stop reason and signals the fibre; later
// calls are no-ops.
func (f *fibre) requestStop(reason string) {
	f.stopOnce.Do(func() {
		f.mu.Lock()
		f.stopReason = reason
		f.mu.Unlock()
		close(f.stopped)
	})
}

// stopRequested reports the pending stop reason, if any.
func (f *fibre) stopRequested() (string, bool) {
	select {
	case <-f.stopped:
	default:
		return "", false
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stopReason, true
}

func (f *fibre) currentState() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fibre) setState(ctx context.Context, s string) {
	f.mu.Lock()
	f.state = s
	f.mu.Unlock()
	if err := f.o.records.UpdateStatus(ctx, f.id, s); err != nil {
		f.log.Warn("status update failed", zap.String("status", s), zap.Error(err))
	}
}

func (f *fibre) run(ctx context.Context) {
	defer f.o.wg.Done()
	defer metrics.Get().ExecutionsActive.Dec()

	res := f.execute(ctx)
	f.finalise(res)
	f.o.remove(f.id)
	f.token.Release()

	// Post-run bookkeeping runs off the execution context so shutdown
	// does not lose it.
	bg, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.o.profiles.IncrementExecutionCount(bg, f.req.UserID); err != nil {
		f.log.Warn("execution count update failed", zap.Error(err))
	}
	if f.o.detector != nil {
		f.o.detector.CheckCounters(bg, f.req.UserID)
	}
}

// setupOutcome classifies a failed setup phase: a pending stop request
// takes the terminating path, anything else is a setup failure.
func (f *fibre) setupOutcome(h *sandbox.Handle, what string, err error) outcome {
	if reason, ok := f.stopRequested(); ok {
		f.log.Info("stopped during setup", zap.String("stage", what))
		return f.stopOutcome(reason, h)
	}
	f.log.Error("setup failed", zap.String("stage", what), zap.Error(err))
	return outcome{
		status:      models.StatusSetup,
		frameStatus: streammux.StatusError,
		reason:      models.ReasonSetupFailed,
		handle:      h,
	}
}

func (f *fibre) stopOutcome(reason string, h *sandbox.Handle) outcome {
	status := models.StatusStopped
	if reason == models.ReasonKilledAdmin {
		status = models.StatusKilled
	}
	return outcome{
		status:      status,
		frameStatus: streammux.StatusStopped,
		reason:      reason,
		handle:      h,
	}
}

func (f *fibre) execute(ctx context.Context) outcome {
	f.setState(ctx, models.StatusPreparing)
	snap := f.o.settings.Snapshot()

	// Stop requests cancel setup-phase calls, so a blob store or daemon
	// that is slow to answer cannot pin an execution in Preparing.
	setupCtx, cancelSetup := context.WithCancel(ctx)
	defer cancelSetup()
	go func() {
		select {
		case <-f.stopped:
			cancelSetup()
		case <-setupCtx.Done():
		}
	}()

	entryPath := path.Join(sandbox.ContainerWorkDir, f.req.FilePath)
	command := catalogue.Expand(f.entry.RunCommand, entryPath, sandbox.ContainerScratchDir)

	spec := sandbox.Spec{
		Image:        f.entry.ImageRef,
		Command:      command,
		CPUShare:     float64(snap.MaxCPUPercent) / 100,
		MemoryMB:     snap.MaxMemoryMB,
		PidsLimit:    f.o.cfg.PidsLimit,
		AllowNetwork: f.entry.AllowNetwork,
		ScratchExec:  f.entry.NeedsExecScratch,
		ScratchSize:  f.o.cfg.ScratchSize,
	}
	for _, m := range f.entry.ExtraMounts {
		spec.ExtraMounts = append(spec.ExtraMounts, sandbox.Mount{
			HostPath:      m.HostPath,
			ContainerPath: m.ContainerPath,
			ReadOnly:      m.ReadOnly,
		})
	}

	h, err := f.o.driver.Create(setupCtx, spec)
	if err != nil {
		return f.setupOutcome(nil, "create", err)
	}

	if _, err := f.o.syncer.Pull(setupCtx, f.req.ProjectID, h.WorkDir); err != nil {
		return f.setupOutcome(h, "materialise", err)
	}
	if f.req.Content != nil {
		if err := f.o.driver.WriteFile(setupCtx, h, f.req.FilePath, f.req.Content); err != nil {
			return f.setupOutcome(h, "seed", err)
		}
	}

	f.setState(ctx, models.StatusLaunching)
	eps, err := f.o.driver.Start(setupCtx, h, f.req.Stdin)
	if err != nil {
		return f.setupOutcome(h, "start", err)
	}

	startedAt := time.Now()
	if err := f.o.records.SetStarted(ctx, f.id, h.Name, startedAt); err != nil {
		f.log.Warn("start record update failed", zap.Error(err))
	}
	f.mu.Lock()
	f.state = models.StatusRunning
	f.mu.Unlock()
	f.o.mux.Publish(f.id, streammux.StatusFrame(streammux.StatusRunning))
	metrics.Get().FramesPublished.WithLabelValues(streammux.KindStatus).Inc()

	f.o.sampler.Track(ctx, f.id, f.req.UserID, f.req.Language, h, snap.MaxMemoryMB*1024*1024)

	overflow := make(chan string, 2)
	outPump := f.o.startPump(f.id, streammux.KindStdout, eps.Stdout, f.o.cfg.CapPerStreamBytes, overflow)
	errPump := f.o.startPump(f.id, streammux.KindStderr, eps.Stderr, f.o.cfg.CapPerStreamBytes, overflow)

	type waitRes struct {
		code int
		err  error
	}
	waitCh := make(chan waitRes, 1)
	waitCtx, cancelWait := context.WithCancel(context.Background())
	defer cancelWait()
	go func() {
		code, werr := eps.Wait(waitCtx)
		waitCh <- waitRes{code: code, err: werr}
	}()

	timer := time.NewTimer(time.Duration(snap.MaxRuntimeSeconds) * time.Second)
	defer timer.Stop()

	res := outcome{startedAt: startedAt, handle: h}
	var exited *waitRes

	select {
	case wr := <-waitCh:
		exited = &wr
		sampleCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		sample, serr := f.o.driver.Sample(sampleCtx, h)
		cancel()
		switch {
		case serr == nil && sample.OOMKilled:
			res.status, res.frameStatus, res.reason =
				models.StatusOOM, streammux.StatusError, models.ReasonOOM
		case wr.err != nil:
			res.status, res.frameStatus, res.reason =
				models.StatusCrashed, streammux.StatusError, models.ReasonCrashed
		default:
			res.status, res.frameStatus, res.reason =
				models.StatusCompleted, streammux.StatusCompleted, models.ReasonCompleted
		}

	case <-timer.C:
		res.status, res.frameStatus, res.reason =
			models.StatusTimeout, streammux.StatusTimeout, models.ReasonTimeout

	case <-f.stopped:
		reason, _ := f.stopRequested()
		if reason == models.ReasonKilledAdmin {
			res.status = models.StatusKilled
		} else {
			res.status = models.StatusStopped
		}
		res.frameStatus, res.reason = streammux.StatusStopped, reason

	case stream := <-overflow:
		f.log.Warn("output cap exceeded", zap.String("stream", stream))
		res.status, res.frameStatus, res.reason =
			models.StatusError, streammux.StatusError, models.ReasonOverflow

	case <-ctx.Done():
		res.status, res.frameStatus, res.reason =
			models.StatusCrashed, streammux.StatusError, models.ReasonCrashed
	}

	// Simultaneous readiness resolves by fixed priority: a timeout beats a
	// stop request, which beats the exit classification.
	if res.reason == models.ReasonOOM || res.reason == models.ReasonCrashed || res.reason == models.ReasonCompleted {
		if reason, ok := f.stopRequested(); ok {
			if reason == models.ReasonKilledAdmin {
				res.status = models.StatusKilled
			} else {
				res.status = models.StatusStopped
			}
			res.frameStatus, res.reason = streammux.StatusStopped, reason
		}
	}
	if res.reason != models.ReasonTimeout {
		select {
		case <-timer.C:
			res.status, res.frameStatus, res.reason =
				models.StatusTimeout, streammux.StatusTimeout, models.ReasonTimeout
		default:
		}
	}

	// Graceful stop, then forced after the grace period.
	if exited == nil {
		sigCtx, cancel := context.WithTimeout(context.Background(), f.o.cfg.GracePeriod+3*time.Second)
		if err := f.o.driver.Signal(sigCtx, h, sandbox.SignalTerm); err != nil {
			f.log.Debug("graceful signal failed", zap.Error(err))
		}
		select {
		case wr := <-waitCh:
			exited = &wr
		case <-time.After(f.o.cfg.GracePeriod):
			if err := f.o.driver.Signal(sigCtx, h, sandbox.SignalKill); err != nil {
				f.log.Debug("kill signal failed", zap.Error(err))
			}
			select {
			case wr := <-waitCh:
				exited = &wr
			case <-time.After(3 * time.Second):
			}
		}
		cancel()
	}

	if exited != nil && exited.err == nil {
		code := exited.code
		res.exitCode = &code
	}

	// Drain residual output so the terminal frame is truly last.
	res.stdout = outPump.wait(f.o.cfg.GracePeriod)
	res.stderr = errPump.wait(f.o.cfg.GracePeriod)
	return res
}

func (f *fibre) finalise(res outcome) {
	bg, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	snap, _ := f.o.sampler.Get(f.id)
	f.o.sampler.Untrack(f.id)
	if f.o.detector != nil {
		f.o.detector.Forget(f.id)
	}

	// The sandbox is destroyed before the terminal record commits; the
	// reconciler repairs any violation found after a crash.
	if res.handle != nil {
		if err := f.o.driver.Destroy(bg, res.handle); err != nil {
			f.log.Error("sandbox destroy failed", zap.Error(err))
		}
	}

	ended := time.Now()
	var execMs int64
	if !res.startedAt.IsZero() {
		execMs = ended.Sub(res.startedAt).Milliseconds()
	}
	fields := store.TerminalFields{
		Status:            res.status,
		ExitCode:          res.exitCode,
		TerminationReason: res.reason,
		ExecutionTimeMs:   execMs,
		MemoryUsedMB:      float64(snap.PeakMemBytes) / (1024 * 1024),
		CPUTimeMs:         snap.CPUTimeMs,
		StdoutBytes:       res.stdout.Bytes,
		StderrBytes:       res.stderr.Bytes,
		TruncatedStdout:   res.stdout.Truncated,
		TruncatedStderr:   res.stderr.Truncated,
		EndedAt:           ended,
	}
	if err := f.o.records.UpdateTerminal(bg, f.id, fields); err != nil {
		f.log.Error("terminal record write failed", zap.Error(err))
	}

	f.mu.Lock()
	f.state = res.status
	f.mu.Unlock()

	f.o.mux.Close(f.id, streammux.StatusFrame(res.frameStatus))
	metrics.Get().FramesPublished.WithLabelValues(streammux.KindStatus).Inc()
	metrics.Get().RecordExecution(f.req.Language, res.status, time.Duration(execMs)*time.Millisecond)

	f.log.Info("execution finalised",
		zap.String("status", res.status),
		zap.String("reason", res.reason),
		zap.Int64("duration_ms", execMs),
		zap.Int64("stdout_bytes", res.stdout.Bytes),
		zap.Int64("stderr_bytes", res.stderr.Bytes))
}
