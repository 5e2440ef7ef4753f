package orchestrator

import (
	"context"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"nimbus-ide/internal/abuse"
	"nimbus-ide/internal/admission"
	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/blobstore"
	"nimbus-ide/internal/blobsync"
	"nimbus-ide/internal/catalogue"
	"nimbus-ide/internal/sampler"
	"nimbus-ide/internal/sandbox"
	"nimbus-ide/internal/settings"
	"nimbus-ide/internal/store"
	"nimbus-ide/internal/streammux"
	"nimbus-ide/pkg/models"
)

// program simulates the sandboxed process: write output, optionally block
// until killed, and return an exit code.
type program func(stdout, stderr io.Writer, stdin []byte, kill <-chan struct{}) int

type fakeProc struct {
	kill chan struct{}
	once sync.Once
}

func (p *fakeProc) terminate() { p.once.Do(func() { close(p.kill) }) }

// fakeDriver implements sandbox.Driver in-process.
type fakeDriver struct {
	base    string
	program program

	mu        sync.Mutex
	procs     map[string]*fakeProc
	destroyed []string
	createErr error
	sample    sandbox.Sample
	stale     []string
	removed   []string
	seq       int

	// Optional gates for holding a phase open mid-test.
	createGate chan struct{} // Create blocks until released or ctx cancelled
	startGate  chan struct{} // Start blocks until released
}

func newFakeDriver(t *testing.T, prog program) *fakeDriver {
	return &fakeDriver{base: t.TempDir(), program: prog, procs: make(map[string]*fakeProc)}
}

func (d *fakeDriver) Create(ctx context.Context, _ sandbox.Spec) (*sandbox.Handle, error) {
	d.mu.Lock()
	gate := d.createGate
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.createErr != nil {
		return nil, d.createErr
	}
	d.seq++
	work, err := os.MkdirTemp(d.base, "work")
	if err != nil {
		return nil, err
	}
	id := string(rune('a' + d.seq))
	h := &sandbox.Handle{ID: id, Name: "nimbus-sbx-" + id, WorkDir: work, CreatedAt: time.Now()}
	d.procs[id] = &fakeProc{kill: make(chan struct{})}
	return h, nil
}

func (d *fakeDriver) WriteFile(_ context.Context, h *sandbox.Handle, relpath string, data []byte) error {
	return os.WriteFile(h.WorkDir+"/"+relpath, data, 0640)
}

func (d *fakeDriver) Start(_ context.Context, h *sandbox.Handle, stdin []byte) (*sandbox.Endpoints, error) {
	d.mu.Lock()
	proc := d.procs[h.ID]
	prog := d.program
	gate := d.startGate
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}

	outR, outW := io.Pipe()
	errR, errW := io.Pipe()
	done := make(chan int, 1)
	go func() {
		code := prog(outW, errW, stdin, proc.kill)
		outW.Close()
		errW.Close()
		done <- code
	}()
	return &sandbox.Endpoints{
		Stdout: outR,
		Stderr: errR,
		Wait: func(ctx context.Context) (int, error) {
			select {
			case code := <-done:
				return code, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
	}, nil
}

func (d *fakeDriver) Sample(context.Context, *sandbox.Handle) (sandbox.Sample, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.sample, nil
}

func (d *fakeDriver) Signal(_ context.Context, h *sandbox.Handle, _ sandbox.Signal) error {
	d.mu.Lock()
	proc := d.procs[h.ID]
	d.mu.Unlock()
	if proc != nil {
		proc.terminate()
	}
	return nil
}

func (d *fakeDriver) Destroy(_ context.Context, h *sandbox.Handle) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if proc := d.procs[h.ID]; proc != nil {
		proc.terminate()
	}
	d.destroyed = append(d.destroyed, h.Name)
	return nil
}

func (d *fakeDriver) Stale(context.Context, time.Duration) ([]string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stale, nil
}

func (d *fakeDriver) DestroyByName(_ context.Context, name string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.removed = append(d.removed, name)
	return nil
}

func (d *fakeDriver) destroyedNames() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]string(nil), d.destroyed...)
}

// In-memory stores.

type memProfiles struct {
	mu    sync.Mutex
	users map[uint]*models.User
	runs  map[uint]int
}

func (m *memProfiles) Get(_ context.Context, userID uint) (*models.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[userID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "user %d not found", userID)
	}
	cp := *u
	return &cp, nil
}

func (m *memProfiles) IncrementExecutionCount(_ context.Context, userID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.runs == nil {
		m.runs = make(map[uint]int)
	}
	m.runs[userID]++
	return nil
}

func (m *memProfiles) Block(_ context.Context, userID uint, reason string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.Status = models.UserStatusBlocked
		u.BlockReason = reason
	}
	return nil
}

func (m *memProfiles) Unblock(_ context.Context, userID uint) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if u, ok := m.users[userID]; ok {
		u.Status = models.UserStatusActive
		u.BlockReason = ""
	}
	return nil
}

type memProjects struct {
	projects map[uint]*models.Project
}

func (m *memProjects) Get(_ context.Context, projectID uint) (*models.Project, error) {
	p, ok := m.projects[projectID]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "project %d not found", projectID)
	}
	return p, nil
}
func (m *memProjects) UpdateGithubURL(context.Context, uint, *string) error { return nil }

type memRecords struct {
	mu   sync.Mutex
	recs map[string]*models.ExecutionRecord
}

func newMemRecords() *memRecords {
	return &memRecords{recs: make(map[string]*models.ExecutionRecord)}
}

func (m *memRecords) Insert(_ context.Context, rec *models.ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *rec
	cp.CreatedAt = time.Now()
	m.recs[rec.ID] = &cp
	return nil
}

func (m *memRecords) Get(_ context.Context, id string) (*models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return nil, apperr.Newf(apperr.KindNotFound, "execution %s not found", id)
	}
	cp := *rec
	return &cp, nil
}

func (m *memRecords) UpdateStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok {
		rec.Status = status
	}
	return nil
}

func (m *memRecords) SetStarted(_ context.Context, id, sandboxHandle string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.recs[id]; ok {
		rec.Status = models.StatusRunning
		rec.SandboxHandle = sandboxHandle
		rec.StartedAt = &at
	}
	return nil
}

func (m *memRecords) UpdateTerminal(_ context.Context, id string, fields store.TerminalFields) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.recs[id]
	if !ok {
		return apperr.Newf(apperr.KindNotFound, "execution %s not found", id)
	}
	if rec.Terminal() {
		return nil
	}
	rec.Status = fields.Status
	rec.ExitCode = fields.ExitCode
	rec.TerminationReason = fields.TerminationReason
	rec.ExecutionTimeMs = fields.ExecutionTimeMs
	rec.MemoryUsedMB = fields.MemoryUsedMB
	rec.CPUTimeMs = fields.CPUTimeMs
	rec.StdoutBytes = fields.StdoutBytes
	rec.StderrBytes = fields.StderrBytes
	rec.TruncatedStdout = fields.TruncatedStdout
	rec.TruncatedStderr = fields.TruncatedStderr
	ended := fields.EndedAt
	rec.EndedAt = &ended
	return nil
}

func (m *memRecords) CountInHour(_ context.Context, userID uint) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, rec := range m.recs {
		if rec.UserID == userID && time.Since(rec.CreatedAt) < time.Hour {
			n++
		}
	}
	return n, nil
}

func (m *memRecords) Recent(_ context.Context, userID uint, n int) ([]models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionRecord
	for _, rec := range m.recs {
		if rec.UserID == userID && len(out) < n {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (m *memRecords) NonTerminal(context.Context) ([]models.ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.ExecutionRecord
	for _, rec := range m.recs {
		if !rec.Terminal() {
			out = append(out, *rec)
		}
	}
	return out, nil
}

type memAudit struct {
	mu     sync.Mutex
	events []*models.AuditEvent
}

func (m *memAudit) Append(_ context.Context, ev *models.AuditEvent) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, ev)
	return nil
}

type memAlerts struct {
	mu     sync.Mutex
	alerts []*models.AbuseAlert
}

func (m *memAlerts) Insert(_ context.Context, alert *models.AbuseAlert) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerts = append(m.alerts, alert)
	return nil
}

// Harness.

type harness struct {
	orch     *Orchestrator
	driver   *fakeDriver
	records  *memRecords
	profiles *memProfiles
	audit    *memAudit
	settings *settings.Store
}

func newHarness(t *testing.T, cfg Config, prog program) *harness {
	t.Helper()

	gdb, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
	require.NoError(t, gdb.AutoMigrate(&models.Setting{}))
	st, err := settings.NewStore(gdb)
	require.NoError(t, err)

	blobs, err := blobstore.NewLocalStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, blobs.Upload(context.Background(),
		"projects/10/main.py", strings.NewReader("print('hi')\n"), 12))
	syncer := blobsync.New(blobs)

	driver := newFakeDriver(t, prog)
	cat := catalogue.New()
	profiles := &memProfiles{users: map[uint]*models.User{
		1: {ID: 1, Status: models.UserStatusActive},
		2: {ID: 2, Status: models.UserStatusActive, Role: models.RoleAdmin},
	}}
	projects := &memProjects{projects: map[uint]*models.Project{
		10: {ID: 10, OwnerID: 1},
	}}
	records := newMemRecords()
	audit := &memAudit{}
	alerts := &memAlerts{}

	admitter := admission.New(profiles, projects, records, st, func(language string) error {
		_, lerr := cat.Lookup(language)
		return lerr
	})
	detector := abuse.New(profiles, records, alerts, audit, st, nil)
	smp := sampler.New(driver, detector, 10*time.Millisecond)

	orch := New(cfg, Deps{
		Driver:   driver,
		Syncer:   syncer,
		Cat:      cat,
		Admitter: admitter,
		Mux:      streammux.New(),
		Sampler:  smp,
		Detector: detector,
		Records:  records,
		Profiles: profiles,
		Audit:    audit,
		Settings: st,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})

	return &harness{
		orch: orch, driver: driver, records: records,
		profiles: profiles, audit: audit, settings: st,
	}
}

func fastConfig() Config {
	cfg := DefaultConfig()
	cfg.GracePeriod = 50 * time.Millisecond
	return cfg
}

func run(t *testing.T, h *harness) string {
	t.Helper()
	execID, err := h.orch.Run(context.Background(), RunRequest{
		UserID: 1, ProjectID: 10, Language: "python",
	})
	require.NoError(t, err)
	return execID
}

func collectFrames(t *testing.T, ch <-chan streammux.Frame) []streammux.Frame {
	t.Helper()
	var out []streammux.Frame
	timeout := time.After(10 * time.Second)
	for {
		select {
		case f, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, f)
		case <-timeout:
			t.Fatal("frame stream did not close in time")
		}
	}
}

func waitTerminal(t *testing.T, h *harness, execID string) *models.ExecutionRecord {
	t.Helper()
	var rec *models.ExecutionRecord
	require.Eventually(t, func() bool {
		r, err := h.records.Get(context.Background(), execID)
		if err != nil || !r.Terminal() {
			return false
		}
		rec = r
		return true
	}, 10*time.Second, 10*time.Millisecond)
	return rec
}

func TestRunHappyPath(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, fastConfig(), func(stdout, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		stdout.Write([]byte("hello\n"))
		select {
		case <-release:
		case <-kill:
		}
		return 0
	})

	execID := run(t, h)
	frames, err := h.orch.Subscribe(context.Background(), execID, 0)
	require.NoError(t, err)
	close(release)

	all := collectFrames(t, frames)
	require.GreaterOrEqual(t, len(all), 4)

	var statuses []string
	var stdout string
	for _, f := range all {
		switch f.Kind {
		case streammux.KindStatus:
			statuses = append(statuses, string(f.Payload))
		case streammux.KindStdout:
			stdout += string(f.Payload)
		}
	}
	assert.Equal(t, []string{streammux.StatusQueued, streammux.StatusRunning, streammux.StatusCompleted}, statuses)
	assert.Equal(t, "hello\n", stdout)
	assert.Equal(t, streammux.StatusCompleted, string(all[len(all)-1].Payload))

	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusCompleted, rec.Status)
	assert.Equal(t, models.ReasonCompleted, rec.TerminationReason)
	require.NotNil(t, rec.ExitCode)
	assert.Equal(t, 0, *rec.ExitCode)
	assert.Equal(t, int64(6), rec.StdoutBytes)
	assert.False(t, rec.TruncatedStdout)
	assert.NotNil(t, rec.StartedAt)
	assert.NotNil(t, rec.EndedAt)

	assert.NotEmpty(t, h.driver.destroyedNames())
}

func TestRunTimeout(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		<-kill
		return 137
	})
	require.NoError(t, h.settings.Set(settings.KeyMaxRuntimeSeconds, "1"))

	execID := run(t, h)
	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusTimeout, rec.Status)
	assert.Equal(t, models.ReasonTimeout, rec.TerminationReason)
	assert.NotEmpty(t, h.driver.destroyedNames())
}

func TestStopByOwner(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		<-kill
		return 130
	})

	execID := run(t, h)
	require.Eventually(t, func() bool {
		rec, err := h.records.Get(context.Background(), execID)
		return err == nil && rec.Status == models.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.orch.Stop(context.Background(), execID, Actor{UserID: 1})
	require.NoError(t, err)

	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusStopped, rec.Status)
	assert.Equal(t, models.ReasonStopped, rec.TerminationReason)

	// Idempotent after the execution is terminal.
	state, err := h.orch.Stop(context.Background(), execID, Actor{UserID: 1})
	require.NoError(t, err)
	assert.Equal(t, models.StatusStopped, state)
}

func TestStopByStrangerLooksForbidden(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		select {
		case <-release:
		case <-kill:
		}
		return 0
	})
	h.profiles.users[3] = &models.User{ID: 3, Status: models.UserStatusActive}

	execID := run(t, h)
	_, err := h.orch.Stop(context.Background(), execID, Actor{UserID: 3})
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))
}

func TestAdminKill(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		<-kill
		return 137
	})

	execID := run(t, h)
	require.Eventually(t, func() bool {
		rec, err := h.records.Get(context.Background(), execID)
		return err == nil && rec.Status == models.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	_, err := h.orch.AdminKill(context.Background(), execID, Actor{UserID: 2, Admin: true})
	require.NoError(t, err)

	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusKilled, rec.Status)
	assert.Equal(t, models.ReasonKilledAdmin, rec.TerminationReason)

	h.audit.mu.Lock()
	defer h.audit.mu.Unlock()
	require.NotEmpty(t, h.audit.events)
	assert.Equal(t, "execution.kill", h.audit.events[0].Action)
	assert.Equal(t, uint(2), h.audit.events[0].ActorID)
}

func TestAdminKillRequiresAdmin(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		<-kill
		return 0
	})

	execID := run(t, h)
	_, err := h.orch.AdminKill(context.Background(), execID, Actor{UserID: 1})
	require.Error(t, err)
	assert.Equal(t, apperr.KindForbidden, apperr.KindOf(err))

	_, err = h.orch.Stop(context.Background(), execID, Actor{UserID: 1})
	require.NoError(t, err)
	waitTerminal(t, h, execID)
}

func TestConcurrentCap(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		<-kill
		return 0
	})

	execID := run(t, h)

	_, err := h.orch.Run(context.Background(), RunRequest{
		UserID: 1, ProjectID: 10, Language: "python",
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindTooManyConcurrent, apperr.KindOf(err))

	_, err = h.orch.Stop(context.Background(), execID, Actor{UserID: 1})
	require.NoError(t, err)
	waitTerminal(t, h, execID)

	// The slot frees once the first execution finalises.
	require.Eventually(t, func() bool {
		id, rerr := h.orch.Run(context.Background(), RunRequest{
			UserID: 1, ProjectID: 10, Language: "python",
		})
		if rerr != nil {
			return false
		}
		_, _ = h.orch.Stop(context.Background(), id, Actor{UserID: 1})
		waitTerminal(t, h, id)
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestOutputOverflow(t *testing.T) {
	cfg := fastConfig()
	cfg.CapPerStreamBytes = 64
	h := newHarness(t, cfg, func(stdout, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		stdout.Write([]byte(strings.Repeat("spam\n", 200)))
		<-kill
		return 0
	})

	execID := run(t, h)
	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusError, rec.Status)
	assert.Equal(t, models.ReasonOverflow, rec.TerminationReason)
	assert.True(t, rec.TruncatedStdout)
	assert.Equal(t, int64(64), rec.StdoutBytes)
}

func TestOOMClassification(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, _ <-chan struct{}) int {
		return 137
	})
	h.driver.mu.Lock()
	h.driver.sample = sandbox.Sample{OOMKilled: true}
	h.driver.mu.Unlock()

	execID := run(t, h)
	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusOOM, rec.Status)
	assert.Equal(t, models.ReasonOOM, rec.TerminationReason)
}

func TestSetupFailureIsTerminal(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, _ <-chan struct{}) int {
		return 0
	})
	h.driver.mu.Lock()
	h.driver.createErr = apperr.New(apperr.KindSandboxUnavailable, "docker daemon is not reachable")
	h.driver.mu.Unlock()

	execID := run(t, h)
	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusSetup, rec.Status)
	assert.Equal(t, models.ReasonSetupFailed, rec.TerminationReason)
	assert.Nil(t, rec.ExitCode)

	// The slot is released even on setup failure.
	require.Eventually(t, func() bool {
		h.driver.mu.Lock()
		h.driver.createErr = nil
		h.driver.mu.Unlock()
		id, err := h.orch.Run(context.Background(), RunRequest{
			UserID: 1, ProjectID: 10, Language: "python",
		})
		if err != nil {
			return false
		}
		waitTerminal(t, h, id)
		return true
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSubscribeAfterFinalisation(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, _ <-chan struct{}) int {
		return 0
	})

	execID := run(t, h)
	waitTerminal(t, h, execID)

	// The mux publisher may outlive the record write by a moment.
	require.Eventually(t, func() bool {
		ch, err := h.orch.Subscribe(context.Background(), execID, 0)
		if err != nil {
			return false
		}
		frames := collectFrames(t, ch)
		if len(frames) != 1 {
			return false
		}
		return string(frames[0].Payload) == streammux.StatusEnded+":"+models.StatusCompleted
	}, 5*time.Second, 20*time.Millisecond)
}

func TestUnknownExecution(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, _ <-chan struct{}) int { return 0 })

	_, err := h.orch.Status(context.Background(), "no-such-id")
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = h.orch.Stop(context.Background(), "no-such-id", Actor{UserID: 1})
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))

	_, err = h.orch.Subscribe(context.Background(), "no-such-id", 0)
	assert.Equal(t, apperr.KindNotFound, apperr.KindOf(err))
}

func TestActiveList(t *testing.T) {
	release := make(chan struct{})
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		select {
		case <-release:
		case <-kill:
		}
		return 0
	})

	execID := run(t, h)
	require.Eventually(t, func() bool {
		list := h.orch.ActiveList()
		return len(list) == 1 && list[0].ExecutionID == execID
	}, 5*time.Second, 10*time.Millisecond)

	close(release)
	waitTerminal(t, h, execID)
	require.Eventually(t, func() bool {
		return len(h.orch.ActiveList()) == 0
	}, 5*time.Second, 10*time.Millisecond)
}

func TestReconcileRepairsOrphans(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, _ <-chan struct{}) int { return 0 })

	// A record left non-terminal by a crashed instance, whose sandbox is
	// still running.
	require.NoError(t, h.records.Insert(context.Background(), &models.ExecutionRecord{
		ID: "orphan-1", UserID: 1, ProjectID: 10, Language: "python",
		Status: models.StatusRunning, SandboxHandle: "nimbus-sbx-orphan",
	}))
	h.driver.mu.Lock()
	h.driver.stale = []string{"nimbus-sbx-orphan", "nimbus-sbx-unrelated"}
	h.driver.mu.Unlock()

	require.NoError(t, h.orch.Reconcile(context.Background()))

	rec, err := h.records.Get(context.Background(), "orphan-1")
	require.NoError(t, err)
	assert.Equal(t, models.StatusCrashed, rec.Status)

	h.driver.mu.Lock()
	defer h.driver.mu.Unlock()
	assert.Contains(t, h.driver.removed, "nimbus-sbx-orphan")
}

func TestReconcileSkipsLiveExecutions(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, kill <-chan struct{}) int {
		<-kill
		return 130
	})

	execID := run(t, h)
	require.Eventually(t, func() bool {
		rec, err := h.records.Get(context.Background(), execID)
		return err == nil && rec.Status == models.StatusRunning
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, h.orch.Reconcile(context.Background()))

	rec, err := h.records.Get(context.Background(), execID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusRunning, rec.Status)
	h.driver.mu.Lock()
	assert.Empty(t, h.driver.removed)
	h.driver.mu.Unlock()

	// The fibre still owns the execution and writes its own terminal state.
	_, err = h.orch.Stop(context.Background(), execID, Actor{UserID: 1})
	require.NoError(t, err)
	rec = waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusStopped, rec.Status)
	assert.Equal(t, models.ReasonStopped, rec.TerminationReason)
}

func TestStopDuringPreparing(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, _ <-chan struct{}) int {
		return 0
	})
	h.driver.mu.Lock()
	h.driver.createGate = make(chan struct{})
	h.driver.mu.Unlock()

	execID := run(t, h)
	require.Eventually(t, func() bool {
		rec, err := h.records.Get(context.Background(), execID)
		return err == nil && rec.Status == models.StatusPreparing
	}, 5*time.Second, 10*time.Millisecond)

	// The sandbox daemon never answers; the stop must still take effect.
	_, err := h.orch.Stop(context.Background(), execID, Actor{UserID: 1})
	require.NoError(t, err)

	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusStopped, rec.Status)
	assert.Equal(t, models.ReasonStopped, rec.TerminationReason)
}

func TestStopWinsOverPromptExit(t *testing.T) {
	h := newHarness(t, fastConfig(), func(stdout, _ io.Writer, _ []byte, _ <-chan struct{}) int {
		stdout.Write([]byte("x"))
		return 0
	})
	h.driver.mu.Lock()
	h.driver.startGate = make(chan struct{})
	h.driver.mu.Unlock()

	execID := run(t, h)
	require.Eventually(t, func() bool {
		rec, err := h.records.Get(context.Background(), execID)
		return err == nil && rec.Status == models.StatusLaunching
	}, 5*time.Second, 10*time.Millisecond)

	// Stop lands before the program's immediate exit is observed; the stop
	// classification must win regardless of which signal is seen first.
	_, err := h.orch.Stop(context.Background(), execID, Actor{UserID: 1})
	require.NoError(t, err)
	h.driver.mu.Lock()
	close(h.driver.startGate)
	h.driver.mu.Unlock()

	rec := waitTerminal(t, h, execID)
	assert.Equal(t, models.StatusStopped, rec.Status)
	assert.Equal(t, models.ReasonStopped, rec.TerminationReason)
}

func TestRunRejectsOversizedStdin(t *testing.T) {
	h := newHarness(t, fastConfig(), func(_, _ io.Writer, _ []byte, _ <-chan struct{}) int {
		return 0
	})

	_, err := h.orch.Run(context.Background(), RunRequest{
		UserID: 1, ProjectID: 10, Language: "python",
		Stdin: make([]byte, sandbox.MaxStdinBytes+1),
	})
	require.Error(t, err)
	assert.Equal(t, apperr.KindInvalidRequest, apperr.KindOf(err))

	// The admission slot is released by the rejection.
	execID := run(t, h)
	waitTerminal(t, h, execID)
}
