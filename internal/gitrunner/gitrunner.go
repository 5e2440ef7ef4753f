// Package gitrunner executes versioned-control operations inside a
// disposable sandbox running the fixed git-worker image. The worker speaks
// a delimited JSON envelope on stdout; everything else it prints goes to
// stderr.
package gitrunner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/blobsync"
	"nimbus-ide/internal/logging"
	"nimbus-ide/internal/metrics"
	"nimbus-ide/internal/sandbox"
	"nimbus-ide/internal/store"
)

// Envelope delimiters on the worker's stdout.
const (
	ResultStart = "__GIT_RESULT_START__"
	ResultEnd   = "__GIT_RESULT_END__"
)

// Supported operations.
var operations = map[string]bool{
	"init": true, "status": true, "add": true, "commit": true,
	"push": true, "pull": true, "clone": true,
	"add-remote": true, "remove-remote": true, "list-remotes": true,
	"validate": true, "check-repo": true,
}

// uploadScope says what part of the workspace goes back to the blob store
// after an operation. Pulled or cloned trees may have changed anywhere, so
// those upload everything; mutations of repository state upload .git only;
// read-only queries upload nothing.
var uploadScope = map[string]string{
	"init": ".git", "add": ".git", "commit": ".git", "push": ".git",
	"add-remote": ".git", "remove-remote": ".git",
	"pull": "", "clone": "",
}

// Result is the decoded worker envelope. Kind classifies a failed
// operation for the API layer; the worker itself only reports a message.
type Result struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
	Kind    apperr.Kind            `json:"-"`
}

// Credentials carries the token the worker may need for remote operations.
type Credentials struct {
	Token string
}

// Config tunes the runner.
type Config struct {
	Image        string
	Timeout      time.Duration
	MemoryMB     int64
	CPUShare     float64
	PidsLimit    int64
	MaxResultLen int64
}

// DefaultConfig returns production defaults for the git worker.
func DefaultConfig() Config {
	return Config{
		Image:        "nimbus-git-worker:latest",
		Timeout:      60 * time.Second,
		MemoryMB:     512,
		CPUShare:     1.0,
		PidsLimit:    128,
		MaxResultLen: 1024 * 1024,
	}
}

// Runner provisions a sandbox per operation and round-trips the workspace
// through the blob store.
type Runner struct {
	cfg      Config
	driver   sandbox.Driver
	syncer   *blobsync.Syncer
	projects store.ProjectStore
}

// New returns a Runner.
func New(cfg Config, driver sandbox.Driver, syncer *blobsync.Syncer, projects store.ProjectStore) *Runner {
	return &Runner{cfg: cfg, driver: driver, syncer: syncer, projects: projects}
}

// Execute runs one git operation for a user's project. Worker-level
// failures come back as Result{Success: false}; only infrastructure
// problems surface as errors.
func (r *Runner) Execute(ctx context.Context, userID, projectID uint, op string, data map[string]interface{}, creds Credentials) (*Result, error) {
	if !operations[op] {
		return nil, apperr.Newf(apperr.KindNotFound, "unknown git operation: %s", op)
	}

	project, err := r.projects.Get(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if project.OwnerID != userID {
		return nil, apperr.Newf(apperr.KindNotFound, "project %d not found", projectID)
	}

	payload, err := json.Marshal(data)
	if err != nil {
		return nil, apperr.Wrap(apperr.KindInternal, "failed to encode operation data", err)
	}

	env := map[string]string{
		"GIT_OP":     op,
		"GIT_DATA":   string(payload),
		"USER_ID":    fmt.Sprintf("%d", userID),
		"PROJECT_ID": fmt.Sprintf("%d", projectID),
	}
	if creds.Token != "" {
		env["GIT_TOKEN"] = creds.Token
	}
	if project.GithubURL != nil {
		env["GIT_REMOTE_URL"] = *project.GithubURL
	}

	h, err := r.driver.Create(ctx, sandbox.Spec{
		Image:        r.cfg.Image,
		CPUShare:     r.cfg.CPUShare,
		MemoryMB:     r.cfg.MemoryMB,
		PidsLimit:    r.cfg.PidsLimit,
		AllowNetwork: true,
		Env:          env,
	})
	if err != nil {
		return nil, err
	}
	defer func() {
		dctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if derr := r.driver.Destroy(dctx, h); derr != nil {
			logging.L().Error("git worker destroy failed", zap.Error(derr))
		}
	}()

	log := logging.L().With(
		zap.String("op", op),
		zap.Uint("user_id", userID),
		zap.Uint("project_id", projectID))

	if _, err := r.syncer.Pull(ctx, projectID, h.WorkDir); err != nil {
		return nil, apperr.Wrap(apperr.KindSetupFailed, "workspace materialisation failed", err)
	}

	started := time.Now()
	eps, err := r.driver.Start(ctx, h, nil)
	if err != nil {
		return nil, err
	}

	opCtx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()

	// Drain past the retained prefix so the worker never blocks on a full
	// stream once the result limit is reached.
	stdoutCh := make(chan []byte, 1)
	go func() {
		b, _ := io.ReadAll(io.LimitReader(eps.Stdout, r.cfg.MaxResultLen))
		stdoutCh <- b
		_, _ = io.Copy(io.Discard, eps.Stdout)
	}()
	go func() {
		b, _ := io.ReadAll(io.LimitReader(eps.Stderr, r.cfg.MaxResultLen))
		if len(b) > 0 {
			log.Debug("git worker stderr", zap.ByteString("output", b))
		}
		_, _ = io.Copy(io.Discard, eps.Stderr)
	}()

	if _, err := eps.Wait(opCtx); err != nil {
		kerr := r.driver.Signal(context.Background(), h, sandbox.SignalKill)
		if kerr != nil {
			log.Debug("git worker kill failed", zap.Error(kerr))
		}
	}
	stdout := <-stdoutCh

	result := ParseEnvelope(stdout)
	if !result.Success {
		result.Kind = ClassifyFailure(result.Error)
	}
	outcome := "failure"
	if result.Success {
		outcome = "success"
	}
	metrics.Get().GitOperationsTotal.WithLabelValues(op, outcome).Inc()
	metrics.Get().GitOperationDuration.WithLabelValues(op).Observe(time.Since(started).Seconds())

	if result.Success {
		if err := RedactWorkspace(h.WorkDir); err != nil {
			log.Error("credential redaction failed", zap.Error(err))
			return nil, apperr.Wrap(apperr.KindInternal, "credential redaction failed", err)
		}
		if scope, ok := uploadScope[op]; ok {
			if _, err := r.syncer.Push(ctx, h.WorkDir, projectID, scope); err != nil {
				return nil, apperr.Wrap(apperr.KindInternal, "workspace upload failed", err)
			}
		}
		r.recordRemoteChange(ctx, projectID, op, data, result)
	}

	log.Info("git operation finished",
		zap.Bool("success", result.Success),
		zap.Duration("duration", time.Since(started)))
	return result, nil
}

// recordRemoteChange mirrors origin changes onto the project record.
func (r *Runner) recordRemoteChange(ctx context.Context, projectID uint, op string, data map[string]interface{}, result *Result) {
	remoteName := "origin"
	if n, ok := data["name"].(string); ok && n != "" {
		remoteName = n
	}
	switch op {
	case "add-remote", "clone":
		url, _ := data["url"].(string)
		if url == "" {
			return
		}
		bare := RedactURL(url)
		if remoteName != "origin" {
			return
		}
		if err := r.projects.UpdateGithubURL(ctx, projectID, &bare); err != nil {
			logging.L().Error("project remote update failed", zap.Error(err))
		}
	case "remove-remote":
		if remoteName != "origin" {
			return
		}
		if err := r.projects.UpdateGithubURL(ctx, projectID, nil); err != nil {
			logging.L().Error("project remote update failed", zap.Error(err))
		}
	}
}

// ClassifyFailure maps a worker failure message onto an error kind:
// credential problems, missing remotes, merge conflicts, or anything else.
func ClassifyFailure(message string) apperr.Kind {
	m := strings.ToLower(message)
	switch {
	case strings.Contains(m, "authentication"),
		strings.Contains(m, "permission denied"),
		strings.Contains(m, "could not read username"),
		strings.Contains(m, "invalid credentials"),
		strings.Contains(m, "403"):
		return apperr.KindGitAuthRequired
	case strings.Contains(m, "no such remote"),
		strings.Contains(m, "no remote"),
		strings.Contains(m, "remote not configured"),
		strings.Contains(m, "does not appear to be a git repository"):
		return apperr.KindGitRemoteMissing
	case strings.Contains(m, "conflict"),
		strings.Contains(m, "needs merge"),
		strings.Contains(m, "non-fast-forward"),
		strings.Contains(m, "would be overwritten"):
		return apperr.KindGitConflict
	}
	return apperr.KindGitInternal
}

// ParseEnvelope extracts the single result block from worker stdout. A
// missing or malformed block yields a failed Result rather than an error.
func ParseEnvelope(stdout []byte) *Result {
	text := string(stdout)
	start := strings.Index(text, ResultStart)
	end := strings.Index(text, ResultEnd)
	if start < 0 || end < 0 || end <= start {
		return &Result{Success: false, Error: "no result envelope"}
	}
	body := strings.TrimSpace(text[start+len(ResultStart) : end])
	var result Result
	if err := json.Unmarshal([]byte(body), &result); err != nil {
		return &Result{Success: false, Error: fmt.Sprintf("malformed result envelope: %v", err)}
	}
	return &result
}
