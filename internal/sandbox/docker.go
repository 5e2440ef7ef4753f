package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"nimbus-ide/internal/apperr"
	"nimbus-ide/internal/logging"
)

const containerPrefix = "nimbus-sbx-"

// DockerConfig holds driver configuration.
type DockerConfig struct {
	DockerSocket   string
	BaseTempDir    string
	EnableSeccomp  bool
	SeccompProfile string // generated under BaseTempDir when empty
	// StopGracePeriod is how long `docker stop` waits before SIGKILL.
	StopGracePeriod time.Duration
}

// DefaultDockerConfig returns production defaults.
func DefaultDockerConfig() *DockerConfig {
	return &DockerConfig{
		DockerSocket:    "/var/run/docker.sock",
		BaseTempDir:     filepath.Join(os.TempDir(), "nimbus-sandbox"),
		EnableSeccomp:   true,
		StopGracePeriod: 2 * time.Second,
	}
}

// DockerDriver implements Driver by shelling out to the docker CLI.
type DockerDriver struct {
	cfg       *DockerConfig
	destroyed sync.Map // handle id -> struct{}
}

// NewDockerDriver verifies docker availability and prepares the base
// directory and seccomp profile.
func NewDockerDriver(cfg *DockerConfig) (*DockerDriver, error) {
	if cfg == nil {
		cfg = DefaultDockerConfig()
	}
	if err := os.MkdirAll(cfg.BaseTempDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create sandbox temp directory: %w", err)
	}

	d := &DockerDriver{cfg: cfg}
	if !d.dockerAvailable() {
		return nil, apperr.New(apperr.KindSandboxUnavailable, "docker daemon is not reachable")
	}

	if cfg.EnableSeccomp && cfg.SeccompProfile == "" {
		path := filepath.Join(cfg.BaseTempDir, "seccomp-profile.json")
		if err := writeSeccompProfile(path); err != nil {
			return nil, fmt.Errorf("failed to write seccomp profile: %w", err)
		}
		cfg.SeccompProfile = path
	}
	return d, nil
}

func (d *DockerDriver) dockerAvailable() bool {
	cmd := osexec.Command("docker", "info")
	cmd.Env = append(os.Environ(), "DOCKER_HOST=unix://"+d.cfg.DockerSocket)
	return cmd.Run() == nil
}

// Create allocates the container and its host work directory without
// starting it.
func (d *DockerDriver) Create(ctx context.Context, spec Spec) (*Handle, error) {
	id := uuid.New().String()
	name := containerPrefix + id[:12]

	workDir, err := os.MkdirTemp(d.cfg.BaseTempDir, "work-"+id[:8]+"-")
	if err != nil {
		return nil, fmt.Errorf("failed to create work directory: %w", err)
	}

	args := []string{
		"create",
		"--name", name,
		"--memory", fmt.Sprintf("%dm", spec.MemoryMB),
		"--memory-swap", fmt.Sprintf("%dm", spec.MemoryMB), // no swap
		"--cpus", fmt.Sprintf("%.2f", spec.CPUShare),
		"--pids-limit", strconv.FormatInt(spec.PidsLimit, 10),
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges:true",
		"--read-only",
		"-i", // stdin is attached and closed after the initial buffer
	}

	if d.cfg.EnableSeccomp && d.cfg.SeccompProfile != "" {
		args = append(args, "--security-opt", "seccomp="+d.cfg.SeccompProfile)
	}

	scratchFlags := "rw,noexec,nosuid,size=%s,mode=1777,uid=1000,gid=1000"
	if spec.ScratchExec {
		scratchFlags = "rw,exec,nosuid,size=%s,mode=1777,uid=1000,gid=1000"
	}
	size := spec.ScratchSize
	if size == "" {
		size = "64m"
	}
	args = append(args, "--tmpfs", fmt.Sprintf(ContainerScratchDir+":"+scratchFlags, size))

	if spec.AllowNetwork {
		args = append(args, "--network=bridge")
	} else {
		args = append(args, "--network=none")
	}

	args = append(args, "-v", fmt.Sprintf("%s:%s:rw", workDir, ContainerWorkDir))
	for _, m := range spec.ExtraMounts {
		mode := "rw"
		if m.ReadOnly {
			mode = "ro"
		}
		args = append(args, "-v", fmt.Sprintf("%s:%s:%s", m.HostPath, m.ContainerPath, mode))
	}

	for k, v := range spec.Env {
		args = append(args, "-e", k+"="+v)
	}

	args = append(args, "--user", "sandbox", "-w", ContainerWorkDir, spec.Image)
	args = append(args, spec.Command...)

	cmd := osexec.CommandContext(ctx, "docker", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		os.RemoveAll(workDir)
		return nil, apperr.Wrap(apperr.KindSandboxUnavailable,
			"container allocation failed", fmt.Errorf("docker create: %s", string(out)))
	}

	return &Handle{ID: id, Name: name, WorkDir: workDir, CreatedAt: time.Now()}, nil
}

// WriteFile seeds a file under the work directory. Traversal out of the
// work directory is rejected.
func (d *DockerDriver) WriteFile(ctx context.Context, h *Handle, relpath string, data []byte) error {
	if d.isDestroyed(h) {
		return fmt.Errorf("sandbox %s destroyed", h.Name)
	}
	target, err := secureJoin(h.WorkDir, relpath)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0755); err != nil {
		return fmt.Errorf("failed to create parent directory: %w", err)
	}
	return os.WriteFile(target, data, 0644)
}

// secureJoin resolves relpath under root and rejects absolute paths, "..",
// and symlink escapes.
func secureJoin(root, relpath string) (string, error) {
	if filepath.IsAbs(relpath) {
		return "", fmt.Errorf("absolute path rejected: %s", relpath)
	}
	clean := filepath.Clean(relpath)
	if clean == ".." || strings.HasPrefix(clean, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("path traversal rejected: %s", relpath)
	}
	target := filepath.Join(root, clean)

	// Walk existing ancestors and refuse any that resolve outside root.
	dir := filepath.Dir(target)
	for dir != root && len(dir) > len(root) {
		resolved, err := filepath.EvalSymlinks(dir)
		if err == nil {
			rootResolved, rerr := filepath.EvalSymlinks(root)
			if rerr == nil && !strings.HasPrefix(resolved+string(filepath.Separator), rootResolved+string(filepath.Separator)) {
				return "", fmt.Errorf("symlink escape rejected: %s", relpath)
			}
			break
		}
		if !os.IsNotExist(err) {
			return "", err
		}
		dir = filepath.Dir(dir)
	}
	return target, nil
}

// Start launches the container attached, delivers the stdin buffer, and
// returns the stream endpoints.
func (d *DockerDriver) Start(ctx context.Context, h *Handle, stdin []byte) (*Endpoints, error) {
	if d.isDestroyed(h) {
		return nil, fmt.Errorf("sandbox %s destroyed", h.Name)
	}
	if len(stdin) > MaxStdinBytes {
		return nil, apperr.Newf(apperr.KindInternal, "stdin exceeds %d bytes", MaxStdinBytes)
	}

	cmd := osexec.Command("docker", "start", "-a", "-i", h.Name)
	stdinPipe, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, apperr.Wrap(apperr.KindSandboxUnavailable, "container start failed", err)
	}

	// Line-buffered stdin only: write the whole buffer and close.
	go func() {
		if len(stdin) > 0 {
			stdinPipe.Write(stdin)
		}
		stdinPipe.Close()
	}()

	return newEndpoints(cmd, stdout, stderr), nil
}

// newEndpoints wraps a started command's streams. cmd.Wait closes the exec
// pipes on exit, so it must not run until both streams are drained; the
// copy goroutines re-expose them through io.Pipe and gate the waiter, which
// keeps a fast-exiting program's tail output readable.
func newEndpoints(cmd *osexec.Cmd, stdout, stderr io.Reader) *Endpoints {
	outR, outW := io.Pipe()
	errR, errW := io.Pipe()

	var readers sync.WaitGroup
	readers.Add(2)
	go func() {
		defer readers.Done()
		_, err := io.Copy(outW, stdout)
		outW.CloseWithError(err)
	}()
	go func() {
		defer readers.Done()
		_, err := io.Copy(errW, stderr)
		errW.CloseWithError(err)
	}()

	var (
		waitOnce sync.Once
		waitDone = make(chan struct{})
		exitCode int
		waitErr  error
	)
	wait := func(waitCtx context.Context) (int, error) {
		waitOnce.Do(func() {
			go func() {
				defer close(waitDone)
				readers.Wait()
				err := cmd.Wait()
				if err == nil {
					return
				}
				if exitErr, ok := err.(*osexec.ExitError); ok {
					exitCode = exitErr.ExitCode()
					return
				}
				exitCode, waitErr = -1, err
			}()
		})
		select {
		case <-waitDone:
			return exitCode, waitErr
		case <-waitCtx.Done():
			return -1, waitCtx.Err()
		}
	}

	return &Endpoints{Stdout: outR, Stderr: errR, Wait: wait}
}

// statsRow matches `docker stats --format json` output.
type statsRow struct {
	CPUPerc  string `json:"CPUPerc"`
	MemUsage string `json:"MemUsage"`
	PIDs     string `json:"PIDs"`
}

// Sample reads a point-in-time cpu/mem/pids snapshot. Non-blocking beyond
// the single docker stats round trip.
func (d *DockerDriver) Sample(ctx context.Context, h *Handle) (Sample, error) {
	if d.isDestroyed(h) {
		return Sample{Running: false}, nil
	}

	inspect := osexec.CommandContext(ctx, "docker", "inspect",
		"--format", "{{.State.Running}} {{.State.OOMKilled}}", h.Name)
	out, err := inspect.Output()
	if err != nil {
		return Sample{Running: false}, nil // gone counts as not running
	}
	fields := strings.Fields(strings.TrimSpace(string(out)))
	s := Sample{}
	if len(fields) == 2 {
		s.Running = fields[0] == "true"
		s.OOMKilled = fields[1] == "true"
	}
	if !s.Running {
		return s, nil
	}

	stats := osexec.CommandContext(ctx, "docker", "stats", "--no-stream", "--format", "json", h.Name)
	raw, err := stats.Output()
	if err != nil {
		return s, nil
	}
	var row statsRow
	if err := json.Unmarshal(bytes.TrimSpace(raw), &row); err != nil {
		return s, nil
	}
	s.CPUPct = parsePercent(row.CPUPerc)
	s.MemBytes = parseMemUsage(row.MemUsage)
	if n, err := strconv.Atoi(strings.TrimSpace(row.PIDs)); err == nil {
		s.Pids = n
	}
	return s, nil
}

func parsePercent(v string) float64 {
	v = strings.TrimSuffix(strings.TrimSpace(v), "%")
	f, _ := strconv.ParseFloat(v, 64)
	return f
}

// parseMemUsage parses the "used / limit" form, e.g. "21.5MiB / 256MiB".
func parseMemUsage(v string) int64 {
	used := strings.TrimSpace(strings.SplitN(v, "/", 2)[0])
	units := []struct {
		suffix string
		mult   float64
	}{
		{"GiB", 1 << 30}, {"MiB", 1 << 20}, {"KiB", 1 << 10},
		{"GB", 1e9}, {"MB", 1e6}, {"kB", 1e3}, {"B", 1},
	}
	for _, u := range units {
		if strings.HasSuffix(used, u.suffix) {
			f, err := strconv.ParseFloat(strings.TrimSuffix(used, u.suffix), 64)
			if err != nil {
				return 0
			}
			return int64(f * u.mult)
		}
	}
	return 0
}

// Signal requests termination. Idempotent; signalling a gone container is
// not an error.
func (d *DockerDriver) Signal(ctx context.Context, h *Handle, sig Signal) error {
	var cmd *osexec.Cmd
	switch sig {
	case SignalTerm:
		cmd = osexec.CommandContext(ctx, "docker", "stop",
			"-t", stopTimeoutArg(d.cfg.StopGracePeriod), h.Name)
	default:
		cmd = osexec.CommandContext(ctx, "docker", "kill", h.Name)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		msg := string(out)
		if strings.Contains(msg, "No such container") || strings.Contains(msg, "is not running") {
			return nil
		}
		logging.L().Debug("sandbox signal failed", zap.String("container", h.Name), zap.String("output", msg))
	}
	return nil
}

// stopTimeoutArg renders the grace period in whole seconds for docker
// stop's -t flag, never below one second.
func stopTimeoutArg(grace time.Duration) string {
	secs := int(grace / time.Second)
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// Destroy removes the container and the host work directory. Idempotent.
func (d *DockerDriver) Destroy(ctx context.Context, h *Handle) error {
	d.destroyed.Store(h.ID, struct{}{})

	cmd := osexec.CommandContext(ctx, "docker", "rm", "-f", h.Name)
	if out, err := cmd.CombinedOutput(); err != nil {
		if !strings.Contains(string(out), "No such container") {
			logging.L().Warn("sandbox remove failed",
				zap.String("container", h.Name), zap.String("output", string(out)))
		}
	}

	if h.WorkDir != "" && strings.HasPrefix(h.WorkDir, d.cfg.BaseTempDir) {
		if err := os.RemoveAll(h.WorkDir); err != nil {
			return fmt.Errorf("failed to remove work directory: %w", err)
		}
	}
	return nil
}

func (d *DockerDriver) isDestroyed(h *Handle) bool {
	_, ok := d.destroyed.Load(h.ID)
	return ok
}

// Stale lists sandbox containers created before now-olderThan.
func (d *DockerDriver) Stale(ctx context.Context, olderThan time.Duration) ([]string, error) {
	cmd := osexec.CommandContext(ctx, "docker", "ps", "-a",
		"--filter", "name="+containerPrefix,
		"--format", "{{.Names}}\t{{.CreatedAt}}")
	out, err := cmd.Output()
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}

	cutoff := time.Now().Add(-olderThan)
	var stale []string
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 2)
		if len(parts) != 2 {
			continue
		}
		// docker's CreatedAt format: 2026-08-24 10:00:00 +0000 UTC
		created, err := time.Parse("2006-01-02 15:04:05 -0700 MST", strings.TrimSpace(parts[1]))
		if err != nil || created.Before(cutoff) {
			stale = append(stale, parts[0])
		}
	}
	return stale, nil
}

// DestroyByName force-removes a container found by the sweep.
func (d *DockerDriver) DestroyByName(ctx context.Context, name string) error {
	if !strings.HasPrefix(name, containerPrefix) {
		return fmt.Errorf("refusing to remove non-sandbox container %q", name)
	}
	cmd := osexec.CommandContext(ctx, "docker", "rm", "-f", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		if strings.Contains(string(out), "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm: %s", string(out))
	}
	return nil
}
