// Package sandbox provides the isolation unit for one program run. The
// Driver contract is the lifecycle, not the backend; the shipped backend
// drives the Docker CLI with seccomp, dropped capabilities, a read-only
// root, and hard cpu/memory/pids ceilings.
package sandbox

import (
	"context"
	"io"
	"time"
)

// Spec describes the isolation unit to allocate. Limits are hard ceilings.
type Spec struct {
	Image        string
	Command      []string
	CPUShare     float64 // fractional cores
	MemoryMB     int64
	PidsLimit    int64
	AllowNetwork bool
	ScratchExec  bool   // scratch tmpfs mounted exec (compiled languages)
	ScratchSize  string // tmpfs size, e.g. "64m"
	Env          map[string]string
	ExtraMounts  []Mount
}

// Mount is an additional bind mount.
type Mount struct {
	HostPath      string
	ContainerPath string
	ReadOnly      bool
}

// Handle identifies a created sandbox. Opaque to everything but the driver;
// the work directory is exposed so project files can be materialised into it
// before launch.
type Handle struct {
	ID        string
	Name      string
	WorkDir   string // host path bind-mounted at ContainerWorkDir
	CreatedAt time.Time
}

// ContainerWorkDir is where the working directory appears inside the sandbox.
const ContainerWorkDir = "/work"

// ContainerScratchDir is the writable scratch tmpfs inside the sandbox.
const ContainerScratchDir = "/tmp"

// MaxStdinBytes bounds the pre-launch standard input buffer.
const MaxStdinBytes = 64 * 1024

// Endpoints are the read ends of a started sandbox plus its exit waiter.
type Endpoints struct {
	Stdout io.ReadCloser
	Stderr io.ReadCloser

	// Wait blocks until the program exits and returns its exit code.
	// The returned error is non-nil only for waiter-level failures.
	Wait func(ctx context.Context) (int, error)
}

// Sample is a cheap point-in-time resource reading.
type Sample struct {
	CPUPct    float64
	MemBytes  int64
	Pids      int
	Running   bool
	OOMKilled bool
}

// Signal selects graceful or forced termination.
type Signal int

const (
	SignalTerm Signal = iota // graceful, bounded stop
	SignalKill               // immediate kill
)

// Driver is the uniform sandbox lifecycle. Every operation honours the
// context deadline; after Destroy no further operation on the handle
// succeeds.
type Driver interface {
	Create(ctx context.Context, spec Spec) (*Handle, error)
	WriteFile(ctx context.Context, h *Handle, relpath string, data []byte) error
	Start(ctx context.Context, h *Handle, stdin []byte) (*Endpoints, error)
	Sample(ctx context.Context, h *Handle) (Sample, error)
	Signal(ctx context.Context, h *Handle, sig Signal) error
	Destroy(ctx context.Context, h *Handle) error

	// Stale lists container names of sandboxes older than the cutoff,
	// for the startup reconciliation sweep.
	Stale(ctx context.Context, olderThan time.Duration) ([]string, error)
	// DestroyByName removes a sandbox found by the sweep.
	DestroyByName(ctx context.Context, name string) error
}
