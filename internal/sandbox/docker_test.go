package sandbox

import (
	"context"
	"io"
	"os"
	osexec "os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecureJoin(t *testing.T) {
	root := t.TempDir()

	got, err := secureJoin(root, "main.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "main.py"), got)

	got, err = secureJoin(root, "pkg/util.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "pkg", "util.py"), got)

	// Traversal and absolute paths are refused outright.
	_, err = secureJoin(root, "../escape.py")
	assert.Error(t, err)
	_, err = secureJoin(root, "../../etc/passwd")
	assert.Error(t, err)
	_, err = secureJoin(root, "/etc/passwd")
	assert.Error(t, err)

	// Traversal inside the tree that still lands inside the root is fine.
	got, err = secureJoin(root, "a/../main.py")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(root, "main.py"), got)
}

func TestSecureJoinSymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := t.TempDir()

	require.NoError(t, os.Symlink(outside, filepath.Join(root, "link")))

	_, err := secureJoin(root, "link/payload.py")
	assert.Error(t, err)
}

// startShell runs a shell snippet through the same endpoint plumbing the
// driver uses for container output.
func startShell(t *testing.T, script string) *Endpoints {
	t.Helper()
	cmd := osexec.Command("/bin/sh", "-c", script)
	stdout, err := cmd.StdoutPipe()
	require.NoError(t, err)
	stderr, err := cmd.StderrPipe()
	require.NoError(t, err)
	require.NoError(t, cmd.Start())
	return newEndpoints(cmd, stdout, stderr)
}

func TestEndpointsKeepFastExitOutput(t *testing.T) {
	eps := startShell(t, "printf out-tail; printf err-tail >&2; exit 3")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Wait runs concurrently with the stream readers, like the pump does;
	// the process exiting first must not cost the tail of either stream.
	type waited struct {
		code int
		err  error
	}
	waitCh := make(chan waited, 1)
	go func() {
		code, err := eps.Wait(ctx)
		waitCh <- waited{code: code, err: err}
	}()

	out, err := io.ReadAll(eps.Stdout)
	require.NoError(t, err)
	assert.Equal(t, "out-tail", string(out))

	errOut, err := io.ReadAll(eps.Stderr)
	require.NoError(t, err)
	assert.Equal(t, "err-tail", string(errOut))

	w := <-waitCh
	require.NoError(t, w.err)
	assert.Equal(t, 3, w.code)
}

func TestEndpointsWaitIsIdempotent(t *testing.T) {
	eps := startShell(t, "exit 7")
	go io.Copy(io.Discard, eps.Stdout)
	go io.Copy(io.Discard, eps.Stderr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	code, err := eps.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, code)

	code, err = eps.Wait(ctx)
	require.NoError(t, err)
	assert.Equal(t, 7, code)
}

func TestStopTimeoutArg(t *testing.T) {
	assert.Equal(t, "2", stopTimeoutArg(2*time.Second))
	assert.Equal(t, "5", stopTimeoutArg(5*time.Second))
	// Sub-second grace still asks docker for a real stop window.
	assert.Equal(t, "1", stopTimeoutArg(50*time.Millisecond))
	assert.Equal(t, "1", stopTimeoutArg(0))
}

func TestSeccompProfileWrite(t *testing.T) {
	path := filepath.Join(t.TempDir(), "seccomp.json")
	require.NoError(t, writeSeccompProfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "SCMP_ACT_ERRNO")
	assert.Contains(t, string(data), "SCMP_ACT_ALLOW")
	// The profile must never allow mounting or module loading.
	assert.NotContains(t, string(data), `"mount"`)
	assert.NotContains(t, string(data), `"init_module"`)
}
