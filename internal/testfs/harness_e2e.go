//go:build e2e

package testfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"testing"
)

// binDirEnv names the directory holding linux builds of dupelink and
// testfs-helper.
const binDirEnv = "DUPELINK_E2E_BINDIR"

// exitNoTwin is the testfs-helper status for ErrInodeUnavailable.
const exitNoTwin = 3

// Harness runs the dupelink binary against a FileTree inside a container.
//
// Every volume is its own tmpfs, so links between volumes fail with EXDEV
// and inode numbers repeat across volumes:
//
//	given := testfs.FileTree{
//	    Volumes: []testfs.Volume{
//	        {MountPoint: "/vol1", Files: []testfs.File{{Path: []string{"a.bin"}, Chunks: chunks}}},
//	        {MountPoint: "/vol2", Files: []testfs.File{{Path: []string{"b.bin"}, Chunks: chunks}}},
//	    },
//	}
//	h := testfs.New(t, given)
//	h.RunDupelink("dedupe", "--trust-device-boundaries", "/vol1", "/vol2")
//	h.Assert(given) // nothing changed
type Harness struct {
	t    *testing.T
	ctx  context.Context
	box  *sandbox
	last *RunResult
}

// New starts a sandbox for given and sows it. The sandbox is stopped when
// the test ends. The test is skipped when the binaries are not built or
// when an inode twin cannot be created.
func New(t *testing.T, given FileTree) *Harness {
	t.Helper()

	binDir := os.Getenv(binDirEnv)
	if binDir == "" {
		t.Skipf("%s not set", binDirEnv)
	}

	ctx := context.Background()
	box, err := startSandbox(ctx, binDir, given.Volumes)
	if err != nil {
		t.Fatalf("start sandbox: %v", err)
	}
	t.Cleanup(func() { _ = box.stop(ctx) })

	h := &Harness{t: t, ctx: ctx, box: box}
	h.sow(given)
	return h
}

// RunDupelink runs dupelink with args. The result is also checked by Assert.
func (h *Harness) RunDupelink(args ...string) *RunResult {
	h.t.Helper()

	res, err := h.box.exec(h.ctx, nil, append([]string{binPath(dupelinkBinary)}, args...)...)
	if err != nil {
		h.t.Fatalf("run dupelink: %v", err)
	}
	h.last = &res
	return h.last
}

// Assert checks the exit code of the last run and the state of every
// volume in expected.
func (h *Harness) Assert(expected FileTree) {
	h.t.Helper()

	switch {
	case h.last == nil && expected.ExitCode != 0:
		h.t.Fatal("Assert with an exit code before RunDupelink")
	case h.last != nil && h.last.ExitCode != expected.ExitCode:
		h.t.Errorf("exit code %d, want %d\nstdout: %s\nstderr: %s",
			h.last.ExitCode, expected.ExitCode, h.last.Stdout, h.last.Stderr)
	}

	for _, vol := range expected.Volumes {
		actual, err := h.reap(vol.MountPoint)
		if err != nil {
			h.t.Fatalf("reap %s: %v", vol.MountPoint, err)
		}
		AssertVolume(h.t, vol, actual)
	}
}

// ReadFile returns the content of a file inside the sandbox, such as a CSV
// export written by dupelink.
func (h *Harness) ReadFile(path string) string {
	h.t.Helper()

	res, err := h.box.exec(h.ctx, nil, "cat", path)
	if err != nil {
		h.t.Fatalf("read %s: %v", path, err)
	}
	if res.ExitCode != 0 {
		h.t.Fatalf("read %s: %s", path, res.Stderr)
	}
	return res.Stdout
}

// sow builds the fixture through testfs-helper.
func (h *Harness) sow(tree FileTree) {
	h.t.Helper()

	body, err := json.Marshal(tree)
	if err != nil {
		h.t.Fatalf("encode file tree: %v", err)
	}
	res, err := h.box.exec(h.ctx, body, binPath(helperBinary), "sow")
	if err != nil {
		h.t.Fatalf("sow: %v", err)
	}
	switch res.ExitCode {
	case 0:
	case exitNoTwin:
		h.t.Skipf("volume cannot hold the inode twin: %s", res.Stderr)
	default:
		h.t.Fatalf("sow exited %d: %s%s", res.ExitCode, res.Stdout, res.Stderr)
	}
}

// reap reads the state of one volume through testfs-helper.
func (h *Harness) reap(mountPoint string) (ReapVolume, error) {
	res, err := h.box.exec(h.ctx, nil, binPath(helperBinary), "reap", mountPoint)
	if err != nil {
		return ReapVolume{}, err
	}
	if res.ExitCode != 0 {
		return ReapVolume{}, fmt.Errorf("reap exited %d: %s", res.ExitCode, res.Stderr)
	}

	var out ReapResult
	if err := json.Unmarshal([]byte(res.Stdout), &out); err != nil {
		return ReapVolume{}, fmt.Errorf("decode reap output: %w", err)
	}
	if len(out.Volumes) != 1 {
		return ReapVolume{}, fmt.Errorf("reap returned %d volumes", len(out.Volumes))
	}
	return out.Volumes[0], nil
}
