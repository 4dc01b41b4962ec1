//go:build e2e

package testfs

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

const (
	sandboxImage = "alpine:3.21"

	// Each volume is a small tmpfs with its own device number and its own
	// inode counter.
	volumeOptions = "size=64m,mode=0755"

	dupelinkBinary = "dupelink"
	helperBinary   = "testfs-helper"
	binMount       = "/opt/dupelink-e2e"
)

// sandbox is a throwaway container holding the fixture volumes and
// read-only copies of the dupelink and testfs-helper binaries.
type sandbox struct {
	cli *client.Client
	id  string
}

// binPath returns where a bound binary lives inside the sandbox.
func binPath(name string) string { return binMount + "/" + name }

// startSandbox starts a container that mounts one tmpfs per volume.
func startSandbox(ctx context.Context, binDir string, volumes []Volume) (_ *sandbox, err error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	defer func() {
		if err != nil {
			_ = cli.Close()
		}
	}()

	pull, err := cli.ImagePull(ctx, sandboxImage, image.PullOptions{})
	if err != nil {
		return nil, fmt.Errorf("pull %s: %w", sandboxImage, err)
	}
	_, _ = io.Copy(io.Discard, pull)
	_ = pull.Close()

	tmpfs := make(map[string]string, len(volumes))
	for _, v := range volumes {
		tmpfs[v.MountPoint] = volumeOptions
	}
	var binds []string
	for _, name := range []string{dupelinkBinary, helperBinary} {
		binds = append(binds, fmt.Sprintf("%s:%s:ro", filepath.Join(binDir, name), binPath(name)))
	}

	created, err := cli.ContainerCreate(ctx,
		&container.Config{Image: sandboxImage, Cmd: []string{"sleep", "infinity"}},
		&container.HostConfig{Binds: binds, Tmpfs: tmpfs, AutoRemove: true},
		nil, nil, "")
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	if err := cli.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		_ = cli.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}
	return &sandbox{cli: cli, id: created.ID}, nil
}

// exec runs argv in the sandbox, feeding stdin when it is not nil. A non-zero
// exit status is reported in the result, not as an error.
func (s *sandbox) exec(ctx context.Context, stdin []byte, argv ...string) (RunResult, error) {
	created, err := s.cli.ContainerExecCreate(ctx, s.id, container.ExecOptions{
		Cmd:          argv,
		AttachStdin:  stdin != nil,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return RunResult{}, fmt.Errorf("exec %s: %w", argv[0], err)
	}

	conn, err := s.cli.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return RunResult{}, fmt.Errorf("attach %s: %w", argv[0], err)
	}
	defer conn.Close()

	if stdin != nil {
		if _, err := conn.Conn.Write(stdin); err != nil {
			return RunResult{}, fmt.Errorf("write stdin: %w", err)
		}
		if err := conn.CloseWrite(); err != nil {
			return RunResult{}, fmt.Errorf("close stdin: %w", err)
		}
	}

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, conn.Reader); err != nil {
		return RunResult{}, fmt.Errorf("read output of %s: %w", argv[0], err)
	}

	inspect, err := s.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return RunResult{}, fmt.Errorf("inspect %s: %w", argv[0], err)
	}
	return RunResult{ExitCode: inspect.ExitCode, Stdout: stdout.String(), Stderr: stderr.String()}, nil
}

// stop stops the container, which removes it, and closes the client.
func (s *sandbox) stop(ctx context.Context) error {
	defer s.cli.Close()
	return s.cli.ContainerStop(ctx, s.id, container.StopOptions{})
}
