// Package ingest tails the Wazuh alert stream out of the manager container
// and appends normalized events to the archive.
package ingest

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/kestrelsec/watchtower"
)

// Tailer reads the alert file inside the manager. The production
// implementation execs into the container; tests substitute a fake.
type Tailer interface {
	// Tail returns the last n lines of the alert file.
	Tail(ctx context.Context, n int) ([]string, error)
	// ModifiedSince reports whether the file changed within d.
	ModifiedSince(ctx context.Context, d time.Duration) (bool, error)
	// Size returns the file size in bytes.
	Size(ctx context.Context) (int64, error)
}

// DockerTailer reads the alert file by exec'ing standard tools inside a
// named container via the Docker API.
type DockerTailer struct {
	cli       *client.Client
	container string
	path      string
	logger    *slog.Logger
}

var _ Tailer = (*DockerTailer)(nil)

// DockerTailerOption configures a DockerTailer.
type DockerTailerOption func(*DockerTailer)

// WithTailerLogger sets a structured logger for exec diagnostics.
func WithTailerLogger(l *slog.Logger) DockerTailerOption {
	return func(t *DockerTailer) { t.logger = l }
}

// NewDockerTailer connects to the local Docker daemon and targets the alert
// file at path inside the named container.
func NewDockerTailer(containerName, path string, opts ...DockerTailerOption) (*DockerTailer, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	t := &DockerTailer{cli: cli, container: containerName, path: path, logger: watchtower.NopLogger}
	for _, o := range opts {
		o(t)
	}
	return t, nil
}

// Close releases the Docker client.
func (t *DockerTailer) Close() error { return t.cli.Close() }

func (t *DockerTailer) Tail(ctx context.Context, n int) ([]string, error) {
	out, err := t.exec(ctx, []string{"tail", "-n", strconv.Itoa(n), t.path})
	if err != nil {
		return nil, err
	}
	var lines []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}
	return lines, nil
}

func (t *DockerTailer) ModifiedSince(ctx context.Context, d time.Duration) (bool, error) {
	// find prints the path only when its mtime is newer than the cutoff.
	mins := int(d.Minutes())
	if mins < 1 {
		mins = 1
	}
	out, err := t.exec(ctx, []string{"find", t.path, "-newermt", fmt.Sprintf("-%d minutes", mins)})
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) != "", nil
}

func (t *DockerTailer) Size(ctx context.Context) (int64, error) {
	out, err := t.exec(ctx, []string{"wc", "-c", t.path})
	if err != nil {
		return 0, err
	}
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("size: empty wc output")
	}
	size, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size: parse wc output %q: %w", out, err)
	}
	return size, nil
}

// exec runs cmd inside the container and returns its stdout. A nonzero exit
// code or stderr output is an error.
func (t *DockerTailer) exec(ctx context.Context, cmd []string) (string, error) {
	start := time.Now()
	created, err := t.cli.ContainerExecCreate(ctx, t.container, container.ExecOptions{
		Cmd:          cmd,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return "", fmt.Errorf("exec create: %w", err)
	}

	resp, err := t.cli.ContainerExecAttach(ctx, created.ID, container.ExecAttachOptions{})
	if err != nil {
		return "", fmt.Errorf("exec attach: %w", err)
	}
	defer resp.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, resp.Reader); err != nil {
		return "", fmt.Errorf("exec read: %w", err)
	}

	inspect, err := t.cli.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return "", fmt.Errorf("exec inspect: %w", err)
	}
	if inspect.ExitCode != 0 {
		return "", fmt.Errorf("exec %s: exit %d: %s", cmd[0], inspect.ExitCode, strings.TrimSpace(stderr.String()))
	}

	t.logger.Debug("ingest: container exec", "cmd", cmd[0], "bytes", stdout.Len(), "duration", time.Since(start))
	return stdout.String(), nil
}
