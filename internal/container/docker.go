// Package container manages sandbox container lifecycle: image checks,
// start with the isolation mount plan, exec with run correlation, log
// capture, and cleanup.
package container

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	dcontainer "github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/khan/jib/internal/gitiso"
)

// Docker wraps the Docker SDK with the few operations jib needs.
type Docker struct {
	cli *client.Client
}

// NewDocker connects to the local daemon.
func NewDocker() (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{cli: cli}, nil
}

func (d *Docker) Close() error { return d.cli.Close() }

// Ping checks daemon availability.
func (d *Docker) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// EnsureImage pulls the sandbox image when it is not present locally.
func (d *Docker) EnsureImage(ctx context.Context, ref string) error {
	if _, err := d.cli.ImageInspect(ctx, ref); err == nil {
		return nil
	}
	slog.Info("pulling sandbox image", "image", ref)
	reader, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()
	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull output: %w", err)
	}
	return nil
}

// CreateSpec is what Start needs to create a sandbox container.
type CreateSpec struct {
	Name        string
	Image       string
	Plan        *gitiso.MountPlan
	NetworkMode string
	MemoryMB    int
	CPUs        float64
	Labels      map[string]string
}

// Start creates and starts a container from the mount plan. The plan's
// environment is re-checked here so no call path can skip the credential
// assertion.
func (d *Docker) Start(ctx context.Context, spec CreateSpec) (string, error) {
	if err := gitiso.CheckEnv(spec.Plan.Env); err != nil {
		return "", err
	}

	mounts := make([]mount.Mount, 0, len(spec.Plan.Mounts))
	for _, m := range spec.Plan.Mounts {
		switch m.Type {
		case "tmpfs":
			mounts = append(mounts, mount.Mount{Type: mount.TypeTmpfs, Target: m.Target})
		default:
			mounts = append(mounts, mount.Mount{
				Type: mount.TypeBind, Source: m.Source, Target: m.Target, ReadOnly: m.ReadOnly,
			})
		}
	}

	resp, err := d.cli.ContainerCreate(ctx,
		&dcontainer.Config{
			Image:  spec.Image,
			Env:    spec.Plan.Env,
			Labels: spec.Labels,
		},
		&dcontainer.HostConfig{
			Mounts:      mounts,
			NetworkMode: dcontainer.NetworkMode(spec.NetworkMode),
			Resources: dcontainer.Resources{
				Memory:   int64(spec.MemoryMB) * 1024 * 1024,
				NanoCPUs: int64(spec.CPUs * 1e9),
			},
		},
		nil, nil, spec.Name)
	if err != nil {
		return "", fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := d.cli.ContainerStart(ctx, resp.ID, dcontainer.StartOptions{}); err != nil {
		return "", fmt.Errorf("start container %s: %w", spec.Name, err)
	}
	slog.Info("container started", "name", spec.Name, "id", resp.ID[:12])
	return resp.ID, nil
}

// Stop stops and removes a container.
func (d *Docker) Stop(ctx context.Context, id string, timeout time.Duration) error {
	secs := int(timeout.Seconds())
	if err := d.cli.ContainerStop(ctx, id, dcontainer.StopOptions{Timeout: &secs}); err != nil {
		slog.Warn("container stop failed, forcing removal", "id", id, "error", err)
	}
	if err := d.cli.ContainerRemove(ctx, id, dcontainer.RemoveOptions{Force: true, RemoveVolumes: true}); err != nil {
		return fmt.Errorf("remove container %s: %w", id, err)
	}
	return nil
}

// ExecResult is a completed in-container command.
type ExecResult struct {
	ExitCode int
}

// Exec runs argv in a running container, demultiplexing the attached
// stream into the given writers. Blocks until the command exits or ctx
// is cancelled.
func (d *Docker) Exec(ctx context.Context, id string, argv []string, env []string, stdout, stderr io.Writer) (ExecResult, error) {
	if err := gitiso.CheckEnv(env); err != nil {
		return ExecResult{}, err
	}

	execID, err := d.cli.ContainerExecCreate(ctx, id, dcontainer.ExecOptions{
		Cmd:          argv,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec create: %w", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execID.ID, dcontainer.ExecStartOptions{})
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec attach: %w", err)
	}
	defer attach.Close()

	done := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil && err != io.EOF {
			return ExecResult{}, fmt.Errorf("exec stream: %w", err)
		}
	case <-ctx.Done():
		return ExecResult{ExitCode: -1}, ctx.Err()
	}

	inspect, err := d.cli.ContainerExecInspect(ctx, execID.ID)
	if err != nil {
		return ExecResult{}, fmt.Errorf("exec inspect: %w", err)
	}
	return ExecResult{ExitCode: inspect.ExitCode}, nil
}

// Running is a reduced view of an active sandbox container.
type Running struct {
	ID    string
	Name  string
	State string
}

// ListByLabel returns containers carrying the given label. An empty value
// matches any value of the label.
func (d *Docker) ListByLabel(ctx context.Context, key, value string) ([]Running, error) {
	args := filters.NewArgs()
	if value == "" {
		args.Add("label", key)
	} else {
		args.Add("label", fmt.Sprintf("%s=%s", key, value))
	}
	list, err := d.cli.ContainerList(ctx, dcontainer.ListOptions{All: true, Filters: args})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}
	out := make([]Running, 0, len(list))
	for _, c := range list {
		name := ""
		if len(c.Names) > 0 {
			name = c.Names[0]
			if name != "" && name[0] == '/' {
				name = name[1:]
			}
		}
		out = append(out, Running{ID: c.ID, Name: name, State: c.State})
	}
	return out, nil
}

// Wait blocks until the container stops and returns its exit code.
func (d *Docker) Wait(ctx context.Context, id string) (int64, error) {
	statusCh, errCh := d.cli.ContainerWait(ctx, id, dcontainer.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, fmt.Errorf("wait for container %s: %w", id, err)
	case status := <-statusCh:
		return status.StatusCode, nil
	case <-ctx.Done():
		return -1, ctx.Err()
	}
}
