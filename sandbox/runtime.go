// Package sandbox provides secure command execution capabilities.
//
// This file defines the ContainerRuntime contract — the minimal
// create/exec/stop/remove/ping capability the engine needs from a container
// engine — and its Docker SDK implementation. Any client satisfying the
// interface is pluggable; tests substitute an in-memory fake.
package sandbox

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/strslice"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// ContainerSpec describes a warm container to create. The container runs a
// keepalive command and receives work via exec, so one container serves many
// executions.
type ContainerSpec struct {
	Name        string
	Image       string
	WorkingDir  string
	Env         []string
	MemoryBytes int64
	CPUQuota    float64
	NetworkMode NetworkMode
	Mounts      []Mount
}

// ExecOutput is the demuxed outcome of one in-container exec.
type ExecOutput struct {
	Stdout   string
	Stderr   string
	ExitCode int
}

// ContainerRuntime is the engine-facing slice of a container engine client.
type ContainerRuntime interface {
	// Ping reports whether the engine daemon is reachable.
	Ping(ctx context.Context) error

	// CreateContainer creates and starts a warm container per spec,
	// addressable by spec.Name.
	CreateContainer(ctx context.Context, spec ContainerSpec) error

	// ExecContainer runs one command inside a running container and
	// captures its demuxed output and exit code.
	ExecContainer(ctx context.Context, name string, cmd, env []string, workingDir string) (ExecOutput, error)

	// StopContainer stops a running container, best-effort.
	StopContainer(ctx context.Context, name string) error

	// RemoveContainer force-removes a container, running or not.
	RemoveContainer(ctx context.Context, name string) error

	// Close releases the client connection.
	Close() error
}

const (
	containerStopTimeoutSec = 5
	containerPidsLimit      = 256
	execPollInterval        = 100 * time.Millisecond
)

// dockerRuntime implements ContainerRuntime with the Docker SDK.
type dockerRuntime struct {
	cli *client.Client
}

// NewDockerRuntime builds a Docker-backed ContainerRuntime from the
// environment (DOCKER_HOST etc.), negotiating the API version.
func NewDockerRuntime() (ContainerRuntime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, newError(KindBackendUnavailable, "docker client init", err)
	}
	return &dockerRuntime{cli: cli}, nil
}

func (d *dockerRuntime) Ping(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return newError(KindBackendUnavailable, "docker ping", err)
	}
	return nil
}

func (d *dockerRuntime) CreateContainer(ctx context.Context, spec ContainerSpec) error {
	workingDir := spec.WorkingDir
	if workingDir == "" {
		workingDir = "/home/sandbox"
	}

	cfg := &container.Config{
		Image:      spec.Image,
		Cmd:        []string{"sleep", "infinity"},
		Entrypoint: []string{},
		WorkingDir: workingDir,
		Env:        spec.Env,
	}

	pids := int64(containerPidsLimit)
	hostCfg := &container.HostConfig{
		// Hardening applied to every pooled container, not negotiable at
		// the request level.
		CapDrop:        strslice.StrSlice{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":          "rw,nosuid,size=64m",
			"/home/sandbox": "rw,nosuid,size=64m",
		},
		NetworkMode: networkModeFor(spec.NetworkMode),
		Resources: container.Resources{
			PidsLimit: &pids,
		},
	}
	if spec.MemoryBytes > 0 {
		hostCfg.Resources.Memory = spec.MemoryBytes
		// Swap equal to memory disables swap entirely: exceeding the limit
		// means OOM kill, not slow death.
		hostCfg.Resources.MemorySwap = spec.MemoryBytes
	}
	if spec.CPUQuota > 0 {
		hostCfg.Resources.NanoCPUs = int64(spec.CPUQuota * 1e9)
	}
	for _, m := range spec.Mounts {
		bind := fmt.Sprintf("%s:%s", m.HostPath, m.ContainerPath)
		if m.ReadOnly {
			bind += ":ro"
		}
		hostCfg.Binds = append(hostCfg.Binds, bind)
	}

	if _, err := d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name); err != nil {
		if !client.IsErrNotFound(err) {
			return newError(KindInternal, "docker container create", err)
		}
		// Image absent locally: pull once and retry.
		if pullErr := d.pullImage(ctx, spec.Image); pullErr != nil {
			return pullErr
		}
		if _, err = d.cli.ContainerCreate(ctx, cfg, hostCfg, &network.NetworkingConfig{}, nil, spec.Name); err != nil {
			return newError(KindInternal, "docker container create", err)
		}
	}

	if err := d.cli.ContainerStart(ctx, spec.Name, container.StartOptions{}); err != nil {
		_ = d.RemoveContainer(ctx, spec.Name)
		return newError(KindInternal, "docker container start", err)
	}
	return nil
}

func (d *dockerRuntime) pullImage(ctx context.Context, ref string) error {
	rc, err := d.cli.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return newError(KindInternal, "docker image pull", fmt.Errorf("image unavailable (%s): %w", ref, err))
	}
	defer rc.Close()
	if _, err := io.Copy(io.Discard, rc); err != nil {
		return newError(KindInternal, "docker image pull", err)
	}
	return nil
}

func (d *dockerRuntime) ExecContainer(ctx context.Context, name string, cmd, env []string, workingDir string) (ExecOutput, error) {
	execResp, err := d.cli.ContainerExecCreate(ctx, name, container.ExecOptions{
		Cmd:          cmd,
		Env:          env,
		WorkingDir:   workingDir,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return ExecOutput{}, newError(KindInternal, "docker exec create", err)
	}

	attach, err := d.cli.ContainerExecAttach(ctx, execResp.ID, container.ExecStartOptions{})
	if err != nil {
		return ExecOutput{}, newError(KindInternal, "docker exec attach", err)
	}
	defer attach.Close()

	// Force-close the hijacked connection when the context expires so
	// stdcopy cannot block forever on a hung container.
	go func() {
		<-ctx.Done()
		attach.Close()
	}()

	var stdout, stderr bytes.Buffer
	_, err = stdcopy.StdCopy(
		&limitedWriter{w: &stdout, remaining: maxOutputBytes},
		&limitedWriter{w: &stderr, remaining: maxOutputBytes},
		attach.Reader,
	)
	if err != nil && err != io.EOF {
		if ctx.Err() != nil {
			return ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}, ctx.Err()
		}
		return ExecOutput{}, newError(KindInternal, "docker exec read", err)
	}

	exitCode, err := d.waitExecDone(ctx, execResp.ID)
	if err != nil {
		return ExecOutput{Stdout: stdout.String(), Stderr: stderr.String()}, err
	}

	return ExecOutput{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		ExitCode: exitCode,
	}, nil
}

// waitExecDone polls the exec instance until it reports completion.
func (d *dockerRuntime) waitExecDone(ctx context.Context, execID string) (int, error) {
	ticker := time.NewTicker(execPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return -1, ctx.Err()
		case <-ticker.C:
			ins, err := d.cli.ContainerExecInspect(ctx, execID)
			if err != nil {
				return -1, newError(KindInternal, "docker exec inspect", err)
			}
			if !ins.Running {
				return ins.ExitCode, nil
			}
		}
	}
}

func (d *dockerRuntime) StopContainer(ctx context.Context, name string) error {
	timeout := containerStopTimeoutSec
	if err := d.cli.ContainerStop(ctx, name, container.StopOptions{Timeout: &timeout}); err != nil {
		return newError(KindInternal, "docker container stop", err)
	}
	return nil
}

func (d *dockerRuntime) RemoveContainer(ctx context.Context, name string) error {
	if err := d.cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if client.IsErrNotFound(err) {
			return nil
		}
		return newError(KindInternal, "docker container remove", err)
	}
	return nil
}

func (d *dockerRuntime) Close() error {
	return d.cli.Close()
}

func networkModeFor(mode NetworkMode) container.NetworkMode {
	if mode == NetworkBridge {
		return container.NetworkMode("bridge")
	}
	// Isolation by default: anything other than an explicit bridge request
	// gets no network stack at all.
	return container.NetworkMode("none")
}
