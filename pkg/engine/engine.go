// Package engine is the container-engine adapter: a thin, typed surface
// over the local containerd socket exposing exactly the operations the
// deploy orchestrator needs (pull, create, start, stop, remove, list,
// prune). Calls are synchronous and bounded by a caller-supplied context;
// the orchestrator, not this package, decides whether to retry.
package engine

import (
	"context"
	"fmt"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"

	"github.com/cuemby/ghosthands/pkg/log"
)

// DefaultNamespace is the containerd namespace the control plane manages.
const DefaultNamespace = "ghosthands"

// DefaultSocketPath is the default containerd socket location.
const DefaultSocketPath = "/run/containerd/containerd.sock"

// CreateSpec describes a container to create.
type CreateSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         []string
	HostNetwork bool
	Labels      map[string]string
}

// ContainerInfo is a simplified view of a listed container.
type ContainerInfo struct {
	ID      string
	Image   string
	Running bool
	Labels  map[string]string
}

// Error wraps a failure from an engine call with the original message, so
// callers can distinguish "the engine said no" from a Go-level bug.
type Error struct {
	Op  string
	Err error
}

func (e *Error) Error() string { return fmt.Sprintf("engine: %s: %v", e.Op, e.Err) }
func (e *Error) Unwrap() error { return e.Err }

func wrap(op string, err error) error {
	if err == nil {
		return nil
	}
	return &Error{Op: op, Err: err}
}

// Engine is the capability the deploy orchestrator depends on. Production
// wires *ContainerdEngine; tests wire an in-memory fake.
type Engine interface {
	PullImage(ctx context.Context, image, tag, registryToken string) error
	CreateContainer(ctx context.Context, spec CreateSpec) (string, error)
	StartContainer(ctx context.Context, id string) error
	StopContainer(ctx context.Context, id string, grace time.Duration) error
	RemoveContainer(ctx context.Context, id string) error
	ListContainers(ctx context.Context, includeNonRunning bool) ([]ContainerInfo, error)
	PruneImages(ctx context.Context) (int64, error)
	Close() error
}

// ContainerdEngine implements Engine over a containerd client.
type ContainerdEngine struct {
	client    *containerd.Client
	namespace string
}

// NewContainerdEngine dials the containerd socket at socketPath (or
// DefaultSocketPath when empty).
func NewContainerdEngine(socketPath string) (*ContainerdEngine, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}
	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, wrap("connect", err)
	}
	return &ContainerdEngine{client: client, namespace: DefaultNamespace}, nil
}

func (e *ContainerdEngine) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func (e *ContainerdEngine) ctx(ctx context.Context) context.Context {
	return namespaces.WithNamespace(ctx, e.namespace)
}

// PullImage pulls the full image reference ref. The registryToken
// argument is accepted but not used: the pull goes through the client's
// default resolver, which sends no registry credentials.
func (e *ContainerdEngine) PullImage(ctx context.Context, ref, _, registryToken string) error {
	ctx = e.ctx(ctx)
	opts := []containerd.RemoteOpt{containerd.WithPullUnpack}
	if registryToken != "" {
		// No resolver is configured on the client, so the token is
		// dropped here.
		_ = registryToken
	}
	_, err := e.client.Pull(ctx, ref, opts...)
	if err != nil {
		return wrap("pull "+ref, err)
	}
	return nil
}

// CreateContainer creates (but does not start) a container.
func (e *ContainerdEngine) CreateContainer(ctx context.Context, spec CreateSpec) (string, error) {
	ctx = e.ctx(ctx)

	image, err := e.client.GetImage(ctx, spec.Image)
	if err != nil {
		return "", wrap("get image "+spec.Image, err)
	}

	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithEnv(spec.Env),
	}
	if len(spec.Command) > 0 {
		opts = append(opts, oci.WithProcessArgs(spec.Command...))
	}
	if spec.HostNetwork {
		opts = append(opts, oci.WithHostNamespace(oci.NetworkNamespace))
		opts = append(opts, oci.WithHostHostsFile, oci.WithHostResolvconf)
	}

	ctr, err := e.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
		containerd.WithContainerLabels(spec.Labels),
	)
	if err != nil {
		return "", wrap("create "+spec.Name, err)
	}
	return ctr.ID(), nil
}

// StartContainer starts a previously created container.
func (e *ContainerdEngine) StartContainer(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)
	ctr, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return wrap("load "+id, err)
	}
	task, err := ctr.NewTask(ctx, cio.NullIO)
	if err != nil {
		return wrap("new task "+id, err)
	}
	if err := task.Start(ctx); err != nil {
		return wrap("start "+id, err)
	}
	return nil
}

// StopContainer sends SIGTERM, waits up to grace for exit, then SIGKILLs.
func (e *ContainerdEngine) StopContainer(ctx context.Context, id string, grace time.Duration) error {
	ctx = e.ctx(ctx)
	ctr, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		return wrap("load "+id, err)
	}
	task, err := ctr.Task(ctx, nil)
	if err != nil {
		// No task: container isn't running, nothing to stop.
		return nil
	}

	stopCtx, cancel := context.WithTimeout(ctx, grace)
	defer cancel()

	if err := task.Kill(stopCtx, syscall.SIGTERM); err != nil {
		return wrap("sigterm "+id, err)
	}

	statusC, err := task.Wait(stopCtx)
	if err != nil {
		return wrap("wait "+id, err)
	}

	select {
	case <-statusC:
	case <-stopCtx.Done():
		if err := task.Kill(ctx, syscall.SIGKILL); err != nil {
			return wrap("sigkill "+id, err)
		}
	}

	if _, err := task.Delete(ctx); err != nil {
		return wrap("delete task "+id, err)
	}
	return nil
}

// RemoveContainer deletes the container and its snapshot.
func (e *ContainerdEngine) RemoveContainer(ctx context.Context, id string) error {
	ctx = e.ctx(ctx)
	ctr, err := e.client.LoadContainer(ctx, id)
	if err != nil {
		// Already gone.
		return nil
	}
	if err := ctr.Delete(ctx, containerd.WithSnapshotCleanup); err != nil {
		return wrap("remove "+id, err)
	}
	return nil
}

// ListContainers lists containers in the managed namespace.
func (e *ContainerdEngine) ListContainers(ctx context.Context, includeNonRunning bool) ([]ContainerInfo, error) {
	ctx = e.ctx(ctx)
	containers, err := e.client.Containers(ctx)
	if err != nil {
		return nil, wrap("list", err)
	}

	out := make([]ContainerInfo, 0, len(containers))
	for _, c := range containers {
		info, err := c.Info(ctx)
		if err != nil {
			continue
		}
		running := false
		if task, err := c.Task(ctx, nil); err == nil {
			if status, err := task.Status(ctx); err == nil {
				running = status.Status == containerd.Running
			}
		}
		if !running && !includeNonRunning {
			continue
		}
		out = append(out, ContainerInfo{
			ID:      c.ID(),
			Image:   info.Image,
			Running: running,
			Labels:  info.Labels,
		})
	}
	return out, nil
}

// PruneImages removes dangling images and returns the number of bytes
// reclaimed. This step is non-fatal for the caller by design.
func (e *ContainerdEngine) PruneImages(ctx context.Context) (int64, error) {
	ctx = e.ctx(ctx)

	images, err := e.client.ListImages(ctx)
	if err != nil {
		return 0, wrap("list images", err)
	}

	inUse := make(map[string]bool)
	containers, err := e.client.Containers(ctx)
	if err == nil {
		for _, c := range containers {
			if info, err := c.Info(ctx); err == nil {
				inUse[info.Image] = true
			}
		}
	}

	var reclaimed int64
	for _, img := range images {
		if inUse[img.Name()] {
			continue
		}
		size, err := img.Size(ctx)
		if err != nil {
			continue
		}
		if err := e.client.ImageService().Delete(ctx, img.Name()); err != nil {
			log.WithComponent("engine").Warn().Err(err).Str("image", img.Name()).Msg("prune: failed to delete image")
			continue
		}
		reclaimed += size
	}
	return reclaimed, nil
}
