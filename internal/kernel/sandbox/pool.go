// Package sandbox maintains a pre-warmed pool of gVisor-isolated
// containers that back the async AgentSpawn syscall: spawning an agent
// means handing it an already-running, network-jailed sandbox rather
// than paying container-create latency on the syscall's critical path.
package sandbox

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
)

// Instance is one recyclable sandbox, identified by its Docker
// container ID and currently bound to at most one agent.
type Instance struct {
	ID        string
	BoundToken string // capability token of the agent currently occupying it
	LastUsed  time.Time
}

// Pool manages the lifecycle of Instances: prewarm -> acquire -> scrub
// -> release, mirroring the teacher's ghost-container pool but keyed on
// capability token rather than tenant.
type Pool struct {
	mu          sync.Mutex
	available   chan *Instance
	active      map[string]*Instance
	minIdle     int
	maxCapacity int
	image       string
	runtime     string
	memLimitMB  int64
	stopCh      chan struct{}
}

// Config configures a sandbox Pool.
type Config struct {
	Image      string
	MinIdle    int
	MaxCap     int
	Runtime    string // e.g. "runsc" for gVisor
	MemLimitMB int64
}

// NewPool constructs a Pool and starts its background prewarm loop.
func NewPool(cfg Config) *Pool {
	if cfg.MaxCap <= 0 {
		cfg.MaxCap = 20
	}
	if cfg.Runtime == "" {
		cfg.Runtime = "runsc"
	}
	if cfg.MemLimitMB == 0 {
		cfg.MemLimitMB = 512
	}
	p := &Pool{
		available:   make(chan *Instance, cfg.MaxCap),
		active:      make(map[string]*Instance),
		minIdle:     cfg.MinIdle,
		maxCapacity: cfg.MaxCap,
		image:       cfg.Image,
		runtime:     cfg.Runtime,
		memLimitMB:  cfg.MemLimitMB,
		stopCh:      make(chan struct{}),
	}
	go p.maintain()
	return p
}

// Acquire blocks until a prewarmed Instance is available (or ctx is
// cancelled) and binds it to tokenID. This is invoked from the async
// worker that completes an AgentSpawn handle, never on the syscall's
// synchronous dispatch path.
func (p *Pool) Acquire(ctx context.Context, tokenID string) (*Instance, error) {
	select {
	case inst := <-p.available:
		p.mu.Lock()
		p.active[inst.ID] = inst
		p.mu.Unlock()

		inst.LastUsed = time.Now()
		inst.BoundToken = tokenID
		return inst, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release scrubs inst's filesystem state and returns it to the
// available pool, or destroys it if scrubbing fails.
func (p *Pool) Release(inst *Instance) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		if err := p.scrub(ctx, inst); err != nil {
			slog.Warn("sandbox: scrub failed, destroying instance", "id", inst.ID, "error", err)
			p.destroy(ctx, inst)
			return
		}

		p.mu.Lock()
		delete(p.active, inst.ID)
		p.mu.Unlock()
		inst.BoundToken = ""
		p.available <- inst
	}()
}

func (p *Pool) scrub(ctx context.Context, inst *Instance) error {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return err
	}
	defer cli.Close()

	execConfig := types.ExecConfig{
		User:         "root",
		AttachStdout: true,
		AttachStderr: true,
		Cmd:          []string{"/bin/sh", "-c", "rm -rf /tmp/agent-state/* && pkill -u sandboxuser"},
	}

	execID, err := cli.ContainerExecCreate(ctx, inst.ID, execConfig)
	if err != nil {
		return fmt.Errorf("create scrub exec: %w", err)
	}
	if err := cli.ContainerExecStart(ctx, execID.ID, types.ExecStartCheck{}); err != nil {
		return fmt.Errorf("start scrub exec: %w", err)
	}
	return nil
}

func (p *Pool) maintain() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.mu.Lock()
			activeCount := len(p.active)
			p.mu.Unlock()

			availableCount := len(p.available)
			total := activeCount + availableCount

			if availableCount < p.minIdle && total < p.maxCapacity {
				deficit := p.minIdle - availableCount
				for i := 0; i < deficit; i++ {
					if activeCount+availableCount+i >= p.maxCapacity {
						break
					}
					go p.create()
				}
			}
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) create() {
	ctx := context.Background()
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Warn("sandbox: docker client error", "error", err)
		return
	}
	defer cli.Close()

	hostConfig := &container.HostConfig{
		Runtime:        p.runtime,
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Resources: container.Resources{
			NanoCPUs: 1_000_000_000,
			Memory:   p.memLimitMB * 1024 * 1024,
		},
		Tmpfs: map[string]string{
			"/tmp": "rw,noexec,nosuid,size=64m",
		},
	}

	resp, err := cli.ContainerCreate(ctx, &container.Config{
		Image: p.image,
		Tty:   false,
		Cmd:   []string{"sleep", "infinity"},
	}, hostConfig, nil, nil, "")
	if err != nil {
		slog.Warn("sandbox: failed to create instance", "error", err)
		return
	}

	if err := cli.ContainerStart(ctx, resp.ID, types.ContainerStartOptions{}); err != nil {
		slog.Warn("sandbox: failed to start instance", "error", err)
		return
	}

	p.available <- &Instance{ID: resp.ID, LastUsed: time.Now()}
	slog.Info("sandbox: instance prewarmed", "id", shortID(resp.ID))
}

func (p *Pool) destroy(ctx context.Context, inst *Instance) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		slog.Warn("sandbox: client error during destroy", "error", err)
		return
	}
	defer cli.Close()

	if err := cli.ContainerRemove(ctx, inst.ID, types.ContainerRemoveOptions{Force: true}); err != nil {
		slog.Warn("sandbox: force remove failed", "id", inst.ID, "error", err)
	}
}

// Stop halts the background prewarm loop.
func (p *Pool) Stop() { close(p.stopCh) }

// Stats reports current pool occupancy.
func (p *Pool) Stats() map[string]int {
	p.mu.Lock()
	activeCount := len(p.active)
	p.mu.Unlock()

	return map[string]int{
		"active":   activeCount,
		"idle":     len(p.available),
		"capacity": p.maxCapacity,
		"min_idle": p.minIdle,
	}
}

func shortID(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
