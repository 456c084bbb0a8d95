// Package container implements component F: the container lifecycle state
// machine (New -> Composed -> Running -> Destroyed) and the Create, Spawn,
// Transfer, Kill and Destroy operations the build executor (component G)
// drives it with. It composes component E for the rootfs, component D for
// the BPF allow-map when available, and talks to the container's init
// process through the Init interface (production wiring is cvdinit.Dial,
// which both daemons pass to NewManager; it starts the init process
// directly, with no control socket in between).
package container

import (
	"context"
	"crypto/rand"
	"os"
	"strings"
	"sync"
	"syscall"

	"github.com/moby/sys/capability"

	"github.com/cookos/cook/pkg/bpfpolicy"
	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/layers"
	"github.com/cookos/cook/pkg/policy"
	"github.com/cookos/cook/pkg/rpc"
)

// State is a position in the container lifecycle state machine.
type State int

const (
	StateNew State = iota
	StateComposed
	StateRunning
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateComposed:
		return "composed"
	case StateRunning:
		return "running"
	case StateDestroyed:
		return "destroyed"
	default:
		return "unknown"
	}
}

// Capability is a bit in the coarse capability subset Create accepts.
type Capability uint8

const (
	CapFilesystem Capability = 1 << iota
	CapProcessControl
	CapIPC
)

var filesystemCaps = []capability.Cap{
	capability.CAP_CHOWN, capability.CAP_DAC_OVERRIDE, capability.CAP_FOWNER,
	capability.CAP_MKNOD, capability.CAP_SYS_CHROOT,
}

var processControlCaps = []capability.Cap{
	capability.CAP_KILL, capability.CAP_SETUID, capability.CAP_SETGID,
	capability.CAP_SETPCAP, capability.CAP_SYS_PTRACE,
}

var ipcCaps = []capability.Cap{
	capability.CAP_IPC_LOCK, capability.CAP_IPC_OWNER,
}

// Init is the control-socket interface to a container's init process.
type Init interface {
	Pid() int
	Exec(ctx context.Context, program string, args []string, env []string, wait bool) (pid int, exitCode int, err error)
	Signal(ctx context.Context, pid int, sig syscall.Signal) error
	PushFile(ctx context.Context, destPath string, data []byte, mode uint32) error
	PullFile(ctx context.Context, srcPath string) (data []byte, mode uint32, err error)
	Shutdown(ctx context.Context) error
}

// InitDialer starts or connects to a container's init process once its
// rootfs is composed at rootPath. pol is threaded through so the dialer can
// install the policy's syscall filter (component C) in the grandchild
// process before it execs, the seccomp fallback §4.C requires whenever the
// BPF LSM (component D) is unavailable.
type InitDialer func(containerID, rootPath string, pol *policy.Policy) (Init, error)

// Container is one entry in the Manager's registry.
type Container struct {
	mu       sync.Mutex
	ID       string
	State    State
	LayerCtx *layers.LayerContext
	Policy   *policy.Policy
	Caps     Capability
	init     Init
}

func (c *Container) state() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.State
}

// CreateRequest is Create's input. ID is optional: empty means "generate
// one" (16-char alphanumeric, from a CSPRNG).
type CreateRequest struct {
	ID     string
	Layers []layers.Layer
	Policy *policy.Policy
	Caps   Capability
}

// Manager owns the container registry plus the collaborators every
// container needs at creation: a host scratch directory for layer
// composition, the (optional) BPF policy manager, and the init dialer.
type Manager struct {
	mu          sync.Mutex
	containers  map[string]*Container
	hostBaseDir string
	bpf         *bpfpolicy.Manager
	dial        InitDialer
	compose     func(containerID string, layerList []layers.Layer, hostBaseDir string) (*layers.LayerContext, error)
}

// Option customizes a Manager at construction time.
type Option func(*Manager)

// WithComposer overrides the layer-composition function a Manager calls
// from Create, defaulting to layers.Compose. Tests outside this package
// use it to substitute a fake that never touches real mounts.
func WithComposer(compose func(containerID string, layerList []layers.Layer, hostBaseDir string) (*layers.LayerContext, error)) Option {
	return func(m *Manager) { m.compose = compose }
}

func NewManager(hostBaseDir string, bpf *bpfpolicy.Manager, dial InitDialer, opts ...Option) *Manager {
	m := &Manager{
		containers:  map[string]*Container{},
		hostBaseDir: hostBaseDir,
		bpf:         bpf,
		dial:        dial,
		compose:     layers.Compose,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

const idAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
const idLength = 16

func generateID() (string, error) {
	buf := make([]byte, idLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	out := make([]byte, idLength)
	for i, b := range buf {
		out[i] = idAlphabet[int(b)%len(idAlphabet)]
	}
	return string(out), nil
}

// Create composes the requested layers, populates the BPF allow-map if
// available, starts the container init and applies the requested
// capability subset to it. Any failure unwinds everything done so far.
func (m *Manager) Create(ctx context.Context, req CreateRequest) (*Container, error) {
	id := req.ID
	if id == "" {
		gen, err := generateID()
		if err != nil {
			return nil, errkind.Wrap(errkind.InternalError, err, "generating container id")
		}
		id = gen
	}

	m.mu.Lock()
	if _, exists := m.containers[id]; exists {
		m.mu.Unlock()
		return nil, errkind.New(errkind.InvalidArgument, "container id %s already exists", id)
	}
	m.mu.Unlock()

	layerCtx, err := m.compose(id, req.Layers, m.hostBaseDir)
	if err != nil {
		return nil, errkind.Wrap(errkind.RootfsSetupFailed, err, "composing layers for %s", id)
	}

	c := &Container{ID: id, State: StateComposed, LayerCtx: layerCtx, Policy: req.Policy, Caps: req.Caps}

	if m.bpf != nil && req.Policy != nil {
		if err := m.bpf.Populate(id, layerCtx.RootPath, req.Policy); err != nil {
			layerCtx.Teardown()
			return nil, errkind.Wrap(errkind.InternalError, err, "populating BPF allow-map for %s", id)
		}
	}

	init, err := m.dial(id, layerCtx.RootPath, req.Policy)
	if err != nil {
		if m.bpf != nil {
			m.bpf.Cleanup(id)
		}
		layerCtx.Teardown()
		return nil, errkind.Wrap(errkind.InternalError, err, "starting container init for %s", id)
	}

	if req.Caps != 0 {
		if err := applyCapabilities(init.Pid(), req.Caps); err != nil {
			init.Shutdown(ctx)
			if m.bpf != nil {
				m.bpf.Cleanup(id)
			}
			layerCtx.Teardown()
			return nil, err
		}
	}

	c.init = init
	c.mu.Lock()
	c.State = StateRunning
	c.mu.Unlock()

	m.mu.Lock()
	m.containers[id] = c
	m.mu.Unlock()
	return c, nil
}

func (m *Manager) get(id string) (*Container, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.containers[id]
	if !ok {
		return nil, errkind.New(errkind.NotFound, "invalid container id %s", id)
	}
	return c, nil
}

func splitCommand(cmdline string) (program string, args []string) {
	trimmed := strings.TrimSpace(cmdline)
	parts := strings.SplitN(trimmed, " ", 2)
	if len(parts) == 1 {
		return parts[0], nil
	}
	return parts[0], strings.Fields(parts[1])
}

// Spawn execs a command inside an existing container over its control
// socket, per spawn_params' wire shape (§6).
func (m *Manager) Spawn(ctx context.Context, p rpc.SpawnParams) (pid int, err error) {
	c, err := m.get(p.ContainerID)
	if err != nil {
		return 0, err
	}
	if c.state() != StateRunning {
		return 0, errkind.New(errkind.NotFound, "container %s is not running", p.ContainerID)
	}

	program, args := splitCommand(p.Command)
	env := rpc.UnflattenEnv(p.Environment, p.EnvironmentCount)
	wait := p.Options&rpc.SpawnWait != 0

	pid, _, err = c.init.Exec(ctx, program, args, env, wait)
	if err != nil {
		return 0, errkind.Wrap(errkind.InternalError, err, "spawning %q in container %s", program, p.ContainerID)
	}
	return pid, nil
}

// ExecWait runs program inside containerID and blocks for its exit code.
// Unlike Spawn (which serves spawn_params' wire shape and only reports a
// pid), callers that need to know whether a command inside the container
// actually succeeded - the build executor's package installer, hook
// runner and oven - go through this instead.
func (m *Manager) ExecWait(ctx context.Context, containerID, program string, args, env []string) (int, error) {
	c, err := m.get(containerID)
	if err != nil {
		return 0, err
	}
	if c.state() != StateRunning {
		return 0, errkind.New(errkind.NotFound, "container %s is not running", containerID)
	}
	_, exitCode, err := c.init.Exec(ctx, program, args, env, true)
	if err != nil {
		return 0, errkind.Wrap(errkind.InternalError, err, "executing %q in container %s", program, containerID)
	}
	return exitCode, nil
}

// Transfer copies a single file across the container boundary. Downloaded
// files have their owner adjusted to the invoking host user.
func (m *Manager) Transfer(ctx context.Context, p rpc.FileParams) error {
	c, err := m.get(p.ContainerID)
	if err != nil {
		return err
	}

	switch p.Direction {
	case rpc.Upload:
		data, err := os.ReadFile(p.SourcePath)
		if err != nil {
			return errkind.Wrap(errkind.IOFailure, err, "reading upload source %s", p.SourcePath)
		}
		if err := c.init.PushFile(ctx, p.DestinationPath, data, 0o644); err != nil {
			return errkind.Wrap(errkind.IOFailure, err, "pushing to %s in container %s", p.DestinationPath, p.ContainerID)
		}
		return nil

	case rpc.Download:
		data, mode, err := c.init.PullFile(ctx, p.SourcePath)
		if err != nil {
			return errkind.Wrap(errkind.IOFailure, err, "pulling %s from container %s", p.SourcePath, p.ContainerID)
		}
		if err := os.WriteFile(p.DestinationPath, data, os.FileMode(mode)); err != nil {
			return errkind.Wrap(errkind.IOFailure, err, "writing download destination %s", p.DestinationPath)
		}
		if err := os.Chown(p.DestinationPath, os.Getuid(), os.Getgid()); err != nil {
			return errkind.Wrap(errkind.IOFailure, err, "adjusting owner of %s", p.DestinationPath)
		}
		return nil

	default:
		return errkind.New(errkind.InvalidArgument, "unknown transfer direction %d", p.Direction)
	}
}

// Kill signals a specific pid running inside a container.
func (m *Manager) Kill(ctx context.Context, containerID string, pid int, sig syscall.Signal) error {
	c, err := m.get(containerID)
	if err != nil {
		return err
	}
	if err := c.init.Signal(ctx, pid, sig); err != nil {
		return errkind.Wrap(errkind.InternalError, err, "signaling pid %d in container %s", pid, containerID)
	}
	return nil
}

// Destroy removes the container from the registry first so no new
// operation can find it mid-teardown, then cleans up the BPF map, the
// init process and the layer context, continuing past sub-step failures
// and reporting the worst one.
func (m *Manager) Destroy(containerID string) error {
	m.mu.Lock()
	c, ok := m.containers[containerID]
	if ok {
		delete(m.containers, containerID)
	}
	m.mu.Unlock()
	if !ok {
		return errkind.New(errkind.NotFound, "invalid container id %s", containerID)
	}

	var worst error
	if m.bpf != nil {
		if err := m.bpf.Cleanup(containerID); err != nil {
			worst = err
		}
	}
	if c.init != nil {
		if err := c.init.Shutdown(context.Background()); err != nil {
			worst = err
		}
	}
	if c.LayerCtx != nil {
		if err := c.LayerCtx.Teardown(); err != nil {
			worst = err
		}
	}

	c.mu.Lock()
	c.State = StateDestroyed
	c.mu.Unlock()

	if worst != nil {
		return errkind.Wrap(errkind.InternalError, worst, "destroying container %s", containerID)
	}
	return nil
}

func applyCapabilities(pid int, caps Capability) error {
	set, err := capability.NewPid2(pid)
	if err != nil {
		return errkind.Wrap(errkind.InternalError, err, "loading capability handle for pid %d", pid)
	}
	if err := set.Load(); err != nil {
		return errkind.Wrap(errkind.InternalError, err, "loading current capabilities for pid %d", pid)
	}

	var grant []capability.Cap
	if caps&CapFilesystem != 0 {
		grant = append(grant, filesystemCaps...)
	}
	if caps&CapProcessControl != 0 {
		grant = append(grant, processControlCaps...)
	}
	if caps&CapIPC != 0 {
		grant = append(grant, ipcCaps...)
	}

	set.Clear(capability.CAPS)
	set.Set(capability.EFFECTIVE|capability.PERMITTED|capability.INHERITABLE, grant...)
	if err := set.Apply(capability.CAPS); err != nil {
		return errkind.Wrap(errkind.InternalError, err, "applying capabilities to pid %d", pid)
	}
	return nil
}
