package container

import (
	"context"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/layers"
	"github.com/cookos/cook/pkg/policy"
	"github.com/cookos/cook/pkg/rpc"
)

type fakeInit struct {
	pid       int
	execCalls []string
	execArgs  [][]string
	execEnv   [][]string
	signals   []int
	pushed    map[string][]byte
	shutdown  bool
}

func newFakeInit(pid int) *fakeInit {
	return &fakeInit{pid: pid, pushed: map[string][]byte{}}
}

func (f *fakeInit) Pid() int { return f.pid }

func (f *fakeInit) Exec(ctx context.Context, program string, args []string, env []string, wait bool) (int, int, error) {
	f.execCalls = append(f.execCalls, program)
	f.execArgs = append(f.execArgs, args)
	f.execEnv = append(f.execEnv, env)
	return 4242, 0, nil
}

func (f *fakeInit) Signal(ctx context.Context, pid int, sig syscall.Signal) error {
	f.signals = append(f.signals, pid)
	return nil
}

func (f *fakeInit) PushFile(ctx context.Context, destPath string, data []byte, mode uint32) error {
	f.pushed[destPath] = data
	return nil
}

func (f *fakeInit) PullFile(ctx context.Context, srcPath string) ([]byte, uint32, error) {
	return []byte("content"), 0o644, nil
}

func (f *fakeInit) Shutdown(ctx context.Context) error {
	f.shutdown = true
	return nil
}

func fakeCompose(containerID string, layerList []layers.Layer, hostBaseDir string) (*layers.LayerContext, error) {
	return &layers.LayerContext{RootPath: "/tmp/fake-root-" + containerID}, nil
}

func newTestManager() (*Manager, *fakeInit) {
	fake := newFakeInit(100)
	m := NewManager("/tmp", nil, func(id, root string, pol *policy.Policy) (Init, error) {
		return fake, nil
	})
	m.compose = fakeCompose
	return m, fake
}

func TestCreateGeneratesIDAndTransitionsToRunning(t *testing.T) {
	m, _ := newTestManager()
	c, err := m.Create(context.Background(), CreateRequest{
		Layers: []layers.Layer{{Kind: layers.BaseRootfs, Target: "/"}},
		Policy: policy.New(policy.Minimal, policy.DefaultConfig()),
	})
	require.NoError(t, err)
	assert.Len(t, c.ID, idLength)
	assert.Equal(t, StateRunning, c.state())
}

func TestCreateRejectsDuplicateID(t *testing.T) {
	m, _ := newTestManager()
	req := CreateRequest{ID: "fixed-id", Layers: []layers.Layer{{Kind: layers.BaseRootfs, Target: "/"}}}
	_, err := m.Create(context.Background(), req)
	require.NoError(t, err)
	_, err = m.Create(context.Background(), req)
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidArgument, errkind.Of(err))
}

func TestSpawnOnUnknownContainerFails(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Spawn(context.Background(), rpc.SpawnParams{ContainerID: "nope", Command: "/bin/true"})
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestSpawnSplitsCommandAndDecodesEnv(t *testing.T) {
	m, fake := newTestManager()
	_, err := m.Create(context.Background(), CreateRequest{
		ID:     "A",
		Layers: []layers.Layer{{Kind: layers.BaseRootfs, Target: "/"}},
	})
	require.NoError(t, err)

	envFlat, envCount := rpc.FlattenEnv([]string{"FOO=bar"})
	pid, err := m.Spawn(context.Background(), rpc.SpawnParams{
		ContainerID:      "A",
		Command:          "/bin/true arg1 arg2",
		Environment:      envFlat,
		EnvironmentCount: envCount,
	})
	require.NoError(t, err)
	assert.Equal(t, 4242, pid)
	assert.Equal(t, []string{"/bin/true"}, fake.execCalls)
	assert.Equal(t, [][]string{{"arg1", "arg2"}}, fake.execArgs)
	assert.Equal(t, [][]string{{"FOO=bar"}}, fake.execEnv)
}

func TestExecWaitReturnsExitCode(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Create(context.Background(), CreateRequest{
		ID:     "A",
		Layers: []layers.Layer{{Kind: layers.BaseRootfs, Target: "/"}},
	})
	require.NoError(t, err)

	code, err := m.ExecWait(context.Background(), "A", "/bin/true", nil, nil)
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}

func TestExecWaitOnUnknownContainerFails(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.ExecWait(context.Background(), "nope", "/bin/true", nil, nil)
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestSplitCommand(t *testing.T) {
	prog, args := splitCommand("/bin/true")
	assert.Equal(t, "/bin/true", prog)
	assert.Nil(t, args)

	prog, args = splitCommand("/bin/echo hello world")
	assert.Equal(t, "/bin/echo", prog)
	assert.Equal(t, []string{"hello", "world"}, args)
}

func TestDestroyThenSpawnFails(t *testing.T) {
	m, _ := newTestManager()
	_, err := m.Create(context.Background(), CreateRequest{
		ID:     "A",
		Layers: []layers.Layer{{Kind: layers.BaseRootfs, Target: "/"}},
	})
	require.NoError(t, err)

	require.NoError(t, m.Destroy("A"))

	_, err = m.Spawn(context.Background(), rpc.SpawnParams{ContainerID: "A", Command: "/bin/true"})
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestDestroyUnknownContainerFails(t *testing.T) {
	m, _ := newTestManager()
	err := m.Destroy("nope")
	require.Error(t, err)
	assert.Equal(t, errkind.NotFound, errkind.Of(err))
}

func TestKillSignalsInit(t *testing.T) {
	m, fake := newTestManager()
	_, err := m.Create(context.Background(), CreateRequest{
		ID:     "A",
		Layers: []layers.Layer{{Kind: layers.BaseRootfs, Target: "/"}},
	})
	require.NoError(t, err)

	require.NoError(t, m.Kill(context.Background(), "A", 4242, syscall.SIGTERM))
	assert.Equal(t, []int{4242}, fake.signals)
}
