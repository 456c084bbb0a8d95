package executor

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookos/cook/pkg/build"
	"github.com/cookos/cook/pkg/container"
	"github.com/cookos/cook/pkg/fridge"
	"github.com/cookos/cook/pkg/layers"
	"github.com/cookos/cook/pkg/log"
	"github.com/cookos/cook/pkg/policy"
	"github.com/cookos/cook/pkg/recipe"
	"github.com/cookos/cook/pkg/rpc"
)

type fakeInit struct{}

func (fakeInit) Pid() int { return 1 }
func (fakeInit) Exec(ctx context.Context, program string, args []string, env []string, wait bool) (int, int, error) {
	return 1, 0, nil
}
func (fakeInit) Signal(ctx context.Context, pid int, sig syscall.Signal) error { return nil }
func (fakeInit) PushFile(ctx context.Context, destPath string, data []byte, mode uint32) error {
	return nil
}
func (fakeInit) PullFile(ctx context.Context, srcPath string) ([]byte, uint32, error) {
	return nil, 0, nil
}
func (fakeInit) Shutdown(ctx context.Context) error { return nil }

func fakeCompose(containerID string, layerList []layers.Layer, hostBaseDir string) (*layers.LayerContext, error) {
	return &layers.LayerContext{RootPath: filepath.Join(hostBaseDir, containerID)}, nil
}

type fakeDownloader struct{ written string }

func (d *fakeDownloader) Download(ctx context.Context, url, destPath string) error {
	d.written = destPath
	return os.WriteFile(destPath, []byte("image"), 0o644)
}

type fakeUnpacker struct{ recipeJSON string }

func (u *fakeUnpacker) RemoteUnpack(ctx context.Context, imagePath, destDir string) error {
	return os.WriteFile(filepath.Join(destDir, "recipe.json"), []byte(u.recipeJSON), 0o644)
}

type fakePackages struct{ addCalls, removeCalls [][]string }

func (p *fakePackages) InstallDelta(ctx context.Context, containerID string, add, remove []string) error {
	p.addCalls = append(p.addCalls, add)
	p.removeCalls = append(p.removeCalls, remove)
	return nil
}

type fakeHooks struct{ ran []string }

func (h *fakeHooks) RunHook(ctx context.Context, containerID, script string) error {
	h.ran = append(h.ran, script)
	return nil
}

type fakeOven struct{ invoked []recipe.Step }

func (o *fakeOven) Invoke(ctx context.Context, containerID string, step recipe.Step) error {
	o.invoked = append(o.invoked, step)
	return nil
}

type fakePacker struct{ shouldPack bool }

func (p *fakePacker) Pack(ctx context.Context, sourcesDir, outputPath string) (bool, error) {
	if !p.shouldPack {
		return false, nil
	}
	return true, os.WriteFile(outputPath, []byte("packed"), 0o644)
}

type fakeUploader struct{ uploaded []string }

func (u *fakeUploader) Upload(ctx context.Context, kind rpc.ArtifactKind, localPath string) (string, error) {
	u.uploaded = append(u.uploaded, localPath)
	return "mem://" + localPath, nil
}

type fakeNotifier struct {
	builds    []rpc.BuildEvent
	artifacts []rpc.ArtifactEvent
}

func (n *fakeNotifier) NotifyBuild(ctx context.Context, ev rpc.BuildEvent) error {
	n.builds = append(n.builds, ev)
	return nil
}
func (n *fakeNotifier) NotifyArtifact(ctx context.Context, ev rpc.ArtifactEvent) error {
	n.artifacts = append(n.artifacts, ev)
	return nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context, name, channel, arch, platform string) (string, error) {
	return "1.0.0", nil
}

type fakeFetcher struct{}

func (fakeFetcher) Fetch(ctx context.Context, name, version, arch, platform string) (string, error) {
	return "/ingredients/" + name, nil
}

const testRecipe = `{
	"name": "demo",
	"version": "1",
	"environment": {
		"packages": ["gcc"],
		"hooks": {"setup": "echo setup"}
	},
	"parts": [{"name": "main", "steps": [{"kind": "build", "system": "make"}]}]
}`

func newTestExecutor(t *testing.T) (*Executor, *fakeNotifier, *fakeUploader) {
	t.Helper()
	hostBase := t.TempDir()
	buildRoot := t.TempDir()
	logDir := t.TempDir()

	containers := container.NewManager(hostBase, nil, func(id, root string, pol *policy.Policy) (container.Init, error) {
		return fakeInit{}, nil
	}, container.WithComposer(fakeCompose))

	store := fridge.NewLocalStore(t.TempDir(), fakeResolver{}, fakeFetcher{})

	notifier := &fakeNotifier{}
	uploader := &fakeUploader{}

	cfg := Config{
		BuildRoot: buildRoot,
		LogDir:    logDir,
		Layers: func(req build.Request, sourcesDir string) []layers.Layer {
			return []layers.Layer{{Kind: layers.BaseRootfs, Target: "/"}}
		},
	}

	logger := log.NewLogger(log.Config{Debug: true, LogDir: logDir})

	exec := New(cfg, containers, store,
		&fakeDownloader{}, &fakeUnpacker{recipeJSON: testRecipe},
		&fakePackages{}, &fakeHooks{}, &fakeOven{}, &fakePacker{shouldPack: true},
		uploader, notifier, logger)

	return exec, notifier, uploader
}

func TestExecuteHappyPathReportsSourcingBuildingPackingDone(t *testing.T) {
	exec, notifier, uploader := newTestExecutor(t)

	req := build.Request{ID: "build-1", URL: "http://example/src.img", RecipePath: "recipe.json", Platform: "linux", Architecture: "amd64"}
	err := exec.Execute(context.Background(), req)
	require.NoError(t, err)

	var statuses []rpc.BuildStatus
	for _, ev := range notifier.builds {
		statuses = append(statuses, ev.Status)
	}
	assert.Equal(t, []rpc.BuildStatus{rpc.StatusSourcing, rpc.StatusBuilding, rpc.StatusPacking, rpc.StatusDone}, statuses)
	assert.Len(t, uploader.uploaded, 2) // log + pack
	assert.Len(t, notifier.artifacts, 2)
}

func TestExecuteMarksIngredientsReadyForSharedKey(t *testing.T) {
	exec, _, _ := newTestExecutor(t)

	req1 := build.Request{ID: "build-1", URL: "http://example/src.img", RecipePath: "recipe.json", Platform: "linux", Architecture: "amd64"}
	require.NoError(t, exec.Execute(context.Background(), req1))

	req2 := build.Request{ID: "build-2", URL: "http://example/src.img", RecipePath: "recipe.json", Platform: "linux", Architecture: "amd64"}
	require.NoError(t, exec.Execute(context.Background(), req2))

	key := recipe.CacheKey{Recipe: "demo", Platform: "linux", Arch: "amd64"}
	entry := exec.cache.claim(key)
	assert.True(t, entry.ingredientsReady())
}

func TestExecuteFailsCleanlyWhenDownloadFails(t *testing.T) {
	exec, notifier, _ := newTestExecutor(t)
	exec.downloader = failingDownloader{}

	req := build.Request{ID: "build-1", URL: "http://example/src.img", RecipePath: "recipe.json"}
	err := exec.Execute(context.Background(), req)
	require.Error(t, err)

	last := notifier.builds[len(notifier.builds)-1]
	assert.Equal(t, rpc.StatusFailed, last.Status)

	_, statErr := os.Stat(filepath.Join(exec.cfg.BuildRoot, "build-1"))
	assert.True(t, os.IsNotExist(statErr))
}

type failingDownloader struct{}

func (failingDownloader) Download(ctx context.Context, url, destPath string) error {
	return assertError{}
}

type assertError struct{}

func (assertError) Error() string { return "download failed" }
