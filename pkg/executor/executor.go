// Package executor implements component G: the build executor. A worker
// popped from the queue (component H) runs Execute once per build request,
// driving sourcing, ingredient resolution, package installation, the
// per-part oven pipeline, packing and artifact upload, reporting exactly
// one final Done or Failed status.
package executor

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/cookos/cook/pkg/build"
	"github.com/cookos/cook/pkg/container"
	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/fridge"
	"github.com/cookos/cook/pkg/layers"
	"github.com/cookos/cook/pkg/log"
	"github.com/cookos/cook/pkg/policy"
	"github.com/cookos/cook/pkg/recipe"
	"github.com/cookos/cook/pkg/rpc"
)

// Downloader fetches the remote source image named by a build's url into
// a local path (§4.G step 3, external download(url, path)).
type Downloader interface {
	Download(ctx context.Context, url, destPath string) error
}

// Unpacker expands a downloaded source image into the build's sources
// directory (§4.G step 3, external remote_unpack(image, dest)).
type Unpacker interface {
	RemoteUnpack(ctx context.Context, imagePath, destDir string) error
}

// PackageInstaller installs and removes OS packages inside a running
// container via its in-container update script (§4.G step 7).
type PackageInstaller interface {
	InstallDelta(ctx context.Context, containerID string, add, remove []string) error
}

// HookRunner executes a recipe's environment setup hook inside a running
// container (§4.G step 8).
type HookRunner interface {
	RunHook(ctx context.Context, containerID, script string) error
}

// Oven invokes one recipe step (generate/build/script) inside a running
// container (§4.G step 9).
type Oven interface {
	Invoke(ctx context.Context, containerID string, step recipe.Step) error
}

// Packer packs a build's output tree into a single artifact. Packed is
// false when the recipe produced nothing to pack; that is not an error.
type Packer interface {
	Pack(ctx context.Context, sourcesDir, outputPath string) (packed bool, err error)
}

// Uploader delivers a local artifact file to its durable home and reports
// the URI to record.
type Uploader interface {
	Upload(ctx context.Context, kind rpc.ArtifactKind, localPath string) (uri string, err error)
}

// Notifier reports build and artifact events to the orchestrator.
type Notifier interface {
	NotifyBuild(ctx context.Context, ev rpc.BuildEvent) error
	NotifyArtifact(ctx context.Context, ev rpc.ArtifactEvent) error
}

// LayerPlanner builds the rootfs layer stack for one build's container,
// given the build request and its materialized sources directory.
type LayerPlanner func(req build.Request, sourcesDir string) []layers.Layer

// Config holds the executor's fixed, non-collaborator settings.
type Config struct {
	BuildRoot string // host directory per-build scratch trees are rooted at
	LogDir    string // directory per-build log sinks are written to
	Layers    LayerPlanner
	Policy    *policy.Policy
}

// Executor drives the per-request build pipeline (§4.G).
type Executor struct {
	cfg        Config
	containers *container.Manager
	fridge     fridge.Store
	downloader Downloader
	unpacker   Unpacker
	packages   PackageInstaller
	hooks      HookRunner
	oven       Oven
	packer     Packer
	uploader   Uploader
	notifier   Notifier
	logger     *logrus.Entry
	cache      *recipeCache
}

func New(
	cfg Config,
	containers *container.Manager,
	fridgeStore fridge.Store,
	downloader Downloader,
	unpacker Unpacker,
	packages PackageInstaller,
	hooks HookRunner,
	oven Oven,
	packer Packer,
	uploader Uploader,
	notifier Notifier,
	logger *logrus.Entry,
) *Executor {
	return &Executor{
		cfg: cfg, containers: containers, fridge: fridgeStore,
		downloader: downloader, unpacker: unpacker, packages: packages,
		hooks: hooks, oven: oven, packer: packer, uploader: uploader,
		notifier: notifier, logger: logger, cache: newRecipeCache(),
	}
}

// Execute runs one build request to completion, resolving to exactly one
// Done or Failed status. It always frees its temp directory, destroys its
// container, flushes and closes its log sink, and releases its cache
// claim, on every exit path.
func (e *Executor) Execute(ctx context.Context, req build.Request) error {
	e.notify(ctx, req.ID, build.StatusSourcing)

	root := filepath.Join(e.cfg.BuildRoot, req.ID)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return e.fail(ctx, req.ID, errkind.Wrap(errkind.IOFailure, err, "creating build root for %s", req.ID))
	}

	sink, err := log.OpenBuildSink(e.logger, req.ID, e.cfg.LogDir)
	if err != nil {
		os.RemoveAll(root)
		return e.fail(ctx, req.ID, errkind.Wrap(errkind.IOFailure, err, "opening log sink for %s", req.ID))
	}

	var containerID string
	var cacheKey recipe.CacheKey
	var cacheClaimed bool

	defer func() {
		if containerID != "" {
			if derr := e.containers.Destroy(containerID); derr != nil {
				e.logger.WithError(derr).Warn("executor: container destroy failed during cleanup")
			}
		}
		if cacheClaimed {
			e.cache.release(cacheKey)
		}
		if cerr := sink.Close(); cerr != nil {
			e.logger.WithError(cerr).Warn("executor: closing build log sink failed")
		}
		os.RemoveAll(root)
	}()

	sourcesDir := filepath.Join(root, "sources")
	imagePath := filepath.Join(root, "src.image")
	if err := os.MkdirAll(sourcesDir, 0o755); err != nil {
		return e.fail(ctx, req.ID, errkind.Wrap(errkind.IOFailure, err, "creating sources directory"))
	}

	if err := e.downloader.Download(ctx, req.URL, imagePath); err != nil {
		return e.fail(ctx, req.ID, errkind.Wrap(errkind.IOFailure, err, "downloading source image from %s", req.URL))
	}
	if err := e.unpacker.RemoteUnpack(ctx, imagePath, sourcesDir); err != nil {
		return e.fail(ctx, req.ID, errkind.Wrap(errkind.IOFailure, err, "unpacking source image"))
	}
	if err := os.Remove(imagePath); err != nil {
		e.logger.WithError(err).Warn("executor: could not remove source image after unpack")
	}

	recipeBytes, err := os.ReadFile(filepath.Join(sourcesDir, req.RecipePath))
	if err != nil {
		return e.fail(ctx, req.ID, errkind.Wrap(errkind.IOFailure, err, "reading recipe %s", req.RecipePath))
	}
	rec, err := recipe.Parse(recipeBytes)
	if err != nil {
		return e.fail(ctx, req.ID, err)
	}

	cacheKey = recipe.CacheKey{Recipe: rec.Name, Platform: req.Platform, Arch: req.Architecture}
	entry := e.cache.claim(cacheKey)
	cacheClaimed = true

	if !entry.ingredientsReady() {
		if err := e.ensureIngredients(ctx, rec, req); err != nil {
			return e.fail(ctx, req.ID, err)
		}
		entry.markIngredientsReady()
	}

	containerID, err = e.createContainer(ctx, req, sourcesDir)
	if err != nil {
		return e.fail(ctx, req.ID, err)
	}

	add, remove := entry.packageDelta(rec.Environment.Packages)
	if len(add) > 0 || len(remove) > 0 {
		if err := e.packages.InstallDelta(ctx, containerID, add, remove); err != nil {
			return e.fail(ctx, req.ID, errkind.Wrap(errkind.InternalError, err, "installing package delta"))
		}
		entry.setPackages(rec.Environment.Packages)
	}

	if script, ok := rec.Environment.Hooks.ForPlatform(req.Platform); ok && !entry.hooksRun() {
		if err := e.hooks.RunHook(ctx, containerID, script); err != nil {
			return e.fail(ctx, req.ID, errkind.Wrap(errkind.InternalError, err, "running environment setup hook"))
		}
		entry.markHooksRun()
	}

	e.notify(ctx, req.ID, build.StatusBuilding)
	for _, part := range rec.Parts {
		for _, step := range part.Steps {
			if err := e.oven.Invoke(ctx, containerID, step); err != nil {
				return e.fail(ctx, req.ID, errkind.Wrap(errkind.BuildFailed, err, "part %q step failed", part.Name))
			}
		}
	}

	e.notify(ctx, req.ID, build.StatusPacking)
	packOutput := filepath.Join(root, "pack.tar.gz")
	packed, err := e.packer.Pack(ctx, sourcesDir, packOutput)
	if err != nil {
		e.logger.WithError(err).Warn("executor: packing outputs failed")
		packed = false
	}

	logPath := filepath.Join(e.cfg.LogDir, req.ID+".log")
	if uri, err := e.uploader.Upload(ctx, rpc.ArtifactLog, logPath); err != nil {
		e.logger.WithError(err).Warn("executor: build log upload failed")
	} else {
		e.notifyArtifact(ctx, req.ID, rpc.ArtifactLog, uri)
	}

	if packed {
		uri, err := e.uploader.Upload(ctx, rpc.ArtifactPackage, packOutput)
		if err != nil {
			e.logger.WithError(err).Error("executor: pack upload failed")
			return e.fail(ctx, req.ID, errkind.Wrap(errkind.IOFailure, err, "uploading pack for build %s", req.ID))
		}
		e.notifyArtifact(ctx, req.ID, rpc.ArtifactPackage, uri)
	}

	e.notify(ctx, req.ID, build.StatusDone)
	return nil
}

func (e *Executor) createContainer(ctx context.Context, req build.Request, sourcesDir string) (string, error) {
	layerList := e.cfg.Layers(req, sourcesDir)
	c, err := e.containers.Create(ctx, container.CreateRequest{
		ID:     req.ID,
		Layers: layerList,
		Policy: e.cfg.Policy,
	})
	if err != nil {
		return "", errkind.Wrap(errkind.RootfsSetupFailed, err, "creating build container for %s", req.ID)
	}
	return c.ID, nil
}

func (e *Executor) ensureIngredients(ctx context.Context, rec *recipe.Recipe, req build.Request) error {
	groups := [][]recipe.Ingredient{
		rec.Environment.HostToolchains,
		rec.Environment.HostIngredients,
		rec.Environment.BuildIngredients,
		rec.Environment.RuntimeIngredients,
	}
	for _, group := range groups {
		for _, ing := range group {
			if _, err := e.fridge.Ensure(ctx, ing.Name, ing.Channel, ing.Version, req.Architecture, req.Platform); err != nil {
				return errkind.Wrap(errkind.Unavailable, err, "ensuring ingredient %s@%s", ing.Name, ing.Channel)
			}
		}
	}
	return nil
}

func (e *Executor) fail(ctx context.Context, id string, err error) error {
	e.notify(ctx, id, build.StatusFailed)
	return err
}

func (e *Executor) notify(ctx context.Context, id string, status build.Status) {
	if nerr := e.notifier.NotifyBuild(ctx, rpc.BuildEvent{ID: id, Status: status.Wire()}); nerr != nil {
		e.logger.WithError(nerr).Warn("executor: build status notification failed")
	}
}

func (e *Executor) notifyArtifact(ctx context.Context, id string, kind rpc.ArtifactKind, uri string) {
	if nerr := e.notifier.NotifyArtifact(ctx, rpc.ArtifactEvent{ID: id, Type: kind, URI: uri}); nerr != nil {
		e.logger.WithError(nerr).Warn("executor: artifact notification failed")
	}
}

// recipeCache tracks per-{recipe,platform,arch} setup state across build
// re-runs (§4.G step 5): whether ingredients have already been ensured,
// whether the environment setup hook has already run, and which OS
// packages are currently installed so step 7 can compute a delta instead
// of reinstalling everything.
type recipeCache struct {
	mu      sync.Mutex
	entries map[recipe.CacheKey]*cacheEntry
}

func newRecipeCache() *recipeCache {
	return &recipeCache{entries: map[recipe.CacheKey]*cacheEntry{}}
}

func (c *recipeCache) claim(key recipe.CacheKey) *cacheEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[key]
	if !ok {
		e = &cacheEntry{packages: map[string]struct{}{}}
		c.entries[key] = e
	}
	return e
}

// release is the executor's dequeue-from-the-cache-transaction step. claim
// records nothing per build, so release has nothing to undo; the entry
// itself is kept (its setup state must survive to the next build that
// shares the key).
func (c *recipeCache) release(key recipe.CacheKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = key
}

type cacheEntry struct {
	mu          sync.Mutex
	ingredients bool
	hooks       bool
	packages    map[string]struct{}
}

func (e *cacheEntry) ingredientsReady() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ingredients
}

func (e *cacheEntry) markIngredientsReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ingredients = true
}

func (e *cacheEntry) hooksRun() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hooks
}

func (e *cacheEntry) markHooksRun() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.hooks = true
}

// packageDelta computes the apt-style add/remove lists against the
// entry's currently-installed set without mutating it.
func (e *cacheEntry) packageDelta(want []string) (add, remove []string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	wantSet := make(map[string]struct{}, len(want))
	for _, p := range want {
		wantSet[p] = struct{}{}
		if _, ok := e.packages[p]; !ok {
			add = append(add, p)
		}
	}
	for p := range e.packages {
		if _, ok := wantSet[p]; !ok {
			remove = append(remove, p)
		}
	}
	return add, remove
}

func (e *cacheEntry) setPackages(packages []string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.packages = make(map[string]struct{}, len(packages))
	for _, p := range packages {
		e.packages[p] = struct{}{}
	}
}
