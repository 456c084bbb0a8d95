// Command cookd is the build daemon: it accepts build submissions over a
// small local JSON intake endpoint, queues them (component H) and runs
// each to completion with the build executor (component G), which drives
// its own in-process container manager (component F) for every build's
// sandbox.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"syscall"
	"time"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/cookos/cook/pkg/bpfpolicy"
	"github.com/cookos/cook/pkg/build"
	"github.com/cookos/cook/pkg/config"
	"github.com/cookos/cook/pkg/container"
	"github.com/cookos/cook/pkg/cvdinit"
	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/executor"
	"github.com/cookos/cook/pkg/layers"
	cooklog "github.com/cookos/cook/pkg/log"
	"github.com/cookos/cook/pkg/policy"
	"github.com/cookos/cook/pkg/queue"
	"github.com/cookos/cook/pkg/rpctransport"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	configDirFlag string
	verboseFlags  []string
	workers       = 4
	registryURL   = "http://127.0.0.1:8080"
	baseRootfs    = "/var/lib/cook/base-rootfs"
	bpfObjectPath = "/usr/lib/cook/bpf/cook_lsm.o"
)

func main() {
	// cookd creates its own build containers through cvdinit.Dial, so it
	// must intercept the same re-exec handoff cvd does: cvdinit.ReexecInit
	// never returns when this process is that handoff stage.
	cvdinit.ReexecInit()

	updateBuildInfo()

	info := fmt.Sprintf("%s\nDate: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, commit, runtime.GOOS, runtime.GOARCH)

	flaggy.SetName("cookd")
	flaggy.SetDescription("The build daemon: pulls recipes, ensures ingredients, and runs parts in sandboxed containers.")
	flaggy.String(&configDirFlag, "c", "config-dir", "Override the platform config directory")
	flaggy.StringSlice(&verboseFlags, "v", "verbose", "Increase log verbosity (repeatable)")
	flaggy.Int(&workers, "w", "workers", "Number of concurrent build workers")
	flaggy.String(&registryURL, "r", "registry", "Ingredient registry base URL")
	flaggy.String(&baseRootfs, "b", "base-rootfs", "Base rootfs every build container starts from")
	flaggy.SetVersion(info)
	flaggy.Parse()

	dir := configDirFlag
	if dir == "" {
		dir = config.ConfigDir("cookd")
	}
	if err := config.EnsureConfigDir(dir); err != nil {
		log.Fatal(err.Error())
	}

	cfg, err := config.LoadCookd(dir)
	if err != nil {
		log.Fatal(err.Error())
	}

	logDir := filepath.Join(dir, "logs")
	logger := cooklog.NewLogger(cooklog.Config{
		Debug: os.Getenv("DEBUG") == "TRUE", LogDir: logDir,
		Version: version, Commit: commit, BuildDate: date,
	})
	cooklog.AttachConsole(logger, len(verboseFlags))

	if err := run(cfg, dir, logDir, logger); err != nil {
		stackTrace := errors.Wrap(err, 0).ErrorStack()
		logger.Error(stackTrace)
		log.Fatalf("cookd: %s\n\n%s", err.Error(), stackTrace)
	}
}

func run(cfg config.CookdConfig, dir, logDir string, logger *logrus.Entry) error {
	bpf, err := maybeLoadBPF()
	if err != nil {
		logger.WithError(err).Warn("cookd: BPF LSM policy enforcement unavailable, continuing under seccomp alone")
	}

	containers := container.NewManager(filepath.Join(dir, "containers"), bpf, cvdinit.Dial)

	buildRoot := filepath.Join(dir, "builds")
	ingredientRoot := filepath.Join(dir, "ingredients")
	if err := os.MkdirAll(buildRoot, 0o755); err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "creating build root")
	}

	httpClient := &http.Client{Timeout: 30 * time.Second}

	exec := executor.New(
		executor.Config{
			BuildRoot: buildRoot,
			LogDir:    logDir,
			Layers:    layerPlannerFor(baseRootfs),
			Policy:    policy.New(policy.Build, policy.DefaultConfig()),
		},
		containers,
		newFridgeStore(ingredientRoot, registryURL, httpClient),
		&httpDownloader{client: httpClient},
		tarUnpacker{},
		&aptPackageInstaller{exec: &containerExec{containers: containers}},
		&shellHookRunner{exec: &containerExec{containers: containers}},
		&containerOven{exec: &containerExec{containers: containers}},
		tarPacker{},
		&localUploader{dir: filepath.Join(dir, "artifacts")},
		&logNotifier{logger: logger},
		logger,
	)

	q := queue.New(workers)
	q.Start()

	srv := &http.Server{Handler: intakeHandler(q, exec, logger)}
	ln, err := rpctransport.Listen(cfg.APIAddress)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, err, "listening on %s", cfg.APIAddress.Address)
	}
	defer ln.Close()
	logger.WithField("address", cfg.APIAddress.Address).Info("cookd: accepting build submissions")

	go srv.Serve(ln)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	srv.Shutdown(shutdownCtx)
	return q.Shutdown(shutdownCtx)
}

// layerPlannerFor returns a LayerPlanner that composes every build's
// container from a fixed base rootfs plus its materialized sources
// directory bind-mounted in.
func layerPlannerFor(baseRootfsPath string) executor.LayerPlanner {
	return func(req build.Request, sourcesDir string) []layers.Layer {
		return []layers.Layer{
			{Kind: layers.BaseRootfs, Path: baseRootfsPath, Target: "/"},
			{Kind: layers.HostDirectory, Path: sourcesDir, Target: "/build/sources"},
		}
	}
}

// intakeHandler is cookd's submission surface: POST a build_request's
// JSON shape (§3) to /builds, get its id enqueued for execution. Not part
// of the wire protocol proper (§6 scopes that to build_event/
// artifact_event/create_params/spawn_params/file_params only); this is
// the "intake path" the data model calls out as the thing that creates
// BuildRequests, left unspecified beyond that.
func intakeHandler(q *queue.Queue, exec *executor.Executor, logger *logrus.Entry) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/builds", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var req build.Request
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		if req.ID == "" {
			http.Error(w, "missing id", http.StatusBadRequest)
			return
		}

		err := q.Submit(queue.Job{
			ID: req.ID,
			Run: func(ctx context.Context) {
				if err := exec.Execute(ctx, req); err != nil {
					logger.WithError(err).WithField("build", req.ID).Error("cookd: build failed")
				}
			},
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusAccepted)
	})
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, "queued=%d\n", q.Len())
	})
	return mux
}

func updateBuildInfo() {
	if version != defaultVersion {
		return
	}
	buildInfo, ok := debug.ReadBuildInfo()
	if !ok {
		return
	}
	if revision, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.revision"
	}); ok {
		commit = revision.Value
		version = commit
		if len(version) > 7 {
			version = version[:7]
		}
	}
	if t, ok := lo.Find(buildInfo.Settings, func(s debug.BuildSetting) bool {
		return s.Key == "vcs.time"
	}); ok {
		date = t.Value
	}
}

func maybeLoadBPF() (*bpfpolicy.Manager, error) {
	return bpfpolicy.LoadIfAvailable(bpfObjectPath, bpfpolicy.DefaultConfig())
}
