// Command cvd is the container daemon: it composes rootfs layers
// (component E), applies the BPF allow-map (component D) when available,
// starts a container's init under a fresh namespace set, and serves
// create_params/spawn_params/file_params over the wire (§6) to whatever
// client needs to manage containers directly.
package main

import (
	"fmt"
	"log"
	"os"
	"runtime"
	"runtime/debug"

	"github.com/go-errors/errors"
	"github.com/integrii/flaggy"
	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/cookos/cook/pkg/bpfpolicy"
	"github.com/cookos/cook/pkg/config"
	"github.com/cookos/cook/pkg/container"
	"github.com/cookos/cook/pkg/cvdinit"
	"github.com/cookos/cook/pkg/errkind"
	cooklog "github.com/cookos/cook/pkg/log"
	"github.com/cookos/cook/pkg/policy"
	"github.com/cookos/cook/pkg/rpctransport"
)

const defaultVersion = "unversioned"

var (
	commit  string
	version = defaultVersion
	date    string

	configDirFlag string
	verboseFlags  []string
	bpfObjectPath = "/usr/lib/cook/bpf/cook_lsm.o"
)

func main() {
	// cvdinit.ReexecInit intercepts the magic re-exec invocation cvdinit
	// uses to install a container's seccomp filter (component C) in the
	// grandchild process between create() and exec(); it never returns
	// when this process is that handoff stage.
	cvdinit.ReexecInit()

	updateBuildInfo()

	info := fmt.Sprintf("%s\nDate: %s\nCommit: %s\nOS: %s\nArch: %s",
		version, date, commit, runtime.GOOS, runtime.GOARCH)

	flaggy.SetName("cvd")
	flaggy.SetDescription("The container daemon: composes rootfs layers and runs sandboxed containers.")
	flaggy.String(&configDirFlag, "c", "config-dir", "Override the platform config directory")
	flaggy.StringSlice(&verboseFlags, "v", "verbose", "Increase log verbosity (repeatable)")
	flaggy.SetVersion(info)
	flaggy.Parse()

	dir := configDirFlag
	if dir == "" {
		dir = config.ConfigDir("cvd")
	}
	if err := config.EnsureConfigDir(dir); err != nil {
		log.Fatal(err.Error())
	}

	cfg, err := config.LoadCvd(dir)
	if err != nil {
		log.Fatal(err.Error())
	}

	logDir := dir + "/logs"
	logger := cooklog.NewLogger(cooklog.Config{
		Debug: os.Getenv("DEBUG") == "TRUE", LogDir: logDir,
		Version: version, Commit: commit, BuildDate: date,
	})
	cooklog.AttachConsole(logger, len(verboseFlags))

	if err := run(cfg, dir, logger); err != nil {
		stackTrace := errors.Wrap(err, 0).ErrorStack()
		logger.Error(stackTrace)
		log.Fatalf("cvd: %s\n\n%s", err.Error(), stackTrace)
	}
}

func run(cfg config.CvdConfig, dir string, logger *logrus.Entry) error {
	bpf, err := maybeLoadBPF()
	if err != nil {
		logger.WithError(err).Warn("cvd: BPF LSM policy enforcement unavailable, continuing under seccomp alone")
	}

	containers := container.NewManager(dir+"/containers", bpf, cvdinit.Dial)

	customPaths := make([]policy.PathRule, 0, len(cfg.Security.CustomPaths))
	for _, cp := range cfg.Security.CustomPaths {
		access, err := policy.ParseAccess(cp.Access)
		if err != nil {
			return errkind.Wrap(errkind.InvalidArgument, err, "parsing cvd.json custom_paths entry for %s", cp.Path)
		}
		customPaths = append(customPaths, policy.PathRule{Path: cp.Path, Access: access})
	}

	handler := &cvdHandler{
		containers:    containers,
		defaultPolicy: cfg.Security.DefaultPolicy,
		customPaths:   customPaths,
		logger:        logger,
	}

	ln, err := rpctransport.Listen(cfg.APIAddress)
	if err != nil {
		return errkind.Wrap(errkind.Unavailable, err, "listening on %s", cfg.APIAddress.Address)
	}
	defer ln.Close()
	logger.WithField("address", cfg.APIAddress.Address).Info("cvd: serving container requests")

	return rpctransport.Serve(ln, handler)
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
