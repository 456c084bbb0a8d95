// Package cvdinit is the production container.Init: it starts a
// container's init process with a fresh namespace set and a chroot onto
// the composed rootfs, grounded on the re-exec + Cloneflags + Chroot
// pattern used for container launch elsewhere in the retrieval pack.
// Every subsequent Exec chroots into the same rootfs rather than joining
// the init process's namespaces directly — sufficient for the build
// containers this daemon creates, which all share one rootfs and one
// lifetime with their init.
//
// Every process this package launches - the init itself and every later
// Exec - is handed off through a self re-exec stage (ReexecInit) that
// installs the container's policy as a seccomp filter (component C)
// before chrooting and exec'ing the real target, the same "grandchild
// between create() return and exec()" handoff the minimega container
// shim (src/minimega/container.go in the retrieval pack) uses for its own
// re-exec-with-a-magic-argv launch.
package cvdinit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"

	specs "github.com/opencontainers/runtime-spec/specs-go"

	"github.com/cookos/cook/pkg/container"
	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/policy"
	"github.com/cookos/cook/pkg/seccomp"
)

const namespaceFlags = syscall.CLONE_NEWPID | syscall.CLONE_NEWNS |
	syscall.CLONE_NEWUTS | syscall.CLONE_NEWIPC

// namespaceSpecs mirrors namespaceFlags in the OCI runtime-spec vocabulary,
// for the config.json audit artifact runtimeSpec writes alongside a
// container's rootfs - the same "namespaces the bundle config declares" idea
// every OCI-spec bundle in the pack carries, even though this package itself
// launches containers directly through SysProcAttr.Cloneflags rather than by
// handing the spec to an external runtime.
var namespaceSpecs = []specs.LinuxNamespace{
	{Type: specs.PIDNamespace},
	{Type: specs.MountNamespace},
	{Type: specs.UTSNamespace},
	{Type: specs.IPCNamespace},
}

// runtimeSpec builds a minimal OCI bundle config describing containerID's
// process and namespaces, for config.json diagnostics next to its state
// directory.
func runtimeSpec(containerID string) *specs.Spec {
	return &specs.Spec{
		Version: specs.Version,
		Process: &specs.Process{
			Args: append([]string{Program}, idleArgs...),
			Cwd:  "/",
		},
		Root:  &specs.Root{Path: "rootfs"},
		Linux: &specs.Linux{Namespaces: namespaceSpecs},
	}
}

// writeRuntimeSpec persists containerID's runtimeSpec as config.json next to
// rootPath, for operators inspecting a running container's state directory.
// Failure here never fails container creation - it is a debugging aid, not a
// launch dependency.
func writeRuntimeSpec(containerID, rootPath string) {
	data, err := json.MarshalIndent(runtimeSpec(containerID), "", "  ")
	if err != nil {
		return
	}
	os.WriteFile(filepath.Join(filepath.Dir(rootPath), containerID+".config.json"), data, 0o644)
}

// Program is the init binary started inside a new container's rootfs.
// Dial runs it with idleArgs, so it idles for the container's lifetime.
var Program = "/bin/sh"

var idleArgs = []string{"-c", "while :; do sleep 3600; done"}

// seccompReexecArg is the magic argv[1] ReexecInit watches for, the same
// "is this process the re-exec'd child" sentinel the minimega container
// shim passes as its own CONTAINER_MAGIC argv[1].
const seccompReexecArg = "__cook_seccomp_init"

// seccompReexecPayload is handed to the re-exec'd grandchild over an
// inherited pipe fd rather than argv, since a policy doesn't fit
// comfortably (or safely) as command-line text.
type seccompReexecPayload struct {
	Policy *policy.Policy
	Env    []string
}

// seccompCommand builds the *exec.Cmd that installs pol's syscall filter in
// a grandchild process before it chroots onto rootPath and execs into
// program/args - §4.C's "apply the filter in the grandchild process between
// create() return and exec()". program must already be a fully resolved
// path (LookPath has already run against the daemon's own PATH, mirroring
// what exec.Command would have done directly) since the grandchild no
// longer has the daemon's filesystem in scope once it chroots.
//
// A nil pol (no policy to enforce - callers always pass one in practice,
// since every Container.Policy is non-nil, but this keeps the package
// usable standalone) skips the handoff and chroots the target directly via
// SysProcAttr, the original behavior.
func seccompCommand(pol *policy.Policy, rootPath, program string, args, env []string) (cmd *exec.Cmd, pipeFile *os.File, err error) {
	if pol == nil {
		cmd = exec.Command(program, args...)
		cmd.SysProcAttr = &syscall.SysProcAttr{Chroot: rootPath}
		cmd.Env = env
		return cmd, nil, nil
	}

	resolved, err := exec.LookPath(program)
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.NotFound, err, "resolving %q", program)
	}

	self, err := os.Executable()
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.InternalError, err, "resolving self executable path")
	}

	r, w, err := os.Pipe()
	if err != nil {
		return nil, nil, errkind.Wrap(errkind.IOFailure, err, "creating seccomp handoff pipe")
	}

	data, err := json.Marshal(seccompReexecPayload{Policy: pol, Env: env})
	if err != nil {
		r.Close()
		w.Close()
		return nil, nil, errkind.Wrap(errkind.InternalError, err, "encoding seccomp policy payload")
	}
	if _, err := w.Write(data); err != nil {
		r.Close()
		w.Close()
		return nil, nil, errkind.Wrap(errkind.IOFailure, err, "writing seccomp policy payload")
	}
	w.Close()

	cmdArgs := append([]string{seccompReexecArg, rootPath, resolved}, args...)
	cmd = exec.Command(self, cmdArgs...)
	cmd.ExtraFiles = []*os.File{r}
	return cmd, r, nil
}

type initProcess struct {
	rootPath string
	cmd      *exec.Cmd
	pol      *policy.Policy
}

// Dial starts a new init process, chrooted and namespaced onto rootPath,
// filtered by pol's seccomp rules whenever one is given, and returns the
// container.Init handle the container Manager drives.
func Dial(containerID, rootPath string, pol *policy.Policy) (container.Init, error) {
	cmd, pipeFile, err := seccompCommand(pol, rootPath, Program, idleArgs, nil)
	if err != nil {
		return nil, err
	}

	cloneFlags := uintptr(namespaceFlags)
	if cmd.SysProcAttr == nil {
		cmd.SysProcAttr = &syscall.SysProcAttr{}
	}
	cmd.SysProcAttr.Cloneflags = cloneFlags
	cmd.SysProcAttr.Pdeathsig = syscall.SIGKILL
	cmd.Dir = "/"
	cmd.Stdout = nil
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		if pipeFile != nil {
			pipeFile.Close()
		}
		return nil, errkind.Wrap(errkind.InternalError, err, "starting init process for container %s", containerID)
	}
	if pipeFile != nil {
		pipeFile.Close()
	}

	writeRuntimeSpec(containerID, rootPath)
	return &initProcess{rootPath: rootPath, cmd: cmd, pol: pol}, nil
}

func (p *initProcess) Pid() int {
	return p.cmd.Process.Pid
}

// Exec launches a new process chrooted onto the same rootfs the init
// process owns, filtered by the container's seccomp policy exactly as Dial
// filters the init process itself. It does not join the init process's
// PID/UTS/IPC namespaces; every container this package launches is
// single-tenant for its whole lifetime, so this is observationally
// equivalent for the build workloads component G drives.
func (p *initProcess) Exec(ctx context.Context, program string, args []string, env []string, wait bool) (int, int, error) {
	cmd, pipeFile, err := seccompCommand(p.pol, p.rootPath, program, args, env)
	if err != nil {
		return 0, 0, err
	}
	cmd.Dir = "/"

	if !wait {
		if err := cmd.Start(); err != nil {
			if pipeFile != nil {
				pipeFile.Close()
			}
			return 0, 0, errkind.Wrap(errkind.InternalError, err, "spawning %q", program)
		}
		if pipeFile != nil {
			pipeFile.Close()
		}
		pid := cmd.Process.Pid
		go cmd.Wait()
		return pid, 0, nil
	}

	if err := cmd.Start(); err != nil {
		if pipeFile != nil {
			pipeFile.Close()
		}
		return 0, 0, errkind.Wrap(errkind.InternalError, err, "spawning %q", program)
	}
	if pipeFile != nil {
		pipeFile.Close()
	}
	pid := cmd.Process.Pid
	err = cmd.Wait()
	exitCode := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			exitCode = exitErr.ExitCode()
		} else {
			return pid, 0, errkind.Wrap(errkind.InternalError, err, "waiting for %q", program)
		}
	}
	return pid, exitCode, nil
}

func (p *initProcess) Signal(ctx context.Context, pid int, sig syscall.Signal) error {
	if err := syscall.Kill(pid, sig); err != nil {
		return errkind.Wrap(errkind.InternalError, err, "signaling pid %d", pid)
	}
	return nil
}

func (p *initProcess) PushFile(ctx context.Context, destPath string, data []byte, mode uint32) error {
	full := filepath.Join(p.rootPath, destPath)
	if err := os.MkdirAll(filepath.Dir(full), 0o755); err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "creating parent directory for %s", destPath)
	}
	if err := os.WriteFile(full, data, os.FileMode(mode)); err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "writing %s", destPath)
	}
	return nil
}

func (p *initProcess) PullFile(ctx context.Context, srcPath string) ([]byte, uint32, error) {
	full := filepath.Join(p.rootPath, srcPath)
	info, err := os.Stat(full)
	if err != nil {
		return nil, 0, errkind.Wrap(errkind.NotFound, err, "stat %s", srcPath)
	}
	data, err := os.ReadFile(full)
	if err != nil {
		return nil, 0, errkind.Wrap(errkind.IOFailure, err, "reading %s", srcPath)
	}
	return data, uint32(info.Mode().Perm()), nil
}

func (p *initProcess) Shutdown(ctx context.Context) error {
	if p.cmd.Process == nil {
		return nil
	}
	if err := p.cmd.Process.Kill(); err != nil && err != os.ErrProcessDone {
		return errkind.Wrap(errkind.InternalError, err, "killing init process")
	}
	p.cmd.Wait()
	return nil
}

// ReexecInit intercepts this process when it was launched as a seccomp
// handoff stage by seccompCommand: it reads the target policy and
// environment off the inherited pipe fd, installs the resulting filter
// (component C), chroots onto the container's rootfs, and execs into the
// real target - never returning on success. Every other invocation (the
// actual cvd daemon, or cookd) returns immediately so main() can continue
// as normal; cmd/cvd's main calls this before flag parsing.
func ReexecInit() {
	if len(os.Args) < 4 || os.Args[1] != seccompReexecArg {
		return
	}
	rootPath := os.Args[2]
	program := os.Args[3]
	args := os.Args[4:]

	pipe := os.NewFile(3, "cook-seccomp-policy")
	data, err := io.ReadAll(pipe)
	if err != nil {
		fatalInit("reading seccomp policy: %v", err)
	}
	pipe.Close()

	var payload seccompReexecPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		fatalInit("decoding seccomp policy: %v", err)
	}

	if payload.Policy != nil {
		if err := seccomp.FromPolicy(payload.Policy).Apply(); err != nil {
			fatalInit("applying seccomp filter: %v", err)
		}
	}

	if err := syscall.Chroot(rootPath); err != nil {
		fatalInit("chroot %s: %v", rootPath, err)
	}
	if err := syscall.Chdir("/"); err != nil {
		fatalInit("chdir: %v", err)
	}

	execErr := syscall.Exec(program, append([]string{program}, args...), payload.Env)
	fatalInit("exec %s: %v", program, execErr)
}

func fatalInit(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "cvdinit: "+format+"\n", args...)
	os.Exit(1)
}
