// Package policy implements component B: the policy model that holds a
// named policy (profile type, syscall set, per-path allow/deny) built from
// a preset plus caller additions. It reuses pkg/pattern's AccessMask so the
// path bits here are exactly the bits the BPF allow-map and the pattern
// matcher (component A) agree on.
package policy

import (
	"sort"
	"strings"

	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/pattern"
)

// Type names a policy preset.
type Type int

const (
	Minimal Type = iota
	Build
	Network
	Custom
)

func (t Type) String() string {
	switch t {
	case Minimal:
		return "minimal"
	case Build:
		return "build"
	case Network:
		return "network"
	default:
		return "custom"
	}
}

// ParseAccess maps a custom_paths access CSV ("read,write,execute") onto
// an AccessMask, the same vocabulary ParseType uses for profile names.
func ParseAccess(csv string) (pattern.AccessMask, error) {
	var mask pattern.AccessMask
	for _, word := range strings.Split(csv, ",") {
		switch strings.TrimSpace(word) {
		case "read":
			mask |= pattern.Read
		case "write":
			mask |= pattern.Write
		case "execute":
			mask |= pattern.Exec
		case "":
			// tolerate trailing/leading commas
		default:
			return 0, errkind.New(errkind.InvalidArgument, "unknown path access %q", word)
		}
	}
	return mask, nil
}

// Resolve builds the Policy a container creation request should use,
// given the daemon's configured default profile and custom paths and the
// (optional) per-container profile selector the request carried on the
// wire. Per-container profile presence disables the daemon's global
// custom paths: a caller asking for a specific named profile gets exactly
// that profile, not the profile plus whatever the operator additionally
// opened up for the default policy.
func Resolve(sel []string, defaultType string, customPaths []PathRule) (*Policy, error) {
	profile := defaultType
	applyCustomPaths := true
	if len(sel) > 0 {
		profile = sel[0]
		applyCustomPaths = false
	}

	t, err := ParseType(profile)
	if err != nil {
		return nil, err
	}

	p := New(t, DefaultConfig())
	if applyCustomPaths && len(customPaths) > 0 {
		for _, rule := range customPaths {
			if err := p.AddPath(rule.Path, rule.Access); err != nil {
				return nil, err
			}
		}
	}
	return p, nil
}

// ParseType maps the config/wire string form (§6, "minimal"|"build"|"network"|"custom").
func ParseType(s string) (Type, error) {
	switch s {
	case "minimal":
		return Minimal, nil
	case "build":
		return Build, nil
	case "network":
		return Network, nil
	case "custom":
		return Custom, nil
	default:
		return Custom, errkind.New(errkind.InvalidArgument, "unknown policy type %q", s)
	}
}

// PathRule is one allow or deny entry: a literal path plus the access bits
// it grants or removes.
type PathRule struct {
	Path   string
	Access pattern.AccessMask
}

// Config bounds policy construction, per §3's "Bounded" invariant.
type Config struct {
	MaxAllowPaths int
	MaxSyscalls   int
	MaxDenyPaths  int
}

func DefaultConfig() Config {
	return Config{
		MaxAllowPaths: 256,
		MaxSyscalls:   256,
		MaxDenyPaths:  256,
	}
}

// Policy is a value type: it is consumed by the container (component F) at
// creation time and conceptually cloned into the BPF manager's map
// (component D) and the syscall filter (component C).
type Policy struct {
	Type       Type
	Syscalls   map[string]struct{}
	AllowPaths []PathRule
	DenyPaths  []PathRule

	// AuditMode switches the syscall filter's default action from
	// ERRNO(EPERM) to LOG instead of enforcing (§4.C.1, supplemented
	// from the legacy debug build flag in original_source/).
	AuditMode bool

	cfg Config
}

// New builds a Policy from a preset, with an empty Custom preset for
// callers that compose policies from scratch.
func New(t Type, cfg Config) *Policy {
	if cfg.MaxAllowPaths == 0 && cfg.MaxSyscalls == 0 {
		cfg = DefaultConfig()
	}
	p := &Policy{
		Type:     t,
		Syscalls: map[string]struct{}{},
		cfg:      cfg,
	}
	switch t {
	case Minimal:
		p.addSyscallsUnchecked(minimalSyscalls)
		p.addPathsUnchecked(minimalAllowPaths, pattern.Read|pattern.Exec)
	case Build:
		p.addSyscallsUnchecked(minimalSyscalls)
		p.addSyscallsUnchecked(buildSyscalls)
		p.addPathsUnchecked(minimalAllowPaths, pattern.Read|pattern.Exec)
	case Network:
		p.addSyscallsUnchecked(minimalSyscalls)
		p.addSyscallsUnchecked(networkSyscalls)
		p.addPathsUnchecked(minimalAllowPaths, pattern.Read|pattern.Exec)
	case Custom:
		// empty: caller composes from scratch
	}
	return p
}

func (p *Policy) addSyscallsUnchecked(names []string) {
	for _, n := range names {
		p.Syscalls[n] = struct{}{}
	}
}

func (p *Policy) addPathsUnchecked(paths []string, access pattern.AccessMask) {
	for _, path := range paths {
		p.AllowPaths = append(p.AllowPaths, PathRule{Path: path, Access: access})
	}
}

// AddSyscalls appends syscall names to the policy's allow-set, enforcing
// the 256-entry cap (§4.B).
func (p *Policy) AddSyscalls(names []string) error {
	if len(p.Syscalls)+len(names) > p.cfg.MaxSyscalls {
		return errkind.New(errkind.Capacity, "adding %d syscalls would exceed the %d cap", len(names), p.cfg.MaxSyscalls)
	}
	p.addSyscallsUnchecked(names)
	return nil
}

// AddPath appends one allow-path rule.
func (p *Policy) AddPath(path string, access pattern.AccessMask) error {
	return p.AddPaths([]string{path}, access)
}

// AddPaths appends multiple allow-path rules sharing one access mask.
func (p *Policy) AddPaths(paths []string, access pattern.AccessMask) error {
	if len(p.AllowPaths)+len(paths) > p.cfg.MaxAllowPaths {
		return errkind.New(errkind.Capacity, "adding %d allow paths would exceed the %d cap", len(paths), p.cfg.MaxAllowPaths)
	}
	p.addPathsUnchecked(paths, access)
	return nil
}

// DenyPath appends a deny-path rule, enforced against the configured
// ceiling on deny_paths.
func (p *Policy) DenyPath(path string, deny pattern.AccessMask) error {
	if len(p.DenyPaths)+1 > p.cfg.MaxDenyPaths {
		return errkind.New(errkind.Capacity, "adding a deny path would exceed the %d cap", p.cfg.MaxDenyPaths)
	}
	p.DenyPaths = append(p.DenyPaths, PathRule{Path: path, Access: deny})
	return nil
}

// Delete clears a policy's contents. Policy is a value type consumed at
// container creation; Delete exists for callers that want to release a
// policy's backing slices/maps explicitly rather than waiting on the
// garbage collector (e.g. after a failed container creation).
func Delete(p *Policy) {
	if p == nil {
		return
	}
	p.Syscalls = nil
	p.AllowPaths = nil
	p.DenyPaths = nil
}

// SyscallNames returns the policy's syscalls in sorted order, suitable for
// deterministic filter construction and tests.
func (p *Policy) SyscallNames() []string {
	out := make([]string, 0, len(p.Syscalls))
	for n := range p.Syscalls {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

var minimalAllowPaths = []string{
	"/lib", "/lib64", "/usr/lib",
	"/etc/ld.so.*",
	"/dev/null", "/dev/zero", "/dev/urandom", "/dev/random", "/dev/tty",
	"/proc/self",
	"/sys/devices/system/cpu",
}

var minimalSyscalls = []string{
	"exit", "exit_group",
	"read", "write", "readv", "writev", "pread64", "pwrite64",
	"open", "openat", "close", "lseek",
	"stat", "fstat", "lstat", "newfstatat",
	"access", "faccessat", "faccessat2",
	"getdents64", "readlink", "readlinkat",
	"brk", "mmap", "munmap", "mprotect", "mremap", "madvise",
	"clock_gettime", "clock_getres", "gettimeofday", "nanosleep", "clock_nanosleep",
	"rt_sigaction", "rt_sigprocmask", "rt_sigreturn", "sigaltstack",
	"select", "pselect6", "poll", "ppoll",
	"epoll_create1", "epoll_ctl", "epoll_wait", "epoll_pwait",
	"ioctl", "futex", "fcntl",
	"getpid", "getppid", "getuid", "geteuid", "getgid", "getegid",
	"uname", "getcwd", "getrandom", "arch_prctl",
	"set_tid_address", "set_robust_list", "rseq",
	"prlimit64", "getrlimit",
}

var buildSyscalls = []string{
	"clone", "clone3", "vfork", "fork", "execve", "execveat",
	"wait4", "waitid",
	"mkdir", "mkdirat", "rmdir",
	"unlink", "unlinkat", "rename", "renameat", "renameat2",
	"chmod", "fchmod", "fchmodat", "chown", "fchown", "fchownat",
	"truncate", "ftruncate",
	"symlink", "symlinkat", "link", "linkat",
	"mount", "umount2", "statfs", "fstatfs",
	"fsync", "fdatasync", "sync", "syncfs",
	"setxattr", "getxattr", "listxattr", "removexattr",
	"lsetxattr", "lgetxattr", "llistxattr", "lremovexattr",
	"fsetxattr", "fgetxattr", "flistxattr", "fremovexattr",
	"capget", "capset",
	"msgget", "msgsnd", "msgrcv", "semget", "semop", "semctl",
	"shmget", "shmat", "shmdt",
	"pipe", "pipe2", "dup", "dup2", "dup3",
}

var networkSyscalls = []string{
	"socket", "connect", "bind", "listen", "accept", "accept4",
	"sendto", "recvfrom", "sendmsg", "recvmsg",
	"getsockopt", "setsockopt", "getsockname", "getpeername",
	"shutdown", "socketpair",
}
