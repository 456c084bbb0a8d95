// Package bpfpolicy implements component D: the BPF LSM-backed allow-map
// that the container runtime populates per-container and the in-kernel
// hook consults on every inode access. Detection, map population and
// cleanup are grounded on the BPF loader/attacher pattern used throughout
// the example pack's cilium/ebpf-based LSM modules.
package bpfpolicy

import (
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/sirupsen/logrus"

	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/policy"
)

var containerIDPattern = regexp.MustCompile(`^[A-Za-z0-9._-]+$`)

func validContainerID(id string) bool {
	return id != "" && id[0] != '.' && containerIDPattern.MatchString(id)
}

// cgroupRoot is the cgroupfs mountpoint a container's id is resolved
// under; a var so tests can redirect it.
var cgroupRoot = "/sys/fs/cgroup"

func statInode(path string) (dev, ino uint64, ok bool) {
	var st syscall.Stat_t
	if err := syscall.Stat(path, &st); err != nil {
		return 0, 0, false
	}
	return uint64(st.Dev), uint64(st.Ino), true
}

// MaxEntriesPerContainer bounds how many (dev, ino) allow entries a single
// container's tracker may accumulate, independent of the map's own total
// kernel capacity (§4.D).
const MaxEntriesPerContainer = 10240

// lsmListPath is a var, not a const, so tests can point it at a fixture.
var lsmListPath = "/sys/kernel/security/lsm"

// Supported reports whether the running kernel has the "bpf" LSM enabled,
// by checking the comma-separated /sys/kernel/security/lsm listing. A
// seccomp-only fallback (component C) is used when this returns false.
func Supported() (bool, error) {
	data, err := os.ReadFile(lsmListPath)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, errkind.Wrap(errkind.IOFailure, err, "reading %s", lsmListPath)
	}
	for _, lsm := range strings.Split(strings.TrimSpace(string(data)), ",") {
		if lsm == "bpf" {
			return true, nil
		}
	}
	return false, nil
}

// LoadIfAvailable returns a ready Manager loading objectPath, or (nil,
// nil) when the kernel has no "bpf" LSM or objectPath does not exist -
// the two daemons that need a Manager treat both as "run under seccomp
// alone" rather than a startup failure (§7, Unavailable degrades).
func LoadIfAvailable(objectPath string, cfg Config) (*Manager, error) {
	supported, err := Supported()
	if err != nil || !supported {
		return nil, err
	}
	if _, statErr := os.Stat(objectPath); statErr != nil {
		return nil, nil
	}
	return New(func() (*ebpf.CollectionSpec, error) {
		return ebpf.LoadCollectionSpec(objectPath)
	}, cfg)
}

// AllowEntry is one (dev, ino) -> access_mask grant, mirroring the access
// bits the pattern matcher (component A) computed for a container's
// compiled profile.
type AllowEntry struct {
	Dev  uint64
	Ino  uint64
	Mask uint32
}

// mapKey is the allow-map's key layout: process-wide, scoped by cgroup so
// entries from different containers never collide even when two
// containers' rootfs layers share an underlying inode.
type mapKey struct {
	CgroupID uint64
	Dev      uint64
	Ino      uint64
}

// Loader produces the compiled BPF collection spec (object built out of
// band; this package only loads, attaches and populates it).
type Loader func() (*ebpf.CollectionSpec, error)

// Manager owns the loaded collection, the attached LSM link and the
// allow-map, plus a per-container tracker so Cleanup can batch-delete
// exactly the entries a container owns.
type Manager struct {
	coll     *ebpf.Collection
	allowMap *ebpf.Map
	lsmLink  link.Link
	pinPath  string

	trackers map[string][]mapKey
}

// Config names the pinned map directory and the program/map names expected
// in the loaded collection.
type Config struct {
	PinPath      string
	ProgramName  string
	AllowMapName string
}

func DefaultConfig() Config {
	return Config{
		PinPath:      "/sys/fs/bpf/cook",
		ProgramName:  "lsm_inode_permission",
		AllowMapName: "cook_allow_map",
	}
}

// New loads the collection from load, pins its maps under cfg.PinPath and
// attaches the LSM program. It raises the memlock rlimit first, per every
// cilium/ebpf-based loader in the pack.
func New(load Loader, cfg Config) (*Manager, error) {
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, errkind.Wrap(errkind.InternalError, err, "removing memlock rlimit")
	}

	spec, err := load()
	if err != nil {
		return nil, errkind.Wrap(errkind.InternalError, err, "loading BPF collection spec")
	}

	if err := os.MkdirAll(cfg.PinPath, 0o700); err != nil {
		return nil, errkind.Wrap(errkind.IOFailure, err, "creating pin directory %s", cfg.PinPath)
	}

	coll, err := ebpf.NewCollectionWithOptions(spec, ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: cfg.PinPath},
	})
	if err != nil {
		return nil, errkind.Wrap(errkind.InternalError, err, "instantiating BPF collection")
	}

	allowMap, ok := coll.Maps[cfg.AllowMapName]
	if !ok {
		coll.Close()
		return nil, errkind.New(errkind.InternalError, "collection has no map %q", cfg.AllowMapName)
	}

	prog, ok := coll.Programs[cfg.ProgramName]
	if !ok {
		coll.Close()
		return nil, errkind.New(errkind.InternalError, "collection has no program %q", cfg.ProgramName)
	}

	lsmLink, err := link.AttachLSM(link.LSMOptions{Program: prog})
	if err != nil {
		coll.Close()
		return nil, errkind.Wrap(errkind.InternalError, err, "attaching LSM hook")
	}

	return &Manager{
		coll:     coll,
		allowMap: allowMap,
		lsmLink:  lsmLink,
		pinPath:  cfg.PinPath,
		trackers: map[string][]mapKey{},
	}, nil
}

// Populate resolves containerID's cgroup inode, stats each of pol's
// allow-paths under rootPath and inserts the resulting (cgroup, dev, ino)
// -> access_mask entries. Paths that cannot be stat'd are silently
// skipped; entries beyond MaxEntriesPerContainer are dropped with a
// warning rather than failing the call (§4.D invariant III: the container
// still runs, just without that path enforced).
func (m *Manager) Populate(containerID, rootPath string, pol *policy.Policy) error {
	if !validContainerID(containerID) {
		return errkind.New(errkind.InvalidArgument, "invalid container id %q", containerID)
	}

	_, cgroupID, ok := statInode(filepath.Join(cgroupRoot, containerID))
	if !ok {
		return errkind.New(errkind.NotFound, "no cgroup found for container %s", containerID)
	}

	existing := m.trackers[containerID]
	keys := make([]mapKey, 0, len(pol.AllowPaths))
	values := make([]uint32, 0, len(pol.AllowPaths))
	dropped := 0

	for _, rule := range pol.AllowPaths {
		if len(existing)+len(keys) >= MaxEntriesPerContainer {
			dropped++
			continue
		}
		pdev, ino, ok := statInode(filepath.Join(rootPath, rule.Path))
		if !ok {
			continue
		}
		keys = append(keys, mapKey{CgroupID: cgroupID, Dev: pdev, Ino: ino})
		values = append(values, uint32(rule.Access))
	}

	if dropped > 0 {
		logrus.WithFields(logrus.Fields{
			"container": containerID,
			"dropped":   dropped,
		}).Warn("bpfpolicy: allow-map entry cap reached, dropping excess paths")
	}

	if len(keys) > 0 {
		if _, err := m.allowMap.BatchUpdate(keys, values, nil); err != nil {
			for i := range keys {
				if putErr := m.allowMap.Put(&keys[i], &values[i]); putErr != nil {
					return errkind.Wrap(errkind.InternalError, putErr, "populating allow-map entry %d for %s", i, containerID)
				}
			}
		}
	}

	m.trackers[containerID] = append(existing, keys...)
	return nil
}

// Cleanup removes every entry Populate inserted for containerID, batched
// where the kernel supports it and falling back to individual deletes
// entry-by-entry otherwise (§4.D, "batch-clean on destroy").
func (m *Manager) Cleanup(containerID string) error {
	keys, ok := m.trackers[containerID]
	if !ok || len(keys) == 0 {
		delete(m.trackers, containerID)
		return nil
	}

	if _, err := m.allowMap.BatchDelete(keys, nil); err != nil {
		for _, k := range keys {
			k := k
			if delErr := m.allowMap.Delete(&k); delErr != nil && delErr != ebpf.ErrKeyNotExist {
				delete(m.trackers, containerID)
				return errkind.Wrap(errkind.InternalError, delErr, "deleting allow-map entry for %s", containerID)
			}
		}
	}

	delete(m.trackers, containerID)
	return nil
}

// TrackedEntries reports how many allow-map entries containerID currently
// owns, for tests and diagnostics.
func (m *Manager) TrackedEntries(containerID string) int {
	return len(m.trackers[containerID])
}

// Close unpins the allow map, detaches the LSM hook, and releases the
// collection, in that order: unpin, detach, release.
func (m *Manager) Close() error {
	if err := m.allowMap.Unpin(); err != nil {
		return errkind.Wrap(errkind.InternalError, err, "unpinning allow map")
	}
	if m.lsmLink != nil {
		if err := m.lsmLink.Close(); err != nil {
			return errkind.Wrap(errkind.InternalError, err, "detaching LSM hook")
		}
	}
	m.coll.Close()
	return nil
}
