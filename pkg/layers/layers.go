// Package layers implements component E: composing an ordered stack of
// rootfs layers into one scratch root, and unwinding it again. Mount
// handling follows the bind/overlay sequence the pack's container VMs use
// (mount the lower layers first, remount read-only where the layer asks
// for it, unmount in reverse order on teardown).
package layers

import (
	"archive/tar"
	"compress/gzip"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"

	"github.com/cookos/cook/pkg/errkind"
)

// Kind tags a layer's materialization strategy.
type Kind int

const (
	BaseRootfs Kind = iota
	VafsPackage
	HostDirectory
	Overlay
)

// Layer is one element of the ordered composition stack (§3). Path is
// used by BaseRootfs/VafsPackage/HostDirectory; Upper/Lower by Overlay.
type Layer struct {
	Kind     Kind
	Path     string
	Upper    string
	Lower    string
	Target   string // absolute path inside the container, e.g. "/"
	Readonly bool
}

// handle records what Compose did for one layer, so Teardown can reverse
// it precisely.
type handle struct {
	mountpoint string
	mounted    bool
	workdir    string // overlay-only scratch dir to remove
}

// LayerContext is the result of a successful Compose: the composed
// rootfs path plus enough per-layer state to unwind cleanly. It holds no
// reference back to the container that owns it (§9: ownership is
// tree-shaped, ctx is a leaf).
type LayerContext struct {
	RootPath string
	handles  []handle
}

// Compose materializes layers bottom-up under hostBaseDir/containerID,
// validating that exactly one BaseRootfs sits at index 0. Any failure
// triggers a full unwind of whatever had already been materialized before
// the error is returned.
func Compose(containerID string, layerList []Layer, hostBaseDir string) (*LayerContext, error) {
	if err := validateLayers(layerList); err != nil {
		return nil, err
	}

	root := filepath.Join(hostBaseDir, containerID, "root")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, errkind.Wrap(errkind.RootfsSetupFailed, err, "creating scratch root %s", root)
	}

	ctx := &LayerContext{RootPath: root}
	for i, l := range layerList {
		h, err := materialize(root, l)
		if err != nil {
			ctx.handles = append(ctx.handles, h)
			if unwindErr := ctx.Teardown(); unwindErr != nil {
				return nil, errkind.Wrap(errkind.RootfsSetupFailed, err, "materializing layer %d (unwind also failed: %v)", i, unwindErr)
			}
			return nil, errkind.Wrap(errkind.RootfsSetupFailed, err, "materializing layer %d", i)
		}
		ctx.handles = append(ctx.handles, h)
	}
	return ctx, nil
}

func validateLayers(layerList []Layer) error {
	if len(layerList) == 0 {
		return errkind.New(errkind.InvalidArgument, "layer stack is empty")
	}
	if layerList[0].Kind != BaseRootfs {
		return errkind.New(errkind.InvalidArgument, "layer at index 0 must be BaseRootfs")
	}
	for i, l := range layerList[1:] {
		if l.Kind == BaseRootfs {
			return errkind.New(errkind.InvalidArgument, "BaseRootfs found again at index %d, must be unique", i+1)
		}
	}
	return nil
}

func materialize(root string, l Layer) (handle, error) {
	target := filepath.Join(root, l.Target)
	if err := os.MkdirAll(target, 0o755); err != nil {
		return handle{}, fmt.Errorf("creating target %s: %w", target, err)
	}

	switch l.Kind {
	case BaseRootfs, HostDirectory:
		if err := unix.Mount(l.Path, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
			return handle{}, fmt.Errorf("bind-mounting %s onto %s: %w", l.Path, target, err)
		}
		h := handle{mountpoint: target, mounted: true}
		if l.Readonly {
			if err := remountReadonly(target); err != nil {
				return h, err
			}
		}
		return h, nil

	case VafsPackage:
		if err := unpackArchive(l.Path, target); err != nil {
			return handle{}, fmt.Errorf("unpacking %s into %s: %w", l.Path, target, err)
		}
		// Archives are materialized directly onto disk, not mounted; files
		// keep the modes recorded in the archive, and l.Readonly is not
		// applied to this layer.
		return handle{mountpoint: target, mounted: false}, nil

	case Overlay:
		workdir, err := os.MkdirTemp(filepath.Dir(target), "cook-overlay-work-")
		if err != nil {
			return handle{}, fmt.Errorf("creating overlay workdir: %w", err)
		}
		opts := fmt.Sprintf("lowerdir=%s,upperdir=%s,workdir=%s", l.Lower, l.Upper, workdir)
		if err := unix.Mount("overlay", target, "overlay", 0, opts); err != nil {
			os.RemoveAll(workdir)
			return handle{}, fmt.Errorf("overlay-mounting onto %s: %w", target, err)
		}
		h := handle{mountpoint: target, mounted: true, workdir: workdir}
		if l.Readonly {
			if err := remountReadonly(target); err != nil {
				return h, err
			}
		}
		return h, nil

	default:
		return handle{}, fmt.Errorf("unknown layer kind %d", l.Kind)
	}
}

func remountReadonly(target string) error {
	if err := unix.Mount("", target, "", unix.MS_REMOUNT|unix.MS_BIND|unix.MS_RDONLY, ""); err != nil {
		return fmt.Errorf("remounting %s readonly: %w", target, err)
	}
	return nil
}

// unpackArchive extracts a gzip-compressed tar archive, the VafsPackage
// format, onto disk under target. Nothing in the example pack pulls in a
// third-party archive library — every repo that unpacks tarballs reaches
// for archive/tar directly — so this stays on the standard library too
// (see DESIGN.md).
func unpackArchive(archivePath, target string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return err
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return err
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
		dest := filepath.Join(target, hdr.Name)
		if !withinDir(target, dest) {
			return fmt.Errorf("archive entry %q escapes target directory", hdr.Name)
		}
		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dest, os.FileMode(hdr.Mode)); err != nil {
				return err
			}
		case tar.TypeSymlink:
			if err := os.Symlink(hdr.Linkname, dest); err != nil {
				return err
			}
		default:
			if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
				return err
			}
			out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return err
			}
			_, copyErr := io.Copy(out, tr)
			closeErr := out.Close()
			if copyErr != nil {
				return copyErr
			}
			if closeErr != nil {
				return closeErr
			}
		}
	}
}

func withinDir(dir, path string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !filepathHasDotDotPrefix(rel)
}

func filepathHasDotDotPrefix(rel string) bool {
	return len(rel) >= 3 && rel[:3] == ".."+string(filepath.Separator)
}

// Teardown unwinds in reverse materialization order, detaching mounts and
// removing any scratch directories Compose created. It keeps going even
// if one step fails, and reports the last (worst) error encountered.
func (ctx *LayerContext) Teardown() error {
	var worst error
	for i := len(ctx.handles) - 1; i >= 0; i-- {
		h := ctx.handles[i]
		if h.mounted {
			if err := unix.Unmount(h.mountpoint, unix.MNT_DETACH); err != nil {
				worst = fmt.Errorf("unmounting %s: %w", h.mountpoint, err)
			}
		}
		if h.workdir != "" {
			if err := os.RemoveAll(h.workdir); err != nil && worst == nil {
				worst = fmt.Errorf("removing overlay workdir %s: %w", h.workdir, err)
			}
		}
	}
	if err := os.RemoveAll(ctx.RootPath); err != nil && worst == nil {
		worst = fmt.Errorf("removing scratch root %s: %w", ctx.RootPath, err)
	}
	ctx.handles = nil
	if worst != nil {
		return errkind.Wrap(errkind.RootfsSetupFailed, worst, "tearing down layer context")
	}
	return nil
}
