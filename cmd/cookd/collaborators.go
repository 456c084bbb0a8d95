package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/cookos/cook/pkg/container"
	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/fridge"
	"github.com/cookos/cook/pkg/recipe"
	"github.com/cookos/cook/pkg/rpc"
)

// newFridgeStore builds the reference fridge.Store cookd consults for
// every build's host toolchains and ingredients, backed by a directory
// under cookd's config dir and a registry reachable at registryURL.
func newFridgeStore(root, registryURL string, client *http.Client) fridge.Store {
	rc := &registryClient{baseURL: registryURL, client: client, root: root}
	return fridge.NewLocalStore(root, rc, rc)
}

// httpDownloader fetches a build's source image over plain HTTP(S); the
// recipe layer above decides what scheme/host a build's url names.
type httpDownloader struct{ client *http.Client }

func (d *httpDownloader) Download(ctx context.Context, url, destPath string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return errkind.Wrap(errkind.InvalidArgument, err, "building download request for %s", url)
	}
	resp, err := d.client.Do(req)
	if err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "downloading %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.New(errkind.IOFailure, "downloading %s: status %d", url, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "creating %s", destPath)
	}
	defer out.Close()
	if _, err := io.Copy(out, resp.Body); err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "writing %s", destPath)
	}
	return nil
}

// tarUnpacker expands a gzip'd tar source image into a build's sources
// directory.
type tarUnpacker struct{}

func (tarUnpacker) RemoteUnpack(ctx context.Context, imagePath, destDir string) error {
	f, err := os.Open(imagePath)
	if err != nil {
		return errkind.Wrap(errkind.IOFailure, err, "opening source image %s", imagePath)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return errkind.Wrap(errkind.InvalidBlob, err, "reading gzip header for %s", imagePath)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return errkind.Wrap(errkind.InvalidBlob, err, "reading tar entry from %s", imagePath)
		}

		target := filepath.Join(destDir, hdr.Name)
		if !strings.HasPrefix(target, filepath.Clean(destDir)+string(os.PathSeparator)) {
			return errkind.New(errkind.InvalidBlob, "tar entry %q escapes destination", hdr.Name)
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, os.FileMode(hdr.Mode)); err != nil {
				return errkind.Wrap(errkind.IOFailure, err, "creating %s", target)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return errkind.Wrap(errkind.IOFailure, err, "creating parent directory for %s", target)
			}
			out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, os.FileMode(hdr.Mode))
			if err != nil {
				return errkind.Wrap(errkind.IOFailure, err, "creating %s", target)
			}
			if _, err := io.Copy(out, tr); err != nil {
				out.Close()
				return errkind.Wrap(errkind.IOFailure, err, "writing %s", target)
			}
			out.Close()
		}
	}
}

// tarPacker packs a build's sources directory into a single gzip'd tar
// artifact. It reports packed=false, not an error, when the directory has
// nothing worth packing.
type tarPacker struct{}

func (tarPacker) Pack(ctx context.Context, sourcesDir, outputPath string) (bool, error) {
	entries, err := os.ReadDir(sourcesDir)
	if err != nil {
		return false, errkind.Wrap(errkind.IOFailure, err, "reading %s", sourcesDir)
	}
	if len(entries) == 0 {
		return false, nil
	}

	out, err := os.Create(outputPath)
	if err != nil {
		return false, errkind.Wrap(errkind.IOFailure, err, "creating %s", outputPath)
	}
	defer out.Close()

	gz := gzip.NewWriter(out)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()

	err = filepath.Walk(sourcesDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(sourcesDir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = rel
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return false, errkind.Wrap(errkind.IOFailure, err, "packing %s", sourcesDir)
	}
	return true, nil
}

// localUploader copies a finished artifact into a local directory and
// reports a file:// URI. Production deployments that need object storage
// swap this for an adapter hitting whatever bucket is configured; nothing
// in the retrieval pack's stack names a specific one, so this stays the
// local reference implementation.
type localUploader struct{ dir string }

func (u *localUploader) Upload(ctx context.Context, kind rpc.ArtifactKind, localPath string) (string, error) {
	if err := os.MkdirAll(u.dir, 0o755); err != nil {
		return "", errkind.Wrap(errkind.IOFailure, err, "creating artifact directory %s", u.dir)
	}
	dest := filepath.Join(u.dir, filepath.Base(localPath))
	data, err := os.ReadFile(localPath)
	if err != nil {
		return "", errkind.Wrap(errkind.IOFailure, err, "reading %s", localPath)
	}
	if err := os.WriteFile(dest, data, 0o644); err != nil {
		return "", errkind.Wrap(errkind.IOFailure, err, "writing %s", dest)
	}
	return "file://" + dest, nil
}

// registryClient resolves and fetches ingredients against a remote
// registry's HTTP API: GET /resolve for a channel's current version, GET
// /fetch for a version's archive, unpacked with the same tar+gzip code
// source images use.
type registryClient struct {
	baseURL string
	client  *http.Client
	root    string
}

type resolveResponse struct {
	Version string `json:"version"`
}

func (r *registryClient) Resolve(ctx context.Context, name, channel, arch, platform string) (string, error) {
	u := fmt.Sprintf("%s/resolve?%s", r.baseURL, url.Values{
		"name": {name}, "channel": {channel}, "arch": {arch}, "platform": {platform},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", errkind.Wrap(errkind.InvalidArgument, err, "building resolve request")
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return "", errkind.Wrap(errkind.Unavailable, err, "resolving %s@%s", name, channel)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errkind.New(errkind.NotFound, "resolving %s@%s: status %d", name, channel, resp.StatusCode)
	}

	var body resolveResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", errkind.Wrap(errkind.InvalidBlob, err, "decoding resolve response for %s", name)
	}
	return body.Version, nil
}

func (r *registryClient) Fetch(ctx context.Context, name, version, arch, platform string) (string, error) {
	u := fmt.Sprintf("%s/fetch?%s", r.baseURL, url.Values{
		"name": {name}, "version": {version}, "arch": {arch}, "platform": {platform},
	}.Encode())

	dest := filepath.Join(r.root, name, version, arch+"-"+platform)
	archive := dest + ".tar.gz"
	if err := os.MkdirAll(filepath.Dir(archive), 0o755); err != nil {
		return "", errkind.Wrap(errkind.IOFailure, err, "preparing ingredient directory for %s", name)
	}

	downloader := &httpDownloader{client: r.client}
	if err := downloader.Download(ctx, u, archive); err != nil {
		return "", err
	}
	defer os.Remove(archive)

	if err := os.MkdirAll(dest, 0o755); err != nil {
		return "", errkind.Wrap(errkind.IOFailure, err, "creating %s", dest)
	}
	if err := (tarUnpacker{}).RemoteUnpack(ctx, archive, dest); err != nil {
		return "", err
	}
	return dest, nil
}

// containerExec is the shared plumbing behind PackageInstaller, HookRunner
// and Oven: every one of them is "run a command in an already-running
// container and fail if it exits non-zero".
type containerExec struct {
	containers *container.Manager
}

func (c *containerExec) run(ctx context.Context, containerID, program string, args, env []string) error {
	code, err := c.containers.ExecWait(ctx, containerID, program, args, env)
	if err != nil {
		return err
	}
	if code != 0 {
		return errkind.New(errkind.BuildFailed, "%s exited %d", program, code)
	}
	return nil
}

// aptPackageInstaller applies a package delta via the container's
// in-container package manager script (§4.G step 7).
type aptPackageInstaller struct{ exec *containerExec }

func (p *aptPackageInstaller) InstallDelta(ctx context.Context, containerID string, add, remove []string) error {
	if len(remove) > 0 {
		args := append([]string{"remove", "-y"}, remove...)
		if err := p.exec.run(ctx, containerID, "/usr/bin/apt-get", args, nil); err != nil {
			return err
		}
	}
	if len(add) > 0 {
		args := append([]string{"install", "-y"}, add...)
		if err := p.exec.run(ctx, containerID, "/usr/bin/apt-get", args, nil); err != nil {
			return err
		}
	}
	return nil
}

// shellHookRunner runs a recipe's environment setup hook as a shell
// script inside the container (§4.G step 8).
type shellHookRunner struct{ exec *containerExec }

func (h *shellHookRunner) RunHook(ctx context.Context, containerID, script string) error {
	return h.exec.run(ctx, containerID, "/bin/sh", []string{"-c", script}, nil)
}

// containerOven invokes one recipe step inside the container (§4.G step
// 9): a script step runs verbatim under a shell, a generate/build step
// runs step.System with its options flattened to "--key value" flags
// ahead of its positional arguments.
type containerOven struct{ exec *containerExec }

func (o *containerOven) Invoke(ctx context.Context, containerID string, step recipe.Step) error {
	if step.Kind == recipe.StepScript {
		return o.exec.run(ctx, containerID, "/bin/sh", []string{"-c", step.Script}, step.Env)
	}

	args := flattenOptions(step.Options)
	args = append(args, step.Arguments...)
	return o.exec.run(ctx, containerID, step.System, args, step.Env)
}

func flattenOptions(options map[string]string) []string {
	keys := make([]string, 0, len(options))
	for k := range options {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	args := make([]string, 0, len(keys)*2)
	for _, k := range keys {
		args = append(args, fmt.Sprintf("--%s", k), options[k])
	}
	return args
}

// logNotifier reports build/artifact events through the daemon's logger
// when no rpc.Transport client is configured, and through one when it is.
type logNotifier struct {
	logger    *logrus.Entry
	transport rpc.Transport
}

func (n *logNotifier) NotifyBuild(ctx context.Context, ev rpc.BuildEvent) error {
	n.logger.WithFields(logrus.Fields{"build": ev.ID, "status": ev.Status}).Info("build status")
	if n.transport != nil {
		return n.transport.SendBuildEvent(ctx, ev)
	}
	return nil
}

func (n *logNotifier) NotifyArtifact(ctx context.Context, ev rpc.ArtifactEvent) error {
	n.logger.WithFields(logrus.Fields{"build": ev.ID, "kind": ev.Type, "uri": ev.URI}).Info("artifact ready")
	if n.transport != nil {
		return n.transport.SendArtifactEvent(ctx, ev)
	}
	return nil
}
