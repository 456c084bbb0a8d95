// Package fridge is the ingredient store the build executor (component G,
// step 6) consults to make sure every host toolchain, build ingredient and
// runtime ingredient a recipe names is present on disk before the build
// runs. Ensure resolves a channel to a concrete version, checks the local
// cache, and fetches on a miss; Resolve and Fetch are also exposed
// separately (supplemented from the original implementation, which let
// callers pin a resolved version without triggering a redundant fetch and
// re-check staleness on a channel without re-downloading).
package fridge

import (
	"context"
	"os"
	"path/filepath"
	"sync"

	"github.com/cookos/cook/pkg/errkind"
)

// Ingredient identifies one resolved, on-disk dependency.
type Ingredient struct {
	Name     string
	Channel  string
	Version  string
	Arch     string
	Platform string
	Path     string
}

// Resolver resolves a channel to the version that currently satisfies it,
// e.g. by querying a remote index. Channels are mutable (stable, nightly,
// pinned-by-name, ...); a version once published never changes.
type Resolver interface {
	Resolve(ctx context.Context, name, channel, arch, platform string) (version string, err error)
}

// Fetcher downloads one resolved ingredient version into the local store
// and reports the path it landed at.
type Fetcher interface {
	Fetch(ctx context.Context, name, version, arch, platform string) (path string, err error)
}

// Store is the combined interface the build executor depends on.
type Store interface {
	Resolver
	Fetcher
	// Ensure resolves name/channel to a version if version is empty,
	// checks whether that version is already present, fetches it if not,
	// and returns the local path to use.
	Ensure(ctx context.Context, name, channel, version, arch, platform string) (Ingredient, error)
}

// LocalStore is a reference Store backed by a directory on disk, laid out
// as <root>/<name>/<version>/<arch>-<platform>. It delegates resolution
// and fetching to an injected Resolver/Fetcher pair and only adds the
// local-cache check and directory bookkeeping around them.
type LocalStore struct {
	root     string
	resolver Resolver
	fetcher  Fetcher

	mu    sync.Mutex
	cache map[string]string // "name/version/arch/platform" -> path
}

func NewLocalStore(root string, resolver Resolver, fetcher Fetcher) *LocalStore {
	return &LocalStore{root: root, resolver: resolver, fetcher: fetcher, cache: map[string]string{}}
}

func cacheKey(name, version, arch, platform string) string {
	return name + "/" + version + "/" + arch + "/" + platform
}

func (s *LocalStore) Resolve(ctx context.Context, name, channel, arch, platform string) (string, error) {
	version, err := s.resolver.Resolve(ctx, name, channel, arch, platform)
	if err != nil {
		return "", errkind.Wrap(errkind.NotFound, err, "resolving %s@%s for %s/%s", name, channel, arch, platform)
	}
	return version, nil
}

func (s *LocalStore) Fetch(ctx context.Context, name, version, arch, platform string) (string, error) {
	key := cacheKey(name, version, arch, platform)

	s.mu.Lock()
	if path, ok := s.cache[key]; ok {
		s.mu.Unlock()
		return path, nil
	}
	s.mu.Unlock()

	dest := filepath.Join(s.root, name, version, arch+"-"+platform)
	if info, err := os.Stat(dest); err == nil && info.IsDir() {
		s.mu.Lock()
		s.cache[key] = dest
		s.mu.Unlock()
		return dest, nil
	}

	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return "", errkind.Wrap(errkind.IOFailure, err, "preparing ingredient directory for %s", name)
	}

	path, err := s.fetcher.Fetch(ctx, name, version, arch, platform)
	if err != nil {
		return "", errkind.Wrap(errkind.Unavailable, err, "fetching %s@%s for %s/%s", name, version, arch, platform)
	}

	s.mu.Lock()
	s.cache[key] = path
	s.mu.Unlock()
	return path, nil
}

// Ensure implements Store.
func (s *LocalStore) Ensure(ctx context.Context, name, channel, version, arch, platform string) (Ingredient, error) {
	if version == "" {
		resolved, err := s.Resolve(ctx, name, channel, arch, platform)
		if err != nil {
			return Ingredient{}, err
		}
		version = resolved
	}

	path, err := s.Fetch(ctx, name, version, arch, platform)
	if err != nil {
		return Ingredient{}, err
	}

	return Ingredient{
		Name: name, Channel: channel, Version: version,
		Arch: arch, Platform: platform, Path: path,
	}, nil
}
