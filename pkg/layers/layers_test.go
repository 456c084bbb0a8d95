package layers

import (
	"archive/tar"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookos/cook/pkg/errkind"
)

func TestValidateLayersRequiresBaseRootfsFirst(t *testing.T) {
	err := validateLayers([]Layer{{Kind: HostDirectory, Target: "/"}})
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidArgument, errkind.Of(err))
}

func TestValidateLayersRejectsEmpty(t *testing.T) {
	err := validateLayers(nil)
	require.Error(t, err)
}

func TestValidateLayersRejectsDuplicateBaseRootfs(t *testing.T) {
	err := validateLayers([]Layer{
		{Kind: BaseRootfs, Target: "/"},
		{Kind: BaseRootfs, Target: "/"},
	})
	require.Error(t, err)
}

func TestValidateLayersAcceptsWellFormedStack(t *testing.T) {
	err := validateLayers([]Layer{
		{Kind: BaseRootfs, Target: "/"},
		{Kind: HostDirectory, Target: "/host", Readonly: true},
	})
	require.NoError(t, err)
}

func writeTestArchive(t *testing.T, path string, files map[string]string) {
	t.Helper()
	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	gz := gzip.NewWriter(f)
	defer gz.Close()
	tw := tar.NewWriter(gz)
	defer tw.Close()
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name: name,
			Mode: 0o644,
			Size: int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
}

func TestUnpackArchiveExtractsFiles(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "pkg.tar.gz")
	writeTestArchive(t, archivePath, map[string]string{
		"etc/motd": "hello\n",
		"bin/true": "\x7fELF",
	})

	target := filepath.Join(dir, "target")
	require.NoError(t, os.MkdirAll(target, 0o755))
	require.NoError(t, unpackArchive(archivePath, target))

	data, err := os.ReadFile(filepath.Join(target, "etc/motd"))
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(data))
}

func TestUnpackArchiveRejectsPathEscape(t *testing.T) {
	dir := t.TempDir()
	archivePath := filepath.Join(dir, "evil.tar.gz")
	writeTestArchive(t, archivePath, map[string]string{
		"../../etc/passwd": "pwned",
	})

	target := filepath.Join(dir, "target")
	require.NoError(t, os.MkdirAll(target, 0o755))
	err := unpackArchive(archivePath, target)
	require.Error(t, err)
}

func TestWithinDir(t *testing.T) {
	assert.True(t, withinDir("/a/b", "/a/b/c"))
	assert.False(t, withinDir("/a/b", "/a/c"))
	assert.False(t, withinDir("/a/b", "/a/b/../../etc/passwd"))
}
