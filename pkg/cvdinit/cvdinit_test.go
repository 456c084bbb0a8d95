package cvdinit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRuntimeSpecDeclaresEveryNamespace(t *testing.T) {
	spec := runtimeSpec("c1")
	require.NotNil(t, spec.Linux)
	assert.Len(t, spec.Linux.Namespaces, len(namespaceSpecs))

	kinds := map[specs.LinuxNamespaceType]bool{}
	for _, ns := range spec.Linux.Namespaces {
		kinds[ns.Type] = true
	}
	assert.True(t, kinds[specs.PIDNamespace])
	assert.True(t, kinds[specs.MountNamespace])
	assert.True(t, kinds[specs.UTSNamespace])
	assert.True(t, kinds[specs.IPCNamespace])
}

func TestWriteRuntimeSpecWritesReadableConfig(t *testing.T) {
	dir := t.TempDir()
	rootPath := filepath.Join(dir, "c1", "rootfs")
	require.NoError(t, os.MkdirAll(rootPath, 0o755))

	writeRuntimeSpec("c1", rootPath)

	data, err := os.ReadFile(filepath.Join(dir, "c1", "c1.config.json"))
	require.NoError(t, err)

	var spec specs.Spec
	require.NoError(t, json.Unmarshal(data, &spec))
	assert.Equal(t, specs.Version, spec.Version)
}
