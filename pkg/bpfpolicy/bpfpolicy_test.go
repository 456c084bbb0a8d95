package bpfpolicy

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookos/cook/pkg/policy"
)

func TestSupportedDetectsBPFLSM(t *testing.T) {
	orig := lsmListPath
	defer func() { lsmListPath = orig }()

	dir := t.TempDir()
	path := filepath.Join(dir, "lsm")
	require.NoError(t, os.WriteFile(path, []byte("capability,yama,bpf\n"), 0o644))
	lsmListPath = path

	ok, err := Supported()
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestSupportedFalseWhenAbsent(t *testing.T) {
	orig := lsmListPath
	defer func() { lsmListPath = orig }()

	dir := t.TempDir()
	path := filepath.Join(dir, "lsm")
	require.NoError(t, os.WriteFile(path, []byte("capability,yama\n"), 0o644))
	lsmListPath = path

	ok, err := Supported()
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestSupportedFalseWhenFileMissing(t *testing.T) {
	orig := lsmListPath
	defer func() { lsmListPath = orig }()
	lsmListPath = filepath.Join(t.TempDir(), "does-not-exist")

	ok, err := Supported()
	require.NoError(t, err)
	assert.False(t, ok)
}

func newTestManager() *Manager {
	return &Manager{trackers: map[string][]mapKey{}}
}

func TestPopulateRejectsInvalidContainerID(t *testing.T) {
	m := newTestManager()
	pol := policy.New(policy.Minimal, policy.DefaultConfig())
	err := m.Populate(".leading-dot", "/", pol)
	require.Error(t, err)
}

func TestPopulateNotFoundWithoutCgroup(t *testing.T) {
	orig := cgroupRoot
	defer func() { cgroupRoot = orig }()
	cgroupRoot = filepath.Join(t.TempDir(), "no-such-cgroupfs")

	m := newTestManager()
	pol := policy.New(policy.Minimal, policy.DefaultConfig())
	err := m.Populate("c1", "/", pol)
	require.Error(t, err)
}

func TestCleanupOnUntrackedContainerIsNoop(t *testing.T) {
	m := newTestManager()
	require.NoError(t, m.Cleanup("never-populated"))
}

func TestValidContainerID(t *testing.T) {
	assert.True(t, validContainerID("abc-123_XYZ.1"))
	assert.False(t, validContainerID(".hidden"))
	assert.False(t, validContainerID(""))
	assert.False(t, validContainerID("has a space"))
}

func TestLoadIfAvailableDegradesWhenLSMAbsent(t *testing.T) {
	orig := lsmListPath
	defer func() { lsmListPath = orig }()
	lsmListPath = filepath.Join(t.TempDir(), "does-not-exist")

	m, err := LoadIfAvailable("/nonexistent/object.o", DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, m)
}

func TestLoadIfAvailableDegradesWhenObjectMissing(t *testing.T) {
	orig := lsmListPath
	defer func() { lsmListPath = orig }()

	dir := t.TempDir()
	path := filepath.Join(dir, "lsm")
	require.NoError(t, os.WriteFile(path, []byte("bpf\n"), 0o644))
	lsmListPath = path

	m, err := LoadIfAvailable(filepath.Join(dir, "missing.o"), DefaultConfig())
	require.NoError(t, err)
	assert.Nil(t, m)
}
