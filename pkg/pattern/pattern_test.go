package pattern

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileBoth(t *testing.T, patterns []PathPattern, flags CompileFlags) (*CompiledProfile, *CompiledProfile) {
	t.Helper()
	cfg := DefaultConfig()
	dfa, err := Compile(patterns, flags, ModeDFA, cfg)
	require.NoError(t, err)
	bt, err := Compile(patterns, flags, ModeBacktrack, cfg)
	require.NoError(t, err)
	return dfa, bt
}

func assertParity(t *testing.T, patterns []PathPattern, flags CompileFlags, path string, wantMatch bool) {
	t.Helper()
	dfa, bt := compileBoth(t, patterns, flags)
	gotDFA, _ := Match(dfa, path, 0)
	gotBT, _ := Match(bt, path, 0)
	assert.Equal(t, wantMatch, gotDFA, "DFA mode for %q", path)
	assert.Equal(t, wantMatch, gotBT, "backtrack mode for %q", path)
	assert.Equal(t, gotBT, gotDFA, "parity mismatch for %q", path)
}

func TestScenarioPatternParity(t *testing.T) {
	patterns := []PathPattern{
		{Glob: "/stress/**/system.log", Access: Read},
		{Glob: "/stress/*/tmp?/file[0-9]*.txt", Access: Read},
		{Glob: "/stress/[a-z]*/branch/**/end", Access: Read},
	}
	cases := []struct {
		path string
		want bool
	}{
		{"/stress/a/b/c/system.log", true},
		{"/stress/root/tmp1/file123.txt", true},
		{"/stress/alpha/branch/x/y/z/end", true},
		{"/stress/root/tmp12/file123.txt", false},
		{"/stress/1/branch/x/end", false},
		{"/other/a/b/system.log", false},
	}
	for _, c := range cases {
		assertParity(t, patterns, 0, c.path, c.want)
	}
}

func TestScenarioCaseInsensitive(t *testing.T) {
	patterns := []PathPattern{{Glob: "/DEV/SDA?", Access: Read}}
	assertParity(t, patterns, CaseInsensitive, "/dev/sda1", true)
	assertParity(t, patterns, CaseInsensitive, "/dev/sdab", false)
}

func TestScenarioCharsetModifierDFA(t *testing.T) {
	patterns := []PathPattern{
		{Glob: "/dev/tty[0-9]+", Access: Read},
		{Glob: "/dev/port[0-9]?", Access: Read},
		{Glob: "/var/log/[a-z]*.log", Access: Read},
	}
	cases := []struct {
		path string
		want bool
	}{
		{"/dev/tty1", true},
		{"/dev/tty", false},
		{"/dev/port", true},
		{"/dev/port77", false},
		{"/var/log/system.log", true},
		{"/var/log/1.log", false},
	}
	for _, c := range cases {
		assertParity(t, patterns, 0, c.path, c.want)
	}
}

func TestMatchRequiredPermsGate(t *testing.T) {
	patterns := []PathPattern{{Glob: "/etc/passwd", Access: Read}}
	dfa, err := Compile(patterns, 0, ModeDFA, DefaultConfig())
	require.NoError(t, err)

	matched, granted := Match(dfa, "/etc/passwd", Read)
	assert.True(t, matched)
	assert.Equal(t, Read, granted)

	matched, granted = Match(dfa, "/etc/passwd", Write)
	assert.False(t, matched)
	assert.Equal(t, Read, granted)
}

func TestGrantedIsUnionOfOverlappingPatterns(t *testing.T) {
	patterns := []PathPattern{
		{Glob: "/data/*", Access: Read},
		{Glob: "/data/*", Access: Write},
	}
	dfa, err := Compile(patterns, 0, ModeDFA, DefaultConfig())
	require.NoError(t, err)
	matched, granted := Match(dfa, "/data/file", Read|Write)
	assert.True(t, matched)
	assert.Equal(t, Read|Write, granted)
}

func TestCompileBoundaryMaxPatterns(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPatterns = 2
	ok := []PathPattern{{Glob: "/a"}, {Glob: "/b"}}
	_, err := Compile(ok, 0, ModeDFA, cfg)
	require.NoError(t, err)

	tooMany := []PathPattern{{Glob: "/a"}, {Glob: "/b"}, {Glob: "/c"}}
	_, err = Compile(tooMany, 0, ModeDFA, cfg)
	require.Error(t, err)
}

func TestExportImportRoundTrip(t *testing.T) {
	patterns := []PathPattern{
		{Glob: "/lib/**", Access: Read | Exec},
		{Glob: "/etc/ld.so.*", Access: Read},
		{Glob: "/dev/null", Access: Read | Write},
	}
	dfa, err := Compile(patterns, 0, ModeDFA, DefaultConfig())
	require.NoError(t, err)

	blob, err := Export(dfa)
	require.NoError(t, err)

	imported, err := Import(blob)
	require.NoError(t, err)

	paths := []string{"/lib/x86_64/libc.so", "/etc/ld.so.cache", "/dev/null", "/dev/zero", "/root/.bashrc"}
	for _, p := range paths {
		wantMatch, wantGranted := Match(dfa, p, 0)
		gotMatch, gotGranted := Match(imported, p, 0)
		assert.Equal(t, wantMatch, gotMatch, p)
		assert.Equal(t, wantGranted, gotGranted, p)
	}
}

func TestImportRejectsPerturbedHeader(t *testing.T) {
	patterns := []PathPattern{{Glob: "/a/b*", Access: Read}}
	dfa, err := Compile(patterns, 0, ModeDFA, DefaultConfig())
	require.NoError(t, err)
	blob, err := Export(dfa)
	require.NoError(t, err)

	perturb := func(offset int, value uint32) []byte {
		cp := make([]byte, len(blob))
		copy(cp, blob)
		cp[offset] = byte(value)
		cp[offset+1] = byte(value >> 8)
		cp[offset+2] = byte(value >> 16)
		cp[offset+3] = byte(value >> 24)
		return cp
	}

	bad := [][]byte{
		perturb(16, 0xFFFFFFFF), // accept_words
		perturb(20, 0xFFFFFFFF), // classmap_off
		perturb(24, 0xFFFFFFFF), // transitions_off
		perturb(28, 0xFFFFFFFF), // perms_off
		perturb(40, 0xFFFFFFFF), // start_state
		perturb(36, 0),          // num_classes == 0
		perturb(36, 300),        // num_classes > 256
		blob[:len(blob)-4],      // truncated
	}
	for i, b := range bad {
		_, err := Import(b)
		assert.Error(t, err, "case %d", i)
	}
}

func TestExportRejectsBacktrackProfile(t *testing.T) {
	patterns := []PathPattern{{Glob: "/a"}}
	bt, err := Compile(patterns, 0, ModeBacktrack, DefaultConfig())
	require.NoError(t, err)
	_, err = Export(bt)
	assert.Error(t, err)
}
