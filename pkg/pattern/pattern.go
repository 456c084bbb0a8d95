// Package pattern implements component A: a glob-style path pattern
// compiler and matcher. Patterns compile to either a deterministic
// automaton (the enforcement path) or are matched by direct recursive
// backtracking (the reference oracle, §8 parity property). Both modes
// must agree on every input.
package pattern

import (
	"fmt"

	"github.com/cookos/cook/pkg/errkind"
)

// AccessMask is a bitfield over READ/WRITE/EXEC, matching the BPF allow-map
// value layout in §6.
type AccessMask uint8

const (
	Read  AccessMask = 1 << 0
	Write AccessMask = 1 << 1
	Exec  AccessMask = 1 << 2
)

func (m AccessMask) Has(required AccessMask) bool {
	return m&required == required
}

func (m AccessMask) String() string {
	s := ""
	if m&Read != 0 {
		s += "r"
	}
	if m&Write != 0 {
		s += "w"
	}
	if m&Exec != 0 {
		s += "x"
	}
	if s == "" {
		return "-"
	}
	return s
}

// PathPattern is one glob plus the access it grants when matched.
type PathPattern struct {
	Glob   string
	Access AccessMask
}

// CompileFlags modify how a pattern set is compiled.
type CompileFlags uint8

const (
	CaseInsensitive CompileFlags = 1 << 0
)

// CompileConfig bounds the compiler's work, mirroring §4.A.
type CompileConfig struct {
	MaxPatterns      int
	MaxPatternLength int
	MaxClasses       int
	MaxStates        int
}

// DefaultConfig returns the bounds used when a caller doesn't override them.
func DefaultConfig() CompileConfig {
	return CompileConfig{
		MaxPatterns:      256,
		MaxPatternLength: 4096,
		MaxClasses:       256,
		MaxStates:        16384,
	}
}

// Mode selects which compiler backend produces the CompiledProfile.
type Mode int

const (
	// ModeDFA is the default enforcement backend.
	ModeDFA Mode = iota
	// ModeBacktrack keeps the patterns around and matches them by
	// recursive backtracking on every call; it never touches the DFA
	// machinery and exists to serve as the parity oracle in tests.
	ModeBacktrack
)

// CompiledProfile is the result of Compile: either a DFA (automaton
// non-nil) or a backtracking profile (patterns non-nil), per Mode.
type CompiledProfile struct {
	mode        Mode
	caseFold    bool
	automaton   *automaton
	patterns    []PathPattern
}

// CompileError reports why a pattern set failed to compile. The caller's
// previous profile, if any, remains usable (§4.A failure semantics).
// Compile returns it wrapped in an errkind-tagged error, so callers
// reach it with errors.As.
type CompileError struct {
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("pattern: compile failed: %s", e.Reason)
}

// Compile builds a CompiledProfile from a set of patterns. Both ModeDFA and
// ModeBacktrack accept identical input and must agree on every match.
func Compile(patterns []PathPattern, flags CompileFlags, mode Mode, cfg CompileConfig) (*CompiledProfile, error) {
	if cfg.MaxPatterns == 0 && cfg.MaxPatternLength == 0 {
		cfg = DefaultConfig()
	}
	if len(patterns) > cfg.MaxPatterns {
		reason := fmt.Sprintf("%d patterns exceeds max %d", len(patterns), cfg.MaxPatterns)
		return nil, errkind.Wrap(errkind.InvalidArgument, &CompileError{Reason: reason}, "%s", reason)
	}
	for _, p := range patterns {
		if len(p.Glob) > cfg.MaxPatternLength {
			reason := fmt.Sprintf("pattern %q exceeds max length %d", p.Glob, cfg.MaxPatternLength)
			return nil, errkind.Wrap(errkind.InvalidArgument, &CompileError{Reason: reason}, "%s", reason)
		}
	}

	caseFold := flags&CaseInsensitive != 0

	if mode == ModeBacktrack {
		cp := make([]PathPattern, len(patterns))
		copy(cp, patterns)
		return &CompiledProfile{mode: ModeBacktrack, caseFold: caseFold, patterns: cp}, nil
	}

	a, err := buildAutomaton(patterns, caseFold, cfg)
	if err != nil {
		return nil, err
	}
	return &CompiledProfile{mode: ModeDFA, caseFold: caseFold, automaton: a}, nil
}

// Match reports whether path is accepted by the profile, and if so the
// union of access bits granted by every pattern that matched it. matched is
// true iff some compiled pattern accepts path and granted is a superset of
// required.
func Match(profile *CompiledProfile, path string, required AccessMask) (matched bool, granted AccessMask) {
	if profile == nil {
		return false, 0
	}
	var accepted bool
	switch profile.mode {
	case ModeBacktrack:
		for _, p := range profile.patterns {
			if backtrackMatch(p.Glob, path, profile.caseFold) {
				accepted = true
				granted |= p.Access
			}
		}
	default:
		accepted, granted = profile.automaton.match(path)
	}
	return accepted && granted.Has(required), granted
}
