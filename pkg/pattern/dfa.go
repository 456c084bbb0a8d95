package pattern

import (
	"sort"
	"strconv"
	"strings"

	"github.com/cookos/cook/pkg/errkind"
)

// automaton is the compiled DFA: classMap collapses the 256-byte alphabet
// down to numClasses equivalence classes, transitions is a dense
// numStates*numClasses table, and perms/accept record, per state, the
// union of access bits granted by every pattern that ends there.
type automaton struct {
	classMap    [256]int
	transitions []int // numStates*numClasses
	numStates   int
	numClasses  int
	start       int
	perms       []AccessMask
	accept      []bool
}

func (a *automaton) match(path string) (bool, AccessMask) {
	state := a.start
	for i := 0; i < len(path); i++ {
		class := a.classMap[path[i]]
		state = a.transitions[state*a.numClasses+class]
	}
	return a.accept[state], a.perms[state]
}

// buildAutomaton compiles patterns into a DFA: Thompson-construct an NFA
// per pattern, partition the byte alphabet into equivalence classes over
// every mask the NFA edges reference, then run subset construction keyed
// on class rather than raw byte so the resulting table stays small.
func buildAutomaton(patterns []PathPattern, caseFold bool, cfg CompileConfig) (*automaton, error) {
	b := &nfaBuilder{}
	start := b.addState()

	var edgeMasks [][256]bool
	for idx, p := range patterns {
		toks, err := tokenize(p.Glob)
		if err != nil {
			return nil, errkind.Wrap(errkind.InvalidArgument, &CompileError{Reason: err.Error()}, "malformed pattern %q", p.Glob)
		}
		frag, err := b.buildPatternFragment(toks, caseFold)
		if err != nil {
			return nil, errkind.Wrap(errkind.InternalError, &CompileError{Reason: err.Error()}, "building NFA for %q", p.Glob)
		}
		b.addEps(start, frag.start)
		b.states[frag.end].acceptPattern = idx
	}
	for _, st := range b.states {
		for _, e := range st.edges {
			edgeMasks = append(edgeMasks, e.mask)
		}
	}

	classMap, numClasses, representative := partitionClasses(edgeMasks)
	if numClasses > cfg.MaxClasses {
		return nil, errkind.Wrap(errkind.CompileFailed, &CompileError{Reason: "pattern set needs more byte classes than the configured maximum"}, "byte class cap exceeded")
	}

	closure := func(set []int) []int {
		seen := map[int]bool{}
		var stack []int
		for _, s := range set {
			if !seen[s] {
				seen[s] = true
				stack = append(stack, s)
			}
		}
		for len(stack) > 0 {
			s := stack[len(stack)-1]
			stack = stack[:len(stack)-1]
			for _, e := range b.states[s].eps {
				if !seen[e] {
					seen[e] = true
					stack = append(stack, e)
				}
			}
		}
		out := make([]int, 0, len(seen))
		for s := range seen {
			out = append(out, s)
		}
		sort.Ints(out)
		return out
	}

	keyOf := func(set []int) string {
		var sb strings.Builder
		for _, s := range set {
			sb.WriteString(",")
			sb.WriteString(strconv.Itoa(s))
		}
		return sb.String()
	}

	type dfaState struct {
		nfaSet []int
	}
	var dfaStates []dfaState
	seenKey := map[string]int{}

	newDFAState := func(nfaSet []int) int {
		k := keyOf(nfaSet)
		if id, ok := seenKey[k]; ok {
			return id
		}
		id := len(dfaStates)
		dfaStates = append(dfaStates, dfaState{nfaSet: nfaSet})
		seenKey[k] = id
		return id
	}

	startSet := closure([]int{start})
	startID := newDFAState(startSet)

	transitions := map[int][]int{}
	for i := 0; i < len(dfaStates); i++ {
		if len(dfaStates) > cfg.MaxStates {
			return nil, errkind.Wrap(errkind.CompileFailed, &CompileError{Reason: "pattern set exceeded the maximum DFA state count"}, "DFA state cap exceeded")
		}
		row := make([]int, numClasses)
		for class := 0; class < numClasses; class++ {
			rb := representative[class]
			var moveSet []int
			for _, s := range dfaStates[i].nfaSet {
				for _, e := range b.states[s].edges {
					if e.mask[rb] {
						moveSet = append(moveSet, e.to)
					}
				}
			}
			if len(moveSet) == 0 {
				row[class] = newDFAState(nil)
				continue
			}
			row[class] = newDFAState(closure(moveSet))
		}
		transitions[i] = row
	}
	if len(dfaStates) > cfg.MaxStates {
		return nil, errkind.Wrap(errkind.CompileFailed, &CompileError{Reason: "pattern set exceeded the maximum DFA state count"}, "DFA state cap exceeded")
	}

	numStates := len(dfaStates)
	flat := make([]int, numStates*numClasses)
	perms := make([]AccessMask, numStates)
	accept := make([]bool, numStates)
	for i, st := range dfaStates {
		row := transitions[i]
		copy(flat[i*numClasses:(i+1)*numClasses], row)
		for _, nfaIdx := range st.nfaSet {
			if pat := b.states[nfaIdx].acceptPattern; pat >= 0 {
				accept[i] = true
				perms[i] |= patternAccess(patterns, pat)
			}
		}
	}

	return &automaton{
		classMap:    classMap,
		transitions: flat,
		numStates:   numStates,
		numClasses:  numClasses,
		start:       startID,
		perms:       perms,
		accept:      accept,
	}, nil
}

func patternAccess(patterns []PathPattern, idx int) AccessMask {
	if idx < 0 || idx >= len(patterns) {
		return 0
	}
	return patterns[idx].Access
}

// partitionClasses groups the 256-byte alphabet into equivalence classes:
// two bytes are equivalent iff they agree on membership in every edge mask
// the NFA references. This keeps the DFA's transition table keyed on class
// id instead of raw byte while guaranteeing no two bytes that the patterns
// ever distinguish get merged.
func partitionClasses(masks [][256]bool) (classMap [256]int, numClasses int, representative []int) {
	sigOf := func(b int) string {
		var sb strings.Builder
		for _, m := range masks {
			if m[b] {
				sb.WriteByte('1')
			} else {
				sb.WriteByte('0')
			}
		}
		return sb.String()
	}
	sigToClass := map[string]int{}
	for b := 0; b < 256; b++ {
		sig := sigOf(b)
		id, ok := sigToClass[sig]
		if !ok {
			id = len(sigToClass)
			sigToClass[sig] = id
			representative = append(representative, b)
		}
		classMap[b] = id
	}
	return classMap, len(sigToClass), representative
}
