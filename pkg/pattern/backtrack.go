package pattern

// backtrackMatch is the reference oracle: it walks the token sequence
// against the path by straightforward recursive backtracking, with no
// automaton involved. It is slower than the DFA but its correctness is
// easy to eyeball, which is the point of keeping it as the §8 parity
// oracle.
func backtrackMatch(glob, path string, caseFold bool) bool {
	toks, err := tokenize(glob)
	if err != nil {
		return false
	}
	return matchFrom(toks, 0, []byte(path), 0, caseFold)
}

func matchFrom(toks []token, ti int, path []byte, pi int, caseFold bool) bool {
	if ti == len(toks) {
		return pi == len(path)
	}
	t := toks[ti]
	switch t.kind {
	case tokLiteral:
		if pi < len(path) && byteEq(path[pi], t.lit, caseFold) {
			return matchFrom(toks, ti+1, path, pi+1, caseFold)
		}
		return false

	case tokAny:
		if pi < len(path) && path[pi] != '/' {
			return matchFrom(toks, ti+1, path, pi+1, caseFold)
		}
		return false

	case tokStar:
		return matchStar(toks, ti, path, pi, caseFold, nonSlash)

	case tokStarStar:
		return matchStar(toks, ti, path, pi, caseFold, anyByte)

	case tokClass:
		switch t.modifier {
		case modOne:
			if pi < len(path) && classHas(t.set, path[pi], caseFold) {
				return matchFrom(toks, ti+1, path, pi+1, caseFold)
			}
			return false
		case modOpt:
			if matchFrom(toks, ti+1, path, pi, caseFold) {
				return true
			}
			if pi < len(path) && classHas(t.set, path[pi], caseFold) {
				return matchFrom(toks, ti+1, path, pi+1, caseFold)
			}
			return false
		case modPlus:
			if pi >= len(path) || !classHas(t.set, path[pi], caseFold) {
				return false
			}
			return matchClassStar(toks, ti, path, pi+1, caseFold, t.set)
		case modStar:
			return matchClassStar(toks, ti, path, pi, caseFold, t.set)
		}
	}
	return false
}

func nonSlash(b byte) bool { return b != '/' }
func anyByte(b byte) bool  { return true }

// matchStar backtracks over a zero-or-more repetition of bytes satisfying
// accept (either "not '/'" for '*' or "anything" for '**'), trying the
// longest consumption first (greedy) and shrinking on failure.
func matchStar(toks []token, ti int, path []byte, pi int, caseFold bool, accept func(byte) bool) bool {
	j := pi
	for j < len(path) && accept(path[j]) {
		j++
	}
	for k := j; k >= pi; k-- {
		if matchFrom(toks, ti+1, path, k, caseFold) {
			return true
		}
	}
	return false
}

func matchClassStar(toks []token, ti int, path []byte, pi int, caseFold bool, set [256]bool) bool {
	j := pi
	for j < len(path) && classHas(set, path[j], caseFold) {
		j++
	}
	for k := j; k >= pi; k-- {
		if matchFrom(toks, ti+1, path, k, caseFold) {
			return true
		}
	}
	return false
}

func classHas(set [256]bool, b byte, caseFold bool) bool {
	if set[b] {
		return true
	}
	if caseFold {
		return set[toggleCase(b)]
	}
	return false
}

func byteEq(a, b byte, caseFold bool) bool {
	if a == b {
		return true
	}
	if caseFold {
		return toggleCase(a) == b
	}
	return false
}

func toggleCase(b byte) byte {
	switch {
	case b >= 'a' && b <= 'z':
		return b - ('a' - 'A')
	case b >= 'A' && b <= 'Z':
		return b + ('a' - 'A')
	default:
		return b
	}
}
