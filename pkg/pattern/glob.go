package pattern

import "fmt"

// tokenKind enumerates the glob metacharacter vocabulary from §6.
type tokenKind int

const (
	tokLiteral tokenKind = iota // a single literal byte
	tokAny                      // '?': exactly one non-'/' byte
	tokStar                     // '*': zero or more non-'/' bytes
	tokStarStar                 // '**': zero or more of any byte, crosses '/'
	tokClass                    // '[set]' with an optional repeat modifier
)

type classModifier int

const (
	modOne  classModifier = iota // no suffix: exactly one
	modOpt                       // '?': zero or one
	modPlus                      // '+': one or more
	modStar                      // '*': zero or more
)

type token struct {
	kind     tokenKind
	lit      byte
	set      [256]bool // valid when kind == tokClass
	modifier classModifier
}

// tokenize parses a glob string into a token sequence. It is deliberately
// permissive about escaping: there is no escape character in this language
// (§6 lists only the metacharacters below), so every byte that isn't one of
// them is a literal.
func tokenize(glob string) ([]token, error) {
	var toks []token
	i := 0
	n := len(glob)
	for i < n {
		c := glob[i]
		switch c {
		case '?':
			toks = append(toks, token{kind: tokAny})
			i++
		case '*':
			if i+1 < n && glob[i+1] == '*' {
				toks = append(toks, token{kind: tokStarStar})
				i += 2
			} else {
				toks = append(toks, token{kind: tokStar})
				i++
			}
		case '[':
			set, next, err := parseClass(glob, i)
			if err != nil {
				return nil, err
			}
			i = next
			mod := modOne
			if i < n {
				switch glob[i] {
				case '?':
					mod = modOpt
					i++
				case '+':
					mod = modPlus
					i++
				case '*':
					mod = modStar
					i++
				}
			}
			toks = append(toks, token{kind: tokClass, set: set, modifier: mod})
		default:
			toks = append(toks, token{kind: tokLiteral, lit: c})
			i++
		}
	}
	return toks, nil
}

// parseClass parses a "[...]" character class starting at glob[start] == '['
// and returns the membership set and the index just past the closing ']'.
func parseClass(glob string, start int) ([256]bool, int, error) {
	var set [256]bool
	i := start + 1
	n := len(glob)
	if i >= n {
		return set, i, fmt.Errorf("pattern: unterminated character class at offset %d", start)
	}
	negate := false
	if glob[i] == '^' || glob[i] == '!' {
		negate = true
		i++
	}
	matched := false
	for i < n && (glob[i] != ']' || !matched) {
		matched = true
		if i+2 < n && glob[i+1] == '-' && glob[i+2] != ']' {
			lo, hi := glob[i], glob[i+2]
			if lo > hi {
				lo, hi = hi, lo
			}
			for b := int(lo); b <= int(hi); b++ {
				set[b] = true
			}
			i += 3
		} else {
			set[glob[i]] = true
			i++
		}
	}
	if i >= n || glob[i] != ']' {
		return set, i, fmt.Errorf("pattern: unterminated character class at offset %d", start)
	}
	i++
	if negate {
		var inverted [256]bool
		for b := 0; b < 256; b++ {
			inverted[b] = !set[b]
		}
		set = inverted
	}
	return set, i, nil
}
