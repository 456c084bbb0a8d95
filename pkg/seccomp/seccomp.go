// Package seccomp implements component C: it turns a policy.Policy's
// syscall set into a loaded libseccomp filter. Default action is
// ERRNO(EPERM), or LOG when the policy runs in audit mode (a debug
// posture carried over from the legacy build's COOK_SECCOMP_AUDIT flag).
package seccomp

import (
	"syscall"

	libseccomp "github.com/seccomp/libseccomp-golang"
	"github.com/sirupsen/logrus"

	"github.com/cookos/cook/pkg/errkind"
	"github.com/cookos/cook/pkg/policy"
)

// CompareOp mirrors libseccomp's comparison operators for an argument
// predicate.
type CompareOp int

const (
	OpEqual CompareOp = iota
	OpNotEqual
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
	OpMaskedEqual
)

// MaxPredicatesPerRule mirrors libseccomp's own per-rule argument limit.
const MaxPredicatesPerRule = 5

// ArgPredicate restricts one rule to argument values matching Op against
// Value (and Mask, for OpMaskedEqual). Value is signed so callers can pass
// negative constants (e.g. -1 for "all bits set") directly; a negative
// value under OpEqual is silently promoted to a full-mask OpMaskedEqual,
// since the kernel compares syscall arguments as unsigned 64-bit words and
// a naive equality check on a sign-extended negative constant behaves
// inconsistently across 32- and 64-bit argument widths.
type ArgPredicate struct {
	Index uint
	Op    CompareOp
	Value int64
	Mask  uint64
}

func (p ArgPredicate) normalize() ArgPredicate {
	if p.Op == OpEqual && p.Value < 0 {
		p.Op = OpMaskedEqual
		p.Mask = ^uint64(0)
	}
	return p
}

// Rule is one syscall entry with an optional argument predicate set. A
// rule with no predicates allows (or logs/errnos, under Deny) the syscall
// unconditionally.
type Rule struct {
	Syscall string
	Args    []ArgPredicate
}

// Filter accumulates rules before being applied to the current process.
type Filter struct {
	allow     []Rule
	auditMode bool
}

// FromPolicy builds an (unapplied) Filter from a policy's syscall set,
// each as an unconditional allow rule.
func FromPolicy(p *policy.Policy) *Filter {
	f := &Filter{auditMode: p.AuditMode}
	for _, name := range p.SyscallNames() {
		f.allow = append(f.allow, Rule{Syscall: name})
	}
	return f
}

// AddRule adds a conditional allow rule, enforcing the 5-predicate cap.
func (f *Filter) AddRule(syscallName string, args ...ArgPredicate) error {
	if len(args) > MaxPredicatesPerRule {
		return errkind.New(errkind.Capacity, "rule for %q has %d predicates, max is %d", syscallName, len(args), MaxPredicatesPerRule)
	}
	f.allow = append(f.allow, Rule{Syscall: syscallName, Args: args})
	return nil
}

func toLibseccompOp(op CompareOp) (libseccomp.ScmpCompareOp, error) {
	switch op {
	case OpEqual:
		return libseccomp.CompareEqual, nil
	case OpNotEqual:
		return libseccomp.CompareNotEqual, nil
	case OpLess:
		return libseccomp.CompareLess, nil
	case OpLessOrEqual:
		return libseccomp.CompareLessOrEqual, nil
	case OpGreater:
		return libseccomp.CompareGreater, nil
	case OpGreaterOrEqual:
		return libseccomp.CompareGreaterEqual, nil
	case OpMaskedEqual:
		return libseccomp.CompareMaskedEqual, nil
	default:
		return 0, errkind.New(errkind.InvalidArgument, "unknown comparison op %d", op)
	}
}

// Apply builds the libseccomp program for f's rules and loads it into the
// current thread/process, after raising PR_SET_NO_NEW_PRIVS (§4.C: "no new
// privileges" must be set before the filter loads, or the kernel refuses a
// filter that lowers privilege without CAP_SYS_ADMIN).
func (f *Filter) Apply() error {
	defaultAction := libseccomp.ActErrno.SetReturnCode(int16(syscall.EPERM))
	if f.auditMode {
		defaultAction = libseccomp.ActLog
	}

	filter, err := libseccomp.NewFilter(defaultAction)
	if err != nil {
		return errkind.Wrap(errkind.InternalError, err, "creating seccomp filter")
	}
	defer filter.Release()

	if err := filter.SetNoNewPrivsBit(true); err != nil {
		return errkind.Wrap(errkind.InternalError, err, "setting no_new_privs")
	}

	for _, rule := range f.allow {
		id, err := libseccomp.GetSyscallFromName(rule.Syscall)
		if err != nil {
			// §4.C step 2: an unresolvable syscall name is an architecture
			// mismatch (e.g. "open" doesn't exist on arm64, only "openat"
			// does), not a policy error - skip it rather than aborting the
			// whole filter.
			logrus.WithField("syscall", rule.Syscall).Debug("seccomp: skipping unknown syscall for this architecture")
			continue
		}
		if len(rule.Args) == 0 {
			if err := filter.AddRule(id, libseccomp.ActAllow); err != nil {
				return errkind.Wrap(errkind.InternalError, err, "adding rule for %q", rule.Syscall)
			}
			continue
		}
		conds := make([]libseccomp.ScmpCondition, 0, len(rule.Args))
		for _, arg := range rule.Args {
			norm := arg.normalize()
			op, err := toLibseccompOp(norm.Op)
			if err != nil {
				return err
			}
			var cond libseccomp.ScmpCondition
			if op == libseccomp.CompareMaskedEqual {
				cond, err = libseccomp.MakeCondition(norm.Index, op, norm.Mask, uint64(norm.Value))
			} else {
				cond, err = libseccomp.MakeCondition(norm.Index, op, uint64(norm.Value))
			}
			if err != nil {
				return errkind.Wrap(errkind.InternalError, err, "building condition for %q arg %d", rule.Syscall, arg.Index)
			}
			conds = append(conds, cond)
		}
		if err := filter.AddRuleConditional(id, libseccomp.ActAllow, conds); err != nil {
			return errkind.Wrap(errkind.InternalError, err, "adding conditional rule for %q", rule.Syscall)
		}
	}

	if err := filter.Load(); err != nil {
		return errkind.Wrap(errkind.InternalError, err, "loading seccomp filter")
	}
	return nil
}
