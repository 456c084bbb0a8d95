package seccomp

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookos/cook/pkg/policy"
)

func TestFromPolicyCarriesAuditMode(t *testing.T) {
	p := policy.New(policy.Minimal, policy.DefaultConfig())
	p.AuditMode = true
	f := FromPolicy(p)
	assert.True(t, f.auditMode)
	assert.Len(t, f.allow, len(p.Syscalls))
}

func TestAddRuleRejectsTooManyPredicates(t *testing.T) {
	f := &Filter{}
	args := make([]ArgPredicate, MaxPredicatesPerRule+1)
	err := f.AddRule("mount", args...)
	require.Error(t, err)
}

func TestAddRuleAcceptsAtCap(t *testing.T) {
	f := &Filter{}
	args := make([]ArgPredicate, MaxPredicatesPerRule)
	err := f.AddRule("mount", args...)
	require.NoError(t, err)
	assert.Len(t, f.allow, 1)
}

func TestNegativeEqualPromotesToMaskedEqual(t *testing.T) {
	p := ArgPredicate{Index: 2, Op: OpEqual, Value: -1}.normalize()
	assert.Equal(t, OpMaskedEqual, p.Op)
	assert.Equal(t, ^uint64(0), p.Mask)
}

func TestPositiveEqualUnchanged(t *testing.T) {
	p := ArgPredicate{Index: 0, Op: OpEqual, Value: 42}.normalize()
	assert.Equal(t, OpEqual, p.Op)
	assert.Equal(t, uint64(0), p.Mask)
}

func TestToLibseccompOpRejectsUnknown(t *testing.T) {
	_, err := toLibseccompOp(CompareOp(999))
	require.Error(t, err)
}
