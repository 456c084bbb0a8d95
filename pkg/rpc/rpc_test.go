package rpc

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFlattenUnflattenEnvRoundTrip(t *testing.T) {
	env := []string{"PATH=/usr/bin", "HOME=/root", "FOO=bar"}
	flat, count := FlattenEnv(env)
	assert.Equal(t, 3, count)
	assert.Equal(t, env, UnflattenEnv(flat, count))
}

func TestUnflattenEnvEmpty(t *testing.T) {
	assert.Nil(t, UnflattenEnv("", 0))
}
