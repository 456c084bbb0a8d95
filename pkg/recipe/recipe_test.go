package recipe

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cookos/cook/pkg/errkind"
)

func TestParseValidRecipe(t *testing.T) {
	data := []byte(`{
		"name": "hello",
		"version": "1.0",
		"environment": {
			"build_ingredients": [{"name": "gcc", "channel": "stable", "version": "12"}],
			"hooks": {"setup": "apt-get update"}
		},
		"parts": [{"name": "main", "steps": [{"kind": "build", "system": "make"}]}]
	}`)
	r, err := Parse(data)
	require.NoError(t, err)
	assert.Equal(t, "hello", r.Name)
	assert.Len(t, r.Environment.BuildIngredients, 1)
	assert.Equal(t, "gcc", r.Environment.BuildIngredients[0].Name)
	assert.Len(t, r.Parts, 1)
	assert.Equal(t, StepBuild, r.Parts[0].Steps[0].Kind)
}

func TestParseRejectsMissingName(t *testing.T) {
	_, err := Parse([]byte(`{"version": "1.0"}`))
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidArgument, errkind.Of(err))
}

func TestParseRejectsInvalidJSON(t *testing.T) {
	_, err := Parse([]byte(`{not json`))
	require.Error(t, err)
	assert.Equal(t, errkind.InvalidArgument, errkind.Of(err))
}

func TestHooksForPlatformPrefersPerPlatform(t *testing.T) {
	h := Hooks{Setup: "default-setup", SetupByPlatform: map[string]string{"linux/arm64": "arm-setup"}}

	script, ok := h.ForPlatform("linux/arm64")
	require.True(t, ok)
	assert.Equal(t, "arm-setup", script)

	script, ok = h.ForPlatform("linux/amd64")
	require.True(t, ok)
	assert.Equal(t, "default-setup", script)
}

func TestHooksForPlatformNoneConfigured(t *testing.T) {
	h := Hooks{}
	_, ok := h.ForPlatform("linux/amd64")
	assert.False(t, ok)
}
