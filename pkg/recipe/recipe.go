// Package recipe holds the recipe tree a build executes (component G,
// step 4) and its JSON parser. No third-party recipe/build-description
// format library appears anywhere in the example pack, so parsing stays
// on encoding/json (see DESIGN.md).
package recipe

import (
	"encoding/json"

	"github.com/cookos/cook/pkg/errkind"
)

// StepKind is one oven operation kind a build step can invoke.
type StepKind string

const (
	StepGenerate StepKind = "generate"
	StepBuild    StepKind = "build"
	StepScript   StepKind = "script"
)

// Step is one instruction in a part's build pipeline (§4.G step 9).
type Step struct {
	Kind      StepKind          `json:"kind"`
	System    string            `json:"system,omitempty"`
	Options   map[string]string `json:"options,omitempty"`
	Arguments []string          `json:"arguments,omitempty"`
	Env       []string          `json:"env,omitempty"`
	Script    string            `json:"script,omitempty"`
}

// Part is one independently-toolchained unit of the build.
type Part struct {
	Name      string `json:"name"`
	Toolchain string `json:"toolchain,omitempty"`
	Steps     []Step `json:"steps"`
}

// Hooks holds the lifecycle scripts a recipe's environment can declare.
// Setup may be a single script shared across platforms or a per-platform
// map; ForPlatform resolves either shape (supplemented from the original
// implementation, which let recipes override setup per target platform —
// the distilled spec only mentions a single "environment.hooks.setup").
type Hooks struct {
	Setup           string            `json:"setup,omitempty"`
	SetupByPlatform map[string]string `json:"setup_by_platform,omitempty"`
}

// ForPlatform returns the setup hook script to run for platform, and
// whether one is configured at all.
func (h Hooks) ForPlatform(platform string) (string, bool) {
	if script, ok := h.SetupByPlatform[platform]; ok {
		return script, true
	}
	if h.Setup != "" {
		return h.Setup, true
	}
	return "", false
}

// Environment is a recipe's ingredient and lifecycle-hook declarations.
type Environment struct {
	HostToolchains     []Ingredient `json:"host_toolchains,omitempty"`
	HostIngredients    []Ingredient `json:"host_ingredients,omitempty"`
	BuildIngredients   []Ingredient `json:"build_ingredients,omitempty"`
	RuntimeIngredients []Ingredient `json:"runtime_ingredients,omitempty"`
	Hooks              Hooks        `json:"hooks"`
	Packages           []string     `json:"packages,omitempty"`
}

// Ingredient names one dependency the fridge must ensure is present
// before the build runs (§4.G step 6).
type Ingredient struct {
	Name    string `json:"name"`
	Channel string `json:"channel"`
	Version string `json:"version,omitempty"`
}

// Recipe is the parsed tree for one build.
type Recipe struct {
	Name        string      `json:"name"`
	Version     string      `json:"version"`
	Environment Environment `json:"environment"`
	Parts       []Part      `json:"parts"`
}

// Parse decodes a recipe from its JSON source form.
func Parse(data []byte) (*Recipe, error) {
	var r Recipe
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, errkind.Wrap(errkind.InvalidArgument, err, "parsing recipe")
	}
	if r.Name == "" {
		return nil, errkind.New(errkind.InvalidArgument, "recipe has no name")
	}
	return &r, nil
}

// CacheKey identifies a recipe's ensured-ingredients/run-hooks state
// across build re-runs (§4.G step 5).
type CacheKey struct {
	Recipe   string
	Platform string
	Arch     string
}
