// Package config loads cookd.json and cvd.json from a platform config
// directory (§6), resolved with github.com/OpenPeeDeeP/xdg the same way
// the teacher's pkg/config/app_config.go resolves lazydocker's config
// directory. Both files are fixed-shape JSON by contract, so decoding
// stays on encoding/json (see DESIGN.md for why no YAML/templating
// library applies here).
package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"runtime"

	"github.com/OpenPeeDeeP/xdg"

	"github.com/cookos/cook/pkg/errkind"
)

// AddressType is api-address's transport discriminator.
type AddressType string

const (
	AddressLocal AddressType = "local"
	AddressInet4 AddressType = "inet4"
)

// Address is the wire shape of cookd.json/cvd.json's api-address field.
type Address struct {
	Type    AddressType `json:"type"`
	Address string      `json:"address"`
	Port    *uint16     `json:"port,omitempty"`
}

// PathAccess is one custom_paths entry's access, a CSV of
// "read"/"write"/"execute".
type PathAccess struct {
	Path   string `json:"path"`
	Access string `json:"access"`
}

// Security is cvd.json's extra security section.
type Security struct {
	DefaultPolicy string       `json:"default_policy"`
	CustomPaths   []PathAccess `json:"custom_paths,omitempty"`
}

// CookdConfig is cookd.json's decoded shape.
type CookdConfig struct {
	APIAddress Address `json:"api-address"`
}

// CvdConfig is cvd.json's decoded shape: cookd.json's shape plus security.
type CvdConfig struct {
	APIAddress Address  `json:"api-address"`
	Security   Security `json:"security"`
}

// DefaultCookdConfig returns cookd.json's platform default.
func DefaultCookdConfig() CookdConfig {
	if runtime.GOOS == "windows" {
		return CookdConfig{APIAddress: Address{Type: AddressInet4, Address: "127.0.0.1", Port: portPtr(51002)}}
	}
	return CookdConfig{APIAddress: Address{Type: AddressLocal, Address: "/run/chef/waiterd/cook"}}
}

// DefaultCvdConfig returns cvd.json's platform default.
func DefaultCvdConfig() CvdConfig {
	security := Security{DefaultPolicy: "minimal"}
	if runtime.GOOS == "windows" {
		return CvdConfig{APIAddress: Address{Type: AddressInet4, Address: "127.0.0.1", Port: portPtr(51003)}, Security: security}
	}
	return CvdConfig{APIAddress: Address{Type: AddressLocal, Address: "@/chef/cvd/api"}, Security: security}
}

func portPtr(p uint16) *uint16 { return &p }

// ConfigDir resolves the platform configuration directory for projectName,
// honoring a CONFIG_DIR environment override the way the teacher's
// configDirForVendor does.
func ConfigDir(projectName string) string {
	if dir := os.Getenv("CONFIG_DIR"); dir != "" {
		return dir
	}
	return xdg.New("cookos", projectName).ConfigHome()
}

// LoadCookd reads and decodes cookd.json from dir, returning
// DefaultCookdConfig() untouched if the file does not exist.
func LoadCookd(dir string) (CookdConfig, error) {
	cfg := DefaultCookdConfig()
	data, err := os.ReadFile(filepath.Join(dir, "cookd.json"))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return CookdConfig{}, errkind.Wrap(errkind.IOFailure, err, "reading cookd.json")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return CookdConfig{}, errkind.Wrap(errkind.InvalidArgument, err, "parsing cookd.json")
	}
	return cfg, nil
}

// LoadCvd reads and decodes cvd.json from dir, returning
// DefaultCvdConfig() untouched if the file does not exist.
func LoadCvd(dir string) (CvdConfig, error) {
	cfg := DefaultCvdConfig()
	data, err := os.ReadFile(filepath.Join(dir, "cvd.json"))
	if os.IsNotExist(err) {
		return cfg, nil
	}
	if err != nil {
		return CvdConfig{}, errkind.Wrap(errkind.IOFailure, err, "reading cvd.json")
	}
	if err := json.Unmarshal(data, &cfg); err != nil {
		return CvdConfig{}, errkind.Wrap(errkind.InvalidArgument, err, "parsing cvd.json")
	}
	return cfg, nil
}

// EnsureConfigDir creates dir (and parents) if it does not already exist,
// mirroring the teacher's findOrCreateConfigDir.
func EnsureConfigDir(dir string) error {
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return os.MkdirAll(dir, 0o755)
	}
	return nil
}
