// Package config loads the cluster-wide peer configuration: a base
// application.yml plus a profile overlay (application-<profile>.yml),
// both strictly env-expanded. Grounded on
// pulsardb/internal/configuration's Load/loadBaseConfig/
// loadProfileConfig.
package config

import (
	"fmt"
	"log/slog"

	"gopkg.in/yaml.v3"

	"ordercluster/internal/config/properties"
	"ordercluster/internal/config/util"
)

// StaticDir is where application.yml and its profile overlays live in
// this repository, relative to the process working directory.
const StaticDir = "internal/config/static"

// Load reads application.yml and its profile overlay from StaticDir,
// the convenience entry point cmd/peer uses.
func Load() (*properties.Config, error) {
	return LoadFrom(StaticDir, StaticDir)
}

// LoadFrom reads application.yml from baseDir, then overlays
// application-<profile>.yml from profileDir on top of it. baseDir and
// profileDir are taken separately (even though cmd/peer passes the
// same directory for both) so tests can point each at an isolated
// temp directory, grounded on pulsardb/config/initializer's
// Initialize(baseDir, profileDir, logLevel).
func LoadFrom(baseDir, profileDir string) (*properties.Config, error) {
	cfg, err := loadBase(baseDir)
	if err != nil {
		return nil, err
	}
	if err := overlayProfile(cfg, profileDir); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadBase(baseDir string) (*properties.Config, error) {
	raw, err := util.LoadAndExpandYaml(baseDir, "application")
	if err != nil {
		slog.Error("failed to load base config", "error", err)
		return nil, err
	}

	cfg := properties.Config{}
	if err := yaml.Unmarshal([]byte(raw), &cfg); err != nil {
		slog.Error("failed to parse base config", "error", err)
		return nil, err
	}
	return &cfg, nil
}

func overlayProfile(cfg *properties.Config, profileDir string) error {
	if cfg.App.Profile == "" {
		return nil
	}
	raw, err := util.LoadAndExpandYaml(profileDir, fmt.Sprintf("application-%s", cfg.App.Profile))
	if err != nil {
		slog.Error("failed to load profile config", "profile", cfg.App.Profile, "error", err)
		return err
	}
	if err := yaml.Unmarshal([]byte(raw), cfg); err != nil {
		slog.Error("failed to parse profile config", "profile", cfg.App.Profile, "error", err)
		return err
	}
	return nil
}
