// internal/deployment/source.go
package deployment

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/spf13/viper"

	"psu-service/internal/config"
	"psu-service/pkg/psu"
)

// Keys read from the host flag file
const (
	KeyDeploymentActive = "deployment_active"
	KeyRigType          = "rig_type"
)

// EnvSource reads the flags from environment variables
type EnvSource struct {
	ActiveVar string
	RigVar    string
}

// DeploymentActive parses the active variable; unset means not deployed
func (s EnvSource) DeploymentActive() (bool, error) {
	raw, ok := os.LookupEnv(s.ActiveVar)
	if !ok || strings.TrimSpace(raw) == "" {
		return false, nil
	}
	active, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return false, fmt.Errorf("invalid %s=%q: %w", s.ActiveVar, raw, err)
	}
	return active, nil
}

// RigType returns the rig variable
func (s EnvSource) RigType() (string, error) {
	return os.Getenv(s.RigVar), nil
}

// FileSource reads the flags from a host flag file in any viper format.
// A missing file means not deployed.
type FileSource struct {
	Path string
}

func (s FileSource) read() (*viper.Viper, error) {
	if _, err := os.Stat(s.Path); errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}

	v := viper.New()
	v.SetConfigFile(s.Path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read flag file %s: %w", s.Path, err)
	}
	return v, nil
}

// DeploymentActive reads deployment_active from the file
func (s FileSource) DeploymentActive() (bool, error) {
	v, err := s.read()
	if err != nil || v == nil {
		return false, err
	}
	if !v.IsSet(KeyDeploymentActive) {
		return false, nil
	}
	active, err := strconv.ParseBool(strings.TrimSpace(v.GetString(KeyDeploymentActive)))
	if err != nil {
		return false, fmt.Errorf("invalid %s in %s: %w", KeyDeploymentActive, s.Path, err)
	}
	return active, nil
}

// RigType reads rig_type from the file
func (s FileSource) RigType() (string, error) {
	v, err := s.read()
	if err != nil || v == nil {
		return "", err
	}
	return v.GetString(KeyRigType), nil
}

// StaticSource is a switchable in-process flag
type StaticSource struct {
	active atomic.Bool
	rig    atomic.Value
}

// NewStaticSource creates a static source
func NewStaticSource(active bool, rigType string) *StaticSource {
	s := &StaticSource{}
	s.active.Store(active)
	s.rig.Store(rigType)
	return s
}

// Set flips the flag
func (s *StaticSource) Set(active bool) {
	s.active.Store(active)
}

func (s *StaticSource) DeploymentActive() (bool, error) {
	return s.active.Load(), nil
}

func (s *StaticSource) RigType() (string, error) {
	rig, _ := s.rig.Load().(string)
	return rig, nil
}

// NewSource builds the flag source selected in the configuration
func NewSource(cfg config.DeploymentConfig) (psu.FlagSource, error) {
	switch cfg.Source {
	case "env", "":
		return EnvSource{ActiveVar: cfg.ActiveEnv, RigVar: cfg.RigEnv}, nil
	case "file":
		return FileSource{Path: cfg.FlagFile}, nil
	case "static":
		return NewStaticSource(cfg.Active, cfg.RigType), nil
	default:
		return nil, fmt.Errorf("unknown deployment source %q", cfg.Source)
	}
}
