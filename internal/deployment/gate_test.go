// internal/deployment/gate_test.go
package deployment

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/internal/config"
	"psu-service/pkg/psu"
)

type brokenSource struct{}

func (brokenSource) DeploymentActive() (bool, error) { return false, errors.New("flag store offline") }
func (brokenSource) RigType() (string, error)        { return "", errors.New("flag store offline") }

func TestGate_FollowsSourceOnEveryCheck(t *testing.T) {
	source := NewStaticSource(false, "burn-in")
	gate := NewGate(source, zap.NewNop())

	assert.NoError(t, gate.Check())
	assert.False(t, gate.Active())
	assert.Equal(t, "burn-in", gate.RigType())

	source.Set(true)
	assert.ErrorIs(t, gate.Check(), psu.ErrDeploymentActive)
	assert.True(t, gate.Active())

	source.Set(false)
	assert.NoError(t, gate.Check())
}

func TestGate_UnreadableSourceRefusesWrites(t *testing.T) {
	gate := NewGate(brokenSource{}, zap.NewNop())

	err := gate.Check()
	assert.ErrorIs(t, err, psu.ErrDeploymentActive)
	assert.Contains(t, err.Error(), "flag store offline")
	assert.True(t, gate.Active())
	assert.Empty(t, gate.RigType())
}

func TestEnvSource(t *testing.T) {
	source := EnvSource{ActiveVar: "TEST_PSU_DEPLOYED", RigVar: "TEST_PSU_RIG"}

	active, err := source.DeploymentActive()
	require.NoError(t, err)
	assert.False(t, active, "unset means not deployed")

	t.Setenv("TEST_PSU_DEPLOYED", "true")
	t.Setenv("TEST_PSU_RIG", "endurance")
	active, err = source.DeploymentActive()
	require.NoError(t, err)
	assert.True(t, active)

	rig, err := source.RigType()
	require.NoError(t, err)
	assert.Equal(t, "endurance", rig)

	t.Setenv("TEST_PSU_DEPLOYED", "0")
	active, err = source.DeploymentActive()
	require.NoError(t, err)
	assert.False(t, active)

	t.Setenv("TEST_PSU_DEPLOYED", "maybe")
	_, err = source.DeploymentActive()
	assert.Error(t, err)

	gate := NewGate(source, zap.NewNop())
	assert.ErrorIs(t, gate.Check(), psu.ErrDeploymentActive)
}

func TestFileSource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	source := FileSource{Path: path}

	active, err := source.DeploymentActive()
	require.NoError(t, err)
	assert.False(t, active, "missing file means not deployed")

	rig, err := source.RigType()
	require.NoError(t, err)
	assert.Empty(t, rig)

	require.NoError(t, os.WriteFile(path, []byte("deployment_active: true\nrig_type: climate\n"), 0o644))
	active, err = source.DeploymentActive()
	require.NoError(t, err)
	assert.True(t, active)

	rig, err = source.RigType()
	require.NoError(t, err)
	assert.Equal(t, "climate", rig)

	require.NoError(t, os.WriteFile(path, []byte("deployment_active: false\n"), 0o644))
	active, err = source.DeploymentActive()
	require.NoError(t, err)
	assert.False(t, active, "the file is read on every call")

	require.NoError(t, os.WriteFile(path, []byte("rig_type: climate\n"), 0o644))
	active, err = source.DeploymentActive()
	require.NoError(t, err)
	assert.False(t, active)
}

func TestFileSource_Malformed(t *testing.T) {
	path := filepath.Join(t.TempDir(), "host.yaml")
	require.NoError(t, os.WriteFile(path, []byte("deployment_active: [unterminated\n"), 0o644))

	gate := NewGate(FileSource{Path: path}, zap.NewNop())
	assert.ErrorIs(t, gate.Check(), psu.ErrDeploymentActive)
}

func TestNewSource(t *testing.T) {
	source, err := NewSource(config.DeploymentConfig{Source: "env", ActiveEnv: "A", RigEnv: "B"})
	require.NoError(t, err)
	assert.Equal(t, EnvSource{ActiveVar: "A", RigVar: "B"}, source)

	source, err = NewSource(config.DeploymentConfig{Source: "file", FlagFile: "/etc/host.yaml"})
	require.NoError(t, err)
	assert.Equal(t, FileSource{Path: "/etc/host.yaml"}, source)

	source, err = NewSource(config.DeploymentConfig{Source: "static", Active: true, RigType: "lab"})
	require.NoError(t, err)
	active, _ := source.DeploymentActive()
	assert.True(t, active)

	_, err = NewSource(config.DeploymentConfig{Source: "consul"})
	assert.Error(t, err)
}
