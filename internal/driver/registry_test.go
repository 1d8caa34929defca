// internal/driver/registry_test.go
package driver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"psu-service/pkg/psu"
)

func newDefaultRegistry() *Registry {
	registry := NewRegistry(zap.NewNop())
	RegisterDefaultFamilies(registry, zap.NewNop())
	return registry
}

func TestRegistry_ResolveByMarker(t *testing.T) {
	registry := newDefaultRegistry()

	family, err := registry.Resolve(psu.DeviceProfile{Setting: "a", Regex: "RND 320-KA3005P"})
	require.NoError(t, err)
	assert.Equal(t, psu.KindSingle, family.Kind)
	assert.Equal(t, 1, family.Channels)

	family, err = registry.Resolve(psu.DeviceProfile{Setting: "b", Regex: "^RND 790.*"})
	require.NoError(t, err)
	assert.Equal(t, psu.KindMulti, family.Kind)
	assert.Equal(t, 4, family.Channels)
}

func TestRegistry_ExplicitKindWins(t *testing.T) {
	registry := newDefaultRegistry()

	family, err := registry.Resolve(psu.DeviceProfile{Setting: "custom", Regex: "RND 790", Kind: "single"})
	require.NoError(t, err)
	assert.Equal(t, psu.KindSingle, family.Kind)
	assert.Equal(t, "custom", family.Name)

	_, err = registry.Resolve(psu.DeviceProfile{Setting: "bad", Regex: "RND 790", Kind: "triple"})
	assert.ErrorIs(t, err, psu.ErrUnknownFamily)
}

func TestRegistry_UnknownFamily(t *testing.T) {
	registry := newDefaultRegistry()

	_, err := registry.Resolve(psu.DeviceProfile{Setting: "x", Regex: "Keysight E3631A"})
	assert.ErrorIs(t, err, psu.ErrUnknownFamily)
	assert.Contains(t, err.Error(), "setting=x")
}

func TestRegistry_ListFamilies(t *testing.T) {
	registry := newDefaultRegistry()

	families := registry.ListFamilies()
	require.Len(t, families, 2)
	assert.Equal(t, "RND 320", families[0].Name)
	assert.Equal(t, "RND 790", families[1].Name)

	families[0].Name = "changed"
	assert.Equal(t, "RND 320", registry.ListFamilies()[0].Name)
}
