// internal/driver/registry_init.go
package driver

import (
	"go.uber.org/zap"

	"psu-service/pkg/psu"
)

// RegisterDefaultFamilies registers the PSU families the rigs use
func RegisterDefaultFamilies(registry *Registry, logger *zap.Logger) {
	registerRNDFamilies(registry)

	logger.Info("PSU families registered",
		zap.Int("families", len(registry.ListFamilies())),
	)
}

// registerRNDFamilies registers the RND Lab bench supplies
func registerRNDFamilies(registry *Registry) {
	// RND 320 series, single output
	registry.Register(Family{
		Name:     "RND 320",
		Marker:   "320",
		Kind:     psu.KindSingle,
		Channels: 1,
	})

	// RND 790 series, four outputs
	registry.Register(Family{
		Name:     "RND 790",
		Marker:   "790",
		Kind:     psu.KindMulti,
		Channels: 4,
	})
}
