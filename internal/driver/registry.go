// internal/driver/registry.go
package driver

import (
	"fmt"
	"strings"
	"sync"

	"go.uber.org/zap"

	"psu-service/pkg/psu"
)

// Family describes a PSU model line and its command dialect
type Family struct {
	Name     string         `json:"name"`
	Marker   string         `json:"marker"`
	Kind     psu.DeviceKind `json:"kind"`
	Channels int            `json:"channels"`
}

// Registry resolves a device profile to a known PSU family
type Registry struct {
	families []Family
	mu       sync.RWMutex
	logger   *zap.Logger
}

// NewRegistry creates an empty family registry
func NewRegistry(logger *zap.Logger) *Registry {
	return &Registry{
		logger: logger,
	}
}

// Register adds a family. Markers are matched against the identity pattern
// in registration order.
func (r *Registry) Register(family Family) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.families = append(r.families, family)
	r.logger.Info("PSU family registered",
		zap.String("family", family.Name),
		zap.String("marker", family.Marker),
		zap.Stringer("kind", family.Kind),
	)
}

// Resolve determines the dialect of a profile. An explicit kind in the
// profile wins over marker matching.
func (r *Registry) Resolve(profile psu.DeviceProfile) (Family, error) {
	if profile.Kind != "" {
		kind, err := psu.ParseDeviceKind(profile.Kind)
		if err != nil {
			return Family{}, err
		}
		channels := psu.MaxChannel
		if kind == psu.KindSingle {
			channels = 1
		}
		return Family{Name: profile.Setting, Kind: kind, Channels: channels}, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, family := range r.families {
		if strings.Contains(profile.Regex, family.Marker) {
			return family, nil
		}
	}

	return Family{}, fmt.Errorf("%w: no family for setting=%s, regex=%q",
		psu.ErrUnknownFamily, profile.Setting, profile.Regex)
}

// ListFamilies returns all registered families
func (r *Registry) ListFamilies() []Family {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]Family, len(r.families))
	copy(out, r.families)
	return out
}
