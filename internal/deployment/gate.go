// internal/deployment/gate.go
package deployment

import (
	"fmt"

	"go.uber.org/zap"

	"psu-service/pkg/psu"
)

// Gate blocks writes while the host is deployed. The source is read on
// every Check and never cached.
type Gate struct {
	source psu.FlagSource
	logger *zap.Logger
}

// NewGate creates a gate over source
func NewGate(source psu.FlagSource, logger *zap.Logger) *Gate {
	return &Gate{
		source: source,
		logger: logger.With(zap.String("component", "deployment_gate")),
	}
}

// Check returns psu.ErrDeploymentActive when writes must be refused.
// A source that cannot be read counts as deployed.
func (g *Gate) Check() error {
	active, err := g.source.DeploymentActive()
	if err != nil {
		g.logger.Error("Deployment flag unreadable, refusing writes", zap.Error(err))
		return fmt.Errorf("%w: flag unreadable: %v", psu.ErrDeploymentActive, err)
	}
	if active {
		return psu.ErrDeploymentActive
	}
	return nil
}

// Active reports the current flag for status displays
func (g *Gate) Active() bool {
	return g.Check() != nil
}

// RigType returns the rig type reported by the host, "" when unknown
func (g *Gate) RigType() string {
	rig, err := g.source.RigType()
	if err != nil {
		g.logger.Warn("Rig type unreadable", zap.Error(err))
		return ""
	}
	return rig
}
