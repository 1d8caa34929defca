// internal/service/types.go
package service

import (
	"psu-service/internal/protocol"
	"psu-service/pkg/psu"
)

// PSUStatus is the overview returned by the status endpoint
type PSUStatus struct {
	Link             psu.LinkState           `json:"link"`
	Setting          string                  `json:"setting"`
	Kind             psu.DeviceKind          `json:"kind"`
	Channels         []psu.ChannelProfile    `json:"channels"`
	DeploymentActive bool                    `json:"deployment_active"`
	RigType          string                  `json:"rig_type,omitempty"`
	Transport        *protocol.ProtocolStats `json:"transport,omitempty"`
}

// SetpointResult confirms a set-point write
type SetpointResult struct {
	Channel   int      `json:"channel"`
	Requested float64  `json:"requested"`
	Readback  *float64 `json:"readback"`
}
