// internal/protocol/factory.go
package protocol

import (
	"fmt"
	"sort"

	"go.bug.st/serial"
)

// OpenSerialPort opens a hardware port through go.bug.st/serial (8N1, no handshake by default)
func OpenSerialPort(name string, config *SerialConfig) (Port, error) {
	config = config.withDefaults()

	mode := &serial.Mode{
		BaudRate: config.BaudRate,
		DataBits: config.DataBits,
		Parity:   parseParity(config.Parity),
		StopBits: parseStopBits(config.StopBits),
	}

	port, err := serial.Open(name, mode)
	if err != nil {
		return nil, err
	}
	return port, nil
}

// ListSerialPorts returns the host's serial ports in a stable order
func ListSerialPorts() ([]string, error) {
	ports, err := serial.GetPortsList()
	if err != nil {
		return nil, fmt.Errorf("failed to get serial ports: %w", err)
	}
	sort.Strings(ports)
	return ports, nil
}

func parseParity(parity string) serial.Parity {
	switch parity {
	case "odd":
		return serial.OddParity
	case "even":
		return serial.EvenParity
	case "mark":
		return serial.MarkParity
	case "space":
		return serial.SpaceParity
	default:
		return serial.NoParity
	}
}

func parseStopBits(stopBits int) serial.StopBits {
	switch stopBits {
	case 2:
		return serial.TwoStopBits
	default:
		return serial.OneStopBit
	}
}
