// Package discovery enumerates the serial devices visible to the OS,
// with optional USB descriptors used as negotiation hints.
package discovery

import (
	"fmt"
	"strings"

	"go.bug.st/serial"
	"go.bug.st/serial/enumerator"
)

// allow tests to override the enumeration entry points
var (
	listPorts         = serial.GetPortsList
	listDetailedPorts = enumerator.GetDetailedPortsList
)

// PortInfo describes one enumerated device. VID/PID are formatted as
// lowercase hex with a 0x prefix when the device sits on USB.
type PortInfo struct {
	PortName     string `json:"port_name"`
	Transport    string `json:"transport"`
	VID          string `json:"vid,omitempty"`
	PID          string `json:"pid,omitempty"`
	SerialNumber string `json:"serial_number,omitempty"`
	Product      string `json:"product,omitempty"`
}

// ListPorts returns the bare device names.
func ListPorts() ([]string, error) {
	names, err := listPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}
	return names, nil
}

// ListPortsExtended returns devices with USB metadata where available.
func ListPortsExtended() ([]PortInfo, error) {
	details, err := listDetailedPorts()
	if err != nil {
		return nil, fmt.Errorf("enumerate ports: %w", err)
	}

	infos := make([]PortInfo, 0, len(details))
	for _, d := range details {
		info := PortInfo{PortName: d.Name, Transport: "unknown"}
		if d.IsUSB {
			info.Transport = "usb"
			info.VID = formatUSBID(d.VID)
			info.PID = formatUSBID(d.PID)
			info.SerialNumber = d.SerialNumber
			info.Product = d.Product
		}
		infos = append(infos, info)
	}
	return infos, nil
}

func formatUSBID(id string) string {
	id = strings.TrimPrefix(strings.ToLower(id), "0x")
	if id == "" {
		return ""
	}
	return "0x" + id
}
