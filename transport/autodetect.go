package transport

import (
	"fmt"
	"strings"

	"go.bug.st/serial/enumerator"
)

// PortInfo describes one enumerated serial device.
type PortInfo struct {
	Device string
	HWID   string
}

// knownBootloaderAdapters are the USB VID:PID pairs auto-detect matches:
// CH340 clones (most Nano boards) and the genuine Arduino Uno
// USB-serial bridge. Other Arduino boards (Mega2560's 16U2,
// Leonardo-style native USB, clones under 2A03/2341:0010 etc.) are
// deliberately NOT matched here; a caller with one of those must pass
// its port explicitly rather than relying on auto-detect.
var knownBootloaderAdapters = []string{
	"1A86:7523",
	"2341:0043",
}

// ListPorts enumerates serial devices, reporting each one's USB VID:PID
// as its hardware id when available.
func ListPorts() ([]PortInfo, error) {
	details, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return nil, wrapErr(KindIoError, "enumerate ports", err)
	}
	ports := make([]PortInfo, 0, len(details))
	for _, d := range details {
		hwid := ""
		if d.IsUSB {
			hwid = fmt.Sprintf("USB VID:PID=%s:%s", strings.ToUpper(d.VID), strings.ToUpper(d.PID))
		}
		ports = append(ports, PortInfo{Device: d.Name, HWID: hwid})
	}
	return ports, nil
}

// AutoDetect returns the device path of the first enumerated port whose
// hardware id matches a known bootloader adapter, or ErrNoDevice.
func AutoDetect() (string, error) {
	ports, err := ListPorts()
	if err != nil {
		return "", err
	}
	return matchAdapter(ports)
}

func matchAdapter(ports []PortInfo) (string, error) {
	for _, p := range ports {
		for _, id := range knownBootloaderAdapters {
			if strings.Contains(p.HWID, id) {
				return p.Device, nil
			}
		}
	}
	return "", ErrNoDevice
}
