package transport

import (
	"errors"
	"fmt"
	"strconv"

	"go.bug.st/serial/enumerator"
)

// USB identity of the RA serial boot interface.
const (
	RenesasVID = 0x045B
	RenesasPID = 0x0261
)

var ErrNoDevice = errors.New("transport: no Renesas boot device found")

// PortInfo describes a detected USB serial port.
type PortInfo struct {
	Name    string
	VID     uint16
	PID     uint16
	Serial  string
	Product string
}

// Find scans USB serial ports for the Renesas boot interface and
// returns the first match.
func Find() (PortInfo, error) {
	ports, err := enumerator.GetDetailedPortsList()
	if err != nil {
		return PortInfo{}, fmt.Errorf("transport: enumerate ports: %w", err)
	}
	for _, p := range ports {
		if !p.IsUSB {
			continue
		}
		vid, err1 := strconv.ParseUint(p.VID, 16, 16)
		pid, err2 := strconv.ParseUint(p.PID, 16, 16)
		if err1 != nil || err2 != nil {
			continue
		}
		if vid == RenesasVID && pid == RenesasPID {
			return PortInfo{
				Name:    p.Name,
				VID:     uint16(vid),
				PID:     uint16(pid),
				Serial:  p.SerialNumber,
				Product: p.Product,
			}, nil
		}
	}
	return PortInfo{}, ErrNoDevice
}
