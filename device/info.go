package device

import (
	"encoding/binary"
	"fmt"
	"strings"

	"raflash.dev/protocol"
)

// Signature is the decoded response of the signature command.
type Signature struct {
	RMB uint32 // recommended maximum UART baud rate, bps
	NOA byte   // number of accessible areas
	TYP byte   // device group code
	BFV [3]byte
	DID [16]byte
	PTN string // product type name, trailing spaces trimmed
}

// QuerySignature fetches and caches the device signature.
func (d *Device) QuerySignature() (*Signature, error) {
	if d.sig != nil {
		return d.sig, nil
	}
	payload, err := d.command("signature", protocol.CmdSignature, nil, commandTimeout)
	if err != nil {
		return nil, err
	}
	if len(payload) < 9 {
		return nil, fmt.Errorf("signature: response is %d bytes, want at least 9", len(payload))
	}
	sig := &Signature{
		RMB: binary.BigEndian.Uint32(payload[0:4]),
		NOA: payload[4],
		TYP: payload[5],
	}
	copy(sig.BFV[:], payload[6:9])
	if len(payload) >= 25 {
		copy(sig.DID[:], payload[9:25])
	}
	if len(payload) >= 41 {
		sig.PTN = strings.TrimRight(string(payload[25:41]), " \x00")
	}
	d.sig = sig
	return sig, nil
}

// Group names the device group encoded in TYP.
func (s *Signature) Group() string {
	switch s.TYP {
	case 0x01:
		return "GrpA/GrpB"
	case 0x02:
		return "GrpC"
	case 0x05:
		return "GrpD"
	default:
		return "Unknown"
	}
}

// BankMode describes the memory map flavour implied by the area count.
// Dual-bank devices expose a descriptor per bank.
func (s *Signature) BankMode() string {
	if s.NOA > 4 {
		return "dual-bank mode"
	}
	return "linear mode"
}

// CPUCore derives the core from the product type name (R7FAxxxx
// series digit).
func (s *Signature) CPUCore() string {
	if !strings.HasPrefix(s.PTN, "R7FA") || len(s.PTN) < 5 {
		return "unknown"
	}
	switch s.PTN[4] {
	case '2':
		return "ARM Cortex-M23"
	case '4':
		return "ARM Cortex-M33"
	case '6':
		return "ARM Cortex-M33/M4"
	case '8':
		return "ARM Cortex-M85"
	default:
		return "unknown"
	}
}

// DeviceID is the factory traceability information packed into the
// 16-byte DID.
type DeviceID struct {
	WaferFab string
	Year     int // manufacture year
	Month    int
	Day      int
	CRC16    uint16
	Lot      string
	Wafer    byte
	X, Y     byte
}

// DecodeDID unpacks the per-die identifier.
func (s *Signature) DecodeDID() DeviceID {
	d := s.DID
	return DeviceID{
		WaferFab: string(d[0:2]),
		Year:     2010 + int(d[2]>>4),
		Month:    int(d[2] & 0x0f),
		Day:      int(d[3]),
		CRC16:    uint16(d[4])<<8 | uint16(d[5]),
		Lot:      string(d[6:12]),
		Wafer:    d[12],
		X:        d[13],
		Y:        d[14],
	}
}
