package device

import (
	"encoding/binary"
	"errors"
	"fmt"

	"raflash.dev/protocol"
)

// OSIS word addresses in option-setting memory. The words are not
// consecutive.
var osisAddrs = [4]uint32{
	0x01010018, // bits [31:0]
	0x01010020, // bits [63:32]
	0x01010028, // bits [95:64]
	0x01010030, // bits [127:96], control bits in the top word
}

// OSISMode is the ID-code protection mode encoded in OSIS bits
// [127:126].
type OSISMode int

const (
	OSISDisabled        OSISMode = 0 // 00b: serial programming disabled
	OSISLocked          OSISMode = 1 // 01b: locked, ALeRASE rejected
	OSISLockedWithErase OSISMode = 2 // 10b: locked, ALeRASE works
	OSISUnlocked        OSISMode = 3 // 11b: unlocked, factory default
)

func (m OSISMode) String() string {
	switch m {
	case OSISDisabled:
		return "Disabled (serial programming blocked)"
	case OSISLocked:
		return "Locked (ALeRASE disabled)"
	case OSISLockedWithErase:
		return "Locked with All Erase (ALeRASE works)"
	case OSISUnlocked:
		return "Unlocked (no protection)"
	default:
		return "Unknown"
	}
}

// OSIS is the decoded ID-code protection setting.
type OSIS struct {
	Words [4]uint32
	Mode  OSISMode
	// Inferred is true when the register could not be read and the
	// mode was deduced from whether the device demanded
	// authentication.
	Inferred bool
}

// OSIS reads the ID-code setting from the config area. The register is
// not directly readable on every lifecycle state; when the read is
// refused, the protection mode is inferred instead.
func (d *Device) OSIS() (OSIS, error) {
	var o OSIS
	if _, _, err := d.Span(KOAConfig); err != nil {
		return o, fmt.Errorf("osis: config area not available: %w", err)
	}
	for i, addr := range osisAddrs {
		word, err := d.readWord(addr)
		if err != nil {
			var re *protocol.ResponseError
			if errors.As(err, &re) {
				return d.inferOSIS(), nil
			}
			return o, fmt.Errorf("osis: word %d: %w", i, err)
		}
		o.Words[i] = word
	}
	o.Mode = OSISMode(o.Words[3] >> 30 & 0x03)
	return o, nil
}

func (d *Device) inferOSIS() OSIS {
	mode := OSISUnlocked
	if d.Authenticated {
		mode = OSISLocked
	}
	return OSIS{Mode: mode, Inferred: true}
}

// readWord fetches one 32-bit little-endian word from flash.
func (d *Device) readWord(addr uint32) (uint32, error) {
	b, err := d.ReadRange(addr, 4)
	if err != nil {
		return 0, err
	}
	if len(b) < 4 {
		return 0, fmt.Errorf("read at 0x%08x returned %d bytes", addr, len(b))
	}
	return binary.LittleEndian.Uint32(b[:4]), nil
}

// ConfigRead dumps the entire config area.
func (d *Device) ConfigRead() (start uint32, data []byte, err error) {
	sad, ead, err := d.Span(KOAConfig)
	if err != nil {
		return 0, nil, fmt.Errorf("config read: %w", err)
	}
	data, err = d.ReadRange(sad, ead-sad+1)
	return sad, data, err
}
