package device

import (
	"encoding/binary"
	"fmt"

	"raflash.dev/protocol"
)

// Kind-of-area codes.
const (
	KOACodeBank0 = 0x00
	KOACodeBank1 = 0x01
	KOADataFlash = 0x10
	KOAConfig    = 0x20
)

// Area is one entry of the device memory map. Addresses are inclusive;
// an alignment unit of zero means the matching operation is unsupported
// for the area.
type Area struct {
	KOA byte
	SAD uint32 // start address
	EAD uint32 // end address
	EAU uint32 // erase alignment unit
	WAU uint32 // write alignment unit
	RAU uint32 // read alignment unit
	CAU uint32 // CRC alignment unit
}

func (a Area) Size() uint32 {
	if a.EAD < a.SAD {
		return 0
	}
	return a.EAD - a.SAD + 1
}

func (a Area) Contains(addr uint32) bool {
	return addr >= a.SAD && addr <= a.EAD
}

// Kind names the area type encoded in the high nibble of KOA.
func (a Area) Kind() string {
	switch a.KOA >> 4 {
	case 0x0:
		return "User/Code"
	case 0x1:
		return "Data"
	case 0x2:
		return "Config"
	default:
		return "Unknown"
	}
}

// QueryAreas fetches the signature to learn the area count, then the
// descriptor of every area. The map replaces any earlier one.
func (d *Device) QueryAreas() error {
	sig, err := d.QuerySignature()
	if err != nil {
		return err
	}
	areas := make([]Area, 0, sig.NOA)
	for i := 0; i < int(sig.NOA); i++ {
		payload, err := d.command("area info", protocol.CmdArea, []byte{byte(i)}, commandTimeout)
		if err != nil {
			return err
		}
		if len(payload) < 25 {
			return fmt.Errorf("area info: descriptor %d is %d bytes, want 25", i, len(payload))
		}
		areas = append(areas, Area{
			KOA: payload[0],
			SAD: binary.BigEndian.Uint32(payload[1:5]),
			EAD: binary.BigEndian.Uint32(payload[5:9]),
			EAU: binary.BigEndian.Uint32(payload[9:13]),
			WAU: binary.BigEndian.Uint32(payload[13:17]),
			RAU: binary.BigEndian.Uint32(payload[17:21]),
			CAU: binary.BigEndian.Uint32(payload[21:25]),
		})
	}
	d.Areas = areas
	return nil
}

// FindArea returns the area containing addr. Areas cover disjoint
// ranges, so at most one matches.
func (d *Device) FindArea(addr uint32) (*Area, error) {
	for i := range d.Areas {
		if d.Areas[i].Contains(addr) {
			return &d.Areas[i], nil
		}
	}
	return nil, fmt.Errorf("address 0x%08x: %w", addr, ErrNoArea)
}

// Span returns the address range covered by all areas of the given
// kind-of-area code.
func (d *Device) Span(koa byte) (sad, ead uint32, err error) {
	found := false
	for _, a := range d.Areas {
		if a.KOA != koa {
			continue
		}
		if !found || a.SAD < sad {
			sad = a.SAD
		}
		if !found || a.EAD > ead {
			ead = a.EAD
		}
		found = true
	}
	if !found {
		return 0, 0, fmt.Errorf("no area with KOA 0x%02x: %w", koa, ErrNoArea)
	}
	return sad, ead, nil
}

// flashOp selects which alignment unit governs a bounded operation.
type flashOp int

const (
	opErase flashOp = iota
	opWrite
	opRead
	opCRC
)

func (op flashOp) String() string {
	switch op {
	case opErase:
		return "erase"
	case opWrite:
		return "write"
	case opRead:
		return "read"
	default:
		return "CRC"
	}
}

func (a *Area) unit(op flashOp) uint32 {
	switch op {
	case opErase:
		return a.EAU
	case opWrite:
		return a.WAU
	case opRead:
		return a.RAU
	default:
		return a.CAU
	}
}

// computeEnd turns (start, size) into the inclusive end address of a
// bounded operation, rounding the block count up to the area's
// alignment unit. For reads the end is aligned up to the next read-unit
// boundary but never past the end of the area.
func (a *Area) computeEnd(op flashOp, start, size uint32) (uint32, error) {
	unit := a.unit(op)
	if unit == 0 {
		return 0, &AlignmentError{Op: op.String()}
	}
	if start%unit != 0 {
		return 0, &AlignmentError{Op: op.String(), Addr: start, Unit: unit}
	}
	if size == 0 {
		size = 1
	}
	if op == opRead {
		end := start + size - 1
		if end < start || end > a.EAD {
			return 0, fmt.Errorf("read end 0x%08x exceeds area end 0x%08x: %w", end, a.EAD, ErrPrecondition)
		}
		if rem := (end + 1) % unit; rem != 0 {
			end += unit - rem
		}
		if end > a.EAD {
			end = a.EAD
		}
		return end, nil
	}
	blocks := (size + unit - 1) / unit
	end := start + blocks*unit - 1
	if end < start {
		return 0, fmt.Errorf("%s range overflows: %w", op, ErrPrecondition)
	}
	if end > a.EAD {
		return 0, fmt.Errorf("%s end 0x%08x exceeds area end 0x%08x: %w", op, end, a.EAD, ErrPrecondition)
	}
	return end, nil
}
