package device

import (
	"bytes"
	"encoding/binary"
	"fmt"

	"raflash.dev/protocol"
)

// chunkSize is the most data carried by one frame. Reads are issued as
// one request/response pair per chunk: the boot firmware's multi-packet
// acknowledgement handling is unreliable, and single-packet transfers
// sidestep it.
const chunkSize = 1024

func rangePayload(start, end uint32) []byte {
	var data [8]byte
	binary.BigEndian.PutUint32(data[0:4], start)
	binary.BigEndian.PutUint32(data[4:8], end)
	return data[:]
}

// Erase clears the erase-unit-aligned range covering [start,
// start+size). Large erases are slow, so the response window is wide.
func (d *Device) Erase(start, size uint32) error {
	area, err := d.FindArea(start)
	if err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	end, err := area.computeEnd(opErase, start, size)
	if err != nil {
		return fmt.Errorf("erase: %w", err)
	}
	_, err = d.command("erase", protocol.CmdErase, rangePayload(start, end), eraseTimeout)
	return err
}

// ReadRange reads the read-unit-aligned range covering [start,
// start+size) and returns it. The result may be slightly longer than
// size when the end was rounded up to an alignment boundary.
func (d *Device) ReadRange(start, size uint32) ([]byte, error) {
	area, err := d.FindArea(start)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	end, err := area.computeEnd(opRead, start, size)
	if err != nil {
		return nil, fmt.Errorf("read: %w", err)
	}
	total := int(end - start + 1)
	out := make([]byte, 0, total)
	for chunkStart := start; chunkStart <= end; {
		chunkEnd := chunkStart + chunkSize - 1
		if chunkEnd > end {
			chunkEnd = end
		}
		payload, err := d.command("read", protocol.CmdRead, rangePayload(chunkStart, chunkEnd), chunkTimeout)
		if err != nil {
			return nil, err
		}
		want := int(chunkEnd - chunkStart + 1)
		if len(payload) != want {
			return nil, fmt.Errorf("read: chunk at 0x%08x is %d bytes, want %d", chunkStart, len(payload), want)
		}
		out = append(out, payload...)
		d.progress(len(out), total)
		chunkStart = chunkEnd + 1
	}
	return out, nil
}

// Write programs data at start, padding the write-unit-aligned tail
// with zeros. With verify set, the written range is read back and
// compared against data.
func (d *Device) Write(start uint32, data []byte, verify bool) error {
	if len(data) == 0 {
		return fmt.Errorf("write: empty image: %w", ErrPrecondition)
	}
	area, err := d.FindArea(start)
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	end, err := area.computeEnd(opWrite, start, uint32(len(data)))
	if err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if _, err := d.command("write", protocol.CmdWrite, rangePayload(start, end), commandTimeout); err != nil {
		return err
	}

	writeSize := int(end - start + 1)
	total := 0
	var chunk [chunkSize]byte
	for total < writeSize {
		n := writeSize - total
		if n > chunkSize {
			n = chunkSize
		}
		copied := 0
		if total < len(data) {
			copied = copy(chunk[:n], data[total:])
		}
		// Zero the tail beyond the image. Distinct from the 0xFF
		// of erased, unwritten flash.
		for i := copied; i < n; i++ {
			chunk[i] = 0
		}
		if _, err := d.exchange("write", protocol.CmdWrite, chunk[:n], chunkTimeout, true); err != nil {
			return err
		}
		total += n
		d.progress(total, writeSize)
	}

	if verify {
		flash, err := d.ReadRange(start, uint32(len(data)))
		if err != nil {
			return fmt.Errorf("write verify: %w", err)
		}
		if len(flash) > len(data) {
			flash = flash[:len(data)]
		}
		if i := mismatch(flash, data); i >= 0 {
			return &VerifyError{Addr: start + uint32(i), Flash: flash[i], Want: data[i]}
		}
	}
	return nil
}

// Verify compares flash contents at start against the image. Flash
// beyond the image but inside the read-aligned range must be erased
// (0xFF). The first difference is reported with its absolute address.
func (d *Device) Verify(start uint32, data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("verify: empty image: %w", ErrPrecondition)
	}
	flash, err := d.ReadRange(start, uint32(len(data)))
	if err != nil {
		return fmt.Errorf("verify: %w", err)
	}
	n := len(data)
	if n > len(flash) {
		n = len(flash)
	}
	if i := mismatch(flash[:n], data[:n]); i >= 0 {
		return &VerifyError{Addr: start + uint32(i), Flash: flash[i], Want: data[i]}
	}
	for i := n; i < len(flash); i++ {
		if flash[i] != 0xFF {
			return &VerifyError{Addr: start + uint32(i), Flash: flash[i], Want: 0xFF}
		}
	}
	return nil
}

// BlankCheck confirms every byte of the range reads as erased flash.
func (d *Device) BlankCheck(start, size uint32) error {
	flash, err := d.ReadRange(start, size)
	if err != nil {
		return fmt.Errorf("blank check: %w", err)
	}
	for i, b := range flash {
		if b != 0xFF {
			return &BlankError{Addr: start + uint32(i), Value: b}
		}
	}
	return nil
}

// CRC asks the device for the CRC-32 (polynomial 0x04C11DB7) of the
// CRC-unit-aligned range covering [start, start+size), computed by
// flash hardware.
func (d *Device) CRC(start, size uint32) (uint32, error) {
	area, err := d.FindArea(start)
	if err != nil {
		return 0, fmt.Errorf("crc: %w", err)
	}
	end, err := area.computeEnd(opCRC, start, size)
	if err != nil {
		return 0, fmt.Errorf("crc: %w", err)
	}
	payload, err := d.command("crc", protocol.CmdCRC, rangePayload(start, end), crcTimeout)
	if err != nil {
		return 0, err
	}
	if len(payload) < 4 {
		return 0, fmt.Errorf("crc: response is %d bytes, want 4", len(payload))
	}
	return binary.BigEndian.Uint32(payload[:4]), nil
}

// mismatch returns the index of the first differing byte, or -1.
func mismatch(a, b []byte) int {
	if bytes.Equal(a, b) {
		return -1
	}
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		if a[i] != b[i] {
			return i
		}
	}
	return n
}
