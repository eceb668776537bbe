package protocol

import (
	"encoding/binary"
	"fmt"
)

// ResponseError is a command failure reported by the boot firmware. The
// error payload is STS, optionally followed by the 4-byte flash status
// register (ST2) and the 4-byte failing address (ADR) on flash-access
// errors.
type ResponseError struct {
	Res byte // RES byte with the error bit set
	Sts byte
	St2 uint32
	Adr uint32
	// HasDetail reports whether St2 and Adr were present.
	HasDetail bool
}

func newResponseError(res byte, payload []byte) *ResponseError {
	e := &ResponseError{Res: res}
	if len(payload) > 0 {
		e.Sts = payload[0]
	}
	if len(payload) >= 9 {
		e.St2 = binary.BigEndian.Uint32(payload[1:5])
		e.Adr = binary.BigEndian.Uint32(payload[5:9])
		e.HasDetail = true
	}
	return e
}

func (e *ResponseError) Error() string {
	s := fmt.Sprintf("device error 0x%02X (%s: %s)", e.Sts, StatusName(e.Sts), StatusDesc(e.Sts))
	if e.HasDetail {
		s += fmt.Sprintf(", flash status 0x%08X, address 0x%08X", e.St2, e.Adr)
	}
	return s
}

var statusCodes = []struct {
	code byte
	name string
	desc string
}{
	{0x0C, "ERR_UNSU", "unsupported command"},
	{0xC1, "ERR_PCKT", "packet error (length/ETX)"},
	{0xC2, "ERR_CHKS", "checksum mismatch"},
	{0xC3, "ERR_FLOW", "command flow error"},
	{0xD0, "ERR_ADDR", "invalid address"},
	{0xD4, "ERR_BAUD", "baud rate margin error"},
	{0xDA, "ERR_PROT", "protection error"},
	{0xDB, "ERR_ID", "ID authentication mismatch"},
	{0xDC, "ERR_SERI", "serial programming disabled"},
	{0xE1, "ERR_ERA", "erase failed"},
	{0xE2, "ERR_WRI", "write failed"},
	{0xE7, "ERR_SEQ", "sequencer error"},
}

// StatusName returns the mnemonic for a device status code, such as
// "ERR_ADDR".
func StatusName(code byte) string {
	for _, s := range statusCodes {
		if s.code == code {
			return s.name
		}
	}
	return "ERR_UNKNOWN"
}

// StatusDesc returns the description for a device status code.
func StatusDesc(code byte) string {
	for _, s := range statusCodes {
		if s.code == code {
			return s.desc
		}
	}
	return "unknown error"
}
