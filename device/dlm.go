package device

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"raflash.dev/protocol"
)

// DLMState is a device lifecycle state code.
type DLMState byte

const (
	DLMCM      DLMState = 0x01 // Chip Manufacturing
	DLMSSD     DLMState = 0x02 // Secure Software Development
	DLMNSECSD  DLMState = 0x03 // Non-Secure Software Development
	DLMDPL     DLMState = 0x04 // Deployed
	DLMLckDbg  DLMState = 0x05 // Locked Debug
	DLMLckBoot DLMState = 0x06 // Locked Boot Interface
	DLMRMAReq  DLMState = 0x07 // RMA Request
	DLMRMAAck  DLMState = 0x08 // RMA Acknowledged
)

var dlmNames = map[DLMState][2]string{
	DLMCM:      {"CM", "Chip Manufacturing"},
	DLMSSD:     {"SSD", "Secure Software Development"},
	DLMNSECSD:  {"NSECSD", "Non-Secure Software Development"},
	DLMDPL:     {"DPL", "Deployed"},
	DLMLckDbg:  {"LCK_DBG", "Locked Debug"},
	DLMLckBoot: {"LCK_BOOT", "Locked Boot Interface"},
	DLMRMAReq:  {"RMA_REQ", "Return Material Authorization Request"},
	DLMRMAAck:  {"RMA_ACK", "Return Material Authorization Acknowledged"},
}

func (s DLMState) String() string {
	if n, ok := dlmNames[s]; ok {
		return n[0]
	}
	return fmt.Sprintf("UNKNOWN(0x%02X)", byte(s))
}

func (s DLMState) Desc() string {
	if n, ok := dlmNames[s]; ok {
		return n[1]
	}
	return "Unknown state"
}

// ParseDLMState maps a state name such as "nsecsd".
func ParseDLMState(name string) (DLMState, error) {
	for code, n := range dlmNames {
		if strings.EqualFold(n[0], name) {
			return code, nil
		}
	}
	return 0, fmt.Errorf("unknown DLM state %q", name)
}

// DLM queries the current lifecycle state.
func (d *Device) DLM() (DLMState, error) {
	payload, err := d.command("dlm", protocol.CmdDLM, nil, commandTimeout)
	if err != nil {
		return 0, err
	}
	if len(payload) < 1 {
		return 0, errors.New("dlm: empty response")
	}
	return DLMState(payload[0]), nil
}

// Transitions allowed without authentication, as enforced by the
// device and re-checked here before anything goes on the wire.
var unauthTransitions = map[DLMState][]DLMState{
	DLMCM:     {DLMSSD},
	DLMSSD:    {DLMNSECSD, DLMDPL},
	DLMNSECSD: {DLMDPL},
	DLMDPL:    {DLMLckDbg, DLMLckBoot},
	DLMLckDbg: {DLMLckBoot},
}

func transitionAllowed(from, to DLMState) bool {
	for _, t := range unauthTransitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Transit moves the lifecycle state forward without authentication.
// Moving to LCK_BOOT leaves the boot firmware unresponsive, so a
// missing reply is success for that one destination.
func (d *Device) Transit(dest DLMState) (DLMState, error) {
	cur, err := d.DLM()
	if err != nil {
		return 0, err
	}
	if cur == dest {
		return cur, nil
	}
	if !transitionAllowed(cur, dest) {
		return cur, fmt.Errorf("dlm transit %s -> %s: %w", cur, dest, ErrPrecondition)
	}
	_, err = d.command("dlm transit", protocol.CmdDLMTransit, []byte{byte(cur), byte(dest)}, transitTimeout)
	if err != nil {
		if dest == DLMLckBoot && errors.Is(err, ErrTimeout) {
			return cur, nil
		}
		return cur, err
	}
	return cur, nil
}

// Key slot assignments for authenticated regressions.
const (
	KeySECDBG    = 0x00 // NSECSD -> SSD
	KeyNONSECDBG = 0x01 // DPL -> NSECSD
	KeyRMA       = 0x02 // SSD/DPL -> RMA_REQ
)

// Challenge type codes for the authentication command.
const (
	ChallengeRandom   = 0x00
	ChallengeUniqueID = 0x01 // only valid for RMA_REQ
)

const (
	challengeLen = 16
	// dlmKeyLen is the plaintext key length; the device holds it
	// wrapped, the host supplies it raw for the MAC.
	dlmKeyLen = 16
)

// regressions lists the destination states reachable with
// authentication from each source state.
var regressions = map[DLMState][]DLMState{
	DLMNSECSD: {DLMSSD},
	DLMDPL:    {DLMNSECSD, DLMRMAReq},
	DLMSSD:    {DLMRMAReq},
}

func regressionAllowed(from, to DLMState) bool {
	for _, t := range regressions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// authFixedValue is appended to the challenge before the MAC, per the
// boot firmware's authentication procedure.
var authFixedValue = make([]byte, 32)

// AuthTransit performs an authenticated lifecycle regression: the
// device issues a challenge, the host answers with
// HMAC-SHA256(key, challenge || 32 zero bytes). Regressing to RMA_REQ
// also erases flash and can take tens of seconds.
//
// GrpC devices use AES-128-CMAC instead; they are not supported here.
// TODO: add CMAC authentication for GrpC (RA6T2).
func (d *Device) AuthTransit(dest DLMState, key []byte, challengeType byte) (DLMState, error) {
	if len(key) != dlmKeyLen {
		return 0, fmt.Errorf("dlm auth: %w: key must be %d bytes", ErrPrecondition, dlmKeyLen)
	}
	if challengeType == ChallengeUniqueID && dest != DLMRMAReq {
		return 0, fmt.Errorf("dlm auth: %w: unique-ID challenge is only valid for RMA_REQ", ErrPrecondition)
	}
	cur, err := d.DLM()
	if err != nil {
		return 0, err
	}
	if !regressionAllowed(cur, dest) {
		return cur, fmt.Errorf("dlm auth %s -> %s: %w", cur, dest, ErrPrecondition)
	}

	challenge, err := d.command("dlm auth", protocol.CmdAuth, []byte{byte(cur), byte(dest), challengeType}, commandTimeout)
	if err != nil {
		return cur, err
	}
	if len(challenge) < challengeLen {
		return cur, fmt.Errorf("dlm auth: challenge is %d bytes, want %d", len(challenge), challengeLen)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write(challenge[:challengeLen])
	mac.Write(authFixedValue)

	timeout := transitTimeout
	if dest == DLMRMAReq {
		timeout = rmaTimeout
	}
	// The response frame is sent with the status start-of-data
	// byte; the boot firmware demands this quirk on the wire.
	if _, err := d.exchange("dlm auth", protocol.CmdAuth, mac.Sum(nil), timeout, true); err != nil {
		return cur, err
	}
	return cur, nil
}

// Initialize factory-resets the device: all flash areas, boundary
// settings and key indices are cleared and the lifecycle returns to
// SSD. Only valid from SSD, NSECSD or DPL, and only while the
// initialize parameter is enabled.
func (d *Device) Initialize() (DLMState, error) {
	cur, err := d.DLM()
	if err != nil {
		return 0, err
	}
	switch cur {
	case DLMSSD, DLMNSECSD, DLMDPL:
	default:
		return cur, fmt.Errorf("initialize from %s: %w: requires SSD, NSECSD or DPL", cur, ErrPrecondition)
	}
	_, err = d.command("initialize", protocol.CmdInitialize, []byte{byte(cur), byte(DLMSSD)}, initTimeout)
	return cur, err
}

// Boundary is the TrustZone partition record, in KiB. Values become
// effective only after a device reset.
type Boundary struct {
	CFS1 uint16 // code flash secure, without NSC
	CFS2 uint16 // code flash secure, total
	DFS  uint16 // data flash secure
	SRS1 uint16 // SRAM secure, without NSC
	SRS2 uint16 // SRAM secure, total
}

// Boundary reads the TrustZone partition settings.
func (d *Device) Boundary() (Boundary, error) {
	payload, err := d.command("boundary", protocol.CmdBoundary, nil, commandTimeout)
	if err != nil {
		return Boundary{}, err
	}
	if len(payload) < 10 {
		return Boundary{}, fmt.Errorf("boundary: response is %d bytes, want 10", len(payload))
	}
	return Boundary{
		CFS1: binary.BigEndian.Uint16(payload[0:2]),
		CFS2: binary.BigEndian.Uint16(payload[2:4]),
		DFS:  binary.BigEndian.Uint16(payload[4:6]),
		SRS1: binary.BigEndian.Uint16(payload[6:8]),
		SRS2: binary.BigEndian.Uint16(payload[8:10]),
	}, nil
}

// SetBoundary flashes new TrustZone partition settings.
func (d *Device) SetBoundary(b Boundary) error {
	if b.CFS1 > b.CFS2 {
		return fmt.Errorf("boundary: CFS1 %d KiB > CFS2 %d KiB: %w", b.CFS1, b.CFS2, ErrPrecondition)
	}
	if b.SRS1 > b.SRS2 {
		return fmt.Errorf("boundary: SRS1 %d KiB > SRS2 %d KiB: %w", b.SRS1, b.SRS2, ErrPrecondition)
	}
	var data [10]byte
	binary.BigEndian.PutUint16(data[0:2], b.CFS1)
	binary.BigEndian.PutUint16(data[2:4], b.CFS2)
	binary.BigEndian.PutUint16(data[4:6], b.DFS)
	binary.BigEndian.PutUint16(data[6:8], b.SRS1)
	binary.BigEndian.PutUint16(data[8:10], b.SRS2)
	_, err := d.command("boundary set", protocol.CmdBoundarySet, data[:], transitTimeout)
	return err
}

// Device parameter IDs and values.
const (
	ParamInitialize = 0x01

	ParamInitDisabled = 0x00
	ParamInitEnabled  = 0x07
)

// Param reads a one-byte device parameter.
func (d *Device) Param(id byte) (byte, error) {
	payload, err := d.command("param", protocol.CmdParam, []byte{id}, commandTimeout)
	if err != nil {
		return 0, err
	}
	if len(payload) < 1 {
		return 0, errors.New("param: empty response")
	}
	return payload[0], nil
}

// SetParam writes a one-byte device parameter. Disabling the
// initialize command is irreversible in the field; the caller is
// expected to warn.
func (d *Device) SetParam(id, value byte) error {
	if id == ParamInitialize && value != ParamInitDisabled && value != ParamInitEnabled {
		return fmt.Errorf("param set: %w: value 0x%02x is not 0x00 or 0x07", ErrPrecondition, value)
	}
	_, err := d.command("param set", protocol.CmdParamSet, []byte{id, value}, transitTimeout)
	return err
}
