// package device drives a connected RA boot firmware: memory layout
// queries, bounded flash operations, and lifecycle management.
package device

import (
	"fmt"
	"time"

	"raflash.dev/protocol"
)

// Per-operation response deadlines. These are ceilings; the device
// normally answers orders of magnitude faster.
const (
	commandTimeout = 500 * time.Millisecond
	chunkTimeout   = 2 * time.Second
	eraseTimeout   = 5 * time.Second
	crcTimeout     = 5 * time.Second
	transitTimeout = 5 * time.Second
	initTimeout    = 30 * time.Second
	rmaTimeout     = 30 * time.Second
)

// Conn is the byte-level connection the device drives. *transport.Port
// implements it.
type Conn interface {
	Send(data []byte) error
	Recv(buf []byte, timeout time.Duration) (int, error)
}

// Device is the per-connection context. It is not safe for concurrent
// use; the protocol allows one frame in flight at a time.
type Device struct {
	conn Conn

	// Areas is the memory map, populated by QueryAreas.
	Areas []Area
	sig   *Signature

	// Authenticated is set after a successful ID-code
	// authentication. OSIS inference consults it.
	Authenticated bool

	// Progress, when set, is called with byte counts during long
	// read and write loops.
	Progress func(done, total int)
}

func New(conn Conn) *Device {
	return &Device{conn: conn}
}

func (d *Device) progress(done, total int) {
	if d.Progress != nil {
		d.Progress(done, total)
	}
}

// command sends one frame and returns the payload of the device's
// response. The op string prefixes every error for context.
func (d *Device) command(op string, cmd byte, data []byte, timeout time.Duration) ([]byte, error) {
	return d.exchange(op, cmd, data, timeout, false)
}

func (d *Device) exchange(op string, cmd byte, data []byte, timeout time.Duration, ack bool) ([]byte, error) {
	frame := make([]byte, len(data)+protocol.Overhead)
	n, err := protocol.Pack(frame, cmd, data, ack)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if err := d.conn.Send(frame[:n]); err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return d.receive(op, timeout)
}

// receive reads and unpacks one response frame.
func (d *Device) receive(op string, timeout time.Duration) ([]byte, error) {
	resp := make([]byte, protocol.MaxFrame)
	n, err := d.conn.Recv(resp, timeout)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	if n == 0 {
		return nil, fmt.Errorf("%s: %w", op, ErrTimeout)
	}
	if n < protocol.Overhead+1 {
		return nil, fmt.Errorf("%s: short response (%d bytes)", op, n)
	}
	payload, _, err := protocol.Unpack(resp[:n])
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	return payload, nil
}

// Raw packs and sends an arbitrary command frame and returns the raw
// response payload. It exists for protocol exploration; nothing checks
// that cmd makes sense in the current state.
func (d *Device) Raw(cmd byte, data []byte) ([]byte, error) {
	return d.command("raw", cmd, data, crcTimeout)
}

// Authenticate performs ID-code authentication with a 16-byte ID. The
// ALeRASE magic ID triggers total area erasure on devices whose OSIS
// setting permits it.
func (d *Device) Authenticate(id []byte) error {
	if len(id) != IDCodeLen {
		return fmt.Errorf("authenticate: %w: ID code must be %d bytes", ErrPrecondition, IDCodeLen)
	}
	if _, err := d.command("authenticate", protocol.CmdAuth, id, commandTimeout); err != nil {
		return err
	}
	d.Authenticated = true
	return nil
}

// IDCodeLen is the length of an OSIS ID code.
const IDCodeLen = 16

// ALeRASEID is the magic ID code that requests total area erasure
// during authentication.
var ALeRASEID = []byte{'A', 'L', 'e', 'R', 'A', 'S', 'E', 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
