// package transport provides byte-level serial access to a device
// running the RA serial boot firmware.
//
// The boot firmware speaks 8N1 with no flow control. Receives poll the
// port with the caller's timeout for the first byte, then switch to a
// short continuation timeout so short responses return promptly instead
// of blocking for the full window.
package transport

import (
	"errors"
	"fmt"
	"time"

	"go.bug.st/serial"
)

const (
	// DefaultBaudrate is the rate the boot firmware wakes up at.
	DefaultBaudrate = 9600

	// continuation is the inter-byte timeout once the first byte of
	// a response has arrived.
	continuation = 20 * time.Millisecond
)

// Rates supported by the boot firmware and the host, highest first.
var rates = []int{
	4000000,
	3500000,
	3000000,
	2500000,
	2000000,
	1500000,
	1152000,
	1000000,
	921600,
	576000,
	500000,
	460800,
	230400,
	115200,
	57600,
	38400,
	19200,
	9600,
}

var ErrUnsupportedBaud = errors.New("transport: unsupported baud rate")

// Supported reports whether rate is in the baud-rate table.
func Supported(rate int) bool {
	for _, r := range rates {
		if r == rate {
			return true
		}
	}
	return false
}

// BestRate returns the highest supported rate no greater than max, with
// 9600 as the floor.
func BestRate(max int) int {
	for _, r := range rates {
		if r <= max {
			return r
		}
	}
	return DefaultBaudrate
}

// Port is an open serial connection to the boot firmware.
type Port struct {
	p    serial.Port
	name string
	rate int
}

// Open opens the serial device in raw 8N1 mode at 9600 bps.
func Open(name string) (*Port, error) {
	mode := &serial.Mode{
		BaudRate: DefaultBaudrate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	p, err := serial.Open(name, mode)
	if err != nil {
		return nil, fmt.Errorf("transport: open %s: %w", name, err)
	}
	return &Port{p: p, name: name, rate: DefaultBaudrate}, nil
}

func (p *Port) Name() string {
	return p.name
}

// Baudrate returns the current host-side line rate.
func (p *Port) Baudrate() int {
	return p.rate
}

// Send writes data and waits until it has left the host.
func (p *Port) Send(data []byte) error {
	for len(data) > 0 {
		n, err := p.p.Write(data)
		if err != nil {
			return fmt.Errorf("transport: write: %w", err)
		}
		data = data[n:]
	}
	if err := p.p.Drain(); err != nil {
		return fmt.Errorf("transport: drain: %w", err)
	}
	return nil
}

// Recv reads up to len(buf) bytes. The first byte is awaited for the
// given timeout; once data has arrived, reads continue with the short
// continuation timeout until the buffer fills or the line goes quiet.
// A return of 0 bytes with no error means the device did not answer.
func (p *Port) Recv(buf []byte, timeout time.Duration) (int, error) {
	total := 0
	for total < len(buf) {
		t := timeout
		if total > 0 {
			t = continuation
		}
		if err := p.p.SetReadTimeout(t); err != nil {
			return total, fmt.Errorf("transport: set read timeout: %w", err)
		}
		n, err := p.p.Read(buf[total:])
		if err != nil {
			return total, fmt.Errorf("transport: read: %w", err)
		}
		if n == 0 {
			break
		}
		total += n
	}
	return total, nil
}

// SetBaudrate reconfigures the host side of the line. The device must
// already have acknowledged the matching baud-rate command.
func (p *Port) SetBaudrate(rate int) error {
	if !Supported(rate) {
		return fmt.Errorf("%w: %d", ErrUnsupportedBaud, rate)
	}
	mode := &serial.Mode{
		BaudRate: rate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	if err := p.p.SetMode(mode); err != nil {
		return fmt.Errorf("transport: set %d bps: %w", rate, err)
	}
	p.rate = rate
	return nil
}

// ResetInput discards any stale bytes buffered on the line.
func (p *Port) ResetInput() error {
	if err := p.p.ResetInputBuffer(); err != nil {
		return fmt.Errorf("transport: flush input: %w", err)
	}
	if err := p.p.ResetOutputBuffer(); err != nil {
		return fmt.Errorf("transport: flush output: %w", err)
	}
	return nil
}

func (p *Port) Close() error {
	return p.p.Close()
}
