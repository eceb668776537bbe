// package session establishes and tears down a command-mode connection
// with the RA serial boot firmware.
//
// A fresh boot firmware waits for synchronisation: the host repeats
// three 0x00 bytes until the device echoes 0x00, then sends 0x55 and
// expects a one-byte boot code. A firmware left in command mode by a
// previous session instead answers the inquiry command directly; the
// session drains the stale response so the stream is clean.
package session

import (
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"raflash.dev/protocol"
)

const (
	syncByte    = 0x00
	genericCode = 0x55

	// Boot codes reported after the generic code.
	BootCodeM4  = 0xC3 // Cortex-M4/M23 (RA2/RA4 series)
	BootCodeM85 = 0xC5 // Cortex-M85 (RA8 series)
	BootCodeM33 = 0xC6 // Cortex-M33 (RA4M2/RA6 series)
)

const (
	defaultMaxTries = 20
	defaultTimeout  = 100 * time.Millisecond
	baudTimeout     = 500 * time.Millisecond
)

var (
	ErrSyncFailed    = errors.New("session: failed to sync with boot firmware")
	ErrConfirmFailed = errors.New("session: no boot code from device")
)

// Conn is the byte-level connection a session drives. *transport.Port
// implements it.
type Conn interface {
	Send(data []byte) error
	Recv(buf []byte, timeout time.Duration) (int, error)
	SetBaudrate(rate int) error
	ResetInput() error
}

// Session tracks the connection state for one boot firmware dialogue.
type Session struct {
	conn     Conn
	MaxTries int
	Timeout  time.Duration
	// UARTMode is true on a raw UART link (P109/P110). On close the
	// device is asked back to 9600 bps so the next session can sync.
	UARTMode bool

	Baudrate int
	BootCode byte
}

func New(conn Conn) *Session {
	return &Session{
		conn:     conn,
		MaxTries: defaultMaxTries,
		Timeout:  defaultTimeout,
		Baudrate: 9600,
	}
}

// Connect brings the device into command mode.
func (s *Session) Connect() error {
	if err := s.conn.ResetInput(); err != nil {
		return err
	}
	connected, err := s.inquire()
	if err != nil {
		return err
	}
	if connected {
		logrus.Info("boot firmware already in command mode")
		return nil
	}
	if err := s.sync(); err != nil {
		return err
	}
	return s.confirm()
}

// inquire sends the inquiry command. A device already in command mode
// answers with a frame, which is drained; a device still waiting for
// synchronisation stays silent or echoes 0x00.
func (s *Session) inquire() (bool, error) {
	var frame [protocol.Overhead]byte
	n, err := protocol.Pack(frame[:], protocol.CmdInquiry, nil, false)
	if err != nil {
		return false, err
	}
	if err := s.conn.Send(frame[:n]); err != nil {
		return false, err
	}
	var first [1]byte
	n, err = s.conn.Recv(first[:], s.Timeout)
	if err != nil {
		return false, err
	}
	if n == 0 || first[0] == syncByte {
		return false, nil
	}

	// The device emitted a response frame. Read the header to learn
	// its length, then drain the rest so the next command starts on
	// an empty stream.
	var hdr [3]byte
	n, err = s.conn.Recv(hdr[:], s.Timeout)
	if err != nil {
		return false, err
	}
	if n < 3 {
		return false, fmt.Errorf("session: truncated inquiry response header (%d bytes)", n)
	}
	dataLen := int(hdr[0])<<8 | int(hdr[1])
	remaining := 2 // SUM + ETX
	if dataLen > 1 {
		remaining += dataLen - 1
	}
	drain := make([]byte, 256)
	for remaining > 0 {
		chunk := drain
		if remaining < len(chunk) {
			chunk = chunk[:remaining]
		}
		n, err := s.conn.Recv(chunk, s.Timeout)
		if err != nil {
			return false, err
		}
		if n == 0 {
			break
		}
		remaining -= n
	}
	return true, nil
}

func (s *Session) sync() error {
	seq := []byte{syncByte, syncByte, syncByte}
	var resp [1]byte
	for i := 0; i < s.MaxTries; i++ {
		if err := s.conn.Send(seq); err != nil {
			return err
		}
		n, err := s.conn.Recv(resp[:], s.Timeout)
		if err != nil {
			return err
		}
		if n == 1 && resp[0] == syncByte {
			logrus.Debug("sync ok")
			return nil
		}
	}
	return fmt.Errorf("%w after %d tries", ErrSyncFailed, s.MaxTries)
}

func (s *Session) confirm() error {
	var resp [1]byte
	for i := 0; i < s.MaxTries; i++ {
		if err := s.conn.Send([]byte{genericCode}); err != nil {
			return err
		}
		n, err := s.conn.Recv(resp[:], s.Timeout)
		if err != nil {
			return err
		}
		if n == 0 {
			logrus.Debugf("no boot code (try %d/%d)", i+1, s.MaxTries)
			continue
		}
		switch resp[0] {
		case BootCodeM4, BootCodeM85, BootCodeM33:
			s.BootCode = resp[0]
			logrus.Infof("boot code 0x%02X (%s)", resp[0], BootCodeName(resp[0]))
			return nil
		default:
			logrus.Warnf("unexpected boot code 0x%02X", resp[0])
		}
	}
	return fmt.Errorf("%w after %d tries", ErrConfirmFailed, s.MaxTries)
}

// BootCodeName names the CPU core a boot code stands for.
func BootCodeName(code byte) string {
	switch code {
	case BootCodeM4:
		return "Cortex-M4/M23"
	case BootCodeM85:
		return "Cortex-M85"
	case BootCodeM33:
		return "Cortex-M33"
	default:
		return "unknown"
	}
}

// SetBaudrate negotiates a new line rate with the device and, on
// acknowledgement, reconfigures the host side. The boot firmware needs
// at least 1 ms between its acknowledgement and the first byte at the
// new rate.
func (s *Session) SetBaudrate(rate int) error {
	data := []byte{byte(rate >> 24), byte(rate >> 16), byte(rate >> 8), byte(rate)}
	var frame [16]byte
	n, err := protocol.Pack(frame[:], protocol.CmdBaudrate, data, false)
	if err != nil {
		return err
	}
	if err := s.conn.Send(frame[:n]); err != nil {
		return err
	}
	var resp [16]byte
	n, err = s.conn.Recv(resp[:], baudTimeout)
	if err != nil {
		return err
	}
	if n < 7 {
		return fmt.Errorf("session: short response for baud rate command (%d bytes)", n)
	}
	if _, _, err := protocol.Unpack(resp[:n]); err != nil {
		return fmt.Errorf("session: baud rate change: %w", err)
	}
	time.Sleep(2 * time.Millisecond)
	if err := s.conn.SetBaudrate(rate); err != nil {
		return err
	}
	s.Baudrate = rate
	logrus.Infof("baud rate changed to %d bps", rate)
	return nil
}

// Close ends the session. On a raw UART link running above 9600 bps it
// asks the device back to 9600 first, best effort, so a later session
// can sync without a power cycle.
func (s *Session) Close() {
	if !s.UARTMode || s.Baudrate <= 9600 {
		return
	}
	data := []byte{0x00, 0x00, 0x25, 0x80} // 9600 bps
	var frame [16]byte
	n, err := protocol.Pack(frame[:], protocol.CmdBaudrate, data, false)
	if err != nil {
		return
	}
	if err := s.conn.Send(frame[:n]); err != nil {
		logrus.Debugf("baud rate reset on close: %v", err)
	}
}
