package device

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"

	"raflash.dev/protocol"
)

// wrappedKeyWindow is the most wrapped-key bytes a key-set frame
// carries. W-UFPK wrapped blobs are typically 80 bytes; the protocol
// takes the first 48.
const wrappedKeyWindow = 48

func (d *Device) keySet(op string, cmd, index byte, wrapped []byte) error {
	if len(wrapped) == 0 {
		return fmt.Errorf("%s: empty key: %w", op, ErrPrecondition)
	}
	if len(wrapped) > wrappedKeyWindow {
		logrus.Warnf("%s: truncating %d-byte wrapped key to %d bytes", op, len(wrapped), wrappedKeyWindow)
		wrapped = wrapped[:wrappedKeyWindow]
	}
	data := make([]byte, 0, 1+len(wrapped))
	data = append(data, index)
	data = append(data, wrapped...)
	_, err := d.command(op, cmd, data, transitTimeout)
	return err
}

func (d *Device) keyVerify(op string, cmd, index byte) (bool, error) {
	payload, err := d.command(op, cmd, []byte{index}, chunkTimeout)
	if err != nil {
		return false, err
	}
	if len(payload) < 1 {
		return false, errors.New(op + ": empty response")
	}
	return payload[0] == 0x00, nil
}

// KeySet injects a wrapped DLM key at the given index.
func (d *Device) KeySet(index byte, wrapped []byte) error {
	return d.keySet("key set", protocol.CmdKeySet, index, wrapped)
}

// KeyVerify reports whether the DLM key slot holds a valid key.
func (d *Device) KeyVerify(index byte) (bool, error) {
	return d.keyVerify("key verify", protocol.CmdKeyVerify, index)
}

// UserKeySet injects a wrapped user key at the given index.
func (d *Device) UserKeySet(index byte, wrapped []byte) error {
	return d.keySet("user key set", protocol.CmdUserKeySet, index, wrapped)
}

// UserKeyVerify reports whether the user key slot holds a valid key.
func (d *Device) UserKeyVerify(index byte) (bool, error) {
	return d.keyVerify("user key verify", protocol.CmdUserKeyVerify, index)
}
