package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestPackUnpackRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{0x00},
		{0xde, 0xad, 0xbe, 0xef},
		bytes.Repeat([]byte{0x5a}, 1024),
	}
	for _, p := range payloads {
		var buf [MaxFrame]byte
		n, err := Pack(buf[:], CmdRead, p, true)
		if err != nil {
			t.Fatalf("pack %d bytes: %v", len(p), err)
		}
		if n != len(p)+Overhead {
			t.Errorf("pack %d bytes: framed length %d", len(p), n)
		}
		data, res, err := Unpack(buf[:n])
		if err != nil {
			t.Fatalf("unpack: %v", err)
		}
		if res != CmdRead {
			t.Errorf("unpack: res 0x%02x", res)
		}
		if !bytes.Equal(data, p) {
			t.Errorf("unpack: data %x, want %x", data, p)
		}
	}
}

func TestPackEraseFrame(t *testing.T) {
	// Erase 0x0-0x1FFF, from the boot firmware manual's worked example.
	data := []byte{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x1f, 0xff}
	var buf [32]byte
	n, err := Pack(buf[:], CmdErase, data, false)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{0x01, 0x00, 0x09, 0x12, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x1f, 0xff, 0xc7, 0x03}
	if !bytes.Equal(buf[:n], want) {
		t.Errorf("packed %x, want %x", buf[:n], want)
	}
}

func TestChecksumIdentity(t *testing.T) {
	// SUM plus the sum of LNH, LNL, CMD and DATA is 0 mod 256.
	for _, data := range [][]byte{nil, {0x12}, {0xff, 0xff, 0x01}, bytes.Repeat([]byte{0xab}, 300)} {
		sum := Checksum(0x3a, data)
		pktLen := len(data) + 1
		total := uint32(sum) + uint32(pktLen>>8&0xff) + uint32(pktLen&0xff) + 0x3a
		for _, b := range data {
			total += uint32(b)
		}
		if total%256 != 0 {
			t.Errorf("checksum identity broken for %d data bytes", len(data))
		}
	}
}

func TestPackRejectsOversizedData(t *testing.T) {
	var buf [2048]byte
	if _, err := Pack(buf[:], CmdWrite, make([]byte, 1025), true); !errors.Is(err, ErrDataTooLong) {
		t.Errorf("got %v, want ErrDataTooLong", err)
	}
	if _, err := Pack(buf[:], CmdWrite, make([]byte, 1024), true); err != nil {
		t.Errorf("1024-byte payload rejected: %v", err)
	}
}

func TestPackRejectsShortBuffer(t *testing.T) {
	var buf [8]byte
	if _, err := Pack(buf[:], CmdRead, make([]byte, 4), false); !errors.Is(err, ErrShortBuffer) {
		t.Errorf("got %v, want ErrShortBuffer", err)
	}
}

func TestUnpackRejectsMalformedFrames(t *testing.T) {
	ok := []byte{0x81, 0x00, 0x02, 0x12, 0x00, 0xec, 0x03}
	tests := []struct {
		name  string
		mutate func([]byte)
	}{
		{"bad SOD", func(b []byte) { b[0] = 0x01 }},
		{"zero length", func(b []byte) { b[1], b[2] = 0, 0 }},
		{"bad ETX", func(b []byte) { b[6] = 0x00 }},
		{"bad checksum", func(b []byte) { b[5] ^= 0xff }},
		{"length beyond buffer", func(b []byte) { b[2] = 0x20 }},
	}
	for _, tc := range tests {
		frame := append([]byte(nil), ok...)
		tc.mutate(frame)
		if _, _, err := Unpack(frame); !errors.Is(err, ErrFrame) {
			t.Errorf("%s: got %v, want ErrFrame", tc.name, err)
		}
	}
	if _, _, err := Unpack(ok[:5]); !errors.Is(err, ErrFrame) {
		t.Errorf("truncated: got %v, want ErrFrame", err)
	}
}

func TestUnpackErrorResponse(t *testing.T) {
	// ERA error response with STS, ST2 and ADR.
	payload := []byte{0xd0, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x20, 0x00}
	var buf [32]byte
	n, err := Pack(buf[:], CmdErase|0x80, payload, true)
	if err != nil {
		t.Fatal(err)
	}
	data, res, err := Unpack(buf[:n])
	if res != CmdErase|0x80 {
		t.Errorf("res 0x%02x", res)
	}
	if !bytes.Equal(data, payload) {
		t.Errorf("payload %x", data)
	}
	var re *ResponseError
	if !errors.As(err, &re) {
		t.Fatalf("got %v, want ResponseError", err)
	}
	if re.Sts != 0xd0 || !re.HasDetail || re.St2 != 0x10 || re.Adr != 0x2000 {
		t.Errorf("decoded %+v", re)
	}
}

func TestStatusNames(t *testing.T) {
	if got := StatusName(0xD0); got != "ERR_ADDR" {
		t.Errorf("StatusName(0xD0) = %q", got)
	}
	if got := StatusDesc(0xC2); got != "checksum mismatch" {
		t.Errorf("StatusDesc(0xC2) = %q", got)
	}
	if got := StatusName(0x42); got != "ERR_UNKNOWN" {
		t.Errorf("StatusName(0x42) = %q", got)
	}
}
