package device

import (
	"bytes"
	"testing"

	"raflash.dev/protocol"
)

var configArea = Area{KOA: KOAConfig, SAD: 0x01010008, EAD: 0x010101FF, WAU: 0x04, RAU: 0x04, CAU: 0x04}

func TestOSISRead(t *testing.T) {
	c := newMock(t)
	d := New(c)
	d.Areas = []Area{codeArea, configArea}
	// Words are little-endian in flash. The top word carries the
	// mode bits [127:126] = 11b, unlocked.
	c.respond(protocol.CmdRead, []byte{0x78, 0x56, 0x34, 0x12})
	c.respond(protocol.CmdRead, []byte{0x00, 0x00, 0x00, 0x00})
	c.respond(protocol.CmdRead, []byte{0xFF, 0xFF, 0xFF, 0xFF})
	c.respond(protocol.CmdRead, []byte{0x00, 0x00, 0x00, 0xC0})

	o, err := d.OSIS()
	if err != nil {
		t.Fatal(err)
	}
	if o.Inferred {
		t.Error("inferred despite readable register")
	}
	if o.Words[0] != 0x12345678 || o.Words[3] != 0xC0000000 {
		t.Errorf("words %08x", o.Words)
	}
	if o.Mode != OSISUnlocked {
		t.Errorf("mode %v", o.Mode)
	}
	// Each word is a single 4-byte bounded read at its register
	// address.
	want := [][2]byte{{0x18, 0x1B}, {0x20, 0x23}, {0x28, 0x2B}, {0x30, 0x33}}
	for i, frame := range c.sent {
		if frame[7] != want[i][0] || frame[11] != want[i][1] {
			t.Errorf("word %d range bytes 0x%02x-0x%02x", i, frame[7], frame[11])
		}
	}
}

func TestOSISInferredWhenProtected(t *testing.T) {
	c := newMock(t)
	d := New(c)
	d.Areas = []Area{configArea}
	d.Authenticated = true
	c.respondErr(protocol.CmdRead, 0xDA)

	o, err := d.OSIS()
	if err != nil {
		t.Fatal(err)
	}
	if !o.Inferred {
		t.Fatal("expected inferred mode")
	}
	if o.Mode != OSISLocked {
		t.Errorf("mode %v", o.Mode)
	}
}

func TestOSISRequiresConfigArea(t *testing.T) {
	d := New(newMock(t))
	d.Areas = []Area{codeArea}
	if _, err := d.OSIS(); err == nil {
		t.Error("missing config area accepted")
	}
}

func TestConfigRead(t *testing.T) {
	c := newMock(t)
	d := New(c)
	d.Areas = []Area{configArea}
	blob := bytes.Repeat([]byte{0xA5}, int(configArea.Size()))
	c.respond(protocol.CmdRead, blob)

	start, data, err := d.ConfigRead()
	if err != nil {
		t.Fatal(err)
	}
	if start != configArea.SAD {
		t.Errorf("start 0x%08x", start)
	}
	if !bytes.Equal(data, blob) {
		t.Error("config dump differs")
	}
}
