package device

import (
	"bytes"
	"encoding/hex"
	"errors"
	"testing"

	"raflash.dev/protocol"
)

func TestDLMQuery(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMSSD)})
	d := New(c)
	state, err := d.DLM()
	if err != nil {
		t.Fatal(err)
	}
	if state != DLMSSD {
		t.Errorf("state %v", state)
	}
	if state.String() != "SSD" || state.Desc() != "Secure Software Development" {
		t.Errorf("name %q desc %q", state.String(), state.Desc())
	}
}

func TestParseDLMState(t *testing.T) {
	for name, want := range map[string]DLMState{
		"ssd":      DLMSSD,
		"NSECSD":   DLMNSECSD,
		"dpl":      DLMDPL,
		"lck_dbg":  DLMLckDbg,
		"LCK_BOOT": DLMLckBoot,
		"rma_req":  DLMRMAReq,
	} {
		got, err := ParseDLMState(name)
		if err != nil || got != want {
			t.Errorf("ParseDLMState(%q) = %v, %v", name, got, err)
		}
	}
	if _, err := ParseDLMState("bogus"); err == nil {
		t.Error("bogus state accepted")
	}
}

func TestTransitAllowed(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMSSD)})
	c.respond(protocol.CmdDLMTransit, []byte{0x00})
	d := New(c)
	cur, err := d.Transit(DLMNSECSD)
	if err != nil {
		t.Fatal(err)
	}
	if cur != DLMSSD {
		t.Errorf("source state %v", cur)
	}
	frame := c.lastSent()
	if frame[3] != protocol.CmdDLMTransit {
		t.Errorf("cmd 0x%02x", frame[3])
	}
	if !bytes.Equal(frame[4:6], []byte{byte(DLMSSD), byte(DLMNSECSD)}) {
		t.Errorf("payload %x", frame[4:6])
	}
}

func TestTransitRejectsRegression(t *testing.T) {
	// RMA_REQ needs authentication; the unauthenticated transit must
	// be refused before anything is sent.
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMSSD)})
	d := New(c)
	_, err := d.Transit(DLMRMAReq)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("got %v, want ErrPrecondition", err)
	}
	// Only the state query went out.
	if len(c.sent) != 1 {
		t.Errorf("sent %d frames, want 1", len(c.sent))
	}
}

func TestTransitLckBootToleratesSilence(t *testing.T) {
	// The boot firmware hangs after acknowledging LCK_BOOT; silence
	// is success for that destination only.
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMDPL)})
	d := New(c)
	if _, err := d.Transit(DLMLckBoot); err != nil {
		t.Fatal(err)
	}
}

func TestTransitNoopWhenAlreadyThere(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMDPL)})
	d := New(c)
	if _, err := d.Transit(DLMDPL); err != nil {
		t.Fatal(err)
	}
	if len(c.sent) != 1 {
		t.Errorf("sent %d frames, want 1", len(c.sent))
	}
}

func TestAuthTransitHMAC(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMNSECSD)})
	c.respond(protocol.CmdAuth, make([]byte, 16)) // all-zero challenge
	c.respond(protocol.CmdAuth, []byte{0x00})
	d := New(c)
	key := make([]byte, 16)
	cur, err := d.AuthTransit(DLMSSD, key, ChallengeRandom)
	if err != nil {
		t.Fatal(err)
	}
	if cur != DLMNSECSD {
		t.Errorf("source state %v", cur)
	}

	req := c.sent[1]
	if !bytes.Equal(req[4:7], []byte{byte(DLMNSECSD), byte(DLMSSD), ChallengeRandom}) {
		t.Errorf("auth request payload %x", req[4:7])
	}

	// HMAC-SHA256(0^16, 0^16 || 0^32) for the all-zero exchange.
	wantMAC, _ := hex.DecodeString("c30eb735be796b1095c4e0098268ee08322d38a2c589e12376054aaa65a9a07d")
	resp := c.sent[2]
	if resp[0] != protocol.SODStatus {
		t.Error("MAC frame must use the status SOD")
	}
	if resp[3] != protocol.CmdAuth {
		t.Errorf("MAC frame cmd 0x%02x", resp[3])
	}
	if !bytes.Equal(resp[4:36], wantMAC) {
		t.Errorf("MAC %x, want %x", resp[4:36], wantMAC)
	}
}

func TestAuthTransitRejectsInvalidPair(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMSSD)})
	d := New(c)
	_, err := d.AuthTransit(DLMNSECSD, make([]byte, 16), ChallengeRandom)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("got %v, want ErrPrecondition", err)
	}
}

func TestAuthTransitRejectsUniqueIDChallenge(t *testing.T) {
	d := New(newMock(t))
	_, err := d.AuthTransit(DLMSSD, make([]byte, 16), ChallengeUniqueID)
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("got %v, want ErrPrecondition", err)
	}
}

func TestInitialize(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMNSECSD)})
	c.respond(protocol.CmdInitialize, []byte{0x00})
	d := New(c)
	if _, err := d.Initialize(); err != nil {
		t.Fatal(err)
	}
	frame := c.lastSent()
	if !bytes.Equal(frame[4:6], []byte{byte(DLMNSECSD), byte(DLMSSD)}) {
		t.Errorf("payload %x", frame[4:6])
	}
}

func TestInitializeRejectsCM(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdDLM, []byte{byte(DLMCM)})
	d := New(c)
	_, err := d.Initialize()
	if !errors.Is(err, ErrPrecondition) {
		t.Fatalf("got %v, want ErrPrecondition", err)
	}
	if len(c.sent) != 1 {
		t.Errorf("sent %d frames, want 1", len(c.sent))
	}
}

func TestBoundaryRoundTrip(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdBoundary, []byte{0x00, 0xE0, 0x01, 0x00, 0x00, 0x01, 0x00, 0x38, 0x00, 0x40})
	d := New(c)
	b, err := d.Boundary()
	if err != nil {
		t.Fatal(err)
	}
	want := Boundary{CFS1: 224, CFS2: 256, DFS: 1, SRS1: 56, SRS2: 64}
	if b != want {
		t.Errorf("boundary %+v", b)
	}

	c.respond(protocol.CmdBoundarySet, []byte{0x00})
	if err := d.SetBoundary(want); err != nil {
		t.Fatal(err)
	}
	frame := c.lastSent()
	if frame[3] != protocol.CmdBoundarySet {
		t.Errorf("cmd 0x%02x", frame[3])
	}
	if !bytes.Equal(frame[4:14], []byte{0x00, 0xE0, 0x01, 0x00, 0x00, 0x01, 0x00, 0x38, 0x00, 0x40}) {
		t.Errorf("payload %x", frame[4:14])
	}
}

func TestSetBoundaryValidates(t *testing.T) {
	d := New(newMock(t))
	if err := d.SetBoundary(Boundary{CFS1: 2, CFS2: 1}); !errors.Is(err, ErrPrecondition) {
		t.Errorf("CFS: got %v", err)
	}
	if err := d.SetBoundary(Boundary{SRS1: 9, SRS2: 8}); !errors.Is(err, ErrPrecondition) {
		t.Errorf("SRS: got %v", err)
	}
}

func TestParamRoundTrip(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdParam, []byte{ParamInitEnabled})
	d := New(c)
	v, err := d.Param(ParamInitialize)
	if err != nil || v != ParamInitEnabled {
		t.Fatalf("param %v, %v", v, err)
	}

	c.respond(protocol.CmdParamSet, []byte{0x00})
	if err := d.SetParam(ParamInitialize, ParamInitDisabled); err != nil {
		t.Fatal(err)
	}
	if err := d.SetParam(ParamInitialize, 0x05); !errors.Is(err, ErrPrecondition) {
		t.Errorf("bad value accepted: %v", err)
	}
}

func TestKeySetTruncatesLongBlob(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdKeySet, []byte{0x00})
	d := New(c)
	blob := bytes.Repeat([]byte{0x77}, 80)
	if err := d.KeySet(3, blob); err != nil {
		t.Fatal(err)
	}
	frame := c.lastSent()
	// KYID plus the 48-byte window.
	if got := int(frame[1])<<8 | int(frame[2]); got != 1+1+48 {
		t.Errorf("frame length field %d", got)
	}
	if frame[4] != 3 {
		t.Errorf("key index %d", frame[4])
	}
}

func TestKeyVerify(t *testing.T) {
	c := newMock(t)
	c.respond(protocol.CmdKeyVerify, []byte{0x00})
	d := New(c)
	valid, err := d.KeyVerify(0)
	if err != nil || !valid {
		t.Fatalf("valid=%v err=%v", valid, err)
	}

	c.respond(protocol.CmdUserKeyVerify, []byte{0x01})
	valid, err = d.UserKeyVerify(5)
	if err != nil || valid {
		t.Fatalf("valid=%v err=%v", valid, err)
	}
}
