package shutter

import (
	"bytes"
	"testing"
)

func TestTelegramManualExample(t *testing.T) {
	tele := MakeTelegram(CmdSet, Open)
	if len(tele) != telegramLen {
		t.Fatalf("telegram length %d, expected %d", len(tele), telegramLen)
	}
	if tele[0] != telStart || tele[5] != telEnd {
		t.Error("telegram not framed with STX/ETX")
	}
	if tele[1] != CmdSet || tele[2] != byte(Open) {
		t.Error("telegram body mangled")
	}
}

func TestTelegramRoundTrip(t *testing.T) {
	tele := MakeTelegram(CmdSet, Closed)
	cmd, state, err := DecodeTelegram(tele)
	if err != nil {
		t.Fatal(err)
	}
	if cmd != CmdSet || state != Closed {
		t.Errorf("round trip mismatch: cmd %#x state %v", cmd, state)
	}
}

func TestTelegramCRCMismatch(t *testing.T) {
	tele := MakeTelegram(CmdGet, 0)
	tele[2] ^= 0xFF // corrupt the state byte, CRC no longer matches
	_, _, err := DecodeTelegram(tele)
	if err == nil {
		t.Fatal("expected a CRC error")
	}
}

func TestTelegramBadFraming(t *testing.T) {
	tele := MakeTelegram(CmdGet, 0)
	tele[0] = 0x00
	if _, _, err := DecodeTelegram(tele); err == nil {
		t.Error("expected a framing error for bad start byte")
	}
	if _, _, err := DecodeTelegram(tele[:4]); err == nil {
		t.Error("expected a framing error for a short telegram")
	}
}

func TestTelegramCRCDiffersByState(t *testing.T) {
	a := MakeTelegram(CmdSet, Open)
	b := MakeTelegram(CmdSet, Closed)
	if bytes.Equal(a[3:5], b[3:5]) {
		t.Error("CRC should differ when the state byte differs")
	}
}

func TestStateStrings(t *testing.T) {
	if Open.String() != "OPEN" || Closed.String() != "CLOSED" {
		t.Error("state strings wrong")
	}
	s, err := ParseState("OPEN")
	if err != nil || s != Open {
		t.Errorf("ParseState(OPEN) = %v, %v", s, err)
	}
	if _, err := ParseState("ajar"); err == nil {
		t.Error("expected an error for an unknown state")
	}
}
