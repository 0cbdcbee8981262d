package maccmd

import (
	"bytes"
	"testing"
)

func TestLinkADRAnswer(t *testing.T) {
	p := New()
	// CID 0x03 followed by 4 bytes: DataRate/TXPower, ChMask, Redundancy.
	fOpts := []byte{0x03, 0x50, 0x00, 0x01, 0x00}
	if err := p.Process(fOpts, BatteryUnknown, 0); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	want := []byte{0x03, 0x07} // all three ACK bits set
	if got := p.TakeAnswer(); !bytes.Equal(got, want) {
		t.Errorf("got %x, want %x", got, want)
	}
	if p.Pending() {
		t.Error("TakeAnswer should clear the accumulator")
	}
}

func TestDevStatusAnswer(t *testing.T) {
	p := New()
	if err := p.Process([]byte{0x06}, 200, 7.5); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	got := p.TakeAnswer()
	if len(got) != 3 || got[0] != 0x06 || got[1] != 200 || got[2] != 7 {
		t.Errorf("got %x", got)
	}
}

func TestDevStatusSNRClamped(t *testing.T) {
	if encodeSNR(100) != 31 {
		t.Errorf("expected clamp to 31")
	}
	var minSNR int8 = -32
	if encodeSNR(-100)&0x3F != byte(minSNR)&0x3F {
		t.Errorf("expected clamp to -32")
	}
}

func TestParsedAndSkippedCommandsAppendNoAnswer(t *testing.T) {
	p := New()
	fOpts := []byte{
		0x04, 0x01, // DutyCycleReq
		0x05, 0x01, 0x02, 0x03, 0x04, // RXParamSetupReq
		0x07, 0x01, 0x02, 0x03, 0x04, 0x05, // NewChannelReq
		0x08, 0x01, // RXTimingSetupReq
		0x09, 0x01, // TXParamSetupReq
		0x0A, 0x01, 0x02, 0x03, 0x04, // DlChannelReq
		0x0D, // DeviceTimeReq
	}
	if err := p.Process(fOpts, BatteryExternallyPowered, 0); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	if p.Pending() {
		t.Error("skipped commands must not produce an answer")
	}
}

func TestUnrecognizedCIDErrors(t *testing.T) {
	p := New()
	if err := p.Process([]byte{0xFF}, 0, 0); err == nil {
		t.Error("expected error for unrecognized CID")
	}
}

func TestTruncatedLinkADRErrors(t *testing.T) {
	p := New()
	if err := p.Process([]byte{0x03, 0x01}, 0, 0); err == nil {
		t.Error("expected error for truncated LinkADRReq")
	}
}

func TestMultipleCommandsAccumulate(t *testing.T) {
	p := New()
	fOpts := []byte{0x06, 0x03, 0x50, 0x00, 0x01, 0x00}
	if err := p.Process(fOpts, 100, 2); err != nil {
		t.Fatalf("Process failed: %v", err)
	}
	got := p.TakeAnswer()
	if len(got) != 5 { // 3 for DevStatus + 2 for LinkADR
		t.Errorf("got %d bytes, want 5: %x", len(got), got)
	}
	if len(got) > MaxAnswerBytes {
		t.Error("should still fit in FOpts for this test")
	}
}
