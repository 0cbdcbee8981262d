package device

import (
	"testing"

	"github.com/agsys/lorawan-enddevice/internal/region"
)

func TestHasSessionRequiresAllThree(t *testing.T) {
	r := New([8]byte{1}, [8]byte{2}, [16]byte{3})
	if r.HasSession() {
		t.Error("fresh record must not report a session")
	}
	r.SetSession([4]byte{0x26, 0x01, 0x1b, 0xda}, [16]byte{1}, [16]byte{2})
	if !r.HasSession() {
		t.Error("record with all three session fields set should report a session")
	}
	if !r.IsJoined {
		t.Error("SetSession must set IsJoined")
	}
	if r.FCnt != 0 {
		t.Error("SetSession must reset FCnt to 0")
	}
}

func TestClearSession(t *testing.T) {
	r := New([8]byte{1}, [8]byte{2}, [16]byte{3})
	r.SetSession([4]byte{1}, [16]byte{1}, [16]byte{2})
	r.ClearSession()
	if r.HasSession() || r.IsJoined {
		t.Error("ClearSession must drop DevAddr/keys and IsJoined")
	}
}

func TestTransientBuffersClearAfterCallback(t *testing.T) {
	r := New([8]byte{1}, [8]byte{2}, [16]byte{3})
	r.SetUplinkBuffers([]byte{1, 2}, []byte{3, 4})
	r.SetDownlinkBuffers([]byte{5}, []byte{6})
	r.ClearTransientBuffers()
	if r.uplinkMacPayload != nil || r.uplinkPhyPayload != nil {
		t.Error("uplink buffers must be nil after ClearTransientBuffers")
	}
	if r.downlinkPhyPayload != nil || r.downlinkMacPayload != nil {
		t.Error("downlink buffers must be nil after ClearTransientBuffers")
	}
}

func TestDevEUIRoundTrip(t *testing.T) {
	want := "1d42fbec13160990"
	eui, err := ParseDevEUI(want)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	r := New(eui, eui, [16]byte{})
	if r.DevEUIString() != want {
		t.Errorf("got %s, want %s", r.DevEUIString(), want)
	}
}

func TestParseDevEUIInvalidLength(t *testing.T) {
	if _, err := ParseDevEUI("1234"); err == nil {
		t.Error("expected error for short DevEUI")
	}
}

func TestValidateChannelGroup(t *testing.T) {
	if err := ValidateChannelGroup(region.EU868, 0); err != nil {
		t.Errorf("EU868 group 0 should be valid: %v", err)
	}
	if err := ValidateChannelGroup(region.EU868, 1); err == nil {
		t.Error("EU868 nonzero group should be invalid")
	}
	if err := ValidateChannelGroup(region.US915, 5); err != nil {
		t.Errorf("US915 group 5 should be valid: %v", err)
	}
}
