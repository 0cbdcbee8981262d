package codec

import (
	"bytes"
	"encoding/hex"
	"testing"
)

func mustParseHex(t *testing.T, s string, n int) []byte {
	t.Helper()
	b, err := hex.DecodeString(s)
	if err != nil {
		t.Fatalf("bad hex %q: %v", s, err)
	}
	if len(b) != n {
		t.Fatalf("hex %q decoded to %d bytes, want %d", s, len(b), n)
	}
	return b
}

func TestMessageTypeTooShort(t *testing.T) {
	if _, err := MessageType(nil); err == nil {
		t.Error("expected MalformedPhyError for empty input")
	}
}

func TestEncodeJoinRequestMessageType(t *testing.T) {
	var devEUI, appEUI [8]byte
	copy(devEUI[:], mustParseHex(t, "1d42fbec13160990", 8))
	appEUI = devEUI
	var appKey [16]byte
	copy(appKey[:], mustParseHex(t, "4fe6e906d37fd200f25f82f7df6ba0dd", 16))

	phy, err := EncodeJoinRequest(appEUI, devEUI, appKey, 0x1234)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(phy) != joinRequestLen {
		t.Errorf("got length %d, want %d", len(phy), joinRequestLen)
	}
	mt, err := MessageType(phy)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mt != MTypeJoinRequest {
		t.Errorf("got %s, want JoinRequest", mt)
	}
}

func TestJoinAcceptRoundTrip(t *testing.T) {
	var appKey [16]byte
	copy(appKey[:], mustParseHex(t, "4fe6e906d37fd200f25f82f7df6ba0dd", 16))
	appNonce := [3]byte{0x01, 0x00, 0x00}
	netID := [3]byte{0x13, 0x00, 0x00}
	devAddr := [4]byte{0x26, 0x01, 0x1b, 0xda}
	devNonce := uint16(0x1234)

	phy, err := EncodeJoinAccept(appKey, appNonce, netID, devAddr, 0x01, 1, nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	ja, err := DecodeJoinAccept(phy, appKey, devNonce)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ja.DevAddr != devAddr {
		t.Errorf("DevAddr mismatch: got %x, want %x", ja.DevAddr, devAddr)
	}
	if ja.RxDelay != 1 {
		t.Errorf("RxDelay mismatch: got %d", ja.RxDelay)
	}
	if ja.NwkSKey == ([16]byte{}) || ja.AppSKey == ([16]byte{}) {
		t.Error("expected non-zero derived session keys")
	}
	if ja.NwkSKey == ja.AppSKey {
		t.Error("NwkSKey and AppSKey must differ (different type byte)")
	}
}

func TestJoinAcceptTamperedMICFails(t *testing.T) {
	var appKey [16]byte
	copy(appKey[:], mustParseHex(t, "4fe6e906d37fd200f25f82f7df6ba0dd", 16))
	phy, err := EncodeJoinAccept(appKey, [3]byte{1}, [3]byte{0x13}, [4]byte{0x26, 0x01, 0x1b, 0xda}, 0, 1, nil)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	phy[len(phy)-1] ^= 0xFF // flip every bit of the last ciphertext byte

	if _, err := DecodeJoinAccept(phy, appKey, 0x1234); err == nil {
		t.Error("expected decode to fail after tampering")
	}
}

func TestJoinAcceptWithCFList(t *testing.T) {
	var appKey [16]byte
	copy(appKey[:], mustParseHex(t, "4fe6e906d37fd200f25f82f7df6ba0dd", 16))
	freqs := []uint32{867100000, 867300000, 867500000}
	phy, err := EncodeJoinAccept(appKey, [3]byte{1}, [3]byte{0x13}, [4]byte{1, 2, 3, 4}, 0, 1, freqs)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	ja, err := DecodeJoinAccept(phy, appKey, 0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if len(ja.CFList) != 3 {
		t.Fatalf("got %d CFList entries, want 3", len(ja.CFList))
	}
	for i, f := range freqs {
		if ja.CFList[i] != f {
			t.Errorf("CFList[%d] = %d, want %d", i, ja.CFList[i], f)
		}
	}
}

func TestUnconfirmedDataUpMHDR(t *testing.T) {
	devAddr := [4]byte{0x26, 0x01, 0x1b, 0xda}
	nwkSKey := [16]byte{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16}
	appSKey := [16]byte{16, 15, 14, 13, 12, 11, 10, 9, 8, 7, 6, 5, 4, 3, 2, 1}
	payload := []byte{0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08, 0x09}

	phy, err := EncodeDataUp(false, devAddr, 1, 2, nwkSKey, appSKey, true, false, nil, payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	mt, err := MessageType(phy)
	if err != nil || mt != MTypeUnconfirmedDataUp {
		t.Fatalf("unexpected message type: %v %v", mt, err)
	}
	if phy[0] != 0x40 {
		t.Errorf("MHDR = %#x, want 0x40", phy[0])
	}
}

func TestDataUpCarriesFOptsInCleartext(t *testing.T) {
	devAddr := [4]byte{0x26, 0x01, 0x1b, 0xda}
	nwkSKey := [16]byte{1, 2, 3}
	appSKey := [16]byte{4, 5, 6}
	fOpts := []byte{0x03, 0x07} // LinkADRAns

	phy, err := EncodeDataUp(false, devAddr, 1, 2, nwkSKey, appSKey, false, false, fOpts, []byte{0xAA})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	// FHDR layout: MHDR(1) DevAddr(4) FCtrl(1) FCnt(2) FOpts...
	if got := phy[8:10]; !bytes.Equal(got, fOpts) {
		t.Errorf("FOpts on the wire = %x, want cleartext %x", got, fOpts)
	}
	if int(phy[5]&0x0F) != len(fOpts) {
		t.Errorf("FOptsLen = %d, want %d", phy[5]&0x0F, len(fOpts))
	}
}

func TestDataUpACKBit(t *testing.T) {
	devAddr := [4]byte{1, 2, 3, 4}
	nwkSKey := [16]byte{1}
	appSKey := [16]byte{2}

	phy, err := EncodeDataUp(false, devAddr, 1, 2, nwkSKey, appSKey, false, true, nil, []byte{0x01})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if phy[5]&0x20 == 0 {
		t.Error("FCtrl.ACK must be set when ack is true")
	}

	phy, err = EncodeDataUp(false, devAddr, 2, 2, nwkSKey, appSKey, false, false, nil, []byte{0x01})
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	if phy[5]&0x20 != 0 {
		t.Error("FCtrl.ACK must be clear when ack is false")
	}
}

func TestDataDownAddrMismatch(t *testing.T) {
	devAddr := [4]byte{1, 2, 3, 4}
	other := [4]byte{9, 9, 9, 9}
	nwkSKey := [16]byte{1}
	appSKey := [16]byte{2}

	phy, err := EncodeDataDown(false, devAddr, 1, false, 0, nwkSKey, appSKey, nil, nil)
	if err != nil {
		t.Fatalf("setup encode failed: %v", err)
	}

	if _, err := DecodeDataDown(phy, other, nwkSKey, appSKey, 0); err == nil {
		t.Error("expected AddrMismatchError")
	} else if _, ok := err.(*AddrMismatchError); !ok {
		t.Errorf("expected AddrMismatchError, got %T: %v", err, err)
	}
}

func TestDataDownTamperedMIC(t *testing.T) {
	devAddr := [4]byte{1, 2, 3, 4}
	nwkSKey := [16]byte{1}
	appSKey := [16]byte{2}

	phy, err := EncodeDataDown(false, devAddr, 1, false, 0, nwkSKey, appSKey, nil, nil)
	if err != nil {
		t.Fatalf("setup encode failed: %v", err)
	}
	phy[len(phy)-1] ^= 0xFF

	if _, err := DecodeDataDown(phy, devAddr, nwkSKey, appSKey, 0); err == nil {
		t.Error("expected MicError after tampering")
	}
}

func TestDataUpDataDownKeystreamSymmetry(t *testing.T) {
	devAddr := [4]byte{1, 2, 3, 4}
	key := [16]byte{1, 2, 3}
	payload := []byte("hello lorawan")

	enc, err := frmPayloadKeystream(key, true, devAddr, 5, payload)
	if err != nil {
		t.Fatalf("encrypt failed: %v", err)
	}
	dec, err := frmPayloadKeystream(key, true, devAddr, 5, enc)
	if err != nil {
		t.Fatalf("decrypt failed: %v", err)
	}
	if !bytes.Equal(dec, payload) {
		t.Errorf("got %q, want %q", dec, payload)
	}
}

func TestDataDownRoundTrip(t *testing.T) {
	devAddr := [4]byte{0x26, 0x01, 0x1b, 0xda}
	nwkSKey := [16]byte{1, 2, 3}
	appSKey := [16]byte{4, 5, 6}
	fOpts := []byte{0x03, 0x50, 0x03, 0x00, 0x01}
	payload := []byte{0xAA, 0xBB}

	phy, err := EncodeDataDown(true, devAddr, 9, true, 1, nwkSKey, appSKey, fOpts, payload)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	dd, err := DecodeDataDown(phy, devAddr, nwkSKey, appSKey, 0)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if !dd.Confirmed || !dd.ACK {
		t.Errorf("flags = %+v", dd)
	}
	if dd.FCnt != 9 {
		t.Errorf("FCnt = %d, want 9", dd.FCnt)
	}
	if !bytes.Equal(dd.FOpts, fOpts) {
		t.Errorf("FOpts = %x, want %x", dd.FOpts, fOpts)
	}
	if !dd.HasFPort || dd.FPort != 1 {
		t.Errorf("FPort = %v %d", dd.HasFPort, dd.FPort)
	}
	if !bytes.Equal(dd.Payload, payload) {
		t.Errorf("payload = %x, want %x", dd.Payload, payload)
	}
}
