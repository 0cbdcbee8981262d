package codec

import (
	"encoding/binary"
	"fmt"
)

// DecodedDown is the decrypted, MIC-verified content of a DataDown frame.
type DecodedDown struct {
	Confirmed bool
	FCnt      uint32 // reconstructed full 32-bit counter
	ADR       bool
	ACK       bool // server is acking our last confirmed uplink
	FPending  bool
	FOpts     []byte
	HasFPort  bool
	FPort     uint8
	Payload   []byte
}

// DecodeDataDown verifies DevAddr and MIC, extracts the cleartext FOpts,
// decrypts FRMPayload and
// reconstructs the full 32-bit frame counter. fCntHint is the last FCnt
// this device observed from the network (0 if none), used to unroll the
// wire's 16-bit counter across its 32-bit rollover. Returns
// AddrMismatchError without inspecting anything else when DevAddr
// doesn't match, and MicError when the tag doesn't verify.
func DecodeDataDown(phyPayload []byte, devAddr [4]byte, nwkSKey, appSKey [16]byte, fCntHint uint32) (*DecodedDown, error) {
	if len(phyPayload) < 12 { // MHDR+DevAddr+FCtrl+FCnt+MIC minimum
		return nil, &MalformedPhyError{Len: len(phyPayload)}
	}

	mtype, err := MessageType(phyPayload)
	if err != nil {
		return nil, err
	}
	if mtype != MTypeUnconfirmedDataDown && mtype != MTypeConfirmedDataDown {
		return nil, fmt.Errorf("codec: %s is not a data-down frame", mtype)
	}

	body := phyPayload[1 : len(phyPayload)-4]
	wireMIC := phyPayload[len(phyPayload)-4:]

	var wireAddr [4]byte
	copy(wireAddr[:], reverse(body[0:4]))
	if wireAddr != devAddr {
		return nil, &AddrMismatchError{}
	}

	fctrl := body[4]
	fOptsLen := int(fctrl & fctrlOptsMask)
	wireFCnt16 := binary.LittleEndian.Uint16(body[5:7])
	fCnt32 := unrollFCnt(fCntHint, wireFCnt16)

	msg := append([]byte{phyPayload[0]}, body...)
	mic, err := dataMIC(nwkSKey, false, devAddr, fCnt32, msg)
	if err != nil {
		return nil, err
	}
	if !bytesEqual(mic[:], wireMIC) {
		return nil, &MicError{}
	}

	off := 7
	if len(body) < off+fOptsLen {
		return nil, &LengthError{Field: "FOpts", Len: fOptsLen}
	}
	fOpts := body[off : off+fOptsLen]
	off += fOptsLen

	dd := &DecodedDown{
		Confirmed: mtype == MTypeConfirmedDataDown,
		FCnt:      fCnt32,
		ADR:       fctrl&fctrlADR != 0,
		ACK:       fctrl&fctrlACK != 0,
		FPending:  fctrl&fctrlFPending != 0,
	}

	// FOpts travel in cleartext in 1.0.2; only the FRMPayload below is
	// encrypted.
	if len(fOpts) > 0 {
		dd.FOpts = append([]byte{}, fOpts...)
	}

	if len(body) > off {
		dd.HasFPort = true
		dd.FPort = body[off]
		off++
		encPayload := body[off:]
		if len(encPayload) > 0 {
			key := appSKey
			if dd.FPort == 0 {
				key = nwkSKey
			}
			dd.Payload, err = frmPayloadKeystream(key, false, devAddr, fCnt32, encPayload)
			if err != nil {
				return nil, fmt.Errorf("codec: decrypt FRMPayload: %w", err)
			}
		}
	}

	return dd, nil
}

// EncodeDataDown builds a DataDown PHYPayload the way a network server
// would, for use in round-trip tests of DecodeDataDown. Not part of the
// end-device's own operation set.
func EncodeDataDown(confirmed bool, devAddr [4]byte, fCnt uint32, ack bool, fPort uint8, nwkSKey, appSKey [16]byte, fOpts, payload []byte) ([]byte, error) {
	if len(fOpts) > 15 {
		return nil, &LengthError{Field: "FOpts", Len: len(fOpts)}
	}

	mtype := MTypeUnconfirmedDataDown
	if confirmed {
		mtype = MTypeConfirmedDataDown
	}

	fhdr := append([]byte{}, reverseAddr(devAddr)...)
	fhdr = append(fhdr, encodeFCtrl(false, false, ack, false, len(fOpts)))
	fhdr = append(fhdr, byte(fCnt), byte(fCnt>>8))
	fhdr = append(fhdr, fOpts...)

	macPayload := append([]byte{}, fhdr...)
	if len(payload) > 0 || fPort != 0 {
		macPayload = append(macPayload, fPort)
		if len(payload) > 0 {
			key := appSKey
			if fPort == 0 {
				key = nwkSKey
			}
			enc, err := frmPayloadKeystream(key, false, devAddr, fCnt, payload)
			if err != nil {
				return nil, fmt.Errorf("codec: encrypt FRMPayload: %w", err)
			}
			macPayload = append(macPayload, enc...)
		}
	}

	mhdr := encodeMHDR(mtype)
	msg := append([]byte{mhdr}, macPayload...)
	mic, err := dataMIC(nwkSKey, false, devAddr, fCnt, msg)
	if err != nil {
		return nil, err
	}
	return append(msg, mic[:]...), nil
}

// unrollFCnt reconstructs the full 32-bit frame counter from the wire's
// 16-bit value given the last known counter, handling a single rollover.
func unrollFCnt(hint uint32, wire16 uint16) uint32 {
	candidate := (hint &^ 0xFFFF) | uint32(wire16)
	if candidate < hint && hint-candidate > 0x8000 {
		candidate += 0x10000
	}
	return candidate
}
