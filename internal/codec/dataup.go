package codec

import (
	"encoding/binary"
	"fmt"
)

// EncodeDataUp builds a Confirmed- or Unconfirmed-DataUp PHYPayload.
// payload is encrypted with appSKey when fPort > 0, or with nwkSKey when
// fPort == 0 (a MAC-command-only "stack transmit"). fOpts is carried in
// cleartext in FHDR, as LoRaWAN 1.0.2 prescribes; it MUST already be
// ≤ 15 bytes (the MAC-command processor is responsible for the
// stack-transmit fallback above that size). ack echoes a received
// confirmed downlink back to the network.
func EncodeDataUp(confirmed bool, devAddr [4]byte, fCnt uint32, fPort uint8, nwkSKey, appSKey [16]byte, adr, ack bool, fOpts []byte, payload []byte) ([]byte, error) {
	if len(fOpts) > 15 {
		return nil, &LengthError{Field: "FOpts", Len: len(fOpts)}
	}

	mtype := MTypeUnconfirmedDataUp
	if confirmed {
		mtype = MTypeConfirmedDataUp
	}

	fhdr := make([]byte, 0, 7+len(fOpts))
	fhdr = append(fhdr, reverseAddr(devAddr)...)
	fhdr = append(fhdr, encodeFCtrl(adr, false, ack, false, len(fOpts)))
	fcnt16 := make([]byte, 2)
	binary.LittleEndian.PutUint16(fcnt16, uint16(fCnt))
	fhdr = append(fhdr, fcnt16...)
	fhdr = append(fhdr, fOpts...)

	macPayload := append([]byte{}, fhdr...)
	macPayload = append(macPayload, fPort)

	if len(payload) > 0 {
		key := appSKey
		if fPort == 0 {
			key = nwkSKey
		}
		encPayload, err := frmPayloadKeystream(key, true, devAddr, fCnt, payload)
		if err != nil {
			return nil, fmt.Errorf("codec: encrypt FRMPayload: %w", err)
		}
		macPayload = append(macPayload, encPayload...)
	}

	mhdr := encodeMHDR(mtype)
	msg := append([]byte{mhdr}, macPayload...)

	mic, err := dataMIC(nwkSKey, true, devAddr, fCnt, msg)
	if err != nil {
		return nil, err
	}

	return append(msg, mic[:]...), nil
}
