package codec

import (
	"encoding/binary"
	"fmt"
)

// dataMIC computes the 4-byte MIC for a data frame (up or down) per
// LoRaWAN 1.0.2 §4.4: AES-CMAC(NwkSKey, B0 ‖ msg)[0:4], where B0 encodes
// direction, DevAddr, the full 32-bit frame counter and the message
// length.
func dataMIC(nwkSKey [16]byte, uplink bool, devAddr [4]byte, fCnt uint32, msg []byte) ([4]byte, error) {
	var mic [4]byte

	b0 := make([]byte, 16)
	b0[0] = 0x49
	if !uplink {
		b0[5] = 0x01
	}
	copy(b0[6:10], reverseAddr(devAddr))
	binary.LittleEndian.PutUint32(b0[10:14], fCnt)
	b0[15] = byte(len(msg))

	tag, err := aesCMAC(nwkSKey, append(b0, msg...))
	if err != nil {
		return mic, fmt.Errorf("codec: data MIC: %w", err)
	}
	copy(mic[:], tag[:4])
	return mic, nil
}

// fCtrl bit positions shared by uplink and downlink FHDR.FCtrl.
const (
	fctrlADR      = 1 << 7
	fctrlADRACKorRFU = 1 << 6
	fctrlACK      = 1 << 5
	fctrlFPending = 1 << 4
	fctrlOptsMask = 0x0F
)

func encodeFCtrl(adr, adrAckReqOrRFU, ack, fPending bool, fOptsLen int) byte {
	var c byte
	if adr {
		c |= fctrlADR
	}
	if adrAckReqOrRFU {
		c |= fctrlADRACKorRFU
	}
	if ack {
		c |= fctrlACK
	}
	if fPending {
		c |= fctrlFPending
	}
	c |= byte(fOptsLen) & fctrlOptsMask
	return c
}
