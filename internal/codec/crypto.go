package codec

import (
	"crypto/aes"
	"encoding/binary"
	"fmt"

	"github.com/jacobsa/crypto/cmac"
)

// aesCMAC returns the full CMAC tag over data using key; callers truncate
// to the 4-byte MIC themselves.
func aesCMAC(key [16]byte, data []byte) ([]byte, error) {
	h, err := cmac.New(key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: cmac init: %w", err)
	}
	if _, err := h.Write(data); err != nil {
		return nil, fmt.Errorf("codec: cmac write: %w", err)
	}
	return h.Sum(nil), nil
}

// ecbBlockTranscode runs every 16-byte block of data through either
// Encrypt or Decrypt of an AES block cipher under key. This is the
// "decrypt join-accept with the block cipher's Encrypt operation, and
// vice versa" trick the LoRaWAN spec prescribes for JoinAccept, since an
// end-device need not implement AES decryption otherwise.
func ecbBlockTranscode(key [16]byte, data []byte, encryptOp bool) ([]byte, error) {
	if len(data)%16 != 0 {
		return nil, &LengthError{Field: "ecb input", Len: len(data)}
	}
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: aes cipher: %w", err)
	}
	out := make([]byte, len(data))
	for i := 0; i < len(data); i += 16 {
		if encryptOp {
			block.Encrypt(out[i:i+16], data[i:i+16])
		} else {
			block.Decrypt(out[i:i+16], data[i:i+16])
		}
	}
	return out, nil
}

// frmPayloadKeystream XORs data with the A-block keystream prescribed by
// the LoRaWAN spec for FRMPayload encryption; applying it twice recovers
// the plaintext, so this is used for both encrypt and decrypt.
func frmPayloadKeystream(key [16]byte, uplink bool, devAddr [4]byte, fCnt uint32, data []byte) ([]byte, error) {
	plainLen := len(data)
	padded := data
	if plainLen%16 != 0 {
		padded = append(append([]byte{}, data...), make([]byte, 16-(plainLen%16))...)
	}

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("codec: aes cipher: %w", err)
	}

	a := make([]byte, 16)
	a[0] = 0x01
	if !uplink {
		a[5] = 0x01
	}
	copy(a[6:10], reverseAddr(devAddr))
	binary.LittleEndian.PutUint32(a[10:14], fCnt)

	s := make([]byte, 16)
	out := make([]byte, len(padded))
	for i := 0; i < len(padded)/16; i++ {
		a[15] = byte(i + 1)
		block.Encrypt(s, a)
		for j := 0; j < 16; j++ {
			out[i*16+j] = padded[i*16+j] ^ s[j]
		}
	}
	return out[:plainLen], nil
}

// reverseAddr returns devAddr as it appears on the wire. DevAddr, like
// every multi-byte LoRaWAN field, is transmitted little-endian; Record
// stores it in human (big-endian) byte order, so every block
// construction that embeds it must reverse it first.
func reverseAddr(devAddr [4]byte) []byte {
	return []byte{devAddr[3], devAddr[2], devAddr[1], devAddr[0]}
}
