package codec

import "fmt"

// JoinAccept is the decoded, MIC-verified content of a JoinAccept frame.
type JoinAccept struct {
	DevAddr    [4]byte
	NwkSKey    [16]byte
	AppSKey    [16]byte
	RxDelay    uint8
	DLSettings uint8
	// CFList holds up to 5 extra EU868 channel frequencies in Hz, present
	// only when the network appended one.
	CFList []uint32
}

const joinAcceptBodyLenNoCFList = 3 + 3 + 4 + 1 + 1 // AppNonce+NetID+DevAddr+DLSettings+RxDelay
const joinAcceptBodyLenCFList = joinAcceptBodyLenNoCFList + 16

// DecodeJoinAccept decrypts and verifies a JoinAccept PHYPayload and
// derives the session keys per LoRaWAN 1.0.2 §6.2.5. devNonce must be the
// one this device sent in the JoinRequest that solicited this response.
func DecodeJoinAccept(phyPayload []byte, appKey [16]byte, devNonce uint16) (*JoinAccept, error) {
	if len(phyPayload) < 1 {
		return nil, &MalformedPhyError{Len: len(phyPayload)}
	}
	mhdr := phyPayload[0]
	ciphertext := phyPayload[1:]
	if len(ciphertext)%16 != 0 {
		return nil, &LengthError{Field: "JoinAccept ciphertext", Len: len(ciphertext)}
	}

	plain, err := ecbBlockTranscode(appKey, ciphertext, true)
	if err != nil {
		return nil, fmt.Errorf("codec: join accept decrypt: %w", err)
	}

	if len(plain) < 4 {
		return nil, &LengthError{Field: "JoinAccept plaintext", Len: len(plain)}
	}
	body := plain[:len(plain)-4]
	mic := plain[len(plain)-4:]

	if len(body) != joinAcceptBodyLenNoCFList && len(body) != joinAcceptBodyLenCFList {
		return nil, &LengthError{Field: "JoinAccept body", Len: len(body)}
	}

	micInput := append([]byte{mhdr}, body...)
	want, err := aesCMAC(appKey, micInput)
	if err != nil {
		return nil, fmt.Errorf("codec: join accept MIC: %w", err)
	}
	if !bytesEqual(mic, want[:4]) {
		return nil, &MicError{}
	}

	appNonce := body[0:3]
	netID := body[3:6]
	var devAddr [4]byte
	copy(devAddr[:], reverse(body[6:10]))
	dlSettings := body[10]
	rxDelay := body[11]

	ja := &JoinAccept{
		DevAddr:    devAddr,
		DLSettings: dlSettings,
		RxDelay:    rxDelay,
	}

	if len(body) == joinAcceptBodyLenCFList {
		cfList := body[12:28]
		for i := 0; i < 5; i++ {
			freq := uint24LE(cfList[i*3 : i*3+3])
			if freq == 0 {
				continue
			}
			ja.CFList = append(ja.CFList, freq*100)
		}
	}

	nwkSKey, err := deriveSessionKey(appKey, 0x01, appNonce, netID, devNonce)
	if err != nil {
		return nil, err
	}
	appSKey, err := deriveSessionKey(appKey, 0x02, appNonce, netID, devNonce)
	if err != nil {
		return nil, err
	}
	ja.NwkSKey = nwkSKey
	ja.AppSKey = appSKey

	return ja, nil
}

// deriveSessionKey computes AES(AppKey, typeByte ‖ AppNonce ‖ NetID ‖
// DevNonce ‖ pad) as a single AES-128 block encryption.
func deriveSessionKey(appKey [16]byte, typeByte byte, appNonce, netID []byte, devNonce uint16) ([16]byte, error) {
	var out [16]byte
	block := make([]byte, 0, 16)
	block = append(block, typeByte)
	block = append(block, appNonce...)
	block = append(block, netID...)
	block = append(block, byte(devNonce), byte(devNonce>>8))
	for len(block) < 16 {
		block = append(block, 0)
	}

	cipher, err := ecbBlockTranscode(appKey, block, true)
	if err != nil {
		return out, fmt.Errorf("codec: derive session key: %w", err)
	}
	copy(out[:], cipher)
	return out, nil
}

// EncodeJoinAccept builds a JoinAccept PHYPayload the way a network
// server would, for use in round-trip tests of DecodeJoinAccept. Not
// part of the end-device's own operation set.
func EncodeJoinAccept(appKey [16]byte, appNonce, netID [3]byte, devAddr [4]byte, dlSettings, rxDelay byte, cfList []uint32) ([]byte, error) {
	body := make([]byte, 0, joinAcceptBodyLenCFList)
	body = append(body, appNonce[:]...)
	body = append(body, netID[:]...)
	body = append(body, reverse(devAddr[:])...)
	body = append(body, dlSettings, rxDelay)
	if len(cfList) > 0 {
		cf := make([]byte, 16)
		for i, freq := range cfList {
			if i >= 5 {
				break
			}
			putUint24LE(cf[i*3:i*3+3], freq/100)
		}
		body = append(body, cf...)
	}

	mhdr := encodeMHDR(MTypeJoinAccept)
	mic, err := aesCMAC(appKey, append([]byte{mhdr}, body...))
	if err != nil {
		return nil, fmt.Errorf("codec: join accept MIC: %w", err)
	}
	plain := append(append([]byte{}, body...), mic[:4]...)

	cipher, err := ecbBlockTranscode(appKey, plain, false)
	if err != nil {
		return nil, fmt.Errorf("codec: join accept encrypt: %w", err)
	}
	return append([]byte{mhdr}, cipher...), nil
}

func bytesEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
