package codec

import "fmt"

const joinRequestLen = 1 + 8 + 8 + 2 + 4 // MHDR + AppEUI + DevEUI + DevNonce + MIC

// EncodeJoinRequest builds a JoinRequest PHYPayload: MHDR ‖ AppEUI ‖ DevEUI
// ‖ DevNonce, with a 4-byte AES-CMAC(AppKey, ...) MIC appended. AppEUI and
// DevEUI are transmitted little-endian.
func EncodeJoinRequest(appEUI, devEUI [8]byte, appKey [16]byte, devNonce uint16) ([]byte, error) {
	body := make([]byte, 0, joinRequestLen-4)
	body = append(body, encodeMHDR(MTypeJoinRequest))
	body = append(body, reverse(appEUI[:])...)
	body = append(body, reverse(devEUI[:])...)
	body = append(body, byte(devNonce), byte(devNonce>>8))

	tag, err := aesCMAC(appKey, body)
	if err != nil {
		return nil, fmt.Errorf("codec: join request MIC: %w", err)
	}

	return append(body, tag[:4]...), nil
}
