// Package device holds the persistent per-device identity and session
// state the MAC engine owns and mutates. A Record is rehydrated from
// storage at startup and is the single owner of everything the codec and
// engine need to encode/decode frames for one device.
package device

import (
	"encoding/hex"
	"fmt"

	"github.com/agsys/lorawan-enddevice/internal/region"
)

// Record is the persisted state for a single LoRaWAN end-device,
// keyed by DevEUI. Identity, session, counter, IsJoined and ChannelGroup
// fields map onto the sqlite schema in internal/storage; ConfirmedUplink,
// Ack, AckDown and the transient buffers are not persisted.
type Record struct {
	// Identity, immutable after provisioning.
	DevEUI [8]byte  `json:"dev_eui"`
	AppEUI [8]byte  `json:"app_eui"`
	AppKey [16]byte `json:"app_key"`

	// Session, set on successful JoinAccept.
	DevAddr  [4]byte  `json:"dev_addr"`
	NwkSKey  [16]byte `json:"nwk_s_key"`
	AppSKey  [16]byte `json:"app_s_key"`

	// Counters.
	DevNonce  uint16 `json:"dev_nonce"`
	FCnt      uint32 `json:"fcnt"`
	FCntDown  uint32 `json:"fcnt_down"`

	// Flags.
	IsJoined        bool `json:"is_joined"`
	ConfirmedUplink bool `json:"confirmed_uplink"`
	Ack             bool `json:"ack"`
	AckDown         bool `json:"ack_down"`

	// Routing hint: US915 sub-band rotation group, always 0 for EU868.
	ChannelGroup int `json:"channel_group"`

	// Transient, request/response-scoped only; never persisted and
	// never observable after a callback returns.
	uplinkMacPayload   []byte
	uplinkPhyPayload   []byte
	downlinkPhyPayload []byte
	downlinkMacPayload []byte
}

// New constructs an unjoined Record from the provisioning triple. Session
// fields are zero until a join succeeds.
func New(devEUI, appEUI [8]byte, appKey [16]byte) *Record {
	return &Record{
		DevEUI: devEUI,
		AppEUI: appEUI,
		AppKey: appKey,
	}
}

// ValidateChannelGroup checks that group is sane for the given region;
// only US915 has sub-band rotation, so any nonzero group is invalid
// elsewhere.
func ValidateChannelGroup(r region.Region, group int) error {
	if r != region.US915 && group != 0 {
		return fmt.Errorf("device: channel group %d invalid for region %s", group, r)
	}
	return nil
}

// HasSession reports whether DevAddr/NwkSKey/AppSKey are all non-zero.
func (r *Record) HasSession() bool {
	return r.DevAddr != [4]byte{} && r.NwkSKey != [16]byte{} && r.AppSKey != [16]byte{}
}

// SetSession installs a freshly-derived session. Callers MUST only invoke
// this after JoinAccept's MIC has verified.
func (r *Record) SetSession(devAddr [4]byte, nwkSKey, appSKey [16]byte) {
	r.DevAddr = devAddr
	r.NwkSKey = nwkSKey
	r.AppSKey = appSKey
	r.IsJoined = true
	r.FCnt = 0
	r.FCntDown = 0
	r.Ack = false
	r.AckDown = false
}

// ClearSession drops session state, e.g. ahead of a forced rejoin.
func (r *Record) ClearSession() {
	r.DevAddr = [4]byte{}
	r.NwkSKey = [16]byte{}
	r.AppSKey = [16]byte{}
	r.IsJoined = false
}

// SetUplinkBuffers stashes the transient payload for the duration of one
// transmit call. Callers MUST call ClearTransientBuffers before
// returning control to the application callback.
func (r *Record) SetUplinkBuffers(macPayload, phyPayload []byte) {
	r.uplinkMacPayload = macPayload
	r.uplinkPhyPayload = phyPayload
}

// SetDownlinkBuffers stashes the decoded downlink for the duration of one
// scheduler tick.
func (r *Record) SetDownlinkBuffers(phyPayload, macPayload []byte) {
	r.downlinkPhyPayload = phyPayload
	r.downlinkMacPayload = macPayload
}

// ClearTransientBuffers drops all four transient buffers.
func (r *Record) ClearTransientBuffers() {
	r.uplinkMacPayload = nil
	r.uplinkPhyPayload = nil
	r.downlinkPhyPayload = nil
	r.downlinkMacPayload = nil
}

// DevEUIString renders DevEUI as the 16-character hex primary key used by
// internal/storage.
func (r *Record) DevEUIString() string {
	return hex.EncodeToString(r.DevEUI[:])
}

// ParseDevEUI parses a 16-character hex string into an 8-byte DevEUI.
func ParseDevEUI(s string) ([8]byte, error) {
	var out [8]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("device: invalid DevEUI %q: %w", s, err)
	}
	if len(b) != 8 {
		return out, fmt.Errorf("device: DevEUI must be 8 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

// ParseAppKey parses a 32-character hex string into a 16-byte AppKey.
func ParseAppKey(s string) ([16]byte, error) {
	var out [16]byte
	b, err := hex.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("device: invalid AppKey: %w", err)
	}
	if len(b) != 16 {
		return out, fmt.Errorf("device: AppKey must be 16 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}
