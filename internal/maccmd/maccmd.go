// Package maccmd accumulates device-side answers to server FOpts MAC
// commands, to be piggybacked on the next uplink or, when they overflow
// FOpts, stack-transmitted on FPort=0.
package maccmd

import "fmt"

// CID values recognized in the FOpts byte stream.
const (
	cidLinkADR      = 0x03
	cidDutyCycle    = 0x04
	cidRXParamSetup = 0x05
	cidDevStatus    = 0x06
	cidNewChannel   = 0x07
	cidRXTimingSet  = 0x08
	cidTXParamSet   = 0x09
	cidDlChannel    = 0x0A
	cidDeviceTime   = 0x0D
)

// MaxAnswerBytes is the largest an accumulated answer may grow before
// it can no longer fit in FOpts and must be stack-transmitted instead.
const MaxAnswerBytes = 15

// Processor parses incoming FOpts CIDs and accumulates the device's
// answers. Not safe for concurrent use; the engine serializes access
// under its own radio mutex.
type Processor struct {
	answer []byte
}

// New returns an empty Processor.
func New() *Processor {
	return &Processor{}
}

// BatteryLevel reports the device's battery level per the DevStatusAns
// convention: 0 means externally powered, 1-254 is a linear fraction
// of full charge, 255 means the level cannot be measured.
type BatteryLevel uint8

const (
	BatteryExternallyPowered BatteryLevel = 0
	BatteryUnknown           BatteryLevel = 255
)

// Process consumes fOpts, dispatching each recognized CID to its
// handler and appending any answer to the accumulator. battery and
// snr feed DevStatusAns; snr is clamped to the 6-bit signed range the
// command requires.
func (p *Processor) Process(fOpts []byte, battery BatteryLevel, snr float32) error {
	i := 0
	for i < len(fOpts) {
		cid := fOpts[i]
		i++
		switch cid {
		case cidLinkADR:
			if i+4 > len(fOpts) {
				return fmt.Errorf("maccmd: LinkADRReq truncated")
			}
			i += 4
			p.answer = append(p.answer, cidLinkADR, linkADRAnsByte(true, true, true))

		case cidDevStatus:
			p.answer = append(p.answer, cidDevStatus, byte(battery), encodeSNR(snr))

		case cidDutyCycle:
			if i+1 > len(fOpts) {
				return fmt.Errorf("maccmd: DutyCycleReq truncated")
			}
			i++

		case cidRXParamSetup:
			if i+4 > len(fOpts) {
				return fmt.Errorf("maccmd: RXParamSetupReq truncated")
			}
			i += 4

		case cidNewChannel:
			if i+5 > len(fOpts) {
				return fmt.Errorf("maccmd: NewChannelReq truncated")
			}
			i += 5

		case cidRXTimingSet:
			if i+1 > len(fOpts) {
				return fmt.Errorf("maccmd: RXTimingSetupReq truncated")
			}
			i++

		case cidTXParamSet:
			if i+1 > len(fOpts) {
				return fmt.Errorf("maccmd: TXParamSetupReq truncated")
			}
			i++

		case cidDlChannel:
			if i+4 > len(fOpts) {
				return fmt.Errorf("maccmd: DlChannelReq truncated")
			}
			i += 4

		case cidDeviceTime:
			// No bytes follow in the request direction.

		default:
			return fmt.Errorf("maccmd: unrecognized CID %#x", cid)
		}
	}
	return nil
}

// linkADRAnsByte packs the three LinkADRAns status bits. Full ADR
// evaluation is out of scope; the current core always acks.
func linkADRAnsByte(powerACK, dataRateACK, channelMaskACK bool) byte {
	var b byte
	if powerACK {
		b |= 1 << 2
	}
	if dataRateACK {
		b |= 1 << 1
	}
	if channelMaskACK {
		b |= 1 << 0
	}
	return b
}

// encodeSNR packs a dB value into the 6-bit signed field DevStatusAns
// carries, clamped to [-32, 31].
func encodeSNR(snr float32) byte {
	v := int(snr)
	if v < -32 {
		v = -32
	}
	if v > 31 {
		v = 31
	}
	return byte(v) & 0x3F
}

// TakeAnswer returns and clears the accumulated answer bytes. A nil
// result means there is nothing pending.
func (p *Processor) TakeAnswer() []byte {
	if len(p.answer) == 0 {
		return nil
	}
	out := p.answer
	p.answer = nil
	return out
}

// Pending reports whether an answer is waiting to be sent.
func (p *Processor) Pending() bool {
	return len(p.answer) > 0
}
