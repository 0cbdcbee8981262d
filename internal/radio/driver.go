// Package radio defines the SX126x control surface the MAC engine drives,
// and provides two implementations: a real SPI/GPIO driver (sx126x.go)
// and a ZeroMQ-backed bench/simulator driver (concentratord.go) useful
// for exercising the MAC engine without hardware.
package radio

import "context"

// Status mirrors the SX126x IRQ/state machine as the engine observes it
// through Poll.
type Status int

const (
	StatusDefault Status = iota
	StatusTxWait
	StatusTxDone
	StatusRxWait
	StatusRxContinuous
	StatusRxTimeout
	StatusRxDone
	StatusHeaderErr
	StatusCrcErr
	StatusCadWait
	StatusCadDetected
	StatusCadDone
)

func (s Status) String() string {
	switch s {
	case StatusTxWait:
		return "TxWait"
	case StatusTxDone:
		return "TxDone"
	case StatusRxWait:
		return "RxWait"
	case StatusRxContinuous:
		return "RxContinuous"
	case StatusRxTimeout:
		return "RxTimeout"
	case StatusRxDone:
		return "RxDone"
	case StatusHeaderErr:
		return "HeaderErr"
	case StatusCrcErr:
		return "CrcErr"
	case StatusCadWait:
		return "CadWait"
	case StatusCadDetected:
		return "CadDetected"
	case StatusCadDone:
		return "CadDone"
	default:
		return "Default"
	}
}

// TxConfig bundles everything a TX/RX mode change needs.
type TxConfig struct {
	Frequency       uint32
	SpreadingFactor uint8
	Bandwidth       uint32
	CodingRate      uint8
	Preamble        uint16
	SyncWord        uint8
	TxPower         int8
	CRCOn           bool
	IQInverted      bool
}

// Driver is the radio control surface the MAC engine drives.
// Implementations are single-threaded; all access is
// mediated by the engine's own radio mutex. Internal locks guard only
// driver-side state (the last received packet, SNR/RSSI, armed mode)
// that a background goroutine or Poll may update.
type Driver interface {
	// SetTxMode configures the radio for transmission and does not
	// itself transmit; Transmit does that.
	SetTxMode(cfg TxConfig) error
	// SetRX1Mode configures the radio for the first, timed receive
	// window.
	SetRX1Mode(cfg TxConfig) error
	// SetRX2Mode configures the radio for continuous receive.
	SetRX2Mode(cfg TxConfig) error
	// Transmit sends payload and blocks up to waitMS for TX completion.
	Transmit(ctx context.Context, payload []byte, waitMS int) (bool, error)
	// Poll returns the current IRQ status, waiting up to timeoutMS.
	Poll(ctx context.Context, timeoutMS int) (Status, error)
	// ReadAvailable returns the most recently received packet bytes.
	ReadAvailable() ([]byte, error)
	// SNR returns the SNR in dB of the last received packet.
	SNR() float32
	// RSSI returns the RSSI in dBm of the last received packet.
	RSSI() int
	// Close releases the underlying bus/socket.
	Close() error
}
