package radio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"periph.io/x/periph/conn/gpio"
	"periph.io/x/periph/conn/spi"
)

// SX126x opcodes, per the Semtech SX1261/2/8 command interface.
const (
	opSetStandby      = 0x80
	opSetPacketType   = 0x8A
	opSetRfFrequency  = 0x86
	opSetTxParams     = 0x8E
	opSetModulation   = 0x8B
	opSetPacketParams = 0x8C
	opSetTx           = 0x83
	opSetRx           = 0x82
	opGetIrqStatus    = 0x12
	opClearIrqStatus  = 0x02
	opReadBuffer      = 0x1E
	opWriteBuffer     = 0x0E
	opSetBufferBase   = 0x8F
	opGetRxBufferStat = 0x13
	opGetPacketStatus = 0x14
)

// SX126x IRQ status bits.
const (
	irqTxDone    = 1 << 0
	irqRxDone    = 1 << 1
	irqCRCErr    = 1 << 6
	irqHeaderErr = 1 << 5
	irqTimeout   = 1 << 9
)

// Config describes the pin/bus wiring for an SX126x connected over SPI.
type Config struct {
	SPIBus   string
	CS       string
	Reset    gpio.PinIO
	Busy     gpio.PinIn
	IRQ      gpio.PinIn // not read by Poll, which always polls IRQ status over SPI
	TxEnable gpio.PinIO // nil if not present
	RxEnable gpio.PinIO // nil if not present
}

// SX126x is the real hardware Driver implementation. All register access
// goes through a single SPI connection, serialized by the MAC engine's
// own radio mutex; mu does not guard the SPI traffic, it only protects
// ReadAvailable/SNR/RSSI being read concurrently with a Poll-triggered
// register refresh.
type SX126x struct {
	cfg  Config
	conn spi.Conn

	mu         sync.Mutex
	lastRSSI   int
	lastSNR    float32
	lastPacket []byte
}

// Open resets and initializes the radio over conn, the way a periph.io
// SPI client acquires and configures a device connection.
func Open(conn spi.Conn, cfg Config) (*SX126x, error) {
	d := &SX126x{cfg: cfg, conn: conn}
	if err := d.reset(); err != nil {
		return nil, fmt.Errorf("radio: reset: %w", err)
	}
	if err := d.writeCommand(opSetStandby, []byte{0x00}); err != nil {
		return nil, fmt.Errorf("radio: set standby: %w", err)
	}
	if err := d.writeCommand(opSetPacketType, []byte{0x01}); err != nil { // 0x01 = LoRa
		return nil, fmt.Errorf("radio: set packet type: %w", err)
	}
	return d, nil
}

func (d *SX126x) reset() error {
	if d.cfg.Reset == nil {
		return nil
	}
	if err := d.cfg.Reset.Out(gpio.Low); err != nil {
		return err
	}
	time.Sleep(1 * time.Millisecond)
	if err := d.cfg.Reset.Out(gpio.High); err != nil {
		return err
	}
	time.Sleep(5 * time.Millisecond)
	return d.waitBusy()
}

func (d *SX126x) waitBusy() error {
	if d.cfg.Busy == nil {
		return nil
	}
	deadline := time.Now().Add(500 * time.Millisecond)
	for d.cfg.Busy.Read() == gpio.High {
		if time.Now().After(deadline) {
			return fmt.Errorf("radio: BUSY line stuck high")
		}
		time.Sleep(100 * time.Microsecond)
	}
	return nil
}

func (d *SX126x) writeCommand(opcode byte, params []byte) error {
	if err := d.waitBusy(); err != nil {
		return err
	}
	write := append([]byte{opcode}, params...)
	read := make([]byte, len(write))
	return d.conn.Tx(write, read)
}

func (d *SX126x) readCommand(opcode byte, nstatus, nresp int) ([]byte, error) {
	if err := d.waitBusy(); err != nil {
		return nil, err
	}
	write := make([]byte, 1+nstatus+nresp)
	write[0] = opcode
	read := make([]byte, len(write))
	if err := d.conn.Tx(write, read); err != nil {
		return nil, err
	}
	return read[1+nstatus:], nil
}

func freqToRegister(hz uint32) uint32 {
	// SX126x RF frequency register: freq_reg = freq_hz * 2^25 / 32MHz.
	const fXtalHz = 32000000
	return uint32((uint64(hz) << 25) / fXtalHz)
}

func (d *SX126x) applyConfig(cfg TxConfig) error {
	freqReg := freqToRegister(cfg.Frequency)
	freqBytes := []byte{byte(freqReg >> 24), byte(freqReg >> 16), byte(freqReg >> 8), byte(freqReg)}
	if err := d.writeCommand(opSetRfFrequency, freqBytes); err != nil {
		return err
	}

	bwCode := bandwidthCode(cfg.Bandwidth)
	modParams := []byte{cfg.SpreadingFactor, bwCode, cfg.CodingRate, 0x00}
	if err := d.writeCommand(opSetModulation, modParams); err != nil {
		return err
	}

	txPower := byte(int8(cfg.TxPower))
	if err := d.writeCommand(opSetTxParams, []byte{txPower, 0x04}); err != nil { // ramp 200us
		return err
	}

	crc := byte(0x00)
	if cfg.CRCOn {
		crc = 0x01
	}
	iq := byte(0x00)
	if cfg.IQInverted {
		iq = 0x01
	}
	preambleBytes := []byte{byte(cfg.Preamble >> 8), byte(cfg.Preamble)}
	packetParams := append(preambleBytes, 0x00 /* explicit header */, 0xFF /* max payload */, crc, iq)
	return d.writeCommand(opSetPacketParams, packetParams)
}

func bandwidthCode(hz uint32) byte {
	switch hz {
	case 125000:
		return 0x04
	case 250000:
		return 0x05
	case 500000:
		return 0x06
	default:
		return 0x04
	}
}

// SetTxMode implements Driver.
func (d *SX126x) SetTxMode(cfg TxConfig) error {
	if d.cfg.RxEnable != nil {
		d.cfg.RxEnable.Out(gpio.Low)
	}
	if d.cfg.TxEnable != nil {
		d.cfg.TxEnable.Out(gpio.High)
	}
	return d.applyConfig(cfg)
}

// SetRX1Mode implements Driver. The radio enters receive with the
// continuous timeout, exactly as in SetRX2Mode; the window's end is set
// by the engine's scheduler switching to RX2, not by the radio.
func (d *SX126x) SetRX1Mode(cfg TxConfig) error {
	return d.enterRx(cfg)
}

// SetRX2Mode implements Driver: continuous receive for Class C.
func (d *SX126x) SetRX2Mode(cfg TxConfig) error {
	return d.enterRx(cfg)
}

func (d *SX126x) enterRx(cfg TxConfig) error {
	if d.cfg.TxEnable != nil {
		d.cfg.TxEnable.Out(gpio.Low)
	}
	if d.cfg.RxEnable != nil {
		d.cfg.RxEnable.Out(gpio.High)
	}
	if err := d.applyConfig(cfg); err != nil {
		return err
	}
	return d.writeCommand(opSetRx, []byte{0xFF, 0xFF, 0xFF}) // continuous timeout
}

// Transmit implements Driver.
func (d *SX126x) Transmit(ctx context.Context, payload []byte, waitMS int) (bool, error) {
	if err := d.writeCommand(opSetBufferBase, []byte{0x00, 0x00}); err != nil {
		return false, err
	}
	write := append([]byte{opWriteBuffer, 0x00}, payload...)
	read := make([]byte, len(write))
	if err := d.conn.Tx(write, read); err != nil {
		return false, err
	}
	if err := d.writeCommand(opSetTx, []byte{0x00, 0x00, 0x00}); err != nil {
		return false, err
	}

	deadline := time.Now().Add(time.Duration(waitMS) * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		default:
		}
		status, err := d.readIrqStatus()
		if err != nil {
			return false, err
		}
		if status&irqTxDone != 0 {
			d.writeCommand(opClearIrqStatus, []byte{0xFF, 0xFF})
			return true, nil
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false, nil
}

func (d *SX126x) readIrqStatus() (uint16, error) {
	resp, err := d.readCommand(opGetIrqStatus, 1, 2)
	if err != nil {
		return 0, err
	}
	return uint16(resp[0])<<8 | uint16(resp[1]), nil
}

// Poll implements Driver.
func (d *SX126x) Poll(ctx context.Context, timeoutMS int) (Status, error) {
	deadline := time.Now().Add(time.Duration(timeoutMS) * time.Millisecond)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return StatusDefault, ctx.Err()
		default:
		}

		status, err := d.readIrqStatus()
		if err != nil {
			return StatusDefault, err
		}
		switch {
		case status&irqCRCErr != 0:
			d.writeCommand(opClearIrqStatus, []byte{0xFF, 0xFF})
			return StatusCrcErr, nil
		case status&irqHeaderErr != 0:
			d.writeCommand(opClearIrqStatus, []byte{0xFF, 0xFF})
			return StatusHeaderErr, nil
		case status&irqRxDone != 0:
			if err := d.captureRxPacket(); err != nil {
				return StatusDefault, err
			}
			d.writeCommand(opClearIrqStatus, []byte{0xFF, 0xFF})
			return StatusRxDone, nil
		case status&irqTxDone != 0:
			d.writeCommand(opClearIrqStatus, []byte{0xFF, 0xFF})
			return StatusTxDone, nil
		case status&irqTimeout != 0:
			d.writeCommand(opClearIrqStatus, []byte{0xFF, 0xFF})
			return StatusRxTimeout, nil
		}
		// An interrupt-driven board would WaitForEdge on cfg.IRQ here;
		// the bounded poll loop is the portable fallback.
		time.Sleep(20 * time.Millisecond)
	}
	return StatusDefault, nil
}

func (d *SX126x) captureRxPacket() error {
	stat, err := d.readCommand(opGetRxBufferStat, 1, 2)
	if err != nil {
		return err
	}
	payloadLen := int(stat[0])
	startOffset := stat[1]

	write := make([]byte, 2+payloadLen)
	write[0] = opReadBuffer
	write[1] = startOffset
	read := make([]byte, len(write))
	if err := d.conn.Tx(write, read); err != nil {
		return err
	}

	pktStatus, err := d.readCommand(opGetPacketStatus, 1, 3)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.lastPacket = append([]byte{}, read[2:]...)
	d.lastRSSI = -int(pktStatus[0]) / 2
	d.lastSNR = float32(int8(pktStatus[1])) / 4
	d.mu.Unlock()
	return nil
}

// ReadAvailable implements Driver.
func (d *SX126x) ReadAvailable() ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastPacket, nil
}

// SNR implements Driver.
func (d *SX126x) SNR() float32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastSNR
}

// RSSI implements Driver.
func (d *SX126x) RSSI() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.lastRSSI
}

// Close implements Driver.
func (d *SX126x) Close() error {
	return d.writeCommand(opSetStandby, []byte{0x00})
}
