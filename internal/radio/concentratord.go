package radio

import (
	"context"
	"encoding/binary"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
)

// ConcentratordConfig holds the ZeroMQ endpoints for the bench/simulator
// driver. It stands in for a Concentratord-style packet forwarder: a
// PUB socket emits uplink events, a REQ socket carries downlink
// transmit commands and their acks.
type ConcentratordConfig struct {
	EventURL   string // SUB socket, receives uplink frames
	CommandURL string // REQ socket, sends downlink frames and TX commands
}

// DefaultConcentratordConfig returns the loopback bench defaults.
func DefaultConcentratordConfig() ConcentratordConfig {
	return ConcentratordConfig{
		EventURL:   "ipc:///tmp/lorawan_concentratord_event",
		CommandURL: "ipc:///tmp/lorawan_concentratord_command",
	}
}

// simUplink is the wire format a bench gateway publishes on EventURL:
//
//	4 bytes:  frequency (LE)
//	1 byte:   rssi (signed, dBm, clamped to int8 range)
//	1 byte:   snr*4 (signed, quarter-dB steps)
//	2 bytes:  payload length (LE)
//	N bytes:  PHYPayload
type simUplink struct {
	frequency uint32
	rssi      int8
	snr       int8
	payload   []byte
}

func decodeSimUplink(b []byte) (simUplink, error) {
	if len(b) < 8 {
		return simUplink{}, fmt.Errorf("radio: short uplink event (%d bytes)", len(b))
	}
	n := int(binary.LittleEndian.Uint16(b[6:8]))
	if len(b) < 8+n {
		return simUplink{}, fmt.Errorf("radio: truncated uplink event")
	}
	return simUplink{
		frequency: binary.LittleEndian.Uint32(b[0:4]),
		rssi:      int8(b[4]),
		snr:       int8(b[5]),
		payload:   append([]byte{}, b[8:8+n]...),
	}, nil
}

// ConcentratordDriver implements Driver against a ZeroMQ bench gateway,
// letting the MAC engine run end to end without SX126x hardware.
type ConcentratordDriver struct {
	cfg ConcentratordConfig

	eventSock zmq4.Socket
	cmdSock   zmq4.Socket
	ctx       context.Context
	cancel    context.CancelFunc
	wg        sync.WaitGroup

	mu      sync.Mutex
	current TxConfig
	mode    Status // StatusTxWait / StatusRxWait / StatusRxContinuous, last armed mode

	rxMu       sync.Mutex
	rxQueue    []simUplink
	lastRSSI   int
	lastSNR    float32
	lastPacket []byte

	statusCh chan Status
}

// NewConcentratordDriver dials both sockets and starts the background
// event subscriber.
func NewConcentratordDriver(cfg ConcentratordConfig) (*ConcentratordDriver, error) {
	ctx, cancel := context.WithCancel(context.Background())
	d := &ConcentratordDriver{
		cfg:      cfg,
		ctx:      ctx,
		cancel:   cancel,
		statusCh: make(chan Status, 16),
	}

	d.eventSock = zmq4.NewSub(ctx)
	if err := d.eventSock.Dial(cfg.EventURL); err != nil {
		cancel()
		return nil, fmt.Errorf("radio: dial event socket: %w", err)
	}
	if err := d.eventSock.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		cancel()
		return nil, fmt.Errorf("radio: subscribe: %w", err)
	}

	d.cmdSock = zmq4.NewReq(ctx)
	if err := d.cmdSock.Dial(cfg.CommandURL); err != nil {
		d.eventSock.Close()
		cancel()
		return nil, fmt.Errorf("radio: dial command socket: %w", err)
	}

	d.wg.Add(1)
	go d.eventLoop()

	return d, nil
}

func (d *ConcentratordDriver) eventLoop() {
	defer d.wg.Done()
	for {
		select {
		case <-d.ctx.Done():
			return
		default:
		}
		msg, err := d.eventSock.Recv()
		if err != nil {
			if d.ctx.Err() != nil {
				return
			}
			continue
		}
		if len(msg.Frames) < 1 {
			continue
		}
		up, err := decodeSimUplink(msg.Frames[0])
		if err != nil {
			continue
		}

		d.mu.Lock()
		armed := d.mode == StatusRxWait || d.mode == StatusRxContinuous
		wantFreq := d.current.Frequency
		d.mu.Unlock()
		if !armed || up.frequency != wantFreq {
			continue
		}

		d.rxMu.Lock()
		d.lastPacket = up.payload
		d.lastRSSI = int(up.rssi)
		d.lastSNR = float32(up.snr) / 4
		d.rxMu.Unlock()

		select {
		case d.statusCh <- StatusRxDone:
		default:
		}
	}
}

// SetTxMode implements Driver.
func (d *ConcentratordDriver) SetTxMode(cfg TxConfig) error {
	d.mu.Lock()
	d.current = cfg
	d.mode = StatusTxWait
	d.mu.Unlock()
	return nil
}

// SetRX1Mode implements Driver.
func (d *ConcentratordDriver) SetRX1Mode(cfg TxConfig) error {
	d.mu.Lock()
	d.current = cfg
	d.mode = StatusRxWait
	d.mu.Unlock()
	return nil
}

// SetRX2Mode implements Driver.
func (d *ConcentratordDriver) SetRX2Mode(cfg TxConfig) error {
	d.mu.Lock()
	d.current = cfg
	d.mode = StatusRxContinuous
	d.mu.Unlock()
	return nil
}

// Transmit sends payload as a downlink command to the bench gateway and
// waits for its TX ack.
func (d *ConcentratordDriver) Transmit(ctx context.Context, payload []byte, waitMS int) (bool, error) {
	d.mu.Lock()
	cfg := d.current
	d.mu.Unlock()

	buf := make([]byte, 14+len(payload))
	binary.LittleEndian.PutUint32(buf[0:4], cfg.Frequency)
	binary.LittleEndian.PutUint32(buf[4:8], cfg.Bandwidth)
	buf[8] = cfg.SpreadingFactor
	buf[9] = cfg.CodingRate
	buf[10] = byte(int8(cfg.TxPower))
	buf[11] = 0
	binary.LittleEndian.PutUint16(buf[12:14], uint16(len(payload)))
	copy(buf[14:], payload)

	msg := zmq4.NewMsgFrom([]byte("down"), buf)

	sendCtx, cancel := context.WithTimeout(ctx, time.Duration(waitMS)*time.Millisecond)
	defer cancel()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		d.mu.Lock()
		err := d.cmdSock.Send(msg)
		if err == nil {
			_, err = d.cmdSock.Recv()
		}
		d.mu.Unlock()
		done <- result{ok: err == nil, err: err}
	}()

	select {
	case <-sendCtx.Done():
		return false, nil
	case r := <-done:
		return r.ok, r.err
	}
}

// Poll implements Driver, blocking until a status event arrives or
// timeoutMS elapses.
func (d *ConcentratordDriver) Poll(ctx context.Context, timeoutMS int) (Status, error) {
	timer := time.NewTimer(time.Duration(timeoutMS) * time.Millisecond)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return StatusDefault, ctx.Err()
	case s := <-d.statusCh:
		return s, nil
	case <-timer.C:
		d.mu.Lock()
		armed := d.mode == StatusRxWait
		d.mu.Unlock()
		if armed {
			return StatusRxTimeout, nil
		}
		return StatusDefault, nil
	}
}

// ReadAvailable implements Driver.
func (d *ConcentratordDriver) ReadAvailable() ([]byte, error) {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	return d.lastPacket, nil
}

// SNR implements Driver.
func (d *ConcentratordDriver) SNR() float32 {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	return d.lastSNR
}

// RSSI implements Driver.
func (d *ConcentratordDriver) RSSI() int {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	return d.lastRSSI
}

// Close implements Driver.
func (d *ConcentratordDriver) Close() error {
	d.cancel()
	d.wg.Wait()
	d.eventSock.Close()
	d.cmdSock.Close()
	return nil
}
