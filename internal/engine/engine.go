// Package engine is the MAC state machine: it owns a device record and a
// radio, sequences the frame codec and MAC-command processor around
// them, runs the RX-window scheduler, and dispatches join/transmit/
// receive callbacks to the application layer.
package engine

import (
	"context"
	"encoding/hex"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agsys/lorawan-enddevice/internal/codec"
	"github.com/agsys/lorawan-enddevice/internal/device"
	"github.com/agsys/lorawan-enddevice/internal/maccmd"
	"github.com/agsys/lorawan-enddevice/internal/radio"
	"github.com/agsys/lorawan-enddevice/internal/region"
	"github.com/agsys/lorawan-enddevice/internal/storage"
)

// Receive-window delays, measured from TX end.
const (
	UplinkRX1Delay = 1 * time.Second
	UplinkRX2Delay = 2 * time.Second
	JoinRX1Delay   = 5 * time.Second
	JoinRX2Delay   = 6 * time.Second

	schedulerTick = 200 * time.Millisecond
	radioTxWaitMS = 3000
)

// JoinStatus is reported to on_join.
type JoinStatus int

const (
	JoinOk JoinStatus = iota
	JoinMaxTryError
	JoinRequestError
	JoinAcceptError
)

func (s JoinStatus) String() string {
	switch s {
	case JoinOk:
		return "JoinOk"
	case JoinMaxTryError:
		return "JoinMaxTryError"
	case JoinRequestError:
		return "JoinRequestError"
	case JoinAcceptError:
		return "JoinAcceptError"
	default:
		return "JoinUnknown"
	}
}

// TransmitStatus is reported to on_transmit.
type TransmitStatus int

const (
	TxOk TransmitStatus = iota
	TxNetworkAck
	TxJoinError
	TxPayloadError
)

func (s TransmitStatus) String() string {
	switch s {
	case TxOk:
		return "TxOk"
	case TxNetworkAck:
		return "TxNetworkAck"
	case TxJoinError:
		return "TxJoinError"
	case TxPayloadError:
		return "TxPayloadError"
	default:
		return "TxUnknown"
	}
}

// ReceiveStatus is reported to on_receive.
type ReceiveStatus int

const (
	RxOk ReceiveStatus = iota
	RxPayloadError
	RxTimeoutError
)

func (s ReceiveStatus) String() string {
	switch s {
	case RxOk:
		return "RxOk"
	case RxPayloadError:
		return "RxPayloadError"
	case RxTimeoutError:
		return "RxTimeoutError"
	default:
		return "RxUnknown"
	}
}

// Config holds engine configuration assembled from the application's
// provisioning and radio wiring.
type Config struct {
	DatabasePath string
	Region       region.Region
	DevEUI       [8]byte
	AppEUI       [8]byte
	AppKey       [16]byte
	TxPower      int8
	SyncWord     uint8
	Preamble     uint16
	CodingRate   uint8

	// PeriodicRejoinInterval, if non-zero, triggers a background
	// join(forced=true) on this cadence to rotate session keys.
	PeriodicRejoinInterval time.Duration

	// Receive-window delays, measured from TX end. DefaultConfig sets
	// the LoRaWAN 1.0.2 values; tests shorten them.
	UplinkRX1Delay time.Duration
	UplinkRX2Delay time.Duration
	JoinRX1Delay   time.Duration
	JoinRX2Delay   time.Duration
}

// DefaultConfig returns the LoRaWAN public-network wire defaults.
func DefaultConfig() Config {
	return Config{
		DatabasePath:           "/var/lib/lorawan/enddevice.db",
		Region:                 region.EU868,
		TxPower:                17,
		SyncWord:               0x34,
		Preamble:               8,
		CodingRate:             1, // 4/5
		PeriodicRejoinInterval: 24 * time.Hour,
		UplinkRX1Delay:         UplinkRX1Delay,
		UplinkRX2Delay:         UplinkRX2Delay,
		JoinRX1Delay:           JoinRX1Delay,
		JoinRX2Delay:           JoinRX2Delay,
	}
}

// Engine is the MAC state machine. A single radio mutex serializes every
// radio interaction and every mutation of the Device Record; callbacks
// are always invoked after the mutex is released, so a callback may call
// back into the engine without deadlocking.
type Engine struct {
	config  Config
	db      *storage.DB
	driver  radio.Driver
	profile region.Profile
	mac     *maccmd.Processor
	keys    *codec.SessionKeyCache

	radioMu sync.Mutex
	rec     *device.Record

	rx2WindowTime    time.Time // when to flip from RX1 to RX2
	rx2WindowTimeout time.Time // when RX2 continuous listening gives up

	pendingJoin        bool
	joinTriesRemaining int
	joinAttemptID      string

	lastSNR  float32
	lastRSSI int

	lastFCntDownSeen uint32
	haveFCntDown     bool

	cbMu       sync.Mutex
	onJoin     func(JoinStatus)
	onTransmit func(TransmitStatus)
	onReceive  func(ReceiveStatus, []byte)

	stopChan chan struct{}
	wg       sync.WaitGroup

	logLevel int32
}

// New rehydrates the device record from storage (inserting the
// provisioning triple if this is a fresh DevEUI) and constructs an
// Engine bound to driver. Call Start to begin the background scheduler.
func New(cfg Config, driver radio.Driver) (*Engine, error) {
	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("engine: open storage: %w", err)
	}

	profile, err := region.ProfileFor(cfg.Region)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: region profile: %w", err)
	}

	devEUIHex := device.New(cfg.DevEUI, cfg.AppEUI, cfg.AppKey).DevEUIString()
	rec, err := db.Get(devEUIHex)
	if err == storage.ErrNotFound {
		if err := db.Insert(cfg.DevEUI, cfg.AppEUI, cfg.AppKey); err != nil {
			db.Close()
			return nil, fmt.Errorf("engine: provision device: %w", err)
		}
		rec = device.New(cfg.DevEUI, cfg.AppEUI, cfg.AppKey)
	} else if err != nil {
		db.Close()
		return nil, fmt.Errorf("engine: load device: %w", err)
	} else {
		rec.AppEUI = cfg.AppEUI
		rec.AppKey = cfg.AppKey
	}

	e := &Engine{
		config:   cfg,
		db:       db,
		driver:   driver,
		profile:  profile,
		mac:      maccmd.New(),
		keys:     codec.NewSessionKeyCache(),
		rec:      rec,
		stopChan: make(chan struct{}),
	}
	if rec.IsJoined {
		e.keys.Put(rec.DevEUI, codec.SessionKeys{NwkSKey: rec.NwkSKey, AppSKey: rec.AppSKey})
	}
	return e, nil
}

// Start launches the background RX-window scheduler.
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.schedulerLoop(ctx)

	if e.config.PeriodicRejoinInterval > 0 {
		e.wg.Add(1)
		go e.rejoinLoop(ctx)
	}

	log.Println("engine: started")
	return nil
}

// Stop halts the background scheduler and releases the radio and
// persistence store. The engine is not reusable after Stop.
func (e *Engine) Stop() error {
	close(e.stopChan)
	e.wg.Wait()

	if err := e.driver.Close(); err != nil {
		log.Printf("engine: error closing radio: %v", err)
	}
	if err := e.db.Close(); err != nil {
		log.Printf("engine: error closing storage: %v", err)
	}
	log.Println("engine: stopped")
	return nil
}

// SetLoggingLevel adjusts verbosity; 0 is quiet, higher values log more
// scheduler detail. Non-atomic by design: intended to be set once at
// startup before Start.
func (e *Engine) SetLoggingLevel(level int) {
	e.logLevel = int32(level)
}

// SetCallbacks installs the application-facing callbacks. Any of the
// three may be nil.
func (e *Engine) SetCallbacks(onJoin func(JoinStatus), onTransmit func(TransmitStatus), onReceive func(ReceiveStatus, []byte)) {
	e.cbMu.Lock()
	defer e.cbMu.Unlock()
	e.onJoin = onJoin
	e.onTransmit = onTransmit
	e.onReceive = onReceive
}

func (e *Engine) invokeOnJoin(s JoinStatus) {
	e.cbMu.Lock()
	cb := e.onJoin
	e.cbMu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (e *Engine) invokeOnTransmit(s TransmitStatus) {
	e.cbMu.Lock()
	cb := e.onTransmit
	e.cbMu.Unlock()
	if cb != nil {
		cb(s)
	}
}

func (e *Engine) invokeOnReceive(s ReceiveStatus, payload []byte) {
	e.cbMu.Lock()
	cb := e.onReceive
	e.cbMu.Unlock()
	if cb != nil {
		cb(s, payload)
	}
}

// IsJoined reports the device's current session state.
func (e *Engine) IsJoined() bool {
	e.radioMu.Lock()
	defer e.radioMu.Unlock()
	return e.rec.IsJoined
}

// Snapshot is a point-in-time view of the engine's observable state, for
// status feeds and the operator CLI.
type Snapshot struct {
	Joined       bool    `json:"joined"`
	DevAddr      string  `json:"dev_addr"`
	FCnt         uint32  `json:"fcnt"`
	FCntDown     uint32  `json:"fcnt_down"`
	ChannelGroup int     `json:"channel_group"`
	LastSNR      float32 `json:"last_snr"`
	LastRSSI     int     `json:"last_rssi"`
}

// CurrentSnapshot returns the engine's observable state under the radio
// mutex.
func (e *Engine) CurrentSnapshot() Snapshot {
	e.radioMu.Lock()
	defer e.radioMu.Unlock()
	return Snapshot{
		Joined:       e.rec.IsJoined,
		DevAddr:      hex.EncodeToString(e.rec.DevAddr[:]),
		FCnt:         e.rec.FCnt,
		FCntDown:     e.rec.FCntDown,
		ChannelGroup: e.rec.ChannelGroup,
		LastSNR:      e.lastSNR,
		LastRSSI:     e.lastRSSI,
	}
}

// windowArmed reports whether an RX window is still pending, i.e. a
// second transmit/join right now would race the scheduler. Caller must
// hold radioMu.
func (e *Engine) windowArmed() bool {
	return !e.rx2WindowTime.IsZero() || !e.rx2WindowTimeout.IsZero()
}

// Join attempts an OTAA join. If the device is already joined and forced
// is false, it reports JoinOk immediately. A join already in flight, or
// an RX window still armed from a prior transmit, fails fast with
// TxPayloadError rather than blocking.
func (e *Engine) Join(maxTries int, forced bool) bool {
	e.radioMu.Lock()

	if e.rec.IsJoined && !forced {
		e.radioMu.Unlock()
		e.invokeOnJoin(JoinOk)
		return true
	}

	if e.windowArmed() {
		e.radioMu.Unlock()
		e.invokeOnTransmit(TxPayloadError)
		return false
	}

	if forced {
		e.rec.ClearSession()
		e.keys.Forget(e.rec.DevEUI)
	}

	e.pendingJoin = true
	e.joinTriesRemaining = maxTries
	e.joinAttemptID = uuid.NewString()
	log.Printf("engine: join attempt %s starting, max tries %d", e.joinAttemptID, maxTries)

	ok := e.emitJoinRequest()
	e.radioMu.Unlock()
	return ok
}

// emitJoinRequest builds and transmits a JoinRequest, arming the RX1
// window. Caller must hold radioMu.
func (e *Engine) emitJoinRequest() bool {
	devNonce := uint16(rand.Intn(0x10000))
	devEUIHex := e.rec.DevEUIString()
	if err := e.db.UpdateDevNonce(devEUIHex, devNonce); err != nil {
		log.Printf("engine: persist dev nonce: %v", err)
		return e.failJoinAttempt()
	}
	e.rec.DevNonce = devNonce

	phy, err := codec.EncodeJoinRequest(e.rec.AppEUI, e.rec.DevEUI, e.rec.AppKey, devNonce)
	if err != nil {
		log.Printf("engine: encode join request: %v", err)
		return e.failJoinAttempt()
	}

	channel := e.pickJoinChannel()
	sf := e.profile.SFMax
	freq, err := region.UplinkFrequency(e.config.Region, channel)
	if err != nil {
		log.Printf("engine: join channel: %v", err)
		return e.failJoinAttempt()
	}

	txCfg := e.txConfig(freq, sf, e.profile.UplinkBandwidth)
	if err := e.driver.SetTxMode(txCfg); err != nil {
		log.Printf("engine: set tx mode: %v", err)
		return e.failJoinAttempt()
	}

	ok, err := e.driver.Transmit(context.Background(), phy, radioTxWaitMS)
	if err != nil || !ok {
		log.Printf("engine: join request tx failed: %v", err)
		return e.failJoinAttempt()
	}
	txEnd := time.Now()

	rx1Freq, err := region.DownlinkFrequency(e.config.Region, channel)
	if err != nil {
		rx1Freq = freq
	}
	if err := e.driver.SetRX1Mode(e.rxConfig(rx1Freq, e.profile.SFMax, e.profile.DownlinkBandwidth)); err != nil {
		log.Printf("engine: set rx1 mode: %v", err)
	}

	log.Printf("engine: join attempt %s: request emitted, dev nonce %#04x", e.joinAttemptID, devNonce)
	e.rx2WindowTime = txEnd.Add(e.config.JoinRX1Delay)
	e.rx2WindowTimeout = time.Time{}
	return true
}

// failJoinAttempt handles a TX-level failure per the failure model:
// decrement tries and recurse, or report exhaustion. Caller holds
// radioMu.
func (e *Engine) failJoinAttempt() bool {
	e.joinTriesRemaining--
	if e.joinTriesRemaining > 0 {
		return e.emitJoinRequest()
	}
	e.pendingJoin = false
	e.rx2WindowTime = time.Time{}
	e.rx2WindowTimeout = time.Time{}
	go e.invokeOnJoin(JoinMaxTryError)
	return false
}

func (e *Engine) pickJoinChannel() int {
	switch e.config.Region {
	case region.EU868:
		return rand.Intn(region.EU868JoinChannelMax + 1)
	case region.US915:
		min, max, err := region.ChannelRange(e.config.Region, e.rec.ChannelGroup)
		if err != nil {
			return 0
		}
		return min + rand.Intn(max-min+1)
	default:
		return 0
	}
}

// txConfig is the uplink wire configuration: CRC on, IQ normal.
func (e *Engine) txConfig(freq uint32, sf uint8, bw uint32) radio.TxConfig {
	return radio.TxConfig{
		Frequency:       freq,
		SpreadingFactor: sf,
		Bandwidth:       bw,
		CodingRate:      e.config.CodingRate,
		Preamble:        e.config.Preamble,
		SyncWord:        e.config.SyncWord,
		TxPower:         e.config.TxPower,
		CRCOn:           true,
	}
}

// rxConfig is the downlink wire configuration: CRC off, IQ inverted.
func (e *Engine) rxConfig(freq uint32, sf uint8, bw uint32) radio.TxConfig {
	cfg := e.txConfig(freq, sf, bw)
	cfg.CRCOn = false
	cfg.IQInverted = true
	return cfg
}

// Transmit sends an uplink. Requires a prior successful join. Any
// pending MAC-command answer from the processor is piggybacked in FOpts,
// or stack-transmitted separately if it would overflow FOpts.
func (e *Engine) Transmit(payload []byte, confirmed bool) bool {
	e.radioMu.Lock()

	if !e.rec.IsJoined {
		e.radioMu.Unlock()
		e.invokeOnTransmit(TxJoinError)
		return false
	}
	if e.windowArmed() {
		e.radioMu.Unlock()
		e.invokeOnTransmit(TxPayloadError)
		return false
	}

	ok := e.emitDataUp(payload, confirmed, 2, nil)
	e.radioMu.Unlock()
	return ok
}

// stackTransmit sends a FPort=0 uplink carrying a MAC answer too large
// to fit in FOpts as the (NwkSKey-encrypted) FRMPayload instead. Caller
// holds radioMu.
func (e *Engine) stackTransmit(answer []byte) bool {
	return e.emitDataUp(answer, false, 0, []byte{})
}

// emitDataUp builds and transmits a DataUp frame. forcedFOpts steers the
// MAC-answer handling: nil means "consult the processor for a pending
// answer", non-nil means "use exactly these bytes" (an empty non-nil
// slice therefore suppresses FOpts entirely, which is what stackTransmit
// needs after moving the answer into the payload). Caller holds radioMu.
func (e *Engine) emitDataUp(payload []byte, confirmed bool, fPort uint8, forcedFOpts []byte) bool {
	fOpts := forcedFOpts
	if fOpts == nil {
		if answer := e.mac.TakeAnswer(); answer != nil {
			if len(answer) <= maccmd.MaxAnswerBytes {
				fOpts = answer
			} else {
				// The answer goes out first in its own FPort=0 frame;
				// the payload follows below without FOpts.
				if !e.stackTransmit(answer) {
					return false
				}
			}
		}
	}
	if len(fOpts) == 0 {
		fOpts = nil
	}

	fCnt := e.rec.FCnt + 1
	devEUIHex := e.rec.DevEUIString()
	if err := e.db.UpdateFCnt(devEUIHex, fCnt); err != nil {
		log.Printf("engine: persist fcnt: %v", err)
	}
	e.rec.FCnt = fCnt
	e.rec.ConfirmedUplink = confirmed

	// Echo the ACK bit when the last downlink was confirmed; cleared
	// once the uplink carrying it actually leaves the radio.
	ack := e.rec.Ack

	sk := e.sessionKeys()
	phy, err := codec.EncodeDataUp(confirmed, e.rec.DevAddr, fCnt, fPort, sk.NwkSKey, sk.AppSKey, false, ack, fOpts, payload)
	if err != nil {
		log.Printf("engine: encode data up: %v", err)
		go e.invokeOnTransmit(TxPayloadError)
		return false
	}
	e.rec.SetUplinkBuffers(phy, phy)
	defer e.rec.ClearTransientBuffers()

	channel := e.pickUplinkChannel()
	sf := e.profile.SFMax
	freq, err := region.UplinkFrequency(e.config.Region, channel)
	if err != nil {
		log.Printf("engine: uplink channel: %v", err)
		go e.invokeOnTransmit(TxPayloadError)
		return false
	}

	if err := e.driver.SetTxMode(e.txConfig(freq, sf, e.profile.UplinkBandwidth)); err != nil {
		log.Printf("engine: set tx mode: %v", err)
		go e.invokeOnTransmit(TxPayloadError)
		return false
	}

	ok, err := e.driver.Transmit(context.Background(), phy, radioTxWaitMS)
	if err != nil || !ok {
		log.Printf("engine: data up tx failed: %v", err)
		e.rx2WindowTime = time.Now()
		e.rx2WindowTimeout = time.Time{}
		return false
	}
	txEnd := time.Now()

	rx1Freq, err := region.DownlinkFrequency(e.config.Region, channel)
	if err != nil {
		rx1Freq = freq
	}
	if err := e.driver.SetRX1Mode(e.rxConfig(rx1Freq, e.profile.SFMax, e.profile.DownlinkBandwidth)); err != nil {
		log.Printf("engine: set rx1 mode: %v", err)
	}

	e.rx2WindowTime = txEnd.Add(e.config.UplinkRX1Delay)
	e.rx2WindowTimeout = time.Time{}
	e.rec.Ack = false

	if e.config.Region == region.US915 {
		e.rotateChannelGroup()
	}

	go e.invokeOnTransmit(TxOk)
	return true
}

// sessionKeys returns the cached session pair for this device, falling
// back to the record when the cache was never populated (e.g. a record
// freshly rehydrated by another path). Caller holds radioMu.
func (e *Engine) sessionKeys() codec.SessionKeys {
	if sk, ok := e.keys.Get(e.rec.DevEUI); ok {
		return sk
	}
	return codec.SessionKeys{NwkSKey: e.rec.NwkSKey, AppSKey: e.rec.AppSKey}
}

func (e *Engine) pickUplinkChannel() int {
	switch e.config.Region {
	case region.EU868:
		return rand.Intn(e.profile.ChannelMax + 1)
	case region.US915:
		min, max, err := region.ChannelRange(e.config.Region, e.rec.ChannelGroup)
		if err != nil {
			return 0
		}
		return min + rand.Intn(max-min+1)
	default:
		return 0
	}
}

// rotateChannelGroup advances the US915 sub-band group after every
// successful uplink TX, so the device walks the full channel space
// evenly rather than saturating one sub-band.
func (e *Engine) rotateChannelGroup() {
	next := region.NextChannelGroup(e.config.Region, e.rec.ChannelGroup)
	e.rec.ChannelGroup = next
	if err := e.db.UpdateChannelGroup(e.rec.DevEUIString(), next); err != nil {
		log.Printf("engine: persist channel group: %v", err)
	}
}

// schedulerLoop is the background RX-window scheduler.
func (e *Engine) schedulerLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(schedulerTick)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick()
		}
	}
}

func (e *Engine) tick() {
	if !e.radioMu.TryLock() {
		return
	}
	defer e.radioMu.Unlock()

	now := time.Now()

	if !e.rx2WindowTime.IsZero() && now.After(e.rx2WindowTime) {
		e.rx2WindowTime = time.Time{}
		delay := e.config.UplinkRX2Delay
		if e.pendingJoin {
			delay = e.config.JoinRX2Delay
		}
		e.rx2WindowTimeout = now.Add(delay)
		if err := e.driver.SetRX2Mode(e.rxConfig(e.profile.RX2Frequency, e.rx2SF(), e.profile.DownlinkBandwidth)); err != nil {
			log.Printf("engine: set rx2 mode: %v", err)
		}
		return
	}

	if !e.rx2WindowTimeout.IsZero() && now.After(e.rx2WindowTimeout) {
		e.rx2WindowTimeout = time.Time{}
		if e.pendingJoin && e.joinTriesRemaining > 1 {
			e.joinTriesRemaining--
			e.emitJoinRequest()
			return
		}
		if e.pendingJoin {
			e.pendingJoin = false
			go e.invokeOnJoin(JoinMaxTryError)
			return
		}
		if e.rec.ConfirmedUplink && !e.rec.AckDown {
			go e.invokeOnReceive(RxTimeoutError, nil)
		}
		return
	}

	status, err := e.driver.Poll(context.Background(), 50)
	if err != nil {
		return
	}
	if e.logLevel > 1 && status == radio.StatusTxDone {
		log.Println("engine: tx done")
	}
	if status != radio.StatusRxDone {
		return
	}

	e.lastSNR = e.driver.SNR()
	e.lastRSSI = e.driver.RSSI()
	phy, err := e.driver.ReadAvailable()
	if err != nil || len(phy) == 0 {
		return
	}

	e.handleDownlink(phy)
}

func (e *Engine) rx2SF() uint8 {
	return e.profile.RX2SpreadingFactor
}

// handleDownlink dispatches a received PHYPayload by message type. Caller
// holds radioMu.
func (e *Engine) handleDownlink(phy []byte) {
	mtype, err := codec.MessageType(phy)
	if err != nil {
		log.Printf("engine: malformed downlink: %v", err)
		return
	}

	switch mtype {
	case codec.MTypeJoinAccept:
		e.handleJoinAccept(phy)
	case codec.MTypeUnconfirmedDataDown, codec.MTypeConfirmedDataDown:
		e.handleDataDown(phy, mtype == codec.MTypeConfirmedDataDown)
	default:
		log.Printf("engine: unexpected downlink message type %s", mtype)
	}
}

func (e *Engine) handleJoinAccept(phy []byte) {
	if e.rec.IsJoined {
		return // stale JoinAccept, ignore
	}

	ja, err := codec.DecodeJoinAccept(phy, e.rec.AppKey, e.rec.DevNonce)
	if err != nil {
		log.Printf("engine: join accept decode failed: %v", err)
		if e.joinTriesRemaining > 1 {
			e.joinTriesRemaining--
			e.emitJoinRequest()
			return
		}
		e.pendingJoin = false
		e.rx2WindowTime = time.Time{}
		e.rx2WindowTimeout = time.Time{}
		go e.invokeOnJoin(JoinAcceptError)
		return
	}

	devEUIHex := e.rec.DevEUIString()
	if err := e.db.UpdateSessionKeys(devEUIHex, ja.DevAddr, ja.NwkSKey, ja.AppSKey); err != nil {
		log.Printf("engine: persist session keys: %v", err)
		go e.invokeOnJoin(JoinAcceptError)
		return
	}

	e.rec.SetSession(ja.DevAddr, ja.NwkSKey, ja.AppSKey)
	e.keys.Put(e.rec.DevEUI, codec.SessionKeys{NwkSKey: ja.NwkSKey, AppSKey: ja.AppSKey})
	e.pendingJoin = false
	e.rx2WindowTime = time.Time{}
	e.rx2WindowTimeout = time.Time{}
	log.Printf("engine: join attempt %s: accepted, dev addr %s", e.joinAttemptID, hex.EncodeToString(ja.DevAddr[:]))

	go e.invokeOnJoin(JoinOk)
}

func (e *Engine) handleDataDown(phy []byte, confirmed bool) {
	if !e.rec.IsJoined {
		return
	}

	e.rec.Ack = confirmed

	sk := e.sessionKeys()
	dd, err := codec.DecodeDataDown(phy, e.rec.DevAddr, sk.NwkSKey, sk.AppSKey, e.rec.FCntDown)
	if err != nil {
		log.Printf("engine: data down decode failed: %v", err)
		go e.invokeOnReceive(RxPayloadError, nil)
		return
	}

	// Dedup on FCntDown: a replayed frame is decoded (so FCntDown stays
	// observable) but must not re-drive MAC answers or the app callback
	// twice.
	duplicate := e.haveFCntDown && dd.FCnt == e.lastFCntDownSeen
	e.lastFCntDownSeen = dd.FCnt
	e.haveFCntDown = true

	if !duplicate {
		if err := e.db.UpdateFCntDown(e.rec.DevEUIString(), dd.FCnt); err != nil {
			log.Printf("engine: persist fcnt down: %v", err)
		}
		e.rec.FCntDown = dd.FCnt
	}

	if dd.ACK {
		e.rec.AckDown = true
	}

	e.rec.SetDownlinkBuffers(phy, nil)
	payload := append([]byte{}, dd.Payload...)
	e.rec.ClearTransientBuffers()

	if !duplicate && len(dd.FOpts) > 0 {
		if err := e.mac.Process(dd.FOpts, maccmd.BatteryUnknown, e.lastSNR); err != nil {
			log.Printf("engine: mac command processing failed: %v", err)
		}
	}
	// FPort 0 marks the payload itself as a MAC-command buffer; it never
	// reaches the application.
	if dd.HasFPort && dd.FPort == 0 {
		if !duplicate && len(payload) > 0 {
			if err := e.mac.Process(payload, maccmd.BatteryUnknown, e.lastSNR); err != nil {
				log.Printf("engine: mac command processing failed: %v", err)
			}
		}
		payload = nil
	}

	if dd.ACK {
		go e.invokeOnTransmit(TxNetworkAck)
	}
	if !duplicate && len(payload) > 0 {
		go e.invokeOnReceive(RxOk, payload)
	}

	if e.mac.Pending() {
		if answer := e.mac.TakeAnswer(); answer != nil {
			if len(answer) <= maccmd.MaxAnswerBytes {
				e.emitDataUp(nil, false, 0, answer)
			} else {
				e.stackTransmit(answer)
			}
		}
	}
}

// rejoinLoop periodically forces a rejoin to rotate session keys.
func (e *Engine) rejoinLoop(ctx context.Context) {
	defer e.wg.Done()
	ticker := time.NewTicker(e.config.PeriodicRejoinInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopChan:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			log.Println("engine: periodic forced rejoin")
			e.Join(3, true)
		}
	}
}
