// package mt7601u implements the data path and PHY calibration core of the
// MediaTek MT7601U USB 802.11n radio: the bulk endpoint RX/TX DMA rings, TX
// status collection and the periodic frequency, temperature and TX power
// calibration loops.
//
// The core is transport agnostic. USB transfers, register access, firmware
// commands and the upper 802.11 MAC are reached through the Transport,
// RegisterBus, Firmware and MAC interfaces.
package mt7601u

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/soypat/mt7601u/mtwire"
	"golang.org/x/exp/constraints"
	"golang.org/x/time/rate"
)

// Transfer is an opaque transport handle for a single asynchronous USB
// transfer. Handles must be comparable, typically pointers.
type Transfer any

// Mapping is an opaque handle to a buffer made accessible to the device.
type Mapping any

// CompletionFunc is invoked by the Transport when a submitted transfer
// completes. n is the number of bytes transferred. A nil err is success, an
// error wrapping ErrTransferCancelled is benign, anything else is a transport
// error. Transports must not call it from within SubmitIn or SubmitOut, and
// must invoke it for each endpoint in the order transfers were submitted.
type CompletionFunc func(t Transfer, n int, err error)

// Transport is the USB bulk transfer provider.
type Transport interface {
	NewTransfer() (Transfer, error)
	FreeTransfer(Transfer)
	Alloc(size int) ([]byte, error)
	Free([]byte)
	Map(b []byte) (Mapping, error)
	Unmap(Mapping)
	SubmitIn(t Transfer, ep InEndpoint, buf []byte, done CompletionFunc) error
	SubmitOut(t Transfer, ep OutEndpoint, buf []byte, done CompletionFunc) error
	// Poison cancels t if in flight, waits for its completion to run and
	// makes further submissions of t fail.
	Poison(t Transfer)
}

// RegisterBus reads and writes 32 bit MAC registers.
type RegisterBus interface {
	Read(addr uint32) (uint32, error)
	Write(addr, val uint32) error
}

// Firmware is the MCU command service.
type Firmware interface {
	Calibrate(kind CalKind, param uint32) error
	KickTSSIRead(hvga bool) error
	WriteRegPairs(base uint32, pairs []mtwire.RegPair) error
}

// MAC is the upper 802.11 layer. Queue and TX callbacks are invoked with the
// TX queue lock held and must not call back into Device.Tx synchronously.
type MAC interface {
	// ProcessRx ingests a received frame. A non-nil error rejects the frame.
	ProcessRx(frame []byte, st RxStatus) error
	// TxDone hands back a transmitted frame stripped of DMA overhead.
	TxDone(frame []byte, ac AccessCategory)
	// TxStatus reports a hardware TX completion report.
	TxStatus(sta *Station, out TxOutcome)
	// TxRate returns the rate to send frame to sta at. ok is false when rate
	// control has no rate and the station's cached rate should be used.
	TxRate(sta *Station, frame []byte) (r Rate, ok bool)
	StopQueue(ac AccessCategory)
	WakeQueue(ac AccessCategory)
}

// Rate is a hardware rate word in decoded form.
type Rate = mtwire.Rate

// InEndpoint enumerates bulk IN endpoints.
type InEndpoint uint8

const (
	EndpointPktRx InEndpoint = iota
	EndpointCmdResp
	numInEndpoints
)

// OutEndpoint enumerates bulk OUT endpoints.
type OutEndpoint uint8

const (
	EndpointInbandCmd OutEndpoint = iota
	EndpointACBK
	EndpointACBE
	EndpointACVI
	EndpointACVO
	EndpointHCCA
	numOutEndpoints
)

// AccessCategory is an 802.11 traffic class in mac80211 order.
type AccessCategory uint8

const (
	ACVO AccessCategory = iota
	ACVI
	ACBE
	ACBK
	// ACMgmt selects the management queue.
	ACMgmt
	numACs = ACBK + 1
)

func (ac AccessCategory) String() string {
	switch ac {
	case ACVO:
		return "VO"
	case ACVI:
		return "VI"
	case ACBE:
		return "BE"
	case ACBK:
		return "BK"
	case ACMgmt:
		return "MGMT"
	}
	return "AC?"
}

// CalKind selects an MCU calibration routine.
type CalKind uint8

const (
	CalR CalKind = iota + 1
	CalDCOC
	CalLC
	CalLOFT
	CalTXIQ
	CalBW
	CalDPD
	CalRXIQ
	CalTXDCOC
)

// Calibration and status polling periods.
const (
	CalibrateInterval      = 4 * time.Second
	FreqCalInitDelay       = 30 * time.Second
	FreqCalCheckInterval   = 10 * time.Second
	FreqCalAdjustInterval  = 500 * time.Millisecond
	txStatInterval         = 10 * time.Millisecond
	txStatMoreInterval     = 20 * time.Millisecond
	temperatureSlope       = 39
	freqOffsetInvalid int8 = -128
	maxWCIDs               = 128
)

// Station is the per peer state the TX path and status collector need.
type Station struct {
	// Idx is the hardware WCID.
	Idx uint8
	// HwKeyIdx is the hardware key slot, 0xff for none.
	HwKeyIdx     uint8
	AMPDUFactor  uint8
	AMPDUDensity uint8
	Addr         [6]byte

	// Guarded by Device.rateMu.
	txRate    uint16
	txRateSet bool
}

// TxInfo carries per frame transmit parameters.
type TxInfo struct {
	AC AccessCategory
	// Station is the destination. Nil selects the monitor station.
	Station   *Station
	NoAck     bool
	AssignSeq bool
	AMPDU     bool
	// Probe marks a rate control probing frame.
	Probe bool
}

// Config configures Init.
type Config struct {
	Logger *slog.Logger
	// Cal holds the EEPROM derived calibration data.
	Cal     CalData
	Channel Channel
	// PhyInit runs the initial calibration and tunes to Channel.
	PhyInit bool

	RxEntries    int
	RxBufferSize int
	TxEntries    int
}

// DefaultConfig returns a Config with the vendor ring sizes tuned to channel 1.
func DefaultConfig() Config {
	return Config{
		Channel:      Channel{Number: 1, Width: Width20, Type: ChanHT20},
		PhyInit:      true,
		RxEntries:    16,
		RxBufferSize: 24 * 1024,
		TxEntries:    64,
	}
}

// Device is an MT7601U radio. Create one with New and call Init.
type Device struct {
	tr  Transport
	bus RegisterBus
	fw  Firmware
	mac MAC

	logger        *slog.Logger
	_traceenabled bool
	errlimit      *rate.Limiter

	initialized atomic.Bool
	removed     atomic.Bool
	stats       stats

	ctx    context.Context
	cancel context.CancelFunc
	rxkick chan struct{}
	rxdone chan struct{}

	rxMu sync.Mutex
	rxq  rxQueue

	txMu sync.Mutex
	txq  [numOutEndpoints]txQueue
	// moreStats and readingStats are guarded by txMu.
	moreStats    bool
	readingStats bool
	statWork     *work

	// regAtomicMu serializes RF and BBP CSR transactions.
	regAtomicMu sync.Mutex
	// hwMu serializes calibration ticks and channel switching.
	hwMu     sync.Mutex
	calWork  *work
	freqWork *work
	scanning atomic.Bool

	// ee is written by Init. SetChannel updates the CCK power entries under hwMu.
	ee CalData
	// rxChan is the channel the radio is tuned to as seen by the RX path.
	rxChan atomic.Pointer[Channel]

	// Guarded by hwMu.
	chandef      Channel
	bw           bandwidth
	chanExtBelow bool
	rfPAMode     [2]uint32
	phy          calState
	agcSave      uint8

	beaconMu sync.Mutex
	beacon   beaconState

	rateMu     sync.Mutex
	stations   [maxWCIDs]atomic.Pointer[Station]
	monStation Station
}

// New returns a Device using the given services. Init must be called before use.
func New(tr Transport, bus RegisterBus, fw Firmware, mac MAC) *Device {
	d := &Device{
		tr:       tr,
		bus:      bus,
		fw:       fw,
		mac:      mac,
		errlimit: rate.NewLimiter(rate.Every(100*time.Millisecond), 10),
		monStation: Station{
			Idx:      0xff,
			HwKeyIdx: 0xff,
		},
	}
	d.statWork = newWork(d.txStat)
	d.calWork = newWork(d.phyCalibrate)
	d.freqWork = newWork(d.freqCal)
	d.beacon.freqOff = freqOffsetInvalid
	return d
}

// Init allocates the DMA rings, starts receiving and, when cfg.PhyInit is
// set, calibrates the radio and tunes it to cfg.Channel.
func (d *Device) Init(cfg Config) (err error) {
	if d.initialized.Load() {
		return errors.New("already initialized")
	}
	d.logger = cfg.Logger
	d._traceenabled = d.logger != nil && d.logger.Handler().Enabled(context.Background(), levelTrace)
	d.info("Init:start")
	start := time.Now()
	if cfg.RxEntries <= 0 || cfg.RxBufferSize < mtwire.MIN_SEG_LEN || cfg.TxEntries <= 0 {
		return errors.New("invalid ring configuration")
	}
	d.hwMu.Lock()
	d.ee = cfg.Cal
	d.phy = calState{prevPwrDiff: 100}
	d.hwMu.Unlock()

	err = d.dmaInit(cfg.RxEntries, cfg.RxBufferSize, cfg.TxEntries)
	if err != nil {
		return err
	}
	d.initialized.Store(true)
	if !cfg.PhyInit {
		d.info("Init:done", slog.Duration("took", time.Since(start)))
		return nil
	}
	d.hwMu.Lock()
	err = d.phyInit()
	d.hwMu.Unlock()
	if err == nil {
		err = d.SetChannel(cfg.Channel)
	}
	if err != nil {
		d.Close()
		return errjoin(errors.New("phy init failed"), err)
	}
	d.info("Init:done", slog.Duration("took", time.Since(start)))
	return nil
}

// Close stops the background tasks and tears down the DMA rings. In flight
// transfers are cancelled before their buffers are released.
func (d *Device) Close() error {
	if !d.initialized.Swap(false) {
		return errNotInitialized
	}
	d.calWork.cancelSync()
	d.freqWork.cancelSync()
	d.statWork.cancelSync()
	d.dmaCleanup()
	d.info("Close:done")
	return nil
}

// Removed reports whether the device has been detached.
func (d *Device) Removed() bool { return d.removed.Load() }

// MarkRemoved moves the device into the removed state. Hardware accessors
// become inert and the TX status collector stops.
func (d *Device) MarkRemoved() {
	if !d.removed.Swap(true) {
		d.warn("device removed")
	}
}

func (d *Device) checkRemoved(err error) {
	if err != nil && errors.Is(err, ErrNoDevice) {
		d.MarkRemoved()
	}
}

// SetScanning marks whether a scan is in progress. Channel switches while
// scanning reset the AGC and do not re-arm calibration.
func (d *Device) SetScanning(scanning bool) { d.scanning.Store(scanning) }

// AddStation makes sta visible to the TX status collector.
func (d *Device) AddStation(sta *Station) error {
	if sta == nil || int(sta.Idx) >= maxWCIDs {
		return errors.New("station index out of range")
	}
	d.stations[sta.Idx].Store(sta)
	return nil
}

// RemoveStation forgets the station at WCID idx.
func (d *Device) RemoveStation(idx uint8) {
	if int(idx) < maxWCIDs {
		d.stations[idx].Store(nil)
	}
}

func (d *Device) station(idx uint8) *Station {
	if int(idx) >= maxWCIDs {
		return nil
	}
	return d.stations[idx].Load()
}

// SetStationRate sets a fixed TX rate for sta bypassing MAC rate control.
func (d *Device) SetStationRate(sta *Station, r Rate) {
	d.rateMu.Lock()
	sta.txRate = r.Uint16()
	sta.txRateSet = true
	d.rateMu.Unlock()
}

// ClearStationRate returns sta to MAC rate control.
func (d *Device) ClearStationRate(sta *Station) {
	d.rateMu.Lock()
	sta.txRateSet = false
	d.rateMu.Unlock()
}

// Stats returns a snapshot of the data path counters.
func (d *Device) Stats() Stats { return d.stats.snapshot() }

// Stats holds data path counters.
type Stats struct {
	RxFrames        uint64
	RxRejected      uint64
	RxCorrupt       uint64
	RxErrors        uint64
	TxFrames        uint64
	TxErrors        uint64
	TxStatus        uint64
	TxStatusUnknown uint64
}

type stats struct {
	rxFrames, rxRejected, rxCorrupt, rxErrors  atomic.Uint64
	txFrames, txErrors, txStatus, txStatusUnkn atomic.Uint64
}

func (s *stats) snapshot() Stats {
	return Stats{
		RxFrames:        s.rxFrames.Load(),
		RxRejected:      s.rxRejected.Load(),
		RxCorrupt:       s.rxCorrupt.Load(),
		RxErrors:        s.rxErrors.Load(),
		TxFrames:        s.txFrames.Load(),
		TxErrors:        s.txErrors.Load(),
		TxStatus:        s.txStatus.Load(),
		TxStatusUnknown: s.txStatusUnkn.Load(),
	}
}

// alignup rounds `val` up to nearest multiple of `align`. `align` must be a power of 2.
func alignup[T constraints.Unsigned](val, align T) T {
	return (val + align - 1) &^ (align - 1)
}

// isaligned checks if `val` is wholly divisible by `align`. `align` must be a power of 2.
func isaligned[T constraints.Unsigned](val, align T) bool {
	return val&(align-1) == 0
}

func abs[T constraints.Signed](v T) T {
	if v < 0 {
		return -v
	}
	return v
}
