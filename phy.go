package mt7601u

import (
	"log/slog"
	"time"

	"github.com/soypat/mt7601u/mtwire"
)

// Width is the channel width.
type Width uint8

const (
	Width20 Width = iota
	Width40
)

// ChanType is the HT mode of a channel.
type ChanType uint8

const (
	ChanNoHT ChanType = iota
	ChanHT20
	// ChanHT40Minus places the secondary channel below the control channel.
	ChanHT40Minus
	// ChanHT40Plus places the secondary channel above the control channel.
	ChanHT40Plus
)

// Channel is a 2.4GHz channel definition.
type Channel struct {
	// Number is the control channel, 1 to 14.
	Number uint8
	Width  Width
	Type   ChanType
}

// Freq returns the center frequency of the control channel in MHz.
func (c Channel) Freq() int {
	if c.Number == 14 {
		return 2484
	}
	return 2407 + 5*int(c.Number)
}

// plan returns the frequency plan index, hardware bandwidth and control
// channel position of c.
func (c Channel) plan() (idx int, bw bandwidth, extBelow bool, err error) {
	if c.Number < 1 || c.Number > 14 {
		return 0, 0, false, ErrInvalidChannel
	}
	idx = int(c.Number) - 1
	extBelow = c.Type == ChanHT40Minus
	switch c.Width {
	case Width20:
		return idx, bw20, extBelow, nil
	case Width40:
		switch {
		case idx > 1 && c.Type == ChanHT40Minus:
			idx -= 2
		case idx < 12 && c.Type == ChanHT40Plus:
			idx += 2
		default:
			return 0, 0, false, ErrInvalidChannel
		}
		return idx, bw40, extBelow, nil
	}
	return 0, 0, false, ErrInvalidBandwidth
}

// bandwidth is the hardware bandwidth setting.
type bandwidth uint8

const (
	bw20 bandwidth = iota
	bw40
)

// CalData is the per device calibration data read from the EEPROM.
type CalData struct {
	// RfFreqOff is the crystal frequency offset written to RF bank 0 reg 12.
	RfFreqOff  uint8
	LNAGain    int8
	RSSIOffset [2]int8
	// RefTemp is the BBP R49 temperature reading the power tables refer to.
	RefTemp int8
	// ChanPower is the target TX power per channel.
	ChanPower   [14]uint8
	TSSIEnabled bool
	TSSI        TSSIData
	PowerRate   RatePower
	// RealCCKBW20 is the CCK 20MHz power delta before the channel 14 fixup.
	RealCCKBW20 [2]int8
}

// TSSIData are the TX power sensor calibration coefficients.
type TSSIData struct {
	Slope  uint8
	Offset [3]uint8
	// Tx0DeltaOffset is added to the target power in 1/4096 dB units.
	Tx0DeltaOffset int
}

// PowerPerRate is a per bandwidth power delta.
type PowerPerRate struct {
	BW20 int8
	BW40 int8
}

// RatePower holds power deltas per rate pair.
type RatePower struct {
	CCK  [2]PowerPerRate
	OFDM [4]PowerPerRate
	HT   [4]PowerPerRate
}

type freqCalState struct {
	enabled   bool
	adjusting bool
	freq      uint8
}

// calState is the calibration engine state. Guarded by hwMu.
type calState struct {
	tempMode       TempMode
	b49Temp        int8
	currTemp       int
	dpdTemp        int
	tssiInit       int8
	tssiInitHVGA   int8
	hvgaOffsetDB   int16
	prevPwrDiff    int
	pllLockProtect bool
	tssiReadTrig   bool
	// Saturation episodes are logged once.
	tssiUpperSat bool
	tssiLowerSat bool
	freqCal      freqCalState
}

// CalibrationState is a snapshot of the calibration engine.
type CalibrationState struct {
	Channel  Channel
	TempMode TempMode
	// Temperature is relative to the EEPROM reference in hardware units.
	Temperature     int
	DPDTemperature  int
	B49Temp         int8
	FreqOffset      uint8
	FreqCalEnabled  bool
	FreqAdjusting   bool
	TSSIInit        int8
	TSSIInitHVGA    int8
	TSSIHVGAOffset  int16
	PrevPowerDiff   int
	PLLLockProtect  bool
	TSSIReadArmed   bool
	AGC             uint8
	TxALCTempComp   int
	Bandwidth40     bool
	ControlBelow    bool
	RSSIAverage     int
	RSSIAverageSeen bool
}

// Calibration returns a snapshot of the calibration state.
func (d *Device) Calibration() CalibrationState {
	rssi, seen := d.AverageRSSI()
	d.hwMu.Lock()
	defer d.hwMu.Unlock()
	cs := CalibrationState{
		Channel:         d.chandef,
		TempMode:        d.phy.tempMode,
		Temperature:     d.phy.currTemp,
		DPDTemperature:  d.phy.dpdTemp,
		B49Temp:         d.phy.b49Temp,
		FreqOffset:      d.phy.freqCal.freq,
		FreqCalEnabled:  d.phy.freqCal.enabled,
		FreqAdjusting:   d.phy.freqCal.adjusting,
		TSSIInit:        d.phy.tssiInit,
		TSSIInitHVGA:    d.phy.tssiInitHVGA,
		TSSIHVGAOffset:  d.phy.hvgaOffsetDB,
		PrevPowerDiff:   d.phy.prevPwrDiff,
		PLLLockProtect:  d.phy.pllLockProtect,
		TSSIReadArmed:   d.phy.tssiReadTrig,
		AGC:             d.agcSave,
		Bandwidth40:     d.bw == bw40,
		ControlBelow:    d.chanExtBelow,
		RSSIAverage:     rssi,
		RSSIAverageSeen: seen,
	}
	if v, err := d.rr(mtwire.TX_ALC_CFG_1); err == nil {
		cs.TxALCTempComp = mtwire.S6ToInt(mtwire.TXALCTempComp.Get(v))
	}
	return cs
}

// SetChannel tunes the radio. The calibration tasks are stopped while the
// channel is switched and re-armed afterwards unless a scan is in progress.
func (d *Device) SetChannel(ch Channel) error {
	idx, bw, below, err := ch.plan()
	if err != nil {
		return err
	}
	d.calWork.cancelSync()
	d.freqWork.cancelSync()

	d.hwMu.Lock()
	err = d.setChannel(ch, idx, bw, below)
	freqCal := d.phy.freqCal.enabled
	d.hwMu.Unlock()
	if err != nil {
		return err
	}
	if d.scanning.Load() {
		return nil
	}
	d.calWork.queue(CalibrateInterval)
	if freqCal {
		d.freqWork.queue(FreqCalInitDelay)
	}
	return nil
}

func (d *Device) setChannel(ch Channel, idx int, bw bandwidth, below bool) error {
	d.debug("SetChannel", slog.Int("ch", int(ch.Number)), slog.Int("idx", idx), slog.Bool("bw40", bw == bw40), slog.Bool("below", below))
	if bw != d.bw || below != d.chanExtBelow {
		d.info("switching HT mode", slog.Bool("bw40", bw == bw40), slog.Bool("below", below))
		err := d.bbpSetBW(bw)
		if err == nil {
			err = d.setCtrlCh(below)
		}
		if err != nil {
			return err
		}
		d.chanExtBelow = below
	}

	plan := freqPlan[idx]
	pairs := make([]mtwire.RegPair, len(plan))
	for i := range plan {
		pairs[i] = mtwire.RegPair{Reg: 17 + uint32(i), Value: uint32(plan[i])}
	}
	err := d.writeRegPairs(mtwire.MCU_MEMMAP_RF, pairs)
	if err != nil {
		return err
	}
	_, err = d.rmw(mtwire.TX_ALC_CFG_0, mtwire.TXALCChanPower0.Mask()|mtwire.TXALCChanPower1.Mask(), uint32(d.ee.ChanPower[idx]&0x3f))
	if err != nil {
		return err
	}
	lna := uint32(uint8(0x37 - int(d.ee.LNAGain)))
	err = d.writeRegPairs(mtwire.MCU_MEMMAP_BBP, []mtwire.RegPair{
		{Reg: 62, Value: lna}, {Reg: 63, Value: lna}, {Reg: 64, Value: lna},
	})
	if err != nil {
		return err
	}
	err = d.vcoCal()
	if err == nil {
		err = d.bbpSetBW(bw)
	}
	if err == nil {
		err = d.writeTempBWTable(d.phy.tempMode)
	}
	if err == nil {
		err = d.setBWFilter(false)
	}
	if err != nil {
		return err
	}

	s := regSeq{d: d}
	rp := &d.ee.PowerRate
	if ch.Number != 14 || bw != bw20 {
		s.bbpRMW(4, 0x20, 0)
		s.bbpWr(178, 0xff)
		rp.CCK[0].BW20 = d.ee.RealCCKBW20[0]
		rp.CCK[1].BW20 = d.ee.RealCCKBW20[1]
	} else {
		// Channel 14 OBW fixup.
		s.bbpWr(4, 0x60)
		s.bbpWr(178, 0)
		rp.CCK[0].BW20 = d.ee.RealCCKBW20[0] - 2
		rp.CCK[1].BW20 = d.ee.RealCCKBW20[1] - 2
	}
	s.wr(mtwire.TX_PWR_CFG_0, mtwire.IntToS6(int(rp.OFDM[1].BW20))<<24|
		mtwire.IntToS6(int(rp.OFDM[0].BW20))<<16|
		mtwire.IntToS6(int(rp.CCK[1].BW20))<<8|
		mtwire.IntToS6(int(rp.CCK[0].BW20)))
	if s.err != nil {
		return s.err
	}
	if d.scanning.Load() {
		if err := d.agcReset(); err != nil {
			return err
		}
	}
	d.chandef = ch
	d.rxChan.Store(&ch)
	return nil
}

// bbpSetBW switches the baseband bandwidth. MAC TX and RX are paused while
// the bandwidth changes.
func (d *Device) bbpSetBW(bw bandwidth) error {
	const txrx = mtwire.MAC_SYS_CTRL_ENABLE_TX | mtwire.MAC_SYS_CTRL_ENABLE_RX
	changed := bw != d.bw
	if changed {
		err := d.clearBits(mtwire.MAC_SYS_CTRL, txrx)
		if err != nil {
			return err
		}
		_, err = d.poll(mtwire.MAC_STATUS, mtwire.MAC_STATUS_TX|mtwire.MAC_STATUS_RX, 0, macStatusTries, macStatusPoll)
		if err != nil {
			d.warn("bbpSetBW: MAC did not go idle", errattr(err))
		}
	}
	var err error
	switch bw {
	case bw20:
		_, err = d.bbpRMC(4, 0x18, 0)
	case bw40:
		_, err = d.bbpRMC(4, 0x18, 0x10)
	default:
		return ErrInvalidBandwidth
	}
	if err != nil {
		return err
	}
	if changed {
		err = d.setBits(mtwire.MAC_SYS_CTRL, txrx)
	}
	d.bw = bw
	return err
}

// setCtrlCh places the control channel below or above the secondary one.
func (d *Device) setCtrlCh(below bool) error {
	var bbp uint8
	var mac uint32
	if below {
		bbp, mac = 0x20, 1
	}
	_, err := d.bbpRMC(3, 0x20, bbp)
	if err != nil {
		return err
	}
	_, err = d.rmc(mtwire.TX_BAND_CFG, 1, mac)
	return err
}

func (d *Device) vcoCal() error {
	s := regSeq{d: d}
	s.rfWr(0, 4, 0x0a)
	s.rfWr(0, 5, 0x20)
	if s.err == nil {
		_, s.err = d.rfSet(0, 4, 0x80)
	}
	time.Sleep(vcoCalSettleTime)
	return s.err
}

// setBWFilter runs the TX and RX bandwidth filter calibration.
func (d *Device) setBWFilter(cal bool) error {
	var filter uint32
	if !cal {
		filter |= 0x10000
	}
	if d.bw != bw20 {
		filter |= 0x100
	}
	err := d.calibrate(CalBW, filter|1)
	if err != nil {
		return err
	}
	return d.calibrate(CalBW, filter)
}

// phyInit loads the RF register defaults and runs the initial calibration.
func (d *Device) phyInit() error {
	s := regSeq{d: d}
	d.rfPAMode[0] = s.rr(mtwire.RF_PA_MODE_CFG0)
	d.rfPAMode[1] = s.rr(mtwire.RF_PA_MODE_CFG1)
	s.rfWr(0, 12, d.ee.RfFreqOff)
	s.pairs(0, rfCentral)
	s.pairs(0, rfChannel)
	s.pairs(0, rfVGA)
	if s.err != nil {
		return s.err
	}
	err := d.initCal()
	if err != nil {
		return err
	}
	d.phy.prevPwrDiff = 100
	return nil
}

func (d *Device) initCal() error {
	b49, err := d.readBootupTemp()
	if err != nil {
		return err
	}
	d.phy.b49Temp = b49
	d.phy.currTemp = (int(b49) - int(d.ee.RefTemp)) * temperatureSlope
	d.phy.dpdTemp = d.phy.currTemp
	d.debug("initCal", slog.Int("b49", int(b49)), slog.Int("temp", d.phy.currTemp))

	s := regSeq{d: d}
	macCtrl := s.rr(mtwire.MAC_SYS_CTRL)
	s.calibrate(CalR, 0)
	v := s.rfRd(0, 4)
	s.rfWr(0, 4, v|0x80)
	if s.err != nil {
		return s.err
	}
	time.Sleep(vcoCalSettleTime)
	s.calibrate(CalTXDCOC, 0)
	if s.err != nil {
		return s.err
	}
	d.rxdcCal()
	if err := d.setBWFilter(true); err != nil {
		return err
	}
	s.calibrate(CalLOFT, 0)
	s.calibrate(CalTXIQ, 0)
	s.calibrate(CalRXIQ, 0)
	s.calibrate(CalDPD, uint32(int32(d.phy.dpdTemp)))
	if s.err != nil {
		return s.err
	}
	d.rxdcCal()
	if err := d.tssiDCGainCal(); err != nil {
		return err
	}
	if err := d.wr(mtwire.MAC_SYS_CTRL, macCtrl); err != nil {
		return err
	}
	return d.tempComp(true)
}

// readBootupTemp measures the chip temperature with the RF forced on.
func (d *Device) readBootupTemp() (int8, error) {
	s := regSeq{d: d}
	rfSet := s.rr(mtwire.RF_SETTING_0)
	rfBypass := s.rr(mtwire.RF_BYPASS_0)
	s.wr(mtwire.RF_BYPASS_0, 0)
	s.wr(mtwire.RF_SETTING_0, 0x10)
	s.wr(mtwire.RF_BYPASS_0, 0x10)

	v := s.bbpRMW(47, 0, r47Busy)
	s.bbpWr(22, 0x40)
	for i := 100; i > 0 && v&r47Busy != 0 && s.err == nil; i-- {
		v = s.bbpRd(47)
	}
	temp := s.r47(v, r47Temp)
	s.bbpWr(22, 0)

	v = s.bbpRd(21)
	v |= 0x02
	s.bbpWr(21, v)
	v &^= 0x02
	s.bbpWr(21, v)

	s.wr(mtwire.RF_BYPASS_0, 0)
	s.wr(mtwire.RF_SETTING_0, rfSet)
	s.wr(mtwire.RF_BYPASS_0, rfBypass)
	return int8(temp), s.err
}

// readTemp measures the chip temperature. The measurement is usually still
// pending when read; the previous result is returned in that case.
func (d *Device) readTemp() (int8, error) {
	s := regSeq{d: d}
	v := s.bbpRMW(47, 0x7f, r47Busy)
	for i := 100; i > 0 && v&r47Busy != 0 && s.err == nil; i-- {
		v = s.bbpRd(47)
	}
	temp := s.r47(v, r47Temp)
	return int8(temp), s.err
}

var (
	rxdcIntro = []mtwire.RegPair{{Reg: 158, Value: 0x8d}, {Reg: 159, Value: 0xfc}, {Reg: 158, Value: 0x8c}, {Reg: 159, Value: 0x4c}}
	rxdcOutro = []mtwire.RegPair{{Reg: 158, Value: 0x8d}, {Reg: 159, Value: 0xe0}}
)

// rxdcCal runs the RX DC offset calibration. Failures are logged.
func (d *Device) rxdcCal() {
	s := regSeq{d: d}
	macCtrl := s.rr(mtwire.MAC_SYS_CTRL)
	s.wr(mtwire.MAC_SYS_CTRL, mtwire.MAC_SYS_CTRL_ENABLE_RX)
	if s.err != nil {
		d.logerr("rxdcCal: setup failed", errattr(s.err))
		return
	}
	if err := d.writeRegPairs(mtwire.MCU_MEMMAP_BBP, rxdcIntro); err != nil {
		d.logerr("rxdcCal: intro failed", errattr(err))
	}
	i := 20
	for ; i > 0 && s.err == nil; i-- {
		time.Sleep(400 * time.Microsecond)
		s.bbpWr(158, 0x8c)
		if s.bbpRd(159) == 0x0c {
			break
		}
	}
	if i == 0 {
		d.logerr("rxdcCal: timed out")
	}
	s.wr(mtwire.MAC_SYS_CTRL, 0)
	if err := d.writeRegPairs(mtwire.MCU_MEMMAP_BBP, rxdcOutro); err != nil {
		d.logerr("rxdcCal: outro failed", errattr(err))
	}
	s.wr(mtwire.MAC_SYS_CTRL, macCtrl)
	if s.err != nil {
		d.logerr("rxdcCal failed", errattr(s.err))
	}
}

// RecalibrateAfterAssoc reruns the DPD and RX DC calibrations once the
// radio has associated.
func (d *Device) RecalibrateAfterAssoc() error {
	if !d.initialized.Load() {
		return errNotInitialized
	}
	d.hwMu.Lock()
	defer d.hwMu.Unlock()
	err := d.calibrate(CalDPD, uint32(int32(d.phy.currTemp)))
	d.rxdcCal()
	return err
}

func (d *Device) agcDefault() uint8 {
	return uint8((int(d.ee.LNAGain)-8)*2 + 0x34)
}

func (d *Device) agcReset() error {
	return d.bbpWrite(66, d.agcDefault())
}

// AGCSave stores the current AGC gain so a scan does not disturb it.
func (d *Device) AGCSave() error {
	d.hwMu.Lock()
	defer d.hwMu.Unlock()
	v, err := d.bbpRead(66)
	if err != nil {
		return err
	}
	d.agcSave = v
	return nil
}

// AGCRestore writes back the gain stored by AGCSave.
func (d *Device) AGCRestore() error {
	d.hwMu.Lock()
	defer d.hwMu.Unlock()
	return d.bbpWrite(66, d.agcSave)
}

// agcTune lowers the AGC gain for strong signals.
func (d *Device) agcTune() error {
	val := d.agcDefault()
	rssi, _ := d.AverageRSSI()
	if rssi <= -70 {
		val -= 0x20
	} else if rssi <= -60 {
		val -= 0x10
	}
	cur, err := d.bbpRead(66)
	if err != nil || cur == val {
		return err
	}
	return d.bbpWrite(66, val)
}

// phyCalibrate is the periodic calibration tick.
func (d *Device) phyCalibrate() {
	d.hwMu.Lock()
	err := d.agcTune()
	if err != nil {
		d.logerr("agc tune failed", errattr(err))
	}
	err = d.tssiCal()
	if err != nil {
		d.logerr("tssi calibration failed", errattr(err))
	}
	// TSSI calibration reads the temperature itself.
	if !d.ee.TSSIEnabled {
		temp, err := d.readTemp()
		if err != nil {
			d.logerr("temperature read failed", errattr(err))
		} else {
			d.phy.b49Temp = temp
		}
	}
	err = d.tempComp(true)
	if err != nil {
		d.logerr("temperature compensation failed", errattr(err))
	}
	d.hwMu.Unlock()
	if d.removed.Load() {
		return
	}
	d.calWork.queue(CalibrateInterval)
}
