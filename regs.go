package mt7601u

import (
	"errors"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/soypat/mt7601u/mtwire"
)

// Register handshake polling bounds.
const (
	csrPollTries     = 100
	csrPollInterval  = 10 * time.Microsecond
	macStatusTries   = 500
	macStatusPoll    = time.Millisecond
	r47ReadSettle    = 500 * time.Microsecond
	vcoCalSettleTime = 2 * time.Millisecond
)

func (d *Device) rr(addr uint32) (uint32, error) {
	v, err := d.bus.Read(addr)
	if err != nil {
		d.checkRemoved(err)
		return 0, err
	}
	d.trace("rr", slog.String("addr", hex32(addr)), slog.String("val", hex32(v)))
	return v, nil
}

func (d *Device) wr(addr, val uint32) error {
	d.trace("wr", slog.String("addr", hex32(addr)), slog.String("val", hex32(val)))
	err := d.bus.Write(addr, val)
	if err != nil {
		d.checkRemoved(err)
	}
	return err
}

// rmw replaces the bits of mask in register addr with val.
func (d *Device) rmw(addr, mask, val uint32) (uint32, error) {
	v, err := d.rr(addr)
	if err != nil {
		return 0, err
	}
	v = v&^mask | val
	return v, d.wr(addr, v)
}

// rmc is rmw that skips the write when the register already holds the value.
func (d *Device) rmc(addr, mask, val uint32) (uint32, error) {
	old, err := d.rr(addr)
	if err != nil {
		return 0, err
	}
	v := old&^mask | val
	if v != old {
		err = d.wr(addr, v)
	}
	return v, err
}

func (d *Device) setBits(addr, bits uint32) error {
	_, err := d.rmw(addr, 0, bits)
	return err
}

func (d *Device) clearBits(addr, bits uint32) error {
	_, err := d.rmw(addr, bits, 0)
	return err
}

// poll reads addr until the bits of mask equal want, at most tries times.
// Bus errors abort the poll.
func (d *Device) poll(addr, mask, want uint32, tries int, interval time.Duration) (uint32, error) {
	var last uint32
	err := backoff.Retry(func() error {
		v, err := d.rr(addr)
		if err != nil {
			return backoff.Permanent(err)
		}
		last = v
		if v&mask != want {
			return errPollPending
		}
		return nil
	}, backoff.WithMaxRetries(backoff.NewConstantBackOff(interval), uint64(tries-1)))
	if errors.Is(err, errPollPending) {
		return last, ErrHardwareTimeout
	}
	return last, err
}

// rfWrite writes an RF register through the RF_CSR_CFG handshake. It is a
// no-op once the device is removed.
func (d *Device) rfWrite(bank, offset, val uint8) error {
	if d.removed.Load() {
		return nil
	}
	d.regAtomicMu.Lock()
	defer d.regAtomicMu.Unlock()
	_, err := d.poll(mtwire.RF_CSR_CFG, mtwire.RF_CSR_CFG_KICK, 0, csrPollTries, csrPollInterval)
	if err != nil {
		d.logerr("rf write: csr busy", slog.Int("bank", int(bank)), slog.Int("reg", int(offset)), errattr(err))
		return err
	}
	return d.wr(mtwire.RF_CSR_CFG, mtwire.RFCSRData.Set(uint32(val))|
		mtwire.RFCSRRegBank.Set(uint32(bank))|
		mtwire.RFCSRRegID.Set(uint32(offset))|
		mtwire.RF_CSR_CFG_WR|mtwire.RF_CSR_CFG_KICK)
}

// rfRead reads an RF register through the RF_CSR_CFG handshake. It returns
// 0xff once the device is removed.
func (d *Device) rfRead(bank, offset uint8) (uint8, error) {
	if d.removed.Load() {
		return 0xff, nil
	}
	d.regAtomicMu.Lock()
	defer d.regAtomicMu.Unlock()
	_, err := d.poll(mtwire.RF_CSR_CFG, mtwire.RF_CSR_CFG_KICK, 0, csrPollTries, csrPollInterval)
	if err == nil {
		err = d.wr(mtwire.RF_CSR_CFG, mtwire.RFCSRRegBank.Set(uint32(bank))|
			mtwire.RFCSRRegID.Set(uint32(offset))|mtwire.RF_CSR_CFG_KICK)
	}
	var v uint32
	if err == nil {
		v, err = d.poll(mtwire.RF_CSR_CFG, mtwire.RF_CSR_CFG_KICK, 0, csrPollTries, csrPollInterval)
	}
	if err == nil && (mtwire.RFCSRRegID.Get(v) != uint32(offset) || mtwire.RFCSRRegBank.Get(v) != uint32(bank)) {
		err = errBadReadback
	}
	if err != nil {
		d.logerr("rf read failed", slog.Int("bank", int(bank)), slog.Int("reg", int(offset)), errattr(err))
		return 0, err
	}
	return uint8(mtwire.RFCSRData.Get(v)), nil
}

func (d *Device) rfRMW(bank, offset, mask, val uint8) (uint8, error) {
	old, err := d.rfRead(bank, offset)
	if err != nil {
		return 0, err
	}
	val |= old &^ mask
	return val, d.rfWrite(bank, offset, val)
}

func (d *Device) rfSet(bank, offset, val uint8) (uint8, error) {
	return d.rfRMW(bank, offset, 0, val)
}

func (d *Device) rfClear(bank, offset, mask uint8) (uint8, error) {
	return d.rfRMW(bank, offset, mask, 0)
}

// bbpWrite writes a baseband register through the BBP_CSR_CFG handshake.
func (d *Device) bbpWrite(reg, val uint8) error {
	if d.removed.Load() {
		return nil
	}
	d.regAtomicMu.Lock()
	defer d.regAtomicMu.Unlock()
	_, err := d.poll(mtwire.BBP_CSR_CFG, mtwire.BBP_CSR_CFG_BUSY, 0, csrPollTries, csrPollInterval)
	if err != nil {
		d.logerr("bbp write: csr busy", slog.Int("reg", int(reg)), errattr(err))
		return err
	}
	return d.wr(mtwire.BBP_CSR_CFG, mtwire.BBPCSRVal.Set(uint32(val))|
		mtwire.BBPCSRRegNum.Set(uint32(reg))|
		mtwire.BBP_CSR_CFG_RW_MODE|mtwire.BBP_CSR_CFG_BUSY)
}

// bbpRead reads a baseband register. It returns 0xff once the device is removed.
func (d *Device) bbpRead(reg uint8) (uint8, error) {
	if d.removed.Load() {
		return 0xff, nil
	}
	d.regAtomicMu.Lock()
	defer d.regAtomicMu.Unlock()
	_, err := d.poll(mtwire.BBP_CSR_CFG, mtwire.BBP_CSR_CFG_BUSY, 0, csrPollTries, csrPollInterval)
	if err == nil {
		err = d.wr(mtwire.BBP_CSR_CFG, mtwire.BBPCSRRegNum.Set(uint32(reg))|
			mtwire.BBP_CSR_CFG_RW_MODE|mtwire.BBP_CSR_CFG_BUSY|mtwire.BBP_CSR_CFG_READ)
	}
	var v uint32
	if err == nil {
		v, err = d.poll(mtwire.BBP_CSR_CFG, mtwire.BBP_CSR_CFG_BUSY, 0, csrPollTries, csrPollInterval)
	}
	if err == nil && mtwire.BBPCSRRegNum.Get(v) != uint32(reg) {
		err = errBadReadback
	}
	if err != nil {
		d.logerr("bbp read failed", slog.Int("reg", int(reg)), errattr(err))
		return 0, err
	}
	return uint8(mtwire.BBPCSRVal.Get(v)), nil
}

func (d *Device) bbpRMW(reg, mask, val uint8) (uint8, error) {
	old, err := d.bbpRead(reg)
	if err != nil {
		return 0, err
	}
	val |= old &^ mask
	return val, d.bbpWrite(reg, val)
}

// bbpRMC is bbpRMW that skips the write when the value is unchanged.
func (d *Device) bbpRMC(reg, mask, val uint8) (uint8, error) {
	old, err := d.bbpRead(reg)
	if err != nil {
		return 0, err
	}
	val |= old &^ mask
	if val != old {
		err = d.bbpWrite(reg, val)
	}
	return val, err
}

// R47 selects which measurement BBP R49 exposes.
const (
	r47Flag     = 0x07
	r47TSSI     = 0
	r47PktType  = 1
	r47TxRate   = 2
	r47Temp     = 4
	r47Busy     = 0x10
	bbpR47TSSIR = 47
	bbpR49Value = 49
)

// bbpR47Get selects measurement flag in R47, keeping the other bits of the
// cached r47 value, and returns the R49 reading.
func (d *Device) bbpR47Get(r47, flag uint8) (uint8, error) {
	err := d.bbpWrite(bbpR47TSSIR, flag|r47&^r47Flag)
	if err != nil {
		return 0, err
	}
	time.Sleep(r47ReadSettle)
	return d.bbpRead(bbpR49Value)
}

func (d *Device) writeRegPairs(base uint32, pairs []mtwire.RegPair) error {
	if d.removed.Load() {
		return nil
	}
	err := d.fw.WriteRegPairs(base, pairs)
	if err != nil {
		d.checkRemoved(err)
		d.logerr("register pair write failed", slog.String("base", hex32(base)), slog.Int("n", len(pairs)), errattr(err))
	}
	return err
}

func (d *Device) calibrate(kind CalKind, param uint32) error {
	err := d.fw.Calibrate(kind, param)
	if err != nil {
		d.checkRemoved(err)
		d.logerr("mcu calibration failed", slog.Int("kind", int(kind)), errattr(err))
	}
	return err
}

// regSeq runs a sequence of register accesses, skipping every access after
// the first failure. Reads after a failure return 0.
type regSeq struct {
	d   *Device
	err error
}

func (s *regSeq) wr(addr, val uint32) {
	if s.err == nil {
		s.err = s.d.wr(addr, val)
	}
}

func (s *regSeq) rr(addr uint32) (v uint32) {
	if s.err == nil {
		v, s.err = s.d.rr(addr)
	}
	return v
}

func (s *regSeq) bbpWr(reg, val uint8) {
	if s.err == nil {
		s.err = s.d.bbpWrite(reg, val)
	}
}

func (s *regSeq) bbpRd(reg uint8) (v uint8) {
	if s.err == nil {
		v, s.err = s.d.bbpRead(reg)
	}
	return v
}

func (s *regSeq) rfWr(bank, offset, val uint8) {
	if s.err == nil {
		s.err = s.d.rfWrite(bank, offset, val)
	}
}

func (s *regSeq) rfRd(bank, offset uint8) (v uint8) {
	if s.err == nil {
		v, s.err = s.d.rfRead(bank, offset)
	}
	return v
}

func (s *regSeq) bbpRMW(reg, mask, val uint8) (v uint8) {
	if s.err == nil {
		v, s.err = s.d.bbpRMW(reg, mask, val)
	}
	return v
}

func (s *regSeq) r47(r47, flag uint8) (v uint8) {
	if s.err == nil {
		v, s.err = s.d.bbpR47Get(r47, flag)
	}
	return v
}

func (s *regSeq) calibrate(kind CalKind, param uint32) {
	if s.err == nil {
		s.err = s.d.calibrate(kind, param)
	}
}

func (s *regSeq) pairs(base uint32, p []mtwire.RegPair) {
	if s.err == nil {
		s.err = s.d.writeRegPairs(base, p)
	}
}
