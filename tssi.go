package mt7601u

import (
	"log/slog"
	"math/bits"

	"github.com/soypat/mt7601u/mtwire"
)

// lin2dBd converts a linear TSSI reading to dB in S10.5 fixed point using
// the vendor's piecewise approximation. Zero returns -10000.
func lin2dBd(linear uint16) int16 {
	if linear == 0 {
		return -10000
	}
	mantissa := uint32(linear)
	exp := bits.Len32(mantissa) - 16
	if exp > 0 {
		mantissa >>= exp
	} else {
		mantissa <<= -exp
	}
	var app int
	if mantissa <= 0xb800 {
		app = int(mantissa+mantissa>>3+mantissa>>4) - 0x9600
	} else {
		app = int(mantissa-mantissa>>3-mantissa>>6) - 0x5a00
	}
	if app < 0 {
		app = 0
	}
	dbd := (15+exp)<<15 + app
	dbd = dbd<<2 + dbd<<1 + dbd>>6 + dbd>>7
	return int16(dbd >> 10)
}

type tssiParams struct {
	tssi0 uint8
	// trgtPower is the target power in 1/4096 dB units.
	trgtPower int
}

// OFDM packet type to rate index.
var ofdmPkt2Rate = [8]uint8{6, 4, 2, 0, 7, 5, 3, 1}

var staticPower = [4]int{0, -49152, -98304, 49152}

// tssiParams reads the last TSSI measurement and computes the power it
// should have measured.
func (d *Device) tssiParams() (p tssiParams, err error) {
	s := regSeq{d: d}
	r47 := s.bbpRd(47)
	p.tssi0 = s.r47(r47, r47TSSI)
	temp := s.r47(r47, r47Temp)
	pktType := s.r47(r47, r47PktType)
	if s.err != nil {
		return p, s.err
	}
	d.phy.b49Temp = int8(temp)
	p.trgtPower = d.currentTxPower()

	var txRate uint8
	var table []PowerPerRate
	phy := mtwire.PhyType(pktType & 0x03)
	switch phy {
	case mtwire.PhyCCK:
		txRate = (pktType >> 4) & 0x03
		table = d.ee.PowerRate.CCK[:]
	case mtwire.PhyOFDM:
		txRate = ofdmPkt2Rate[(pktType>>4)&0x07]
		table = d.ee.PowerRate.OFDM[:]
	default:
		txRate = s.r47(r47, r47TxRate) & 0x7f
		table = d.ee.PowerRate.HT[:]
	}
	i := min(int(txRate/2), len(table)-1)
	if d.bw == bw20 {
		p.trgtPower += int(table[i].BW20)
	} else {
		p.trgtPower += int(table[i].BW40)
	}
	p.trgtPower <<= 12
	p.trgtPower += int(d.paModeVal(phy, txRate))

	// Channel 14 CCK filter compensation.
	if phy == mtwire.PhyCCK {
		r4 := s.bbpRd(4)
		r178 := s.bbpRd(178)
		switch {
		case r4&0x20 != 0 && r178 != 0:
			p.trgtPower += 18022
		case r4&0x20 != 0:
			p.trgtPower += 9830
		case r178 != 0:
			p.trgtPower += 819
		default:
			p.trgtPower += 24576
		}
	}
	p.trgtPower += staticPower[s.bbpRd(1)&0x03]
	p.trgtPower += d.ee.TSSI.Tx0DeltaOffset
	if d._traceenabled {
		d.trace("tssi params", slog.Int("tssi0", int(p.tssi0)), slog.Int("power", p.trgtPower),
			slog.Int("temp", int(temp)), slog.Int("pkt", int(pktType)), slog.Int("rate", int(txRate)))
	}
	return p, s.err
}

// paModeVal returns the PA mode power correction of a rate.
func (d *Device) paModeVal(phy mtwire.PhyType, txRate uint8) int16 {
	decode := [4]int16{0, 8847, -5734, -5734}
	var reg uint32
	switch phy {
	case mtwire.PhyOFDM:
		txRate += 4
		reg = d.rfPAMode[0]
	case mtwire.PhyCCK:
		reg = d.rfPAMode[0]
	default:
		reg = d.rfPAMode[1]
	}
	return decode[(reg>>(uint(txRate)*2))&0x3]
}

func (d *Device) currentTxPower() int {
	n := int(d.chandef.Number)
	if n < 1 || n > len(d.ee.ChanPower) {
		return 0
	}
	return int(d.ee.ChanPower[n-1])
}

// useHVGA reports whether TSSI should be measured with the high VGA gain.
func (d *Device) useHVGA() bool {
	return d.currentTxPower() <= 20
}

func (d *Device) kickTSSI(hvga bool) error {
	err := d.fw.KickTSSIRead(hvga)
	if err != nil {
		d.checkRemoved(err)
		return err
	}
	d.phy.tssiReadTrig = true
	return nil
}

// tssiCal corrects the TX power from the last TSSI measurement and kicks off
// the next one.
func (d *Device) tssiCal() error {
	if !d.ee.TSSIEnabled {
		return nil
	}
	hvga := d.useHVGA()
	if !d.phy.tssiReadTrig {
		return d.kickTSSI(hvga)
	}
	r47, err := d.bbpRead(47)
	if err != nil {
		return err
	}
	if r47&r47Busy != 0 {
		return nil // Measurement pending.
	}
	p, err := d.tssiParams()
	if err != nil {
		return err
	}
	init := d.phy.tssiInit
	if hvga {
		init = d.phy.tssiInitHVGA
	}
	mdc := int16(int(p.tssi0) - int(init))
	db := lin2dBd(uint16(mdc))

	var off int8
	switch ch := d.chandef.Number; {
	case ch < 5:
		off = int8(d.ee.TSSI.Offset[0])
	case ch < 9:
		off = int8(d.ee.TSSI.Offset[1])
	default:
		off = int8(d.ee.TSSI.Offset[2])
	}
	if hvga {
		db -= d.phy.hvgaOffsetDB
	}
	curr := int(db)*int(d.ee.TSSI.Slope) + int(off)<<9
	diff := p.trgtPower - curr
	d.trace("tssi", slog.Int("db", int(db)), slog.Int("curr", curr), slog.Int("diff", diff), slog.Bool("hvga", hvga))

	if p.tssi0 > 126 && diff > 0 {
		if !d.phy.tssiUpperSat {
			d.warn("tssi upper saturation", slog.Int("tssi0", int(p.tssi0)))
		}
		d.phy.tssiUpperSat = true
		diff = 0
	} else {
		d.phy.tssiUpperSat = false
	}
	if int(p.tssi0)-int(init) < 1 && diff < 0 {
		if !d.phy.tssiLowerSat {
			d.warn("tssi lower saturation", slog.Int("tssi0", int(p.tssi0)), slog.Int("init", int(init)))
		}
		d.phy.tssiLowerSat = true
		diff = 0
	} else {
		d.phy.tssiLowerSat = false
	}

	// Do not chase a small correction that flips sign.
	prev := d.phy.prevPwrDiff
	if (prev^diff) < 0 && abs(diff) < 4096 && (abs(diff) > abs(prev) || (diff > 0 && diff == -prev)) {
		diff = 0
	} else {
		d.phy.prevPwrDiff = diff
	}
	if diff > 0 {
		diff += 2048
	} else {
		diff -= 2048
	}
	diff /= 4096

	val, err := d.rr(mtwire.TX_ALC_CFG_1)
	if err != nil {
		return err
	}
	diff += mtwire.S6ToInt(mtwire.TXALCTempComp.Get(val))
	err = d.wr(mtwire.TX_ALC_CFG_1, mtwire.TXALCTempComp.Replace(val, mtwire.IntToS6(diff)))
	if err != nil {
		return err
	}
	return d.kickTSSI(hvga)
}

// tssiDCGainCal measures the TSSI DC level with normal and high VGA gain and
// programs the initial power offset.
func (d *Device) tssiDCGainCal() error {
	s := regSeq{d: d}
	s.wr(mtwire.RF_SETTING_0, 0x00000030)
	s.wr(mtwire.RF_BYPASS_0, 0x000c0030)
	s.wr(mtwire.MAC_SYS_CTRL, 0)

	s.bbpWr(58, 0)
	s.bbpWr(241, 0x2)
	s.bbpWr(23, 0x8)
	r47 := s.bbpRd(47)

	// VGA gain and mixer.
	rfVGA := s.rfRd(5, 3)
	s.rfWr(5, 3, 8)
	rfMixer := s.rfRd(4, 39)
	s.rfWr(4, 39, 0)

	var res [4]int8
	for i := range res {
		if i&1 != 0 {
			s.rfWr(4, 39, rfMixer)
		} else {
			s.rfWr(4, 39, 0)
		}
		if i < 2 {
			s.bbpWr(23, 0x08)
			s.rfWr(5, 3, 0x08)
		} else {
			s.bbpWr(23, 0x02)
			s.rfWr(5, 3, 0x11)
		}

		// TSSI initial and soft reset.
		s.bbpWr(22, 0)
		s.bbpWr(244, 0)
		s.bbpWr(21, 1)
		s.bbpWr(21, 0)

		// Measure.
		s.bbpWr(47, 0x50)
		if i&1 != 0 {
			s.bbpWr(244, 0x31)
		} else {
			s.bbpWr(22, 0x40)
		}
		j := 20
		for ; j > 0 && s.err == nil; j-- {
			if s.bbpRd(47)&r47Busy == 0 {
				break
			}
		}
		if j == 0 {
			d.logerr("tssiDCGainCal: measurement timed out", slog.Int("step", i))
		}

		s.bbpWr(47, 0x40)
		res[i] = int8(s.bbpRd(49))
	}
	if s.err != nil {
		return s.err
	}

	initDB := lin2dBd(uint16(int16(res[1]) - int16(res[0])))
	hvgaDB := lin2dBd(uint16((int16(res[3]) - int16(res[2])) * 4))
	d.phy.tssiInit = res[0]
	d.phy.tssiInitHVGA = res[2]
	d.phy.hvgaOffsetDB = hvgaDB - initDB
	d.debug("tssi dc gain", slog.Int("init", int(res[0])), slog.Int("db", int(initDB)),
		slog.Int("hvga", int(res[2])), slog.Int("hvga_db", int(hvgaDB)))

	s.bbpWr(22, 0)
	s.bbpWr(244, 0)
	s.bbpWr(21, 1)
	s.bbpWr(21, 0)

	s.wr(mtwire.RF_BYPASS_0, 0)
	s.wr(mtwire.RF_SETTING_0, 0)
	s.rfWr(5, 3, rfVGA)
	s.rfWr(4, 39, rfMixer)
	s.bbpWr(47, r47)
	if s.err != nil {
		return s.err
	}
	return d.setInitialTSSI(initDB)
}

func (d *Device) setInitialTSSI(tssiDB int16) error {
	t := &d.ee.TSSI
	initOffset := -((int(tssiDB)*int(t.Slope) + int(t.Offset[1])) / 4096) + 10
	_, err := d.rmw(mtwire.TX_ALC_CFG_1, mtwire.TXALCTempComp.Mask(), mtwire.IntToS6(initOffset))
	return err
}
