package mt7601u

import (
	"log/slog"

	"github.com/soypat/mt7601u/mtwire"
)

// TempMode is the baseband temperature regime.
type TempMode uint8

const (
	TempNormal TempMode = iota
	TempHigh
	TempLow
)

func (m TempMode) String() string {
	switch m {
	case TempNormal:
		return "normal"
	case TempHigh:
		return "high"
	case TempLow:
		return "low"
	}
	return "unknown"
}

// Temperature thresholds in hardware units relative to the reference.
const (
	tempHighThreshold = 400
	tempLowThreshold  = -200
	// tempNarrow shrinks the normal band when compensation is on.
	tempNarrow    = 50
	dpdRecalDelta = 450
	pllProtectOn  = -50
	pllProtectOff = 50
)

type tempTable struct {
	common, bw20, bw40 []mtwire.RegPair
}

var tempTables = [...]tempTable{
	TempNormal: {common: tempNormal, bw20: tempNormalBW20, bw40: tempNormalBW40},
	TempHigh:   {common: tempHigh, bw20: tempHighBW20, bw40: tempHighBW40},
	TempLow:    {common: tempLow, bw20: tempLowBW20, bw40: tempLowBW40},
}

// tempComp compensates for the temperature last read into b49Temp: DPD
// recalibration on large drifts, PLL lock protection when cold and the BBP
// settings of the temperature regime.
func (d *Device) tempComp(on bool) error {
	temp := (int(d.phy.b49Temp) - int(d.ee.RefTemp)) * temperatureSlope
	d.phy.currTemp = temp

	if abs(temp-d.phy.dpdTemp) > dpdRecalDelta {
		d.phy.dpdTemp = temp
		err := d.calibrate(CalDPD, uint32(int32(temp)))
		if err != nil {
			return err
		}
		err = d.vcoCal()
		if err != nil {
			return err
		}
		d.debug("recalibrated DPD", slog.Int("temp", temp))
	}

	switch {
	case temp < pllProtectOn && !d.phy.pllLockProtect:
		d.phy.pllLockProtect = true
		err := d.rfWrite(4, 4, 6)
		if err == nil {
			_, err = d.rfClear(4, 10, 0x30)
		}
		if err != nil {
			return err
		}
		d.debug("PLL lock protect on", slog.Int("temp", temp))
	case temp > pllProtectOff && d.phy.pllLockProtect:
		d.phy.pllLockProtect = false
		err := d.rfWrite(4, 4, 0)
		if err == nil {
			_, err = d.rfRMW(4, 10, 0x30, 0x10)
		}
		if err != nil {
			return err
		}
		d.debug("PLL lock protect off", slog.Int("temp", temp))
	}

	hi, lo := tempHighThreshold, tempLowThreshold
	if on {
		hi -= tempNarrow
		lo += tempNarrow
	}
	if d.bw != bw20 && d.bw != bw40 {
		d.logerr("tempComp: unknown bandwidth", slog.Int("bw", int(d.bw)))
		return ErrInvalidBandwidth
	}
	mode := TempLow
	switch {
	case temp > hi:
		mode = TempHigh
	case temp > lo:
		mode = TempNormal
	}
	return d.bbpTemp(mode)
}

// bbpTemp switches the temperature regime. It writes nothing when mode is
// already active.
func (d *Device) bbpTemp(mode TempMode) error {
	if d.phy.tempMode == mode {
		return nil
	}
	d.phy.tempMode = mode
	d.debug("switching temperature mode", slog.String("mode", mode.String()))
	err := d.writeRegPairs(mtwire.MCU_MEMMAP_BBP, tempTables[mode].common)
	if err != nil {
		return err
	}
	return d.writeTempBWTable(mode)
}

// writeTempBWTable writes the bandwidth specific BBP settings of mode.
func (d *Device) writeTempBWTable(mode TempMode) error {
	t := tempTables[mode]
	if d.bw == bw20 {
		return d.writeRegPairs(mtwire.MCU_MEMMAP_BBP, t.bw20)
	}
	return d.writeRegPairs(mtwire.MCU_MEMMAP_BBP, t.bw40)
}
