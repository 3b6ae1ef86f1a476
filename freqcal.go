package mt7601u

import (
	"log/slog"
	"time"

	"github.com/soypat/mt7601u/mtwire"
)

// freqCalThresholds returns the beacon frequency offsets that start and stop
// crystal trimming for a PHY mode.
func freqCalThresholds(mode mtwire.PhyType) (activate, deactivate int, ok bool) {
	switch mode {
	case mtwire.PhyCCK:
		return 19, 5, true
	case mtwire.PhyOFDM:
		return 102, 32, true
	case mtwire.PhyHT, mtwire.PhyHTGF:
		return 82, 20, true
	}
	return 0, 0, false
}

// step advances the trimming state machine with the last beacon offset. It
// returns the delay until the next step and whether the crystal trim value
// changed and must be written.
func (fc *freqCalState) step(off int8, mode mtwire.PhyType) (delay time.Duration, write bool) {
	if off == freqOffsetInvalid {
		return FreqCalAdjustInterval, false // No beacons, check again soon.
	}
	act, deact, ok := freqCalThresholds(mode)
	if !ok {
		return FreqCalCheckInterval, false
	}
	o := int(off)
	if abs(o) >= act {
		fc.adjusting = true
	} else if abs(o) <= deact {
		fc.adjusting = false
	}
	if !fc.adjusting {
		return FreqCalCheckInterval, false
	}
	if o > deact {
		if fc.freq > 0 {
			fc.freq--
		} else {
			fc.adjusting = false
		}
	} else if o < -deact {
		if fc.freq < 0xbf {
			fc.freq++
		} else {
			fc.adjusting = false
		}
	}
	if fc.adjusting {
		return FreqCalAdjustInterval, true
	}
	return FreqCalCheckInterval, true
}

// freqCal is the crystal frequency trimming tick.
func (d *Device) freqCal() {
	d.beaconMu.Lock()
	off, mode := d.beacon.freqOff, d.beacon.phyMode
	d.beaconMu.Unlock()

	d.hwMu.Lock()
	delay, write := d.phy.freqCal.step(off, mode)
	freq := d.phy.freqCal.freq
	if write {
		d.trace("freq cal adjust", slog.Int("off", int(off)), slog.Int("freq", int(freq)))
		err := d.rfWrite(0, 12, freq)
		if err == nil {
			err = d.vcoCal()
		}
		if err != nil {
			d.logerr("freq cal write failed", errattr(err))
		}
	}
	d.hwMu.Unlock()

	if !d.removed.Load() {
		d.freqWork.queue(delay)
	}

	d.beaconMu.Lock()
	d.beacon.freqOff = freqOffsetInvalid
	d.beaconMu.Unlock()
}

// FreqCalOnOff starts crystal trimming against the beacons of bssid once
// associated and stops it on disassociation.
func (d *Device) FreqCalOnOff(assoc bool, bssid [6]byte) {
	if !assoc {
		d.freqWork.cancelSync()
	}
	d.beaconMu.Lock()
	d.beacon.bssid = bssid
	d.beacon.freqOff = freqOffsetInvalid
	d.beaconMu.Unlock()

	d.hwMu.Lock()
	d.phy.freqCal = freqCalState{
		enabled: assoc,
		freq:    d.ee.RfFreqOff,
	}
	d.hwMu.Unlock()

	if assoc {
		d.freqWork.queue(FreqCalInitDelay)
	}
}
