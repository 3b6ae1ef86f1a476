package mt7601u

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"

	"github.com/soypat/mt7601u/mtwire"
)

var (
	errSegZero       = fmt.Errorf("%w: zero segment length", ErrCorruption)
	errSegOverrun    = fmt.Errorf("%w: segment exceeds buffer", ErrCorruption)
	errSegMisaligned = fmt.Errorf("%w: unaligned segment length", ErrCorruption)
)

// RxStatus describes a received frame.
type RxStatus struct {
	WCID uint8
	// Signal is the received signal strength in dBm.
	Signal  int
	Channel uint8
	// Freq is the center frequency of the channel in MHz.
	Freq int
	// Rate is the raw hardware rate the frame was received at.
	Rate Rate
	// RateIdx is the legacy bitrate index (CCK 0..3, OFDM 4..11) or the
	// MCS index when HT is set.
	RateIdx       uint8
	HT            bool
	GreenField    bool
	ShortPreamble bool
	ShortGI       bool
	BW40          bool
	STBC          uint8
	// Decrypted is set when the hardware decrypted the frame and stripped
	// the IV, ICV and MIC.
	Decrypted bool
	AMPDU     bool
	RxInfo    uint32
}

type beaconState struct {
	bssid   [6]byte
	freqOff int8
	phyMode mtwire.PhyType
	// avgRSSI is a moving average of the signal of our beacons and unicast
	// frames addressed to us.
	avgRSSI    int
	rssiSeeded bool
}

func (b *beaconState) addRSSI(rssi int) {
	if !b.rssiSeeded {
		b.avgRSSI = rssi
		b.rssiSeeded = true
		return
	}
	b.avgRSSI = (b.avgRSSI*15 + rssi) / 16
}

// AverageRSSI returns the averaged signal strength of frames from the
// associated BSS in dBm and whether any has been received.
func (d *Device) AverageRSSI() (int, bool) {
	d.beaconMu.Lock()
	defer d.beaconMu.Unlock()
	return d.beacon.avgRSSI, d.beacon.rssiSeeded
}

// rxTasklet drains completed receive buffers in completion order.
func (d *Device) rxTasklet() {
	for {
		e := d.rxPendingEntry()
		if e == nil {
			return
		}
		if e.err != nil {
			if errors.Is(e.err, ErrTransferCancelled) {
				continue // Queue is going away.
			}
			d.stats.rxErrors.Add(1)
			d.checkRemoved(e.err)
			d.logerrLimited("rx transfer failed", errattr(e.err))
			if d.removed.Load() {
				continue
			}
			d.submitRxBuf(e)
			continue
		}
		d.rxProcessEntry(e)
		d.submitRxBuf(e)
	}
}

func (d *Device) rxProcessEntry(e *dmaBuf) {
	if !d.initialized.Load() {
		return
	}
	data := e.buf[:e.n]
	cnt := 0
	for {
		n, err := nextSegLen(data)
		if err != nil {
			d.stats.rxCorrupt.Add(1)
			d.logerrLimited("rx aggregate dropped", slog.Int("seg", cnt), slog.Int("remaining", len(data)), errattr(err))
			break
		}
		if n == 0 {
			break
		}
		d.rxProcessSeg(data[:n])
		data = data[n:]
		cnt++
	}
	if cnt > 1 {
		d.trace("rx aggregate", slog.Int("segs", cnt))
	}
}

// nextSegLen returns the total length of the segment at the start of data
// including DMA overhead, 0 when no further segment fits, or an error wrapping
// ErrCorruption when the segment header is invalid.
func nextSegLen(data []byte) (int, error) {
	if len(data) < mtwire.MIN_SEG_LEN {
		return 0, nil
	}
	n := int(mtwire.SegmentLen(data))
	switch {
	case n == 0:
		return 0, errSegZero
	case n+mtwire.DMA_HDRS > len(data):
		return 0, errSegOverrun
	case !isaligned(uint(n), 4):
		return 0, errSegMisaligned
	}
	return n + mtwire.DMA_HDRS, nil
}

func (d *Device) rxProcessSeg(seg []byte) {
	fce := binary.LittleEndian.Uint32(seg[len(seg)-mtwire.FCE_INFO_LEN:])
	if int(mtwire.FCEInfoLen(fce)) != len(seg)-mtwire.DMA_HDRS {
		d.logerrLimited("rx dma length does not match fce length",
			slog.Int("dma", len(seg)-mtwire.DMA_HDRS), slog.Int("fce", int(mtwire.FCEInfoLen(fce))))
	}
	body := seg[mtwire.DMA_HDR_LEN : len(seg)-mtwire.FCE_INFO_LEN]
	rxwi, err := mtwire.DecodeRXWI(body)
	if err != nil {
		d.stats.rxCorrupt.Add(1)
		d.logerrLimited("rx segment too short", slog.Int("len", len(body)))
		return
	}
	frame := body[mtwire.RXWI_LEN:]
	trace := d._traceenabled
	if trace {
		d.trace("rx", slog.Int("wcid", int(rxwi.WCID())), slog.String("info", hex32(rxwi.RxInfo)), slog.Int("len", len(frame)))
	}

	n := int(mtwire.RXWICtlMPDULen.Get(rxwi.Ctl))
	pad := 0
	if rxwi.RxInfo&mtwire.RXINFO_L2PAD != 0 {
		pad = 2
	}
	if n < 10 || n+pad > len(frame) {
		d.stats.rxRejected.Add(1)
		return
	}
	out := make([]byte, n)
	if pad != 0 {
		hdr := min(mtwire.HeaderLen(mtwire.FrameControl(frame)), n)
		copy(out, frame[:hdr])
		copy(out[hdr:], frame[hdr+pad:n+pad])
	} else {
		copy(out, frame[:n])
	}

	st := d.rxStatus(rxwi)
	d.rxMonitor(out, rxwi, st.Signal)
	err = d.mac.ProcessRx(out, st)
	if err != nil {
		d.stats.rxRejected.Add(1)
		return
	}
	d.stats.rxFrames.Add(1)
}

func (d *Device) rxStatus(rxwi mtwire.RXWI) RxStatus {
	st := RxStatus{
		WCID:      rxwi.WCID(),
		Signal:    d.rxRSSI(rxwi),
		Rate:      mtwire.DecodeRate(rxwi.Rate),
		Decrypted: rxwi.RxInfo&mtwire.RXINFO_DECRYPT != 0,
		AMPDU:     rxwi.RxInfo&mtwire.RXINFO_AMPDU != 0,
		RxInfo:    rxwi.RxInfo,
	}
	if ch := d.rxChan.Load(); ch != nil {
		st.Channel = ch.Number
		st.Freq = ch.Freq()
	}
	rxRate(&st, st.Rate)
	return st
}

// rxRate fills the rate index and encoding flags of st from r.
func rxRate(st *RxStatus, r Rate) {
	idx := r.MCS
	switch r.Phy {
	case mtwire.PhyOFDM:
		if idx >= 8 {
			idx = 0
		}
		st.RateIdx = idx + 4
		return
	case mtwire.PhyCCK:
		if idx >= 8 {
			idx -= 8
			st.ShortPreamble = true
		}
		if idx >= 4 {
			idx = 0
		}
		st.RateIdx = idx
		return
	case mtwire.PhyHTGF:
		st.GreenField = true
	}
	st.HT = true
	st.RateIdx = idx
	st.ShortGI = r.SGI
	st.STBC = r.STBC
	st.BW40 = r.BW40
}

// Gain of the main and auxiliary LNA indexed by bandwidth and LNA id.
var lnaGain = [2][2][3]int8{
	{{-2, 15, 33}, {0, 16, 34}},
	{{-2, 15, 33}, {-2, 16, 34}},
}

// rxRSSI converts the RXWI gain readings to dBm.
func (d *Device) rxRSSI(rxwi mtwire.RXWI) int {
	bw := 0
	if rxwi.Rate&mtwire.RATE_BW != 0 {
		bw = 1
	}
	aux := 0
	if rxwi.Ant&mtwire.RXWI_ANT_AUX_LNA != 0 {
		aux = 1
	}
	lnaID := mtwire.RXWIGainRSSILNAID.Get(uint32(rxwi.Gain))
	if lnaID != 0 {
		lnaID-- // Valid ids are 0, 2 and 3.
	}
	val := 8
	val -= int(lnaGain[aux][bw][lnaID])
	val -= int(mtwire.RXWIGainRSSIVal.Get(uint32(rxwi.Gain)))
	val -= int(d.ee.LNAGain)
	val -= int(d.ee.RSSIOffset[0])
	return val
}

// rxMonitor tracks the beacons of the associated BSS and the signal of
// frames addressed to us.
func (d *Device) rxMonitor(frame []byte, rxwi mtwire.RXWI, rssi int) {
	fc := mtwire.FrameControl(frame)
	d.beaconMu.Lock()
	defer d.beaconMu.Unlock()
	if mtwire.IsBeacon(fc) && bytes.Equal(mtwire.Addr2(frame), d.beacon.bssid[:]) {
		d.beacon.freqOff = rxwi.FreqOff
		d.beacon.phyMode = mtwire.PhyType(mtwire.RatePhy.Get(uint32(rxwi.Rate)))
		d.beacon.addRSSI(rssi)
	} else if rxwi.RxInfo&mtwire.RXINFO_U2M != 0 {
		d.beacon.addRSSI(rssi)
	}
}
