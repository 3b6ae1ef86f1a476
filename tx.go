package mt7601u

import (
	"encoding/binary"
	"errors"
	"log/slog"
	"math/bits"

	"github.com/soypat/mt7601u/mtwire"
)

var errShortFrame = errors.New("frame shorter than its 802.11 header")

// hardware queue and endpoint of the management queue.
const (
	hwqMgmt = 4
	epMgmt  = EndpointHCCA
)

// EncodePktID encodes the requested rate index and the rate control probe
// flag in the 4 bit TXWI packet id. Id 0 disables status reporting, so MCS7
// probes share id 9 with MCS0 probes.
func EncodePktID(rate uint8, probe bool) uint8 {
	id := rate + 1
	if probe {
		id += 8
		if rate == 7 {
			id -= 7
		}
	}
	return id
}

// DecodePktID recovers the requested rate index and probe flag of a TX
// status report. effRate is the rate index the frame was finally sent at and
// resolves the MCS0/MCS7 probe ambiguity.
func DecodePktID(pktid, effRate uint8) (reqRate uint8, probe bool) {
	if pktid == 0 {
		return effRate, false
	}
	reqRate = pktid - 1
	if reqRate > 7 {
		probe = true
		reqRate -= 8
		if reqRate == 0 && effRate != 0 {
			reqRate = 7
		}
	}
	return reqRate, probe
}

// txQueueOf maps an access category to its hardware queue and OUT endpoint.
func txQueueOf(ac AccessCategory) (hwq uint8, ep OutEndpoint, qsel uint32) {
	if ac == ACMgmt {
		return hwqMgmt, epMgmt, mtwire.QSEL_MGMT
	}
	hwq = uint8(ac) ^ 3
	return hwq, OutEndpoint(hwq + 1), mtwire.QSEL_EDCA
}

// Tx queues an 802.11 frame for transmission. frame is copied and may be
// reused once Tx returns. On success the frame is later handed back through
// MAC.TxDone without DMA overhead.
func (d *Device) Tx(frame []byte, info TxInfo) error {
	if !d.initialized.Load() {
		return errNotInitialized
	}
	if d.removed.Load() {
		return ErrDeviceRemoved
	}
	if info.AC > ACMgmt {
		d.warn("tx: invalid access category, using best effort", slog.Int("ac", int(info.AC)))
		info.AC = ACBE
	}
	_, ep, qsel := txQueueOf(info.AC)
	hdrLen := mtwire.HeaderLen(mtwire.FrameControl(frame))
	if len(frame) < hdrLen {
		return errShortFrame
	}
	sta := info.Station
	if sta == nil {
		sta = &d.monStation
	}
	rateCtl := d.txRate(sta, frame)

	pad := 0
	if hdrLen%4 != 0 {
		pad = 2
	}
	xferLen := mtwire.TXWI_LEN + pad + len(frame)
	buf := make([]byte, mtwire.TXD_INFO_LEN+int(alignup(uint(xferLen), 4))+4)

	txwi := d.txwi(sta, info, rateCtl, len(frame))
	txwi.Put(buf[mtwire.TXD_INFO_LEN:])
	payload := buf[mtwire.TXD_INFO_LEN+mtwire.TXWI_LEN:]
	copy(payload, frame[:hdrLen])
	copy(payload[hdrLen+pad:], frame[hdrLen:])

	flags := uint32(mtwire.TXD_INFO_80211) | mtwire.TXDInfoQSel.Set(qsel)
	if sta.HwKeyIdx == 0xff {
		flags |= mtwire.TXD_INFO_WIV
	}
	binary.LittleEndian.PutUint32(buf, mtwire.TXDInfo(xferLen, mtwire.DPORT_WLAN, mtwire.TXD_TYPE_DMA_PACKET, flags))

	err := d.kickOut(ep, buf, info.AC, len(frame))
	if err != nil {
		d.stats.txErrors.Add(1)
		return err
	}
	if d._traceenabled {
		d.trace("tx", slog.Int("ep", int(ep)), slog.Int("wcid", int(txwi.WCID)), slog.Int("len", len(frame)), slog.Int("pktid", int(txwi.PktID())))
	}
	return nil
}

// txRate returns the rate word frame is sent at: the station's fixed rate
// when set, otherwise the rate control choice falling back to the last
// fixed rate.
func (d *Device) txRate(sta *Station, frame []byte) uint16 {
	d.rateMu.Lock()
	set, cached := sta.txRateSet, sta.txRate
	d.rateMu.Unlock()
	if set {
		return cached
	}
	r, ok := d.mac.TxRate(sta, frame)
	if !ok {
		return cached
	}
	return r.Uint16()
}

func (d *Device) txwi(sta *Station, info TxInfo, rateCtl uint16, pktLen int) mtwire.TXWI {
	txwi := mtwire.TXWI{
		RateCtl: rateCtl,
		WCID:    sta.Idx,
	}
	if !info.NoAck {
		txwi.AckCtl |= mtwire.TXWI_ACK_CTL_REQ
	}
	if info.AssignSeq {
		txwi.AckCtl |= mtwire.TXWI_ACK_CTL_NSEQ
	}
	txwi.AckCtl |= uint8(mtwire.TXWIAckCtlBAWindow.Set(7))
	if info.AMPDU && info.Station != nil {
		ba := min(63, 8<<uint(sta.AMPDUFactor))
		if info.Probe {
			ba = 0
		}
		txwi.AckCtl |= uint8(mtwire.TXWIAckCtlBAWindow.Set(uint32(ba)))
		txwi.Flags = uint16(mtwire.TXWI_FLAGS_AMPDU | mtwire.TXWIFlagsMPDUDensity.Set(uint32(sta.AMPDUDensity)))
		if info.Probe {
			txwi.Flags = 0
		}
	}
	pktID := EncodePktID(uint8(rateCtl&7), info.Probe)
	txwi.LenCtl = uint16(mtwire.TXWILenByteCnt.Set(uint32(pktLen)) | mtwire.TXWILenPktID.Set(uint32(pktID)))
	return txwi
}

// kickOut maps buf and submits it on endpoint ep.
func (d *Device) kickOut(ep OutEndpoint, buf []byte, ac AccessCategory, pktLen int) error {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	q := &d.txq[ep]
	if len(q.e) == 0 {
		return errNotInitialized
	}
	if q.full() {
		return ErrQueueFull
	}
	slot := &q.e[q.end]
	m, err := d.tr.Map(buf)
	if err != nil {
		d.logerrLimited("tx dma mapping failed", errattr(err))
		return errjoin(ErrMapping, err)
	}
	slot.buf, slot.m, slot.ac, slot.pktLen = buf, m, ac, pktLen
	err = d.tr.SubmitOut(slot.t, ep, buf, q.done)
	if err != nil {
		d.tr.Unmap(m)
		slot.buf, slot.m = nil, nil
		if errors.Is(err, ErrNoDevice) {
			d.MarkRemoved()
		} else {
			d.logerrLimited("tx submit failed", slog.Int("ep", int(ep)), errattr(err))
		}
		return errjoin(ErrSubmitFailed, err)
	}
	q.end = (q.end + 1) % len(q.e)
	q.used++
	if q.full() {
		d.mac.StopQueue(ac)
	}
	return nil
}

// completeTx retires the oldest in flight frame of q.
func (d *Device) completeTx(q *txQueue, t Transfer, err error) {
	d.txMu.Lock()
	defer d.txMu.Unlock()
	if len(q.e) == 0 || q.e[q.start].t != t {
		d.logerrLimited("tx transfer mismatch", slog.Int("ep", int(q.ep)), errattr(ErrConsistency))
		return
	}
	slot := &q.e[q.start]
	if err != nil && !errors.Is(err, ErrTransferCancelled) {
		d.stats.txErrors.Add(1)
		d.checkRemoved(err)
		d.logerrLimited("tx transfer failed", slog.Int("ep", int(q.ep)), errattr(err))
	}
	d.tr.Unmap(slot.m)
	frame := txStripDMA(slot.buf, slot.pktLen)
	ac := slot.ac
	slot.buf, slot.m = nil, nil

	wake := q.full()
	q.start = (q.start + 1) % len(q.e)
	q.used--
	d.mac.TxDone(frame, ac)
	if wake {
		d.mac.WakeQueue(ac)
	}
	if err != nil {
		return
	}
	d.stats.txFrames.Add(1)
	d.moreStats = true
	if !d.readingStats && d.statWork.queue(txStatInterval) {
		d.readingStats = true
	}
}

// txStripDMA recovers the original frame from a wrapped TX buffer.
func txStripDMA(buf []byte, pktLen int) []byte {
	frame := buf[mtwire.TXD_INFO_LEN+mtwire.TXWI_LEN:]
	hl := mtwire.HeaderLen(mtwire.FrameControl(frame))
	if hl%4 != 0 && len(frame) >= hl+2 {
		copy(frame[2:hl+2], frame[:hl])
		frame = frame[2:]
	}
	return frame[:pktLen]
}

// TxQueueParams are the EDCA parameters of an access category. Zero CWMin
// and CWMax select the hardware defaults.
type TxQueueParams struct {
	AIFS  uint8
	CWMin uint16
	CWMax uint16
	// TXOP is the transmit opportunity limit in units of 32us.
	TXOP uint16
}

// ConfTx programs the EDCA parameters of access category ac.
func (d *Device) ConfTx(ac AccessCategory, p TxQueueParams) error {
	if ac >= numACs {
		return errors.New("invalid access category")
	}
	hwq := uint8(ac) ^ 3
	cwMin, cwMax := uint32(5), uint32(10)
	if p.CWMin != 0 {
		cwMin = uint32(bits.Len16(p.CWMin))
	}
	if p.CWMax != 0 {
		cwMax = uint32(bits.Len16(p.CWMax))
	}
	if p.TXOP > 0xff || p.AIFS > 0xf || cwMin > 0xf || cwMax > 0xf {
		d.warn("ConfTx: parameter out of range", slog.Int("txop", int(p.TXOP)), slog.Int("aifs", int(p.AIFS)),
			slog.Int("cwmin", int(cwMin)), slog.Int("cwmax", int(cwMax)))
	}
	d.debug("ConfTx", slog.String("ac", ac.String()), slog.Int("hwq", int(hwq)))
	val := mtwire.EDCAAifsn.Set(uint32(p.AIFS)) | mtwire.EDCACwMin.Set(cwMin) | mtwire.EDCACwMax.Set(cwMax)
	if hwq == 0 {
		val |= 0x60
	} else {
		val |= mtwire.EDCATxop.Set(uint32(p.TXOP))
	}
	err := d.wr(mtwire.EDCA_CFG(hwq), val)
	if err != nil {
		return err
	}
	txop := mtwire.WMMTxopField(hwq)
	nib := mtwire.WMMNibble(hwq)
	for _, rw := range [...]struct {
		addr uint32
		f    mtwire.Field
		v    uint32
	}{
		{addr: mtwire.WMM_TXOP(hwq), f: txop, v: uint32(p.TXOP)},
		{addr: mtwire.WMM_AIFSN, f: nib, v: uint32(p.AIFS)},
		{addr: mtwire.WMM_CWMIN, f: nib, v: cwMin},
		{addr: mtwire.WMM_CWMAX, f: nib, v: cwMax},
	} {
		_, err = d.rmw(rw.addr, rw.f.Mask(), rw.f.Set(rw.v))
		if err != nil {
			return err
		}
	}
	return nil
}
