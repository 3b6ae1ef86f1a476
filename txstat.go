package mt7601u

import (
	"log/slog"

	"github.com/soypat/mt7601u/mtwire"
)

// txMaxRates is the length of the rate chain reported per frame.
const txMaxRates = 4

// TxRateFlags describe the encoding of a TX rate chain entry.
type TxRateFlags uint8

const (
	TxRateMCS TxRateFlags = 1 << iota
	TxRateGreenField
	TxRate40MHz
	TxRateShortGI
)

// TxRateEntry is one step of the rate chain a frame was attempted at.
type TxRateEntry struct {
	// Idx is the legacy bitrate or MCS index. -1 terminates the chain.
	Idx   int8
	Count uint8
	Flags TxRateFlags
}

// TxOutcome is a decoded hardware TX status report.
type TxOutcome struct {
	WCID  uint8
	PktID uint8
	// Success is set when the hardware reports the transmission succeeded.
	Success bool
	// Acked is set when an acknowledgement was required and received.
	Acked      bool
	NoAck      bool
	Probe      bool
	Aggregated bool
	// Retry is the number of rate steps taken below the requested rate.
	Retry int
	// Rate is the rate the frame was finally sent at.
	Rate  Rate
	Rates [txMaxRates]TxRateEntry
}

// txStat drains the TX status FIFO and reschedules itself while reports
// keep arriving.
func (d *Device) txStat() {
	cleaned := 0
	for !d.removed.Load() {
		v, err := d.rr(mtwire.TX_STAT_FIFO)
		if err != nil {
			d.logerrLimited("tx status read failed", errattr(err))
			break
		}
		st := mtwire.DecodeTxStatus(v)
		if !st.Valid {
			break
		}
		d.stats.txStatus.Add(1)
		d.txStatus(st)
		cleaned++
	}
	if cleaned > 0 {
		d.trace("tx status cleaned", slog.Int("n", cleaned))
	}

	d.txMu.Lock()
	defer d.txMu.Unlock()
	requeued := false
	switch {
	case cleaned > 0:
		requeued = d.statWork.queue(txStatInterval)
	case d.moreStats:
		d.moreStats = false
		requeued = d.statWork.queue(txStatMoreInterval)
	}
	if !requeued {
		d.readingStats = false
	}
}

func (d *Device) txStatus(st mtwire.TxStatus) {
	eff := uint8(st.Rate & 7)
	req, probe := DecodePktID(st.PktID, eff)
	retry := int(req) - int(eff)
	if retry < 0 {
		d.warn("tx status: negative retry count", slog.Int("pktid", int(st.PktID)), slog.Int("rate", int(st.Rate)), slog.Int("retry", retry))
		retry = 0
	}
	sta := d.station(st.WCID)
	if sta == nil {
		d.stats.txStatusUnkn.Add(1)
		d.debug("tx status dropped", slog.Int("wcid", int(st.WCID)), errattr(ErrStationUnknown))
		return
	}
	d.mac.TxStatus(sta, txOutcome(st, retry, probe))
}

// txOutcome builds the report of st. The hardware tries every rate once
// while stepping down, so the chain is reconstructed from the retry count.
func txOutcome(st mtwire.TxStatus, retry int, probe bool) TxOutcome {
	out := TxOutcome{
		WCID:       st.WCID,
		PktID:      st.PktID,
		Success:    st.Success,
		Acked:      st.AckReq && st.Success,
		NoAck:      !st.AckReq,
		Probe:      probe,
		Aggregated: st.Aggr,
		Retry:      retry,
		Rate:       mtwire.DecodeRate(st.Rate),
	}
	for i := range out.Rates {
		out.Rates[i].Idx = -1
	}
	idx, flags := txRateIndex(out.Rate)
	last := min(retry, txMaxRates-1)
	cur := idx + retry
	for i := 0; i <= last; i++ {
		out.Rates[i] = TxRateEntry{
			Idx:   int8(min(127, max(0, cur-i))),
			Count: 1,
			Flags: flags,
		}
	}
	if last > 0 {
		out.Rates[last-1].Count = uint8(retry + 1 - last)
	}
	return out
}

// txRateIndex returns the rate chain index and flags of a hardware rate.
func txRateIndex(r Rate) (idx int, flags TxRateFlags) {
	idx = int(r.MCS)
	switch r.Phy {
	case mtwire.PhyOFDM:
		return idx + 4, 0
	case mtwire.PhyCCK:
		if idx >= 8 {
			idx -= 8
		}
		return idx, 0
	case mtwire.PhyHTGF:
		flags |= TxRateGreenField
	}
	flags |= TxRateMCS
	if r.BW40 {
		flags |= TxRate40MHz
	}
	if r.SGI {
		flags |= TxRateShortGI
	}
	return idx, flags
}
