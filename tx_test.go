package mt7601u

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"testing"

	"github.com/soypat/mt7601u/mtwire"
)

func TestPktID(t *testing.T) {
	for rate := uint8(0); rate < 8; rate++ {
		id := EncodePktID(rate, false)
		if id == 0 || id > 15 {
			t.Fatalf("rate %d: id %d out of range", rate, id)
		}
		for eff := uint8(0); eff <= rate; eff++ {
			req, probe := DecodePktID(id, eff)
			if req != rate || probe {
				t.Errorf("rate %d eff %d: decoded (%d, %v)", rate, eff, req, probe)
			}
		}
		id = EncodePktID(rate, true)
		if id == 0 || id > 15 {
			t.Fatalf("probe rate %d: id %d out of range", rate, id)
		}
		req, probe := DecodePktID(id, rate)
		if req != rate || !probe {
			t.Errorf("probe rate %d: decoded (%d, %v)", rate, req, probe)
		}
	}
	if EncodePktID(7, true) != EncodePktID(0, true) {
		t.Error("MCS7 and MCS0 probes are expected to share an id")
	}
	if req, probe := DecodePktID(0, 3); req != 3 || probe {
		t.Errorf("id 0 must report the effective rate without retries, got (%d, %v)", req, probe)
	}
}

func TestTxOutcomeChain(t *testing.T) {
	for _, test := range []struct {
		name  string
		rate  Rate
		retry int
		want  [txMaxRates]TxRateEntry
	}{
		{
			name: "no retry",
			rate: Rate{Phy: mtwire.PhyHT, MCS: 4},
			want: [txMaxRates]TxRateEntry{{4, 1, TxRateMCS}, {-1, 0, 0}, {-1, 0, 0}, {-1, 0, 0}},
		},
		{
			name:  "two steps",
			rate:  Rate{Phy: mtwire.PhyHT, MCS: 3, SGI: true},
			retry: 2,
			want: [txMaxRates]TxRateEntry{
				{5, 1, TxRateMCS | TxRateShortGI}, {4, 1, TxRateMCS | TxRateShortGI},
				{3, 1, TxRateMCS | TxRateShortGI}, {-1, 0, 0},
			},
		},
		{
			name:  "chain overflow",
			rate:  Rate{Phy: mtwire.PhyHT, MCS: 1},
			retry: 5,
			want:  [txMaxRates]TxRateEntry{{6, 1, TxRateMCS}, {5, 1, TxRateMCS}, {4, 3, TxRateMCS}, {3, 1, TxRateMCS}},
		},
		{
			name:  "ofdm",
			rate:  Rate{Phy: mtwire.PhyOFDM, MCS: 2},
			retry: 1,
			want:  [txMaxRates]TxRateEntry{{7, 1, 0}, {6, 1, 0}, {-1, 0, 0}, {-1, 0, 0}},
		},
		{
			name:  "greenfield 40MHz",
			rate:  Rate{Phy: mtwire.PhyHTGF, MCS: 0, BW40: true},
			retry: 1,
			want: [txMaxRates]TxRateEntry{
				{1, 1, TxRateMCS | TxRateGreenField | TxRate40MHz},
				{0, 1, TxRateMCS | TxRateGreenField | TxRate40MHz}, {-1, 0, 0}, {-1, 0, 0},
			},
		},
	} {
		st := mtwire.TxStatus{Valid: true, Success: true, AckReq: true, WCID: 1, Rate: test.rate.Uint16()}
		out := txOutcome(st, test.retry, false)
		if out.Rates != test.want {
			t.Errorf("%s: want chain %v, got %v", test.name, test.want, out.Rates)
		}
		if !out.Acked || out.NoAck || out.Retry != test.retry {
			t.Errorf("%s: bad flags %+v", test.name, out)
		}
	}
}

func TestTxLayout(t *testing.T) {
	r := startRig(t, false)
	mgmt := make([]byte, 29)
	mgmt[0] = 0xd0 // Action.
	for i := 24; i < len(mgmt); i++ {
		mgmt[i] = byte(i)
	}
	err := r.d.Tx(mgmt, TxInfo{AC: ACMgmt})
	if err != nil {
		t.Fatal(err)
	}
	bufs := r.tr.pendingOut(EndpointHCCA)
	if len(bufs) != 1 {
		t.Fatalf("management frame not queued on the HCCA endpoint: %d", len(bufs))
	}
	buf := bufs[0]
	if len(buf) != 4+52+4 {
		t.Errorf("want 60 byte transfer, got %d", len(buf))
	}
	info := binary.LittleEndian.Uint32(buf)
	if got := mtwire.TXDInfoLen.Get(info); got != 52 {
		t.Errorf("want TXD length 52, got %d", got)
	}
	if got := mtwire.TXDInfoQSel.Get(info); got != mtwire.QSEL_MGMT {
		t.Errorf("want management queue select, got %d", got)
	}
	if info&mtwire.TXD_INFO_WIV == 0 || info&mtwire.TXD_INFO_80211 == 0 {
		t.Errorf("missing TXD flags: %#x", info)
	}
	txwi := mtwire.DecodeTXWI(buf[mtwire.TXD_INFO_LEN:])
	if txwi.WCID != 0xff || txwi.ByteCount() != len(mgmt) || txwi.PktID() != 1 {
		t.Errorf("bad TXWI: %+v", txwi)
	}
	if txwi.AckCtl&mtwire.TXWI_ACK_CTL_REQ == 0 {
		t.Error("ack not requested")
	}
	if !bytes.Equal(buf[24:24+len(mgmt)], mgmt) {
		t.Error("unpadded frame altered")
	}

	// QoS data needs 2 bytes of padding after its 26 byte header.
	qos := make([]byte, 32)
	qos[0] = 0x88
	for i := 26; i < len(qos); i++ {
		qos[i] = 0xa0 + byte(i)
	}
	sta := &Station{Idx: 5, HwKeyIdx: 1}
	if err := r.d.Tx(qos, TxInfo{AC: ACBE, Station: sta}); err != nil {
		t.Fatal(err)
	}
	bufs = r.tr.pendingOut(EndpointACBE)
	if len(bufs) != 1 {
		t.Fatal("data frame not queued on the BE endpoint")
	}
	buf = bufs[0]
	info = binary.LittleEndian.Uint32(buf)
	if got := mtwire.TXDInfoLen.Get(info); got != 56 {
		t.Errorf("want TXD length 56, got %d", got)
	}
	if got := mtwire.TXDInfoQSel.Get(info); got != mtwire.QSEL_EDCA || info&mtwire.TXD_INFO_WIV != 0 {
		t.Errorf("bad TXD info for keyed station: %#x", info)
	}
	p := buf[mtwire.TXD_INFO_LEN+mtwire.TXWI_LEN:]
	if !bytes.Equal(p[:26], qos[:26]) || p[26] != 0 || p[27] != 0 || !bytes.Equal(p[28:34], qos[26:]) {
		t.Errorf("bad padded layout: %x", p[:34])
	}

	r.tr.completeOut(EndpointACBE, nil)
	done := r.mac.txDone()
	if len(done) != 1 || done[0].ac != ACBE || !bytes.Equal(done[0].frame, qos) {
		t.Fatalf("completed frame not handed back intact: %+v", done)
	}
	if r.tr.mapped != 1 {
		t.Errorf("want only the management frame mapped, got %d", r.tr.mapped)
	}
	if st := r.d.Stats(); st.TxFrames != 1 {
		t.Errorf("want 1 transmitted frame, got %d", st.TxFrames)
	}
}

func TestTxRateSelection(t *testing.T) {
	r := startRig(t, false)
	sta := &Station{Idx: 2, HwKeyIdx: 0xff}
	frame := dataFrame(0, 4)
	sendRate := func() uint16 {
		t.Helper()
		if err := r.d.Tx(frame, TxInfo{AC: ACVO, Station: sta}); err != nil {
			t.Fatal(err)
		}
		buf := r.tr.completeOut(EndpointACVO, nil)
		return mtwire.DecodeTXWI(buf[mtwire.TXD_INFO_LEN:]).RateCtl
	}
	mcs6 := Rate{Phy: mtwire.PhyHT, MCS: 6}
	r.mac.mu.Lock()
	r.mac.rate, r.mac.rateOK = mcs6, true
	r.mac.mu.Unlock()
	if got := sendRate(); got != mcs6.Uint16() {
		t.Errorf("rate control choice not used: %#x", got)
	}
	fixed := Rate{Phy: mtwire.PhyOFDM, MCS: 2}
	r.d.SetStationRate(sta, fixed)
	if got := sendRate(); got != fixed.Uint16() {
		t.Errorf("fixed rate not used: %#x", got)
	}
	r.d.ClearStationRate(sta)
	r.mac.mu.Lock()
	r.mac.rateOK = false
	r.mac.mu.Unlock()
	if got := sendRate(); got != fixed.Uint16() {
		t.Errorf("want fallback to last fixed rate, got %#x", got)
	}
}

func TestTxAMPDU(t *testing.T) {
	d := New(nil, nil, nil, nil)
	sta := &Station{Idx: 1, AMPDUFactor: 2, AMPDUDensity: 5}
	txwi := d.txwi(sta, TxInfo{Station: sta, AMPDU: true}, 0, 100)
	if txwi.Flags&mtwire.TXWI_FLAGS_AMPDU == 0 || mtwire.TXWIFlagsMPDUDensity.Get(uint32(txwi.Flags)) != 5 {
		t.Errorf("bad aggregation flags: %#x", txwi.Flags)
	}
	if ba := mtwire.TXWIAckCtlBAWindow.Get(uint32(txwi.AckCtl)); ba != 7|32 {
		t.Errorf("want BA window 39, got %d", ba)
	}
	txwi = d.txwi(sta, TxInfo{Station: sta, AMPDU: true, Probe: true}, 0, 100)
	if txwi.Flags != 0 || mtwire.TXWIAckCtlBAWindow.Get(uint32(txwi.AckCtl)) != 7 {
		t.Errorf("probe must not be aggregated: flags %#x ackctl %#x", txwi.Flags, txwi.AckCtl)
	}
	if txwi.PktID() != EncodePktID(0, true) {
		t.Errorf("probe pktid %d", txwi.PktID())
	}
}

func TestTxQueueFull(t *testing.T) {
	r := startRig(t, false)
	frame := dataFrame(1, 10)
	for i := 0; i < 4; i++ {
		if err := r.d.Tx(frame, TxInfo{AC: ACVO}); err != nil {
			t.Fatal(err)
		}
	}
	if stops, _ := r.mac.queueEvents(); stops != 1 {
		t.Errorf("want queue stopped once when full, got %d", stops)
	}
	err := r.d.Tx(frame, TxInfo{AC: ACVO})
	if !errors.Is(err, ErrQueueFull) {
		t.Fatalf("want ErrQueueFull, got %v", err)
	}
	// Other queues are unaffected.
	if err := r.d.Tx(frame, TxInfo{AC: ACBK}); err != nil {
		t.Fatal(err)
	}
	r.tr.completeOut(EndpointACVO, nil)
	if _, wakes := r.mac.queueEvents(); wakes != 1 {
		t.Errorf("want queue woken once, got %d", wakes)
	}
	r.tr.completeOut(EndpointACVO, nil)
	if _, wakes := r.mac.queueEvents(); wakes != 1 {
		t.Errorf("queue woken while not full: %d", wakes)
	}
	if err := r.d.Tx(frame, TxInfo{AC: ACVO}); err != nil {
		t.Fatal(err)
	}
	if st := r.d.Stats(); st.TxErrors != 1 {
		t.Errorf("want 1 tx error, got %d", st.TxErrors)
	}
}

func TestTxSubmitFailure(t *testing.T) {
	r := startRig(t, false)
	frame := dataFrame(1, 10)
	r.tr.mu.Lock()
	r.tr.mapErr = errors.New("iommu")
	r.tr.mu.Unlock()
	err := r.d.Tx(frame, TxInfo{AC: ACBE})
	if !errors.Is(err, ErrMapping) {
		t.Errorf("want ErrMapping, got %v", err)
	}

	r.tr.mu.Lock()
	r.tr.mapErr = nil
	r.tr.submitOutErr = fmt.Errorf("%w: disconnected", ErrNoDevice)
	r.tr.mu.Unlock()
	err = r.d.Tx(frame, TxInfo{AC: ACBE})
	if !errors.Is(err, ErrSubmitFailed) || !errors.Is(err, ErrNoDevice) {
		t.Errorf("want ErrSubmitFailed wrapping ErrNoDevice, got %v", err)
	}
	if !r.d.Removed() {
		t.Error("device not marked removed")
	}
	if r.tr.mapped != 0 {
		t.Errorf("failed submission left %d mappings", r.tr.mapped)
	}
	if err := r.d.Tx(frame, TxInfo{AC: ACBE}); !errors.Is(err, ErrDeviceRemoved) {
		t.Errorf("want ErrDeviceRemoved, got %v", err)
	}
}

func TestTxCompletionMismatch(t *testing.T) {
	r := startRig(t, false)
	if err := r.d.Tx(dataFrame(1, 10), TxInfo{AC: ACVI}); err != nil {
		t.Fatal(err)
	}
	q := &r.d.txq[EndpointACVI]
	r.d.completeTx(q, &fakeXfer{}, nil)
	if len(r.mac.txDone()) != 0 {
		t.Error("mismatched completion retired a frame")
	}
	if r.log.count("tx transfer mismatch") != 1 {
		t.Error("mismatch not logged")
	}
	r.tr.completeOut(EndpointACVI, nil)
	if len(r.mac.txDone()) != 1 {
		t.Error("matching completion not processed")
	}
}

func TestTxStatusCollection(t *testing.T) {
	r := startRig(t, false)
	sta := &Station{Idx: 1, HwKeyIdx: 0xff}
	if err := r.d.AddStation(sta); err != nil {
		t.Fatal(err)
	}
	r.chip.pushTxStatus(mtwire.TxStatus{
		Valid: true, Success: true, AckReq: true,
		PktID: EncodePktID(5, false), WCID: 1,
		Rate: Rate{Phy: mtwire.PhyHT, MCS: 3}.Uint16(),
	})
	r.chip.pushTxStatus(mtwire.TxStatus{Valid: true, WCID: 9, PktID: 1})
	// Requested rate below the effective one.
	r.chip.pushTxStatus(mtwire.TxStatus{
		Valid: true, WCID: 1, PktID: EncodePktID(1, false),
		Rate: Rate{Phy: mtwire.PhyHT, MCS: 4}.Uint16(),
	})

	if err := r.d.Tx(dataFrame(0, 4), TxInfo{AC: ACBE, Station: sta}); err != nil {
		t.Fatal(err)
	}
	r.tr.completeOut(EndpointACBE, nil)
	waitFor(t, "status reports", func() bool { return len(r.mac.outcomes()) == 2 })
	waitFor(t, "unknown station counted", func() bool { return r.d.Stats().TxStatusUnknown == 1 })

	out := r.mac.outcomes()
	if out[0].Retry != 2 || !out[0].Acked || out[0].Probe || out[0].Rates[0].Idx != 5 {
		t.Errorf("bad first report: %+v", out[0])
	}
	if out[1].Retry != 0 || out[1].Success || out[1].Acked || !out[1].NoAck {
		t.Errorf("bad second report: %+v", out[1])
	}
	if r.log.count("tx status: negative retry count") != 1 {
		t.Error("negative retry not reported")
	}
	waitFor(t, "collector idle", func() bool {
		r.d.txMu.Lock()
		defer r.d.txMu.Unlock()
		return !r.d.readingStats
	})
	if st := r.d.Stats(); st.TxStatus != 3 {
		t.Errorf("want 3 status words read, got %d", st.TxStatus)
	}
	r.d.RemoveStation(1)
	if r.d.station(1) != nil {
		t.Error("station not removed")
	}
}

func TestConfTx(t *testing.T) {
	chip := newFakeChip()
	d := New(nil, chip, nil, nil)
	err := d.ConfTx(ACVO, TxQueueParams{AIFS: 2, CWMin: 3, CWMax: 7, TXOP: 47})
	if err != nil {
		t.Fatal(err)
	}
	// ACVO is hardware queue 3.
	want := uint32(47 | 2<<8 | 2<<12 | 3<<16)
	if got := chip.reg(mtwire.EDCA_CFG(3)); got != want {
		t.Errorf("EDCA_CFG(3): want %#x, got %#x", want, got)
	}
	if got := chip.reg(mtwire.WMM_TXOP(3)); got != 47<<16 {
		t.Errorf("WMM_TXOP: want %#x, got %#x", 47<<16, got)
	}
	if got := chip.reg(mtwire.WMM_AIFSN); got != 2<<12 {
		t.Errorf("WMM_AIFSN: got %#x", got)
	}
	if got := chip.reg(mtwire.WMM_CWMIN); got != 2<<12 {
		t.Errorf("WMM_CWMIN: got %#x", got)
	}
	if got := chip.reg(mtwire.WMM_CWMAX); got != 3<<12 {
		t.Errorf("WMM_CWMAX: got %#x", got)
	}

	err = d.ConfTx(ACBK, TxQueueParams{AIFS: 7, TXOP: 10})
	if err != nil {
		t.Fatal(err)
	}
	want = uint32(0x60 | 7<<8 | 5<<12 | 10<<16)
	if got := chip.reg(mtwire.EDCA_CFG(0)); got != want {
		t.Errorf("EDCA_CFG(0): want %#x, got %#x", want, got)
	}
	if got := chip.reg(mtwire.WMM_AIFSN); got != 2<<12|7 {
		t.Errorf("WMM_AIFSN not merged: %#x", got)
	}
	if err := d.ConfTx(ACMgmt, TxQueueParams{}); err == nil {
		t.Error("management queue has no EDCA parameters")
	}
}
