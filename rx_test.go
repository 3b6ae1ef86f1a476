package mt7601u

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/soypat/mt7601u/mtwire"
)

func TestRxInOrder(t *testing.T) {
	r := startRig(t, false)
	if got := r.tr.inflightIn(); got != 4 {
		t.Fatalf("want 4 receive transfers in flight, got %d", got)
	}
	const frames = 11
	for i := 0; i < frames; i++ {
		waitFor(t, "a free receive transfer", func() bool { return r.tr.inflightIn() > 0 })
		f := dataFrame(byte(i), 8)
		r.tr.completeIn(rxSeg(rxwiFor(len(f)), f), nil)
	}
	waitFor(t, "all frames", func() bool { return len(r.mac.received()) == frames })
	for i, rec := range r.mac.received() {
		if rec.frame[24] != byte(i) {
			t.Errorf("frame %d delivered out of order: tag %d", i, rec.frame[24])
		}
		if len(rec.frame) != 32 {
			t.Errorf("frame %d: want length 32, got %d", i, len(rec.frame))
		}
	}
	waitFor(t, "buffers resubmitted", func() bool { return r.tr.inflightIn() == 4 })
	if st := r.d.Stats(); st.RxFrames != frames {
		t.Errorf("want %d frames counted, got %d", frames, st.RxFrames)
	}
}

func TestRxAggregate(t *testing.T) {
	r := startRig(t, false)
	var buf []byte
	for i := 0; i < 3; i++ {
		f := dataFrame(byte(10+i), 5+i)
		buf = append(buf, rxSeg(rxwiFor(len(f)), f)...)
	}
	r.tr.completeIn(buf, nil)
	waitFor(t, "aggregated frames", func() bool { return len(r.mac.received()) == 3 })
	for i, rec := range r.mac.received() {
		if len(rec.frame) != 24+5+i || rec.frame[24] != byte(10+i) {
			t.Errorf("segment %d decoded wrong: len=%d tag=%d", i, len(rec.frame), rec.frame[24])
		}
	}
}

func TestRxCorruptAggregate(t *testing.T) {
	r := startRig(t, false)
	f := dataFrame(1, 8)
	buf := rxSeg(rxwiFor(len(f)), f)
	bad := rxSeg(rxwiFor(len(f)), f)
	mtwire.PutSegmentHeader(bad, 0)
	buf = append(buf, bad...)
	buf = append(buf, rxSeg(rxwiFor(len(f)), f)...)
	r.tr.completeIn(buf, nil)
	waitFor(t, "corruption counted", func() bool { return r.d.Stats().RxCorrupt == 1 })
	waitFor(t, "buffer resubmitted", func() bool { return r.tr.inflightIn() == 4 })
	if got := len(r.mac.received()); got != 1 {
		t.Errorf("want only the segment before the corruption delivered, got %d frames", got)
	}
}

func TestNextSegLen(t *testing.T) {
	seg := func(n uint16, total int) []byte {
		b := make([]byte, total)
		mtwire.PutSegmentHeader(b, n)
		return b
	}
	for _, test := range []struct {
		name string
		data []byte
		want int
		err  error
	}{
		{name: "empty", data: nil, want: 0},
		{name: "below minimum", data: seg(40, mtwire.MIN_SEG_LEN-1), want: 0},
		{name: "exact", data: seg(40, 48), want: 48},
		{name: "trailing", data: seg(40, 100), want: 48},
		{name: "zero", data: seg(0, 100), err: errSegZero},
		{name: "overrun", data: seg(96, 100), err: errSegOverrun},
		{name: "misaligned", data: seg(42, 100), err: errSegMisaligned},
	} {
		got, err := nextSegLen(test.data)
		if !errors.Is(err, test.err) {
			t.Errorf("%s: want error %v, got %v", test.name, test.err, err)
		}
		if err != nil && !errors.Is(err, ErrCorruption) {
			t.Errorf("%s: error %v does not wrap ErrCorruption", test.name, err)
		}
		if got != test.want {
			t.Errorf("%s: want %d, got %d", test.name, test.want, got)
		}
	}
}

func TestRxTransferError(t *testing.T) {
	r := startRig(t, false)
	r.tr.completeIn(nil, fmt.Errorf("%w: crc", ErrTransport))
	waitFor(t, "error counted", func() bool { return r.d.Stats().RxErrors == 1 })
	waitFor(t, "buffer resubmitted", func() bool { return r.tr.inflightIn() == 4 })
	if r.d.Removed() {
		t.Error("transport error must not remove the device")
	}
}

func TestRxNoDevice(t *testing.T) {
	r := startRig(t, false)
	r.tr.completeIn(nil, ErrNoDevice)
	waitFor(t, "device removed", r.d.Removed)
	waitFor(t, "error counted", func() bool { return r.d.Stats().RxErrors == 1 })
	time.Sleep(10 * time.Millisecond)
	if got := r.tr.inflightIn(); got != 3 {
		t.Errorf("buffer resubmitted after removal: %d in flight", got)
	}
}

func TestRxL2Pad(t *testing.T) {
	r := startRig(t, false)
	// QoS data: 26 byte header followed by 2 bytes of padding.
	hdr := make([]byte, 26)
	hdr[0] = 0x88
	hdr[24] = 0x05
	body := []byte{1, 2, 3, 4, 5, 6}
	wire := append(append(append([]byte{}, hdr...), 0xee, 0xee), body...)
	rxwi := rxwiFor(len(hdr) + len(body))
	rxwi.RxInfo = mtwire.RXINFO_L2PAD | mtwire.RXINFO_DECRYPT
	r.tr.completeIn(rxSeg(rxwi, wire), nil)
	waitFor(t, "frame", func() bool { return len(r.mac.received()) == 1 })
	rec := r.mac.received()[0]
	want := append(append([]byte{}, hdr...), body...)
	if !bytes.Equal(rec.frame, want) {
		t.Errorf("padding not removed:\nwant %x\ngot  %x", want, rec.frame)
	}
	if !rec.st.Decrypted {
		t.Error("decrypt flag not reported")
	}
}

func TestRxRejectsShortMPDU(t *testing.T) {
	r := startRig(t, false)
	f := []byte{0xd4, 0, 0, 0, 1, 2, 3, 4, 5}
	r.tr.completeIn(rxSeg(rxwiFor(len(f)), f), nil)
	// MPDU length larger than the segment.
	g := dataFrame(0, 4)
	r.tr.completeIn(rxSeg(rxwiFor(len(g)+40), g), nil)
	waitFor(t, "rejections", func() bool { return r.d.Stats().RxRejected == 2 })
	if n := len(r.mac.received()); n != 0 {
		t.Errorf("want no frames delivered, got %d", n)
	}
}

func TestRxStatus(t *testing.T) {
	r := startRig(t, false)
	f := dataFrame(0, 4)
	rxwi := rxwiFor(len(f))
	rxwi.Ctl = mtwire.RXWICtlWCID.Replace(rxwi.Ctl, 3)
	rxwi.Rate = Rate{Phy: mtwire.PhyHT, MCS: 5, SGI: true, BW40: true}.Uint16()
	rxwi.Gain = uint8(mtwire.RXWIGainRSSIVal.Set(20) | mtwire.RXWIGainRSSILNAID.Set(2))
	rxwi.RxInfo = mtwire.RXINFO_U2M
	r.tr.completeIn(rxSeg(rxwi, f), nil)
	waitFor(t, "frame", func() bool { return len(r.mac.received()) == 1 })
	st := r.mac.received()[0].st
	if st.WCID != 3 {
		t.Errorf("want wcid 3, got %d", st.WCID)
	}
	if !st.HT || st.RateIdx != 5 || !st.ShortGI || !st.BW40 {
		t.Errorf("bad rate decode: %+v", st)
	}
	// 8 - lnaGain[main][bw40][id 1] - rssi - LNAGain - RSSIOffset.
	wantSignal := 8 - 16 - 20 - 4 - 0
	if st.Signal != wantSignal {
		t.Errorf("want signal %d, got %d", wantSignal, st.Signal)
	}
	rssi, seen := r.d.AverageRSSI()
	if !seen || rssi != wantSignal {
		t.Errorf("frame addressed to us did not seed average rssi: %d %v", rssi, seen)
	}
}

func TestRxLegacyRate(t *testing.T) {
	for _, test := range []struct {
		r         Rate
		idx       uint8
		shortPrea bool
	}{
		{r: Rate{Phy: mtwire.PhyCCK, MCS: 2}, idx: 2},
		{r: Rate{Phy: mtwire.PhyCCK, MCS: 9}, idx: 1, shortPrea: true},
		{r: Rate{Phy: mtwire.PhyCCK, MCS: 5}, idx: 0},
		{r: Rate{Phy: mtwire.PhyOFDM, MCS: 3}, idx: 7},
		{r: Rate{Phy: mtwire.PhyOFDM, MCS: 9}, idx: 4},
	} {
		var st RxStatus
		rxRate(&st, test.r)
		if st.RateIdx != test.idx || st.ShortPreamble != test.shortPrea || st.HT {
			t.Errorf("%+v: want idx %d short %v, got %+v", test.r, test.idx, test.shortPrea, st)
		}
	}
}

func TestRxBeaconTracking(t *testing.T) {
	r := startRig(t, false)
	bssid := [6]byte{2, 0, 0, 0, 0, 1}
	r.d.FreqCalOnOff(true, bssid)
	if !r.d.freqWork.isPending() {
		t.Error("frequency calibration not scheduled on association")
	}
	other := beaconFrame([6]byte{2, 0, 0, 0, 0, 9})
	rxwi := rxwiFor(len(other))
	rxwi.FreqOff = 33
	r.tr.completeIn(rxSeg(rxwi, other), nil)

	ours := beaconFrame(bssid)
	rxwi = rxwiFor(len(ours))
	rxwi.FreqOff = -12
	rxwi.Rate = Rate{Phy: mtwire.PhyOFDM}.Uint16()
	r.tr.completeIn(rxSeg(rxwi, ours), nil)
	waitFor(t, "beacons", func() bool { return len(r.mac.received()) == 2 })

	r.d.beaconMu.Lock()
	off, mode := r.d.beacon.freqOff, r.d.beacon.phyMode
	r.d.beaconMu.Unlock()
	if off != -12 || mode != mtwire.PhyOFDM {
		t.Errorf("want offset -12 OFDM from our beacon, got %d %v", off, mode)
	}
	r.d.FreqCalOnOff(false, bssid)
	if r.d.freqWork.isPending() {
		t.Error("frequency calibration still scheduled after disassociation")
	}
}

func TestCloseCancelsTransfers(t *testing.T) {
	r := newTestRig()
	err := r.d.Init(testConfig(r.log, false))
	if err != nil {
		t.Fatal(err)
	}
	frame := dataFrame(7, 16)
	for i := 0; i < 3; i++ {
		if err := r.d.Tx(frame, TxInfo{AC: ACVI}); err != nil {
			t.Fatal(err)
		}
	}
	if err := r.d.Close(); err != nil {
		t.Fatal(err)
	}
	if n := r.tr.inflightIn(); n != 0 {
		t.Errorf("%d receive transfers still in flight", n)
	}
	if n := len(r.tr.pendingOut(EndpointACVI)); n != 0 {
		t.Errorf("%d transmit transfers still in flight", n)
	}
	if r.tr.liveBufs != 0 || r.tr.mapped != 0 {
		t.Errorf("leaked buffers: %d allocated, %d mapped", r.tr.liveBufs, r.tr.mapped)
	}
	if r.tr.created != r.tr.freed {
		t.Errorf("created %d transfers, freed %d", r.tr.created, r.tr.freed)
	}
	if done := r.mac.txDone(); len(done) != 3 {
		t.Errorf("want 3 cancelled frames handed back, got %d", len(done))
	}
	if n := len(r.mac.received()); n != 0 {
		t.Errorf("cancelled receives delivered %d frames", n)
	}
	if r.log.count("tx queue busy after kill") != 0 {
		t.Error("queue reported busy after its transfers were cancelled")
	}
	if !errors.Is(r.d.Close(), errNotInitialized) {
		t.Error("second Close should fail")
	}
}

func TestInitAllocFailure(t *testing.T) {
	r := newTestRig()
	r.tr.allocFail = 3
	err := r.d.Init(testConfig(r.log, false))
	if !errors.Is(err, ErrOutOfMemory) {
		t.Fatalf("want ErrOutOfMemory, got %v", err)
	}
	if r.tr.liveBufs != 0 {
		t.Errorf("%d receive buffers leaked", r.tr.liveBufs)
	}
	if r.tr.created != r.tr.freed {
		t.Errorf("created %d transfers, freed %d", r.tr.created, r.tr.freed)
	}
	if err := r.d.Tx(dataFrame(0, 1), TxInfo{}); !errors.Is(err, errNotInitialized) {
		t.Errorf("Tx after failed Init: %v", err)
	}
}

func TestRxFCELengthMismatchLogged(t *testing.T) {
	r := startRig(t, false)
	f := dataFrame(3, 8)
	seg := rxSeg(rxwiFor(len(f)), f)
	binary.LittleEndian.PutUint32(seg[len(seg)-mtwire.FCE_INFO_LEN:], 4)
	r.tr.completeIn(seg, nil)
	waitFor(t, "frame", func() bool { return len(r.mac.received()) == 1 })
	if r.log.count("rx dma length does not match fce length") != 1 {
		t.Error("fce length mismatch not logged")
	}
}

func TestRxHeaderOverrunsTransfer(t *testing.T) {
	r := startRig(t, false)
	f := dataFrame(5, 8)
	seg := rxSeg(rxwiFor(len(f)), f)
	// Header claims more bytes than the transfer carried.
	mtwire.PutSegmentHeader(seg, uint16(len(seg)+100))
	r.tr.completeIn(seg, nil)
	waitFor(t, "corruption counted", func() bool { return r.d.Stats().RxCorrupt == 1 })
	waitFor(t, "buffer resubmitted", func() bool { return r.tr.inflightIn() == 4 })
	if n := len(r.mac.received()); n != 0 {
		t.Errorf("want no frames delivered, got %d", n)
	}
	if n := r.log.count("rx aggregate dropped"); n != 1 {
		t.Errorf("want one corruption diagnostic, got %d", n)
	}
	if st := r.d.Stats(); st.RxFrames != 0 || st.RxErrors != 0 {
		t.Errorf("unexpected counters %+v", st)
	}
}

// rxQueueState checks the receive ring accounting under the ring lock.
func rxQueueState(t *testing.T, d *Device, step string) {
	t.Helper()
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	q := &d.rxq
	if !q.consistent() {
		t.Errorf("%s: pending %d disagrees with start %d end %d", step, q.pending, q.start, q.end)
	}
}

func TestRxQueueAccounting(t *testing.T) {
	r := startRig(t, false)
	delivered := 0
	for round := 0; round < 3; round++ {
		// Complete every buffer so the ring wraps and passes through full.
		for i := 0; i < 4; i++ {
			f := dataFrame(byte(i), 4)
			if !r.tr.completeIn(rxSeg(rxwiFor(len(f)), f), nil) {
				t.Fatalf("round %d: no receive transfer in flight", round)
			}
			rxQueueState(t, r.d, fmt.Sprintf("round %d completion %d", round, i))
		}
		delivered += 4
		waitFor(t, "drain", func() bool { return len(r.mac.received()) == delivered })
		waitFor(t, "buffers resubmitted", func() bool { return r.tr.inflightIn() == 4 })
		rxQueueState(t, r.d, fmt.Sprintf("round %d drained", round))
	}
	if n := r.log.count("rx queue corrupted"); n != 0 {
		t.Errorf("consistent ring reported corrupted %d times", n)
	}
}

func TestRxQueueCorruptWarnsOnce(t *testing.T) {
	log := &logRecorder{}
	d := New(&fakeTransport{}, newFakeChip(), &fakeFirmware{}, &fakeMAC{})
	d.logger = slog.New(log)
	d.rxq = rxQueue{e: make([]dmaBuf, 4), start: 0, end: 2, pending: 1}
	if d.rxPendingEntry() == nil {
		t.Fatal("pending buffer not returned")
	}
	if d.rxPendingEntry() != nil {
		t.Fatal("buffer returned with nothing pending")
	}
	if n := log.count("rx queue corrupted"); n != 1 {
		t.Fatalf("want a single warning for one episode, got %d", n)
	}
	if d.rxq.start != 1 || d.rxq.end != 2 || d.rxq.pending != 0 {
		t.Errorf("ring indices changed by the diagnosis: %+v", d.rxq)
	}

	// Recover, then break the accounting again.
	d.rxMu.Lock()
	d.rxq.start, d.rxq.end = 2, 2
	d.rxCheckQueue()
	d.rxq.pending = 2
	d.rxMu.Unlock()
	d.rxPendingEntry()
	if n := log.count("rx queue corrupted"); n != 2 {
		t.Errorf("want a new warning for a new episode, got %d", n)
	}

	for _, test := range []struct {
		q    rxQueue
		want bool
	}{
		{rxQueue{e: make([]dmaBuf, 4), start: 1, end: 1, pending: 0}, true},
		{rxQueue{e: make([]dmaBuf, 4), start: 1, end: 1, pending: 4}, true},
		{rxQueue{e: make([]dmaBuf, 4), start: 3, end: 1, pending: 2}, true},
		{rxQueue{e: make([]dmaBuf, 4), start: 3, end: 1, pending: 3}, false},
		{rxQueue{e: make([]dmaBuf, 4), start: 1, end: 1, pending: 2}, false},
	} {
		if got := test.q.consistent(); got != test.want {
			t.Errorf("start %d end %d pending %d: want %v", test.q.start, test.q.end, test.q.pending, test.want)
		}
	}
}
