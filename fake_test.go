package mt7601u

import (
	"context"
	"encoding/binary"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/soypat/mt7601u/mtwire"
)

var errPoisoned = errors.New("transfer poisoned")

type fakeXfer struct {
	id       int
	poisoned bool
	inflight bool
	buf      []byte
	done     CompletionFunc
}

// fakeTransport keeps submitted transfers in flight until the test completes
// them in submission order.
type fakeTransport struct {
	mu           sync.Mutex
	created      int
	freed        int
	allocs       int
	liveBufs     int
	allocFail    int
	mapped       int
	mapErr       error
	submitOutErr error
	in           []*fakeXfer
	out          [numOutEndpoints][]*fakeXfer
}

func (tr *fakeTransport) NewTransfer() (Transfer, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.created++
	return &fakeXfer{id: tr.created}, nil
}

func (tr *fakeTransport) FreeTransfer(Transfer) {
	tr.mu.Lock()
	tr.freed++
	tr.mu.Unlock()
}

func (tr *fakeTransport) Alloc(size int) ([]byte, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.allocs++
	if tr.allocs == tr.allocFail {
		return nil, errors.New("alloc failed")
	}
	tr.liveBufs++
	return make([]byte, size), nil
}

func (tr *fakeTransport) Free([]byte) {
	tr.mu.Lock()
	tr.liveBufs--
	tr.mu.Unlock()
}

func (tr *fakeTransport) Map(b []byte) (Mapping, error) {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.mapErr != nil {
		return nil, tr.mapErr
	}
	tr.mapped++
	return new(int), nil
}

func (tr *fakeTransport) Unmap(Mapping) {
	tr.mu.Lock()
	tr.mapped--
	tr.mu.Unlock()
}

func (tr *fakeTransport) SubmitIn(t Transfer, ep InEndpoint, buf []byte, done CompletionFunc) error {
	x := t.(*fakeXfer)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if x.poisoned {
		return errPoisoned
	}
	x.inflight, x.buf, x.done = true, buf, done
	tr.in = append(tr.in, x)
	return nil
}

func (tr *fakeTransport) SubmitOut(t Transfer, ep OutEndpoint, buf []byte, done CompletionFunc) error {
	x := t.(*fakeXfer)
	tr.mu.Lock()
	defer tr.mu.Unlock()
	if tr.submitOutErr != nil {
		return tr.submitOutErr
	}
	if x.poisoned {
		return errPoisoned
	}
	x.inflight, x.buf, x.done = true, buf, done
	tr.out[ep] = append(tr.out[ep], x)
	return nil
}

func (tr *fakeTransport) Poison(t Transfer) {
	x := t.(*fakeXfer)
	tr.mu.Lock()
	x.poisoned = true
	wasInflight := x.inflight
	if wasInflight {
		x.inflight = false
		tr.in = slices.DeleteFunc(tr.in, func(e *fakeXfer) bool { return e == x })
		for ep := range tr.out {
			tr.out[ep] = slices.DeleteFunc(tr.out[ep], func(e *fakeXfer) bool { return e == x })
		}
	}
	tr.mu.Unlock()
	if wasInflight {
		x.done(x, 0, ErrTransferCancelled)
	}
}

// completeIn completes the oldest in flight receive with data.
func (tr *fakeTransport) completeIn(data []byte, err error) bool {
	tr.mu.Lock()
	if len(tr.in) == 0 {
		tr.mu.Unlock()
		return false
	}
	x := tr.in[0]
	tr.in = tr.in[1:]
	x.inflight = false
	n := copy(x.buf, data)
	tr.mu.Unlock()
	x.done(x, n, err)
	return true
}

// completeOut completes the oldest in flight transfer of ep and returns its
// buffer.
func (tr *fakeTransport) completeOut(ep OutEndpoint, err error) []byte {
	tr.mu.Lock()
	if len(tr.out[ep]) == 0 {
		tr.mu.Unlock()
		return nil
	}
	x := tr.out[ep][0]
	tr.out[ep] = tr.out[ep][1:]
	x.inflight = false
	buf := slices.Clone(x.buf)
	tr.mu.Unlock()
	x.done(x, len(buf), err)
	return buf
}

func (tr *fakeTransport) inflightIn() int {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	return len(tr.in)
}

func (tr *fakeTransport) pendingOut(ep OutEndpoint) [][]byte {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	var bufs [][]byte
	for _, x := range tr.out[ep] {
		bufs = append(bufs, slices.Clone(x.buf))
	}
	return bufs
}

// fakeChip emulates the MAC register file with the RF and BBP indirect
// access handshakes completing instantly.
type fakeChip struct {
	mu      sync.Mutex
	regs    map[uint32]uint32
	rf      map[[2]uint8]uint8
	bbp     [256]uint8
	r49     [8]uint8 // R49 reading per R47 measurement selector.
	txStat  []uint32
	writes  int
	err     error
	rfStuck bool
}

func newFakeChip() *fakeChip {
	c := &fakeChip{
		regs: make(map[uint32]uint32),
		rf:   make(map[[2]uint8]uint8),
	}
	c.bbp[159] = 0x0c // RX DC calibration done.
	return c
}

func (c *fakeChip) Read(addr uint32) (uint32, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return 0, c.err
	}
	switch {
	case addr == mtwire.TX_STAT_FIFO:
		if len(c.txStat) == 0 {
			return 0, nil
		}
		v := c.txStat[0]
		c.txStat = c.txStat[1:]
		return v, nil
	case addr == mtwire.RF_CSR_CFG && c.rfStuck:
		return mtwire.RF_CSR_CFG_KICK, nil
	}
	return c.regs[addr], nil
}

func (c *fakeChip) Write(addr, val uint32) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.writes++
	switch addr {
	case mtwire.RF_CSR_CFG:
		if val&mtwire.RF_CSR_CFG_KICK == 0 {
			break
		}
		key := [2]uint8{uint8(mtwire.RFCSRRegBank.Get(val)), uint8(mtwire.RFCSRRegID.Get(val))}
		if val&mtwire.RF_CSR_CFG_WR != 0 {
			c.rf[key] = uint8(mtwire.RFCSRData.Get(val))
		}
		val = mtwire.RFCSRData.Replace(val, uint32(c.rf[key])) &^ (mtwire.RF_CSR_CFG_KICK | mtwire.RF_CSR_CFG_WR)
	case mtwire.BBP_CSR_CFG:
		if val&mtwire.BBP_CSR_CFG_BUSY == 0 {
			break
		}
		reg := uint8(mtwire.BBPCSRRegNum.Get(val))
		if val&mtwire.BBP_CSR_CFG_READ == 0 {
			v := uint8(mtwire.BBPCSRVal.Get(val))
			if reg == bbpR47TSSIR {
				// Measurements complete instantly.
				v &^= r47Busy
				c.bbp[bbpR49Value] = c.r49[v&r47Flag]
			}
			c.bbp[reg] = v
		}
		val = mtwire.BBPCSRVal.Replace(val, uint32(c.bbp[reg])) &^ (mtwire.BBP_CSR_CFG_BUSY | mtwire.BBP_CSR_CFG_READ)
	}
	c.regs[addr] = val
	return nil
}

func (c *fakeChip) reg(addr uint32) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.regs[addr]
}

func (c *fakeChip) setReg(addr, val uint32) {
	c.mu.Lock()
	c.regs[addr] = val
	c.mu.Unlock()
}

func (c *fakeChip) rfReg(bank, reg uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.rf[[2]uint8{bank, reg}]
}

func (c *fakeChip) bbpReg(reg uint8) uint8 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.bbp[reg]
}

func (c *fakeChip) pushTxStatus(st mtwire.TxStatus) {
	c.mu.Lock()
	c.txStat = append(c.txStat, st.Uint32())
	c.mu.Unlock()
}

func (c *fakeChip) writeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.writes
}

type calCall struct {
	kind  CalKind
	param uint32
}

type pairWrite struct {
	base  uint32
	pairs []mtwire.RegPair
}

type fakeFirmware struct {
	mu     sync.Mutex
	cals   []calCall
	kicks  int
	writes []pairWrite
	err    error
}

func (fw *fakeFirmware) Calibrate(kind CalKind, param uint32) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.cals = append(fw.cals, calCall{kind: kind, param: param})
	return fw.err
}

func (fw *fakeFirmware) KickTSSIRead(hvga bool) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.kicks++
	return fw.err
}

func (fw *fakeFirmware) WriteRegPairs(base uint32, pairs []mtwire.RegPair) error {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	fw.writes = append(fw.writes, pairWrite{base: base, pairs: slices.Clone(pairs)})
	return fw.err
}

// tableWrites counts how many times table was written with base.
func (fw *fakeFirmware) tableWrites(base uint32, table []mtwire.RegPair) int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	n := 0
	for _, w := range fw.writes {
		if w.base == base && slices.Equal(w.pairs, table) {
			n++
		}
	}
	return n
}

func (fw *fakeFirmware) calKinds() []CalKind {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	kinds := make([]CalKind, len(fw.cals))
	for i, c := range fw.cals {
		kinds[i] = c.kind
	}
	return kinds
}

func (fw *fakeFirmware) writeCount() int {
	fw.mu.Lock()
	defer fw.mu.Unlock()
	return len(fw.writes)
}

type rxRecord struct {
	frame []byte
	st    RxStatus
}

type txDoneRecord struct {
	frame []byte
	ac    AccessCategory
}

type fakeMAC struct {
	mu       sync.Mutex
	rx       []rxRecord
	rejectRx bool
	done     []txDoneRecord
	status   []TxOutcome
	stops    []AccessCategory
	wakes    []AccessCategory
	rate     Rate
	rateOK   bool
}

func (m *fakeMAC) ProcessRx(frame []byte, st RxStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rejectRx {
		return errors.New("rejected")
	}
	m.rx = append(m.rx, rxRecord{frame: frame, st: st})
	return nil
}

func (m *fakeMAC) TxDone(frame []byte, ac AccessCategory) {
	m.mu.Lock()
	m.done = append(m.done, txDoneRecord{frame: slices.Clone(frame), ac: ac})
	m.mu.Unlock()
}

func (m *fakeMAC) TxStatus(sta *Station, out TxOutcome) {
	m.mu.Lock()
	m.status = append(m.status, out)
	m.mu.Unlock()
}

func (m *fakeMAC) TxRate(sta *Station, frame []byte) (Rate, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.rate, m.rateOK
}

func (m *fakeMAC) StopQueue(ac AccessCategory) {
	m.mu.Lock()
	m.stops = append(m.stops, ac)
	m.mu.Unlock()
}

func (m *fakeMAC) WakeQueue(ac AccessCategory) {
	m.mu.Lock()
	m.wakes = append(m.wakes, ac)
	m.mu.Unlock()
}

func (m *fakeMAC) received() []rxRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.rx)
}

func (m *fakeMAC) txDone() []txDoneRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.done)
}

func (m *fakeMAC) outcomes() []TxOutcome {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.status)
}

func (m *fakeMAC) queueEvents() (stops, wakes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.stops), len(m.wakes)
}

// logRecorder is a slog.Handler that keeps the messages it handles.
type logRecorder struct {
	mu   sync.Mutex
	msgs []string
}

func (h *logRecorder) Enabled(_ context.Context, l slog.Level) bool { return l >= slog.LevelDebug }

func (h *logRecorder) Handle(_ context.Context, r slog.Record) error {
	h.mu.Lock()
	h.msgs = append(h.msgs, r.Message)
	h.mu.Unlock()
	return nil
}

func (h *logRecorder) WithAttrs([]slog.Attr) slog.Handler { return h }
func (h *logRecorder) WithGroup(string) slog.Handler { return h }

func (h *logRecorder) count(msg string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	n := 0
	for _, m := range h.msgs {
		if m == msg {
			n++
		}
	}
	return n
}

type testRig struct {
	d    *Device
	tr   *fakeTransport
	chip *fakeChip
	fw   *fakeFirmware
	mac  *fakeMAC
	log  *logRecorder
}

func newTestRig() *testRig {
	r := &testRig{
		tr:   &fakeTransport{},
		chip: newFakeChip(),
		fw:   &fakeFirmware{},
		mac:  &fakeMAC{},
		log:  &logRecorder{},
	}
	r.d = New(r.tr, r.chip, r.fw, r.mac)
	return r
}

func testConfig(log *logRecorder, phyInit bool) Config {
	cfg := DefaultConfig()
	cfg.Logger = slog.New(log)
	cfg.PhyInit = phyInit
	cfg.RxEntries = 4
	cfg.RxBufferSize = 2048
	cfg.TxEntries = 4
	cfg.Cal = testCal()
	return cfg
}

func testCal() CalData {
	cal := CalData{
		RfFreqOff:   0x3a,
		LNAGain:     4,
		RefTemp:     25,
		RealCCKBW20: [2]int8{4, 6},
	}
	for i := range cal.ChanPower {
		cal.ChanPower[i] = 22
	}
	cal.TSSI = TSSIData{Slope: 0, Offset: [3]uint8{0, 0, 0}}
	return cal
}

// startRig returns an initialized rig that is closed when the test ends.
func startRig(t *testing.T, phyInit bool) *testRig {
	t.Helper()
	r := newTestRig()
	r.chip.r49[r47Temp] = 25
	err := r.d.Init(testConfig(r.log, phyInit))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { r.d.Close() })
	return r
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for", what)
		}
		time.Sleep(time.Millisecond)
	}
}

// rxSeg wraps frame in the DMA framing of one aggregate unit.
func rxSeg(rxwi mtwire.RXWI, frame []byte) []byte {
	n := int(alignup(uint(mtwire.RXWI_LEN+len(frame)), 4))
	seg := make([]byte, mtwire.DMA_HDR_LEN+n+mtwire.FCE_INFO_LEN)
	mtwire.PutSegmentHeader(seg, uint16(n))
	rxwi.Put(seg[mtwire.DMA_HDR_LEN:])
	copy(seg[mtwire.DMA_HDR_LEN+mtwire.RXWI_LEN:], frame)
	binary.LittleEndian.PutUint32(seg[len(seg)-mtwire.FCE_INFO_LEN:], mtwire.FCEInfoLength.Set(uint32(n)))
	return seg
}

func rxwiFor(frameLen int) mtwire.RXWI {
	return mtwire.RXWI{Ctl: mtwire.RXWICtlMPDULen.Set(uint32(frameLen)) | mtwire.RXWICtlWCID.Set(0xff)}
}

// dataFrame returns a non QoS data frame whose body is n bytes of tag.
func dataFrame(tag byte, n int) []byte {
	f := make([]byte, 24+n)
	f[0] = 0x08
	for i := 24; i < len(f); i++ {
		f[i] = tag
	}
	return f
}

func beaconFrame(bssid [6]byte) []byte {
	f := make([]byte, 36)
	f[0] = 0x80
	copy(f[10:16], bssid[:])
	copy(f[16:22], bssid[:])
	return f
}
