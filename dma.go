package mt7601u

import (
	"context"
	"log/slog"
)

// dmaBuf is a receive buffer and the transfer that owns it.
type dmaBuf struct {
	t   Transfer
	buf []byte
	// Completion results, written under rxMu.
	n   int
	err error
}

// rxQueue is a ring of receive buffers. Completions arrive in submission
// order at end, the RX worker consumes from start. pending counts completed
// but unprocessed buffers and always equals (end-start) mod len(e), with
// pending == len(e) when every buffer has completed.
type rxQueue struct {
	e       []dmaBuf
	start   int
	end     int
	pending int
	// corrupt is set while pending disagrees with the ring indices.
	corrupt bool
}

func (q *rxQueue) consistent() bool {
	n := len(q.e)
	if n == 0 {
		return q.pending == 0
	}
	dist := (q.end - q.start + n) % n
	return q.pending == dist || (dist == 0 && q.pending == n)
}

type txSlot struct {
	t      Transfer
	buf    []byte
	m      Mapping
	ac     AccessCategory
	pktLen int
}

// txQueue is the ring of in flight frames of one OUT endpoint.
type txQueue struct {
	ep    OutEndpoint
	e     []txSlot
	start int
	end   int
	used  int
	done  CompletionFunc
}

func (q *txQueue) full() bool { return q.used >= len(q.e) }

func (d *Device) dmaInit(nrx, rxsize, ntx int) (err error) {
	d.ctx, d.cancel = context.WithCancel(context.Background())
	d.rxkick = make(chan struct{}, 1)
	d.rxdone = make(chan struct{})
	go d.rxWorker()

	err = d.allocTx(ntx)
	if err == nil {
		err = d.allocRx(nrx, rxsize)
	}
	if err == nil {
		err = d.submitRx()
	}
	if err != nil {
		d.dmaCleanup()
		return err
	}
	return nil
}

// dmaCleanup cancels every transfer before any buffer is released.
func (d *Device) dmaCleanup() {
	d.killRx()
	d.cancel()
	<-d.rxdone
	d.freeRx()
	d.freeTx()
}

// allocRx reserves n receive buffers of size bytes. On failure the partially
// allocated ring is released.
func (d *Device) allocRx(n, size int) error {
	d.rxq = rxQueue{e: make([]dmaBuf, n)}
	for i := range d.rxq.e {
		e := &d.rxq.e[i]
		t, err := d.tr.NewTransfer()
		if err != nil {
			d.freeRx()
			return errjoin(ErrOutOfMemory, err)
		}
		e.t = t
		e.buf, err = d.tr.Alloc(size)
		if err != nil {
			d.freeRx()
			return errjoin(ErrOutOfMemory, err)
		}
	}
	return nil
}

// freeRx releases the receive ring. Safe on a partially allocated ring.
func (d *Device) freeRx() {
	for i := range d.rxq.e {
		e := &d.rxq.e[i]
		if e.buf != nil {
			d.tr.Free(e.buf)
		}
		if e.t != nil {
			d.tr.FreeTransfer(e.t)
		}
	}
	d.rxq = rxQueue{}
}

func (d *Device) submitRx() error {
	for i := range d.rxq.e {
		err := d.submitRxBuf(&d.rxq.e[i])
		if err != nil {
			return err
		}
	}
	return nil
}

func (d *Device) submitRxBuf(e *dmaBuf) error {
	err := d.tr.SubmitIn(e.t, EndpointPktRx, e.buf, d.completeRx)
	if err != nil {
		d.checkRemoved(err)
		d.logerrLimited("rx submit failed", errattr(err))
		return errjoin(ErrSubmitFailed, err)
	}
	return nil
}

// killRx poisons the receive transfers in completion order. Each poisoned
// transfer completes and advances end before the next one is taken.
func (d *Device) killRx() {
	d.rxMu.Lock()
	n := len(d.rxq.e)
	d.rxMu.Unlock()
	for i := 0; i < n; i++ {
		d.rxMu.Lock()
		next := d.rxq.end
		d.rxMu.Unlock()
		d.tr.Poison(d.rxq.e[next].t)
	}
}

func (d *Device) completeRx(t Transfer, n int, err error) {
	d.rxMu.Lock()
	q := &d.rxq
	if len(q.e) == 0 || q.e[q.end].t != t {
		d.rxMu.Unlock()
		d.logerrLimited("rx transfer mismatch")
		return
	}
	e := &q.e[q.end]
	e.n = n
	e.err = err
	q.end = (q.end + 1) % len(q.e)
	q.pending++
	d.rxCheckQueue()
	d.rxMu.Unlock()
	d.kickRx()
}

// rxCheckQueue warns once when the receive ring loses consistency and again
// only after it recovered. Called with rxMu held.
func (d *Device) rxCheckQueue() {
	q := &d.rxq
	ok := q.consistent()
	if !ok && !q.corrupt {
		d.warn("rx queue corrupted", slog.Int("start", q.start), slog.Int("end", q.end), slog.Int("pending", q.pending))
	}
	q.corrupt = !ok
}

func (d *Device) kickRx() {
	select {
	case d.rxkick <- struct{}{}:
	default: // Worker already signalled.
	}
}

func (d *Device) rxWorker() {
	defer close(d.rxdone)
	for {
		select {
		case <-d.ctx.Done():
			return
		case <-d.rxkick:
		}
		d.rxTasklet()
	}
}

// rxPendingEntry pops the oldest completed receive buffer or returns nil.
func (d *Device) rxPendingEntry() *dmaBuf {
	d.rxMu.Lock()
	defer d.rxMu.Unlock()
	q := &d.rxq
	if q.pending == 0 {
		d.rxCheckQueue()
		return nil
	}
	e := &q.e[q.start]
	q.pending--
	q.start = (q.start + 1) % len(q.e)
	d.rxCheckQueue()
	return e
}

func (d *Device) allocTx(entries int) error {
	for ep := EndpointACBK; ep < numOutEndpoints; ep++ {
		q := &d.txq[ep]
		*q = txQueue{ep: ep, e: make([]txSlot, entries)}
		q.done = func(t Transfer, n int, err error) { d.completeTx(q, t, err) }
		for i := range q.e {
			t, err := d.tr.NewTransfer()
			if err != nil {
				d.freeTx()
				return errjoin(ErrOutOfMemory, err)
			}
			q.e[i].t = t
		}
	}
	return nil
}

// freeTx poisons and releases every TX transfer. Transfers are poisoned in
// completion order so in flight frames are handed back in sequence.
func (d *Device) freeTx() {
	for ep := EndpointACBK; ep < numOutEndpoints; ep++ {
		q := &d.txq[ep]
		d.txMu.Lock()
		start, n := q.start, len(q.e)
		d.txMu.Unlock()
		for i := 0; i < n; i++ {
			if t := q.e[(start+i)%n].t; t != nil {
				d.tr.Poison(t)
			}
		}
		d.txMu.Lock()
		if q.used != 0 {
			d.warn("tx queue busy after kill", slog.Int("ep", int(ep)), slog.Int("used", q.used))
		}
		for i := range q.e {
			if q.e[i].t != nil {
				d.tr.FreeTransfer(q.e[i].t)
			}
		}
		*q = txQueue{ep: ep}
		d.txMu.Unlock()
	}
}
