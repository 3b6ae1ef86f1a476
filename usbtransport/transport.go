package usbtransport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/gousb"
	"github.com/soypat/mt7601u"
)

// inEndpoint and outEndpoint are the subsets of gousb endpoints the
// transport uses.
type inEndpoint interface {
	ReadContext(ctx context.Context, p []byte) (int, error)
}

type outEndpoint interface {
	WriteContext(ctx context.Context, p []byte) (int, error)
}

var (
	errPoisoned    = errors.New("transfer poisoned")
	errInFlight    = errors.New("transfer already in flight")
	errBadTransfer = errors.New("foreign transfer handle")
	errNoEndpoint  = errors.New("endpoint not available")
	errClosed      = errors.New("transport closed")
)

// Transport implements mt7601u.Transport on top of blocking gousb endpoint
// calls. Each endpoint has one dispatcher goroutine that issues submitted
// transfers one at a time in submission order, so completions of an
// endpoint always run in the order their transfers were submitted.
type Transport struct {
	inEP  [2]inEndpoint
	outEP [6]outEndpoint
	in    [2]*pipe
	out   [6]*pipe

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ mt7601u.Transport = (*Transport)(nil)

// transfer is the handle returned by NewTransfer.
type transfer struct {
	mu       sync.Mutex
	poisoned bool
	inflight bool
	cancel   context.CancelFunc
	// done is closed once the completion callback of the last
	// submission returned.
	done     chan struct{}
}

// request is one submission waiting in or issued by a pipe.
type request struct {
	t        *transfer
	handle   mt7601u.Transfer
	ctx      context.Context
	cancel   context.CancelFunc
	xfer     func(context.Context) (int, error)
	done     mt7601u.CompletionFunc
	// finished is closed after done returned.
	finished chan struct{}
}

// pipe is the submission FIFO of one endpoint.
type pipe struct {
	mu     sync.Mutex
	queue  []*request
	closed bool
	kick   chan struct{}
}

func newTransport(in [2]inEndpoint, out [6]outEndpoint) *Transport {
	ctx, cancel := context.WithCancel(context.Background())
	tr := &Transport{inEP: in, outEP: out, ctx: ctx, cancel: cancel}
	for i, ep := range in {
		if ep != nil {
			tr.in[i] = tr.startPipe()
		}
	}
	for i, ep := range out {
		if ep != nil {
			tr.out[i] = tr.startPipe()
		}
	}
	return tr
}

func (tr *Transport) startPipe() *pipe {
	p := &pipe{kick: make(chan struct{}, 1)}
	tr.wg.Add(1)
	go tr.dispatch(p)
	return p
}

// NewTransfer returns a fresh transfer handle.
func (tr *Transport) NewTransfer() (mt7601u.Transfer, error) {
	return &transfer{}, nil
}

// FreeTransfer releases t. It must not be in flight.
func (tr *Transport) FreeTransfer(t mt7601u.Transfer) {}

// Alloc returns a zeroed buffer. libusb copies through its own transfer
// buffers so no special memory is required.
func (tr *Transport) Alloc(size int) ([]byte, error) {
	if size <= 0 {
		return nil, fmt.Errorf("%w: size %d", mt7601u.ErrOutOfMemory, size)
	}
	return make([]byte, size), nil
}

func (tr *Transport) Free([]byte) {}

// Map returns b itself as the mapping handle.
func (tr *Transport) Map(b []byte) (mt7601u.Mapping, error) { return b, nil }

func (tr *Transport) Unmap(mt7601u.Mapping) {}

// SubmitIn queues a bulk IN read into buf on ep.
func (tr *Transport) SubmitIn(t mt7601u.Transfer, ep mt7601u.InEndpoint, buf []byte, done mt7601u.CompletionFunc) error {
	if int(ep) >= len(tr.in) || tr.in[ep] == nil {
		return errNoEndpoint
	}
	in := tr.inEP[ep]
	return tr.submit(tr.in[ep], t, done, func(ctx context.Context) (int, error) {
		return in.ReadContext(ctx, buf)
	})
}

// SubmitOut queues a bulk OUT write of buf on ep.
func (tr *Transport) SubmitOut(t mt7601u.Transfer, ep mt7601u.OutEndpoint, buf []byte, done mt7601u.CompletionFunc) error {
	if int(ep) >= len(tr.out) || tr.out[ep] == nil {
		return errNoEndpoint
	}
	out := tr.outEP[ep]
	return tr.submit(tr.out[ep], t, done, func(ctx context.Context) (int, error) {
		return out.WriteContext(ctx, buf)
	})
}

func (tr *Transport) submit(p *pipe, handle mt7601u.Transfer, done mt7601u.CompletionFunc, xfer func(context.Context) (int, error)) error {
	t, ok := handle.(*transfer)
	if !ok || t == nil {
		return errBadTransfer
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.poisoned {
		return errPoisoned
	}
	if t.inflight {
		return errInFlight
	}
	ctx, cancel := context.WithCancel(tr.ctx)
	req := &request{
		t:        t,
		handle:   handle,
		ctx:      ctx,
		cancel:   cancel,
		xfer:     xfer,
		done:     done,
		finished: make(chan struct{}),
	}
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		cancel()
		return errClosed
	}
	p.queue = append(p.queue, req)
	p.mu.Unlock()
	t.cancel = cancel
	t.done = req.finished
	t.inflight = true
	select {
	case p.kick <- struct{}{}:
	default:
	}
	return nil
}

// dispatch issues the requests of p in FIFO order until the transport is
// closed. Requests left in the queue at close complete as cancelled.
func (tr *Transport) dispatch(p *pipe) {
	defer tr.wg.Done()
	for {
		p.mu.Lock()
		var req *request
		if len(p.queue) > 0 {
			req = p.queue[0]
			p.queue[0] = nil
			p.queue = p.queue[1:]
		}
		p.mu.Unlock()
		if req != nil {
			tr.issue(req)
			continue
		}
		select {
		case <-p.kick:
		case <-tr.ctx.Done():
			p.mu.Lock()
			p.closed = true
			left := p.queue
			p.queue = nil
			p.mu.Unlock()
			for _, req := range left {
				tr.issue(req)
			}
			return
		}
	}
}

func (tr *Transport) issue(req *request) {
	var n int
	err := req.ctx.Err()
	if err == nil {
		n, err = req.xfer(req.ctx)
	}
	req.cancel()
	// The callback may resubmit the transfer.
	req.t.mu.Lock()
	req.t.inflight = false
	req.t.mu.Unlock()
	req.done(req.handle, n, completionError(err))
	close(req.finished)
}

// Poison cancels t if in flight, waits for its completion callback to
// return and makes further submissions of t fail. A queued transfer
// completes once every transfer submitted before it on the same endpoint
// has completed.
func (tr *Transport) Poison(handle mt7601u.Transfer) {
	t, ok := handle.(*transfer)
	if !ok || t == nil {
		return
	}
	t.mu.Lock()
	t.poisoned = true
	cancel, ch := t.cancel, t.done
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if ch != nil {
		<-ch
	}
}

// Close cancels every queued and in-flight transfer and waits for their
// completions.
func (tr *Transport) Close() error {
	tr.cancel()
	tr.wg.Wait()
	return nil
}

// completionError maps gousb and context errors onto the completion
// statuses mt7601u expects.
func completionError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.Canceled),
		errors.Is(err, gousb.TransferCancelled):
		return fmt.Errorf("%w: %v", mt7601u.ErrTransferCancelled, err)
	case isNoDevice(err):
		return fmt.Errorf("%w: %v", mt7601u.ErrNoDevice, err)
	}
	return fmt.Errorf("%w: %v", mt7601u.ErrTransport, err)
}

func isNoDevice(err error) bool {
	return errors.Is(err, gousb.ErrorNoDevice) || errors.Is(err, gousb.TransferNoDevice)
}
