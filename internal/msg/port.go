package msg

import (
	"context"
	"errors"
	"sync"
)

var (
	ErrPortClosed = errors.New("msg: port closed")
	ErrBadMessage = errors.New("msg: malformed message")
	ErrUnknownRid = errors.New("msg: unknown request id")
)

// Rid pairs a received request with its response.
type Rid uint64

// Port is the server side of an endpoint. Every message obtained from Recv
// must be answered with exactly one Respond.
type Port interface {
	ID() uint32
	// Recv blocks until a request arrives. A request that could not be
	// decoded is reported as ErrBadMessage together with its rid so that it
	// can still be answered.
	Recv(ctx context.Context) (*Msg, Rid, error)
	Respond(ctx context.Context, m *Msg, rid Rid) error
}

type call struct {
	m     *Msg
	reply chan *Msg
}

// ChanPort is an in-process Port. Clients use Call.
type ChanPort struct {
	id    uint32
	calls chan *call

	closeOnce sync.Once
	closed    chan struct{}

	mu      sync.Mutex
	nextRid Rid
	pending map[Rid]*call // GUARDED_BY(mu)
}

func NewChanPort(id uint32) *ChanPort {
	return &ChanPort{
		id:      id,
		calls:   make(chan *call),
		closed:  make(chan struct{}),
		pending: make(map[Rid]*call),
	}
}

func (p *ChanPort) ID() uint32 {
	return p.id
}

func (p *ChanPort) Recv(ctx context.Context) (*Msg, Rid, error) {
	var c *call
	select {
	case c = <-p.calls:
	case <-p.closed:
		return nil, 0, ErrPortClosed
	case <-ctx.Done():
		return nil, 0, ctx.Err()
	}

	p.mu.Lock()
	p.nextRid++
	rid := p.nextRid
	p.pending[rid] = c
	p.mu.Unlock()

	if c.m == nil {
		return nil, rid, ErrBadMessage
	}
	return c.m, rid, nil
}

func (p *ChanPort) Respond(ctx context.Context, m *Msg, rid Rid) error {
	p.mu.Lock()
	c, ok := p.pending[rid]
	delete(p.pending, rid)
	p.mu.Unlock()

	if !ok {
		return ErrUnknownRid
	}

	// reply is buffered, a caller that gave up does not block the server.
	c.reply <- m
	return nil
}

// Call sends m to the server and waits for the response. A nil m is
// delivered as a malformed request.
func (p *ChanPort) Call(ctx context.Context, m *Msg) (*Msg, error) {
	c := &call{m: m, reply: make(chan *Msg, 1)}

	select {
	case p.calls <- c:
	case <-p.closed:
		return nil, ErrPortClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	select {
	case resp := <-c.reply:
		return resp, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Close stops Recv. Requests already received can still be answered.
func (p *ChanPort) Close() {
	p.closeOnce.Do(func() { close(p.closed) })
}
