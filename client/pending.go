package client

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"mini-jsonrpc/message"
)

// nonceSource hands out request ids. Uniqueness among outstanding calls is
// enforced by pendingTable.allocate, not by the source.
type nonceSource interface {
	next() message.ID
}

type counterNonces struct {
	n atomic.Uint64
}

func newCounterNonces(first uint64) *counterNonces {
	c := &counterNonces{}
	c.n.Store(first)
	return c
}

func (c *counterNonces) next() message.ID {
	return message.NumberID(c.n.Add(1) - 1)
}

type uuidNonces struct{}

func (uuidNonces) next() message.ID {
	return message.StringID(uuid.NewString())
}

type callState int

const (
	statePending callState = iota // sent, waiting for its response
	stateMatched                  // a response consumed the nonce
)

type pendingCall struct {
	method string
	state  callState
	since  time.Time
}

// pendingTable is the only state shared between concurrent calls. It is never
// locked across transport I/O.
type pendingTable struct {
	mu    sync.Mutex
	calls map[message.ID]*pendingCall
}

func newPendingTable() *pendingTable {
	return &pendingTable{calls: make(map[message.ID]*pendingCall)}
}

// allocate draws ids from src until one is not outstanding and records it.
func (p *pendingTable) allocate(src nonceSource, method string) message.ID {
	for {
		id := src.next()

		p.mu.Lock()
		if _, busy := p.calls[id]; !busy {
			p.calls[id] = &pendingCall{method: method, state: statePending, since: time.Now()}
			p.mu.Unlock()
			return id
		}
		p.mu.Unlock()
	}
}

// match moves id from pending to matched. It fails if id is unknown,
// abandoned, or was already matched.
func (p *pendingTable) match(id message.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	call, ok := p.calls[id]
	if !ok || call.state != statePending {
		return false
	}
	call.state = stateMatched
	return true
}

func (p *pendingTable) has(id message.ID) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	_, ok := p.calls[id]
	return ok
}

// remove drops ids whatever their state; used both when a call resolves and
// when its caller gives up.
func (p *pendingTable) remove(ids ...message.ID) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range ids {
		delete(p.calls, id)
	}
}

func (p *pendingTable) len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.calls)
}

// abandon removes ids for a caller that stopped waiting and returns what was
// still outstanding, for logging.
func (p *pendingTable) abandon(ids ...message.ID) []pendingCall {
	p.mu.Lock()
	defer p.mu.Unlock()

	var dropped []pendingCall
	for _, id := range ids {
		if call, ok := p.calls[id]; ok {
			dropped = append(dropped, *call)
			delete(p.calls, id)
		}
	}
	return dropped
}
