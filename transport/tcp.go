package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/log"
	"mini-jsonrpc/message"
	"mini-jsonrpc/protocol"
	"mini-jsonrpc/rpcerror"
)

// ErrClosed is returned to callers waiting on a transport that was closed.
var ErrClosed = errors.New("transport closed")

const DefaultHeartbeatInterval = 30 * time.Second

// TCPTransport multiplexes concurrent calls over one framed TCP connection.
// Each request frame gets a sequence number; a single reader goroutine routes
// reply frames back to the waiting caller by that number.
//
//	goroutine-1 ──SendRequest(seq=1)──┐
//	goroutine-2 ──SendBatch(seq=2)────┼──→ one conn ──→ peer
//	goroutine-3 ──SendRequest(seq=3)──┘
//
//	recvLoop: ←── frame(seq=2) → pending[2] → goroutine-2 wakes up
type TCPTransport struct {
	conn    net.Conn
	codec   codec.Codec
	seq     uint32     // guarded by sending
	pending sync.Map   // map[uint32]chan frameResult
	sending sync.Mutex // one frame on the wire at a time

	closed    chan struct{}
	closeOnce sync.Once
	err       error // set before closed is closed

	logger log15.Logger
}

type frameResult struct {
	body []byte
	err  error
}

// DialTCP connects to addr and starts the reader and heartbeat goroutines.
func DialTCP(ctx context.Context, addr string, codecType codec.CodecType) (*TCPTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	t, err := NewTCPTransport(conn, codecType, DefaultHeartbeatInterval)
	if err != nil {
		conn.Close()
		return nil, err
	}
	return t, nil
}

// NewTCPTransport takes ownership of conn. A zero heartbeat disables keepalive frames.
func NewTCPTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) (*TCPTransport, error) {
	cdc, err := codec.GetCodec(codecType)
	if err != nil {
		return nil, err
	}

	t := &TCPTransport{
		conn:   conn,
		codec:  cdc,
		closed: make(chan struct{}),
		logger: log.NewLog("transport/tcp"),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t, nil
}

func (t *TCPTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}

	body, err := t.roundTrip(ctx, payload)
	if err != nil {
		return nil, err
	}
	return decodeResponse(body)
}

func (t *TCPTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	if len(reqs) == 0 {
		return nil, emptyBatch()
	}

	payload, err := message.EncodeBatch(reqs)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}

	body, err := t.roundTrip(ctx, payload)
	if err != nil {
		return nil, err
	}
	return decodeBatchResponse(body)
}

func (t *TCPTransport) Target() string {
	return "tcp://" + t.conn.RemoteAddr().String()
}

// Close fails every waiting caller and closes the connection.
func (t *TCPTransport) Close() error {
	t.fail(ErrClosed)
	return nil
}

func (t *TCPTransport) roundTrip(ctx context.Context, payload []byte) ([]byte, error) {
	seq, ch, err := t.send(payload)
	if err != nil {
		return nil, rpcerror.NewTransport(err)
	}

	select {
	case res := <-ch:
		if res.err != nil {
			return nil, rpcerror.AsTransport(res.err)
		}
		return res.body, nil
	case <-ctx.Done():
		t.pending.Delete(seq)
		return nil, rpcerror.NewTransport(ctx.Err())
	}
}

// send writes one request frame. The reply channel is registered before the
// frame hits the wire so recvLoop can never see a reply it cannot route.
func (t *TCPTransport) send(payload []byte) (uint32, <-chan frameResult, error) {
	body, err := t.codec.Encode(payload)
	if err != nil {
		return 0, nil, err
	}

	t.sending.Lock()
	defer t.sending.Unlock()

	select {
	case <-t.closed:
		return 0, nil, t.err
	default:
	}

	t.seq++
	seq := t.seq

	header := protocol.Header{
		CodecType: byte(t.codec.Type()),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
		BodyLen:   uint32(len(body)),
	}

	ch := make(chan frameResult, 1)
	t.pending.Store(seq, ch)

	if err := protocol.Encode(t.conn, &header, body); err != nil {
		t.pending.Delete(seq)
		return 0, nil, errors.Wrap(err, "write frame")
	}
	return seq, ch, nil
}

func (t *TCPTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(errors.Wrap(err, "read frame"))
			return
		}

		if header.MsgType == protocol.MsgTypeHeartbeat {
			continue
		}
		if header.MsgType != protocol.MsgTypeResponse {
			t.logger.Warn("ignoring unexpected frame", "type", header.MsgType, "seq", header.Seq)
			continue
		}

		value, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			t.logger.Warn("dropping reply for abandoned frame", "seq", header.Seq, "target", t.Target())
			continue
		}

		res := frameResult{}
		cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
		if err == nil {
			res.body, err = cdc.Decode(body)
		}
		if err != nil {
			res.err = rpcerror.NewDecode(err)
		}
		value.(chan frameResult) <- res
	}
}

// fail closes the connection once and hands err to every waiting caller.
func (t *TCPTransport) fail(err error) {
	t.closeOnce.Do(func() {
		t.conn.Close()

		t.sending.Lock()
		t.err = err
		close(t.closed)
		t.sending.Unlock()

		if err != ErrClosed {
			t.logger.Warn("connection lost", "target", t.Target(), "err", err)
		}

		t.pending.Range(func(key, value any) bool {
			if _, ok := t.pending.LoadAndDelete(key); ok {
				value.(chan frameResult) <- frameResult{err: err}
			}
			return true
		})
	})
}

func (t *TCPTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.closed:
			return
		case <-ticker.C:
		}

		header := &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}
		t.sending.Lock()
		err := protocol.Encode(t.conn, header, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(errors.Wrap(err, "heartbeat"))
			return
		}
	}
}
