package transport

import (
	"context"
	"encoding/json"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"mini-jsonrpc/codec"
	"mini-jsonrpc/message"
	"mini-jsonrpc/protocol"
	"mini-jsonrpc/rpcerror"
)

// framePeer plays the remote side of a TCPTransport over net.Pipe.
type framePeer struct {
	conn net.Conn
}

type frame struct {
	header  *protocol.Header
	payload []byte
}

func (p *framePeer) read() (frame, error) {
	header, body, err := protocol.Decode(p.conn)
	if err != nil {
		return frame{}, err
	}
	cdc, err := codec.GetCodec(codec.CodecType(header.CodecType))
	if err != nil {
		return frame{}, err
	}
	payload, err := cdc.Decode(body)
	if err != nil {
		return frame{}, err
	}
	return frame{header: header, payload: payload}, nil
}

func (p *framePeer) reply(f frame, payload string) error {
	cdc, err := codec.GetCodec(codec.CodecType(f.header.CodecType))
	if err != nil {
		return err
	}
	body, err := cdc.Encode([]byte(payload))
	if err != nil {
		return err
	}
	return protocol.Encode(p.conn, &protocol.Header{
		CodecType: f.header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       f.header.Seq,
		BodyLen:   uint32(len(body)),
	}, body)
}

// echo answers one request frame with its own method name as the result.
func echoPayload(payload []byte) string {
	var req message.Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"parse error"}}`
	}
	out, _ := json.Marshal(message.NewResult(req.ID, json.RawMessage(`"`+req.Method+`"`)))
	return string(out)
}

func newPipeTransport(t *testing.T, codecType codec.CodecType) (*TCPTransport, *framePeer) {
	t.Helper()
	client, server := net.Pipe()
	tr, err := NewTCPTransport(client, codecType, 0)
	require.NoError(t, err)
	t.Cleanup(func() {
		tr.Close()
		server.Close()
	})
	return tr, &framePeer{conn: server}
}

func TestTCPTransportRoundTrip(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeSnappy} {
		tr, peer := newPipeTransport(t, ct)

		go func() {
			f, err := peer.read()
			if err != nil {
				return
			}
			if f.header.CodecType != byte(ct) || f.header.MsgType != protocol.MsgTypeRequest {
				peer.reply(f, `{"jsonrpc":"2.0","id":1,"error":{"code":-32600,"message":"bad frame"}}`)
				return
			}
			peer.reply(f, echoPayload(f.payload))
		}()

		resp, err := tr.SendRequest(context.Background(), mustRequest(t, "eth_chainId", nil, 1))
		require.NoError(t, err)
		require.Nil(t, resp.Error)
		require.Equal(t, `"eth_chainId"`, string(resp.Result))
	}
}

func TestTCPTransportOutOfOrderReplies(t *testing.T) {
	tr, peer := newPipeTransport(t, codec.CodecTypeJSON)

	go func() {
		var frames []frame
		for i := 0; i < 3; i++ {
			f, err := peer.read()
			if err != nil {
				return
			}
			frames = append(frames, f)
		}
		for i := len(frames) - 1; i >= 0; i-- {
			peer.reply(frames[i], echoPayload(frames[i].payload))
		}
	}()

	var wg sync.WaitGroup
	for i, method := range []string{"a", "b", "c"} {
		wg.Add(1)
		go func(id uint64, method string) {
			defer wg.Done()
			resp, err := tr.SendRequest(context.Background(), mustRequest(t, method, nil, id))
			if err != nil {
				t.Errorf("%s: %v", method, err)
				return
			}
			if string(resp.Result) != `"`+method+`"` {
				t.Errorf("%s got %s", method, resp.Result)
			}
		}(uint64(i+1), method)
	}
	wg.Wait()
}

func TestTCPTransportBatch(t *testing.T) {
	tr, peer := newPipeTransport(t, codec.CodecTypeSnappy)

	go func() {
		f, err := peer.read()
		if err != nil {
			return
		}
		var reqs []message.Request
		if err := json.Unmarshal(f.payload, &reqs); err != nil || len(reqs) != 2 {
			return
		}
		peer.reply(f, `[{"jsonrpc":"2.0","id":2,"result":"b"},{"jsonrpc":"2.0","id":1,"result":"a"}]`)
	}()

	resps, err := tr.SendBatch(context.Background(), []*message.Request{
		mustRequest(t, "a", nil, 1),
		mustRequest(t, "b", nil, 2),
	})
	require.NoError(t, err)
	require.Len(t, resps, 2)
	require.Equal(t, message.NumberID(2), resps[0].ID)
}

func TestTCPTransportCloseFailsWaiters(t *testing.T) {
	tr, peer := newPipeTransport(t, codec.CodecTypeJSON)

	got := make(chan struct{})
	go func() {
		peer.read()
		close(got)
	}()

	errCh := make(chan error, 1)
	go func() {
		_, err := tr.SendRequest(context.Background(), mustRequest(t, "never", nil, 1))
		errCh <- err
	}()

	<-got
	require.NoError(t, tr.Close())

	err := <-errCh
	require.ErrorIs(t, err, rpcerror.ErrTransport)
	require.ErrorIs(t, err, ErrClosed)

	_, err = tr.SendRequest(context.Background(), mustRequest(t, "after", nil, 2))
	require.ErrorIs(t, err, ErrClosed)
}

func TestTCPTransportPeerHangup(t *testing.T) {
	tr, peer := newPipeTransport(t, codec.CodecTypeJSON)

	go func() {
		peer.read()
		peer.conn.Close()
	}()

	_, err := tr.SendRequest(context.Background(), mustRequest(t, "m", nil, 1))
	require.Equal(t, rpcerror.Transport, rpcerror.KindOf(err))
}

func TestTCPTransportAbandonedFrame(t *testing.T) {
	tr, peer := newPipeTransport(t, codec.CodecTypeJSON)

	first := make(chan frame, 1)
	go func() {
		f, err := peer.read()
		if err != nil {
			return
		}
		first <- f
		next, err := peer.read()
		if err != nil {
			return
		}
		// the late reply to the abandoned frame must not reach the next caller
		peer.reply(f, echoPayload(f.payload))
		peer.reply(next, echoPayload(next.payload))
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := tr.SendRequest(ctx, mustRequest(t, "slow", nil, 1))
	require.ErrorIs(t, err, context.DeadlineExceeded)
	<-first

	resp, err := tr.SendRequest(context.Background(), mustRequest(t, "fast", nil, 2))
	require.NoError(t, err)
	require.Equal(t, `"fast"`, string(resp.Result))
}

func TestTCPTransportHeartbeat(t *testing.T) {
	client, server := net.Pipe()
	tr, err := NewTCPTransport(client, codec.CodecTypeJSON, 10*time.Millisecond)
	require.NoError(t, err)
	defer tr.Close()
	defer server.Close()

	header, body, err := protocol.Decode(server)
	require.NoError(t, err)
	require.Equal(t, protocol.MsgTypeHeartbeat, header.MsgType)
	require.Empty(t, body)
	require.Contains(t, tr.Target(), "tcp://")
}
