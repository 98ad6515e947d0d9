package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"mini-jsonrpc/log"
	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
)

// WSTransport multiplexes calls over one WebSocket connection. Unlike the
// framed TCP transport there is no envelope, so replies are routed by the
// JSON-RPC ids they carry; a batch reply goes to whichever waiter owns the
// first id in it that is still outstanding.
//
// A reply whose ids are all null (a peer that could not parse a request) goes
// to the only outstanding waiter. With several outstanding there is no telling
// whose request it was, so each of them fails with an unknown-response-id
// error carrying the peer's error object.
type WSTransport struct {
	url     string
	conn    *websocket.Conn
	writeMu sync.Mutex

	mu      sync.Mutex
	waiters map[message.ID]*wsWaiter
	closed  bool
	err     error

	done   chan struct{}
	logger log15.Logger
}

type wsWaiter struct {
	ids []message.ID
	ch  chan wsResult
}

type wsResult struct {
	data []byte
	err  error
}

// DialWS opens a WebSocket connection to rawURL (ws:// or wss://).
func DialWS(ctx context.Context, rawURL string, header http.Header) (*WSTransport, error) {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, rawURL, header)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", rawURL)
	}
	return NewWSTransport(rawURL, conn), nil
}

// NewWSTransport takes ownership of conn and starts the reader goroutine.
func NewWSTransport(rawURL string, conn *websocket.Conn) *WSTransport {
	t := &WSTransport{
		url:     rawURL,
		conn:    conn,
		waiters: make(map[message.ID]*wsWaiter),
		done:    make(chan struct{}),
		logger:  log.NewLog("transport/ws"),
	}
	go t.readLoop()
	return t
}

func (t *WSTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}

	data, err := t.roundTrip(ctx, []message.ID{req.ID}, payload)
	if err != nil {
		return nil, err
	}
	return decodeResponse(data)
}

func (t *WSTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	if len(reqs) == 0 {
		return nil, emptyBatch()
	}

	payload, err := message.EncodeBatch(reqs)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}

	ids := make([]message.ID, len(reqs))
	for i, req := range reqs {
		ids[i] = req.ID
	}

	data, err := t.roundTrip(ctx, ids, payload)
	if err != nil {
		return nil, err
	}
	return decodeBatchResponse(data)
}

func (t *WSTransport) Target() string {
	return t.url
}

func (t *WSTransport) Close() error {
	t.fail(ErrClosed)
	<-t.done
	return nil
}

func (t *WSTransport) roundTrip(ctx context.Context, ids []message.ID, payload []byte) ([]byte, error) {
	w := &wsWaiter{ids: ids, ch: make(chan wsResult, 1)}
	if err := t.register(w); err != nil {
		return nil, rpcerror.NewTransport(err)
	}

	t.writeMu.Lock()
	err := t.conn.WriteMessage(websocket.TextMessage, payload)
	t.writeMu.Unlock()
	if err != nil {
		t.unregister(w)
		return nil, rpcerror.NewTransport(errors.Wrap(err, "write message"))
	}

	select {
	case res, ok := <-w.ch:
		if !ok {
			return nil, rpcerror.NewTransport(t.closeErr())
		}
		return res.data, res.err
	case <-ctx.Done():
		t.unregister(w)
		return nil, rpcerror.NewTransport(ctx.Err())
	}
}

func (t *WSTransport) register(w *wsWaiter) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return t.err
	}
	for _, id := range w.ids {
		if _, busy := t.waiters[id]; busy {
			return errors.Errorf("id %s is already in flight on %s", id, t.url)
		}
	}
	for _, id := range w.ids {
		t.waiters[id] = w
	}
	return nil
}

func (t *WSTransport) unregister(w *wsWaiter) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, id := range w.ids {
		if t.waiters[id] == w {
			delete(t.waiters, id)
		}
	}
}

func (t *WSTransport) closeErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.err
}

func (t *WSTransport) readLoop() {
	defer close(t.done)
	for {
		_, data, err := t.conn.ReadMessage()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				err = ErrClosed
			}
			t.fail(err)
			return
		}
		t.route(data)
	}
}

// route hands data to the waiter owning one of its ids.
func (t *WSTransport) route(data []byte) {
	parsed := gjson.ParseBytes(data)

	var idResults []gjson.Result
	if parsed.IsArray() {
		idResults = parsed.Get("#.id").Array()
	} else {
		idResults = []gjson.Result{parsed.Get("id")}
	}

	attributed := false
	for _, res := range idResults {
		if !res.Exists() || res.Type == gjson.Null {
			continue
		}
		attributed = true
		var id message.ID
		if err := id.UnmarshalJSON([]byte(res.Raw)); err != nil {
			continue
		}

		t.mu.Lock()
		w, ok := t.takeLocked(id)
		t.mu.Unlock()

		if ok {
			w.ch <- wsResult{data: data}
			return
		}
	}

	if !attributed {
		t.routeUnattributed(parsed, data)
		return
	}
	t.logger.Warn("dropping unroutable message", "target", t.url, "bytes", len(data))
}

func (t *WSTransport) routeUnattributed(parsed gjson.Result, data []byte) {
	t.mu.Lock()
	var pending []*wsWaiter
	seen := make(map[*wsWaiter]bool)
	for _, w := range t.waiters {
		if !seen[w] {
			seen[w] = true
			pending = append(pending, w)
		}
	}
	for _, w := range pending {
		for _, wid := range w.ids {
			delete(t.waiters, wid)
		}
	}
	t.mu.Unlock()

	switch len(pending) {
	case 0:
		t.logger.Warn("dropping unroutable message", "target", t.url, "bytes", len(data))
	case 1:
		pending[0].ch <- wsResult{data: data}
	default:
		peerErr := peerErrorOf(parsed)
		t.logger.Warn("null-id reply with several calls in flight", "target", t.url, "calls", len(pending), "peer", peerErr)
		for _, w := range pending {
			w.ch <- wsResult{err: rpcerror.NewUnknownResponseID(message.NullID).WithPeerError(peerErr)}
		}
	}
}

// takeLocked removes the waiter owning id together with its other ids.
func (t *WSTransport) takeLocked(id message.ID) (*wsWaiter, bool) {
	w, ok := t.waiters[id]
	if !ok {
		return nil, false
	}
	for _, wid := range w.ids {
		delete(t.waiters, wid)
	}
	return w, true
}

func peerErrorOf(parsed gjson.Result) *message.RPCError {
	raw := parsed.Get("error")
	if parsed.IsArray() {
		raw = parsed.Get("0.error")
	}
	if !raw.IsObject() {
		return nil
	}
	var rpcErr message.RPCError
	if err := json.Unmarshal([]byte(raw.Raw), &rpcErr); err != nil {
		return nil
	}
	return &rpcErr
}

func (t *WSTransport) fail(err error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	t.closed = true
	t.err = err
	waiters := t.waiters
	t.waiters = make(map[message.ID]*wsWaiter)
	t.mu.Unlock()

	if err == ErrClosed {
		t.writeMu.Lock()
		t.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		t.writeMu.Unlock()
	} else {
		t.logger.Warn("connection lost", "target", t.url, "err", err)
	}
	t.conn.Close()

	seen := make(map[*wsWaiter]bool)
	for _, w := range waiters {
		if !seen[w] {
			seen[w] = true
			close(w.ch)
		}
	}
}
