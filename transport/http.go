package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/inconshreveable/log15"
	"github.com/pkg/errors"
	"github.com/tidwall/gjson"

	"mini-jsonrpc/log"
	"mini-jsonrpc/message"
	"mini-jsonrpc/rpcerror"
)

// DefaultMaxResponseSize caps how much of a response body is read.
const DefaultMaxResponseSize = 32 << 20

var SharedHTTPTransport = &http.Transport{
	Proxy: http.ProxyFromEnvironment,
	DialContext: (&net.Dialer{
		Timeout:   30 * time.Second,
		KeepAlive: 30 * time.Second,
	}).DialContext,
	MaxIdleConns:          100,
	MaxIdleConnsPerHost:   100,
	IdleConnTimeout:       90 * time.Second,
	TLSHandshakeTimeout:   10 * time.Second,
	ExpectContinueTimeout: 1 * time.Second,
}

func NewHTTPClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout:   timeout,
		Transport: SharedHTTPTransport,
	}
}

// HTTPTransport posts every request (or batch) to a single URL.
type HTTPTransport struct {
	url      *url.URL
	username string
	password string
	hasAuth  bool
	header   http.Header
	client   *http.Client
	maxBody  int64
	logger   log15.Logger
}

type HTTPOption func(*HTTPTransport)

func WithBasicAuth(username, password string) HTTPOption {
	return func(t *HTTPTransport) {
		t.username = username
		t.password = password
		t.hasAuth = true
	}
}

func WithHeader(key, value string) HTTPOption {
	return func(t *HTTPTransport) {
		t.header.Add(key, value)
	}
}

// WithMaxResponseSize overrides DefaultMaxResponseSize. Larger bodies fail
// with a transport error instead of being cut short.
func WithMaxResponseSize(n int64) HTTPOption {
	return func(t *HTTPTransport) {
		t.maxBody = n
	}
}

func WithHTTPClient(client *http.Client) HTTPOption {
	return func(t *HTTPTransport) {
		t.client = client
	}
}

// NewHTTPTransport parses rawURL; credentials in its userinfo become basic auth
// and are kept out of Target().
func NewHTTPTransport(rawURL string, opts ...HTTPOption) (*HTTPTransport, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, errors.Wrapf(err, "invalid url %q", rawURL)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, errors.Errorf("unsupported url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, errors.Errorf("url %q has no host", rawURL)
	}

	t := &HTTPTransport{
		header:  make(http.Header),
		client:  NewHTTPClient(0),
		maxBody: DefaultMaxResponseSize,
		logger:  log.NewLog("transport/http"),
	}
	if u.User != nil {
		pass, _ := u.User.Password()
		t.username, t.password, t.hasAuth = u.User.Username(), pass, true
		u.User = nil
	}
	t.url = u

	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

func (t *HTTPTransport) SendRequest(ctx context.Context, req *message.Request) (*message.Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}

	data, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return decodeResponse(data)
}

func (t *HTTPTransport) SendBatch(ctx context.Context, reqs []*message.Request) ([]*message.Response, error) {
	if len(reqs) == 0 {
		return nil, emptyBatch()
	}

	body, err := message.EncodeBatch(reqs)
	if err != nil {
		return nil, rpcerror.NewDecode(err)
	}

	data, err := t.post(ctx, body)
	if err != nil {
		return nil, err
	}
	return decodeBatchResponse(data)
}

func (t *HTTPTransport) Target() string {
	return t.url.Scheme + "://" + t.url.Host + t.url.EscapedPath()
}

func (t *HTTPTransport) post(ctx context.Context, body []byte) ([]byte, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url.String(), bytes.NewReader(body))
	if err != nil {
		return nil, rpcerror.NewTransport(err)
	}
	for k, vs := range t.header {
		for _, v := range vs {
			httpReq.Header.Add(k, v)
		}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if t.hasAuth {
		httpReq.SetBasicAuth(t.username, t.password)
	}

	res, err := t.client.Do(httpReq)
	if err != nil {
		return nil, rpcerror.NewTransport(errors.Wrapf(err, "post to %s", t.Target()))
	}
	defer res.Body.Close()

	data, err := io.ReadAll(io.LimitReader(res.Body, t.maxBody+1))
	if err != nil {
		return nil, rpcerror.NewTransport(errors.Wrap(err, "read response body"))
	}
	if int64(len(data)) > t.maxBody {
		return nil, rpcerror.NewTransport(errors.Errorf("response from %s exceeds %d bytes", t.Target(), t.maxBody))
	}

	if res.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	// Some servers (bitcoind, geth behind proxies) answer failed calls with a
	// non-2xx status and a regular JSON-RPC error body.
	if res.StatusCode/100 != 2 && !looksLikeRPCReply(data) {
		t.logger.Debug("non-2xx response without JSON-RPC body", "target", t.Target(), "status", res.StatusCode)
		return nil, rpcerror.NewTransport(errors.Errorf("unexpected HTTP status %d from %s", res.StatusCode, t.Target()))
	}
	return data, nil
}

func looksLikeRPCReply(data []byte) bool {
	if !gjson.ValidBytes(data) {
		return false
	}
	parsed := gjson.ParseBytes(data)
	if parsed.IsArray() {
		return true
	}
	return parsed.IsObject() && (parsed.Get("error").Exists() || parsed.Get("result").Exists())
}
