package backend

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"nhooyr.io/websocket"

	"transactor-client/internal/adapter/rpc"
)

var testWorkspace = uuid.MustParse("0f2f7c4e-8f0a-4a53-9d55-3d8a1d1f6a10")

// fakeOptions scripts the in-process transactor.
type fakeOptions struct {
	binary         bool // HELLO answer
	compression    bool // HELLO answer
	duplicateHello bool
	skipHello      bool
	silentPings    bool // do not answer keepalive pings
	envelopePongs  bool // answer pings with {"id":-1,"result":"pong!"}
	badHelloFirst  bool // precede the HELLO answer with an undecodable one
}

// fakeTransactor is a WebSocket server speaking the transactor protocol.
type fakeTransactor struct {
	t     *testing.T
	opts  fakeOptions
	srv   *httptest.Server
	conns chan *fakeConn

	mu   sync.Mutex
	auth string
	path string
}

// fakeConn is the server side of one session.
type fakeConn struct {
	t     *testing.T
	conn  *websocket.Conn
	codec rpc.Codec

	hello     rpc.HelloRequest
	helloType websocket.MessageType

	requests chan rpc.Request
	raw      chan []byte // frames that are not requests

	mu         sync.Mutex
	frameTypes []websocket.MessageType
}

func newFake(t *testing.T, opts fakeOptions) *fakeTransactor {
	t.Helper()
	f := &fakeTransactor{t: t, opts: opts, conns: make(chan *fakeConn, 4)}
	f.srv = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeTransactor) serve(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	f.auth = r.Header.Get("Authorization")
	f.path = r.URL.Path
	f.mu.Unlock()

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer c.CloseNow()
	ctx := r.Context()

	fc := &fakeConn{
		t:        f.t,
		conn:     c,
		requests: make(chan rpc.Request, 256),
		raw:      make(chan []byte, 16),
	}

	typ, data, err := c.Read(ctx)
	if err != nil {
		return
	}
	fc.helloType = typ
	if err := json.Unmarshal(data, &fc.hello); err != nil {
		return
	}

	if f.opts.badHelloFirst {
		bad := []byte(`{"id":-1,"result":"hello","binary":"yes"}`)
		if err := c.Write(ctx, websocket.MessageText, bad); err != nil {
			return
		}
	}
	if !f.opts.skipHello {
		n := 1
		if f.opts.duplicateHello {
			n = 2
		}
		for i := 0; i < n; i++ {
			reply := map[string]any{
				"id":             -1,
				"result":         "hello",
				"binary":         f.opts.binary,
				"useCompression": f.opts.compression,
				"serverVersion":  "0.7.0-test",
				"account": map[string]any{
					"uuid":            "6a2b4a36-3c3a-4c39-9d0e-4f1c3f6a8c11",
					"role":            "OWNER",
					"primarySocialId": "1",
					"socialIds":       []string{"1"},
				},
			}
			b, _ := json.Marshal(reply)
			if err := c.Write(ctx, websocket.MessageText, b); err != nil {
				return
			}
		}
	}
	fc.codec = rpc.Codec{Binary: f.opts.binary, Compression: f.opts.compression}
	f.conns <- fc

	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			return
		}
		fc.mu.Lock()
		fc.frameTypes = append(fc.frameTypes, typ)
		fc.mu.Unlock()

		payload := fc.codec.Decode(typ, data)
		var req rpc.Request
		if err := json.Unmarshal(payload, &req); err != nil || req.Method == "" {
			fc.raw <- payload
			continue
		}
		if req.Method == rpc.MethodPing.Verb() && !f.opts.silentPings {
			pong := []byte(rpc.PongToken)
			if f.opts.envelopePongs {
				pong = []byte(`{"id":-1,"result":"pong!"}`)
			}
			_ = c.Write(ctx, websocket.MessageText, pong)
			continue
		}
		fc.requests <- req
	}
}

// baseURL is the server root with a trailing slash, so the token joins as a path segment.
func (f *fakeTransactor) baseURL() *url.URL {
	u, err := url.Parse(f.srv.URL + "/")
	require.NoError(f.t, err)
	return u
}

func (f *fakeTransactor) accept() *fakeConn {
	f.t.Helper()
	select {
	case fc := <-f.conns:
		return fc
	case <-time.After(5 * time.Second):
		f.t.Fatal("no connection accepted")
		return nil
	}
}

func (f *fakeTransactor) dialInfo() (auth, path string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.auth, f.path
}

func (fc *fakeConn) next() rpc.Request {
	fc.t.Helper()
	select {
	case req := <-fc.requests:
		return req
	case <-time.After(5 * time.Second):
		fc.t.Fatal("no request received")
		return rpc.Request{}
	}
}

func (fc *fakeConn) nextRaw() []byte {
	fc.t.Helper()
	select {
	case b := <-fc.raw:
		return b
	case <-time.After(5 * time.Second):
		fc.t.Fatal("no raw frame received")
		return nil
	}
}

func (fc *fakeConn) send(v any) {
	fc.t.Helper()
	typ, data, err := fc.codec.Encode(v)
	require.NoError(fc.t, err)
	require.NoError(fc.t, fc.conn.Write(context.Background(), typ, data))
}

func (fc *fakeConn) sendRaw(s string) {
	fc.t.Helper()
	require.NoError(fc.t, fc.conn.Write(context.Background(), websocket.MessageText, []byte(s)))
}

func (fc *fakeConn) reply(req rpc.Request, result any) {
	fc.t.Helper()
	b, err := json.Marshal(result)
	require.NoError(fc.t, err)
	fc.send(rpc.Response{ID: req.ID, Result: b})
}

func (fc *fakeConn) seenTypes() []websocket.MessageType {
	fc.mu.Lock()
	defer fc.mu.Unlock()
	return append([]websocket.MessageType(nil), fc.frameTypes...)
}
