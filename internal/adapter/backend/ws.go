package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/buger/jsonparser"
	"golang.org/x/sync/errgroup"
	"nhooyr.io/websocket"

	"transactor-client/internal/adapter/rpc"
	"transactor-client/internal/domain"
	"transactor-client/internal/infra/tracer"
)

// WSOptions tunes a WebSocket session.
type WSOptions struct {
	// Binary and Compression are requested in HELLO; the server's answer wins.
	Binary      bool
	Compression bool

	HelloTimeout time.Duration
	PingInterval time.Duration
	// HangTimeout is how long the session may go without a pong.
	HangTimeout time.Duration
	// CloseOnHang ends the session with domain.ErrConnectionHung when
	// HangTimeout elapses; otherwise the hang is only logged.
	CloseOnHang bool

	BroadcastCapacity int
	ReadLimit         int64

	// HTTPClient is used for the opening handshake. Nil means http.DefaultClient.
	HTTPClient *http.Client
}

// DefaultWSOptions returns the stock session settings.
func DefaultWSOptions() WSOptions {
	return WSOptions{
		HelloTimeout:      10 * time.Second,
		PingInterval:      10 * time.Second,
		HangTimeout:       5 * time.Minute,
		CloseOnHang:       true,
		BroadcastCapacity: DefaultBroadcastCapacity,
		ReadLimit:         32 << 20,
	}
}

func (o WSOptions) withDefaults() WSOptions {
	def := DefaultWSOptions()
	if o.HelloTimeout <= 0 {
		o.HelloTimeout = def.HelloTimeout
	}
	if o.PingInterval <= 0 {
		o.PingInterval = def.PingInterval
	}
	if o.HangTimeout <= 0 {
		o.HangTimeout = def.HangTimeout
	}
	if o.BroadcastCapacity <= 0 {
		o.BroadcastCapacity = def.BroadcastCapacity
	}
	if o.ReadLimit <= 0 {
		o.ReadLimit = def.ReadLimit
	}
	return o
}

// closeTimeout bounds how long Close waits for the pump to take the close command.
const closeTimeout = 5 * time.Second

// errSessionClosed ends the session group on an orderly Close.
var errSessionClosed = errors.New("session closed")

type cmdKind int

const (
	cmdCall cmdKind = iota
	cmdPing
	cmdPending
	cmdClose
)

type command struct {
	kind   cmdKind
	method string
	params []json.RawMessage
	reply  chan callResult // cmdCall, buffered 1
	pong   chan struct{}   // cmdPing, buffered 1
	count  chan int        // cmdPending, buffered 1
}

type callResult struct {
	resp rpc.Response
	err  error
}

type frame struct {
	typ  websocket.MessageType
	data []byte
}

// WSBackend is one multiplexed WebSocket session with the transactor. A
// single pump goroutine owns the socket writer and the table of calls
// awaiting replies; callers talk to it over a channel. It is safe for
// concurrent use.
type WSBackend struct {
	base      *url.URL
	workspace domain.WorkspaceUUID
	token     string
	opts      WSOptions
	logger    *slog.Logger

	conn   *websocket.Conn
	cmds   chan command
	hub    *Hub
	cancel context.CancelFunc

	// hello is written by the pump before the handshake is signalled.
	hello rpc.HelloResponse

	closing   atomic.Bool
	done      chan struct{}
	err       error // set before done is closed
	closeOnce sync.Once
}

// ConnectWS dials base joined with token, performs the HELLO exchange and
// returns a live session. The session outlives ctx, which only bounds the
// dial and the handshake.
func ConnectWS(ctx context.Context, base *url.URL, workspace domain.WorkspaceUUID, token string, opts WSOptions, logger *slog.Logger) (*WSBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	opts = opts.withDefaults()

	target := base.ResolveReference(&url.URL{Path: token})
	conn, resp, err := websocket.Dial(ctx, target.String(), &websocket.DialOptions{
		HTTPClient: opts.HTTPClient,
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + token}},
	})
	if err != nil {
		te := &domain.TransportError{Err: err}
		if resp != nil {
			te.Status = resp.StatusCode
		}
		return nil, fmt.Errorf("dial transactor: %w", te)
	}
	conn.SetReadLimit(opts.ReadLimit)

	sessionCtx, cancel := context.WithCancel(context.Background())
	b := &WSBackend{
		base:      base,
		workspace: workspace,
		token:     token,
		opts:      opts,
		logger:    logger.With("component", "transactor.ws", "workspace", workspace.String()),
		conn:      conn,
		cmds:      make(chan command),
		hub:       NewHub(opts.BroadcastCapacity),
		cancel:    cancel,
		done:      make(chan struct{}),
	}

	helloCh := make(chan struct{}, 1)
	b.start(sessionCtx, helloCh)

	timer := time.NewTimer(opts.HelloTimeout)
	defer timer.Stop()

	select {
	case <-helloCh:
		b.logger.Debug("transactor: session established",
			"server_version", b.hello.ServerVersion,
			"binary", b.hello.Binary,
			"compression", b.hello.Compression(),
		)
		return b, nil
	case <-b.done:
		if b.err != nil {
			return nil, fmt.Errorf("%w: %w", domain.ErrHandshakeClosed, b.err)
		}
		return nil, domain.ErrHandshakeClosed
	case <-timer.C:
		b.shutdown()
		return nil, domain.ErrHandshakeTimeout
	case <-ctx.Done():
		b.shutdown()
		return nil, ctx.Err()
	}
}

// start runs the reader, pump and keepalive under one group; the first to
// finish ends the others.
func (b *WSBackend) start(ctx context.Context, hello chan<- struct{}) {
	g, gctx := errgroup.WithContext(ctx)
	frames := make(chan frame)

	g.Go(func() error { return b.read(gctx, frames) })
	g.Go(func() error { return b.pump(gctx, frames, hello) })
	g.Go(func() error { return b.keepalive(gctx) })

	go func() {
		err := g.Wait()
		b.cancel()
		b.hub.Close()
		_ = b.conn.CloseNow()

		if errors.Is(err, errSessionClosed) {
			err = nil
		}
		if err != nil {
			b.logger.Warn("transactor: session ended", "error", err)
		} else {
			b.logger.Debug("transactor: session closed")
		}
		b.err = err
		close(b.done)
	}()
}

// read forwards socket frames to the pump. The websocket library answers
// control pings while a read is in flight.
func (b *WSBackend) read(ctx context.Context, frames chan<- frame) error {
	for {
		typ, data, err := b.conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if b.closing.Load() {
				return errSessionClosed
			}
			return &domain.TransportError{Err: fmt.Errorf("read: %w", err)}
		}
		select {
		case frames <- frame{typ: typ, data: data}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// pumpState is owned by the pump goroutine.
type pumpState struct {
	pending     map[rpc.ReqID]chan callResult
	nextID      int32
	codec       rpc.Codec
	pingWaiters []chan struct{}
	helloDone   bool
}

func (b *WSBackend) pump(ctx context.Context, frames <-chan frame, hello chan<- struct{}) error {
	st := &pumpState{
		pending: make(map[rpc.ReqID]chan callResult),
		nextID:  1,
		codec:   rpc.Codec{Binary: b.opts.Binary},
	}
	defer func() {
		for id, reply := range st.pending {
			reply <- callResult{err: domain.ErrConnectionClosed}
			delete(st.pending, id)
		}
	}()

	if err := b.write(ctx, st.codec, rpc.NewHelloRequest(b.opts.Binary, b.opts.Compression)); err != nil {
		return err
	}
	b.logger.Debug("transactor: HELLO sent", "binary", b.opts.Binary, "compression", b.opts.Compression)

	// Commands are held back until HELLO fixes the framing mode.
	var cmds <-chan command
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd := <-cmds:
			if err := b.handleCommand(ctx, st, cmd); err != nil {
				return err
			}
		case f := <-frames:
			adopted, err := b.handleFrame(ctx, st, f)
			if err != nil {
				return err
			}
			if adopted {
				cmds = b.cmds
				hello <- struct{}{}
			}
		}
	}
}

func (b *WSBackend) handleCommand(ctx context.Context, st *pumpState, cmd command) error {
	switch cmd.kind {
	case cmdCall:
		if st.nextID == math.MaxInt32 {
			cmd.reply <- callResult{err: fmt.Errorf("request id space exhausted: %w", domain.ErrConnectionClosed)}
			return errors.New("request id space exhausted")
		}
		id := rpc.NumID(st.nextID)
		st.nextID++

		req := rpc.NewRequest(cmd.method, cmd.params)
		req.ID = &id
		st.pending[id] = cmd.reply
		b.logger.Debug("transactor: call sent", "id", id.String(), "method", cmd.method)
		if err := b.write(ctx, st.codec, req); err != nil {
			delete(st.pending, id)
			cmd.reply <- callResult{err: err}
			return err
		}
	case cmdPing:
		st.pingWaiters = append(st.pingWaiters, cmd.pong)
		req := rpc.NewRequest(rpc.MethodPing.Verb(), nil)
		id := rpc.HelloID
		req.ID = &id
		return b.write(ctx, st.codec, req)
	case cmdPending:
		cmd.count <- len(st.pending)
	case cmdClose:
		b.closing.Store(true)
		if err := b.conn.Close(websocket.StatusNormalClosure, "client closed"); err != nil {
			b.logger.Debug("transactor: close handshake", "error", err)
		}
		return errSessionClosed
	}
	return nil
}

// handleFrame dispatches one inbound frame. adopted reports that this frame
// completed the HELLO exchange.
func (b *WSBackend) handleFrame(ctx context.Context, st *pumpState, f frame) (adopted bool, err error) {
	payload := st.codec.Decode(f.typ, f.data)

	if rpc.IsPong(payload) {
		st.releasePings()
		return false, nil
	}

	var resp rpc.Response
	if err := json.Unmarshal(payload, &resp); err != nil {
		b.failMalformed(st, payload, err)
		return false, nil
	}

	if resp.ResultIs(rpc.PingToken) {
		return false, b.write(ctx, st.codec, rpc.PingToken)
	}

	if resp.ID != nil && *resp.ID == rpc.HelloID {
		if resp.ResultIs(rpc.PongToken) {
			st.releasePings()
			return false, nil
		}
		if !resp.HasResult() && resp.Error != nil {
			b.logger.Error("transactor: server error on sentinel id", "status", resp.Error.String())
			return false, nil
		}
		if !resp.ResultIs(rpc.HelloResult) || st.helloDone {
			return false, nil
		}
		var h rpc.HelloResponse
		if err := json.Unmarshal(payload, &h); err != nil {
			b.logger.Warn("transactor: malformed hello", "error", err, "body", truncate(payload))
			return false, nil
		}
		b.hello = h
		st.codec = rpc.Codec{Binary: h.Binary, Compression: h.Compression()}
		st.helloDone = true
		return true, nil
	}

	if resp.ID != nil {
		if reply, ok := st.pending[*resp.ID]; ok {
			delete(st.pending, *resp.ID)
			reply <- callResult{resp: resp}
			return false, nil
		}
	}

	if resp.HasResult() {
		var txs []json.RawMessage
		if err := json.Unmarshal(resp.Result, &txs); err != nil {
			b.logger.Warn("transactor: unmatched response dropped", "body", truncate(payload))
			return false, nil
		}
		for _, tx := range txs {
			b.hub.Publish(tx)
		}
	}
	return false, nil
}

func (st *pumpState) releasePings() {
	for _, w := range st.pingWaiters {
		w <- struct{}{}
	}
	st.pingWaiters = st.pingWaiters[:0]
}

// failMalformed fails the pending call a malformed frame belongs to, if its
// id can still be read. Otherwise the frame is dropped.
func (b *WSBackend) failMalformed(st *pumpState, payload []byte, err error) {
	b.logger.Warn("transactor: malformed frame", "error", err, "body", truncate(payload))
	id, ok := peekID(payload)
	if !ok {
		return
	}
	if reply, found := st.pending[id]; found {
		delete(st.pending, id)
		reply <- callResult{err: domain.NewDecodeError(payload, err)}
	}
}

func peekID(payload []byte) (rpc.ReqID, bool) {
	v, typ, _, err := jsonparser.Get(payload, "id")
	if err != nil {
		return rpc.ReqID{}, false
	}
	switch typ {
	case jsonparser.String:
		s, err := jsonparser.ParseString(v)
		return rpc.StrID(s), err == nil
	case jsonparser.Number:
		n, err := jsonparser.ParseInt(v)
		if err != nil || n < math.MinInt32 || n > math.MaxInt32 {
			return rpc.ReqID{}, false
		}
		return rpc.NumID(int32(n)), true
	}
	return rpc.ReqID{}, false
}

func (b *WSBackend) write(ctx context.Context, codec rpc.Codec, v any) error {
	typ, data, err := codec.Encode(v)
	if err != nil {
		return fmt.Errorf("encode frame: %w", err)
	}
	if err := b.conn.Write(ctx, typ, data); err != nil {
		return &domain.TransportError{Err: fmt.Errorf("write: %w", err)}
	}
	return nil
}

// keepalive pings every PingInterval and watches for pongs.
func (b *WSBackend) keepalive(ctx context.Context) error {
	ticker := time.NewTicker(b.opts.PingInterval)
	defer ticker.Stop()

	lastPong := time.Now()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}

		pong := make(chan struct{}, 1)
		if err := b.submit(ctx, command{kind: cmdPing, pong: pong}); err != nil {
			return err
		}

		wait := time.NewTimer(max(b.opts.HangTimeout-time.Since(lastPong), 0))
		select {
		case <-pong:
			lastPong = time.Now()
			wait.Stop()
		case <-ctx.Done():
			wait.Stop()
			return ctx.Err()
		case <-wait.C:
			b.logger.Error("transactor: no ping response from server", "since", time.Since(lastPong).Round(time.Millisecond))
			if b.opts.CloseOnHang {
				return domain.ErrConnectionHung
			}
		}
	}
}

func (b *WSBackend) submit(ctx context.Context, cmd command) error {
	select {
	case b.cmds <- cmd:
		return nil
	case <-b.done:
		return domain.ErrConnectionClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// call sends one request and waits for its reply. A caller that gives up
// leaves its pending entry in place until the reply or the session end.
func (b *WSBackend) call(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	ctx, span := tracer.StartCall(ctx, method, b.workspace.String(), "ws")
	out, err := b.roundTrip(ctx, method, params)
	tracer.Finish(span, err)
	return out, err
}

func (b *WSBackend) roundTrip(ctx context.Context, method string, params []json.RawMessage) (json.RawMessage, error) {
	reply := make(chan callResult, 1)
	if err := b.submit(ctx, command{kind: cmdCall, method: method, params: params, reply: reply}); err != nil {
		return nil, fmt.Errorf("%s: %w", method, err)
	}

	var res callResult
	select {
	case res = <-reply:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-b.done:
		select {
		case res = <-reply:
		default:
			return nil, fmt.Errorf("%s: %w", method, domain.ErrConnectionClosed)
		}
	}
	if res.err != nil {
		return nil, fmt.Errorf("%s: %w", method, res.err)
	}
	return res.resp.Into()
}

// Get sends method with positional param values.
func (b *WSBackend) Get(ctx context.Context, method rpc.Method, params []rpc.Param) (json.RawMessage, error) {
	values, err := rpc.Values(params)
	if err != nil {
		return nil, err
	}
	return b.call(ctx, method.Verb(), values)
}

// Post sends method with the values of body's fields as positional params.
func (b *WSBackend) Post(ctx context.Context, method rpc.Method, body any) (json.RawMessage, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal body: %w", err)
	}
	values, err := rpc.ObjectValues(raw)
	if err != nil {
		return nil, err
	}
	return b.call(ctx, method.Verb(), values)
}

// TxRaw sends tx as the single param of a tx call.
func (b *WSBackend) TxRaw(ctx context.Context, tx any) (json.RawMessage, error) {
	raw, err := json.Marshal(tx)
	if err != nil {
		return nil, fmt.Errorf("marshal tx: %w", err)
	}
	return b.call(ctx, rpc.MethodTx.Verb(), []json.RawMessage{raw})
}

// DomainRequest sends [domain, {operation: params}].
func (b *WSBackend) DomainRequest(ctx context.Context, opDomain, operation string, params any) (domain.DomainResult[json.RawMessage], error) {
	var result domain.DomainResult[json.RawMessage]

	values, err := rpc.Values([]rpc.Param{
		rpc.P("domain", opDomain),
		rpc.P("operation", map[string]any{operation: params}),
	})
	if err != nil {
		return result, err
	}
	out, err := b.call(ctx, rpc.MethodDomainRequest.Verb(), values)
	if err != nil {
		return result, err
	}
	return result, decode(out, &result)
}

// Ping sends a keepalive ping and waits for the pong.
func (b *WSBackend) Ping(ctx context.Context) (time.Duration, error) {
	start := time.Now()
	pong := make(chan struct{}, 1)
	if err := b.submit(ctx, command{kind: cmdPing, pong: pong}); err != nil {
		return 0, err
	}
	select {
	case <-pong:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.done:
		return 0, domain.ErrConnectionClosed
	}
}

// Pending returns the number of calls awaiting a reply.
func (b *WSBackend) Pending(ctx context.Context) (int, error) {
	count := make(chan int, 1)
	if err := b.submit(ctx, command{kind: cmdPending, count: count}); err != nil {
		return 0, err
	}
	select {
	case n := <-count:
		return n, nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-b.done:
		return 0, domain.ErrConnectionClosed
	}
}

// Subscribe returns a receiver of server-pushed transactions.
func (b *WSBackend) Subscribe() *Receiver { return b.hub.Subscribe() }

// Hello returns the server's HELLO answer.
func (b *WSBackend) Hello() rpc.HelloResponse { return b.hello }

// Done is closed when the session has ended.
func (b *WSBackend) Done() <-chan struct{} { return b.done }

// Err returns why the session ended, or nil while it is live or after Close.
func (b *WSBackend) Err() error {
	select {
	case <-b.done:
		return b.err
	default:
		return nil
	}
}

// Close ends the session. Pending calls fail with domain.ErrConnectionClosed.
// It is idempotent and always returns nil.
func (b *WSBackend) Close() error {
	b.closeOnce.Do(func() {
		timer := time.NewTimer(closeTimeout)
		defer timer.Stop()
		select {
		case b.cmds <- command{kind: cmdClose}:
		case <-b.done:
		case <-timer.C:
			b.cancel()
		}
	})
	<-b.done
	return nil
}

func (b *WSBackend) shutdown() {
	b.cancel()
	<-b.done
}

// Base returns the transactor base URL.
func (b *WSBackend) Base() *url.URL { return b.base }

// Workspace returns the workspace the session is bound to.
func (b *WSBackend) Workspace() domain.WorkspaceUUID { return b.workspace }

// Token returns the bearer token.
func (b *WSBackend) Token() string { return b.token }
