// Package bridge owns the persistent connection to the automation server:
// frame codec, connect handshake, reconnection, application ping/pong, and
// correlation of locally-initiated requests with their responses.
package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/nextlevelbuilder/browserbridge/pkg/protocol"
)

// State is the transport state of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateError
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	// ErrNotConnected is returned by SendRequest before the handshake has completed.
	ErrNotConnected = errors.New("not connected")
	// ErrConnectionClosed rejects every pending request when the transport goes away.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrClosed is returned once Close has been called.
	ErrClosed = errors.New("bridge closed")

	errSendBufferFull = errors.New("send buffer full")
)

const (
	defaultRequestTimeout   = 30 * time.Second
	defaultHandshakeTimeout = 10 * time.Second
	defaultReconnectDelay   = 5 * time.Second

	// maxMessageSize bounds a single inbound frame (16MB).
	maxMessageSize = 16 << 20
	readTimeout    = 60 * time.Second
	writeWait      = 10 * time.Second
	sendBuffer     = 256
)

// RequestHandler serves server-initiated requests. It must return exactly one
// response frame for every request it is given.
type RequestHandler interface {
	HandleRequest(ctx context.Context, req *protocol.RequestFrame) *protocol.ResponseFrame
}

// EventHandler receives unsolicited server events.
type EventHandler func(ev *protocol.EventFrame)

// Conn is the client side of the bridge protocol. One per process.
type Conn struct {
	url   string
	token string

	clientName    string
	clientVersion string
	instanceID    string

	requestTimeout   time.Duration
	handshakeTimeout time.Duration
	reconnectDelay   time.Duration
	sendWait         time.Duration // how long a frame may wait for room in the send buffer

	handler   RequestHandler
	onEvent   EventHandler
	indicator Indicator
	dialer    *websocket.Dialer
	logger    *slog.Logger

	mu             sync.Mutex
	state          State
	authenticated  bool
	sessionID      string
	ws             *websocket.Conn
	send           chan []byte
	done           chan struct{}
	gen            uint64
	attempt        uint64 // bumped by every dial; a dial whose number is stale gives way
	closed         bool
	reconnectTimer *time.Timer

	counter atomic.Uint64
	pending *Pending

	ctx    context.Context
	cancel context.CancelFunc
}

// Option configures a Conn.
type Option func(*Conn)

// WithHandler sets the server-initiated request handler.
func WithHandler(h RequestHandler) Option {
	return func(c *Conn) { c.handler = h }
}

// WithEventHandler sets the callback for server events.
func WithEventHandler(h EventHandler) Option {
	return func(c *Conn) { c.onEvent = h }
}

// WithIndicator sets the liveness indicator (default: LogIndicator).
func WithIndicator(ind Indicator) Option {
	return func(c *Conn) { c.indicator = ind }
}

// WithRequestTimeout overrides the per-request timeout (default 30s).
func WithRequestTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.requestTimeout = d
		}
	}
}

// WithHandshakeTimeout overrides the connect handshake timeout (default 10s).
func WithHandshakeTimeout(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.handshakeTimeout = d
		}
	}
}

// WithReconnectDelay overrides the fixed reconnect delay (default 5s).
func WithReconnectDelay(d time.Duration) Option {
	return func(c *Conn) {
		if d > 0 {
			c.reconnectDelay = d
		}
	}
}

// WithClient sets the client identity sent in the handshake.
func WithClient(name, version string) Option {
	return func(c *Conn) {
		c.clientName = name
		c.clientVersion = version
	}
}

// WithLogger sets a custom logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Conn) { c.logger = l }
}

// New creates a Conn for the given server URL and bearer token. It does not dial.
func New(url, token string, opts ...Option) *Conn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Conn{
		url:              url,
		token:            token,
		clientName:       "browserbridge",
		clientVersion:    "dev",
		instanceID:       uuid.NewString(),
		requestTimeout:   defaultRequestTimeout,
		handshakeTimeout: defaultHandshakeTimeout,
		reconnectDelay:   defaultReconnectDelay,
		sendWait:         writeWait,
		indicator:        LogIndicator{},
		dialer:           &websocket.Dialer{HandshakeTimeout: defaultHandshakeTimeout},
		logger:           slog.Default(),
		pending:          NewPending(),
		ctx:              ctx,
		cancel:           cancel,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the current transport state.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Authenticated reports whether the connect handshake has succeeded on the
// current transport.
func (c *Conn) Authenticated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authenticated
}

// SessionID returns the session id granted by the server, if authenticated.
func (c *Conn) SessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

// PendingCount returns the number of outstanding outbound requests.
func (c *Conn) PendingCount() int {
	return c.pending.Len()
}

// Connect dials the server and performs the connect handshake. It is a no-op
// while a connection is already open or being opened. A dial that is
// superseded while in flight (Reconfigure, Close) discards its socket.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state == StateConnecting || c.state == StateConnected {
		c.mu.Unlock()
		return nil
	}
	c.state = StateConnecting
	c.attempt++
	attempt := c.attempt
	url, token := c.url, c.token
	c.mu.Unlock()

	c.logger.Info("bridge connecting", "url", url)

	ws, _, err := c.dialer.DialContext(ctx, url, nil)
	if err != nil {
		c.mu.Lock()
		closed, stale := c.closed, c.attempt != attempt
		if !closed && !stale {
			c.state = StateError
		}
		c.mu.Unlock()
		if closed {
			return ErrClosed
		}
		if stale {
			return nil
		}
		c.scheduleReconnect()
		return fmt.Errorf("dial %s: %w", url, err)
	}

	c.mu.Lock()
	if c.closed {
		c.state = StateDisconnected
		c.mu.Unlock()
		ws.Close()
		return ErrClosed
	}
	if c.attempt != attempt || c.ws != nil {
		c.mu.Unlock()
		ws.Close()
		c.logger.Debug("bridge discarding superseded connection", "url", url)
		return nil
	}
	c.gen++
	gen := c.gen
	c.ws = ws
	c.send = make(chan []byte, sendBuffer)
	c.done = make(chan struct{})
	c.state = StateConnected
	send, done := c.send, c.done
	c.mu.Unlock()

	go c.writePump(gen, ws, send, done)
	go c.readPump(gen, ws)

	if err := c.handshake(ctx, gen, token); err != nil {
		c.mu.Lock()
		if c.gen == gen && c.attempt == attempt {
			c.state = StateError
		}
		c.mu.Unlock()
		c.teardown(gen, err, true)
		return err
	}
	return nil
}

// EnsureConnected reconnects only when the socket is closed or closing.
func (c *Conn) EnsureConnected(ctx context.Context) error {
	switch c.State() {
	case StateConnected, StateConnecting:
		return nil
	}
	return c.Connect(ctx)
}

// Heartbeat sends a transport-level ping on the open socket. No-op when disconnected.
func (c *Conn) Heartbeat() {
	c.mu.Lock()
	ws := c.ws
	c.mu.Unlock()
	if ws == nil {
		return
	}
	if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
		c.logger.Debug("bridge heartbeat failed", "error", err)
	}
}

// Reconfigure applies new connection settings. A change to either the URL or
// the token forces a reconnect with the new values.
func (c *Conn) Reconfigure(ctx context.Context, url, token string) error {
	c.mu.Lock()
	changed := url != c.url || token != c.token
	c.url, c.token = url, token
	closed := c.closed
	gen := c.gen
	hasConn := c.ws != nil
	if changed && c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	if changed && !hasConn {
		c.state = StateDisconnected
	}
	c.mu.Unlock()

	if !changed || closed {
		return nil
	}
	c.logger.Info("bridge settings changed, reconnecting", "url", url)
	if hasConn {
		c.teardown(gen, errors.New("settings changed"), false)
	}
	return c.Connect(ctx)
}

// Close shuts the connection down for good and cancels any scheduled reconnect.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	ws, gen := c.ws, c.gen
	c.mu.Unlock()

	c.cancel()
	if ws != nil {
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(time.Second))
		c.teardown(gen, ErrClosed, false)
	}
	return nil
}

// SendRequest sends a request to the server and waits for its response.
// It fails immediately with ErrNotConnected unless the handshake has completed.
// Error responses are returned as *protocol.Error.
func (c *Conn) SendRequest(ctx context.Context, method string, params any) (json.RawMessage, error) {
	return c.request(ctx, method, params, true, c.requestTimeout)
}

func (c *Conn) request(ctx context.Context, method string, params any, requireAuth bool, timeout time.Duration) (json.RawMessage, error) {
	if requireAuth && !c.Authenticated() {
		return nil, ErrNotConnected
	}

	id := c.nextID()
	frame, err := protocol.NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	data, err := json.Marshal(frame)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	ch := c.pending.Add(id, timeout)
	if ch == nil {
		return nil, fmt.Errorf("duplicate request id %s", id)
	}
	if err := c.enqueue(data); err != nil {
		c.pending.Remove(id)
		return nil, err
	}

	select {
	case r := <-ch:
		return r.Value, r.Err
	case <-ctx.Done():
		// The entry stays registered and expires on its own timer.
		return nil, ctx.Err()
	}
}

func (c *Conn) nextID() string {
	return fmt.Sprintf("%d-%d", c.counter.Add(1), time.Now().UnixMilli())
}

func (c *Conn) handshake(ctx context.Context, gen uint64, token string) error {
	hctx, cancel := context.WithTimeout(ctx, c.handshakeTimeout)
	defer cancel()

	params := protocol.ConnectParams{
		Token: token,
		Client: protocol.ClientInfo{
			Name:       c.clientName,
			Version:    c.clientVersion,
			InstanceID: c.instanceID,
		},
		Role:            protocol.ClientRole,
		ProtocolVersion: protocol.ProtocolVersion,
	}
	raw, err := c.request(hctx, protocol.MethodConnect, params, false, c.handshakeTimeout)
	if err != nil {
		return fmt.Errorf("handshake: %w", err)
	}

	var res protocol.ConnectResult
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &res); err != nil {
			c.logger.Warn("bridge handshake result not parseable", "error", err)
		}
	}

	c.mu.Lock()
	if c.gen != gen || c.ws == nil {
		c.mu.Unlock()
		return fmt.Errorf("handshake: %w", ErrConnectionClosed)
	}
	c.authenticated = true
	c.sessionID = res.SessionID
	c.mu.Unlock()

	c.logger.Info("bridge authenticated", "session_id", res.SessionID)
	c.indicator.SetConnected(true, res.SessionID)
	return nil
}

// teardown closes the transport of generation gen, rejects every pending
// request and, unless disabled, schedules a single reconnect.
func (c *Conn) teardown(gen uint64, cause error, reconnect bool) {
	c.mu.Lock()
	if gen != c.gen || c.ws == nil {
		c.mu.Unlock()
		return
	}
	ws := c.ws
	c.ws = nil
	close(c.done)
	c.authenticated = false
	c.sessionID = ""
	if c.state != StateError {
		c.state = StateDisconnected
	}
	closed := c.closed
	c.mu.Unlock()

	ws.Close()
	n := c.pending.RejectAll(ErrConnectionClosed)
	c.logger.Warn("bridge disconnected", "cause", cause, "rejected", n)
	c.indicator.SetConnected(false, "")

	if reconnect && !closed {
		c.scheduleReconnect()
	}
}

func (c *Conn) scheduleReconnect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || c.reconnectTimer != nil {
		return
	}
	delay := c.reconnectDelay
	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		c.reconnectTimer = nil
		c.mu.Unlock()

		ctx, cancel := context.WithTimeout(c.ctx, c.handshakeTimeout*2)
		defer cancel()
		if err := c.Connect(ctx); err != nil && !errors.Is(err, ErrClosed) {
			c.logger.Warn("bridge reconnect failed", "error", err)
		}
	})
	c.logger.Info("bridge reconnect scheduled", "delay", delay)
}

func (c *Conn) enqueue(data []byte) error {
	c.mu.Lock()
	ws, send, done := c.ws, c.send, c.done
	c.mu.Unlock()
	if ws == nil {
		return ErrNotConnected
	}
	select {
	case <-done:
		return ErrConnectionClosed
	default:
	}
	select {
	case send <- data:
		return nil
	default:
	}
	t := time.NewTimer(c.sendWait)
	defer t.Stop()
	select {
	case send <- data:
		return nil
	case <-done:
		return ErrConnectionClosed
	case <-t.C:
		return errSendBufferFull
	}
}

// readPump reads frames until the transport fails.
func (c *Conn) readPump(gen uint64, ws *websocket.Conn) {
	ws.SetReadLimit(maxMessageSize)
	ws.SetReadDeadline(time.Now().Add(readTimeout))
	ws.SetPongHandler(func(string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		return nil
	})
	ws.SetPingHandler(func(appData string) error {
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		err := ws.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return nil
		}
		return err
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn("bridge read error", "error", err)
			}
			c.teardown(gen, err, true)
			return
		}
		ws.SetReadDeadline(time.Now().Add(readTimeout))
		c.handleFrame(data)
	}
}

// writePump is the single writer for data frames on ws.
func (c *Conn) writePump(gen uint64, ws *websocket.Conn, send <-chan []byte, done <-chan struct{}) {
	for {
		select {
		case msg := <-send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.teardown(gen, err, true)
				return
			}
		case <-done:
			return
		}
	}
}

// handleFrame decodes one inbound frame and routes it.
func (c *Conn) handleFrame(data []byte) {
	frameType, err := protocol.ParseFrameType(data)
	if err != nil {
		c.logger.Warn("bridge dropping unparseable frame", "error", err, "bytes", len(data))
		return
	}

	switch frameType {
	case protocol.FrameTypePing:
		if err := c.enqueue(protocol.Pong); err != nil {
			c.logger.Debug("bridge pong not sent", "error", err)
		}

	case protocol.FrameTypePong:
		// liveness only

	case protocol.FrameTypeResponse:
		var resp protocol.ResponseFrame
		if err := json.Unmarshal(data, &resp); err != nil {
			c.logger.Warn("bridge dropping malformed response", "error", err)
			return
		}
		var respErr error
		if resp.Error != nil {
			respErr = resp.Error.Err()
		}
		if !c.pending.Resolve(resp.ID, resp.Result, respErr) {
			c.logger.Debug("bridge no pending request for response", "id", resp.ID)
		}

	case protocol.FrameTypeRequest:
		var req protocol.RequestFrame
		if err := json.Unmarshal(data, &req); err != nil {
			c.logger.Warn("bridge dropping malformed request", "error", err)
			return
		}
		go c.serve(&req)

	case protocol.FrameTypeEvent:
		var ev protocol.EventFrame
		if err := json.Unmarshal(data, &ev); err != nil {
			c.logger.Warn("bridge dropping malformed event", "error", err)
			return
		}
		if c.onEvent != nil {
			c.onEvent(&ev)
		}

	default:
		c.logger.Warn("bridge dropping frame of unknown type", "frame", frameType)
	}
}

func (c *Conn) serve(req *protocol.RequestFrame) {
	var resp *protocol.ResponseFrame
	if c.handler == nil {
		resp = protocol.NewErrorResponse(req.ID, protocol.ErrUnknownMethod, "unknown method: "+req.Method)
	} else {
		resp = c.handler.HandleRequest(c.ctx, req)
	}
	if resp == nil {
		resp = protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "handler produced no response")
	}

	data, err := json.Marshal(resp)
	if err != nil {
		c.logger.Error("bridge marshal response failed", "id", req.ID, "error", err)
		data, _ = json.Marshal(protocol.NewErrorResponse(req.ID, protocol.ErrInternal, "marshal response failed"))
	}
	if err := c.enqueue(data); err != nil {
		c.logger.Warn("bridge response dropped", "id", req.ID, "method", req.Method, "error", err)
	}
}
