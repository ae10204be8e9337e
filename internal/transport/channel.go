package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	apperrors "github.com/astromitra/consult/pkg/errors"
	"github.com/astromitra/consult/pkg/logger"
	"github.com/astromitra/consult/pkg/metrics"
)

const (
	defaultConnectTimeout = 10 * time.Second
	defaultWriteTimeout   = 10 * time.Second
	defaultPongTimeout    = 60 * time.Second
	defaultReconnectDelay = time.Second

	sendBufferSize = 64
)

// Envelope is the wire frame exchanged over the realtime channel. Ack carries
// a correlation id when the sender expects a reply frame.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
	Ack   string          `json:"ack,omitempty"`
}

// Handler consumes the payload of a named server event.
type Handler func(data json.RawMessage)

// Subscription detaches a handler when cancelled. Cancel is safe to call more
// than once.
type Subscription struct {
	once   sync.Once
	cancel func()
}

// NewSubscription wraps a cancel function into a Subscription.
func NewSubscription(cancel func()) *Subscription {
	return &Subscription{cancel: cancel}
}

// Cancel detaches the handler backing this subscription.
func (s *Subscription) Cancel() {
	if s == nil {
		return
	}
	s.once.Do(func() {
		if s.cancel != nil {
			s.cancel()
		}
	})
}

// Options configures a Channel.
type Options struct {
	URL               string
	Token             string
	ConnectTimeout    time.Duration
	ReconnectAttempts int
	ReconnectDelay    time.Duration
	WriteTimeout      time.Duration
	PongTimeout       time.Duration
	Logger            *zap.Logger
}

func (o *Options) applyDefaults() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = defaultConnectTimeout
	}
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = defaultReconnectDelay
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.PongTimeout <= 0 {
		o.PongTimeout = defaultPongTimeout
	}
	if o.Logger == nil {
		o.Logger = logger.WithModule("transport")
	}
}

// wsSession holds the state tied to one underlying websocket connection. A
// reconnect replaces the whole session rather than mutating it in place.
type wsSession struct {
	conn *websocket.Conn
	send chan Envelope
	done chan struct{}
}

type connectAttempt struct {
	done chan struct{}
	err  error
}

// Channel is a reconnecting websocket event channel. Connect is idempotent,
// concurrent callers share a single in-flight attempt, and handlers registered
// with Subscribe survive reconnects.
type Channel struct {
	opts Options
	log  *zap.Logger

	mu           sync.Mutex
	session      *wsSession
	attempt      *connectAttempt
	closed       bool
	reconnecting bool
	handlers     map[string]map[uint64]Handler
	nextHandler  uint64
	pending      map[string]chan json.RawMessage
	onReconnect  []func()
}

// NewChannel builds a disconnected channel. Call Connect before Send.
func NewChannel(opts Options) (*Channel, error) {
	if opts.URL == "" {
		return nil, apperrors.New("transport.invalid_options", "transport: URL is required", apperrors.CategoryPrecondition)
	}
	opts.applyDefaults()

	return &Channel{
		opts:     opts,
		log:      opts.Logger,
		handlers: make(map[string]map[uint64]Handler),
		pending:  make(map[string]chan json.RawMessage),
	}, nil
}

// Connected reports whether a live websocket session exists.
func (c *Channel) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// OnReconnect registers a hook invoked after every successful automatic
// reconnect, used by callers to re-join server-side rooms.
func (c *Channel) OnReconnect(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReconnect = append(c.onReconnect, fn)
}

// Connect establishes the websocket session. Calling it while already
// connected returns immediately, and concurrent callers share one attempt.
func (c *Channel) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	if c.session != nil {
		c.mu.Unlock()
		return nil
	}
	if c.attempt != nil {
		attempt := c.attempt
		c.mu.Unlock()
		select {
		case <-attempt.done:
			return attempt.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	attempt := &connectAttempt{done: make(chan struct{})}
	c.attempt = attempt
	c.mu.Unlock()

	err := c.dialAndStart(ctx)

	c.mu.Lock()
	c.attempt = nil
	c.mu.Unlock()

	attempt.err = err
	close(attempt.done)
	return err
}

func (c *Channel) dialAndStart(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: c.opts.ConnectTimeout}

	header := http.Header{}
	if c.opts.Token != "" {
		header.Set("Authorization", "Bearer "+c.opts.Token)
	}

	dialCtx, cancel := context.WithTimeout(ctx, c.opts.ConnectTimeout)
	defer cancel()

	conn, resp, err := dialer.DialContext(dialCtx, c.opts.URL, header)
	if err != nil {
		if resp != nil && (resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden) {
			return apperrors.ErrAuthRejected.WithInternal(err)
		}
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return apperrors.ErrConnectTimeout.WithInternal(err)
		}
		if errors.Is(err, context.DeadlineExceeded) {
			return apperrors.ErrConnectTimeout.WithInternal(err)
		}
		return apperrors.Wrap(err, "transport: dial realtime channel")
	}

	session := &wsSession{
		conn: conn,
		send: make(chan Envelope, sendBufferSize),
		done: make(chan struct{}),
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return apperrors.ErrNotConnected
	}
	c.session = session
	c.mu.Unlock()

	go c.readPump(session)
	go c.writePump(session)

	c.log.Info("realtime channel connected", zap.String("url", c.opts.URL))
	return nil
}

// Send pushes a fire-and-forget event frame. It fails fast with
// ErrNotConnected instead of queueing while the channel is down.
func (c *Channel) Send(event string, payload any) error {
	return c.sendEnvelope(event, payload, "")
}

func (c *Channel) sendEnvelope(event string, payload any, ack string) error {
	var data json.RawMessage
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return apperrors.Wrap(err, "transport: encode event payload")
		}
		data = raw
	}

	c.mu.Lock()
	session := c.session
	c.mu.Unlock()

	if session == nil {
		c.log.Warn("dropping event, channel not connected", zap.String("event", event))
		return apperrors.ErrNotConnected
	}

	env := Envelope{Event: event, Data: data, Ack: ack}
	select {
	case session.send <- env:
		metrics.Messages.WithLabelValues("outbound").Inc()
		return nil
	case <-session.done:
		return apperrors.ErrNotConnected
	}
}

// Request sends an event carrying a correlation id and waits for the matching
// ack frame from the server.
func (c *Channel) Request(ctx context.Context, event string, payload any) (json.RawMessage, error) {
	id := uuid.NewString()
	reply := make(chan json.RawMessage, 1)

	c.mu.Lock()
	c.pending[id] = reply
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	if err := c.sendEnvelope(event, payload, id); err != nil {
		return nil, err
	}

	select {
	case data := <-reply:
		return data, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Subscribe attaches a handler for a named server event. Handlers persist
// across reconnects until the returned subscription is cancelled.
func (c *Channel) Subscribe(event string, handler Handler) *Subscription {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.handlers[event] == nil {
		c.handlers[event] = make(map[uint64]Handler)
	}
	c.nextHandler++
	id := c.nextHandler
	c.handlers[event][id] = handler

	return NewSubscription(func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers[event], id)
	})
}

// Close tears the channel down permanently. It is safe to call repeatedly.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	session := c.session
	c.session = nil
	c.mu.Unlock()

	if session != nil {
		close(session.done)
		session.conn.Close()
	}
	return nil
}

func (c *Channel) readPump(s *wsSession) {
	defer c.handleDisconnect(s)

	s.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(c.opts.PongTimeout))
		return nil
	})

	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				c.log.Warn("realtime channel read failed", zap.Error(err))
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(raw, &env); err != nil {
			c.log.Warn("discarding malformed frame", zap.Error(err))
			continue
		}

		metrics.Messages.WithLabelValues("inbound").Inc()
		c.dispatch(env)
	}
}

func (c *Channel) writePump(s *wsSession) {
	ticker := time.NewTicker(c.opts.PongTimeout * 9 / 10)
	defer func() {
		ticker.Stop()
		s.conn.Close()
	}()

	for {
		select {
		case env := <-s.send:
			s.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := s.conn.WriteJSON(env); err != nil {
				c.log.Warn("realtime channel write failed", zap.Error(err))
				return
			}
		case <-ticker.C:
			s.conn.SetWriteDeadline(time.Now().Add(c.opts.WriteTimeout))
			if err := s.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-s.done:
			return
		}
	}
}

func (c *Channel) dispatch(env Envelope) {
	if env.Ack != "" {
		c.mu.Lock()
		reply, ok := c.pending[env.Ack]
		if ok {
			delete(c.pending, env.Ack)
		}
		c.mu.Unlock()
		if ok {
			reply <- env.Data
			return
		}
	}

	c.mu.Lock()
	registered := c.handlers[env.Event]
	handlers := make([]Handler, 0, len(registered))
	for _, h := range registered {
		handlers = append(handlers, h)
	}
	c.mu.Unlock()

	for _, h := range handlers {
		h(env.Data)
	}
}

func (c *Channel) handleDisconnect(s *wsSession) {
	c.mu.Lock()
	if c.session != s {
		c.mu.Unlock()
		return
	}
	c.session = nil
	closed := c.closed
	alreadyReconnecting := c.reconnecting
	if !closed && !alreadyReconnecting {
		c.reconnecting = true
	}
	c.mu.Unlock()

	select {
	case <-s.done:
	default:
		close(s.done)
	}
	s.conn.Close()

	if closed || alreadyReconnecting {
		return
	}

	go c.reconnectLoop()
}

// reconnectLoop retries with doubling delays until a session is restored or
// the configured attempts are exhausted. The session state machine stays wherever it
// was; a later resync fast-forwards it.
func (c *Channel) reconnectLoop() {
	defer func() {
		c.mu.Lock()
		c.reconnecting = false
		c.mu.Unlock()
	}()

	delay := c.opts.ReconnectDelay
	for i := 1; c.opts.ReconnectAttempts == 0 || i <= c.opts.ReconnectAttempts; i++ {
		time.Sleep(delay)
		if delay < 30*time.Second {
			delay *= 2
		}

		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.mu.Unlock()

		err := c.Connect(context.Background())
		if err == nil {
			metrics.TransportReconnects.WithLabelValues("success").Inc()
			c.log.Info("realtime channel reconnected", zap.Int("attempt", i))
			c.fireReconnect()
			return
		}

		metrics.TransportReconnects.WithLabelValues("failure").Inc()
		c.log.Warn("reconnect attempt failed", zap.Int("attempt", i), zap.Error(err))
	}

	c.log.Error("realtime channel gave up reconnecting",
		zap.Int("attempts", c.opts.ReconnectAttempts))
}

func (c *Channel) fireReconnect() {
	c.mu.Lock()
	hooks := make([]func(), len(c.onReconnect))
	copy(hooks, c.onReconnect)
	c.mu.Unlock()

	for _, fn := range hooks {
		fn()
	}
}
