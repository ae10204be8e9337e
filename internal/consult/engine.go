package consult

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/astromitra/consult/internal/api"
	"github.com/astromitra/consult/internal/chat"
	"github.com/astromitra/consult/internal/media"
	"github.com/astromitra/consult/internal/session"
	"github.com/astromitra/consult/internal/transport"
	"github.com/astromitra/consult/internal/wallet"
	apperrors "github.com/astromitra/consult/pkg/errors"
	"github.com/astromitra/consult/pkg/logger"
	"github.com/astromitra/consult/pkg/metrics"
)

// EventChannel is the slice of the realtime transport the engine consumes.
type EventChannel interface {
	Connect(ctx context.Context) error
	Send(event string, payload any) error
	Request(ctx context.Context, event string, payload any) (json.RawMessage, error)
	Subscribe(event string, handler transport.Handler) *transport.Subscription
	OnReconnect(fn func())
	Close() error
}

// SessionAPI is the slice of the REST backend the engine consumes.
type SessionAPI interface {
	InitiateChat(ctx context.Context, req api.InitiateRequest) (*api.SessionInfo, error)
	InitiateCall(ctx context.Context, req api.InitiateRequest) (*api.SessionInfo, error)
	ContinueChat(ctx context.Context, sessionID string) (*api.SessionInfo, error)
	CancelSession(ctx context.Context, sessionID, reason string) error
	EndSession(ctx context.Context, sessionID, reason string) error
	SyncState(ctx context.Context, sessionID string) (*api.SessionInfo, error)
	ConversationMessages(ctx context.Context, sessionID string) ([]chat.Message, error)
}

// BalanceChecker verifies the wallet covers the billing reserve.
type BalanceChecker interface {
	Require(ctx context.Context, ratePerMinute decimal.Decimal) (*wallet.Check, error)
}

// Options configures an Engine.
type Options struct {
	UserID      string
	Channel     EventChannel
	API         SessionAPI
	Wallet      BalanceChecker
	MediaEngine media.Engine
	// IntroDetail, when set, is shared with the consultant as a structured
	// detail card the moment a chat session first goes active.
	IntroDetail       json.RawMessage
	DriftThreshold    int
	DefaultMaxSeconds int
	Ticker            session.TickerFactory
	Logger            *zap.Logger
}

// Snapshot is the engine state handed to observers after every change.
type Snapshot struct {
	Status             session.Status
	Kind               session.Kind
	CallMode           session.CallMode
	SessionID          string
	OrderID            string
	CounterpartyID     string
	RemainingSeconds   int
	ElapsedSeconds     int
	Resumed            bool
	EndReason          session.EndReason
	MediaMode          media.Mode
	CounterpartyTyping bool
	Messages           []chat.Message
}

const typingIndicatorTTL = 3 * time.Second

// Engine drives one consultation at a time over the realtime channel and the
// REST backend. All inbound events funnel through idempotent transitions, so
// duplicated, replayed or out-of-order deliveries never run a side effect
// twice.
type Engine struct {
	opts Options
	log  *zap.Logger

	machine    *session.Machine
	countdown  *session.Countdown
	transcript *chat.Log

	mu           sync.Mutex
	started      bool
	closed       bool
	coordinator  *media.Coordinator
	wantVideo    bool
	creds        *media.Credentials
	typingActive bool
	typingTimer  *time.Timer
	subs         []*transport.Subscription
	observers    map[uint64]func(Snapshot)
	nextObserver uint64
}

// NewEngine wires an engine from its collaborators.
func NewEngine(opts Options) (*Engine, error) {
	if opts.UserID == "" {
		return nil, errors.New("consult: UserID is required")
	}
	if opts.Channel == nil {
		return nil, errors.New("consult: Channel is required")
	}
	if opts.API == nil {
		return nil, errors.New("consult: API is required")
	}
	if opts.Wallet == nil {
		return nil, errors.New("consult: Wallet is required")
	}
	if opts.DefaultMaxSeconds <= 0 {
		opts.DefaultMaxSeconds = 300
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithModule("consult")
	}

	transcript, err := chat.NewLog(opts.UserID)
	if err != nil {
		return nil, err
	}

	e := &Engine{
		opts:       opts,
		log:        opts.Logger,
		machine:    session.NewMachine(),
		transcript: transcript,
		observers:  make(map[uint64]func(Snapshot)),
	}

	e.countdown, err = session.NewCountdown(session.CountdownOptions{
		DriftThreshold: opts.DriftThreshold,
		Ticker:         opts.Ticker,
		OnTick:         func(int) { e.notify() },
		OnExpire:       e.expireLocally,
	})
	if err != nil {
		return nil, err
	}

	transcript.Subscribe(func() { e.notify() })
	return e, nil
}

// Start connects the realtime channel and attaches the event handlers.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return apperrors.ErrNotConnected
	}
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	if err := e.opts.Channel.Connect(ctx); err != nil {
		e.mu.Lock()
		e.started = false
		e.mu.Unlock()
		return err
	}

	subs := []*transport.Subscription{
		e.opts.Channel.Subscribe("chat_accepted", e.handleAccepted),
		e.opts.Channel.Subscribe("call_accepted", e.handleAccepted),
		e.opts.Channel.Subscribe("timer_start", e.handleTimerStart),
		e.opts.Channel.Subscribe("timer_tick", e.handleTimerTick),
		e.opts.Channel.Subscribe("chat_message", e.handleMessage),
		e.opts.Channel.Subscribe("new_message", e.handleMessage),
		e.opts.Channel.Subscribe("typing", e.handleTyping),
		e.opts.Channel.Subscribe("chat_ended", e.terminationHandler(session.ReasonRemote)),
		e.opts.Channel.Subscribe("call_ended", e.terminationHandler(session.ReasonRemote)),
		e.opts.Channel.Subscribe("chat_rejected", e.terminationHandler(session.ReasonRejected)),
		e.opts.Channel.Subscribe("call_rejected", e.terminationHandler(session.ReasonRejected)),
		e.opts.Channel.Subscribe("call_cancelled", e.terminationHandler(session.ReasonCancelled)),
		e.opts.Channel.Subscribe("call_timeout", e.terminationHandler(session.ReasonTimeout)),
	}

	e.mu.Lock()
	e.subs = append(e.subs, subs...)
	e.mu.Unlock()

	e.opts.Channel.OnReconnect(func() { e.resync(context.Background()) })
	return nil
}

// Subscribe registers an observer that receives a snapshot after every state
// change.
func (e *Engine) Subscribe(fn func(Snapshot)) *transport.Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextObserver++
	id := e.nextObserver
	e.observers[id] = fn

	return transport.NewSubscription(func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.observers, id)
	})
}

// Snapshot returns the current engine state.
func (e *Engine) Snapshot() Snapshot {
	status, desc := e.machine.Snapshot()

	e.mu.Lock()
	mode := media.ModeNone
	if e.coordinator != nil {
		mode = e.coordinator.Mode()
	}
	typing := e.typingActive
	e.mu.Unlock()

	return Snapshot{
		Status:             status,
		Kind:               desc.Kind,
		CallMode:           desc.CallMode,
		SessionID:          desc.ID,
		OrderID:            desc.OrderID,
		CounterpartyID:     desc.CounterpartyID,
		RemainingSeconds:   e.countdown.Remaining(),
		ElapsedSeconds:     e.countdown.Elapsed(),
		Resumed:            desc.Resumed,
		EndReason:          e.machine.Reason(),
		MediaMode:          mode,
		CounterpartyTyping: typing,
		Messages:           e.transcript.Snapshot(),
	}
}

// InitiateChat requests a chat consultation. The wallet must cover the
// billing reserve before anything leaves the device.
func (e *Engine) InitiateChat(ctx context.Context, counterpartyID string, ratePerMinute decimal.Decimal) error {
	return e.initiate(ctx, session.KindChat, counterpartyID, ratePerMinute, false)
}

// InitiateCall requests a call consultation, optionally with video.
func (e *Engine) InitiateCall(ctx context.Context, counterpartyID string, ratePerMinute decimal.Decimal, video bool) error {
	if e.opts.MediaEngine == nil {
		return errors.New("consult: calls require a media engine")
	}
	return e.initiate(ctx, session.KindCall, counterpartyID, ratePerMinute, video)
}

func (e *Engine) initiate(ctx context.Context, kind session.Kind, counterpartyID string, rate decimal.Decimal, video bool) error {
	if _, err := e.opts.Wallet.Require(ctx, rate); err != nil {
		return err
	}

	req := api.InitiateRequest{
		CounterpartyID: counterpartyID,
		RatePerMinute:  rate,
		MaxSeconds:     e.opts.DefaultMaxSeconds,
		Video:          video,
	}

	var (
		info *api.SessionInfo
		err  error
	)
	if kind == session.KindChat {
		info, err = e.opts.API.InitiateChat(ctx, req)
	} else {
		info, err = e.opts.API.InitiateCall(ctx, req)
	}
	if err != nil {
		return err
	}

	desc := session.Descriptor{
		ID:             info.SessionID,
		OrderID:        info.OrderID,
		Kind:           kind,
		CounterpartyID: counterpartyID,
		RatePerMinute:  rate,
		MaxSeconds:     e.opts.DefaultMaxSeconds,
	}
	if kind == session.KindCall {
		desc.CallMode = session.CallModeAudio
		if video {
			desc.CallMode = session.CallModeVideo
		}
	}
	if err := e.machine.Begin(desc); err != nil {
		return err
	}

	e.mu.Lock()
	e.wantVideo = video
	e.creds = info.Credentials
	e.coordinator = nil
	e.mu.Unlock()

	if err := e.opts.Channel.Send("join_session", joinPayload{SessionID: info.SessionID}); err != nil {
		e.log.Warn("join_session not delivered", zap.Error(err))
	}

	start := "start_chat"
	if kind == session.KindCall {
		start = "start_call"
	}
	if err := e.opts.Channel.Send(start, startPayload{
		SessionID:      info.SessionID,
		CounterpartyID: counterpartyID,
		Video:          video,
	}); err != nil {
		return err
	}

	metrics.Sessions.WithLabelValues(string(kind), "initiated").Inc()
	e.log.Info("session initiated",
		zap.String("session_id", info.SessionID),
		zap.String("kind", string(kind)))
	e.notify()
	return nil
}

// ContinueChat re-opens the last ended chat with the same consultant while
// keeping the transcript.
func (e *Engine) ContinueChat(ctx context.Context) error {
	status, desc := e.machine.Snapshot()
	if status != session.StatusEnded || desc.Kind != session.KindChat {
		return errors.New("consult: no ended chat to continue")
	}

	if _, err := e.opts.Wallet.Require(ctx, desc.RatePerMinute); err != nil {
		return err
	}

	info, err := e.opts.API.ContinueChat(ctx, desc.ID)
	if err != nil {
		return err
	}

	next := desc
	next.ID = info.SessionID
	if info.OrderID != "" {
		next.OrderID = info.OrderID
	}
	next.Resumed = true
	if err := e.machine.Begin(next); err != nil {
		return err
	}
	if err := e.machine.MarkResumed(info.SessionID); err != nil {
		return err
	}

	if err := e.opts.Channel.Send("join_session", joinPayload{SessionID: info.SessionID}); err != nil {
		e.log.Warn("join_session not delivered", zap.Error(err))
	}

	metrics.Sessions.WithLabelValues(string(session.KindChat), "continued").Inc()
	e.notify()
	return nil
}

// Resume re-attaches to a session after a reload. The authoritative state
// from the backend fast-forwards the local machine, skipping any phases the
// client missed while it was away.
func (e *Engine) Resume(ctx context.Context, sessionID string, kind session.Kind, counterpartyID string, ratePerMinute decimal.Decimal) error {
	info, err := e.opts.API.SyncState(ctx, sessionID)
	if err != nil {
		return err
	}

	desc := session.Descriptor{
		ID:             sessionID,
		Kind:           kind,
		CounterpartyID: counterpartyID,
		RatePerMinute:  ratePerMinute,
		MaxSeconds:     e.opts.DefaultMaxSeconds,
		Resumed:        true,
	}
	if err := e.machine.Begin(desc); err != nil {
		return err
	}

	e.mu.Lock()
	e.wantVideo = false
	e.coordinator = nil
	e.creds = info.Credentials
	e.mu.Unlock()

	if err := e.opts.Channel.Send("join_session", joinPayload{SessionID: sessionID}); err != nil {
		e.log.Warn("join_session not delivered", zap.Error(err))
	}

	if history, err := e.opts.API.ConversationMessages(ctx, sessionID); err != nil {
		e.log.Warn("transcript fetch failed", zap.Error(err))
	} else {
		e.transcript.Seed(history)
	}

	e.applySync(info)
	return nil
}

// SendMessage appends a local echo immediately and forwards the message. The
// echo stays pending until the server confirms it.
func (e *Engine) SendMessage(content string, kind chat.Kind, detail json.RawMessage) error {
	status, desc := e.machine.Snapshot()
	if status != session.StatusActive && status != session.StatusWaiting {
		return apperrors.ErrSessionEnded
	}
	if kind == "" {
		kind = chat.KindText
	}

	echo := e.transcript.AppendOptimistic(desc.ID, content, kind, detail)
	err := e.opts.Channel.Send("send_message", messagePayload{
		SessionID: desc.ID,
		Content:   content,
		Kind:      string(kind),
		Detail:    detail,
		LocalID:   echo.ID,
	})
	if err != nil {
		return err
	}
	return nil
}

// Typing tells the counterparty this side is composing a message.
func (e *Engine) Typing() error {
	status, desc := e.machine.Snapshot()
	if status != session.StatusActive {
		return nil
	}
	return e.opts.Channel.Send("typing", joinPayload{SessionID: desc.ID})
}

// SyncTimer asks the server for the authoritative clock and reconciles the
// local countdown against it.
func (e *Engine) SyncTimer(ctx context.Context) error {
	status, desc := e.machine.Snapshot()
	if status != session.StatusActive {
		return nil
	}

	data, err := e.opts.Channel.Request(ctx, "sync_timer", joinPayload{SessionID: desc.ID})
	if err != nil {
		return err
	}

	var payload timerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return apperrors.Wrap(err, "consult: decode sync_timer reply")
	}
	e.countdown.Correct(payload.RemainingSeconds)
	e.notify()
	return nil
}

// Cancel withdraws a pending request before the consultant responds.
func (e *Engine) Cancel(ctx context.Context) error {
	status, desc := e.machine.Snapshot()
	if status != session.StatusInitiated && status != session.StatusWaiting {
		return errors.New("consult: nothing to cancel")
	}

	if err := e.opts.API.CancelSession(ctx, desc.ID, string(session.ReasonCancelled)); err != nil {
		return err
	}
	e.endSession(desc.ID, session.ReasonCancelled, false)
	return nil
}

// Hangup ends the session from this side.
func (e *Engine) Hangup(ctx context.Context) error {
	status, desc := e.machine.Snapshot()
	if status == session.StatusIdle || status == session.StatusEnded {
		return nil
	}

	if err := e.opts.API.EndSession(ctx, desc.ID, string(session.ReasonCompleted)); err != nil {
		e.log.Warn("backend end failed, ending locally", zap.Error(err))
	}

	event := "end_chat"
	if desc.Kind == session.KindCall {
		event = "end_call"
	}
	if err := e.opts.Channel.Send(event, joinPayload{SessionID: desc.ID}); err != nil {
		e.log.Warn("end event not delivered", zap.Error(err))
	}

	e.endSession(desc.ID, session.ReasonCompleted, false)
	return nil
}

// Close releases everything the engine holds. Safe to call repeatedly.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	subs := e.subs
	e.subs = nil
	coordinator := e.coordinator
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
	e.countdown.Stop()

	var err error
	if coordinator != nil {
		err = multierr.Append(err, coordinator.Leave())
	}
	err = multierr.Append(err, e.opts.Channel.Close())
	return err
}

// wire payloads

type joinPayload struct {
	SessionID string `json:"session_id"`
}

type startPayload struct {
	SessionID      string `json:"session_id"`
	CounterpartyID string `json:"counterparty_id"`
	Video          bool   `json:"video,omitempty"`
}

type messagePayload struct {
	SessionID string          `json:"session_id"`
	Content   string          `json:"content"`
	Kind      string          `json:"kind"`
	Detail    json.RawMessage `json:"detail,omitempty"`
	LocalID   string          `json:"local_id,omitempty"`
}

type acceptedPayload struct {
	SessionID   string             `json:"session_id"`
	Credentials *media.Credentials `json:"credentials,omitempty"`
}

type timerPayload struct {
	SessionID        string `json:"session_id"`
	RemainingSeconds int    `json:"remaining_seconds"`
}

type endedPayload struct {
	SessionID string `json:"session_id"`
	Reason    string `json:"reason,omitempty"`
}

// event handlers

func (e *Engine) handleAccepted(data json.RawMessage) {
	var payload acceptedPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		e.log.Warn("discarding malformed acceptance", zap.Error(err))
		return
	}

	changed, err := e.machine.MarkWaiting(payload.SessionID)
	if err != nil {
		e.logDropped("acceptance", err)
		return
	}

	// credentials can ride an acceptance that the activation overtook, so they
	// are stored and acted on even when the transition itself is a no-op
	if payload.Credentials != nil {
		e.mu.Lock()
		e.creds = payload.Credentials
		e.mu.Unlock()
	}

	_, desc := e.machine.Snapshot()
	if desc.Kind == session.KindCall && !e.mediaJoined() {
		e.joinMedia()
	}

	if !changed {
		e.log.Debug("duplicate acceptance ignored", zap.String("session_id", payload.SessionID))
		return
	}
	e.notify()
}

func (e *Engine) mediaJoined() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.coordinator != nil && e.coordinator.Joined()
}

func (e *Engine) handleTimerStart(data json.RawMessage) {
	var payload timerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		e.log.Warn("discarding malformed timer start", zap.Error(err))
		return
	}

	e.activate(payload.SessionID, payload.RemainingSeconds)
}

func (e *Engine) activate(sessionID string, remaining int) {
	first, err := e.machine.Activate(sessionID)
	if err != nil {
		e.logDropped("activation", err)
		return
	}

	if first {
		_, desc := e.machine.Snapshot()
		if remaining <= 0 {
			remaining = desc.MaxSeconds
		}
		if desc.Kind == session.KindCall {
			e.joinMedia()
		}
		e.countdown.Start(remaining)
		metrics.Sessions.WithLabelValues(string(desc.Kind), "active").Inc()
		e.log.Info("session active",
			zap.String("session_id", sessionID),
			zap.Int("remaining_seconds", remaining))
		if desc.Kind == session.KindChat && len(e.opts.IntroDetail) > 0 && !desc.Resumed {
			if err := e.SendMessage("", chat.KindDetail, e.opts.IntroDetail); err != nil {
				e.log.Warn("intro details not delivered", zap.Error(err))
			}
		}
	} else if remaining > 0 {
		e.countdown.Correct(remaining)
	}
	e.notify()
}

func (e *Engine) handleTimerTick(data json.RawMessage) {
	var payload timerPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	status, desc := e.machine.Snapshot()
	if status != session.StatusActive || (payload.SessionID != "" && payload.SessionID != desc.ID) {
		return
	}
	e.countdown.Correct(payload.RemainingSeconds)
	e.notify()
}

func (e *Engine) handleMessage(data json.RawMessage) {
	var msg chat.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		e.log.Warn("discarding malformed message", zap.Error(err))
		return
	}

	_, desc := e.machine.Snapshot()
	if msg.SessionID != "" && msg.SessionID != desc.ID {
		e.log.Debug("dropping message for another session", zap.String("session_id", msg.SessionID))
		return
	}
	e.transcript.Ingest(msg)
}

func (e *Engine) handleTyping(data json.RawMessage) {
	var payload joinPayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return
	}

	status, desc := e.machine.Snapshot()
	if status != session.StatusActive || (payload.SessionID != "" && payload.SessionID != desc.ID) {
		return
	}

	e.mu.Lock()
	e.typingActive = true
	if e.typingTimer != nil {
		e.typingTimer.Stop()
	}
	e.typingTimer = time.AfterFunc(typingIndicatorTTL, func() {
		e.mu.Lock()
		e.typingActive = false
		e.mu.Unlock()
		e.notify()
	})
	e.mu.Unlock()
	e.notify()
}

func (e *Engine) terminationHandler(reason session.EndReason) transport.Handler {
	return func(data json.RawMessage) {
		var payload endedPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			e.log.Warn("discarding malformed termination", zap.Error(err))
			return
		}
		e.endSession(payload.SessionID, reason, true)
	}
}

// expireLocally ends the session when the local clock crosses zero. The
// countdown guarantees this runs at most once per session.
func (e *Engine) expireLocally() {
	_, desc := e.machine.Snapshot()
	if desc.ID == "" {
		return
	}

	e.log.Info("session expired locally", zap.String("session_id", desc.ID))
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.opts.API.EndSession(ctx, desc.ID, string(session.ReasonExpired)); err != nil {
		e.log.Warn("backend end after expiry failed", zap.Error(err))
	}
	e.endSession(desc.ID, session.ReasonExpired, false)
}

// endSession runs the terminal transition and, when it actually changed
// state, the one-time cleanup. Duplicated terminations fall through without
// side effects.
func (e *Engine) endSession(sessionID string, reason session.EndReason, remote bool) {
	changed, err := e.machine.End(sessionID, reason)
	if err != nil {
		e.logDropped("termination", err)
		return
	}
	if !changed {
		e.log.Debug("duplicate termination ignored", zap.String("session_id", sessionID))
		return
	}

	e.countdown.Stop()

	e.mu.Lock()
	coordinator := e.coordinator
	e.creds = nil
	e.typingActive = false
	if e.typingTimer != nil {
		e.typingTimer.Stop()
		e.typingTimer = nil
	}
	e.mu.Unlock()

	if coordinator != nil {
		if err := coordinator.Leave(); err != nil {
			e.log.Warn("media teardown reported errors", zap.Error(err))
		}
	}

	if err := e.opts.Channel.Send("leave_session", joinPayload{SessionID: sessionID}); err != nil {
		e.log.Debug("leave_session not delivered", zap.Error(err))
	}

	_, desc := e.machine.Snapshot()
	metrics.Sessions.WithLabelValues(string(desc.Kind), string(reason)).Inc()
	e.log.Info("session ended",
		zap.String("session_id", sessionID),
		zap.String("reason", string(reason)),
		zap.Bool("remote", remote))
	e.notify()
}

// joinMedia runs the call handshake. The machine's change flags plus the
// coordinator's own one-shot state keep this exactly-once even when
// acceptance and activation both try to trigger it.
func (e *Engine) joinMedia() {
	if e.opts.MediaEngine == nil {
		return
	}

	e.mu.Lock()
	if e.coordinator == nil {
		coordinator, err := media.NewCoordinator(e.opts.MediaEngine)
		if err != nil {
			e.mu.Unlock()
			e.log.Error("media coordinator unavailable", zap.Error(err))
			return
		}
		e.coordinator = coordinator
	}
	coordinator := e.coordinator
	creds := e.creds
	wantVideo := e.wantVideo
	e.mu.Unlock()

	if creds == nil {
		e.log.Warn("no media credentials yet, join deferred")
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	mode, err := coordinator.Join(ctx, *creds, wantVideo)
	if err != nil {
		if apperrors.IsRecoverable(err) {
			e.log.Warn("media join degraded", zap.Error(err))
			return
		}
		e.log.Error("media join failed", zap.Error(err))
		return
	}
	e.log.Info("media joined", zap.String("mode", string(mode)))
	e.notify()
}

// resync runs after a reconnect: re-join the session room, pull the
// authoritative state and transcript, and fast-forward the machine.
func (e *Engine) resync(ctx context.Context) {
	status, desc := e.machine.Snapshot()
	if status == session.StatusIdle || status == session.StatusEnded {
		return
	}

	if err := e.opts.Channel.Send("join_session", joinPayload{SessionID: desc.ID}); err != nil {
		e.log.Warn("re-join after reconnect failed", zap.Error(err))
	}

	info, err := e.opts.API.SyncState(ctx, desc.ID)
	if err != nil {
		e.log.Warn("state sync after reconnect failed", zap.Error(err))
		return
	}

	if history, err := e.opts.API.ConversationMessages(ctx, desc.ID); err != nil {
		e.log.Warn("transcript sync after reconnect failed", zap.Error(err))
	} else {
		e.transcript.Seed(history)
	}

	e.applySync(info)
}

// applySync fast-forwards the machine to the server-reported state. Activation
// through here behaves exactly like a live timer_start, so a session that
// went active while the client was away skips the waiting phase and runs its
// first-activation actions once.
func (e *Engine) applySync(info *api.SessionInfo) {
	if info.Credentials != nil {
		e.mu.Lock()
		e.creds = info.Credentials
		e.mu.Unlock()
	}

	switch info.Status {
	case "initiated":
		e.notify()
	case "waiting":
		if changed, err := e.machine.MarkWaiting(info.SessionID); err != nil {
			e.logDropped("sync acceptance", err)
		} else if changed {
			_, desc := e.machine.Snapshot()
			if desc.Kind == session.KindCall {
				e.joinMedia()
			}
		}
		e.notify()
	case "active":
		e.activate(info.SessionID, info.RemainingSeconds)
	case "ended":
		e.endSession(info.SessionID, session.ReasonRemote, true)
	default:
		e.log.Warn("unknown sync status", zap.String("status", info.Status))
	}
}

func (e *Engine) logDropped(event string, err error) {
	if errors.Is(err, session.ErrStale) {
		e.log.Debug("dropping stale "+event, zap.Error(err))
		return
	}
	e.log.Warn("dropping "+event, zap.Error(err))
}

func (e *Engine) notify() {
	e.mu.Lock()
	fns := make([]func(Snapshot), 0, len(e.observers))
	for _, fn := range e.observers {
		fns = append(fns, fn)
	}
	e.mu.Unlock()

	if len(fns) == 0 {
		return
	}
	snap := e.Snapshot()
	for _, fn := range fns {
		fn(snap)
	}
}
