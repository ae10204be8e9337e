package notifications

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astromitra/consult/internal/transport"
	"github.com/astromitra/consult/pkg/logger"
)

// Kind classifies user-facing notifications.
type Kind string

const (
	// KindIncomingCall announces a call the counterparty started.
	KindIncomingCall Kind = "incoming_call"
	// KindSessionEnded announces a termination driven by the other side.
	KindSessionEnded Kind = "session_ended"
	// KindLowBalance warns that the wallet is close to the billing reserve.
	KindLowBalance Kind = "low_balance"
	// KindGeneric covers everything else the platform pushes.
	KindGeneric Kind = "generic"
)

// Notification is one user-facing notice delivered over the realtime channel.
type Notification struct {
	ID        string    `json:"id"`
	Kind      Kind      `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	At        time.Time `json:"at"`
}

// EventSource is the slice of the realtime channel the feed consumes.
type EventSource interface {
	Subscribe(event string, handler transport.Handler) *transport.Subscription
}

// Feed listens for notification events and fans them out to registered
// listeners. Deliveries are deduplicated by notification id, so a replay
// after a reconnect does not re-alert the user.
type Feed struct {
	source EventSource
	log    *zap.Logger

	mu           sync.Mutex
	started      bool
	subs         []*transport.Subscription
	seen         map[string]struct{}
	listeners    map[uint64]func(Notification)
	nextListener uint64
}

// NewFeed builds a feed over the given event source.
func NewFeed(source EventSource) (*Feed, error) {
	if source == nil {
		return nil, errors.New("notifications: source is required")
	}

	return &Feed{
		source:    source,
		log:       logger.WithModule("notifications"),
		seen:      make(map[string]struct{}),
		listeners: make(map[uint64]func(Notification)),
	}, nil
}

// Start attaches the feed to the realtime channel. Calling it twice is a
// no-op.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	f.mu.Unlock()

	subs := []*transport.Subscription{
		f.source.Subscribe("notification", f.handleNotification),
		f.source.Subscribe("incoming_call", f.handleIncomingCall),
	}

	f.mu.Lock()
	f.subs = append(f.subs, subs...)
	f.mu.Unlock()
}

// OnNotification registers a listener for every new notification.
func (f *Feed) OnNotification(fn func(Notification)) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.nextListener++
	id := f.nextListener
	f.listeners[id] = fn

	return transport.NewSubscription(func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	})
}

// Close detaches the feed from the channel.
func (f *Feed) Close() {
	f.mu.Lock()
	subs := f.subs
	f.subs = nil
	f.mu.Unlock()

	for _, sub := range subs {
		sub.Cancel()
	}
}

func (f *Feed) handleNotification(data json.RawMessage) {
	var n Notification
	if err := json.Unmarshal(data, &n); err != nil {
		f.log.Warn("discarding malformed notification", zap.Error(err))
		return
	}
	if n.Kind == "" {
		n.Kind = KindGeneric
	}
	f.publish(n)
}

func (f *Feed) handleIncomingCall(data json.RawMessage) {
	var payload struct {
		SessionID string `json:"session_id"`
		CallerID  string `json:"caller_id"`
		Video     bool   `json:"video"`
	}
	if err := json.Unmarshal(data, &payload); err != nil {
		f.log.Warn("discarding malformed incoming call", zap.Error(err))
		return
	}

	body := "Incoming audio call"
	if payload.Video {
		body = "Incoming video call"
	}
	f.publish(Notification{
		ID:        "call-" + payload.SessionID,
		Kind:      KindIncomingCall,
		SessionID: payload.SessionID,
		Title:     payload.CallerID,
		Body:      body,
		At:        time.Now(),
	})
}

func (f *Feed) publish(n Notification) {
	f.mu.Lock()
	if n.ID != "" {
		if _, dup := f.seen[n.ID]; dup {
			f.mu.Unlock()
			f.log.Debug("dropping duplicate notification", zap.String("id", n.ID))
			return
		}
		f.seen[n.ID] = struct{}{}
	}
	fns := make([]func(Notification), 0, len(f.listeners))
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()

	for _, fn := range fns {
		fn(n)
	}
}
