package chat

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/astromitra/consult/internal/transport"
	"github.com/astromitra/consult/pkg/logger"
)

// Log is the reconciling transcript for one consultation. Outbound messages
// appear immediately as pending local echoes; when the server confirms a
// message, the oldest matching echo is replaced in place so the transcript
// never shows the same text twice. Confirmed messages are deduplicated by
// canonical id, which makes replayed deliveries after a reconnect harmless.
type Log struct {
	selfID  string
	log     *zap.Logger
	timeNow func() time.Time

	mu           sync.Mutex
	messages     []Message
	seen         map[string]struct{}
	listeners    map[uint64]func()
	nextListener uint64
}

// NewLog builds an empty transcript for the given local user.
func NewLog(selfID string) (*Log, error) {
	if selfID == "" {
		return nil, errors.New("chat: selfID is required")
	}

	return &Log{
		selfID:    selfID,
		log:       logger.WithModule("chat"),
		timeNow:   time.Now,
		seen:      make(map[string]struct{}),
		listeners: make(map[uint64]func()),
	}, nil
}

// Snapshot returns a copy of the transcript in display order.
func (l *Log) Snapshot() []Message {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Message, len(l.messages))
	copy(out, l.messages)
	return out
}

// Subscribe registers a listener invoked after every transcript change.
func (l *Log) Subscribe(fn func()) *transport.Subscription {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.nextListener++
	id := l.nextListener
	l.listeners[id] = fn

	return transport.NewSubscription(func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		delete(l.listeners, id)
	})
}

// AppendOptimistic records a locally sent message before the server confirms
// it and returns the pending echo.
func (l *Log) AppendOptimistic(sessionID, content string, kind Kind, detail json.RawMessage) Message {
	msg := Message{
		ID:        optimisticPrefix + uuid.NewString(),
		SessionID: sessionID,
		SenderID:  l.selfID,
		Kind:      kind,
		Content:   content,
		Detail:    detail,
		SentAt:    l.timeNow(),
		Pending:   true,
		Self:      true,
	}

	l.mu.Lock()
	l.messages = append(l.messages, msg)
	l.mu.Unlock()

	l.notify()
	return msg
}

// Ingest applies a confirmed message from the server. It reports whether the
// transcript changed: duplicates by canonical id are dropped, and confirmed
// copies of local echoes replace the oldest matching pending entry instead of
// appending.
func (l *Log) Ingest(msg Message) bool {
	if IsOptimistic(msg.ID) {
		l.log.Warn("dropping message with placeholder id", zap.String("id", msg.ID))
		return false
	}
	if msg.ID == "" {
		// no server id on this frame; a generated one still allows dedupe of
		// later frames that do carry it
		msg.ID = uuid.NewString()
	}

	l.mu.Lock()
	if _, dup := l.seen[msg.ID]; dup {
		l.mu.Unlock()
		l.log.Debug("dropping duplicate delivery", zap.String("id", msg.ID))
		return false
	}
	l.seen[msg.ID] = struct{}{}

	msg.Self = msg.SenderID == l.selfID
	msg.Pending = false

	replaced := false
	if msg.Self {
		for i := range l.messages {
			if l.messages[i].matches(msg) {
				l.messages[i] = msg
				replaced = true
				break
			}
		}
	}
	if !replaced {
		l.messages = append(l.messages, msg)
	}
	l.mu.Unlock()

	l.notify()
	return true
}

// Seed replaces the transcript with canonical history fetched after a reload
// or resync. Pending local echoes survive unless the history already contains
// a confirmed copy.
func (l *Log) Seed(history []Message) {
	l.mu.Lock()

	pending := make([]Message, 0)
	for _, m := range l.messages {
		if m.Pending {
			pending = append(pending, m)
		}
	}

	l.messages = l.messages[:0]
	l.seen = make(map[string]struct{})

	for _, m := range history {
		if m.ID == "" || IsOptimistic(m.ID) {
			continue
		}
		if _, dup := l.seen[m.ID]; dup {
			continue
		}
		l.seen[m.ID] = struct{}{}
		m.Self = m.SenderID == l.selfID
		m.Pending = false
		l.messages = append(l.messages, m)
	}

	for _, p := range pending {
		confirmed := false
		for _, m := range l.messages {
			if m.Self && p.matches(m) {
				confirmed = true
				break
			}
		}
		if !confirmed {
			l.messages = append(l.messages, p)
		}
	}

	l.mu.Unlock()
	l.notify()
}

// Len returns the number of transcript entries.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.messages)
}

func (l *Log) notify() {
	l.mu.Lock()
	fns := make([]func(), 0, len(l.listeners))
	for _, fn := range l.listeners {
		fns = append(fns, fn)
	}
	l.mu.Unlock()

	for _, fn := range fns {
		fn()
	}
}
