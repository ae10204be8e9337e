package consult

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/astromitra/consult/internal/api"
	"github.com/astromitra/consult/internal/chat"
	"github.com/astromitra/consult/internal/media"
	"github.com/astromitra/consult/internal/session"
	"github.com/astromitra/consult/internal/transport"
	"github.com/astromitra/consult/internal/wallet"
	apperrors "github.com/astromitra/consult/pkg/errors"
)

type fakeChannel struct {
	mu        sync.Mutex
	handlers  map[string][]transport.Handler
	sent      []sentEvent
	reconnect []func()
	reply     json.RawMessage
}

type sentEvent struct {
	event   string
	payload any
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{handlers: make(map[string][]transport.Handler)}
}

func (f *fakeChannel) Connect(context.Context) error { return nil }

func (f *fakeChannel) Send(event string, payload any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return nil
}

func (f *fakeChannel) Request(_ context.Context, event string, payload any) (json.RawMessage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, sentEvent{event: event, payload: payload})
	return f.reply, nil
}

func (f *fakeChannel) Subscribe(event string, handler transport.Handler) *transport.Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[event] = append(f.handlers[event], handler)
	return transport.NewSubscription(nil)
}

func (f *fakeChannel) OnReconnect(fn func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconnect = append(f.reconnect, fn)
}

func (f *fakeChannel) Close() error { return nil }

func (f *fakeChannel) emit(t *testing.T, event string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	f.mu.Lock()
	handlers := append([]transport.Handler(nil), f.handlers[event]...)
	f.mu.Unlock()
	require.NotEmpty(t, handlers, "no handler for %s", event)

	for _, h := range handlers {
		h(data)
	}
}

func (f *fakeChannel) sentCount(event string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, s := range f.sent {
		if s.event == event {
			n++
		}
	}
	return n
}

func (f *fakeChannel) fireReconnect() {
	f.mu.Lock()
	hooks := append([]func(){}, f.reconnect...)
	f.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
}

type fakeAPI struct {
	mu        sync.Mutex
	info      *api.SessionInfo
	syncInfo  *api.SessionInfo
	history   []chat.Message
	initiates int
	ends      int
	cancels   int
	continues int
	syncs     int
}

func (f *fakeAPI) InitiateChat(context.Context, api.InitiateRequest) (*api.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiates++
	return f.info, nil
}

func (f *fakeAPI) InitiateCall(context.Context, api.InitiateRequest) (*api.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.initiates++
	return f.info, nil
}

func (f *fakeAPI) ContinueChat(context.Context, string) (*api.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.continues++
	return f.info, nil
}

func (f *fakeAPI) CancelSession(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancels++
	return nil
}

func (f *fakeAPI) EndSession(context.Context, string, string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ends++
	return nil
}

func (f *fakeAPI) SyncState(context.Context, string) (*api.SessionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.syncs++
	return f.syncInfo, nil
}

func (f *fakeAPI) ConversationMessages(context.Context, string) ([]chat.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.history, nil
}

func (f *fakeAPI) endCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ends
}

type fakeWallet struct {
	err   error
	calls int
}

func (f *fakeWallet) Require(context.Context, decimal.Decimal) (*wallet.Check, error) {
	f.calls++
	if f.err != nil {
		return &wallet.Check{}, f.err
	}
	return &wallet.Check{OK: true}, nil
}

type fakeMedia struct {
	mu     sync.Mutex
	joins  int
	leaves int
	stops  int
}

func (f *fakeMedia) Join(context.Context, media.Credentials) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.joins++
	return nil
}
func (f *fakeMedia) PublishAudio(context.Context) error { return nil }
func (f *fakeMedia) PublishVideo(context.Context) error { return nil }
func (f *fakeMedia) StopTracks() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stops++
	return nil
}
func (f *fakeMedia) Leave() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.leaves++
	return nil
}

func (f *fakeMedia) joinCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.joins
}

func (f *fakeMedia) leaveCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leaves
}

type engineFixture struct {
	engine  *Engine
	channel *fakeChannel
	api     *fakeAPI
	wallet  *fakeWallet
	media   *fakeMedia
	ticks   chan time.Time
}

func newFixture(t *testing.T) *engineFixture {
	t.Helper()

	f := &engineFixture{
		channel: newFakeChannel(),
		api:     &fakeAPI{info: &api.SessionInfo{SessionID: "s-1", Status: "initiated"}},
		wallet:  &fakeWallet{},
		media:   &fakeMedia{},
		ticks:   make(chan time.Time),
	}

	engine, err := NewEngine(Options{
		UserID:            "user-1",
		Channel:           f.channel,
		API:               f.api,
		Wallet:            f.wallet,
		MediaEngine:       f.media,
		DriftThreshold:    2,
		DefaultMaxSeconds: 300,
		Ticker: func(time.Duration) (<-chan time.Time, func()) {
			return f.ticks, func() {}
		},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { engine.Close() })

	f.engine = engine
	return f
}

func (f *engineFixture) tick(t *testing.T) {
	t.Helper()
	select {
	case f.ticks <- time.Now():
	case <-time.After(time.Second):
		t.Fatal("tick was not consumed")
	}
}

func rate() decimal.Decimal { return decimal.NewFromInt(20) }

func TestInitiateChatHappyPath(t *testing.T) {
	f := newFixture(t)

	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusInitiated, snap.Status)
	require.Equal(t, "s-1", snap.SessionID)
	require.Equal(t, 1, f.channel.sentCount("join_session"))
	require.Equal(t, 1, f.channel.sentCount("start_chat"))
}

func TestInitiateRefusesBeforeAnyNetworkCall(t *testing.T) {
	f := newFixture(t)
	f.wallet.err = apperrors.ErrInsufficientBalance

	err := f.engine.InitiateChat(context.Background(), "astro-1", rate())
	require.ErrorIs(t, err, apperrors.ErrInsufficientBalance)
	require.Equal(t, 0, f.api.initiates, "the backend must never see an unaffordable request")
	require.Equal(t, 0, f.channel.sentCount("start_chat"))

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusIdle, snap.Status)
}

func TestAcceptanceThenActivation(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))

	f.channel.emit(t, "chat_accepted", map[string]any{"session_id": "s-1"})
	require.Equal(t, session.StatusWaiting, f.engine.Snapshot().Status)

	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 240})
	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusActive, snap.Status)
	require.Equal(t, 240, snap.RemainingSeconds)
}

func TestDuplicateAcceptanceJoinsMediaOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateCall(context.Background(), "astro-1", rate(), true))

	creds := map[string]any{
		"app_id": "app-1", "token": "tok", "channel_name": "ch-1", "uid": 7,
	}
	f.channel.emit(t, "call_accepted", map[string]any{"session_id": "s-1", "credentials": creds})
	f.channel.emit(t, "call_accepted", map[string]any{"session_id": "s-1", "credentials": creds})

	require.Equal(t, 1, f.media.joinCount())
	require.Equal(t, session.StatusWaiting, f.engine.Snapshot().Status)
	require.Equal(t, media.ModeVideo, f.engine.Snapshot().MediaMode)
}

func TestActivationAfterAcceptanceDoesNotRejoinMedia(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateCall(context.Background(), "astro-1", rate(), false))

	f.channel.emit(t, "call_accepted", map[string]any{
		"session_id": "s-1",
		"credentials": map[string]any{
			"app_id": "app-1", "token": "tok", "channel_name": "ch-1", "uid": 7,
		},
	})
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 300})

	require.Equal(t, 1, f.media.joinCount())
	require.Equal(t, session.StatusActive, f.engine.Snapshot().Status)
}

func TestAcceptanceAfterActivationStillJoinsMedia(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateCall(context.Background(), "astro-1", rate(), false))

	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 300})
	require.Equal(t, session.StatusActive, f.engine.Snapshot().Status)
	require.Equal(t, 0, f.media.joinCount(), "no credentials yet, join is deferred")

	f.channel.emit(t, "call_accepted", map[string]any{
		"session_id": "s-1",
		"credentials": map[string]any{
			"app_id": "app-1", "token": "tok", "channel_name": "ch-1", "uid": 7,
		},
	})

	require.Equal(t, 1, f.media.joinCount(), "late credentials must still complete the media handshake")
	require.Equal(t, session.StatusActive, f.engine.Snapshot().Status)
	require.Equal(t, media.ModeAudio, f.engine.Snapshot().MediaMode)
}

func TestDuplicateEndedCleansUpOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateCall(context.Background(), "astro-1", rate(), false))

	f.channel.emit(t, "call_accepted", map[string]any{
		"session_id": "s-1",
		"credentials": map[string]any{
			"app_id": "app-1", "token": "tok", "channel_name": "ch-1", "uid": 7,
		},
	})
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 300})

	f.channel.emit(t, "call_ended", map[string]any{"session_id": "s-1"})
	f.channel.emit(t, "call_ended", map[string]any{"session_id": "s-1"})

	require.Equal(t, session.StatusEnded, f.engine.Snapshot().Status)
	require.Equal(t, 1, f.media.leaveCount())
	require.Equal(t, 1, f.channel.sentCount("leave_session"))
}

func TestStaleEventsForAnotherSessionAreDropped(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))

	f.channel.emit(t, "chat_accepted", map[string]any{"session_id": "s-OLD"})
	f.channel.emit(t, "chat_ended", map[string]any{"session_id": "s-OLD"})

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusInitiated, snap.Status)
	require.Equal(t, 0, f.channel.sentCount("leave_session"))
}

func TestTimerTickCorrectsBeyondThreshold(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 120})

	f.channel.emit(t, "timer_tick", map[string]any{"session_id": "s-1", "remaining_seconds": 119})
	require.Equal(t, 120, f.engine.Snapshot().RemainingSeconds, "drift within threshold is ignored")

	f.channel.emit(t, "timer_tick", map[string]any{"session_id": "s-1", "remaining_seconds": 100})
	require.Equal(t, 100, f.engine.Snapshot().RemainingSeconds)
}

func TestTimerTickCorrectionNotifiesObservers(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 120})

	var mu sync.Mutex
	var remaining []int
	f.engine.Subscribe(func(s Snapshot) {
		mu.Lock()
		remaining = append(remaining, s.RemainingSeconds)
		mu.Unlock()
	})

	f.channel.emit(t, "timer_tick", map[string]any{"session_id": "s-1", "remaining_seconds": 100})

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, remaining, 100, "a snapped clock must reach observers immediately")
}

func TestLocalExpiryEndsSessionOnce(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 2})

	f.tick(t)
	f.tick(t)

	require.Eventually(t, func() bool {
		return f.engine.Snapshot().Status == session.StatusEnded
	}, time.Second, 5*time.Millisecond)

	require.Equal(t, session.ReasonExpired, f.engine.Snapshot().EndReason)
	require.Equal(t, 1, f.api.endCount())

	// a tick correction still in flight after the zero crossing is inert
	f.channel.emit(t, "timer_tick", map[string]any{"session_id": "s-1", "remaining_seconds": 30})
	require.Equal(t, session.StatusEnded, f.engine.Snapshot().Status)
	require.Equal(t, 0, f.engine.Snapshot().RemainingSeconds)
}

func TestResyncFastForwardsToActive(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))

	f.api.syncInfo = &api.SessionInfo{
		SessionID:        "s-1",
		Status:           "active",
		RemainingSeconds: 173,
	}
	f.api.history = []chat.Message{
		{ID: "m-1", SessionID: "s-1", SenderID: "astro-1", Kind: chat.KindText, Content: "namaste"},
	}

	f.channel.fireReconnect()

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusActive, snap.Status, "resync skips the waiting phase")
	require.Equal(t, 173, snap.RemainingSeconds)
	require.Len(t, snap.Messages, 1)
	require.GreaterOrEqual(t, f.channel.sentCount("join_session"), 2, "reconnect must re-join the room")
}

func TestResyncAfterActivationOnlyCorrects(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateCall(context.Background(), "astro-1", rate(), false))
	f.channel.emit(t, "call_accepted", map[string]any{
		"session_id": "s-1",
		"credentials": map[string]any{
			"app_id": "app-1", "token": "tok", "channel_name": "ch-1", "uid": 7,
		},
	})
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 200})
	require.Equal(t, 1, f.media.joinCount())

	f.api.syncInfo = &api.SessionInfo{SessionID: "s-1", Status: "active", RemainingSeconds: 150}
	f.channel.fireReconnect()

	require.Equal(t, 150, f.engine.Snapshot().RemainingSeconds)
	require.Equal(t, 1, f.media.joinCount(), "fast-forward must not re-run the media join")
}

func TestResyncToEndedCleansUp(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 100})

	f.api.syncInfo = &api.SessionInfo{SessionID: "s-1", Status: "ended"}
	f.channel.fireReconnect()

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusEnded, snap.Status)
	require.Equal(t, session.ReasonRemote, snap.EndReason)
}

func TestSendMessageEchoesAndConfirms(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 100})

	require.NoError(t, f.engine.SendMessage("hello", chat.KindText, nil))

	snap := f.engine.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.True(t, snap.Messages[0].Pending)
	require.Equal(t, 1, f.channel.sentCount("send_message"))

	f.channel.emit(t, "chat_message", map[string]any{
		"id": "m-1", "session_id": "s-1", "sender_id": "user-1",
		"kind": "text", "content": "hello",
	})

	snap = f.engine.Snapshot()
	require.Len(t, snap.Messages, 1, "confirmation replaces the echo instead of appending")
	require.False(t, snap.Messages[0].Pending)
	require.Equal(t, "m-1", snap.Messages[0].ID)
}

func TestSendMessageRejectedAfterEnd(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "chat_ended", map[string]any{"session_id": "s-1"})

	err := f.engine.SendMessage("too late", chat.KindText, nil)
	require.ErrorIs(t, err, apperrors.ErrSessionEnded)
}

func TestRejectionEndsPendingRequest(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))

	f.channel.emit(t, "chat_rejected", map[string]any{"session_id": "s-1"})

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusEnded, snap.Status)
	require.Equal(t, session.ReasonRejected, snap.EndReason)
}

func TestCancelWithdrawsPendingRequest(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))

	require.NoError(t, f.engine.Cancel(context.Background()))
	require.Equal(t, 1, f.api.cancels)

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusEnded, snap.Status)
	require.Equal(t, session.ReasonCancelled, snap.EndReason)

	require.Error(t, f.engine.Cancel(context.Background()))
}

func TestHangupEndsActiveSession(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 100})

	require.NoError(t, f.engine.Hangup(context.Background()))
	require.Equal(t, 1, f.api.endCount())
	require.Equal(t, 1, f.channel.sentCount("end_chat"))

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusEnded, snap.Status)
	require.Equal(t, session.ReasonCompleted, snap.EndReason)

	require.NoError(t, f.engine.Hangup(context.Background()), "hangup after end is a no-op")
	require.Equal(t, 1, f.api.endCount())
}

func TestContinueChatKeepsTranscript(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 100})
	f.channel.emit(t, "chat_message", map[string]any{
		"id": "m-1", "session_id": "s-1", "sender_id": "astro-1",
		"kind": "text", "content": "namaste",
	})
	f.channel.emit(t, "chat_ended", map[string]any{"session_id": "s-1"})

	f.api.info = &api.SessionInfo{SessionID: "s-2", Status: "initiated"}
	require.NoError(t, f.engine.ContinueChat(context.Background()))

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusInitiated, snap.Status)
	require.Equal(t, "s-2", snap.SessionID)
	require.True(t, snap.Resumed)
	require.Len(t, snap.Messages, 1, "continuation keeps the transcript")
}

func TestResumeAfterReload(t *testing.T) {
	f := newFixture(t)
	f.api.syncInfo = &api.SessionInfo{SessionID: "s-7", Status: "active", RemainingSeconds: 88}
	f.api.history = []chat.Message{
		{ID: "m-1", SessionID: "s-7", SenderID: "astro-1", Kind: chat.KindText, Content: "welcome back"},
	}

	require.NoError(t, f.engine.Resume(context.Background(), "s-7", session.KindChat, "astro-1", rate()))

	snap := f.engine.Snapshot()
	require.Equal(t, session.StatusActive, snap.Status)
	require.Equal(t, 88, snap.RemainingSeconds)
	require.True(t, snap.Resumed)
	require.Len(t, snap.Messages, 1)
}

func TestTypingIndicator(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 100})

	f.channel.emit(t, "typing", map[string]any{"session_id": "s-1"})
	require.True(t, f.engine.Snapshot().CounterpartyTyping)

	require.NoError(t, f.engine.Typing())
	require.Equal(t, 1, f.channel.sentCount("typing"))
}

func TestSyncTimerUsesAck(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 120})

	f.channel.reply = json.RawMessage(`{"session_id":"s-1","remaining_seconds":60}`)
	require.NoError(t, f.engine.SyncTimer(context.Background()))
	require.Equal(t, 60, f.engine.Snapshot().RemainingSeconds)
}

func TestIntroDetailSharedOnceOnFirstActivation(t *testing.T) {
	f := &engineFixture{
		channel: newFakeChannel(),
		api:     &fakeAPI{info: &api.SessionInfo{SessionID: "s-1", Status: "initiated"}},
		wallet:  &fakeWallet{},
		ticks:   make(chan time.Time),
	}

	engine, err := NewEngine(Options{
		UserID:            "user-1",
		Channel:           f.channel,
		API:               f.api,
		Wallet:            f.wallet,
		IntroDetail:       json.RawMessage(`{"birth_date":"1994-02-11","birth_place":"Jaipur"}`),
		DriftThreshold:    2,
		DefaultMaxSeconds: 300,
		Ticker: func(time.Duration) (<-chan time.Time, func()) {
			return f.ticks, func() {}
		},
	})
	require.NoError(t, err)
	require.NoError(t, engine.Start(context.Background()))
	t.Cleanup(func() { engine.Close() })
	f.engine = engine

	require.NoError(t, engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 120})
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 120})

	require.Equal(t, 1, f.channel.sentCount("send_message"), "the detail card is shared once")

	snap := engine.Snapshot()
	require.Len(t, snap.Messages, 1)
	require.Equal(t, chat.KindDetail, snap.Messages[0].Kind)
}

func TestObserversSeeChanges(t *testing.T) {
	f := newFixture(t)

	var mu sync.Mutex
	var statuses []session.Status
	f.engine.Subscribe(func(s Snapshot) {
		mu.Lock()
		statuses = append(statuses, s.Status)
		mu.Unlock()
	})

	require.NoError(t, f.engine.InitiateChat(context.Background(), "astro-1", rate()))
	f.channel.emit(t, "chat_accepted", map[string]any{"session_id": "s-1"})
	f.channel.emit(t, "timer_start", map[string]any{"session_id": "s-1", "remaining_seconds": 100})

	mu.Lock()
	defer mu.Unlock()
	require.Contains(t, statuses, session.StatusInitiated)
	require.Contains(t, statuses, session.StatusWaiting)
	require.Contains(t, statuses, session.StatusActive)
}

func TestEngineConstructorValidation(t *testing.T) {
	_, err := NewEngine(Options{})
	require.EqualError(t, err, "consult: UserID is required")

	_, err = NewEngine(Options{UserID: "u"})
	require.EqualError(t, err, "consult: Channel is required")

	f := newFakeChannel()
	_, err = NewEngine(Options{UserID: "u", Channel: f})
	require.EqualError(t, err, "consult: API is required")

	_, err = NewEngine(Options{UserID: "u", Channel: f, API: &fakeAPI{}})
	require.EqualError(t, err, "consult: Wallet is required")

	engine, err := NewEngine(Options{UserID: "u", Channel: f, API: &fakeAPI{}, Wallet: &fakeWallet{}})
	require.NoError(t, err)
	require.Error(t, engine.InitiateCall(context.Background(), "astro-1", rate(), false),
		"calls require a media engine")
}
