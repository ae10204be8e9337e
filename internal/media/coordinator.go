package media

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	apperrors "github.com/astromitra/consult/pkg/errors"
	"github.com/astromitra/consult/pkg/logger"
)

// Credentials carries everything the media engine needs to join a call
// channel. The server issues a fresh set per session.
type Credentials struct {
	AppID       string `json:"app_id"`
	Token       string `json:"token"`
	ChannelName string `json:"channel_name"`
	UID         uint32 `json:"uid"`
}

// Mode is the media profile a call ended up with after the handshake.
type Mode string

const (
	ModeNone  Mode = "none"
	ModeAudio Mode = "audio"
	ModeVideo Mode = "video"
)

// Engine abstracts the vendor media SDK. Implementations wrap the real
// client; tests substitute fakes.
type Engine interface {
	Join(ctx context.Context, creds Credentials) error
	PublishAudio(ctx context.Context) error
	PublishVideo(ctx context.Context) error
	StopTracks() error
	Leave() error
}

// ErrAlreadyConnecting is returned when a join races with one already in
// flight. It is recoverable: the winning join serves both callers.
var ErrAlreadyConnecting = apperrors.New(
	"media.already_connecting",
	"A media join is already in progress",
	apperrors.CategoryDuplicate,
)

type state int

const (
	stateIdle state = iota
	stateJoining
	stateJoined
	stateLeft
)

// Coordinator runs the media handshake for one call session. Join happens
// exactly once per session no matter how many acceptance events arrive, a
// failed camera degrades the call to audio instead of aborting it, and
// teardown stops local tracks before leaving the channel and tolerates being
// invoked repeatedly.
type Coordinator struct {
	engine Engine
	log    *zap.Logger

	mu    sync.Mutex
	state state
	mode  Mode
}

// NewCoordinator builds a coordinator around the given engine.
func NewCoordinator(engine Engine) (*Coordinator, error) {
	if engine == nil {
		return nil, errors.New("media: engine is required")
	}

	return &Coordinator{
		engine: engine,
		log:    logger.WithModule("media"),
		mode:   ModeNone,
	}, nil
}

// Mode returns the media profile negotiated by Join.
func (c *Coordinator) Mode() Mode {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mode
}

// Joined reports whether the coordinator holds a live channel.
func (c *Coordinator) Joined() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == stateJoined
}

// Join connects to the media channel and publishes local tracks. A repeated
// call on a joined coordinator returns the negotiated mode without touching
// the engine again; a call racing an in-flight join gets ErrAlreadyConnecting.
// When video cannot be published the call downgrades to audio-only, but a
// missing microphone aborts the join entirely.
func (c *Coordinator) Join(ctx context.Context, creds Credentials, wantVideo bool) (Mode, error) {
	c.mu.Lock()
	switch c.state {
	case stateJoined:
		mode := c.mode
		c.mu.Unlock()
		return mode, nil
	case stateJoining:
		c.mu.Unlock()
		return ModeNone, ErrAlreadyConnecting
	case stateLeft:
		c.mu.Unlock()
		return ModeNone, errors.New("media: coordinator already torn down")
	}
	c.state = stateJoining
	c.mu.Unlock()

	if err := c.engine.Join(ctx, creds); err != nil {
		c.reset()
		return ModeNone, apperrors.Wrap(err, "media: join channel")
	}

	if err := c.engine.PublishAudio(ctx); err != nil {
		c.log.Error("microphone unavailable, aborting join", zap.Error(err))
		c.teardownEngine()
		c.reset()
		return ModeNone, apperrors.ErrMicrophoneUnavailable.WithInternal(err)
	}

	mode := ModeAudio
	if wantVideo {
		if err := c.engine.PublishVideo(ctx); err != nil {
			c.log.Warn("camera unavailable, downgrading to audio", zap.Error(err))
		} else {
			mode = ModeVideo
		}
	}

	c.mu.Lock()
	c.state = stateJoined
	c.mode = mode
	c.mu.Unlock()

	c.log.Info("media channel joined",
		zap.String("channel", creds.ChannelName),
		zap.String("mode", string(mode)))
	return mode, nil
}

// Leave stops local tracks and leaves the channel. Both steps run even if the
// first fails, and repeated calls are no-ops.
func (c *Coordinator) Leave() error {
	c.mu.Lock()
	if c.state != stateJoined {
		c.state = stateLeft
		c.mu.Unlock()
		return nil
	}
	c.state = stateLeft
	c.mode = ModeNone
	c.mu.Unlock()

	return c.teardownEngine()
}

func (c *Coordinator) teardownEngine() error {
	var err error
	err = multierr.Append(err, c.engine.StopTracks())
	err = multierr.Append(err, c.engine.Leave())
	if err != nil {
		c.log.Warn("media teardown reported errors", zap.Error(err))
	}
	return err
}

func (c *Coordinator) reset() {
	c.mu.Lock()
	c.state = stateIdle
	c.mode = ModeNone
	c.mu.Unlock()
}
