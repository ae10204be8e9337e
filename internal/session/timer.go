package session

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/astromitra/consult/pkg/logger"
	"github.com/astromitra/consult/pkg/metrics"
)

// TickerFactory produces a tick channel and a function that releases it.
// Tests substitute a manual channel for deterministic ticking.
type TickerFactory func(interval time.Duration) (<-chan time.Time, func())

func defaultTicker(interval time.Duration) (<-chan time.Time, func()) {
	t := time.NewTicker(interval)
	return t.C, t.Stop
}

// CountdownOptions configures a Countdown.
type CountdownOptions struct {
	// DriftThreshold is the divergence, in seconds, beyond which a server
	// report overwrites the local clock.
	DriftThreshold int
	// Interval is the local tick period. Defaults to one second.
	Interval time.Duration
	// OnTick is invoked after every decrement with the remaining seconds.
	OnTick func(remaining int)
	// OnExpire is invoked exactly once when the clock reaches zero locally.
	OnExpire func()
	Ticker   TickerFactory
	Logger   *zap.Logger
}

// Countdown is the local billable clock. It ticks down once per interval and
// accepts authoritative corrections from the server. A correction only moves
// the clock; termination comes from the local zero crossing or from the
// caller stopping the countdown after an explicit server end.
type Countdown struct {
	opts CountdownOptions
	log  *zap.Logger

	mu        sync.Mutex
	remaining int
	elapsed   int
	running   bool
	expired   bool
	stop      chan struct{}
}

// NewCountdown builds a stopped countdown.
func NewCountdown(opts CountdownOptions) (*Countdown, error) {
	if opts.DriftThreshold < 0 {
		return nil, errors.New("session: DriftThreshold must not be negative")
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second
	}
	if opts.Ticker == nil {
		opts.Ticker = defaultTicker
	}
	if opts.Logger == nil {
		opts.Logger = logger.WithModule("timer")
	}

	return &Countdown{opts: opts, log: opts.Logger}, nil
}

// Remaining returns the seconds left on the clock.
func (c *Countdown) Remaining() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.remaining
}

// Elapsed returns the seconds ticked so far. Corrections move the remaining
// clock without rewriting elapsed time.
func (c *Countdown) Elapsed() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.elapsed
}

// Running reports whether the countdown loop is live.
func (c *Countdown) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.running
}

// Start begins ticking from the given number of seconds. Starting an already
// running countdown is a no-op so duplicated activation events cannot spawn a
// second loop.
func (c *Countdown) Start(remaining int) {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return
	}
	if remaining < 0 {
		remaining = 0
	}
	c.remaining = remaining
	c.elapsed = 0
	c.running = true
	c.expired = false
	c.stop = make(chan struct{})
	stop := c.stop
	c.mu.Unlock()

	ticks, release := c.opts.Ticker(c.opts.Interval)
	go c.loop(ticks, release, stop)
}

func (c *Countdown) loop(ticks <-chan time.Time, release func(), stop chan struct{}) {
	defer release()

	for {
		select {
		case <-stop:
			return
		case <-ticks:
			c.mu.Lock()
			if !c.running {
				c.mu.Unlock()
				return
			}
			if c.remaining > 0 {
				c.remaining--
			}
			c.elapsed++
			remaining := c.remaining
			done := remaining == 0
			if done {
				c.running = false
				c.expired = true
			}
			c.mu.Unlock()

			if c.opts.OnTick != nil {
				c.opts.OnTick(remaining)
			}
			if done {
				if c.opts.OnExpire != nil {
					c.opts.OnExpire()
				}
				return
			}
		}
	}
}

// Correct reconciles the local clock with an authoritative server report.
// Divergence at or below the drift threshold is ignored so ordinary network
// jitter does not make the clock jump. A correction never fires OnExpire,
// even when the server reports zero; the next local tick handles that.
func (c *Countdown) Correct(serverRemaining int) {
	if serverRemaining < 0 {
		serverRemaining = 0
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running || c.expired {
		return
	}

	drift := c.remaining - serverRemaining
	if drift < 0 {
		drift = -drift
	}
	if drift <= c.opts.DriftThreshold {
		return
	}

	c.log.Debug("correcting clock drift",
		zap.Int("local", c.remaining),
		zap.Int("server", serverRemaining))
	c.remaining = serverRemaining
	metrics.TimerCorrections.Inc()
}

// Stop halts the countdown without firing OnExpire. Safe to call repeatedly
// and before Start.
func (c *Countdown) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.running {
		return
	}
	c.running = false
	close(c.stop)
}
