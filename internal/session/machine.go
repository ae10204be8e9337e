package session

import (
	"errors"
	"fmt"
	"sync"
)

// ErrStale marks an event that references a session other than the one
// currently tracked. Callers drop these without touching state.
var ErrStale = errors.New("session: event references a different session")

// ErrBusy is returned when a new session is requested while another one is
// still in progress.
var ErrBusy = errors.New("session: another session is already in progress")

// Machine tracks the lifecycle of at most one consultation session. All
// transitions are idempotent so replayed or duplicated events cannot run side
// effects twice; callers branch on the returned change flags instead of the
// current status.
type Machine struct {
	mu        sync.Mutex
	status    Status
	desc      Descriptor
	activated bool
	endReason EndReason
}

// NewMachine returns a machine in the idle state.
func NewMachine() *Machine {
	return &Machine{status: StatusIdle}
}

// Snapshot returns the current status and descriptor.
func (m *Machine) Snapshot() (Status, Descriptor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.status, m.desc
}

// Reason returns why the last session ended.
func (m *Machine) Reason() EndReason {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.endReason
}

// Begin starts tracking a new session. Only idle and ended machines accept a
// new descriptor.
func (m *Machine) Begin(desc Descriptor) error {
	if desc.ID == "" {
		return errors.New("session: descriptor ID is required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.status {
	case StatusIdle, StatusEnded:
	default:
		return fmt.Errorf("%w (current %s)", ErrBusy, m.desc.ID)
	}

	m.status = StatusInitiated
	m.desc = desc
	m.activated = false
	m.endReason = ""
	return nil
}

// MarkWaiting records that the consultant accepted the request. Repeated
// acceptances report changed=false and are otherwise harmless.
func (m *Machine) MarkWaiting(sessionID string) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.guard(sessionID); err != nil {
		return false, err
	}

	switch m.status {
	case StatusInitiated:
		m.status = StatusWaiting
		return true, nil
	case StatusWaiting, StatusActive:
		return false, nil
	default:
		return false, fmt.Errorf("session: cannot accept in status %s", m.status)
	}
}

// Activate moves the session to active. It accepts the transition from
// initiated directly so a resync can skip the waiting phase. The first return
// value is true exactly once per session, letting callers run first-activation
// side effects (media join, timer start) a single time no matter how often the
// activation is delivered.
func (m *Machine) Activate(sessionID string) (first bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.guard(sessionID); err != nil {
		return false, err
	}

	switch m.status {
	case StatusInitiated, StatusWaiting, StatusActive:
		m.status = StatusActive
		first = !m.activated
		m.activated = true
		return first, nil
	default:
		return false, fmt.Errorf("session: cannot activate in status %s", m.status)
	}
}

// End terminates the session with the given reason. Duplicate terminations
// report changed=false so cleanup runs once.
func (m *Machine) End(sessionID string, reason EndReason) (changed bool, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.guard(sessionID); err != nil {
		return false, err
	}

	switch m.status {
	case StatusInitiated, StatusWaiting, StatusActive:
		m.status = StatusEnded
		m.endReason = reason
		return true, nil
	case StatusEnded:
		return false, nil
	default:
		return false, nil
	}
}

// MarkResumed flags the tracked session as re-attached after a reload.
func (m *Machine) MarkResumed(sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.guard(sessionID); err != nil {
		return err
	}
	m.desc.Resumed = true
	return nil
}

// guard rejects events that name a different session. Callers hold m.mu.
func (m *Machine) guard(sessionID string) error {
	if m.status == StatusIdle {
		return fmt.Errorf("%w (no session tracked)", ErrStale)
	}
	if sessionID != "" && sessionID != m.desc.ID {
		return fmt.Errorf("%w (got %s, tracking %s)", ErrStale, sessionID, m.desc.ID)
	}
	return nil
}
