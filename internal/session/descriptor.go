package session

import "github.com/shopspring/decimal"

// Status is the lifecycle phase of a consultation session.
type Status string

const (
	// StatusIdle means no session is in progress.
	StatusIdle Status = "idle"
	// StatusInitiated means the request was sent and the consultant has not
	// responded yet.
	StatusInitiated Status = "initiated"
	// StatusWaiting means the consultant accepted and the billable clock has
	// not started.
	StatusWaiting Status = "waiting"
	// StatusActive means the billable clock is running.
	StatusActive Status = "active"
	// StatusEnded means the session finished and cleanup ran.
	StatusEnded Status = "ended"
)

// Kind distinguishes text consultations from calls.
type Kind string

const (
	KindChat Kind = "chat"
	KindCall Kind = "call"
)

// CallMode selects the media profile requested for a call session.
type CallMode string

const (
	CallModeAudio CallMode = "audio"
	CallModeVideo CallMode = "video"
)

// EndReason records why a session left the active lifecycle.
type EndReason string

const (
	ReasonCompleted EndReason = "completed"
	ReasonRejected  EndReason = "rejected"
	ReasonTimeout   EndReason = "timeout"
	ReasonCancelled EndReason = "cancelled"
	ReasonExpired   EndReason = "expired"
	ReasonRemote    EndReason = "remote"
)

// Descriptor identifies one consultation session and its billing terms.
type Descriptor struct {
	ID string
	// OrderID correlates billing records and stays stable when a chat is
	// continued into a fresh session.
	OrderID          string
	Kind             Kind
	CallMode         CallMode
	CounterpartyID   string
	CounterpartyName string
	RatePerMinute    decimal.Decimal
	MaxSeconds       int
	// Resumed marks a session re-attached after a reload or reconnect rather
	// than freshly initiated.
	Resumed bool
}
