// Package errs implements the Framer's error taxonomy (spec.md §7): protocol
// errors published to libraries via the Publication Bus, and hard failures
// reported to an injectable Handler. Nothing in the Framer panics or returns
// a Go error across the tick boundary — every exceptional path converts to
// one of these.
package errs

import (
	"log/slog"
)

// Kind enumerates the protocol error kinds the bus can carry (spec.md §6
// save_error, §7 "Protocol errors").
type Kind string

const (
	KindUnknownLibrary      Kind = "UNKNOWN_LIBRARY"
	KindUnableToConnect     Kind = "UNABLE_TO_CONNECT"
	KindDuplicateSession    Kind = "DUPLICATE_SESSION"
	KindAuthenticationFailed Kind = "AUTHENTICATION_FAILED"
)

// DisconnectReason enumerates why a connection was torn down, passed to the
// Receiver endpoint's close method (spec.md §4.2 Disconnect, §7 "Hard
// failures").
type DisconnectReason string

const (
	ReasonApplicationDisconnect DisconnectReason = "APPLICATION_DISCONNECT"
	ReasonLibraryTimeout        DisconnectReason = "LIBRARY_TIMEOUT"
	ReasonExceptionalMessage    DisconnectReason = "EXCEPTIONAL_MESSAGE"
	ReasonNotLeader             DisconnectReason = "NOT_LEADER"
	ReasonChannelError          DisconnectReason = "CHANNEL_ERROR"
)

// Handler reports hard failures (spec.md §7 "Hard failures"): non-leader
// accept, channel errors after establishment, and invariant violations.
// Distinct from protocol errors, which are published to the bus instead.
type Handler interface {
	OnError(component string, err error)
}

// SlogHandler logs hard failures with log/slog, mirroring the teacher's
// circuitbreaker.Config.OnStateChange callback shape — a single injectable
// hook rather than a hand-rolled error-channel.
type SlogHandler struct {
	Logger *slog.Logger
}

// NewSlogHandler creates a Handler backed by the default slog logger if l is nil.
func NewSlogHandler(l *slog.Logger) *SlogHandler {
	if l == nil {
		l = slog.Default()
	}
	return &SlogHandler{Logger: l}
}

// OnError logs the failure at Error level.
func (h *SlogHandler) OnError(component string, err error) {
	h.Logger.Error("framer hard failure", "component", component, "error", err)
}

// IllegalState is the error surfaced when the Framer observes an invariant
// violation (e.g. accepting while not leader, spec.md §4.3 step 1).
type IllegalState struct {
	Msg string
}

func (e *IllegalState) Error() string { return e.Msg }
