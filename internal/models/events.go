package models

// SessionEventKind is the kind of a remote session change.
type SessionEventKind string

const (
	SessionSignedIn       SessionEventKind = "SIGNED_IN"
	SessionSignedOut      SessionEventKind = "SIGNED_OUT"
	SessionTokenRefreshed SessionEventKind = "TOKEN_REFRESHED"
	SessionUserUpdated    SessionEventKind = "USER_UPDATED"
)

// SessionEvent is pushed by the remote identity client whenever the session
// it holds changes. Session is nil for SessionSignedOut.
type SessionEvent struct {
	Kind    SessionEventKind
	Session *Session
}
