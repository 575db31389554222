package client

import "sync/atomic"

// State is a step of the login state machine
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAccountSelection
	StateCheckingAllowlist
	StateDenied
	StateSignatureRequired
	StateAuthenticating
	StateAuthenticated
	StateTokenExpired
	StateRefreshing
	StateLoggedOut
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAccountSelection:
		return "account_selection"
	case StateCheckingAllowlist:
		return "checking_allowlist"
	case StateDenied:
		return "denied"
	case StateSignatureRequired:
		return "signature_required"
	case StateAuthenticating:
		return "authenticating"
	case StateAuthenticated:
		return "authenticated"
	case StateTokenExpired:
		return "token_expired"
	case StateRefreshing:
		return "refreshing"
	case StateLoggedOut:
		return "logged_out"
	default:
		return "unknown"
	}
}

// AuthState holds the "token known expired" flag. It is cleared before a
// refresh starts and set only once expiry is confirmed.
type AuthState interface {
	Get() bool
	Set()
	Clear()
}

// MemoryAuthState is an in-process AuthState
type MemoryAuthState struct {
	expired atomic.Bool
}

func (s *MemoryAuthState) Get() bool { return s.expired.Load() }
func (s *MemoryAuthState) Set()      { s.expired.Store(true) }
func (s *MemoryAuthState) Clear()    { s.expired.Store(false) }
