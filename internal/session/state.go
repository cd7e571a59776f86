package session

// State is the lifecycle state of the session. Exactly one value is held by
// the coordinator at any time; it determines which timers are armed.
type State string

const (
	// StateActive: the user interacted recently; the idle timer is armed.
	StateActive State = "active"

	// StateIdle: the idle timeout elapsed with no activity and no outstanding
	// work; the warning timer is armed.
	StateIdle State = "idle"

	// StateProcessing: background tasks are outstanding; idle tracking is
	// suspended so unfinished server-side work is never abandoned.
	StateProcessing State = "processing"

	// StateWarning: the grace window before forced expiry; any activity
	// returns the session to active.
	StateWarning State = "warning"

	// StateExpired: the token has been cleared. Terminal short of
	// reinitialization.
	StateExpired State = "expired"
)

// Valid reports whether s is a recognized state.
func (s State) Valid() bool {
	switch s {
	case StateActive, StateIdle, StateProcessing, StateWarning, StateExpired:
		return true
	default:
		return false
	}
}
