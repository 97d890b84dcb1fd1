package session

// Status is the race lifecycle position of a session.
type Status string

const (
	StatusStarting       Status = "starting"
	StatusWaiting        Status = "waiting"
	StatusAuthenticating Status = "authenticating"
	StatusAttempting     Status = "attempting"
	StatusSucceeded      Status = "succeeded"
	StatusFailed         Status = "failed"
	StatusCancelled      Status = "cancelled"
	StatusError          Status = "error"
)

// Terminal reports whether no further transition can follow s.
func (s Status) Terminal() bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCancelled, StatusError:
		return true
	default:
		return false
	}
}

func (s Status) String() string { return string(s) }
