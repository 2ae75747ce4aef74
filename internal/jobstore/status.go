package jobstore

// Status is the closed set of job states. Transitions are checked
// exhaustively; terminal states are absorbing.
type Status string

const (
	StatusPending         Status = "pending"
	StatusPreparing       Status = "preparing"
	StatusRunning         Status = "running"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
	StatusKilledNoCredits Status = "killed_no_credits"
)

// Exit reasons recorded on terminal jobs.
const (
	ReasonCompleted        = "completed"
	ReasonNonZeroExit      = "non_zero_exit"
	ReasonSetupError       = "setup_error"
	ReasonUserCancelled    = "user_cancelled"
	ReasonNoCredits        = "no_credits"
	ReasonHeartbeatTimeout = "heartbeat_timeout"
	ReasonKillAckTimeout   = "kill_ack_timeout"
	ReasonJobTimeout       = "timeout"
	ReasonOOMKilled        = "oom_killed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusPreparing, StatusFailed, StatusCancelled},
	StatusPreparing: {StatusRunning, StatusFailed, StatusCancelled},
	StatusRunning: {StatusCompleted, StatusFailed, StatusCancelled,
		StatusKilledNoCredits},
}

// Terminal reports whether no further transition can occur from s.
func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusKilledNoCredits:
		return true
	}
	return false
}

// Billable reports whether the job accrues cost in this state. Only
// running jobs accept billing heartbeats.
func (s Status) Billable() bool {
	return s == StatusRunning
}

// CanTransition reports whether s -> next is a legal move.
func (s Status) CanTransition(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}
