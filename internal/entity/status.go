package entity

// JobStatus represents the lifecycle status of a download job.
type JobStatus string

const (
	// JobStatusPending indicates that the job was accepted and nothing has run yet.
	JobStatusPending JobStatus = "pending"
	// JobStatusChecking indicates that the metadata lookup is running.
	JobStatusChecking JobStatus = "checking"
	// JobStatusReady indicates that the metadata lookup succeeded.
	JobStatusReady JobStatus = "ready"
	// JobStatusQueued indicates that the job waits for a transfer slot.
	JobStatusQueued JobStatus = "queued"
	// JobStatusStarting indicates that a slot was granted and the tool is being launched.
	JobStatusStarting JobStatus = "starting"
	// JobStatusActive indicates that the tool process is running.
	JobStatusActive JobStatus = "active"
	// JobStatusCompleted indicates that the transfer finished and produced a file.
	JobStatusCompleted JobStatus = "completed"
	// JobStatusFailed indicates that the job ended with an error.
	JobStatusFailed JobStatus = "failed"
	// JobStatusCanceled indicates that the job was canceled by the user.
	JobStatusCanceled JobStatus = "canceled"
)

var transitions = map[JobStatus][]JobStatus{
	JobStatusPending:  {JobStatusChecking, JobStatusQueued, JobStatusCanceled},
	JobStatusChecking: {JobStatusReady, JobStatusFailed, JobStatusCanceled},
	JobStatusReady:    {JobStatusQueued, JobStatusCanceled},
	JobStatusQueued:   {JobStatusStarting, JobStatusCanceled},
	JobStatusStarting: {JobStatusActive, JobStatusFailed, JobStatusCanceled},
	JobStatusActive:   {JobStatusCompleted, JobStatusFailed, JobStatusCanceled},
}

// String returns the string representation of JobStatus.
func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are allowed from s.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed || s == JobStatusCanceled
}

// IsValid reports whether s is a known status.
func (s JobStatus) IsValid() bool {
	_, ok := transitions[s]

	return ok || s.IsTerminal()
}

// CanTransitionTo reports whether the state machine allows s -> next.
func (s JobStatus) CanTransitionTo(next JobStatus) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}
