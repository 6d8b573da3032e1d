package task

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusNew       Status = "new"
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPausing   Status = "pausing"
	StatusSucceed   Status = "succeed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var taskTransitions = map[Status][]Status{
	StatusNew:       {StatusPending, StatusRunning, StatusPausing, StatusSucceed, StatusFailed, StatusCancelled},
	StatusPending:   {StatusRunning, StatusPausing, StatusSucceed, StatusFailed, StatusCancelled},
	StatusRunning:   {StatusPending, StatusPausing, StatusSucceed, StatusFailed, StatusCancelled},
	StatusPausing:   {StatusPending, StatusSucceed, StatusFailed, StatusCancelled},
	StatusSucceed:   nil,
	StatusFailed:    nil,
	StatusCancelled: nil,
}

func (s Status) Valid() bool {
	_, ok := taskTransitions[s]
	return ok
}

func (s Status) Terminal() bool {
	return s == StatusSucceed || s == StatusFailed || s == StatusCancelled
}

// Schedulable reports whether the tick loop should look at a Task in this state.
func (s Status) Schedulable() bool {
	return s == StatusNew || s == StatusPending || s == StatusRunning
}

// Open reports whether the Task can still end on its own, which is when its deadline
// applies. Paused Tasks are open but not schedulable.
func (s Status) Open() bool {
	return s.Valid() && !s.Terminal()
}

func (s Status) CanTransition(to Status) bool {
	for _, next := range taskTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// JobStatus is the lifecycle state of a Job.
type JobStatus string

const (
	JobPending   JobStatus = "pending"
	JobRunning   JobStatus = "running"
	JobSucceed   JobStatus = "succeed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

var jobTransitions = map[JobStatus][]JobStatus{
	JobPending:   {JobRunning, JobSucceed, JobFailed, JobCancelled},
	JobRunning:   {JobSucceed, JobFailed},
	JobSucceed:   nil,
	JobFailed:    nil,
	JobCancelled: nil,
}

func (s JobStatus) Terminal() bool {
	return s == JobSucceed || s == JobFailed || s == JobCancelled
}

func (s JobStatus) CanTransition(to JobStatus) bool {
	for _, next := range jobTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// jobSources lists the states a Job may move to `to` from. Used as the guard of
// conditional updates.
func jobSources(to JobStatus) []JobStatus {
	var out []JobStatus
	for _, from := range []JobStatus{JobPending, JobRunning, JobSucceed, JobFailed, JobCancelled} {
		if from.CanTransition(to) {
			out = append(out, from)
		}
	}
	return out
}

func activeJobStatuses() []JobStatus {
	return []JobStatus{JobPending, JobRunning}
}
