// Package event defines the immutable lifecycle event model shared by the
// producer and consumer sides. Events are plain values: once constructed they
// are never mutated and compare structurally.
package event

import "time"

// TaskState is a task execution state as reported by the worker runtime.
type TaskState string

const (
	StatePending  TaskState = "PENDING"
	StateReceived TaskState = "RECEIVED"
	StateStarted  TaskState = "STARTED"
	StateSuccess  TaskState = "SUCCESS"
	StateFailure  TaskState = "FAILURE"
	StateRevoked  TaskState = "REVOKED"
	StateRejected TaskState = "REJECTED"
	StateRetry    TaskState = "RETRY"
)

// IsTerminal reports whether the state ends a task's lifecycle.
func (s TaskState) IsTerminal() bool {
	switch s {
	case StateSuccess, StateFailure, StateRevoked, StateRejected:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known task states.
func (s TaskState) Valid() bool {
	switch s {
	case StatePending, StateReceived, StateStarted, StateSuccess,
		StateFailure, StateRevoked, StateRejected, StateRetry:
		return true
	default:
		return false
	}
}

// TaskEvent records one state transition for a task. TaskID is stable across
// retries of the same execution; ParentID/RootID describe the spawn chain.
type TaskEvent struct {
	TaskID    string
	Name      string
	State     TaskState
	Timestamp time.Time
	ParentID  string
	RootID    string
	TraceID   string
	Retries   int
}

// WorkerStatus is a worker presence state.
type WorkerStatus string

const (
	WorkerOnline  WorkerStatus = "online"
	WorkerOffline WorkerStatus = "offline"
)

// WorkerEvent records a worker presence signal. Workers are identified by
// hostname; RegisteredTasks is the set of task types the worker can run.
type WorkerEvent struct {
	Hostname        string
	Pid             int
	Status          WorkerStatus
	RegisteredTasks []string
	Timestamp       time.Time
}
