package event

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventType discriminates task events from worker-presence events sharing the
// same stream.
type EventType string

const (
	TypeTask   EventType = "task"
	TypeWorker EventType = "worker"
)

// Envelope is the wire representation of a lifecycle event. Task and worker
// events share one schema; EventType selects which fields are meaningful.
// Task arguments are never part of the wire event.
type Envelope struct {
	EventType EventType `json:"event_type"`

	// Task fields. state and retries are required by the schema, so they
	// never carry omitempty; the optional spawn-chain fields do.
	TaskID   string    `json:"task_id,omitempty"`
	Name     string    `json:"name,omitempty"`
	State    TaskState `json:"state"`
	ParentID string    `json:"parent_id,omitempty"`
	RootID   string    `json:"root_id,omitempty"`
	TraceID  string    `json:"trace_id,omitempty"`
	Retries  int       `json:"retries"`

	// Worker fields.
	Hostname        string       `json:"hostname,omitempty"`
	Pid             int          `json:"pid,omitempty"`
	Status          WorkerStatus `json:"status,omitempty"`
	RegisteredTasks []string     `json:"registered_tasks,omitempty"`

	Timestamp time.Time `json:"timestamp"`
}

// WrapTask converts a task event into its wire envelope.
func WrapTask(e TaskEvent) Envelope {
	return Envelope{
		EventType: TypeTask,
		TaskID:    e.TaskID,
		Name:      e.Name,
		State:     e.State,
		ParentID:  e.ParentID,
		RootID:    e.RootID,
		TraceID:   e.TraceID,
		Retries:   e.Retries,
		Timestamp: e.Timestamp.UTC(),
	}
}

// WrapWorker converts a worker event into its wire envelope.
func WrapWorker(e WorkerEvent) Envelope {
	return Envelope{
		EventType:       TypeWorker,
		Hostname:        e.Hostname,
		Pid:             e.Pid,
		Status:          e.Status,
		RegisteredTasks: e.RegisteredTasks,
		Timestamp:       e.Timestamp.UTC(),
	}
}

// Task extracts the task event from the envelope. The envelope must have
// EventType == TypeTask.
func (env Envelope) Task() (TaskEvent, error) {
	if env.EventType != TypeTask {
		return TaskEvent{}, fmt.Errorf("envelope is %q, not a task event", env.EventType)
	}
	if env.TaskID == "" {
		return TaskEvent{}, fmt.Errorf("task envelope missing task_id")
	}
	if !env.State.Valid() {
		return TaskEvent{}, fmt.Errorf("task envelope has unknown state %q", env.State)
	}
	return TaskEvent{
		TaskID:    env.TaskID,
		Name:      env.Name,
		State:     env.State,
		Timestamp: env.Timestamp.UTC(),
		ParentID:  env.ParentID,
		RootID:    env.RootID,
		TraceID:   env.TraceID,
		Retries:   env.Retries,
	}, nil
}

// Worker extracts the worker event from the envelope. The envelope must have
// EventType == TypeWorker.
func (env Envelope) Worker() (WorkerEvent, error) {
	if env.EventType != TypeWorker {
		return WorkerEvent{}, fmt.Errorf("envelope is %q, not a worker event", env.EventType)
	}
	if env.Hostname == "" {
		return WorkerEvent{}, fmt.Errorf("worker envelope missing hostname")
	}
	if env.Status != WorkerOnline && env.Status != WorkerOffline {
		return WorkerEvent{}, fmt.Errorf("worker envelope has unknown status %q", env.Status)
	}
	return WorkerEvent{
		Hostname:        env.Hostname,
		Pid:             env.Pid,
		Status:          env.Status,
		RegisteredTasks: env.RegisteredTasks,
		Timestamp:       env.Timestamp.UTC(),
	}, nil
}

// Encode serializes the envelope as a single JSON object.
func (env Envelope) Encode() ([]byte, error) {
	return json.Marshal(env)
}

// Decode parses a wire payload into an envelope. Payloads with an unknown
// event_type are rejected so the consumer can warn and drop them.
func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("decode envelope: %w", err)
	}
	switch env.EventType {
	case TypeTask, TypeWorker:
		return env, nil
	default:
		return Envelope{}, fmt.Errorf("unknown event_type %q", env.EventType)
	}
}
