package event

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestTaskEvent_WireRoundTrip(t *testing.T) {
	orig := TaskEvent{
		TaskID:    "abc-123",
		Name:      "app.tasks.resize",
		State:     StateRetry,
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
		ParentID:  "root-1",
		RootID:    "root-1",
		TraceID:   "4bf92f3577b34da6a3ce929d0e0e4736",
		Retries:   2,
	}

	data, err := WrapTask(orig).Encode()
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeTask, env.EventType)

	got, err := env.Task()
	require.NoError(t, err)
	require.Equal(t, orig, got)
}

func TestWorkerEvent_WireRoundTrip(t *testing.T) {
	orig := WorkerEvent{
		Hostname:        "worker@box-1",
		Pid:             4242,
		Status:          WorkerOnline,
		RegisteredTasks: []string{"app.tasks.resize", "app.tasks.upload"},
		Timestamp:       time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}

	data, err := WrapWorker(orig).Encode()
	require.NoError(t, err)

	env, err := Decode(data)
	require.NoError(t, err)
	require.Equal(t, TypeWorker, env.EventType)

	got, err := env.Worker()
	require.NoError(t, err)
	require.Equal(t, orig, got)
}

func TestTaskEvent_WireRoundTrip_Property(t *testing.T) {
	states := []TaskState{
		StatePending, StateReceived, StateStarted, StateSuccess,
		StateFailure, StateRevoked, StateRejected, StateRetry,
	}
	rapid.Check(t, func(t *rapid.T) {
		orig := TaskEvent{
			TaskID:    rapid.StringMatching(`[a-z0-9-]{1,36}`).Draw(t, "taskID"),
			Name:      rapid.StringMatching(`[a-z_.]{0,40}`).Draw(t, "name"),
			State:     rapid.SampledFrom(states).Draw(t, "state"),
			Timestamp: time.Unix(rapid.Int64Range(0, 1<<33).Draw(t, "unix"), 0).UTC(),
			ParentID:  rapid.StringMatching(`[a-z0-9-]{0,36}`).Draw(t, "parentID"),
			RootID:    rapid.StringMatching(`[a-z0-9-]{0,36}`).Draw(t, "rootID"),
			TraceID:   rapid.StringMatching(`[0-9a-f]{0,32}`).Draw(t, "traceID"),
			Retries:   rapid.IntRange(0, 100).Draw(t, "retries"),
		}

		data, err := WrapTask(orig).Encode()
		require.NoError(t, err)
		env, err := Decode(data)
		require.NoError(t, err)
		got, err := env.Task()
		require.NoError(t, err)
		require.Equal(t, orig, got)
	})
}

func TestEncode_TaskAlwaysCarriesStateAndRetries(t *testing.T) {
	data, err := WrapTask(TaskEvent{
		TaskID:    "t1",
		Name:      "app.tasks.fetch",
		State:     StatePending,
		Timestamp: time.Date(2026, 3, 14, 9, 26, 53, 0, time.UTC),
	}).Encode()
	require.NoError(t, err)

	// Zero retries is still part of the payload, not an omitted field.
	require.Contains(t, string(data), `"retries":0`)
	require.Contains(t, string(data), `"state":"PENDING"`)
}

func TestDecode_RejectsUnknownEventType(t *testing.T) {
	_, err := Decode([]byte(`{"event_type":"orchestra","timestamp":"2026-03-14T09:26:53Z"}`))
	require.Error(t, err)
	require.Contains(t, err.Error(), "unknown event_type")
}

func TestDecode_RejectsMalformedJSON(t *testing.T) {
	_, err := Decode([]byte(`{"event_type":"task"`))
	require.Error(t, err)
}

func TestEnvelope_TaskValidation(t *testing.T) {
	t.Run("wrong type", func(t *testing.T) {
		env := WrapWorker(WorkerEvent{Hostname: "h", Status: WorkerOnline})
		_, err := env.Task()
		require.Error(t, err)
	})

	t.Run("missing task id", func(t *testing.T) {
		env := Envelope{EventType: TypeTask, State: StateStarted}
		_, err := env.Task()
		require.Error(t, err)
		require.Contains(t, err.Error(), "missing task_id")
	})

	t.Run("unknown state", func(t *testing.T) {
		env := Envelope{EventType: TypeTask, TaskID: "t1", State: "LOST"}
		_, err := env.Task()
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown state")
	})
}

func TestEnvelope_WorkerValidation(t *testing.T) {
	t.Run("wrong type", func(t *testing.T) {
		env := WrapTask(TaskEvent{TaskID: "t1", State: StateStarted})
		_, err := env.Worker()
		require.Error(t, err)
	})

	t.Run("missing hostname", func(t *testing.T) {
		env := Envelope{EventType: TypeWorker, Status: WorkerOnline}
		_, err := env.Worker()
		require.Error(t, err)
		require.Contains(t, err.Error(), "missing hostname")
	})

	t.Run("unknown status", func(t *testing.T) {
		env := Envelope{EventType: TypeWorker, Hostname: "h", Status: "sleeping"}
		_, err := env.Worker()
		require.Error(t, err)
		require.Contains(t, err.Error(), "unknown status")
	})
}
