// SPDX-License-Identifier: MIT

package capture

import "github.com/scriptglance/recorder/internal/fsm"

// State is the capture session lifecycle state.
type State string

const (
	StateIdle      State = "idle"
	StateAcquiring State = "acquiring"
	StateRecording State = "recording"
	StateStopping  State = "stopping"
)

// Event drives State transitions. Events are only fired from the session's
// event loop.
type Event string

const (
	EventStartRequested       Event = "start_requested"
	EventAcquisitionSucceeded Event = "acquisition_succeeded"
	EventAcquisitionFailed    Event = "acquisition_failed"
	EventSegmentReady         Event = "segment_ready"
	EventStopRequested        Event = "stop_requested"
	EventStopConfirmed        Event = "stop_confirmed"
	EventStorageFailed        Event = "storage_failed"
)

// StopReason explains why a session left Recording.
type StopReason string

const (
	StopUser              StopReason = "user"
	StopDisabled          StopReason = "disabled"
	StopIdentityChanged   StopReason = "identity_changed"
	StopMaxDuration       StopReason = "max_duration"
	StopTeardown          StopReason = "teardown"
	StopStorageError      StopReason = "storage_error"
	StopEncoderError      StopReason = "encoder_error"
	StopAcquisitionFailed StopReason = "acquisition_failed"
)

func newMachine() *fsm.Machine[State, Event] {
	return fsm.MustNew(StateIdle, []fsm.Transition[State, Event]{
		{From: StateIdle, Event: EventStartRequested, To: StateAcquiring},
		{From: StateAcquiring, Event: EventAcquisitionSucceeded, To: StateRecording},
		{From: StateAcquiring, Event: EventAcquisitionFailed, To: StateIdle},
		{From: StateAcquiring, Event: EventStopRequested, To: StateStopping},
		{From: StateRecording, Event: EventSegmentReady, To: StateRecording},
		{From: StateRecording, Event: EventStopRequested, To: StateStopping},
		{From: StateRecording, Event: EventStorageFailed, To: StateStopping},
		{From: StateStopping, Event: EventSegmentReady, To: StateStopping},
		{From: StateStopping, Event: EventStopConfirmed, To: StateIdle},
	})
}
