package job

import (
	"errors"
	"fmt"
)

// Failure reasons passed to onError.
const (
	// ReasonStalled is reported when the session ceiling elapses without a
	// terminal state.
	ReasonStalled = "stalled"
	// ReasonStageFailed is reported when a stage failure fails the job.
	ReasonStageFailed = "stage_failed"
	// ReasonJobFailed is reported for an explicit job-level failure without
	// a reason of its own.
	ReasonJobFailed = "job_failed"
)

// ErrRetriesExhausted marks a stream abandoned after its bounded reconnect
// attempts. It is a warning: the session keeps running on polls.
var ErrRetriesExhausted = errors.New("stream reconnect attempts exhausted")

// ConnectionError is a transient stream or poll transport failure.
type ConnectionError struct {
	Op  string
	Err error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connection error: %s: %v", e.Op, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

// MalformedFrameError is a single frame that could not be classified.
type MalformedFrameError struct {
	Kind   string
	Reason string
	Err    error
}

func (e *MalformedFrameError) Error() string {
	msg := "malformed frame"
	if e.Kind != "" {
		msg += " (" + e.Kind + ")"
	}
	msg += ": " + e.Reason
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *MalformedFrameError) Unwrap() error {
	return e.Err
}

// StageFailure describes one failed stage.
type StageFailure struct {
	Stage   StageID
	Message string
}

func (e StageFailure) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("stage %s failed", e.Stage)
	}
	return fmt.Sprintf("stage %s failed: %s", e.Stage, e.Message)
}

// JobFailure ends a session through onError.
type JobFailure struct {
	Reason string
	Stage  StageID
}

func (e *JobFailure) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("job failed: %s (stage %s)", e.Reason, e.Stage)
	}
	return "job failed: " + e.Reason
}

// IsMalformedFrame checks if an error is a MalformedFrameError.
func IsMalformedFrame(err error) bool {
	var mf *MalformedFrameError
	return errors.As(err, &mf)
}

// IsConnectionError checks if an error is a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}

// IsStalled reports whether err is a JobFailure caused by the session ceiling.
func IsStalled(err error) bool {
	var jf *JobFailure
	return errors.As(err, &jf) && jf.Reason == ReasonStalled
}
