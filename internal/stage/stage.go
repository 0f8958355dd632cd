// Package stage names the steps of the session pipeline and the typed
// failure kinds each step can produce. Control flow decides on Kind, never on
// error text.
package stage

import (
	"errors"
	"fmt"
)

// Name identifies one pipeline step.
type Name string

const (
	Collecting    Name = "collecting"
	Conversion    Name = "conversion"
	Transcription Name = "transcription"
	Enrichment    Name = "enrichment"
	Diarization   Name = "diarization"
	Dispatch      Name = "dispatch"
)

// Kind is a machine-readable failure category.
type Kind string

const (
	KindEmptySession           Kind = "EMPTY_SESSION"
	KindWriteFailure           Kind = "WRITE_FAILURE"
	KindTranscodeTimeout       Kind = "TRANSCODE_TIMEOUT"
	KindTranscodeFailure       Kind = "TRANSCODE_FAILURE"
	KindReadFailure            Kind = "READ_FAILURE"
	KindTranscriptionFailure   Kind = "TRANSCRIPTION_FAILURE"
	KindMissingSupportArtifact Kind = "MISSING_SUPPORT_ARTIFACT"
	KindDiarizationFailure     Kind = "DIARIZATION_FAILURE"
	KindRemoteEnrichment       Kind = "REMOTE_ENRICHMENT_FAILURE"
	KindDispatchFailure        Kind = "DISPATCH_FAILURE"
	KindInternal               Kind = "INTERNAL_ERROR"
)

// Error is a stage failure carrying the step that failed, its kind, optional
// diagnostic detail (for example transcoder stderr) and the underlying cause.
type Error struct {
	Stage  Name   `json:"stage"`
	Kind   Kind   `json:"kind"`
	Detail string `json:"detail,omitempty"`
	Err    error  `json:"-"`
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Stage, e.Kind)
	if e.Detail != "" {
		msg += ": " + e.Detail
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// Is reports a match when target is a *Error of the same Kind and, if set,
// the same Stage.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if t.Kind != "" && t.Kind != e.Kind {
		return false
	}
	if t.Stage != "" && t.Stage != e.Stage {
		return false
	}
	return true
}

// Fail builds a stage error.
func Fail(name Name, kind Kind, err error) *Error {
	return &Error{Stage: name, Kind: kind, Err: err}
}

// WithDetail attaches diagnostic text and returns the receiver.
func (e *Error) WithDetail(detail string) *Error {
	e.Detail = detail
	return e
}

// Retag returns a copy of err attributed to another stage. Used by the
// session when an inner component reports under its own name.
func Retag(err *Error, name Name) *Error {
	c := *err
	c.Stage = name
	return &c
}

// KindOf returns the kind of the first *Error in err's chain, or "".
func KindOf(err error) Kind {
	var se *Error
	if errors.As(err, &se) {
		return se.Kind
	}
	return ""
}

// As extracts the first *Error in err's chain.
func As(err error) (*Error, bool) {
	var se *Error
	if errors.As(err, &se) {
		return se, true
	}
	return nil, false
}

// Sentinel returns a matcher usable with errors.Is, e.g.
// errors.Is(err, stage.Sentinel(stage.KindTranscodeTimeout)).
func Sentinel(kind Kind) *Error {
	return &Error{Kind: kind}
}
