package domain

import (
	"errors"
	"fmt"
)

// ReasonCode is the machine-readable cause attached to every terminal failure.
type ReasonCode string

const (
	CodeJoinFailed           ReasonCode = "JOIN_FAILED"
	CodeJoinTimeout          ReasonCode = "JOIN_TIMEOUT"
	CodeLobbyTimeout         ReasonCode = "LOBBY_TIMEOUT"
	CodeLockContention       ReasonCode = "LOCK_CONTENTION"
	CodeRecordingStartFailed ReasonCode = "RECORDING_START_FAILED"
	CodeEncoderStalled       ReasonCode = "ENCODER_STALLED"
	CodeEncoderCrashed       ReasonCode = "ENCODER_CRASHED"
	CodeOutputInvalid        ReasonCode = "OUTPUT_INVALID"
	CodeCanceled             ReasonCode = "CANCELED"
	CodeInternal             ReasonCode = "INTERNAL_ERROR"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrLockContention  = errors.New("recording lock is held by another session")
	ErrLockReleased    = errors.New("lock token already released")
	ErrJoinFailed      = errors.New("failed to join meeting")
	ErrLobbyTimeout    = errors.New("not admitted from lobby before timeout")
	ErrStalled         = errors.New("encoder output stalled")
	ErrCrashed         = errors.New("encoder exited unexpectedly")
	ErrInvalidOutput   = errors.New("recording output is empty or unrecognized")
	ErrAlreadyStarted  = errors.New("encoder already started")
	ErrInvalidRequest  = errors.New("invalid trigger request")
)

// Failure is a terminal session error with a reason code.
type Failure struct {
	Code    ReasonCode `json:"code"`
	Message string     `json:"message"`
	Err     error      `json:"-"`
}

func NewFailure(code ReasonCode, err error) *Failure {
	f := &Failure{Code: code, Err: err}
	if err != nil {
		f.Message = err.Error()
	}
	return f
}

func (f *Failure) Error() string {
	if f.Message == "" {
		return string(f.Code)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Failure) Unwrap() error {
	return f.Err
}

// CodeOf extracts the reason code carried by err, falling back to CodeInternal.
func CodeOf(err error) ReasonCode {
	var f *Failure
	if errors.As(err, &f) {
		return f.Code
	}
	switch {
	case errors.Is(err, ErrLockContention):
		return CodeLockContention
	case errors.Is(err, ErrLobbyTimeout):
		return CodeLobbyTimeout
	case errors.Is(err, ErrJoinFailed):
		return CodeJoinFailed
	case errors.Is(err, ErrStalled):
		return CodeEncoderStalled
	case errors.Is(err, ErrInvalidOutput):
		return CodeOutputInvalid
	case errors.Is(err, ErrCrashed):
		return CodeEncoderCrashed
	}
	return CodeInternal
}
