package domain

import (
	"time"
)

type SessionState string

const (
	StatePending   SessionState = "pending"
	StateJoining   SessionState = "joining"
	StateRecording SessionState = "recording"
	StateStopping  SessionState = "stopping"
	StateCompleted SessionState = "completed"
	StateFailed    SessionState = "failed"
)

// Terminal reports whether no further transitions are possible.
func (s SessionState) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// StopReason records which input event moved a session out of Recording.
type StopReason string

const (
	StopNone        StopReason = ""
	StopDetected    StopReason = "meeting_ended"
	StopRequested   StopReason = "stop_requested"
	StopMaxDuration StopReason = "max_duration"
	StopEncoder     StopReason = "encoder_failure"
)

type DurationMode string

const (
	// ModeAuto lets the detectors end the recording.
	ModeAuto DurationMode = "auto"
	// ModeFixed records until the max duration or an explicit stop.
	ModeFixed DurationMode = "fixed"
)

type Meeting struct {
	URL             string `json:"url"`
	ParticipantName string `json:"participantName,omitempty"`
	Title           string `json:"title,omitempty"`
}

type EncoderInfo struct {
	PID            int          `json:"pid"`
	Args           []string     `json:"args"`
	State          EncoderState `json:"state"`
	StartedAt      time.Time    `json:"startedAt"`
	LastOutputSize int64        `json:"lastOutputSize"`
	LastGrowthAt   time.Time    `json:"lastGrowthAt"`
	Forced         bool         `json:"forced,omitempty"`
}

type RecordingSession struct {
	ID                 string          `json:"sessionId"`
	Meeting            Meeting         `json:"meeting"`
	Mode               DurationMode    `json:"mode"`
	State              SessionState    `json:"state"`
	StopReason         StopReason      `json:"stopReason,omitempty"`
	Failure            *Failure        `json:"failure,omitempty"`
	StartedAt          time.Time       `json:"startedAt"`
	RecordingStartedAt *time.Time      `json:"recordingStartedAt,omitempty"`
	EndedAt            *time.Time      `json:"endedAt,omitempty"`
	MinDuration        time.Duration   `json:"minDuration"`
	MaxDuration        time.Duration   `json:"maxDuration"`
	EarlyJoinOffset    time.Duration   `json:"earlyJoinOffset"`
	OutputPath         string          `json:"outputPath,omitempty"`
	EncoderLog         string          `json:"encoderLog,omitempty"`
	DiagnosticsDir     string          `json:"diagnosticsDir,omitempty"`
	Encoder            *EncoderInfo    `json:"encoder,omitempty"`
	Detection          DetectionConfig `json:"-"`
	LastVotes          []DetectionVote `json:"lastVotes,omitempty"`
	DetectionLog       []DetectionTick `json:"detectionLog,omitempty"`
}

// StopFloor is the earliest instant a detector-driven stop may take effect.
func (s *RecordingSession) StopFloor() time.Time {
	return s.StartedAt.Add(s.EarlyJoinOffset + s.MinDuration)
}

// Duration returns the recorded wall time, or the running time while recording.
func (s *RecordingSession) Duration(now time.Time) time.Duration {
	if s.RecordingStartedAt == nil {
		return 0
	}
	end := now
	if s.EndedAt != nil {
		end = *s.EndedAt
	}
	return end.Sub(*s.RecordingStartedAt)
}

// Clone returns a deep copy safe to hand to other goroutines.
func (s *RecordingSession) Clone() *RecordingSession {
	c := *s
	if s.Failure != nil {
		f := *s.Failure
		c.Failure = &f
	}
	if s.RecordingStartedAt != nil {
		t := *s.RecordingStartedAt
		c.RecordingStartedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Encoder != nil {
		e := *s.Encoder
		e.Args = append([]string(nil), s.Encoder.Args...)
		c.Encoder = &e
	}
	c.Detection = s.Detection.Clone()
	c.LastVotes = append([]DetectionVote(nil), s.LastVotes...)
	if s.DetectionLog != nil {
		c.DetectionLog = make([]DetectionTick, len(s.DetectionLog))
		for i, t := range s.DetectionLog {
			t.Votes = append([]DetectionVote(nil), t.Votes...)
			c.DetectionLog[i] = t
		}
	}
	return &c
}
