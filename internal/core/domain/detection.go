package domain

import (
	"fmt"
	"time"
)

type DetectorKind string

const (
	DetectorWebRTC        DetectorKind = "webrtc"
	DetectorTextIndicator DetectorKind = "text_indicator"
	DetectorVideoElement  DetectorKind = "video_element"
	DetectorURLChange     DetectorKind = "url_change"
	DetectorStillness     DetectorKind = "stillness"
)

// AllDetectors lists every detector kind in default priority order.
var AllDetectors = []DetectorKind{
	DetectorWebRTC,
	DetectorTextIndicator,
	DetectorVideoElement,
	DetectorURLChange,
	DetectorStillness,
}

func (k DetectorKind) Valid() bool {
	for _, d := range AllDetectors {
		if d == k {
			return true
		}
	}
	return false
}

type Verdict string

const (
	VerdictAbstain  Verdict = "abstain"
	VerdictContinue Verdict = "continue"
	VerdictEnded    Verdict = "ended"
)

type DetectionVote struct {
	Detector   DetectorKind `json:"detector"`
	Verdict    Verdict      `json:"verdict"`
	Confidence float64      `json:"confidence"`
	ObservedAt time.Time    `json:"observedAt"`
	Evidence   string       `json:"evidence,omitempty"`
	Err        error        `json:"-"`
	Error      string       `json:"error,omitempty"`
}

// Errored reports whether the detector failed to produce a reading.
func (v DetectionVote) Errored() bool {
	return v.Err != nil
}

// DetectionTick is one aggregator tick as kept in the session's detection log.
type DetectionTick struct {
	At        time.Time       `json:"at"`
	Candidate bool            `json:"candidate"`
	Streak    int             `json:"streak"`
	Votes     []DetectionVote `json:"votes"`
}

// DetectionConfig is snapshotted per session and never mutated afterwards.
type DetectionConfig struct {
	Enabled               map[DetectorKind]bool `json:"enabled" yaml:"enabled"`
	Priority              []DetectorKind        `json:"priority" yaml:"priority"`
	DebounceCount         int                   `json:"debounceCount" yaml:"debounce_count"`
	PollInterval          time.Duration         `json:"pollInterval" yaml:"poll_interval"`
	SampleTimeout         time.Duration         `json:"sampleTimeout" yaml:"sample_timeout"`
	StillnessTimeout      time.Duration         `json:"stillnessTimeout" yaml:"stillness_timeout"`
	StillnessWarmup       time.Duration         `json:"stillnessWarmup" yaml:"stillness_warmup"`
	AudioSilenceThreshold float64               `json:"audioSilenceThreshold" yaml:"audio_silence_threshold"`
	WebRTCDebounce        time.Duration         `json:"webrtcDebounce" yaml:"webrtc_debounce"`
	VideoStaleTimeout     time.Duration         `json:"videoStaleTimeout" yaml:"video_stale_timeout"`
	MinConfidence         float64               `json:"minConfidence" yaml:"min_confidence"`
	MeetingURLPatterns    []string              `json:"meetingUrlPatterns" yaml:"meeting_url_patterns"`
	EndedTexts            []string              `json:"endedTexts" yaml:"ended_texts"`
	DryRun                bool                  `json:"dryRun" yaml:"dry_run"`
}

// DefaultEndedTexts are page strings that mean the bot is no longer in the call.
var DefaultEndedTexts = []string{
	"meeting has ended",
	"the host ended the meeting",
	"you have been removed",
	"someone removed you",
	"removed from the meeting",
	"you have left the meeting",
	"you have been disconnected",
	"meeting ended",
	"call ended",
	"conference not found",
	"meeting unavailable",
	"how was the quality",
	"會議已結束",
	"主持人已結束會議",
	"已離開會議",
}

func DefaultDetectionConfig() DetectionConfig {
	return DetectionConfig{
		Enabled: map[DetectorKind]bool{
			DetectorWebRTC:        true,
			DetectorTextIndicator: true,
			DetectorVideoElement:  true,
			DetectorURLChange:     true,
			DetectorStillness:     true,
		},
		Priority:              append([]DetectorKind(nil), AllDetectors...),
		DebounceCount:         3,
		PollInterval:          5 * time.Second,
		SampleTimeout:         3 * time.Second,
		StillnessTimeout:      180 * time.Second,
		StillnessWarmup:       60 * time.Second,
		AudioSilenceThreshold: 0.01,
		WebRTCDebounce:        10 * time.Second,
		VideoStaleTimeout:     10 * time.Second,
		MinConfidence:         0.5,
		MeetingURLPatterns: []string{
			"meet.jit.si",
			"webex.com",
			"zoom.us",
			"teams.microsoft.com",
			"teams.live.com",
			"meet.google.com",
		},
		EndedTexts: append([]string(nil), DefaultEndedTexts...),
	}
}

func (c DetectionConfig) Clone() DetectionConfig {
	out := c
	if c.Enabled != nil {
		out.Enabled = make(map[DetectorKind]bool, len(c.Enabled))
		for k, v := range c.Enabled {
			out.Enabled[k] = v
		}
	}
	out.Priority = append([]DetectorKind(nil), c.Priority...)
	out.MeetingURLPatterns = append([]string(nil), c.MeetingURLPatterns...)
	out.EndedTexts = append([]string(nil), c.EndedTexts...)
	return out
}

func (c DetectionConfig) IsEnabled(k DetectorKind) bool {
	return c.Enabled[k]
}

// Ordered returns the enabled detectors by priority; kinds missing from
// Priority are appended in default order.
func (c DetectionConfig) Ordered() []DetectorKind {
	seen := make(map[DetectorKind]bool, len(AllDetectors))
	var out []DetectorKind
	for _, k := range c.Priority {
		if seen[k] || !k.Valid() {
			continue
		}
		seen[k] = true
		if c.IsEnabled(k) {
			out = append(out, k)
		}
	}
	for _, k := range AllDetectors {
		if !seen[k] && c.IsEnabled(k) {
			out = append(out, k)
		}
	}
	return out
}

func (c DetectionConfig) Validate() error {
	for k := range c.Enabled {
		if !k.Valid() {
			return fmt.Errorf("unknown detector %q", k)
		}
	}
	for _, k := range c.Priority {
		if !k.Valid() {
			return fmt.Errorf("unknown detector %q in priority", k)
		}
	}
	if c.DebounceCount < 1 {
		return fmt.Errorf("debounce count must be at least 1, got %d", c.DebounceCount)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll interval must be positive")
	}
	if c.StillnessTimeout <= 0 {
		return fmt.Errorf("stillness timeout must be positive")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be within [0,1], got %v", c.MinConfidence)
	}
	return nil
}
