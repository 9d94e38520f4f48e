// Package detection fuses independent meeting-end signals into a single
// stop decision.
package detection

import (
	"context"
	"fmt"
	"time"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/logging"
)

var logger = logging.ForService("detection")

// Detector samples one meeting signal. The set of implementations is fixed;
// use New to obtain one.
type Detector interface {
	Kind() domain.DetectorKind
	// Warmup is how long after recording start the detector's votes are ignored.
	Warmup() time.Duration
	Sample(ctx context.Context, s ports.Sampler, now time.Time) domain.DetectionVote
	sealed()
}

const (
	webrtcWarmup = 15 * time.Second
	videoWarmup  = 15 * time.Second
)

// New builds the detector of the given kind from a session's config.
func New(kind domain.DetectorKind, cfg domain.DetectionConfig) (Detector, error) {
	switch kind {
	case domain.DetectorWebRTC:
		return &webrtcDetector{debounce: cfg.WebRTCDebounce}, nil
	case domain.DetectorTextIndicator:
		return newTextDetector(cfg.EndedTexts), nil
	case domain.DetectorVideoElement:
		return &videoDetector{stale: cfg.VideoStaleTimeout, progress: map[string]surfaceProgress{}}, nil
	case domain.DetectorURLChange:
		return &urlDetector{patterns: cfg.MeetingURLPatterns}, nil
	case domain.DetectorStillness:
		return &stillnessDetector{
			timeout:   cfg.StillnessTimeout,
			warmup:    cfg.StillnessWarmup,
			threshold: cfg.AudioSilenceThreshold,
		}, nil
	}
	return nil, fmt.Errorf("unknown detector %q", kind)
}

func vote(kind domain.DetectorKind, v domain.Verdict, confidence float64, now time.Time, format string, args ...any) domain.DetectionVote {
	return domain.DetectionVote{
		Detector:   kind,
		Verdict:    v,
		Confidence: confidence,
		ObservedAt: now,
		Evidence:   fmt.Sprintf(format, args...),
	}
}

func abstainErr(kind domain.DetectorKind, now time.Time, err error) domain.DetectionVote {
	return domain.DetectionVote{
		Detector:   kind,
		Verdict:    domain.VerdictAbstain,
		ObservedAt: now,
		Err:        err,
		Error:      err.Error(),
	}
}
