package detection

import (
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
)

// webrtcDetector votes ended once every peer connection has carried zero
// live media tracks for the debounce window.
type webrtcDetector struct {
	debounce   time.Duration
	zeroSince  time.Time
	seenTracks bool
}

func (d *webrtcDetector) Kind() domain.DetectorKind { return domain.DetectorWebRTC }
func (d *webrtcDetector) Warmup() time.Duration     { return webrtcWarmup }
func (d *webrtcDetector) sealed()                   {}

func (d *webrtcDetector) Sample(ctx context.Context, s ports.Sampler, now time.Time) domain.DetectionVote {
	stats, err := s.MediaStats(ctx)
	if err != nil {
		return abstainErr(d.Kind(), now, fmt.Errorf("media stats: %w", err))
	}
	if stats.LiveTracks > 0 {
		d.seenTracks = true
		d.zeroSince = time.Time{}
		return vote(d.Kind(), domain.VerdictContinue, 1.0, now, "%d live tracks on %d peer connections", stats.LiveTracks, stats.PeerConnections)
	}
	if !d.seenTracks && stats.PeerConnections == 0 {
		return vote(d.Kind(), domain.VerdictAbstain, 0, now, "no peer connection observed yet")
	}
	if d.zeroSince.IsZero() {
		d.zeroSince = now
	}
	idle := now.Sub(d.zeroSince)
	if idle >= d.debounce {
		return vote(d.Kind(), domain.VerdictEnded, 1.0, now, "no live media tracks for %s", idle.Round(time.Second))
	}
	return vote(d.Kind(), domain.VerdictAbstain, 0, now, "no live media tracks for %s", idle.Round(time.Second))
}

// textDetector looks for known "meeting ended" strings in the page text.
// Absence of a string is not evidence either way.
type textDetector struct {
	needles []string
}

func newTextDetector(texts []string) *textDetector {
	needles := make([]string, 0, len(texts))
	for _, t := range texts {
		if t = strings.ToLower(strings.TrimSpace(t)); t != "" {
			needles = append(needles, t)
		}
	}
	return &textDetector{needles: needles}
}

func (d *textDetector) Kind() domain.DetectorKind { return domain.DetectorTextIndicator }
func (d *textDetector) Warmup() time.Duration     { return 0 }
func (d *textDetector) sealed()                   {}

func (d *textDetector) Sample(ctx context.Context, s ports.Sampler, now time.Time) domain.DetectionVote {
	text, err := s.PageText(ctx)
	if err != nil {
		return abstainErr(d.Kind(), now, fmt.Errorf("page text: %w", err))
	}
	lower := strings.ToLower(text)
	for _, n := range d.needles {
		if strings.Contains(lower, n) {
			return vote(d.Kind(), domain.VerdictEnded, 1.0, now, "found text indicator %q", n)
		}
	}
	return vote(d.Kind(), domain.VerdictAbstain, 0, now, "no end indicators found")
}

type surfaceProgress struct {
	currentTime   float64
	framesDecoded int64
}

// videoDetector votes ended when the meeting's video surfaces disappear or
// stop advancing for the stale timeout.
type videoDetector struct {
	stale          time.Duration
	progress       map[string]surfaceProgress
	missingSince   time.Time
	lastProgressAt time.Time
}

func (d *videoDetector) Kind() domain.DetectorKind { return domain.DetectorVideoElement }
func (d *videoDetector) Warmup() time.Duration     { return videoWarmup }
func (d *videoDetector) sealed()                   {}

func (d *videoDetector) Sample(ctx context.Context, s ports.Sampler, now time.Time) domain.DetectionVote {
	surfaces, err := s.VideoSurfaces(ctx)
	if err != nil {
		return abstainErr(d.Kind(), now, fmt.Errorf("video surfaces: %w", err))
	}

	visible := surfaces[:0:0]
	for _, v := range surfaces {
		if v.Visible && v.Width > 0 && v.Height > 0 {
			visible = append(visible, v)
		}
	}

	if len(visible) == 0 {
		d.progress = map[string]surfaceProgress{}
		d.lastProgressAt = time.Time{}
		if d.missingSince.IsZero() {
			d.missingSince = now
		}
		gone := now.Sub(d.missingSince)
		if gone >= d.stale {
			return vote(d.Kind(), domain.VerdictEnded, 0.9, now, "no visible video surface for %s", gone.Round(time.Second))
		}
		return vote(d.Kind(), domain.VerdictAbstain, 0, now, "no visible video surface for %s", gone.Round(time.Second))
	}
	d.missingSince = time.Time{}

	advanced := false
	next := make(map[string]surfaceProgress, len(visible))
	for _, v := range visible {
		p := surfaceProgress{currentTime: v.CurrentTime, framesDecoded: v.FramesDecoded}
		prev, ok := d.progress[v.ID]
		if !ok || p.currentTime > prev.currentTime || p.framesDecoded > prev.framesDecoded {
			advanced = true
		}
		next[v.ID] = p
	}
	d.progress = next

	if advanced || d.lastProgressAt.IsZero() {
		d.lastProgressAt = now
		return vote(d.Kind(), domain.VerdictContinue, 0.9, now, "%d video surfaces updating", len(visible))
	}
	frozen := now.Sub(d.lastProgressAt)
	if frozen >= d.stale {
		return vote(d.Kind(), domain.VerdictEnded, 0.7, now, "video surfaces frozen for %s", frozen.Round(time.Second))
	}
	return vote(d.Kind(), domain.VerdictAbstain, 0, now, "video surfaces frozen for %s", frozen.Round(time.Second))
}

// urlDetector votes ended once the page leaves every meeting URL pattern.
// The host of the first observed URL always counts as a pattern.
type urlDetector struct {
	patterns    []string
	initialHost string
}

func (d *urlDetector) Kind() domain.DetectorKind { return domain.DetectorURLChange }
func (d *urlDetector) Warmup() time.Duration     { return 0 }
func (d *urlDetector) sealed()                   {}

func (d *urlDetector) Sample(ctx context.Context, s ports.Sampler, now time.Time) domain.DetectionVote {
	raw, err := s.CurrentURL(ctx)
	if err != nil {
		return abstainErr(d.Kind(), now, fmt.Errorf("current url: %w", err))
	}
	if d.initialHost == "" {
		if u, err := url.Parse(raw); err == nil && u.Host != "" {
			d.initialHost = strings.ToLower(u.Host)
		}
	}
	if d.matches(raw) {
		return vote(d.Kind(), domain.VerdictAbstain, 0, now, "still on meeting url")
	}
	return vote(d.Kind(), domain.VerdictEnded, 1.0, now, "navigated away to %s", raw)
}

func (d *urlDetector) matches(raw string) bool {
	lower := strings.ToLower(raw)
	if d.initialHost != "" && hostOf(lower) == d.initialHost {
		return true
	}
	for _, p := range d.patterns {
		if p != "" && strings.Contains(lower, strings.ToLower(p)) {
			return true
		}
	}
	return false
}

func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return u.Host
}

var errNoStillnessSource = errors.New("neither screenshot nor audio level available")

// stillnessDetector votes ended when captured frames stay identical and the
// audio level stays below threshold for the stillness timeout. Either source
// may be missing; the other then decides alone.
type stillnessDetector struct {
	timeout    time.Duration
	warmup     time.Duration
	threshold  float64
	lastFrame  [sha256.Size]byte
	haveFrame  bool
	lastSample time.Time
	stillSince time.Time
}

func (d *stillnessDetector) Kind() domain.DetectorKind { return domain.DetectorStillness }
func (d *stillnessDetector) Warmup() time.Duration     { return d.warmup }
func (d *stillnessDetector) sealed()                   {}

func (d *stillnessDetector) Sample(ctx context.Context, s ports.Sampler, now time.Time) domain.DetectionVote {
	prevSample := d.lastSample
	d.lastSample = now

	frameKnown, frameStill := false, false
	shot, shotErr := s.Screenshot(ctx)
	if shotErr == nil && len(shot) > 0 {
		sum := sha256.Sum256(shot)
		if d.haveFrame {
			frameKnown = true
			frameStill = sum == d.lastFrame
		}
		d.lastFrame, d.haveFrame = sum, true
	}

	audioKnown, audioSilent := false, false
	level, audioErr := s.AudioLevel(ctx)
	if audioErr == nil {
		audioKnown = true
		audioSilent = level < d.threshold
	}

	if shotErr != nil && audioErr != nil {
		d.stillSince = time.Time{}
		return abstainErr(d.Kind(), now, fmt.Errorf("%w: %v; %v", errNoStillnessSource, shotErr, audioErr))
	}
	if !frameKnown && !audioKnown {
		return vote(d.Kind(), domain.VerdictAbstain, 0, now, "collecting baseline frame")
	}

	still := (!frameKnown || frameStill) && (!audioKnown || audioSilent)
	if !still {
		d.stillSince = time.Time{}
		return vote(d.Kind(), domain.VerdictContinue, 0.6, now, "screen or audio activity (audio level %.3f)", level)
	}
	if d.stillSince.IsZero() {
		d.stillSince = now
		if frameKnown && !prevSample.IsZero() {
			d.stillSince = prevSample
		}
	}
	elapsed := now.Sub(d.stillSince)
	if elapsed >= d.timeout {
		return vote(d.Kind(), domain.VerdictEnded, 0.8, now, "no screen or audio change for %s", elapsed.Round(time.Second))
	}
	return vote(d.Kind(), domain.VerdictAbstain, 0, now, "still for %s", elapsed.Round(time.Second))
}
