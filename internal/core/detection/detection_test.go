package detection

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var t0 = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

// fakeSampler serves canned page readings.
type fakeSampler struct {
	mu       sync.Mutex
	text     string
	textErr  error
	stats    ports.MediaStats
	statsErr error
	surfaces []ports.VideoSurface
	surfErr  error
	url      string
	urlErr   error
	shot     []byte
	shotErr  error
	level    float64
	levelErr error
}

func (f *fakeSampler) PageText(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.text, f.textErr
}

func (f *fakeSampler) MediaStats(context.Context) (ports.MediaStats, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stats, f.statsErr
}

func (f *fakeSampler) VideoSurfaces(context.Context) ([]ports.VideoSurface, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]ports.VideoSurface(nil), f.surfaces...), f.surfErr
}

func (f *fakeSampler) CurrentURL(context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.url, f.urlErr
}

func (f *fakeSampler) Screenshot(context.Context) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.shot, f.shotErr
}

func (f *fakeSampler) AudioLevel(context.Context) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.level, f.levelErr
}

func newDetector(t *testing.T, kind domain.DetectorKind) Detector {
	t.Helper()
	d, err := New(kind, domain.DefaultDetectionConfig())
	require.NoError(t, err)
	return d
}

func TestNew_UnknownKind(t *testing.T) {
	_, err := New("sixth_sense", domain.DefaultDetectionConfig())
	assert.Error(t, err)
}

func TestWebRTCDetector(t *testing.T) {
	d := newDetector(t, domain.DetectorWebRTC)
	s := &fakeSampler{}

	v := d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictAbstain, v.Verdict, "no peer connection yet")

	s.stats = ports.MediaStats{PeerConnections: 1, LiveTracks: 2}
	v = d.Sample(context.Background(), s, t0.Add(5*time.Second))
	assert.Equal(t, domain.VerdictContinue, v.Verdict)
	assert.Equal(t, 1.0, v.Confidence)

	s.stats = ports.MediaStats{PeerConnections: 1, LiveTracks: 0}
	v = d.Sample(context.Background(), s, t0.Add(10*time.Second))
	assert.Equal(t, domain.VerdictAbstain, v.Verdict, "zero tracks not yet debounced")
	v = d.Sample(context.Background(), s, t0.Add(19*time.Second))
	assert.Equal(t, domain.VerdictAbstain, v.Verdict)
	v = d.Sample(context.Background(), s, t0.Add(20*time.Second))
	assert.Equal(t, domain.VerdictEnded, v.Verdict)

	s.stats = ports.MediaStats{PeerConnections: 1, LiveTracks: 1}
	v = d.Sample(context.Background(), s, t0.Add(25*time.Second))
	assert.Equal(t, domain.VerdictContinue, v.Verdict, "tracks returning reset the window")

	s.statsErr = errors.New("page crashed")
	v = d.Sample(context.Background(), s, t0.Add(30*time.Second))
	assert.True(t, v.Errored())
	assert.Equal(t, domain.VerdictAbstain, v.Verdict)
}

func TestTextDetector(t *testing.T) {
	d := newDetector(t, domain.DetectorTextIndicator)
	s := &fakeSampler{text: "Alice, Bob and 3 others"}

	v := d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictAbstain, v.Verdict)

	s.text = "Sorry. The Host Ended The Meeting."
	v = d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictEnded, v.Verdict)
	assert.Contains(t, v.Evidence, "the host ended the meeting")
}

func TestVideoDetector(t *testing.T) {
	d := newDetector(t, domain.DetectorVideoElement)
	surface := ports.VideoSurface{ID: "v1", Width: 640, Height: 360, Visible: true, CurrentTime: 1, FramesDecoded: 30}
	s := &fakeSampler{surfaces: []ports.VideoSurface{surface}}

	v := d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictContinue, v.Verdict)

	// frozen
	v = d.Sample(context.Background(), s, t0.Add(5*time.Second))
	assert.Equal(t, domain.VerdictAbstain, v.Verdict)
	v = d.Sample(context.Background(), s, t0.Add(10*time.Second))
	assert.Equal(t, domain.VerdictEnded, v.Verdict)
	assert.Equal(t, 0.7, v.Confidence)

	surface.FramesDecoded = 60
	s.surfaces = []ports.VideoSurface{surface}
	v = d.Sample(context.Background(), s, t0.Add(15*time.Second))
	assert.Equal(t, domain.VerdictContinue, v.Verdict)

	// hidden surfaces do not count
	surface.Visible = false
	s.surfaces = []ports.VideoSurface{surface}
	v = d.Sample(context.Background(), s, t0.Add(20*time.Second))
	assert.Equal(t, domain.VerdictAbstain, v.Verdict)
	v = d.Sample(context.Background(), s, t0.Add(30*time.Second))
	assert.Equal(t, domain.VerdictEnded, v.Verdict)
	assert.Equal(t, 0.9, v.Confidence)
}

func TestURLDetector(t *testing.T) {
	d := newDetector(t, domain.DetectorURLChange)
	s := &fakeSampler{url: "https://meet.example.org/standup"}

	v := d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictAbstain, v.Verdict, "initial host is always a meeting url")

	s.url = "https://meet.example.org/standup#config"
	v = d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictAbstain, v.Verdict)

	s.url = "https://ZOOM.US/j/123"
	v = d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictAbstain, v.Verdict, "patterns match case-insensitively")

	s.url = "https://www.example.com/thanks-for-attending"
	v = d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictEnded, v.Verdict)
}

func TestStillnessDetector(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.StillnessTimeout = 3 * time.Minute
	d, err := New(domain.DetectorStillness, cfg)
	require.NoError(t, err)
	assert.Equal(t, cfg.StillnessWarmup, d.Warmup())

	s := &fakeSampler{shot: []byte("frame-a"), level: 0.001}

	v := d.Sample(context.Background(), s, t0)
	assert.Equal(t, domain.VerdictAbstain, v.Verdict)

	v = d.Sample(context.Background(), s, t0.Add(time.Minute))
	assert.Equal(t, domain.VerdictAbstain, v.Verdict)
	v = d.Sample(context.Background(), s, t0.Add(3*time.Minute))
	assert.Equal(t, domain.VerdictEnded, v.Verdict)
	assert.Equal(t, 0.8, v.Confidence)

	s.shot = []byte("frame-b")
	v = d.Sample(context.Background(), s, t0.Add(4*time.Minute))
	assert.Equal(t, domain.VerdictContinue, v.Verdict)

	s.shot = []byte("frame-b")
	s.level = 0.5
	v = d.Sample(context.Background(), s, t0.Add(5*time.Minute))
	assert.Equal(t, domain.VerdictContinue, v.Verdict, "audio activity alone keeps the meeting alive")

	s.shotErr = errors.New("no page")
	s.levelErr = errors.New("no analyser")
	v = d.Sample(context.Background(), s, t0.Add(6*time.Minute))
	assert.True(t, v.Errored())
	assert.ErrorIs(t, v.Err, errNoStillnessSource)
}

// scriptedDetector replays a fixed verdict sequence; the last entry repeats.
type scriptedDetector struct {
	kind    domain.DetectorKind
	warmup  time.Duration
	script  []domain.Verdict
	conf    float64
	calls   int
	sampleF func(ctx context.Context) domain.DetectionVote
}

func (d *scriptedDetector) Kind() domain.DetectorKind { return d.kind }
func (d *scriptedDetector) Warmup() time.Duration     { return d.warmup }
func (d *scriptedDetector) sealed()                   {}

func (d *scriptedDetector) Sample(ctx context.Context, _ ports.Sampler, now time.Time) domain.DetectionVote {
	d.calls++
	if d.sampleF != nil {
		return d.sampleF(ctx)
	}
	i := d.calls - 1
	if i >= len(d.script) {
		i = len(d.script) - 1
	}
	conf := d.conf
	if conf == 0 {
		conf = 1
	}
	return domain.DetectionVote{Detector: d.kind, Verdict: d.script[i], Confidence: conf, ObservedAt: now}
}

func newTestAggregator(t *testing.T, mutate func(*domain.DetectionConfig), floor time.Time, dets ...*scriptedDetector) *Aggregator {
	t.Helper()
	cfg := domain.DefaultDetectionConfig()
	cfg.SampleTimeout = 200 * time.Millisecond
	if mutate != nil {
		mutate(&cfg)
	}
	a, err := NewAggregator(cfg, &fakeSampler{}, floor, t0)
	require.NoError(t, err)
	a.slots = nil
	for _, d := range dets {
		a.slots = append(a.slots, &slot{det: d})
	}
	return a
}

func verdicts(vs ...domain.Verdict) []domain.Verdict { return vs }

const (
	E = domain.VerdictEnded
	C = domain.VerdictContinue
	A = domain.VerdictAbstain
)

func TestAggregator_DebounceSequence(t *testing.T) {
	det := &scriptedDetector{kind: domain.DetectorTextIndicator, script: verdicts(E, C, E, E, E)}
	a := newTestAggregator(t, nil, t0, det)

	var stops []bool
	for i := 0; i < 5; i++ {
		d := a.Tick(context.Background(), t0.Add(time.Duration(i+1)*5*time.Second))
		stops = append(stops, d.Stop)
	}
	assert.Equal(t, []bool{false, false, false, false, true}, stops)
}

func TestAggregator_AllAbstainNeverStops(t *testing.T) {
	a := newTestAggregator(t, nil, t0,
		&scriptedDetector{kind: domain.DetectorWebRTC, script: verdicts(A)},
		&scriptedDetector{kind: domain.DetectorURLChange, script: verdicts(A)},
	)
	for i := 1; i <= 100; i++ {
		d := a.Tick(context.Background(), t0.Add(time.Duration(i)*5*time.Second))
		require.False(t, d.Stop, "tick %d", i)
		assert.Zero(t, d.Streak)
	}
}

func TestAggregator_FloorInvariant(t *testing.T) {
	floor := t0.Add(10 * time.Minute)
	a := newTestAggregator(t, nil, floor, &scriptedDetector{kind: domain.DetectorTextIndicator, script: verdicts(E)})

	var stoppedAt time.Time
	for i := 1; i <= 20; i++ {
		now := t0.Add(time.Duration(i) * time.Minute)
		if d := a.Tick(context.Background(), now); d.Stop {
			stoppedAt = now
			break
		}
	}
	require.False(t, stoppedAt.IsZero())
	assert.False(t, stoppedAt.Before(floor))
	assert.Equal(t, floor.Add(2*time.Minute), stoppedAt, "streak starts counting at the floor")
}

func TestAggregator_PriorityPreemption(t *testing.T) {
	t.Run("continue outranks ended", func(t *testing.T) {
		a := newTestAggregator(t, nil, t0,
			&scriptedDetector{kind: domain.DetectorWebRTC, script: verdicts(C)},
			&scriptedDetector{kind: domain.DetectorTextIndicator, script: verdicts(E)},
		)
		for i := 1; i <= 10; i++ {
			d := a.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
			require.False(t, d.Stop)
			assert.Equal(t, domain.DetectorWebRTC, d.Detector)
		}
	})

	t.Run("abstain passes to the next detector", func(t *testing.T) {
		a := newTestAggregator(t, func(c *domain.DetectionConfig) { c.DebounceCount = 1 }, t0,
			&scriptedDetector{kind: domain.DetectorWebRTC, script: verdicts(A)},
			&scriptedDetector{kind: domain.DetectorURLChange, script: verdicts(E)},
		)
		d := a.Tick(context.Background(), t0.Add(time.Second))
		assert.True(t, d.Stop)
		assert.Equal(t, domain.DetectorURLChange, d.Detector)
	})

	t.Run("low confidence ended is skipped", func(t *testing.T) {
		a := newTestAggregator(t, func(c *domain.DetectionConfig) { c.DebounceCount = 1; c.MinConfidence = 0.8 }, t0,
			&scriptedDetector{kind: domain.DetectorVideoElement, script: verdicts(E), conf: 0.7},
			&scriptedDetector{kind: domain.DetectorStillness, script: verdicts(C)},
		)
		d := a.Tick(context.Background(), t0.Add(time.Second))
		assert.False(t, d.Stop)
		assert.Equal(t, domain.DetectorStillness, d.Detector)
	})
}

func TestAggregator_ErroredDetectorHoldsRecording(t *testing.T) {
	panicky := &scriptedDetector{kind: domain.DetectorWebRTC, sampleF: func(context.Context) domain.DetectionVote {
		panic("boom")
	}}
	ended := &scriptedDetector{kind: domain.DetectorTextIndicator, script: verdicts(E)}
	a := newTestAggregator(t, func(c *domain.DetectionConfig) { c.DebounceCount = 1 }, t0, panicky, ended)

	for i := 1; i <= 3; i++ {
		d := a.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
		require.False(t, d.Stop)
		require.Len(t, d.Votes, 2)
		assert.True(t, d.Votes[0].Errored())
		assert.Contains(t, d.Votes[0].Error, "panicked")
		assert.Equal(t, domain.VerdictEnded, d.Votes[1].Verdict, "lower detectors are still sampled")
	}
	assert.Equal(t, 3, panicky.calls, "busy flag is released after a panic")
}

func TestAggregator_SampleTimeout(t *testing.T) {
	release := make(chan struct{})
	defer close(release)
	slow := &scriptedDetector{kind: domain.DetectorWebRTC, sampleF: func(context.Context) domain.DetectionVote {
		<-release
		return domain.DetectionVote{Detector: domain.DetectorWebRTC, Verdict: domain.VerdictEnded, Confidence: 1}
	}}
	a := newTestAggregator(t, func(c *domain.DetectionConfig) { c.SampleTimeout = 20 * time.Millisecond }, t0, slow)

	d := a.Tick(context.Background(), t0.Add(time.Second))
	require.Len(t, d.Votes, 1)
	assert.True(t, d.Votes[0].Errored())
	assert.ErrorIs(t, d.Votes[0].Err, context.DeadlineExceeded)
	assert.False(t, d.Stop)

	d = a.Tick(context.Background(), t0.Add(2*time.Second))
	assert.ErrorIs(t, d.Votes[0].Err, errSampleInFlight, "a hung sampler is not called again")
}

func TestAggregator_SamplesConcurrently(t *testing.T) {
	slow := func(kind domain.DetectorKind) *scriptedDetector {
		return &scriptedDetector{kind: kind, sampleF: func(context.Context) domain.DetectionVote {
			time.Sleep(80 * time.Millisecond)
			return domain.DetectionVote{Detector: kind, Verdict: domain.VerdictContinue, Confidence: 1}
		}}
	}
	a := newTestAggregator(t, func(c *domain.DetectionConfig) { c.SampleTimeout = time.Second }, t0,
		slow(domain.DetectorWebRTC), slow(domain.DetectorTextIndicator), slow(domain.DetectorURLChange))

	start := time.Now()
	d := a.Tick(context.Background(), t0.Add(time.Second))
	elapsed := time.Since(start)

	require.Len(t, d.Votes, 3)
	for _, v := range d.Votes {
		assert.False(t, v.Errored(), "%s: %v", v.Detector, v.Err)
	}
	assert.Less(t, elapsed, 200*time.Millisecond, "three 80ms samples share one wait")
	assert.Equal(t, domain.DetectorWebRTC, d.Votes[0].Detector, "votes stay in priority order")
}

func TestAggregator_TickFitsPollInterval(t *testing.T) {
	hung := &scriptedDetector{kind: domain.DetectorWebRTC, sampleF: func(ctx context.Context) domain.DetectionVote {
		<-ctx.Done()
		return domain.DetectionVote{Detector: domain.DetectorWebRTC, Err: ctx.Err(), Error: ctx.Err().Error()}
	}}
	a := newTestAggregator(t, func(c *domain.DetectionConfig) {
		c.SampleTimeout = 5 * time.Second
		c.PollInterval = 40 * time.Millisecond
	}, t0, hung)

	start := time.Now()
	d := a.Tick(context.Background(), t0.Add(time.Second))
	assert.Less(t, time.Since(start), time.Second)
	require.Len(t, d.Votes, 1)
	assert.True(t, d.Votes[0].Errored())
	assert.Equal(t, 30*time.Millisecond, a.sampleBudget())
}

func TestAggregator_WarmupSkipsSampling(t *testing.T) {
	det := &scriptedDetector{kind: domain.DetectorStillness, warmup: time.Minute, script: verdicts(E)}
	a := newTestAggregator(t, func(c *domain.DetectionConfig) { c.DebounceCount = 1 }, t0, det)

	d := a.Tick(context.Background(), t0.Add(30*time.Second))
	assert.False(t, d.Stop)
	assert.Zero(t, det.calls)
	assert.Equal(t, domain.VerdictAbstain, d.Votes[0].Verdict)

	d = a.Tick(context.Background(), t0.Add(time.Minute))
	assert.True(t, d.Stop)
	assert.Equal(t, 1, det.calls)
}

func TestAggregator_DryRunNeverStops(t *testing.T) {
	a := newTestAggregator(t, func(c *domain.DetectionConfig) { c.DryRun = true }, t0,
		&scriptedDetector{kind: domain.DetectorTextIndicator, script: verdicts(E)})
	for i := 1; i <= 10; i++ {
		d := a.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
		assert.False(t, d.Stop)
	}
}

func TestAggregator_StopIsLatched(t *testing.T) {
	det := &scriptedDetector{kind: domain.DetectorTextIndicator, script: verdicts(E, C)}
	a := newTestAggregator(t, func(c *domain.DetectionConfig) { c.DebounceCount = 1 }, t0, det)

	require.True(t, a.Tick(context.Background(), t0.Add(time.Second)).Stop)
	d := a.Tick(context.Background(), t0.Add(2*time.Second))
	assert.True(t, d.Stop)
	assert.Equal(t, 1, det.calls, "no sampling after the latch")
}

func TestAggregator_HistoryIsBounded(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	a, err := NewAggregator(cfg, &fakeSampler{}, t0, t0, WithHistorySize(4))
	require.NoError(t, err)
	a.slots = []*slot{{det: &scriptedDetector{kind: domain.DetectorURLChange, script: verdicts(A)}}}

	for i := 1; i <= 10; i++ {
		a.Tick(context.Background(), t0.Add(time.Duration(i)*time.Second))
	}
	h := a.History()
	require.Len(t, h, 4)
	assert.Equal(t, t0.Add(7*time.Second), h[0].At)
	assert.Equal(t, t0.Add(10*time.Second), h[3].At)
}

func TestAggregator_OrderFollowsPriority(t *testing.T) {
	cfg := domain.DefaultDetectionConfig()
	cfg.Priority = []domain.DetectorKind{domain.DetectorStillness, domain.DetectorURLChange}
	cfg.Enabled[domain.DetectorVideoElement] = false

	var seen []domain.DetectorKind
	a, err := NewAggregator(cfg, &fakeSampler{}, t0, t0, WithVoteObserver(func(v domain.DetectionVote) {
		seen = append(seen, v.Detector)
	}))
	require.NoError(t, err)
	assert.Equal(t, []domain.DetectorKind{
		domain.DetectorStillness,
		domain.DetectorURLChange,
		domain.DetectorWebRTC,
		domain.DetectorTextIndicator,
	}, a.Detectors())

	a.Tick(context.Background(), t0)
	assert.Equal(t, a.Detectors(), seen)
}
