package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
)

const (
	defaultHistorySize   = 20
	defaultSampleTimeout = 3 * time.Second
)

var errSampleInFlight = errors.New("previous sample still in flight")

// Decision is the aggregator's verdict for one tick.
type Decision struct {
	Stop     bool                   `json:"stop"`
	Detector domain.DetectorKind    `json:"detector,omitempty"`
	Reason   string                 `json:"reason,omitempty"`
	Streak   int                    `json:"streak"`
	Votes    []domain.DetectionVote `json:"votes"`
}

type Option func(*Aggregator)

// WithLogger replaces the package logger, typically with one carrying a session id.
func WithLogger(l *slog.Logger) Option {
	return func(a *Aggregator) { a.log = l }
}

// WithVoteObserver is called for every vote produced, after the tick is decided.
func WithVoteObserver(fn func(domain.DetectionVote)) Option {
	return func(a *Aggregator) { a.observe = fn }
}

// WithHistorySize bounds the number of ticks kept for status and diagnostics.
func WithHistorySize(n int) Option {
	return func(a *Aggregator) {
		if n > 0 {
			a.historySize = n
		}
	}
}

type slot struct {
	det  Detector
	busy atomic.Bool
}

// Aggregator fuses detector votes into a debounced stop decision. Tick must
// be called from a single goroutine; History may be read concurrently.
type Aggregator struct {
	cfg            domain.DetectionConfig
	sampler        ports.Sampler
	floor          time.Time
	recordingStart time.Time
	slots          []*slot
	log            *slog.Logger
	observe        func(domain.DetectionVote)

	streak  int
	latched *Decision

	mu          sync.Mutex
	history     []domain.DetectionTick
	historySize int
}

// NewAggregator builds the enabled detectors in priority order. floor is the
// earliest instant a Stop may be emitted; recordingStart anchors warm-up.
func NewAggregator(cfg domain.DetectionConfig, sampler ports.Sampler, floor, recordingStart time.Time, opts ...Option) (*Aggregator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid detection config: %w", err)
	}
	a := &Aggregator{
		cfg:            cfg.Clone(),
		sampler:        sampler,
		floor:          floor,
		recordingStart: recordingStart,
		log:            logger,
		historySize:    defaultHistorySize,
	}
	for _, kind := range a.cfg.Ordered() {
		d, err := New(kind, a.cfg)
		if err != nil {
			return nil, err
		}
		a.slots = append(a.slots, &slot{det: d})
	}
	for _, opt := range opts {
		opt(a)
	}
	return a, nil
}

// Detectors returns the active detector kinds in priority order.
func (a *Aggregator) Detectors() []domain.DetectorKind {
	out := make([]domain.DetectorKind, len(a.slots))
	for i, s := range a.slots {
		out[i] = s.det.Kind()
	}
	return out
}

// Tick samples every detector once and returns the decision. Once a Stop
// has been returned every later call returns the same decision.
func (a *Aggregator) Tick(ctx context.Context, now time.Time) Decision {
	if a.latched != nil {
		return a.copyDecision(*a.latched)
	}

	votes := a.sampleAll(ctx, now)

	var (
		candidate bool
		decider   domain.DetectorKind
		reason    string
	)
	for _, v := range votes {
		if v.Errored() {
			a.log.Debug("detector errored, holding recording",
				"detector", v.Detector,
				"error", v.Err)
			decider, reason = v.Detector, "detector error: "+v.Error
			break
		}
		if v.Verdict == domain.VerdictContinue {
			decider, reason = v.Detector, v.Evidence
			break
		}
		if v.Verdict == domain.VerdictEnded && v.Confidence >= a.cfg.MinConfidence {
			candidate = true
			decider, reason = v.Detector, v.Evidence
			break
		}
	}

	switch {
	case !candidate:
		a.streak = 0
	case now.Before(a.floor):
		a.log.Debug("stop candidate before minimum duration, ignoring",
			"detector", decider,
			"floor", a.floor)
		a.streak = 0
	default:
		a.streak++
		a.log.Info("stop candidate",
			"detector", decider,
			"reason", reason,
			"streak", a.streak,
			"required", a.cfg.DebounceCount)
	}

	d := Decision{Detector: decider, Reason: reason, Streak: a.streak, Votes: votes}
	a.record(now, candidate, votes)
	if a.observe != nil {
		for _, v := range votes {
			a.observe(v)
		}
	}

	if a.streak >= a.cfg.DebounceCount {
		if a.cfg.DryRun {
			a.log.Info("dry run: meeting end confirmed, not stopping",
				"detector", decider,
				"reason", reason)
			return d
		}
		d.Stop = true
		a.latched = &d
		a.log.Info("meeting end confirmed",
			"detector", decider,
			"reason", reason)
		return a.copyDecision(d)
	}
	return d
}

// sampleBudget bounds one tick's sampling: the sample timeout, but never
// more than three quarters of the poll interval so the next health check
// runs on time.
func (a *Aggregator) sampleBudget() time.Duration {
	budget := a.cfg.SampleTimeout
	if budget <= 0 {
		budget = defaultSampleTimeout
	}
	if p := a.cfg.PollInterval; p > 0 {
		budget = min(budget, p-p/4)
	}
	return budget
}

// sampleAll samples every detector concurrently and waits for all of them
// under a single deadline. Votes keep priority order.
func (a *Aggregator) sampleAll(ctx context.Context, now time.Time) []domain.DetectionVote {
	sctx, cancel := context.WithTimeout(ctx, a.sampleBudget())
	defer cancel()

	votes := make([]domain.DetectionVote, len(a.slots))
	pending := make([]<-chan domain.DetectionVote, len(a.slots))
	for i, s := range a.slots {
		votes[i], pending[i] = a.start(sctx, s, now)
	}
	for i, ch := range pending {
		if ch == nil {
			continue
		}
		select {
		case v := <-ch:
			votes[i] = v
		case <-sctx.Done():
			select {
			case v := <-ch:
				votes[i] = v
			default:
				votes[i] = abstainErr(a.slots[i].det.Kind(), now, fmt.Errorf("sample: %w", sctx.Err()))
			}
		}
	}
	return votes
}

// start launches one sample. It returns a ready vote and a nil channel when
// the detector is warming up or still busy with an earlier sample.
func (a *Aggregator) start(ctx context.Context, s *slot, now time.Time) (domain.DetectionVote, <-chan domain.DetectionVote) {
	kind := s.det.Kind()
	if now.Sub(a.recordingStart) < s.det.Warmup() {
		return vote(kind, domain.VerdictAbstain, 0, now, "warming up"), nil
	}
	if !s.busy.CompareAndSwap(false, true) {
		return abstainErr(kind, now, errSampleInFlight), nil
	}

	out := make(chan domain.DetectionVote, 1)
	go func() {
		var v domain.DetectionVote
		defer func() {
			if r := recover(); r != nil {
				v = abstainErr(kind, now, fmt.Errorf("detector panicked: %v", r))
			}
			s.busy.Store(false)
			out <- v
		}()
		v = s.det.Sample(ctx, a.sampler, now)
	}()
	return domain.DetectionVote{}, out
}

func (a *Aggregator) record(now time.Time, candidate bool, votes []domain.DetectionVote) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.history = append(a.history, domain.DetectionTick{
		At:        now,
		Candidate: candidate,
		Streak:    a.streak,
		Votes:     append([]domain.DetectionVote(nil), votes...),
	})
	if over := len(a.history) - a.historySize; over > 0 {
		a.history = append(a.history[:0:0], a.history[over:]...)
	}
}

// History returns the most recent ticks, oldest first.
func (a *Aggregator) History() []domain.DetectionTick {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.DetectionTick, len(a.history))
	copy(out, a.history)
	return out
}

func (a *Aggregator) copyDecision(d Decision) Decision {
	d.Votes = append([]domain.DetectionVote(nil), d.Votes...)
	return d
}
