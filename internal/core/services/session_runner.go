package services

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"go-meeting-autorecorder/internal/core/detection"
	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/core/supervisor"
)

const (
	diagnosticsTimeout = 30 * time.Second
	leaveTimeout       = 10 * time.Second
)

var transitions = map[domain.SessionState][]domain.SessionState{
	domain.StatePending:   {domain.StateJoining, domain.StateFailed},
	domain.StateJoining:   {domain.StateRecording, domain.StateFailed},
	domain.StateRecording: {domain.StateStopping},
	domain.StateStopping:  {domain.StateCompleted, domain.StateFailed},
}

// sessionRunner owns one session. Only its run goroutine transitions the
// session; other goroutines read snapshots.
type sessionRunner struct {
	svc *RecordingService
	log *slog.Logger

	mu   sync.RWMutex
	sess *domain.RecordingSession
	sup  *supervisor.Supervisor

	stopOnce   sync.Once
	stopCh     chan struct{}
	joinMu     sync.Mutex
	cancelJoin context.CancelFunc

	done      chan struct{}
	progress  rate.Sometimes
	inMeeting bool
}

func newSessionRunner(svc *RecordingService, sess *domain.RecordingSession) *sessionRunner {
	return &sessionRunner{
		svc:      svc,
		log:      logger.With("session", sess.ID),
		sess:     sess,
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
		progress: rate.Sometimes{Interval: time.Minute},
	}
}

// requestStop reports whether this call was the first stop request.
func (r *sessionRunner) requestStop() bool {
	first := false
	r.stopOnce.Do(func() {
		first = true
		close(r.stopCh)
		r.joinMu.Lock()
		if r.cancelJoin != nil {
			r.cancelJoin()
		}
		r.joinMu.Unlock()
	})
	return first
}

func (r *sessionRunner) stopRequested() bool {
	select {
	case <-r.stopCh:
		return true
	default:
		return false
	}
}

func (r *sessionRunner) snapshot() *domain.RecordingSession {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c := r.sess.Clone()
	if r.sup != nil && !c.State.Terminal() {
		info := r.sup.Info()
		c.Encoder = &info
	}
	return c
}

func (r *sessionRunner) transition(to domain.SessionState, mutate func(*domain.RecordingSession)) {
	r.mu.Lock()
	from := r.sess.State
	allowed := false
	for _, s := range transitions[from] {
		if s == to {
			allowed = true
			break
		}
	}
	if !allowed {
		r.mu.Unlock()
		r.log.Error("illegal session transition ignored", "from", from, "to", to)
		return
	}
	r.sess.State = to
	if mutate != nil {
		mutate(r.sess)
	}
	r.mu.Unlock()

	r.svc.deps.Metrics.SessionTransition(from, to)
	r.log.Info("session state changed", "from", from, "to", to)
}

func (r *sessionRunner) run(ctx context.Context) {
	defer close(r.done)
	defer r.svc.retire(r)

	r.mu.RLock()
	meeting := r.sess.Meeting
	id := r.sess.ID
	r.mu.RUnlock()

	if r.stopRequested() {
		r.fail(ctx, domain.NewFailure(domain.CodeCanceled, errStopDuringJoin))
		return
	}

	// The browser and the encoder share the display, so the lock covers the
	// join as well as the recording.
	token, err := r.svc.deps.RecordingLock.Acquire(ctx, r.svc.opts.LockWait)
	if err != nil {
		r.fail(ctx, domain.NewFailure(domain.CodeLockContention, err))
		return
	}
	defer token.Release()

	r.transition(domain.StateJoining, nil)
	r.inMeeting = true
	if joined := r.join(ctx, id, meeting); joined != nil {
		token.Release()
		r.fail(ctx, joined)
		return
	}

	r.transition(domain.StateRecording, nil)
	sup, err := r.startEncoder(ctx)
	if err != nil {
		token.Release()
		r.transition(domain.StateStopping, func(s *domain.RecordingSession) {
			s.StopReason = domain.StopEncoder
		})
		r.fail(ctx, domain.NewFailure(domain.CodeRecordingStartFailed, err))
		return
	}

	recStart := r.svc.now()
	r.mu.Lock()
	r.sess.RecordingStartedAt = &recStart
	r.mu.Unlock()

	reason, encErr := r.record(ctx, sup, recStart)

	r.transition(domain.StateStopping, func(s *domain.RecordingSession) {
		s.StopReason = reason
	})
	res := sup.Stop(context.WithoutCancel(ctx))
	token.Release()
	r.svc.deps.Metrics.EncoderFinished(res.State, res.Forced)

	ended := r.svc.now()
	r.mu.Lock()
	info := sup.Info()
	r.sess.Encoder = &info
	r.sess.EndedAt = &ended
	r.mu.Unlock()
	r.svc.deps.Metrics.RecordingFinished(reason, ended.Sub(recStart))

	switch {
	case encErr != nil:
		r.fail(ctx, domain.NewFailure(domain.CodeOf(encErr), encErr))
	case res.State != domain.EncoderStopped:
		r.fail(ctx, domain.NewFailure(domain.CodeOf(res.Err), res.Err))
	default:
		r.complete(ctx, res.SizeBytes)
	}
}

// join runs the browser join bounded by the join timeout and by stop requests.
func (r *sessionRunner) join(ctx context.Context, id string, meeting domain.Meeting) *domain.Failure {
	jctx, cancel := context.WithTimeout(ctx, r.svc.opts.JoinTimeout)
	defer cancel()
	r.joinMu.Lock()
	r.cancelJoin = cancel
	r.joinMu.Unlock()
	if r.stopRequested() {
		cancel()
	}

	res := r.svc.deps.Automator.Join(jctx, id, meeting)

	r.joinMu.Lock()
	r.cancelJoin = nil
	r.joinMu.Unlock()

	switch {
	case r.stopRequested():
		return domain.NewFailure(domain.CodeCanceled, errStopDuringJoin)
	case res.Outcome == ports.JoinOK:
		r.log.Info("joined meeting")
		return nil
	case res.Outcome == ports.JoinLobbyTimeout:
		return domain.NewFailure(domain.CodeLobbyTimeout, errors.Join(domain.ErrLobbyTimeout, res.Err))
	case errors.Is(jctx.Err(), context.DeadlineExceeded):
		return domain.NewFailure(domain.CodeJoinTimeout, fmt.Errorf("%w: no result within %s", domain.ErrJoinFailed, r.svc.opts.JoinTimeout))
	case ctx.Err() != nil:
		return domain.NewFailure(domain.CodeCanceled, ctx.Err())
	}
	if res.Err == nil {
		return domain.NewFailure(domain.CodeJoinFailed, domain.ErrJoinFailed)
	}
	return domain.NewFailure(domain.CodeJoinFailed, fmt.Errorf("%w: %w", domain.ErrJoinFailed, res.Err))
}

func (r *sessionRunner) startEncoder(ctx context.Context) (*supervisor.Supervisor, error) {
	r.mu.RLock()
	outputPath, logPath := r.sess.OutputPath, r.sess.EncoderLog
	r.mu.RUnlock()

	cfg := r.svc.opts.Encoder
	cfg.OutputPath = outputPath
	cfg.LogPath = logPath
	if r.svc.deps.Command != nil {
		spec := r.svc.deps.Command.Build(outputPath)
		cfg.Binary, cfg.Args, cfg.Env = spec.Binary, spec.Args, spec.Env
	}

	sup := supervisor.New(cfg, r.svc.deps.Launcher, supervisor.WithLogger(r.log))
	r.mu.Lock()
	r.sup = sup
	r.mu.Unlock()

	if err := sup.Start(ctx); err != nil {
		sup.Stop(context.WithoutCancel(ctx))
		info := sup.Info()
		r.mu.Lock()
		r.sess.Encoder = &info
		r.mu.Unlock()
		return nil, err
	}
	return sup, nil
}

// record ticks until a stop condition fires. Each tick checks, in order,
// stop requests, encoder health, the duration cap and the detectors.
func (r *sessionRunner) record(ctx context.Context, sup *supervisor.Supervisor, recStart time.Time) (domain.StopReason, error) {
	r.mu.RLock()
	sess := r.sess.Clone()
	r.mu.RUnlock()

	agg := r.newAggregator(sess, recStart)
	interval := sess.Detection.PollInterval
	if interval <= 0 {
		interval = r.svc.opts.PollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return domain.StopRequested, nil
		case <-ctx.Done():
			return domain.StopRequested, nil
		case <-ticker.C:
		}
		if r.stopRequested() {
			return domain.StopRequested, nil
		}

		now := r.svc.now()
		state, err := sup.CheckHealth(now)
		info := sup.Info()
		r.mu.Lock()
		r.sess.Encoder = &info
		r.mu.Unlock()
		if err != nil {
			r.log.Error("encoder unhealthy, stopping", "state", state, "error", err)
			return domain.StopEncoder, err
		}

		if sess.MaxDuration > 0 && now.Sub(recStart) >= sess.MaxDuration {
			r.log.Info("max duration reached", "max_duration", sess.MaxDuration)
			return domain.StopMaxDuration, nil
		}

		if agg != nil {
			d := agg.Tick(ctx, now)
			r.mu.Lock()
			r.sess.LastVotes = d.Votes
			r.sess.DetectionLog = agg.History()
			r.mu.Unlock()
			if d.Stop {
				return domain.StopDetected, nil
			}
		}

		r.progress.Do(func() {
			r.log.Info("recording in progress",
				"elapsed", now.Sub(recStart).Round(time.Second),
				"output_bytes", info.LastOutputSize)
		})
	}
}

func (r *sessionRunner) newAggregator(sess *domain.RecordingSession, recStart time.Time) *detection.Aggregator {
	if sess.Mode != domain.ModeAuto {
		return nil
	}
	sampler, err := r.svc.deps.Automator.Sampler(sess.ID)
	if err != nil {
		r.log.Warn("meeting page unavailable, recording until stopped or capped", "error", err)
		return nil
	}
	agg, err := detection.NewAggregator(sess.Detection, sampler, sess.StopFloor(), recStart,
		detection.WithLogger(r.log),
		detection.WithVoteObserver(r.svc.deps.Metrics.DetectorVote))
	if err != nil {
		r.log.Warn("detection disabled for session", "error", err)
		return nil
	}
	return agg
}

func (r *sessionRunner) complete(ctx context.Context, size int64) {
	r.leave(ctx)
	r.transition(domain.StateCompleted, nil)

	r.mu.RLock()
	ev := domain.CompletedEvent{
		SessionID:  r.sess.ID,
		Meeting:    r.sess.Meeting,
		OutputPath: r.sess.OutputPath,
		SizeBytes:  size,
	}
	r.mu.RUnlock()

	r.log.Info("recording completed", "output", ev.OutputPath, "size", size)
	if r.svc.deps.Sink != nil {
		r.svc.deps.Sink.Publish(ev)
	}
}

// fail collects diagnostics while the meeting page is still open, leaves
// the meeting and moves the session to Failed. The recording lock has
// already been released on every path that reaches here, so diagnostics
// never delay the next session.
func (r *sessionRunner) fail(ctx context.Context, f *domain.Failure) {
	ended := r.svc.now()
	r.log.Error("session failed", "code", f.Code, "error", f.Message)

	var dir string
	if r.svc.deps.Diagnostics != nil {
		view := r.snapshot()
		view.State = domain.StateFailed
		view.Failure = f
		if view.EndedAt == nil {
			view.EndedAt = &ended
		}
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), diagnosticsTimeout)
		var err error
		dir, err = r.svc.deps.Diagnostics.Collect(dctx, view, f)
		cancel()
		if err != nil {
			r.log.Warn("diagnostics collection incomplete", "error", err)
		}
	}
	r.leave(ctx)

	r.transition(domain.StateFailed, func(s *domain.RecordingSession) {
		s.Failure = f
		s.DiagnosticsDir = dir
		if s.EndedAt == nil {
			s.EndedAt = &ended
		}
	})
	r.svc.deps.Metrics.SessionFailed(f.Code)
}

// leave closes the meeting page once a join has been attempted.
func (r *sessionRunner) leave(ctx context.Context) {
	if !r.inMeeting {
		return
	}
	r.inMeeting = false
	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), leaveTimeout)
	defer cancel()
	if err := r.svc.deps.Automator.Leave(lctx, r.sess.ID); err != nil {
		r.log.Warn("failed to leave meeting", "error", err)
	}
}
