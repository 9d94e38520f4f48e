package services

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/core/supervisor"
	"go-meeting-autorecorder/internal/logging"
)

var logger = logging.ForService("recording")

// Options are the process-wide recording defaults.
type Options struct {
	OutputDir       string
	DiagnosticsDir  string
	Mode            domain.DurationMode
	MaxDuration     time.Duration
	MinDuration     time.Duration
	EarlyJoinOffset time.Duration
	PollInterval    time.Duration
	JoinTimeout     time.Duration
	LockWait        time.Duration
	ParticipantName string
	// Encoder carries the supervisor timings; paths and command are filled per session.
	Encoder supervisor.Config
}

type Dependencies struct {
	Automator     ports.BrowserAutomator
	Command       ports.EncoderCommand
	Launcher      ports.EncoderLauncher
	Settings      ports.DetectionSettings
	Sink          ports.CompletionSink
	Archive       ports.SessionArchive
	Diagnostics   ports.DiagnosticsCollector
	Metrics       ports.Metrics
	RecordingLock *Lock
}

type RecordingService struct {
	opts Options
	deps Dependencies
	now  func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	sessions map[string]*sessionRunner
}

var _ ports.RecordingService = (*RecordingService)(nil)

func NewRecordingService(opts Options, deps Dependencies) *RecordingService {
	if deps.RecordingLock == nil {
		deps.RecordingLock = NewLock("recording lock")
	}
	if deps.Archive == nil {
		deps.Archive = newMapArchive()
	}
	if deps.Metrics == nil {
		deps.Metrics = noopMetrics{}
	}
	if opts.Mode == "" {
		opts.Mode = domain.ModeAuto
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &RecordingService{
		opts:     opts,
		deps:     deps,
		now:      time.Now,
		ctx:      ctx,
		cancel:   cancel,
		sessions: make(map[string]*sessionRunner),
	}
}

// Trigger creates a session and starts its runner. It returns as soon as
// the session exists; joining and recording happen in the background.
func (s *RecordingService) Trigger(ctx context.Context, req ports.TriggerRequest) (string, error) {
	if err := s.ctx.Err(); err != nil {
		return "", fmt.Errorf("recording service is shut down: %w", err)
	}
	sess, err := s.newSession(req)
	if err != nil {
		return "", err
	}

	r := newSessionRunner(s, sess)
	s.mu.Lock()
	s.sessions[sess.ID] = r
	s.mu.Unlock()
	s.deps.Metrics.SessionTransition("", domain.StatePending)

	r.log.Info("session triggered",
		"url", sess.Meeting.URL,
		"mode", sess.Mode,
		"max_duration", sess.MaxDuration,
		"min_duration", sess.MinDuration)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		r.run(s.ctx)
	}()
	return sess.ID, nil
}

func (s *RecordingService) newSession(req ports.TriggerRequest) (*domain.RecordingSession, error) {
	u, err := url.Parse(req.Meeting.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: meeting url %q", domain.ErrInvalidRequest, req.Meeting.URL)
	}
	if req.Duration < 0 || req.MinDuration < 0 || req.EarlyJoinOffset < 0 {
		return nil, fmt.Errorf("%w: durations must not be negative", domain.ErrInvalidRequest)
	}

	mode := req.Mode
	if mode == "" {
		mode = s.opts.Mode
	}
	if mode != domain.ModeAuto && mode != domain.ModeFixed {
		return nil, fmt.Errorf("%w: unknown mode %q", domain.ErrInvalidRequest, mode)
	}

	maxDur := orDuration(req.Duration, s.opts.MaxDuration)
	minDur := orDuration(req.MinDuration, s.opts.MinDuration)
	if maxDur > 0 && minDur > maxDur {
		minDur = maxDur
	}

	meeting := req.Meeting
	if meeting.ParticipantName == "" {
		meeting.ParticipantName = s.opts.ParticipantName
	}

	id := uuid.NewString()
	dir := filepath.Join(s.opts.OutputDir, id)
	ext := "mkv"
	if s.deps.Command != nil {
		ext = s.deps.Command.Extension()
	}

	var detection domain.DetectionConfig
	if s.deps.Settings != nil {
		detection = s.deps.Settings.Snapshot()
	} else {
		detection = domain.DefaultDetectionConfig()
	}

	return &domain.RecordingSession{
		ID:              id,
		Meeting:         meeting,
		Mode:            mode,
		State:           domain.StatePending,
		StartedAt:       s.now(),
		MinDuration:     minDur,
		MaxDuration:     maxDur,
		EarlyJoinOffset: orDuration(req.EarlyJoinOffset, s.opts.EarlyJoinOffset),
		OutputPath:      filepath.Join(dir, "recording."+ext),
		EncoderLog:      filepath.Join(dir, "encoder.log"),
		Detection:       detection,
	}, nil
}

// StopRecording asks the session to stop and waits, bounded by ctx, until
// it reaches a terminal state. Only the first request has an effect.
func (s *RecordingService) StopRecording(ctx context.Context, sessionId string) (*domain.RecordingSession, error) {
	r, ok := s.runner(sessionId)
	if !ok {
		if sess, ok := s.deps.Archive.Get(sessionId); ok {
			return sess, nil
		}
		return nil, domain.ErrSessionNotFound
	}

	if r.requestStop() {
		r.log.Info("stop requested")
	}
	select {
	case <-r.done:
	case <-ctx.Done():
	}
	return r.snapshot(), nil
}

func (s *RecordingService) GetSession(ctx context.Context, sessionId string) (*domain.RecordingSession, error) {
	if r, ok := s.runner(sessionId); ok {
		return r.snapshot(), nil
	}
	if sess, ok := s.deps.Archive.Get(sessionId); ok {
		return sess, nil
	}
	return nil, domain.ErrSessionNotFound
}

// ListSessions returns active and archived sessions, newest first.
func (s *RecordingService) ListSessions(ctx context.Context) []*domain.RecordingSession {
	seen := make(map[string]bool)
	var out []*domain.RecordingSession

	s.mu.RLock()
	for id, r := range s.sessions {
		seen[id] = true
		out = append(out, r.snapshot())
	}
	s.mu.RUnlock()

	for _, sess := range s.deps.Archive.List() {
		if !seen[sess.ID] {
			out = append(out, sess)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	return out
}

// Shutdown stops every active session and waits for the runners to finish.
func (s *RecordingService) Shutdown(ctx context.Context) error {
	s.mu.RLock()
	for _, r := range s.sessions {
		r.requestStop()
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		return fmt.Errorf("sessions still running at shutdown: %w", ctx.Err())
	}
}

func (s *RecordingService) runner(id string) (*sessionRunner, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.sessions[id]
	return r, ok
}

// retire moves a terminal session from the active set into the archive.
func (s *RecordingService) retire(r *sessionRunner) {
	snap := r.snapshot()
	s.deps.Archive.Save(snap)
	s.mu.Lock()
	delete(s.sessions, snap.ID)
	s.mu.Unlock()
}

func orDuration(v, def time.Duration) time.Duration {
	if v > 0 {
		return v
	}
	return def
}

// mapArchive keeps terminal sessions when no archive is wired.
type mapArchive struct {
	mu       sync.RWMutex
	sessions map[string]*domain.RecordingSession
}

func newMapArchive() *mapArchive {
	return &mapArchive{sessions: make(map[string]*domain.RecordingSession)}
}

func (a *mapArchive) Save(sess *domain.RecordingSession) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.sessions[sess.ID] = sess.Clone()
}

func (a *mapArchive) Get(id string) (*domain.RecordingSession, bool) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	sess, ok := a.sessions[id]
	if !ok {
		return nil, false
	}
	return sess.Clone(), true
}

func (a *mapArchive) List() []*domain.RecordingSession {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*domain.RecordingSession, 0, len(a.sessions))
	for _, sess := range a.sessions {
		out = append(out, sess.Clone())
	}
	return out
}

type noopMetrics struct{}

func (noopMetrics) SessionTransition(from, to domain.SessionState)              {}
func (noopMetrics) SessionFailed(code domain.ReasonCode)                        {}
func (noopMetrics) DetectorVote(vote domain.DetectionVote)                      {}
func (noopMetrics) EncoderFinished(state domain.EncoderState, forced bool)      {}
func (noopMetrics) RecordingFinished(reason domain.StopReason, d time.Duration) {}

var errStopDuringJoin = errors.New("stop requested before recording started")
