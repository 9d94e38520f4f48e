// Package supervisor runs one encoder subprocess per session: it launches
// it, watches its output for stalls and brings it down in stages.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/logging"
)

var logger = logging.ForService("supervisor")

const startupPollInterval = 250 * time.Millisecond

// Clock is the time source used for health checks and shutdown waits.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                         { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

type Config struct {
	Binary     string
	Args       []string
	Env        []string
	OutputPath string
	LogPath    string

	StartupTimeout   time.Duration
	StallTimeout     time.Duration
	StallGrace       time.Duration
	InterruptTimeout time.Duration
	TerminateTimeout time.Duration
	KillWait         time.Duration
	ShutdownBudget   time.Duration
}

// Result describes how the subprocess ended.
type Result struct {
	State     domain.EncoderState
	Forced    bool
	Signals   []string
	Exit      ports.ExitStatus
	SizeBytes int64
	Err       error
}

type Option func(*Supervisor)

func WithClock(c Clock) Option {
	return func(s *Supervisor) { s.clock = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) { s.log = l }
}

type Supervisor struct {
	cfg      Config
	launcher ports.EncoderLauncher
	clock    Clock
	log      *slog.Logger

	mu           sync.Mutex
	state        domain.EncoderState
	proc         ports.EncoderProcess
	info         domain.EncoderInfo
	runningSince time.Time
	failure      error
	diag         *diagLog
	stopDone     chan struct{}
	result       Result
}

func New(cfg Config, launcher ports.EncoderLauncher, opts ...Option) *Supervisor {
	s := &Supervisor{
		cfg:      cfg,
		launcher: launcher,
		clock:    realClock{},
		log:      logger,
		state:    domain.EncoderStarting,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start launches the subprocess and waits until it is alive and its output
// file exists. On failure the process is brought down and the supervisor
// ends Crashed.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.proc != nil || s.state != domain.EncoderStarting {
		s.mu.Unlock()
		return domain.ErrAlreadyStarted
	}
	diag, err := openDiagLog(s.cfg.LogPath)
	if err != nil {
		s.state = domain.EncoderCrashed
		s.mu.Unlock()
		return err
	}
	s.diag = diag
	s.mu.Unlock()

	start := s.clock.Now()
	diag.Mark(start, "starting %s %v", s.cfg.Binary, s.cfg.Args)

	proc, err := s.launcher.Launch(ctx, ports.EncoderSpec{
		Binary: s.cfg.Binary,
		Args:   s.cfg.Args,
		Env:    s.cfg.Env,
		Output: diag,
	})
	if err != nil {
		err = fmt.Errorf("launch encoder: %w", err)
		s.crash(start, err)
		s.Stop(ctx)
		return err
	}

	s.mu.Lock()
	s.proc = proc
	s.info = domain.EncoderInfo{
		PID:       proc.Pid(),
		Args:      append([]string(nil), s.cfg.Args...),
		State:     domain.EncoderStarting,
		StartedAt: start,
	}
	s.mu.Unlock()

	if err := s.awaitOutput(ctx, start); err != nil {
		s.crash(s.clock.Now(), err)
		s.Stop(context.WithoutCancel(ctx))
		return err
	}

	now := s.clock.Now()
	s.mu.Lock()
	s.state = domain.EncoderRunning
	s.info.State = domain.EncoderRunning
	s.runningSince = now
	s.info.LastGrowthAt = now
	if fi, err := os.Stat(s.cfg.OutputPath); err == nil {
		s.info.LastOutputSize = fi.Size()
	}
	s.mu.Unlock()

	diag.Mark(now, "running pid=%d", proc.Pid())
	s.log.Info("encoder running",
		"pid", proc.Pid(),
		"output", s.cfg.OutputPath)
	return nil
}

func (s *Supervisor) awaitOutput(ctx context.Context, start time.Time) error {
	deadline := start.Add(s.cfg.StartupTimeout)
	for {
		select {
		case <-s.proc.Done():
			return fmt.Errorf("%w: exited during startup (%s): %s", domain.ErrCrashed, describeExit(s.proc.ExitStatus()), s.diag.Tail())
		default:
		}
		if _, err := os.Stat(s.cfg.OutputPath); err == nil {
			return nil
		}
		if !s.clock.Now().Before(deadline) {
			return fmt.Errorf("%w: no output after %s", domain.ErrCrashed, s.cfg.StartupTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.proc.Done():
		case <-s.clock.After(startupPollInterval):
		}
	}
}

func (s *Supervisor) crash(now time.Time, err error) {
	s.mu.Lock()
	s.state = domain.EncoderCrashed
	s.info.State = domain.EncoderCrashed
	s.failure = err
	diag := s.diag
	s.mu.Unlock()
	if diag != nil {
		diag.Mark(now, "crashed: %v", err)
	}
	s.log.Error("encoder crashed", "error", err)
}

// CheckHealth samples the output file. It returns ErrStalled once the output
// has not grown for the stall timeout (after the grace period), and
// ErrCrashed if the process exited on its own.
func (s *Supervisor) CheckHealth(now time.Time) (domain.EncoderState, error) {
	s.mu.Lock()
	if s.state != domain.EncoderRunning {
		st, err := s.state, s.failure
		s.mu.Unlock()
		return st, err
	}
	proc := s.proc
	s.mu.Unlock()

	select {
	case <-proc.Done():
		err := fmt.Errorf("%w: %s: %s", domain.ErrCrashed, describeExit(proc.ExitStatus()), s.diag.Tail())
		s.crash(now, err)
		return domain.EncoderCrashed, err
	default:
	}

	var size int64 = -1
	if fi, err := os.Stat(s.cfg.OutputPath); err == nil {
		size = fi.Size()
	}

	s.mu.Lock()
	if size > s.info.LastOutputSize {
		s.info.LastOutputSize = size
		s.info.LastGrowthAt = now
	}
	idle := now.Sub(s.info.LastGrowthAt)
	inGrace := now.Sub(s.runningSince) < s.cfg.StallGrace
	if inGrace || idle < s.cfg.StallTimeout {
		s.mu.Unlock()
		return domain.EncoderRunning, nil
	}
	err := fmt.Errorf("%w: output stuck at %d bytes for %s", domain.ErrStalled, s.info.LastOutputSize, idle)
	s.state = domain.EncoderStalled
	s.info.State = domain.EncoderStalled
	s.failure = err
	s.mu.Unlock()

	s.diag.Mark(now, "stalled: %v", err)
	s.log.Error("encoder stalled",
		"pid", proc.Pid(),
		"idle", idle,
		"size", size)
	return domain.EncoderStalled, err
}

type stage struct {
	name   string
	signal os.Signal
	wait   time.Duration
}

// Stop brings the subprocess down: interrupt, then terminate, then kill,
// each followed by a bounded wait. It is idempotent; concurrent callers
// wait for the first one. A Stalled or Crashed supervisor keeps its state.
func (s *Supervisor) Stop(ctx context.Context) Result {
	s.mu.Lock()
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return s.Result()
	}
	s.stopDone = make(chan struct{})
	prior := s.state
	proc, diag := s.proc, s.diag
	if prior == domain.EncoderRunning || prior == domain.EncoderStarting {
		s.state = domain.EncoderStopping
		s.info.State = domain.EncoderStopping
	}
	s.mu.Unlock()

	res := Result{State: prior}
	if proc == nil {
		if prior == domain.EncoderStarting {
			res.State = domain.EncoderStopped
		}
		s.finish(res, diag)
		return s.Result()
	}

	if diag != nil {
		diag.Mark(s.clock.Now(), "stopping from %s", prior)
	}
	res.Signals, res.Forced = s.ladder(ctx, proc, diag)

	exited := false
	select {
	case <-proc.Done():
		exited = true
		res.Exit = proc.ExitStatus()
	default:
	}

	switch prior {
	case domain.EncoderStalled, domain.EncoderCrashed:
		s.mu.Lock()
		res.Err = s.failure
		s.mu.Unlock()
	default:
		res.State, res.SizeBytes, res.Err = s.classify(exited, res)
	}
	if res.Forced && res.State == domain.EncoderStopped {
		s.log.Warn("encoder needed forced shutdown, output is valid",
			"signals", res.Signals,
			"size", res.SizeBytes)
	}
	s.finish(res, diag)
	return s.Result()
}

func (s *Supervisor) ladder(ctx context.Context, proc ports.EncoderProcess, diag *diagLog) ([]string, bool) {
	stages := []stage{
		{name: "interrupt", signal: os.Interrupt, wait: s.cfg.InterruptTimeout},
		{name: "terminate", signal: syscall.SIGTERM, wait: s.cfg.TerminateTimeout},
		{name: "kill", signal: os.Kill, wait: s.cfg.KillWait},
	}
	deadline := s.clock.Now().Add(s.cfg.ShutdownBudget)

	var sent []string
	for i, st := range stages {
		select {
		case <-proc.Done():
			return sent, i > 1
		default:
		}

		now := s.clock.Now()
		var err error
		if st.signal == os.Kill {
			err = proc.Kill()
		} else {
			err = proc.Signal(st.signal)
		}
		sent = append(sent, st.signal.String())
		if diag != nil {
			diag.Mark(now, "sent %s", st.name)
		}
		if err != nil && !errors.Is(err, os.ErrProcessDone) {
			s.log.Warn("failed to signal encoder",
				"stage", st.name,
				"pid", proc.Pid(),
				"error", err)
		}

		wait := st.wait
		if remaining := deadline.Sub(now); remaining < wait {
			wait = max(remaining, 0)
		}
		waitCtx := ctx
		if st.signal == os.Kill {
			// the process must still be reaped after a kill
			waitCtx = context.WithoutCancel(ctx)
		}
		if s.await(waitCtx, proc, wait) {
			return sent, i > 0
		}
	}
	return sent, true
}

// await waits up to d for the process to exit. Context cancellation ends
// the wait early without reporting an exit.
func (s *Supervisor) await(ctx context.Context, proc ports.EncoderProcess, d time.Duration) bool {
	if d <= 0 {
		select {
		case <-proc.Done():
			return true
		default:
			return false
		}
	}
	select {
	case <-proc.Done():
		return true
	case <-ctx.Done():
		select {
		case <-proc.Done():
			return true
		default:
			return false
		}
	case <-s.clock.After(d):
		select {
		case <-proc.Done():
			return true
		default:
			return false
		}
	}
}

func (s *Supervisor) classify(exited bool, res Result) (domain.EncoderState, int64, error) {
	if !exited {
		return domain.EncoderCrashed, 0, fmt.Errorf("%w: process did not exit after %v", domain.ErrCrashed, res.Signals)
	}
	if !expectedExit(res.Exit, res.Signals) {
		return domain.EncoderCrashed, 0, fmt.Errorf("%w: %s: %s", domain.ErrCrashed, describeExit(res.Exit), s.diag.Tail())
	}
	size, err := ValidateOutput(s.cfg.OutputPath)
	if err != nil {
		return domain.EncoderCrashed, size, err
	}
	return domain.EncoderStopped, size, nil
}

func (s *Supervisor) finish(res Result, diag *diagLog) {
	now := s.clock.Now()
	s.mu.Lock()
	if res.Err == nil && (res.State == domain.EncoderStalled || res.State == domain.EncoderCrashed) {
		res.Err = s.failure
	}
	s.state = res.State
	s.info.State = res.State
	s.info.Forced = res.Forced
	if res.Err != nil && s.failure == nil {
		s.failure = res.Err
	}
	s.result = res
	done := s.stopDone
	s.mu.Unlock()

	if diag != nil {
		diag.Mark(now, "finished state=%s forced=%t exit=%s", res.State, res.Forced, describeExit(res.Exit))
		_ = diag.Close()
	}
	s.log.Info("encoder finished",
		"state", res.State,
		"forced", res.Forced,
		"signals", res.Signals,
		"size", res.SizeBytes)
	close(done)
}

// expectedExit accepts 0, ffmpeg's 255 after an interrupt, and death by a
// signal we sent.
func expectedExit(st ports.ExitStatus, sent []string) bool {
	if st.Signal != "" {
		for _, s := range sent {
			if s == st.Signal {
				return true
			}
		}
		return false
	}
	return st.Code == 0 || st.Code == 255
}

func describeExit(st ports.ExitStatus) string {
	switch {
	case st.Signal != "":
		return "signal " + st.Signal
	case st.Err != nil:
		return fmt.Sprintf("exit code %d (%v)", st.Code, st.Err)
	}
	return fmt.Sprintf("exit code %d", st.Code)
}

func (s *Supervisor) State() domain.EncoderState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns a copy of the encoder view exposed on the session.
func (s *Supervisor) Info() domain.EncoderInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := s.info
	info.Args = append([]string(nil), s.info.Args...)
	return info
}

// Result is the outcome of Stop; zero until Stop has finished.
func (s *Supervisor) Result() Result {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := s.result
	r.Signals = append([]string(nil), s.result.Signals...)
	return r
}
