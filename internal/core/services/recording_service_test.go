package services

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/core/supervisor"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var mkvHeader = []byte{0x1A, 0x45, 0xDF, 0xA3, 0x9F, 0x42, 0x86, 0x81, 0x01}

type fakeSampler struct {
	mu   sync.Mutex
	text string
	// hang makes PageText block until its context ends.
	hang bool
}

func (f *fakeSampler) setText(s string) {
	f.mu.Lock()
	f.text = s
	f.mu.Unlock()
}

func (f *fakeSampler) PageText(ctx context.Context) (string, error) {
	f.mu.Lock()
	text, hang := f.text, f.hang
	f.mu.Unlock()
	if hang {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return text, nil
}
func (f *fakeSampler) MediaStats(context.Context) (ports.MediaStats, error) {
	return ports.MediaStats{}, errors.New("not supported")
}
func (f *fakeSampler) VideoSurfaces(context.Context) ([]ports.VideoSurface, error) {
	return nil, errors.New("not supported")
}
func (f *fakeSampler) CurrentURL(context.Context) (string, error) { return "https://meet.jit.si/x", nil }
func (f *fakeSampler) Screenshot(context.Context) ([]byte, error) { return nil, errors.New("not supported") }
func (f *fakeSampler) AudioLevel(context.Context) (float64, error) {
	return 0, errors.New("not supported")
}

type fakeAutomator struct {
	sampler *fakeSampler
	joinFn  func(ctx context.Context) ports.JoinResult

	mu     sync.Mutex
	joins  int
	leaves int
}

func (a *fakeAutomator) Join(ctx context.Context, _ string, _ domain.Meeting) ports.JoinResult {
	a.mu.Lock()
	a.joins++
	a.mu.Unlock()
	if a.joinFn != nil {
		return a.joinFn(ctx)
	}
	return ports.JoinResult{Outcome: ports.JoinOK}
}

func (a *fakeAutomator) Sampler(string) (ports.Sampler, error) { return a.sampler, nil }

func (a *fakeAutomator) CollectArtifacts(context.Context, string, string) (ports.Artifacts, error) {
	return ports.Artifacts{}, nil
}

func (a *fakeAutomator) Leave(context.Context, string) error {
	a.mu.Lock()
	a.leaves++
	a.mu.Unlock()
	return nil
}

func (a *fakeAutomator) Joins() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.joins
}

func (a *fakeAutomator) Leaves() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.leaves
}

// fakeProc exits with 255 on interrupt and dies on kill.
type fakeProc struct {
	mu      sync.Mutex
	signals []string
	done    chan struct{}
	once    sync.Once
	status  ports.ExitStatus
	deaf    bool
}

func (p *fakeProc) Pid() int { return 1000 }

func (p *fakeProc) Signal(sig os.Signal) error {
	p.mu.Lock()
	p.signals = append(p.signals, sig.String())
	deaf := p.deaf
	p.mu.Unlock()
	if sig == os.Interrupt && !deaf {
		p.exit(ports.ExitStatus{Code: 255})
	}
	return nil
}

func (p *fakeProc) Kill() error {
	p.mu.Lock()
	p.signals = append(p.signals, os.Kill.String())
	p.mu.Unlock()
	p.exit(ports.ExitStatus{Signal: os.Kill.String()})
	return nil
}

func (p *fakeProc) exit(st ports.ExitStatus) {
	p.once.Do(func() {
		p.mu.Lock()
		p.status = st
		p.mu.Unlock()
		close(p.done)
	})
}

func (p *fakeProc) Done() <-chan struct{} { return p.done }

func (p *fakeProc) ExitStatus() ports.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *fakeProc) Signals() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.signals...)
}

type fakeCommand struct{}

func (fakeCommand) Build(outputPath string) ports.EncoderSpec {
	return ports.EncoderSpec{Binary: "ffmpeg", Args: []string{"-y", outputPath}}
}

func (fakeCommand) Extension() string { return "mkv" }

type fakeLauncher struct {
	mu    sync.Mutex
	procs []*fakeProc
	err   error
	// onLaunch runs before the process is created.
	onLaunch func()
}

func (l *fakeLauncher) Launch(_ context.Context, spec ports.EncoderSpec) (ports.EncoderProcess, error) {
	if l.onLaunch != nil {
		l.onLaunch()
	}
	if l.err != nil {
		return nil, l.err
	}
	out := spec.Args[len(spec.Args)-1]
	if err := os.MkdirAll(filepath.Dir(out), 0o755); err != nil {
		return nil, err
	}
	if err := os.WriteFile(out, mkvHeader, 0o644); err != nil {
		return nil, err
	}
	p := &fakeProc{done: make(chan struct{})}
	l.mu.Lock()
	l.procs = append(l.procs, p)
	l.mu.Unlock()
	return p, nil
}

func (l *fakeLauncher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.procs)
}

func (l *fakeLauncher) Proc(i int) *fakeProc {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.procs[i]
}

type fakeSink struct {
	events chan domain.CompletedEvent
}

func (s *fakeSink) Publish(ev domain.CompletedEvent) { s.events <- ev }

type fakeDiagnostics struct {
	mu    sync.Mutex
	calls []domain.ReasonCode
}

func (d *fakeDiagnostics) Collect(_ context.Context, sess *domain.RecordingSession, cause error) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.calls = append(d.calls, domain.CodeOf(cause))
	return "/tmp/diag/" + sess.ID, nil
}

func (d *fakeDiagnostics) Calls() []domain.ReasonCode {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]domain.ReasonCode(nil), d.calls...)
}

type fakeSettings struct{ cfg domain.DetectionConfig }

func (s fakeSettings) Snapshot() domain.DetectionConfig { return s.cfg.Clone() }

type env struct {
	svc       *RecordingService
	automator *fakeAutomator
	launcher  *fakeLauncher
	sink      *fakeSink
	diag      *fakeDiagnostics
	settings  *fakeSettings
	lock      *Lock
}

func textOnlyDetection(debounce int) domain.DetectionConfig {
	cfg := domain.DefaultDetectionConfig()
	for k := range cfg.Enabled {
		cfg.Enabled[k] = k == domain.DetectorTextIndicator
	}
	cfg.DebounceCount = debounce
	cfg.PollInterval = 10 * time.Millisecond
	cfg.SampleTimeout = 100 * time.Millisecond
	return cfg
}

func newEnv(t *testing.T, mutate func(*Options)) *env {
	t.Helper()
	dir := t.TempDir()
	opts := Options{
		OutputDir:      filepath.Join(dir, "recordings"),
		DiagnosticsDir: filepath.Join(dir, "diagnostics"),
		Mode:           domain.ModeAuto,
		MaxDuration:    time.Hour,
		PollInterval:   10 * time.Millisecond,
		JoinTimeout:    time.Second,
		LockWait:       20 * time.Millisecond,
		Encoder: supervisor.Config{
			StartupTimeout:   time.Second,
			StallTimeout:     time.Hour,
			InterruptTimeout: 200 * time.Millisecond,
			TerminateTimeout: 200 * time.Millisecond,
			KillWait:         200 * time.Millisecond,
			ShutdownBudget:   time.Second,
		},
	}
	if mutate != nil {
		mutate(&opts)
	}
	e := &env{
		automator: &fakeAutomator{sampler: &fakeSampler{text: "Alice, Bob"}},
		launcher:  &fakeLauncher{},
		sink:      &fakeSink{events: make(chan domain.CompletedEvent, 4)},
		diag:      &fakeDiagnostics{},
		settings:  &fakeSettings{cfg: textOnlyDetection(2)},
		lock:      NewLock("recording lock"),
	}
	e.svc = NewRecordingService(opts, Dependencies{
		Automator:     e.automator,
		Command:       fakeCommand{},
		Launcher:      e.launcher,
		Settings:      e.settings,
		Sink:          e.sink,
		Diagnostics:   e.diag,
		RecordingLock: e.lock,
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, e.svc.Shutdown(ctx))
	})
	return e
}

func (e *env) trigger(t *testing.T, req ports.TriggerRequest) string {
	t.Helper()
	if req.Meeting.URL == "" {
		req.Meeting.URL = "https://meet.jit.si/standup"
	}
	id, err := e.svc.Trigger(context.Background(), req)
	require.NoError(t, err)
	return id
}

func (e *env) waitState(t *testing.T, id string, want func(domain.SessionState) bool) *domain.RecordingSession {
	t.Helper()
	var sess *domain.RecordingSession
	require.Eventually(t, func() bool {
		s, err := e.svc.GetSession(context.Background(), id)
		if err != nil {
			return false
		}
		sess = s
		return want(s.State)
	}, 5*time.Second, 5*time.Millisecond)
	return sess
}

func terminal(s domain.SessionState) bool { return s.Terminal() }

func is(want domain.SessionState) func(domain.SessionState) bool {
	return func(s domain.SessionState) bool { return s == want }
}

func TestTrigger_DetectedEndCompletes(t *testing.T) {
	e := newEnv(t, nil)
	id := e.trigger(t, ports.TriggerRequest{})
	e.waitState(t, id, is(domain.StateRecording))

	e.automator.sampler.setText("The meeting has ended")
	sess := e.waitState(t, id, terminal)

	assert.Equal(t, domain.StateCompleted, sess.State)
	assert.Equal(t, domain.StopDetected, sess.StopReason)
	assert.Nil(t, sess.Failure)
	require.NotNil(t, sess.Encoder)
	assert.Equal(t, domain.EncoderStopped, sess.Encoder.State)
	assert.NotEmpty(t, sess.LastVotes)
	require.NotEmpty(t, sess.DetectionLog)
	last := sess.DetectionLog[len(sess.DetectionLog)-1]
	assert.True(t, last.Candidate)
	assert.Equal(t, 2, last.Streak)
	assert.False(t, e.lock.Held())
	assert.Equal(t, 1, e.automator.Leaves())

	select {
	case ev := <-e.sink.events:
		assert.Equal(t, id, ev.SessionID)
		assert.Equal(t, sess.OutputPath, ev.OutputPath)
		assert.Equal(t, int64(len(mkvHeader)), ev.SizeBytes)
	case <-time.After(time.Second):
		t.Fatal("no completion event published")
	}
	assert.Equal(t, []string{"interrupt"}, e.launcher.Proc(0).Signals())
}

func TestStopRecording_Idempotent(t *testing.T) {
	e := newEnv(t, nil)
	id := e.trigger(t, ports.TriggerRequest{})
	e.waitState(t, id, is(domain.StateRecording))

	first, err := e.svc.StopRecording(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, first.State)
	assert.Equal(t, domain.StopRequested, first.StopReason)

	second, err := e.svc.StopRecording(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, first.State, second.State)
	assert.Equal(t, first.EndedAt, second.EndedAt)
	assert.Equal(t, []string{"interrupt"}, e.launcher.Proc(0).Signals())
}

func TestStopRecording_UnknownSession(t *testing.T) {
	e := newEnv(t, nil)
	_, err := e.svc.StopRecording(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	_, err = e.svc.GetSession(context.Background(), "nope")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestTrigger_InvalidRequest(t *testing.T) {
	e := newEnv(t, nil)
	for _, req := range []ports.TriggerRequest{
		{Meeting: domain.Meeting{URL: "not a url"}},
		{Meeting: domain.Meeting{URL: "https://meet.jit.si/x"}, Duration: -time.Second},
		{Meeting: domain.Meeting{URL: "https://meet.jit.si/x"}, Mode: "forever"},
	} {
		_, err := e.svc.Trigger(context.Background(), req)
		assert.ErrorIs(t, err, domain.ErrInvalidRequest)
	}
}

func TestJoinFailures(t *testing.T) {
	cases := []struct {
		name   string
		joinFn func(ctx context.Context) ports.JoinResult
		code   domain.ReasonCode
	}{
		{
			name: "error",
			joinFn: func(context.Context) ports.JoinResult {
				return ports.JoinResult{Outcome: ports.JoinError, Err: errors.New("name field not found")}
			},
			code: domain.CodeJoinFailed,
		},
		{
			name: "lobby",
			joinFn: func(context.Context) ports.JoinResult {
				return ports.JoinResult{Outcome: ports.JoinLobbyTimeout}
			},
			code: domain.CodeLobbyTimeout,
		},
		{
			name: "timeout",
			joinFn: func(ctx context.Context) ports.JoinResult {
				<-ctx.Done()
				return ports.JoinResult{Outcome: ports.JoinError, Err: ctx.Err()}
			},
			code: domain.CodeJoinTimeout,
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e := newEnv(t, func(o *Options) { o.JoinTimeout = 50 * time.Millisecond })
			e.automator.joinFn = tc.joinFn
			id := e.trigger(t, ports.TriggerRequest{})

			sess := e.waitState(t, id, terminal)
			assert.Equal(t, domain.StateFailed, sess.State)
			require.NotNil(t, sess.Failure)
			assert.Equal(t, tc.code, sess.Failure.Code)
			assert.Zero(t, e.launcher.Launches(), "no encoder without a successful join")
			assert.Nil(t, sess.Encoder)
			assert.Equal(t, []domain.ReasonCode{tc.code}, e.diag.Calls())
			assert.Equal(t, "/tmp/diag/"+id, sess.DiagnosticsDir)
			assert.False(t, e.lock.Held())
		})
	}
}

func TestStopDuringJoinCancels(t *testing.T) {
	e := newEnv(t, nil)
	joining := make(chan struct{})
	e.automator.joinFn = func(ctx context.Context) ports.JoinResult {
		close(joining)
		<-ctx.Done()
		return ports.JoinResult{Outcome: ports.JoinError, Err: ctx.Err()}
	}
	id := e.trigger(t, ports.TriggerRequest{})
	<-joining

	sess, err := e.svc.StopRecording(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateFailed, sess.State)
	assert.Equal(t, domain.CodeCanceled, sess.Failure.Code)
	assert.Zero(t, e.launcher.Launches())
}

func TestRecordingLock_MutualExclusion(t *testing.T) {
	e := newEnv(t, nil)
	first := e.trigger(t, ports.TriggerRequest{})
	e.waitState(t, first, is(domain.StateRecording))
	require.True(t, e.lock.Held())

	second := e.trigger(t, ports.TriggerRequest{})
	sess := e.waitState(t, second, terminal)
	assert.Equal(t, domain.StateFailed, sess.State)
	assert.Equal(t, domain.CodeLockContention, sess.Failure.Code)
	assert.Equal(t, 1, e.launcher.Launches(), "loser never touches the encoder")
	assert.Equal(t, 1, e.automator.Joins(), "loser never opens a browser on the shared display")
	assert.Zero(t, e.automator.Leaves())

	running, err := e.svc.GetSession(context.Background(), first)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRecording, running.State)

	_, err = e.svc.StopRecording(context.Background(), first)
	require.NoError(t, err)
	assert.False(t, e.lock.Held())

	third := e.trigger(t, ports.TriggerRequest{})
	e.waitState(t, third, is(domain.StateRecording))
}

func TestEncoderStallFailsSession(t *testing.T) {
	e := newEnv(t, func(o *Options) {
		o.Encoder.StallTimeout = 50 * time.Millisecond
	})
	id := e.trigger(t, ports.TriggerRequest{})

	sess := e.waitState(t, id, terminal)
	assert.Equal(t, domain.StateFailed, sess.State)
	assert.Equal(t, domain.StopEncoder, sess.StopReason)
	assert.Equal(t, domain.CodeEncoderStalled, sess.Failure.Code)
	require.NotNil(t, sess.Encoder)
	assert.Equal(t, domain.EncoderStalled, sess.Encoder.State)
	assert.Equal(t, []domain.ReasonCode{domain.CodeEncoderStalled}, e.diag.Calls())
	assert.False(t, e.lock.Held())
	assert.Empty(t, e.sink.events)
}

func TestEncoderStallDetectedDespiteHungDetector(t *testing.T) {
	e := newEnv(t, func(o *Options) {
		o.Encoder.StallTimeout = 50 * time.Millisecond
	})
	e.settings.cfg.SampleTimeout = time.Second
	e.automator.sampler.mu.Lock()
	e.automator.sampler.hang = true
	e.automator.sampler.mu.Unlock()
	id := e.trigger(t, ports.TriggerRequest{})

	sess := e.waitState(t, id, terminal)
	require.NotNil(t, sess.Failure)
	assert.Equal(t, domain.CodeEncoderStalled, sess.Failure.Code)
	require.NotNil(t, sess.RecordingStartedAt)
	require.NotNil(t, sess.EndedAt)
	// a tick that waited out the full sample timeout would take a second
	assert.Less(t, sess.EndedAt.Sub(*sess.RecordingStartedAt), 500*time.Millisecond)
}

func TestTicksFollowSessionPollInterval(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.PollInterval = time.Hour })
	e.automator.sampler.setText("The meeting has ended")
	id := e.trigger(t, ports.TriggerRequest{})

	sess := e.waitState(t, id, terminal)
	assert.Equal(t, domain.StateCompleted, sess.State)
	assert.Equal(t, domain.StopDetected, sess.StopReason)
}

func TestEncoderStartsOnlyWhileRecording(t *testing.T) {
	e := newEnv(t, nil)
	states := make(chan domain.SessionState, 1)
	e.launcher.onLaunch = func() {
		for _, s := range e.svc.ListSessions(context.Background()) {
			states <- s.State
		}
	}
	id := e.trigger(t, ports.TriggerRequest{})
	e.waitState(t, id, is(domain.StateRecording))
	assert.Equal(t, domain.StateRecording, <-states)

	_, err := e.svc.StopRecording(context.Background(), id)
	require.NoError(t, err)
}

func TestEncoderStartFailure(t *testing.T) {
	e := newEnv(t, nil)
	e.launcher.err = errors.New("ffmpeg: not found")
	id := e.trigger(t, ports.TriggerRequest{})

	sess := e.waitState(t, id, terminal)
	assert.Equal(t, domain.StateFailed, sess.State)
	assert.Equal(t, domain.CodeRecordingStartFailed, sess.Failure.Code)
	assert.Equal(t, domain.StopEncoder, sess.StopReason)
	assert.Equal(t, 1, e.automator.Leaves())
	assert.False(t, e.lock.Held())
}

func TestForcedShutdownStillCompletes(t *testing.T) {
	e := newEnv(t, nil)
	id := e.trigger(t, ports.TriggerRequest{})
	e.waitState(t, id, is(domain.StateRecording))
	p := e.launcher.Proc(0)
	p.mu.Lock()
	p.deaf = true
	p.mu.Unlock()

	sess, err := e.svc.StopRecording(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, domain.StateCompleted, sess.State)
	assert.True(t, sess.Encoder.Forced)
	assert.Equal(t, []string{"interrupt", "terminated", "killed"}, p.Signals())
}

func TestMaxDurationCap(t *testing.T) {
	e := newEnv(t, nil)
	id := e.trigger(t, ports.TriggerRequest{Mode: domain.ModeFixed, Duration: 80 * time.Millisecond})

	sess := e.waitState(t, id, terminal)
	assert.Equal(t, domain.StateCompleted, sess.State)
	assert.Equal(t, domain.StopMaxDuration, sess.StopReason)
	assert.Empty(t, sess.LastVotes, "fixed mode does not run detectors")
	assert.GreaterOrEqual(t, sess.Duration(time.Now()), 80*time.Millisecond)
}

func TestMinDurationFloor(t *testing.T) {
	e := newEnv(t, nil)
	e.automator.sampler.setText("meeting has ended")
	id := e.trigger(t, ports.TriggerRequest{MinDuration: 300 * time.Millisecond})

	sess := e.waitState(t, id, terminal)
	assert.Equal(t, domain.StateCompleted, sess.State)
	assert.Equal(t, domain.StopDetected, sess.StopReason)
	require.NotNil(t, sess.EndedAt)
	assert.False(t, sess.EndedAt.Before(sess.StopFloor()), "stopped at %s before floor %s", sess.EndedAt, sess.StopFloor())
}

func TestMinDurationClampedToMax(t *testing.T) {
	e := newEnv(t, nil)
	id := e.trigger(t, ports.TriggerRequest{Duration: time.Minute, MinDuration: time.Hour})
	sess, err := e.svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, time.Minute, sess.MinDuration)
}

func TestDetectionSnapshotIsolation(t *testing.T) {
	e := newEnv(t, nil)
	id := e.trigger(t, ports.TriggerRequest{})
	sess, err := e.svc.GetSession(context.Background(), id)
	require.NoError(t, err)

	sess.Detection.EndedTexts[0] = "mutated"
	again, err := e.svc.GetSession(context.Background(), id)
	require.NoError(t, err)
	assert.NotEqual(t, "mutated", again.Detection.EndedTexts[0])
}

func TestListSessions(t *testing.T) {
	e := newEnv(t, func(o *Options) { o.JoinTimeout = 20 * time.Millisecond })
	e.automator.joinFn = func(context.Context) ports.JoinResult {
		return ports.JoinResult{Outcome: ports.JoinError}
	}
	a := e.trigger(t, ports.TriggerRequest{})
	e.waitState(t, a, terminal)
	b := e.trigger(t, ports.TriggerRequest{})
	e.waitState(t, b, terminal)

	list := e.svc.ListSessions(context.Background())
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{a, b}, ids)
}
