package ports

import (
	"context"
	"io"
	"os"
	"time"

	"go-meeting-autorecorder/internal/core/domain"
)

// Primary Port (Driving) - implemented by Service
type RecordingService interface {
	Trigger(ctx context.Context, req TriggerRequest) (string, error)
	StopRecording(ctx context.Context, sessionId string) (*domain.RecordingSession, error)
	GetSession(ctx context.Context, sessionId string) (*domain.RecordingSession, error)
	ListSessions(ctx context.Context) []*domain.RecordingSession
}

// TriggerRequest is what the scheduler hands over when a session should start.
// Zero durations fall back to the configured defaults.
type TriggerRequest struct {
	Meeting         domain.Meeting
	Mode            domain.DurationMode
	Duration        time.Duration
	MinDuration     time.Duration
	EarlyJoinOffset time.Duration
}

// Secondary Port (Driven) - implemented by the browser adapter
type BrowserAutomator interface {
	Join(ctx context.Context, sessionId string, meeting domain.Meeting) JoinResult
	Sampler(sessionId string) (Sampler, error)
	CollectArtifacts(ctx context.Context, sessionId string, dir string) (Artifacts, error)
	Leave(ctx context.Context, sessionId string) error
}

type JoinOutcome string

const (
	JoinOK           JoinOutcome = "ok"
	JoinLobbyTimeout JoinOutcome = "lobby_timeout"
	JoinError        JoinOutcome = "error"
)

type JoinResult struct {
	Outcome JoinOutcome
	Err     error
}

// Sampler is the read-only view of the meeting page used by detectors.
// Every call must return within the context deadline.
type Sampler interface {
	PageText(ctx context.Context) (string, error)
	MediaStats(ctx context.Context) (MediaStats, error)
	VideoSurfaces(ctx context.Context) ([]VideoSurface, error)
	CurrentURL(ctx context.Context) (string, error)
	Screenshot(ctx context.Context) ([]byte, error)
	AudioLevel(ctx context.Context) (float64, error)
}

type MediaStats struct {
	PeerConnections int   `json:"peerConnections"`
	LiveTracks      int   `json:"liveTracks"`
	BytesReceived   int64 `json:"bytesReceived"`
}

type VideoSurface struct {
	ID            string  `json:"id"`
	Width         int     `json:"width"`
	Height        int     `json:"height"`
	Visible       bool    `json:"visible"`
	CurrentTime   float64 `json:"currentTime"`
	FramesDecoded int64   `json:"framesDecoded"`
}

type Artifacts struct {
	ScreenshotPath string `json:"screenshotPath,omitempty"`
	HTMLPath       string `json:"htmlPath,omitempty"`
	ConsoleLogPath string `json:"consoleLogPath,omitempty"`
}

// Secondary Port (Driven) - implemented by the ffmpeg adapter
type EncoderCommand interface {
	// Build renders the encoder invocation writing to outputPath.
	Build(outputPath string) EncoderSpec
	// Extension is the output file extension, without the dot.
	Extension() string
}

type EncoderLauncher interface {
	Launch(ctx context.Context, spec EncoderSpec) (EncoderProcess, error)
}

type EncoderSpec struct {
	Binary string
	Args   []string
	Env    []string
	// Output receives both stdout and stderr of the subprocess.
	Output io.Writer
}

type EncoderProcess interface {
	Pid() int
	Signal(sig os.Signal) error
	Kill() error
	// Done is closed once the process has been reaped.
	Done() <-chan struct{}
	// ExitStatus is valid after Done is closed.
	ExitStatus() ExitStatus
}

type ExitStatus struct {
	Code   int
	Signal string
	Err    error
}

// Secondary Port (Driven) - upload collaborator
type CompletionSink interface {
	Publish(event domain.CompletedEvent)
}

// Secondary Port (Driven) - settings collaborator
type DetectionSettings interface {
	Snapshot() domain.DetectionConfig
}

// Secondary Port (Driven) - persistence collaborator
type SessionArchive interface {
	Save(session *domain.RecordingSession)
	Get(sessionId string) (*domain.RecordingSession, bool)
	List() []*domain.RecordingSession
}

type DiagnosticsCollector interface {
	Collect(ctx context.Context, session *domain.RecordingSession, cause error) (string, error)
}

// Metrics receives lifecycle events for instrumentation.
type Metrics interface {
	SessionTransition(from, to domain.SessionState)
	SessionFailed(code domain.ReasonCode)
	DetectorVote(vote domain.DetectionVote)
	EncoderFinished(state domain.EncoderState, forced bool)
	RecordingFinished(reason domain.StopReason, d time.Duration)
}
