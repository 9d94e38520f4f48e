// Package rod drives a Chromium guest session through go-rod: it joins the
// meeting, exposes the page to the detectors and leaves again.
package rod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/launcher"
	"github.com/go-rod/rod/lib/proto"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/logging"
)

var logger = logging.ForService("browser")

var ErrNoPage = errors.New("no browser page for session")

const (
	joinPollInterval = 2 * time.Second
	userAgent        = "Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36"
)

var (
	lobbyTexts = []string{
		"waiting for the host",
		"you are in the waiting room",
		"asking to join",
		"someone in the meeting should let you in",
		"wait for the moderator",
		"等待主持人",
	}
	joinErrorTexts = []string{
		"meeting not found",
		"conference not found",
		"password required",
		"wrong password",
		"invalid password",
		"會議不存在",
		"需要密碼",
		"密碼錯誤",
	}
)

type Options struct {
	Bin         string
	UserDataDir string
	Headless    bool
	// Display is the X display the browser renders to, so the encoder can grab it.
	Display string
	Width   int
	Height  int
	// LobbyTimeout bounds the time spent waiting for admission. Zero waits
	// for the join context.
	LobbyTimeout time.Duration
}

type session struct {
	launcher *launcher.Launcher
	browser  *rod.Browser
	page     *rod.Page
	console  *consoleLog
}

// Automator runs one browser per session.
type Automator struct {
	opts Options

	mu       sync.Mutex
	sessions map[string]*session
}

var _ ports.BrowserAutomator = (*Automator)(nil)

func NewAutomator(opts Options) *Automator {
	if opts.Width <= 0 {
		opts.Width = 1920
	}
	if opts.Height <= 0 {
		opts.Height = 1080
	}
	return &Automator{opts: opts, sessions: make(map[string]*session)}
}

func (a *Automator) Join(ctx context.Context, sessionID string, meeting domain.Meeting) ports.JoinResult {
	s, err := a.open(sessionID, meeting)
	if err != nil {
		return ports.JoinResult{Outcome: ports.JoinError, Err: err}
	}

	log := logger.With("session", sessionID)
	log.Info("navigating to meeting", "url", meeting.URL)
	if err := s.page.Context(ctx).Navigate(meeting.URL); err != nil {
		return ports.JoinResult{Outcome: ports.JoinError, Err: fmt.Errorf("navigate: %w", err)}
	}
	return a.awaitAdmission(ctx, log, s.page, meeting.ParticipantName)
}

func (a *Automator) open(sessionID string, meeting domain.Meeting) (*session, error) {
	a.mu.Lock()
	if _, ok := a.sessions[sessionID]; ok {
		a.mu.Unlock()
		return nil, fmt.Errorf("session %s already has a browser", sessionID)
	}
	a.mu.Unlock()

	// The launcher is not bound to ctx: the browser outlives the join.
	l := a.launcher()
	u, err := l.Launch()
	if err != nil {
		return nil, fmt.Errorf("failed to launch browser: %w", err)
	}
	browser := rod.New().ControlURL(u)
	if err := browser.Connect(); err != nil {
		l.Kill()
		return nil, fmt.Errorf("failed to connect to browser: %w", err)
	}
	s := &session{launcher: l, browser: browser, console: newConsoleLog()}

	// from here on Leave cleans up
	a.mu.Lock()
	a.sessions[sessionID] = s
	a.mu.Unlock()

	if origin := originOf(meeting.URL); origin != "" {
		err := proto.BrowserGrantPermissions{
			Origin: origin,
			Permissions: []proto.BrowserPermissionType{
				proto.BrowserPermissionTypeAudioCapture,
				proto.BrowserPermissionTypeVideoCapture,
				proto.BrowserPermissionTypeNotifications,
			},
		}.Call(browser)
		if err != nil {
			logger.Warn("failed to grant media permissions", "session", sessionID, "error", err)
		}
	}

	page, err := browser.Page(proto.TargetCreateTarget{})
	if err != nil {
		return nil, fmt.Errorf("failed to open page: %w", err)
	}
	s.page = page
	for _, js := range []string{stealthScript, mediaHookScript} {
		if _, err := page.EvalOnNewDocument(js); err != nil {
			return nil, fmt.Errorf("failed to install page hooks: %w", err)
		}
	}
	if err := page.SetViewport(&proto.EmulationSetDeviceMetricsOverride{
		Width:             a.opts.Width,
		Height:            a.opts.Height,
		DeviceScaleFactor: 1,
	}); err != nil {
		return nil, fmt.Errorf("failed to set viewport: %w", err)
	}
	if err := page.SetUserAgent(&proto.NetworkSetUserAgentOverride{
		UserAgent:      userAgent,
		AcceptLanguage: "en-US,en;q=0.9",
	}); err != nil {
		return nil, fmt.Errorf("failed to set user agent: %w", err)
	}

	go page.EachEvent(
		func(e *proto.RuntimeConsoleAPICalled) {
			s.console.add(string(e.Type), consoleText(e.Args))
		},
		func(e *proto.PageJavascriptDialogOpening) {
			go func() {
				_ = proto.PageHandleJavaScriptDialog{Accept: true}.Call(page)
			}()
		},
	)()
	return s, nil
}

func (a *Automator) launcher() *launcher.Launcher {
	l := launcher.New().
		Headless(a.opts.Headless).
		Leakless(false).
		Set("no-sandbox").
		Set("disable-gpu").
		Set("disable-dev-shm-usage").
		Set("disable-setuid-sandbox").
		Set("disable-blink-features", "AutomationControlled").
		Set("disable-features", "DialerProtocolHandler,ExternalProtocolDialog,Translate").
		Set("disable-protocol-handler-registration").
		Set("use-fake-ui-for-media-stream").
		Set("use-fake-device-for-media-stream").
		Set("autoplay-policy", "no-user-gesture-required").
		Set("disable-popup-blocking").
		Set("disable-notifications").
		Set("kiosk").
		Set("window-position", "0,0").
		Set("window-size", fmt.Sprintf("%d,%d", a.opts.Width, a.opts.Height))
	if a.opts.Bin != "" {
		l = l.Bin(a.opts.Bin)
	}
	if a.opts.UserDataDir != "" {
		l = l.UserDataDir(a.opts.UserDataDir)
	}
	if a.opts.Display != "" {
		l = l.Env(append(os.Environ(), "DISPLAY="+a.opts.Display)...)
	}
	return l
}

type joinState struct {
	InMeeting bool   `json:"inMeeting"`
	Lobby     bool   `json:"lobby"`
	Error     string `json:"error"`
}

type joinStep int

const (
	stepPending joinStep = iota
	stepJoined
	stepLobby
	stepFailed
)

// classify orders the page indicators: in meeting, then error, then lobby.
func (st joinState) classify() joinStep {
	switch {
	case st.InMeeting:
		return stepJoined
	case st.Error != "":
		return stepFailed
	case st.Lobby:
		return stepLobby
	}
	return stepPending
}

func (a *Automator) awaitAdmission(ctx context.Context, log *slog.Logger, page *rod.Page, name string) ports.JoinResult {
	var lobbySince time.Time
	ticker := time.NewTicker(joinPollInterval)
	defer ticker.Stop()

	for {
		p := page.Context(ctx)
		if res, err := p.Eval(prejoinScript, name); err == nil && res.Value.Bool() {
			log.Debug("join button clicked")
		}

		var st joinState
		res, err := p.Eval(joinStateScript, lobbyTexts, joinErrorTexts)
		if err == nil {
			err = json.Unmarshal([]byte(res.Value.Str()), &st)
		}
		if err != nil && ctx.Err() == nil {
			log.Debug("join state probe failed", "error", err)
		}

		switch st.classify() {
		case stepJoined:
			return ports.JoinResult{Outcome: ports.JoinOK}
		case stepFailed:
			return ports.JoinResult{Outcome: ports.JoinError, Err: fmt.Errorf("meeting page reports %q", st.Error)}
		case stepLobby:
			if lobbySince.IsZero() {
				lobbySince = time.Now()
				log.Info("waiting in lobby")
			}
			if a.opts.LobbyTimeout > 0 && time.Since(lobbySince) >= a.opts.LobbyTimeout {
				return ports.JoinResult{Outcome: ports.JoinLobbyTimeout, Err: fmt.Errorf("in lobby for %s", a.opts.LobbyTimeout)}
			}
		}

		select {
		case <-ctx.Done():
			if !lobbySince.IsZero() && errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return ports.JoinResult{Outcome: ports.JoinLobbyTimeout, Err: ctx.Err()}
			}
			return ports.JoinResult{Outcome: ports.JoinError, Err: ctx.Err()}
		case <-ticker.C:
		}
	}
}

func (a *Automator) get(sessionID string) (*session, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	s, ok := a.sessions[sessionID]
	if !ok || s.page == nil {
		return nil, fmt.Errorf("%w %s", ErrNoPage, sessionID)
	}
	return s, nil
}

func (a *Automator) Sampler(sessionID string) (ports.Sampler, error) {
	s, err := a.get(sessionID)
	if err != nil {
		return nil, err
	}
	return &pageSampler{page: rodPage{page: s.page}}, nil
}

// Leave hangs up if a leave control is visible, then closes the browser.
// Unknown sessions are a no-op.
func (a *Automator) Leave(ctx context.Context, sessionID string) error {
	a.mu.Lock()
	s, ok := a.sessions[sessionID]
	delete(a.sessions, sessionID)
	a.mu.Unlock()
	if !ok {
		return nil
	}

	if s.page != nil {
		if _, err := s.page.Context(ctx).Eval(leaveScript); err != nil {
			logger.Debug("leave control not reachable", "session", sessionID, "error", err)
		}
	}
	err := s.browser.Close()
	s.launcher.Kill()
	s.launcher.Cleanup()
	if err != nil {
		return fmt.Errorf("close browser: %w", err)
	}
	logger.Info("left meeting", "session", sessionID)
	return nil
}

func originOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ""
	}
	return u.Scheme + "://" + u.Host
}

func consoleText(args []*proto.RuntimeRemoteObject) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		if arg == nil {
			continue
		}
		switch {
		case !arg.Value.Nil():
			parts = append(parts, arg.Value.String())
		case arg.Description != "":
			parts = append(parts, arg.Description)
		default:
			parts = append(parts, string(arg.Type))
		}
	}
	return strings.Join(parts, " ")
}
