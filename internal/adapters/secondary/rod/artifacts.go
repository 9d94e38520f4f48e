package rod

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/smallnest/ringbuffer"

	"go-meeting-autorecorder/internal/core/ports"
)

const consoleLogSize = 64 << 10

// consoleLog keeps the most recent page console output.
type consoleLog struct {
	mu  sync.Mutex
	buf *ringbuffer.RingBuffer
	now func() time.Time
}

func newConsoleLog() *consoleLog {
	return &consoleLog{buf: ringbuffer.New(consoleLogSize), now: time.Now}
}

func (c *consoleLog) add(level, text string) {
	line := []byte(fmt.Sprintf("%s [%s] %s\n", c.now().UTC().Format(time.RFC3339Nano), level, text))
	if len(line) > consoleLogSize {
		line = line[len(line)-consoleLogSize:]
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if short := len(line) - c.buf.Free(); short > 0 {
		_, _ = c.buf.Read(make([]byte, short))
	}
	_, _ = c.buf.Write(line)
}

func (c *consoleLog) bytes() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]byte, c.buf.Length())
	n, _ := c.buf.Read(out)
	out = out[:n]
	_, _ = c.buf.Write(out)
	return out
}

// CollectArtifacts saves a screenshot, the page HTML and the console log
// into dir. Whatever can be captured is written even if other parts fail.
func (a *Automator) CollectArtifacts(ctx context.Context, sessionID string, dir string) (ports.Artifacts, error) {
	s, err := a.get(sessionID)
	if err != nil {
		return ports.Artifacts{}, err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return ports.Artifacts{}, fmt.Errorf("create artifact dir: %w", err)
	}

	var out ports.Artifacts
	var errs []error
	page := s.page.Context(ctx)

	if shot, err := page.Screenshot(true, &proto.PageCaptureScreenshot{Format: proto.PageCaptureScreenshotFormatPng}); err != nil {
		errs = append(errs, fmt.Errorf("screenshot: %w", err))
	} else if path, err := writeArtifact(dir, "screenshot.png", shot); err != nil {
		errs = append(errs, err)
	} else {
		out.ScreenshotPath = path
	}

	if html, err := page.HTML(); err != nil {
		errs = append(errs, fmt.Errorf("page html: %w", err))
	} else if path, err := writeArtifact(dir, "page.html", []byte(html)); err != nil {
		errs = append(errs, err)
	} else {
		out.HTMLPath = path
	}

	if path, err := writeArtifact(dir, "console.log", s.console.bytes()); err != nil {
		errs = append(errs, err)
	} else {
		out.ConsoleLogPath = path
	}
	return out, errors.Join(errs...)
}

func writeArtifact(dir, name string, data []byte) (string, error) {
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", name, err)
	}
	return path, nil
}
