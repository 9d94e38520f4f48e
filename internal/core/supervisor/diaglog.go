package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/smallnest/ringbuffer"
)

const tailSize = 8 << 10

// diagLog is the append-only encoder.log for one session. Everything the
// subprocess prints goes through it; the last tailSize bytes stay in memory.
type diagLog struct {
	mu   sync.Mutex
	f    *os.File
	tail *ringbuffer.RingBuffer
}

func openDiagLog(path string) (*diagLog, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open encoder log: %w", err)
	}
	return &diagLog{f: f, tail: ringbuffer.New(tailSize)}, nil
}

func (l *diagLog) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keep(p)
	if l.f == nil {
		return len(p), nil
	}
	return l.f.Write(p)
}

// keep appends p to the in-memory tail, evicting the oldest bytes.
func (l *diagLog) keep(p []byte) {
	if len(p) > tailSize {
		p = p[len(p)-tailSize:]
	}
	if short := len(p) - l.tail.Free(); short > 0 {
		_, _ = l.tail.Read(make([]byte, short))
	}
	_, _ = l.tail.Write(p)
}

// Mark writes a supervisor line and flushes the file to disk.
func (l *diagLog) Mark(now time.Time, format string, args ...any) {
	line := fmt.Sprintf("=== %s supervisor: %s ===\n", now.UTC().Format(time.RFC3339Nano), fmt.Sprintf(format, args...))
	l.mu.Lock()
	defer l.mu.Unlock()
	l.keep([]byte(line))
	if l.f == nil {
		return
	}
	_, _ = l.f.WriteString(line)
	_ = l.f.Sync()
}

// Tail returns a copy of the last bytes written.
func (l *diagLog) Tail() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	buf := make([]byte, l.tail.Length())
	n, _ := l.tail.Read(buf)
	buf = buf[:n]
	_, _ = l.tail.Write(buf)
	return string(buf)
}

func (l *diagLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.f == nil {
		return nil
	}
	_ = l.f.Sync()
	err := l.f.Close()
	l.f = nil
	return err
}
