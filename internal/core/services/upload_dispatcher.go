package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
)

// UploadDispatcher hands completed recordings to the outbox directory that
// the uploader drains. Moves are serialized by the upload lock, which is
// independent of the recording lock.
type UploadDispatcher struct {
	outbox   string
	lock     *Lock
	lockWait time.Duration

	mu     sync.Mutex
	closed bool
	queue  chan domain.CompletedEvent
	wg     sync.WaitGroup
}

var _ ports.CompletionSink = (*UploadDispatcher)(nil)

func NewUploadDispatcher(outbox string, lock *Lock, lockWait time.Duration, queueSize int) *UploadDispatcher {
	if lock == nil {
		lock = NewLock("upload lock")
	}
	if queueSize <= 0 {
		queueSize = 1
	}
	d := &UploadDispatcher{
		outbox:   outbox,
		lock:     lock,
		lockWait: lockWait,
		queue:    make(chan domain.CompletedEvent, queueSize),
	}
	d.wg.Add(1)
	go d.loop()
	return d
}

// Publish queues ev without blocking. When the queue is full the recording
// stays in the output directory and an error is logged.
func (d *UploadDispatcher) Publish(ev domain.CompletedEvent) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		logger.Error("upload dispatcher closed, recording left in place", "session", ev.SessionID, "path", ev.OutputPath)
		return
	}
	select {
	case d.queue <- ev:
	default:
		logger.Error("upload queue full, recording left in place", "session", ev.SessionID, "path", ev.OutputPath)
	}
}

// Close drains the queue and stops the worker.
func (d *UploadDispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	close(d.queue)
	d.mu.Unlock()
	d.wg.Wait()
}

func (d *UploadDispatcher) loop() {
	defer d.wg.Done()
	for ev := range d.queue {
		dest, err := d.dispatch(context.Background(), ev)
		if err != nil {
			logger.Error("failed to hand recording to outbox",
				"session", ev.SessionID,
				"path", ev.OutputPath,
				"error", err)
			continue
		}
		logger.Info("recording queued for upload",
			"session", ev.SessionID,
			"dest", dest,
			"size", ev.SizeBytes)
	}
}

func (d *UploadDispatcher) dispatch(ctx context.Context, ev domain.CompletedEvent) (string, error) {
	token, err := d.lock.Acquire(ctx, d.lockWait)
	if err != nil {
		return "", err
	}
	defer token.Release()

	dir := filepath.Join(d.outbox, ev.SessionID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create outbox dir: %w", err)
	}
	dest := filepath.Join(dir, filepath.Base(ev.OutputPath))
	if err := moveFile(ev.OutputPath, dest); err != nil {
		return "", err
	}

	ev.OutputPath = dest
	manifest, err := json.MarshalIndent(ev, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode manifest: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "manifest.json"), manifest, 0o644); err != nil {
		return "", fmt.Errorf("write manifest: %w", err)
	}
	return dest, nil
}

// moveFile renames src to dst, copying when they are on different filesystems.
func moveFile(src, dst string) error {
	err := os.Rename(src, dst)
	if err == nil {
		return nil
	}
	var linkErr *os.LinkError
	if !errors.As(err, &linkErr) || !errors.Is(linkErr.Err, syscall.EXDEV) {
		return fmt.Errorf("move %s: %w", src, err)
	}

	in, err := os.Open(src)
	if err != nil {
		return fmt.Errorf("open %s: %w", src, err)
	}
	defer in.Close()
	out, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("create %s: %w", dst, err)
	}
	if _, err := io.Copy(out, in); err != nil {
		out.Close()
		return fmt.Errorf("copy to %s: %w", dst, err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close %s: %w", dst, err)
	}
	return os.Remove(src)
}
