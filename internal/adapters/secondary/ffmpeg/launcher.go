package ffmpeg

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/shirou/gopsutil/v3/process"

	"go-meeting-autorecorder/internal/core/ports"
)

var ErrLowDisk = errors.New("not enough free disk space to record")

// Launcher starts ffmpeg in its own process group so that signals reach
// the whole tree.
type Launcher struct {
	outputDir    string
	minFreeBytes uint64
}

var _ ports.EncoderLauncher = (*Launcher)(nil)

func NewLauncher(outputDir string, minFreeMB uint64) *Launcher {
	return &Launcher{outputDir: outputDir, minFreeBytes: minFreeMB << 20}
}

func (l *Launcher) Launch(_ context.Context, spec ports.EncoderSpec) (ports.EncoderProcess, error) {
	if err := l.checkDisk(); err != nil {
		return nil, err
	}

	// Not CommandContext: the supervisor owns the shutdown sequence.
	cmd := exec.Command(spec.Binary, spec.Args...)
	cmd.Env = append(os.Environ(), spec.Env...)
	cmd.Stdout = spec.Output
	cmd.Stderr = spec.Output
	setupProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start %s: %w", spec.Binary, err)
	}
	p := &encoderProcess{cmd: cmd, done: make(chan struct{})}
	go p.wait()

	logger.Info("encoder started", "pid", cmd.Process.Pid, "binary", spec.Binary)
	return p, nil
}

func (l *Launcher) checkDisk() error {
	if l.minFreeBytes == 0 || l.outputDir == "" {
		return nil
	}
	if err := os.MkdirAll(l.outputDir, 0o755); err != nil {
		return fmt.Errorf("create output dir: %w", err)
	}
	usage, err := disk.Usage(l.outputDir)
	if err != nil {
		logger.Warn("free disk check failed", "dir", l.outputDir, "error", err)
		return nil
	}
	if usage.Free < l.minFreeBytes {
		return fmt.Errorf("%w: %d MiB free in %s, need %d MiB",
			ErrLowDisk, usage.Free>>20, l.outputDir, l.minFreeBytes>>20)
	}
	return nil
}

type encoderProcess struct {
	cmd  *exec.Cmd
	done chan struct{}

	mu     sync.Mutex
	status ports.ExitStatus
}

func (p *encoderProcess) wait() {
	err := p.cmd.Wait()
	st := exitStatus(p.cmd.ProcessState, err)
	p.mu.Lock()
	p.status = st
	p.mu.Unlock()
	close(p.done)
}

func exitStatus(ps *os.ProcessState, err error) ports.ExitStatus {
	st := ports.ExitStatus{Code: -1}
	if ps == nil {
		st.Err = err
		return st
	}
	st.Code = ps.ExitCode()
	if ws, ok := ps.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		st.Signal = ws.Signal().String()
		return st
	}
	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		st.Err = err
	}
	return st
}

func (p *encoderProcess) Pid() int {
	return p.cmd.Process.Pid
}

func (p *encoderProcess) Done() <-chan struct{} {
	return p.done
}

func (p *encoderProcess) ExitStatus() ports.ExitStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.status
}

func (p *encoderProcess) Signal(sig os.Signal) error {
	if !p.alive() {
		return os.ErrProcessDone
	}
	return signalProcessGroup(p.cmd, sig)
}

func (p *encoderProcess) Kill() error {
	if !p.alive() {
		return os.ErrProcessDone
	}
	return killProcessGroup(p.cmd)
}

// alive reports false once the process is reaped or left as a zombie.
func (p *encoderProcess) alive() bool {
	select {
	case <-p.done:
		return false
	default:
	}
	pid := int32(p.cmd.Process.Pid)
	exists, err := process.PidExists(pid)
	if err != nil {
		return true
	}
	if !exists {
		return false
	}
	proc, err := process.NewProcess(pid)
	if err != nil {
		return true
	}
	status, err := proc.Status()
	if err != nil {
		return true
	}
	for _, s := range status {
		if s == process.Zombie {
			return false
		}
	}
	return true
}
