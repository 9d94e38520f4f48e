// Package ffmpeg builds and runs the ffmpeg screen and audio capture.
package ffmpeg

import (
	"bufio"
	"bytes"
	"context"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"go-meeting-autorecorder/internal/core/ports"
	"go-meeting-autorecorder/internal/logging"
)

var logger = logging.ForService("ffmpeg")

const probeTimeout = 2 * time.Second

// CaptureSettings describes the X display and PulseAudio source to record.
type CaptureSettings struct {
	Binary          string
	Display         string
	AudioSource     string
	Width           int
	Height          int
	Framerate       int
	Preset          string
	CRF             int
	AudioBitrate    string
	ThreadQueueSize int
	AudioFilter     string
	// Container is "mkv" or "mp4".
	Container       string
	DebugTimestamps bool
}

// Builder renders the ffmpeg invocation for a recording.
type Builder struct {
	settings CaptureSettings
	// audioAvailable reports whether the pulse source can be opened.
	audioAvailable func(source string) bool
}

var _ ports.EncoderCommand = (*Builder)(nil)

func NewBuilder(settings CaptureSettings) *Builder {
	if settings.Binary == "" {
		settings.Binary = "ffmpeg"
	}
	if settings.Container != "mp4" {
		settings.Container = "mkv"
	}
	return &Builder{settings: settings, audioAvailable: PulseSourceExists}
}

func (b *Builder) Extension() string {
	return b.settings.Container
}

func (b *Builder) Build(outputPath string) ports.EncoderSpec {
	s := b.settings
	args := []string{"-hide_banner", "-nostdin", "-y"}
	if s.DebugTimestamps {
		args = append(args, "-loglevel", "debug", "-debug_ts")
	} else {
		args = append(args, "-loglevel", "info")
	}

	tq := strconv.Itoa(orInt(s.ThreadQueueSize, 1024))
	args = append(args,
		"-thread_queue_size", tq,
		"-f", "x11grab",
		"-framerate", strconv.Itoa(orInt(s.Framerate, 30)),
		"-video_size", strconv.Itoa(orInt(s.Width, 1920))+"x"+strconv.Itoa(orInt(s.Height, 1080)),
		"-draw_mouse", "0",
		"-i", s.Display,
	)

	if s.AudioSource != "" && b.audioAvailable(s.AudioSource) {
		args = append(args, "-thread_queue_size", tq, "-f", "pulse", "-i", s.AudioSource)
	} else {
		logger.Warn("audio source unavailable, recording silence", "source", s.AudioSource)
		args = append(args, "-f", "lavfi", "-i", "anullsrc=channel_layout=stereo:sample_rate=48000")
	}

	args = append(args,
		"-map", "0:v:0",
		"-map", "1:a:0",
		"-c:v", "libx264",
		"-preset", orString(s.Preset, "ultrafast"),
		"-crf", strconv.Itoa(orInt(s.CRF, 23)),
		"-pix_fmt", "yuv420p",
		"-vsync", "cfr",
	)
	if s.AudioFilter != "" {
		args = append(args, "-af", s.AudioFilter)
	}
	args = append(args, "-c:a", "aac", "-b:a", orString(s.AudioBitrate, "128k"), "-ar", "48000")
	if s.Container == "mp4" {
		// readable even if the process dies before writing the trailer
		args = append(args, "-movflags", "+frag_keyframe+empty_moov")
	}
	args = append(args, outputPath)

	return ports.EncoderSpec{
		Binary: s.Binary,
		Args:   args,
		Env:    []string{"DISPLAY=" + s.Display},
	}
}

// PulseSourceExists asks pactl whether the named source is registered.
func PulseSourceExists(source string) bool {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	out, err := exec.CommandContext(ctx, "pactl", "list", "short", "sources").Output()
	if err != nil {
		return false
	}
	return hasSource(out, source)
}

func hasSource(pactlOutput []byte, source string) bool {
	sc := bufio.NewScanner(bytes.NewReader(pactlOutput))
	for sc.Scan() {
		fields := strings.Fields(sc.Text())
		if len(fields) >= 2 && fields[1] == source {
			return true
		}
	}
	return false
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}
