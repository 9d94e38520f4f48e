// Package config loads recorder settings from file, environment and flags.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"go-meeting-autorecorder/internal/core/domain"
)

type Settings struct {
	Recording RecordingSettings `mapstructure:"recording"`
	Encoder   EncoderSettings   `mapstructure:"encoder"`
	Detection DetectionSettings `mapstructure:"detection"`
	Browser   BrowserSettings   `mapstructure:"browser"`
	Upload    UploadSettings    `mapstructure:"upload"`
	HTTP      HTTPSettings      `mapstructure:"http"`
	Log       LogSettings       `mapstructure:"log"`
}

type RecordingSettings struct {
	OutputDir       string        `mapstructure:"output_dir"`
	DiagnosticsDir  string        `mapstructure:"diagnostics_dir"`
	MaxDuration     time.Duration `mapstructure:"max_duration"`
	MinDuration     time.Duration `mapstructure:"min_duration"`
	EarlyJoinOffset time.Duration `mapstructure:"early_join_offset"`
	PollInterval    time.Duration `mapstructure:"poll_interval"`
	JoinTimeout     time.Duration `mapstructure:"join_timeout"`
	LockWait        time.Duration `mapstructure:"lock_wait"`
	Mode            string        `mapstructure:"mode"`
	ArchiveTTL      time.Duration `mapstructure:"archive_ttl"`
}

type EncoderSettings struct {
	FFmpegPath       string        `mapstructure:"ffmpeg_path"`
	Display          string        `mapstructure:"display"`
	AudioSource      string        `mapstructure:"audio_source"`
	Width            int           `mapstructure:"width"`
	Height           int           `mapstructure:"height"`
	Framerate        int           `mapstructure:"framerate"`
	Preset           string        `mapstructure:"preset"`
	CRF              int           `mapstructure:"crf"`
	AudioBitrate     string        `mapstructure:"audio_bitrate"`
	ThreadQueueSize  int           `mapstructure:"thread_queue_size"`
	AudioFilter      string        `mapstructure:"audio_filter"`
	Container        string        `mapstructure:"container"`
	DebugTimestamps  bool          `mapstructure:"debug_timestamps"`
	StartupTimeout   time.Duration `mapstructure:"startup_timeout"`
	StallTimeout     time.Duration `mapstructure:"stall_timeout"`
	StallGrace       time.Duration `mapstructure:"stall_grace"`
	InterruptTimeout time.Duration `mapstructure:"interrupt_timeout"`
	TerminateTimeout time.Duration `mapstructure:"terminate_timeout"`
	KillWait         time.Duration `mapstructure:"kill_wait"`
	ShutdownBudget   time.Duration `mapstructure:"shutdown_budget"`
	MinFreeDiskMB    uint64        `mapstructure:"min_free_disk_mb"`
}

type DetectionSettings struct {
	Enabled               map[string]bool `mapstructure:"enabled"`
	Priority              []string        `mapstructure:"priority"`
	DebounceCount         int             `mapstructure:"debounce_count"`
	SampleTimeout         time.Duration   `mapstructure:"sample_timeout"`
	StillnessTimeout      time.Duration   `mapstructure:"stillness_timeout"`
	StillnessWarmup       time.Duration   `mapstructure:"stillness_warmup"`
	AudioSilenceThreshold float64         `mapstructure:"audio_silence_threshold"`
	WebRTCDebounce        time.Duration   `mapstructure:"webrtc_debounce"`
	VideoStaleTimeout     time.Duration   `mapstructure:"video_stale_timeout"`
	MinConfidence         float64         `mapstructure:"min_confidence"`
	MeetingURLPatterns    []string        `mapstructure:"meeting_url_patterns"`
	EndedTexts            []string        `mapstructure:"ended_texts"`
	DryRun                bool            `mapstructure:"dry_run"`
	// SettingsFile, when set, is watched and overrides these defaults for new sessions.
	SettingsFile string `mapstructure:"settings_file"`
}

type BrowserSettings struct {
	Bin             string `mapstructure:"bin"`
	UserDataDir     string `mapstructure:"user_data_dir"`
	Headless        bool   `mapstructure:"headless"`
	ParticipantName string `mapstructure:"participant_name"`
	Width           int    `mapstructure:"width"`
	Height          int    `mapstructure:"height"`
	// LobbyTimeout bounds the wait for admission once the lobby is seen.
	LobbyTimeout time.Duration `mapstructure:"lobby_timeout"`
}

type UploadSettings struct {
	OutboxDir string        `mapstructure:"outbox_dir"`
	LockWait  time.Duration `mapstructure:"lock_wait"`
	QueueSize int           `mapstructure:"queue_size"`
}

type HTTPSettings struct {
	Addr string `mapstructure:"addr"`
}

type LogSettings struct {
	Level string `mapstructure:"level"`
	File  string `mapstructure:"file"`
}

// Load reads settings into a fresh viper instance. An empty configFile
// searches the default locations; a missing file is not an error.
func Load(v *viper.Viper, configFile string) (*Settings, error) {
	if v == nil {
		v = viper.New()
	}
	setDefaultConfig(v)

	v.SetEnvPrefix("RECORDER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
	} else {
		v.SetConfigName("recorder")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/meeting-recorder")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) || configFile != "" {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	settings := &Settings{}
	if err := v.Unmarshal(settings); err != nil {
		return nil, fmt.Errorf("error unmarshaling config into struct: %w", err)
	}
	if err := settings.Validate(); err != nil {
		return nil, fmt.Errorf("error validating settings: %w", err)
	}
	return settings, nil
}

func (s *Settings) Validate() error {
	positive := map[string]time.Duration{
		"recording.max_duration":      s.Recording.MaxDuration,
		"recording.poll_interval":     s.Recording.PollInterval,
		"recording.join_timeout":      s.Recording.JoinTimeout,
		"recording.lock_wait":         s.Recording.LockWait,
		"encoder.startup_timeout":     s.Encoder.StartupTimeout,
		"encoder.stall_timeout":       s.Encoder.StallTimeout,
		"encoder.interrupt_timeout":   s.Encoder.InterruptTimeout,
		"encoder.terminate_timeout":   s.Encoder.TerminateTimeout,
		"encoder.kill_wait":           s.Encoder.KillWait,
		"encoder.shutdown_budget":     s.Encoder.ShutdownBudget,
		"detection.stillness_timeout": s.Detection.StillnessTimeout,
	}
	for key, d := range positive {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", key, d)
		}
	}
	if s.Recording.MinDuration < 0 || s.Recording.EarlyJoinOffset < 0 || s.Encoder.StallGrace < 0 || s.Browser.LobbyTimeout < 0 {
		return fmt.Errorf("durations must not be negative")
	}
	switch domain.DurationMode(s.Recording.Mode) {
	case domain.ModeAuto, domain.ModeFixed:
	default:
		return fmt.Errorf("recording.mode must be %q or %q, got %q", domain.ModeAuto, domain.ModeFixed, s.Recording.Mode)
	}
	return s.DetectionDefaults().Validate()
}

// DetectionDefaults converts the detection section into the domain config.
func (s *Settings) DetectionDefaults() domain.DetectionConfig {
	d := s.Detection
	cfg := domain.DefaultDetectionConfig()
	if len(d.Enabled) > 0 {
		for k, v := range d.Enabled {
			cfg.Enabled[domain.DetectorKind(k)] = v
		}
	}
	if len(d.Priority) > 0 {
		cfg.Priority = cfg.Priority[:0]
		for _, k := range d.Priority {
			cfg.Priority = append(cfg.Priority, domain.DetectorKind(k))
		}
	}
	cfg.DebounceCount = d.DebounceCount
	cfg.PollInterval = s.Recording.PollInterval
	cfg.SampleTimeout = d.SampleTimeout
	cfg.StillnessTimeout = d.StillnessTimeout
	cfg.StillnessWarmup = d.StillnessWarmup
	cfg.AudioSilenceThreshold = d.AudioSilenceThreshold
	cfg.WebRTCDebounce = d.WebRTCDebounce
	cfg.VideoStaleTimeout = d.VideoStaleTimeout
	cfg.MinConfidence = d.MinConfidence
	if len(d.MeetingURLPatterns) > 0 {
		cfg.MeetingURLPatterns = append([]string(nil), d.MeetingURLPatterns...)
	}
	if len(d.EndedTexts) > 0 {
		cfg.EndedTexts = append([]string(nil), d.EndedTexts...)
	}
	cfg.DryRun = d.DryRun
	return cfg
}
