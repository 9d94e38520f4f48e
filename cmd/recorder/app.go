package main

import (
	"context"
	"errors"
	"fmt"

	"go-meeting-autorecorder/internal/adapters/secondary/ffmpeg"
	"go-meeting-autorecorder/internal/adapters/secondary/memstore"
	"go-meeting-autorecorder/internal/adapters/secondary/rod"
	"go-meeting-autorecorder/internal/config"
	"go-meeting-autorecorder/internal/core/diagnostics"
	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/services"
	"go-meeting-autorecorder/internal/core/supervisor"
	"go-meeting-autorecorder/internal/logging"
	"go-meeting-autorecorder/internal/observability"
)

var logger = logging.ForService("main")

// app is the wired recorder: adapters on the outside, the recording
// service in the middle.
type app struct {
	detection *config.DetectionStore
	metrics   *observability.RecorderMetrics
	uploads   *services.UploadDispatcher
	service   *services.RecordingService
}

func newApp(s *config.Settings) (*app, error) {
	detection := config.NewDetectionStore(s.DetectionDefaults())
	detection.OnChange(func(cfg domain.DetectionConfig) {
		logger.Info("detection settings updated, applies to new sessions",
			"detectors", cfg.Ordered(),
			"debounce", cfg.DebounceCount,
			"dry_run", cfg.DryRun)
	})
	if path := s.Detection.SettingsFile; path != "" {
		if err := detection.Watch(path); err != nil {
			return nil, fmt.Errorf("failed to load detection settings: %w", err)
		}
	}

	metrics, err := observability.NewRecorderMetrics(nil)
	if err != nil {
		detection.Close()
		return nil, fmt.Errorf("failed to create metrics: %w", err)
	}

	enc := s.Encoder
	automator := rod.NewAutomator(rod.Options{
		Bin:          s.Browser.Bin,
		UserDataDir:  s.Browser.UserDataDir,
		Headless:     s.Browser.Headless,
		Display:      enc.Display,
		Width:        s.Browser.Width,
		Height:       s.Browser.Height,
		LobbyTimeout: s.Browser.LobbyTimeout,
	})
	command := ffmpeg.NewBuilder(ffmpeg.CaptureSettings{
		Binary:          enc.FFmpegPath,
		Display:         enc.Display,
		AudioSource:     enc.AudioSource,
		Width:           enc.Width,
		Height:          enc.Height,
		Framerate:       enc.Framerate,
		Preset:          enc.Preset,
		CRF:             enc.CRF,
		AudioBitrate:    enc.AudioBitrate,
		ThreadQueueSize: enc.ThreadQueueSize,
		AudioFilter:     enc.AudioFilter,
		Container:       enc.Container,
		DebugTimestamps: enc.DebugTimestamps,
	})
	uploads := services.NewUploadDispatcher(s.Upload.OutboxDir, services.NewLock("upload lock"), s.Upload.LockWait, s.Upload.QueueSize)

	service := services.NewRecordingService(services.Options{
		OutputDir:       s.Recording.OutputDir,
		DiagnosticsDir:  s.Recording.DiagnosticsDir,
		Mode:            domain.DurationMode(s.Recording.Mode),
		MaxDuration:     s.Recording.MaxDuration,
		MinDuration:     s.Recording.MinDuration,
		EarlyJoinOffset: s.Recording.EarlyJoinOffset,
		PollInterval:    s.Recording.PollInterval,
		JoinTimeout:     s.Recording.JoinTimeout,
		LockWait:        s.Recording.LockWait,
		ParticipantName: s.Browser.ParticipantName,
		Encoder: supervisor.Config{
			StartupTimeout:   enc.StartupTimeout,
			StallTimeout:     enc.StallTimeout,
			StallGrace:       enc.StallGrace,
			InterruptTimeout: enc.InterruptTimeout,
			TerminateTimeout: enc.TerminateTimeout,
			KillWait:         enc.KillWait,
			ShutdownBudget:   enc.ShutdownBudget,
		},
	}, services.Dependencies{
		Automator:   automator,
		Command:     command,
		Launcher:    ffmpeg.NewLauncher(s.Recording.OutputDir, enc.MinFreeDiskMB),
		Settings:    detection,
		Sink:        uploads,
		Archive:     memstore.NewArchive(s.Recording.ArchiveTTL),
		Diagnostics: diagnostics.NewCollector(s.Recording.DiagnosticsDir, automator),
		Metrics:     metrics,
	})

	return &app{
		detection: detection,
		metrics:   metrics,
		uploads:   uploads,
		service:   service,
	}, nil
}

// close stops the sessions first so their recordings still reach the
// upload queue, then drains the queue.
func (a *app) close(ctx context.Context) error {
	var errs []error
	if err := a.service.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("recording service: %w", err))
	}
	a.uploads.Close()
	if err := a.detection.Close(); err != nil {
		errs = append(errs, fmt.Errorf("detection settings watcher: %w", err))
	}
	return errors.Join(errs...)
}
