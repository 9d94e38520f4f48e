package config

import (
	"time"

	"github.com/spf13/viper"

	"go-meeting-autorecorder/internal/core/domain"
)

// setDefaultConfig registers a default for every key so that environment
// variables can override any of them.
func setDefaultConfig(v *viper.Viper) {
	v.SetDefault("recording.output_dir", "./recordings")
	v.SetDefault("recording.diagnostics_dir", "./diagnostics")
	v.SetDefault("recording.max_duration", 4*time.Hour)
	v.SetDefault("recording.min_duration", 0)
	v.SetDefault("recording.early_join_offset", 0)
	v.SetDefault("recording.poll_interval", 5*time.Second)
	v.SetDefault("recording.join_timeout", 15*time.Minute)
	v.SetDefault("recording.lock_wait", 2*time.Second)
	v.SetDefault("recording.mode", string(domain.ModeAuto))
	v.SetDefault("recording.archive_ttl", 24*time.Hour)

	v.SetDefault("encoder.ffmpeg_path", "ffmpeg")
	v.SetDefault("encoder.display", ":99")
	v.SetDefault("encoder.audio_source", "virtual_speaker.monitor")
	v.SetDefault("encoder.width", 1920)
	v.SetDefault("encoder.height", 1080)
	v.SetDefault("encoder.framerate", 30)
	v.SetDefault("encoder.preset", "ultrafast")
	v.SetDefault("encoder.crf", 23)
	v.SetDefault("encoder.audio_bitrate", "128k")
	v.SetDefault("encoder.thread_queue_size", 1024)
	v.SetDefault("encoder.audio_filter", "aresample=async=1:first_pts=0")
	v.SetDefault("encoder.container", "mkv")
	v.SetDefault("encoder.debug_timestamps", false)
	v.SetDefault("encoder.startup_timeout", 10*time.Second)
	v.SetDefault("encoder.stall_timeout", 120*time.Second)
	v.SetDefault("encoder.stall_grace", 30*time.Second)
	v.SetDefault("encoder.interrupt_timeout", 8*time.Second)
	v.SetDefault("encoder.terminate_timeout", 5*time.Second)
	v.SetDefault("encoder.kill_wait", 2*time.Second)
	v.SetDefault("encoder.shutdown_budget", 20*time.Second)
	v.SetDefault("encoder.min_free_disk_mb", 1024)

	d := domain.DefaultDetectionConfig()
	enabled := make(map[string]bool, len(d.Enabled))
	for k, on := range d.Enabled {
		enabled[string(k)] = on
	}
	priority := make([]string, 0, len(d.Priority))
	for _, k := range d.Priority {
		priority = append(priority, string(k))
	}
	v.SetDefault("detection.enabled", enabled)
	v.SetDefault("detection.priority", priority)
	v.SetDefault("detection.debounce_count", d.DebounceCount)
	v.SetDefault("detection.sample_timeout", d.SampleTimeout)
	v.SetDefault("detection.stillness_timeout", d.StillnessTimeout)
	v.SetDefault("detection.stillness_warmup", d.StillnessWarmup)
	v.SetDefault("detection.audio_silence_threshold", d.AudioSilenceThreshold)
	v.SetDefault("detection.webrtc_debounce", d.WebRTCDebounce)
	v.SetDefault("detection.video_stale_timeout", d.VideoStaleTimeout)
	v.SetDefault("detection.min_confidence", d.MinConfidence)
	v.SetDefault("detection.meeting_url_patterns", d.MeetingURLPatterns)
	v.SetDefault("detection.ended_texts", d.EndedTexts)
	v.SetDefault("detection.dry_run", false)
	v.SetDefault("detection.settings_file", "")

	v.SetDefault("browser.bin", "")
	v.SetDefault("browser.user_data_dir", "")
	v.SetDefault("browser.headless", false)
	v.SetDefault("browser.participant_name", "Recorder")
	v.SetDefault("browser.width", 1920)
	v.SetDefault("browser.height", 1080)
	v.SetDefault("browser.lobby_timeout", 15*time.Minute)

	v.SetDefault("upload.outbox_dir", "./outbox")
	v.SetDefault("upload.lock_wait", 30*time.Second)
	v.SetDefault("upload.queue_size", 16)

	v.SetDefault("http.addr", ":8081")

	v.SetDefault("log.level", "info")
	v.SetDefault("log.file", "")
}
