package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"go-meeting-autorecorder/internal/core/domain"
	"go-meeting-autorecorder/internal/core/ports"
)

const statusPollInterval = time.Second

type recordFlags struct {
	title       string
	name        string
	mode        string
	duration    time.Duration
	minDuration time.Duration
}

func recordCommand(c *cli) *cobra.Command {
	var f recordFlags
	cmd := &cobra.Command{
		Use:   "record <meeting-url>",
		Short: "Join one meeting, record it and exit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return record(cmd.Context(), c, args[0], f)
		},
	}
	cmd.Flags().StringVar(&f.title, "title", "", "Meeting title stored with the recording")
	cmd.Flags().StringVar(&f.name, "name", "", "Display name in the meeting")
	cmd.Flags().StringVar(&f.mode, "mode", "", "Duration mode: auto or fixed")
	cmd.Flags().DurationVar(&f.duration, "duration", 0, "Maximum recording length")
	cmd.Flags().DurationVar(&f.minDuration, "min-duration", 0, "Ignore detected meeting ends before this")
	return cmd
}

func record(parent context.Context, c *cli, meetingURL string, f recordFlags) error {
	ctx, stop := signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := newApp(c.settings)
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := a.close(closeCtx); err != nil {
			logger.Warn("shutdown incomplete", "error", err)
		}
	}()

	id, err := a.service.Trigger(ctx, ports.TriggerRequest{
		Meeting: domain.Meeting{
			URL:             meetingURL,
			ParticipantName: f.name,
			Title:           f.title,
		},
		Mode:        domain.DurationMode(f.mode),
		Duration:    f.duration,
		MinDuration: f.minDuration,
	})
	if err != nil {
		return err
	}

	sess, err := waitTerminal(ctx, a.service, id)
	if err != nil {
		logger.Info("interrupted, stopping recording", "session", id)
		stopCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if sess, err = a.service.StopRecording(stopCtx, id); err != nil {
			return err
		}
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(sess)
	if sess.State == domain.StateFailed {
		return fmt.Errorf("recording failed: %v", sess.Failure)
	}
	return nil
}

// waitTerminal polls the session until it finishes or ctx ends.
func waitTerminal(ctx context.Context, svc ports.RecordingService, id string) (*domain.RecordingSession, error) {
	ticker := time.NewTicker(statusPollInterval)
	defer ticker.Stop()
	for {
		sess, err := svc.GetSession(ctx, id)
		if err != nil {
			return nil, err
		}
		if sess.State.Terminal() {
			return sess, nil
		}
		select {
		case <-ctx.Done():
			return sess, ctx.Err()
		case <-ticker.C:
		}
	}
}
