package rod

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"

	"go-meeting-autorecorder/internal/core/ports"
)

var errNoAudioTrack = errors.New("no remote audio track")

// evaluator is the part of a page the sampler reads from.
type evaluator interface {
	eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error)
	url(ctx context.Context) (string, error)
	screenshot(ctx context.Context) ([]byte, error)
}

type rodPage struct {
	page *rod.Page
}

func (p rodPage) eval(ctx context.Context, js string, args ...any) (*proto.RuntimeRemoteObject, error) {
	return p.page.Context(ctx).Eval(js, args...)
}

func (p rodPage) url(ctx context.Context) (string, error) {
	info, err := p.page.Context(ctx).Info()
	if err != nil {
		return "", err
	}
	return info.URL, nil
}

func (p rodPage) screenshot(ctx context.Context) ([]byte, error) {
	return p.page.Context(ctx).Screenshot(false, &proto.PageCaptureScreenshot{
		Format: proto.PageCaptureScreenshotFormatPng,
	})
}

type pageSampler struct {
	page evaluator
}

var _ ports.Sampler = (*pageSampler)(nil)

func (s *pageSampler) PageText(ctx context.Context) (string, error) {
	res, err := s.page.eval(ctx, pageTextScript)
	if err != nil {
		return "", fmt.Errorf("read page text: %w", err)
	}
	return res.Value.Str(), nil
}

func (s *pageSampler) MediaStats(ctx context.Context) (ports.MediaStats, error) {
	var st ports.MediaStats
	if err := s.evalJSON(ctx, mediaStatsScript, &st); err != nil {
		return ports.MediaStats{}, fmt.Errorf("read media stats: %w", err)
	}
	return st, nil
}

func (s *pageSampler) VideoSurfaces(ctx context.Context) ([]ports.VideoSurface, error) {
	var out []ports.VideoSurface
	if err := s.evalJSON(ctx, videoSurfacesScript, &out); err != nil {
		return nil, fmt.Errorf("read video surfaces: %w", err)
	}
	return out, nil
}

func (s *pageSampler) CurrentURL(ctx context.Context) (string, error) {
	u, err := s.page.url(ctx)
	if err != nil {
		return "", fmt.Errorf("read page url: %w", err)
	}
	return u, nil
}

func (s *pageSampler) Screenshot(ctx context.Context) ([]byte, error) {
	b, err := s.page.screenshot(ctx)
	if err != nil {
		return nil, fmt.Errorf("capture screenshot: %w", err)
	}
	return b, nil
}

func (s *pageSampler) AudioLevel(ctx context.Context) (float64, error) {
	res, err := s.page.eval(ctx, audioLevelScript)
	if err != nil {
		return 0, fmt.Errorf("read audio level: %w", err)
	}
	level := res.Value.Num()
	if level < 0 {
		return 0, errNoAudioTrack
	}
	return level, nil
}

// evalJSON runs a script that returns JSON.stringify(...) and decodes it.
func (s *pageSampler) evalJSON(ctx context.Context, js string, v any, args ...any) error {
	res, err := s.page.eval(ctx, js, args...)
	if err != nil {
		return err
	}
	return json.Unmarshal([]byte(res.Value.Str()), v)
}
