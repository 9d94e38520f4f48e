package rod

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ysmood/gson"
)

type fakePage struct {
	results map[string]any
	err     error
	pageURL string
	shot    []byte
}

func (p *fakePage) eval(_ context.Context, js string, _ ...any) (*proto.RuntimeRemoteObject, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &proto.RuntimeRemoteObject{Value: gson.New(p.results[js])}, nil
}

func (p *fakePage) url(context.Context) (string, error) {
	return p.pageURL, p.err
}

func (p *fakePage) screenshot(context.Context) ([]byte, error) {
	return p.shot, p.err
}

func TestSampler_DecodesProbes(t *testing.T) {
	page := &fakePage{
		results: map[string]any{
			pageTextScript:      "Alice\nBob",
			mediaStatsScript:    `{"peerConnections":1,"liveTracks":3,"bytesReceived":4096}`,
			videoSurfacesScript: `[{"id":"v1","width":640,"height":360,"visible":true,"currentTime":12.5,"framesDecoded":300}]`,
			audioLevelScript:    0.25,
		},
		pageURL: "https://meet.jit.si/room",
		shot:    []byte{1, 2, 3},
	}
	s := &pageSampler{page: page}
	ctx := context.Background()

	text, err := s.PageText(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Alice\nBob", text)

	st, err := s.MediaStats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, st.PeerConnections)
	assert.Equal(t, 3, st.LiveTracks)
	assert.EqualValues(t, 4096, st.BytesReceived)

	surfaces, err := s.VideoSurfaces(ctx)
	require.NoError(t, err)
	require.Len(t, surfaces, 1)
	assert.Equal(t, "v1", surfaces[0].ID)
	assert.True(t, surfaces[0].Visible)
	assert.EqualValues(t, 300, surfaces[0].FramesDecoded)

	u, err := s.CurrentURL(ctx)
	require.NoError(t, err)
	assert.Equal(t, "https://meet.jit.si/room", u)

	shot, err := s.Screenshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, []byte{1, 2, 3}, shot)

	level, err := s.AudioLevel(ctx)
	require.NoError(t, err)
	assert.InDelta(t, 0.25, level, 1e-9)
}

func TestSampler_NoAudioTrack(t *testing.T) {
	s := &pageSampler{page: &fakePage{results: map[string]any{audioLevelScript: -1.0}}}
	_, err := s.AudioLevel(context.Background())
	assert.ErrorIs(t, err, errNoAudioTrack)
}

func TestSampler_WrapsErrors(t *testing.T) {
	boom := errors.New("target closed")
	s := &pageSampler{page: &fakePage{err: boom}}
	ctx := context.Background()

	_, err := s.PageText(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = s.MediaStats(ctx)
	assert.ErrorIs(t, err, boom)
	_, err = s.CurrentURL(ctx)
	assert.ErrorIs(t, err, boom)
}

func TestJoinState_Classify(t *testing.T) {
	tests := []struct {
		name  string
		state joinState
		want  joinStep
	}{
		{"nothing yet", joinState{}, stepPending},
		{"lobby", joinState{Lobby: true}, stepLobby},
		{"error beats lobby", joinState{Lobby: true, Error: "wrong password"}, stepFailed},
		{"in meeting beats everything", joinState{InMeeting: true, Lobby: true, Error: "x"}, stepJoined},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.state.classify())
		})
	}
}

func TestConsoleLog_KeepsNewest(t *testing.T) {
	c := newConsoleLog()
	c.now = func() time.Time { return time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC) }

	c.add("log", "first")
	for i := 0; i < 2000; i++ {
		c.add("warning", strings.Repeat("x", 60))
	}
	c.add("error", "last")

	out := string(c.bytes())
	assert.LessOrEqual(t, len(out), consoleLogSize)
	assert.NotContains(t, out, "first")
	assert.True(t, strings.HasSuffix(out, "[error] last\n"))
	assert.Equal(t, out, string(c.bytes()), "reading does not consume")
}

func TestOriginOf(t *testing.T) {
	assert.Equal(t, "https://meet.jit.si", originOf("https://meet.jit.si/room?x=1"))
	assert.Empty(t, originOf("not a url"))
}

func TestSamplerUnknownSession(t *testing.T) {
	a := NewAutomator(Options{})
	_, err := a.Sampler("missing")
	assert.ErrorIs(t, err, ErrNoPage)
	assert.NoError(t, a.Leave(context.Background(), "missing"))
}
