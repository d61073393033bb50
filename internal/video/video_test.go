package video

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUniformTimestamps(t *testing.T) {
	tests := []struct {
		name     string
		duration float64
		fps      float64
		max      int
		want     []float64
	}{
		{"every two seconds", 10, 0.5, 20, []float64{0, 2, 4, 6, 8}},
		{"capped", 30, 0.5, 3, []float64{0, 2, 4}},
		{"exclusive end", 4, 0.5, 20, []float64{0, 2}},
		{"thirds are rounded", 1, 3, 10, []float64{0, 0.33, 0.67}},
		{"zero fps", 10, 0, 5, nil},
		{"zero duration", 0, 1, 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, UniformTimestamps(tt.duration, tt.fps, tt.max))
		})
	}
}

func TestUniformTimestamps_ThirtySecondsAtHalfFPS(t *testing.T) {
	ts := UniformTimestamps(30, 0.5, 20)
	assert.Len(t, ts, 15)
	assert.Equal(t, 28.0, ts[len(ts)-1])
}

func TestParseFrameRate(t *testing.T) {
	assert.InDelta(t, 30.0, parseFrameRate("30/1"), 1e-9)
	assert.InDelta(t, 29.97, parseFrameRate("30000/1001"), 0.01)
	assert.InDelta(t, 25.0, parseFrameRate("25"), 1e-9)
	assert.InDelta(t, 30.0, parseFrameRate("0/0"), 1e-9)
	assert.InDelta(t, 30.0, parseFrameRate(""), 1e-9)
}

func TestParseProbeOutput(t *testing.T) {
	out := []byte(`{
	  "streams": [
	    {"codec_type": "audio", "codec_name": "aac"},
	    {"codec_type": "video", "codec_name": "h264", "width": 1280, "height": 720,
	     "r_frame_rate": "60/1", "duration": "12.5"}
	  ],
	  "format": {"duration": "12.512000"}
	}`)
	info, err := parseProbeOutput(out)
	require.NoError(t, err)
	assert.InDelta(t, 12.512, info.Duration, 1e-9)
	assert.Equal(t, 1280, info.Width)
	assert.Equal(t, 720, info.Height)
	assert.InDelta(t, 60.0, info.FPS, 1e-9)
	assert.Equal(t, "h264", info.Codec)
	assert.Equal(t, "1280x720", info.Resolution())
}

func TestParseProbeOutput_DurationFallsBackToStream(t *testing.T) {
	out := []byte(`{"streams":[{"codec_type":"video","width":2,"height":2,"r_frame_rate":"30/1","duration":"7.0"}],"format":{}}`)
	info, err := parseProbeOutput(out)
	require.NoError(t, err)
	assert.InDelta(t, 7.0, info.Duration, 1e-9)
	assert.Equal(t, "unknown", info.Codec)
}

func TestParseProbeOutput_NoVideoStream(t *testing.T) {
	_, err := parseProbeOutput([]byte(`{"streams":[{"codec_type":"audio"}],"format":{"duration":"3"}}`))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrProcessing))
}

func TestMockProcessor(t *testing.T) {
	ctx := context.Background()
	m := NewMockProcessor()

	info, err := m.Probe(ctx, []byte("video"))
	require.NoError(t, err)
	assert.Equal(t, 30.0, info.Duration)

	_, err = m.Probe(ctx, nil)
	assert.ErrorIs(t, err, ErrProcessing)

	frames, err := m.ExtractAtFPS(ctx, []byte("video"), 0.5, 20)
	require.NoError(t, err)
	assert.Len(t, frames, 15)
	assert.Equal(t, []byte{0xFF, 0xD8}, frames[0].Data[:2], "placeholder must be a JPEG")

	m.Fail = func(ts float64) bool { return ts == 10.5 }
	frames, err = m.ExtractAtTimestamps(ctx, []byte("video"), []float64{10, 10.5, 11, 45})
	require.NoError(t, err)
	require.Len(t, frames, 2, "failed and out-of-range frames are skipped")
	assert.Equal(t, 10.0, frames[0].Timestamp)
	assert.Equal(t, 11.0, frames[1].Timestamp)
}

// TestFFmpegProcessor_Integration renders a short synthetic clip with
// ffmpeg's lavfi test source and runs the real processor over it.
func TestFFmpegProcessor_Integration(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping ffmpeg integration test in short mode")
	}
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	if _, err := exec.LookPath("ffprobe"); err != nil {
		t.Skip("ffprobe not installed")
	}

	ctx := context.Background()
	clip := filepath.Join(t.TempDir(), "clip.mp4")
	gen := exec.CommandContext(ctx, "ffmpeg", "-v", "error",
		"-f", "lavfi", "-i", "testsrc=duration=4:size=160x120:rate=10",
		"-pix_fmt", "yuv420p", "-y", clip)
	out, err := gen.CombinedOutput()
	require.NoError(t, err, string(out))
	data, err := os.ReadFile(clip)
	require.NoError(t, err)

	p, err := NewFFmpegProcessor(ctx, FFmpegConfig{MaxProcs: 2}, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)

	info, err := p.Probe(ctx, data)
	require.NoError(t, err)
	assert.InDelta(t, 4.0, info.Duration, 0.2)
	assert.Equal(t, 160, info.Width)
	assert.InDelta(t, 10.0, info.FPS, 1e-9)

	frames, err := p.ExtractAtFPS(ctx, data, 1, 10)
	require.NoError(t, err)
	assert.Len(t, frames, 4)

	frames, err = p.ExtractAtTimestamps(ctx, data, []float64{1.5, 99})
	require.NoError(t, err)
	require.Len(t, frames, 1, "timestamp past the end is skipped, not fatal")
	assert.Equal(t, 1.5, frames[0].Timestamp)
}
