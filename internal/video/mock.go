package video

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"sync"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// MockProcessor reports a fixed 30 second 1080p clip and returns a tiny
// placeholder JPEG for every requested timestamp. It lets the full upload
// and analysis flow run without ffmpeg installed.
type MockProcessor struct {
	Info model.VideoInfo
	// Fail, when non-nil, makes every timestamp for which it returns true
	// fail to extract.
	Fail func(ts float64) bool
}

// NewMockProcessor returns a MockProcessor with the default clip metadata.
func NewMockProcessor() *MockProcessor {
	return &MockProcessor{Info: model.VideoInfo{
		Duration: 30,
		Width:    1920,
		Height:   1080,
		FPS:      30,
		Codec:    "h264",
	}}
}

var (
	placeholderOnce sync.Once
	placeholderJPEG []byte
)

// PlaceholderFrame returns a valid 2x2 JPEG.
func PlaceholderFrame() []byte {
	placeholderOnce.Do(func() {
		img := image.NewRGBA(image.Rect(0, 0, 2, 2))
		for x := 0; x < 2; x++ {
			for y := 0; y < 2; y++ {
				img.Set(x, y, color.RGBA{R: 0x1e, G: 0x90, B: 0xff, A: 0xff})
			}
		}
		var buf bytes.Buffer
		_ = jpeg.Encode(&buf, img, nil)
		placeholderJPEG = buf.Bytes()
	})
	return placeholderJPEG
}

// Probe returns the configured metadata for any non-empty input.
func (m *MockProcessor) Probe(ctx context.Context, data []byte) (model.VideoInfo, error) {
	if err := ctx.Err(); err != nil {
		return model.VideoInfo{}, err
	}
	if len(data) == 0 {
		return model.VideoInfo{}, ErrProcessing
	}
	return m.Info, nil
}

// ExtractAtFPS samples the configured duration uniformly.
func (m *MockProcessor) ExtractAtFPS(ctx context.Context, data []byte, fps float64, maxFrames int) ([]model.Frame, error) {
	info, err := m.Probe(ctx, data)
	if err != nil {
		return nil, err
	}
	return m.ExtractAtTimestamps(ctx, data, UniformTimestamps(info.Duration, fps, maxFrames))
}

// ExtractAtTimestamps returns a placeholder frame per timestamp, skipping
// timestamps outside the clip or rejected by Fail.
func (m *MockProcessor) ExtractAtTimestamps(ctx context.Context, data []byte, timestamps []float64) ([]model.Frame, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frames := make([]model.Frame, 0, len(timestamps))
	for i, ts := range timestamps {
		if ts < 0 || ts > m.Info.Duration {
			continue
		}
		if m.Fail != nil && m.Fail(ts) {
			continue
		}
		frames = append(frames, model.Frame{Data: PlaceholderFrame(), Timestamp: ts, Number: i})
	}
	return frames, nil
}
