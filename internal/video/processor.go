// Package video probes uploaded swim videos and pulls still frames out of
// them for the vision model.
package video

import (
	"context"
	"errors"
	"math"

	"github.com/ashita-ai/swimcoach/internal/model"
)

// ErrProcessing is returned (wrapped) when a video cannot be read at all,
// e.g. corrupt or unsupported input.
var ErrProcessing = errors.New("video: processing failed")

// Processor extracts metadata and frames from raw video bytes.
//
// Both extraction methods may return fewer frames than asked for: a frame
// that fails to decode is skipped and logged rather than failing the batch.
type Processor interface {
	Probe(ctx context.Context, data []byte) (model.VideoInfo, error)
	ExtractAtFPS(ctx context.Context, data []byte, fps float64, maxFrames int) ([]model.Frame, error)
	ExtractAtTimestamps(ctx context.Context, data []byte, timestamps []float64) ([]model.Frame, error)
}

// UniformTimestamps returns sample points 0, 1/fps, 2/fps, ... strictly
// below duration, capped at maxFrames and rounded to two decimals so they
// compare equal to timestamps generated for frame requests.
func UniformTimestamps(duration, fps float64, maxFrames int) []float64 {
	if fps <= 0 || duration <= 0 || maxFrames <= 0 {
		return nil
	}
	var out []float64
	for i := 0; len(out) < maxFrames; i++ {
		t := float64(i) / fps
		if t >= duration {
			break
		}
		out = append(out, math.Round(t*100)/100)
	}
	return out
}
