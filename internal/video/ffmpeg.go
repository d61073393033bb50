package video

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/ashita-ai/swimcoach/internal/model"
)

const (
	probeTimeout = 30 * time.Second
	frameTimeout = 10 * time.Second
)

// FFmpegConfig locates the ffmpeg binaries and bounds their concurrency.
type FFmpegConfig struct {
	FFmpegPath  string
	FFprobePath string
	// MaxProcs caps how many ffmpeg/ffprobe processes run at once across
	// all requests served by this processor.
	MaxProcs int64
}

// FFmpegProcessor shells out to ffprobe and ffmpeg. Video bytes are written
// to a temp file for each call since ffmpeg seeks far better on files than
// on pipes.
type FFmpegProcessor struct {
	ffmpeg  string
	ffprobe string
	sem     *semaphore.Weighted
	logger  *slog.Logger
}

// NewFFmpegProcessor verifies that ffmpeg runs and returns a processor.
func NewFFmpegProcessor(ctx context.Context, cfg FFmpegConfig, logger *slog.Logger) (*FFmpegProcessor, error) {
	if cfg.FFmpegPath == "" {
		cfg.FFmpegPath = "ffmpeg"
	}
	if cfg.FFprobePath == "" {
		cfg.FFprobePath = "ffprobe"
	}
	if cfg.MaxProcs <= 0 {
		cfg.MaxProcs = 4
	}

	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if out, err := exec.CommandContext(checkCtx, cfg.FFmpegPath, "-version").CombinedOutput(); err != nil {
		return nil, fmt.Errorf("video: ffmpeg not usable at %q: %w: %s", cfg.FFmpegPath, err, firstLine(out))
	}

	logger.Info("video: ffmpeg processor ready", "ffmpeg", cfg.FFmpegPath, "max_procs", cfg.MaxProcs)
	return &FFmpegProcessor{
		ffmpeg:  cfg.FFmpegPath,
		ffprobe: cfg.FFprobePath,
		sem:     semaphore.NewWeighted(cfg.MaxProcs),
		logger:  logger,
	}, nil
}

// Probe reads duration, resolution, frame rate and codec with ffprobe.
func (p *FFmpegProcessor) Probe(ctx context.Context, data []byte) (model.VideoInfo, error) {
	path, cleanup, err := writeTemp(data)
	if err != nil {
		return model.VideoInfo{}, err
	}
	defer cleanup()
	return p.probeFile(ctx, path)
}

func (p *FFmpegProcessor) probeFile(ctx context.Context, path string) (model.VideoInfo, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return model.VideoInfo{}, err
	}
	defer p.sem.Release(1)

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	var stderr bytes.Buffer
	cmd := exec.CommandContext(probeCtx, p.ffprobe,
		"-v", "quiet",
		"-print_format", "json",
		"-show_format",
		"-show_streams",
		path,
	)
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return model.VideoInfo{}, fmt.Errorf("%w: ffprobe: %v: %s", ErrProcessing, err, firstLine(stderr.Bytes()))
	}
	return parseProbeOutput(out)
}

type probeOutput struct {
	Streams []struct {
		CodecType  string `json:"codec_type"`
		CodecName  string `json:"codec_name"`
		Width      int    `json:"width"`
		Height     int    `json:"height"`
		RFrameRate string `json:"r_frame_rate"`
		Duration   string `json:"duration"`
	} `json:"streams"`
	Format struct {
		Duration string `json:"duration"`
	} `json:"format"`
}

func parseProbeOutput(out []byte) (model.VideoInfo, error) {
	var probe probeOutput
	if err := json.Unmarshal(out, &probe); err != nil {
		return model.VideoInfo{}, fmt.Errorf("%w: decode ffprobe output: %v", ErrProcessing, err)
	}
	for _, s := range probe.Streams {
		if s.CodecType != "video" {
			continue
		}
		duration, _ := strconv.ParseFloat(probe.Format.Duration, 64)
		if duration == 0 {
			duration, _ = strconv.ParseFloat(s.Duration, 64)
		}
		codec := s.CodecName
		if codec == "" {
			codec = "unknown"
		}
		return model.VideoInfo{
			Duration: duration,
			Width:    s.Width,
			Height:   s.Height,
			FPS:      parseFrameRate(s.RFrameRate),
			Codec:    codec,
		}, nil
	}
	return model.VideoInfo{}, fmt.Errorf("%w: no video stream found", ErrProcessing)
}

// parseFrameRate parses ffprobe rates such as "30/1" or "30000/1001".
func parseFrameRate(s string) float64 {
	if s == "" {
		return 30
	}
	num, den, found := strings.Cut(s, "/")
	n, err := strconv.ParseFloat(num, 64)
	if err != nil {
		return 30
	}
	if !found {
		return n
	}
	d, err := strconv.ParseFloat(den, 64)
	if err != nil || d == 0 {
		return 30
	}
	return n / d
}

// ExtractAtFPS samples the whole video at a uniform rate.
func (p *FFmpegProcessor) ExtractAtFPS(ctx context.Context, data []byte, fps float64, maxFrames int) ([]model.Frame, error) {
	path, cleanup, err := writeTemp(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()

	info, err := p.probeFile(ctx, path)
	if err != nil {
		return nil, err
	}
	timestamps := UniformTimestamps(info.Duration, fps, maxFrames)
	p.logger.Debug("video: extracting uniform frames",
		"fps", fps, "duration", info.Duration, "frame_count", len(timestamps))
	return p.extractFromFile(ctx, path, timestamps)
}

// ExtractAtTimestamps grabs one frame per timestamp.
func (p *FFmpegProcessor) ExtractAtTimestamps(ctx context.Context, data []byte, timestamps []float64) ([]model.Frame, error) {
	if len(timestamps) == 0 {
		return nil, nil
	}
	path, cleanup, err := writeTemp(data)
	if err != nil {
		return nil, err
	}
	defer cleanup()
	return p.extractFromFile(ctx, path, timestamps)
}

func (p *FFmpegProcessor) extractFromFile(ctx context.Context, path string, timestamps []float64) ([]model.Frame, error) {
	outDir, err := os.MkdirTemp("", "swimcoach-frames-*")
	if err != nil {
		return nil, fmt.Errorf("video: create frame dir: %w", err)
	}
	defer func() { _ = os.RemoveAll(outDir) }()

	frames := make([]model.Frame, 0, len(timestamps))
	for i, ts := range timestamps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		outPath := filepath.Join(outDir, fmt.Sprintf("frame_%04d.jpg", i))
		img, err := p.extractOne(ctx, path, ts, outPath)
		if err != nil {
			p.logger.Warn("video: frame extraction failed", "timestamp", ts, "error", err)
			continue
		}
		frames = append(frames, model.Frame{Data: img, Timestamp: ts, Number: i})
	}

	p.logger.Debug("video: extracted frames", "requested", len(timestamps), "extracted", len(frames))
	return frames, nil
}

func (p *FFmpegProcessor) extractOne(ctx context.Context, path string, ts float64, outPath string) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, err
	}
	defer p.sem.Release(1)

	frameCtx, cancel := context.WithTimeout(ctx, frameTimeout)
	defer cancel()

	// -ss before -i seeks on keyframes first, which is much faster.
	cmd := exec.CommandContext(frameCtx, p.ffmpeg,
		"-ss", strconv.FormatFloat(ts, 'f', -1, 64),
		"-i", path,
		"-frames:v", "1",
		"-q:v", "2",
		"-y",
		outPath,
	)
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("ffmpeg: %w: %s", err, lastLine(out))
	}
	img, err := os.ReadFile(outPath)
	if err != nil {
		return nil, fmt.Errorf("read frame: %w", err)
	}
	if len(img) == 0 {
		return nil, fmt.Errorf("empty frame (timestamp past end of video?)")
	}
	return img, nil
}

func writeTemp(data []byte) (string, func(), error) {
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: empty video", ErrProcessing)
	}
	f, err := os.CreateTemp("", "swimcoach-video-*")
	if err != nil {
		return "", nil, fmt.Errorf("video: create temp file: %w", err)
	}
	cleanup := func() { _ = os.Remove(f.Name()) }
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		cleanup()
		return "", nil, fmt.Errorf("video: write temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("video: close temp file: %w", err)
	}
	return f.Name(), cleanup, nil
}

func firstLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

func lastLine(b []byte) string {
	s := strings.TrimSpace(string(b))
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		return s[i+1:]
	}
	return s
}
