package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/ashita-ai/swimcoach/internal/coach"
	"github.com/ashita-ai/swimcoach/internal/config"
	"github.com/ashita-ai/swimcoach/internal/model"
	"github.com/ashita-ai/swimcoach/internal/video"
	"github.com/ashita-ai/swimcoach/internal/vision"
)

func newAnalyzeCmd(a *app) *cobra.Command {
	var (
		stroke string
		notes  string
	)
	cmd := &cobra.Command{
		Use:   "analyze <video>",
		Short: "Run a one-shot analysis of a local video and print the result as JSON",
		Long: `Runs the multi-pass analysis against the configured vision provider without
touching the session store or the daily usage limit.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			st := model.StrokeType(strings.ToLower(stroke))
			if !st.Valid() {
				return fmt.Errorf("invalid stroke %q", stroke)
			}
			data, err := os.ReadFile(args[0])
			if err != nil {
				return fmt.Errorf("read video: %w", err)
			}

			visionClient, err := vision.New(ctx, vision.Config{
				Provider:    a.cfg.VisionProvider,
				APIKey:      a.cfg.VisionAPIKey(),
				BaseURL:     visionBaseURL(a.cfg),
				Model:       a.cfg.VisionModel,
				MaxTokens:   a.cfg.VisionMaxTokens,
				Temperature: a.cfg.VisionTemperature,
				Timeout:     a.cfg.VisionTimeout,
			}, a.logger)
			if err != nil {
				return err
			}

			var proc video.Processor
			if a.cfg.VideoProcessor == "mock" {
				proc = video.NewMockProcessor()
			} else {
				proc, err = video.NewFFmpegProcessor(ctx, video.FFmpegConfig{
					FFmpegPath:  a.cfg.FFmpegPath,
					FFprobePath: a.cfg.FFprobePath,
					MaxProcs:    int64(a.cfg.FFmpegMaxProcs),
				}, a.logger)
				if err != nil {
					return err
				}
			}

			info, err := proc.Probe(ctx, data)
			if err != nil {
				return err
			}
			a.logger.Info("video probed", "duration", info.Duration, "width", info.Width, "height", info.Height)

			engine := coach.NewEngine(visionClient, proc, coach.Config{
				MaxIterations:       a.cfg.MaxIterations,
				InitialFPS:          a.cfg.InitialFPS,
				InitialMaxFrames:    a.cfg.InitialMaxFrames,
				MaxFramesPerRequest: a.cfg.MaxFramesPerRequest,
			}, a.logger)

			result, err := engine.Analyze(ctx, coach.AnalyzeInput{
				Video:    data,
				Duration: info.Duration,
				Stroke:   st,
				Notes:    notes,
			})
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(result)
		},
	}
	cmd.Flags().StringVarP(&stroke, "stroke", "s", string(model.StrokeFreestyle), "stroke in the video")
	cmd.Flags().StringVarP(&notes, "notes", "n", "", "what the swimmer wants feedback on")
	return cmd
}

func visionBaseURL(cfg config.Config) string {
	if cfg.VisionBaseURL != "" {
		return cfg.VisionBaseURL
	}
	if cfg.VisionProvider == config.ProviderOllama {
		return cfg.OllamaURL
	}
	return ""
}
