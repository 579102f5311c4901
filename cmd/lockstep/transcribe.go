package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lockstep/internal/audio"
	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/tokenizer"
)

func transcribeCmd() *cli.Command {
	var (
		audioPath string
		maxNew    int64
		quiet     bool
	)

	return &cli.Command{
		Name:  "transcribe",
		Usage: "Transcribe a WAV file with a whisper-style static model",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "audio",
				Aliases:     []string{"a"},
				Usage:       "path to a 16-bit PCM WAV file",
				Destination: &audioPath,
			},
			&cli.Int64Flag{
				Name:        "max-new",
				Aliases:     []string{"n"},
				Usage:       "maximum number of new tokens (0 = model default)",
				Destination: &maxNew,
			},
			&cli.BoolFlag{
				Name:        "quiet",
				Aliases:     []string{"q"},
				Usage:       "print only the final transcript, no streaming",
				Destination: &quiet,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyFileConfig(cmd)
			if audioPath == "" {
				return fmt.Errorf("--audio is required")
			}
			log := newLogger(os.Stderr)

			f, err := os.Open(audioPath)
			if err != nil {
				return err
			}
			samples, rate, err := audio.ReadWAV(f)
			f.Close()
			if err != nil {
				return fmt.Errorf("read %s: %w", audioPath, err)
			}

			p, tok, cfg, err := buildSpeechPipeline(log)
			if err != nil {
				return err
			}
			defer p.Close()

			if rate != p.SamplingRate() {
				log.Warn("sampling rate mismatch", "file", rate, "model", p.SamplingRate())
			}
			if maxNew > 0 {
				cfg.MaxNewTokens = int(maxNew)
			}

			var streamer generation.Streamer
			if !quiet {
				streamer = tokenizer.NewTextStreamer(tok, func(text string) bool {
					fmt.Print(text, " ")
					return false
				})
			}

			res, err := p.Generate(ctx, samples, cfg, streamer)
			if err != nil {
				return err
			}
			if quiet {
				fmt.Println(res.Text)
			} else {
				fmt.Println()
			}
			return nil
		},
	}
}
