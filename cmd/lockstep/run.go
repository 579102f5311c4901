package main

import (
	"context"
	"fmt"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lockstep/internal/generation"
	"github.com/samcharles93/lockstep/internal/tokenizer"
)

func runCmd() *cli.Command {
	var (
		prompt string
		maxNew int64
		quiet  bool
	)

	return &cli.Command{
		Name:  "run",
		Usage: "Generate text from a prompt",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "prompt",
				Aliases:     []string{"p"},
				Usage:       "prompt text",
				Destination: &prompt,
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
				Usage:       "print only the final text, no streaming",
				Destination: &quiet,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyFileConfig(cmd)
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}
			log := newLogger(os.Stderr)

			p, tok, cfg, err := buildTextPipeline(log)
			if err != nil {
				return err
			}
			defer p.Close()

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

			res, err := p.Generate(ctx, prompt, cfg, streamer)
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
