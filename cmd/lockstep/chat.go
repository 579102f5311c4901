package main

import (
	"context"
	"fmt"
	"io"
	"os"

	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lockstep/internal/tokenizer"
)

func chatCmd() *cli.Command {
	var maxNew int64

	return &cli.Command{
		Name:  "chat",
		Usage: "Interactive prompt loop (each turn is independent; the static path keeps no conversation state)",
		Flags: append(commonModelFlags(),
			&cli.Int64Flag{
				Name:        "max-new",
				Aliases:     []string{"n"},
				Usage:       "maximum number of new tokens per turn",
				Destination: &maxNew,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			applyFileConfig(cmd)
			log := newLogger(os.Stderr)

			p, tok, cfg, err := buildTextPipeline(log)
			if err != nil {
				return err
			}
			defer p.Close()

			if maxNew > 0 {
				cfg.MaxNewTokens = int(maxNew)
			}

			fmt.Println("type a prompt; empty line or /quit to exit")
			for {
				line, err := readInteractiveLine("> ")
				if err == io.EOF {
					return nil
				}
				if err != nil {
					return err
				}
				if line == "" || line == "/quit" || line == "/exit" {
					return nil
				}

				streamer := tokenizer.NewTextStreamer(tok, func(text string) bool {
					fmt.Print(text, " ")
					return false
				})
				if _, err := p.Generate(ctx, line, cfg, streamer); err != nil {
					fmt.Fprintln(os.Stderr, "error:", err)
					continue
				}
				fmt.Println()
			}
		},
	}
}
