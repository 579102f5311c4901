package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/labstack/echo/v5"
	"github.com/labstack/echo/v5/middleware"
	"github.com/urfave/cli/v3"

	"github.com/samcharles93/lockstep/internal/api"
)

func serveCmd() *cli.Command {
	var (
		addr        string
		speechModel string
		readTimeout time.Duration
	)

	return &cli.Command{
		Name:  "serve",
		Usage: "Serve the REST API (completions and transcriptions)",
		Flags: append(commonModelFlags(),
			&cli.StringFlag{
				Name:        "addr",
				Usage:       "listen address",
				Value:       "127.0.0.1:8080",
				Destination: &addr,
			},
			&cli.StringFlag{
				Name:        "speech-model",
				Usage:       "path to a whisper-style model directory (enables /v1/audio/transcriptions)",
				Destination: &speechModel,
			},
			&cli.DurationFlag{
				Name:        "read-timeout",
				Usage:       "read timeout",
				Value:       30 * time.Second,
				Destination: &readTimeout,
			},
		),
		Action: func(ctx context.Context, cmd *cli.Command) error {
			fileCfg := applyFileConfig(cmd)
			if fileCfg.SpeechModelDir != "" && !cmd.IsSet("speech-model") {
				speechModel = fileCfg.SpeechModelDir
			}
			if fileCfg.ServerAddress != "" && !cmd.IsSet("addr") {
				addr = fileCfg.ServerAddress
			}
			if modelDir == "" && speechModel == "" {
				return fmt.Errorf("at least one of --model or --speech-model is required")
			}
			log := newLogger(os.Stderr)

			opts := api.Options{Logger: log}

			if modelDir != "" {
				p, tok, cfg, err := buildTextPipeline(log)
				if err != nil {
					return err
				}
				defer p.Close()
				opts.Text = p
				opts.Tokenizer = tok
				opts.TextCfg = cfg
			}
			if speechModel != "" {
				textDir := modelDir
				modelDir = speechModel
				sp, stok, scfg, err := buildSpeechPipeline(log)
				modelDir = textDir
				if err != nil {
					return err
				}
				defer sp.Close()
				opts.Speech = sp
				opts.SpeechCfg = scfg
				if opts.Tokenizer == nil {
					opts.Tokenizer = stok
				}
			}

			server := api.NewServer(opts)
			e := echo.New()
			e.Use(middleware.RequestLogger())
			e.Use(middleware.Recover())
			server.Register(e)
			log.Info("starting server", "address", addr)
			sc := echo.StartConfig{
				Address: addr,
				BeforeServeFunc: func(srv *http.Server) error {
					srv.ReadHeaderTimeout = readTimeout
					return nil
				},
			}
			return sc.Start(ctx, e)
		},
	}
}
