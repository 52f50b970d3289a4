// Command autobahn is an echo server for conformance runs against the
// Autobahn Testsuite's fuzzing client.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v3"
	"gopkg.in/yaml.v3"

	"github.com/paritytech/soketto/websocket"
	"github.com/paritytech/soketto/wsdeflate"
)

type config struct {
	Addr           string `yaml:"addr"`
	Compression    bool   `yaml:"compression"`
	MaxMessageSize int64  `yaml:"max_message_size"`
}

func main() {
	cmd := &cli.Command{
		Name:  "autobahn",
		Usage: "WebSocket echo server for Autobahn Testsuite runs",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address",
				Value: ":9002",
			},
			&cli.BoolFlag{
				Name:  "compression",
				Usage: "negotiate permessage-deflate",
			},
			&cli.IntFlag{
				Name:  "max-message-size",
				Usage: "inbound message size limit in bytes",
				Value: 16 << 20,
			},
			&cli.StringFlag{
				Name:  "config",
				Usage: "YAML config file overriding the flags",
			},
			&cli.BoolFlag{
				Name:  "pretty-log",
				Usage: "human-readable console logging, instead of JSON",
			},
		},
		Action: run,
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(_ context.Context, cmd *cli.Command) error {
	log := initLog(cmd.Bool("pretty-log"))

	cfg := config{
		Addr:           cmd.String("addr"),
		Compression:    cmd.Bool("compression"),
		MaxMessageSize: cmd.Int("max-message-size"),
	}
	if path := cmd.String("config"); path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return err
		}
	}

	http.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		echo(w, r, cfg, log)
	})

	log.Info().Str("addr", cfg.Addr).Bool("compression", cfg.Compression).Msg("listening")
	return http.ListenAndServe(cfg.Addr, nil)
}

func initLog(pretty bool) zerolog.Logger {
	if pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stderr).With().Timestamp().Logger()
}

// echo upgrades one request and reflects every data message back to the
// peer until the connection closes.
func echo(w http.ResponseWriter, r *http.Request, cfg config, log zerolog.Logger) {
	hs := &websocket.ServerHandshake{
		CheckOrigin: func(*http.Request) bool { return true },
		Logger:      &log,
	}
	if cfg.Compression {
		hs.Extensions = []websocket.Extension{wsdeflate.NewExtension()}
	}

	builder, err := hs.Upgrade(w, r)
	if err != nil {
		log.Warn().Err(err).Msg("upgrade failed")
		return
	}
	builder.SetMaxMessageSize(cfg.MaxMessageSize)
	builder.SetLogger(log)

	sender, receiver, err := builder.Finish()
	if err != nil {
		log.Error().Err(err).Msg("split failed")
		return
	}

	var buf []byte
	for {
		typ, out, err := receiver.ReceiveData(buf[:0])
		if err != nil {
			var ce *websocket.CloseError
			if errors.As(err, &ce) {
				log.Debug().Int("code", ce.Code).Msg("peer closed")
			} else {
				log.Debug().Err(err).Msg("receive failed")
			}
			return
		}
		buf = out

		if typ == websocket.TextMessage {
			err = sender.SendText(buf)
		} else {
			err = sender.SendBinary(buf)
		}
		if err != nil {
			log.Debug().Err(err).Msg("send failed")
			return
		}
	}
}
