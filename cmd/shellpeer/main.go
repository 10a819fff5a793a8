package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/danmuck/shellsurface/internal/config"
	"github.com/danmuck/shellsurface/internal/logging"
	"github.com/danmuck/shellsurface/internal/observability"
	"github.com/danmuck/shellsurface/internal/peer"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/value"
	"github.com/danmuck/shellsurface/internal/wl"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "shellpeer: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	configPath := pflag.StringP("config", "c", "", "path to shellpeer config.toml")
	address := pflag.String("address", "", "authority address (overrides config)")
	network := pflag.String("network", "", "session network: unix|tcp")
	title := pflag.String("title", "", "window title (overrides config)")
	level := pflag.String("log-level", "", "log level: trace|debug|info|warn|error")
	pflag.Parse()

	observability.InitLogger("shellpeer")
	if lvl, ok := logging.ParseLevel(*level); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	file := config.DefaultPeerFile()
	if *configPath != "" {
		loaded, err := config.LoadPeerFile(*configPath)
		if err != nil {
			return err
		}
		file = loaded
	}
	if *network != "" {
		file.Network = *network
	}
	if *address != "" {
		file.Address = *address
	}
	if *title != "" {
		file.Window.Title = *title
	}
	cfg, err := file.ClientConfig()
	if err != nil {
		return err
	}
	initial, err := file.WindowProperties()
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client, err := peer.NewClient(cfg, peer.Hooks{
		SurfaceCreated: func(s *peer.Surface) {
			log.Info().Msgf("shellpeer surface created id=%d", s.ID())
			for _, p := range initial {
				if err := s.SetProperty(p.Name, p.Value); err != nil {
					log.Warn().Msgf("shellpeer initial property name=%s err=%v", p.Name, err)
				}
			}
		},
		GeometryChanged: func(s *peer.Surface, r protocol.Rect) {
			log.Info().Msgf("shellpeer geometry id=%d rect=%dx%d+%d+%d", s.ID(), r.Width, r.Height, r.X, r.Y)
		},
		PropertyChanged: func(s *peer.Surface, name string, v value.Value) {
			log.Info().Msgf("shellpeer property id=%d name=%s value=%s", s.ID(), name, v)
		},
		Notify: func(s *peer.Surface, name string, v value.Value) {
			log.Info().Msgf("shellpeer signal id=%d name=%s value=%s", s.ID(), name, v)
		},
		Availability: func(ok bool) {
			log.Info().Msgf("shellpeer shell available=%t", ok)
		},
		ProtocolError: func(perr *protocol.ProtocolError) {
			log.Error().Msgf("shellpeer protocol error: %v", perr)
		},
	})
	if err != nil {
		return err
	}
	sess, err := client.Connect(ctx)
	if err != nil {
		return err
	}
	log.Info().Msgf("shellpeer connected id=%s addr=%s", sess.ConnectionID, cfg.Address)

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	err = sess.Do(ctx, func(m *peer.Manager, d *wl.Display) error {
		w := d.CreateWindow(file.Window.Title)
		if err := d.Show(w); err != nil {
			return err
		}
		_, err := m.RegisterWindow(w)
		return err
	})
	if err != nil {
		stop()
		<-runErr
		return err
	}
	return <-runErr
}
