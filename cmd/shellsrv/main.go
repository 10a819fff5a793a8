package main

import (
	"fmt"
	"os"

	"github.com/danmuck/shellsurface/internal/authority"
	"github.com/danmuck/shellsurface/internal/logging"
	"github.com/danmuck/shellsurface/internal/observability"
	"github.com/danmuck/shellsurface/internal/value"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/pflag"
)

func main() {
	configPath := pflag.StringP("config", "c", "", "path to shellsrv config.toml")
	listen := pflag.String("listen", "", "session listen address (overrides config)")
	network := pflag.String("network", "", "session network: unix|tcp")
	admin := pflag.String("admin", "", "admin HTTP listen address (overrides config)")
	level := pflag.String("log-level", "", "log level: trace|debug|info|warn|error")
	pflag.Parse()

	observability.InitLogger("shellsrv")
	if lvl, ok := logging.ParseLevel(*level); ok {
		zerolog.SetGlobalLevel(lvl)
	}

	cfg := authority.DefaultServiceConfig()
	if *configPath != "" {
		loaded, err := loadServiceConfig(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "shellsrv: %v\n", err)
			os.Exit(1)
		}
		cfg = loaded
	}
	if *network != "" {
		cfg.Network = *network
	}
	if *listen != "" {
		cfg.ListenAddr = *listen
	}
	if *admin != "" {
		cfg.AdminListenAddr = *admin
	}

	svc := authority.NewService(cfg, authority.Hooks{
		Notify: func(s *authority.Surface, name string, v value.Value) {
			log.Info().Msgf("shellsrv signal surface=%d name=%s value=%s", s.ID(), name, v)
		},
		ActivationRequested: func(s *authority.Surface) {
			log.Info().Msgf("shellsrv activate surface=%d", s.ID())
		},
	})
	if err := svc.Run(); err != nil {
		fmt.Fprintf(os.Stderr, "shellsrv: %v\n", err)
		os.Exit(1)
	}
}
