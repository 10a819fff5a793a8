package main

import (
	"fmt"
	"strings"

	"github.com/BurntSushi/toml"
	"github.com/danmuck/shellsurface/internal/authority"
	"github.com/danmuck/shellsurface/internal/config"
)

// shellsrv loader: config.toml overlaid on authority defaults. Keys absent
// from the file keep their default; unknown keys are an error.
func loadServiceConfig(path string) (authority.ServiceConfig, error) {
	var raw config.AuthorityFile
	meta, err := toml.DecodeFile(path, &raw)
	if err != nil {
		return authority.ServiceConfig{}, fmt.Errorf("load shellsrv config: %w", err)
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		keys := make([]string, 0, len(undecoded))
		for _, k := range undecoded {
			keys = append(keys, k.String())
		}
		return authority.ServiceConfig{}, fmt.Errorf(
			"load shellsrv config: unknown keys: %s",
			strings.Join(keys, ", "),
		)
	}
	if !meta.IsDefined("listen_addr") {
		raw.ListenAddr = authority.DefaultServiceConfig().ListenAddr
	}
	if err := config.ValidateAuthorityFile(raw); err != nil {
		return authority.ServiceConfig{}, fmt.Errorf("load shellsrv config: %w", err)
	}

	cfg, err := raw.ServiceConfig()
	if err != nil {
		return authority.ServiceConfig{}, fmt.Errorf("load shellsrv config: %w", err)
	}
	if cfg.AdminListenAddr == "" && meta.IsDefined("cors_origins") {
		return authority.ServiceConfig{}, fmt.Errorf(
			"load shellsrv config: cors_origins requires admin_listen_addr",
		)
	}
	return cfg, nil
}
