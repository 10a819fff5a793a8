package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/danmuck/shellsurface/internal/authority"
	"github.com/danmuck/shellsurface/internal/peer"
	"github.com/danmuck/shellsurface/internal/protocol/session"
	"github.com/pelletier/go-toml/v2"
)

const (
	KindAuthority = "authority"
	KindPeer      = "peer"
)

func sessionFile(cfg session.Config) SessionFile {
	jitter := cfg.Backoff.Jitter
	return SessionFile{
		ConnectTimeout:   cfg.ConnectTimeout.String(),
		HandshakeTimeout: cfg.HandshakeTimeout.String(),
		WriteTimeout:     cfg.WriteTimeout.String(),
		QueryRetryAfter:  cfg.QueryRetryAfter.String(),
		MaxPayloadBytes:  cfg.MaxPayloadBytes,
		BackoffInitial:   cfg.Backoff.InitialDelay.String(),
		BackoffMax:       cfg.Backoff.MaxDelay.String(),
		BackoffFactor:    cfg.Backoff.Multiplier,
		BackoffJitter:    &jitter,
	}
}

// DefaultAuthorityFile mirrors authority.DefaultServiceConfig as a file.
func DefaultAuthorityFile() AuthorityFile {
	cfg := authority.DefaultServiceConfig()
	return AuthorityFile{
		Network:          cfg.Network,
		ListenAddr:       cfg.ListenAddr,
		AdminListenAddr:  "127.0.0.1:7040",
		CORSOrigins:      []string{"http://localhost:3000"},
		SignalPrefix:     cfg.SignalPrefix,
		InterfaceVersion: cfg.InterfaceVersion,
		DefaultGeometry:  &RectFile{Width: 800, Height: 600},
		Session:          sessionFile(cfg.Session),
	}
}

func DefaultPeerFile() PeerFile {
	cfg := peer.DefaultClientConfig()
	return PeerFile{
		Network:      cfg.Network,
		Address:      authority.DefaultServiceConfig().ListenAddr,
		PeerName:     cfg.PeerName,
		SignalPrefix: cfg.SignalPrefix,
		Session:      sessionFile(cfg.Session),
		Window: WindowFile{
			Title: "shellpeer",
			Properties: map[string]any{
				"title":   "shellpeer",
				"opacity": 1.0,
			},
		},
	}
}

// Template renders the defaults for kind as TOML.
func Template(kind string) (string, error) {
	var v any
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAuthority:
		v = DefaultAuthorityFile()
	case KindPeer:
		v = DefaultPeerFile()
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
	out, err := toml.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("render %s template: %w", kind, err)
	}
	return string(out), nil
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

// Validate loads path strictly as kind.
func Validate(path, kind string) error {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case KindAuthority:
		_, err := LoadAuthorityFile(path)
		return err
	case KindPeer:
		_, err := LoadPeerFile(path)
		return err
	default:
		return fmt.Errorf("unknown config kind: %s", kind)
	}
}
