package config

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/danmuck/shellsurface/internal/mux"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/pelletier/go-toml/v2"
)

var ErrInvalidConfig = errors.New("config: invalid")

// SessionFile holds transport tuning. Durations use time.ParseDuration syntax.
type SessionFile struct {
	ConnectTimeout   string  `toml:"connect_timeout"`
	HandshakeTimeout string  `toml:"handshake_timeout"`
	WriteTimeout     string  `toml:"write_timeout"`
	QueryRetryAfter  string  `toml:"query_retry_after"`
	MaxPayloadBytes  uint32  `toml:"max_payload_bytes"`
	BackoffInitial   string  `toml:"backoff_initial"`
	BackoffMax       string  `toml:"backoff_max"`
	BackoffFactor    float64 `toml:"backoff_multiplier"`
	BackoffJitter    *bool   `toml:"backoff_jitter,omitempty"`
}

type RectFile struct {
	X      int32 `toml:"x"`
	Y      int32 `toml:"y"`
	Width  int32 `toml:"width"`
	Height int32 `toml:"height"`
}

// AuthorityFile is the shellsrv config.toml schema.
type AuthorityFile struct {
	Network          string      `toml:"network"`
	ListenAddr       string      `toml:"listen_addr"`
	AdminListenAddr  string      `toml:"admin_listen_addr"`
	AdminToken       string      `toml:"admin_token,omitempty"`
	CORSOrigins      []string    `toml:"cors_origins"`
	SignalPrefix     string      `toml:"signal_prefix"`
	InterfaceVersion uint32      `toml:"interface_version"`
	DefaultGeometry  *RectFile   `toml:"default_geometry,omitempty"`
	Session          SessionFile `toml:"session"`
}

type WindowFile struct {
	Title      string         `toml:"title"`
	Properties map[string]any `toml:"properties"`
}

// PeerFile is the shellpeer config.toml schema.
type PeerFile struct {
	Network            string      `toml:"network"`
	Address            string      `toml:"address"`
	PeerName           string      `toml:"peer_name"`
	SignalPrefix       string      `toml:"signal_prefix"`
	MaxConnectAttempts int         `toml:"max_connect_attempts"`
	Session            SessionFile `toml:"session"`
	Window             WindowFile  `toml:"window"`
}

func LoadAuthorityFile(path string) (AuthorityFile, error) {
	var cfg AuthorityFile
	if err := loadToml(path, &cfg); err != nil {
		return AuthorityFile{}, err
	}
	if err := ValidateAuthorityFile(cfg); err != nil {
		return AuthorityFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

func LoadPeerFile(path string) (PeerFile, error) {
	var cfg PeerFile
	if err := loadToml(path, &cfg); err != nil {
		return PeerFile{}, err
	}
	if err := ValidatePeerFile(cfg); err != nil {
		return PeerFile{}, fmt.Errorf("config invalid (%s): %w", path, err)
	}
	return cfg, nil
}

// loadToml rejects keys the schema does not know so typos fail loudly.
func loadToml(path string, out any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config load failed (%s): %w", path, err)
	}
	dec := toml.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(out); err != nil {
		var strict *toml.StrictMissingError
		if errors.As(err, &strict) {
			return fmt.Errorf("config parse failed (%s): %w\n%s", path, err, strict.String())
		}
		return fmt.Errorf("config parse failed (%s): %w", path, err)
	}
	return nil
}

func ValidateAuthorityFile(cfg AuthorityFile) error {
	if err := validateNetwork(cfg.Network, cfg.ListenAddr); err != nil {
		return err
	}
	if err := validatePrefix(cfg.SignalPrefix); err != nil {
		return err
	}
	if cfg.InterfaceVersion > protocol.InterfaceVersion {
		return fmt.Errorf("%w: interface_version %d above supported %d",
			ErrInvalidConfig, cfg.InterfaceVersion, protocol.InterfaceVersion)
	}
	if g := cfg.DefaultGeometry; g != nil && (g.Width < 0 || g.Height < 0) {
		return fmt.Errorf("%w: default_geometry has negative size", ErrInvalidConfig)
	}
	return validateSession(cfg.Session)
}

func ValidatePeerFile(cfg PeerFile) error {
	if err := validateNetwork(cfg.Network, cfg.Address); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.PeerName) == "" {
		return fmt.Errorf("%w: peer_name is required", ErrInvalidConfig)
	}
	if err := validatePrefix(cfg.SignalPrefix); err != nil {
		return err
	}
	if cfg.MaxConnectAttempts < 0 {
		return fmt.Errorf("%w: max_connect_attempts must be >= 0", ErrInvalidConfig)
	}
	return validateSession(cfg.Session)
}

func validateNetwork(network, addr string) error {
	switch strings.TrimSpace(network) {
	case "", "unix", "tcp", "tcp4", "tcp6":
	default:
		return fmt.Errorf("%w: unsupported network %q", ErrInvalidConfig, network)
	}
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("%w: address is required", ErrInvalidConfig)
	}
	return nil
}

func validatePrefix(prefix string) error {
	if prefix == "" {
		return nil
	}
	if err := mux.ValidatePrefix(prefix); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

func validateSession(s SessionFile) error {
	fields := map[string]string{
		"connect_timeout":   s.ConnectTimeout,
		"handshake_timeout": s.HandshakeTimeout,
		"write_timeout":     s.WriteTimeout,
		"query_retry_after": s.QueryRetryAfter,
		"backoff_initial":   s.BackoffInitial,
		"backoff_max":       s.BackoffMax,
	}
	for key, raw := range fields {
		if _, err := parseDuration(raw); err != nil {
			return fmt.Errorf("%w: session.%s: %v", ErrInvalidConfig, key, err)
		}
	}
	if s.BackoffFactor != 0 && s.BackoffFactor < 1 {
		return fmt.Errorf("%w: session.backoff_multiplier must be >= 1", ErrInvalidConfig)
	}
	return nil
}

// parseDuration accepts "" as unset.
func parseDuration(raw string) (time.Duration, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return 0, err
	}
	if d < 0 {
		return 0, fmt.Errorf("negative duration %s", raw)
	}
	return d, nil
}
