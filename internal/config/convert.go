package config

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/danmuck/shellsurface/internal/authority"
	"github.com/danmuck/shellsurface/internal/peer"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/protocol/session"
	"github.com/danmuck/shellsurface/internal/value"
)

// ServiceConfig overlays the file onto authority defaults. Empty fields
// keep the default.
func (f AuthorityFile) ServiceConfig() (authority.ServiceConfig, error) {
	cfg := authority.DefaultServiceConfig()
	if v := strings.TrimSpace(f.Network); v != "" {
		cfg.Network = v
	}
	if v := strings.TrimSpace(f.ListenAddr); v != "" {
		cfg.ListenAddr = v
	}
	cfg.AdminListenAddr = strings.TrimSpace(f.AdminListenAddr)
	cfg.AdminToken = strings.TrimSpace(f.AdminToken)
	if len(f.CORSOrigins) > 0 {
		cfg.CORSOrigins = append([]string(nil), f.CORSOrigins...)
	}
	if f.SignalPrefix != "" {
		cfg.SignalPrefix = f.SignalPrefix
	}
	if f.InterfaceVersion != 0 {
		cfg.InterfaceVersion = f.InterfaceVersion
	}
	if g := f.DefaultGeometry; g != nil {
		cfg.DefaultGeometry = &protocol.Rect{X: g.X, Y: g.Y, Width: g.Width, Height: g.Height}
	}
	sess, err := f.Session.apply(cfg.Session)
	if err != nil {
		return authority.ServiceConfig{}, err
	}
	cfg.Session = sess
	return cfg, nil
}

// ClientConfig overlays the file onto peer defaults.
func (f PeerFile) ClientConfig() (peer.ClientConfig, error) {
	cfg := peer.DefaultClientConfig()
	if v := strings.TrimSpace(f.Network); v != "" {
		cfg.Network = v
	}
	cfg.Address = strings.TrimSpace(f.Address)
	if v := strings.TrimSpace(f.PeerName); v != "" {
		cfg.PeerName = v
	}
	if f.SignalPrefix != "" {
		cfg.SignalPrefix = f.SignalPrefix
	}
	cfg.MaxConnectAttempts = f.MaxConnectAttempts
	sess, err := f.Session.apply(cfg.Session)
	if err != nil {
		return peer.ClientConfig{}, err
	}
	cfg.Session = sess
	return cfg, nil
}

// NamedValue is one initial window property.
type NamedValue struct {
	Name  string
	Value value.Value
}

// WindowProperties converts the [window.properties] table, ordered by name.
func (f PeerFile) WindowProperties() ([]NamedValue, error) {
	names := make([]string, 0, len(f.Window.Properties))
	for name := range f.Window.Properties {
		names = append(names, name)
	}
	sort.Strings(names)
	out := make([]NamedValue, 0, len(names))
	for _, name := range names {
		v, err := value.FromAny(f.Window.Properties[name])
		if err != nil {
			return nil, fmt.Errorf("%w: window.properties.%s: %v", ErrInvalidConfig, name, err)
		}
		out = append(out, NamedValue{Name: name, Value: v})
	}
	return out, nil
}

func (s SessionFile) apply(base session.Config) (session.Config, error) {
	set := func(raw string, dst *time.Duration) error {
		d, err := parseDuration(raw)
		if err != nil {
			return err
		}
		if d != 0 {
			*dst = d
		}
		return nil
	}
	if err := set(s.ConnectTimeout, &base.ConnectTimeout); err != nil {
		return session.Config{}, fmt.Errorf("%w: session.connect_timeout: %v", ErrInvalidConfig, err)
	}
	if err := set(s.HandshakeTimeout, &base.HandshakeTimeout); err != nil {
		return session.Config{}, fmt.Errorf("%w: session.handshake_timeout: %v", ErrInvalidConfig, err)
	}
	if err := set(s.WriteTimeout, &base.WriteTimeout); err != nil {
		return session.Config{}, fmt.Errorf("%w: session.write_timeout: %v", ErrInvalidConfig, err)
	}
	if err := set(s.QueryRetryAfter, &base.QueryRetryAfter); err != nil {
		return session.Config{}, fmt.Errorf("%w: session.query_retry_after: %v", ErrInvalidConfig, err)
	}
	if err := set(s.BackoffInitial, &base.Backoff.InitialDelay); err != nil {
		return session.Config{}, fmt.Errorf("%w: session.backoff_initial: %v", ErrInvalidConfig, err)
	}
	if err := set(s.BackoffMax, &base.Backoff.MaxDelay); err != nil {
		return session.Config{}, fmt.Errorf("%w: session.backoff_max: %v", ErrInvalidConfig, err)
	}
	if s.MaxPayloadBytes != 0 {
		base.MaxPayloadBytes = s.MaxPayloadBytes
	}
	if s.BackoffFactor != 0 {
		base.Backoff.Multiplier = s.BackoffFactor
	}
	if s.BackoffJitter != nil {
		base.Backoff.Jitter = *s.BackoffJitter
	}
	return base, nil
}
