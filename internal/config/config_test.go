package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/danmuck/shellsurface/internal/mux"
	"github.com/danmuck/shellsurface/internal/protocol"
	"github.com/danmuck/shellsurface/internal/testutil/testlog"
	"github.com/danmuck/shellsurface/internal/value"
)

func writeFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.toml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestTemplatesRoundTripThroughStrictLoader(t *testing.T) {
	testlog.Start(t)
	for _, kind := range []string{KindAuthority, KindPeer} {
		path := filepath.Join(t.TempDir(), kind+".toml")
		if err := WriteTemplate(path, kind, false); err != nil {
			t.Fatalf("write %s template: %v", kind, err)
		}
		if err := Validate(path, kind); err != nil {
			t.Fatalf("validate %s template: %v", kind, err)
		}
		if err := WriteTemplate(path, kind, false); err == nil {
			t.Fatalf("expected refusal to overwrite %s", path)
		}
	}
	if _, err := Template("compositor"); err == nil {
		t.Fatalf("unknown kind should fail")
	}
}

func TestLoadAuthorityFileOverlay(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
network = "tcp"
listen_addr = "127.0.0.1:7400"
admin_listen_addr = "127.0.0.1:7401"
signal_prefix = "__SIGNAL_"

[default_geometry]
width = 1024
height = 768

[session]
query_retry_after = "250ms"
backoff_jitter = false
`)
	file, err := LoadAuthorityFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := file.ServiceConfig()
	if err != nil {
		t.Fatalf("service config: %v", err)
	}
	if cfg.Network != "tcp" || cfg.ListenAddr != "127.0.0.1:7400" || cfg.AdminListenAddr != "127.0.0.1:7401" {
		t.Fatalf("unexpected listen config: %+v", cfg)
	}
	if cfg.SignalPrefix != "__SIGNAL_" {
		t.Fatalf("unexpected prefix %q", cfg.SignalPrefix)
	}
	if cfg.DefaultGeometry == nil || *cfg.DefaultGeometry != (protocol.Rect{Width: 1024, Height: 768}) {
		t.Fatalf("unexpected default geometry %v", cfg.DefaultGeometry)
	}
	if cfg.Session.QueryRetryAfter != 250*time.Millisecond || cfg.Session.Backoff.Jitter {
		t.Fatalf("unexpected session %+v", cfg.Session)
	}
	if cfg.Session.ConnectTimeout != 5*time.Second {
		t.Fatalf("default connect timeout lost: %v", cfg.Session.ConnectTimeout)
	}
	if cfg.InterfaceVersion != protocol.InterfaceVersion {
		t.Fatalf("default interface version lost: %d", cfg.InterfaceVersion)
	}
}

func TestLoadRejectsUnknownKeys(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
listen_addr = "/tmp/shell.sock"
listen_adr = "typo"
`)
	if _, err := LoadAuthorityFile(path); err == nil {
		t.Fatalf("expected unknown key error")
	}
}

func TestValidateRejectsBadValues(t *testing.T) {
	testlog.Start(t)
	cases := map[string]string{
		"network":  "network = \"udp\"\nlisten_addr = \"x\"\n",
		"duration": "listen_addr = \"x\"\n[session]\nwrite_timeout = \"soon\"\n",
		"version":  "listen_addr = \"x\"\ninterface_version = 9\n",
		"prefix":   "listen_addr = \"x\"\nsignal_prefix = \"   \"\n",
	}
	for name, content := range cases {
		if _, err := LoadAuthorityFile(writeFile(t, content)); !errors.Is(err, ErrInvalidConfig) {
			t.Fatalf("%s: expected ErrInvalidConfig, got %v", name, err)
		}
	}
}

func TestPeerFileWindowProperties(t *testing.T) {
	testlog.Start(t)
	path := writeFile(t, `
address = "/run/user/1000/shellsurface-0"
peer_name = "demo"

[window]
title = "Demo"

[window.properties]
title = "Demo"
count = 3
tags = ["a", "b"]
`)
	file, err := LoadPeerFile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	cfg, err := file.ClientConfig()
	if err != nil {
		t.Fatalf("client config: %v", err)
	}
	if cfg.Network != "unix" || cfg.PeerName != "demo" || cfg.SignalPrefix != mux.DefaultPrefix {
		t.Fatalf("unexpected client config %+v", cfg)
	}
	props, err := file.WindowProperties()
	if err != nil {
		t.Fatalf("window properties: %v", err)
	}
	if len(props) != 3 || props[0].Name != "count" || props[2].Name != "title" {
		t.Fatalf("unexpected properties %+v", props)
	}
	if n, _ := props[0].Value.Int(); n != 3 {
		t.Fatalf("count = %v", props[0].Value)
	}
	if !value.Equal(props[1].Value, value.List(value.String("a"), value.String("b"))) {
		t.Fatalf("tags = %v", props[1].Value)
	}
}

func TestPeerFileRequiresName(t *testing.T) {
	testlog.Start(t)
	if _, err := LoadPeerFile(writeFile(t, "address = \"x\"\n")); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
}
