package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "voxgate.toml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadMergesOverDefaults(t *testing.T) {
	p := writeConfig(t, `
listen = ":9000"
auto_start = true

[model]
id = "kokoro-v1.0"
voices = ["af_heart", "am_adam"]
speed = 1.2

[worker]
port = 9100
grace_timeout = "3s"

[restart]
enabled = true
max = 5
healthy_uptime = "90s"

[proxy]
max_body_bytes = 2048
timeout = "2m"
`)
	cfg, err := Load(p)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen != ":9000" || !cfg.AutoStart {
		t.Fatalf("top-level values not applied: %+v", cfg)
	}
	if cfg.Model.Speed != 1.2 || len(cfg.Model.Voices) != 2 {
		t.Fatalf("model values not applied: %+v", cfg.Model)
	}
	if cfg.Worker.GraceTimeout != 3*time.Second {
		t.Fatalf("grace_timeout = %v", cfg.Worker.GraceTimeout)
	}
	if cfg.Restart.Max != 5 || cfg.Restart.HealthyUptime != 90*time.Second {
		t.Fatalf("restart values not applied: %+v", cfg.Restart)
	}
	// Defaults must survive for unset sections.
	if cfg.Health.Timeout != 3*time.Second {
		t.Fatalf("health default lost: %+v", cfg.Health)
	}
	if cfg.Proxy.MaxBodyBytes != 2048 {
		t.Fatalf("proxy.max_body_bytes = %d", cfg.Proxy.MaxBodyBytes)
	}
}

func TestLoadRejectsBadConfig(t *testing.T) {
	cases := map[string]string{
		"bad lang":       "listen = \":9000\"\n[model]\nid = \"m\"\nlang_code = \"no-such-lang-@@\"\n",
		"missing model":  "listen = \":9000\"\n[model]\nid = \"\"\n",
		"bad listen":     "listen = \"no-port\"\n",
		"bad history":    "listen = \":9000\"\n[history]\ntype = \"oracle\"\n",
		"negative limit": "listen = \":9000\"\n[proxy]\nmax_body_bytes = -1\n",
	}
	for name, body := range cases {
		if _, err := Load(writeConfig(t, body)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestBindingDerivedWorkerPort(t *testing.T) {
	cfg := Default()
	cfg.Listen = "127.0.0.1:8880"
	b, err := cfg.Binding()
	if err != nil {
		t.Fatalf("Binding: %v", err)
	}
	if b.Public != 8880 || b.Worker != 8881 || b.Mode != BindingAuto {
		t.Fatalf("unexpected binding %+v", b)
	}
}

func TestBindingExplicitWorkerPort(t *testing.T) {
	cfg := Default()
	cfg.Worker.Port = 9999
	b, err := cfg.Binding()
	if err != nil {
		t.Fatalf("Binding: %v", err)
	}
	if b.Worker != 9999 || b.Mode != BindingExplicit {
		t.Fatalf("unexpected binding %+v", b)
	}
}

func TestBindingEphemeralListenPort(t *testing.T) {
	cfg := Default()
	cfg.Listen = "127.0.0.1:0"
	if _, err := cfg.Binding(); err == nil {
		t.Fatal("expected error for ephemeral listen port without a worker port")
	}

	cfg.Worker.Port = 9880
	b, err := cfg.Binding()
	if err != nil {
		t.Fatalf("Binding: %v", err)
	}
	if b.Public != 0 || b.Worker != 9880 || b.Mode != BindingExplicit {
		t.Fatalf("unexpected binding %+v", b)
	}
}

func TestBindingRejectsCollision(t *testing.T) {
	cfg := Default()
	cfg.Listen = ":8880"
	cfg.Worker.Port = 8880
	if _, err := cfg.Binding(); err == nil {
		t.Fatal("expected collision error")
	}
}
