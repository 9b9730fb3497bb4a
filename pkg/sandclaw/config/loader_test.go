package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParse(t *testing.T) {
	t.Run("overlays defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`
name: Test Assistant
groups_dir: /srv/groups
channels:
  quo:
    enabled: true
    listen_addr: ":9000"
    phone_lines:
      "+18175871460": PN1
sandbox:
  max_concurrent: 3
`))
		if err != nil {
			t.Fatalf("Parse: %v", err)
		}
		if cfg.Name != "Test Assistant" {
			t.Errorf("name = %q", cfg.Name)
		}
		if cfg.Channels.Quo.ListenAddr != ":9000" {
			t.Errorf("listen addr = %q", cfg.Channels.Quo.ListenAddr)
		}
		// Untouched values keep their defaults.
		if cfg.Channels.Quo.WebhookPath != "/webhook" {
			t.Errorf("webhook path default lost: %q", cfg.Channels.Quo.WebhookPath)
		}
		if cfg.Sandbox.MaxConcurrent != 3 {
			t.Errorf("max concurrent = %d", cfg.Sandbox.MaxConcurrent)
		}
		if cfg.Sandbox.WallClockTimeout != 30*time.Minute {
			t.Errorf("wall clock default lost: %v", cfg.Sandbox.WallClockTimeout)
		}
		if cfg.Scheduler.PollInterval != time.Minute {
			t.Errorf("poll interval default lost: %v", cfg.Scheduler.PollInterval)
		}
	})

	t.Run("propagates groups_dir to the sandbox config", func(t *testing.T) {
		cfg, err := Parse([]byte("groups_dir: /srv/groups\n"))
		if err != nil {
			t.Fatal(err)
		}
		if cfg.Sandbox.GroupsDir != "/srv/groups" {
			t.Errorf("sandbox groups dir = %q", cfg.Sandbox.GroupsDir)
		}
	})

	t.Run("rejects malformed YAML", func(t *testing.T) {
		if _, err := Parse([]byte("{{nope")); err == nil {
			t.Error("expected parse error")
		}
	})
}

func TestExpandEnvVars(t *testing.T) {
	t.Setenv("SANDCLAW_TEST_KEY", "sekrit")
	t.Setenv("SANDCLAW_TEST_EMPTY", "")

	t.Run("expands set variables", func(t *testing.T) {
		out, err := expandEnvVars("api_key: ${SANDCLAW_TEST_KEY}")
		if err != nil {
			t.Fatal(err)
		}
		if out != "api_key: sekrit" {
			t.Errorf("out = %q", out)
		}
	})

	t.Run("applies defaults for unset variables", func(t *testing.T) {
		out, err := expandEnvVars("addr: ${SANDCLAW_TEST_MISSING:-:8087}")
		if err != nil {
			t.Fatal(err)
		}
		if out != "addr: :8087" {
			t.Errorf("out = %q", out)
		}
	})

	t.Run("empty counts as unset for defaults", func(t *testing.T) {
		out, err := expandEnvVars("v: ${SANDCLAW_TEST_EMPTY:-fallback}")
		if err != nil {
			t.Fatal(err)
		}
		if out != "v: fallback" {
			t.Errorf("out = %q", out)
		}
	})

	t.Run("required marker fails when unset", func(t *testing.T) {
		if _, err := expandEnvVars("key: ${SANDCLAW_TEST_MISSING:?api key required}"); err == nil {
			t.Error("expected error for required variable")
		}
	})

	t.Run("unset without modifier becomes empty", func(t *testing.T) {
		out, err := expandEnvVars("v: '${SANDCLAW_TEST_MISSING}'")
		if err != nil {
			t.Fatal(err)
		}
		if out != "v: ''" {
			t.Errorf("out = %q", out)
		}
	})
}

func TestLoadFromFile(t *testing.T) {
	t.Setenv("SANDCLAW_TEST_LINE", "PN42")
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
name: FileTest
groups_dir: /srv/groups
channels:
  quo:
    enabled: true
    phone_lines:
      "+15550001111": ${SANDCLAW_TEST_LINE}
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadFromFile(path)
	if err != nil {
		t.Fatalf("LoadFromFile: %v", err)
	}
	if cfg.Channels.Quo.PhoneLines["+15550001111"] != "PN42" {
		t.Errorf("phone line = %q, env expansion failed", cfg.Channels.Quo.PhoneLines["+15550001111"])
	}
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate: %v", err)
	}
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := DefaultConfig()
		cfg.Sandbox.GroupsDir = cfg.GroupsDir
		return cfg
	}

	t.Run("defaults are valid", func(t *testing.T) {
		if err := valid().Validate(); err != nil {
			t.Errorf("Validate: %v", err)
		}
	})

	t.Run("rejects missing groups dir", func(t *testing.T) {
		cfg := valid()
		cfg.GroupsDir = ""
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects bad timezone", func(t *testing.T) {
		cfg := valid()
		cfg.Timezone = "Mars/Olympus_Mons"
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects enabled quo without phone lines", func(t *testing.T) {
		cfg := valid()
		cfg.Channels.Quo.Enabled = true
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})

	t.Run("rejects non-positive sandbox ceiling", func(t *testing.T) {
		cfg := valid()
		cfg.Sandbox.MaxConcurrent = 0
		if err := cfg.Validate(); err == nil {
			t.Error("expected error")
		}
	})
}
