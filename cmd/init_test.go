package cmd

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jacklau/repocache/internal/config"
)

func TestBuildConfigYAMLParses(t *testing.T) {
	t.Setenv("GITHUB_TOKEN", "ghp_test")

	tests := []struct {
		name    string
		answers initAnswers
		check   func(t *testing.T, cfg *config.Config)
	}{
		{
			name:    "anonymous json",
			answers: initAnswers{WorkspaceDir: "/var/cache/repocache", Backend: "json", Auth: "none"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Git.Auth != "" || cfg.Git.Token != "" {
					t.Errorf("expected anonymous git config, got %+v", cfg.Git)
				}
				if cfg.Metadata.Path != "/var/cache/repocache/repository_metadata.json" {
					t.Errorf("unexpected metadata path %q", cfg.Metadata.Path)
				}
			},
		},
		{
			name:    "token sqlite",
			answers: initAnswers{WorkspaceDir: "/srv/rc", Backend: "sqlite", Auth: "token"},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Git.Token != "ghp_test" {
					t.Errorf("token = %q, want expanded GITHUB_TOKEN", cfg.Git.Token)
				}
				if cfg.Metadata.Backend != "sqlite" || filepath.Ext(cfg.Metadata.Path) != ".db" {
					t.Errorf("unexpected metadata config %+v", cfg.Metadata)
				}
			},
		},
		{
			name: "app",
			answers: initAnswers{
				WorkspaceDir: "/srv/rc", Backend: "json", Auth: "app",
				AppID: "12345", InstallationID: "678", KeyPath: "/etc/rc/key.pem",
			},
			check: func(t *testing.T, cfg *config.Config) {
				if cfg.Git.AppID != "12345" || cfg.Git.InstallationID != "678" {
					t.Errorf("unexpected app ids %+v", cfg.Git)
				}
				if cfg.Git.PrivateKeyPath != "/etc/rc/key.pem" {
					t.Errorf("unexpected key path %q", cfg.Git.PrivateKeyPath)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out := buildConfigYAML(tt.answers)
			cfg, err := config.Parse([]byte(out))
			if err != nil {
				t.Fatalf("generated config does not parse: %v\n%s", err, out)
			}
			if cfg.Cache.KeyLockEnabled() {
				t.Error("key lock should be off in a generated config")
			}
			if size, overlap := cfg.Graph.Chunking(); size != 10000 || overlap != 1000 {
				t.Errorf("unexpected chunking %d/%d", size, overlap)
			}
			tt.check(t, cfg)
		})
	}
}

func TestBuildConfigYAMLAppPlaceholders(t *testing.T) {
	out := buildConfigYAML(initAnswers{WorkspaceDir: "~/.repocache", Backend: "json", Auth: "app"})
	for _, want := range []string{`app_id: "YOUR_APP_ID"`, `installation_id: "YOUR_INSTALLATION_ID"`, "private_key_path: /path/to/private-key.pem"} {
		if !strings.Contains(out, want) {
			t.Errorf("missing placeholder %q in:\n%s", want, out)
		}
	}
}

func TestAsk(t *testing.T) {
	r := bufio.NewReader(strings.NewReader("custom\n\n"))
	var out bytes.Buffer

	if got := ask(r, &out, "Working directory", "~/.repocache"); got != "custom" {
		t.Errorf("ask = %q, want custom", got)
	}
	if got := ask(r, &out, "Metadata backend", "json"); got != "json" {
		t.Errorf("empty answer = %q, want default", got)
	}
	if got := ask(r, &out, "GitHub App ID", ""); got != "" {
		t.Errorf("EOF answer = %q, want empty", got)
	}
	if !strings.Contains(out.String(), "Working directory [~/.repocache]: ") || !strings.Contains(out.String(), "GitHub App ID: ") {
		t.Errorf("unexpected prompts %q", out.String())
	}
}

func TestInitCommandWritesConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "nested", "config.yaml")
	env := &cliEnv{path: path}

	out, _, err := env.run(t, dir+"\nsqlite\nnone\n", "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "Config written to "+path) {
		t.Errorf("unexpected output:\n%s", out)
	}

	cfg, err := config.Load(path)
	if err != nil {
		t.Fatalf("loading written config: %v", err)
	}
	if cfg.Workspace.Dir != dir || cfg.Metadata.Backend != "sqlite" {
		t.Errorf("unexpected config %+v", cfg)
	}

	// A second run without confirmation leaves the file alone.
	before, _ := os.ReadFile(path)
	out, _, err = env.run(t, "n\n", "init")
	if err != nil {
		t.Fatalf("init: %v", err)
	}
	if !strings.Contains(out, "Aborted.") {
		t.Errorf("expected abort:\n%s", out)
	}
	after, _ := os.ReadFile(path)
	if !bytes.Equal(before, after) {
		t.Error("config overwritten without confirmation")
	}
}
