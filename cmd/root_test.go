package cmd

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/jacklau/repocache/internal/config"
	"github.com/jacklau/repocache/internal/github"
)

func testConfig(t *testing.T, backend string) *config.Config {
	t.Helper()
	dir := t.TempDir()
	data := "workspace:\n  dir: " + dir + "\nmetadata:\n  backend: " + backend + "\ngraph:\n  sync_writes: false\n"
	cfg, err := config.Parse([]byte(data))
	if err != nil {
		t.Fatalf("parsing test config: %v", err)
	}
	return cfg
}

func TestInitComponents(t *testing.T) {
	for _, backend := range []string{"json", "sqlite"} {
		t.Run(backend, func(t *testing.T) {
			cfg := testConfig(t, backend)
			logger := slog.Default()

			c, err := initComponents(cfg, logger, graphReadWrite)
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			defer c.Close()

			if c.Store == nil || c.Graph == nil || c.Workspace == nil {
				t.Fatal("expected stores to be initialized")
			}
			if c.Cloner == nil || c.Builder == nil || c.Coordinator == nil {
				t.Fatal("expected cloner, builder and coordinator to be initialized")
			}
			if c.Broker == nil || c.Metrics == nil || c.Registry == nil {
				t.Error("expected broker and metrics to be initialized")
			}
			if c.Tokens != nil {
				t.Errorf("expected no token source without git auth, got %T", c.Tokens)
			}
			if c.Workspace.Root() != filepath.Join(cfg.Workspace.Dir, "repositories") {
				t.Errorf("unexpected workspace root %q", c.Workspace.Root())
			}
			if c.Config != cfg || c.Logger != logger {
				t.Error("expected config and logger to match input")
			}
		})
	}
}

func TestInitComponentsGraphAccess(t *testing.T) {
	cfg := testConfig(t, "json")

	c, err := initComponents(cfg, slog.Default(), graphNone)
	if err != nil {
		t.Fatalf("graphNone: %v", err)
	}
	if c.Graph != nil || c.Builder != nil {
		t.Error("expected no graph without graph access")
	}
	if _, err := c.Coordinator.List(); err != nil {
		t.Errorf("List without graph: %v", err)
	}
	c.Close()

	// Nothing to read yet, so the graph is created.
	c, err = initComponents(cfg, slog.Default(), graphReadOnly)
	if err != nil {
		t.Fatalf("graphReadOnly on a new graph: %v", err)
	}
	if c.Graph == nil || c.Graph.ReadOnly() {
		t.Error("expected a writable graph to be created")
	}
	c.Close()

	ro, err := initComponents(cfg, slog.Default(), graphReadOnly)
	if err != nil {
		t.Fatalf("graphReadOnly: %v", err)
	}
	defer ro.Close()
	if !ro.Graph.ReadOnly() {
		t.Error("expected a read-only graph")
	}

	other, err := initComponents(cfg, slog.Default(), graphReadOnly)
	if err != nil {
		t.Fatalf("second reader: %v", err)
	}
	other.Close()

	if _, err := initComponents(cfg, slog.Default(), graphReadWrite); err == nil {
		t.Error("expected a writer to be refused while a reader holds the graph")
	}
}

func TestInitComponentsBadAppID(t *testing.T) {
	cfg := testConfig(t, "json")
	cfg.Git.Auth = "app"
	cfg.Git.AppID = "not-a-number"
	cfg.Git.InstallationID = "1"
	cfg.Git.PrivateKey = "key"

	if _, err := initComponents(cfg, slog.Default(), graphReadWrite); err == nil {
		t.Fatal("expected error for invalid app_id")
	}

	// The failed attempt must not keep the graph database locked.
	c, err := initComponents(testConfigAt(t, cfg.Workspace.Dir), slog.Default(), graphReadWrite)
	if err != nil {
		t.Fatalf("reopening after failure: %v", err)
	}
	c.Close()
}

func testConfigAt(t *testing.T, dir string) *config.Config {
	t.Helper()
	cfg, err := config.Parse([]byte("workspace:\n  dir: " + dir + "\ngraph:\n  sync_writes: false\n"))
	if err != nil {
		t.Fatalf("parsing test config: %v", err)
	}
	return cfg
}

func TestTokenSource(t *testing.T) {
	tests := []struct {
		name    string
		git     config.GitConfig
		want    string
		wantNil bool
		wantErr bool
	}{
		{name: "anonymous", git: config.GitConfig{}, wantNil: true},
		{name: "token auth", git: config.GitConfig{Auth: "token", Token: "ghp_abc"}, want: "ghp_abc"},
		{name: "token without auth type", git: config.GitConfig{Token: "ghp_def"}, want: "ghp_def"},
		{name: "token auth without token", git: config.GitConfig{Auth: "token"}, wantNil: true},
		{
			name:    "app with bad installation id",
			git:     config.GitConfig{Auth: "app", AppID: "1", InstallationID: "x", PrivateKey: "k"},
			wantErr: true,
		},
		{
			name:    "app with unreadable key",
			git:     config.GitConfig{Auth: "app", AppID: "1", InstallationID: "2", PrivateKeyPath: "/nonexistent/key.pem"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := tokenSource(tt.git)
			if tt.wantErr {
				if err == nil {
					t.Error("expected error, got nil")
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if tt.wantNil {
				if src != nil {
					t.Errorf("expected nil source, got %T", src)
				}
				return
			}
			token, err := src.Token(context.Background())
			if err != nil {
				t.Fatalf("Token: %v", err)
			}
			if token != tt.want {
				t.Errorf("token = %q, want %q", token, tt.want)
			}
		})
	}
}

func TestResolveToken(t *testing.T) {
	ctx := context.Background()

	c := &components{Tokens: github.StaticToken("from-config")}
	if got, _ := resolveToken(ctx, c, "from-flag"); got != "from-flag" {
		t.Errorf("flag token not preferred, got %q", got)
	}
	if got, _ := resolveToken(ctx, c, ""); got != "from-config" {
		t.Errorf("config token not used, got %q", got)
	}
	if got, err := resolveToken(ctx, &components{}, ""); err != nil || got != "" {
		t.Errorf("anonymous = (%q, %v), want empty", got, err)
	}
}

func TestLoadConfigFallsBackToDefaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	oldCfg := cfgFile
	cfgFile = ""
	defer func() { cfgFile = oldCfg }()

	cfg, err := loadConfig()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.Workspace.Dir != filepath.Join(home, ".repocache") {
		t.Errorf("unexpected default workspace dir %q", cfg.Workspace.Dir)
	}
}

func TestLoadConfigExplicitMissingFile(t *testing.T) {
	oldCfg := cfgFile
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	defer func() { cfgFile = oldCfg }()

	if _, err := loadConfig(); err == nil {
		t.Fatal("expected error for an explicit config file that does not exist")
	}
}

func TestSetupLoggerVerbose(t *testing.T) {
	oldVerbose := verbose
	defer func() { verbose = oldVerbose }()

	verbose = false
	if setupLogger().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug enabled without --verbose")
	}
	verbose = true
	if !setupLogger().Enabled(context.Background(), slog.LevelDebug) {
		t.Error("debug disabled with --verbose")
	}
}

func TestComponentsCloseWritesMetrics(t *testing.T) {
	path := filepath.Join(t.TempDir(), "repocache.prom")
	old := metricsTextfile
	metricsTextfile = path
	defer func() { metricsTextfile = old }()

	c, err := initComponents(testConfig(t, "json"), slog.Default(), graphReadWrite)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("reading metrics file: %v", err)
	}
	if len(data) == 0 {
		t.Error("metrics file is empty")
	}
}
