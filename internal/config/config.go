package config

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the top-level configuration.
type Config struct {
	Workspace WorkspaceConfig `yaml:"workspace"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	Graph     GraphConfig     `yaml:"graph"`
	Git       GitConfig       `yaml:"git"`
	Cache     CacheConfig     `yaml:"cache"`
	Notify    NotifyConfig    `yaml:"notify"`
}

// WorkspaceConfig holds the working directory under which clones are created.
type WorkspaceConfig struct {
	Dir string `yaml:"dir"`
}

// MetadataConfig selects the metadata store backend.
type MetadataConfig struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
}

// GraphConfig holds knowledge graph storage and build parameters. The
// numeric parameters are pointers so an explicit zero survives defaulting.
type GraphConfig struct {
	Path         string `yaml:"path"`
	MaxASTDepth  *int   `yaml:"max_ast_depth"`
	ChunkSize    *int   `yaml:"chunk_size"`
	ChunkOverlap *int   `yaml:"chunk_overlap"`
	SyncWrites   *bool  `yaml:"sync_writes"`
}

// Graph build defaults.
const (
	DefaultMaxASTDepth = 5
	DefaultChunkSize   = 10000
)

// GitConfig holds clone authentication and transport settings.
type GitConfig struct {
	Auth            string `yaml:"auth"`
	Token           string `yaml:"token"`
	AppID           string `yaml:"app_id"`
	InstallationID  string `yaml:"installation_id"`
	PrivateKeyPath  string `yaml:"private_key_path"`
	PrivateKey      string `yaml:"private_key"`
	Depth           int    `yaml:"depth"`
	MaxAttempts     int    `yaml:"max_attempts"`
	CloneTimeoutRaw string `yaml:"clone_timeout"`
}

// CacheConfig holds coordinator behavior switches.
type CacheConfig struct {
	// KeyLock serializes same-key calls within this process. Off unless set.
	KeyLock bool `yaml:"key_lock"`
}

// NotifyConfig holds webhook settings for deletion and prune reports.
type NotifyConfig struct {
	Type           string `yaml:"type"` // slack, discord, both, or empty for none
	SlackWebhook   string `yaml:"slack_webhook"`
	DiscordWebhook string `yaml:"discord_webhook"`
}

// Enabled reports whether any webhook is configured.
func (n NotifyConfig) Enabled() bool {
	return n.Type != ""
}

// CloneTimeout returns the parsed clone timeout duration.
func (g GitConfig) CloneTimeout() (time.Duration, error) {
	if g.CloneTimeoutRaw == "" {
		return 10 * time.Minute, nil
	}
	return time.ParseDuration(g.CloneTimeoutRaw)
}

// RepositoriesDir returns the directory that holds cloned workspaces.
func (w WorkspaceConfig) RepositoriesDir() string {
	return filepath.Join(w.Dir, "repositories")
}

// KeyLockEnabled reports whether same-key calls are serialized in-process.
func (c CacheConfig) KeyLockEnabled() bool {
	return c.KeyLock
}

// ASTDepth returns the deepest syntax tree level recorded in the graph.
func (g GraphConfig) ASTDepth() int {
	if g.MaxASTDepth == nil {
		return DefaultMaxASTDepth
	}
	return *g.MaxASTDepth
}

// Chunking returns the text chunk size and overlap, in runes. An unset
// overlap is a tenth of the chunk size.
func (g GraphConfig) Chunking() (size, overlap int) {
	size = DefaultChunkSize
	if g.ChunkSize != nil {
		size = *g.ChunkSize
	}
	overlap = size / 10
	if g.ChunkOverlap != nil {
		overlap = *g.ChunkOverlap
	}
	return size, overlap
}

// SyncWritesEnabled reports whether graph writes are synced to disk.
func (g GraphConfig) SyncWritesEnabled() bool {
	return g.SyncWrites == nil || *g.SyncWrites
}

// envVarPattern matches ${VAR} patterns.
var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR} placeholders with environment variable values.
// Comment lines are left alone. Returns an error if any referenced variable
// is not set.
func expandEnvVars(data []byte) ([]byte, error) {
	var missing []string

	lines := bytes.SplitAfter(data, []byte("\n"))
	for i, line := range lines {
		if bytes.HasPrefix(bytes.TrimSpace(line), []byte("#")) {
			continue
		}
		lines[i] = envVarPattern.ReplaceAllFunc(line, func(match []byte) []byte {
			varName := envVarPattern.FindSubmatch(match)[1]
			val, ok := os.LookupEnv(string(varName))
			if !ok {
				missing = append(missing, string(varName))
				return match
			}
			return []byte(val)
		})
	}

	if len(missing) > 0 {
		return nil, fmt.Errorf("missing required environment variables: %s", strings.Join(missing, ", "))
	}
	return bytes.Join(lines, nil), nil
}

// Load reads and parses a config file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Default returns the configuration used when no config file exists.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Parse parses config from raw YAML bytes, expanding env vars and validating.
func Parse(data []byte) (*Config, error) {
	expanded, err := expandEnvVars(data)
	if err != nil {
		return nil, err
	}

	var cfg Config
	if err := yaml.Unmarshal(expanded, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	applyDefaults(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Workspace.Dir == "" {
		cfg.Workspace.Dir = "~/.repocache"
	}
	cfg.Workspace.Dir = absPath(ExpandHome(cfg.Workspace.Dir))

	if cfg.Metadata.Backend == "" {
		cfg.Metadata.Backend = "json"
	}
	if cfg.Metadata.Path == "" {
		name := "repository_metadata.json"
		if cfg.Metadata.Backend == "sqlite" {
			name = "repository_metadata.db"
		}
		cfg.Metadata.Path = filepath.Join(cfg.Workspace.Dir, name)
	}
	cfg.Metadata.Path = absPath(ExpandHome(cfg.Metadata.Path))

	if cfg.Graph.Path == "" {
		cfg.Graph.Path = filepath.Join(cfg.Workspace.Dir, "graph")
	}
	cfg.Graph.Path = absPath(ExpandHome(cfg.Graph.Path))

	if cfg.Git.MaxAttempts == 0 {
		cfg.Git.MaxAttempts = 3
	}
	if cfg.Git.CloneTimeoutRaw == "" {
		cfg.Git.CloneTimeoutRaw = "10m"
	}
	cfg.Git.PrivateKeyPath = ExpandHome(cfg.Git.PrivateKeyPath)
}

func validate(cfg *Config) error {
	validBackends := map[string]bool{"json": true, "sqlite": true}
	if !validBackends[cfg.Metadata.Backend] {
		return fmt.Errorf("unsupported metadata backend: %s", cfg.Metadata.Backend)
	}

	for name, p := range map[string]string{
		"workspace dir": cfg.Workspace.Dir,
		"metadata path": cfg.Metadata.Path,
		"graph path":    cfg.Graph.Path,
	} {
		if !filepath.IsAbs(p) {
			return fmt.Errorf("%s %q could not be made absolute", name, p)
		}
	}

	if depth := cfg.Graph.ASTDepth(); depth < 0 {
		return fmt.Errorf("max_ast_depth must not be negative, got %d", depth)
	}
	size, overlap := cfg.Graph.Chunking()
	if size <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", size)
	}
	if overlap < 0 || overlap >= size {
		return fmt.Errorf("chunk_overlap must be at least 0 and below chunk_size (%d), got %d", size, overlap)
	}

	if cfg.Git.Depth < 0 {
		return fmt.Errorf("git depth must not be negative, got %d", cfg.Git.Depth)
	}
	if cfg.Git.MaxAttempts < 0 {
		return fmt.Errorf("git max_attempts must not be negative, got %d", cfg.Git.MaxAttempts)
	}
	if _, err := time.ParseDuration(cfg.Git.CloneTimeoutRaw); err != nil {
		return fmt.Errorf("invalid clone_timeout %q: %w", cfg.Git.CloneTimeoutRaw, err)
	}

	switch cfg.Git.Auth {
	case "", "token":
	case "app":
		if cfg.Git.AppID == "" || cfg.Git.InstallationID == "" {
			return fmt.Errorf("git auth app requires app_id and installation_id")
		}
		if cfg.Git.PrivateKey == "" && cfg.Git.PrivateKeyPath == "" {
			return fmt.Errorf("git auth app requires private_key or private_key_path")
		}
	default:
		return fmt.Errorf("unsupported git auth type: %s", cfg.Git.Auth)
	}

	n := cfg.Notify
	switch n.Type {
	case "":
	case "slack", "discord", "both":
		if (n.Type == "slack" || n.Type == "both") && n.SlackWebhook == "" {
			return fmt.Errorf("notify type %s requires slack_webhook", n.Type)
		}
		if (n.Type == "discord" || n.Type == "both") && n.DiscordWebhook == "" {
			return fmt.Errorf("notify type %s requires discord_webhook", n.Type)
		}
	default:
		return fmt.Errorf("unsupported notify type: %s", n.Type)
	}

	return nil
}

// absPath resolves a relative path against the working directory. The
// workspace filesystem is addressed from "/", so relative paths must not
// reach it.
func absPath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	return abs
}

// ExpandHome replaces a leading ~ with the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
