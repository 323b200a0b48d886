package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/jacklau/repocache/internal/config"
	"github.com/jacklau/repocache/internal/github"
	"github.com/jacklau/repocache/internal/graph"
	"github.com/jacklau/repocache/internal/notify"
	"github.com/jacklau/repocache/internal/pubsub"
	"github.com/jacklau/repocache/internal/repocache"
	"github.com/jacklau/repocache/internal/store"
	"github.com/jacklau/repocache/internal/vcs"
	"github.com/jacklau/repocache/internal/workspace"
)

var (
	cfgFile         string
	verbose         bool
	metricsTextfile string
)

var rootCmd = &cobra.Command{
	Use:   "repocache",
	Short: "Manage cached repository clones and their knowledge graphs",
	Long: `Repocache keeps one working copy and one code knowledge graph per
repository version (URL plus commit, or latest). Versions are reused while
their workspace exists and rebuilt when it has gone missing. Deleting a version
releases its workspace, its graph subtree and its metadata record.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", fmt.Sprintf("config file (default %s)", defaultConfigPath()))
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().StringVar(&metricsTextfile, "metrics-textfile", "", "write Prometheus metrics to this file when the command finishes")
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".repocache/config.yaml"
	}
	return home + "/.repocache/config.yaml"
}

func setupLogger() *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(handler)
}

// loadConfig reads the config file. Without --config, a missing default
// file yields the built-in defaults.
func loadConfig() (*config.Config, error) {
	path := cfgFile
	if path == "" {
		path = defaultConfigPath()
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// components holds initialized components for use by subcommands.
type components struct {
	Config      *config.Config
	Store       store.Store
	Workspace   *workspace.FS
	Graph       *graph.Store
	Builder     *graph.Builder
	Cloner      *vcs.Client
	Tokens      github.TokenSource
	Broker      *pubsub.Broker[repocache.Event]
	Registry    *prometheus.Registry
	Metrics     *repocache.Metrics
	Coordinator *repocache.Coordinator
	Notifier    notify.Notifier
	Logger      *slog.Logger
}

// graphAccess is how a command opens the knowledge graph. Badger allows one
// writing process per directory, so commands that never write take a
// shared lock or none at all.
type graphAccess int

const (
	graphNone graphAccess = iota
	graphReadOnly
	graphReadWrite
)

func (a graphAccess) String() string {
	switch a {
	case graphNone:
		return "none"
	case graphReadOnly:
		return "read-only"
	default:
		return "read-write"
	}
}

// initComponents creates all components from config. With graphNone the
// graph and builder stay nil and the coordinator can only read metadata.
func initComponents(cfg *config.Config, logger *slog.Logger, access graphAccess) (*components, error) {
	c := &components{
		Config: cfg,
		Logger: logger,
	}

	st, err := store.Open(cfg.Metadata.Backend, cfg.Metadata.Path)
	if err != nil {
		return nil, fmt.Errorf("opening metadata store: %w", err)
	}
	c.Store = st

	// A graph that was never created has nothing to read; creating it
	// empty is the only write a read-only command makes.
	if access == graphReadOnly && !graph.Initialized(cfg.Graph.Path) {
		access = graphReadWrite
	}
	if access != graphNone {
		gs, err := graph.Open(graph.Config{
			Path:       cfg.Graph.Path,
			SyncWrites: cfg.Graph.SyncWritesEnabled(),
			ReadOnly:   access == graphReadOnly,
			Logger:     logger,
		})
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("opening knowledge graph %s: %w", access, err)
		}
		c.Graph = gs
	}

	tokens, err := tokenSource(cfg.Git)
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Tokens = tokens

	timeout, err := cfg.Git.CloneTimeout()
	if err != nil {
		c.Close()
		return nil, fmt.Errorf("parsing clone_timeout: %w", err)
	}

	if cfg.Notify.Enabled() {
		n, err := notify.NewNotifier(cfg.Notify.Type, cfg.Notify.SlackWebhook, cfg.Notify.DiscordWebhook)
		if err != nil {
			c.Close()
			return nil, fmt.Errorf("creating notifier: %w", err)
		}
		c.Notifier = n
	}

	c.Workspace, err = workspace.New(cfg.Workspace.RepositoriesDir())
	if err != nil {
		c.Close()
		return nil, err
	}
	c.Cloner = vcs.NewClient(c.Workspace,
		vcs.WithDepth(cfg.Git.Depth),
		vcs.WithMaxAttempts(cfg.Git.MaxAttempts),
		vcs.WithTimeout(timeout),
		vcs.WithLogger(logger),
	)
	if c.Graph != nil {
		c.Builder = graph.NewBuilder(c.Graph, c.Workspace.Filesystem(),
			graph.WithMaxASTDepth(cfg.Graph.ASTDepth()),
			graph.WithChunking(cfg.Graph.Chunking()),
			graph.WithBuilderLogger(logger),
		)
	}

	c.Broker = pubsub.NewBroker[repocache.Event]()
	c.Registry = prometheus.NewRegistry()
	c.Metrics = repocache.NewMetrics(c.Registry)

	deps := repocache.Deps{
		Store:     c.Store,
		Workspace: c.Workspace,
		Cloner:    c.Cloner,
		Broker:    c.Broker,
		Metrics:   c.Metrics,
		Logger:    logger,
	}
	if c.Graph != nil {
		deps.Builder = c.Builder
		deps.Graph = c.Graph
	}
	if cfg.Cache.KeyLockEnabled() {
		deps.Locker = repocache.NewKeyedMutex()
	}
	c.Coordinator = repocache.New(deps)

	return c, nil
}

// Close writes the metrics text file when requested and closes the stores.
func (c *components) Close() error {
	var errs []error
	if metricsTextfile != "" && c.Registry != nil {
		if err := prometheus.WriteToTextfile(metricsTextfile, c.Registry); err != nil {
			errs = append(errs, fmt.Errorf("writing metrics: %w", err))
		}
	}
	if c.Graph != nil {
		if err := c.Graph.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if c.Store != nil {
		if err := c.Store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("closing metadata store: %w", err))
		}
	}
	return errors.Join(errs...)
}

// report sends a maintenance report when a webhook is configured. Delivery
// failures are logged, never returned.
func (c *components) report(ctx context.Context, msg notify.Message) {
	if c.Notifier == nil {
		return
	}
	if err := c.Notifier.Notify(ctx, msg); err != nil {
		c.Logger.Warn("failed to send report", "title", msg.Title, "error", err)
	}
}

// openComponents loads the config and initializes components in one step.
func openComponents(access graphAccess) (*components, error) {
	logger := setupLogger()

	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	c, err := initComponents(cfg, logger, access)
	if err != nil {
		return nil, fmt.Errorf("initializing components: %w", err)
	}
	return c, nil
}

// tokenSource builds the clone credential source from the git config. It
// returns nil when clones are anonymous.
func tokenSource(g config.GitConfig) (github.TokenSource, error) {
	switch g.Auth {
	case "app":
		appID, err := strconv.ParseInt(g.AppID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing app_id: %w", err)
		}
		installID, err := strconv.ParseInt(g.InstallationID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("parsing installation_id: %w", err)
		}
		src, err := github.NewAppTokenSource(appID, installID, []byte(g.PrivateKey), g.PrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("creating GitHub App token source: %w", err)
		}
		return src, nil
	default:
		if g.Token == "" {
			return nil, nil
		}
		return github.StaticToken(g.Token), nil
	}
}

// resolveToken picks the clone token: an explicit flag wins over the
// configured source.
func resolveToken(ctx context.Context, c *components, flagToken string) (string, error) {
	if flagToken != "" {
		return flagToken, nil
	}
	if c.Tokens == nil {
		return "", nil
	}
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return "", fmt.Errorf("obtaining clone token: %w", err)
	}
	return token, nil
}
