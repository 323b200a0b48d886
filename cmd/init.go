package cmd

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Interactive setup for repocache configuration",
	Long:  `Creates a commented configuration file with guided prompts.`,
	Args:  cobra.NoArgs,
	RunE:  runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)
}

// initAnswers are the values gathered by the init prompts.
type initAnswers struct {
	WorkspaceDir   string
	Backend        string
	Auth           string
	AppID          string
	InstallationID string
	KeyPath        string
}

func runInit(cmd *cobra.Command, args []string) error {
	reader := bufio.NewReader(cmd.InOrStdin())
	out := cmd.OutOrStdout()

	fmt.Fprintln(out, "Welcome to repocache setup!")
	fmt.Fprintln(out, "This will create a configuration file for you.")
	fmt.Fprintln(out)

	configPath := cfgFile
	if configPath == "" {
		configPath = defaultConfigPath()
	}

	if _, err := os.Stat(configPath); err == nil {
		fmt.Fprintf(out, "Config file already exists at %s\n", configPath)
		if !confirm(reader, out, "Overwrite?") {
			fmt.Fprintln(out, "Aborted.")
			return nil
		}
	}

	var a initAnswers
	a.WorkspaceDir = ask(reader, out, "Working directory", "~/.repocache")
	a.Backend = ask(reader, out, "Metadata backend (json/sqlite)", "json")
	a.Auth = ask(reader, out, "Git auth (none/token/app)", "none")
	if a.Auth == "app" {
		a.AppID = ask(reader, out, "GitHub App ID", "")
		a.InstallationID = ask(reader, out, "GitHub App installation ID", "")
		a.KeyPath = ask(reader, out, "GitHub App private key path", "")
	}

	if err := os.MkdirAll(filepath.Dir(configPath), 0o755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(configPath, []byte(buildConfigYAML(a)), 0o600); err != nil {
		return fmt.Errorf("writing config file: %w", err)
	}

	fmt.Fprintf(out, "\nConfig written to %s\n", configPath)
	return nil
}

// ask prompts for a value, returning def on an empty answer or EOF.
func ask(r *bufio.Reader, w io.Writer, prompt, def string) string {
	if def != "" {
		fmt.Fprintf(w, "%s [%s]: ", prompt, def)
	} else {
		fmt.Fprintf(w, "%s: ", prompt)
	}
	answer, _ := r.ReadString('\n')
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return def
	}
	return answer
}

func buildConfigYAML(a initAnswers) string {
	var b strings.Builder

	b.WriteString("# repocache configuration\n")
	b.WriteString("# ${VAR} references are expanded from the environment.\n\n")

	b.WriteString("workspace:\n")
	b.WriteString(fmt.Sprintf("  dir: %s\n", a.WorkspaceDir))
	b.WriteString("\n")

	b.WriteString("metadata:\n")
	b.WriteString(fmt.Sprintf("  backend: %s\n", a.Backend))
	b.WriteString("  # path: defaults to <dir>/repository_metadata.json (or .db for sqlite)\n")
	b.WriteString("\n")

	b.WriteString("graph:\n")
	b.WriteString("  # path: defaults to <dir>/graph\n")
	b.WriteString("  max_ast_depth: 5\n")
	b.WriteString("  chunk_size: 10000\n")
	b.WriteString("  chunk_overlap: 1000\n")
	b.WriteString("\n")

	b.WriteString("git:\n")
	switch a.Auth {
	case "token":
		b.WriteString("  auth: token\n")
		b.WriteString("  token: ${GITHUB_TOKEN}\n")
	case "app":
		b.WriteString("  auth: app\n")
		if a.AppID != "" {
			b.WriteString(fmt.Sprintf("  app_id: %q\n", a.AppID))
		} else {
			b.WriteString("  app_id: \"YOUR_APP_ID\"\n")
		}
		if a.InstallationID != "" {
			b.WriteString(fmt.Sprintf("  installation_id: %q\n", a.InstallationID))
		} else {
			b.WriteString("  installation_id: \"YOUR_INSTALLATION_ID\"\n")
		}
		if a.KeyPath != "" {
			b.WriteString(fmt.Sprintf("  private_key_path: %s\n", a.KeyPath))
		} else {
			b.WriteString("  private_key_path: /path/to/private-key.pem\n")
		}
	default:
		b.WriteString("  # auth: token\n")
		b.WriteString("  # token: ${GITHUB_TOKEN}\n")
	}
	b.WriteString("  # depth: 1\n")
	b.WriteString("  max_attempts: 3\n")
	b.WriteString("  clone_timeout: 10m\n")
	b.WriteString("\n")

	b.WriteString("cache:\n")
	b.WriteString("  # Serialize same-version requests within one process.\n")
	b.WriteString("  key_lock: false\n")
	b.WriteString("\n")

	b.WriteString("notify:\n")
	b.WriteString("  # Report deletions and prunes to a webhook (slack, discord, or both).\n")
	b.WriteString("  # type: slack\n")
	b.WriteString("  # slack_webhook: ${SLACK_WEBHOOK_URL}\n")
	b.WriteString("  # discord_webhook: ${DISCORD_WEBHOOK_URL}\n")

	return b.String()
}
