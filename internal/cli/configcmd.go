package cli

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/harun/clawloop/internal/config"
	"github.com/harun/clawloop/internal/observability"
	"github.com/spf13/cobra"
)

var configForce bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Args:  cobra.NoArgs,
	RunE:  runConfigInit,
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE:  runConfigShow,
}

func init() {
	configInitCmd.Flags().BoolVar(&configForce, "force", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}

func runConfigInit(cmd *cobra.Command, args []string) error {
	loader := config.NewLoader(cfgFile)
	path := loader.GetConfigPath()

	if _, err := os.Stat(path); err == nil && !configForce {
		return fmt.Errorf("%s already exists (use --force to overwrite)", path)
	} else if err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}

	if err := loader.Save(config.DefaultConfig()); err != nil {
		return fmt.Errorf("failed to save configuration: %w", err)
	}
	if cfg, err := loader.Load(); err == nil {
		if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err == nil {
			observability.RecordConfigAudit(context.Background(), "init", "cli", map[string]any{"path": path})
			_ = observability.GetAuditLogger().Close()
		}
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Configuration saved to: %s\n", path)
	fmt.Fprintln(cmd.OutOrStdout(), "Store a provider key with: clawloop auth set-key <provider> <key>")
	return nil
}

func runConfigShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	for name, p := range cfg.Providers {
		if p.APIKey != "" {
			p.APIKey = maskKey(p.APIKey)
			cfg.Providers[name] = p
		}
	}
	for i := range cfg.ModelList {
		if cfg.ModelList[i].APIKey != "" {
			cfg.ModelList[i].APIKey = maskKey(cfg.ModelList[i].APIKey)
		}
	}
	if cfg.Session.Redis.Password != "" {
		cfg.Session.Redis.Password = "********"
	}

	fmt.Fprintln(cmd.OutOrStdout(), cfg.String())
	return nil
}
