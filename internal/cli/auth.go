package cli

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/harun/clawloop/internal/config"
	"github.com/harun/clawloop/internal/observability"
	"github.com/harun/clawloop/pkg/credential"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var authCmd = &cobra.Command{
	Use:   "auth",
	Short: "Manage provider credentials",
}

var authSetKeyCmd = &cobra.Command{
	Use:   "set-key <provider> <api-key>",
	Short: "Store an API key for a provider",
	Args:  cobra.ExactArgs(2),
	RunE:  runAuthSetKey,
}

var authListCmd = &cobra.Command{
	Use:   "list",
	Short: "List stored credentials",
	Args:  cobra.NoArgs,
	RunE:  runAuthList,
}

var authRemoveCmd = &cobra.Command{
	Use:   "remove <provider>",
	Short: "Remove the stored credential for a provider",
	Args:  cobra.ExactArgs(1),
	RunE:  runAuthRemove,
}

func init() {
	authCmd.AddCommand(authSetKeyCmd)
	authCmd.AddCommand(authListCmd)
	authCmd.AddCommand(authRemoveCmd)
	rootCmd.AddCommand(authCmd)
}

// openCredentials opens the credential store and the audit log named by the
// configuration.
func openCredentials() (*credential.Store, func(), error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, err
	}
	store, err := credential.NewStore(credential.StoreConfig{
		Dir:           cfg.Credentials.Dir,
		RefreshBuffer: cfg.Credentials.RefreshBuffer,
		Logger:        zerolog.Nop(),
	})
	if err != nil {
		return nil, nil, err
	}
	closeAudit := func() {}
	if err := observability.InitAuditLogger(filepath.Join(cfg.DataDir, "audit.log")); err == nil {
		closeAudit = func() { _ = observability.GetAuditLogger().Close() }
	}
	return store, closeAudit, nil
}

func runAuthSetKey(cmd *cobra.Command, args []string) error {
	provider := strings.ToLower(strings.TrimSpace(args[0]))
	key := strings.TrimSpace(args[1])
	if err := config.NewValidator().ValidateAPIKey(key, provider); err != nil {
		return err
	}

	store, closeAudit, err := openCredentials()
	if err != nil {
		return err
	}
	defer closeAudit()

	err = store.StoreAPIKey(provider, key)
	observability.RecordCredentialAudit(context.Background(), "set-key", provider, err == nil)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stored API key for %s in %s\n", provider, store.Path())
	return nil
}

func runAuthList(cmd *cobra.Command, args []string) error {
	store, closeAudit, err := openCredentials()
	if err != nil {
		return err
	}
	defer closeAudit()

	out := cmd.OutOrStdout()
	providers := store.ListProviders()
	if len(providers) == 0 {
		fmt.Fprintln(out, "No credentials stored.")
		return nil
	}

	for _, name := range providers {
		c, _ := store.Get(name)
		switch c.AuthType {
		case credential.AuthOAuth:
			expires := time.Unix(int64(c.ExpiresAt), 0).UTC().Format(time.RFC3339)
			line := fmt.Sprintf("%-16s oauth    expires %s", name, expires)
			if c.AccountID != "" {
				line += " account " + c.AccountID
			}
			fmt.Fprintln(out, line)
		default:
			fmt.Fprintf(out, "%-16s api_key  %s\n", name, maskKey(c.APIKey))
		}
	}
	return nil
}

func runAuthRemove(cmd *cobra.Command, args []string) error {
	provider := strings.ToLower(strings.TrimSpace(args[0]))
	store, closeAudit, err := openCredentials()
	if err != nil {
		return err
	}
	defer closeAudit()

	removed, err := store.Remove(provider)
	observability.RecordCredentialAudit(context.Background(), "remove", provider, err == nil)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("no credential stored for %s", provider)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Removed credential for %s\n", provider)
	return nil
}

// maskKey keeps the first and last four characters of long keys.
func maskKey(key string) string {
	if len(key) <= 12 {
		return strings.Repeat("*", len(key))
	}
	return key[:4] + "..." + key[len(key)-4:]
}
