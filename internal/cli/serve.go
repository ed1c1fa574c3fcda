package cli

import (
	"github.com/harun/clawloop/internal/daemon"
	"github.com/harun/clawloop/pkg/channels"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the agent loop over stdin and stdout",
	Long: `Run the agent loop in the foreground. Each line read from stdin is a
message on the "cli" channel and each reply is printed on its own line.
The loop stops on EOF, SIGINT or SIGTERM. Metrics and the session janitor
run as configured.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := newLogger(cmd, cfg)
	if err != nil {
		return err
	}
	defer log.Close()

	d, err := daemon.New(cfg, log)
	if err != nil {
		return err
	}
	defer d.Close()

	stdio := channels.NewStdioChannel(channels.StdioConfig{
		In:     cmd.InOrStdin(),
		Out:    cmd.OutOrStdout(),
		Logger: log.Component("stdio"),
	})
	if err := d.RegisterChannel(stdio); err != nil {
		return err
	}

	if err := d.Start(); err != nil {
		return err
	}
	return d.Wait(stdio.Done())
}
