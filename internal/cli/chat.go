package cli

import (
	"fmt"
	"strings"

	"github.com/harun/clawloop/internal/daemon"
	"github.com/harun/clawloop/pkg/agent"
	"github.com/spf13/cobra"
)

var (
	chatMessage string
	chatSession string
)

var chatCmd = &cobra.Command{
	Use:   "chat [message]",
	Short: "Send one message to the default agent and print the reply",
	Long: `Send one message to the default agent and print the reply.
History is kept under the session key, so repeated calls continue the
same conversation.`,
	RunE: runChat,
}

func init() {
	chatCmd.Flags().StringVarP(&chatMessage, "message", "m", "", "message to send (defaults to the arguments)")
	chatCmd.Flags().StringVarP(&chatSession, "session", "s", agent.DirectSessionKey, "session key")
	rootCmd.AddCommand(chatCmd)
}

func runChat(cmd *cobra.Command, args []string) error {
	message := chatMessage
	if message == "" {
		message = strings.Join(args, " ")
	}
	if strings.TrimSpace(message) == "" {
		return fmt.Errorf("a message is required (use -m or pass it as arguments)")
	}

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

	reply, err := d.ProcessDirect(cmd.Context(), message, chatSession)
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), reply)
	return nil
}
