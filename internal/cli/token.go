package cli

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Show the API token of the running server",
	Long: `Show the API token written by 'contentloop serve'.

Use this when you've scrolled past the startup message or need to
call the API from a script.

Example:
  curl -H "Authorization: Bearer $(contentloop token --raw)" localhost:8080/api/patterns`,
	RunE: runToken,
}

func init() {
	tokenCmd.Flags().Bool("raw", false, "print only the token")
	rootCmd.AddCommand(tokenCmd)
}

func runToken(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Server.Token != "" {
		return printToken(cmd, cfg.Server.Port, cfg.Server.Token)
	}

	data, err := os.ReadFile(getTokenFilePath(cfg.Database.Path))
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("no server running. Start with: contentloop serve")
		}
		return fmt.Errorf("failed to read token file: %w", err)
	}

	token := strings.TrimSpace(string(data))
	if token == "" {
		return fmt.Errorf("token file is empty. Restart the server with: contentloop serve")
	}
	return printToken(cmd, cfg.Server.Port, token)
}

func printToken(cmd *cobra.Command, port int, token string) error {
	if raw, _ := cmd.Flags().GetBool("raw"); raw {
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Token: %s\n", token)
	fmt.Fprintf(cmd.OutOrStdout(), "Patterns: http://localhost:%d/api/patterns?token=%s\n", port, token)
	return nil
}
