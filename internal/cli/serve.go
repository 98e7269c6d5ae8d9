package cli

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/headline-goat/contentloop/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP server",
	Long: `Start the contentloop HTTP server.

The server provides:
  - Run triggers for A/B and topic experiments
  - Metrics ingestion endpoint
  - Active prompt and pattern endpoints
  - Health check and Prometheus /metrics

Example:
  contentloop serve --port 8080`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().IntP("port", "p", 8080, "port to listen on")
	v.BindPFlag("server.port", serveCmd.Flags().Lookup("port"))
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	return withApp(func(a *app) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		engine, err := a.engine(ctx)
		if err != nil {
			return err
		}

		srv := server.New(a.store, engine, server.Options{
			Port:      a.cfg.Server.Port,
			Token:     a.cfg.Server.Token,
			TokenFile: getTokenFilePath(a.cfg.Database.Path),
			Profile:   a.cfg.Scoring.Profile,
			Metrics:   a.metrics.Handler(),
			Log:       a.log,
		})

		fmt.Fprintf(cmd.OutOrStdout(), "API: http://localhost:%d/api (token: %s)\n", a.cfg.Server.Port, srv.Token())
		fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")
		return srv.Start(ctx)
	})
}
