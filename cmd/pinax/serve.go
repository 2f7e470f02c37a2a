package main

import (
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-metadata-service/internal/config"
	"github.com/Arke-Institute/arke-metadata-service/internal/server"
)

var (
	serveHost string
	servePort string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the PINAX dispatcher",
	Long: `Start the PINAX HTTP dispatcher.

The dispatcher accepts chunk-processing requests, runs the batch engine,
and exposes synchronous extraction and validation helpers:
  - POST /process            submit a chunk of PIs
  - GET  /status/{chunk_id}  poll chunk progress
  - POST /extract-metadata   one-shot extraction
  - POST /validate-metadata  pure schema validation
  - GET  /health             health check

Interrupted chunks found in the state database are resumed on startup.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()

		logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))

		cfgMgr, err := config.NewManager(cfgFile)
		if err != nil {
			return err
		}
		cfgMgr.WatchConfig()

		cfg := cfgMgr.Get()
		if serveHost != "" {
			cfg.Host = serveHost
		}
		if servePort != "" {
			cfg.Port = servePort
		}

		srv, err := server.New(cfg, logger)
		if err != nil {
			return err
		}

		// Start server (blocks until shutdown)
		return srv.Start(ctx)
	},
}

func init() {
	serveCmd.Flags().StringVar(&serveHost, "host", "", "Host to bind to (overrides config)")
	serveCmd.Flags().StringVar(&servePort, "port", "", "Port to listen on (overrides config)")
}
