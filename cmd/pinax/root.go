package main

import (
	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-metadata-service/internal/api"
	"github.com/Arke-Institute/arke-metadata-service/internal/server/endpoints"
	"github.com/Arke-Institute/arke-metadata-service/version"
)

var (
	cfgFile      string
	serverURL    string
	outputFormat string
)

var rootCmd = &cobra.Command{
	Use:   "pinax",
	Short: "Batch PINAX metadata extraction for content-addressed archives",
	Long: `The PINAX metadata service generates Dublin-Core-derived metadata
records for entities in a content-addressed archive.

Given a chunk of entity identifiers, it assembles each entity's context
from the archive (text files, OCR sidecars, child records), asks an LLM
to synthesize one PINAX record per entity, publishes the records back as
new entity versions, and reports chunk outcomes to the batch orchestrator.`,
	Version: version.GitRelease,
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile, "config", "", "config file (default: ./config.yaml or ~/.pinax/config.yaml)",
	)
	rootCmd.PersistentFlags().StringVar(
		&serverURL, "server", "http://127.0.0.1:8080", "URL of the running server for API commands",
	)
	rootCmd.PersistentFlags().StringVarP(
		&outputFormat, "output", "o", "yaml", "output format: yaml or json",
	)

	rootCmd.PersistentPreRun = func(cmd *cobra.Command, args []string) {
		api.SetOutputFormat(outputFormat)
	}

	// API commands derive from the endpoint definitions; handlers are never
	// invoked locally so the endpoints carry no dependencies here.
	apiRegistry := api.NewRegistry()
	for _, ep := range endpoints.All(endpoints.Config{}) {
		apiRegistry.Register(ep)
	}
	rootCmd.AddCommand(apiRegistry.BuildCommands(func() string { return serverURL }))

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(versionCmd)
}
