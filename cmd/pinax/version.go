package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Arke-Institute/arke-metadata-service/version"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("pinax %s\n", version.GitRelease)
	},
}
