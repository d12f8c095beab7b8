// Package cli provides the command-line interface for printfleetd.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time.
var Version = "0.1.0"

var configPath string

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "printfleetd",
	Short: "Fleet daemon for heterogeneous 3D printers",
	Long: `printfleetd operates a fleet of 3D printers speaking different vendor
protocols (OctoPrint REST, Bambu MQTT, SDCP websocket) as one logical pool:
it accepts print jobs, dispatches them to idle printers, and arbitrates
emergency stops and safety interlocks.`,
	Version: Version,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to the YAML inventory file")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(Version)
		},
	})
}
