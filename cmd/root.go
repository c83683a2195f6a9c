package cmd

import (
	"os"

	"github.com/spf13/cobra"
)

var centralConfigPath = "central.yaml"

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "skymesh",
	Short: "Skymesh reliable delivery CLI",
	Long: `Skymesh delivers messages reliably across an unreliable, topology-changing
drone network: fragments are source-routed over paths discovered by flooding,
negative acknowledgments repair broken routes, and receivers reassemble the
original message.`,
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&centralConfigPath, "config", "c", centralConfigPath, "network-global config")
}
