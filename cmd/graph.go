package cmd

import (
	"fmt"
	"os"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/encodeous/skymesh/state"
)

// graphCmd prints the parsed initial topology of a central config.
var graphCmd = &cobra.Command{
	Use:   "graph",
	Short: "Inspect the configured network graph",
	Run: func(cmd *cobra.Command, args []string) {
		var centralCfg state.CentralCfg
		file, err := os.ReadFile(centralConfigPath)
		if err != nil {
			panic(err)
		}
		err = yaml.Unmarshal(file, &centralCfg)
		if err != nil {
			panic(err)
		}
		err = state.CentralConfigValidator(&centralCfg)
		if err != nil {
			panic(err)
		}

		for _, node := range centralCfg.Nodes {
			if node.Role == state.RoleDrone && node.LossRate > 0 {
				fmt.Printf("%s (%s, loss %.2f)\n", node.Id, node.Role, node.LossRate)
			} else {
				fmt.Printf("%s (%s)\n", node.Id, node.Role)
			}
		}
		edges, err := centralCfg.ParseGraph()
		if err != nil {
			panic(err)
		}
		for _, e := range edges {
			fmt.Printf("%s -- %s\n", e.V1, e.V2)
		}
	},
}

func init() {
	rootCmd.AddCommand(graphCmd)
}
