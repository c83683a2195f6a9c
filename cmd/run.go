package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/goccy/go-yaml"
	"github.com/spf13/cobra"

	"github.com/encodeous/skymesh/sim"
	"github.com/encodeous/skymesh/state"
)

// runCmd represents the run command
var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a simulated skymesh network",
	Long: `Spawns every node of the configured network in-process, wired over simulated
lossy links, and optionally delivers one message between two endpoints.`,
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

		net := sim.NewNetwork(centralCfg)
		if ok, _ := cmd.Flags().GetBool("verbose"); ok {
			net.LogLevel = slog.LevelDebug
		}
		errs, err := net.Start()
		if err != nil {
			panic(err)
		}
		defer net.Stop()

		from, _ := cmd.Flags().GetString("from")
		to, _ := cmd.Flags().GetString("to")
		message, _ := cmd.Flags().GetString("message")

		if from != "" && to != "" {
			go watchEvents(net, state.NodeId(to))
			err = net.Command(state.NodeId(from), state.SendMessage{
				Destination: state.NodeId(to),
				Data:        []byte(message),
			})
			if err != nil {
				panic(err)
			}
		}

		c := make(chan os.Signal, 1)
		signal.Notify(c, syscall.SIGINT, syscall.SIGTERM)
		select {
		case <-c:
		case err := <-errs:
			if err != nil {
				slog.Error("node failed", "error", err)
			}
		}
	},
}

func watchEvents(net *sim.Network, node state.NodeId) {
	for ev := range net.Events(node) {
		switch e := ev.(type) {
		case state.MessageAssembled:
			fmt.Printf("%s received %d bytes from %s (session %d): %q\n",
				node, len(e.Data), e.From, e.Session, string(e.Data))
		case state.DeliveryFailed:
			fmt.Printf("%s delivery failed (session %d): %s\n", node, e.Session, e.Reason)
		}
	}
}

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().BoolP("verbose", "v", false, "enable debug logging")
	runCmd.Flags().String("from", "", "endpoint to send a demo message from")
	runCmd.Flags().String("to", "", "endpoint to deliver the demo message to")
	runCmd.Flags().String("message", "hello from skymesh", "demo message body")
}
