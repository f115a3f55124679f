package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"

	"github.com/spf13/cobra"

	"dstream/internal/stats"
	"dstream/internal/stats/zmqsink"
)

var (
	tailTopic string
	tailJSON  bool
)

var statsTailCmd = &cobra.Command{
	Use:   "stats-tail <endpoint>",
	Short: "Print timing reports published by a client or server",
	Example: `  dstream serve --stats-endpoint tcp://*:5556
  dstream stats-tail tcp://gpu-box:5556`,
	Args: cobra.ExactArgs(1),
	RunE: runStatsTail,
}

func init() {
	statsTailCmd.Flags().StringVar(&tailTopic, "topic", zmqsink.DefaultTopic, "Topic to subscribe to")
	statsTailCmd.Flags().BoolVar(&tailJSON, "json", false, "Print one JSON object per report")
	rootCmd.AddCommand(statsTailCmd)
}

func runStatsTail(cmd *cobra.Command, args []string) error {
	enc := json.NewEncoder(os.Stdout)
	log.Printf("subscribing to %s", args[0])
	return zmqsink.Subscribe(cmd.Context(), args[0], tailTopic, func(r stats.Report) {
		if tailJSON {
			if err := enc.Encode(r); err != nil {
				log.Printf("encode report: %v", err)
			}
			return
		}
		fmt.Printf("[%s] %s", r.At.Format("15:04:05"), stats.Format(r))
	})
}
