package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"dstream/internal/config"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "dstream",
	Short: "Stream camera frames through a remote image transform",
	Long: `dstream moves live frames from a capture device to a slow remote transform
stage and back to a display over one websocket, keeping latency bounded when
the transform cannot keep up.

Run "dstream serve" on the machine with the model and "dstream client" next
to the camera.`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "YAML config file; flags override its values")
}

// loadConfig reads the config file into dst and then re-applies every flag
// the user set, so the precedence is defaults < file < flags. The flags of
// cmd must be bound to fields of dst.
func loadConfig(cmd *cobra.Command, dst any) error {
	changed := map[string]string{}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed[f.Name] = f.Value.String()
	})
	if err := config.Load(configPath, dst); err != nil {
		return err
	}
	for name, value := range changed {
		if name == "config" {
			continue
		}
		if err := cmd.Flags().Set(name, value); err != nil {
			return err
		}
	}
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Printf("error: %v", err)
		stop()
		os.Exit(1)
	}
}
