package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"edgeguard/internal/logging"
	"edgeguard/internal/mqtt"
	"edgeguard/pkg/config"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		stop()
		os.Exit(1)
	}
}

// app carries what every subcommand shares
type app struct {
	cfg *config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:   "edgeguard",
		Short: "Edge inference health monitoring and recovery",
		Long: `edgeguard runs an inference worker that maintains its own memory,
capture clients that survive worker trouble, a supervisor that restarts
unresponsive workers within a bounded budget, and an aggregator that
collects everything into one view.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if path, _ := cmd.Flags().GetString("config"); path != "" {
				if err := cfg.LoadFile(path); err != nil {
					return err
				}
				cfg.ConfigFile = path
			}
			if level, _ := cmd.Flags().GetString("log-level"); level != "" {
				cfg.LogLevel = level
			}
			logging.Setup(cfg.LogLevel, cfg.LogFormat)
			a.cfg = cfg
			return nil
		},
	}

	root.PersistentFlags().String("config", "", "YAML file with tasks and managed processes (overrides EDGEGUARD_CONFIG)")
	root.PersistentFlags().String("log-level", "", "debug, info, warn or error (overrides LOG_LEVEL)")

	root.AddCommand(
		newWorkerCmd(a),
		newCaptureCmd(a),
		newSuperviseCmd(a),
		newAggregateCmd(a),
		newStatusCmd(a),
		newSeedCmd(a),
	)
	return root
}

// connectMQTT opens a broker connection with a per-role client id
func (a *app) connectMQTT(role string) (*mqtt.Client, error) {
	return mqtt.NewClient(mqtt.ClientConfig{
		Broker:   a.cfg.MQTTBroker,
		ClientID: a.cfg.MQTTClientID + "-" + role,
		Username: a.cfg.MQTTUsername,
		Password: a.cfg.MQTTPassword,
	})
}

// runTree serves the given services until ctx is cancelled
func runTree(ctx context.Context, name string, services ...suture.Service) error {
	tree := suture.New(name, suture.Spec{
		EventHook: func(e suture.Event) {
			slog.Warn("edgeguard: service event", "tree", name, "event", e.String())
		},
	})
	for _, svc := range services {
		tree.Add(svc)
	}
	err := tree.Serve(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
