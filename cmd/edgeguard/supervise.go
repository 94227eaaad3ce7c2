package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"edgeguard/internal/mqtt"
	"edgeguard/internal/notifier"
	"edgeguard/internal/supervisor"
	"edgeguard/internal/worker"
)

func newSuperviseCmd(a *app) *cobra.Command {
	var withCapture bool

	cmd := &cobra.Command{
		Use:   "supervise",
		Short: "Launch and watch managed processes, restarting them within a budget",
		Long: `supervise launches every process listed in the config file, or a single
"edgeguard worker" child when none are listed. Processes with a health URL are
probed through the worker status endpoint; the rest are watched for exit only.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			if err := cfg.Validate(); err != nil {
				return err
			}

			specs := cfg.Processes
			if len(specs) == 0 {
				var err error
				if specs, err = defaultProcesses(cfg.WorkerURL, withCapture); err != nil {
					return err
				}
			}

			opts := supervisor.Options{
				ProberFor: func(spec supervisor.ProcessSpec) supervisor.Prober {
					if spec.HealthURL == "" {
						return nil
					}
					return supervisor.StatusProber{Client: worker.NewClient(spec.HealthURL, cfg.ProbeTimeout)}
				},
				PublishInterval: cfg.ProbeInterval,
				Addr:            cfg.SupervisorAddr,
			}

			if cfg.SlackWebhookURL != "" {
				slack, err := notifier.NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.SlackCooldown)
				if err != nil {
					return err
				}
				opts.Notifier = slack
			}

			services := []suture.Service{}
			if cfg.MQTTBroker != "" {
				conn, err := a.connectMQTT("supervisor")
				if err != nil {
					return err
				}
				defer conn.Close()
				publisher := mqtt.NewPublisher(conn, mqtt.DefaultTopics(), 50)
				opts.Publisher = publisher
				services = append(services, publisher)
			}

			sup := supervisor.New(specs, cfg.Policy(), opts)
			return runTree(ctx, "edgeguard", append(services, sup)...)
		},
	}

	cmd.Flags().BoolVar(&withCapture, "with-capture", false, "also launch a capture client when no processes are configured")
	return cmd
}

// defaultProcesses runs this binary's own worker (and optionally capture)
func defaultProcesses(workerURL string, withCapture bool) ([]supervisor.ProcessSpec, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("failed to locate edgeguard binary: %w", err)
	}

	specs := []supervisor.ProcessSpec{{
		Name:      "worker",
		Command:   exe,
		Args:      []string{"worker"},
		HealthURL: workerURL,
	}}
	if withCapture {
		specs = append(specs, supervisor.ProcessSpec{
			Name:    "capture",
			Command: exe,
			Args:    []string{"capture"},
		})
	}
	return specs, nil
}

