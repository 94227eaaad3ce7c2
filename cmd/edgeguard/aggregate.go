package main

import (
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"edgeguard/internal/aggregator"
	"edgeguard/internal/database"
	"edgeguard/internal/mqtt"
	"edgeguard/internal/notifier"
	"edgeguard/internal/redpanda"
)

func newAggregateCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "aggregate",
		Short: "Collect device and supervisor reports into one view",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg

			conn, err := a.connectMQTT("aggregator")
			if err != nil {
				return err
			}
			defer conn.Close()

			topics := mqtt.DefaultTopics()
			subscriber := mqtt.NewSubscriber(conn, topics, 200)
			publisher := mqtt.NewPublisher(conn, topics, 50)

			opts := []aggregator.Option{aggregator.WithStatusPublisher(publisher)}

			if cfg.ClickHouseAddr != "" {
				db, err := database.NewClickHouseDB(ctx, database.Config{
					Addr:     cfg.ClickHouseAddr,
					Database: cfg.ClickHouseDB,
					Username: cfg.ClickHouseUser,
					Password: cfg.ClickHousePass,
				})
				if err != nil {
					return err
				}
				defer db.Close()
				opts = append(opts, aggregator.WithStore(db))
			} else {
				slog.Warn("Aggregator: no ClickHouse address, history is disabled")
			}

			if cfg.RedpandaBrokers != "" {
				producer, err := redpanda.NewProducer(ctx, cfg.RedpandaBrokers, cfg.RedpandaTopic)
				if err != nil {
					return err
				}
				defer producer.Close()
				opts = append(opts, aggregator.WithEventStream(producer))
			}

			if cfg.SlackWebhookURL != "" {
				slack, err := notifier.NewSlackNotifier(cfg.SlackWebhookURL, cfg.SlackChannel, cfg.SlackCooldown)
				if err != nil {
					return err
				}
				opts = append(opts, aggregator.WithNotifier(slack))
			}

			svc := aggregator.NewService(aggregator.Config{
				OfflineAfter:      cfg.OfflineAfter,
				BroadcastInterval: cfg.BroadcastInterval,
			}, aggregator.Sources{
				Detections: subscriber.DetectionChan,
				Alarms:     subscriber.AlarmChan,
				Health:     subscriber.HealthChan,
				Supervisor: subscriber.SupervisorChan,
			}, opts...)

			if err := subscriber.SubscribeAll(); err != nil {
				return err
			}

			return runTree(ctx, "edgeguard-aggregator",
				[]suture.Service{publisher, svc, aggregator.NewAPI(svc, cfg.AggregatorAddr)}...)
		},
	}
}
