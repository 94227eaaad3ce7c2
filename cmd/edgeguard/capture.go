package main

import (
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"
	"github.com/thejerf/suture/v4"

	"edgeguard/internal/capture"
	"edgeguard/internal/models"
	"edgeguard/internal/mqtt"
	"edgeguard/internal/worker"
)

func newCaptureCmd(a *app) *cobra.Command {
	var task string

	cmd := &cobra.Command{
		Use:   "capture",
		Short: "Run a capture client against the inference worker",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg
			if task != "" {
				cfg.Task = task
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			var source capture.FrameSource
			if cfg.CameraURL != "" {
				source = capture.NewSnapshotSource(cfg.CameraURL, cfg.RequestTimeout)
			} else {
				pool, err := capture.NewSamplePool(cfg.SampleDir)
				if err != nil {
					return err
				}
				source = pool
			}

			services := []suture.Service{}
			var sink capture.Sink = logSink{}
			var tasks <-chan string

			if cfg.MQTTBroker != "" {
				conn, err := a.connectMQTT("capture-" + cfg.DeviceID)
				if err != nil {
					return err
				}
				defer conn.Close()

				topics := mqtt.DefaultTopics()
				publisher := mqtt.NewPublisher(conn, topics, 100)
				subscriber := mqtt.NewSubscriber(conn, topics, 10)
				if err := subscriber.SubscribeTask(cfg.DeviceID); err != nil {
					return err
				}
				sink = publisher
				tasks = subscriber.TaskChan
				services = append(services, publisher)
			}

			client, err := capture.NewClient(capture.Config{
				DeviceID:          cfg.DeviceID,
				Task:              cfg.Task,
				Tasks:             cfg.Tasks,
				Interval:          cfg.FrameInterval,
				RequestTimeout:    cfg.RequestTimeout,
				DegradedThreshold: cfg.DegradedThreshold,
				Backoff:           cfg.Backoff,
				AlarmGrace:        cfg.AlarmGrace,
			}, source, worker.NewClient(cfg.WorkerURL, cfg.RequestTimeout), sink)
			if err != nil {
				return fmt.Errorf("failed to create capture client: %w", err)
			}
			defer client.Close()

			if tasks != nil {
				go client.FollowTasks(ctx, tasks)
			}

			return runTree(ctx, "edgeguard-capture", append(services, client)...)
		},
	}

	cmd.Flags().StringVar(&task, "task", "", "initial task (overrides TASK)")
	return cmd
}

// logSink stands in for MQTT when no broker is configured
type logSink struct{}

func (logSink) PublishDetection(ev models.DetectionEvent) {
	slog.Info("Capture: detection",
		"device", ev.DeviceID,
		"task", ev.Task,
		"detections", len(ev.Detections),
		"confidence", ev.MaxConfidence(),
		"latency_ms", ev.LatencyMS)
}

func (logSink) PublishAlarm(tr models.AlarmTransition) {
	slog.Warn("Capture: alarm", "device", tr.DeviceID, "task", tr.Task, "active", tr.Active)
}

func (logSink) PublishHealth(h models.ClientHealth) {
	slog.Info("Capture: health", "device", h.DeviceID, "status", h.Status, "failures", h.ConsecutiveFailures)
}

