package main

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"edgeguard/internal/ml"
	"edgeguard/internal/worker"
)

func newWorkerCmd(a *app) *cobra.Command {
	var seed bool

	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Run the inference worker HTTP service",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			cfg := a.cfg

			store, err := a.artifactStore(ctx)
			if err != nil {
				return err
			}
			if seed {
				if err := ml.Seed(ctx, store); err != nil {
					return fmt.Errorf("failed to seed models: %w", err)
				}
				slog.Info("Worker: seeded sample models")
			}

			w, err := worker.New(ctx, worker.Config{
				Models:           cfg.TaskModels(),
				DefaultModel:     cfg.DefaultModel,
				DefaultThreshold: cfg.DefaultThreshold,
				GCInterval:       uint64(cfg.GCInterval),
				ReloadInterval:   uint64(cfg.ReloadInterval),
				ReloadTimeout:    cfg.ReloadTimeout,
				MaxImagePixels:   cfg.MaxImagePixels,
			}, ml.NewLoader(store))
			if err != nil {
				return fmt.Errorf("failed to start worker: %w", err)
			}

			return worker.NewServer(w, cfg.WorkerAddr).Serve(ctx)
		},
	}

	cmd.Flags().BoolVar(&seed, "seed", false, "write the sample models to the artifact store before loading")
	return cmd
}

func newSeedCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "seed",
		Short: "Write the sample models to the artifact store",
		RunE: func(cmd *cobra.Command, _ []string) error {
			store, err := a.artifactStore(cmd.Context())
			if err != nil {
				return err
			}
			if err := ml.Seed(cmd.Context(), store); err != nil {
				return fmt.Errorf("failed to seed models: %w", err)
			}
			for _, d := range ml.SampleDescriptors() {
				fmt.Fprintln(cmd.OutOrStdout(), d.Name)
			}
			return nil
		},
	}
}

// artifactStore picks MinIO when an endpoint is configured, else ModelDir
func (a *app) artifactStore(ctx context.Context) (ml.ArtifactStore, error) {
	cfg := a.cfg
	if cfg.MinIOEndpoint == "" {
		return ml.NewDirStore(cfg.ModelDir), nil
	}
	store, err := ml.NewMinIOStore(ctx, ml.MinIOConfig{
		Endpoint:  cfg.MinIOEndpoint,
		AccessKey: cfg.MinIOAccessKey,
		SecretKey: cfg.MinIOSecretKey,
		Bucket:    cfg.MinIOBucket,
		UseSSL:    cfg.MinIOUseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open model bucket: %w", err)
	}
	return store, nil
}
