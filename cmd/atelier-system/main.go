package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"atelier-system/internal/app/dashboard"
	"atelier-system/internal/app/doctor"
	"atelier-system/internal/app/pipeline"
	"atelier-system/internal/common/logger"
	"atelier-system/internal/config"
	"atelier-system/internal/connections/database"
	"atelier-system/internal/connections/rabbitmq"
	"atelier-system/internal/store"
	"atelier-system/internal/transition"
)

func main() {
	var cfgPath string

	rootCmd := &cobra.Command{
		Use:   "atelier-system",
		Short: "Clothing order pipeline: intake, production, dispatch, fulfilment",
	}
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to YAML config (default: auto-discover)")

	rootCmd.AddCommand(pipelineCmd(&cfgPath))
	rootCmd.AddCommand(dashboardCmd(&cfgPath))
	rootCmd.AddCommand(doctorCmd(&cfgPath))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func loadConfig(path string) (config.Config, error) {
	if path == "" {
		found, err := config.Find()
		if err != nil {
			return config.Config{}, fmt.Errorf("no config file found; pass --config")
		}
		path = found
	}
	return config.Load(path)
}

func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}

func pipelineCmd(cfgPath *string) *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "pipeline",
		Short: "Run the stage views, transition coordinator and HTTP surface",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if port == 0 {
				port = cfg.HTTP.Port
			}
			lg := logger.New("pipeline")

			ctx, cancel := signalContext()
			defer cancel()

			pool, err := database.Connect(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()

			var publisher transition.Publisher
			if cfg.Rabbit.Enabled() {
				client, err := rabbitmq.Dial(cfg.Rabbit)
				if err != nil {
					return err
				}
				defer client.Close()
				if err := client.DeclareTopology(); err != nil {
					return err
				}
				publisher = client
			}

			svc := pipeline.Build(store.NewPostgres(pool), publisher, lg)
			lg.Info("service_started", map[string]any{"service": "pipeline", "port": port})
			return pipeline.Run(ctx, port, svc, lg)
		},
	}
	cmd.Flags().IntVar(&port, "port", 0, "http port (default from config)")
	return cmd
}

func dashboardCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "dashboard",
		Short: "Consume the order-moved fanout and aggregate cross-stage totals",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			if !cfg.Rabbit.Enabled() {
				return fmt.Errorf("dashboard requires a rabbitmq section in the config")
			}
			lg := logger.New("dashboard")

			ctx, cancel := signalContext()
			defer cancel()

			client, err := rabbitmq.Dial(cfg.Rabbit)
			if err != nil {
				return err
			}
			defer client.Close()
			if err := client.Ping(); err != nil {
				return err
			}

			lg.Info("service_started", map[string]any{"service": "dashboard"})
			return dashboard.Run(ctx, client, lg)
		},
	}
}

func doctorCmd(cfgPath *string) *cobra.Command {
	var sample bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run reconciliation diagnostics over every stored order",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := signalContext()
			defer cancel()

			if sample {
				mem := store.NewMemory()
				if err := doctor.SeedSample(ctx, mem); err != nil {
					return err
				}
				return doctor.Run(ctx, mem, os.Stdout)
			}

			cfg, err := loadConfig(*cfgPath)
			if err != nil {
				return err
			}
			pool, err := database.Connect(ctx, cfg.Database)
			if err != nil {
				return err
			}
			defer pool.Close()
			return doctor.Run(ctx, store.NewPostgres(pool), os.Stdout)
		},
	}
	cmd.Flags().BoolVar(&sample, "sample", false, "run against built-in sample records instead of the database")
	return cmd
}
