package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/review-agent/internal/admin"
	"github.com/review-agent/internal/app"
	"github.com/review-agent/internal/config"
	"github.com/review-agent/pkg/logger"
)

var cfgFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "review-scheduler",
		Short: "Background scheduler for the review agent",
		Long: `Polls every registered store listing for new reviews on a cron schedule,
notifies owners and serves the manual poll endpoint.
This daemon should be run as a single instance.`,
		RunE: runScheduler,
	}

	rootCmd.Flags().StringVar(&cfgFile, "config", "", "config file path")

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func runScheduler(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	log := logger.New(logger.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
		Output: cfg.Logging.Output,
	})

	log.Info().Msg("Starting review agent scheduler")

	a, err := app.New(cfg, log)
	if err != nil {
		return err
	}
	defer a.Close()

	sched := a.Scheduler()
	agent := a.Responder()

	if cfg.Scheduler.NotifyCron != "" {
		err = sched.Schedule(cfg.Scheduler.NotifyCron, "surface", func(ctx context.Context) {
			owners, err := a.Repo.ListOwners(ctx, true)
			if err != nil {
				log.Error().Err(err).Msg("Failed to list owners")
				return
			}
			for _, owner := range owners {
				n, err := agent.SurfacePending(ctx, owner.ID)
				if err != nil {
					log.Error().Err(err).Uint("owner_id", owner.ID).Msg("Surfacing pending reviews failed")
					continue
				}
				if n > 0 {
					log.Info().Uint("owner_id", owner.ID).Int("surfaced", n).Msg("Pending reviews surfaced")
				}
			}
		})
		if err != nil {
			return err
		}
	}

	err = sched.Schedule("@hourly", "prune", func(ctx context.Context) {
		if n := agent.PruneThrottles(); n > 0 {
			log.Debug().Int("removed", n).Msg("Pruned reply posting windows")
		}
	})
	if err != nil {
		return err
	}

	if cfg.Scheduler.DiscoveryCron != "" {
		discoveryAgent := a.Discovery()
		err = sched.Schedule(cfg.Scheduler.DiscoveryCron, "discovery", func(ctx context.Context) {
			if _, err := discoveryAgent.Run(ctx); err != nil {
				log.Error().Err(err).Msg("Scheduled discovery failed")
			}
		})
		if err != nil {
			return err
		}
	}

	if err := sched.Start(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := admin.NewServer(sched, log).ListenAndServe(ctx, cfg.Admin.Addr); err != nil {
			log.Error().Err(err).Msg("Admin server failed")
		}
	}()

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Info().Msg("Shutting down scheduler")
	cancel()
	<-sched.Stop().Done()
	log.Info().Msg("Scheduler stopped")

	return nil
}
