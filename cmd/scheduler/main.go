package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/segyhp/lending-engine/internal/config"
	"github.com/segyhp/lending-engine/internal/repository"
	"github.com/segyhp/lending-engine/internal/service"
	"github.com/segyhp/lending-engine/pkg/logger"
)

// sweepTimeout bounds a single overdue sweep.
const sweepTimeout = 5 * time.Minute

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("Failed to load configuration: %v", err)
	}

	log := logger.New(cfg.Logging.Level, cfg.Logging.Format)
	log.Info("Starting lending scheduler...")

	if cfg.Database.StorageDriver != config.StorageDriverPostgres {
		log.Fatal("The scheduler needs STORAGE_DRIVER=postgres")
	}

	db, err := sqlx.Connect(cfg.Database.Driver, cfg.Database.DSN())
	if err != nil {
		log.WithError(err).Fatal("Failed to initialize database")
	}
	defer db.Close()

	isolation, err := cfg.Database.Isolation()
	if err != nil {
		log.WithError(err).Fatal("Invalid transaction isolation")
	}

	store := repository.NewPostgresStore(db, repository.WithIsolation(isolation), repository.WithLogger(log))
	lendingService := service.NewLendingService(store, service.WithLogger(log))

	// Initialize cron scheduler
	c := newCron(cfg, log)

	// Schedule tasks
	if err := setupCronJobs(c, cfg, lendingService, log); err != nil {
		log.WithError(err).Fatal("Error scheduling overdue sweep")
	}

	// Start the scheduler
	c.Start()
	log.Info("Scheduler started successfully")

	// Wait for interrupt signal to gracefully shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info("Shutting down scheduler...")
	<-c.Stop().Done()
	log.Info("Scheduler stopped")
}

// newCron builds a scheduler that accepts a leading seconds field and never
// overlaps two sweeps.
func newCron(cfg *config.Config, log logrus.FieldLogger) *cron.Cron {
	cronLogger := cron.PrintfLogger(log)
	return cron.New(
		cron.WithParser(config.CronParser()),
		cron.WithLocation(cfg.GetSchedulerLocation()),
		cron.WithLogger(cronLogger),
		cron.WithChain(cron.Recover(cronLogger), cron.SkipIfStillRunning(cronLogger)),
	)
}

func setupCronJobs(c *cron.Cron, cfg *config.Config, lendingService *service.LendingService, log logrus.FieldLogger) error {
	_, err := c.AddFunc(cfg.Scheduler.Cron, func() {
		sweepOverdue(lendingService, log)
	})
	if err != nil {
		return err
	}

	log.WithField("spec", cfg.Scheduler.Cron).Info("Cron jobs scheduled successfully")
	return nil
}

// sweepOverdue persists the overdue status of every open record past due, so
// the stored column stays fresh without reads.
func sweepOverdue(lendingService *service.LendingService, log logrus.FieldLogger) {
	ctx, cancel := context.WithTimeout(context.Background(), sweepTimeout)
	defer cancel()

	start := time.Now()
	overdue, err := lendingService.ListOverdue(ctx, start)
	if err != nil {
		log.WithError(err).Error("Overdue sweep failed")
		return
	}

	log.WithFields(logrus.Fields{
		"overdue":  len(overdue),
		"duration": time.Since(start).String(),
	}).Info("Overdue sweep finished")
}
