package main

import (
	"context"
	"database/sql"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/lib/pq"

	"github.com/stewardai/governor/internal/audit"
	"github.com/stewardai/governor/internal/auth"
	"github.com/stewardai/governor/internal/budget"
	"github.com/stewardai/governor/internal/catalog"
	"github.com/stewardai/governor/internal/config"
	"github.com/stewardai/governor/internal/executor"
	"github.com/stewardai/governor/internal/graduation"
	"github.com/stewardai/governor/internal/holdqueue"
	"github.com/stewardai/governor/internal/httpserver"
	"github.com/stewardai/governor/internal/policy"
	"github.com/stewardai/governor/internal/scheduler"
	"github.com/stewardai/governor/internal/service"
	"github.com/stewardai/governor/internal/store"
)

func main() {
	runScheduler := flag.Bool("run-scheduler", false, "start the periodic release scheduler")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load: %v", err)
	}

	db, err := sql.Open("postgres", cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("db open: %v", err)
	}
	defer db.Close()
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)
	if err := db.Ping(); err != nil {
		log.Fatalf("db ping: %v", err)
	}

	cat, err := catalog.Load(cfg.CataloguePath)
	if err != nil {
		log.Fatalf("catalogue load: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	recorder := buildRecorder(ctx, cfg)

	st := store.NewPGStore(db)
	tracker := graduation.New(st)
	ledger := budget.New(st, cfg.DailyBudgetUsd, cfg.MonthlyBudgetUsd)
	dispatcher := buildDispatcher(cfg)
	queue := holdqueue.New(st, tracker, dispatcher, recorder)
	evaluator := policy.New(cat.HardDeny(), cat.BackgroundDeny())
	svc := service.New(cat, evaluator, queue, tracker, ledger, dispatcher, recorder)

	verifier, err := auth.NewVerifier(cfg.ActorKeysFile, cfg.AllowDebugActor)
	if err != nil {
		log.Fatalf("verifier init: %v", err)
	}

	server := httpserver.New(svc, evaluator, queue, ledger, st, verifier)
	httpServer := &http.Server{
		Addr:    cfg.Addr,
		Handler: server.Router(),
	}

	if shouldRunScheduler(*runScheduler) {
		log.Printf("starting release scheduler (interval %s)", cfg.SchedulerInterval)
		go scheduler.RunWorker(ctx, queue, scheduler.Config{Interval: cfg.SchedulerInterval})
	}

	go func() {
		log.Printf("governor service listening on %s", cfg.Addr)
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	waitForShutdown(cancel, httpServer)
}

func buildRecorder(ctx context.Context, cfg config.Config) audit.Recorder {
	recorders := audit.MultiRecorder{audit.LogRecorder{}}
	if len(cfg.KafkaBrokers) > 0 {
		kr, err := audit.NewKafkaRecorder(audit.KafkaRecorderConfig{
			Brokers: cfg.KafkaBrokers,
			Topic:   cfg.KafkaTopic,
		})
		if err != nil {
			log.Fatalf("kafka recorder init: %v", err)
		}
		recorders = append(recorders, kr)
	}
	if cfg.ArchiveBucket != "" {
		archiver, err := audit.NewS3Archiver(ctx, cfg.ArchiveBucket, cfg.ArchivePrefix)
		if err != nil {
			log.Fatalf("s3 archiver init: %v", err)
		}
		recorders = append(recorders, archiver)
	}
	return recorders
}

func buildDispatcher(cfg config.Config) *executor.Dispatcher {
	dispatcher := executor.NewDispatcher()
	if cfg.EmailExecutorURL != "" {
		ex, err := executor.NewHTTPExecutor(executor.HTTPExecutorConfig{
			BaseURL: cfg.EmailExecutorURL,
			Path:    "/email/send",
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("email executor init: %v", err)
		}
		dispatcher.Register("send_email", ex)
	}
	if cfg.JiraExecutorURL != "" {
		ex, err := executor.NewHTTPExecutor(executor.HTTPExecutorConfig{
			BaseURL: cfg.JiraExecutorURL,
			Path:    "/jira/status",
			Retries: 2,
		})
		if err != nil {
			log.Fatalf("jira executor init: %v", err)
		}
		dispatcher.Register("jira_status_change", ex)
	}
	return dispatcher
}

func waitForShutdown(cancel context.CancelFunc, srv *http.Server) {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	cancel()
	ctx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}
}

func shouldRunScheduler(flagValue bool) bool {
	if flagValue {
		return true
	}
	if v := os.Getenv("GOVERNOR_RUN_SCHEDULER"); v != "" {
		enabled, err := strconv.ParseBool(v)
		return err == nil && enabled
	}
	return false
}
