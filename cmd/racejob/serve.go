package main

import (
	"context"
	"database/sql"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/openjobspec/ojs-racejob/internal/api"
	"github.com/openjobspec/ojs-racejob/internal/core"
	"github.com/openjobspec/ojs-racejob/internal/logger"
	"github.com/openjobspec/ojs-racejob/internal/metrics"
	natsbackend "github.com/openjobspec/ojs-racejob/internal/nats"
	"github.com/openjobspec/ojs-racejob/internal/scheduler"
	"github.com/openjobspec/ojs-racejob/internal/server"
	"github.com/openjobspec/ojs-racejob/internal/sqlstore"
)

// healthService is the gRPC health service name reported by the server.
const healthService = "racejob.v1.Scheduler"

type flagLookup func(name string) *pflag.Flag

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler with its admin API",
	RunE:  runServe,
}

func init() {
	f := serveCmd.Flags()
	f.String("instance", "raceJobScheduler", "scheduler namespace shared by the cluster")
	f.Int("thread-count", 1, "worker pool size")
	f.Bool("execution-enabled", true, "run jobs in this process (false: admin client only)")
	f.Duration("reload-interval", 60*time.Second, "full reload period")
	f.Duration("heartbeat-interval", 60*time.Second, "heartbeat period of running jobs")
	f.Bool("abort-on-error", true, "unregister a handler after it fails")
	f.String("http-port", "8080", "HTTP admin API port")
	f.String("grpc-port", "9090", "gRPC health port")
	f.String("store", server.StoreSQLite, "job store (sqlite or nats)")
	f.String("nats-url", "nats://localhost:4222", "NATS server URL")
	f.String("event-bus", server.BusNone, "cluster event bus (none or nats)")
	f.Duration("shutdown-timeout", 10*time.Second, "graceful shutdown limit")

	bindFlags(v, f.Lookup, map[string]string{
		"instance":           "instance",
		"thread_count":       "thread-count",
		"execution_enabled":  "execution-enabled",
		"reload_interval":    "reload-interval",
		"heartbeat_interval": "heartbeat-interval",
		"abort_on_error":     "abort-on-error",
		"http_port":          "http-port",
		"grpc_port":          "grpc-port",
		"store":              "store",
		"nats_url":           "nats-url",
		"event_bus":          "event-bus",
		"shutdown_timeout":   "shutdown-timeout",
	})
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	log, err := logger.New(cfg.LogJSON, cfg.LogLevel)
	if err != nil {
		return err
	}
	defer log.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	deps, err := openDeps(ctx, cfg, log)
	if err != nil {
		log.Errorw("Failed to initialise storage", "store", cfg.Store, "error", err)
		return err
	}
	defer deps.close()

	metrics.Init(version, cfg.Store)

	sched := scheduler.New(cfg.SchedulerConfig(), deps.store, deps.bus, scheduler.WithLogger(log))
	if err := sched.Start(ctx); err != nil {
		return errors.Wrap(err, "start scheduler")
	}
	defer sched.Stop()

	srv := &http.Server{
		Addr:              ":" + cfg.HTTPPort,
		Handler:           server.NewRouter(sched, cfg, deps.health, log),
		ReadHeaderTimeout: 10 * time.Second,
	}
	serveErr := make(chan error, 2)
	go func() {
		log.Infow("HTTP server listening", "port", cfg.HTTPPort)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- errors.Wrap(err, "http server")
		}
	}()

	grpcServer := grpc.NewServer()
	healthSrv := health.NewServer()
	healthpb.RegisterHealthServer(grpcServer, healthSrv)
	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_SERVING)
	go func() {
		lis, err := net.Listen("tcp", ":"+cfg.GRPCPort)
		if err != nil {
			serveErr <- errors.Wrapf(err, "listen for gRPC on %s", cfg.GRPCPort)
			return
		}
		log.Infow("gRPC health server listening", "port", cfg.GRPCPort)
		if err := grpcServer.Serve(lis); err != nil {
			log.Errorw("gRPC server error", "error", err)
		}
	}()

	select {
	case <-ctx.Done():
		log.Infow("Shutting down")
	case err = <-serveErr:
		log.Errorw("Server failed", "error", err)
	}

	healthSrv.SetServingStatus(healthService, healthpb.HealthCheckResponse_NOT_SERVING)
	sched.Stop()
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if shutdownErr := srv.Shutdown(shutdownCtx); shutdownErr != nil {
		log.Errorw("HTTP server shutdown error", "error", shutdownErr)
	}
	log.Infow("Server stopped")
	return err
}

// deps is the storage side of the process.
type deps struct {
	store  core.Store
	bus    core.EventBus
	health api.HealthFunc
	close  func()
}

func openDeps(ctx context.Context, cfg *server.Config, log *zap.SugaredLogger) (*deps, error) {
	var (
		backend *natsbackend.Backend
		db      *sql.DB
		err     error
	)
	closeAll := func() {
		if backend != nil {
			_ = backend.Close()
		}
		if db != nil {
			_ = db.Close()
		}
	}

	if cfg.UsesNATS() {
		backend, err = natsbackend.New(ctx, cfg.NatsURL, cfg.Instance, log)
		if err != nil {
			return nil, err
		}
	}

	d := &deps{close: closeAll}
	switch cfg.Store {
	case server.StoreNATS:
		d.store = backend.Jobs()
		d.health = backend.Health
	default:
		db, err = sqlstore.OpenWithMigrations(cfg.SQLitePath, log)
		if err != nil {
			closeAll()
			return nil, err
		}
		d.store = sqlstore.New(db)
		d.health = db.PingContext
	}
	if cfg.EventBus == server.BusNATS {
		d.bus = backend.Bus()
	}
	return d, nil
}
