package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/medical-records-registry/internal/api"
	"github.com/hackgods/medical-records-registry/internal/config"
	"github.com/hackgods/medical-records-registry/internal/db"
	redisclient "github.com/hackgods/medical-records-registry/internal/redis"
	"github.com/hackgods/medical-records-registry/internal/registry"
	"github.com/hackgods/medical-records-registry/internal/relay"
)

var version = "dev"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("api-server starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	log.Printf("running in env=%s http_port=%s store=%s admin=%s", cfg.Env, cfg.HTTPPort, cfg.StoreBackend, cfg.Admin)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		repo   registry.Repository
		pgPool *pgxpool.Pool
	)

	switch cfg.StoreBackend {
	case config.BackendPostgres:
		if cfg.MigrateOnStart {
			if err := db.Migrate(cfg.PostgresDSN); err != nil {
				log.Fatalf("migration error: %v", err)
			}
			log.Println("migrations applied")
		}

		pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
		pgPool, err = db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns: int32(cfg.PostgresMaxConn),
		AppName:  "registry-api",
	})
		cancelPg()
		if err != nil {
			log.Fatalf("postgres connection error: %v", err)
		}
		defer pgPool.Close()
		log.Println("connected to Postgres")

		repo = registry.NewPgRepository(pgPool)
	case config.BackendMemory:
		log.Println("using in-memory store, state will not survive a restart")
		repo = registry.NewMemoryRepository()
	}

	var (
		rdb       *redis.Client
		locker    redisclient.Locker = redisclient.NopLocker{}
		publisher redisclient.Publisher
	)
	if cfg.RedisEnabled {
		rdb, err = redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Fatalf("redis connection error: %v", err)
		}
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Printf("error closing redis: %v", err)
			}
		}()
		log.Println("connected to Redis")

		locker = redisclient.NewRedisCommandLocker(rdb, "", cfg.LockTTL)
		publisher = redisclient.NewRedisPublisher(rdb, cfg.EventsChannel)
	}

	svc := registry.NewService(repo, locker, publisher, registry.ParsePrincipal(cfg.Admin))

	// with the memory store no separate relay process can see the outbox
	if cfg.StoreBackend == config.BackendMemory && publisher != nil {
		go relay.Run(rootCtx, svc, relay.Config{Interval: cfg.RelayInterval, BatchSize: cfg.RelayBatchSize})
	}

	srv := &http.Server{
		Addr: ":" + cfg.HTTPPort,
		Handler: api.NewRouter(api.RouterConfig{
			Service: svc,
			PgPool:  pgPool,
			Redis:   rdb,
			Env:     cfg.Env,
			Version: version,
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("listening on %s", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-rootCtx.Done():
	case err := <-serveErr:
		if err != nil {
			log.Printf("http server error: %v", err)
		}
	}

	log.Println("shutting down api-server")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown error: %v", err)
	}
}
