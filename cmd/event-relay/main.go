package main

import (
	"context"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/hackgods/medical-records-registry/internal/config"
	"github.com/hackgods/medical-records-registry/internal/db"
	redisclient "github.com/hackgods/medical-records-registry/internal/redis"
	"github.com/hackgods/medical-records-registry/internal/registry"
	"github.com/hackgods/medical-records-registry/internal/relay"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("event-relay starting up")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.StoreBackend != config.BackendPostgres {
		log.Fatalf("event-relay needs STORE_BACKEND=%s, got %s", config.BackendPostgres, cfg.StoreBackend)
	}
	if !cfg.RedisEnabled {
		log.Fatal("event-relay needs REDIS_ENABLED=true")
	}

	log.Printf("running event relay in env=%s interval=%s batch=%d channel=%s",
		cfg.Env, cfg.RelayInterval, cfg.RelayBatchSize, cfg.EventsChannel)

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pgCtx, cancelPg := context.WithTimeout(rootCtx, 10*time.Second)
	pgPool, err := db.ConnectPostgres(pgCtx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns: int32(cfg.PostgresMaxConn),
		AppName:  "registry-event-relay",
	})
	cancelPg()
	if err != nil {
		log.Fatalf("postgres connection error: %v", err)
	}
	defer pgPool.Close()
	log.Println("connected to Postgres")

	rdb, err := redisclient.NewRedisClient(rootCtx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
	if err != nil {
		log.Fatalf("redis connection error: %v", err)
	}
	defer func() {
		if err := rdb.Close(); err != nil {
			log.Printf("error closing redis: %v", err)
		}
	}()
	log.Println("connected to Redis")

	repo := registry.NewPgRepository(pgPool)
	publisher := redisclient.NewRedisPublisher(rdb, cfg.EventsChannel)
	// the relay never applies commands, so it needs no command lock
	svc := registry.NewService(repo, nil, publisher, registry.ParsePrincipal(cfg.Admin))

	relay.Run(rootCtx, svc, relay.Config{
		Interval:  cfg.RelayInterval,
		BatchSize: cfg.RelayBatchSize,
	})
}
