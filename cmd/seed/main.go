package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"

	"github.com/hackgods/medical-records-registry/internal/config"
	"github.com/hackgods/medical-records-registry/internal/db"
	redisclient "github.com/hackgods/medical-records-registry/internal/redis"
	"github.com/hackgods/medical-records-registry/internal/registry"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("seed starting")

	patients := flag.Int("patients", 1000, "number of patients to register")
	doctors := flag.Int("doctors", 100, "number of clinician principals")
	recordsPer := flag.Int("records", 3, "records added per patient")
	grantsPer := flag.Int("grants", 2, "clinicians granted access per patient")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}
	if cfg.StoreBackend != config.BackendPostgres {
		log.Fatalf("seed needs STORE_BACKEND=%s, got %s", config.BackendPostgres, cfg.StoreBackend)
	}

	if cfg.MigrateOnStart {
		if err := db.Migrate(cfg.PostgresDSN); err != nil {
			log.Fatalf("migrate: %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{
		MaxConns: int32(cfg.PostgresMaxConn),
		AppName:  "registry-seed",
	})
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pool.Close()

	// take the same command lock a running api-server takes
	var locker redisclient.Locker = redisclient.NopLocker{}
	if cfg.RedisEnabled {
		rdb, err := redisclient.NewRedisClient(ctx, cfg.RedisAddr, cfg.RedisUsername, cfg.RedisPassword)
		if err != nil {
			log.Fatalf("redis connection error: %v", err)
		}
		defer rdb.Close()
		locker = redisclient.NewRedisCommandLocker(rdb, "", cfg.LockTTL)
	}

	admin := registry.ParsePrincipal(cfg.Admin)
	svc := registry.NewService(registry.NewPgRepository(pool), locker, nil, admin)

	clinicians := make([]registry.Principal, *doctors)
	for i := range clinicians {
		clinicians[i] = newPrincipal()
	}

	s := seeder{svc: svc, admin: admin, clinicians: clinicians}
	if err := s.seedPatients(context.Background(), *patients, *recordsPer, *grantsPer); err != nil {
		log.Fatalf("seed patients: %v", err)
	}

	log.Println("seed complete")
}

type seeder struct {
	svc        *registry.Service
	admin      registry.Principal
	clinicians []registry.Principal
}

func (s seeder) seedPatients(ctx context.Context, count, recordsPer, grantsPer int) error {
	log.Printf("seeding %d patients", count)

	for i := 0; i < count; i++ {
		patientID := newPrincipal()
		dob := registry.DOBFromTime(gofakeit.DateRange(
			time.Date(1930, 1, 1, 0, 0, 0, 0, time.UTC),
			time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
		))

		name := gofakeit.Name()
		err := retryBusy(ctx, func() error {
			_, err := s.svc.RegisterPatient(ctx, s.admin, patientID, name, dob)
			return err
		})
		if err != nil {
			if errors.Is(err, registry.ErrAlreadyExists) {
				continue
			}
			return fmt.Errorf("register %s: %w", patientID, err)
		}

		for j := 0; j < recordsPer && len(s.clinicians) > 0; j++ {
			author := s.clinicians[gofakeit.Number(0, len(s.clinicians)-1)]
			ts := gofakeit.DateRange(time.Now().AddDate(-5, 0, 0), time.Now()).Unix()
			dx, treatment := diagnosis(), gofakeit.Sentence(8)
			err := retryBusy(ctx, func() error {
				_, err := s.svc.AddMedicalRecord(ctx, author, patientID, dx, treatment, ts)
				return err
			})
			if err != nil {
				return fmt.Errorf("add record for %s: %w", patientID, err)
			}
		}

		for j := 0; j < grantsPer && len(s.clinicians) > 0; j++ {
			grantee := s.clinicians[gofakeit.Number(0, len(s.clinicians)-1)]
			err := retryBusy(ctx, func() error {
				return s.svc.GrantAccess(ctx, patientID, grantee)
			})
			if err != nil {
				return fmt.Errorf("grant %s to %s: %w", patientID, grantee, err)
			}
		}

		if (i+1)%500 == 0 {
			log.Printf("seeded %d/%d patients", i+1, count)
		}
	}

	return nil
}

// retryBusy retries fn while another process holds the command lock.
func retryBusy(ctx context.Context, fn func() error) error {
	backoff := 20 * time.Millisecond
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, registry.ErrBusy) || attempt == 10 {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		if backoff < time.Second {
			backoff *= 2
		}
	}
}

var conditions = []string{
	"Influenza",
	"Hypertension",
	"Type 2 diabetes",
	"Migraine",
	"Asthma",
	"Seasonal allergic rhinitis",
	"Lower back pain",
	"Vitamin D deficiency",
}

func diagnosis() string {
	return conditions[gofakeit.Number(0, len(conditions)-1)]
}

func newPrincipal() registry.Principal {
	return registry.Principal("0x" + strings.ReplaceAll(uuid.NewString(), "-", ""))
}
