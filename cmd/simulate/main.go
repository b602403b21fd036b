package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/brianvoe/gofakeit/v6"
	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/hackgods/medical-records-registry/internal/registry"
)

type SimConfig struct {
	APIBaseURL    string
	Admin         string
	Duration      time.Duration
	Workers       int
	Doctors       int
	RegisterRatio float64
	RecordRatio   float64
	GrantRatio    float64
	ReadRatio     float64
}

// DataPool tracks the principals the simulation has created so far.
type DataPool struct {
	Doctors  []string
	mu       sync.RWMutex
	patients []string
}

func (dp *DataPool) AddPatient(id string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.patients = append(dp.patients, id)
}

func (dp *DataPool) RandomPatient(rng *rand.Rand) (string, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.patients) == 0 {
		return "", false
	}
	return dp.patients[rng.Intn(len(dp.patients))], true
}

func (dp *DataPool) RandomDoctor(rng *rand.Rand) string {
	return dp.Doctors[rng.Intn(len(dp.Doctors))]
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d doctors=%d register=%.2f record=%.2f grant=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.Doctors, cfg.RegisterRatio, cfg.RecordRatio, cfg.GrantRatio, cfg.ReadRatio)

	pool := &DataPool{}
	for i := 0; i < cfg.Doctors; i++ {
		pool.Doctors = append(pool.Doctors, newPrincipal())
	}

	sim := &Simulator{
		config: cfg,
		pool:   pool,
		client: &http.Client{Timeout: 10 * time.Second},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	_ = godotenv.Load()

	cfg := SimConfig{
		APIBaseURL:    getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Admin:         getEnv("SIM_ADMIN", os.Getenv("REGISTRY_ADMIN")),
		Duration:      getDuration("SIM_DURATION", 30*time.Second),
		Workers:       getInt("SIM_WORKERS", 10),
		Doctors:       getInt("SIM_DOCTORS", 50),
		RegisterRatio: getFloat("SIM_REGISTER_RATIO", 0.1),
		RecordRatio:   getFloat("SIM_RECORD_RATIO", 0.3),
		GrantRatio:    getFloat("SIM_GRANT_RATIO", 0.2),
		ReadRatio:     getFloat("SIM_READ_RATIO", 0.4),
	}

	total := cfg.RegisterRatio + cfg.RecordRatio + cfg.GrantRatio + cfg.ReadRatio
	if total > 0 {
		cfg.RegisterRatio /= total
		cfg.RecordRatio /= total
		cfg.GrantRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.Admin == "" {
		return fmt.Errorf("SIM_ADMIN or REGISTRY_ADMIN is required")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Doctors <= 0 {
		return fmt.Errorf("SIM_DOCTORS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		// nothing but registration makes sense until a patient exists
		if _, ok := s.pool.RandomPatient(rng); !ok {
			s.doRegister(ctx)
			continue
		}

		r := rng.Float64()
		switch {
		case r < s.config.RegisterRatio:
			s.doRegister(ctx)
		case r < s.config.RegisterRatio+s.config.RecordRatio:
			s.doAddRecord(ctx, rng)
		case r < s.config.RegisterRatio+s.config.RecordRatio+s.config.GrantRatio:
			s.doGrant(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doReadRecords(ctx, rng)
			} else {
				s.doHasAccess(ctx, rng)
			}
		}
	}
}

func (s *Simulator) doRegister(ctx context.Context) {
	patientID := newPrincipal()
	dob := registry.DOBFromTime(gofakeit.DateRange(
		time.Date(1930, 1, 1, 0, 0, 0, 0, time.UTC),
		time.Date(2020, 12, 31, 0, 0, 0, 0, time.UTC),
	))

	status, latency, err := s.send(ctx, http.MethodPost, "/patients", s.config.Admin, map[string]any{
		"patient_id": patientID,
		"name":       gofakeit.Name(),
		"dob":        dob,
	})
	success := err == nil && status == http.StatusCreated
	if success {
		s.pool.AddPatient(patientID)
	}
	s.metrics.Register.Record(latency, success, status == http.StatusConflict)
}

func (s *Simulator) doAddRecord(ctx context.Context, rng *rand.Rand) {
	patientID, _ := s.pool.RandomPatient(rng)

	status, latency, err := s.send(ctx, http.MethodPost, "/patients/"+url.PathEscape(patientID)+"/records", s.pool.RandomDoctor(rng), map[string]any{
		"diagnosis": diagnoses[rng.Intn(len(diagnoses))],
		"treatment": gofakeit.Sentence(8),
		"timestamp": time.Now().Unix(),
	})
	s.metrics.AddRecord.Record(latency, err == nil && status == http.StatusCreated, status == http.StatusServiceUnavailable)
}

func (s *Simulator) doGrant(ctx context.Context, rng *rand.Rand) {
	patientID, _ := s.pool.RandomPatient(rng)

	status, latency, err := s.send(ctx, http.MethodPost, "/grants", patientID, map[string]any{
		"grantee": s.pool.RandomDoctor(rng),
	})
	s.metrics.Grant.Record(latency, err == nil && status == http.StatusNoContent, status == http.StatusServiceUnavailable)
}

func (s *Simulator) doReadRecords(ctx context.Context, rng *rand.Rand) {
	patientID, _ := s.pool.RandomPatient(rng)

	status, latency, err := s.send(ctx, http.MethodGet, "/patients/"+url.PathEscape(patientID)+"/records", s.pool.RandomDoctor(rng), nil)
	s.metrics.Read.Record(latency, err == nil && status == http.StatusOK, status == http.StatusForbidden)
}

func (s *Simulator) doHasAccess(ctx context.Context, rng *rand.Rand) {
	patientID, _ := s.pool.RandomPatient(rng)

	status, latency, err := s.send(ctx, http.MethodGet, "/patients/"+url.PathEscape(patientID)+"/access", s.pool.RandomDoctor(rng), nil)
	s.metrics.HasAccess.Record(latency, err == nil && status == http.StatusOK, false)
}

// send issues one request as principal and drains the response body.
func (s *Simulator) send(ctx context.Context, method, path, principal string, body any) (int, time.Duration, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return 0, 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Principal", principal)
	req.Header.Set("X-Request-ID", uuid.NewString())

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, latency, err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	return resp.StatusCode, latency, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Register patient", &s.metrics.Register)
	printOperationReport("Add record", &s.metrics.AddRecord)
	printOperationReport("Grant access", &s.metrics.Grant)
	printOperationReport("Read records", &s.metrics.Read)
	printOperationReport("Has access", &s.metrics.HasAccess)
}

var diagnoses = []string{
	"Influenza",
	"Hypertension",
	"Type 2 diabetes",
	"Migraine",
	"Asthma",
	"Otitis media",
	"Sprained ankle",
	"Iron deficiency anemia",
}

func newPrincipal() string {
	return "0x" + hexID()
}

func hexID() string {
	id := uuid.New()
	return fmt.Sprintf("%x", id[:])
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}
