package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/hackgods/clinic-appointment-scheduling/internal/auth"
	"github.com/hackgods/clinic-appointment-scheduling/internal/config"
	"github.com/hackgods/clinic-appointment-scheduling/internal/db"
	"github.com/hackgods/clinic-appointment-scheduling/internal/logger"
)

var visitReasons = []string{
	"follow-up",
	"annual check-up",
	"prescription renewal",
	"lab results review",
	"new symptoms",
}

type SimConfig struct {
	APIBaseURL      string
	Duration        time.Duration
	Workers         int
	BookingRatio    float64
	RescheduleRatio float64
	CancelRatio     float64
	Practitioners   int           // how many calendars the workers fight over
	SlotStep        time.Duration // start times are multiples of this
	SlotCount       int           // candidate start times per calendar
	PatientLimit    int
	PostgresDSN     string
	Token           string
}

type DataPool struct {
	Practitioners []uuid.UUID
	Patients      []uuid.UUID
	Day           time.Time
	mu            sync.RWMutex
	appointments  []uuid.UUID
}

func (dp *DataPool) AddAppointment(id uuid.UUID) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, id)
}

func (dp *DataPool) GetRandomAppointment(rng *rand.Rand) (uuid.UUID, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.appointments) == 0 {
		return uuid.Nil, false
	}
	return dp.appointments[rng.Intn(len(dp.appointments))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case success:
		atomic.AddInt64(&om.Success, 1)
	case conflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, p50, p95, max time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	n := len(latencies)
	return sum / time.Duration(n), latencies[n*50/100], latencies[min(n*95/100, n-1)], latencies[n-1]
}

type Metrics struct {
	Booking    OperationMetrics
	Reschedule OperationMetrics
	Cancel     OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
	log     *zap.Logger
}

func main() {
	log, err := logger.New("info", "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init error: %v\n", err)
		os.Exit(1)
	}
	defer func() { _ = log.Sync() }()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatal("invalid config", zap.Error(err))
	}

	log.Info("simulator starting",
		zap.Duration("duration", cfg.Duration),
		zap.Int("workers", cfg.Workers),
		zap.Int("practitioners", cfg.Practitioners),
		zap.Int("slots", cfg.SlotCount),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN, db.PoolOptions{})
	if err != nil {
		log.Fatal("connect postgres", zap.Error(err))
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatal("load data pool", zap.Error(err))
	}
	log.Info("data pool loaded",
		zap.Int("practitioners", len(dataPool.Practitioners)),
		zap.Int("patients", len(dataPool.Patients)),
		zap.Time("day", dataPool.Day),
	)

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		log:    log,
	}

	sim.Run()
	sim.PrintReport()

	verifyCtx, cancelVerify := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelVerify()

	overlaps, err := countOverlaps(verifyCtx, pgPool, dataPool)
	if err != nil {
		log.Fatal("verify calendars", zap.Error(err))
	}
	if overlaps > 0 {
		log.Error("double bookings found", zap.Int("overlapping_pairs", overlaps))
		os.Exit(1)
	}
	log.Info("no overlapping active appointments")
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:      getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:        getDuration("SIM_DURATION", 30*time.Second),
		Workers:         getInt("SIM_WORKERS", 20),
		BookingRatio:    getFloat("SIM_BOOKING_RATIO", 0.7),
		RescheduleRatio: getFloat("SIM_RESCHEDULE_RATIO", 0.2),
		CancelRatio:     getFloat("SIM_CANCEL_RATIO", 0.1),
		Practitioners:   getInt("SIM_PRACTITIONERS", 3),
		SlotStep:        getDuration("SIM_SLOT_STEP", 15*time.Minute),
		SlotCount:       getInt("SIM_SLOT_COUNT", 16),
		PatientLimit:    getInt("SIM_PATIENT_LIMIT", 4000),
		PostgresDSN:     baseCfg.PostgresDSN,
	}

	if !baseCfg.AuthDisabled {
		token, err := auth.NewVerifier(baseCfg.JWTSecret, baseCfg.JWTIssuer).
			Issue(uuid.New(), auth.RoleReceptionist, cfg.Duration+time.Minute)
		if err != nil {
			return SimConfig{}, fmt.Errorf("issue token: %w", err)
		}
		cfg.Token = token
	}

	total := cfg.BookingRatio + cfg.RescheduleRatio + cfg.CancelRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.RescheduleRatio /= total
		cfg.CancelRatio /= total
	}

	switch {
	case cfg.Workers <= 0:
		return cfg, fmt.Errorf("SIM_WORKERS must be > 0")
	case cfg.Duration <= 0:
		return cfg, fmt.Errorf("SIM_DURATION must be > 0")
	case cfg.Practitioners <= 0 || cfg.SlotCount <= 0 || cfg.SlotStep <= 0:
		return cfg, fmt.Errorf("SIM_PRACTITIONERS, SIM_SLOT_COUNT and SIM_SLOT_STEP must be > 0")
	}
	return cfg, nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	// a fresh day far enough ahead that earlier runs do not collide
	day := time.Now().UTC().Truncate(24*time.Hour).AddDate(0, 0, 30+gofakeit.Number(0, 3000))
	dataPool := &DataPool{Day: day.Add(9 * time.Hour)}

	rows, err := pool.Query(ctx, `
		SELECT id FROM practitioners WHERE schedulable ORDER BY random() LIMIT $1
	`, cfg.Practitioners)
	if err != nil {
		return nil, fmt.Errorf("load practitioners: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Practitioners = append(dataPool.Practitioners, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	if len(dataPool.Practitioners) == 0 {
		return nil, fmt.Errorf("no schedulable practitioners loaded, run cmd/seed first")
	}
	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	s.log.Info("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.RescheduleRatio:
				s.doReschedule(ctx, rng)
			default:
				s.doCancel(ctx, rng)
			}
		}
	}
}

// randomInterval picks a start on the step grid with a length of one to three
// steps, so neighbouring requests overlap often and touch sometimes.
func (s *Simulator) randomInterval(rng *rand.Rand) (time.Time, time.Time) {
	start := s.pool.Day.Add(time.Duration(rng.Intn(s.config.SlotCount)) * s.config.SlotStep)
	end := start.Add(time.Duration(1+rng.Intn(3)) * s.config.SlotStep)
	return start, end
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	start, end := s.randomInterval(rng)
	body := map[string]any{
		"practitioner_id": s.pool.Practitioners[rng.Intn(len(s.pool.Practitioners))],
		"patient_id":      s.pool.Patients[rng.Intn(len(s.pool.Patients))],
		"start_time":      start,
		"end_time":        end,
		"type":            "consultation",
		"reason":          gofakeit.RandomString(visitReasons),
	}

	status, id, latency, err := s.send(ctx, http.MethodPost, "/appointments", body)
	if err == nil && status == http.StatusCreated && id != uuid.Nil {
		s.pool.AddAppointment(id)
	}
	s.metrics.Booking.Record(latency, err == nil && status == http.StatusCreated, isConflict(status))
}

func (s *Simulator) doReschedule(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	start, end := s.randomInterval(rng)
	body := map[string]any{"start_time": start, "end_time": end}

	status, _, latency, err := s.send(ctx, http.MethodPatch, "/appointments/"+apptID.String(), body)
	s.metrics.Reschedule.Record(latency, err == nil && status == http.StatusOK, isConflict(status))
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	apptID, ok := s.pool.GetRandomAppointment(rng)
	if !ok {
		return
	}

	status, _, latency, err := s.send(ctx, http.MethodPost, "/appointments/"+apptID.String()+"/cancel", nil)
	s.metrics.Cancel.Record(latency, err == nil && status == http.StatusOK, isConflict(status))
}

func (s *Simulator) send(ctx context.Context, method, path string, body any) (int, uuid.UUID, time.Duration, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, uuid.Nil, 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, reader)
	if err != nil {
		return 0, uuid.Nil, 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if s.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+s.config.Token)
	}

	start := time.Now()
	resp, err := s.client.Do(req)
	latency := time.Since(start)
	if err != nil {
		return 0, uuid.Nil, latency, err
	}
	defer resp.Body.Close()

	var out struct {
		ID uuid.UUID `json:"id"`
	}
	_ = json.NewDecoder(resp.Body).Decode(&out)

	return resp.StatusCode, out.ID, latency, nil
}

// isConflict reports the expected rejections: the calendar was taken, the
// appointment was already cancelled, or the calendar lock was busy.
func isConflict(status int) bool {
	return status == http.StatusBadRequest || status == http.StatusConflict
}

// countOverlaps returns how many pairs of active appointments on the
// simulated calendars overlap. Anything above zero is a double booking.
func countOverlaps(ctx context.Context, pool *pgxpool.Pool, dp *DataPool) (int, error) {
	ids := make([]string, 0, len(dp.Practitioners))
	for _, id := range dp.Practitioners {
		ids = append(ids, id.String())
	}

	var n int
	err := pool.QueryRow(ctx, `
		SELECT count(*)
		FROM appointments a
		JOIN appointments b
		  ON a.practitioner_id = b.practitioner_id
		 AND a.id < b.id
		 AND a.start_time < b.end_time
		 AND a.end_time > b.start_time
		WHERE a.practitioner_id = ANY($1::uuid[])
		  AND a.status <> 'cancelled'
		  AND b.status <> 'cancelled'
	`, ids).Scan(&n)
	return n, err
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Printf("Calendars: %d, %d candidate starts each\n", len(s.pool.Practitioners), s.config.SlotCount)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Reschedule", &s.metrics.Reschedule)
	printOperationReport("Cancel", &s.metrics.Cancel)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, max := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Rejected: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond),
		p95.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

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
