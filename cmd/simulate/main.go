package main

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hackgods/clinic-scheduling-billing/internal/api"
	"github.com/hackgods/clinic-scheduling-billing/internal/config"
	"github.com/hackgods/clinic-scheduling-billing/internal/db"
	"github.com/hackgods/clinic-scheduling-billing/internal/payment"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	ApproveRatio float64
	PayRatio     float64
	ReadRatio    float64
	PatientLimit int
	DoctorLimit  int
	PostgresDSN  string
	JWTSecret    []byte
}

type doctor struct {
	ID         string
	Department string
}

type booked struct {
	ID        uuid.UUID
	PatientID string
}

type DataPool struct {
	Patients []string
	Doctors  []doctor

	mu           sync.Mutex
	appointments []booked // booked, awaiting approval
	billable     []string // patients with an approved visit
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

// TakeAppointment removes and returns a random booked appointment.
func (dp *DataPool) TakeAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	idx := rng.Intn(len(dp.appointments))
	b := dp.appointments[idx]
	dp.appointments[idx] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return b, true
}

func (dp *DataPool) AddBillable(patientID string) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.billable = append(dp.billable, patientID)
}

func (dp *DataPool) RandomBillable(rng *rand.Rand) (string, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.billable) == 0 {
		return "", false
	}
	return dp.billable[rng.Intn(len(dp.billable))], true
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

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	pick := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}

	return sum / time.Duration(len(latencies)), latencies[0], latencies[len(latencies)-1], pick(50), pick(95)
}

type Metrics struct {
	Booking   OperationMetrics
	Approve   OperationMetrics
	BuildBill OperationMetrics
	Pay       OperationMetrics
	Declined  int64
	GatewayDn int64
	ListSlots OperationMetrics
	ListAppts OperationMetrics
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

	log.Printf("config: duration=%s workers=%d booking=%.2f approve=%.2f pay=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.BookingRatio, cfg.ApproveRatio, cfg.PayRatio, cfg.ReadRatio)

	// Load data from Postgres
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d doctors", len(dataPool.Patients), len(dataPool.Doctors))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 15 * time.Second},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.4),
		ApproveRatio: getFloat("SIM_APPROVE_RATIO", 0.2),
		PayRatio:     getFloat("SIM_PAY_RATIO", 0.15),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.25),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 500),
		DoctorLimit:  getInt("SIM_DOCTOR_LIMIT", 5), // few doctors keeps slots contended
		PostgresDSN:  baseCfg.PostgresDSN,
		JWTSecret:    []byte(baseCfg.JWTSecret),
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.ApproveRatio + cfg.PayRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.ApproveRatio /= total
		cfg.PayRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients ORDER BY id LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}
	rows.Close()

	rows, err = pool.Query(ctx, `SELECT id, department FROM doctors ORDER BY id LIMIT $1`, cfg.DoctorLimit)
	if err != nil {
		return nil, fmt.Errorf("load doctors: %w", err)
	}
	for rows.Next() {
		var d doctor
		if err := rows.Scan(&d.ID, &d.Department); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Doctors = append(dataPool.Doctors, d)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded, run cmd/seed first")
	}
	if len(dataPool.Doctors) == 0 {
		return nil, fmt.Errorf("no doctors loaded, run cmd/seed first")
	}
	return dataPool, nil
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
			r := rng.Float64()
			switch {
			case r < s.config.BookingRatio:
				s.doBooking(ctx, rng)
			case r < s.config.BookingRatio+s.config.ApproveRatio:
				s.doApprove(ctx, rng)
			case r < s.config.BookingRatio+s.config.ApproveRatio+s.config.PayRatio:
				s.doBillAndPay(ctx, rng)
			default:
				if rng.Intn(2) == 0 {
					s.doListSlots(ctx, rng)
				} else {
					s.doListAppointments(ctx, rng)
				}
			}
		}
	}
}

// Tokens

func (s *Simulator) mint(claims api.ActorClaims) string {
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(time.Hour))
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.config.JWTSecret)
	if err != nil {
		log.Fatalf("sign token: %v", err)
	}
	return tok
}

func (s *Simulator) patientToken(patientID string) string {
	return s.mint(api.ActorClaims{
		Role:             "patient",
		PatientID:        patientID,
		RegisteredClaims: jwt.RegisteredClaims{Subject: "acct-" + patientID},
	})
}

func (s *Simulator) staffToken() string {
	return s.mint(api.ActorClaims{
		Role:             "staff",
		RegisteredClaims: jwt.RegisteredClaims{Subject: "acct-staff-01"},
	})
}

// call sends one request and decodes a JSON response into out when non-nil.
func (s *Simulator) call(ctx context.Context, method, path, token string, body any, out any) (int, error) {
	var rd io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		rd = bytes.NewReader(raw)
	}
	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, rd)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	if out != nil && len(raw) > 0 && resp.StatusCode < 300 {
		_ = json.Unmarshal(raw, out)
	}
	return resp.StatusCode, nil
}

// randomSlot picks a weekday slot inside the seeded roster, away from lunch.
func randomSlot(rng *rand.Rand) (time.Time, time.Time) {
	hours := []int{10, 11, 12, 14, 15}
	day := time.Now().UTC().Truncate(24 * time.Hour).AddDate(0, 0, 1+rng.Intn(10))
	for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
		day = day.AddDate(0, 0, 1)
	}
	start := day.Add(time.Duration(hours[rng.Intn(len(hours))])*time.Hour + time.Duration(rng.Intn(2)*30)*time.Minute)
	return start, start.Add(30 * time.Minute)
}

func (s *Simulator) doBooking(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	doc := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	start, end := randomSlot(rng)

	began := time.Now()
	var appt struct {
		ID uuid.UUID `json:"id"`
	}
	code, err := s.call(ctx, http.MethodPost, "/appointments", s.patientToken(patientID), map[string]string{
		"patient_id": patientID,
		"doctor_id":  doc.ID,
		"department": doc.Department,
		"starts_at":  start.Format(time.RFC3339),
		"ends_at":    end.Format(time.RFC3339),
	}, &appt)
	latency := time.Since(began)

	success := err == nil && code == http.StatusCreated
	if success && appt.ID != uuid.Nil {
		s.pool.AddAppointment(booked{ID: appt.ID, PatientID: patientID})
	}
	s.metrics.Booking.Record(latency, success, code == http.StatusConflict)
}

func (s *Simulator) doApprove(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}

	began := time.Now()
	code, err := s.call(ctx, http.MethodPost, "/appointments/"+b.ID.String()+"/approve", s.staffToken(), nil, nil)
	latency := time.Since(began)

	success := err == nil && code == http.StatusOK
	if success {
		s.pool.AddBillable(b.PatientID)
	}
	s.metrics.Approve.Record(latency, success, code == http.StatusConflict)
}

var testCards = []string{
	payment.CardSuccess, payment.CardSuccess, payment.CardSuccess, payment.CardSuccess,
	payment.CardDeclined, payment.CardNetworkError,
}

func (s *Simulator) doBillAndPay(ctx context.Context, rng *rand.Rand) {
	patientID, ok := s.pool.RandomBillable(rng)
	if !ok {
		return
	}
	token := s.patientToken(patientID)

	began := time.Now()
	var bill struct {
		ID           uuid.UUID `json:"id"`
		Status       string    `json:"status"`
		TotalPayable int64     `json:"total_payable"`
	}
	code, err := s.call(ctx, http.MethodPost, "/patients/"+patientID+"/bills/latest", token, nil, &bill)
	s.metrics.BuildBill.Record(time.Since(began), err == nil && code == http.StatusOK, code == http.StatusConflict || code == http.StatusNotFound)
	if err != nil || code != http.StatusOK || bill.Status != "PENDING" || bill.TotalPayable == 0 {
		return
	}

	began = time.Now()
	code, err = s.call(ctx, http.MethodPost, "/bills/"+bill.ID.String()+"/payments", token, map[string]string{
		"method":      "CARD",
		"card_number": testCards[rng.Intn(len(testCards))],
	}, nil)
	latency := time.Since(began)

	switch code {
	case http.StatusPaymentRequired:
		atomic.AddInt64(&s.metrics.Declined, 1)
	case http.StatusServiceUnavailable:
		atomic.AddInt64(&s.metrics.GatewayDn, 1)
	}
	s.metrics.Pay.Record(latency, err == nil && code == http.StatusCreated, code == http.StatusConflict)
}

func (s *Simulator) doListSlots(ctx context.Context, rng *rand.Rand) {
	doc := s.pool.Doctors[rng.Intn(len(s.pool.Doctors))]
	start, _ := randomSlot(rng)
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	began := time.Now()
	code, err := s.call(ctx, http.MethodGet, "/doctors/"+doc.ID+"/slots?day="+start.Format(time.DateOnly), s.patientToken(patientID), nil, nil)
	s.metrics.ListSlots.Record(time.Since(began), err == nil && code == http.StatusOK, false)
}

func (s *Simulator) doListAppointments(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]

	began := time.Now()
	code, err := s.call(ctx, http.MethodGet, "/appointments?limit=20", s.patientToken(patientID), nil, nil)
	s.metrics.ListAppts.Record(time.Since(began), err == nil && code == http.StatusOK, false)
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.metrics.Booking)
	printOperationReport("Approve", &s.metrics.Approve)
	printOperationReport("Build bill", &s.metrics.BuildBill)
	printOperationReport("Card payment", &s.metrics.Pay)
	if d, g := atomic.LoadInt64(&s.metrics.Declined), atomic.LoadInt64(&s.metrics.GatewayDn); d+g > 0 {
		fmt.Printf("  Declined: %d  Gateway unavailable: %d\n\n", d, g)
	}
	printOperationReport("List slots", &s.metrics.ListSlots)
	printOperationReport("List appointments", &s.metrics.ListAppts)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
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
