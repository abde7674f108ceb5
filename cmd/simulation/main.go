package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/schollz/progressbar/v3"
	"gorm.io/gorm"

	"github.com/ksred/klear-payouts/internal/auth"
	"github.com/ksred/klear-payouts/internal/database"
	"github.com/ksred/klear-payouts/internal/fee"
	"github.com/ksred/klear-payouts/internal/ledger"
	"github.com/ksred/klear-payouts/internal/refund"
	"github.com/ksred/klear-payouts/internal/settlement"
	"github.com/ksred/klear-payouts/pkg/middleware"
)

const (
	simAPIKey    = "sim-admin-key"
	simAPISecret = "sim-admin-secret"
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
	zerolog.SetGlobalLevel(zerolog.WarnLevel)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) record(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded
// durations.
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// simulationClient drives the payouts API over HTTP
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func newSimulationClient(baseURL string) (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 30 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"build":     {name: "Build Settlement"},
			"advance":   {name: "Advance Status"},
			"reconcile": {name: "Reconcile"},
			"summary":   {name: "Summary"},
		},
	}

	var token auth.TokenResponse
	status, err := sc.call("auth", http.MethodPost, "/api/v1/auth/token",
		auth.Credentials{APIKey: simAPIKey, APISecret: simAPISecret}, &token)
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	if status != http.StatusCreated {
		return nil, fmt.Errorf("authentication failed with status: %d", status)
	}
	sc.authToken = token.Token
	return sc, nil
}

// call sends one request and decodes the data field into out. Any non-2xx
// response is counted as a failure except the ones the caller expects.
func (sc *simulationClient) call(route, method, path string, body, out interface{}, expected ...int) (int, error) {
	start := time.Now()
	var status int
	var callErr error
	defer func() {
		failed := callErr != nil
		for _, code := range expected {
			if status == code {
				failed = false
			}
		}
		sc.stats[route].record(time.Since(start), failed)
	}()

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			callErr = err
			return 0, err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, reader)
	if err != nil {
		callErr = err
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		callErr = err
		return 0, err
	}
	defer resp.Body.Close()
	status = resp.StatusCode

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		callErr = fmt.Errorf("failed to read response body: %w", err)
		return status, callErr
	}
	log.Debug().Str("route", route).Int("status", status).Str("response", string(respBody)).Msg("API response")

	var env envelope
	if err := json.Unmarshal(respBody, &env); err != nil {
		callErr = fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		return status, callErr
	}
	if !env.Success {
		message := string(respBody)
		if env.Error != nil {
			message = env.Error.Message
		}
		callErr = fmt.Errorf("%s failed with status %d: %s", route, status, message)
		return status, callErr
	}
	if out != nil {
		if err := json.Unmarshal(env.Data, out); err != nil {
			callErr = err
			return status, err
		}
	}
	return status, nil
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	names := make([]string, 0, len(sc.stats))
	for key := range sc.stats {
		names = append(names, key)
	}
	sort.Strings(names)
	for _, key := range names {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

type buildJob struct {
	sellerID string
	start    time.Time
	end      time.Time
}

type outcome struct {
	built           int
	nothingToSettle int
	duplicate       int
	conflict        int
	failed          int
	settlementIDs   []string
}

func newBar(max int, description string) *progressbar.ProgressBar {
	return progressbar.NewOptions(max,
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionEnableColorCodes(true),
		progressbar.OptionShowCount(),
		progressbar.OptionShowElapsedTimeOnFinish(),
		progressbar.OptionSetWidth(40),
		progressbar.OptionSetDescription(description),
		progressbar.OptionSetTheme(progressbar.Theme{
			Saucer:        "[green]=[reset]",
			SaucerHead:    "[green]>[reset]",
			SaucerPadding: " ",
			BarStart:      "[",
			BarEnd:        "]",
		}),
		progressbar.OptionOnCompletion(func() {
			fmt.Fprintln(os.Stderr)
		}),
	)
}

// seed writes completed transactions for every seller across one month,
// with a share of them under an open refund request.
func seed(db *gorm.DB, sellers, perSeller int, monthStart time.Time) (int64, error) {
	ctx := context.Background()
	store := ledger.NewDatabase(db)
	gate := refund.NewGate(db)
	days := monthStart.AddDate(0, 1, 0).Sub(monthStart).Hours() / 24

	bar := newBar(sellers*perSeller, "[cyan]Seeding transactions...[reset]")
	var gross int64
	for s := 0; s < sellers; s++ {
		sellerID := fmt.Sprintf("SELLER_%03d", s)
		for i := 0; i < perSeller; i++ {
			txn := &ledger.Transaction{
				ID:          "TXN_" + uuid.New().String(),
				SellerID:    sellerID,
				BuyerID:     fmt.Sprintf("BUYER_%04d", rand.Intn(5000)),
				GrossAmount: int64(rand.Intn(200000) + 1000),
				Currency:    "KRW",
				Status:      ledger.StatusCompleted,
				CreatedAt:   monthStart.Add(time.Duration(rand.Float64() * days * float64(24*time.Hour))),
			}
			if err := store.CreateTransaction(ctx, txn); err != nil {
				return 0, err
			}
			if rand.Intn(20) == 0 {
				if err := gate.CreateRequest(ctx, &refund.Request{
					ID:            "RFD_" + uuid.New().String(),
					TransactionID: txn.ID,
					Status:        refund.StatusReviewing,
					Reason:        "simulated dispute",
				}); err != nil {
					return 0, err
				}
			} else {
				gross += txn.GrossAmount
			}
			_ = bar.Add(1)
		}
	}
	return gross, nil
}

// jobs returns overlapping build requests: each week of the month, the
// whole month, and the first half, twice each, in random order.
func jobs(sellers int, monthStart time.Time) []buildJob {
	monthEnd := monthStart.AddDate(0, 1, 0).Add(-time.Nanosecond)
	var out []buildJob
	for s := 0; s < sellers; s++ {
		sellerID := fmt.Sprintf("SELLER_%03d", s)
		periods := []buildJob{
			{sellerID, monthStart, monthEnd},
			{sellerID, monthStart, monthStart.AddDate(0, 0, 15).Add(-time.Nanosecond)},
		}
		for w := monthStart; w.Before(monthEnd); w = w.AddDate(0, 0, 7) {
			periods = append(periods, buildJob{sellerID, w, w.AddDate(0, 0, 7).Add(-time.Nanosecond)})
		}
		out = append(out, periods...)
		out = append(out, periods...)
	}
	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

func runBuilds(sc *simulationClient, work []buildJob, workers int) *outcome {
	res := &outcome{}
	var mu sync.Mutex
	bar := newBar(len(work), "[cyan]Building settlements...[reset]")

	queue := make(chan buildJob)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for job := range queue {
				var result settlement.BuildResult
				status, err := sc.call("build", http.MethodPost, "/api/v1/admin/settlements", map[string]string{
					"seller_id":      job.sellerID,
					"period_start":   job.start.Format(time.RFC3339Nano),
					"period_end":     job.end.Format(time.RFC3339Nano),
					"bank_name":      "Simulated Bank",
					"account_number": "000-" + job.sellerID,
				}, &result, http.StatusConflict)

				mu.Lock()
				switch {
				case err == nil && !result.Settled:
					res.nothingToSettle++
				case err == nil:
					res.built++
					res.settlementIDs = append(res.settlementIDs, result.Settlement.ID)
				case status == http.StatusConflict && strings.Contains(err.Error(), "already exists"):
					res.duplicate++
				case status == http.StatusConflict:
					res.conflict++
				default:
					res.failed++
					log.Error().Err(err).Int("worker_id", workerID).Str("seller_id", job.sellerID).Msg("Build failed")
				}
				mu.Unlock()
				_ = bar.Add(1)
			}
		}(i)
	}
	for _, job := range work {
		queue <- job
	}
	close(queue)
	wg.Wait()
	return res
}

// startServer runs the payouts API on addr against db.
func startServer(db *gorm.DB, addr string) (*http.Server, error) {
	authService := auth.NewService("simulation-secret", time.Hour)
	if err := authService.RegisterClient(auth.Client{
		APIKey: simAPIKey, APISecret: simAPISecret, ClientID: "simulator", Role: auth.RoleAdmin,
	}); err != nil {
		return nil, err
	}

	settlementService, err := settlement.NewService(db, settlement.Config{
		Rates:       fee.DefaultRates,
		GracePeriod: settlement.DefaultGracePeriod,
		Currency:    "KRW",
		TxOptions:   database.TxOptions(database.DriverSQLite),
	})
	if err != nil {
		return nil, err
	}

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	v1 := router.Group("/api/v1")
	v1.POST("/auth/token", auth.NewGinHandlers(authService).GenerateTokenHandler())
	readers := v1.Group("/settlements", middleware.JWTAuth(authService))
	admin := v1.Group("/admin", middleware.JWTAuth(authService), middleware.RequireRole(auth.RoleAdmin))
	settlement.NewGinHandlers(settlementService).RegisterRoutes(readers, admin)

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()
	return srv, nil
}

// main seeds a ledger, hammers the build endpoint with overlapping periods
// from concurrent workers and checks that every eligible transaction was
// settled exactly once.
func main() {
	sellers := flag.Int("sellers", 10, "number of sellers")
	perSeller := flag.Int("transactions", 200, "transactions per seller")
	workers := flag.Int("workers", 8, "concurrent build workers")
	addr := flag.String("addr", "127.0.0.1:8089", "listen address of the in-process server")
	flag.Parse()

	dir, err := os.MkdirTemp("", "payouts-sim-*")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create temp dir")
	}
	defer os.RemoveAll(dir)

	db, err := database.NewDatabase(database.DriverSQLite, filepath.Join(dir, "simulation.db"))
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	// Two months back is always past the grace period.
	now := time.Now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC).AddDate(0, -2, 0)

	started := time.Now()
	eligibleGross, err := seed(db, *sellers, *perSeller, monthStart)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to seed ledger")
	}

	srv, err := startServer(db, *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to start server")
	}
	defer srv.Close()
	time.Sleep(500 * time.Millisecond)

	sc, err := newSimulationClient("http://" + *addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	res := runBuilds(sc, jobs(*sellers, monthStart), *workers)

	// Walk a share of the settlements through their lifecycle.
	for i, id := range res.settlementIDs {
		path := "/api/v1/admin/settlements/" + id + "/status"
		if i%3 == 0 {
			_, _ = sc.call("advance", http.MethodPost, path, map[string]string{"status": "REJECTED", "notes": "simulated rejection"}, nil)
			continue
		}
		if _, err := sc.call("advance", http.MethodPost, path, map[string]string{"status": "PROCESSED", "reference": "SIM-" + id}, nil); err != nil {
			continue
		}
		if i%2 == 0 {
			_, _ = sc.call("advance", http.MethodPost, path, map[string]string{"status": "PAID"}, nil)
		}
	}

	discrepancies := 0
	for s := 0; s < *sellers; s++ {
		var report settlement.ReconciliationReport
		if _, err := sc.call("reconcile", http.MethodGet, fmt.Sprintf("/api/v1/admin/reconcile/SELLER_%03d", s), nil, &report); err != nil {
			log.Error().Err(err).Msg("Reconcile failed")
			continue
		}
		discrepancies += len(report.Discrepancies)
	}

	var summary settlement.Summary
	if _, err := sc.call("summary", http.MethodGet, "/api/v1/settlements/summary", nil, &summary); err != nil {
		log.Fatal().Err(err).Msg("Summary failed")
	}

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SETTLEMENT SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Sellers:              %d
Transactions:         %d
Settlements built:    %d
Nothing to settle:    %d
Duplicate period:     %d
Conflicts:            %d
Failed builds:        %d
Settled items:        %d
Settled gross:        %d
Eligible gross:       %d
Net payable:          %d
Discrepancies:        %d
Duration:             %v
`, *sellers, *sellers**perSeller, res.built, res.nothingToSettle, res.duplicate, res.conflict, res.failed,
		summary.ItemCount, summary.TotalGross, eligibleGross, summary.NetAmount, discrepancies,
		time.Since(started).Round(time.Millisecond))

	sc.printPerformanceStats()

	if summary.TotalGross != eligibleGross || discrepancies > 0 {
		log.Error().
			Int64("settled_gross", summary.TotalGross).
			Int64("eligible_gross", eligibleGross).
			Int("discrepancies", discrepancies).
			Msg("Simulation found settled amounts that do not match the ledger")
		srv.Close()
		os.RemoveAll(dir)
		os.Exit(1)
	}
	fmt.Println("\nEvery eligible transaction was settled exactly once.")
}
