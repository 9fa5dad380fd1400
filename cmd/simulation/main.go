package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/qtrade/pms-engine/internal/auth"
	"github.com/qtrade/pms-engine/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	numPortfolios = 5
	numBars       = 60
	ordersPerBar  = 3
	startingCash  = 1_000_000
	serverAddress = "http://localhost:8080"
)

var (
	securities = []string{"600000.XSHG", "600519.XSHG", "000001.XSHE", "000725.XSHE"}
	futures    = []string{"IF2609", "RB2610", "CU2609"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
	mu         sync.Mutex
}

// addDuration records a new duration measurement for the route
func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate computes performance statistics from recorded durations
// Returns min, max, mean, median, 95th percentile durations
func (rs *routeStats) calculate() (min, max, mean, median, p95 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0
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
	p95 = rs.durations[p95idx]

	return
}

// simulationClient handles HTTP communication with the engine API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

// newSimulationClient creates and initializes a new simulation client
// It authenticates with the API and prepares performance tracking
func newSimulationClient() (*simulationClient, error) {
	sc := &simulationClient{
		baseURL: serverAddress,
		client:  &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"auth":      {name: "Authentication"},
			"portfolio": {name: "Init Portfolio"},
			"orders":    {name: "Accept Orders"},
			"bar":       {name: "Bar Tick"},
			"day":       {name: "Day Lifecycle"},
			"evaluate":  {name: "Evaluate Portfolio"},
		},
	}

	token, err := sc.authenticate()
	if err != nil {
		return nil, fmt.Errorf("failed to authenticate: %w", err)
	}
	sc.authToken = token
	return sc, nil
}

// authenticate performs API authentication and returns a JWT token
func (sc *simulationClient) authenticate() (string, error) {
	credentials := map[string]string{
		"api_key":    auth.TestAPIKey,
		"api_secret": auth.TestAPISecret,
	}
	var result struct {
		Token string `json:"jwt_token"`
	}
	if err := sc.call("POST", "/api/v1/auth/token", credentials, &result, "auth"); err != nil {
		return "", err
	}
	return result.Token, nil
}

// call issues one JSON round-trip to the API, recording route timing.
func (sc *simulationClient) call(method, path string, payload, out interface{}, route string) error {
	start := time.Now()
	var failed bool
	defer func() {
		sc.stats[route].addDuration(time.Since(start), failed)
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewBuffer(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		failed = true
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if sc.authToken != "" {
		req.Header.Set("Authorization", "Bearer "+sc.authToken)
	}

	resp, err := sc.client.Do(req)
	if err != nil {
		failed = true
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		failed = true
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("API response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		failed = true
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	if out != nil {
		var envelope struct {
			Success bool            `json:"success"`
			Data    json.RawMessage `json:"data"`
		}
		if err := json.Unmarshal(respBody, &envelope); err != nil {
			failed = true
			return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
		}
		if err := json.Unmarshal(envelope.Data, out); err != nil {
			failed = true
			return fmt.Errorf("failed to decode response data: %w", err)
		}
	}
	return nil
}

// randomOrder builds a plausible order for a portfolio. Portfolios trade
// a single asset class each: securities buy in board lots, futures open
// in single-digit lots.
func randomOrder(portfolioID string, class types.AssetClass) *types.Order {
	if class == types.AssetClassSecurity {
		amount := float64((rand.Intn(10) + 1) * 100)
		return &types.Order{
			PortfolioID: portfolioID,
			Symbol:      securities[rand.Intn(len(securities))],
			Direction:   types.Long,
			OffsetFlag:  types.OffsetOpen,
			OrderAmount: amount,
			OrderType:   types.OrderTypeMarket,
			OrderTime:   time.Now(),
		}
	}
	return &types.Order{
		PortfolioID: portfolioID,
		Symbol:      futures[rand.Intn(len(futures))],
		Direction:   types.Long,
		OffsetFlag:  types.OffsetOpen,
		OrderAmount: float64(rand.Intn(3) + 1),
		OrderType:   types.OrderTypeMarket,
		OrderTime:   time.Now(),
	}
}

// randomBar walks a symbol's price and produces one minute bar.
func randomBar(symbol string, price float64, minute time.Time) (types.MarketBar, float64) {
	drift := price * (rand.Float64()*0.004 - 0.002)
	open := price + drift
	high := open * (1 + rand.Float64()*0.002)
	low := open * (1 - rand.Float64()*0.002)
	closePx := low + rand.Float64()*(high-low)
	bar := types.MarketBar{
		Symbol:    symbol,
		Open:      open,
		High:      high,
		Low:       low,
		Close:     closePx,
		PreClose:  price,
		Volume:    float64(rand.Intn(9000) + 1000),
		BarMinute: minute,
	}
	return bar, closePx
}

// main drives one simulated trading day against a running server:
// portfolios are seeded, the session opens, orders and bars interleave
// minute by minute, and the session settles.
func main() {
	sc, err := newSimulationClient()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize simulation client")
	}

	// Seed portfolios, alternating asset class; each portfolio trades
	// one class only.
	portfolios := make([]string, 0, numPortfolios)
	classes := make(map[string]types.AssetClass, numPortfolios)
	for i := 0; i < numPortfolios; i++ {
		id := fmt.Sprintf("SIM-PORT-%03d", i+1)
		payload := map[string]interface{}{"portfolio_id": id, "cash": float64(startingCash)}
		if err := sc.call("POST", "/api/v1/portfolios", payload, nil, "portfolio"); err != nil {
			log.Fatal().Err(err).Str("portfolio_id", id).Msg("failed to seed portfolio")
		}
		portfolios = append(portfolios, id)
		if i%2 == 0 {
			classes[id] = types.AssetClassSecurity
		} else {
			classes[id] = types.AssetClassFutures
		}
	}

	// Open the session
	if err := sc.call("POST", "/api/v1/internal/day/pre", nil, nil, "day"); err != nil {
		log.Fatal().Err(err).Msg("pre trading day failed")
	}

	// Seed a price walk per symbol
	prices := make(map[string]float64)
	for _, s := range securities {
		prices[s] = 8 + rand.Float64()*40
	}
	for _, s := range futures {
		prices[s] = 2000 + rand.Float64()*3000
	}

	minute := time.Now().Truncate(time.Minute)
	submitted, barsSent := 0, 0
	for i := 0; i < numBars; i++ {
		minute = minute.Add(time.Minute)

		// A few fresh orders each minute
		batch := make([]*types.Order, 0, ordersPerBar)
		for j := 0; j < ordersPerBar; j++ {
			id := portfolios[rand.Intn(len(portfolios))]
			batch = append(batch, randomOrder(id, classes[id]))
		}
		var accepted []types.Order
		if err := sc.call("POST", "/api/v1/orders", batch, &accepted, "orders"); err != nil {
			log.Error().Err(err).Msg("order submission failed")
		} else {
			submitted += len(accepted)
		}

		// One bar per symbol per minute
		for symbol := range prices {
			bar, next := randomBar(symbol, prices[symbol], minute)
			prices[symbol] = next
			if err := sc.call("POST", "/api/v1/internal/bars", bar, nil, "bar"); err != nil {
				log.Error().Err(err).Str("symbol", symbol).Msg("bar tick failed")
				continue
			}
			barsSent++
		}
	}

	// Settle the session
	if err := sc.call("POST", "/api/v1/internal/day/post", nil, nil, "day"); err != nil {
		log.Fatal().Err(err).Msg("post trading day failed")
	}

	// Inspect final state
	for _, id := range portfolios {
		var schemas map[string]types.PositionSchema
		if err := sc.call("GET", "/api/v1/portfolios/"+id, nil, &schemas, "evaluate"); err != nil {
			log.Error().Err(err).Str("portfolio_id", id).Msg("evaluation failed")
			continue
		}
		if schema, ok := schemas[id]; ok {
			log.Info().
				Str("portfolio_id", id).
				Float64("portfolio_value", schema.PortfolioValue).
				Float64("cash", schema.Cash).
				Float64("daily_return", schema.DailyReturn).
				Int("positions", len(schema.Positions)).
				Msg("portfolio settled")
		}
	}

	log.Info().
		Int("orders_submitted", submitted).
		Int("bars_sent", barsSent).
		Msg("simulation completed")

	printStats(sc)
}

// printStats reports per-route latency statistics
func printStats(sc *simulationClient) {
	routes := make([]string, 0, len(sc.stats))
	for route := range sc.stats {
		routes = append(routes, route)
	}
	sort.Strings(routes)

	for _, route := range routes {
		rs := sc.stats[route]
		if rs.totalCalls == 0 {
			continue
		}
		min, max, mean, median, p95 := rs.calculate()
		log.Info().
			Str("route", rs.name).
			Int("calls", rs.totalCalls).
			Int("failures", rs.failures).
			Dur("min", min).
			Dur("max", max).
			Dur("mean", mean).
			Dur("median", median).
			Dur("p95", p95).
			Msg("route statistics")
	}
}
