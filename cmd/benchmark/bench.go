package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"strconv"
	"time"

	"github.com/nulzo/usage-telemetry-api/internal/auth"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

const appPort = 8081

// Load driver for the ingestion path. Builds and boots the server with
// loosened limits, registers a throwaway user, then fires signed
// session submissions at the configured rate. Every request carries a
// unique endedAt so dedup and frequency gates stay out of the way.
func main() {
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rate := flag.Int("rate", 50, "Requests per second")
	flag.Parse()

	fmt.Println("Building application...")
	buildCmd := exec.Command("go", "build", "-o", "bin/server", "./cmd/server")
	buildCmd.Stdout = os.Stdout
	buildCmd.Stderr = os.Stderr
	if err := buildCmd.Run(); err != nil {
		log.Fatalf("Failed to build app: %v", err)
	}

	fmt.Println("Starting application...")
	cmd := exec.Command("./bin/server")
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("SERVER_PORT=%d", appPort),
		"SERVER_ENV=development",
		"DATABASE_DSN=bench.db",
		"REDIS_ENABLED=false",
		"AUTH_MASTER_KEY=bench-master-key",
		"AUTH_KEY_PEPPER=bench-pepper",
		"RATE_LIMIT_MODE=graceful",
		"RATE_LIMIT_FALLBACK_PER_MINUTE=10000000",
		"INGEST_MIN_SESSION_INTERVAL=0s",
		"LOG_LEVEL=error",
	)

	logFile, _ := os.Create("bench_server.log")
	defer logFile.Close()
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		log.Fatalf("Failed to start app: %v", err)
	}
	defer func() {
		if cmd.Process != nil {
			cmd.Process.Kill()
		}
	}()

	waitForApp(fmt.Sprintf("http://localhost:%d/health", appPort))

	rawKey := registerUser()
	fmt.Printf("Registered bench user, key prefix %s...\n", rawKey[:11])

	fmt.Printf("Running ingestion benchmark: %s duration, %d req/s\n", *duration, *rate)

	// Spread endedAt across the tolerance window so every submission
	// hashes differently.
	endedAt := time.Now().Add(-12 * time.Hour)
	seq := 0

	targeter := func(t *vegeta.Target) error {
		seq++
		body, err := json.Marshal(map[string]interface{}{
			"toolType":            "claude_code",
			"modelName":           "claude-sonnet-4",
			"inputTokens":         1000 + rand.Intn(5000),
			"outputTokens":        500 + rand.Intn(2000),
			"cacheCreationTokens": rand.Intn(1000),
			"cacheReadTokens":     rand.Intn(10000),
			"startedAt":           endedAt.Add(time.Duration(seq)*time.Second - time.Minute).UTC().Format(time.RFC3339),
			"endedAt":             endedAt.Add(time.Duration(seq) * time.Second).UTC().Format(time.RFC3339),
			"durationSeconds":     60,
			"turnCount":           1 + rand.Intn(20),
		})
		if err != nil {
			return err
		}

		timestamp := strconv.FormatInt(time.Now().Unix(), 10)

		t.Method = "POST"
		t.URL = fmt.Sprintf("http://localhost:%d/v1/sessions", appPort)
		t.Body = body
		t.Header = http.Header{
			"Content-Type":       []string{"application/json"},
			auth.HeaderAPIKey:    []string{rawKey},
			auth.HeaderTimestamp: []string{timestamp},
			auth.HeaderSignature: []string{auth.Sign(rawKey, timestamp, body)},
		}
		return nil
	}

	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	var metrics vegeta.Metrics

	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: *rate, Per: time.Second}, *duration, "Ingestion") {
		metrics.Add(res)
	}
	metrics.Close()

	fmt.Println("--------------------------------------------------")
	fmt.Println("99th percentile: ", metrics.Latencies.P99)
	fmt.Println("Mean:            ", metrics.Latencies.Mean)
	fmt.Println("Max:             ", metrics.Latencies.Max)
	fmt.Printf("Success:         %.2f%%\n", metrics.Success*100)
	fmt.Printf("Throughput:      %.2f req/s\n", metrics.Throughput)
	fmt.Println("--------------------------------------------------")

	if len(metrics.Errors) > 0 {
		fmt.Println("Error Set (first 5 unique):")
		uniqueErrors := make(map[string]bool)
		count := 0
		for _, msg := range metrics.Errors {
			if !uniqueErrors[msg] && count < 5 {
				fmt.Println(msg)
				uniqueErrors[msg] = true
				count++
			}
		}
	}

	os.Remove("bench.db")
}

func registerUser() string {
	body := fmt.Sprintf(`{"username": "bench%d"}`, time.Now().Unix())
	resp, err := http.Post(
		fmt.Sprintf("http://localhost:%d/v1/users/register", appPort),
		"application/json",
		bytes.NewReader([]byte(body)),
	)
	if err != nil {
		log.Fatalf("Failed to register bench user: %v", err)
	}
	defer resp.Body.Close()

	var envelope struct {
		Data struct {
			APIKey string `json:"api_key"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		log.Fatalf("Failed to decode registration response: %v", err)
	}
	if envelope.Data.APIKey == "" {
		log.Fatalf("Registration returned no key (status %d)", resp.StatusCode)
	}
	return envelope.Data.APIKey
}

func waitForApp(url string) {
	for i := 0; i < 20; i++ {
		resp, err := http.Get(url)
		if err == nil && resp.StatusCode == 200 {
			return
		}
		time.Sleep(500 * time.Millisecond)
	}
	log.Fatal("App timed out")
}
