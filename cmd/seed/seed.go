package main

import (
	"context"
	"fmt"
	"log"

	"github.com/nulzo/usage-telemetry-api/internal/audit"
	"github.com/nulzo/usage-telemetry-api/internal/auth"
	"github.com/nulzo/usage-telemetry-api/internal/config"
	"github.com/nulzo/usage-telemetry-api/internal/platform/logger"
	"github.com/nulzo/usage-telemetry-api/internal/store/sqlite"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal(err)
	}

	zl := logger.Get()
	defer logger.Sync()

	repo, err := sqlite.NewStorage(cfg.Database.DSN, zl)
	if err != nil {
		log.Fatal(err)
	}
	defer repo.Close()

	recorder := audit.NewRecorder(zl, repo)
	recorder.Start(context.Background())
	defer recorder.Stop()

	credentials := auth.NewCredentialStore(repo, zl, cfg.Auth)
	accounts := auth.NewAccountService(repo, credentials, recorder, zl)

	user, key, err := accounts.Register(context.Background(), "seeduser", "Seed User")
	if err != nil {
		log.Fatalf("Seed failed (user might already exist): %v", err)
	}

	fmt.Printf("Successfully seeded database!\n")
	fmt.Printf("User ID:  %s\n", user.ID)
	fmt.Printf("Username: %s\n", user.Username)
	fmt.Printf("API Key:  %s\n", key.RawKey)
	fmt.Printf("\nSign requests with the X-API-Key, X-Timestamp and X-Signature headers.\n")
}
