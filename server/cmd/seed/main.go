// Package main implements a one-shot seed command that creates a team
// directly in the ShutterSense database and prints a registration token for
// it. It lives inside the server module so it can access server/internal/*
// packages.
//
// Usage (from monorepo root):
//
//	go run ./server/cmd/seed --name "Studio North"
//
// Environment variables:
//
//	SSENSE_DB_DSN      SQLite file path or Postgres DSN (default: ./shuttersense.db)
//	SSENSE_SECRET_KEY  Master encryption key — must match the value used by the server
//	SSENSE_DATA_DIR    Where the server keeps its registration key pair (default: ./data)
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
	"go.uber.org/zap"
	gormlogger "gorm.io/gorm/logger"

	"github.com/fabrice-guiot/shuttersense/server/internal/auth"
	"github.com/fabrice-guiot/shuttersense/server/internal/db"
	"github.com/fabrice-guiot/shuttersense/server/internal/repositories"
	"github.com/fabrice-guiot/shuttersense/shared/guid"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	// ─── Flags ────────────────────────────────────────────────────────────────

	name := flag.String("name", "", "Team name (required)")
	flag.Parse()

	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	// ─── Config ───────────────────────────────────────────────────────────────

	dsn := envOrDefault("SSENSE_DB_DSN", "./shuttersense.db")
	dataDir := envOrDefault("SSENSE_DATA_DIR", "./data")

	secretKey := os.Getenv("SSENSE_SECRET_KEY")
	if secretKey == "" {
		return fmt.Errorf(
			"SSENSE_SECRET_KEY is not set\n" +
				"  Set it to the same value used by the server, otherwise\n" +
				"  encrypted connector credentials will be unreadable.",
		)
	}

	// ─── Encryption ───────────────────────────────────────────────────────────

	// InitEncryption must be called before any DB operation so that
	// EncryptedString fields are encoded correctly on write.
	if err := db.InitEncryption([]byte(secretKey)); err != nil {
		return fmt.Errorf("init encryption: %w", err)
	}

	// ─── Database ─────────────────────────────────────────────────────────────

	logger, _ := zap.NewDevelopment()

	database, err := db.New(db.Config{
		Driver:   "sqlite",
		DSN:      dsn,
		Logger:   logger,
		LogLevel: gormlogger.Silent, // suppress GORM query logs in seed output
	})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}

	sqlDB, err := database.DB()
	if err != nil {
		return fmt.Errorf("get sql.DB: %w", err)
	}
	defer sqlDB.Close()

	// ─── Create team ──────────────────────────────────────────────────────────

	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("new team id: %w", err)
	}
	teamGUID, err := guid.FromUUID(guid.PrefixTeam, id)
	if err != nil {
		return err
	}

	teamRepo := repositories.NewTeamRepository(database)
	team := &db.Team{
		GUID:       teamGUID,
		Name:       *name,
		ConfigJSON: "{}",
	}
	team.ID = id

	if err := teamRepo.Create(context.Background(), team); err != nil {
		return fmt.Errorf("create team: %w", err)
	}

	// ─── Mint registration token ──────────────────────────────────────────────

	// Reuse the server's persisted key pair when present so the token stays
	// valid across server restarts; otherwise the token only works against
	// a server generating the same ephemeral keys, which is to say: run the
	// seed with SSENSE_DATA_DIR pointing at the server's data directory.
	privPath := filepath.Join(dataDir, "registration_key.pem")
	pubPath := filepath.Join(dataDir, "registration_key.pub.pem")

	var tokens *auth.TokenManager
	if _, statErr := os.Stat(privPath); statErr == nil {
		tokens, err = auth.NewTokenManagerFromFiles(privPath, pubPath, "shuttersense-server")
	} else {
		tokens, err = nil, fmt.Errorf("no registration key pair in %s", dataDir)
	}

	fmt.Printf("✓ Team created\n")
	fmt.Printf("  GUID: %s\n", team.GUID)
	fmt.Printf("  Name: %s\n", team.Name)

	if err != nil {
		fmt.Printf("  (no registration token minted: %v)\n", err)
		fmt.Printf("  Use POST /api/v1/teams/%s/registration-token instead.\n", team.GUID)
		return nil
	}

	token, err := tokens.GenerateRegistrationToken(team.GUID)
	if err != nil {
		return fmt.Errorf("mint registration token: %w", err)
	}
	fmt.Printf("  Registration token (8h):\n  %s\n", token)

	return nil
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
