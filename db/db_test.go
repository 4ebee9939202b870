package db

import (
	"context"
	"database/sql"
	"os"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()
	dsn := os.Getenv("TEST_PG_DSN")
	if dsn == "" {
		t.Skip("TEST_PG_DSN not set; skipping postgres test")
	}
	database, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := Migrate(context.Background(), database); err != nil {
		database.Close()
		t.Fatalf("migrate: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func TestMigrateIdempotent(t *testing.T) {
	database := setupTestDB(t)
	// A second run must be a no-op, not a failure.
	if err := Migrate(context.Background(), database); err != nil {
		t.Fatalf("second migrate: %v", err)
	}
}

func TestOAuthTokenRoundTrip(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	if err := UpsertOAuthToken(ctx, database, "twitch-test", "access-1", "refresh-1", expiry, "chat:read"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	access, refresh, gotExpiry, scope, err := GetOAuthToken(ctx, database, "twitch-test")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "access-1" || refresh != "refresh-1" || scope != "chat:read" {
		t.Errorf("token = %q/%q/%q", access, refresh, scope)
	}
	if !gotExpiry.Equal(expiry) {
		t.Errorf("expiry = %v, want %v", gotExpiry, expiry)
	}

	// Upsert replaces, never duplicates.
	if err := UpsertOAuthToken(ctx, database, "twitch-test", "access-2", "refresh-2", expiry, "chat:read chat:edit"); err != nil {
		t.Fatalf("second upsert: %v", err)
	}
	access, _, _, _, err = GetOAuthToken(ctx, database, "twitch-test")
	if err != nil {
		t.Fatalf("get after update: %v", err)
	}
	if access != "access-2" {
		t.Errorf("access = %q, want access-2", access)
	}
}

func TestGetOAuthTokenAbsent(t *testing.T) {
	database := setupTestDB(t)
	access, refresh, expiry, scope, err := GetOAuthToken(context.Background(), database, "no-such-provider")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if access != "" || refresh != "" || scope != "" || !expiry.IsZero() {
		t.Errorf("absent provider returned %q/%q/%v/%q", access, refresh, expiry, scope)
	}
}

func TestSyncUsers(t *testing.T) {
	database := setupTestDB(t)
	ctx := context.Background()

	rows := []UserRow{
		{ID: 1, Login: "bob", DisplayName: "Bob"},
		{ID: 2, Login: "alice", DisplayName: "Alice"},
	}
	if err := SyncUsers(ctx, database, rows); err != nil {
		t.Fatalf("sync: %v", err)
	}
	// Re-sync with a changed display name updates in place.
	rows[0].DisplayName = "BOB"
	if err := SyncUsers(ctx, database, rows); err != nil {
		t.Fatalf("second sync: %v", err)
	}
	var display string
	if err := database.QueryRowContext(ctx, `SELECT display_name FROM chat_users WHERE user_id = 1`).Scan(&display); err != nil {
		t.Fatalf("select: %v", err)
	}
	if display != "BOB" {
		t.Errorf("display_name = %q, want BOB", display)
	}
}
