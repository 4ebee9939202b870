package oauth

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	"github.com/onnwee/tmi-engine/db"
	"github.com/onnwee/tmi-engine/testutil"
)

func seedToken(t *testing.T, dbx *sql.DB, provider, access, refresh string, expiry time.Time, scope string) {
	t.Helper()
	if _, err := dbx.Exec(`DELETE FROM oauth_tokens WHERE provider=$1`, provider); err != nil {
		t.Fatalf("failed to clear token row: %v", err)
	}
	if err := db.UpsertOAuthToken(context.Background(), dbx, provider, access, refresh, expiry, scope); err != nil {
		t.Fatalf("failed to seed token: %v", err)
	}
}

func TestStartRefresherOutsideWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedToken(t, dbx, "test-provider", "access123", "refresh456", time.Now().Add(1*time.Hour), "scope1")

	refreshCalled := false
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 50*time.Millisecond, 30*time.Minute, refreshFunc, nil)
	<-ctx.Done()

	if refreshCalled {
		t.Error("refresh should not have been called for token that expires in 1 hour with 30 min window")
	}
}

func TestStartRefresherWithinWindow(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedToken(t, dbx, "test-provider", "old-access", "old-refresh", time.Now().Add(5*time.Minute), "scope1")

	refreshed := make(chan string, 1)
	newExpiry := time.Now().Add(2 * time.Hour)
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		if refreshToken != "old-refresh" {
			t.Errorf("refresh called with wrong token: got %s, want old-refresh", refreshToken)
		}
		return "new-access", "new-refresh", newExpiry, "scope2", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 100*time.Millisecond, 15*time.Minute, refreshFunc, func(access string) {
		select {
		case refreshed <- access:
		default:
		}
	})

	select {
	case access := <-refreshed:
		if access != "new-access" {
			t.Errorf("onRefresh got %s, want new-access", access)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("refresh never happened for token expiring within window")
	}

	access, refresh, _, scope, err := db.GetOAuthToken(context.Background(), dbx, "test-provider")
	if err != nil {
		t.Fatalf("failed to read updated token: %v", err)
	}
	if access != "new-access" || refresh != "new-refresh" || scope != "scope2" {
		t.Errorf("stored token = %q/%q/%q", access, refresh, scope)
	}
}

func TestStartRefresherRefreshError(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedToken(t, dbx, "test-provider", "old-access", "old-refresh", time.Now().Add(5*time.Minute), "scope1")

	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "", "", time.Time{}, "", errors.New("refresh failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 400*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 50*time.Millisecond, 15*time.Minute, refreshFunc, nil)
	<-ctx.Done()
	time.Sleep(50 * time.Millisecond)

	access, _, _, _, err := db.GetOAuthToken(context.Background(), dbx, "test-provider")
	if err != nil {
		t.Fatalf("failed to read token: %v", err)
	}
	if access != "old-access" {
		t.Errorf("token should not have been updated on error, got %s", access)
	}
}

func TestStartRefresherNoRefreshToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedToken(t, dbx, "test-provider", "access123", "", time.Now().Add(5*time.Minute), "scope1")

	refreshCalled := false
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		refreshCalled = true
		return "new-access", "new-refresh", time.Now().Add(2 * time.Hour), "scope1", nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 50*time.Millisecond, 15*time.Minute, refreshFunc, nil)
	<-ctx.Done()

	if refreshCalled {
		t.Error("refresh should not be called when refresh_token is empty")
	}
}

func TestStartRefresherCancellation(t *testing.T) {
	dbx := testutil.SetupTestDB(t)

	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "access", "refresh", time.Now().Add(1 * time.Hour), "scope", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	StartRefresher(ctx, dbx, "test-provider", 1*time.Second, 15*time.Minute, refreshFunc, nil)
	cancel()

	// If we get here without hanging, cancellation works
	time.Sleep(50 * time.Millisecond)
}

func TestStartRefresherPreservesRefreshToken(t *testing.T) {
	dbx := testutil.SetupTestDB(t)
	seedToken(t, dbx, "test-provider", "old-access", "original-refresh", time.Now().Add(5*time.Minute), "scope1")

	refreshed := make(chan struct{}, 1)
	// Refresh function returns empty refresh token and scope; the originals
	// must be preserved.
	refreshFunc := func(ctx context.Context, refreshToken string) (string, string, time.Time, string, error) {
		return "new-access", "", time.Now().Add(2 * time.Hour), "", nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	StartRefresher(ctx, dbx, "test-provider", 50*time.Millisecond, 15*time.Minute, refreshFunc, func(string) {
		select {
		case refreshed <- struct{}{}:
		default:
		}
	})

	select {
	case <-refreshed:
	case <-time.After(3 * time.Second):
		t.Fatal("refresh never happened")
	}

	_, refresh, _, scope, err := db.GetOAuthToken(context.Background(), dbx, "test-provider")
	if err != nil {
		t.Fatalf("failed to read token: %v", err)
	}
	if refresh != "original-refresh" {
		t.Errorf("refresh token should be preserved, got %s, want original-refresh", refresh)
	}
	if scope != "scope1" {
		t.Errorf("scope should be preserved, got %s, want scope1", scope)
	}
}
