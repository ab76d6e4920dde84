package tokenstore

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func exerciseStore(t *testing.T, s Store) {
	t.Helper()
	ctx := context.Background()

	if _, err := s.Get(ctx, KeyAccessToken); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get() on empty store error = %v, want ErrNotFound", err)
	}
	if err := s.Set(ctx, KeyAccessToken, "access-1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, KeyRefreshToken, "refresh-1"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, KeyAccessToken, "access-2"); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}
	got, err := s.Get(ctx, KeyAccessToken)
	if err != nil || got != "access-2" {
		t.Errorf("Get() = %q, %v, want access-2", got, err)
	}
	if err := s.Delete(ctx, KeyAccessToken, KeyRefreshToken); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	for _, k := range []string{KeyAccessToken, KeyRefreshToken} {
		if _, err := s.Get(ctx, k); !errors.Is(err, ErrNotFound) {
			t.Errorf("Get(%s) after Delete error = %v, want ErrNotFound", k, err)
		}
	}
	if err := s.Delete(ctx, KeyAccessToken); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
}

func TestMemory(t *testing.T) {
	exerciseStore(t, NewMemory())
}

func TestSQLite(t *testing.T) {
	s, err := OpenSQLite(context.Background(), filepath.Join(t.TempDir(), "tokens.db"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}

func TestSQLite_SurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "tokens.db")

	s, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	if err := s.Set(ctx, KeyRefreshToken, "persisted"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	_ = s.Close()

	s2, err := OpenSQLite(ctx, path)
	if err != nil {
		t.Fatalf("OpenSQLite() reopen error = %v", err)
	}
	defer s2.Close()
	got, err := s2.Get(ctx, KeyRefreshToken)
	if err != nil || got != "persisted" {
		t.Errorf("Get() after reopen = %q, %v, want persisted", got, err)
	}
}

func TestRedis(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	s, err := OpenRedis(context.Background(), RedisOptions{Addr: addr, Prefix: "videmaison-test"})
	if err != nil {
		t.Skipf("skip: redis not available: %v", err)
	}
	defer s.Close()
	exerciseStore(t, s)
}
