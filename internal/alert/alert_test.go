package alert

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestDispatcher_FansOutAndSurvivesFailures(t *testing.T) {
	var mu sync.Mutex
	var got []Alert
	ok := SinkFunc(func(_ context.Context, a Alert) error {
		mu.Lock()
		got = append(got, a)
		mu.Unlock()
		return nil
	})
	failing := SinkFunc(func(context.Context, Alert) error { return errors.New("no speaker") })
	panicking := SinkFunc(func(context.Context, Alert) error { panic("boom") })

	d := NewDispatcher(failing, panicking, ok).WithLogger(zerolog.Nop())
	id := d.Fire("New request", "New service request from Ana for clearance")
	d.Wait()

	if id == "" {
		t.Fatal("Fire() returned empty id")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(got) != 1 || got[0].ID != id || got[0].Title != "New request" {
		t.Errorf("delivered = %+v, want one alert with id %q", got, id)
	}
}

func TestBell_WritesBellCharacter(t *testing.T) {
	var buf bytes.Buffer
	if err := NewBell(&buf).Notify(context.Background(), Alert{ID: "1"}); err != nil {
		t.Fatalf("Notify() error = %v", err)
	}
	if buf.String() != "\a" {
		t.Errorf("output = %q, want %q", buf.String(), "\a")
	}
}

func TestBanner_ExpiresAfterTTL(t *testing.T) {
	now := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	b := NewBanner(0)
	b.now = func() time.Time { return now }

	if _, ok := b.Current(); ok {
		t.Fatal("Current() ok before any alert")
	}
	_ = b.Notify(context.Background(), Alert{ID: "a1", Title: "t"})

	tests := []struct {
		after time.Duration
		want  bool
	}{
		{0, true},
		{BannerTTL - time.Millisecond, true},
		{BannerTTL, false},
	}
	start := now
	for _, tt := range tests {
		now = start.Add(tt.after)
		a, ok := b.Current()
		if ok != tt.want {
			t.Errorf("Current() at +%v ok = %v, want %v", tt.after, ok, tt.want)
		}
		if ok && a.ID != "a1" {
			t.Errorf("Current() id = %q, want a1", a.ID)
		}
	}
}

func TestDesktop_SkipsWithoutPermission(t *testing.T) {
	var buf bytes.Buffer
	d := Desktop{Logger: zerolog.New(&buf)}
	_ = d.Notify(context.Background(), Alert{ID: "1", Title: "t"})
	if buf.Len() != 0 {
		t.Errorf("logged %q without permission", buf.String())
	}
	d.Permitted = true
	_ = d.Notify(context.Background(), Alert{ID: "1", Title: "t"})
	if !bytes.Contains(buf.Bytes(), []byte("desktop notification")) {
		t.Errorf("log = %q, want desktop notification entry", buf.String())
	}
}
