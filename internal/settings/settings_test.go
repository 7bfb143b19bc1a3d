package settings

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/koltyakov/duckap/internal/domain"
	ilog "github.com/koltyakov/duckap/internal/log"
)

func TestOpenWritesDefaults(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "nested", "settings.ini")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if got := store.Get(); got != Defaults() {
		t.Fatalf("expected defaults, got %+v", got)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("expected settings file to be created: %v", err)
	}
}

func TestSetPersistsAcrossOpen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.ini")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set("SSID", "duck-lab"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("channel", "11"); err != nil {
		t.Fatal(err)
	}
	if err := store.Set("autorun", "hello.txt"); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	got := reopened.Get()
	if got.SSID != "duck-lab" || got.Channel != 11 || got.Autorun != "hello.txt" {
		t.Fatalf("unexpected reloaded settings: %+v", got)
	}

	cfg := got.AccessPoint(domain.DefaultGateway)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("reloaded settings should produce a valid AP config: %v", err)
	}
}

func TestSetRejectsInvalidValues(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "settings.ini"))
	if err != nil {
		t.Fatal(err)
	}

	cases := [][2]string{
		{"channel", "abc"},
		{"channel", "20"},
		{"password", "short"},
		{"ssid", ""},
		{"color", "blue"},
	}
	for _, c := range cases {
		if err := store.Set(c[0], c[1]); err == nil {
			t.Fatalf("expected Set(%q, %q) to fail", c[0], c[1])
		}
	}
	if got := store.Get(); got != Defaults() {
		t.Fatalf("failed sets must not change settings, got %+v", got)
	}
}

func TestResetAndLines(t *testing.T) {
	t.Parallel()

	store, err := Open(filepath.Join(t.TempDir(), "settings.ini"))
	if err != nil {
		t.Fatal(err)
	}
	if err := store.Set("ssid", "changed"); err != nil {
		t.Fatal(err)
	}
	if err := store.Reset(); err != nil {
		t.Fatal(err)
	}

	want := "ssid=wifiduck\npassword=wifiduck\nchannel=1\nautorun="
	if got := strings.Join(store.Get().Lines(), "\n"); got != want {
		t.Fatalf("got %q, want %q", got, want)
	}
}

func TestReloadKeepsCurrentOnInvalidFile(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.ini")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}

	if err := os.WriteFile(path, []byte("ssid = lab\npassword = longenough\nchannel = 6\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if got := store.Get(); got.SSID != "lab" || got.Channel != 6 {
		t.Fatalf("reloaded settings = %+v", got)
	}

	if err := os.WriteFile(path, []byte("channel = 40\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := store.Reload(); err == nil {
		t.Fatal("expected invalid channel to be rejected")
	}
	if got := store.Get(); got.SSID != "lab" || got.Channel != 6 {
		t.Fatalf("settings changed after rejected reload: %+v", got)
	}
}

func TestWatchPicksUpExternalEdits(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "settings.ini")
	store, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- store.Watch(ctx, ilog.Discard()) }()
	defer func() {
		cancel()
		<-done
	}()

	// The watcher registers asynchronously; keep rewriting until it notices.
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := os.WriteFile(path, []byte("ssid = watched\npassword = wifiduck\nchannel = 3\n"), 0o644); err != nil {
			t.Fatal(err)
		}
		time.Sleep(50 * time.Millisecond)
		if store.Get().SSID == "watched" {
			return
		}
	}
	t.Fatalf("settings never reloaded, got %+v", store.Get())
}
