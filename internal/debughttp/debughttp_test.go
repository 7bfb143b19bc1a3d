package debughttp

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	ilog "github.com/koltyakov/duckap/internal/log"
)

func TestMuxServesPprofIndex(t *testing.T) {
	t.Parallel()

	req := httptest.NewRequest(http.MethodGet, "/debug/pprof/", nil)
	rr := httptest.NewRecorder()

	newMux(nil).ServeHTTP(rr, req)

	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if !strings.Contains(rr.Body.String(), "goroutine") {
		t.Fatalf("expected pprof index body, got %q", rr.Body.String())
	}
}

func TestMuxServesMetricsWhenProvided(t *testing.T) {
	t.Parallel()

	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "duckap_up 1\n")
	})
	rr := httptest.NewRecorder()
	newMux(metrics).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Body.String() != "duckap_up 1\n" {
		t.Fatalf("unexpected metrics body %q", rr.Body.String())
	}

	rr = httptest.NewRecorder()
	newMux(nil).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rr.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without metrics, got %d", rr.Code)
	}
}

func TestStartDisabledAndBound(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	addr, err := Start(ctx, "  ", ilog.Discard(), nil)
	if err != nil || addr != nil {
		t.Fatalf("disabled Start() = %v, %v", addr, err)
	}

	addr, err = Start(ctx, "127.0.0.1:0", ilog.Discard(), nil)
	if err != nil {
		t.Fatal(err)
	}
	resp, err := http.Get("http://" + addr.String() + "/debug/pprof/")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}
