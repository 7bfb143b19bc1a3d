// Package server is the device's HTTP surface: firmware upload, the command
// websocket, the event stream and the captive portal landing page.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net"
	"net/http"
	"net/netip"
	"time"

	"github.com/koltyakov/duckap/internal/domain"
	"github.com/koltyakov/duckap/internal/firmware"
	"github.com/koltyakov/duckap/internal/metrics"
	"github.com/koltyakov/duckap/internal/netutil"
)

const defaultChunkSize = 4096

// History lists recorded update attempts.
type History interface {
	RecentAttempts(ctx context.Context, limit int) ([]domain.UpdateAttempt, error)
}

// Deps wires the server.
type Deps struct {
	Addr      string
	Hostname  string
	Gateway   netip.Addr
	Version   string
	ChunkSize int
	Logger    *slog.Logger
	Metrics   *metrics.Metrics
	Updater   *firmware.Updater
	Bridge    http.Handler
	Events    http.Handler
	History   History
}

type Server struct {
	addr      string
	hostname  string
	gateway   netip.Addr
	version   string
	chunkSize int
	log       *slog.Logger
	metrics   *metrics.Metrics
	updater   *firmware.Updater
	bridge    http.Handler
	events    http.Handler
	history   History
}

func New(d Deps) *Server {
	chunk := d.ChunkSize
	if chunk <= 0 {
		chunk = defaultChunkSize
	}
	return &Server{
		addr:      d.Addr,
		hostname:  d.Hostname,
		gateway:   d.Gateway,
		version:   d.Version,
		chunkSize: chunk,
		log:       d.Logger,
		metrics:   d.Metrics,
		updater:   d.Updater,
		bridge:    d.Bridge,
		events:    d.Events,
		history:   d.History,
	}
}

// Handler returns the routing table.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/update", s.handleUpdate)
	if s.bridge != nil {
		mux.Handle("/ws", s.bridge)
	}
	if s.events != nil {
		mux.Handle("/events", s.events)
	}
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/updates", s.handleUpdates)
	mux.HandleFunc("/", s.handleRoot)
	return mux
}

// Run serves HTTP on the configured address until ctx is canceled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

// Serve is Run on an existing listener.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	httpServer := &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("starting HTTP server", "addr", ln.Addr().String())
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- fmt.Errorf("http server: %w", err)
		}
	}()

	select {
	case <-ctx.Done():
		return shutdownServer(httpServer, 5*time.Second)
	case err := <-errCh:
		_ = shutdownServer(httpServer, 5*time.Second)
		return err
	}
}

func (s *Server) handleUpdates(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.history == nil {
		writeJSON(w, http.StatusOK, []updateAttemptJSON{})
		return
	}
	attempts, err := s.history.RecentAttempts(r.Context(), 20)
	if err != nil {
		s.log.Warn("list update attempts failed", "err", err)
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "history unavailable"})
		return
	}
	out := make([]updateAttemptJSON, 0, len(attempts))
	for _, a := range attempts {
		out = append(out, toJSON(a))
	}
	writeJSON(w, http.StatusOK, out)
}

type updateAttemptJSON struct {
	ID         int64      `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Filename   string     `json:"filename,omitempty"`
	Bytes      int64      `json:"bytes"`
	Outcome    string     `json:"outcome"`
	ErrorKind  string     `json:"error_kind,omitempty"`
	Digest     string     `json:"digest,omitempty"`
}

func toJSON(a domain.UpdateAttempt) updateAttemptJSON {
	return updateAttemptJSON{
		ID:         a.ID,
		StartedAt:  a.StartedAt,
		FinishedAt: a.FinishedAt,
		Filename:   a.Filename,
		Bytes:      a.Bytes,
		Outcome:    a.Outcome,
		ErrorKind:  a.ErrorKind,
		Digest:     a.Digest,
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>{{.Hostname}}</title></head>
<body>
<h1>{{.Hostname}}</h1>
<p>Version {{.Version}}</p>
<form method="POST" action="/update" enctype="multipart/form-data">
<input type="file" name="update">
<input type="submit" value="Update">
</form>
</body>
</html>
`))

// handleRoot serves the landing page to requests addressed to the device and
// redirects everything else there, which is what triggers the captive portal
// sheet on phones.
func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	if !netutil.IsDeviceHost(r.Host, s.hostname, s.gateway) || r.URL.Path != "/" {
		http.Redirect(w, r, "http://"+s.gateway.String()+"/", http.StatusFound)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_ = indexTemplate.Execute(w, struct{ Hostname, Version string }{s.hostname, s.version})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func shutdownServer(server *http.Server, timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
