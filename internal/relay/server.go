package relay

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/zombor/receipt-ledger/internal/archive"
	"github.com/zombor/receipt-ledger/internal/ledger"
	"github.com/zombor/receipt-ledger/internal/receipt"
	"github.com/zombor/receipt-ledger/internal/scanning"
)

const sessionCookie = "session"

// Config holds the relay settings resolved at startup
type Config struct {
	// LoginID and LoginPass are the single shared credential
	LoginID   string
	LoginPass string
	// CookieSecure marks the session cookie Secure; disable only for plain http
	CookieSecure bool
	Profile      receipt.Profile
	// Payers, when set, restricts the payer column of saved rows
	Payers []string
	// Archive optionally keeps a copy of every extracted image
	Archive archive.Storage
}

// Server relays the browser to the generation model and the spreadsheet
type Server struct {
	cfg       Config
	sessions  *SessionStore
	generator scanning.Generator
	appender  ledger.Appender
	mux       *http.ServeMux

	mu   sync.Mutex
	http *http.Server
}

// NewServer creates a new Server with default mux
func NewServer(cfg Config, sessions *SessionStore, generator scanning.Generator, appender ledger.Appender) *Server {
	return NewServerWithMux(cfg, sessions, generator, appender, http.NewServeMux())
}

// NewServerWithMux creates a new Server with a custom mux for testing
func NewServerWithMux(cfg Config, sessions *SessionStore, generator scanning.Generator, appender ledger.Appender, mux *http.ServeMux) *Server {
	s := &Server{
		cfg:       cfg,
		sessions:  sessions,
		generator: generator,
		appender:  appender,
		mux:       mux,
	}
	s.registerRoutes()
	return s
}

// public paths are reachable without a session
var public = map[string]bool{
	"/login":          true,
	"/static/app.css": true,
}

// authenticated reports whether the request carries a live session
func (s *Server) authenticated(r *http.Request) bool {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil || cookie.Value == "" {
		return false
	}
	if err := s.sessions.Valid(cookie.Value); err != nil {
		slog.Debug("Rejected session", "error", err)
		return false
	}
	return true
}

// gate redirects every non-public request without a session to the login page
func (s *Server) gate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !public[r.URL.Path] && !s.authenticated(r) {
			http.Redirect(w, r, "/login", http.StatusFound)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// registerRoutes registers all routes on the server's mux
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /login", s.handleLoginPage)
	s.mux.HandleFunc("POST /login", s.handleLogin)
	s.mux.HandleFunc("POST /logout", s.handleLogout)

	s.mux.HandleFunc("GET /static/app.css", s.handleStaticCSS)
	s.mux.HandleFunc("GET /static/app.js", s.handleStaticJS)

	s.mux.HandleFunc("GET /api/config", s.handleConfig)
	s.mux.HandleFunc("POST /prepare-image", s.handlePrepareImage)
	s.mux.HandleFunc("POST /extract-image", s.handleExtractImage)
	s.mux.HandleFunc("POST /save-receipt", s.handleSaveReceipt)

	s.mux.HandleFunc("GET /{$}", s.handleIndex)
	s.mux.HandleFunc("GET /index.html", s.handleIndex)
}

// Start starts the HTTP server and blocks until it stops
func (s *Server) Start(addr string) error {
	slog.Info("Starting server", "address", addr)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.mu.Lock()
	s.http = srv
	s.mu.Unlock()
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv := s.http
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	return srv.Shutdown(ctx)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.gate(s.mux).ServeHTTP(w, r)
}
