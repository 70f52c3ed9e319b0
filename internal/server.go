package internal

import (
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"chatline/internal/auth"
	"chatline/internal/delivery"
	"chatline/internal/presence"
)

// ServerOptions tunes the limits of a Server. Zero values pick defaults.
type ServerOptions struct {
	UploadDir      string
	MaxUploadBytes int64
	AuthRateLimit  int
	AuthRateWindow time.Duration
	SendRateLimit  int
	SendRateWindow time.Duration
}

func (o *ServerOptions) applyDefaults() {
	if o.UploadDir == "" {
		o.UploadDir = "uploads"
	}
	if o.MaxUploadBytes == 0 {
		o.MaxUploadBytes = 5 * 1024 * 1024
	}
	if o.AuthRateLimit == 0 {
		o.AuthRateLimit = 10
	}
	if o.AuthRateWindow == 0 {
		o.AuthRateWindow = time.Minute
	}
	if o.SendRateLimit == 0 {
		o.SendRateLimit = 20
	}
	if o.SendRateWindow == 0 {
		o.SendRateWindow = 5 * time.Second
	}
}

// Server ties the HTTP API and the websocket sessions to the presence
// registry and the delivery coordinator.
type Server struct {
	accounts    *auth.Service
	registry    *presence.Registry
	coord       *delivery.Coordinator
	uploads     *FileUploadHandler
	metrics     *Metrics
	authLimiter *RateLimiter
	sendLimiter *RateLimiter
	log         *slog.Logger

	mu       sync.Mutex
	sessions map[*wsSession]struct{}
}

func NewServer(accounts *auth.Service, messages delivery.MessageStore, directory delivery.Directory, opts ServerOptions, log *slog.Logger) *Server {
	opts.applyDefaults()
	metrics := NewMetrics()
	registry := presence.NewRegistry(presence.NewBroadcaster(log, metrics), log)
	return &Server{
		accounts:    accounts,
		registry:    registry,
		coord:       delivery.NewCoordinator(messages, directory, registry, metrics, log),
		uploads:     NewFileUploadHandler(opts.UploadDir, opts.MaxUploadBytes, metrics, log),
		metrics:     metrics,
		authLimiter: NewRateLimiter(opts.AuthRateLimit, opts.AuthRateWindow),
		sendLimiter: NewRateLimiter(opts.SendRateLimit, opts.SendRateWindow),
		log:         log,
		sessions:    make(map[*wsSession]struct{}),
	}
}

// Routes mounts every endpoint; the websocket lives at wsPath.
func (s *Server) Routes(wsPath string) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc(wsPath, s.ServeWS)
	mux.HandleFunc("/api/auth/signup", s.HandleSignup)
	mux.HandleFunc("/api/auth/login", s.HandleLogin)
	mux.HandleFunc("/api/auth/check", s.HandleCheck)
	mux.HandleFunc("/api/auth/profile", s.HandleProfile)
	mux.HandleFunc("/api/users", s.HandleUsers)
	mux.HandleFunc("/api/upload", s.requireUser(s.uploads.HandleUpload))
	mux.HandleFunc("/api/files/", s.uploads.HandleDownload)
	mux.HandleFunc("/api/status", s.HandleStatus)
	mux.Handle("/metrics", s.metrics.Handler())
	return mux
}

// Registry exposes the presence registry, mainly for status reporting.
func (s *Server) Registry() *presence.Registry {
	return s.registry
}

// Close drops every registration and hangs up every websocket.
func (s *Server) Close() {
	s.registry.Close()
	s.mu.Lock()
	sessions := make([]*wsSession, 0, len(s.sessions))
	for session := range s.sessions {
		sessions = append(sessions, session)
	}
	s.mu.Unlock()
	for _, session := range sessions {
		session.closeSend()
	}
}

// SweepLimiters forgets idle rate limiter keys.
func (s *Server) SweepLimiters() {
	s.authLimiter.Sweep()
	s.sendLimiter.Sweep()
}

func (s *Server) track(session *wsSession) {
	s.mu.Lock()
	s.sessions[session] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(session *wsSession) {
	s.mu.Lock()
	delete(s.sessions, session)
	s.mu.Unlock()
}

func (s *Server) clientIP(r *http.Request) string {
	if forwarded := r.Header.Get("X-Forwarded-For"); forwarded != "" {
		first, _, _ := strings.Cut(forwarded, ",")
		return strings.TrimSpace(first)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if token, ok := strings.CutPrefix(header, "Bearer "); ok {
		return strings.TrimSpace(token)
	}
	return ""
}

// authenticateRequest resolves the caller from the Authorization header.
func (s *Server) authenticateRequest(r *http.Request) (string, error) {
	return s.accounts.Authenticate(bearerToken(r))
}
