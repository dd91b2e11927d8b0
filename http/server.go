package http

import (
	"context"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/mux"
	"golang.org/x/time/rate"

	"dotracing/game"
	"dotracing/ws"
)

// Connection attempts allowed per address: a burst of 10, then one every 6s.
const (
	socketRate  = rate.Limit(10.0 / 60.0)
	socketBurst = 10
)

type Server struct {
	router   *mux.Router
	handlers *Handlers
}

// NewServer wires the routes. ctx bounds the rate limiter's background sweep.
func NewServer(ctx context.Context, lobby *game.Lobby, scores ScoreLister, wsManager *ws.Manager, staticDir string) *Server {
	router := mux.NewRouter()
	handlers := NewHandlers(lobby, scores, wsManager, staticDir)

	server := &Server{
		router:   router,
		handlers: handlers,
	}

	server.setupRoutes(ctx, staticDir)
	return server
}

func (s *Server) setupRoutes(ctx context.Context, staticDir string) {
	s.router.Use(LoggingMiddleware)
	s.router.Use(SecurityHeadersMiddleware)
	s.router.Use(CORSMiddleware)

	socketLimiter := NewRateLimiter(ctx, socketRate, socketBurst)
	s.router.Handle("/socket", socketLimiter.Middleware(http.HandlerFunc(s.handlers.HandleWebSocket)))

	s.router.HandleFunc("/ping", s.handlers.Ping).Methods("GET")

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/games/{gameId}", s.handlers.GetGame).Methods("GET")
	api.HandleFunc("/games/{gameId}/scores", s.handlers.ListScores).Methods("GET")

	s.router.PathPrefix("/api/").HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	})

	for _, dir := range []string{"css", "js", "images"} {
		prefix := "/" + dir + "/"
		s.router.PathPrefix(prefix).Handler(noCacheHandler(http.StripPrefix(prefix, http.FileServer(http.Dir(filepath.Join(staticDir, dir))))))
	}

	s.router.PathPrefix("/").HandlerFunc(s.handlers.Index)
}

func noCacheHandler(h http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Cache-Control", "no-cache")
		h.ServeHTTP(w, r)
	})
}

func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) GetHTTPServer(addr string) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}
