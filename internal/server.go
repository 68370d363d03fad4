package internal

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"chatcore/internal/log"
	"chatcore/internal/presence"
	"chatcore/internal/registry"
	"chatcore/internal/session"
	"chatcore/internal/storage"
)

// ServerOptions tunes the HTTP/WebSocket server. Zero values fall back to
// the defaults below.
type ServerOptions struct {
	TokenTTL       time.Duration
	StoreTimeout   time.Duration
	AuthRateLimit  int
	AuthRateWindow time.Duration
	// EventRate and EventBurst bound inbound websocket frames per connection.
	EventRate      float64
	EventBurst     int
	AllowedOrigins []string
}

func (o ServerOptions) withDefaults() ServerOptions {
	if o.TokenTTL <= 0 {
		o.TokenTTL = 7 * 24 * time.Hour
	}
	if o.AuthRateLimit <= 0 {
		o.AuthRateLimit = 10
	}
	if o.AuthRateWindow <= 0 {
		o.AuthRateWindow = time.Minute
	}
	if o.EventRate <= 0 {
		o.EventRate = 10
	}
	if o.EventBurst <= 0 {
		o.EventBurst = 30
	}
	return o
}

// Server owns the realtime registry and serves the HTTP surface around it.
type Server struct {
	store       *storage.Store
	registry    *registry.Registry
	sessions    *session.Handler
	presence    presence.Tracker
	metrics     *Metrics
	authLimiter *AuthLimiter
	eventRate   rate.Limit
	eventBurst  int
	tokenTTL    time.Duration
	upgrader    websocket.Upgrader
	baseCtx     context.Context
	logger      zerolog.Logger
}

// NewServer wires a server over store. A nil tracker selects the in-memory one.
func NewServer(store *storage.Store, tracker presence.Tracker, opts ServerOptions) *Server {
	opts = opts.withDefaults()
	if tracker == nil {
		tracker = presence.NewMemory()
	}
	reg := registry.New()
	logger := log.L().With().Str(log.FieldService, "server").Logger()
	s := &Server{
		store:       store,
		registry:    reg,
		sessions:    session.NewHandler(store, reg, tracker, opts.StoreTimeout),
		presence:    tracker,
		metrics:     NewMetrics(reg.RoomCount),
		authLimiter: NewAuthLimiter(opts.AuthRateLimit, opts.AuthRateWindow),
		eventRate:   rate.Limit(opts.EventRate),
		eventBurst:  opts.EventBurst,
		tokenTTL:    opts.TokenTTL,
		baseCtx:     log.WithLogger(context.Background(), logger),
		logger:      logger,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     originChecker(opts.AllowedOrigins),
	}
	return s
}

// Broadcaster exposes room fan-out to code paths that do not own a connection.
func (s *Server) Broadcaster() registry.Broadcaster {
	return s.registry
}

func (s *Server) Registry() *registry.Registry {
	return s.registry
}

// Routes builds the router. wsPath is where websocket clients connect.
func (s *Server) Routes(wsPath string) http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(wsPath, s.ServeWS).Methods(http.MethodGet)
	r.HandleFunc("/signup", s.HandleSignup).Methods(http.MethodPost)
	r.HandleFunc("/login", s.HandleLogin).Methods(http.MethodPost)
	r.HandleFunc("/logout", s.HandleLogout).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/messages", s.HandleListMessages).Methods(http.MethodGet)
	r.HandleFunc("/conversations/{id}/messages", s.HandleCreateMessage).Methods(http.MethodPost)
	r.HandleFunc("/conversations/{id}/presence", s.HandlePresence).Methods(http.MethodGet)
	r.HandleFunc("/exists", s.HandleRoomExists).Methods(http.MethodGet)
	r.HandleFunc("/healthz", s.HandleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", s.metrics).Methods(http.MethodGet)
	r.Use(log.HTTPMiddleware(s.logger))
	return r
}

func originChecker(allowed []string) func(*http.Request) bool {
	if len(allowed) == 0 {
		return func(*http.Request) bool { return true }
	}
	set := make(map[string]struct{}, len(allowed))
	for _, origin := range allowed {
		set[origin] = struct{}{}
	}
	return func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		if origin == "" {
			return true
		}
		_, ok := set[origin]
		return ok
	}
}
