package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"io"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	gorilla "github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"noticeboard/internal/hub"
	"noticeboard/internal/metrics"
	"noticeboard/internal/websocket"
	"noticeboard/pkg/interfaces"
	"noticeboard/pkg/types"
)

// Request headers read by the server
const (
	// PushTokenHeader carries the shared secret on push requests
	PushTokenHeader = "X-Notification-Token"

	// IdentityHeader carries an identity pre-attached by the gateway.
	// It takes precedence over the userId query parameter.
	IdentityHeader = "X-User-ID"

	// IdentityQueryParam is where a gateway that rewrites URLs puts the identity
	IdentityQueryParam = "userId"
)

const healthCheckTimeout = 5 * time.Second

// Registry is the part of the hub the HTTP layer drives
type Registry interface {
	Register(ctx context.Context, identity string, ch interfaces.Channel) error
	Push(ctx context.Context, identity string, payload []byte) (int, error)
	Stats(ctx context.Context) (types.Stats, error)
}

// Acceptor upgrades requests into attached sockets
type Acceptor interface {
	Accept(w http.ResponseWriter, r *http.Request, attachment any) (*websocket.Connection, error)
}

// HealthChecker reports whether the attachment store is usable
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// Options are the routing and limit settings of a Server. MetricsPath is
// served only when Dependencies.Gatherer is set.
type Options struct {
	UpgradePath  string
	PushPath     string
	MaxPushBytes int64
	MetricsPath  string
	PushToken    string
}

// Dependencies are the components a Server routes to
type Dependencies struct {
	Registry Registry
	Host     Acceptor
	Database HealthChecker
	Metrics  *metrics.Metrics
	Gatherer prometheus.Gatherer
}

// Server is the HTTP surface of the registry: the upgrade endpoint used by
// the gateway, the internal push endpoint, and health and metrics.
type Server struct {
	registry  Registry
	host      Acceptor
	database  HealthChecker
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options
	pushToken atomic.String
	now       func() time.Time
	router    chi.Router
}

type HealthResponse struct {
	Status      string       `json:"status"`
	Timestamp   time.Time    `json:"timestamp"`
	Database    string       `json:"database"`
	Registry    string       `json:"registry"`
	Connections *types.Stats `json:"connections,omitempty"`
}

// NewServer builds the router
func NewServer(opts Options, deps Dependencies, logger *zap.Logger) *Server {
	s := &Server{
		registry: deps.Registry,
		host:     deps.Host,
		database: deps.Database,
		metrics:  deps.Metrics,
		logger:   logger,
		opts:     opts,
		now:      time.Now,
	}
	s.pushToken.Store(opts.PushToken)

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)

	// Any method reaches the upgrade handler so that every non-upgrade
	// request gets 426 rather than 405
	r.HandleFunc(opts.UpgradePath, s.handleUpgrade)
	r.Post(opts.PushPath, s.handlePush)
	r.Get("/health", s.handleHealth)
	if deps.Gatherer != nil && opts.MetricsPath != "" {
		r.Method(http.MethodGet, opts.MetricsPath, promhttp.HandlerFor(deps.Gatherer, promhttp.HandlerOpts{}))
	}

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// SetPushToken replaces the shared secret. An empty token rejects every push.
func (s *Server) SetPushToken(token string) {
	s.pushToken.Store(token)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !gorilla.IsWebSocketUpgrade(r) {
		s.metrics.Upgrades.WithLabelValues(metrics.ResultRejected).Inc()
		s.sendError(w, types.ErrProtocol)
		return
	}

	identity := identityFrom(r)
	if err := types.ValidateIdentity(identity); err != nil {
		s.metrics.Upgrades.WithLabelValues(metrics.ResultRejected).Inc()
		s.sendError(w, err)
		return
	}

	conn, err := s.host.Accept(w, r, types.NewAttachment(identity, s.now()))
	if err != nil {
		// Accept has already answered the request
		result := metrics.ResultFailed
		if errors.Is(err, websocket.ErrHostShuttingDown) {
			result = metrics.ResultUnavailable
		}
		s.metrics.Upgrades.WithLabelValues(result).Inc()
		s.logger.Warn("Upgrade failed", zap.String("user_id", identity), zap.Error(err))
		return
	}

	if err := s.registry.Register(r.Context(), identity, conn); err != nil {
		s.rejectChannel(conn, identity, err)
		return
	}
	s.metrics.Upgrades.WithLabelValues(metrics.ResultOK).Inc()
}

// rejectChannel closes an accepted socket the registry refused. A socket that
// closed while registering needs nothing more.
func (s *Server) rejectChannel(conn *websocket.Connection, identity string, err error) {
	switch {
	case errors.Is(err, hub.ErrChannelNotOpen):
		s.metrics.Upgrades.WithLabelValues(metrics.ResultFailed).Inc()
		return
	case errors.Is(err, hub.ErrHubNotRunning):
		s.metrics.Upgrades.WithLabelValues(metrics.ResultUnavailable).Inc()
		_ = conn.Close(types.CloseTryAgainLater, types.ReasonTryAgainLater)
	default:
		s.metrics.Upgrades.WithLabelValues(metrics.ResultFailed).Inc()
		_ = conn.Close(types.CloseInternalError, types.ReasonSocketError)
	}
	s.logger.Warn("Registration failed",
		zap.String("user_id", identity),
		zap.String("channel_id", conn.ID()),
		zap.Error(err))
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		s.metrics.PushRequests.WithLabelValues(metrics.ResultUnauthorized).Inc()
		s.sendError(w, types.ErrUnauthorized)
		return
	}

	var req types.PushRequest
	body := http.MaxBytesReader(w, r.Body, s.opts.MaxPushBytes)
	if err := json.NewDecoder(body).Decode(&req); err != nil {
		s.metrics.PushRequests.WithLabelValues(metrics.ResultMalformed).Inc()
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeText(w, http.StatusRequestEntityTooLarge, http.StatusText(http.StatusRequestEntityTooLarge))
			return
		}
		s.sendError(w, errors.Mark(err, types.ErrMalformedPush))
		return
	}
	if err := req.Validate(); err != nil {
		s.metrics.PushRequests.WithLabelValues(metrics.ResultMalformed).Inc()
		s.sendError(w, err)
		return
	}

	delivered, err := s.registry.Push(r.Context(), req.UserID, req.Notification)
	if err != nil {
		s.metrics.PushRequests.WithLabelValues(metrics.ResultUnavailable).Inc()
		s.logger.Warn("Push failed", zap.String("user_id", req.UserID), zap.Error(err))
		s.sendError(w, err)
		return
	}

	s.metrics.PushRequests.WithLabelValues(metrics.ResultOK).Inc()
	s.logger.Debug("Push delivered",
		zap.String("user_id", req.UserID),
		zap.Int("channels", delivered))
	writeText(w, http.StatusOK, "OK")
}

// authorized compares the presented token in constant time. No configured
// token means no request is authorized.
func (s *Server) authorized(r *http.Request) bool {
	token := s.pushToken.Load()
	if token == "" {
		return false
	}
	presented := r.Header.Get(PushTokenHeader)
	return subtle.ConstantTimeCompare([]byte(presented), []byte(token)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	response := HealthResponse{
		Status:    "healthy",
		Timestamp: s.now(),
		Database:  "healthy",
		Registry:  "running",
	}

	if err := s.database.HealthCheck(ctx); err != nil {
		response.Status = "unhealthy"
		response.Database = "error: " + err.Error()
	}

	stats, err := s.registry.Stats(ctx)
	if err != nil {
		response.Status = "unhealthy"
		response.Registry = "error: " + err.Error()
	} else {
		response.Connections = &stats
	}

	w.Header().Set("Content-Type", "application/json")
	if response.Status != "healthy" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	_ = json.NewEncoder(w).Encode(response)
}

// requestLogger logs every request once it completes. Upgraded requests are
// logged when the handshake finishes, not when the socket closes.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)

		s.logger.Debug("HTTP request",
			zap.String("request_id", middleware.GetReqID(r.Context())),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)))
	})
}

// identityFrom reads the identity the gateway attached to an upgrade request
func identityFrom(r *http.Request) string {
	if identity := r.Header.Get(IdentityHeader); identity != "" {
		return identity
	}
	return r.URL.Query().Get(IdentityQueryParam)
}

// sendError answers with the status and body err maps to
func (s *Server) sendError(w http.ResponseWriter, err error) {
	code := statusFor(err)
	writeText(w, code, bodyFor(code, err))
}

// statusFor maps errors to HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, types.ErrProtocol):
		return http.StatusUpgradeRequired
	case errors.Is(err, types.ErrMissingIdentity),
		errors.Is(err, types.ErrInvalidIdentity),
		errors.Is(err, types.ErrMalformedPush):
		return http.StatusBadRequest
	case errors.Is(err, types.ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, hub.ErrHubNotRunning),
		errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func bodyFor(code int, err error) string {
	switch code {
	case http.StatusUpgradeRequired:
		return "Expected WebSocket"
	case http.StatusBadRequest:
		if errors.Is(err, types.ErrMissingIdentity) {
			return "Missing userId"
		}
		if errors.Is(err, types.ErrInvalidIdentity) {
			return "Invalid userId"
		}
		return "Malformed push request"
	default:
		return http.StatusText(code)
	}
}

func writeText(w http.ResponseWriter, code int, body string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	_, _ = io.WriteString(w, body)
}
