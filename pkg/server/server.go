package server

import (
	"bufio"
	"context"
	"crypto/tls"
	"embed"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"

	"github.com/vigild/vigil/pkg/broadcast"
	"github.com/vigild/vigil/pkg/config"
	"github.com/vigild/vigil/pkg/control"
	"github.com/vigild/vigil/pkg/log"
	"github.com/vigild/vigil/pkg/metrics"
	"github.com/vigild/vigil/pkg/registry"
	"github.com/vigild/vigil/pkg/types"
)

//go:embed dashboard.html
var dashboardFS embed.FS

const shutdownDrain = 10 * time.Second

// Server is the HTTP/WS front end.
type Server struct {
	reg        *registry.Registry
	dispatcher *control.Dispatcher
	bus        *broadcast.Broadcaster
	env        config.Env
	version    string
	startedAt  time.Time
	wsConns    atomic.Int64

	httpServer *http.Server
}

// New builds the server and its routes.
func New(reg *registry.Registry, dispatcher *control.Dispatcher, bus *broadcast.Broadcaster, env config.Env, version string) *Server {
	s := &Server{
		reg:        reg,
		dispatcher: dispatcher,
		bus:        bus,
		env:        env,
		version:    version,
		startedAt:  time.Now(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleDashboard)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /health/aggregate", s.handleAggregate)
	mux.HandleFunc("GET /api/services", s.handleListServices)
	mux.HandleFunc("GET /api/services/{id}/health", s.handleServiceHealth)
	mux.HandleFunc("POST /api/services/{id}/restart", s.handleRestart)
	mux.HandleFunc("POST /api/compose", s.handleCompose)
	mux.HandleFunc("GET /api/metrics", s.handleSystemMetrics)
	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /ws", s.handleWebSocket)

	addr := net.JoinHostPort(s.host(), s.port())
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.middleware(mux),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) host() string {
	if s.env.Host != "" {
		return s.env.Host
	}
	return "0.0.0.0"
}

func (s *Server) port() string {
	if s.env.Port != "" {
		return s.env.Port
	}
	return "9090"
}

// Run serves until the context is cancelled, then drains for up to 10s.
// TLS is used when a cert and key are configured and load; otherwise the
// server falls back to plain HTTP with a warning, unless strict TLS is
// requested.
func (s *Server) Run(ctx context.Context) error {
	logger := log.WithComponent("server")

	useTLS := false
	if s.env.TLSCert != "" && s.env.TLSKey != "" {
		cert, err := tls.LoadX509KeyPair(s.env.TLSCert, s.env.TLSKey)
		if err != nil {
			if s.env.TLSStrict {
				return err
			}
			logger.Warn().Err(err).Msg("TLS keypair failed to load, falling back to HTTP")
		} else {
			s.httpServer.TLSConfig = &tls.Config{Certificates: []tls.Certificate{cert}, MinVersion: tls.VersionTLS12}
			useTLS = true
		}
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", s.httpServer.Addr).Bool("tls", useTLS).Msg("server listening")
		var err error
		if useTLS {
			err = s.httpServer.ListenAndServeTLS("", "")
		} else {
			err = s.httpServer.ListenAndServe()
		}
		if !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), shutdownDrain)
	defer cancel()
	logger.Info().Msg("server draining")
	return s.httpServer.Shutdown(drainCtx)
}

// middleware assigns request ids, extracts trace context, records
// request metrics, and answers CORS preflight.
func (s *Server) middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-Id", requestID)

		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, x-api-key, X-Request-Id")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		ctx := otel.GetTextMapPropagator().Extract(r.Context(), propagation.HeaderCarrier(r.Header))
		ctx = withRequestID(ctx, requestID)
		// The mux records the matched pattern on this request; keep the
		// same pointer so the metric label sees it.
		r = r.WithContext(ctx)

		started := time.Now()
		rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rw, r)
		metrics.RecordHTTPRequest(r.Method, routePattern(r), rw.status, time.Since(started).Seconds())
	})
}

// routePattern returns the matched mux pattern so metric labels stay
// low-cardinality.
func routePattern(r *http.Request) string {
	if p := r.Pattern; p != "" {
		if _, path, ok := strings.Cut(p, " "); ok {
			return path
		}
		return p
	}
	return "unmatched"
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (r *statusRecorder) Unwrap() http.ResponseWriter { return r.ResponseWriter }

// Hijack passes through so the WebSocket upgrade works behind the
// middleware.
func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	return h.Hijack()
}

type ctxKey int

const requestIDKey ctxKey = 0

func withRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

func requestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey).(string)
	return id
}

// errorBody is the uniform failure response.
type errorBody struct {
	ErrorKind string `json:"errorKind"`
	Message   string `json:"message"`
	RequestID string `json:"requestId,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps sentinel errors to status codes and the uniform body.
func writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	kind := "internal"
	switch {
	case errors.Is(err, types.ErrUnauthorized):
		status, kind = http.StatusUnauthorized, "unauthorized"
	case errors.Is(err, types.ErrBusy):
		status, kind = http.StatusConflict, "busy"
	case errors.Is(err, types.ErrNotFound):
		status, kind = http.StatusNotFound, "not_found"
	case errors.Is(err, types.ErrInvalid):
		status, kind = http.StatusBadRequest, "invalid"
	}
	var drvErr *types.DriverError
	if errors.As(err, &drvErr) {
		status, kind = http.StatusBadGateway, "driver_error"
	}
	writeJSON(w, status, errorBody{
		ErrorKind: kind,
		Message:   err.Error(),
		RequestID: requestIDFrom(r.Context()),
	})
}

// credentialsFrom pulls auth material out of request headers.
func credentialsFrom(r *http.Request) types.Credentials {
	creds := types.Credentials{APIKey: r.Header.Get("x-api-key")}
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		creds.Bearer = strings.TrimPrefix(h, "Bearer ")
	}
	return creds
}
