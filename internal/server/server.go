// -------------------------------------------------------------------------------
// HTTP Server - Spot API Routing
//
// Author: Alex Freidah
//
// JSON API over the search, photo, and list services. Every request gets a
// request ID (a client-provided X-Request-Id is adopted), a span, request
// metrics, and an audit event. Handlers return a value or an error; errors are
// mapped onto HTTP status codes and a uniform JSON error body in one place.
// -------------------------------------------------------------------------------

package server

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/afreidah/spotkeeper/internal/audit"
	"github.com/afreidah/spotkeeper/internal/lifecycle"
	"github.com/afreidah/spotkeeper/internal/lists"
	"github.com/afreidah/spotkeeper/internal/photos"
	"github.com/afreidah/spotkeeper/internal/search"
	"github.com/afreidah/spotkeeper/internal/telemetry"
)

// defaultMaxBodyBytes caps JSON request bodies.
const defaultMaxBodyBytes = 1 << 20

// -------------------------------------------------------------------------
// SERVER
// -------------------------------------------------------------------------

// DatabaseHealth reports the state of the database circuit breaker.
type DatabaseHealth interface {
	IsHealthy() bool
	State() string
}

// ServiceReporter reports the supervised background services.
type ServiceReporter interface {
	Statuses() []lifecycle.Status
}

// Deps are the collaborators of a Server. Database and Services are optional
// and only feed the health endpoint.
type Deps struct {
	Search         *search.Service
	Photos         *photos.Service
	Lists          *lists.Service
	Database       DatabaseHealth
	Services       ServiceReporter
	RequestTimeout time.Duration
	MaxBodyBytes   int64
}

// Server routes API requests to the domain services.
type Server struct {
	search   *search.Service
	photos   *photos.Service
	lists    *lists.Service
	database DatabaseHealth
	services ServiceReporter
	timeout  time.Duration
	maxBody  int64
	mux      *http.ServeMux
}

// apiFunc handles one API call. It returns the HTTP status and the value to
// encode as JSON, or an error to be mapped by writeAPIError.
type apiFunc func(ctx context.Context, r *http.Request) (int, any, error)

// New creates a server with all API routes registered.
func New(d Deps) *Server {
	s := &Server{
		search:   d.Search,
		photos:   d.Photos,
		lists:    d.Lists,
		database: d.Database,
		services: d.Services,
		timeout:  d.RequestTimeout,
		maxBody:  d.MaxBodyBytes,
		mux:      http.NewServeMux(),
	}
	if s.maxBody <= 0 {
		s.maxBody = defaultMaxBodyBytes
	}

	s.route("GET /v1/search", "Search", s.handleSearch)
	s.route("GET /v1/nearby", "SearchNearby", s.handleNearby)
	s.route("POST /v1/spots/{placeId}/photo", "EnsurePhoto", s.handleEnsurePhoto)
	s.route("POST /v1/photos/batch", "EnsurePhotos", s.handleEnsurePhotos)
	s.route("GET /v1/spots/{placeId}/lists", "Memberships", s.handleMemberships)
	s.route("PUT /v1/spots/{placeId}/lists", "Reconcile", s.handleReconcile)
	s.route("POST /v1/users/{userId}/lists/system", "EnsureSystemLists", s.handleEnsureSystemLists)
	s.route("GET /v1/users/{userId}/lists", "Lists", s.handleLists)
	s.route("POST /v1/users/{userId}/lists", "CreateList", s.handleCreateList)
	s.mux.HandleFunc("GET /health", s.handleHealth)

	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// --- Generate or adopt request ID ---
	requestID := r.Header.Get("X-Request-Id")
	if requestID == "" || len(requestID) > 128 {
		requestID = audit.NewID()
	}
	ctx := audit.WithRequestID(r.Context(), requestID)
	w.Header().Set("X-Request-Id", requestID)

	// --- Track inflight requests ---
	telemetry.InflightRequests.Inc()
	defer telemetry.InflightRequests.Dec()

	s.mux.ServeHTTP(w, r.WithContext(ctx))
}

// route registers an API handler wrapped with deadline, tracing, metrics,
// and audit logging. name labels the route in metrics and audit events.
func (s *Server) route(pattern, name string, fn apiFunc) {
	s.mux.HandleFunc(pattern, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ctx := r.Context()
		if s.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, s.timeout)
			defer cancel()
		}
		if uid := userID(r); uid != "" {
			ctx = audit.WithUserID(ctx, uid)
		}

		ctx, span := telemetry.StartSpan(ctx, "HTTP "+name,
			telemetry.RequestAttributes(r.Method, r.URL.Path, stripPort(r.RemoteAddr), audit.RequestID(ctx))...,
		)
		defer span.End()

		r.Body = http.MaxBytesReader(w, r.Body, s.maxBody)
		status, body, err := fn(ctx, r.WithContext(ctx))
		if err != nil {
			status = writeAPIError(w, err)
		} else {
			writeJSON(w, status, body)
		}

		// --- Record metrics ---
		telemetry.RequestsTotal.WithLabelValues(name, strconv.Itoa(status)).Inc()
		telemetry.RequestDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())

		// --- Update span status ---
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.Int("http.status_code", status))

		// --- Audit log ---
		attrs := []slog.Attr{
			slog.String("operation", name),
			slog.String("method", r.Method),
			slog.String("path", r.URL.Path),
			slog.String("remote", r.RemoteAddr),
			slog.Int("status", status),
			slog.Duration("duration", time.Since(start)),
		}
		if uid := audit.UserID(ctx); uid != "" {
			attrs = append(attrs, slog.String("user_id", uid))
		}
		if err != nil {
			attrs = append(attrs, slog.String("error", err.Error()))
		}
		audit.Log(ctx, "api."+name, attrs...)
	})
}
