// -------------------------------------------------------------------------------
// Audit - Request Correlation and Structured Audit Logging
//
// Author: Alex Freidah
//
// Context-based request and user ID propagation plus structured audit logging.
// API requests get a request ID (honoring a client-provided X-Request-Id);
// background jobs get a correlation ID. Work detached from a request keeps the
// IDs so photo uploads finishing after the response can still be traced back.
// -------------------------------------------------------------------------------

package audit

import (
	"context"
	"log/slog"
	"strings"

	"github.com/afreidah/spotkeeper/internal/telemetry"
	"github.com/google/uuid"
)

// -------------------------------------------------------------------------
// CONTEXT KEYS
// -------------------------------------------------------------------------

type contextKey int

const (
	requestIDKey contextKey = iota
	userIDKey
)

// -------------------------------------------------------------------------
// IDS
// -------------------------------------------------------------------------

// NewID returns a 32-character hex ID (a random UUID without dashes).
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// WithRequestID stores a request ID in the context.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey, id)
}

// RequestID extracts the request ID from the context. Returns empty string
// if no request ID is set.
func RequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

// WithUserID stores the acting user's ID in the context.
func WithUserID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, userIDKey, id)
}

// UserID extracts the acting user's ID from the context.
func UserID(ctx context.Context) string {
	if id, ok := ctx.Value(userIDKey).(string); ok {
		return id
	}
	return ""
}

// Detach returns a background context carrying ctx's request and user IDs but
// none of its deadline or cancellation.
func Detach(ctx context.Context) context.Context {
	out := context.Background()
	if id := RequestID(ctx); id != "" {
		out = WithRequestID(out, id)
	}
	if id := UserID(ctx); id != "" {
		out = WithUserID(out, id)
	}
	return out
}

// -------------------------------------------------------------------------
// AUDIT LOGGING
// -------------------------------------------------------------------------

// Log emits a structured audit log entry at Info level. Includes the request
// and user IDs from context and increments the audit event counter.
func Log(ctx context.Context, event string, attrs ...slog.Attr) {
	telemetry.AuditEventsTotal.WithLabelValues(event).Inc()

	base := []slog.Attr{
		slog.Bool("audit", true),
		slog.String("event", event),
	}
	if id := RequestID(ctx); id != "" {
		base = append(base, slog.String("request_id", id))
	}
	if id := UserID(ctx); id != "" {
		base = append(base, slog.String("user_id", id))
	}
	base = append(base, attrs...)

	slog.LogAttrs(ctx, slog.LevelInfo, "audit", base...)
}
