package shared

import (
	"context"

	"github.com/google/uuid"
)

type traceKey struct{}
type callerKey struct{}
type teamIDKey struct{}

// Role names recognised by the oracle.
const (
	RoleBuilder = "builder"
	RoleMentor  = "mentor"
	RoleLead    = "lead"
	RoleGuest   = "guest"
)

// DefaultRole is applied when a request does not name one.
const DefaultRole = RoleBuilder

// ValidRole reports whether role is one of the known program roles.
func ValidRole(role string) bool {
	switch role {
	case RoleBuilder, RoleMentor, RoleLead, RoleGuest:
		return true
	}
	return false
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	UserID string
	Role   string
	// Key is the rate-limit bucket key (API key or remote address).
	Key string
}

// WithTraceID attaches a trace_id to the context.
func WithTraceID(ctx context.Context, traceID string) context.Context {
	return context.WithValue(ctx, traceKey{}, traceID)
}

// TraceID extracts trace_id from context. Returns "-" if absent.
func TraceID(ctx context.Context) string {
	if v, ok := ctx.Value(traceKey{}).(string); ok && v != "" {
		return v
	}
	return "-"
}

// NewTraceID generates a new trace_id.
func NewTraceID() string {
	return uuid.NewString()
}

// WithCaller attaches the authenticated caller to the context.
func WithCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey{}, c)
}

// CallerFrom returns the caller stored in ctx and whether one was present.
func CallerFrom(ctx context.Context) (Caller, bool) {
	c, ok := ctx.Value(callerKey{}).(Caller)
	return c, ok
}

// WithTeamID attaches a team_id to the context.
func WithTeamID(ctx context.Context, teamID string) context.Context {
	return context.WithValue(ctx, teamIDKey{}, teamID)
}

// TeamID extracts team_id from context. Returns "" if absent.
func TeamID(ctx context.Context) string {
	if v, ok := ctx.Value(teamIDKey{}).(string); ok {
		return v
	}
	return ""
}
