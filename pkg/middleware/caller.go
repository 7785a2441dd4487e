// Package middleware provides request-scoped helpers shared by the HTTP
// layer and anything composed on top of pkg/server.
package middleware

import "context"

type contextKey string

const callerKey contextKey = "caller"

// Caller identifies who issued a request. KeyID is a short fingerprint of
// the API key, never the key itself.
type Caller struct {
	KeyID         string
	Authenticated bool
}

// Anonymous is the caller of requests served without API key auth.
var Anonymous = Caller{KeyID: "anonymous"}

// SetCaller stores the caller in the context.
func SetCaller(ctx context.Context, c Caller) context.Context {
	return context.WithValue(ctx, callerKey, c)
}

// GetCaller returns the caller stored in ctx, or Anonymous.
func GetCaller(ctx context.Context) Caller {
	if v, ok := ctx.Value(callerKey).(Caller); ok {
		return v
	}
	return Anonymous
}
