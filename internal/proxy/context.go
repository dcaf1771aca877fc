package proxy

import "context"

type contextKey string

const callerIDKey contextKey = "callerID"

// AnonymousCaller is the identity of requests that name no caller.
const AnonymousCaller = "anonymous"

func WithCallerID(ctx context.Context, callerID string) context.Context {
	return context.WithValue(ctx, callerIDKey, callerID)
}

func CallerID(ctx context.Context) string {
	if v, ok := ctx.Value(callerIDKey).(string); ok && v != "" {
		return v
	}
	return AnonymousCaller
}
