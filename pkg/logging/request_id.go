package logging

import (
	"context"

	"github.com/google/uuid"
)

// GetRequestIDFromCtx returns the id stored by MakeContextWithRequestID, or
// "" when the context carries none.
func GetRequestIDFromCtx(ctx context.Context) string {
	id, _ := ctx.Value(reqKey).(string)
	return id
}

// MakeContextWithRequestID tags ctx so every logger taken from it carries
// request_id. An empty id leaves ctx untouched.
func MakeContextWithRequestID(ctx context.Context, requestID string) context.Context {
	if requestID == "" {
		return ctx
	}
	return context.WithValue(ctx, reqKey, requestID)
}

// MakeContextWithNewRequestID tags ctx with a fresh random id.
func MakeContextWithNewRequestID(ctx context.Context) context.Context {
	return MakeContextWithRequestID(ctx, uuid.NewString())
}
