package httpapi

import "context"

// ctxKey namespaces context values set by this package's middleware so they
// never collide with keys defined elsewhere.
type ctxKey int

const (
	ctxKeySID ctxKey = iota
	ctxKeyUser
)

func withSID(ctx context.Context, sid string) context.Context {
	return context.WithValue(ctx, ctxKeySID, sid)
}

func sidFromContext(ctx context.Context) (string, bool) {
	sid, ok := ctx.Value(ctxKeySID).(string)
	return sid, ok
}

func withUser(ctx context.Context, user string) context.Context {
	return context.WithValue(ctx, ctxKeyUser, user)
}

func userFromContext(ctx context.Context) (string, bool) {
	user, ok := ctx.Value(ctxKeyUser).(string)
	return user, ok
}
