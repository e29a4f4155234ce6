package shared

import (
	"context"
	"net/netip"
)

type actorContextKey struct{}

// ContextWithActor stores the authenticated actor in context. The
// session layer verifies the actor before it ever lands here; nothing
// downstream re-authenticates.
func ContextWithActor(ctx context.Context, actor string) context.Context {
	return context.WithValue(ctx, actorContextKey{}, actor)
}

// ActorFromContext extracts the authenticated actor from context.
func ActorFromContext(ctx context.Context) (string, bool) {
	actor, ok := ctx.Value(actorContextKey{}).(string)
	return actor, ok && actor != ""
}

type sourceIPContextKey struct{}

// ContextWithSourceIP stores the request's source address in context.
func ContextWithSourceIP(ctx context.Context, addr netip.Addr) context.Context {
	return context.WithValue(ctx, sourceIPContextKey{}, addr)
}

// SourceIPFromContext extracts the request's source address; the zero
// Addr when none was recorded.
func SourceIPFromContext(ctx context.Context) netip.Addr {
	addr, _ := ctx.Value(sourceIPContextKey{}).(netip.Addr)
	return addr
}
