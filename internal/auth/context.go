package auth

import "context"

// identityKey 是上下文中存储 Identity 的键类型。
type identityKey struct{}

// WithIdentity 将委托人身份存储到上下文中。
func WithIdentity(ctx context.Context, identity Identity) context.Context {
	return context.WithValue(ctx, identityKey{}, identity)
}

// IdentityFromContext 从上下文中提取委托人身份。
func IdentityFromContext(ctx context.Context) (Identity, bool) {
	if ctx == nil {
		return Identity{}, false
	}
	identity, ok := ctx.Value(identityKey{}).(Identity)
	return identity, ok
}
