// Package resolver defines the source-resolution collaborator contract.
// Resolution itself (search, extraction) happens outside the control plane.
package resolver

import "context"

// Resolver resolves a search query or URL into structured source data.
type Resolver interface {
	Resolve(ctx context.Context, query string) (interface{}, error)
}

// Func adapts a function to the Resolver interface.
type Func func(ctx context.Context, query string) (interface{}, error)

// Resolve implements Resolver.
func (f Func) Resolve(ctx context.Context, query string) (interface{}, error) {
	return f(ctx, query)
}
