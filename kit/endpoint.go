// Package kit holds the transport-agnostic endpoint abstraction shared by
// the HTTP API and the MCP tool surface.
package kit

import "context"

// Endpoint is one operation exposed over a transport. Transports decode
// their wire format into a typed request, call the endpoint, and encode
// the response.
type Endpoint func(ctx context.Context, req any) (any, error)

// Middleware wraps an Endpoint with cross-cutting behaviour.
type Middleware func(Endpoint) Endpoint

// Chain composes middlewares outermost-first: Chain(a, b, c)(e) runs
// a before b before c before e.
func Chain(mws ...Middleware) Middleware {
	return func(e Endpoint) Endpoint {
		for i := len(mws) - 1; i >= 0; i-- {
			e = mws[i](e)
		}
		return e
	}
}
