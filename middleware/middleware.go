// Package middleware wraps the proxy handler in the usual onion of cross-cutting concerns.
//
//	Chain(A, B, C)(handler) → A(B(C(handler)))
//	Execution order: A.before → B.before → C.before → handler → C.after → B.after → A.after
//
// Every middleware here must keep the connection hijackable, since WebSocket upgrades
// pass through the same chain as plain requests.
package middleware

import "net/http"

type Middleware func(next http.Handler) http.Handler

// Chain 将多个中间件组合成一个中间件
func Chain(middlewares ...Middleware) Middleware {
	return func(next http.Handler) http.Handler {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}
