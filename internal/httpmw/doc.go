// Package httpmw holds the middleware wrapped around the edge.
//
// httpserver.NewHandler composes it outermost first: panic recovery,
// request ID, client IP, rate limiting, tracing, debug headers, metrics,
// the request logger, then inside the router Vary normalization,
// compression, the access log and the body cap.
//
// Static assets must leave with exactly the origin's headers, so every
// layer that writes response headers is wrapped in Unless(StaticAsset, ...).
// Query strings and forwarded headers go to logs only after ClientIP has
// decided whether the peer is trusted.
package httpmw
