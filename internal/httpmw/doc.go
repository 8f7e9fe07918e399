// Package httpmw provides HTTP middleware for the public-facing server.
//
// httpserver.NewHandler composes them outermost first: security headers,
// panic recovery, request ID, client IP extraction, OTEL tracing, trace
// response headers, metrics, structured logging, the affiliate filter and
// the chi router.
//
// Client IP extraction runs before the affiliate filter so the credit
// limiter is keyed by the real visitor address rather than the load
// balancer. Query strings and user agents are kept out of logs; the
// credited origin is logged truncated since it is the service's output.
package httpmw
