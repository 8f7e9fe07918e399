// Package health provides composable probes and the liveness/readiness
// handlers served on both the public and ops listeners.
//
// Readiness for this service is the shutdown gate AND the upstream probe:
// a drained instance or one that cannot reach its downstream application
// reports 503 so the load balancer stops routing to it.
package health
