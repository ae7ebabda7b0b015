// Package api exposes the hub over HTTP: raw envelope submission, replay
// record queries, Prometheus metrics and a health endpoint reporting the
// registered actions and their circuit breaker states.
package api
