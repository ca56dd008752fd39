// Package api exposes a read-only REST view of stored Safe transactions
// (list, detail, stats and signature progress) next to the Prometheus
// /metrics endpoint.
package api
