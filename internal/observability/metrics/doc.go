// Package metrics owns the observer's Prometheus registry. Components record
// through the package-level Observe* helpers and the API mounts Handler on
// /metrics, or StartServer serves it on a separate address.
package metrics
