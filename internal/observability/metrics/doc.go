// Package metrics registers the daemon's Prometheus collectors and exposes
// them over HTTP.
package metrics
