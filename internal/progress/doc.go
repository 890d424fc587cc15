// Package progress tracks where each target's scan currently is. A Tracker
// writes the latest Status to a TTL-bounded Store for polling clients and
// publishes transition Events on a non-blocking Hub, which batches them out
// to sinks such as structured logs and Prometheus metrics.
package progress
