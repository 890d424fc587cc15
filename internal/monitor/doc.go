// Package monitor defines the domain types and ports shared by the change
// monitoring pipeline: monitored targets, scan records, alerts, and the
// storage, clock, and hashing seams each stage depends on.
package monitor
