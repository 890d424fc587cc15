// Package memory provides in-process record and blob stores for tests and
// single-binary development runs.
package memory
