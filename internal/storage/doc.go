// Package storage persists per-module notification state and scan summaries.
//
// Drivers return errors; the StateStore adapter turns every one of them into
// a logged no-op so the scheduling engine never observes storage failures.
package storage
