// Package progress carries job lifecycle events from the scheduler to pluggable
// sinks. Events are batched on a background goroutine so emitters never block.
package progress
