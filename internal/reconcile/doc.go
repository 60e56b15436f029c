// Package reconcile owns the state reconciliation engine.
//
// Ownership boundary:
// - diffing desired documents against observed runtime state into plans
// - ordered plan execution with bounded per-step timeouts
// - the single-flight reconciliation loop and its trigger coalescing
//
// The engine holds the runtime behind an adapter and persistence behind the
// Persister contract; it owns neither.
package reconcile
