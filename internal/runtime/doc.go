// Package runtime owns the container-engine boundary.
//
// Ownership boundary:
// - the adapter contract the reconciliation engine calls into
// - the Docker implementation and its label scheme
//
// The runtime never interprets desired-state documents. It executes single
// entity operations and reports what actually runs.
package runtime
