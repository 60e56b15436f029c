// Package snapshot owns durable state for the reconciliation engine.
//
// Ownership boundary:
//   - the snapshot record shape and the replace-per-type storage contract
//   - the SQLite-backed store used on devices
//   - the persistence gate that deduplicates writes so storage volume stays
//     independent of how often the engine reconciles
//
// The engine hands the gate fully-formed state; this package never inspects
// document semantics beyond serializing them.
package snapshot
