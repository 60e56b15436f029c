// Package agent assembles the shadow daemon from its parts and owns its
// lifecycle.
//
// Ownership boundary:
//   - bootstrap order: snapshots first, then runtime, transport, protocol,
//     reconciliation loop, admin API
//   - the rule that a corrupt target snapshot refuses to start, while an
//     unreachable broker does not: the device keeps converging on the last
//     accepted desired state and syncs when the transport comes back
//   - the admin HTTP surface operators and the companion CLI talk to
//
// Everything the agent composes keeps working when the others fail; only
// the agent knows the whole picture.
package agent
