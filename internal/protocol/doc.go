// Package protocol owns the shadow delta-sync wire contract.
//
// Ownership boundary:
// - topic scheme per device UUID and shadow name
// - message envelopes and their validation
// - the delta client: inbound dispatch, accepted/rejected/documents
//   publishes, reconnect resync
package protocol
