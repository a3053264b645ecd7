// Package storage persists the waiting-queue state.
//
// Partitions:
//   - active entities (the last snapshot, in snapshot order)
//   - processed history (entities that left the queue)
//   - reservation ledger (message-kind tags per entity identity)
//   - audit log (dispatch lifecycle)
//
// ReserveTag is the only operation allowed to race: it is a single atomic
// conditional write and the caller must not dispatch unless it returned true.
package storage
